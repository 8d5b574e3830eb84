package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/filecellar/filecellar/internal/files"
	"github.com/filecellar/filecellar/internal/logging"
	"github.com/filecellar/filecellar/internal/metrics"
)

// InitializeFileStructure seeds an empty prefix map: all 512 shards on the
// base location with ideal weight one, and the shard directories created on
// disk. No-op when the map already has rows.
func (s *Store) InitializeFileStructure(ctx context.Context, baseLocation string) error {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM prefix_locations`).Scan(&count); err != nil {
		return fmt.Errorf("count prefix locations: %w", err)
	}
	if count > 0 {
		return nil
	}

	logging.Info("initializing file structure", zap.String("location", baseLocation))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	for _, hex := range files.HexPrefixes() {
		for _, prefix := range []string{"f" + hex, "t" + hex} {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO prefix_locations (prefix, location) VALUES ($1, $2)`,
				prefix, baseLocation); err != nil {
				return fmt.Errorf("insert prefix %s: %w", prefix, err)
			}
		}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO ideal_location_weights (location, weight) VALUES ($1, 1)`,
		baseLocation); err != nil {
		return fmt.Errorf("insert ideal weight: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	for _, hex := range files.HexPrefixes() {
		for _, prefix := range []string{"f" + hex, "t" + hex} {
			if err := os.MkdirAll(filepath.Join(baseLocation, prefix), 0755); err != nil {
				return fmt.Errorf("create shard directory %s: %w", prefix, err)
			}
		}
	}
	return nil
}

// PrefixLocations returns the full prefix→location map.
func (s *Store) PrefixLocations(ctx context.Context) (map[string]string, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("prefix_locations", time.Since(start)) }()

	rows, err := s.db.QueryContext(ctx, `SELECT prefix, location FROM prefix_locations`)
	if err != nil {
		return nil, fmt.Errorf("query prefix locations: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string, 512)
	for rows.Next() {
		var prefix, location string
		if err := rows.Scan(&prefix, &location); err != nil {
			return nil, fmt.Errorf("scan prefix location: %w", err)
		}
		out[prefix] = location
	}
	return out, rows.Err()
}

// IdealWeights returns the target weight per location and the thumbnail
// override location, "" when unset.
func (s *Store) IdealWeights(ctx context.Context) (map[string]float64, string, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("ideal_weights", time.Since(start)) }()

	rows, err := s.db.QueryContext(ctx, `SELECT location, weight FROM ideal_location_weights`)
	if err != nil {
		return nil, "", fmt.Errorf("query ideal weights: %w", err)
	}
	defer rows.Close()

	weights := make(map[string]float64)
	for rows.Next() {
		var location string
		var weight float64
		if err := rows.Scan(&location, &weight); err != nil {
			return nil, "", fmt.Errorf("scan ideal weight: %w", err)
		}
		weights[location] = weight
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}

	var override string
	err = s.db.QueryRowContext(ctx, `SELECT location FROM thumbnail_override`).Scan(&override)
	if err != nil && err != sql.ErrNoRows {
		return nil, "", fmt.Errorf("query thumbnail override: %w", err)
	}
	return weights, override, nil
}

// SetIdealWeights replaces the ideal weight set and thumbnail override.
func (s *Store) SetIdealWeights(ctx context.Context, weights map[string]float64, thumbnailOverride string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM ideal_location_weights`); err != nil {
		return fmt.Errorf("clear ideal weights: %w", err)
	}
	for location, weight := range weights {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO ideal_location_weights (location, weight) VALUES ($1, $2)`,
			location, weight); err != nil {
			return fmt.Errorf("insert ideal weight: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM thumbnail_override`); err != nil {
		return fmt.Errorf("clear thumbnail override: %w", err)
	}
	if thumbnailOverride != "" {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO thumbnail_override (location) VALUES ($1)`,
			thumbnailOverride); err != nil {
			return fmt.Errorf("insert thumbnail override: %w", err)
		}
	}
	return tx.Commit()
}

// RepairPrefixLocations rewrites map rows found to point at the wrong place.
func (s *Store) RepairPrefixLocations(ctx context.Context, repairs []files.PrefixLocation) error {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("repair_prefix_locations", time.Since(start)) }()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	for _, row := range repairs {
		if _, err := tx.ExecContext(ctx,
			`UPDATE prefix_locations SET location = $2 WHERE prefix = $1`,
			row.Prefix, row.Location); err != nil {
			return fmt.Errorf("repair prefix %s: %w", row.Prefix, err)
		}
	}
	return tx.Commit()
}

// RelocatePrefix moves a shard: the map row first, then the physical
// directory merge. If the merge fails after the row commits, the directory
// is left as a stray that the next rebalance recover pass merges home.
func (s *Store) RelocatePrefix(ctx context.Context, prefix, source, dest string) error {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("relocate_prefix", time.Since(start)) }()

	res, err := s.db.ExecContext(ctx,
		`UPDATE prefix_locations SET location = $3 WHERE prefix = $1 AND location = $2`,
		prefix, source, dest)
	if err != nil {
		return fmt.Errorf("update prefix %s: %w", prefix, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("prefix %s is not at %s", prefix, source)
	}

	srcDir := filepath.Join(source, prefix)
	dstDir := filepath.Join(dest, prefix)
	if _, err := os.Stat(srcDir); os.IsNotExist(err) {
		// Nothing physical to move; just make sure the new home exists.
		return os.MkdirAll(dstDir, 0755)
	}
	if err := files.MergeTree(srcDir, dstDir); err != nil {
		return fmt.Errorf("move shard %s: %w", prefix, err)
	}
	return nil
}
