package store

import (
	"context"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/filecellar/filecellar/internal/files"
	"github.com/filecellar/filecellar/internal/maintenance"
	"github.com/filecellar/filecellar/internal/metrics"
)

// AddJobs queues a maintenance kind for the given hashes. Overruled kinds
// are dropped for the same hashes in the same transaction, so a queue never
// holds both a job and one it supersedes.
func (s *Store) AddJobs(ctx context.Context, hashes []files.Hash, kind maintenance.JobKind, notBefore time.Time) error {
	if len(hashes) == 0 {
		return nil
	}
	start := time.Now()
	defer func() { metrics.RecordDBQuery("add_jobs", time.Since(start)) }()

	raw := make([][]byte, 0, len(hashes))
	for _, h := range hashes {
		hh := h
		raw = append(raw, hh[:])
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	for _, overruled := range kind.Overrules() {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM maintenance_jobs WHERE kind = $1 AND hash = ANY($2)`,
			int(overruled), pq.Array(raw)); err != nil {
			return fmt.Errorf("drop overruled jobs: %w", err)
		}
	}

	var due interface{}
	if !notBefore.IsZero() {
		due = notBefore
	}
	for _, b := range raw {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO maintenance_jobs (hash, kind, not_before) VALUES ($1, $2, $3)
			 ON CONFLICT (hash, kind) DO NOTHING`,
			b, int(kind), due); err != nil {
			return fmt.Errorf("insert job: %w", err)
		}
	}
	return tx.Commit()
}

// NextJobBatch returns due work for the first kind in preferred order that
// has any.
func (s *Store) NextJobBatch(ctx context.Context, limit int) (maintenance.JobBatch, bool, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("next_job_batch", time.Since(start)) }()

	for _, kind := range maintenance.AllJobKinds {
		rows, err := s.db.QueryContext(ctx,
			`SELECT hash FROM maintenance_jobs
			 WHERE kind = $1 AND (not_before IS NULL OR not_before <= now())
			 ORDER BY queued_at
			 LIMIT $2`,
			int(kind), limit)
		if err != nil {
			return maintenance.JobBatch{}, false, fmt.Errorf("query jobs: %w", err)
		}

		var hashes []files.Hash
		for rows.Next() {
			var b []byte
			if err := rows.Scan(&b); err != nil {
				rows.Close()
				return maintenance.JobBatch{}, false, fmt.Errorf("scan job: %w", err)
			}
			if len(b) != files.HashSize {
				continue
			}
			var h files.Hash
			copy(h[:], b)
			hashes = append(hashes, h)
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return maintenance.JobBatch{}, false, err
		}

		if len(hashes) > 0 {
			return maintenance.JobBatch{Kind: kind, Hashes: hashes}, true, nil
		}
	}
	return maintenance.JobBatch{}, false, nil
}

// ClearJobs removes completed jobs.
func (s *Store) ClearJobs(ctx context.Context, hashes []files.Hash, kind maintenance.JobKind) error {
	if len(hashes) == 0 {
		return nil
	}
	raw := make([][]byte, 0, len(hashes))
	for _, h := range hashes {
		hh := h
		raw = append(raw, hh[:])
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM maintenance_jobs WHERE kind = $1 AND hash = ANY($2)`,
		int(kind), pq.Array(raw))
	if err != nil {
		return fmt.Errorf("clear jobs: %w", err)
	}
	return nil
}

// CancelJobs drops all queued jobs of a kind, or every job when kind < 0.
func (s *Store) CancelJobs(ctx context.Context, kind maintenance.JobKind) error {
	var err error
	if kind < 0 {
		_, err = s.db.ExecContext(ctx, `DELETE FROM maintenance_jobs`)
	} else {
		_, err = s.db.ExecContext(ctx, `DELETE FROM maintenance_jobs WHERE kind = $1`, int(kind))
	}
	if err != nil {
		return fmt.Errorf("cancel jobs: %w", err)
	}
	return nil
}

// JobCounts returns due and total queued jobs per kind.
func (s *Store) JobCounts(ctx context.Context) (map[maintenance.JobKind]int, map[maintenance.JobKind]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT kind,
		        COUNT(*) FILTER (WHERE not_before IS NULL OR not_before <= now()),
		        COUNT(*)
		 FROM maintenance_jobs GROUP BY kind`)
	if err != nil {
		return nil, nil, fmt.Errorf("query job counts: %w", err)
	}
	defer rows.Close()

	due := make(map[maintenance.JobKind]int)
	total := make(map[maintenance.JobKind]int)
	for rows.Next() {
		var kind, d, t int
		if err := rows.Scan(&kind, &d, &t); err != nil {
			return nil, nil, fmt.Errorf("scan job count: %w", err)
		}
		due[maintenance.JobKind(kind)] = d
		total[maintenance.JobKind(kind)] = t
	}
	return due, total, rows.Err()
}
