package files

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/filecellar/filecellar/internal/logging"
	"github.com/filecellar/filecellar/internal/metrics"
	"github.com/filecellar/filecellar/internal/notify"
)

// A location's current weight is the fraction of the 256 file prefixes it
// hosts. It is overweight when a whole prefix above its ideal share, and
// underweight while below it. Thumbnail prefixes follow their file prefix's
// location, or the thumbnail override location when one is set.

const slotWeight = 1.0 / 256

// moveTuple describes one pending shard move.
type moveTuple struct {
	prefix string
	source string
	dest   string
}

// RebalanceWorkToDo reports whether any shard move or stray directory
// recovery is pending.
func (m *Manager) RebalanceWorkToDo(ctx context.Context) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	weights, thumbnailOverride, err := m.locations.IdealWeights(ctx)
	if err != nil {
		return false, fmt.Errorf("load ideal weights: %w", err)
	}
	if _, ok := m.rebalanceTupleLocked(weights, thumbnailOverride); ok {
		return true, nil
	}

	_, ok, err := m.recoverTupleLocked(ctx)
	if err != nil {
		return false, err
	}
	return ok, nil
}

// Rebalance moves shards one at a time until the structure matches the ideal
// weights, then merges back any stray prefix directories found outside the
// map. The write lock is held for the whole pass; path resolution blocks
// until it finishes or is cancelled.
func (m *Manager) Rebalance(ctx context.Context) error {
	status := m.statuses.NewStatus(true)
	status.SetTitle("balancing file storage")
	defer func() {
		status.Finish()
		status.Delete(5 * time.Second)
	}()

	m.mu.Lock()
	defer m.mu.Unlock()

	moves := 0
	for {
		if status.IsCancelled() || ctx.Err() != nil {
			return ctx.Err()
		}
		select {
		case <-m.shutdown:
			return nil
		default:
		}

		weights, thumbnailOverride, err := m.locations.IdealWeights(ctx)
		if err != nil {
			return fmt.Errorf("load ideal weights: %w", err)
		}

		tuple, ok := m.rebalanceTupleLocked(weights, thumbnailOverride)
		if !ok {
			break
		}

		status.SetStatusText(fmt.Sprintf("moving %s", tuple.prefix))
		logging.L().Info("relocating shard",
			zap.String("prefix", tuple.prefix),
			zap.String("from", tuple.source),
			zap.String("to", tuple.dest))

		// The store updates the map row and merges the physical directory
		// as one operation. We hold the file lock, it takes the database;
		// that ordering must never be reversed elsewhere.
		if err := m.locations.RelocatePrefix(ctx, tuple.prefix, tuple.source, tuple.dest); err != nil {
			return fmt.Errorf("relocate %s: %w", tuple.prefix, err)
		}
		metrics.RecordRebalanceMove()
		moves++
		status.SetVariable("moves", int64(moves))

		if err := m.reloadPrefixesLocked(ctx); err != nil {
			return err
		}

		// Brief yield so path waiters are not starved forever on big passes.
		time.Sleep(10 * time.Millisecond)
	}

	status.SetStatusText("recovering stray directories")
	if err := m.recoverStraysLocked(ctx, status); err != nil {
		return err
	}

	logging.L().Info("rebalance finished", zap.Int("moves", moves))
	return nil
}

func (m *Manager) reloadPrefixesLocked(ctx context.Context) error {
	prefixes, err := m.locations.PrefixLocations(ctx)
	if err != nil {
		return fmt.Errorf("reload prefix locations: %w", err)
	}
	m.prefixes = prefixes
	return nil
}

// rebalanceTupleLocked finds the next shard move, file prefixes first, then
// misplaced thumbnail prefixes.
func (m *Manager) rebalanceTupleLocked(idealWeights map[string]float64, thumbnailOverride string) (moveTuple, bool) {
	ideal := normalizeWeights(idealWeights)

	counts := make(map[string]int)
	for _, hex := range HexPrefixes() {
		if location, ok := m.prefixes["f"+hex]; ok {
			counts[location]++
		}
	}

	// Union of mapped locations and ideal targets; a location dropped from
	// the ideal set has target zero and must drain.
	all := make(map[string]bool)
	for location := range counts {
		all[location] = true
	}
	for location := range ideal {
		all[location] = true
	}

	locations := make([]string, 0, len(all))
	for location := range all {
		locations = append(locations, location)
	}
	sort.Strings(locations)

	var overweight, underweight string
	for _, location := range locations {
		current := float64(counts[location]) * slotWeight
		target := ideal[location]
		if overweight == "" && current >= target+slotWeight {
			overweight = location
		}
		if underweight == "" && current < target {
			underweight = location
		}
	}

	if overweight != "" && underweight != "" {
		hexes := HexPrefixes()
		rand.Shuffle(len(hexes), func(i, j int) { hexes[i], hexes[j] = hexes[j], hexes[i] })
		for _, hex := range hexes {
			if m.prefixes["f"+hex] == overweight {
				return moveTuple{prefix: "f" + hex, source: overweight, dest: underweight}, true
			}
		}
	}

	// Thumbnail prefixes follow their file prefix unless overridden.
	for _, hex := range HexPrefixes() {
		correct := m.prefixes["f"+hex]
		if thumbnailOverride != "" {
			correct = thumbnailOverride
		}
		current := m.prefixes["t"+hex]
		if correct != "" && current != correct {
			return moveTuple{prefix: "t" + hex, source: current, dest: correct}, true
		}
	}

	return moveTuple{}, false
}

// recoverTupleLocked finds a prefix directory sitting in a known location
// other than its mapped one.
func (m *Manager) recoverTupleLocked(ctx context.Context) (moveTuple, bool, error) {
	known, err := m.knownLocations(ctx)
	if err != nil {
		return moveTuple{}, false, err
	}

	for prefix, correct := range m.prefixes {
		correctDir := filepath.Join(correct, prefix)
		correctInfo, err := os.Stat(correctDir)
		if err != nil {
			// Missing correct directory is a healing problem, not recovery.
			continue
		}

		for _, location := range known {
			if location == correct {
				continue
			}
			strayDir := filepath.Join(location, prefix)
			strayInfo, err := os.Stat(strayDir)
			if err != nil {
				continue
			}
			if os.SameFile(correctInfo, strayInfo) {
				continue
			}
			return moveTuple{prefix: prefix, source: location, dest: correct}, true, nil
		}
	}
	return moveTuple{}, false, nil
}

// recoverStraysLocked merges every stray prefix directory back into its
// mapped home, destination winning on filename conflicts.
func (m *Manager) recoverStraysLocked(ctx context.Context, status *notify.JobStatus) error {
	for {
		if status.IsCancelled() || ctx.Err() != nil {
			return ctx.Err()
		}

		tuple, ok, err := m.recoverTupleLocked(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}

		strayDir := filepath.Join(tuple.source, tuple.prefix)
		correctDir := filepath.Join(tuple.dest, tuple.prefix)
		logging.L().Warn("recovering stray shard directory",
			zap.String("stray", strayDir), zap.String("home", correctDir))

		if err := MergeTree(strayDir, correctDir); err != nil {
			return fmt.Errorf("recover %s: %w", strayDir, err)
		}
		metrics.RecordRecoveredPrefix()
	}
}

// normalizeWeights scales ideal weights so they sum to one.
func normalizeWeights(weights map[string]float64) map[string]float64 {
	var total float64
	for _, w := range weights {
		if w > 0 {
			total += w
		}
	}
	out := make(map[string]float64, len(weights))
	if total == 0 {
		return out
	}
	for location, w := range weights {
		if w > 0 {
			out[location] = w / total
		}
	}
	return out
}
