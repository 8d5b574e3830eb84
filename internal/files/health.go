package files

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/filecellar/filecellar/internal/logging"
)

// missingLocationsLocked returns every prefix whose mapped shard directory
// cannot be found: either the base location is gone or the prefix directory
// under it is.
func (m *Manager) missingLocationsLocked() []PrefixLocation {
	var missing []PrefixLocation
	checkedBase := make(map[string]bool)

	for prefix, location := range m.prefixes {
		baseOK, seen := checkedBase[location]
		if !seen {
			_, err := os.Stat(location)
			baseOK = err == nil
			checkedBase[location] = baseOK
		}

		if !baseOK {
			missing = append(missing, PrefixLocation{Prefix: prefix, Location: location})
			continue
		}
		if _, err := os.Stat(filepath.Join(location, prefix)); err != nil {
			missing = append(missing, PrefixLocation{Prefix: prefix, Location: location})
		}
	}

	sort.Slice(missing, func(i, j int) bool { return missing[i].Prefix < missing[j].Prefix })
	return missing
}

// attemptToHealMissingLocationsLocked looks for each missing prefix directory
// under every location the system knows about. A prefix found in exactly one
// other place gets its map row repaired to point there; zero or multiple
// candidates are ambiguous and left for the operator.
func (m *Manager) attemptToHealMissingLocationsLocked(ctx context.Context, missing []PrefixLocation) error {
	candidates, err := m.knownLocations(ctx)
	if err != nil {
		return err
	}

	var repairs []PrefixLocation
	for _, row := range missing {
		var found []string
		for _, location := range candidates {
			if location == row.Location {
				continue
			}
			if _, err := os.Stat(filepath.Join(location, row.Prefix)); err == nil {
				found = append(found, location)
			}
		}

		switch len(found) {
		case 0:
			logging.L().Error("missing shard directory found nowhere",
				zap.String("prefix", row.Prefix), zap.String("expected", row.Location))
		case 1:
			logging.L().Warn("missing shard directory found elsewhere, repairing map",
				zap.String("prefix", row.Prefix),
				zap.String("expected", row.Location),
				zap.String("found", found[0]))
			repairs = append(repairs, PrefixLocation{Prefix: row.Prefix, Location: found[0]})
		default:
			logging.L().Error("missing shard directory found in multiple places, not healing",
				zap.String("prefix", row.Prefix),
				zap.Strings("found", found))
		}
	}

	if len(repairs) == 0 {
		return nil
	}
	if err := m.locations.RepairPrefixLocations(ctx, repairs); err != nil {
		return fmt.Errorf("repair prefix locations: %w", err)
	}
	logging.L().Info("healed shard directory map", zap.Int("repaired", len(repairs)))
	return nil
}

// knownLocations returns every base location the system has ever been told
// about: current map values, ideal weight keys and the thumbnail override.
func (m *Manager) knownLocations(ctx context.Context) ([]string, error) {
	set := make(map[string]bool)
	for _, location := range m.prefixes {
		set[location] = true
	}

	weights, thumbnailOverride, err := m.locations.IdealWeights(ctx)
	if err != nil {
		return nil, fmt.Errorf("load ideal weights: %w", err)
	}
	for location := range weights {
		set[location] = true
	}
	if thumbnailOverride != "" {
		set[thumbnailOverride] = true
	}

	out := make([]string, 0, len(set))
	for location := range set {
		out = append(out, location)
	}
	sort.Strings(out)
	return out, nil
}

// reportUnhealableLocked raises the operator alarm for directories that
// healing could not recover.
func (m *Manager) reportUnhealableLocked(still []PrefixLocation) {
	dirs := make([]string, 0, len(still))
	for _, row := range still {
		dirs = append(dirs, filepath.Join(row.Location, row.Prefix))
	}

	text := fmt.Sprintf(
		"%d file structure directories are missing and could not be recovered automatically. "+
			"If a drive is disconnected, reconnect it and restart. Missing: %s",
		len(dirs), strings.Join(dirs, ", "))

	logging.L().Error("file structure is incomplete", zap.Strings("missing", dirs))
	m.events.PublishCritical("File structure is incomplete", text)
}
