// Package files implements the client file structure: content-addressed
// storage of files and thumbnails across 512 shard directories spread over
// operator-configured locations, plus the integrity operations that keep the
// structure healthy.
package files

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/filecellar/filecellar/internal/logging"
	"github.com/filecellar/filecellar/internal/media"
	"github.com/filecellar/filecellar/internal/metrics"
	"github.com/filecellar/filecellar/internal/notify"
)

// minFreeSpace is the floor below which imports are refused outright.
const minFreeSpace = 100 * 1024 * 1024

// Free-space probes are cached; the recheck interval scales with how much
// room was left last time.
const (
	freeSpacePlenty = 100 << 30
	freeSpaceComfy  = 15 << 30
	recheckPlenty   = time.Hour
	recheckComfy    = 10 * time.Minute
	recheckTight    = time.Minute
)

type freeSpaceProbe struct {
	free      int64
	checkedAt time.Time
}

// Options carries the file-structure tunables from configuration.
type Options struct {
	Thumbnails         media.ThumbnailOptions
	DataDir            string
	DeferredDeleteWait time.Duration
}

// Manager owns the prefix→location map and all physical file operations.
// The map is guarded by mu: read operations (path resolution, existence
// checks) take the read lock; anything that adds, moves, deletes or renames
// a file or thumbnail takes the write lock, as do structural changes
// (reinit, rebalance). Lock ordering is always file lock before any
// database call.
type Manager struct {
	locations LocationStore
	orphans   OrphanStore
	deferred  DeferredDeleteStore
	records   RecordLookup
	events    *notify.Broadcaster
	statuses  *notify.StatusRegistry
	opts      Options

	mu       sync.RWMutex
	prefixes map[string]string

	spaceMu sync.Mutex
	space   map[string]freeSpaceProbe

	stateMu         sync.Mutex
	paused          bool
	badErrorOccured bool

	deferredWake chan struct{}
	shutdown     chan struct{}
	shutdownOnce sync.Once
}

// NewManager builds a Manager. Call Reinit before using it.
func NewManager(
	locations LocationStore,
	orphans OrphanStore,
	deferred DeferredDeleteStore,
	records RecordLookup,
	events *notify.Broadcaster,
	statuses *notify.StatusRegistry,
	opts Options,
) *Manager {
	if opts.DeferredDeleteWait <= 0 {
		opts.DeferredDeleteWait = 250 * time.Millisecond
	}
	return &Manager{
		locations:    locations,
		orphans:      orphans,
		deferred:     deferred,
		records:      records,
		events:       events,
		statuses:     statuses,
		opts:         opts,
		prefixes:     make(map[string]string),
		space:        make(map[string]freeSpaceProbe),
		deferredWake: make(chan struct{}, 1),
		shutdown:     make(chan struct{}),
	}
}

// Reinit reloads the prefix→location map from the database and verifies every
// mapped shard directory exists, healing what it unambiguously can.
func (m *Manager) Reinit(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reinitLocked(ctx)
}

func (m *Manager) reinitLocked(ctx context.Context) error {
	prefixes, err := m.locations.PrefixLocations(ctx)
	if err != nil {
		return fmt.Errorf("load prefix locations: %w", err)
	}
	m.prefixes = prefixes

	missing := m.missingLocationsLocked()
	if len(missing) == 0 {
		return nil
	}

	logging.L().Warn("file structure has missing shard directories, attempting to heal",
		zap.Int("missing", len(missing)))

	if err := m.attemptToHealMissingLocationsLocked(ctx, missing); err != nil {
		return err
	}

	prefixes, err = m.locations.PrefixLocations(ctx)
	if err != nil {
		return fmt.Errorf("reload prefix locations: %w", err)
	}
	m.prefixes = prefixes

	if still := m.missingLocationsLocked(); len(still) > 0 {
		m.setBadError()
		m.reportUnhealableLocked(still)
		return fmt.Errorf("%d shard directories are still missing after healing", len(still))
	}
	return nil
}

// Paused reports whether file imports are paused after a critical failure.
func (m *Manager) Paused() bool {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	return m.paused
}

// Resume clears a critical pause after the operator has fixed the cause.
func (m *Manager) Resume() {
	m.stateMu.Lock()
	m.paused = false
	m.stateMu.Unlock()
	logging.L().Info("file imports resumed")
}

// BadErrorOccurred reports whether an unhealable location problem was seen.
// Sticky until restart; maintenance refuses to touch files while set.
func (m *Manager) BadErrorOccurred() bool {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	return m.badErrorOccured
}

func (m *Manager) setBadError() {
	m.stateMu.Lock()
	m.badErrorOccured = true
	m.stateMu.Unlock()
}

// criticalPause halts all imports and demands operator attention.
func (m *Manager) criticalPause(title, text string) {
	m.stateMu.Lock()
	already := m.paused
	m.paused = true
	m.stateMu.Unlock()

	logging.L().Error("pausing all file imports", zap.String("title", title), zap.String("reason", text))
	if !already {
		m.events.Publish(notify.Event{Type: notify.EventPauseAll, Title: title, Text: text})
	}
	m.events.PublishCritical(title, text)
}

// AddFile copies the file at sourcePath into the structure under its hash and
// mime. The source is left in place. Idempotent when the file is already
// present at the right size.
func (m *Manager) AddFile(ctx context.Context, h Hash, mime Mime, sourcePath string) error {
	if m.Paused() {
		return errors.New("file imports are paused; fix the reported problem and resume")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	dest, err := expectedFilePath(m.prefixes, h, mime)
	if err != nil {
		return err
	}

	info, err := os.Stat(sourcePath)
	if err != nil {
		return fmt.Errorf("stat import source: %w", err)
	}

	location := m.prefixes[FilePrefix(h)]
	if err := m.checkFreeSpace(location, info.Size()); err != nil {
		m.criticalPause("Import destination is out of space", err.Error())
		return err
	}

	if err := mirrorFile(sourcePath, dest); err != nil {
		m.criticalPause("Could not copy a file into the file structure", err.Error())
		return fmt.Errorf("add file %s: %w", h.Hex(), err)
	}

	metrics.RecordFileAdded()
	return nil
}

// checkFreeSpace verifies a location has room for size more bytes, using the
// cached probe when it is recent enough.
func (m *Manager) checkFreeSpace(location string, size int64) error {
	m.spaceMu.Lock()
	defer m.spaceMu.Unlock()

	probe, ok := m.space[location]
	if ok {
		recheck := recheckTight
		switch {
		case probe.free > freeSpacePlenty:
			recheck = recheckPlenty
		case probe.free > freeSpaceComfy:
			recheck = recheckComfy
		}
		if time.Since(probe.checkedAt) < recheck {
			if probe.free-size >= minFreeSpace {
				probe.free -= size
				m.space[location] = probe
				return nil
			}
		}
	}

	free, err := freeSpaceAt(location)
	if err != nil {
		return fmt.Errorf("check free space on %s: %w", location, err)
	}
	m.space[location] = freeSpaceProbe{free: free, checkedAt: time.Now()}
	metrics.SetLocationFreeSpace(location, free)

	if free < minFreeSpace || free < size {
		return fmt.Errorf("%s has %d bytes free, not enough to store %d more", location, free, size)
	}
	return nil
}

// AddThumbnailFromBytes writes thumbnail bytes for a hash. Unless silent, a
// thumbnail refresh pair is broadcast so viewers reload it.
func (m *Manager) AddThumbnailFromBytes(ctx context.Context, h Hash, b []byte, silent bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	path, err := expectedThumbnailPath(m.prefixes, h)
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if _, err := os.Stat(dir); err != nil {
		return directoryMissingError(dir)
	}

	if err := writeFileAtomic(path, b); err != nil {
		return fmt.Errorf("write thumbnail for %s: %w", h.Hex(), err)
	}
	givePermissions(path)
	metrics.RecordThumbnailWritten()

	if !silent {
		hex := []string{h.Hex()}
		m.events.Publish(notify.Event{Type: notify.EventThumbnailsCleared, Hashes: hex})
		m.events.Publish(notify.Event{Type: notify.EventThumbnailsAdded, Hashes: hex})
	}
	return nil
}

// GetFilePath returns the path of a stored file. With MimeUnknown it scans
// all supported extensions. With a concrete mime whose path is absent it
// scans too, and repairs the extension in place when the file is found under
// the wrong one.
func (m *Manager) GetFilePath(ctx context.Context, h Hash, mime Mime) (string, error) {
	m.mu.RLock()

	if mime == MimeUnknown {
		path, _, err := m.lookForFilePathLocked(h)
		m.mu.RUnlock()
		return path, err
	}

	path, err := m.filePathLocked(h, mime)
	if err == nil {
		m.mu.RUnlock()
		return path, nil
	}
	if !errors.Is(err, ErrFileMissing) {
		m.mu.RUnlock()
		return "", err
	}

	foundPath, foundMime, lookErr := m.lookForFilePathLocked(h)
	m.mu.RUnlock()
	if lookErr != nil {
		return "", err
	}

	logging.L().Warn("file found under the wrong extension, repairing",
		zap.String("hash", h.Hex()),
		zap.String("found", foundMime.Ext()),
		zap.String("expected", mime.Ext()))

	// The rename needs the write lock; a concurrent repair of the same file
	// makes this merge fail harmlessly and we fall back to the found path.
	newPath, moved := m.ChangeFileExt(ctx, h, foundMime, mime)
	if !moved {
		return foundPath, nil
	}
	return newPath, nil
}

// filePathLocked resolves the expected path and verifies it exists.
func (m *Manager) filePathLocked(h Hash, mime Mime) (string, error) {
	path, err := expectedFilePath(m.prefixes, h, mime)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}
	dir := filepath.Dir(path)
	if _, err := os.Stat(dir); err != nil {
		return "", directoryMissingError(dir)
	}
	return "", fileMissingError(h)
}

// lookForFilePathLocked scans every supported extension for the hash.
func (m *Manager) lookForFilePathLocked(h Hash) (string, Mime, error) {
	for _, mime := range AllMimes {
		path, err := expectedFilePath(m.prefixes, h, mime)
		if err != nil {
			return "", MimeUnknown, err
		}
		if _, err := os.Stat(path); err == nil {
			return path, mime, nil
		}
	}

	prefix := FilePrefix(h)
	dir := filepath.Join(m.prefixes[prefix], prefix)
	if _, err := os.Stat(dir); err != nil {
		return "", MimeUnknown, directoryMissingError(dir)
	}
	return "", MimeUnknown, fileMissingError(h)
}

// ChangeFileExt moves a stored file from its oldMime extension to newMime.
func (m *Manager) ChangeFileExt(ctx context.Context, h Hash, oldMime, newMime Mime) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.changeFileExtLocked(h, oldMime, newMime)
}

// changeFileExtLocked renames when nothing holds the old path open; otherwise
// it mirrors a copy and leaves the old file for DeleteNeighbourDupes to catch
// later. Returns the new path and whether it now exists.
func (m *Manager) changeFileExtLocked(h Hash, oldMime, newMime Mime) (string, bool) {
	oldPath, err := expectedFilePath(m.prefixes, h, oldMime)
	if err != nil {
		return "", false
	}
	newPath, err := expectedFilePath(m.prefixes, h, newMime)
	if err != nil {
		return "", false
	}
	if oldPath == newPath {
		return newPath, false
	}

	if pathIsFree(oldPath) {
		if err := mergeFile(oldPath, newPath); err != nil {
			logging.L().Error("extension repair failed", zap.String("hash", h.Hex()), zap.Error(err))
			return oldPath, false
		}
	} else {
		if err := mirrorFile(oldPath, newPath); err != nil {
			logging.L().Error("extension repair copy failed", zap.String("hash", h.Hex()), zap.Error(err))
			return oldPath, false
		}
	}

	givePermissions(newPath)
	metrics.RecordExtensionRepair()
	return newPath, true
}

// DeleteNeighbourDupes removes copies of a file stored under any extension
// other than its true mime's.
func (m *Manager) DeleteNeighbourDupes(ctx context.Context, h Hash, trueMime Mime) {
	m.mu.Lock()
	defer m.mu.Unlock()

	truePath, err := expectedFilePath(m.prefixes, h, trueMime)
	if err != nil {
		return
	}

	for _, mime := range AllMimes {
		if mime == trueMime {
			continue
		}
		path, err := expectedFilePath(m.prefixes, h, mime)
		if err != nil || path == truePath {
			continue
		}
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if err := os.Remove(path); err != nil {
			logging.L().Error("could not delete neighbour dupe", zap.String("path", path), zap.Error(err))
			continue
		}
		logging.L().Info("deleted neighbour dupe", zap.String("hash", h.Hex()), zap.String("ext", mime.Ext()))
	}
}

// GetThumbnailPath returns the path of a hash's thumbnail, regenerating it
// from the source file if it is missing.
func (m *Manager) GetThumbnailPath(ctx context.Context, h Hash) (string, error) {
	m.mu.RLock()
	path, err := expectedThumbnailPath(m.prefixes, h)
	if err == nil {
		if _, statErr := os.Stat(path); statErr == nil {
			m.mu.RUnlock()
			return path, nil
		}
		dir := filepath.Dir(path)
		if _, statErr := os.Stat(dir); statErr != nil {
			m.mu.RUnlock()
			return "", directoryMissingError(dir)
		}
	}
	m.mu.RUnlock()
	if err != nil {
		return "", err
	}

	mime, err := m.records.LookupMime(ctx, h)
	if err != nil {
		return "", fmt.Errorf("look up mime for %s: %w", h.Hex(), err)
	}
	if !mime.HasThumbnail() {
		return "", fmt.Errorf("%s files do not get thumbnails: %w", mime, ErrFileMissing)
	}

	if err := m.RegenerateThumbnail(ctx, h, mime); err != nil {
		return "", err
	}
	return path, nil
}

// RegenerateThumbnail renders a fresh thumbnail from the source file and
// writes it, replacing whatever was there.
func (m *Manager) RegenerateThumbnail(ctx context.Context, h Hash, mime Mime) error {
	if mime == MimeUnknown {
		var err error
		mime, err = m.records.LookupMime(ctx, h)
		if err != nil {
			return fmt.Errorf("look up mime for %s: %w", h.Hex(), err)
		}
	}
	if !mime.HasThumbnail() {
		return nil
	}

	sourcePath, err := m.GetFilePath(ctx, h, mime)
	if err != nil {
		return err
	}

	thumb, _, _, err := media.RenderThumbnail(sourcePath, m.opts.Thumbnails)
	if err != nil {
		return fmt.Errorf("render thumbnail for %s: %w", h.Hex(), err)
	}
	return m.AddThumbnailFromBytes(ctx, h, thumb, false)
}

// RegenerateThumbnailIfWrongSize re-renders the thumbnail only when the
// stored one is missing or does not match the current thumbnail geometry.
// Returns whether work was done.
func (m *Manager) RegenerateThumbnailIfWrongSize(ctx context.Context, h Hash, mime Mime) (bool, error) {
	if mime == MimeUnknown {
		var err error
		mime, err = m.records.LookupMime(ctx, h)
		if err != nil {
			return false, fmt.Errorf("look up mime for %s: %w", h.Hex(), err)
		}
	}
	if !mime.HasThumbnail() {
		return false, nil
	}

	m.mu.RLock()
	path, err := expectedThumbnailPath(m.prefixes, h)
	m.mu.RUnlock()
	if err != nil {
		return false, err
	}

	if _, err := os.Stat(path); err == nil {
		rec, err := m.records.LookupRecord(ctx, h)
		if err != nil {
			return false, fmt.Errorf("look up record for %s: %w", h.Hex(), err)
		}
		if rec != nil && rec.Width > 0 && rec.Height > 0 {
			wantW, wantH := m.opts.Thumbnails.TargetResolution(rec.Width, rec.Height)
			haveW, haveH, err := media.Dimensions(path)
			if err == nil && haveW == wantW && haveH == wantH {
				return false, nil
			}
		}
	}

	if err := m.RegenerateThumbnail(ctx, h, mime); err != nil {
		return false, err
	}
	return true, nil
}

// FileModifiedTime returns the stored file's on-disk modified time.
func (m *Manager) FileModifiedTime(ctx context.Context, h Hash, mime Mime) (time.Time, error) {
	path, err := m.GetFilePath(ctx, h, mime)
	if err != nil {
		return time.Time{}, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return time.Time{}, fmt.Errorf("stat %s: %w", path, err)
	}
	return info.ModTime(), nil
}

// UpdateFileModifiedTimestamp rewinds a stored file's on-disk modified time.
// Timestamps only ever move backwards; a later time is ignored.
func (m *Manager) UpdateFileModifiedTimestamp(ctx context.Context, h Hash, mime Mime, mtime time.Time) error {
	path, err := m.GetFilePath(ctx, h, mime)
	if err != nil {
		return err
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}
	if !mtime.Before(info.ModTime()) {
		return nil
	}
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		return fmt.Errorf("set modified time on %s: %w", path, err)
	}
	return m.records.SetFileModifiedTime(ctx, h, mtime)
}

// ExportFile moves a stored file out of the structure into destDir, for
// example when integrity checks find its content does not match its hash.
// Returns the destination path.
func (m *Manager) ExportFile(ctx context.Context, h Hash, mime Mime, destDir string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	path, err := m.filePathLocked(h, mime)
	if err != nil {
		if !errors.Is(err, ErrFileMissing) {
			return "", err
		}
		path, _, err = m.lookForFilePathLocked(h)
		if err != nil {
			return "", err
		}
	}

	if err := ensureDir(destDir); err != nil {
		return "", fmt.Errorf("create %s: %w", destDir, err)
	}
	dest := appendUntilNoConflict(filepath.Join(destDir, filepath.Base(path)))
	if err := mergeFile(path, dest); err != nil {
		return "", fmt.Errorf("export %s: %w", h.Hex(), err)
	}
	return dest, nil
}

// FixPermissions restores the standard permission bits on a stored file and
// its thumbnail if present.
func (m *Manager) FixPermissions(ctx context.Context, h Hash, mime Mime) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	path, err := m.filePathLocked(h, mime)
	if err != nil {
		return err
	}
	givePermissions(path)

	if thumbPath, err := expectedThumbnailPath(m.prefixes, h); err == nil {
		if _, statErr := os.Stat(thumbPath); statErr == nil {
			givePermissions(thumbPath)
		}
	}
	return nil
}

// ClearOrphans walks every shard directory, asks the database which files on
// disk have no record, and deletes them. With a moveLocation, orphan files
// are moved there for inspection instead; orphan thumbnails are always
// deleted since they are cheap to regenerate.
//
// The scan and the act are not atomic: a file imported between them would
// look like an orphan. The scan therefore skips anything newer than one day.
func (m *Manager) ClearOrphans(ctx context.Context, moveLocation string) error {
	status := m.statuses.NewStatus(true)
	status.SetTitle("clearing orphans")
	defer func() {
		status.Finish()
		status.Delete(5 * time.Second)
	}()

	m.mu.RLock()
	snapshot := make(map[string]string, len(m.prefixes))
	for prefix, location := range m.prefixes {
		snapshot[prefix] = location
	}
	m.mu.RUnlock()

	cutoff := time.Now().Add(-24 * time.Hour)
	var filesCleared, thumbsCleared int

	prog := &orphanScanProgress{noun: "files"}
	for i, hex := range HexPrefixes() {
		if status.IsCancelled() || ctx.Err() != nil {
			break
		}
		status.SetStatusText(fmt.Sprintf("scanning file directories %d/256", i+1))
		status.SetGauge(i, 512)

		n, err := m.clearOrphansInDir(ctx, snapshot, "f"+hex, moveLocation, cutoff, status, prog)
		if err != nil {
			return err
		}
		filesCleared += n
	}

	prog = &orphanScanProgress{noun: "thumbnails"}
	for i, hex := range HexPrefixes() {
		if status.IsCancelled() || ctx.Err() != nil {
			break
		}
		status.SetStatusText(fmt.Sprintf("scanning thumbnail directories %d/256", i+1))
		status.SetGauge(256+i, 512)

		n, err := m.clearOrphansInDir(ctx, snapshot, "t"+hex, "", cutoff, status, prog)
		if err != nil {
			return err
		}
		thumbsCleared += n
	}

	summary := fmt.Sprintf("orphan clear done: %d files, %d thumbnails", filesCleared, thumbsCleared)
	logging.L().Info("orphan clear finished",
		zap.Int("files", filesCleared), zap.Int("thumbnails", thumbsCleared))
	m.events.PublishMessage(summary)
	return nil
}

// orphanScanProgress counts reviewed entries across one scan phase so the
// status line ticks even when almost nothing is an orphan.
type orphanScanProgress struct {
	noun     string
	reviewed int
	found    int
}

func (p *orphanScanProgress) note(status *notify.JobStatus) {
	status.SetStatusTextSlot(2, fmt.Sprintf("reviewed %d %s, found %d orphans", p.reviewed, p.noun, p.found))
}

// clearOrphansInDir scans one shard directory and clears its orphans.
func (m *Manager) clearOrphansInDir(ctx context.Context, snapshot map[string]string, prefix, moveLocation string, cutoff time.Time, status *notify.JobStatus, prog *orphanScanProgress) (int, error) {
	isThumb := strings.HasPrefix(prefix, "t")

	location, ok := snapshot[prefix]
	if !ok {
		return 0, fmt.Errorf("no location mapped for prefix %s", prefix)
	}
	dir := filepath.Join(location, prefix)

	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, directoryMissingError(dir)
	}

	byHash := make(map[Hash]string)
	var hashes []Hash
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		prog.reviewed++
		if prog.reviewed%100 == 0 {
			prog.note(status)
		}
		name := entry.Name()
		if len(name) < HashSize*2 {
			continue
		}
		h, err := ParseHash(name[:HashSize*2])
		if err != nil {
			continue
		}
		if info, err := entry.Info(); err == nil && info.ModTime().After(cutoff) {
			continue
		}
		byHash[h] = filepath.Join(dir, name)
		hashes = append(hashes, h)
	}
	if len(hashes) == 0 {
		return 0, nil
	}

	var orphans []Hash
	if isThumb {
		orphans, err = m.orphans.FilterOrphanThumbnailHashes(ctx, hashes)
	} else {
		orphans, err = m.orphans.FilterOrphanFileHashes(ctx, hashes)
	}
	if err != nil {
		return 0, fmt.Errorf("filter orphans in %s: %w", prefix, err)
	}
	if len(orphans) > 0 {
		prog.found += len(orphans)
		prog.note(status)
	}

	cleared := 0
	for _, h := range orphans {
		if status.IsCancelled() || ctx.Err() != nil {
			break
		}
		path := byHash[h]

		if !isThumb && moveLocation != "" {
			dest := appendUntilNoConflict(filepath.Join(moveLocation, filepath.Base(path)))
			if err := mergeFile(path, dest); err != nil {
				logging.L().Error("could not move orphan", zap.String("path", path), zap.Error(err))
				continue
			}
			metrics.RecordOrphanCleared("file_moved")
		} else {
			if err := os.Remove(path); err != nil {
				logging.L().Error("could not delete orphan", zap.String("path", path), zap.Error(err))
				continue
			}
			if isThumb {
				metrics.RecordOrphanCleared("thumbnail")
			} else {
				metrics.RecordOrphanCleared("file")
			}
		}
		cleared++
	}
	return cleared, nil
}

// DoDeferredPhysicalDeletes runs the physical delete queue until Shutdown.
// It paces itself between deletes and sleeps on an empty queue until woken.
func (m *Manager) DoDeferredPhysicalDeletes(ctx context.Context) {
	for {
		select {
		case <-m.shutdown:
			return
		case <-ctx.Done():
			return
		default:
		}

		d, ok, err := m.deferred.NextDeferredDelete(ctx)
		if err != nil {
			logging.L().Error("could not read deferred delete queue", zap.Error(err))
			if !m.sleepOrShutdown(ctx, 10*time.Second) {
				return
			}
			continue
		}

		if !ok {
			select {
			case <-m.deferredWake:
			case <-m.shutdown:
				return
			case <-ctx.Done():
				return
			}
			continue
		}

		m.doOnePhysicalDelete(ctx, d)

		if err := m.deferred.ClearDeferredDelete(ctx, d); err != nil {
			logging.L().Error("could not acknowledge deferred delete",
				zap.String("hash", d.Hash.Hex()), zap.Error(err))
		}
		m.events.Publish(notify.Event{Type: notify.EventDeleteNumbers})

		if !m.sleepOrShutdown(ctx, m.opts.DeferredDeleteWait) {
			return
		}
	}
}

func (m *Manager) doOnePhysicalDelete(ctx context.Context, d DeferredDelete) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if d.DeleteFile {
		path, _, err := m.lookForFilePathLocked(d.Hash)
		if err == nil {
			if err := os.Remove(path); err != nil {
				logging.L().Error("could not physically delete file",
					zap.String("path", path), zap.Error(err))
			} else {
				metrics.RecordPhysicalDelete("file")
			}
		} else if !errors.Is(err, ErrFileMissing) {
			logging.L().Error("could not locate file for physical delete",
				zap.String("hash", d.Hash.Hex()), zap.Error(err))
		}
	}

	if d.DeleteThumb {
		path, err := expectedThumbnailPath(m.prefixes, d.Hash)
		if err == nil {
			if err := os.Remove(path); err == nil {
				metrics.RecordPhysicalDelete("thumbnail")
			} else if !os.IsNotExist(err) {
				logging.L().Error("could not physically delete thumbnail",
					zap.String("path", path), zap.Error(err))
			}
		}
	}
}

// sleepOrShutdown waits d, returning false if shutdown arrived first.
func (m *Manager) sleepOrShutdown(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-m.shutdown:
		return false
	case <-ctx.Done():
		return false
	}
}

// WakeDeferredDeletes nudges the delete loop after new work is queued.
func (m *Manager) WakeDeferredDeletes() {
	select {
	case m.deferredWake <- struct{}{}:
	default:
	}
}

// Shutdown stops the delete loop and unblocks any waits.
func (m *Manager) Shutdown() {
	m.shutdownOnce.Do(func() { close(m.shutdown) })
}

// writeFileAtomic writes b to path via a temp file in the same directory.
func writeFileAtomic(path string, b []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".filecellar-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp in %s: %w", dir, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp for %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp for %s: %w", path, err)
	}
	if err := os.Chmod(tmpName, filePerm); err != nil {
		return fmt.Errorf("chmod temp for %s: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename into %s: %w", path, err)
	}
	return nil
}
