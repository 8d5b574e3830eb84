package files

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/filecellar/filecellar/internal/notify"
)

// fakeStore implements every persistence interface the manager consumes, the
// same way the real database store does.
type fakeStore struct {
	mu sync.Mutex

	prefixes          map[string]string
	weights           map[string]float64
	thumbnailOverride string
	repairs           []PrefixLocation
	relocations       int

	orphanFiles  map[Hash]bool
	orphanThumbs map[Hash]bool

	deletes []DeferredDelete

	mimes    map[Hash]Mime
	recs     map[Hash]*Record
	modTimes map[Hash]time.Time
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		prefixes:     make(map[string]string),
		weights:      make(map[string]float64),
		orphanFiles:  make(map[Hash]bool),
		orphanThumbs: make(map[Hash]bool),
		mimes:        make(map[Hash]Mime),
		recs:         make(map[Hash]*Record),
		modTimes:     make(map[Hash]time.Time),
	}
}

func (f *fakeStore) PrefixLocations(ctx context.Context) (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]string, len(f.prefixes))
	for prefix, location := range f.prefixes {
		out[prefix] = location
	}
	return out, nil
}

func (f *fakeStore) IdealWeights(ctx context.Context) (map[string]float64, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]float64, len(f.weights))
	for location, w := range f.weights {
		out[location] = w
	}
	return out, f.thumbnailOverride, nil
}

func (f *fakeStore) RepairPrefixLocations(ctx context.Context, rows []PrefixLocation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, row := range rows {
		f.prefixes[row.Prefix] = row.Location
		f.repairs = append(f.repairs, row)
	}
	return nil
}

func (f *fakeStore) RelocatePrefix(ctx context.Context, prefix, source, dest string) error {
	f.mu.Lock()
	if f.prefixes[prefix] != source {
		f.mu.Unlock()
		return fmt.Errorf("prefix %s is not at %s", prefix, source)
	}
	f.prefixes[prefix] = dest
	f.relocations++
	f.mu.Unlock()

	srcDir := filepath.Join(source, prefix)
	if _, err := os.Stat(srcDir); os.IsNotExist(err) {
		return ensureDir(filepath.Join(dest, prefix))
	}
	return MergeTree(srcDir, filepath.Join(dest, prefix))
}

func (f *fakeStore) FilterOrphanFileHashes(ctx context.Context, hashes []Hash) ([]Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Hash
	for _, h := range hashes {
		if f.orphanFiles[h] {
			out = append(out, h)
		}
	}
	return out, nil
}

func (f *fakeStore) FilterOrphanThumbnailHashes(ctx context.Context, hashes []Hash) ([]Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Hash
	for _, h := range hashes {
		if f.orphanThumbs[h] {
			out = append(out, h)
		}
	}
	return out, nil
}

func (f *fakeStore) NextDeferredDelete(ctx context.Context) (DeferredDelete, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.deletes) == 0 {
		return DeferredDelete{}, false, nil
	}
	return f.deletes[0], true, nil
}

func (f *fakeStore) ClearDeferredDelete(ctx context.Context, d DeferredDelete) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, queued := range f.deletes {
		if queued.Hash == d.Hash {
			f.deletes = append(f.deletes[:i], f.deletes[i+1:]...)
			return nil
		}
	}
	return nil
}

func (f *fakeStore) LookupRecord(ctx context.Context, h Hash) (*Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.recs[h], nil
}

func (f *fakeStore) LookupMime(ctx context.Context, h Hash) (Mime, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	mime, ok := f.mimes[h]
	if !ok {
		return MimeUnknown, fmt.Errorf("no record for %s", h.Hex())
	}
	return mime, nil
}

func (f *fakeStore) SetFileModifiedTime(ctx context.Context, h Hash, mtime time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.modTimes[h] = mtime
	return nil
}

func (f *fakeStore) deferredCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.deletes)
}

// newTestStructure builds a full 512-shard structure in a temp location with a
// manager over it.
func newTestStructure(t *testing.T) (*Manager, *fakeStore, string) {
	t.Helper()
	root := t.TempDir()

	fs := newFakeStore()
	fs.weights[root] = 1
	for _, hex := range HexPrefixes() {
		for _, prefix := range []string{"f" + hex, "t" + hex} {
			fs.prefixes[prefix] = root
			if err := os.MkdirAll(filepath.Join(root, prefix), 0755); err != nil {
				t.Fatal(err)
			}
		}
	}

	m := NewManager(fs, fs, fs, fs, notify.NewBroadcaster(), notify.NewStatusRegistry(), Options{
		DataDir:            root,
		DeferredDeleteWait: time.Millisecond,
	})
	if err := m.Reinit(context.Background()); err != nil {
		t.Fatalf("reinit: %v", err)
	}
	t.Cleanup(m.Shutdown)
	return m, fs, root
}

func importTestFile(t *testing.T, m *Manager, content string, mime Mime) Hash {
	t.Helper()
	h := HashBytes([]byte(content))
	src := filepath.Join(t.TempDir(), "import.bin")
	writeTestFile(t, src, content)
	if err := m.AddFile(context.Background(), h, mime, src); err != nil {
		t.Fatalf("add file: %v", err)
	}
	return h
}

func TestAddFileAndGetFilePath(t *testing.T) {
	m, _, root := newTestStructure(t)
	ctx := context.Background()

	content := "file body"
	h := importTestFile(t, m, content, MimeJPEG)

	path, err := m.GetFilePath(ctx, h, MimeJPEG)
	if err != nil {
		t.Fatal(err)
	}
	want := filepath.Join(root, FilePrefix(h), h.Hex()+".jpg")
	if path != want {
		t.Errorf("expected %s, got %s", want, path)
	}
	if readTestFile(t, path) != content {
		t.Error("stored content mismatch")
	}

	// A second add of the same content is a no-op.
	src := filepath.Join(t.TempDir(), "again.bin")
	writeTestFile(t, src, content)
	if err := m.AddFile(ctx, h, MimeJPEG, src); err != nil {
		t.Errorf("re-add should be idempotent: %v", err)
	}
}

func TestGetFilePathMissingFile(t *testing.T) {
	m, _, _ := newTestStructure(t)

	h := HashBytes([]byte("never imported"))
	_, err := m.GetFilePath(context.Background(), h, MimePNG)
	if !errors.Is(err, ErrFileMissing) {
		t.Errorf("expected ErrFileMissing, got %v", err)
	}

	_, err = m.GetFilePath(context.Background(), h, MimeUnknown)
	if !errors.Is(err, ErrFileMissing) {
		t.Errorf("expected ErrFileMissing from extension scan, got %v", err)
	}
}

func TestGetFilePathRepairsWrongExtension(t *testing.T) {
	m, _, root := newTestStructure(t)
	ctx := context.Background()

	// File stored under .png but recorded as jpeg.
	h := HashBytes([]byte("mislabelled"))
	wrongPath := filepath.Join(root, FilePrefix(h), h.Hex()+".png")
	writeTestFile(t, wrongPath, "mislabelled")

	path, err := m.GetFilePath(ctx, h, MimeJPEG)
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Ext(path) != ".jpg" {
		t.Errorf("expected repaired .jpg path, got %s", path)
	}
	if _, err := os.Stat(wrongPath); !os.IsNotExist(err) {
		t.Error("wrong-extension copy should be renamed away")
	}
	if readTestFile(t, path) != "mislabelled" {
		t.Error("repaired file content mismatch")
	}
}

func TestGetFilePathWithUnknownMimeScans(t *testing.T) {
	m, _, _ := newTestStructure(t)

	h := importTestFile(t, m, "scan me", MimeWebP)
	path, err := m.GetFilePath(context.Background(), h, MimeUnknown)
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Ext(path) != ".webp" {
		t.Errorf("scan should find the .webp copy, got %s", path)
	}
}

func TestDeleteNeighbourDupes(t *testing.T) {
	m, _, root := newTestStructure(t)
	ctx := context.Background()

	h := importTestFile(t, m, "true copy", MimePNG)
	dupePath := filepath.Join(root, FilePrefix(h), h.Hex()+".jpg")
	writeTestFile(t, dupePath, "true copy")

	m.DeleteNeighbourDupes(ctx, h, MimePNG)

	if _, err := os.Stat(dupePath); !os.IsNotExist(err) {
		t.Error("neighbour dupe should be deleted")
	}
	if _, err := m.GetFilePath(ctx, h, MimePNG); err != nil {
		t.Errorf("true copy should survive: %v", err)
	}
}

func TestAddThumbnailBroadcastsRefreshPair(t *testing.T) {
	m, _, _ := newTestStructure(t)
	ctx := context.Background()

	ch := m.events.Subscribe()
	defer m.events.Unsubscribe(ch)

	h := HashBytes([]byte("thumbnail owner"))
	if err := m.AddThumbnailFromBytes(ctx, h, []byte("thumb bytes"), false); err != nil {
		t.Fatal(err)
	}

	first := <-ch
	second := <-ch
	if first.Type != notify.EventThumbnailsCleared || second.Type != notify.EventThumbnailsAdded {
		t.Errorf("expected cleared then added, got %s then %s", first.Type, second.Type)
	}
	if len(first.Hashes) != 1 || first.Hashes[0] != h.Hex() {
		t.Errorf("expected hashes [%s], got %v", h.Hex(), first.Hashes)
	}
}

func TestAddThumbnailSilent(t *testing.T) {
	m, _, root := newTestStructure(t)
	ctx := context.Background()

	ch := m.events.Subscribe()
	defer m.events.Unsubscribe(ch)

	h := HashBytes([]byte("silent thumbnail"))
	if err := m.AddThumbnailFromBytes(ctx, h, []byte("thumb"), true); err != nil {
		t.Fatal(err)
	}

	select {
	case ev := <-ch:
		t.Errorf("silent write should not broadcast, got %s", ev.Type)
	default:
	}

	path := filepath.Join(root, ThumbnailPrefix(h), h.Hex()+ThumbnailExt)
	if readTestFile(t, path) != "thumb" {
		t.Error("thumbnail content mismatch")
	}
}

func TestUpdateFileModifiedTimestampOnlyRewinds(t *testing.T) {
	m, fs, _ := newTestStructure(t)
	ctx := context.Background()

	h := importTestFile(t, m, "timestamped", MimeJPEG)
	path, err := m.GetFilePath(ctx, h, MimeJPEG)
	if err != nil {
		t.Fatal(err)
	}

	past := time.Now().Add(-48 * time.Hour).Truncate(time.Second)
	if err := m.UpdateFileModifiedTimestamp(ctx, h, MimeJPEG, past); err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if !info.ModTime().Equal(past) {
		t.Errorf("expected mtime %v, got %v", past, info.ModTime())
	}
	if got := fs.modTimes[h]; !got.Equal(past) {
		t.Errorf("expected recorded mtime %v, got %v", past, got)
	}

	// A later time never advances the timestamp.
	if err := m.UpdateFileModifiedTimestamp(ctx, h, MimeJPEG, time.Now()); err != nil {
		t.Fatal(err)
	}
	info, err = os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if !info.ModTime().Equal(past) {
		t.Error("timestamps must only move backwards")
	}
}

func TestExportFileMovesOut(t *testing.T) {
	m, _, _ := newTestStructure(t)
	ctx := context.Background()

	h := importTestFile(t, m, "damaged goods", MimePNG)
	destDir := filepath.Join(t.TempDir(), "exports")

	dest, err := m.ExportFile(ctx, h, MimePNG, destDir)
	if err != nil {
		t.Fatal(err)
	}
	if readTestFile(t, dest) != "damaged goods" {
		t.Error("exported content mismatch")
	}
	if _, err := m.GetFilePath(ctx, h, MimePNG); !errors.Is(err, ErrFileMissing) {
		t.Errorf("file should be gone from the structure, got %v", err)
	}
}

func TestClearOrphansDeletesOldOrphansOnly(t *testing.T) {
	m, fs, root := newTestStructure(t)
	ctx := context.Background()
	old := time.Now().Add(-48 * time.Hour)

	orphan := importTestFile(t, m, "orphan", MimeJPEG)
	kept := importTestFile(t, m, "kept", MimeJPEG)
	fresh := importTestFile(t, m, "fresh orphan", MimeJPEG)
	fs.orphanFiles[orphan] = true
	fs.orphanFiles[fresh] = true

	orphanThumbHash := HashBytes([]byte("orphan thumb"))
	if err := m.AddThumbnailFromBytes(ctx, orphanThumbHash, []byte("t"), true); err != nil {
		t.Fatal(err)
	}
	fs.orphanThumbs[orphanThumbHash] = true

	// Age everything except the fresh orphan past the recent-import cutoff.
	for _, h := range []Hash{orphan, kept} {
		path := filepath.Join(root, FilePrefix(h), h.Hex()+".jpg")
		if err := os.Chtimes(path, old, old); err != nil {
			t.Fatal(err)
		}
	}
	thumbPath := filepath.Join(root, ThumbnailPrefix(orphanThumbHash), orphanThumbHash.Hex()+ThumbnailExt)
	if err := os.Chtimes(thumbPath, old, old); err != nil {
		t.Fatal(err)
	}

	if err := m.ClearOrphans(ctx, ""); err != nil {
		t.Fatal(err)
	}

	if _, err := m.GetFilePath(ctx, orphan, MimeJPEG); !errors.Is(err, ErrFileMissing) {
		t.Error("old orphan should be deleted")
	}
	if _, err := m.GetFilePath(ctx, kept, MimeJPEG); err != nil {
		t.Errorf("non-orphan should survive: %v", err)
	}
	if _, err := m.GetFilePath(ctx, fresh, MimeJPEG); err != nil {
		t.Errorf("recently imported orphan should be skipped: %v", err)
	}
	if _, err := os.Stat(thumbPath); !os.IsNotExist(err) {
		t.Error("orphan thumbnail should be deleted")
	}
}

func TestClearOrphansMovesFilesForInspection(t *testing.T) {
	m, fs, root := newTestStructure(t)
	ctx := context.Background()

	orphan := importTestFile(t, m, "inspect me", MimeJPEG)
	fs.orphanFiles[orphan] = true

	old := time.Now().Add(-48 * time.Hour)
	path := filepath.Join(root, FilePrefix(orphan), orphan.Hex()+".jpg")
	if err := os.Chtimes(path, old, old); err != nil {
		t.Fatal(err)
	}

	moveDir := t.TempDir()
	if err := m.ClearOrphans(ctx, moveDir); err != nil {
		t.Fatal(err)
	}

	moved := filepath.Join(moveDir, orphan.Hex()+".jpg")
	if readTestFile(t, moved) != "inspect me" {
		t.Error("orphan should be moved to the inspection location")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("orphan should be gone from the structure")
	}
}

func TestMutationsWaitForExclusiveAccess(t *testing.T) {
	m, _, _ := newTestStructure(t)
	ctx := context.Background()

	src := filepath.Join(t.TempDir(), "import.bin")
	writeTestFile(t, src, "guarded")
	h := HashBytes([]byte("guarded"))

	// A held read lock must block every structure mutation until released.
	m.mu.RLock()
	done := make(chan error, 1)
	go func() { done <- m.AddFile(ctx, h, MimeJPEG, src) }()

	select {
	case <-done:
		t.Fatal("AddFile must take the write lock, not run under a reader")
	case <-time.After(50 * time.Millisecond):
	}

	m.mu.RUnlock()
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	if _, err := m.GetFilePath(ctx, h, MimeJPEG); err != nil {
		t.Fatal(err)
	}

	m.mu.RLock()
	go func() { done <- m.AddThumbnailFromBytes(ctx, h, []byte("thumb"), true) }()

	select {
	case <-done:
		t.Fatal("thumbnail writes must take the write lock, not run under a reader")
	case <-time.After(50 * time.Millisecond):
	}

	m.mu.RUnlock()
	if err := <-done; err != nil {
		t.Fatal(err)
	}
}

func TestClearOrphansReportsScanProgress(t *testing.T) {
	m, _, root := newTestStructure(t)
	ctx := context.Background()

	// A large scan that clears nothing must still tick the status line.
	old := time.Now().Add(-48 * time.Hour)
	for i := 0; i < 150; i++ {
		h := HashBytes([]byte(fmt.Sprintf("clean file %d", i)))
		path := filepath.Join(root, FilePrefix(h), h.Hex()+".jpg")
		writeTestFile(t, path, "kept")
		if err := os.Chtimes(path, old, old); err != nil {
			t.Fatal(err)
		}
	}

	if err := m.ClearOrphans(ctx, ""); err != nil {
		t.Fatal(err)
	}

	statuses := m.statuses.Snapshot()
	if len(statuses) != 1 {
		t.Fatalf("expected one job status, got %d", len(statuses))
	}
	got := statuses[0].StatusTextSlot(2)
	if !strings.Contains(got, "reviewed 100 files") {
		t.Errorf("scan progress should report reviewed counts, got %q", got)
	}
}

func TestDeferredPhysicalDeletes(t *testing.T) {
	m, fs, root := newTestStructure(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := importTestFile(t, m, "doomed", MimeJPEG)
	if err := m.AddThumbnailFromBytes(ctx, h, []byte("doomed thumb"), true); err != nil {
		t.Fatal(err)
	}

	fs.mu.Lock()
	fs.deletes = append(fs.deletes, DeferredDelete{Hash: h, DeleteFile: true, DeleteThumb: true})
	fs.mu.Unlock()

	go m.DoDeferredPhysicalDeletes(ctx)
	m.WakeDeferredDeletes()

	deadline := time.Now().Add(5 * time.Second)
	for fs.deferredCount() > 0 {
		if time.Now().After(deadline) {
			t.Fatal("deferred delete never drained")
		}
		time.Sleep(10 * time.Millisecond)
	}

	filePath := filepath.Join(root, FilePrefix(h), h.Hex()+".jpg")
	thumbPath := filepath.Join(root, ThumbnailPrefix(h), h.Hex()+ThumbnailExt)
	if _, err := os.Stat(filePath); !os.IsNotExist(err) {
		t.Error("file should be physically deleted")
	}
	if _, err := os.Stat(thumbPath); !os.IsNotExist(err) {
		t.Error("thumbnail should be physically deleted")
	}
}

func TestReinitHealsMovedShard(t *testing.T) {
	m, fs, root := newTestStructure(t)

	// Point one shard at a location that exists but does not hold it. The
	// directory is still in the original location, so there is exactly one
	// candidate and healing repairs the map row.
	other := t.TempDir()
	fs.mu.Lock()
	fs.prefixes["f00"] = other
	fs.mu.Unlock()

	if err := m.Reinit(context.Background()); err != nil {
		t.Fatalf("reinit should heal a single-candidate move: %v", err)
	}

	fs.mu.Lock()
	repaired := len(fs.repairs) == 1 && fs.repairs[0].Prefix == "f00" && fs.repairs[0].Location == root
	fs.mu.Unlock()
	if !repaired {
		t.Errorf("expected one repair of f00 back to %s, got %v", root, fs.repairs)
	}
	if m.BadErrorOccurred() {
		t.Error("a healed structure is not a bad error")
	}
}

func TestReinitUnhealableSetsBadError(t *testing.T) {
	m, _, root := newTestStructure(t)

	// Remove a shard directory everywhere; healing has zero candidates.
	if err := os.RemoveAll(filepath.Join(root, "f00")); err != nil {
		t.Fatal(err)
	}

	err := m.Reinit(context.Background())
	if err == nil {
		t.Fatal("expected reinit to fail with a missing shard directory")
	}
	if !m.BadErrorOccurred() {
		t.Error("unhealable structure must set the sticky bad error")
	}
}
