package maintenance

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/filecellar/filecellar/internal/files"
	"github.com/filecellar/filecellar/internal/logging"
	"github.com/filecellar/filecellar/internal/media"
	"github.com/filecellar/filecellar/internal/metrics"
	"github.com/filecellar/filecellar/internal/notify"
)

// ErrShutdown aborts a maintenance pass and tells the scheduler to stop
// scheduling more work until restart.
var ErrShutdown = errors.New("maintenance shutdown requested")

// Flushed clears batch up so one database round trip covers many jobs.
const (
	clearFlushInterval = 10 * time.Second
	clearFlushMax      = 256
)

// neighbourDupeSweepDelay is how long after an extension repair the old copy
// is swept, once nothing can still be holding the old name open.
const neighbourDupeSweepDelay = 7 * 24 * time.Hour

// ResultStore persists the outputs of maintenance jobs.
type ResultStore interface {
	SetFileInfo(ctx context.Context, h files.Hash, mime files.Mime, size int64, width, height int) error
	SetExtraHashes(ctx context.Context, h files.Hash, md5Sum, sha1Sum, sha512Sum []byte) error
	SetHasEXIF(ctx context.Context, h files.Hash, has bool) error
	SetHasEmbeddedMetadata(ctx context.Context, h files.Hash, has bool) error
	SetHasICCProfile(ctx context.Context, h files.Hash, has bool) error
	SetPixelHash(ctx context.Context, h files.Hash, pixel files.Hash) error
	SetPerceptualHash(ctx context.Context, h files.Hash, perceptual uint64) error
	InSimilarFilesSystem(ctx context.Context, h files.Hash) (bool, error)
	RemoveFromSimilarFiles(ctx context.Context, h files.Hash) error

	// DeleteRecord removes a file's record. Without a deletion record the
	// file can be imported again later as if never seen.
	DeleteRecord(ctx context.Context, h files.Hash, leaveDeletionRecord bool) error

	// QueueRedownload hands the file's useful URLs to the downloader.
	QueueRedownload(ctx context.Context, h files.Hash, urls []string) error
}

// Runner executes individual maintenance jobs against the file structure and
// batches their completion back to the queue.
type Runner struct {
	manager *files.Manager
	queue   JobQueue
	results ResultStore
	records files.RecordLookup
	events  *notify.Broadcaster
	tracker *WorkTracker
	dataDir string

	mu              sync.Mutex
	seriousError    bool
	warnedBadRecord bool
	warnedExport    bool

	clearMu       sync.Mutex
	pendingClears map[JobKind][]files.Hash
	pendingCount  int
	lastFlush     time.Time
}

// NewRunner builds a Runner. dataDir receives missing-hash logs, exported
// sidecars and invalid files pulled out of the structure.
func NewRunner(
	manager *files.Manager,
	queue JobQueue,
	results ResultStore,
	records files.RecordLookup,
	events *notify.Broadcaster,
	tracker *WorkTracker,
	dataDir string,
) *Runner {
	return &Runner{
		manager:       manager,
		queue:         queue,
		results:       results,
		records:       records,
		events:        events,
		tracker:       tracker,
		dataDir:       dataDir,
		pendingClears: make(map[JobKind][]files.Hash),
		lastFlush:     time.Now(),
	}
}

// SeriousErrorEncountered reports whether a prior job hit an IO-level
// failure. Sticky until restart; the scheduler stops when it is set.
func (r *Runner) SeriousErrorEncountered() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.seriousError
}

func (r *Runner) setSeriousError() {
	r.mu.Lock()
	r.seriousError = true
	r.mu.Unlock()
}

// RunJob executes one job for one hash. The job is cleared from the queue on
// success and on permanent per-file failures; it stays queued on transient
// errors. ErrShutdown is returned when the structure itself is broken and no
// further maintenance should run.
func (r *Runner) RunJob(ctx context.Context, h files.Hash, kind JobKind) error {
	if r.manager.BadErrorOccurred() || r.SeriousErrorEncountered() {
		return ErrShutdown
	}

	err := r.dispatch(ctx, h, kind)
	metrics.RecordMaintenanceJobRun(kind.Label())

	defer func() {
		r.tracker.ReportWork(kind.Weight())
		metrics.RecordMaintenanceWorkUnits(kind.Weight())
	}()

	switch {
	case err == nil:
		r.deferClear(ctx, h, kind)
		return nil

	case errors.Is(err, ErrShutdown):
		return ErrShutdown

	case errors.Is(err, files.ErrDirectoryMissing):
		// The structure is broken underneath us. Stop everything.
		r.setSeriousError()
		logging.L().Error("maintenance hit a missing shard directory, stopping all maintenance",
			zap.String("hash", h.Hex()), zap.Error(err))
		r.events.PublishCritical("Maintenance stopped",
			"A storage directory is missing. Maintenance will not run again until restart: "+err.Error())
		return ErrShutdown

	case errors.Is(err, files.ErrFileMissing) && !kind.IsIntegrity():
		// A regen job found its file gone. Log it and let an integrity
		// check decide what to do with the record.
		logging.L().Warn("file missing during maintenance, scheduling integrity check",
			zap.String("hash", h.Hex()), zap.String("job", kind.Label()))
		if addErr := r.queue.AddJobs(ctx, []files.Hash{h}, JobPresenceLogOnly, time.Time{}); addErr != nil {
			logging.L().Error("could not schedule integrity check", zap.Error(addErr))
		}
		r.deferClear(ctx, h, kind)
		return nil

	case errors.Is(err, files.ErrUnsupportedFile):
		// The content parses as no known type. The job clears and a
		// data-level integrity check decides the file's fate.
		logging.L().Warn("file content is unparseable, running integrity check",
			zap.String("hash", h.Hex()), zap.String("job", kind.Label()))
		if checkErr := r.runIntegrityJob(ctx, h, JobDataTryURLElseRemove); checkErr != nil {
			logging.L().Error("fallback integrity check failed",
				zap.String("hash", h.Hex()), zap.Error(checkErr))
		}
		r.deferClear(ctx, h, kind)
		return nil

	case isIOError(err):
		// A read or write failed at the OS level. Disk trouble cannot be
		// fixed by retrying; stop everything until the operator looks.
		r.setSeriousError()
		logging.L().Error("maintenance hit an I/O error, stopping all maintenance",
			zap.String("hash", h.Hex()), zap.String("job", kind.Label()), zap.Error(err))
		r.events.PublishCritical("Maintenance stopped",
			"An I/O error occurred during maintenance. This may be a failing drive; check its health. "+
				"Maintenance will not run again until restart: "+err.Error())
		return ErrShutdown

	default:
		logging.L().Error("maintenance job failed",
			zap.String("hash", h.Hex()), zap.String("job", kind.Label()), zap.Error(err))
		r.events.PublishMessage(fmt.Sprintf("maintenance job %q failed for %s: %v", kind.Label(), h.Hex(), err))
		r.rescheduleFailedJob(ctx, h, kind)
		return nil
	}
}

// isIOError reports whether err is an OS-level I/O failure rather than a
// data problem. Paths that simply do not exist are data problems.
func isIOError(err error) bool {
	if errors.Is(err, os.ErrNotExist) || errors.Is(err, os.ErrExist) {
		return false
	}
	var pathErr *os.PathError
	var linkErr *os.LinkError
	var sysErr *os.SyscallError
	var errno syscall.Errno
	return errors.As(err, &pathErr) || errors.As(err, &linkErr) ||
		errors.As(err, &sysErr) || errors.As(err, &errno)
}

// rescheduleFailedJob clears a failed job and re-queues it past the current
// pass, so one bad file cannot wedge the queue while still being retried on
// a later pass.
func (r *Runner) rescheduleFailedJob(ctx context.Context, h files.Hash, kind JobKind) {
	hashes := []files.Hash{h}
	if err := r.queue.ClearJobs(ctx, hashes, kind); err != nil {
		logging.L().Error("could not clear failed maintenance job",
			zap.String("job", kind.Label()), zap.Error(err))
		return
	}
	if err := r.queue.AddJobs(ctx, hashes, kind, time.Now().Add(idleRecheck)); err != nil {
		logging.L().Error("could not reschedule failed maintenance job",
			zap.String("job", kind.Label()), zap.Error(err))
	}
}

func (r *Runner) dispatch(ctx context.Context, h files.Hash, kind JobKind) error {
	if kind.IsIntegrity() {
		return r.runIntegrityJob(ctx, h, kind)
	}

	switch kind {
	case JobFileMetadata:
		return r.regenFileMetadata(ctx, h)

	case JobForceThumbnail:
		return r.manager.RegenerateThumbnail(ctx, h, files.MimeUnknown)

	case JobRefitThumbnail:
		_, err := r.manager.RegenerateThumbnailIfWrongSize(ctx, h, files.MimeUnknown)
		return err

	case JobOtherHashes:
		path, err := r.manager.GetFilePath(ctx, h, files.MimeUnknown)
		if err != nil {
			return err
		}
		md5Sum, sha1Sum, sha512Sum, err := media.ExtraHashes(path)
		if err != nil {
			return err
		}
		return r.results.SetExtraHashes(ctx, h, md5Sum, sha1Sum, sha512Sum)

	case JobDeleteNeighbourDupes:
		mime, err := r.records.LookupMime(ctx, h)
		if err != nil {
			return err
		}
		r.manager.DeleteNeighbourDupes(ctx, h, mime)
		return nil

	case JobFixPermissions:
		mime, err := r.records.LookupMime(ctx, h)
		if err != nil {
			return err
		}
		return r.manager.FixPermissions(ctx, h, mime)

	case JobCheckSimilarFilesMembership:
		return r.checkSimilarFilesMembership(ctx, h)

	case JobSimilarFilesMetadata:
		return r.regenSimilarFilesMetadata(ctx, h)

	case JobFileModifiedTimestamp:
		mime, err := r.records.LookupMime(ctx, h)
		if err != nil {
			return err
		}
		mtime, err := r.manager.FileModifiedTime(ctx, h, mime)
		if err != nil {
			return err
		}
		return r.records.SetFileModifiedTime(ctx, h, mtime)

	case JobHasEXIF:
		return r.regenFlag(ctx, h, func(m files.Mime) bool { return m.CanHaveEXIF() },
			media.HasEXIF, r.results.SetHasEXIF)

	case JobHasEmbeddedMetadata:
		return r.regenFlag(ctx, h, func(m files.Mime) bool { return m.CanHaveEmbeddedMetadata() },
			media.HasEmbeddedText, r.results.SetHasEmbeddedMetadata)

	case JobHasICCProfile:
		return r.regenFlag(ctx, h, func(m files.Mime) bool { return m.CanHaveICCProfile() },
			media.HasICCProfile, r.results.SetHasICCProfile)

	case JobPixelHash:
		return r.regenPixelHash(ctx, h)

	default:
		return fmt.Errorf("unknown maintenance job kind %d", kind)
	}
}

// regenFileMetadata re-derives a file's type, size and dimensions from its
// content, repairing the stored extension when the type changed.
func (r *Runner) regenFileMetadata(ctx context.Context, h files.Hash) error {
	oldMime, err := r.records.LookupMime(ctx, h)
	if err != nil {
		return err
	}

	path, err := r.manager.GetFilePath(ctx, h, oldMime)
	if err != nil {
		return err
	}

	mimeName, err := media.SniffType(path)
	if err != nil {
		return err
	}
	mime := files.MimeFromString(mimeName)
	if mime == files.MimeUnknown {
		return fmt.Errorf("content of %s parses as no supported type: %w", h.Hex(), files.ErrUnsupportedFile)
	}

	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}

	var width, height int
	if mime.IsStillImage() {
		width, height, err = media.Dimensions(path)
		if err != nil {
			return err
		}
	}

	if err := r.results.SetFileInfo(ctx, h, mime, info.Size(), width, height); err != nil {
		return err
	}

	if mime != oldMime && mime.Ext() != oldMime.Ext() {
		logging.L().Info("file type changed on metadata regen",
			zap.String("hash", h.Hex()),
			zap.String("was", oldMime.String()),
			zap.String("now", mime.String()))
		if _, moved := r.manager.ChangeFileExt(ctx, h, oldMime, mime); moved {
			notBefore := time.Now().Add(neighbourDupeSweepDelay)
			if err := r.queue.AddJobs(ctx, []files.Hash{h}, JobDeleteNeighbourDupes, notBefore); err != nil {
				logging.L().Error("could not schedule neighbour dupe cleanup",
					zap.String("hash", h.Hex()), zap.Error(err))
			}
		}
	}
	return nil
}

func (r *Runner) checkSimilarFilesMembership(ctx context.Context, h files.Hash) error {
	mime, err := r.records.LookupMime(ctx, h)
	if err != nil {
		return err
	}
	should := mime.CanHavePerceptualHash()

	in, err := r.results.InSimilarFilesSystem(ctx, h)
	if err != nil {
		return err
	}

	switch {
	case should && !in:
		return r.queue.AddJobs(ctx, []files.Hash{h}, JobSimilarFilesMetadata, time.Time{})
	case !should && in:
		return r.results.RemoveFromSimilarFiles(ctx, h)
	default:
		return nil
	}
}

func (r *Runner) regenSimilarFilesMetadata(ctx context.Context, h files.Hash) error {
	mime, err := r.records.LookupMime(ctx, h)
	if err != nil {
		return err
	}
	if !mime.CanHavePerceptualHash() {
		return r.results.RemoveFromSimilarFiles(ctx, h)
	}

	path, err := r.manager.GetFilePath(ctx, h, mime)
	if err != nil {
		return err
	}
	perceptual, err := media.PerceptualHash(path)
	if err != nil {
		return err
	}
	return r.results.SetPerceptualHash(ctx, h, perceptual)
}

func (r *Runner) regenPixelHash(ctx context.Context, h files.Hash) error {
	mime, err := r.records.LookupMime(ctx, h)
	if err != nil {
		return err
	}
	if !mime.CanHavePixelHash() {
		return nil
	}

	path, err := r.manager.GetFilePath(ctx, h, mime)
	if err != nil {
		return err
	}
	pixel, err := media.PixelHash(path)
	if err != nil {
		return err
	}
	return r.results.SetPixelHash(ctx, h, files.Hash(pixel))
}

// regenFlag re-derives one boolean metadata flag. Mimes that cannot carry
// the property are recorded false without touching the file.
func (r *Runner) regenFlag(
	ctx context.Context,
	h files.Hash,
	applies func(files.Mime) bool,
	probe func(string) (bool, error),
	set func(context.Context, files.Hash, bool) error,
) error {
	mime, err := r.records.LookupMime(ctx, h)
	if err != nil {
		return err
	}
	if !applies(mime) {
		return set(ctx, h, false)
	}

	path, err := r.manager.GetFilePath(ctx, h, mime)
	if err != nil {
		return err
	}
	has, err := probe(path)
	if err != nil {
		return err
	}
	return set(ctx, h, has)
}

// deferClear batches a completed job's clear; flushes on size or age.
func (r *Runner) deferClear(ctx context.Context, h files.Hash, kind JobKind) {
	r.clearMu.Lock()
	r.pendingClears[kind] = append(r.pendingClears[kind], h)
	r.pendingCount++
	flush := r.pendingCount >= clearFlushMax || time.Since(r.lastFlush) > clearFlushInterval
	r.clearMu.Unlock()

	if flush {
		r.FlushClears(ctx)
	}
}

// FlushClears writes all batched job completions back to the queue.
func (r *Runner) FlushClears(ctx context.Context) {
	r.clearMu.Lock()
	pending := r.pendingClears
	count := r.pendingCount
	r.pendingClears = make(map[JobKind][]files.Hash)
	r.pendingCount = 0
	r.lastFlush = time.Now()
	r.clearMu.Unlock()

	if count == 0 {
		return
	}
	for kind, hashes := range pending {
		if err := r.queue.ClearJobs(ctx, hashes, kind); err != nil {
			logging.L().Error("could not clear completed maintenance jobs",
				zap.String("job", kind.Label()), zap.Int("count", len(hashes)), zap.Error(err))
		}
	}
	metrics.RecordMaintenanceJobsCleared(count)
}
