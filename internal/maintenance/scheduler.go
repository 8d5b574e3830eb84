package maintenance

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/filecellar/filecellar/internal/files"
	"github.com/filecellar/filecellar/internal/logging"
	"github.com/filecellar/filecellar/internal/metrics"
	"github.com/filecellar/filecellar/internal/notify"
)

const (
	// startupDelay keeps maintenance quiet while the daemon settles.
	startupDelay = 15 * time.Second

	// idleRecheck is how long the background loop dozes between looking
	// for work when nothing wakes it.
	idleRecheck = 10 * time.Minute

	// admissionPoll is how often a paused background pass rechecks whether
	// it may continue.
	admissionPoll = time.Second

	// idleThreshold is how long without operator activity counts as idle.
	idleThreshold = 5 * time.Minute

	// bigJobPause is the breather taken after each heavyweight job so
	// background maintenance never saturates the disks.
	bigJobPause = 800 * time.Millisecond

	// batchSize is how many hashes one queue read returns.
	batchSize = 256
)

// SchedulerOptions carries the operator throttle configuration.
type SchedulerOptions struct {
	RunDuringIdle   bool
	RunDuringActive bool
	IdleRules       WorkRules
	ActiveRules     WorkRules
}

// Scheduler decides when queued maintenance actually runs: trickled in the
// background under the throttle rules, or all at once when forced. One
// maintenance pass runs at a time.
type Scheduler struct {
	runner   *Runner
	queue    JobQueue
	statuses *notify.StatusRegistry
	events   *notify.Broadcaster
	tracker  *WorkTracker
	opts     SchedulerOptions

	// maintenanceMu serializes background, forced and immediate passes.
	maintenanceMu sync.Mutex

	activityMu   sync.Mutex
	lastActivity time.Time

	// reset asks the current background pass to yield between records.
	reset atomic.Bool

	wake         chan struct{}
	shutdown     chan struct{}
	shutdownOnce sync.Once
}

// NewScheduler builds a Scheduler around a runner and its queue.
func NewScheduler(
	runner *Runner,
	queue JobQueue,
	statuses *notify.StatusRegistry,
	events *notify.Broadcaster,
	tracker *WorkTracker,
	opts SchedulerOptions,
) *Scheduler {
	return &Scheduler{
		runner:       runner,
		queue:        queue,
		statuses:     statuses,
		events:       events,
		tracker:      tracker,
		opts:         opts,
		lastActivity: time.Now(),
		wake:         make(chan struct{}, 1),
		shutdown:     make(chan struct{}),
	}
}

// NotifyActivity records operator activity; call it from request handlers.
func (s *Scheduler) NotifyActivity() {
	s.activityMu.Lock()
	s.lastActivity = time.Now()
	s.activityMu.Unlock()
}

func (s *Scheduler) isIdle() bool {
	s.activityMu.Lock()
	defer s.activityMu.Unlock()
	return time.Since(s.lastActivity) > idleThreshold
}

// Start launches the background loop.
func (s *Scheduler) Start(ctx context.Context) {
	go s.mainLoop(ctx)
}

// Wake nudges the background loop to look for work now.
func (s *Scheduler) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Shutdown stops the background loop and unblocks any waits.
func (s *Scheduler) Shutdown() {
	s.shutdownOnce.Do(func() { close(s.shutdown) })
}

// ScheduleJobs queues a kind for hashes, due after notBefore, and wakes the
// background loop. The zero time means due immediately.
func (s *Scheduler) ScheduleJobs(ctx context.Context, hashes []files.Hash, kind JobKind, notBefore time.Time) error {
	if err := s.queue.AddJobs(ctx, hashes, kind, notBefore); err != nil {
		return fmt.Errorf("schedule %s: %w", kind.Label(), err)
	}
	s.Wake()
	return nil
}

// CancelJobs drops all queued jobs of a kind, or everything when kind < 0.
// An in-flight background pass is told to yield so it does not keep working
// batches of the cancelled kind it already read.
func (s *Scheduler) CancelJobs(ctx context.Context, kind JobKind) error {
	err := s.queue.CancelJobs(ctx, kind)

	s.reset.Store(true)
	s.maintenanceMu.Lock()
	s.reset.Store(false)
	s.maintenanceMu.Unlock()
	s.Wake()

	return err
}

// JobCounts reports due and total queued work per kind.
func (s *Scheduler) JobCounts(ctx context.Context) (due, total map[JobKind]int, err error) {
	return s.queue.JobCounts(ctx)
}

func (s *Scheduler) mainLoop(ctx context.Context) {
	if !s.sleepOrShutdown(ctx, startupDelay) {
		return
	}

	for {
		select {
		case <-s.shutdown:
			return
		case <-ctx.Done():
			return
		case <-s.wake:
		case <-time.After(idleRecheck):
		}

		if s.runner.SeriousErrorEncountered() {
			logging.L().Warn("background maintenance disabled after serious error")
			return
		}
		if !s.ableToDoBackgroundWork() {
			continue
		}
		s.runBackgroundPass(ctx)
	}
}

// ableToDoBackgroundWork applies the option gates and throttle rules for the
// current idle state.
func (s *Scheduler) ableToDoBackgroundWork() bool {
	if s.isIdle() {
		return s.opts.RunDuringIdle && s.opts.IdleRules.CanStartWork(s.tracker)
	}
	return s.opts.RunDuringActive && s.opts.ActiveRules.CanStartWork(s.tracker)
}

// runBackgroundPass drains due work, pausing between records whenever the
// throttle closes and yielding entirely when an immediate run wants the
// structure.
func (s *Scheduler) runBackgroundPass(ctx context.Context) {
	s.maintenanceMu.Lock()
	defer s.maintenanceMu.Unlock()

	metrics.SetMaintenanceRunning(true)
	defer metrics.SetMaintenanceRunning(false)
	defer s.runner.FlushClears(ctx)

	ranAny := false
	for {
		batch, ok, err := s.queue.NextJobBatch(ctx, batchSize)
		if err != nil {
			logging.L().Error("could not read maintenance queue", zap.Error(err))
			return
		}
		if !ok {
			break
		}

		for _, h := range batch.Hashes {
			if !s.waitForAdmission(ctx) {
				return
			}
			if err := s.runner.RunJob(ctx, h, batch.Kind); errors.Is(err, ErrShutdown) {
				return
			}
			ranAny = true

			if batch.Kind.Weight() >= 50 && !s.sleepOrShutdown(ctx, bigJobPause) {
				return
			}
		}
	}

	if ranAny {
		s.events.Publish(notify.Event{Type: notify.EventMaintenanceDone})
	}
}

// waitForAdmission blocks until background work may continue. Returns false
// when the pass should stop instead: reset requested, shutdown, or context
// cancelled.
func (s *Scheduler) waitForAdmission(ctx context.Context) bool {
	for {
		if s.reset.Load() || ctx.Err() != nil {
			return false
		}
		select {
		case <-s.shutdown:
			return false
		default:
		}
		if s.ableToDoBackgroundWork() {
			return true
		}
		if !s.sleepOrShutdown(ctx, admissionPoll) {
			return false
		}
	}
}

// ForceMaintenance runs every due job right now, ignoring idle state and
// throttle rules. Cancellable through its job status.
func (s *Scheduler) ForceMaintenance(ctx context.Context) error {
	s.maintenanceMu.Lock()
	defer s.maintenanceMu.Unlock()

	metrics.SetMaintenanceRunning(true)
	defer metrics.SetMaintenanceRunning(false)
	defer s.runner.FlushClears(ctx)

	due, _, err := s.queue.JobCounts(ctx)
	if err != nil {
		return fmt.Errorf("read job counts: %w", err)
	}
	totalDue := 0
	for _, n := range due {
		totalDue += n
	}
	if totalDue == 0 {
		return nil
	}

	status := s.statuses.NewStatus(true)
	status.SetTitle("file maintenance")
	defer func() {
		status.Finish()
		status.Delete(5 * time.Second)
	}()

	done := 0
	for {
		if status.IsCancelled() || ctx.Err() != nil {
			break
		}

		batch, ok, err := s.queue.NextJobBatch(ctx, batchSize)
		if err != nil {
			return fmt.Errorf("read maintenance queue: %w", err)
		}
		if !ok {
			break
		}

		status.SetStatusText(batch.Kind.Label())
		for _, h := range batch.Hashes {
			if status.IsCancelled() || ctx.Err() != nil {
				break
			}
			if err := s.runner.RunJob(ctx, h, batch.Kind); errors.Is(err, ErrShutdown) {
				return err
			}
			done++
			status.SetGauge(done, totalDue)
		}
	}

	s.events.Publish(notify.Event{Type: notify.EventMaintenanceDone})
	return nil
}

// RunJobsImmediately queues the jobs and runs them now, preempting any
// background pass between records.
func (s *Scheduler) RunJobsImmediately(ctx context.Context, hashes []files.Hash, kind JobKind) error {
	if err := s.queue.AddJobs(ctx, hashes, kind, time.Time{}); err != nil {
		return fmt.Errorf("queue %s: %w", kind.Label(), err)
	}

	s.reset.Store(true)
	s.maintenanceMu.Lock()
	s.reset.Store(false)
	defer s.maintenanceMu.Unlock()

	metrics.SetMaintenanceRunning(true)
	defer metrics.SetMaintenanceRunning(false)
	defer s.runner.FlushClears(ctx)

	status := s.statuses.NewStatus(true)
	status.SetTitle(kind.Label())
	defer func() {
		status.Finish()
		status.Delete(5 * time.Second)
	}()

	for i, h := range hashes {
		if status.IsCancelled() || ctx.Err() != nil {
			break
		}
		status.SetGauge(i+1, len(hashes))
		if err := s.runner.RunJob(ctx, h, kind); errors.Is(err, ErrShutdown) {
			return err
		}
	}

	s.events.Publish(notify.Event{Type: notify.EventMaintenanceDone})
	return nil
}

func (s *Scheduler) sleepOrShutdown(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-s.shutdown:
		return false
	case <-ctx.Done():
		return false
	}
}
