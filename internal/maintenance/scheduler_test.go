package maintenance

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/filecellar/filecellar/internal/files"
	"github.com/filecellar/filecellar/internal/notify"
)

func newSchedulerFixture(t *testing.T) (*Scheduler, *runnerFixture) {
	t.Helper()
	fx := newRunnerFixture(t)
	s := NewScheduler(fx.runner, fx.queue, notify.NewStatusRegistry(), fx.events, NewWorkTracker(time.Hour), SchedulerOptions{
		RunDuringIdle:   true,
		RunDuringActive: false,
	})
	t.Cleanup(s.Shutdown)
	return s, fx
}

func TestScheduleJobsQueuesAndWakes(t *testing.T) {
	s, fx := newSchedulerFixture(t)

	h := files.HashBytes([]byte("queue me"))
	require.NoError(t, s.ScheduleJobs(context.Background(), []files.Hash{h}, JobHasEXIF, time.Time{}))

	require.Equal(t, []files.Hash{h}, fx.queue.addedFor(JobHasEXIF))
	select {
	case <-s.wake:
	default:
		t.Error("scheduling should wake the background loop")
	}
}

func TestCancelJobs(t *testing.T) {
	s, fx := newSchedulerFixture(t)

	require.NoError(t, s.CancelJobs(context.Background(), JobHasEXIF))
	require.Equal(t, []JobKind{JobHasEXIF}, fx.queue.cancelled)
}

func TestCancelJobsPreemptsRunningPass(t *testing.T) {
	s, fx := newSchedulerFixture(t)

	// Stand in for an in-flight pass holding the maintenance mutex; the
	// cancel must raise the reset flag so that pass yields between records.
	s.maintenanceMu.Lock()
	done := make(chan error, 1)
	go func() { done <- s.CancelJobs(context.Background(), JobHasEXIF) }()

	require.Eventually(t, func() bool { return s.reset.Load() }, time.Second, 5*time.Millisecond)
	s.maintenanceMu.Unlock()

	require.NoError(t, <-done)
	require.False(t, s.reset.Load())
	require.Equal(t, []JobKind{JobHasEXIF}, fx.queue.cancelled)
	select {
	case <-s.wake:
	default:
		t.Error("cancelling should wake the background loop")
	}
}

// dueQueue keeps jobs until they are cleared and serves only the ones whose
// not-before time has passed, like the real database queue.
type dueQueue struct {
	mu   sync.Mutex
	jobs []dueJob
}

type dueJob struct {
	hash      files.Hash
	kind      JobKind
	notBefore time.Time
}

func (q *dueQueue) NextJobBatch(ctx context.Context, limit int) (JobBatch, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := time.Now()
	for _, j := range q.jobs {
		if j.notBefore.After(now) {
			continue
		}
		batch := JobBatch{Kind: j.kind}
		for _, k := range q.jobs {
			if k.kind == j.kind && !k.notBefore.After(now) && len(batch.Hashes) < limit {
				batch.Hashes = append(batch.Hashes, k.hash)
			}
		}
		return batch, true, nil
	}
	return JobBatch{}, false, nil
}

func (q *dueQueue) AddJobs(ctx context.Context, hashes []files.Hash, kind JobKind, notBefore time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, h := range hashes {
		q.jobs = append(q.jobs, dueJob{hash: h, kind: kind, notBefore: notBefore})
	}
	return nil
}

func (q *dueQueue) ClearJobs(ctx context.Context, hashes []files.Hash, kind JobKind) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	keep := q.jobs[:0]
	for _, j := range q.jobs {
		cleared := false
		if j.kind == kind {
			for _, h := range hashes {
				if j.hash == h {
					cleared = true
					break
				}
			}
		}
		if !cleared {
			keep = append(keep, j)
		}
	}
	q.jobs = keep
	return nil
}

func (q *dueQueue) CancelJobs(ctx context.Context, kind JobKind) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	keep := q.jobs[:0]
	for _, j := range q.jobs {
		if kind >= 0 && j.kind != kind {
			keep = append(keep, j)
		}
	}
	q.jobs = keep
	return nil
}

func (q *dueQueue) JobCounts(ctx context.Context) (map[JobKind]int, map[JobKind]int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	due := make(map[JobKind]int)
	total := make(map[JobKind]int)
	now := time.Now()
	for _, j := range q.jobs {
		total[j.kind]++
		if !j.notBefore.After(now) {
			due[j.kind]++
		}
	}
	return due, total, nil
}

func (q *dueQueue) pendingFor(kind JobKind) []dueJob {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []dueJob
	for _, j := range q.jobs {
		if j.kind == kind {
			out = append(out, j)
		}
	}
	return out
}

func TestForceMaintenanceSetsAsideFailingJob(t *testing.T) {
	fx := newRunnerFixture(t)
	q := &dueQueue{}
	runner := NewRunner(fx.manager, q, fx.results, fx.records, fx.events, NewWorkTracker(time.Hour), fx.dataDir)
	s := NewScheduler(runner, q, notify.NewStatusRegistry(), fx.events, NewWorkTracker(time.Hour), SchedulerOptions{
		RunDuringIdle: true,
	})
	t.Cleanup(s.Shutdown)

	// A PNG that never decodes; its thumbnail job fails on every attempt.
	h := fx.storeFile(t, "not a real png", files.MimePNG)
	require.NoError(t, q.AddJobs(context.Background(), []files.Hash{h}, JobForceThumbnail, time.Time{}))

	done := make(chan error, 1)
	go func() { done <- s.ForceMaintenance(context.Background()) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("a job that keeps failing must not wedge the forced pass")
	}

	pending := q.pendingFor(JobForceThumbnail)
	require.Len(t, pending, 1, "the failed job is retried later, not dropped")
	require.True(t, pending[0].notBefore.After(time.Now()))
}

func TestRunJobsImmediately(t *testing.T) {
	s, fx := newSchedulerFixture(t)
	ctx := context.Background()

	h := fx.storeFile(t, "run now", files.MimePNG)

	ch := fx.events.Subscribe()
	defer fx.events.Unsubscribe(ch)

	require.NoError(t, s.RunJobsImmediately(ctx, []files.Hash{h}, JobFixPermissions))

	require.Equal(t, []files.Hash{h}, fx.queue.addedFor(JobFixPermissions))
	require.Equal(t, []files.Hash{h}, fx.queue.clearedFor(JobFixPermissions))

	select {
	case ev := <-ch:
		require.Equal(t, notify.EventMaintenanceDone, ev.Type)
	case <-time.After(time.Second):
		t.Fatal("expected a maintenance-done event")
	}
}

func TestForceMaintenanceDrainsQueue(t *testing.T) {
	s, fx := newSchedulerFixture(t)
	ctx := context.Background()

	h1 := fx.storeFile(t, "first", files.MimePNG)
	h2 := fx.storeFile(t, "second", files.MimeJPEG)
	fx.queue.mu.Lock()
	fx.queue.pending = []JobBatch{{Kind: JobFixPermissions, Hashes: []files.Hash{h1, h2}}}
	fx.queue.mu.Unlock()

	ch := fx.events.Subscribe()
	defer fx.events.Unsubscribe(ch)

	require.NoError(t, s.ForceMaintenance(ctx))

	require.ElementsMatch(t, []files.Hash{h1, h2}, fx.queue.clearedFor(JobFixPermissions))
	select {
	case ev := <-ch:
		require.Equal(t, notify.EventMaintenanceDone, ev.Type)
	case <-time.After(time.Second):
		t.Fatal("expected a maintenance-done event")
	}
}

func TestForceMaintenanceWithEmptyQueue(t *testing.T) {
	s, fx := newSchedulerFixture(t)

	ch := fx.events.Subscribe()
	defer fx.events.Unsubscribe(ch)

	require.NoError(t, s.ForceMaintenance(context.Background()))

	select {
	case ev := <-ch:
		t.Errorf("nothing ran, nothing to announce, got %s", ev.Type)
	default:
	}
}

func TestBackgroundWorkGates(t *testing.T) {
	s, _ := newSchedulerFixture(t)

	// Recent activity plus RunDuringActive=false closes the gate.
	s.NotifyActivity()
	require.False(t, s.isIdle())
	require.False(t, s.ableToDoBackgroundWork())

	// Long-idle opens it under the idle rules.
	s.activityMu.Lock()
	s.lastActivity = time.Now().Add(-time.Hour)
	s.activityMu.Unlock()
	require.True(t, s.isIdle())
	require.True(t, s.ableToDoBackgroundWork())
}
