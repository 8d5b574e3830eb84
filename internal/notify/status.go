package notify

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// JobStatus is an externally observable progress object for a long-running
// operation: a title, free-text status lines at numbered slots, named numeric
// variables, a (done, total) gauge and a cancellation flag. Finished statuses
// can self-delete from their registry after a grace period.
type JobStatus struct {
	key         string
	cancellable bool

	mu        sync.Mutex
	title     string
	statuses  map[int]string
	variables map[string]int64
	gaugeDone int
	gaugeMax  int
	hasGauge  bool
	cancelled bool
	finished  bool
	deleted   bool

	registry *StatusRegistry
}

// StatusRegistry tracks live job statuses so observers can enumerate them.
type StatusRegistry struct {
	mu       sync.RWMutex
	statuses map[string]*JobStatus
}

// NewStatusRegistry creates an empty status registry.
func NewStatusRegistry() *StatusRegistry {
	return &StatusRegistry{statuses: make(map[string]*JobStatus)}
}

// NewStatus creates and registers a new job status.
func (r *StatusRegistry) NewStatus(cancellable bool) *JobStatus {
	s := &JobStatus{
		key:         uuid.NewString(),
		cancellable: cancellable,
		statuses:    make(map[int]string),
		variables:   make(map[string]int64),
		registry:    r,
	}
	r.mu.Lock()
	r.statuses[s.key] = s
	r.mu.Unlock()
	return s
}

// Get returns a status by key, or nil.
func (r *StatusRegistry) Get(key string) *JobStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.statuses[key]
}

// Snapshot returns all live statuses.
func (r *StatusRegistry) Snapshot() []*JobStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*JobStatus, 0, len(r.statuses))
	for _, s := range r.statuses {
		out = append(out, s)
	}
	return out
}

func (r *StatusRegistry) remove(key string) {
	r.mu.Lock()
	delete(r.statuses, key)
	r.mu.Unlock()
}

// Key returns the status's unique key.
func (s *JobStatus) Key() string { return s.key }

// SetTitle sets the status title.
func (s *JobStatus) SetTitle(title string) {
	s.mu.Lock()
	s.title = title
	s.mu.Unlock()
}

// Title returns the status title.
func (s *JobStatus) Title() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.title
}

// SetStatusText sets the free-text status line at slot 1.
func (s *JobStatus) SetStatusText(text string) {
	s.SetStatusTextSlot(1, text)
}

// SetStatusTextSlot sets the free-text status line at a numbered slot.
func (s *JobStatus) SetStatusTextSlot(slot int, text string) {
	s.mu.Lock()
	s.statuses[slot] = text
	s.mu.Unlock()
}

// StatusText returns the status line at slot 1.
func (s *JobStatus) StatusText() string {
	return s.StatusTextSlot(1)
}

// StatusTextSlot returns the status line at a numbered slot.
func (s *JobStatus) StatusTextSlot(slot int) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statuses[slot]
}

// SetVariable sets a named numeric variable.
func (s *JobStatus) SetVariable(name string, v int64) {
	s.mu.Lock()
	s.variables[name] = v
	s.mu.Unlock()
}

// Variable returns a named numeric variable and whether it is set.
func (s *JobStatus) Variable(name string) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.variables[name]
	return v, ok
}

// DeleteVariable removes a named numeric variable.
func (s *JobStatus) DeleteVariable(name string) {
	s.mu.Lock()
	delete(s.variables, name)
	s.mu.Unlock()
}

// SetGauge sets the (done, total) progress gauge.
func (s *JobStatus) SetGauge(done, total int) {
	s.mu.Lock()
	s.gaugeDone = done
	s.gaugeMax = total
	s.hasGauge = true
	s.mu.Unlock()
}

// DeleteGauge clears the progress gauge.
func (s *JobStatus) DeleteGauge() {
	s.mu.Lock()
	s.hasGauge = false
	s.mu.Unlock()
}

// Gauge returns the (done, total) gauge and whether it is set.
func (s *JobStatus) Gauge() (done, total int, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gaugeDone, s.gaugeMax, s.hasGauge
}

// Cancel requests cooperative cancellation. No-op if not cancellable.
func (s *JobStatus) Cancel() {
	if !s.cancellable {
		return
	}
	s.mu.Lock()
	s.cancelled = true
	s.mu.Unlock()
}

// IsCancelled reports whether cancellation was requested.
func (s *JobStatus) IsCancelled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled
}

// Finish marks the status as done.
func (s *JobStatus) Finish() {
	s.mu.Lock()
	s.finished = true
	s.mu.Unlock()
}

// IsFinished reports whether the status is done.
func (s *JobStatus) IsFinished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finished
}

// Delete removes the status from its registry after the given delay.
// A zero delay removes it immediately.
func (s *JobStatus) Delete(delay time.Duration) {
	s.mu.Lock()
	if s.deleted {
		s.mu.Unlock()
		return
	}
	s.deleted = true
	s.mu.Unlock()

	if s.registry == nil {
		return
	}
	if delay <= 0 {
		s.registry.remove(s.key)
		return
	}
	go func() {
		time.Sleep(delay)
		s.registry.remove(s.key)
	}()
}
