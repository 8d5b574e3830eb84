package maintenance

import (
	"sync"
	"time"
)

// WorkTracker records throttle units consumed over a sliding window so the
// scheduler can decide whether more background work fits under the rate
// rules. One normalized big job is NormalizedBigJobWeight units.
type WorkTracker struct {
	mu     sync.Mutex
	window time.Duration
	spends []workSpend
}

type workSpend struct {
	at    time.Time
	units int
}

// NewWorkTracker creates a tracker that remembers work done over the last
// window.
func NewWorkTracker(window time.Duration) *WorkTracker {
	if window <= 0 {
		window = time.Hour
	}
	return &WorkTracker{window: window}
}

// ReportWork records units of work done now.
func (t *WorkTracker) ReportWork(units int) {
	if units <= 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.trimLocked(time.Now())
	t.spends = append(t.spends, workSpend{at: time.Now(), units: units})
}

// UnitsInLast returns the units consumed within the trailing duration.
func (t *WorkTracker) UnitsInLast(d time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	t.trimLocked(now)

	cutoff := now.Add(-d)
	total := 0
	for _, s := range t.spends {
		if s.at.After(cutoff) {
			total += s.units
		}
	}
	return total
}

func (t *WorkTracker) trimLocked(now time.Time) {
	cutoff := now.Add(-t.window)
	kept := t.spends[:0]
	for _, s := range t.spends {
		if s.at.After(cutoff) {
			kept = append(kept, s)
		}
	}
	t.spends = kept
}

// WorkRules express "at most n normalized jobs per period". Zero or negative
// files means unlimited.
type WorkRules struct {
	Files  int
	Period time.Duration
}

// CanStartWork reports whether another job fits under the rules given the
// tracker's recent history.
func (r WorkRules) CanStartWork(t *WorkTracker) bool {
	if r.Files <= 0 || r.Period <= 0 {
		return true
	}
	budget := r.Files * NormalizedBigJobWeight
	return t.UnitsInLast(r.Period) < budget
}
