package maintenance

import (
	"testing"
	"time"
)

func TestWorkTrackerAccounting(t *testing.T) {
	tracker := NewWorkTracker(time.Hour)

	if got := tracker.UnitsInLast(time.Minute); got != 0 {
		t.Errorf("fresh tracker should have 0 units, got %d", got)
	}

	tracker.ReportWork(100)
	tracker.ReportWork(50)
	tracker.ReportWork(0)
	tracker.ReportWork(-5)

	if got := tracker.UnitsInLast(time.Minute); got != 150 {
		t.Errorf("expected 150 units, got %d", got)
	}
}

func TestWorkTrackerWindowTrim(t *testing.T) {
	tracker := NewWorkTracker(50 * time.Millisecond)
	tracker.ReportWork(100)

	time.Sleep(80 * time.Millisecond)

	if got := tracker.UnitsInLast(time.Hour); got != 0 {
		t.Errorf("spends older than the window should be forgotten, got %d", got)
	}
}

func TestWorkRulesBudget(t *testing.T) {
	tracker := NewWorkTracker(time.Hour)
	rules := WorkRules{Files: 2, Period: time.Minute}

	if !rules.CanStartWork(tracker) {
		t.Error("empty tracker should admit work")
	}

	// 2 files * 100 units: still under budget at 150.
	tracker.ReportWork(150)
	if !rules.CanStartWork(tracker) {
		t.Error("150 of 200 units spent, should still admit work")
	}

	tracker.ReportWork(100)
	if rules.CanStartWork(tracker) {
		t.Error("250 of 200 units spent, should refuse work")
	}
}

func TestWorkRulesUnlimited(t *testing.T) {
	tracker := NewWorkTracker(time.Hour)
	tracker.ReportWork(1 << 20)

	if !(WorkRules{Files: 0, Period: time.Minute}).CanStartWork(tracker) {
		t.Error("zero files means unlimited")
	}
	if !(WorkRules{Files: 5, Period: 0}).CanStartWork(tracker) {
		t.Error("zero period means unlimited")
	}
}
