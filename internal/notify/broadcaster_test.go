package notify

import (
	"testing"
	"time"
)

func TestBroadcasterSubscribeUnsubscribe(t *testing.T) {
	b := NewBroadcaster()

	ch1 := b.Subscribe()
	ch2 := b.Subscribe()

	if b.Count() != 2 {
		t.Fatalf("expected 2 subscribers, got %d", b.Count())
	}

	b.Unsubscribe(ch1)
	if b.Count() != 1 {
		t.Fatalf("expected 1 subscriber after unsubscribe, got %d", b.Count())
	}

	b.Unsubscribe(ch2)
	if b.Count() != 0 {
		t.Fatalf("expected 0 subscribers, got %d", b.Count())
	}
}

func TestBroadcasterPublish(t *testing.T) {
	b := NewBroadcaster()
	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	event := Event{
		Type:   EventThumbnailsAdded,
		Hashes: []string{"aa"},
	}
	b.Publish(event)

	select {
	case received := <-ch:
		if received.Type != EventThumbnailsAdded {
			t.Errorf("expected type %s, got %s", EventThumbnailsAdded, received.Type)
		}
		if len(received.Hashes) != 1 || received.Hashes[0] != "aa" {
			t.Errorf("expected hashes [aa], got %v", received.Hashes)
		}
		if received.Timestamp == 0 {
			t.Error("expected non-zero timestamp")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestBroadcasterMultipleSubscribers(t *testing.T) {
	b := NewBroadcaster()
	ch1 := b.Subscribe()
	ch2 := b.Subscribe()
	defer b.Unsubscribe(ch1)
	defer b.Unsubscribe(ch2)

	event := Event{Type: EventMessage, Text: "hello"}
	b.Publish(event)

	for i, ch := range []chan Event{ch1, ch2} {
		select {
		case received := <-ch:
			if received.Text != "hello" {
				t.Errorf("subscriber %d: expected hello, got %s", i, received.Text)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d: timed out", i)
		}
	}
}

func TestBroadcasterDropsForSlowConsumer(t *testing.T) {
	b := NewBroadcaster()
	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	// Fill the channel past its buffer; Publish must never block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 200; i++ {
			b.Publish(Event{Type: EventMessage})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow consumer")
	}
}

func TestStatusRegistryLifecycle(t *testing.T) {
	r := NewStatusRegistry()

	s := r.NewStatus(true)
	s.SetTitle("working")
	s.SetGauge(3, 10)

	if got := r.Get(s.Key()); got != s {
		t.Fatal("expected to find status by key")
	}
	if len(r.Snapshot()) != 1 {
		t.Fatalf("expected 1 live status, got %d", len(r.Snapshot()))
	}

	done, total, ok := s.Gauge()
	if !ok || done != 3 || total != 10 {
		t.Fatalf("expected gauge (3, 10), got (%d, %d, %v)", done, total, ok)
	}

	s.Cancel()
	if !s.IsCancelled() {
		t.Error("cancellable status should cancel")
	}

	s.Finish()
	s.Delete(0)
	if r.Get(s.Key()) != nil {
		t.Error("deleted status should be gone from registry")
	}
}

func TestStatusNotCancellable(t *testing.T) {
	r := NewStatusRegistry()
	s := r.NewStatus(false)
	s.Cancel()
	if s.IsCancelled() {
		t.Error("non-cancellable status must ignore Cancel")
	}
}
