package bus

import (
	"log/slog"
	"os"
	"testing"
	"time"
)

func newTestBus(t *testing.T) *Bus {
	t.Helper()
	return New(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.Level(99)})))
}

func TestPublishReachesAllSubscribers(t *testing.T) {
	b := newTestBus(t)
	_, ch1 := b.Subscribe()
	_, ch2 := b.Subscribe()

	b.Publish(EventModeChanged, map[string]any{"mode": "ap"})

	for i, ch := range []<-chan Event{ch1, ch2} {
		select {
		case ev := <-ch:
			if ev.Name != EventModeChanged {
				t.Errorf("subscriber %d got event %q", i, ev.Name)
			}
			if ev.Timestamp.IsZero() {
				t.Errorf("subscriber %d got zero timestamp", i)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d got nothing", i)
		}
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := newTestBus(t)
	id, ch := b.Subscribe()

	b.Unsubscribe(id)
	if _, ok := <-ch; ok {
		t.Error("channel still open after Unsubscribe")
	}
	if got := b.SubscriberCount(); got != 0 {
		t.Errorf("SubscriberCount() = %d, want 0", got)
	}

	// Idempotent for an already-removed id.
	b.Unsubscribe(id)
}

func TestSlowSubscriberIsDropped(t *testing.T) {
	b := newTestBus(t)
	_, slow := b.Subscribe()
	fastID, fast := b.Subscribe()

	// Drain fast continuously; never drain slow.
	fastDone := make(chan int)
	go func() {
		n := 0
		for range fast {
			n++
		}
		fastDone <- n
	}()

	for i := 0; i <= b.bufferSize; i++ {
		b.Publish(EventSettingsChanged, i)
	}

	if got := b.SubscriberCount(); got != 1 {
		t.Fatalf("SubscriberCount() = %d, want 1 after overflow", got)
	}

	// The slow channel is closed once its buffered events drain.
	drained := 0
	for range slow {
		drained++
	}
	if drained != b.bufferSize {
		t.Errorf("slow subscriber drained %d events, want %d", drained, b.bufferSize)
	}

	// The fast subscriber saw every event.
	b.Unsubscribe(fastID)
	if n := <-fastDone; n != b.bufferSize+1 {
		t.Errorf("fast subscriber got %d events, want %d", n, b.bufferSize+1)
	}
}

func TestPublishWithNoSubscribersDoesNotBlock(t *testing.T) {
	b := newTestBus(t)
	done := make(chan struct{})
	go func() {
		b.Publish(EventWifiFailed, nil)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked with no subscribers")
	}
}
