package event

import (
	"testing"
	"time"

	"github.com/Klingon-tech/klingnet-relay/pkg/types"
)

func TestBus_Deliver(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.Subscribe(4)
	defer cancel()

	bus.Publish(Event{Kind: BlockApplied, Hash: types.Hash{1}, Height: 3})

	select {
	case ev := <-ch:
		if ev.Kind != BlockApplied || ev.Height != 3 {
			t.Fatalf("got %+v", ev)
		}
		if ev.Time.IsZero() {
			t.Error("publish should stamp the event time")
		}
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestBus_SlowSubscriberDrops(t *testing.T) {
	bus := NewBus()
	_, cancel := bus.Subscribe(1)
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			bus.Publish(Event{Kind: RelayRetry})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
	if got := bus.Dropped(); got != 4 {
		t.Errorf("Dropped = %d, want 4", got)
	}
}

func TestBus_CancelAndClose(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.Subscribe(0)
	cancel()
	cancel() // idempotent

	if _, ok := <-ch; ok {
		t.Error("channel should be closed after cancel")
	}

	ch2, _ := bus.Subscribe(1)
	bus.Close()
	if _, ok := <-ch2; ok {
		t.Error("channel should be closed after bus.Close")
	}
	bus.Publish(Event{Kind: Fatal})

	ch3, _ := bus.Subscribe(1)
	if _, ok := <-ch3; ok {
		t.Error("subscribing to a closed bus should return a closed channel")
	}

	var nilBus *Bus
	nilBus.Publish(Event{Kind: Fatal})
}

func TestKind_String(t *testing.T) {
	if BlockOrphaned.String() != "block_orphaned" {
		t.Errorf("got %q", BlockOrphaned.String())
	}
	if Kind(200).String() != "unknown" {
		t.Errorf("got %q", Kind(200).String())
	}
}
