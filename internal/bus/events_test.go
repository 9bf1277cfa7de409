package bus

import (
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"
)

func testBus(history int) *EventBus {
	return New(Config{History: history, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
}

func TestPublishReachesTypedAndWildcardHandlers(t *testing.T) {
	b := testBus(0)

	var typed, wild int32
	b.Subscribe(TurnBlocked, func(Event) { atomic.AddInt32(&typed, 1) })
	b.Subscribe(All, func(Event) { atomic.AddInt32(&wild, 1) })

	b.Publish(Event{Type: TurnBlocked, SessionID: "s1"})
	b.Publish(Event{Type: TurnAllowed, SessionID: "s1"})

	if typed != 1 {
		t.Errorf("expected 1 typed delivery, got %d", typed)
	}
	if wild != 2 {
		t.Errorf("expected 2 wildcard deliveries, got %d", wild)
	}
}

func TestUnsubscribe(t *testing.T) {
	b := testBus(0)

	var count int32
	first := b.Subscribe(TurnFailed, func(Event) { atomic.AddInt32(&count, 1) })
	second := b.Subscribe(TurnFailed, func(Event) { atomic.AddInt32(&count, 10) })
	if first == second {
		t.Fatalf("subscription ids must be unique, got %q twice", first)
	}

	b.Publish(Event{Type: TurnFailed})
	b.Unsubscribe(first)
	b.Publish(Event{Type: TurnFailed})

	if count != 21 {
		t.Errorf("expected 21, got %d", count)
	}
}

func TestPanickingHandlerDoesNotStopOthers(t *testing.T) {
	b := testBus(0)

	var reached int32
	b.Subscribe(All, func(Event) { panic("boom") })
	b.Subscribe(All, func(Event) { atomic.AddInt32(&reached, 1) })

	b.Publish(Event{Type: PolicyUpdated})
	if reached != 1 {
		t.Error("second handler was not called")
	}
}

func TestRecentIsBoundedAndFiltered(t *testing.T) {
	b := testBus(3)
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	b.now = func() time.Time { return fixed }

	b.Publish(Event{Type: TurnAllowed, Detail: "1"})
	b.Publish(Event{Type: TurnBlocked, Detail: "2"})
	b.Publish(Event{Type: TurnAllowed, Detail: "3"})
	b.Publish(Event{Type: TurnAllowed, Detail: "4"})

	if b.Len() != 3 {
		t.Fatalf("expected history of 3, got %d", b.Len())
	}

	all := b.Recent(All, 0)
	if len(all) != 3 || all[0].Detail != "2" || all[2].Detail != "4" {
		t.Fatalf("unexpected history: %+v", all)
	}
	if !all[0].Time.Equal(fixed) {
		t.Errorf("expected timestamp to be filled, got %v", all[0].Time)
	}

	allowed := b.Recent(TurnAllowed, 1)
	if len(allowed) != 1 || allowed[0].Detail != "4" {
		t.Errorf("expected newest allowed event, got %+v", allowed)
	}
}
