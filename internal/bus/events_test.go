package bus

import (
	"log/slog"
	"os"
	"sync/atomic"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// --- Logic đúng ---

func TestEventBus_EmitAndReceive(t *testing.T) {
	eb := NewEventBus(testLogger(), 0)

	var got Event
	eb.On(EventStreamFinished, func(e Event) { got = e })

	eb.Emit(Event{Type: EventStreamFinished, Payload: map[string]any{KeyMessageID: "m1"}})

	if got.Payload[KeyMessageID] != "m1" {
		t.Fatalf("expected message id m1, got %v", got.Payload[KeyMessageID])
	}
	if got.Timestamp.IsZero() {
		t.Fatal("expected timestamp to be set")
	}
}

func TestEventBus_WildcardHandler(t *testing.T) {
	eb := NewEventBus(testLogger(), 0)

	var count int32
	eb.On("*", func(e Event) { atomic.AddInt32(&count, 1) })

	eb.Emit(Event{Type: EventStreamStarted})
	eb.Emit(Event{Type: EventStreamCancelled})

	if atomic.LoadInt32(&count) != 2 {
		t.Fatalf("expected 2, got %d", count)
	}
}

func TestEventBus_Replay(t *testing.T) {
	eb := NewEventBus(testLogger(), 0)

	eb.Emit(Event{Type: EventStreamStarted})
	eb.Emit(Event{Type: EventStreamFailed})
	eb.Emit(Event{Type: EventStreamStarted})

	if n := len(eb.Replay(EventStreamStarted, time.Time{})); n != 2 {
		t.Fatalf("expected 2 started events, got %d", n)
	}
	if n := len(eb.Replay("*", time.Time{})); n != 3 {
		t.Fatalf("expected 3 total events, got %d", n)
	}
}

func TestEventBus_MultipleHandlers(t *testing.T) {
	eb := NewEventBus(testLogger(), 0)

	var count int32
	for i := 0; i < 3; i++ {
		eb.On(EventTransactionsReceived, func(e Event) { atomic.AddInt32(&count, 1) })
	}
	eb.Emit(Event{Type: EventTransactionsReceived})

	if atomic.LoadInt32(&count) != 3 {
		t.Fatalf("expected 3 handlers called, got %d", count)
	}
}

// --- Điều kiện rẽ nhánh ---

func TestEventBus_Off(t *testing.T) {
	eb := NewEventBus(testLogger(), 0)

	var count int32
	id := eb.On(EventStreamFailed, func(e Event) { atomic.AddInt32(&count, 1) })

	eb.Emit(Event{Type: EventStreamFailed})
	eb.Off(EventStreamFailed, id)
	eb.Emit(Event{Type: EventStreamFailed})

	if atomic.LoadInt32(&count) != 1 {
		t.Fatalf("expected 1 after unsubscribe, got %d", count)
	}
}

func TestEventBus_OffKeepsOtherHandlers(t *testing.T) {
	eb := NewEventBus(testLogger(), 0)

	var a, b int32
	idA := eb.On(EventStreamStarted, func(e Event) { atomic.AddInt32(&a, 1) })
	eb.Off(EventStreamStarted, idA)
	eb.On(EventStreamStarted, func(e Event) { atomic.AddInt32(&b, 1) })
	idC := eb.On(EventStreamStarted, func(e Event) {})
	eb.Off(EventStreamStarted, idC)

	eb.Emit(Event{Type: EventStreamStarted})

	if a != 0 || b != 1 {
		t.Fatalf("expected only the second handler to run, got a=%d b=%d", a, b)
	}
}

func TestEventBus_ReplaySince(t *testing.T) {
	eb := NewEventBus(testLogger(), 0)

	eb.Emit(Event{Type: "old", Timestamp: time.Now().Add(-time.Hour)})
	threshold := time.Now()
	eb.Emit(Event{Type: "new"})

	if n := len(eb.Replay("*", threshold)); n != 1 {
		t.Fatalf("expected 1 event since threshold, got %d", n)
	}
}

func TestEventBus_PanicRecovery(t *testing.T) {
	eb := NewEventBus(testLogger(), 0)

	var after int32
	eb.On(EventStreamFinished, func(e Event) { panic("observer bug") })
	eb.On("*", func(e Event) { atomic.AddInt32(&after, 1) })

	eb.Emit(Event{Type: EventStreamFinished})

	if atomic.LoadInt32(&after) != 1 {
		t.Fatal("expected later handlers to run after a panic")
	}
}

// --- Giá trị biên ---

func TestEventBus_HistoryLimit(t *testing.T) {
	eb := NewEventBus(testLogger(), 5)

	for i := 0; i < 10; i++ {
		eb.Emit(Event{Type: EventStreamStarted})
	}

	if eb.HistoryLen() != 5 {
		t.Fatalf("expected 5, got %d", eb.HistoryLen())
	}
}

func TestEventBus_EmitAsync(t *testing.T) {
	eb := NewEventBus(testLogger(), 0)

	done := make(chan struct{})
	eb.On(EventSuggestionsFetched, func(e Event) { close(done) })

	eb.EmitAsync(Event{Type: EventSuggestionsFetched})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("async handler not called")
	}
}
