package bus

import (
	"log/slog"
	"strconv"
	"sync"
	"time"
)

// Event is an observer notification. Observers (metrics, logs) never affect
// the request that produced it.
type Event struct {
	Type      string         // one of the Event* constants
	Source    string         // originating component
	Payload   map[string]any // event-specific data
	Timestamp time.Time      // when the event was created
}

// EventHandler is a callback for events.
type EventHandler func(Event)

// EventBus provides a topic-based publish/subscribe event system for internal events.
// It supports wildcard subscriptions, event history replay, and async dispatch.
type EventBus struct {
	handlers   map[string][]namedHandler
	mu         sync.RWMutex
	logger     *slog.Logger
	history    []Event
	maxHistory int
	seq        int
}

// namedHandler pairs a handler with an ID for unsubscription.
type namedHandler struct {
	ID      string
	Handler EventHandler
}

// NewEventBus creates an EventBus keeping the last maxHistory events for
// Replay. A non-positive maxHistory keeps 1000.
func NewEventBus(logger *slog.Logger, maxHistory int) *EventBus {
	if maxHistory <= 0 {
		maxHistory = 1000
	}
	return &EventBus{
		handlers:   make(map[string][]namedHandler),
		logger:     logger,
		maxHistory: maxHistory,
	}
}

// On registers a handler for the given event type.
// Use "*" to listen to all events. Returns the handler ID for unsubscription.
func (eb *EventBus) On(eventType string, handler EventHandler) string {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.seq++
	id := eventType + "-" + strconv.Itoa(eb.seq)
	eb.handlers[eventType] = append(eb.handlers[eventType], namedHandler{ID: id, Handler: handler})
	return id
}

// Off removes a handler by its ID.
func (eb *EventBus) Off(eventType, handlerID string) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	handlers := eb.handlers[eventType]
	for i, h := range handlers {
		if h.ID == handlerID {
			eb.handlers[eventType] = append(handlers[:i], handlers[i+1:]...)
			return
		}
	}
}

// Emit publishes an event to all registered handlers.
// Handlers are called synchronously in order.
func (eb *EventBus) Emit(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	eb.mu.Lock()
	if len(eb.history) >= eb.maxHistory {
		eb.history = eb.history[1:]
	}
	eb.history = append(eb.history, event)
	handlers := make([]namedHandler, 0, len(eb.handlers[event.Type])+len(eb.handlers["*"]))
	handlers = append(handlers, eb.handlers[event.Type]...)
	if event.Type != "*" {
		handlers = append(handlers, eb.handlers["*"]...)
	}
	eb.mu.Unlock()

	for _, h := range handlers {
		func(nh namedHandler) {
			defer func() {
				if r := recover(); r != nil {
					eb.logger.Error("event handler panic", "event", event.Type, "handler", nh.ID, "panic", r)
				}
			}()
			nh.Handler(event)
		}(h)
	}
}

// EmitAsync publishes an event to all registered handlers asynchronously.
func (eb *EventBus) EmitAsync(event Event) {
	go eb.Emit(event)
}

// Replay returns historical events matching the given type since the given time.
// Use "*" for all event types.
func (eb *EventBus) Replay(eventType string, since time.Time) []Event {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	var result []Event
	for _, e := range eb.history {
		if e.Timestamp.Before(since) {
			continue
		}
		if eventType == "*" || e.Type == eventType {
			result = append(result, e)
		}
	}
	return result
}

// HistoryLen returns the current number of events in the history buffer.
func (eb *EventBus) HistoryLen() int {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return len(eb.history)
}

// Stream lifecycle events emitted by the chat controller.
const (
	EventStreamStarted        = "stream.started"
	EventStreamFinished       = "stream.finished"
	EventStreamFailed         = "stream.failed"
	EventStreamCancelled      = "stream.cancelled"
	EventTransactionsReceived = "transactions.received"
	EventSuggestionsFetched   = "suggestions.fetched"
	EventConfirmHandled       = "confirm.handled"
)

// Payload keys shared by the stream events.
const (
	KeyConversationID = "conversation_id"
	KeyMessageID      = "message_id"
	KeyDuration       = "duration"
	KeyErrorKind      = "error_kind"
	KeyRecords        = "records"
	KeyMessageType    = "message_type"
	KeyConfirmed      = "confirmed"
	KeyCount          = "count"
)
