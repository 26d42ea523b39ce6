package metrics

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"mia/internal/bus"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func emit(eb *bus.EventBus, typ string, payload map[string]any) {
	if payload == nil {
		payload = map[string]any{}
	}
	eb.Emit(bus.Event{Type: typ, Payload: payload})
}

// --- Logic đúng ---

func TestMetrics_RequestLifecycle(t *testing.T) {
	m := New()
	eb := bus.NewEventBus(testLogger(), 0)
	m.Subscribe(eb)

	emit(eb, bus.EventStreamStarted, nil)
	emit(eb, bus.EventStreamStarted, nil)
	if got := testutil.ToFloat64(m.activeStreams); got != 2 {
		t.Fatalf("expected 2 active streams, got %v", got)
	}

	emit(eb, bus.EventStreamFinished, map[string]any{bus.KeyDuration: 1500 * time.Millisecond})
	emit(eb, bus.EventStreamFailed, map[string]any{bus.KeyErrorKind: "invalid_status_code"})

	if got := testutil.ToFloat64(m.activeStreams); got != 0 {
		t.Fatalf("expected no active streams, got %v", got)
	}
	if got := testutil.ToFloat64(m.requestsTotal.WithLabelValues("finished", "")); got != 1 {
		t.Fatalf("expected 1 finished request, got %v", got)
	}
	if got := testutil.ToFloat64(m.requestsTotal.WithLabelValues("failed", "invalid_status_code")); got != 1 {
		t.Fatalf("expected 1 failed request, got %v", got)
	}
	if got := testutil.CollectAndCount(m.requestDuration); got != 1 {
		t.Fatalf("expected duration histogram to be collected, got %d", got)
	}
}

func TestMetrics_DomainCounters(t *testing.T) {
	m := New()
	eb := bus.NewEventBus(testLogger(), 0)
	m.Subscribe(eb)

	emit(eb, bus.EventTransactionsReceived, map[string]any{bus.KeyRecords: 3})
	emit(eb, bus.EventSuggestionsFetched, nil)
	emit(eb, bus.EventConfirmHandled, map[string]any{bus.KeyConfirmed: true})
	emit(eb, bus.EventConfirmHandled, map[string]any{bus.KeyConfirmed: false})

	if got := testutil.ToFloat64(m.transactions); got != 3 {
		t.Fatalf("expected 3 records, got %v", got)
	}
	if got := testutil.ToFloat64(m.suggestions); got != 1 {
		t.Fatalf("expected 1 suggestion fetch, got %v", got)
	}
	if got := testutil.ToFloat64(m.confirms.WithLabelValues("accepted")); got != 1 {
		t.Fatalf("expected 1 accepted confirm, got %v", got)
	}
	if got := testutil.ToFloat64(m.confirms.WithLabelValues("rejected")); got != 1 {
		t.Fatalf("expected 1 rejected confirm, got %v", got)
	}
}

func TestMetrics_RouterServesMetrics(t *testing.T) {
	m := New()
	m.activeStreams.Set(1)

	rec := httptest.NewRecorder()
	m.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "mia_chat_active_streams 1") {
		t.Fatalf("expected active streams gauge in output, got:\n%s", rec.Body.String())
	}

	rec = httptest.NewRecorder()
	m.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected healthz 200, got %d", rec.Code)
	}
}

// --- Điều kiện rẽ nhánh ---

func TestMetrics_FailedWithoutKind(t *testing.T) {
	m := New()
	eb := bus.NewEventBus(testLogger(), 0)
	m.Subscribe(eb)

	emit(eb, bus.EventStreamFailed, nil)
	if got := testutil.ToFloat64(m.requestsTotal.WithLabelValues("failed", "unknown")); got != 1 {
		t.Fatalf("expected unknown error kind, got %v", got)
	}
}

func TestMetrics_SeparateRegistries(t *testing.T) {
	a, b := New(), New()
	a.suggestions.Inc()
	if got := testutil.ToFloat64(b.suggestions); got != 0 {
		t.Fatalf("expected registries to be independent, got %v", got)
	}
}
