package mockserver

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"mia/internal/domain"
	"mia/internal/provider"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func startMock(t *testing.T, apiKey string) (*Server, *provider.Dify) {
	t.Helper()
	mock := New(Config{APIKey: apiKey, Logger: testLogger()})
	srv := httptest.NewServer(mock.Router())
	t.Cleanup(srv.Close)

	client := provider.NewDify(provider.DifyConfig{
		Endpoint:   srv.URL + "/v1/chat-messages",
		APIKey:     "app-mock",
		Timeout:    5 * time.Second,
		MaxRetries: 0,
		Logger:     testLogger(),
	})
	return mock, client
}

func collect(t *testing.T, client *provider.Dify, req domain.ChatRequest) ([]domain.StreamEvent, error) {
	t.Helper()
	out := make(chan domain.StreamEvent, 128)
	err := client.ChatStream(context.Background(), req, out)
	var events []domain.StreamEvent
	for evt := range out {
		events = append(events, evt)
	}
	return events, err
}

func answer(events []domain.StreamEvent) string {
	var b strings.Builder
	for _, e := range events {
		if e.Type == domain.StreamMessageChunk {
			b.WriteString(e.Text)
		}
	}
	return b.String()
}

func finishedCount(events []domain.StreamEvent) int {
	n := 0
	for _, e := range events {
		if e.Type == domain.StreamFinished {
			n++
		}
	}
	return n
}

// --- Logic đúng ---

func TestMock_EchoStream(t *testing.T) {
	mock, client := startMock(t, "")

	events, err := collect(t, client, domain.ChatRequest{Query: "xin chào"})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if events[0].Type != domain.StreamConversationStarted || events[0].ConversationID == "" {
		t.Fatalf("expected conversation start first, got %+v", events[0])
	}
	if got := answer(events); got != "Bạn vừa hỏi: xin chào" {
		t.Fatalf("expected echo answer, got %q", got)
	}
	if finishedCount(events) != 1 || events[len(events)-1].Type != domain.StreamFinished {
		t.Fatalf("expected exactly one trailing finished event, got %+v", events)
	}

	reqs := mock.Requests()
	if len(reqs) != 1 || reqs[0].Query != "xin chào" || reqs[0].User != provider.DefaultUser {
		t.Fatalf("unexpected recorded requests: %+v", reqs)
	}
}

func TestMock_KeepsConversationID(t *testing.T) {
	_, client := startMock(t, "")

	events, err := collect(t, client, domain.ChatRequest{Query: "hi", ConversationID: "conv-7"})
	if err != nil {
		t.Fatal(err)
	}
	if events[0].ConversationID != "conv-7" {
		t.Fatalf("expected conv-7, got %q", events[0].ConversationID)
	}
}

func TestMock_Transactions(t *testing.T) {
	_, client := startMock(t, "")

	events, err := collect(t, client, domain.ChatRequest{Query: "Thu chi 6 tháng gần đây"})
	if err != nil {
		t.Fatal(err)
	}
	var records []domain.TransactionRecord
	for _, e := range events {
		if e.Type == domain.StreamTransactions {
			records = e.Transactions
		}
	}
	if len(records) != len(sampleTransactions) {
		t.Fatalf("expected %d records, got %d", len(sampleTransactions), len(records))
	}
	if records[3].Month != "2025-04" || records[3].NetIncome() >= 0 {
		t.Fatalf("unexpected record: %+v", records[3])
	}
}

func TestMock_ConfirmCarriesMarker(t *testing.T) {
	_, client := startMock(t, "")

	events, err := collect(t, client, domain.ChatRequest{Query: "Chuyển 500.000đ cho mẹ"})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasSuffix(answer(events), confirmMarker) {
		t.Fatalf("expected confirm marker at the end, got %q", answer(events))
	}
}

func TestMock_Suggestions(t *testing.T) {
	_, client := startMock(t, "")

	questions, err := client.SuggestedQuestions(context.Background(), "m-1")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(questions) != 3 {
		t.Fatalf("expected 3 questions, got %v", questions)
	}
}

func TestMock_Healthy(t *testing.T) {
	_, client := startMock(t, "")
	if err := client.Healthy(context.Background()); err != nil {
		t.Fatalf("expected healthy, got %v", err)
	}
}

// --- Điều kiện rẽ nhánh ---

func TestMock_ScriptedError(t *testing.T) {
	_, client := startMock(t, "")

	events, err := collect(t, client, domain.ChatRequest{Query: "gây lỗi đi"})
	var chatErr *domain.ChatError
	if !errors.As(err, &chatErr) || chatErr.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected status 500 error, got %v", err)
	}
	if finishedCount(events) != 0 {
		t.Fatal("expected no finished event on error")
	}
}

func TestMock_CutStreamStillFinishes(t *testing.T) {
	_, client := startMock(t, "")

	events, err := collect(t, client, domain.ChatRequest{Query: "đứt kết nối"})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if finishedCount(events) != 1 {
		t.Fatalf("expected a synthesized finished event, got %+v", events)
	}
}

func TestMock_RejectsWrongKey(t *testing.T) {
	_, client := startMock(t, "app-secret")

	_, err := collect(t, client, domain.ChatRequest{Query: "hi"})
	var chatErr *domain.ChatError
	if !errors.As(err, &chatErr) || chatErr.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %v", err)
	}
	if err := client.Healthy(context.Background()); err == nil {
		t.Fatal("expected health check to fail with a wrong key")
	}
}

func TestMock_RejectsBlockingMode(t *testing.T) {
	mock := New(Config{Logger: testLogger()})
	req := httptest.NewRequest(http.MethodPost, "/v1/chat-messages",
		strings.NewReader(`{"query":"hi","response_mode":"blocking","user":"u"}`))
	req.Header.Set("Authorization", "Bearer x")
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	mock.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

// --- Giá trị biên ---

func TestSplitRunes(t *testing.T) {
	tests := []struct {
		in   string
		n    int
		want int
	}{
		{"", 8, 0},
		{"abc", 8, 1},
		{"Xin chào các bạn", 4, 4},
		{"đđđđđ", 2, 3},
	}
	for _, tt := range tests {
		chunks := splitRunes(tt.in, tt.n)
		if len(chunks) != tt.want {
			t.Fatalf("splitRunes(%q, %d): expected %d chunks, got %d", tt.in, tt.n, tt.want, len(chunks))
		}
		if strings.Join(chunks, "") != tt.in {
			t.Fatalf("splitRunes(%q) lost data: %q", tt.in, chunks)
		}
	}
}
