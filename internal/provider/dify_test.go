package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"mia/internal/domain"
)

// sseServer answers every chat request with the given data lines.
func sseServer(t *testing.T, lines ...string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, l := range lines {
			fmt.Fprintf(w, "data: %s\n\n", l)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testDify(endpoint string) *Dify {
	return NewDify(DifyConfig{
		Endpoint:   endpoint,
		APIKey:     "app-test",
		Timeout:    5 * time.Second,
		MaxRetries: 2,
		Logger:     testLogger(),
	})
}

func collect(t *testing.T, s domain.ChatStreamer, req domain.ChatRequest) ([]domain.StreamEvent, error) {
	t.Helper()
	out := make(chan domain.StreamEvent, 64)
	err := s.ChatStream(context.Background(), req, out)
	var events []domain.StreamEvent
	for evt := range out {
		events = append(events, evt)
	}
	return events, err
}

func countType(events []domain.StreamEvent, typ domain.StreamEventType) int {
	n := 0
	for _, e := range events {
		if e.Type == typ {
			n++
		}
	}
	return n
}

// --- Logic đúng ---

func TestDify_StreamsChunksInOrder(t *testing.T) {
	srv := sseServer(t,
		`{"event":"workflow_started","conversation_id":"c1"}`,
		`{"event":"message","message_id":"m1","answer":"Xin "}`,
		`{"event":"message","message_id":"m1","answer":"chào"}`,
		`{"event":"message_end","message_id":"m1"}`,
		`[DONE]`,
	)
	events, err := collect(t, testDify(srv.URL+"/v1/chat-messages"), domain.ChatRequest{Query: "hi"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if events[0].Type != domain.StreamConversationStarted || events[0].ConversationID != "c1" {
		t.Fatalf("expected conversation started first, got %+v", events[0])
	}
	var text strings.Builder
	for _, e := range events {
		if e.Type == domain.StreamMessageChunk {
			text.WriteString(e.Text)
		}
	}
	if text.String() != "Xin chào" {
		t.Fatalf("expected 'Xin chào', got %q", text.String())
	}
	if last := events[len(events)-1]; last.Type != domain.StreamFinished {
		t.Fatalf("expected finished last, got %+v", last)
	}
}

func TestDify_TransactionsFromAgentLog(t *testing.T) {
	line := string(agentLogLine(t, toolLabel, "success", strPtr(julyResponse)))
	srv := sseServer(t, line, `{"event":"message","answer":"Báo cáo"}`, `{"event":"message_end"}`)
	events, err := collect(t, testDify(srv.URL+"/v1/chat-messages"), domain.ChatRequest{Query: "thu chi"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if countType(events, domain.StreamTransactions) != 1 {
		t.Fatalf("expected 1 transactions event, got %+v", events)
	}
	for _, e := range events {
		if e.Type == domain.StreamTransactions && e.Transactions[0].NetIncome() != 7000000 {
			t.Fatalf("expected net income 7000000, got %v", e.Transactions[0].NetIncome())
		}
	}
}

func TestDify_PayloadRoundTrip(t *testing.T) {
	var raw []byte
	var auth, contentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		contentType = r.Header.Get("Content-Type")
		raw, _ = io.ReadAll(r.Body)
		fmt.Fprint(w, "data: {\"event\":\"message_end\"}\n\n")
	}))
	defer srv.Close()

	_, err := collect(t, testDify(srv.URL+"/v1/chat-messages"), domain.ChatRequest{Query: "Số dư của tôi?", ConversationID: "conv-7"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if auth != "Bearer app-test" {
		t.Fatalf("expected bearer auth, got %q", auth)
	}
	if contentType != "application/json" {
		t.Fatalf("expected json content type, got %q", contentType)
	}

	var p domain.ChatRequestPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if p.Query != "Số dư của tôi?" || p.ConversationID != "conv-7" {
		t.Fatalf("unexpected payload: %+v", p)
	}
	if p.ResponseMode != "streaming" {
		t.Fatalf("expected streaming mode, got %q", p.ResponseMode)
	}
	if p.User != "ios-client" {
		t.Fatalf("expected default user ios-client, got %q", p.User)
	}
	if !strings.Contains(string(raw), `"inputs":{}`) {
		t.Fatalf("expected empty inputs object, got %s", raw)
	}
}

func TestDify_SuggestedQuestions(t *testing.T) {
	var path, user string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		user = r.URL.Query().Get("user")
		fmt.Fprint(w, `{"result":"success","data":["Câu 1","Câu 2"]}`)
	}))
	defer srv.Close()

	got, err := testDify(srv.URL+"/v1/chat-messages").SuggestedQuestions(context.Background(), "m1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if path != "/v1/messages/m1/suggested" {
		t.Fatalf("unexpected path %q", path)
	}
	if user != "ios-client" {
		t.Fatalf("expected user ios-client, got %q", user)
	}
	if len(got) != 2 || got[0] != "Câu 1" {
		t.Fatalf("unexpected suggestions: %v", got)
	}
}

func TestBaseURL(t *testing.T) {
	cases := map[string]string{
		"https://api.dify.ai/v1/chat-messages":  "https://api.dify.ai/v1",
		"https://api.dify.ai/v1/chat-messages/": "https://api.dify.ai/v1",
		"http://localhost:8080/v1":              "http://localhost:8080/v1",
	}
	for in, want := range cases {
		if got := BaseURL(in); got != want {
			t.Fatalf("BaseURL(%q): expected %q, got %q", in, want, got)
		}
	}
}

// --- Điều kiện rẽ nhánh ---

func TestDify_NoAgentLogNoTransactions(t *testing.T) {
	srv := sseServer(t,
		`{"event":"message","answer":"A"}`,
		`{"event":"node_finished","data":{"outputs":{"answer":"A"}}}`,
		`{"event":"message_end"}`,
	)
	events, err := collect(t, testDify(srv.URL+"/v1/chat-messages"), domain.ChatRequest{Query: "q"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n := countType(events, domain.StreamTransactions); n != 0 {
		t.Fatalf("expected no transactions events, got %d", n)
	}
}

func TestDify_SynthesizesFinish(t *testing.T) {
	srv := sseServer(t, `{"event":"message","answer":"A"}`, `{"event":"message","answer":"B"}`)
	events, err := collect(t, testDify(srv.URL+"/v1/chat-messages"), domain.ChatRequest{Query: "q"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n := countType(events, domain.StreamFinished); n != 1 {
		t.Fatalf("expected exactly 1 finished, got %d", n)
	}
	if events[len(events)-1].Type != domain.StreamFinished {
		t.Fatal("expected finished to be last")
	}
}

func TestDify_DuplicateFinishDeduplicated(t *testing.T) {
	srv := sseServer(t,
		`{"event":"message","answer":"A"}`,
		`{"event":"message_end"}`,
		`{"event":"workflow_finished","data":{"outputs":{"answer":"A"}}}`,
	)
	events, err := collect(t, testDify(srv.URL+"/v1/chat-messages"), domain.ChatRequest{Query: "q"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n := countType(events, domain.StreamFinished); n != 1 {
		t.Fatalf("expected exactly 1 finished, got %d", n)
	}
}

func TestDify_DecodeFailureAborts(t *testing.T) {
	srv := sseServer(t,
		`{"event":"message","answer":"A"}`,
		`{"event":"message","answer":`,
		`{"event":"message","answer":"B"}`,
		`{"event":"message_end"}`,
	)
	events, err := collect(t, testDify(srv.URL+"/v1/chat-messages"), domain.ChatRequest{Query: "q"})
	if !errors.Is(err, domain.ErrDecodingFailed) {
		t.Fatalf("expected ErrDecodingFailed, got %v", err)
	}
	if len(events) != 1 || events[0].Text != "A" {
		t.Fatalf("expected only the chunk before the bad line, got %+v", events)
	}
}

func TestDify_StatusCodeError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"code":"invalid_param","message":"query is required"}`)
	}))
	defer srv.Close()

	events, err := collect(t, testDify(srv.URL+"/v1/chat-messages"), domain.ChatRequest{})
	if !errors.Is(err, domain.ErrInvalidStatusCode) {
		t.Fatalf("expected ErrInvalidStatusCode, got %v", err)
	}
	var ce *domain.ChatError
	if !errors.As(err, &ce) || ce.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %v", err)
	}
	if !strings.Contains(ce.Payload, "query is required") {
		t.Fatalf("expected body in payload, got %q", ce.Payload)
	}
	if len(events) != 0 {
		t.Fatalf("expected no events, got %+v", events)
	}
}

func TestDify_UnreachableServer(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	endpoint := srv.URL + "/v1/chat-messages"
	srv.Close()

	_, err := collect(t, testDify(endpoint), domain.ChatRequest{Query: "q"})
	if !errors.Is(err, domain.ErrInvalidResponse) {
		t.Fatalf("expected ErrInvalidResponse, got %v", err)
	}
}

func TestDify_CancelMidStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: {\"event\":\"message\",\"answer\":\"A\"}\n\n")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out := make(chan domain.StreamEvent)
	errCh := make(chan error, 1)
	go func() {
		errCh <- testDify(srv.URL+"/v1/chat-messages").ChatStream(ctx, domain.ChatRequest{Query: "q"}, out)
	}()

	first := <-out
	if first.Text != "A" {
		t.Fatalf("expected first chunk 'A', got %+v", first)
	}
	cancel()

	for evt := range out {
		if evt.Type == domain.StreamFinished {
			t.Fatal("expected no finished after cancellation")
		}
	}
	if err := <-errCh; !domain.IsCancelled(err) {
		t.Fatalf("expected cancellation error, got %v", err)
	}
}

func TestDify_CancelledBeforeStart(t *testing.T) {
	srv := sseServer(t, `{"event":"message_end"}`)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := make(chan domain.StreamEvent, 4)
	err := testDify(srv.URL+"/v1/chat-messages").ChatStream(ctx, domain.ChatRequest{Query: "q"}, out)
	if !domain.IsCancelled(err) {
		t.Fatalf("expected cancellation error, got %v", err)
	}
	if _, open := <-out; open {
		t.Fatal("expected out to be closed and empty")
	}
}

func TestDify_SuggestionsRetryOnServerError(t *testing.T) {
	orig := retryBackoff
	retryBackoff = func(int) time.Duration { return time.Millisecond }
	defer func() { retryBackoff = orig }()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, `{"data":["Câu 1"]}`)
	}))
	defer srv.Close()

	got, err := testDify(srv.URL+"/v1/chat-messages").SuggestedQuestions(context.Background(), "m1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 || calls.Load() != 2 {
		t.Fatalf("expected 1 suggestion after 2 calls, got %v after %d", got, calls.Load())
	}
}

func TestDify_SuggestionsNotFound(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	_, err := testDify(srv.URL+"/v1/chat-messages").SuggestedQuestions(context.Background(), "m1")
	if !errors.Is(err, domain.ErrInvalidStatusCode) {
		t.Fatalf("expected ErrInvalidStatusCode, got %v", err)
	}
}

func TestDify_HealthyRejectsBadKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	if err := testDify(srv.URL + "/v1/chat-messages").Healthy(context.Background()); err == nil {
		t.Fatal("expected error for unauthorized key")
	}
}

// --- Giá trị biên ---

func TestDify_EmptyBody(t *testing.T) {
	srv := sseServer(t)
	events, err := collect(t, testDify(srv.URL+"/v1/chat-messages"), domain.ChatRequest{Query: "q"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(events) != 1 || events[0].Type != domain.StreamFinished {
		t.Fatalf("expected a lone finished event, got %+v", events)
	}
}
