package sse

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
)

func collect(t *testing.T, body string) []string {
	t.Helper()
	d := NewDecoder(strings.NewReader(body))
	var out []string
	for {
		data, err := d.Next(context.Background())
		if errors.Is(err, io.EOF) {
			return out
		}
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		out = append(out, data)
	}
}

// --- Logic đúng ---

func TestDecoder_StripsPrefixAndWhitespace(t *testing.T) {
	got := collect(t, "data: {\"event\":\"message\"}\n\ndata:{\"a\":1}   \n")
	if len(got) != 2 {
		t.Fatalf("expected 2 payloads, got %d: %v", len(got), got)
	}
	if got[0] != `{"event":"message"}` {
		t.Fatalf("unexpected first payload %q", got[0])
	}
	if got[1] != `{"a":1}` {
		t.Fatalf("unexpected second payload %q", got[1])
	}
}

func TestDecoder_HandlesCRLF(t *testing.T) {
	got := collect(t, "data: one\r\n\r\ndata: two\r\n")
	if len(got) != 2 || got[0] != "one" || got[1] != "two" {
		t.Fatalf("expected [one two], got %v", got)
	}
}

// --- Điều kiện rẽ nhánh ---

func TestDecoder_DropsNonDataLines(t *testing.T) {
	body := ": keep-alive\nevent: ping\nid: 7\nretry: 100\n\n data: leading-space\ndata: kept\n"
	got := collect(t, body)
	if len(got) != 1 || got[0] != "kept" {
		t.Fatalf("expected only 'kept', got %v", got)
	}
}

func TestDecoder_DropsEmptyAndDone(t *testing.T) {
	got := collect(t, "data:\ndata:    \ndata: [DONE]\ndata: last\n")
	if len(got) != 1 || got[0] != "last" {
		t.Fatalf("expected only 'last', got %v", got)
	}
}

func TestDecoder_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d := NewDecoder(strings.NewReader("data: x\n"))
	if _, err := d.Next(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

// --- Giá trị biên ---

func TestDecoder_EmptyInput(t *testing.T) {
	if got := collect(t, ""); len(got) != 0 {
		t.Fatalf("expected no payloads, got %v", got)
	}
}

func TestDecoder_LastLineWithoutNewline(t *testing.T) {
	got := collect(t, "data: tail")
	if len(got) != 1 || got[0] != "tail" {
		t.Fatalf("expected [tail], got %v", got)
	}
}

func TestDecoder_LargeLine(t *testing.T) {
	big := strings.Repeat("x", 200*1024)
	got := collect(t, "data: "+big+"\n")
	if len(got) != 1 || len(got[0]) != len(big) {
		t.Fatalf("expected one %d-byte payload", len(big))
	}
}

func TestParseLine_DoneWithSpaces(t *testing.T) {
	if _, ok := ParseLine("data:   [DONE]  "); ok {
		t.Fatal("[DONE] sentinel should be dropped")
	}
}

// --- Writer ---

func TestWriter_RoundTripThroughDecoder(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := NewWriter(rec)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Comment("ping"); err != nil {
		t.Fatal(err)
	}
	if err := w.Data(map[string]string{"event": "message_end"}); err != nil {
		t.Fatal(err)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}
	got := collect(t, rec.Body.String())
	if len(got) != 1 || got[0] != `{"event":"message_end"}` {
		t.Fatalf("unexpected payloads %v", got)
	}
}
