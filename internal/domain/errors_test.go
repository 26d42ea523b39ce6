package domain

import (
	"errors"
	"strings"
	"testing"
	"unicode/utf8"
)

// --- Logic đúng ---

func TestNewChatError_KeepsShortPayload(t *testing.T) {
	err := NewChatError(KindInvalidStatusCode, 500, "lỗi máy chủ", nil)
	if err.Payload != "lỗi máy chủ" {
		t.Fatalf("expected payload unchanged, got %q", err.Payload)
	}
	if !errors.Is(err, ErrInvalidStatusCode) {
		t.Fatal("expected error to match ErrInvalidStatusCode")
	}
}

// --- Giá trị biên ---

func TestNewChatError_TruncatesOnRuneBoundary(t *testing.T) {
	// "ệ" is 3 bytes; with a 2-byte prefix the cut lands inside a rune.
	payload := "xx" + strings.Repeat("ệ", maxErrorPayload)
	err := NewChatError(KindDecodingFailed, 0, payload, nil)

	if !utf8.ValidString(err.Payload) {
		t.Fatalf("expected valid UTF-8 payload, got %q", err.Payload)
	}
	if !strings.HasSuffix(err.Payload, "...") {
		t.Fatalf("expected truncation marker, got %q", err.Payload)
	}
	if body := strings.TrimSuffix(err.Payload, "..."); len(body) > maxErrorPayload {
		t.Fatalf("expected at most %d bytes before the marker, got %d", maxErrorPayload, len(body))
	}
}
