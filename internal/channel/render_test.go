package channel

import (
	"bytes"
	"strings"
	"testing"

	"mia/internal/domain"
)

// --- Logic đúng ---

func TestFormatAmount(t *testing.T) {
	tests := []struct {
		in   float64
		want string
	}{
		{0, "0"},
		{999, "999"},
		{1000, "1.000"},
		{1500000, "1.500.000"},
		{-25000000, "-25.000.000"},
		{1234.6, "1.235"},
	}
	for _, tt := range tests {
		if got := FormatAmount(tt.in); got != tt.want {
			t.Fatalf("FormatAmount(%v): expected %q, got %q", tt.in, tt.want, got)
		}
	}
}

func TestRenderer_Chart(t *testing.T) {
	r := NewRenderer(&bytes.Buffer{})
	out := r.Chart([]domain.TransactionRecord{
		{Month: "T6", Income: 20000000, Expense: 5000000},
		{Month: "T7", Income: 10000000, Expense: 12000000},
	})

	for _, want := range []string{"Tháng", "20.000.000", "5.000.000", "15.000.000", "-2.000.000"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in chart:\n%s", want, out)
		}
	}
	if !strings.Contains(out, strings.Repeat("█", chartBarWidth)) {
		t.Fatalf("expected a full-width bar for the peak value:\n%s", out)
	}
}

func TestRenderer_ConfirmMessage(t *testing.T) {
	r := NewRenderer(&bytes.Buffer{})
	out := r.Message(domain.Message{Type: domain.MessageConfirm, Text: "Chuyển 1 triệu ~confirm~"})
	if strings.Contains(out, "~confirm~") {
		t.Fatalf("expected marker hidden:\n%s", out)
	}
	if !strings.Contains(out, "Chuyển 1 triệu") || !strings.Contains(out, "[c] Xác nhận") {
		t.Fatalf("expected action and hint:\n%s", out)
	}

	done := r.Message(domain.Message{Type: domain.MessageConfirm, Text: "x ~confirm~", ConfirmProcessed: true})
	if !strings.Contains(done, "Đã xử lý") {
		t.Fatalf("expected processed hint:\n%s", done)
	}
}

func TestRenderer_Suggestions(t *testing.T) {
	r := NewRenderer(&bytes.Buffer{})
	out := r.Message(domain.Message{Type: domain.MessageText, Text: "ok", SuggestedQuestions: []string{"một", "hai"}})
	if !strings.Contains(out, "1. một") || !strings.Contains(out, "2. hai") {
		t.Fatalf("expected numbered suggestions:\n%s", out)
	}
}

// --- Giá trị biên ---

func TestRenderer_EmptyChart(t *testing.T) {
	r := NewRenderer(&bytes.Buffer{})
	if out := r.Chart(nil); !strings.Contains(out, "không có dữ liệu") {
		t.Fatalf("expected empty marker, got %q", out)
	}
}

func TestBar(t *testing.T) {
	if got := bar(0, 100); got != "" {
		t.Fatalf("expected empty bar for zero, got %q", got)
	}
	if got := bar(1, 1000); got != "█" {
		t.Fatalf("expected minimum bar of 1, got %q", got)
	}
	if got := bar(5, 0); got != "" {
		t.Fatalf("expected empty bar when peak is zero, got %q", got)
	}
}
