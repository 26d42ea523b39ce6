package chat

import (
	"errors"
	"strings"

	"mia/internal/domain"
)

const (
	ConfirmMarker       = "~confirm~"
	EmptyReplyText      = "Xin lỗi, tôi chưa nhận được phản hồi."
	ChartIntroText      = "Đây là báo cáo thu chi của bạn:"
	ConnectionErrorText = "⚠️ Đã xảy ra lỗi khi kết nối tới máy chủ."
	ConfirmAcceptedText = "✅ Giao dịch đã được xác nhận và thực hiện thành công!"
	ConfirmRejectedText = "❌ Giao dịch đã bị từ chối."
)

// ErrSessionTerminal is returned when an event arrives after the session ended.
var ErrSessionTerminal = errors.New("chat: session is terminal")

type State int

const (
	StateIdle State = iota
	StateStreaming
	StateFinalizing
	StateTerminal
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStreaming:
		return "streaming"
	case StateFinalizing:
		return "finalizing"
	case StateTerminal:
		return "terminal"
	default:
		return "unknown"
	}
}

// Result is the outcome of a finalized request.
type Result struct {
	Text           string
	Type           domain.MessageType // MessageText or MessageConfirm
	ConfirmAction  string
	MessageID      string
	ConversationID string

	// Chart holds the pending transaction batch, nil when none arrived.
	Chart []domain.TransactionRecord

	// FetchSuggestions is set when a server message id was captured.
	FetchSuggestions bool
}

// Session aggregates the events of one request. It is owned by a single
// goroutine and is not safe for concurrent use.
type Session struct {
	text           strings.Builder
	messageID      string
	conversationID string
	pending        []domain.TransactionRecord
	state          State
}

func NewSession() *Session {
	return &Session{}
}

func (s *Session) State() State { return s.state }

// Text returns the raw text aggregated so far.
func (s *Session) Text() string { return s.text.String() }

func (s *Session) ConversationID() string { return s.conversationID }

func (s *Session) MessageID() string { return s.messageID }

// Apply folds evt into the session. It returns a non-nil Result exactly once,
// for the first StreamFinished.
func (s *Session) Apply(evt domain.StreamEvent) (*Result, error) {
	if s.state == StateTerminal {
		return nil, ErrSessionTerminal
	}
	s.state = StateStreaming

	switch evt.Type {
	case domain.StreamConversationStarted:
		s.conversationID = evt.ConversationID
	case domain.StreamMessageID:
		s.messageID = evt.MessageID
	case domain.StreamMessageChunk:
		s.text.WriteString(evt.Text)
	case domain.StreamTransactions:
		s.pending = evt.Transactions
	case domain.StreamFinished:
		return s.Finalize(), nil
	}
	return nil, nil
}

// Finalize ends the session and builds its Result. Calls after the first
// return nil.
func (s *Session) Finalize() *Result {
	if s.state == StateTerminal {
		return nil
	}
	s.state = StateFinalizing

	text, typ, action := ParseReply(s.text.String())
	res := &Result{
		Text:             text,
		Type:             typ,
		ConfirmAction:    action,
		MessageID:        s.messageID,
		ConversationID:   s.conversationID,
		Chart:            s.pending,
		FetchSuggestions: s.messageID != "",
	}
	s.pending = nil

	s.state = StateTerminal
	return res
}

// Cancel ends the session without a result. It reports whether the session
// was still live.
func (s *Session) Cancel() bool {
	if s.state == StateTerminal {
		return false
	}
	s.pending = nil
	s.state = StateTerminal
	return true
}

// ParseReply normalizes raw assistant text. Blank text becomes EmptyReplyText;
// text containing ConfirmMarker becomes a confirm message whose action is the
// text before the first marker.
func ParseReply(raw string) (text string, typ domain.MessageType, confirmAction string) {
	text = strings.TrimSpace(raw)
	if text == "" {
		return EmptyReplyText, domain.MessageText, ""
	}
	if before, _, found := strings.Cut(text, ConfirmMarker); found {
		return text, domain.MessageConfirm, strings.TrimSpace(before)
	}
	return text, domain.MessageText, ""
}
