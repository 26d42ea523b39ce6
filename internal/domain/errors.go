package domain

import (
	"errors"
	"fmt"
	"unicode/utf8"
)

// ErrorKind classifies a failed chat request.
type ErrorKind int

const (
	KindInvalidResponse ErrorKind = iota + 1
	KindInvalidStatusCode
	KindDecodingFailed
	KindCancelled
)

func (k ErrorKind) String() string {
	switch k {
	case KindInvalidResponse:
		return "invalid_response"
	case KindInvalidStatusCode:
		return "invalid_status_code"
	case KindDecodingFailed:
		return "decoding_failed"
	case KindCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// ChatError is returned by ChatStreamer implementations. errors.Is matches
// on Kind, so callers can test against the sentinels below.
type ChatError struct {
	Kind       ErrorKind
	StatusCode int    // KindInvalidStatusCode
	Payload    string // truncated response body or offending line
	Err        error
}

var (
	ErrInvalidResponse   = &ChatError{Kind: KindInvalidResponse}
	ErrInvalidStatusCode = &ChatError{Kind: KindInvalidStatusCode}
	ErrDecodingFailed    = &ChatError{Kind: KindDecodingFailed}
	ErrCancelled         = &ChatError{Kind: KindCancelled}
)

const maxErrorPayload = 256

func (e *ChatError) Error() string {
	msg := "chat: " + e.Kind.String()
	if e.Kind == KindInvalidStatusCode {
		msg += fmt.Sprintf(" %d", e.StatusCode)
	}
	if e.Payload != "" {
		msg += ": " + e.Payload
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ChatError) Unwrap() error { return e.Err }

func (e *ChatError) Is(target error) bool {
	t, ok := target.(*ChatError)
	return ok && t.Kind == e.Kind
}

// UserMessage is the text shown to the end user. It never includes the payload.
func (e *ChatError) UserMessage() string {
	switch e.Kind {
	case KindInvalidResponse:
		return "Máy chủ phản hồi không hợp lệ."
	case KindInvalidStatusCode:
		return fmt.Sprintf("Yêu cầu thất bại với mã lỗi %d.", e.StatusCode)
	case KindDecodingFailed:
		return "Không thể đọc dữ liệu phản hồi từ máy chủ."
	case KindCancelled:
		return "Yêu cầu đã bị hủy."
	default:
		return "Đã xảy ra lỗi không xác định."
	}
}

// NewChatError builds a ChatError, truncating payload for logging.
func NewChatError(kind ErrorKind, statusCode int, payload string, err error) *ChatError {
	if len(payload) > maxErrorPayload {
		cut := maxErrorPayload
		for cut > 0 && !utf8.RuneStart(payload[cut]) {
			cut--
		}
		payload = payload[:cut] + "..."
	}
	return &ChatError{Kind: kind, StatusCode: statusCode, Payload: payload, Err: err}
}

// IsCancelled reports whether err is a cancelled chat request.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled)
}
