package domain

import "context"

// ChatStreamer is the interface the streaming chat backend implements.
// ChatStream closes out before returning, on success and on error.
type ChatStreamer interface {
	ChatStream(ctx context.Context, req ChatRequest, out chan<- StreamEvent) error
	Name() string
	Healthy(ctx context.Context) error
}

// SuggestionProvider returns follow-up questions for a finished assistant message.
type SuggestionProvider interface {
	SuggestedQuestions(ctx context.Context, messageID string) ([]string, error)
}

// StreamEventType classifies a streaming event.
type StreamEventType string

const (
	StreamConversationStarted StreamEventType = "conversation_started"
	StreamMessageID           StreamEventType = "message_id"
	StreamMessageChunk        StreamEventType = "message_chunk"
	StreamTransactions        StreamEventType = "transactions"
	StreamFinished            StreamEventType = "finished"
)

// StreamEvent is a single domain event decoded from the chat stream.
type StreamEvent struct {
	Type           StreamEventType     `json:"type"`
	ConversationID string              `json:"conversation_id,omitempty"` // StreamConversationStarted
	MessageID      string              `json:"message_id,omitempty"`      // StreamMessageID
	Text           string              `json:"text,omitempty"`            // StreamMessageChunk
	Transactions   []TransactionRecord `json:"transactions,omitempty"`    // StreamTransactions
}

type ChatRequest struct {
	Query          string
	ConversationID string            // empty starts a new conversation
	Inputs         map[string]string // workflow inputs, usually empty
	User           string            // optional: override the configured user
}

// ChatRequestPayload is the JSON body of a streaming chat request.
type ChatRequestPayload struct {
	Inputs         map[string]string `json:"inputs"`
	Query          string            `json:"query"`
	ResponseMode   string            `json:"response_mode"`
	ConversationID string            `json:"conversation_id"`
	User           string            `json:"user"`
}

const ResponseModeStreaming = "streaming"

// NewChatRequestPayload builds the wire payload for req. Inputs always encode
// as an object, never null.
func NewChatRequestPayload(req ChatRequest, user string) ChatRequestPayload {
	inputs := req.Inputs
	if inputs == nil {
		inputs = map[string]string{}
	}
	if req.User != "" {
		user = req.User
	}
	return ChatRequestPayload{
		Inputs:         inputs,
		Query:          req.Query,
		ResponseMode:   ResponseModeStreaming,
		ConversationID: req.ConversationID,
		User:           user,
	}
}
