package domain

import "time"

type MessageType string

const (
	MessageText             MessageType = "text"
	MessageTransactionChart MessageType = "transaction_chart"
	MessageConfirm          MessageType = "confirm"
)

// Message is one entry of the conversation as shown to the user.
type Message struct {
	ID                 string              `json:"id"` // local id (uuid)
	Text               string              `json:"text"`
	FromUser           bool                `json:"from_user"`
	Timestamp          time.Time           `json:"timestamp"`
	Type               MessageType         `json:"type"`
	Transactions       []TransactionRecord `json:"transactions,omitempty"`
	ConfirmAction      string              `json:"confirm_action,omitempty"`
	ConfirmProcessed   bool                `json:"confirm_processed"`
	MessageID          string              `json:"message_id,omitempty"` // server-assigned id, used for suggestions
	SuggestedQuestions []string            `json:"suggested_questions,omitempty"`
}

type InboundMessage struct {
	ID        string // optional; echoed as ReplyTo on the OutboundDone message
	Channel   string
	ChatID    string
	SenderID  string
	Content   string
	Timestamp time.Time
}

// OutboundKind tells a channel how to present an OutboundMessage.
type OutboundKind string

const (
	OutboundChunk       OutboundKind = "chunk"       // partial assistant text (Content holds the full text so far)
	OutboundFinal       OutboundKind = "final"       // a finalized Message
	OutboundSuggestions OutboundKind = "suggestions" // suggestions attached to Message
	OutboundError       OutboundKind = "error"       // user-facing error text in Content
	OutboundNotice      OutboundKind = "notice"      // plain informational text
	OutboundDone        OutboundKind = "done"        // the inbound message ReplyTo is fully handled
)

type OutboundMessage struct {
	Channel string
	ChatID  string
	Kind    OutboundKind
	Content string
	Message *Message
	ReplyTo string // OutboundDone only
}
