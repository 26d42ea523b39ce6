package provider

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"mia/internal/domain"
)

// Envelope is one decoded data line of the chat stream. Pointer fields are
// nil when the key is absent, so "absent" and "empty" stay distinguishable.
type Envelope struct {
	Event          string          `json:"event"`
	ConversationID *string         `json:"conversation_id"`
	MessageID      *string         `json:"message_id"`
	Answer         *string         `json:"answer"`
	Data           json.RawMessage `json:"data"`

	raw []byte
}

type envelopeData struct {
	Outputs *struct {
		Answer *string `json:"answer"`
	} `json:"outputs"`
}

// OutputAnswer returns data.outputs.answer, the alternate chunk location used
// by workflow_finished. The data object differs per event kind, so a shape
// mismatch is reported as absent rather than as a decode failure.
func (e *Envelope) OutputAnswer() *string {
	if len(e.Data) == 0 {
		return nil
	}
	var d envelopeData
	if err := json.Unmarshal(e.Data, &d); err != nil || d.Outputs == nil {
		return nil
	}
	return d.Outputs.Answer
}

// Raw returns the line the envelope was decoded from.
func (e *Envelope) Raw() []byte { return e.raw }

// ParseEnvelope decodes one data payload. Malformed JSON, a top-level field of
// the wrong type, or a missing event kind is a KindDecodingFailed error.
func ParseEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, domain.NewChatError(domain.KindDecodingFailed, 0, string(data), err)
	}
	if env.Event == "" {
		return nil, domain.NewChatError(domain.KindDecodingFailed, 0, string(data), fmt.Errorf("missing event kind"))
	}
	env.raw = data
	return &env, nil
}

// Kind is the closed set of event kinds the client reacts to.
type Kind int

const (
	KindIgnored Kind = iota
	KindWorkflowStarted
	KindMessage
	KindAgentLog
	KindFinish
)

func (k Kind) String() string {
	switch k {
	case KindWorkflowStarted:
		return "workflow_started"
	case KindMessage:
		return "message"
	case KindAgentLog:
		return "agent_log"
	case KindFinish:
		return "finish"
	default:
		return "ignored"
	}
}

// Classify maps a wire event name to its Kind. Anything not listed is
// KindIgnored.
func Classify(event string) Kind {
	switch event {
	case "workflow_started":
		return KindWorkflowStarted
	case "message":
		return KindMessage
	case "agent_log":
		return KindAgentLog
	case "workflow_finished", "message_end":
		return KindFinish
	default:
		return KindIgnored
	}
}

// dispatcher turns envelopes into domain events for a single request.
type dispatcher struct {
	extractor *TransactionExtractor
	logger    *slog.Logger
	finished  bool
}

func newDispatcher(extractor *TransactionExtractor, logger *slog.Logger) *dispatcher {
	return &dispatcher{extractor: extractor, logger: logger}
}

// Dispatch returns the events produced by env, in order.
func (d *dispatcher) Dispatch(env *Envelope) []domain.StreamEvent {
	switch Classify(env.Event) {
	case KindWorkflowStarted:
		if env.ConversationID != nil {
			return []domain.StreamEvent{{Type: domain.StreamConversationStarted, ConversationID: *env.ConversationID}}
		}
	case KindMessage:
		var events []domain.StreamEvent
		if env.MessageID != nil {
			events = append(events, domain.StreamEvent{Type: domain.StreamMessageID, MessageID: *env.MessageID})
		}
		if env.Answer != nil && *env.Answer != "" {
			events = append(events, domain.StreamEvent{Type: domain.StreamMessageChunk, Text: *env.Answer})
		}
		return events
	case KindAgentLog:
		if records := d.extractor.Extract(env.Raw()); len(records) > 0 {
			return []domain.StreamEvent{{Type: domain.StreamTransactions, Transactions: records}}
		}
	case KindFinish:
		return d.finish()
	case KindIgnored:
		d.logger.Debug("ignoring stream event", "event", env.Event)
	}
	return nil
}

// Done reports whether the terminal event has been produced.
func (d *dispatcher) Done() bool { return d.finished }

// finish returns the Finished event the first time it is called and nothing
// afterwards.
func (d *dispatcher) finish() []domain.StreamEvent {
	if d.finished {
		return nil
	}
	d.finished = true
	return []domain.StreamEvent{{Type: domain.StreamFinished}}
}

// Close is called when the transport ends. It synthesizes Finished when no
// finishing event arrived on the wire.
func (d *dispatcher) Close() []domain.StreamEvent {
	return d.finish()
}
