package provider

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"mia/internal/domain"

	"github.com/xeipuuv/gojsonschema"
)

// DefaultTransactionToolLabel identifies the transaction-history tool in
// agent_log labels.
const DefaultTransactionToolLabel = "income_api_get_transaction_history_get"

const agentLogStatusSuccess = "success"

// AgentLogEvent is the agent_log envelope as sent by the server.
type AgentLogEvent struct {
	Event          string       `json:"event"`
	ConversationID string       `json:"conversation_id"`
	MessageID      string       `json:"message_id"`
	CreatedAt      int64        `json:"created_at"`
	TaskID         string       `json:"task_id"`
	Data           AgentLogData `json:"data"`
}

type AgentLogData struct {
	NodeExecutionID string            `json:"node_execution_id"`
	ID              string            `json:"id"`
	Label           string            `json:"label"`
	ParentID        *string           `json:"parent_id"`
	Error           *string           `json:"error"`
	Status          string            `json:"status"`
	Data            *AgentLogContent  `json:"data"`
	Metadata        *AgentLogMetadata `json:"metadata"`
	NodeID          string            `json:"node_id"`
}

type AgentLogContent struct {
	Output *AgentLogOutput `json:"output"`
}

type AgentLogOutput struct {
	ToolCallID    *string        `json:"tool_call_id"`
	ToolCallInput *ToolCallInput `json:"tool_call_input"`
	ToolCallName  *string        `json:"tool_call_name"`
	ToolResponse  *string        `json:"tool_response"` // JSON document encoded as a string
}

type ToolCallInput struct {
	CustomerID *string `json:"customer_id"`
}

type AgentLogMetadata struct {
	ElapsedTime float64 `json:"elapsed_time"`
	FinishedAt  float64 `json:"finished_at"`
	Provider    string  `json:"provider"`
	StartedAt   float64 `json:"started_at"`
}

// transactionSchema is the contract of the transaction tool's response.
const transactionSchema = `{
	"type": "array",
	"items": {
		"type": "object",
		"required": ["month", "income", "expense"],
		"properties": {
			"month":   {"type": "string"},
			"income":  {"type": "number"},
			"expense": {"type": "number"}
		}
	}
}`

var transactionResponseSchema = mustSchema(transactionSchema)

func mustSchema(s string) *gojsonschema.Schema {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(s))
	if err != nil {
		panic(fmt.Sprintf("invalid schema: %v", err))
	}
	return schema
}

// TransactionExtractor pulls transaction records out of agent_log events.
type TransactionExtractor struct {
	label  string
	logger *slog.Logger
}

func NewTransactionExtractor(label string, logger *slog.Logger) *TransactionExtractor {
	if label == "" {
		label = DefaultTransactionToolLabel
	}
	return &TransactionExtractor{label: label, logger: logger}
}

// Extract returns the records carried by raw, or nil when the event is not a
// successful transaction-history call. It never fails: a broken tool response
// only costs the chart, not the stream.
func (x *TransactionExtractor) Extract(raw []byte) []domain.TransactionRecord {
	var evt AgentLogEvent
	if err := json.Unmarshal(raw, &evt); err != nil {
		x.logger.Debug("agent_log does not match expected shape", "err", err)
		return nil
	}

	resp, ok := x.toolResponse(evt)
	if !ok {
		return nil
	}

	records, err := decodeToolResponse(resp)
	if err != nil {
		x.logger.Warn("cannot decode transaction tool response",
			"node_id", evt.Data.NodeID,
			"label", evt.Data.Label,
			"err", err,
		)
		return nil
	}
	x.logger.Debug("parsed transaction records", "count", len(records))
	return records
}

func (x *TransactionExtractor) toolResponse(evt AgentLogEvent) (string, bool) {
	d := evt.Data
	if !strings.Contains(d.Label, x.label) || d.Status != agentLogStatusSuccess {
		return "", false
	}
	if d.Data == nil || d.Data.Output == nil || d.Data.Output.ToolResponse == nil {
		return "", false
	}
	resp := *d.Data.Output.ToolResponse
	if strings.TrimSpace(resp) == "" {
		return "", false
	}
	return resp, true
}

// decodeToolResponse is the second decode pass: the tool response is its own
// JSON document carried inside a string field.
func decodeToolResponse(resp string) ([]domain.TransactionRecord, error) {
	result, err := transactionResponseSchema.Validate(gojsonschema.NewStringLoader(resp))
	if err != nil {
		return nil, fmt.Errorf("tool response is not JSON: %w", err)
	}
	if !result.Valid() {
		problems := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			problems = append(problems, e.String())
		}
		return nil, fmt.Errorf("tool response rejected: %s", strings.Join(problems, "; "))
	}

	var records []domain.TransactionRecord
	if err := json.Unmarshal([]byte(resp), &records); err != nil {
		return nil, fmt.Errorf("unmarshal tool response: %w", err)
	}
	return records, nil
}
