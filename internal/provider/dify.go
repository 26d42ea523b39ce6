package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"mia/internal/domain"
	"mia/internal/sse"
)

const (
	DefaultUser    = "ios-client"
	maxErrorBody   = 4096
	chatMessageSeg = "/chat-messages"
)

// Dify talks to a Dify-style chat-messages API in streaming mode.
// It implements domain.ChatStreamer and domain.SuggestionProvider.
type Dify struct {
	endpoint   string
	baseURL    string
	apiKey     string
	user       string
	maxRetries int
	stream     *http.Client
	client     *http.Client
	extractor  *TransactionExtractor
	logger     *slog.Logger
}

type DifyConfig struct {
	Endpoint   string // full chat-messages URL
	APIKey     string
	User       string
	Timeout    time.Duration
	MaxRetries int
	ToolLabel  string       // agent_log label of the transaction-history tool
	Client     *http.Client // optional: used for both streams and suggestions
	Logger     *slog.Logger
}

func NewDify(cfg DifyConfig) *Dify {
	if cfg.User == "" {
		cfg.User = DefaultUser
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	d := &Dify{
		endpoint:   cfg.Endpoint,
		baseURL:    BaseURL(cfg.Endpoint),
		apiKey:     cfg.APIKey,
		user:       cfg.User,
		maxRetries: cfg.MaxRetries,
		stream:     cfg.Client,
		client:     cfg.Client,
		extractor:  NewTransactionExtractor(cfg.ToolLabel, cfg.Logger),
		logger:     cfg.Logger,
	}
	if d.stream == nil {
		d.stream = StreamingHTTPClient(cfg.Timeout)
		d.client = SharedHTTPClient(cfg.Timeout)
	}
	return d
}

// BaseURL strips the chat-messages path segment from endpoint.
func BaseURL(endpoint string) string {
	endpoint = strings.TrimRight(endpoint, "/")
	return strings.TrimSuffix(endpoint, chatMessageSeg)
}

func (d *Dify) Name() string { return "dify" }

func (d *Dify) Endpoint() string { return d.endpoint }

func (d *Dify) getter() *getter {
	return &getter{client: d.client, apiKey: d.apiKey, retries: d.maxRetries, logger: d.logger}
}

// Healthy checks that the API is reachable and accepts the key.
func (d *Dify) Healthy(ctx context.Context) error {
	g := d.getter()
	g.retries = 0
	resp, err := g.get(ctx, d.baseURL+"/parameters?user="+url.QueryEscape(d.user))
	if err != nil {
		return fmt.Errorf("dify not reachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("dify: invalid API key")
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("dify returned %d", resp.StatusCode)
	}
	return nil
}

// ChatStream sends req and emits decoded events on out until the stream ends.
// out is closed before returning. On success the last event is always a
// single StreamFinished; on error no StreamFinished is sent.
func (d *Dify) ChatStream(ctx context.Context, req domain.ChatRequest, out chan<- domain.StreamEvent) error {
	defer close(out)

	resp, err := d.open(ctx, req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	disp := newDispatcher(d.extractor, d.logger)
	dec := sse.NewDecoder(resp.Body)
	lines := 0
	for !disp.Done() {
		line, err := dec.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return d.streamErr(ctx, err)
		}
		lines++

		env, err := ParseEnvelope([]byte(line))
		if err != nil {
			d.logger.Warn("stream aborted: bad envelope", "err", err)
			return err
		}
		for _, evt := range disp.Dispatch(env) {
			if err := emit(ctx, out, evt); err != nil {
				return err
			}
		}
	}

	synthesized := disp.Close()
	if len(synthesized) > 0 {
		d.logger.Debug("stream ended without finishing event", "lines", lines)
	}
	for _, evt := range synthesized {
		if err := emit(ctx, out, evt); err != nil {
			return err
		}
	}
	return nil
}

func (d *Dify) open(ctx context.Context, req domain.ChatRequest) (*http.Response, error) {
	body, err := json.Marshal(domain.NewChatRequestPayload(req, d.user))
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", d.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, domain.NewChatError(domain.KindInvalidResponse, 0, "", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Authorization", "Bearer "+d.apiKey)

	resp, err := d.stream.Do(httpReq)
	if err != nil {
		return nil, d.streamErr(ctx, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		resp.Body.Close()
		d.logger.Warn("chat request rejected", "status", resp.StatusCode)
		return nil, domain.NewChatError(domain.KindInvalidStatusCode, resp.StatusCode, string(respBody), nil)
	}
	return resp, nil
}

// streamErr maps a transport failure to a ChatError. A cancelled context
// always wins over whatever the transport reported.
func (d *Dify) streamErr(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.Canceled) {
		return domain.NewChatError(domain.KindCancelled, 0, "", ctx.Err())
	}
	return domain.NewChatError(domain.KindInvalidResponse, 0, "", err)
}

func emit(ctx context.Context, out chan<- domain.StreamEvent, evt domain.StreamEvent) error {
	if err := ctx.Err(); err != nil {
		return domain.NewChatError(domain.KindCancelled, 0, "", err)
	}
	select {
	case out <- evt:
		return nil
	case <-ctx.Done():
		return domain.NewChatError(domain.KindCancelled, 0, "", ctx.Err())
	}
}

type suggestedResponse struct {
	Result string   `json:"result"`
	Data   []string `json:"data"`
}

// SuggestedQuestions fetches follow-up questions for a finished message.
func (d *Dify) SuggestedQuestions(ctx context.Context, messageID string) ([]string, error) {
	u := fmt.Sprintf("%s/messages/%s/suggested?user=%s",
		d.baseURL, url.PathEscape(messageID), url.QueryEscape(d.user))

	resp, err := d.getter().get(ctx, u)
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return nil, domain.NewChatError(domain.KindCancelled, 0, "", err)
		}
		return nil, domain.NewChatError(domain.KindInvalidResponse, 0, "", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, domain.NewChatError(domain.KindInvalidStatusCode, resp.StatusCode, string(body), nil)
	}

	var result suggestedResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, domain.NewChatError(domain.KindDecodingFailed, 0, "", err)
	}
	return result.Data, nil
}
