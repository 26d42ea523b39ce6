package provider

import (
	"log/slog"
	"time"

	"mia/internal/config"
	"mia/internal/domain"
)

// Backend bundles what the chat layer needs from the API.
type Backend struct {
	Streamer    domain.ChatStreamer
	Suggestions domain.SuggestionProvider
	Primary     *Dify
}

// NewBackend builds the Dify client for the configured endpoint, wrapped in a
// FailoverStreamer when fallback endpoints are configured. Suggested questions
// always come from the primary endpoint.
func NewBackend(cfg *config.Config, logger *slog.Logger) *Backend {
	build := func(endpoint string) *Dify {
		return NewDify(DifyConfig{
			Endpoint:   endpoint,
			APIKey:     cfg.API.APIKey,
			User:       cfg.API.User,
			Timeout:    time.Duration(cfg.API.TimeoutSeconds) * time.Second,
			MaxRetries: cfg.API.MaxRetries,
			ToolLabel:  cfg.Chat.TransactionToolLabel,
			Logger:     logger.With("endpoint", endpoint),
		})
	}

	primary := build(cfg.API.Endpoint)
	b := &Backend{Streamer: primary, Suggestions: primary, Primary: primary}
	if len(cfg.API.FallbackEndpoints) == 0 {
		return b
	}

	chain := []domain.ChatStreamer{primary}
	for _, ep := range cfg.API.FallbackEndpoints {
		chain = append(chain, build(ep))
	}
	b.Streamer = NewFailoverStreamer(chain, logger)
	return b
}
