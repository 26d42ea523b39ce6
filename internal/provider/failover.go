package provider

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"mia/internal/domain"
)

// FailoverStreamer tries several chat endpoints in order. A streamer is only
// abandoned when it fails before emitting anything: once an event has reached
// the caller the request is committed to that streamer.
type FailoverStreamer struct {
	streamers []domain.ChatStreamer
	logger    *slog.Logger
}

// NewFailoverStreamer creates a failover chain. At least one streamer is required.
func NewFailoverStreamer(streamers []domain.ChatStreamer, logger *slog.Logger) *FailoverStreamer {
	return &FailoverStreamer{streamers: streamers, logger: logger}
}

func (fs *FailoverStreamer) Name() string {
	names := make([]string, len(fs.streamers))
	for i, s := range fs.streamers {
		names[i] = s.Name()
	}
	return "failover(" + strings.Join(names, "→") + ")"
}

func (fs *FailoverStreamer) Healthy(ctx context.Context) error {
	var lastErr error
	for _, s := range fs.streamers {
		err := s.Healthy(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
	}
	if lastErr == nil {
		return errors.New("failover chain is empty")
	}
	return lastErr
}

// ChatStream runs each streamer on its own inner channel and forwards events
// to out, so every attempt can close its channel without touching out.
func (fs *FailoverStreamer) ChatStream(ctx context.Context, req domain.ChatRequest, out chan<- domain.StreamEvent) error {
	defer close(out)

	var lastErr error
	for i, s := range fs.streamers {
		forwarded, err := fs.forward(ctx, s, req, out)
		if err == nil {
			if i > 0 {
				fs.logger.Info("failover: used fallback endpoint", "streamer", s.Name(), "attempt", i+1)
			}
			return nil
		}
		lastErr = err
		if forwarded > 0 || !failoverEligible(err) {
			return err
		}
		fs.logger.Warn("failover: endpoint failed, trying next",
			"streamer", s.Name(),
			"attempt", i+1,
			"error", err,
		)
	}
	if lastErr == nil {
		lastErr = domain.NewChatError(domain.KindInvalidResponse, 0, "", errors.New("failover chain is empty"))
	}
	return lastErr
}

func (fs *FailoverStreamer) forward(ctx context.Context, s domain.ChatStreamer, req domain.ChatRequest, out chan<- domain.StreamEvent) (int, error) {
	inner := make(chan domain.StreamEvent)
	errCh := make(chan error, 1)
	go func() { errCh <- s.ChatStream(ctx, req, inner) }()

	n := 0
	for evt := range inner {
		select {
		case out <- evt:
			n++
		case <-ctx.Done():
			for range inner {
			}
			<-errCh
			return n, domain.NewChatError(domain.KindCancelled, 0, "", ctx.Err())
		}
	}
	return n, <-errCh
}

// failoverEligible reports whether err means the endpoint itself is unusable:
// a transport failure, a 5xx or a rate limit.
func failoverEligible(err error) bool {
	var ce *domain.ChatError
	if !errors.As(err, &ce) {
		return false
	}
	switch ce.Kind {
	case domain.KindInvalidResponse:
		return true
	case domain.KindInvalidStatusCode:
		return ce.StatusCode >= 500 || ce.StatusCode == http.StatusTooManyRequests
	default:
		return false
	}
}
