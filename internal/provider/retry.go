package provider

import (
	"context"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"strconv"
	"time"
)

const maxRetryAfter = 10 * time.Second

// retryBackoff returns the wait before the given retry attempt (1-based).
var retryBackoff = func(attempt int) time.Duration {
	base := time.Duration(attempt*attempt) * 500 * time.Millisecond
	jitter := time.Duration(rand.Int63n(int64(base/2 + 1)))
	return base + jitter
}

// getter issues authenticated GET requests. Transport errors, 429 and 5xx
// are retried up to retries times; the last response is returned as is so
// the caller can report its status.
type getter struct {
	client  *http.Client
	apiKey  string
	retries int
	logger  *slog.Logger
}

func (g *getter) get(ctx context.Context, url string) (*http.Response, error) {
	for attempt := 0; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+g.apiKey)

		resp, err := g.client.Do(req)
		if attempt >= g.retries || !transient(resp, err) {
			return resp, err
		}

		wait := retryBackoff(attempt + 1)
		if err != nil {
			g.logger.Warn("request failed, will retry", "attempt", attempt+1, "err", err)
		} else {
			if d, ok := retryAfter(resp); ok {
				wait = d
			}
			g.logger.Warn("server busy, will retry", "attempt", attempt+1, "status", resp.StatusCode)
			_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
			resp.Body.Close()
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
}

func transient(resp *http.Response, err error) bool {
	if err != nil {
		return true
	}
	return resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests
}

// retryAfter reads a Retry-After header given in seconds.
func retryAfter(resp *http.Response) (time.Duration, bool) {
	secs, err := strconv.Atoi(resp.Header.Get("Retry-After"))
	if err != nil || secs < 0 {
		return 0, false
	}
	return min(time.Duration(secs)*time.Second, maxRetryAfter), true
}
