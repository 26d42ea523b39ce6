package provider

import (
	"net"
	"net/http"
	"time"
)

const defaultTimeout = 60 * time.Second

func newTransport(headerTimeout time.Duration) *http.Transport {
	return &http.Transport{
		MaxIdleConns:        20,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: headerTimeout,
		ExpectContinueTimeout: 1 * time.Second,
	}
}

// SharedHTTPClient returns a pooled client whose timeout covers the whole
// exchange. Use it for short request/response calls.
func SharedHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: newTransport(timeout),
	}
}

// StreamingHTTPClient returns a pooled client for long-lived streams. The
// timeout bounds connection setup and response headers only, so a stream that
// keeps producing lines is never cut off; the request context ends it.
func StreamingHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &http.Client{Transport: newTransport(timeout)}
}
