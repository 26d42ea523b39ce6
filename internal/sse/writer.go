package sse

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// Writer emits data lines on an HTTP response, flushing after each one.
type Writer struct {
	w       io.Writer
	flusher http.Flusher
}

// NewWriter sets the event-stream headers on rw. It returns an error when the
// response cannot be flushed incrementally.
func NewWriter(rw http.ResponseWriter) (*Writer, error) {
	flusher, ok := rw.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("sse: streaming not supported")
	}
	rw.Header().Set("Content-Type", "text/event-stream")
	rw.Header().Set("Cache-Control", "no-cache")
	rw.Header().Set("Connection", "keep-alive")
	return &Writer{w: rw, flusher: flusher}, nil
}

// Data marshals v and writes it as one data line.
func (s *Writer) Data(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.Raw(string(data))
}

// Raw writes payload verbatim after the data prefix.
func (s *Writer) Raw(payload string) error {
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", payload); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// Comment writes an SSE comment line, used as a keep-alive.
func (s *Writer) Comment(text string) error {
	if _, err := fmt.Fprintf(s.w, ": %s\n\n", text); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}
