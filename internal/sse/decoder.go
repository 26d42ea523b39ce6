// Package sse reads and writes the data lines of a server-sent-event body.
//
// The chat API sends one JSON document per "data:" line, so the decoder works
// line by line and never joins multi-line events.
package sse

import (
	"bufio"
	"context"
	"io"
	"strings"
)

const (
	DataPrefix   = "data:"
	DoneSentinel = "[DONE]"

	initialBufSize = 64 * 1024
	maxLineSize    = 1 << 20 // agent_log lines carry whole tool responses
)

// Decoder yields the payloads of qualifying data lines, one per call to Next.
type Decoder struct {
	scanner *bufio.Scanner
}

func NewDecoder(r io.Reader) *Decoder {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, initialBufSize), maxLineSize)
	return &Decoder{scanner: sc}
}

// Next returns the next data payload. Lines without the data prefix, empty
// payloads and the [DONE] sentinel are skipped. It returns io.EOF at the end
// of input and ctx.Err() if ctx is done before a line is read.
func (d *Decoder) Next(ctx context.Context) (string, error) {
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if !d.scanner.Scan() {
			if err := d.scanner.Err(); err != nil {
				return "", err
			}
			return "", io.EOF
		}
		if data, ok := ParseLine(d.scanner.Text()); ok {
			return data, nil
		}
	}
}

// ParseLine strips the data prefix from line. ok is false when the line does
// not carry a payload that should be forwarded.
func ParseLine(line string) (data string, ok bool) {
	if !strings.HasPrefix(line, DataPrefix) {
		return "", false
	}
	data = strings.TrimSpace(line[len(DataPrefix):])
	if data == "" || data == DoneSentinel {
		return "", false
	}
	return data, true
}
