// Package sse decodes server-sent-event responses from the agent
// orchestrator into discrete JSON frames.
package sse

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

const dataPrefix = "data: "

// FrameError reports a completed data line whose payload is not valid JSON.
// Truncated payloads (the stream closed mid-frame) are not frame errors.
type FrameError struct {
	Line string
	Err  error
}

func (e *FrameError) Error() string {
	return fmt.Sprintf("malformed frame %q: %v", trimForError(e.Line), e.Err)
}

func (e *FrameError) Unwrap() error { return e.Err }

// Decoder reads an SSE body incrementally and yields one JSON payload per
// complete "data: {...}" line. Lines without the data prefix (comments,
// keep-alives) are discarded. The trailing fragment after the last newline is
// carried over and never parsed until its newline arrives.
type Decoder struct {
	r       io.Reader
	carry   string
	pending []string
	readBuf []byte
	eof     bool
}

// NewDecoder creates a Decoder over an SSE response body.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{
		r:       r,
		readBuf: make([]byte, 4096),
	}
}

// Next returns the next decoded frame payload. It returns io.EOF when the
// underlying stream is exhausted. A payload that parses as truncated JSON is
// skipped silently: it is the expected shape of a final frame cut off by the
// stream closing. Any other parse failure returns a *FrameError.
func (d *Decoder) Next() (json.RawMessage, error) {
	for {
		for len(d.pending) > 0 {
			line := d.pending[0]
			d.pending = d.pending[1:]

			payload, err := decodeLine(line)
			if err != nil {
				return nil, err
			}
			if payload != nil {
				return payload, nil
			}
		}

		if d.eof {
			return nil, io.EOF
		}
		if err := d.fill(); err != nil {
			return nil, err
		}
	}
}

// fill reads one chunk and splits the carry buffer on newlines.
func (d *Decoder) fill() error {
	n, err := d.r.Read(d.readBuf)
	if n > 0 {
		d.carry += string(d.readBuf[:n])
		parts := strings.Split(d.carry, "\n")
		d.carry = parts[len(parts)-1]
		d.pending = append(d.pending, parts[:len(parts)-1]...)
	}
	if err != nil {
		if !errors.Is(err, io.EOF) {
			return fmt.Errorf("read stream: %w", err)
		}
		d.eof = true
		// A final fragment without a newline is still a complete line once
		// the stream closes.
		if d.carry != "" {
			d.pending = append(d.pending, d.carry)
			d.carry = ""
		}
	}
	return nil
}

// decodeLine classifies one complete line. It returns (nil, nil) for lines to
// discard: non-data lines and truncated final frames.
func decodeLine(line string) (json.RawMessage, error) {
	line = strings.TrimSuffix(line, "\r")
	if !strings.HasPrefix(line, dataPrefix) {
		return nil, nil
	}
	payload := strings.TrimPrefix(line, dataPrefix)

	var probe any
	if err := json.Unmarshal([]byte(payload), &probe); err != nil {
		if isTruncated(err) {
			return nil, nil
		}
		return nil, &FrameError{Line: line, Err: err}
	}
	return json.RawMessage(payload), nil
}

// isTruncated reports whether a JSON parse failure has the shape produced by
// a stream closing mid-frame.
func isTruncated(err error) bool {
	var syn *json.SyntaxError
	if errors.As(err, &syn) {
		return strings.Contains(syn.Error(), "unexpected end of JSON input")
	}
	return errors.Is(err, io.ErrUnexpectedEOF)
}

func trimForError(s string) string {
	if len(s) <= 120 {
		return s
	}
	return s[:117] + "..."
}
