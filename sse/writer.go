// Package sse encodes and decodes Server-Sent Events streams.
//
// Information Hiding:
// - Frame layout and flushing hidden
// - Write serialization hidden behind a mutex
package sse

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
)

// ErrClosed is returned by writes after Close.
var ErrClosed = errors.New("sse: stream closed")

// Writer writes one JSON document per event frame.
// Frames are written and flushed in call order.
type Writer struct {
	mu     sync.Mutex
	w      io.Writer
	flush  func()
	closed bool
}

// NewWriter prepares w for streaming: it sets the event-stream headers and
// sends the status line so the client sees the stream open immediately.
func NewWriter(w http.ResponseWriter) *Writer {
	headers := w.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Connection", "keep-alive")
	headers.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	var flushFn func()
	if f, ok := w.(http.Flusher); ok {
		flushFn = f.Flush
		flushFn()
	}
	return &Writer{w: w, flush: flushFn}
}

// NewStreamWriter writes frames to a plain writer, for tests and tooling.
func NewStreamWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// Send writes v as a "data: <json>\n\n" frame.
func (s *Writer) Send(v interface{}) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("sse: marshal payload: %w", err)
	}
	return s.write("data: " + string(body) + "\n\n")
}

// Comment writes a comment frame, which clients ignore. Useful as a keep-alive.
func (s *Writer) Comment(text string) error {
	text = strings.ReplaceAll(text, "\n", " ")
	return s.write(": " + text + "\n\n")
}

// Close marks the stream finished. It does not close the underlying writer.
// Closing twice is a no-op.
func (s *Writer) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

func (s *Writer) write(frame string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if _, err := io.WriteString(s.w, frame); err != nil {
		return fmt.Errorf("sse: write frame: %w", err)
	}
	if s.flush != nil {
		s.flush()
	}
	return nil
}
