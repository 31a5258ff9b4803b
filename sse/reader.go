package sse

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

const maxFrameBytes = 4 * 1024 * 1024

// Frame is one decoded event.
type Frame struct {
	Event string
	ID    string
	Data  []byte
}

// Decode unmarshals the frame's data.
func (f Frame) Decode(v interface{}) error {
	if err := json.Unmarshal(f.Data, v); err != nil {
		return fmt.Errorf("sse: decode frame: %w", err)
	}
	return nil
}

// Reader decodes frames from an event stream.
type Reader struct {
	scanner *bufio.Scanner
}

// NewReader creates a reader over source.
func NewReader(source io.Reader) *Reader {
	scanner := bufio.NewScanner(source)
	scanner.Buffer(make([]byte, 0, 4096), maxFrameBytes)
	return &Reader{scanner: scanner}
}

// Next returns the next frame that carries data. Comment lines are skipped
// and multi-line data is joined with newlines. It returns io.EOF at the end
// of the stream.
func (r *Reader) Next() (Frame, error) {
	var (
		frame   Frame
		data    []string
		hasData bool
	)
	for r.scanner.Scan() {
		line := r.scanner.Text()
		if line == "" {
			if hasData {
				frame.Data = []byte(strings.Join(data, "\n"))
				return frame, nil
			}
			frame = Frame{}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "data":
			data = append(data, value)
			hasData = true
		case "event":
			frame.Event = value
		case "id":
			frame.ID = value
		}
	}

	if err := r.scanner.Err(); err != nil {
		return Frame{}, err
	}
	// A final frame without its blank line still counts
	if hasData {
		frame.Data = []byte(strings.Join(data, "\n"))
		return frame, nil
	}
	return Frame{}, io.EOF
}
