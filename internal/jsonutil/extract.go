// Package jsonutil recovers JSON from model output.
//
// Models sometimes wrap JSON in markdown fences or surround it with prose,
// both in tool call arguments and in text returned by external tools.
package jsonutil

import (
	"bytes"
	"encoding/json"
	"strings"
)

var emptyObject = json.RawMessage(`{}`)

// Arguments returns raw as a compact JSON object.
//
// Empty input is the empty object. A fenced or embedded object is extracted.
// ok is false when no object can be recovered, in which case the empty
// object is returned so the value is always safe to marshal.
func Arguments(raw []byte) (json.RawMessage, bool) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return emptyObject, true
	}
	if object, ok := compactObject(trimmed); ok {
		return object, true
	}

	text := stripFence(string(trimmed))
	if object, ok := compactObject([]byte(text)); ok {
		return object, true
	}
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start != -1 && end > start {
		if object, ok := compactObject([]byte(text[start : end+1])); ok {
			return object, true
		}
	}
	return emptyObject, false
}

// Decode parses text that is JSON, possibly inside a markdown fence.
// Prose around JSON is not stripped: such text is not data.
func Decode(text string) (interface{}, bool) {
	var v interface{}
	if err := json.Unmarshal([]byte(text), &v); err == nil {
		return v, true
	}
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "```") {
		return nil, false
	}
	if err := json.Unmarshal([]byte(stripFence(trimmed)), &v); err != nil {
		return nil, false
	}
	return v, true
}

func compactObject(data []byte) (json.RawMessage, bool) {
	if len(data) == 0 || data[0] != '{' || !json.Valid(data) {
		return nil, false
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, data); err != nil {
		return nil, false
	}
	return json.RawMessage(buf.Bytes()), true
}

// stripFence removes a leading ``` or ```json line and a trailing ```.
func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimPrefix(s, "json")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
