package tools

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/richinex/parley/model"
)

func decodePayload(t *testing.T, r Result) map[string]interface{} {
	t.Helper()
	var payload map[string]interface{}
	if err := json.Unmarshal(Payload(r), &payload); err != nil {
		t.Fatalf("payload is not a JSON object: %v", err)
	}
	return payload
}

func TestResultPayloads(t *testing.T) {
	tests := []struct {
		name        string
		result      Result
		wantSuccess bool
		wantKey     string
		terminal    bool
	}{
		{"generic object", Generic{Data: map[string]int{"temp": 21}}, true, "temp", false},
		{"generic scalar", Generic{Data: 42}, true, "result", false},
		{"generic raw json", Generic{Data: json.RawMessage(`{"hourly":[]}`), Block: "weather"}, true, "hourly", false},
		{"data block", DataBlock{Block: "stock-quote", Data: json.RawMessage(`{"price":1}`)}, true, "block", true},
		{"image", Image{Attachment: model.Attachment{URL: "https://img/x.png", Name: "x.png"}}, true, "image", true},
		{"failure", Failure{Err: errors.New("boom")}, false, "error", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload := decodePayload(t, tt.result)
			if payload["success"] != tt.wantSuccess {
				t.Errorf("success = %v, want %v", payload["success"], tt.wantSuccess)
			}
			if _, ok := payload[tt.wantKey]; !ok {
				t.Errorf("payload missing %q: %v", tt.wantKey, payload)
			}
			if Terminal(tt.result) != tt.terminal {
				t.Errorf("Terminal() = %v, want %v", Terminal(tt.result), tt.terminal)
			}
		})
	}
}

func TestImagePayloadOmitsInlineData(t *testing.T) {
	r := Image{Attachment: model.Attachment{URL: "data:image/png;base64,AAAA", Name: "gen.png", ContentType: "image/png"}}

	if strings.Contains(string(Payload(r)), "base64") {
		t.Errorf("inline image data leaked into payload: %s", Payload(r))
	}
}

func TestFailureNilError(t *testing.T) {
	payload := decodePayload(t, Failure{})
	if payload["error"] != "unknown error" {
		t.Errorf("error = %v", payload["error"])
	}
}
