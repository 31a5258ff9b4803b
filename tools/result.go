package tools

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/richinex/parley/model"
)

// Result is the outcome of one tool execution.
// The concrete type decides how a turn treats it: Generic results go back to
// the model, DataBlock and Image results end the turn, Failure results go back
// to the model as an error payload.
//
// Every variant marshals to the model-facing payload {"success": bool, ...}.
type Result interface {
	json.Marshaler
	Success() bool
	isResult()
}

// Generic is an ordinary successful result.
// Block, when set, names a fenced display block the payload is rendered into
// before the turn continues.
type Generic struct {
	Data  interface{}
	Block string
}

// DataBlock is structured data rendered directly to the user as a fenced block.
// It ends the turn.
type DataBlock struct {
	Block string
	Data  interface{}
}

// Image is a generated image delivered as an attachment. It ends the turn.
type Image struct {
	Attachment    model.Attachment
	RevisedPrompt string
}

// Failure is a failed execution. It is reported to the model, never raised.
type Failure struct {
	Err error
}

func (Generic) isResult()   {}
func (DataBlock) isResult() {}
func (Image) isResult()     {}
func (Failure) isResult()   {}

func (Generic) Success() bool   { return true }
func (DataBlock) Success() bool { return true }
func (Image) Success() bool     { return true }
func (Failure) Success() bool   { return false }

// MarshalJSON flattens object data into the payload; other data goes under "result".
func (r Generic) MarshalJSON() ([]byte, error) {
	return successPayload(r.Data, nil)
}

// MarshalJSON flattens object data into the payload and records the block name.
func (r DataBlock) MarshalJSON() ([]byte, error) {
	return successPayload(r.Data, map[string]interface{}{"block": r.Block})
}

// MarshalJSON describes the image. Inline data URLs are omitted from the payload.
func (r Image) MarshalJSON() ([]byte, error) {
	image := map[string]interface{}{
		"name":        r.Attachment.Name,
		"contentType": r.Attachment.ContentType,
	}
	if !strings.HasPrefix(r.Attachment.URL, "data:") {
		image["url"] = r.Attachment.URL
	}
	extra := map[string]interface{}{"image": image}
	if r.RevisedPrompt != "" {
		extra["revisedPrompt"] = r.RevisedPrompt
	}
	return successPayload(nil, extra)
}

// MarshalJSON produces {"success": false, "error": "..."}.
func (r Failure) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Success bool   `json:"success"`
		Error   string `json:"error"`
	}{
		Success: false,
		Error:   r.Error(),
	})
}

// Error returns the failure message.
func (r Failure) Error() string {
	if r.Err == nil {
		return "unknown error"
	}
	return r.Err.Error()
}

// Unwrap exposes the underlying error to errors.Is.
func (r Failure) Unwrap() error {
	return r.Err
}

// Fail creates a failure result with a formatted message.
func Fail(format string, args ...interface{}) Failure {
	return Failure{Err: fmt.Errorf(format, args...)}
}

// Terminal reports whether a result ends the turn without another model pass.
func Terminal(r Result) bool {
	switch r.(type) {
	case DataBlock, Image:
		return true
	default:
		return false
	}
}

// AsFailure returns the failure carried by r, if any.
func AsFailure(r Result) (Failure, bool) {
	f, ok := r.(Failure)
	return f, ok
}

// Payload marshals r, falling back to a failure payload if marshaling fails.
func Payload(r Result) json.RawMessage {
	data, err := json.Marshal(r)
	if err != nil {
		data, _ = json.Marshal(Failure{Err: fmt.Errorf("unencodable result: %w", err)})
	}
	return data
}

func successPayload(data interface{}, extra map[string]interface{}) ([]byte, error) {
	payload := map[string]json.RawMessage{}

	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(raw, &fields); err == nil && fields != nil {
			payload = fields
		} else {
			payload["result"] = raw
		}
	}

	for k, v := range extra {
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		payload[k] = raw
	}
	payload["success"] = json.RawMessage("true")
	return json.Marshal(payload)
}

// ErrUnknownTool is carried by the Failure returned for unregistered tool names.
var ErrUnknownTool = errors.New("unknown tool")
