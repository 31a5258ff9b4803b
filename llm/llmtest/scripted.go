// Package llmtest provides a deterministic llm.Provider for tests.
package llmtest

import (
	"context"
	"fmt"
	"iter"
	"sync"

	"github.com/richinex/parley/llm"
)

// Turn configures one gateway call in a scripted sequence.
// Chunks are yielded in order; Err, if set, is yielded after them.
type Turn struct {
	Chunks []llm.Chunk
	Err    error
	// Hold blocks after the chunks until the call's context is done.
	Hold bool
}

// Request records what a scripted call was asked.
type Request struct {
	Messages []llm.ChatMessage
	Tools    []llm.ToolDefinition
}

// ScriptedProvider replays Turns, one per Stream call.
type ScriptedProvider struct {
	mu       sync.Mutex
	index    int
	turns    []Turn
	requests []Request
}

// NewScriptedProvider creates a provider that replays turns in order.
func NewScriptedProvider(turns ...Turn) *ScriptedProvider {
	cloned := make([]Turn, len(turns))
	copy(cloned, turns)
	return &ScriptedProvider{turns: cloned}
}

var _ llm.Provider = (*ScriptedProvider)(nil)

func (p *ScriptedProvider) Name() string  { return "scripted" }
func (p *ScriptedProvider) Model() string { return "scripted-1" }

// Stream yields the next scripted turn.
func (p *ScriptedProvider) Stream(ctx context.Context, messages []llm.ChatMessage, tools []llm.ToolDefinition) iter.Seq2[llm.Chunk, error] {
	p.mu.Lock()
	p.requests = append(p.requests, Request{
		Messages: append([]llm.ChatMessage(nil), messages...),
		Tools:    append([]llm.ToolDefinition(nil), tools...),
	})
	if p.index >= len(p.turns) {
		step := p.index + 1
		p.mu.Unlock()
		return func(yield func(llm.Chunk, error) bool) {
			yield(llm.Chunk{}, fmt.Errorf("script exhausted at step %d", step))
		}
	}
	turn := p.turns[p.index]
	p.index++
	p.mu.Unlock()

	return func(yield func(llm.Chunk, error) bool) {
		for _, chunk := range turn.Chunks {
			if ctx.Err() != nil {
				yield(llm.Chunk{}, ctx.Err())
				return
			}
			if !yield(chunk, nil) {
				return
			}
		}
		if turn.Hold {
			<-ctx.Done()
			yield(llm.Chunk{}, ctx.Err())
			return
		}
		if turn.Err != nil {
			yield(llm.Chunk{}, turn.Err)
		}
	}
}

// Calls returns how many Stream calls were made.
func (p *ScriptedProvider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

// Requests returns a copy of every recorded request.
func (p *ScriptedProvider) Requests() []Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Request(nil), p.requests...)
}

// Text returns a chunk carrying visible text.
func Text(s string) llm.Chunk {
	return llm.Chunk{Fragments: []llm.Fragment{{Text: s}}}
}

// Thought returns a chunk carrying reasoning text.
func Thought(s string) llm.Chunk {
	return llm.Chunk{Fragments: []llm.Fragment{{Text: s, IsThought: true}}}
}

// Call returns a chunk carrying one tool call with the given JSON arguments.
func Call(name, args string) llm.Chunk {
	return llm.Chunk{ToolCalls: []llm.ToolCall{{Name: name, Arguments: []byte(args)}}}
}
