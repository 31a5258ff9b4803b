// Turn state machine.
//
// Information Hiding:
// - Allowed transitions hidden behind advance
// - Per-turn accumulators hidden from the caller

package agent

import (
	"fmt"
	"strings"

	"github.com/richinex/parley/llm"
	"github.com/richinex/parley/model"
)

// State is a turn's position in the orchestration loop.
type State int

const (
	// StateStreaming consumes one model response.
	StateStreaming State = iota
	// StateDispatching executes the tool calls of the latest response.
	StateDispatching
	// StateAwaitingGateway decides whether another model call may start.
	StateAwaitingGateway
	// StateTerminal ends a completed turn.
	StateTerminal
	// StateFailed ends a turn that stopped early.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateStreaming:
		return "streaming"
	case StateDispatching:
		return "dispatching"
	case StateAwaitingGateway:
		return "awaiting_gateway"
	case StateTerminal:
		return "terminal"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Done reports whether s ends the turn.
func (s State) Done() bool {
	return s == StateTerminal || s == StateFailed
}

var transitions = map[State][]State{
	StateStreaming:       {StateDispatching, StateTerminal, StateFailed},
	StateDispatching:     {StateAwaitingGateway, StateTerminal, StateFailed},
	StateAwaitingGateway: {StateStreaming, StateFailed},
}

// CanTransition reports whether the loop may move from one state to another.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// turnState is the working state of one turn. It is never persisted mid-flight.
type turnState struct {
	state   State
	history []llm.ChatMessage

	text        strings.Builder
	thoughts    strings.Builder
	passText    strings.Builder
	pending     []llm.ToolCall
	invocations []model.ToolInvocation
	attachments []model.Attachment
	messages    []model.Message

	roundTrips int
	usage      llm.TokenUsage
	gone       bool
	err        error
}

func newTurnState(history []llm.ChatMessage) *turnState {
	return &turnState{
		state:   StateStreaming,
		history: append([]llm.ChatMessage(nil), history...),
	}
}

// advance moves to the next state. An illegal transition is a programming
// error and fails the turn.
func (t *turnState) advance(to State) {
	if !CanTransition(t.state, to) {
		t.err = fmt.Errorf("illegal transition %s -> %s", t.state, to)
		t.state = StateFailed
		return
	}
	t.state = to
}

// fail records err and moves to StateFailed.
func (t *turnState) fail(err error) {
	t.err = err
	t.advance(StateFailed)
}

// appendText adds visible text to both the turn and the current pass.
func (t *turnState) appendText(s string) {
	t.text.WriteString(s)
	t.passText.WriteString(s)
}

// addUsage adds the final usage of one model call to the turn total.
func (t *turnState) addUsage(u *llm.TokenUsage) {
	if u == nil {
		return
	}
	t.usage.PromptTokens += u.PromptTokens
	t.usage.CompletionTokens += u.CompletionTokens
	t.usage.TotalTokens += u.TotalTokens
}

func (t *turnState) outcome() Outcome {
	return Outcome{
		State:           t.state,
		Text:            t.text.String(),
		Thoughts:        t.thoughts.String(),
		Attachments:     t.attachments,
		ToolInvocations: t.invocations,
		Messages:        t.messages,
		History:         t.history,
		RoundTrips:      t.roundTrips,
		Usage:           t.usage,
		Err:             t.err,
	}
}
