// Turn orchestration loop.
//
// This is the one place a chat turn is driven: stream a model response,
// dispatch the tool calls it requests, feed the results back and repeat.
//
// Information Hiding:
// - Loop states and transitions hidden
// - Tool call correlation IDs hidden
// - Client disconnect handling hidden
// - Display block rendering hidden

package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/richinex/parley/internal/jsonutil"
	"github.com/richinex/parley/llm"
	"github.com/richinex/parley/model"
	"github.com/richinex/parley/tools"
)

var (
	errSkippedAfterTerminal = errors.New("not executed: an earlier call in this pass ended the turn")
	errSkippedClientGone    = errors.New("not executed: client disconnected")
	errMalformedArguments   = errors.New("not executed: arguments are not a JSON object")
)

// Orchestrator runs turns against one model gateway.
// It holds no per-turn state and is safe for concurrent use.
type Orchestrator struct {
	client *llm.Client
	config Config
	logger *zap.Logger
}

// New creates an orchestrator.
func New(client *llm.Client, config Config) *Orchestrator {
	return &Orchestrator{
		client: client,
		config: config,
		logger: config.logger(),
	}
}

// Config returns the orchestrator configuration.
func (o *Orchestrator) Config() Config {
	return o.config
}

// Run drives one turn to completion and returns what it produced.
//
// Events are emitted in order through events. An Emit error or a cancelled
// ctx means the client is gone: forwarding stops, the tool already running
// finishes, no further model call is made, and the partial outcome is returned
// for persistence.
func (o *Orchestrator) Run(ctx context.Context, turn Turn, registry *tools.Registry, events EventSink) Outcome {
	start := time.Now()
	if registry == nil {
		registry = tools.NewRegistry()
	}
	definitions := registry.Definitions()
	st := newTurnState(turn.History)

	for !st.state.Done() {
		switch st.state {
		case StateStreaming:
			o.stream(ctx, st, definitions, events)
		case StateDispatching:
			o.dispatch(ctx, st, registry, events)
		case StateAwaitingGateway:
			o.await(ctx, st, events)
		}
	}

	outcome := st.outcome()
	outcome.Duration = time.Since(start)
	o.logger.Info("turn finished",
		zap.String("chat_id", turn.ChatID),
		zap.String("user_id", turn.UserID),
		zap.Stringer("state", outcome.State),
		zap.Int("round_trips", outcome.RoundTrips),
		zap.Int("tool_calls", len(outcome.ToolInvocations)),
		zap.Uint32("total_tokens", outcome.Usage.TotalTokens),
		zap.Int64("duration_ms", outcome.Duration.Milliseconds()),
		zap.Error(outcome.Err))
	return outcome
}

// stream consumes one model response.
func (o *Orchestrator) stream(ctx context.Context, st *turnState, definitions []llm.ToolDefinition, events EventSink) {
	st.roundTrips++
	st.passText.Reset()
	st.pending = nil

	var passUsage *llm.TokenUsage
	defer func() { st.addUsage(passUsage) }()

	for chunk, err := range o.client.Stream(ctx, st.history, definitions) {
		if err != nil {
			if st.gone || ctx.Err() != nil {
				st.fail(o.goneErr(ctx))
				return
			}
			wrapped := fmt.Errorf("%w: %v", ErrGateway, err)
			o.logger.Warn("gateway stream failed",
				zap.String("provider", o.client.Provider().Name()),
				zap.Int("round_trip", st.roundTrips),
				zap.Error(err))
			o.emit(ctx, st, events, ErrorEvent(wrapped))
			st.fail(wrapped)
			return
		}

		for _, fragment := range chunk.Fragments {
			if fragment.Text == "" {
				continue
			}
			if fragment.IsThought {
				st.thoughts.WriteString(fragment.Text)
				o.emit(ctx, st, events, thoughtEvent(fragment.Text))
				continue
			}
			st.appendText(fragment.Text)
			o.emit(ctx, st, events, responseEvent(fragment.Text))
		}
		st.pending = append(st.pending, chunk.ToolCalls...)
		if chunk.Usage != nil {
			passUsage = chunk.Usage
		}

		// Abandon the model call once nobody is listening
		if st.gone {
			st.fail(o.goneErr(ctx))
			return
		}
	}

	if len(st.pending) == 0 {
		st.advance(StateTerminal)
		return
	}
	st.advance(StateDispatching)
}

// dispatch executes the pending tool calls sequentially, in the order the
// model issued them, and appends one model entry and one result entry to the
// history. Every call gets exactly one result; calls skipped after a terminal
// result or a disconnect get a failure result and no tool-start event.
func (o *Orchestrator) dispatch(ctx context.Context, st *turnState, registry *tools.Registry, events EventSink) {
	passText := st.passText.String()

	calls := make([]llm.ToolCall, len(st.pending))
	invocations := make([]model.ToolInvocation, len(st.pending))
	malformed := make([]bool, len(st.pending))
	for i, call := range st.pending {
		args, ok := jsonutil.Arguments(call.Arguments)
		malformed[i] = !ok
		invocation := model.NewToolInvocation(call.Name, args)
		call.ID = invocation.ID
		call.Arguments = invocation.Arguments
		calls[i] = call
		invocations[i] = invocation
	}
	st.pending = nil
	st.invocations = append(st.invocations, invocations...)

	responses := make([]llm.ToolResponse, 0, len(invocations))
	outcomes := make([]model.ToolOutcome, 0, len(invocations))
	terminal := false

	for i, invocation := range invocations {
		var result tools.Result
		switch {
		case terminal:
			result = tools.Failure{Err: errSkippedAfterTerminal}
		case st.gone || ctx.Err() != nil:
			result = tools.Failure{Err: errSkippedClientGone}
		case malformed[i]:
			result = tools.Failure{Err: errMalformedArguments}
		default:
			o.emit(ctx, st, events, toolStartEvent(invocation.Name))
			result = o.execute(ctx, registry, invocation)
			terminal = o.render(ctx, st, events, result)
		}
		responses = append(responses, toolResponse(invocation, result))
		outcomes = append(outcomes, toolOutcome(invocation, result))
	}

	st.history = append(st.history,
		llm.ModelMessage(passText, calls...),
		llm.ToolResultsMessage(responses...))

	modelEntry := model.NewMessage(model.RoleModel, passText)
	modelEntry.ToolCalls = invocations
	toolEntry := model.NewMessage(model.RoleTool, "")
	toolEntry.ToolResults = outcomes
	st.messages = append(st.messages, modelEntry, toolEntry)

	if terminal {
		st.advance(StateTerminal)
		return
	}
	st.advance(StateAwaitingGateway)
}

// execute runs one invocation. The tool keeps running if the client
// disconnects; the executor's per-call timeout still bounds it.
func (o *Orchestrator) execute(ctx context.Context, registry *tools.Registry, invocation model.ToolInvocation) tools.Result {
	start := time.Now()
	result := registry.Execute(context.WithoutCancel(ctx), invocation.Name, invocation.Arguments)

	fields := []zap.Field{
		zap.String("tool", invocation.Name),
		zap.String("call_id", invocation.ID),
		zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		zap.Bool("success", result.Success()),
	}
	if failure, ok := tools.AsFailure(result); ok {
		fields = append(fields, zap.String("error", failure.Error()))
	}
	o.logger.Info("tool executed", fields...)
	return result
}

// render streams display output for a result and reports whether the
// result ends the turn.
func (o *Orchestrator) render(ctx context.Context, st *turnState, events EventSink, result tools.Result) bool {
	switch r := result.(type) {
	case tools.Generic:
		if r.Block != "" {
			o.respond(ctx, st, events, renderBlock(r.Block, r.Data))
		}
	case tools.DataBlock:
		o.respond(ctx, st, events, renderBlock(r.Block, r.Data))
	case tools.Image:
		st.attachments = append(st.attachments, r.Attachment)
		o.respond(ctx, st, events, renderImage(r))
	}
	return tools.Terminal(result)
}

// await decides whether the turn may call the model again.
func (o *Orchestrator) await(ctx context.Context, st *turnState, events EventSink) {
	limit := o.config.maxRoundTrips()
	switch {
	case st.gone || ctx.Err() != nil:
		st.fail(o.goneErr(ctx))
	case st.roundTrips >= limit:
		err := fmt.Errorf("%w after %d model calls", ErrRoundTripLimit, limit)
		o.emit(ctx, st, events, ErrorEvent(err))
		st.fail(err)
	default:
		st.advance(StateStreaming)
	}
}

// respond appends text produced by the orchestrator rather than the model.
func (o *Orchestrator) respond(ctx context.Context, st *turnState, events EventSink, text string) {
	st.text.WriteString(text)
	o.emit(ctx, st, events, responseEvent(text))
}

// emit forwards an event unless the client is already gone.
func (o *Orchestrator) emit(ctx context.Context, st *turnState, events EventSink, event Event) {
	if st.gone || events == nil {
		return
	}
	if err := events.Emit(ctx, event); err != nil {
		st.gone = true
		o.logger.Debug("client gone, no longer forwarding", zap.Error(err))
	}
}

func (o *Orchestrator) goneErr(ctx context.Context) error {
	if cause := context.Cause(ctx); cause != nil {
		return fmt.Errorf("%w: %v", ErrClientGone, cause)
	}
	return ErrClientGone
}

func toolResponse(invocation model.ToolInvocation, result tools.Result) llm.ToolResponse {
	return llm.ToolResponse{
		CallID:  invocation.ID,
		Name:    invocation.Name,
		Payload: tools.Payload(result),
		IsError: !result.Success(),
	}
}

func toolOutcome(invocation model.ToolInvocation, result tools.Result) model.ToolOutcome {
	outcome := model.ToolOutcome{ToolCallID: invocation.ID, Name: invocation.Name}
	if failure, ok := tools.AsFailure(result); ok {
		outcome.Error = failure.Error()
		return outcome
	}
	outcome.Result = tools.Payload(result)
	return outcome
}
