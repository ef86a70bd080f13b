// Package processor drives one chat turn through the provider stream and any
// tool-call round trips the model asks for.
package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/felipepmaragno/chat-gateway/internal/domain"
	"github.com/felipepmaragno/chat-gateway/internal/metrics"
	"github.com/felipepmaragno/chat-gateway/internal/notifications"
	"github.com/felipepmaragno/chat-gateway/internal/resilience"
	"github.com/felipepmaragno/chat-gateway/internal/telemetry"
)

type State string

const (
	StateReceiving       State = "receiving"
	StateToolCallPending State = "tool_call_pending"
	StateToolExecuting   State = "tool_executing"
	StateCompleted       State = "completed"
	StateFailed          State = "failed"
	StateCancelled       State = "cancelled"
)

// ErrGenerationFailed is returned when the provider ends a stream with an error finish reason.
var ErrGenerationFailed = errors.New("provider reported a generation error")

type PayloadBuilder interface {
	Build(rc *domain.AiRequestContext, tools []domain.PluginDefinition) (*domain.AiRequestPayload, error)
}

type Caller interface {
	Call(ctx context.Context, sessionID string, p *domain.AiRequestPayload, sink resilience.Sink) (*resilience.CallResult, error)
}

type ToolExecutor interface {
	Execute(ctx context.Context, pluginID string, args json.RawMessage) domain.PluginResult
}

// CallUsage is the token usage of one provider call.
type CallUsage struct {
	KeyID     string
	Usage     domain.Usage
	Estimated bool
}

type Result struct {
	State       State
	Transitions []State
	Text        string
	Thinking    string
	Finish      domain.FinishReason
	// Messages are the turns produced after the user message: assistant tool
	// requests, tool results and the final assistant answer.
	Messages   []domain.Message
	Calls      []CallUsage
	ToolRounds int
	Err        error
}

func (r *Result) transition(s State) {
	r.State = s
	r.Transitions = append(r.Transitions, s)
}

type Processor struct {
	builder   PayloadBuilder
	caller    Caller
	tools     ToolExecutor
	notifier  notifications.Notifier
	maxRounds int
}

func New(builder PayloadBuilder, caller Caller, tools ToolExecutor, notifier notifications.Notifier, maxToolRounds int) *Processor {
	if notifier == nil {
		notifier = notifications.Nop{}
	}
	if maxToolRounds <= 0 {
		maxToolRounds = 5
	}
	return &Processor{
		builder:   builder,
		caller:    caller,
		tools:     tools,
		notifier:  notifier,
		maxRounds: maxToolRounds,
	}
}

// Run executes the turn described by rc. It never returns a nil Result; the
// terminal state and error are on the Result.
func (p *Processor) Run(ctx context.Context, rc *domain.AiRequestContext) *Result {
	res := &Result{}
	res.transition(StateReceiving)

	sessionID := rc.ConversationID
	log := slog.With("session_id", sessionID, "provider", rc.Model.Provider, "model", rc.Model.ID)
	var text, thinking strings.Builder

	current := rc
	for {
		if ctx.Err() != nil {
			return p.cancel(res, &text, &thinking)
		}

		payload, err := p.builder.Build(current, current.Tools)
		if err != nil {
			return p.fail(res, &text, &thinking, fmt.Errorf("build payload: %w", err))
		}

		call := newCallState(ctx, p.notifier, sessionID)
		cres, err := p.caller.Call(ctx, sessionID, payload, call.sink)
		text.WriteString(call.text.String())
		thinking.WriteString(call.thinking.String())
		if cres != nil && (err == nil || cres.Delivered) {
			res.Calls = append(res.Calls, callUsage(current, cres, call))
		}

		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return p.cancel(res, &text, &thinking)
			}
			log.Error("provider call failed", "error", err)
			return p.fail(res, &text, &thinking, err)
		}

		res.Finish = call.finish
		calls := call.toolCalls()
		if len(calls) == 0 {
			if call.finish == domain.FinishError {
				return p.fail(res, &text, &thinking, ErrGenerationFailed)
			}
			res.Text = text.String()
			res.Thinking = thinking.String()
			res.Messages = append(res.Messages, domain.Message{
				Role:     domain.RoleAssistant,
				Text:     call.text.String(),
				Thinking: call.thinking.String(),
				Status:   domain.MessageComplete,
			})
			res.transition(StateCompleted)
			return res
		}

		res.transition(StateToolCallPending)
		if res.ToolRounds >= p.maxRounds {
			log.Warn("tool round limit reached", "rounds", res.ToolRounds)
			return p.fail(res, &text, &thinking, fmt.Errorf("%w: %d rounds", domain.ErrToolRoundLimit, p.maxRounds))
		}

		request := domain.Message{
			Role:              domain.RoleAssistant,
			Text:              call.text.String(),
			Thinking:          call.thinking.String(),
			ThinkingSignature: call.signature,
			ToolCalls:         calls,
			Status:            domain.MessageComplete,
		}
		res.Messages = append(res.Messages, request)

		res.transition(StateToolExecuting)
		res.ToolRounds++
		results, cancelled := p.execute(ctx, sessionID, res.ToolRounds, calls)
		res.Messages = append(res.Messages, results...)
		if cancelled {
			return p.cancel(res, &text, &thinking)
		}

		current = current.WithTurn(append([]domain.Message{request}, results...)...)
		res.transition(StateReceiving)
	}
}

// execute runs the calls sequentially and stops at the first one that finds ctx done.
func (p *Processor) execute(ctx context.Context, sessionID string, round int, calls []domain.ToolCall) ([]domain.Message, bool) {
	out := make([]domain.Message, 0, len(calls))
	for _, tc := range calls {
		if ctx.Err() != nil {
			return out, true
		}

		p.notifier.Send(ctx, notifications.Notification{
			Type:      notifications.NotificationToolCallStarted,
			SessionID: sessionID,
			Data:      map[string]any{"call_id": tc.ID, "plugin": tc.Name, "round": round},
		})

		spanCtx, span := telemetry.StartSpan(ctx, "plugin.execute")
		telemetry.AddToolAttributes(span, tc.Name, round)
		result := p.tools.Execute(spanCtx, tc.Name, tc.Arguments)
		span.End()

		status := "succeeded"
		if !result.OK() {
			status = "failed"
			slog.Warn("plugin failed", "session_id", sessionID, "plugin", tc.Name, "error", result.Error)
		}
		metrics.RecordToolCall(tc.Name, status)

		p.notifier.Send(ctx, notifications.Notification{
			Type:      notifications.NotificationToolCallFinished,
			SessionID: sessionID,
			Data:      map[string]any{"call_id": tc.ID, "plugin": tc.Name, "status": status},
		})

		out = append(out, domain.Message{
			Role: domain.RoleTool,
			ToolResult: &domain.ToolResult{
				CallID:  tc.ID,
				Name:    tc.Name,
				Content: result.Content(),
				IsError: !result.OK(),
			},
			Status: domain.MessageComplete,
		})
	}
	return out, false
}

func (p *Processor) fail(res *Result, text, thinking *strings.Builder, err error) *Result {
	res.Text = text.String()
	res.Thinking = thinking.String()
	res.Err = err
	res.transition(StateFailed)
	return res
}

func (p *Processor) cancel(res *Result, text, thinking *strings.Builder) *Result {
	res.Text = text.String()
	res.Thinking = thinking.String()
	res.Err = context.Canceled
	res.transition(StateCancelled)
	return res
}

func callUsage(rc *domain.AiRequestContext, cres *resilience.CallResult, call *callState) CallUsage {
	if cres.Usage != nil && !cres.Usage.IsZero() {
		return CallUsage{KeyID: cres.KeyID, Usage: *cres.Usage}
	}
	return CallUsage{
		KeyID: cres.KeyID,
		Usage: domain.Usage{
			InputTokens:  EstimateTokens(promptChars(rc)),
			OutputTokens: EstimateTokens(call.outputChars()),
		},
		Estimated: true,
	}
}

// EstimateTokens approximates a token count at four characters per token.
func EstimateTokens(chars int) int {
	if chars <= 0 {
		return 0
	}
	return (chars + 3) / 4
}

func promptChars(rc *domain.AiRequestContext) int {
	n := len(rc.System)
	for _, m := range rc.Messages {
		n += len(m.Text)
		for _, tc := range m.ToolCalls {
			n += len(tc.Name) + len(tc.Arguments)
		}
		if m.ToolResult != nil {
			n += len(m.ToolResult.Content)
		}
	}
	return n
}
