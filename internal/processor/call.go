package processor

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/felipepmaragno/chat-gateway/internal/domain"
	"github.com/felipepmaragno/chat-gateway/internal/notifications"
)

// callState accumulates the chunks of one provider call.
type callState struct {
	ctx       context.Context
	notifier  notifications.Notifier
	sessionID string

	text      strings.Builder
	thinking  strings.Builder
	signature string
	finish    domain.FinishReason

	order []string
	calls map[string]*pendingCall
}

type pendingCall struct {
	name string
	args strings.Builder
}

func newCallState(ctx context.Context, notifier notifications.Notifier, sessionID string) *callState {
	return &callState{
		ctx:       ctx,
		notifier:  notifier,
		sessionID: sessionID,
		calls:     make(map[string]*pendingCall),
	}
}

// sink is handed to the caller; returning ctx.Err() stops stream consumption.
func (c *callState) sink(chunk domain.StreamChunk) error {
	if err := c.ctx.Err(); err != nil {
		return err
	}

	switch chunk.Type {
	case domain.ChunkText:
		c.text.WriteString(chunk.Text)
		c.publish(chunk.Text, "text")
	case domain.ChunkThinking:
		if chunk.Signature != "" {
			c.signature = chunk.Signature
		}
		if chunk.Text != "" {
			c.thinking.WriteString(chunk.Text)
			c.publish(chunk.Text, "thinking")
		}
	case domain.ChunkToolCall:
		c.accumulate(chunk.ToolCall)
	case domain.ChunkFinish:
		c.finish = chunk.FinishReason
	}
	return nil
}

func (c *callState) publish(text, kind string) {
	c.notifier.Send(c.ctx, notifications.Notification{
		Type:      notifications.NotificationChunkReceived,
		SessionID: c.sessionID,
		Message:   text,
		Data:      map[string]any{"kind": kind},
	})
}

func (c *callState) accumulate(d *domain.ToolCallDelta) {
	if d == nil {
		return
	}
	id := d.ID
	if id == "" && len(c.order) > 0 {
		id = c.order[len(c.order)-1]
	}
	pc, ok := c.calls[id]
	if !ok {
		pc = &pendingCall{}
		c.calls[id] = pc
		c.order = append(c.order, id)
	}
	if d.Name != "" {
		pc.name = d.Name
	}
	pc.args.WriteString(d.ArgumentsDelta)
}

// toolCalls returns the completed calls in first-seen order.
func (c *callState) toolCalls() []domain.ToolCall {
	out := make([]domain.ToolCall, 0, len(c.order))
	for _, id := range c.order {
		pc := c.calls[id]
		args := strings.TrimSpace(pc.args.String())
		if args == "" {
			args = "{}"
		} else if !json.Valid([]byte(args)) {
			slog.Warn("discarding malformed tool arguments", "session_id", c.sessionID, "call_id", id, "plugin", pc.name)
			args = "{}"
		}
		out = append(out, domain.ToolCall{ID: id, Name: pc.name, Arguments: json.RawMessage(args)})
	}
	return out
}

func (c *callState) outputChars() int {
	n := c.text.Len() + c.thinking.Len()
	for _, pc := range c.calls {
		n += len(pc.name) + pc.args.Len()
	}
	return n
}
