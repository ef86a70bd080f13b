// Package gateway orchestrates chat turns: it loads the session, runs the
// stream processor, records usage and persists the outcome.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/felipepmaragno/chat-gateway/internal/accounting"
	"github.com/felipepmaragno/chat-gateway/internal/catalog"
	"github.com/felipepmaragno/chat-gateway/internal/domain"
	"github.com/felipepmaragno/chat-gateway/internal/metrics"
	"github.com/felipepmaragno/chat-gateway/internal/notifications"
	"github.com/felipepmaragno/chat-gateway/internal/processor"
	"github.com/felipepmaragno/chat-gateway/internal/repository"
	"github.com/felipepmaragno/chat-gateway/internal/telemetry"
)

// Caller is a provider call path that may pin a key per session.
type Caller interface {
	processor.Caller
	Release(sessionID string)
}

type ToolCatalog interface {
	Definitions(ids ...string) []domain.PluginDefinition
}

type Config struct {
	Catalog    *catalog.Catalog
	Chats      repository.ChatRepository
	Builder    processor.PayloadBuilder
	Caller     Caller
	Tools      ToolCatalog
	Executor   processor.ToolExecutor
	Accountant *accounting.Accountant
	Notifier   notifications.Notifier

	HistoryLimit  int
	MaxToolRounds int
}

// Turn is one user message submitted to a session.
type Turn struct {
	SessionID   string
	Text        string
	Attachments []domain.Attachment
	Generation  *domain.GenerationOptions
	// Tenant, when set, must own the session and be allowed its model.
	Tenant *domain.Tenant
}

type TurnResult struct {
	OperationID string
	SessionID   string
	State       processor.State
	Transitions []processor.State
	// Message is the final assistant message that was persisted.
	Message    domain.Message
	ToolRounds int
	Usage      domain.ChatTokenUsage
	Err        error
}

type Gateway struct {
	catalog      *catalog.Catalog
	chats        repository.ChatRepository
	caller       Caller
	tools        ToolCatalog
	accountant   *accounting.Accountant
	notifier     notifications.Notifier
	processor    *processor.Processor
	ops          *OperationManager
	historyLimit int

	// base outlives HTTP requests; StartTurn operations derive from it.
	base     context.Context
	stopBase context.CancelFunc
	wg       sync.WaitGroup
}

func New(cfg Config) *Gateway {
	notifier := cfg.Notifier
	if notifier == nil {
		notifier = notifications.Nop{}
	}
	base, stop := context.WithCancel(context.Background())

	return &Gateway{
		catalog:      cfg.Catalog,
		chats:        cfg.Chats,
		caller:       cfg.Caller,
		tools:        cfg.Tools,
		accountant:   cfg.Accountant,
		notifier:     notifier,
		processor:    processor.New(cfg.Builder, cfg.Caller, cfg.Executor, notifier, cfg.MaxToolRounds),
		ops:          NewOperationManager(),
		historyLimit: cfg.HistoryLimit,
		base:         base,
		stopBase:     stop,
	}
}

func (g *Gateway) Operations() *OperationManager {
	return g.ops
}

type preparedTurn struct {
	session *domain.ChatSession
	rc      *domain.AiRequestContext
}

// prepare runs everything up to the provider call. Its errors are
// configuration or lookup failures and are returned before any operation
// starts.
func (g *Gateway) prepare(ctx context.Context, turn Turn) (*preparedTurn, error) {
	if turn.Text == "" && len(turn.Attachments) == 0 {
		return nil, fmt.Errorf("%w: empty message", domain.ErrInvalidRequest)
	}

	session, err := g.chats.GetSession(ctx, turn.SessionID)
	if err != nil {
		return nil, err
	}
	if turn.Tenant != nil && session.TenantID != turn.Tenant.ID {
		return nil, domain.ErrSessionNotFound
	}

	model, err := g.catalog.Lookup(session.ModelID)
	if err != nil {
		return nil, err
	}
	if turn.Tenant != nil && !catalog.Allowed(turn.Tenant, model.ID) {
		return nil, domain.ErrModelNotAllowed
	}

	history, err := g.chats.History(ctx, session.ID, g.historyLimit)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}

	user, err := g.chats.AppendMessage(ctx, session.ID, domain.Message{
		Role:        domain.RoleUser,
		Text:        turn.Text,
		Attachments: turn.Attachments,
		Status:      domain.MessageComplete,
	})
	if err != nil {
		return nil, fmt.Errorf("persist user message: %w", err)
	}

	rc := &domain.AiRequestContext{
		ConversationID: session.ID,
		Messages:       append(history, user),
		Model:          model,
		Params:         session.Params,
		System:         session.System,
		Generation:     turn.Generation,
	}
	if len(session.Plugins) > 0 && model.Capabilities.Tools && g.tools != nil {
		rc.Tools = g.tools.Definitions(session.Plugins...)
	}

	return &preparedTurn{session: session, rc: rc}, nil
}

// RunTurn executes a turn and waits for it. Cancellation through ctx or Stop
// ends it in the cancelled state, which is not an error.
func (g *Gateway) RunTurn(ctx context.Context, turn Turn) (*TurnResult, error) {
	pt, err := g.prepare(ctx, turn)
	if err != nil {
		return nil, err
	}

	opCtx, op := g.ops.Register(ctx, pt.session.ID)
	res := g.execute(opCtx, op, pt)
	if res.State == processor.StateFailed {
		return res, res.Err
	}
	return res, nil
}

// StartTurn validates and persists the user message, then runs the turn in
// the background. It returns the operation id.
func (g *Gateway) StartTurn(ctx context.Context, turn Turn) (string, error) {
	pt, err := g.prepare(ctx, turn)
	if err != nil {
		return "", err
	}

	opCtx, op := g.ops.Register(g.base, pt.session.ID)
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		g.execute(opCtx, op, pt)
	}()
	return op.ID, nil
}

// Stop cancels the in-flight turn of sessionID. It reports whether one was
// running.
func (g *Gateway) Stop(sessionID string) bool {
	stopped := g.ops.Cancel(sessionID)
	if stopped {
		slog.Info("turn stop requested", "session_id", sessionID)
	}
	return stopped
}

// Shutdown waits for background turns until ctx is done, then cancels the rest.
func (g *Gateway) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		g.stopBase()
		return nil
	case <-ctx.Done():
		g.ops.CancelAll()
		g.stopBase()
		<-done
		return ctx.Err()
	}
}

func (g *Gateway) execute(ctx context.Context, op *Operation, pt *preparedTurn) *TurnResult {
	defer op.cancel()
	defer func() {
		// A newer turn on the session keeps its sticky key.
		if g.ops.Done(pt.session.ID, op.ID) {
			g.caller.Release(pt.session.ID)
		}
	}()

	session, model := pt.session, pt.rc.Model
	log := slog.With("session_id", session.ID, "operation_id", op.ID, "provider", model.Provider, "model", model.ID)

	ctx, span := telemetry.StartSpan(ctx, "gateway.turn")
	defer span.End()
	telemetry.AddTurnAttributes(span, session.TenantID, session.ID, model.Provider, model.ID)

	metrics.IncrementActiveStreams()
	defer metrics.DecrementActiveStreams()
	start := time.Now()

	pres := g.processor.Run(ctx, pt.rc)

	// Persistence and accounting happen even when the turn was cancelled.
	persistCtx := context.WithoutCancel(ctx)

	res := &TurnResult{
		OperationID: op.ID,
		SessionID:   session.ID,
		State:       pres.State,
		Transitions: pres.Transitions,
		ToolRounds:  pres.ToolRounds,
		Err:         pres.Err,
	}

	var in, out int
	for _, call := range pres.Calls {
		in += call.Usage.InputTokens
		out += call.Usage.OutputTokens
		if _, err := g.accountant.RecordCall(persistCtx, session.ID, model, call.Usage, call.Estimated); err != nil {
			log.Error("failed to record usage", "key_id", call.KeyID, "error", err)
		}
	}
	telemetry.AddTokenAttributes(span, in, out)

	res.Message = g.persist(persistCtx, log, session.ID, pres)

	usage, err := g.accountant.Get(persistCtx, session.ID)
	if err != nil {
		log.Warn("failed to read usage", "error", err)
	}
	res.Usage = usage
	telemetry.AddCostAttribute(span, usage.CostUSD)

	status := string(pres.State)
	ntype := notifications.NotificationStreamCompleted
	data := map[string]any{
		"operation_id": op.ID,
		"message_id":   res.Message.ID,
		"tool_rounds":  pres.ToolRounds,
	}
	switch pres.State {
	case processor.StateCancelled:
		ntype = notifications.NotificationStreamCancelled
		log.Info("turn cancelled", "partial_chars", len(res.Message.Text))
	case processor.StateFailed:
		ntype = notifications.NotificationStreamFailed
		data["error"] = failureText(pres.Err)
		telemetry.AddErrorAttribute(span, pres.Err)
		log.Error("turn failed", "error", pres.Err)
	default:
		log.Info("turn completed", "tool_rounds", pres.ToolRounds, "duration_ms", time.Since(start).Milliseconds())
	}

	g.publish(persistCtx, notifications.Notification{
		Type:      ntype,
		SessionID: session.ID,
		TenantID:  session.TenantID,
		Provider:  model.Provider,
		Data:      data,
	})
	metrics.RecordTurn(session.TenantID, model.Provider, model.ID, status, time.Since(start).Seconds())

	return res
}

// persist appends the messages the turn produced and returns the final
// assistant message.
func (g *Gateway) persist(ctx context.Context, log *slog.Logger, sessionID string, pres *processor.Result) domain.Message {
	msgs := pres.Messages
	var final domain.Message
	if pres.State == processor.StateCompleted && len(msgs) > 0 {
		final = msgs[len(msgs)-1]
		msgs = msgs[:len(msgs)-1]
	}

	for _, m := range msgs {
		if _, err := g.chats.AppendMessage(ctx, sessionID, m); err != nil {
			log.Error("failed to persist message", "role", m.Role, "error", err)
		}
	}

	switch pres.State {
	case processor.StateCancelled:
		text, thinking := unsaved(pres)
		if text == "" && thinking == "" {
			return domain.Message{}
		}
		final = domain.Message{Role: domain.RoleAssistant, Text: text, Thinking: thinking, Status: domain.MessagePartial}
	case processor.StateFailed:
		text, thinking := unsaved(pres)
		if text == "" {
			text = failureText(pres.Err)
		}
		final = domain.Message{Role: domain.RoleAssistant, Text: text, Thinking: thinking, Status: domain.MessageFailed}
	}
	if final.Role == "" {
		return final
	}

	saved, err := g.chats.AppendMessage(ctx, sessionID, final)
	if err != nil {
		log.Error("failed to persist assistant message", "status", final.Status, "error", err)
		return final
	}
	return saved
}

// unsaved returns the streamed output not already part of a persisted
// tool-request message.
func unsaved(pres *processor.Result) (string, string) {
	var textLen, thinkingLen int
	for _, m := range pres.Messages {
		if m.Role == domain.RoleAssistant {
			textLen += len(m.Text)
			thinkingLen += len(m.Thinking)
		}
	}
	text, thinking := pres.Text, pres.Thinking
	if textLen <= len(text) {
		text = text[textLen:]
	}
	if thinkingLen <= len(thinking) {
		thinking = thinking[thinkingLen:]
	}
	return text, thinking
}

// failureText is the session-visible description of a failed turn.
func failureText(err error) string {
	var pe *domain.ProviderError
	switch {
	case err == nil:
		return "The response could not be generated."
	case errors.Is(err, domain.ErrToolRoundLimit):
		return "The assistant made too many tool calls and was stopped."
	case errors.Is(err, domain.ErrPartialDelivery):
		return "The response was interrupted."
	case errors.Is(err, domain.ErrQuotaExceeded), errors.Is(err, domain.ErrNoKeyAvailable):
		return "The model is out of capacity right now. Please try again later."
	case errors.Is(err, domain.ErrCircuitBreakerOpen):
		return "The model provider is temporarily unavailable."
	case errors.Is(err, processor.ErrGenerationFailed):
		return "The model could not complete the response."
	case errors.As(err, &pe) && pe.Kind == domain.KindRateLimited:
		return "The model provider is busy. Please try again later."
	case errors.As(err, &pe) && pe.Kind == domain.KindTransient:
		return "The model provider did not respond. Please try again."
	default:
		return "The response could not be generated."
	}
}

func (g *Gateway) publish(ctx context.Context, n notifications.Notification) {
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now()
	}
	if err := g.notifier.Send(ctx, n); err != nil {
		slog.Warn("notification failed", "session_id", n.SessionID, "type", n.Type, "error", err)
	}
}
