// Package stream decodes provider responses into normalized chunks.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"

	"github.com/felipepmaragno/chat-gateway/internal/domain"
	"github.com/felipepmaragno/chat-gateway/internal/sse"
)

const maxBodySize = 64 * 1024 * 1024

// Parser decodes one response body. Every call owns its decoding state, so a
// Parser may be shared across concurrent calls.
//
// The chunk channel carries content and usage in arrival order followed by
// exactly one Finish chunk. A failure is sent on the error channel instead of
// the Finish chunk. Both channels are closed when decoding ends.
type Parser interface {
	Parse(ctx context.Context, r io.Reader) (<-chan domain.StreamChunk, <-chan error)
}

type Registry struct {
	parsers map[string]Parser
}

func NewRegistry() *Registry {
	compat := OpenAICompatible{}
	return &Registry{parsers: map[string]Parser{
		"openai":    compat,
		"deepseek":  compat,
		"grok":      compat,
		"qwen":      compat,
		"anthropic": Anthropic{},
		"gemini":    Gemini{},
		"flux":      Flux{},
		"imagen":    Imagen{},
	}}
}

func (r *Registry) Register(provider string, p Parser) {
	r.parsers[provider] = p
}

func (r *Registry) Parser(provider string) (Parser, error) {
	p, ok := r.parsers[provider]
	if !ok {
		return nil, fmt.Errorf("parser for %q: %w", provider, domain.ErrUnknownProvider)
	}
	return p, nil
}

func (r *Registry) Providers() []string {
	ids := make([]string, 0, len(r.parsers))
	for id := range r.parsers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Collect drains a parse into a slice. It is meant for tests and non-streaming callers.
func Collect(chunks <-chan domain.StreamChunk, errs <-chan error) ([]domain.StreamChunk, error) {
	var out []domain.StreamChunk
	for c := range chunks {
		out = append(out, c)
	}
	return out, <-errs
}

var errMalformed = errors.New("malformed frame")

// decoder holds the per-call state of one SSE wire format.
type decoder interface {
	// decode handles one event; done reports the provider's end-of-stream marker.
	decode(ev *sse.Event) (chunks []domain.StreamChunk, done bool, err error)
	// flush returns chunks that are only known once the stream is over.
	flush() []domain.StreamChunk
}

func runSSE(ctx context.Context, name string, r io.Reader, d decoder) (<-chan domain.StreamChunk, <-chan error) {
	chunks := make(chan domain.StreamChunk)
	errs := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(errs)

		e := &emitter{ctx: ctx, out: chunks}
		if err := e.consume(name, sse.NewReader(r), d); err != nil {
			errs <- err
		}
	}()

	return chunks, errs
}

func runBody(ctx context.Context, name string, r io.Reader, decode func([]byte) ([]domain.StreamChunk, error)) (<-chan domain.StreamChunk, <-chan error) {
	chunks := make(chan domain.StreamChunk)
	errs := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(errs)

		e := &emitter{ctx: ctx, out: chunks}
		body, err := io.ReadAll(io.LimitReader(r, maxBodySize))
		if err != nil {
			errs <- e.readErr(err)
			return
		}
		out, err := decode(body)
		if err != nil {
			if errors.Is(err, errMalformed) {
				slog.Warn("malformed response body", "parser", name, "error", err)
				err = domain.ErrEmptyStream
			}
			errs <- err
			return
		}
		if err := e.emit(out); err != nil {
			errs <- err
			return
		}
		if err := e.finish(); err != nil {
			errs <- err
		}
	}()

	return chunks, errs
}

type emitter struct {
	ctx      context.Context
	out      chan<- domain.StreamChunk
	produced int
	held     *domain.StreamChunk
}

func (e *emitter) consume(name string, r *sse.Reader, d decoder) error {
	for {
		ev, err := r.Next()
		if err != nil {
			return e.readErr(err)
		}
		if ev == nil {
			break
		}

		out, done, err := d.decode(ev)
		if errors.Is(err, errMalformed) {
			slog.Warn("skipping malformed stream frame", "parser", name, "event", ev.Type, "error", err)
			continue
		}
		if err != nil {
			return err
		}
		if err := e.emit(out); err != nil {
			return err
		}
		if done {
			break
		}
	}

	if err := e.emit(d.flush()); err != nil {
		return err
	}
	return e.finish()
}

// emit forwards content and usage immediately and holds the finish chunk so it is sent last.
func (e *emitter) emit(chunks []domain.StreamChunk) error {
	for _, c := range chunks {
		e.produced++
		if c.Type == domain.ChunkFinish {
			held := c
			e.held = &held
			continue
		}
		if err := e.send(c); err != nil {
			return err
		}
	}
	return nil
}

func (e *emitter) finish() error {
	if e.held == nil {
		if e.produced == 0 {
			return domain.ErrEmptyStream
		}
		return domain.ErrTruncatedStream
	}
	return e.send(*e.held)
}

func (e *emitter) send(c domain.StreamChunk) error {
	select {
	case e.out <- c:
		return nil
	case <-e.ctx.Done():
		return e.ctx.Err()
	}
}

func (e *emitter) readErr(err error) error {
	if ctxErr := e.ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return fmt.Errorf("read stream: %w", err)
}

func textChunk(t domain.ChunkType, text string) domain.StreamChunk {
	return domain.StreamChunk{Type: t, Text: text}
}

func finishChunk(reason domain.FinishReason) domain.StreamChunk {
	return domain.StreamChunk{Type: domain.ChunkFinish, FinishReason: reason}
}

func usageChunk(u domain.Usage) domain.StreamChunk {
	return domain.StreamChunk{Type: domain.ChunkUsage, Usage: &u}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
