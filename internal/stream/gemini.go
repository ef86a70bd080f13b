package stream

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/tidwall/gjson"

	"github.com/felipepmaragno/chat-gateway/internal/domain"
	"github.com/felipepmaragno/chat-gateway/internal/sse"
)

// Gemini parses streamGenerateContent?alt=sse responses. Gemini sends function
// calls whole and without ids, so ids are synthesized per call.
type Gemini struct{}

func (Gemini) Parse(ctx context.Context, r io.Reader) (<-chan domain.StreamChunk, <-chan error) {
	return runSSE(ctx, "gemini", r, &geminiDecoder{})
}

type geminiDecoder struct {
	calls int
	usage *domain.Usage
}

func (d *geminiDecoder) decode(ev *sse.Event) ([]domain.StreamChunk, bool, error) {
	if !gjson.Valid(ev.Data) {
		return nil, false, errMalformed
	}
	frame := gjson.Parse(ev.Data)
	if e := frame.Get("error"); e.Exists() {
		return nil, false, geminiStreamError(e)
	}

	if u := frame.Get("usageMetadata"); u.Exists() {
		d.usage = &domain.Usage{
			InputTokens:  int(u.Get("promptTokenCount").Int()),
			OutputTokens: int(u.Get("candidatesTokenCount").Int() + u.Get("thoughtsTokenCount").Int()),
		}
	}

	var out []domain.StreamChunk
	candidate := frame.Get("candidates.0")
	for _, part := range candidate.Get("content.parts").Array() {
		if fc := part.Get("functionCall"); fc.Exists() {
			args := fc.Get("args").Raw
			if args == "" {
				args = "{}"
			}
			out = append(out, domain.StreamChunk{
				Type: domain.ChunkToolCall,
				ToolCall: &domain.ToolCallDelta{
					ID:             fmt.Sprintf("call_%d", d.calls),
					Name:           fc.Get("name").String(),
					ArgumentsDelta: args,
				},
			})
			d.calls++
			continue
		}
		text := part.Get("text").String()
		if text == "" {
			continue
		}
		if part.Get("thought").Bool() {
			out = append(out, textChunk(domain.ChunkThinking, text))
		} else {
			out = append(out, textChunk(domain.ChunkText, text))
		}
	}

	if reason := candidate.Get("finishReason").String(); reason != "" && reason != "FINISH_REASON_UNSPECIFIED" {
		out = append(out, finishChunk(d.finish(reason)))
	}
	if block := frame.Get("promptFeedback.blockReason").String(); block != "" {
		out = append(out, finishChunk(domain.FinishContentFilter))
	}
	return out, false, nil
}

func (d *geminiDecoder) flush() []domain.StreamChunk {
	if d.usage == nil {
		return nil
	}
	return []domain.StreamChunk{usageChunk(*d.usage)}
}

func (d *geminiDecoder) finish(reason string) domain.FinishReason {
	switch reason {
	case "STOP":
		if d.calls > 0 {
			return domain.FinishToolCalls
		}
		return domain.FinishStop
	case "MAX_TOKENS":
		return domain.FinishLength
	case "SAFETY", "RECITATION", "BLOCKLIST", "PROHIBITED_CONTENT", "SPII", "IMAGE_SAFETY":
		return domain.FinishContentFilter
	}
	return domain.FinishError
}

func geminiStreamError(e gjson.Result) error {
	code := int(e.Get("code").Int())
	kind := domain.KindTransient
	switch {
	case code == http.StatusTooManyRequests || e.Get("status").String() == "RESOURCE_EXHAUSTED":
		kind = domain.KindRateLimited
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		kind = domain.KindAuth
	case code == http.StatusBadRequest || code == http.StatusNotFound:
		kind = domain.KindValidation
	}
	return &domain.ProviderError{Provider: "gemini", Kind: kind, StatusCode: code, Message: e.Get("message").String()}
}
