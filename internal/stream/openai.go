package stream

import (
	"context"
	"fmt"
	"io"

	"github.com/tidwall/gjson"

	"github.com/felipepmaragno/chat-gateway/internal/domain"
	"github.com/felipepmaragno/chat-gateway/internal/sse"
)

// OpenAICompatible parses chat/completions streams (OpenAI, DeepSeek, Grok, Qwen).
type OpenAICompatible struct{}

func (OpenAICompatible) Parse(ctx context.Context, r io.Reader) (<-chan domain.StreamChunk, <-chan error) {
	return runSSE(ctx, "openai-compatible", r, &openAIDecoder{calls: make(map[int64]string)})
}

type openAIDecoder struct {
	calls map[int64]string
	usage *domain.Usage
}

func (d *openAIDecoder) decode(ev *sse.Event) ([]domain.StreamChunk, bool, error) {
	if ev.Data == "[DONE]" {
		return nil, true, nil
	}
	if !gjson.Valid(ev.Data) {
		return nil, false, errMalformed
	}

	frame := gjson.Parse(ev.Data)
	if e := frame.Get("error"); e.Exists() {
		return nil, false, openAIStreamError(e)
	}

	if u := frame.Get("usage"); u.IsObject() {
		d.usage = &domain.Usage{
			InputTokens:  int(u.Get("prompt_tokens").Int()),
			OutputTokens: int(u.Get("completion_tokens").Int()),
		}
	}

	var out []domain.StreamChunk
	for _, choice := range frame.Get("choices").Array() {
		delta := choice.Get("delta")

		reasoning := delta.Get("reasoning_content").String()
		if reasoning == "" {
			reasoning = delta.Get("reasoning").String()
		}
		if reasoning != "" {
			out = append(out, textChunk(domain.ChunkThinking, reasoning))
		}
		if content := delta.Get("content").String(); content != "" {
			out = append(out, textChunk(domain.ChunkText, content))
		}

		for _, tc := range delta.Get("tool_calls").Array() {
			idx := tc.Get("index").Int()
			id, seen := d.calls[idx]
			if !seen {
				id = tc.Get("id").String()
				if id == "" {
					id = fmt.Sprintf("call_%d", idx)
				}
				d.calls[idx] = id
			}
			out = append(out, domain.StreamChunk{
				Type: domain.ChunkToolCall,
				ToolCall: &domain.ToolCallDelta{
					ID:             id,
					Name:           tc.Get("function.name").String(),
					ArgumentsDelta: tc.Get("function.arguments").String(),
				},
			})
		}

		if reason := choice.Get("finish_reason"); reason.Type == gjson.String && reason.String() != "" {
			out = append(out, finishChunk(openAIFinish(reason.String())))
		}
	}
	return out, false, nil
}

func (d *openAIDecoder) flush() []domain.StreamChunk {
	if d.usage == nil {
		return nil
	}
	return []domain.StreamChunk{usageChunk(*d.usage)}
}

func openAIFinish(reason string) domain.FinishReason {
	switch reason {
	case "stop":
		return domain.FinishStop
	case "length":
		return domain.FinishLength
	case "tool_calls", "function_call":
		return domain.FinishToolCalls
	case "content_filter":
		return domain.FinishContentFilter
	case "insufficient_system_resource":
		return domain.FinishError
	}
	return domain.FinishStop
}

func openAIStreamError(e gjson.Result) error {
	kind := domain.KindTransient
	code := e.Get("code").String() + " " + e.Get("type").String()
	switch {
	case containsAny(code, "rate_limit", "insufficient_quota"):
		kind = domain.KindRateLimited
	case containsAny(code, "invalid_request", "context_length"):
		kind = domain.KindValidation
	case containsAny(code, "invalid_api_key", "authentication"):
		kind = domain.KindAuth
	}
	msg := e.Get("message").String()
	if msg == "" {
		msg = e.Raw
	}
	return &domain.ProviderError{Provider: "openai-compatible", Kind: kind, Message: msg}
}
