package stream

import (
	"context"
	"io"

	"github.com/tidwall/gjson"

	"github.com/felipepmaragno/chat-gateway/internal/domain"
	"github.com/felipepmaragno/chat-gateway/internal/sse"
)

type Anthropic struct{}

func (Anthropic) Parse(ctx context.Context, r io.Reader) (<-chan domain.StreamChunk, <-chan error) {
	return runSSE(ctx, "anthropic", r, &anthropicDecoder{blocks: make(map[int64]string)})
}

type anthropicDecoder struct {
	blocks map[int64]string
	usage  domain.Usage
	sawUse bool
}

func (d *anthropicDecoder) decode(ev *sse.Event) ([]domain.StreamChunk, bool, error) {
	if !gjson.Valid(ev.Data) {
		return nil, false, errMalformed
	}
	frame := gjson.Parse(ev.Data)

	typ := frame.Get("type").String()
	if typ == "" {
		typ = ev.Type
	}

	switch typ {
	case "message_start":
		usage := frame.Get("message.usage")
		d.usage.InputTokens = int(usage.Get("input_tokens").Int() +
			usage.Get("cache_creation_input_tokens").Int() +
			usage.Get("cache_read_input_tokens").Int())
		d.usage.OutputTokens = int(usage.Get("output_tokens").Int())
		d.sawUse = usage.Exists()

	case "content_block_start":
		block := frame.Get("content_block")
		switch block.Get("type").String() {
		case "tool_use":
		case "thinking":
			return thinkingChunks(block.Get("thinking").String(), block.Get("signature").String()), false, nil
		default:
			return nil, false, nil
		}
		id := block.Get("id").String()
		d.blocks[frame.Get("index").Int()] = id
		return []domain.StreamChunk{{
			Type:     domain.ChunkToolCall,
			ToolCall: &domain.ToolCallDelta{ID: id, Name: block.Get("name").String()},
		}}, false, nil

	case "content_block_delta":
		delta := frame.Get("delta")
		switch delta.Get("type").String() {
		case "text_delta":
			return []domain.StreamChunk{textChunk(domain.ChunkText, delta.Get("text").String())}, false, nil
		case "thinking_delta":
			return []domain.StreamChunk{textChunk(domain.ChunkThinking, delta.Get("thinking").String())}, false, nil
		case "signature_delta":
			return thinkingChunks("", delta.Get("signature").String()), false, nil
		case "input_json_delta":
			id, ok := d.blocks[frame.Get("index").Int()]
			if !ok {
				return nil, false, errMalformed
			}
			return []domain.StreamChunk{{
				Type:     domain.ChunkToolCall,
				ToolCall: &domain.ToolCallDelta{ID: id, ArgumentsDelta: delta.Get("partial_json").String()},
			}}, false, nil
		}

	case "message_delta":
		if out := frame.Get("usage.output_tokens"); out.Exists() {
			d.usage.OutputTokens = int(out.Int())
			d.sawUse = true
		}
		if reason := frame.Get("delta.stop_reason").String(); reason != "" {
			return []domain.StreamChunk{finishChunk(anthropicFinish(reason))}, false, nil
		}

	case "message_stop":
		return nil, true, nil

	case "error":
		return nil, false, anthropicStreamError(frame.Get("error"))
	}

	return nil, false, nil
}

func (d *anthropicDecoder) flush() []domain.StreamChunk {
	if !d.sawUse {
		return nil
	}
	return []domain.StreamChunk{usageChunk(d.usage)}
}

func thinkingChunks(text, signature string) []domain.StreamChunk {
	if text == "" && signature == "" {
		return nil
	}
	return []domain.StreamChunk{{Type: domain.ChunkThinking, Text: text, Signature: signature}}
}

func anthropicFinish(reason string) domain.FinishReason {
	switch reason {
	case "end_turn", "stop_sequence", "pause_turn":
		return domain.FinishStop
	case "max_tokens":
		return domain.FinishLength
	case "tool_use":
		return domain.FinishToolCalls
	case "refusal":
		return domain.FinishContentFilter
	}
	return domain.FinishStop
}

func anthropicStreamError(e gjson.Result) error {
	kind := domain.KindTransient
	switch e.Get("type").String() {
	case "rate_limit_error":
		kind = domain.KindRateLimited
	case "invalid_request_error", "not_found_error", "request_too_large":
		kind = domain.KindValidation
	case "authentication_error", "permission_error":
		kind = domain.KindAuth
	}
	return &domain.ProviderError{Provider: "anthropic", Kind: kind, Message: e.Get("message").String()}
}
