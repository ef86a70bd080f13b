package stream

import (
	"context"
	"errors"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/felipepmaragno/chat-gateway/internal/domain"
)

func parse(t *testing.T, p Parser, body string) ([]domain.StreamChunk, error) {
	t.Helper()
	return Collect(p.Parse(context.Background(), strings.NewReader(body)))
}

func texts(chunks []domain.StreamChunk, typ domain.ChunkType) string {
	var sb strings.Builder
	for _, c := range chunks {
		if c.Type == typ {
			sb.WriteString(c.Text)
		}
	}
	return sb.String()
}

func assertSingleFinishLast(t *testing.T, chunks []domain.StreamChunk, want domain.FinishReason) {
	t.Helper()
	finishes := 0
	for _, c := range chunks {
		if c.Type == domain.ChunkFinish {
			finishes++
		}
	}
	if finishes != 1 {
		t.Fatalf("expected exactly one finish chunk, got %d", finishes)
	}
	last := chunks[len(chunks)-1]
	if last.Type != domain.ChunkFinish {
		t.Fatalf("expected finish chunk last, got %s", last.Type)
	}
	if last.FinishReason != want {
		t.Errorf("finish reason = %s, want %s", last.FinishReason, want)
	}
}

func findUsage(chunks []domain.StreamChunk) *domain.Usage {
	for _, c := range chunks {
		if c.Type == domain.ChunkUsage {
			return c.Usage
		}
	}
	return nil
}

const openAIStream = `data: {"choices":[{"index":0,"delta":{"role":"assistant","reasoning_content":"hmm"}}]}

data: {"choices":[{"index":0,"delta":{"content":"Hel"}}]}

data: {"choices":[{"index":0,"delta":{"content":"lo"},"finish_reason":null}]}

data: {"choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}

data: {"choices":[],"usage":{"prompt_tokens":12,"completion_tokens":3}}

data: [DONE]

`

func TestOpenAI_Text(t *testing.T) {
	chunks, err := parse(t, OpenAICompatible{}, openAIStream)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := texts(chunks, domain.ChunkText); got != "Hello" {
		t.Errorf("text = %q", got)
	}
	if got := texts(chunks, domain.ChunkThinking); got != "hmm" {
		t.Errorf("thinking = %q", got)
	}
	u := findUsage(chunks)
	if u == nil || u.InputTokens != 12 || u.OutputTokens != 3 {
		t.Errorf("unexpected usage %+v", u)
	}
	assertSingleFinishLast(t, chunks, domain.FinishStop)
}

func TestOpenAI_ToolCalls(t *testing.T) {
	body := `data: {"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_a","type":"function","function":{"name":"weather","arguments":""}}]}}]}

data: {"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"city\":"}}]}}]}

data: {"choices":[{"delta":{"tool_calls":[{"index":1,"function":{"name":"clock","arguments":"{}"}}]}}]}

data: {"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"Oslo\"}"}}]}}]}

data: {"choices":[{"delta":{},"finish_reason":"tool_calls"}]}

data: [DONE]

`
	chunks, err := parse(t, OpenAICompatible{}, body)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	args := map[string]string{}
	names := map[string]string{}
	for _, c := range chunks {
		if c.Type != domain.ChunkToolCall {
			continue
		}
		args[c.ToolCall.ID] += c.ToolCall.ArgumentsDelta
		if c.ToolCall.Name != "" {
			names[c.ToolCall.ID] = c.ToolCall.Name
		}
	}
	if args["call_a"] != `{"city":"Oslo"}` || names["call_a"] != "weather" {
		t.Errorf("unexpected first call %q %q", names["call_a"], args["call_a"])
	}
	if names["call_1"] != "clock" {
		t.Errorf("expected synthesized id for second call, got %v", names)
	}
	assertSingleFinishLast(t, chunks, domain.FinishToolCalls)
}

func TestOpenAI_MalformedFramesSkipped(t *testing.T) {
	body := "data: {not json\n\n" + openAIStream

	chunks, err := parse(t, OpenAICompatible{}, body)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := texts(chunks, domain.ChunkText); got != "Hello" {
		t.Errorf("text = %q", got)
	}
}

func TestOpenAI_FragmentedReads(t *testing.T) {
	chunks, err := Collect(OpenAICompatible{}.Parse(context.Background(),
		iotest.HalfReader(iotest.OneByteReader(strings.NewReader(openAIStream)))))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := texts(chunks, domain.ChunkText); got != "Hello" {
		t.Errorf("text = %q", got)
	}
	assertSingleFinishLast(t, chunks, domain.FinishStop)
}

func TestParse_EmptyAndTruncated(t *testing.T) {
	tests := []struct {
		name string
		body string
		want error
	}{
		{"only garbage", "data: nope\n\ndata: {bad\n\n", domain.ErrEmptyStream},
		{"done without content", "data: [DONE]\n\n", domain.ErrEmptyStream},
		{"no finish", `data: {"choices":[{"delta":{"content":"partial"}}]}` + "\n\n", domain.ErrTruncatedStream},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parse(t, OpenAICompatible{}, tt.body)
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestOpenAI_InStreamError(t *testing.T) {
	body := `data: {"error":{"message":"Rate limit reached","type":"requests","code":"rate_limit_exceeded"}}` + "\n\n"

	_, err := parse(t, OpenAICompatible{}, body)
	var pe *domain.ProviderError
	if !errors.As(err, &pe) {
		t.Fatalf("expected ProviderError, got %v", err)
	}
	if pe.Kind != domain.KindRateLimited {
		t.Errorf("kind = %s", pe.Kind)
	}
}

const anthropicStream = `event: message_start
data: {"type":"message_start","message":{"id":"msg_1","usage":{"input_tokens":25,"output_tokens":1}}}

event: content_block_start
data: {"type":"content_block_start","index":0,"content_block":{"type":"thinking","thinking":""}}

event: content_block_delta
data: {"type":"content_block_delta","index":0,"delta":{"type":"thinking_delta","thinking":"plan"}}

event: content_block_delta
data: {"type":"content_block_delta","index":0,"delta":{"type":"signature_delta","signature":"sig-abc"}}

event: content_block_start
data: {"type":"content_block_start","index":1,"content_block":{"type":"text","text":""}}

event: ping
data: {"type":"ping"}

event: content_block_delta
data: {"type":"content_block_delta","index":1,"delta":{"type":"text_delta","text":"Hi "}}

event: content_block_delta
data: {"type":"content_block_delta","index":1,"delta":{"type":"text_delta","text":"there"}}

event: content_block_start
data: {"type":"content_block_start","index":2,"content_block":{"type":"tool_use","id":"toolu_9","name":"weather","input":{}}}

event: content_block_delta
data: {"type":"content_block_delta","index":2,"delta":{"type":"input_json_delta","partial_json":"{\"city\":"}}

event: content_block_delta
data: {"type":"content_block_delta","index":2,"delta":{"type":"input_json_delta","partial_json":"\"Rome\"}"}}

event: message_delta
data: {"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":42}}

event: message_stop
data: {"type":"message_stop"}

`

func TestAnthropic_Stream(t *testing.T) {
	chunks, err := parse(t, Anthropic{}, anthropicStream)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := texts(chunks, domain.ChunkText); got != "Hi there" {
		t.Errorf("text = %q", got)
	}
	if got := texts(chunks, domain.ChunkThinking); got != "plan" {
		t.Errorf("thinking = %q", got)
	}
	var signature string
	for _, c := range chunks {
		signature += c.Signature
	}
	if signature != "sig-abc" {
		t.Errorf("signature = %q", signature)
	}

	var args string
	for _, c := range chunks {
		if c.Type == domain.ChunkToolCall {
			if c.ToolCall.ID != "toolu_9" {
				t.Errorf("unexpected call id %q", c.ToolCall.ID)
			}
			args += c.ToolCall.ArgumentsDelta
		}
	}
	if args != `{"city":"Rome"}` {
		t.Errorf("args = %q", args)
	}

	u := findUsage(chunks)
	if u == nil || u.InputTokens != 25 || u.OutputTokens != 42 {
		t.Errorf("unexpected usage %+v", u)
	}
	assertSingleFinishLast(t, chunks, domain.FinishToolCalls)
}

func TestAnthropic_SignedThinkingBlockStart(t *testing.T) {
	body := "event: content_block_start\ndata: {\"type\":\"content_block_start\",\"index\":0,\"content_block\":{\"type\":\"thinking\",\"thinking\":\"done\",\"signature\":\"sig-1\"}}\n\n" +
		"event: message_delta\ndata: {\"type\":\"message_delta\",\"delta\":{\"stop_reason\":\"end_turn\"}}\n\n" +
		"event: message_stop\ndata: {\"type\":\"message_stop\"}\n\n"

	chunks, err := parse(t, Anthropic{}, body)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if chunks[0].Type != domain.ChunkThinking || chunks[0].Text != "done" || chunks[0].Signature != "sig-1" {
		t.Errorf("unexpected first chunk %+v", chunks[0])
	}
	assertSingleFinishLast(t, chunks, domain.FinishStop)
}

func TestAnthropic_ErrorEvent(t *testing.T) {
	body := "event: message_start\ndata: {\"type\":\"message_start\",\"message\":{\"usage\":{\"input_tokens\":1}}}\n\n" +
		"event: error\ndata: {\"type\":\"error\",\"error\":{\"type\":\"overloaded_error\",\"message\":\"Overloaded\"}}\n\n"

	_, err := parse(t, Anthropic{}, body)
	var pe *domain.ProviderError
	if !errors.As(err, &pe) {
		t.Fatalf("expected ProviderError, got %v", err)
	}
	if pe.Kind != domain.KindTransient || !pe.Retryable() {
		t.Errorf("overloaded should be transient, got %s", pe.Kind)
	}
}

const geminiStream = `data: {"candidates":[{"content":{"role":"model","parts":[{"text":"think","thought":true}]}}]}

data: {"candidates":[{"content":{"role":"model","parts":[{"text":"Bon"}]}}],"usageMetadata":{"promptTokenCount":8,"candidatesTokenCount":1}}

data: {"candidates":[{"content":{"role":"model","parts":[{"text":"jour"}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":8,"candidatesTokenCount":2,"thoughtsTokenCount":5}}

`

func TestGemini_Stream(t *testing.T) {
	chunks, err := parse(t, Gemini{}, geminiStream)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := texts(chunks, domain.ChunkText); got != "Bonjour" {
		t.Errorf("text = %q", got)
	}
	if got := texts(chunks, domain.ChunkThinking); got != "think" {
		t.Errorf("thinking = %q", got)
	}
	u := findUsage(chunks)
	if u == nil || u.InputTokens != 8 || u.OutputTokens != 7 {
		t.Errorf("unexpected usage %+v", u)
	}
	assertSingleFinishLast(t, chunks, domain.FinishStop)
}

func TestGemini_FunctionCall(t *testing.T) {
	body := `data: {"candidates":[{"content":{"parts":[{"functionCall":{"name":"weather","args":{"city":"Lima"}}},{"functionCall":{"name":"clock"}}]},"finishReason":"STOP"}]}

`
	chunks, err := parse(t, Gemini{}, body)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var calls []*domain.ToolCallDelta
	for _, c := range chunks {
		if c.Type == domain.ChunkToolCall {
			calls = append(calls, c.ToolCall)
		}
	}
	if len(calls) != 2 {
		t.Fatalf("expected 2 calls, got %d", len(calls))
	}
	if calls[0].ID == calls[1].ID {
		t.Error("synthesized call ids must be unique")
	}
	if calls[0].ArgumentsDelta != `{"city":"Lima"}` || calls[1].ArgumentsDelta != "{}" {
		t.Errorf("unexpected args %q %q", calls[0].ArgumentsDelta, calls[1].ArgumentsDelta)
	}
	assertSingleFinishLast(t, chunks, domain.FinishToolCalls)
}

func TestGemini_SafetyFinish(t *testing.T) {
	body := `data: {"candidates":[{"content":{"parts":[{"text":"I"}]},"finishReason":"SAFETY"}]}` + "\n\n"

	chunks, err := parse(t, Gemini{}, body)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	assertSingleFinishLast(t, chunks, domain.FinishContentFilter)
}

func TestFlux_Result(t *testing.T) {
	chunks, err := parse(t, Flux{}, `{"id":"x","status":"Ready","result":{"sample":"https://cdn/img.jpg"}}`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := texts(chunks, domain.ChunkText); got != "![image](https://cdn/img.jpg)\n" {
		t.Errorf("text = %q", got)
	}
	if u := findUsage(chunks); u == nil || u.Images != 1 {
		t.Errorf("unexpected usage %+v", u)
	}
	assertSingleFinishLast(t, chunks, domain.FinishStop)
}

func TestFlux_Moderated(t *testing.T) {
	chunks, err := parse(t, Flux{}, `{"status":"Content Moderated"}`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	assertSingleFinishLast(t, chunks, domain.FinishContentFilter)
}

func TestImagen_Result(t *testing.T) {
	chunks, err := parse(t, Imagen{}, `{"predictions":[{"bytesBase64Encoded":"QUJD","mimeType":"image/png"},{"bytesBase64Encoded":"REVG"}]}`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := texts(chunks, domain.ChunkText); !strings.Contains(got, "data:image/png;base64,QUJD") {
		t.Errorf("text = %q", got)
	}
	if u := findUsage(chunks); u == nil || u.Images != 2 {
		t.Errorf("unexpected usage %+v", u)
	}
	assertSingleFinishLast(t, chunks, domain.FinishStop)
}

func TestImagen_Malformed(t *testing.T) {
	_, err := parse(t, Imagen{}, `<html>bad gateway</html>`)
	if !errors.Is(err, domain.ErrEmptyStream) {
		t.Errorf("expected ErrEmptyStream, got %v", err)
	}
}

func TestParse_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	chunks, errs := OpenAICompatible{}.Parse(ctx, strings.NewReader(openAIStream))

	first := <-chunks
	if first.Type != domain.ChunkThinking {
		t.Fatalf("unexpected first chunk %s", first.Type)
	}
	cancel()

	for range chunks {
	}
	if err := <-errs; err != nil && !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()

	for _, id := range []string{"openai", "anthropic", "gemini", "deepseek", "grok", "qwen", "flux", "imagen"} {
		if _, err := r.Parser(id); err != nil {
			t.Errorf("%s: %v", id, err)
		}
	}
	if _, err := r.Parser("cohere"); !errors.Is(err, domain.ErrUnknownProvider) {
		t.Errorf("expected ErrUnknownProvider, got %v", err)
	}
}
