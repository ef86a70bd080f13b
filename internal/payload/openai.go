package payload

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/tidwall/sjson"

	"github.com/felipepmaragno/chat-gateway/internal/domain"
)

const maxOpenAIStops = 4

// OpenAICompatible covers every provider speaking the chat/completions dialect.
type OpenAICompatible struct {
	provider       string
	url            string
	maxTemperature float64
	maxTokensField string
	topK           bool
	enableThinking bool
}

func NewOpenAI(baseURL string) *OpenAICompatible {
	return &OpenAICompatible{
		provider:       "openai",
		url:            baseURL + "/chat/completions",
		maxTemperature: 2,
		maxTokensField: "max_completion_tokens",
	}
}

func NewDeepSeek(baseURL string) *OpenAICompatible {
	return &OpenAICompatible{
		provider:       "deepseek",
		url:            baseURL + "/chat/completions",
		maxTemperature: 2,
		maxTokensField: "max_tokens",
	}
}

func NewGrok(baseURL string) *OpenAICompatible {
	return &OpenAICompatible{
		provider:       "grok",
		url:            baseURL + "/chat/completions",
		maxTemperature: 2,
		maxTokensField: "max_tokens",
	}
}

func NewQwen(baseURL string) *OpenAICompatible {
	return &OpenAICompatible{
		provider:       "qwen",
		url:            baseURL + "/chat/completions",
		maxTemperature: 1.99,
		maxTokensField: "max_tokens",
		topK:           true,
		enableThinking: true,
	}
}

func (b *OpenAICompatible) Provider() string { return b.provider }

type oaiRequest struct {
	Model         string         `json:"model"`
	Messages      []oaiMessage   `json:"messages"`
	Stream        bool           `json:"stream"`
	StreamOptions *oaiStreamOpts `json:"stream_options,omitempty"`
	Temperature   *float64       `json:"temperature,omitempty"`
	TopP          *float64       `json:"top_p,omitempty"`
	Stop          []string       `json:"stop,omitempty"`
	Tools         []oaiTool      `json:"tools,omitempty"`
}

type oaiStreamOpts struct {
	IncludeUsage bool `json:"include_usage"`
}

type oaiMessage struct {
	Role       string        `json:"role"`
	Content    any           `json:"content,omitempty"`
	ToolCalls  []oaiToolCall `json:"tool_calls,omitempty"`
	ToolCallID string        `json:"tool_call_id,omitempty"`
}

type oaiPart struct {
	Type     string       `json:"type"`
	Text     string       `json:"text,omitempty"`
	ImageURL *oaiImageURL `json:"image_url,omitempty"`
}

type oaiImageURL struct {
	URL string `json:"url"`
}

type oaiToolCall struct {
	ID       string          `json:"id"`
	Type     string          `json:"type"`
	Function oaiFunctionCall `json:"function"`
}

type oaiFunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type oaiTool struct {
	Type     string         `json:"type"`
	Function oaiFunctionDef `json:"function"`
}

type oaiFunctionDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

func (b *OpenAICompatible) Build(rc *domain.AiRequestContext, tools []domain.PluginDefinition) (*domain.AiRequestPayload, error) {
	if err := validate(rc); err != nil {
		return nil, err
	}

	caps := rc.Model.Capabilities
	toolDefs := toolsEnabled(rc, tools)

	req := oaiRequest{
		Model:         upstream(rc.Model),
		Stream:        true,
		StreamOptions: &oaiStreamOpts{IncludeUsage: true},
		Temperature:   clampedPtr(rc.Params.Temperature, 0, b.maxTemperature),
		TopP:          clampedPtr(rc.Params.TopP, 0, 1),
		Stop:          capStops(rc.Params.StopSequences, maxOpenAIStops),
	}

	if rc.System != "" {
		req.Messages = append(req.Messages, oaiMessage{Role: "system", Content: rc.System})
	}
	for _, m := range rc.Messages {
		req.Messages = append(req.Messages, b.message(m, caps))
	}
	for _, t := range toolDefs {
		req.Tools = append(req.Tools, oaiTool{
			Type:     "function",
			Function: oaiFunctionDef{Name: t.Name, Description: t.Description, Parameters: t.Schema},
		})
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal %s request: %w", b.provider, err)
	}

	if rc.Params.MaxTokens != nil {
		max := clampInt(*rc.Params.MaxTokens, 1, caps.MaxOutputTokens)
		if body, err = sjson.SetBytes(body, b.maxTokensField, max); err != nil {
			return nil, fmt.Errorf("set max tokens: %w", err)
		}
	}
	if b.topK && rc.Params.TopK != nil {
		if body, err = sjson.SetBytes(body, "top_k", clampInt(*rc.Params.TopK, 1, 100)); err != nil {
			return nil, fmt.Errorf("set top_k: %w", err)
		}
	}
	if b.enableThinking && caps.Thinking && rc.Params.ThinkingBudget >= 0 {
		if body, err = sjson.SetBytes(body, "enable_thinking", true); err != nil {
			return nil, fmt.Errorf("set enable_thinking: %w", err)
		}
	}

	p := newPayload(b.provider, req.Model, b.url, body)
	p.Stream = true
	p.Mode = domain.ModeSSE
	p.Header.Set("Accept", "text/event-stream")
	p.AuthHeader = "Authorization"
	p.AuthPrefix = "Bearer "
	return p, nil
}

func (b *OpenAICompatible) message(m domain.Message, caps domain.Capabilities) oaiMessage {
	switch m.Role {
	case domain.RoleTool:
		if m.ToolResult == nil {
			return oaiMessage{Role: "user", Content: m.Text}
		}
		if !caps.Tools {
			return oaiMessage{Role: "user", Content: toolResultText(m.ToolResult)}
		}
		return oaiMessage{Role: "tool", ToolCallID: m.ToolResult.CallID, Content: m.ToolResult.Content}

	case domain.RoleAssistant:
		out := oaiMessage{Role: "assistant", Content: m.Text}
		if caps.Tools {
			for _, tc := range m.ToolCalls {
				args := string(tc.Arguments)
				if args == "" {
					args = "{}"
				}
				out.ToolCalls = append(out.ToolCalls, oaiToolCall{
					ID:       tc.ID,
					Type:     "function",
					Function: oaiFunctionCall{Name: tc.Name, Arguments: args},
				})
			}
		}
		return out

	case domain.RoleSystem:
		return oaiMessage{Role: "system", Content: m.Text}
	}

	if len(m.Attachments) == 0 {
		return oaiMessage{Role: "user", Content: m.Text}
	}

	parts := make([]oaiPart, 0, len(m.Attachments)+1)
	if m.Text != "" {
		parts = append(parts, oaiPart{Type: "text", Text: m.Text})
	}
	for _, a := range m.Attachments {
		if caps.Vision && a.IsImage() && len(a.Data) > 0 {
			url := "data:" + a.MimeType + ";base64," + base64.StdEncoding.EncodeToString(a.Data)
			parts = append(parts, oaiPart{Type: "image_url", ImageURL: &oaiImageURL{URL: url}})
			continue
		}
		parts = append(parts, oaiPart{Type: "text", Text: attachmentNote(a)})
	}
	return oaiMessage{Role: "user", Content: parts}
}
