package payload

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/felipepmaragno/chat-gateway/internal/domain"
)

const (
	anthropicVersion          = "2023-06-01"
	anthropicDefaultMaxTokens = 4096
	anthropicMinThinking      = 1024
)

type Anthropic struct {
	url string
}

func NewAnthropic(baseURL string) *Anthropic {
	return &Anthropic{url: baseURL + "/messages"}
}

func (b *Anthropic) Provider() string { return "anthropic" }

type anthropicRequest struct {
	Model         string             `json:"model"`
	System        any                `json:"system,omitempty"`
	Messages      []anthropicMessage `json:"messages"`
	MaxTokens     int                `json:"max_tokens"`
	Stream        bool               `json:"stream"`
	Temperature   *float64           `json:"temperature,omitempty"`
	TopP          *float64           `json:"top_p,omitempty"`
	TopK          *int               `json:"top_k,omitempty"`
	StopSequences []string           `json:"stop_sequences,omitempty"`
	Thinking      *anthropicThinking `json:"thinking,omitempty"`
	Tools         []anthropicTool    `json:"tools,omitempty"`
}

type anthropicThinking struct {
	Type         string `json:"type"`
	BudgetTokens int    `json:"budget_tokens"`
}

type anthropicMessage struct {
	Role    string           `json:"role"`
	Content []anthropicBlock `json:"content"`
}

type anthropicBlock struct {
	Type         string           `json:"type"`
	Text         string           `json:"text,omitempty"`
	Source       *anthropicSource `json:"source,omitempty"`
	ID           string           `json:"id,omitempty"`
	Name         string           `json:"name,omitempty"`
	Input        json.RawMessage  `json:"input,omitempty"`
	ToolUseID    string           `json:"tool_use_id,omitempty"`
	Thinking     string           `json:"thinking,omitempty"`
	Signature    string           `json:"signature,omitempty"`
	Content      string           `json:"content,omitempty"`
	IsError      bool             `json:"is_error,omitempty"`
	CacheControl *cacheControl    `json:"cache_control,omitempty"`
}

type anthropicSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

type cacheControl struct {
	Type string `json:"type"`
}

type anthropicTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema"`
}

func (b *Anthropic) Build(rc *domain.AiRequestContext, tools []domain.PluginDefinition) (*domain.AiRequestPayload, error) {
	if err := validate(rc); err != nil {
		return nil, err
	}

	caps := rc.Model.Capabilities
	req := anthropicRequest{
		Model:         upstream(rc.Model),
		Stream:        true,
		MaxTokens:     anthropicDefaultMaxTokens,
		TopP:          clampedPtr(rc.Params.TopP, 0, 1),
		StopSequences: rc.Params.StopSequences,
	}
	if rc.Params.MaxTokens != nil {
		req.MaxTokens = *rc.Params.MaxTokens
	}
	req.MaxTokens = clampInt(req.MaxTokens, 1, caps.MaxOutputTokens)

	if caps.Thinking && rc.Params.ThinkingBudget >= 0 {
		budget := rc.Params.ThinkingBudget
		if budget < anthropicMinThinking {
			budget = anthropicMinThinking
		}
		if budget >= req.MaxTokens {
			req.MaxTokens = clampInt(budget+anthropicDefaultMaxTokens, 1, caps.MaxOutputTokens)
			if budget >= req.MaxTokens {
				budget = req.MaxTokens - 1
			}
		}
		req.Thinking = &anthropicThinking{Type: "enabled", BudgetTokens: budget}
	} else {
		req.Temperature = clampedPtr(rc.Params.Temperature, 0, 1)
		if rc.Params.TopK != nil {
			k := clampInt(*rc.Params.TopK, 1, 0)
			req.TopK = &k
		}
	}

	if rc.System != "" {
		if caps.PromptCaching {
			req.System = []anthropicBlock{{
				Type:         "text",
				Text:         rc.System,
				CacheControl: &cacheControl{Type: "ephemeral"},
			}}
		} else {
			req.System = rc.System
		}
	}

	for _, m := range rc.Messages {
		role, blocks := b.blocks(m, caps, req.Thinking != nil)
		if len(blocks) == 0 {
			continue
		}
		// Consecutive turns of the same role are merged to keep strict alternation.
		if n := len(req.Messages); n > 0 && req.Messages[n-1].Role == role {
			req.Messages[n-1].Content = append(req.Messages[n-1].Content, blocks...)
			continue
		}
		req.Messages = append(req.Messages, anthropicMessage{Role: role, Content: blocks})
	}
	if len(req.Messages) > 0 && req.Messages[0].Role != "user" {
		req.Messages = append([]anthropicMessage{{Role: "user", Content: []anthropicBlock{{Type: "text", Text: "..."}}}}, req.Messages...)
	}

	for _, t := range toolsEnabled(rc, tools) {
		schema := t.Schema
		if len(schema) == 0 {
			schema = json.RawMessage(`{"type":"object","properties":{}}`)
		}
		req.Tools = append(req.Tools, anthropicTool{Name: t.Name, Description: t.Description, InputSchema: schema})
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal anthropic request: %w", err)
	}

	p := newPayload("anthropic", req.Model, b.url, body)
	p.Stream = true
	p.Mode = domain.ModeSSE
	p.Header.Set("Accept", "text/event-stream")
	p.Header.Set("anthropic-version", anthropicVersion)
	p.AuthHeader = "x-api-key"
	return p, nil
}

func (b *Anthropic) blocks(m domain.Message, caps domain.Capabilities, thinking bool) (string, []anthropicBlock) {
	switch m.Role {
	case domain.RoleTool:
		if m.ToolResult == nil {
			return "user", textBlocks(m.Text)
		}
		if !caps.Tools {
			return "user", textBlocks(toolResultText(m.ToolResult))
		}
		return "user", []anthropicBlock{{
			Type:      "tool_result",
			ToolUseID: m.ToolResult.CallID,
			Content:   m.ToolResult.Content,
			IsError:   m.ToolResult.IsError,
		}}

	case domain.RoleAssistant:
		var blocks []anthropicBlock
		// A tool request made while thinking must lead with its signed thinking block.
		if thinking && caps.Tools && len(m.ToolCalls) > 0 && m.Thinking != "" && m.ThinkingSignature != "" {
			blocks = append(blocks, anthropicBlock{Type: "thinking", Thinking: m.Thinking, Signature: m.ThinkingSignature})
		}
		blocks = append(blocks, textBlocks(m.Text)...)
		if caps.Tools {
			for _, tc := range m.ToolCalls {
				input := tc.Arguments
				if len(input) == 0 {
					input = json.RawMessage("{}")
				}
				blocks = append(blocks, anthropicBlock{Type: "tool_use", ID: tc.ID, Name: tc.Name, Input: input})
			}
		}
		return "assistant", blocks
	}

	var blocks []anthropicBlock
	for _, a := range m.Attachments {
		switch {
		case caps.Vision && a.IsImage() && len(a.Data) > 0:
			blocks = append(blocks, anthropicBlock{Type: "image", Source: base64Source(a)})
		case a.MimeType == "application/pdf" && len(a.Data) > 0:
			blocks = append(blocks, anthropicBlock{Type: "document", Source: base64Source(a)})
		default:
			blocks = append(blocks, anthropicBlock{Type: "text", Text: attachmentNote(a)})
		}
	}
	return "user", append(blocks, textBlocks(m.Text)...)
}

func base64Source(a domain.Attachment) *anthropicSource {
	return &anthropicSource{
		Type:      "base64",
		MediaType: a.MimeType,
		Data:      base64.StdEncoding.EncodeToString(a.Data),
	}
}

func textBlocks(text string) []anthropicBlock {
	if text == "" {
		return nil
	}
	return []anthropicBlock{{Type: "text", Text: text}}
}
