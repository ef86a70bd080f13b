package payload

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/felipepmaragno/chat-gateway/internal/domain"
)

const maxGeminiStops = 5

type Gemini struct {
	baseURL string
}

func NewGemini(baseURL string) *Gemini {
	return &Gemini{baseURL: baseURL}
}

func (b *Gemini) Provider() string { return "gemini" }

type geminiRequest struct {
	Contents          []geminiContent        `json:"contents"`
	SystemInstruction *geminiContent         `json:"systemInstruction,omitempty"`
	Tools             []geminiTool           `json:"tools,omitempty"`
	GenerationConfig  geminiGenerationConfig `json:"generationConfig"`
	SafetySettings    []domain.SafetySetting `json:"safetySettings,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text             string                  `json:"text,omitempty"`
	InlineData       *geminiBlob             `json:"inline_data,omitempty"`
	FileData         *geminiFile             `json:"file_data,omitempty"`
	FunctionCall     *geminiFunctionCall     `json:"functionCall,omitempty"`
	FunctionResponse *geminiFunctionResponse `json:"functionResponse,omitempty"`
}

type geminiBlob struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

type geminiFile struct {
	MimeType string `json:"mime_type"`
	FileURI  string `json:"file_uri"`
}

type geminiFunctionCall struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

type geminiFunctionResponse struct {
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

type geminiTool struct {
	FunctionDeclarations []geminiFunctionDecl `json:"functionDeclarations"`
}

type geminiFunctionDecl struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type geminiGenerationConfig struct {
	Temperature     *float64              `json:"temperature,omitempty"`
	TopP            *float64              `json:"topP,omitempty"`
	TopK            *int                  `json:"topK,omitempty"`
	MaxOutputTokens *int                  `json:"maxOutputTokens,omitempty"`
	StopSequences   []string              `json:"stopSequences,omitempty"`
	ThinkingConfig  *geminiThinkingConfig `json:"thinkingConfig,omitempty"`
}

type geminiThinkingConfig struct {
	IncludeThoughts bool `json:"includeThoughts"`
	ThinkingBudget  *int `json:"thinkingBudget,omitempty"`
}

func (b *Gemini) Build(rc *domain.AiRequestContext, tools []domain.PluginDefinition) (*domain.AiRequestPayload, error) {
	if err := validate(rc); err != nil {
		return nil, err
	}

	caps := rc.Model.Capabilities
	req := geminiRequest{
		SafetySettings: rc.Params.SafetySettings,
		GenerationConfig: geminiGenerationConfig{
			Temperature:   clampedPtr(rc.Params.Temperature, 0, 2),
			TopP:          clampedPtr(rc.Params.TopP, 0, 1),
			StopSequences: capStops(rc.Params.StopSequences, maxGeminiStops),
		},
	}
	if rc.Params.TopK != nil {
		k := clampInt(*rc.Params.TopK, 1, 0)
		req.GenerationConfig.TopK = &k
	}
	if rc.Params.MaxTokens != nil {
		max := clampInt(*rc.Params.MaxTokens, 1, caps.MaxOutputTokens)
		req.GenerationConfig.MaxOutputTokens = &max
	}
	if caps.Thinking && rc.Params.ThinkingBudget >= 0 {
		tc := &geminiThinkingConfig{IncludeThoughts: true}
		if rc.Params.ThinkingBudget > 0 {
			budget := rc.Params.ThinkingBudget
			tc.ThinkingBudget = &budget
		}
		req.GenerationConfig.ThinkingConfig = tc
	}

	if rc.System != "" {
		req.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: rc.System}}}
	}

	for _, m := range rc.Messages {
		c := b.content(m, caps)
		if len(c.Parts) == 0 {
			continue
		}
		if n := len(req.Contents); n > 0 && req.Contents[n-1].Role == c.Role {
			req.Contents[n-1].Parts = append(req.Contents[n-1].Parts, c.Parts...)
			continue
		}
		req.Contents = append(req.Contents, c)
	}

	if defs := toolsEnabled(rc, tools); len(defs) > 0 {
		decls := make([]geminiFunctionDecl, 0, len(defs))
		for _, t := range defs {
			decls = append(decls, geminiFunctionDecl{Name: t.Name, Description: t.Description, Parameters: t.Schema})
		}
		req.Tools = []geminiTool{{FunctionDeclarations: decls}}
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal gemini request: %w", err)
	}

	model := upstream(rc.Model)
	url := fmt.Sprintf("%s/models/%s:streamGenerateContent?alt=sse", b.baseURL, model)
	p := newPayload("gemini", model, url, body)
	p.Stream = true
	p.Mode = domain.ModeSSE
	p.Header.Set("Accept", "text/event-stream")
	p.AuthHeader = "x-goog-api-key"
	return p, nil
}

func (b *Gemini) content(m domain.Message, caps domain.Capabilities) geminiContent {
	switch m.Role {
	case domain.RoleTool:
		if m.ToolResult == nil {
			return geminiContent{Role: "user", Parts: textParts(m.Text)}
		}
		if !caps.Tools {
			return geminiContent{Role: "user", Parts: textParts(toolResultText(m.ToolResult))}
		}
		key := "content"
		if m.ToolResult.IsError {
			key = "error"
		}
		return geminiContent{Role: "user", Parts: []geminiPart{{
			FunctionResponse: &geminiFunctionResponse{
				Name:     m.ToolResult.Name,
				Response: map[string]any{"name": m.ToolResult.Name, key: m.ToolResult.Content},
			},
		}}}

	case domain.RoleAssistant:
		parts := textParts(m.Text)
		if caps.Tools {
			for _, tc := range m.ToolCalls {
				args := tc.Arguments
				if len(args) == 0 {
					args = json.RawMessage("{}")
				}
				parts = append(parts, geminiPart{FunctionCall: &geminiFunctionCall{Name: tc.Name, Args: args}})
			}
		}
		return geminiContent{Role: "model", Parts: parts}
	}

	parts := textParts(m.Text)
	for _, a := range m.Attachments {
		switch {
		case a.FileURI != "":
			parts = append(parts, geminiPart{FileData: &geminiFile{MimeType: a.MimeType, FileURI: a.FileURI}})
		case len(a.Data) > 0 && (caps.Vision || !a.IsImage()):
			parts = append(parts, geminiPart{InlineData: &geminiBlob{
				MimeType: a.MimeType,
				Data:     base64.StdEncoding.EncodeToString(a.Data),
			}})
		default:
			parts = append(parts, geminiPart{Text: attachmentNote(a)})
		}
	}
	return geminiContent{Role: "user", Parts: parts}
}

func textParts(text string) []geminiPart {
	if text == "" {
		return nil
	}
	return []geminiPart{{Text: text}}
}
