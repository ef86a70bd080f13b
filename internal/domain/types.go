package domain

import (
	"encoding/json"
	"net/http"
	"time"
)

type Tenant struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	APIKeyHash    string    `json:"-"`
	RateLimitRPM  int       `json:"rate_limit_rpm"`
	AllowedModels []string  `json:"allowed_models,omitempty"`
	Enabled       bool      `json:"enabled"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

type ChatSession struct {
	ID        string      `json:"id"`
	TenantID  string      `json:"tenant_id"`
	UserID    string      `json:"user_id,omitempty"`
	ModelID   string      `json:"model"`
	Params    ModelParams `json:"params"`
	System    string      `json:"system,omitempty"`
	Plugins   []string    `json:"plugins,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
}

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

type Attachment struct {
	Name     string `json:"name,omitempty"`
	MimeType string `json:"mime_type"`
	Data     []byte `json:"data,omitempty"`
	FileURI  string `json:"file_uri,omitempty"`
}

func (a Attachment) IsImage() bool {
	return len(a.MimeType) > 6 && a.MimeType[:6] == "image/"
}

type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

type ToolResult struct {
	CallID  string `json:"call_id"`
	Name    string `json:"name"`
	Content string `json:"content"`
	IsError bool   `json:"is_error,omitempty"`
}

type MessageStatus string

const (
	MessageComplete MessageStatus = "complete"
	MessagePartial  MessageStatus = "partial"
	MessageFailed   MessageStatus = "failed"
)

type Message struct {
	ID                string        `json:"id,omitempty"`
	Role              Role          `json:"role"`
	Text              string        `json:"text,omitempty"`
	Thinking          string        `json:"thinking,omitempty"`
	ThinkingSignature string        `json:"thinking_signature,omitempty"`
	Attachments       []Attachment  `json:"attachments,omitempty"`
	ToolCalls         []ToolCall    `json:"tool_calls,omitempty"`
	ToolResult        *ToolResult   `json:"tool_result,omitempty"`
	Status            MessageStatus `json:"status,omitempty"`
	CreatedAt         time.Time     `json:"created_at,omitempty"`
}

// Capabilities gate which parts of a request a builder may emit.
type Capabilities struct {
	Vision          bool `json:"vision"`
	Thinking        bool `json:"thinking"`
	Tools           bool `json:"tools"`
	PromptCaching   bool `json:"prompt_caching"`
	ImageGeneration bool `json:"image_generation"`
	MaxOutputTokens int  `json:"max_output_tokens,omitempty"`
}

type Model struct {
	ID           string       `json:"id"`
	Provider     string       `json:"provider"`
	Upstream     string       `json:"upstream"`
	Capabilities Capabilities `json:"capabilities"`
}

type SafetySetting struct {
	Category  string `json:"category"`
	Threshold string `json:"threshold"`
}

type ModelParams struct {
	Temperature    *float64        `json:"temperature,omitempty"`
	TopP           *float64        `json:"top_p,omitempty"`
	TopK           *int            `json:"top_k,omitempty"`
	MaxTokens      *int            `json:"max_tokens,omitempty"`
	StopSequences  []string        `json:"stop,omitempty"`
	SafetySettings []SafetySetting `json:"safety_settings,omitempty"`
	// ThinkingBudget of zero uses the provider default on thinking-capable
	// models; a negative value turns thinking off.
	ThinkingBudget int `json:"thinking_budget,omitempty"`
}

type GenerationOptions struct {
	ImageSize       string `json:"image_size,omitempty"`
	AspectRatio     string `json:"aspect_ratio,omitempty"`
	OutputFormat    string `json:"output_format,omitempty"`
	SafetyTolerance *int   `json:"safety_tolerance,omitempty"`
	NumImages       int    `json:"num_images,omitempty"`
}

// AiRequestContext is everything a builder needs for one provider call.
// It is treated as immutable; WithTurn returns an extended copy.
type AiRequestContext struct {
	ConversationID string
	Messages       []Message
	Model          Model
	Params         ModelParams
	System         string
	Generation     *GenerationOptions
	Tools          []PluginDefinition
}

func (c *AiRequestContext) WithTurn(msgs ...Message) *AiRequestContext {
	next := *c
	next.Messages = make([]Message, 0, len(c.Messages)+len(msgs))
	next.Messages = append(next.Messages, c.Messages...)
	next.Messages = append(next.Messages, msgs...)
	return &next
}

// LastUserText returns the text of the most recent user message.
func (c *AiRequestContext) LastUserText() string {
	for i := len(c.Messages) - 1; i >= 0; i-- {
		if c.Messages[i].Role == RoleUser {
			return c.Messages[i].Text
		}
	}
	return ""
}

type ResponseMode int

const (
	ModeSSE ResponseMode = iota
	ModeJSON
	ModePoll
)

type AiRequestPayload struct {
	Provider   string
	Model      string
	Method     string
	URL        string
	Header     http.Header
	Body       []byte
	Stream     bool
	Mode       ResponseMode
	AuthHeader string
	AuthPrefix string
	// PollField names the JSON field of the submit response that holds the result URL.
	PollField string
}

type ChunkType int

const (
	ChunkText ChunkType = iota
	ChunkThinking
	ChunkToolCall
	ChunkFinish
	ChunkUsage
)

func (t ChunkType) String() string {
	switch t {
	case ChunkText:
		return "text"
	case ChunkThinking:
		return "thinking"
	case ChunkToolCall:
		return "tool_call"
	case ChunkFinish:
		return "finish"
	case ChunkUsage:
		return "usage"
	default:
		return "unknown"
	}
}

type FinishReason string

const (
	FinishStop          FinishReason = "stop"
	FinishLength        FinishReason = "length"
	FinishToolCalls     FinishReason = "tool_calls"
	FinishContentFilter FinishReason = "content_filter"
	FinishError         FinishReason = "error"
)

type ToolCallDelta struct {
	ID             string
	Name           string
	ArgumentsDelta string
}

type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	Images       int `json:"images,omitempty"`
}

func (u Usage) IsZero() bool {
	return u.InputTokens == 0 && u.OutputTokens == 0 && u.Images == 0
}

// StreamChunk is one decoded stream event. Signature is only set on thinking
// chunks that close a signed thinking block.
type StreamChunk struct {
	Type         ChunkType
	Text         string
	Signature    string
	ToolCall     *ToolCallDelta
	FinishReason FinishReason
	Usage        *Usage
}

// IsContent reports whether the chunk carries user-visible output.
func (c StreamChunk) IsContent() bool {
	return c.Type == ChunkText || c.Type == ChunkThinking || c.Type == ChunkToolCall
}

type ProviderAPIKey struct {
	ID           string    `json:"id"`
	Provider     string    `json:"provider"`
	Secret       string    `json:"-"`
	DailyQuota   int       `json:"daily_quota"`
	UsedToday    int       `json:"used_today"`
	UsageDay     string    `json:"usage_day"`
	Active       bool      `json:"active"`
	RPM          int       `json:"rpm,omitempty"`
	LimitedUntil time.Time `json:"limited_until,omitempty"`
	LastUsed     time.Time `json:"last_used,omitempty"`
}

type ChatTokenUsage struct {
	SessionID    string    `json:"session_id"`
	InputTokens  int64     `json:"input_tokens"`
	OutputTokens int64     `json:"output_tokens"`
	CostUSD      float64   `json:"cost_usd"`
	UpdatedAt    time.Time `json:"updated_at"`
}

type PluginDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Schema      json.RawMessage `json:"schema"`
}

type PluginStatus int

const (
	PluginSucceeded PluginStatus = iota
	PluginFailed
)

type PluginResult struct {
	Status PluginStatus
	Output string
	Error  string
}

func PluginOK(output string) PluginResult {
	return PluginResult{Status: PluginSucceeded, Output: output}
}

func PluginError(msg string) PluginResult {
	return PluginResult{Status: PluginFailed, Error: msg}
}

func (r PluginResult) OK() bool {
	return r.Status == PluginSucceeded
}

// Content is what gets sent back to the model for this result.
func (r PluginResult) Content() string {
	if r.OK() {
		return r.Output
	}
	return r.Error
}
