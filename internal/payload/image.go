package payload

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/felipepmaragno/chat-gateway/internal/domain"
)

const (
	fluxMaxTolerance  = 6
	fluxDefaultSide   = 1024
	imagenMaxSamples  = 4
	defaultImageMedia = "png"
)

type Flux struct {
	baseURL string
}

func NewFlux(baseURL string) *Flux {
	return &Flux{baseURL: baseURL}
}

func (b *Flux) Provider() string { return "flux" }

type fluxRequest struct {
	Prompt          string `json:"prompt"`
	Width           int    `json:"width,omitempty"`
	Height          int    `json:"height,omitempty"`
	AspectRatio     string `json:"aspect_ratio,omitempty"`
	OutputFormat    string `json:"output_format"`
	SafetyTolerance int    `json:"safety_tolerance"`
}

func (b *Flux) Build(rc *domain.AiRequestContext, _ []domain.PluginDefinition) (*domain.AiRequestPayload, error) {
	prompt, err := imagePrompt(rc)
	if err != nil {
		return nil, err
	}

	gen := generation(rc)
	req := fluxRequest{
		Prompt:          prompt,
		AspectRatio:     gen.AspectRatio,
		OutputFormat:    outputFormat(gen.OutputFormat, "jpeg"),
		SafetyTolerance: 2,
	}
	if gen.SafetyTolerance != nil {
		req.SafetyTolerance = clampInt(*gen.SafetyTolerance, 0, fluxMaxTolerance)
	}
	if req.AspectRatio == "" {
		req.Width, req.Height = parseImageSize(gen.ImageSize)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal flux request: %w", err)
	}

	model := upstream(rc.Model)
	p := newPayload("flux", model, b.baseURL+"/"+model, body)
	p.Mode = domain.ModePoll
	p.PollField = "polling_url"
	p.AuthHeader = "x-key"
	return p, nil
}

type Imagen struct {
	baseURL string
}

func NewImagen(baseURL string) *Imagen {
	return &Imagen{baseURL: baseURL}
}

func (b *Imagen) Provider() string { return "imagen" }

type imagenRequest struct {
	Instances  []imagenInstance `json:"instances"`
	Parameters imagenParameters `json:"parameters"`
}

type imagenInstance struct {
	Prompt string `json:"prompt"`
}

type imagenParameters struct {
	SampleCount   int                 `json:"sampleCount"`
	AspectRatio   string              `json:"aspectRatio,omitempty"`
	OutputOptions imagenOutputOptions `json:"outputOptions"`
}

type imagenOutputOptions struct {
	MimeType string `json:"mimeType"`
}

func (b *Imagen) Build(rc *domain.AiRequestContext, _ []domain.PluginDefinition) (*domain.AiRequestPayload, error) {
	prompt, err := imagePrompt(rc)
	if err != nil {
		return nil, err
	}

	gen := generation(rc)
	req := imagenRequest{
		Instances: []imagenInstance{{Prompt: prompt}},
		Parameters: imagenParameters{
			SampleCount:   clampInt(gen.NumImages, 1, imagenMaxSamples),
			AspectRatio:   gen.AspectRatio,
			OutputOptions: imagenOutputOptions{MimeType: "image/" + outputFormat(gen.OutputFormat, defaultImageMedia)},
		},
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal imagen request: %w", err)
	}

	model := upstream(rc.Model)
	url := fmt.Sprintf("%s/models/%s:predict", b.baseURL, model)
	p := newPayload("imagen", model, url, body)
	p.Mode = domain.ModeJSON
	p.AuthHeader = "x-goog-api-key"
	return p, nil
}

func imagePrompt(rc *domain.AiRequestContext) (string, error) {
	if err := validate(rc); err != nil {
		return "", err
	}
	prompt := strings.TrimSpace(rc.LastUserText())
	if prompt == "" {
		return "", fmt.Errorf("build: empty image prompt: %w", domain.ErrInvalidRequest)
	}
	return prompt, nil
}

func generation(rc *domain.AiRequestContext) domain.GenerationOptions {
	if rc.Generation == nil {
		return domain.GenerationOptions{}
	}
	return *rc.Generation
}

func outputFormat(format, fallback string) string {
	switch f := strings.ToLower(format); f {
	case "png", "jpeg", "webp":
		return f
	case "jpg":
		return "jpeg"
	}
	return fallback
}

// parseImageSize accepts "WIDTHxHEIGHT"; anything else yields a square default.
func parseImageSize(size string) (int, int) {
	w, h, ok := strings.Cut(strings.ToLower(size), "x")
	if !ok {
		return fluxDefaultSide, fluxDefaultSide
	}
	width, err1 := strconv.Atoi(strings.TrimSpace(w))
	height, err2 := strconv.Atoi(strings.TrimSpace(h))
	if err1 != nil || err2 != nil || width <= 0 || height <= 0 {
		return fluxDefaultSide, fluxDefaultSide
	}
	return width, height
}
