package stream

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/felipepmaragno/chat-gateway/internal/domain"
)

// Flux decodes the final poll result of an image generation request.
type Flux struct{}

func (Flux) Parse(ctx context.Context, r io.Reader) (<-chan domain.StreamChunk, <-chan error) {
	return runBody(ctx, "flux", r, decodeFlux)
}

func decodeFlux(body []byte) ([]domain.StreamChunk, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("flux result: %w", errMalformed)
	}
	res := gjson.ParseBytes(body)

	switch status := res.Get("status").String(); status {
	case "Ready":
		url := res.Get("result.sample").String()
		if url == "" {
			return nil, fmt.Errorf("flux result without sample: %w", errMalformed)
		}
		return []domain.StreamChunk{
			textChunk(domain.ChunkText, imageMarkdown(url)),
			usageChunk(domain.Usage{Images: 1}),
			finishChunk(domain.FinishStop),
		}, nil
	case "Content Moderated", "Request Moderated":
		return []domain.StreamChunk{finishChunk(domain.FinishContentFilter)}, nil
	default:
		return nil, &domain.ProviderError{
			Provider: "flux",
			Kind:     domain.KindValidation,
			Message:  fmt.Sprintf("generation ended with status %q", status),
		}
	}
}

// Imagen decodes a :predict response.
type Imagen struct{}

func (Imagen) Parse(ctx context.Context, r io.Reader) (<-chan domain.StreamChunk, <-chan error) {
	return runBody(ctx, "imagen", r, decodeImagen)
}

func decodeImagen(body []byte) ([]domain.StreamChunk, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("imagen result: %w", errMalformed)
	}

	var out []domain.StreamChunk
	images := 0
	for _, p := range gjson.GetBytes(body, "predictions").Array() {
		data := p.Get("bytesBase64Encoded").String()
		if data == "" {
			continue
		}
		mime := p.Get("mimeType").String()
		if mime == "" {
			mime = "image/png"
		}
		out = append(out, textChunk(domain.ChunkText, imageMarkdown("data:"+mime+";base64,"+data)))
		images++
	}

	if images == 0 {
		return []domain.StreamChunk{finishChunk(domain.FinishContentFilter)}, nil
	}
	return append(out, usageChunk(domain.Usage{Images: images}), finishChunk(domain.FinishStop)), nil
}

func imageMarkdown(src string) string {
	return "![image](" + strings.TrimSpace(src) + ")\n"
}
