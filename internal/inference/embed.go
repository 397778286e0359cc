package inference

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/framesight/framesight/internal/config"
	"github.com/framesight/framesight/internal/secrets"
)

// Embedder produces fixed-dimension embeddings for text and frame images.
// Image inputs always go through the managed multimodal embedding model;
// text goes through the gateway's embedding route when the gateway is
// enabled.
type Embedder struct {
	managed        *ManagedClient
	gateway        *GatewayClient
	gatewayEnabled bool
	model          string
	dimension      int
}

// NewEmbedder builds an Embedder from the inference configuration.
func NewEmbedder(cfg config.InferenceConfig, sec secrets.Store) *Embedder {
	return &Embedder{
		managed:        NewManagedClient(cfg.ManagedBaseURL),
		gateway:        NewGatewayClient(cfg.GatewayBaseURL, sec),
		gatewayEnabled: cfg.GatewayEnabled,
		model:          cfg.EmbedModel,
		dimension:      cfg.EmbedDimension,
	}
}

// Dimension is the length of every vector this Embedder produces.
func (e *Embedder) Dimension() int { return e.dimension }

type embedRequest struct {
	InputText  string `json:"inputText,omitempty"`
	InputImage string `json:"inputImage,omitempty"`
	Config     struct {
		OutputEmbeddingLength int `json:"outputEmbeddingLength"`
	} `json:"embeddingConfig"`
}

type embedResponse struct {
	Embedding []float32 `json:"embedding"`
}

func (e *Embedder) managedEmbed(ctx context.Context, req embedRequest) ([]float32, error) {
	req.Config.OutputEmbeddingLength = e.dimension

	var out embedResponse
	url := fmt.Sprintf("%s/model/%s/embed", e.managed.baseURL, e.model)
	if err := e.managed.post(ctx, url, req, &out); err != nil {
		return nil, err
	}
	if len(out.Embedding) != e.dimension {
		return nil, fmt.Errorf("embedding has %d dimensions, want %d", len(out.Embedding), e.dimension)
	}
	return out.Embedding, nil
}

// EmbedText embeds a text passage.
func (e *Embedder) EmbedText(ctx context.Context, text string) ([]float32, error) {
	if e.gatewayEnabled {
		vec, err := e.gateway.EmbedText(ctx, e.model, text)
		if err != nil {
			return nil, err
		}
		if len(vec) != e.dimension {
			return nil, fmt.Errorf("embedding has %d dimensions, want %d", len(vec), e.dimension)
		}
		return vec, nil
	}
	return e.managedEmbed(ctx, embedRequest{InputText: text})
}

// EmbedImage embeds a frame image, optionally conditioned on a caption.
func (e *Embedder) EmbedImage(ctx context.Context, image []byte, caption string) ([]float32, error) {
	return e.managedEmbed(ctx, embedRequest{
		InputText:  caption,
		InputImage: base64.StdEncoding.EncodeToString(image),
	})
}
