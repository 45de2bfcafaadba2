// Package embed defines the text encoder capability used by the enricher and
// the search path, with an Ollama-backed implementation and a deterministic
// offline encoder for tests.
package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Encoder turns batches of text into fixed-dimension vectors. Implementations
// must be deterministic for a given input text and model.
type Encoder interface {
	Encode(ctx context.Context, texts []string) ([][]float32, error)
	Dim() int
	// BatchSizeHint is the largest batch the encoder handles comfortably.
	// Callers chunk larger inputs.
	BatchSizeHint() int
}

// OllamaEncoder implements Encoder using Ollama's HTTP embeddings API.
type OllamaEncoder struct {
	baseURL string
	model   string
	dim     int
	client  *http.Client
}

// NewOllama creates an encoder backed by an Ollama server.
func NewOllama(baseURL, model string, dim int) *OllamaEncoder {
	return &OllamaEncoder{
		baseURL: baseURL,
		model:   model,
		dim:     dim,
		client:  &http.Client{Timeout: 60 * time.Second},
	}
}

type ollamaEmbedReq struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaEmbedResp struct {
	Embedding []float64 `json:"embedding"`
}

func (e *OllamaEncoder) embed(ctx context.Context, text string) ([]float32, error) {
	body, _ := json.Marshal(ollamaEmbedReq{Model: e.model, Prompt: text})
	req, err := http.NewRequestWithContext(ctx, "POST", e.baseURL+"/api/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ollama embed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		return nil, fmt.Errorf("ollama embed: status %d", resp.StatusCode)
	}

	var result ollamaEmbedResp
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("ollama embed decode: %w", err)
	}

	out := make([]float32, len(result.Embedding))
	for i, v := range result.Embedding {
		out[i] = float32(v)
	}
	return out, nil
}

// Encode embeds each text in order. Ollama's endpoint takes one prompt per
// call, so a batch is a sequence of requests.
func (e *OllamaEncoder) Encode(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := e.embed(ctx, text)
		if err != nil {
			return nil, fmt.Errorf("embed [%d]: %w", i, err)
		}
		if len(vec) != e.dim {
			return nil, fmt.Errorf("embed [%d]: model returned %d dims, want %d", i, len(vec), e.dim)
		}
		out[i] = vec
	}
	return out, nil
}

func (e *OllamaEncoder) Dim() int { return e.dim }

func (e *OllamaEncoder) BatchSizeHint() int { return 64 }
