package embed

import (
	"context"
	"crypto/sha256"
	"math"
)

// HashEncoder maps each text deterministically to a unit vector derived from
// its SHA-256 digest. No model, no network. Tests use it wherever real
// embeddings are irrelevant; identical texts always produce identical vectors.
type HashEncoder struct {
	dim int
}

// NewHash creates a HashEncoder producing vectors of the given dimension.
func NewHash(dim int) *HashEncoder {
	return &HashEncoder{dim: dim}
}

func (h *HashEncoder) Encode(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i] = h.vector(text)
	}
	return out, nil
}

func (h *HashEncoder) vector(text string) []float32 {
	sum := sha256.Sum256([]byte(text))
	vec := make([]float32, h.dim)
	var norm float64
	for i := range vec {
		// Re-hash the digest every 32 components to stretch it over dim.
		if i > 0 && i%32 == 0 {
			sum = sha256.Sum256(sum[:])
		}
		v := float64(sum[i%32])/127.5 - 1
		vec[i] = float32(v)
		norm += v * v
	}
	if norm == 0 {
		vec[0] = 1
		return vec
	}
	scale := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= scale
	}
	return vec
}

func (h *HashEncoder) Dim() int { return h.dim }

func (h *HashEncoder) BatchSizeHint() int { return 256 }
