// Package embedding provides the optional vector-embedding adapter
// (spec §2, "Embedding adapter (optional)") used by internal/advisor's
// semantic-candidate path. Embedding model choice is explicitly out of
// scope (spec.md §1), so the only implementation this package ships is
// a deterministic, dependency-free default adapted from
// internal/embeddings/mock_embedder.go's hash-seeded-rand approach —
// good enough to drive cosine similarity over short advice/insight
// text without calling out to a real model.
package embedding

import (
	"context"
	"math"
	"math/rand"
	"strings"
)

// Embedder generates vector embeddings from text, mirroring the
// teacher's internal/embeddings.Embedder interface shape trimmed to
// what the advisor needs.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimension() int
}

// HashEmbedder is a deterministic, API-free embedder: it lower-cases
// the text, draws one PRNG vector per word from a hash of that word,
// and returns the normalized sum, so the same text always maps to the
// same vector and texts that share words have positive cosine
// similarity. It is not a real semantic
// embedding — it exists so the advisor's vector-index plumbing has a
// default to run against when no real embedding model is configured.
type HashEmbedder struct {
	dimension int
}

// NewHashEmbedder creates a HashEmbedder with the given vector
// dimension (128 is plenty for the advisor's similarity use).
func NewHashEmbedder(dimension int) *HashEmbedder {
	if dimension <= 0 {
		dimension = 128
	}
	return &HashEmbedder{dimension: dimension}
}

func (h *HashEmbedder) Dimension() int { return h.dimension }

// Embed returns a deterministic unit vector for text.
func (h *HashEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	sums := make([]float64, h.dimension)
	words := strings.Fields(strings.ToLower(text))
	if len(words) == 0 {
		words = []string{text}
	}
	for _, w := range words {
		var seed int64
		for _, r := range w {
			seed = seed*31 + int64(r)
		}
		rng := rand.New(rand.NewSource(seed))
		for i := range sums {
			sums[i] += rng.Float64()*2 - 1
		}
	}

	vec := make([]float32, h.dimension)
	var sumSquares float64
	for _, v := range sums {
		sumSquares += v * v
	}
	norm := math.Sqrt(sumSquares)
	if norm > 0 {
		for i := range vec {
			vec[i] = float32(sums[i] / norm)
		}
	}
	return vec, nil
}

// CosineSimilarity returns the cosine similarity of two equal-length
// vectors, clamped to [0,1] (negative similarity is treated as no
// similarity for the advisor's ranking purposes).
func CosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	sim := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	if sim < 0 {
		return 0
	}
	if sim > 1 {
		return 1
	}
	return sim
}
