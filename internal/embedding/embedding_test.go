package embedding

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHashEmbedderDeterministic(t *testing.T) {
	e := NewHashEmbedder(32)
	a, err := e.Embed(context.Background(), "always validate input")
	require.NoError(t, err)
	b, err := e.Embed(context.Background(), "always validate input")
	require.NoError(t, err)
	require.Equal(t, a, b)
	require.Len(t, a, 32)
}

func TestHashEmbedderDiffersByText(t *testing.T) {
	e := NewHashEmbedder(32)
	a, _ := e.Embed(context.Background(), "alpha")
	b, _ := e.Embed(context.Background(), "beta")
	require.NotEqual(t, a, b)
}

func TestCosineSimilaritySelf(t *testing.T) {
	e := NewHashEmbedder(16)
	v, _ := e.Embed(context.Background(), "database transactions")
	require.InDelta(t, 1.0, CosineSimilarity(v, v), 1e-6)
}

func TestCosineSimilarityMismatchedLength(t *testing.T) {
	require.Equal(t, 0.0, CosineSimilarity([]float32{1, 2}, []float32{1, 2, 3}))
}
