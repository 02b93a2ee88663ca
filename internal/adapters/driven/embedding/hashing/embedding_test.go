package hashing

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func TestEmbed_Deterministic(t *testing.T) {
	s := NewEmbeddingService(64)
	a, err := s.Embed(context.Background(), "Reset your password")
	require.NoError(t, err)
	b, err := s.Embed(context.Background(), "reset  YOUR password!")
	require.NoError(t, err)

	assert.Len(t, a, 64)
	assert.Equal(t, a, b)
}

func TestEmbed_SimilarTextsAreCloser(t *testing.T) {
	s := NewEmbeddingService(0)
	ctx := context.Background()
	vecs, err := s.EmbedBatch(ctx, []string{
		"как пополнить баланс",
		"пополнение баланса через терминал",
		"безопасность платежных данных",
	})
	require.NoError(t, err)

	near := cosine(vecs[0], vecs[1])
	far := cosine(vecs[0], vecs[2])
	assert.Greater(t, near, far)
}

func TestEmbed_EmptyTextIsZero(t *testing.T) {
	s := NewEmbeddingService(8)
	v, err := s.Embed(context.Background(), " ... ")
	require.NoError(t, err)
	assert.Equal(t, make([]float32, 8), v)
}

func TestEmbed_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewEmbeddingService(8).EmbedBatch(ctx, []string{"x"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMetadata(t *testing.T) {
	s := NewEmbeddingService(0)
	assert.Equal(t, DefaultDimensions, s.Dimensions())
	assert.Equal(t, ModelName, s.ModelName())
	assert.NoError(t, s.Ping(context.Background()))
	assert.NoError(t, s.Close())
}
