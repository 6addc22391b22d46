package cached_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/awarenet/relmem-go/pkg/embedder/cached"
)

// countingEmbedder returns a fixed vector per text and counts upstream
// calls.
type countingEmbedder struct {
	embedCalls int
	batchCalls int
	err        error
	closed     bool
}

func vectorFor(text string) []float64 {
	return []float64{float64(len(text)), 0, 0}
}

func (c *countingEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	c.embedCalls++
	if c.err != nil {
		return nil, c.err
	}
	return vectorFor(text), nil
}

func (c *countingEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float64, error) {
	c.batchCalls++
	if c.err != nil {
		return nil, c.err
	}
	out := make([][]float64, len(texts))
	for i, text := range texts {
		out[i] = vectorFor(text)
	}
	return out, nil
}

func (c *countingEmbedder) Dimensions() int { return 3 }

func (c *countingEmbedder) Close() error {
	c.closed = true
	return nil
}

func TestEmbedRepeatReturnsIdenticalVector(t *testing.T) {
	inner := &countingEmbedder{}
	provider, err := cached.New(inner, 100)
	require.NoError(t, err)
	defer provider.Close()

	ctx := context.Background()
	first, err := provider.Embed(ctx, "the gateway fronts the api")
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		again, err := provider.Embed(ctx, "the gateway fronts the api")
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
	// Upstream traffic never exceeds the number of distinct texts plus
	// whatever the admission policy declined to keep.
	assert.LessOrEqual(t, inner.embedCalls, 11)
	assert.GreaterOrEqual(t, inner.embedCalls, 1)
}

func TestEmbedBatchPreservesOrder(t *testing.T) {
	inner := &countingEmbedder{}
	provider, err := cached.New(inner, 100)
	require.NoError(t, err)
	defer provider.Close()

	texts := []string{"alpha", "bb", "ccc", "dddd"}
	vectors, err := provider.EmbedBatch(context.Background(), texts)
	require.NoError(t, err)
	require.Len(t, vectors, len(texts))
	for i, text := range texts {
		assert.Equal(t, vectorFor(text), vectors[i])
	}
	assert.Equal(t, 1, inner.batchCalls)
}

func TestEmbedPropagatesUpstreamError(t *testing.T) {
	inner := &countingEmbedder{err: errors.New("quota exceeded")}
	provider, err := cached.New(inner, 100)
	require.NoError(t, err)
	defer provider.Close()

	_, err = provider.Embed(context.Background(), "anything")
	assert.Error(t, err)
	_, err = provider.EmbedBatch(context.Background(), []string{"anything"})
	assert.Error(t, err)
}

func TestDimensionsAndClosePassThrough(t *testing.T) {
	inner := &countingEmbedder{}
	provider, err := cached.New(inner, 0)
	require.NoError(t, err)

	assert.Equal(t, 3, provider.Dimensions())
	require.NoError(t, provider.Close())
	assert.True(t, inner.closed)
}
