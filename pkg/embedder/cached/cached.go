// Package cached wraps an embedder.Provider with a read-through cache,
// so re-embedding the same content (retrieval queries, idempotent
// writes) skips the API round trip.
package cached

import (
	"context"

	"github.com/dgraph-io/ristretto"

	"github.com/awarenet/relmem-go/pkg/embedder"
)

// Provider is a caching decorator around another embedder.Provider.
type Provider struct {
	inner embedder.Provider
	cache *ristretto.Cache
}

// New wraps inner with a cache sized for roughly maxEntries vectors.
// A maxEntries of 0 defaults to 10000.
func New(inner embedder.Provider, maxEntries int64) (*Provider, error) {
	if maxEntries <= 0 {
		maxEntries = 10000
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: maxEntries * 10,
		MaxCost:     maxEntries,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &Provider{inner: inner, cache: cache}, nil
}

// Embed returns the cached vector for text, or embeds and caches it.
func (p *Provider) Embed(ctx context.Context, text string) ([]float64, error) {
	if v, ok := p.cache.Get(text); ok {
		return v.([]float64), nil
	}

	vec, err := p.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	p.cache.Set(text, vec, 1)
	return vec, nil
}

// EmbedBatch serves cached entries and batches the misses into one
// upstream call, preserving input order.
func (p *Provider) EmbedBatch(ctx context.Context, texts []string) ([][]float64, error) {
	vectors := make([][]float64, len(texts))

	var missed []string
	var missedIdx []int
	for i, text := range texts {
		if v, ok := p.cache.Get(text); ok {
			vectors[i] = v.([]float64)
			continue
		}
		missed = append(missed, text)
		missedIdx = append(missedIdx, i)
	}
	if len(missed) == 0 {
		return vectors, nil
	}

	fresh, err := p.inner.EmbedBatch(ctx, missed)
	if err != nil {
		return nil, err
	}
	for i, vec := range fresh {
		vectors[missedIdx[i]] = vec
		p.cache.Set(missed[i], vec, 1)
	}
	return vectors, nil
}

// Dimensions reports the wrapped provider's vector width.
func (p *Provider) Dimensions() int {
	return p.inner.Dimensions()
}

// Close releases the cache and the wrapped provider.
func (p *Provider) Close() error {
	p.cache.Close()
	return p.inner.Close()
}
