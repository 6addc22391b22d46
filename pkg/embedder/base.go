// Package embedder converts memory content into the dense vectors the
// retrieval pipeline searches over.
package embedder

import "context"

// Provider is the contract for embedding backends.
//
// Implementations must be safe for concurrent use; the write path and
// the retrieval path embed from separate goroutines.
type Provider interface {
	// Embed converts one text into its embedding vector.
	Embed(ctx context.Context, text string) ([]float64, error)

	// EmbedBatch converts several texts in one round trip. The result
	// preserves input order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float64, error)

	// Dimensions reports the width of vectors this provider produces.
	// All memories in one deployment share a single dimension; a store
	// rejects mismatched vectors rather than silently padding them.
	Dimensions() int

	// Close releases provider resources.
	Close() error
}
