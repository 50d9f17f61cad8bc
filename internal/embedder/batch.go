package embedder

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"

	"github.com/54b3r/codeqa-go/internal/rag"
)

// BatchConfig controls how a Batched embedder splits and paces requests.
type BatchConfig struct {
	// BatchSize is the maximum number of texts per backend call (<= 0 = no split).
	BatchSize int

	// RequestsPerSecond caps backend calls per second (<= 0 = unlimited).
	RequestsPerSecond float64
}

// Batched wraps a rag.Embedder, splitting large inputs into fixed-size
// batches and waiting on a token bucket before each backend call. It is safe
// for concurrent use when the wrapped embedder is.
type Batched struct {
	// inner performs the actual embedding calls.
	inner rag.Embedder

	// size is the maximum number of texts per call.
	size int

	// limiter paces calls; nil means unlimited.
	limiter *rate.Limiter
}

// NewBatched constructs a Batched embedder around inner.
func NewBatched(inner rag.Embedder, cfg *BatchConfig) *Batched {
	b := &Batched{inner: inner, size: cfg.BatchSize}
	if cfg.RequestsPerSecond > 0 {
		b.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	return b
}

// Embed embeds texts batch by batch and returns the concatenated results,
// parallel to texts.
func (b *Batched) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	size := b.size
	if size <= 0 || size > len(texts) {
		size = len(texts)
	}

	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += size {
		end := min(start+size, len(texts))

		if b.limiter != nil {
			if err := b.limiter.Wait(ctx); err != nil {
				return nil, fmt.Errorf("embedder: rate limit wait: %w", err)
			}
		}

		vecs, err := b.inner.Embed(ctx, texts[start:end])
		if err != nil {
			return nil, fmt.Errorf("embedder: batch %d-%d: %w", start, end, err)
		}
		if len(vecs) != end-start {
			return nil, fmt.Errorf("embedder: batch %d-%d: expected %d embeddings, got %d", start, end, end-start, len(vecs))
		}
		out = append(out, vecs...)
	}
	return out, nil
}
