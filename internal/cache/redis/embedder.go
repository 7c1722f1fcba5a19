package redis

import (
	"context"

	"go.uber.org/zap"

	"github.com/campaign-agent/backend/internal/agents"
	"github.com/campaign-agent/backend/internal/metrics"
	"github.com/campaign-agent/backend/pkg/logger"
	"github.com/campaign-agent/backend/pkg/utils"
)

type EmbeddingCache interface {
	GetEmbedding(ctx context.Context, textHash string) ([]float32, bool, error)
	SetEmbedding(ctx context.Context, textHash string, embedding []float32) error
}

// CachedEmbedder serves repeated texts from the cache. Cache failures are
// logged and never fail the embedding.
type CachedEmbedder struct {
	inner agents.Embedder
	cache EmbeddingCache
}

func NewCachedEmbedder(inner agents.Embedder, cache EmbeddingCache) *CachedEmbedder {
	return &CachedEmbedder{inner: inner, cache: cache}
}

func (c *CachedEmbedder) Dimension() int {
	return c.inner.Dimension()
}

func (c *CachedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	key := utils.HashString(text)

	cached, ok, err := c.cache.GetEmbedding(ctx, key)
	if err != nil {
		logger.Warn("Embedding cache read failed", zap.Error(err))
	}
	if ok && len(cached) == c.inner.Dimension() {
		metrics.CacheHits.WithLabelValues("embedding").Inc()
		return cached, nil
	}
	metrics.CacheMisses.WithLabelValues("embedding").Inc()

	embedding, err := c.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}

	if err := c.cache.SetEmbedding(ctx, key, embedding); err != nil {
		logger.Warn("Embedding cache write failed", zap.Error(err))
	}
	return embedding, nil
}

var _ agents.Embedder = (*CachedEmbedder)(nil)
