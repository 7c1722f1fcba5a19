// Package ranking turns a query plus metadata filters into a deterministic
// top-k selection of approved content.
package ranking

import (
	"context"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/campaign-agent/backend/internal/agents"
	"github.com/campaign-agent/backend/internal/metrics"
	"github.com/campaign-agent/backend/internal/storage/models"
	"github.com/campaign-agent/backend/internal/vector"
	"github.com/campaign-agent/backend/pkg/apperr"
	"github.com/campaign-agent/backend/pkg/logger"
)

const MaxTopK = 10

type Engine struct {
	embedder  agents.Embedder
	index     vector.Index
	threshold float64
}

func NewEngine(embedder agents.Embedder, index vector.Index, threshold float64) *Engine {
	return &Engine{
		embedder:  embedder,
		index:     index,
		threshold: threshold,
	}
}

func (e *Engine) Threshold() float64 {
	return e.threshold
}

// Search embeds query and returns at most topK approved items matching
// filter whose similarity clears the threshold. No match is an empty slice.
func (e *Engine) Search(ctx context.Context, query string, filter models.ContentFilter, topK int) ([]models.ScoredContent, error) {
	start := time.Now()

	if strings.TrimSpace(query) == "" {
		return nil, apperr.Validation("query must not be empty")
	}
	if topK < 1 || topK > MaxTopK {
		return nil, apperr.Validation("top_k must be between 1 and %d, got %d", MaxTopK, topK)
	}

	queryVec, err := e.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}
	if err := vector.CheckDimension(queryVec, e.index.Dimension()); err != nil {
		return nil, err
	}

	candidates, err := e.index.Candidates(ctx, filter)
	if err != nil {
		return nil, err
	}

	results := Rank(queryVec, candidates, filter, e.threshold, topK)

	metrics.SearchDuration.Observe(time.Since(start).Seconds())
	metrics.SearchResultsCount.Observe(float64(len(results)))

	logger.Debug("Content search completed",
		zap.String("query", query),
		zap.Int("candidates", len(candidates)),
		zap.Int("results", len(results)),
		zap.Duration("took", time.Since(start)),
	)

	return results, nil
}

// Rank applies filter, then threshold, then orders by score descending with
// ties broken by newest created date and then ascending id.
func Rank(queryVec []float32, candidates []models.ContentItem, filter models.ContentFilter, threshold float64, topK int) []models.ScoredContent {
	scored := make([]models.ScoredContent, 0, len(candidates))
	for _, item := range candidates {
		if !filter.Matches(item) {
			continue
		}
		score := vector.Cosine(queryVec, item.Embedding)
		if score < threshold {
			continue
		}
		scored = append(scored, models.ScoredContent{Item: item, Score: score})
	}

	sort.Slice(scored, func(i, j int) bool {
		a, b := scored[i], scored[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if !a.Item.Metadata.CreatedAt.Equal(b.Item.Metadata.CreatedAt) {
			return a.Item.Metadata.CreatedAt.After(b.Item.Metadata.CreatedAt)
		}
		return a.Item.ID < b.Item.ID
	})

	if len(scored) > topK {
		scored = scored[:topK]
	}
	return scored
}
