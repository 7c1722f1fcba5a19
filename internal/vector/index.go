// Package vector holds the Embedding Index contract shared by the in-process
// and Milvus-backed stores.
package vector

import (
	"context"
	"math"

	"github.com/campaign-agent/backend/internal/storage/models"
	"github.com/campaign-agent/backend/pkg/apperr"
)

// Index stores content items with their embeddings. Candidates returns every
// stored item that satisfies filter; scoring is left to the caller.
type Index interface {
	Upsert(ctx context.Context, items []models.ContentItem) error
	Candidates(ctx context.Context, filter models.ContentFilter) ([]models.ContentItem, error)
	Dimension() int
}

// Cosine returns the cosine similarity of a and b, or 0 when either vector
// has zero norm or the lengths differ.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		normA += x * x
		normB += y * y
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

func CheckDimension(vec []float32, dim int) error {
	if len(vec) != dim {
		return apperr.Validation("embedding has dimension %d, index expects %d", len(vec), dim)
	}
	return nil
}
