package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/campaign-agent/backend/internal/storage/models"
	"github.com/campaign-agent/backend/internal/vector"
	"github.com/campaign-agent/backend/pkg/apperr"
)

// Index is an in-process Embedding Index guarded by a RWMutex. Items are
// kept in identifier order so scans are deterministic.
type Index struct {
	mu        sync.RWMutex
	dimension int
	items     map[string]models.ContentItem
	order     []string
}

func NewIndex(dimension int) *Index {
	return &Index{
		dimension: dimension,
		items:     make(map[string]models.ContentItem),
	}
}

func (x *Index) Dimension() int {
	return x.dimension
}

func (x *Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.items)
}

// Upsert adds items. Re-adding an identifier is allowed only for an
// identical embedding, since stored items never change. A batch is applied
// whole or not at all.
func (x *Index) Upsert(_ context.Context, items []models.ContentItem) error {
	batch := make(map[string][]float32, len(items))
	for _, item := range items {
		if item.ID == "" {
			return apperr.Validation("content item without id")
		}
		if err := vector.CheckDimension(item.Embedding, x.dimension); err != nil {
			return err
		}
		if prev, ok := batch[item.ID]; ok && !sameVector(prev, item.Embedding) {
			return apperr.Validation("content item %s appears twice with different embeddings", item.ID)
		}
		batch[item.ID] = item.Embedding
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	for _, item := range items {
		if existing, ok := x.items[item.ID]; ok && !sameVector(existing.Embedding, item.Embedding) {
			return apperr.Validation("content item %s is immutable", item.ID)
		}
	}

	for _, item := range items {
		if _, ok := x.items[item.ID]; ok {
			continue
		}
		x.items[item.ID] = item
		x.order = append(x.order, item.ID)
	}
	sort.Strings(x.order)
	return nil
}

func (x *Index) Candidates(_ context.Context, filter models.ContentFilter) ([]models.ContentItem, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()

	out := make([]models.ContentItem, 0, len(x.order))
	for _, id := range x.order {
		item := x.items[id]
		if filter.Matches(item) {
			out = append(out, item)
		}
	}
	return out, nil
}

func (x *Index) Get(id string) (models.ContentItem, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	item, ok := x.items[id]
	return item, ok
}

func sameVector(a, b []float32) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
