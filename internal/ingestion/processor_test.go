package ingestion

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/campaign-agent/backend/internal/agents/stub"
	"github.com/campaign-agent/backend/internal/storage/models"
	"github.com/campaign-agent/backend/internal/vector/memory"
	"github.com/campaign-agent/backend/pkg/apperr"
)

type memStore struct {
	items []models.ContentItem
	err   error
	// failAt fails the nth insert of a batch (1-based).
	failAt int
}

func (m *memStore) InsertContentBatch(ctx context.Context, items []models.ContentItem, beforeCommit func(context.Context) error) error {
	if m.err != nil {
		return m.err
	}
	pending := make([]models.ContentItem, 0, len(items))
	for i, item := range items {
		if m.failAt == i+1 {
			return errors.New("constraint failed")
		}
		pending = append(pending, item)
	}
	if err := beforeCommit(ctx); err != nil {
		return err
	}
	m.items = append(m.items, pending...)
	return nil
}

func (m *memStore) AllContent(context.Context) ([]models.ContentItem, error) {
	return m.items, m.err
}

func newProcessor(store Store, dim int) (*Processor, *memory.Index) {
	index := memory.NewIndex(dim)
	p := NewProcessor(store, index, stub.NewHashEmbedder(dim))
	p.now = func() time.Time { return time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC) }
	return p, index
}

func TestIngestStoresAndIndexes(t *testing.T) {
	store := &memStore{}
	p, index := newProcessor(store, 16)

	items, err := p.Ingest(context.Background(), []ContentInput{{
		Title:       "Summer Sale Email Template",
		Content:     "<html><body><script>x()</script><p>Save   big</p><p>this summer</p></body></html>",
		ContentType: "email",
		Audience:    "B2B",
		Tags:        []string{"summer", " ", "sale"},
	}})
	require.NoError(t, err)
	require.Len(t, items, 1)

	item := items[0]
	assert.NotEmpty(t, item.ID)
	assert.Equal(t, "Save big this summer", item.Body)
	assert.Equal(t, models.ComplianceApproved, item.Metadata.ComplianceStatus)
	assert.Equal(t, []string{"summer", "sale"}, item.Metadata.Tags)
	assert.Len(t, item.Embedding, 16)

	want, err := stub.NewHashEmbedder(16).Embed(context.Background(), item.Title+" "+item.Body)
	require.NoError(t, err)
	assert.Equal(t, want, item.Embedding)

	assert.Len(t, store.items, 1)
	assert.Equal(t, 1, index.Len())
}

func TestIngestRejectsInvalidBatch(t *testing.T) {
	store := &memStore{}
	p, index := newProcessor(store, 8)

	_, err := p.Ingest(context.Background(), []ContentInput{
		{Title: "ok", Content: "fine", ContentType: "email"},
		{Title: "", Content: "missing title", ContentType: "email"},
	})
	assert.True(t, apperr.IsValidation(err))
	assert.Empty(t, store.items)
	assert.Equal(t, 0, index.Len())

	_, err = p.Ingest(context.Background(), []ContentInput{
		{Title: "t", Content: "c", ContentType: "email", ComplianceStatus: "maybe"},
	})
	assert.True(t, apperr.IsValidation(err))

	_, err = p.Ingest(context.Background(), nil)
	assert.True(t, apperr.IsValidation(err))
}

func TestIngestDimensionMismatch(t *testing.T) {
	index := memory.NewIndex(8)
	p := NewProcessor(&memStore{}, index, stub.NewHashEmbedder(4))

	_, err := p.Ingest(context.Background(), []ContentInput{{Title: "t", Content: "c", ContentType: "email"}})
	assert.True(t, apperr.IsValidation(err))
}

func TestHydrate(t *testing.T) {
	store := &memStore{}
	p, _ := newProcessor(store, 8)
	_, err := p.Ingest(context.Background(), []ContentInput{
		{Title: "a", Content: "first", ContentType: "email"},
		{Title: "b", Content: "second", ContentType: "social"},
	})
	require.NoError(t, err)

	fresh, index := newProcessor(store, 8)
	n, err := fresh.Hydrate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, index.Len())

	broken, _ := newProcessor(&memStore{err: errors.New("disk")}, 8)
	_, err = broken.Hydrate(context.Background())
	assert.Error(t, err)
}

func TestIngestFailedWriteLeavesNothingBehind(t *testing.T) {
	inputs := []ContentInput{
		{Title: "a", Content: "first", ContentType: "email"},
		{Title: "b", Content: "second", ContentType: "email"},
	}

	store := &memStore{failAt: 2}
	p, index := newProcessor(store, 8)
	_, err := p.Ingest(context.Background(), inputs)
	require.Error(t, err)
	assert.Empty(t, store.items)
	assert.Equal(t, 0, index.Len())

	// An index rejection rolls the store write back too.
	store = &memStore{}
	p, index = newProcessor(store, 8)
	p.index = rejectingIndex{index}

	_, err = p.Ingest(context.Background(), inputs)
	assert.True(t, apperr.IsRetryable(err))
	assert.Empty(t, store.items)
	assert.Equal(t, 0, index.Len())
}

type rejectingIndex struct {
	*memory.Index
}

func (rejectingIndex) Upsert(context.Context, []models.ContentItem) error {
	return apperr.Transient(errors.New("index unavailable"))
}

func TestCleanHTML(t *testing.T) {
	assert.Equal(t, "plain text here", cleanHTML("  plain\n text   here "))
	assert.Equal(t, "Save big this summer", cleanHTML("<p>Save big</p><p>this summer</p>"))
	assert.Equal(t, "Hello world", cleanHTML("<body><nav>menu</nav><h1>Hello</h1> <p>world</p></body>"))
}
