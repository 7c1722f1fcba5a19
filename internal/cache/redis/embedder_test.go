package redis

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingEmbedder struct {
	calls int
}

func (c *countingEmbedder) Dimension() int { return 2 }

func (c *countingEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	c.calls++
	return []float32{float32(len(text)), 1}, nil
}

type mapCache struct {
	data    map[string][]float32
	failGet bool
}

func (m *mapCache) GetEmbedding(_ context.Context, key string) ([]float32, bool, error) {
	if m.failGet {
		return nil, false, errors.New("connection refused")
	}
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *mapCache) SetEmbedding(_ context.Context, key string, v []float32) error {
	m.data[key] = v
	return nil
}

func TestCachedEmbedderServesRepeats(t *testing.T) {
	inner := &countingEmbedder{}
	cache := &mapCache{data: map[string][]float32{}}
	e := NewCachedEmbedder(inner, cache)

	first, err := e.Embed(context.Background(), "summer sale")
	require.NoError(t, err)
	second, err := e.Embed(context.Background(), "summer sale")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, inner.calls)
	assert.Equal(t, 2, e.Dimension())
}

func TestCachedEmbedderIgnoresCacheFailures(t *testing.T) {
	inner := &countingEmbedder{}
	e := NewCachedEmbedder(inner, &mapCache{data: map[string][]float32{}, failGet: true})

	v, err := e.Embed(context.Background(), "abc")
	require.NoError(t, err)
	assert.Equal(t, []float32{3, 1}, v)
}
