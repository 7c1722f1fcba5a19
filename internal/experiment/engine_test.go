package experiment

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/campaign-agent/backend/internal/storage/models"
	"github.com/campaign-agent/backend/pkg/apperr"
)

type memStore struct {
	mu    sync.Mutex
	saved map[string]models.Experiment
}

func (m *memStore) SaveExperiment(_ context.Context, exp *models.Experiment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saved == nil {
		m.saved = map[string]models.Experiment{}
	}
	m.saved[exp.ID] = *exp
	return nil
}

var defaults = Options{ConfidenceThreshold: 0.95, MinImpressions: 100}

func twoVariants() []models.ExperimentVariant {
	return []models.ExperimentVariant{
		{VariantID: "seg-A", SegmentID: "seg", Label: "A"},
		{VariantID: "seg-B", SegmentID: "seg", Label: "B"},
	}
}

func record(t *testing.T, e *Engine, id, variant string, kind models.EventKind, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, e.RecordEvent(context.Background(), id, variant, kind))
	}
}

func TestCreateStartsRunning(t *testing.T) {
	store := &memStore{}
	e := NewEngine(defaults, store)

	exp, err := e.Create(context.Background(), "summer", "run-1", twoVariants())
	require.NoError(t, err)

	assert.Equal(t, models.ExperimentRunning, exp.Status)
	assert.Len(t, exp.Variants, 2)
	assert.Equal(t, models.VariantMetrics{}, exp.Metrics["seg-A"])
	assert.Contains(t, store.saved, exp.ID)

	_, err = e.Create(context.Background(), "summer", "run-1", nil)
	assert.True(t, apperr.IsValidation(err))
}

func TestAssignIsStable(t *testing.T) {
	e := NewEngine(defaults, nil)
	exp, err := e.Create(context.Background(), "c", "r", []models.ExperimentVariant{
		{VariantID: "a"}, {VariantID: "b"}, {VariantID: "c"},
	})
	require.NoError(t, err)

	seen := map[string]int{}
	for i := 0; i < 300; i++ {
		key := fmt.Sprintf("customer-%d", i)
		first, err := e.Assign(context.Background(), exp.ID, key, "")
		require.NoError(t, err)
		for j := 0; j < 5; j++ {
			again, err := e.Assign(context.Background(), exp.ID, key, "")
			require.NoError(t, err)
			assert.Equal(t, first, again)
		}
		seen[first.VariantID]++
	}
	assert.Len(t, seen, 3)
}

func TestAssignWithinSegment(t *testing.T) {
	e := NewEngine(defaults, nil)
	exp, err := e.Create(context.Background(), "c", "r", []models.ExperimentVariant{
		{VariantID: "s1-A", SegmentID: "s1"},
		{VariantID: "s1-B", SegmentID: "s1"},
		{VariantID: "s2-A", SegmentID: "s2"},
	})
	require.NoError(t, err)

	for i := 0; i < 50; i++ {
		v, err := e.Assign(context.Background(), exp.ID, fmt.Sprintf("k%d", i), "s2")
		require.NoError(t, err)
		assert.Equal(t, "s2-A", v.VariantID)
	}

	_, err = e.Assign(context.Background(), exp.ID, "k", "s3")
	assert.True(t, apperr.IsValidation(err))
}

func TestConcurrentClicksAreCounted(t *testing.T) {
	e := NewEngine(defaults, nil)
	exp, err := e.Create(context.Background(), "c", "r", twoVariants())
	require.NoError(t, err)

	const workers, perWorker = 16, 500
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				_ = e.RecordEvent(context.Background(), exp.ID, "seg-A", models.EventClick)
				_ = e.RecordEvent(context.Background(), exp.ID, "seg-B", models.EventImpression)
			}
		}()
	}

	var last int64
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			snap, err := e.Get(context.Background(), exp.ID)
			if !assert.NoError(t, err) {
				return
			}
			clicks := snap.Metrics["seg-A"].Clicks
			assert.GreaterOrEqual(t, clicks, last)
			last = clicks
		}
	}()

	wg.Wait()
	<-done

	snap, err := e.Get(context.Background(), exp.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(workers*perWorker), snap.Metrics["seg-A"].Clicks)
	assert.Equal(t, int64(workers*perWorker), snap.Metrics["seg-B"].Impressions)
	assert.Equal(t, int64(0), snap.Metrics["seg-B"].Clicks)
}

func TestRecordEventValidation(t *testing.T) {
	e := NewEngine(defaults, nil)
	exp, err := e.Create(context.Background(), "c", "r", twoVariants())
	require.NoError(t, err)

	err = e.RecordEvent(context.Background(), "missing", "seg-A", models.EventClick)
	assert.ErrorIs(t, err, ErrNotFound)

	err = e.RecordEvent(context.Background(), exp.ID, "other", models.EventClick)
	assert.True(t, apperr.IsValidation(err))

	_, err = e.Conclude(context.Background(), exp.ID)
	require.NoError(t, err)
	err = e.RecordEvent(context.Background(), exp.ID, "seg-A", models.EventClick)
	assert.True(t, apperr.IsValidation(err))
}

func TestConcludePicksWinner(t *testing.T) {
	store := &memStore{}
	e := NewEngine(defaults, store)
	exp, err := e.Create(context.Background(), "summer", "run-1", twoVariants())
	require.NoError(t, err)

	record(t, e, exp.ID, "seg-A", models.EventImpression, 10000)
	record(t, e, exp.ID, "seg-A", models.EventClick, 250)
	record(t, e, exp.ID, "seg-B", models.EventImpression, 10000)
	record(t, e, exp.ID, "seg-B", models.EventClick, 320)

	concluded, err := e.Conclude(context.Background(), exp.ID)
	require.NoError(t, err)

	assert.Equal(t, models.ExperimentConcluded, concluded.Status)
	assert.Equal(t, "seg-B", concluded.Winner)
	assert.Equal(t, "B", concluded.VariantLabel(concluded.Winner))
	assert.InDelta(t, 0.997, concluded.Confidence, 0.001)
	assert.NotNil(t, concluded.ConcludedAt)
	assert.Equal(t, models.ExperimentConcluded, store.saved[exp.ID].Status)

	again, err := e.Conclude(context.Background(), exp.ID)
	require.NoError(t, err)
	assert.Equal(t, concluded.Winner, again.Winner)
}

func TestAutoConclusionAtSampleSize(t *testing.T) {
	e := NewEngine(Options{ConfidenceThreshold: 0.95, MinImpressions: 100, MinSampleSize: 10000}, nil)
	exp, err := e.Create(context.Background(), "summer", "run-1", twoVariants())
	require.NoError(t, err)

	record(t, e, exp.ID, "seg-A", models.EventClick, 250)
	record(t, e, exp.ID, "seg-B", models.EventClick, 320)
	record(t, e, exp.ID, "seg-A", models.EventImpression, 10000)
	record(t, e, exp.ID, "seg-B", models.EventImpression, 9999)

	snap, err := e.Get(context.Background(), exp.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExperimentRunning, snap.Status)

	record(t, e, exp.ID, "seg-B", models.EventImpression, 1)

	snap, err = e.Get(context.Background(), exp.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExperimentConcluded, snap.Status)
	assert.Equal(t, "seg-B", snap.Winner)
}

func TestSweepConcludesAndCheckpoints(t *testing.T) {
	store := &memStore{}
	e := NewEngine(Options{ConfidenceThreshold: 0.95, MinImpressions: 1, MinSampleSize: 5}, store)

	ready, err := e.Create(context.Background(), "a", "r1", twoVariants())
	require.NoError(t, err)
	waiting, err := e.Create(context.Background(), "b", "r2", twoVariants())
	require.NoError(t, err)

	// counters restored past the sample size, so no event triggers conclusion
	snap, err := e.Get(context.Background(), ready.ID)
	require.NoError(t, err)
	snap.Metrics = map[string]models.VariantMetrics{
		"seg-A": {Impressions: 5},
		"seg-B": {Impressions: 5},
	}
	e.Restore(*snap)
	record(t, e, waiting.ID, "seg-A", models.EventImpression, 2)

	e.Sweep(context.Background())

	got, err := e.Get(context.Background(), ready.ID)
	require.NoError(t, err)
	assert.True(t, got.Status.Terminal())
	assert.Equal(t, []string{waiting.ID}, e.Running())
	assert.Equal(t, int64(2), store.saved[waiting.ID].Metrics["seg-A"].Impressions)
}

func TestSweeperRejectsBadSchedule(t *testing.T) {
	_, err := NewSweeper(NewEngine(defaults, nil), "not a schedule")
	assert.Error(t, err)

	s, err := NewSweeper(NewEngine(defaults, nil), "@every 1h")
	require.NoError(t, err)
	s.Start()
	s.Stop()
}
