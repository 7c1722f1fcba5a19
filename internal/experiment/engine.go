// Package experiment runs A/B experiments over approved variants: stable
// allocation, concurrent metric ingestion and winner selection.
package experiment

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/campaign-agent/backend/internal/metrics"
	"github.com/campaign-agent/backend/internal/storage/models"
	"github.com/campaign-agent/backend/pkg/apperr"
	"github.com/campaign-agent/backend/pkg/logger"
	"github.com/campaign-agent/backend/pkg/utils"
)

var ErrNotFound = errors.New("experiment not found")

type Options struct {
	ConfidenceThreshold float64
	MinImpressions      int64
	// MinSampleSize concludes a running experiment once every variant has
	// this many impressions. Zero disables auto-conclusion.
	MinSampleSize int64
}

type Store interface {
	SaveExperiment(ctx context.Context, exp *models.Experiment) error
}

type counters struct {
	impressions atomic.Int64
	clicks      atomic.Int64
	conversions atomic.Int64
}

func (c *counters) load() models.VariantMetrics {
	return models.VariantMetrics{
		Impressions: c.impressions.Load(),
		Clicks:      c.clicks.Load(),
		Conversions: c.conversions.Load(),
	}
}

// entry holds one experiment. Events hold mu for reading while they bump a
// counter; snapshots hold it for writing, so a snapshot is a consistent
// point-in-time view across every variant.
type entry struct {
	mu       sync.RWMutex
	exp      models.Experiment
	counters map[string]*counters
}

func (x *entry) snapshotLocked() *models.Experiment {
	exp := x.exp
	exp.Variants = append([]models.ExperimentVariant(nil), x.exp.Variants...)
	exp.Metrics = make(map[string]models.VariantMetrics, len(x.counters))
	for id, c := range x.counters {
		exp.Metrics[id] = c.load()
	}
	return &exp
}

func (x *entry) snapshot() *models.Experiment {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.snapshotLocked()
}

type Engine struct {
	mu          sync.RWMutex
	experiments map[string]*entry
	opts        Options
	store       Store
	now         func() time.Time
}

// NewEngine creates an engine. store may be nil, in which case experiments
// live only in memory.
func NewEngine(opts Options, store Store) *Engine {
	return &Engine{
		experiments: make(map[string]*entry),
		opts:        opts,
		store:       store,
		now:         time.Now,
	}
}

// Create starts a running experiment over variants, which keep their order.
func (e *Engine) Create(ctx context.Context, campaignID, runID string, variants []models.ExperimentVariant) (*models.Experiment, error) {
	if len(variants) == 0 {
		return nil, apperr.Validation("experiment needs at least one approved variant")
	}

	x := &entry{
		exp: models.Experiment{
			ID:         uuid.New().String(),
			CampaignID: campaignID,
			RunID:      runID,
			Variants:   append([]models.ExperimentVariant(nil), variants...),
			Status:     models.ExperimentRunning,
			CreatedAt:  e.now().UTC(),
		},
		counters: make(map[string]*counters, len(variants)),
	}
	for _, v := range variants {
		if v.VariantID == "" {
			return nil, apperr.Validation("experiment variant without id")
		}
		if _, dup := x.counters[v.VariantID]; dup {
			return nil, apperr.Validation("variant %s listed twice", v.VariantID)
		}
		x.counters[v.VariantID] = &counters{}
	}

	e.mu.Lock()
	e.experiments[x.exp.ID] = x
	e.mu.Unlock()

	snap := x.snapshot()
	e.persist(ctx, snap)

	logger.Info("Experiment created",
		zap.String("experiment_id", snap.ID),
		zap.String("campaign_id", campaignID),
		zap.Int("variants", len(variants)),
	)
	return snap, nil
}

// Restore reloads a persisted experiment with its counters.
func (e *Engine) Restore(exp models.Experiment) {
	x := &entry{exp: exp, counters: make(map[string]*counters, len(exp.Variants))}
	for _, v := range exp.Variants {
		c := &counters{}
		m := exp.Metrics[v.VariantID]
		c.impressions.Store(m.Impressions)
		c.clicks.Store(m.Clicks)
		c.conversions.Store(m.Conversions)
		x.counters[v.VariantID] = c
	}
	x.exp.Metrics = nil

	e.mu.Lock()
	e.experiments[exp.ID] = x
	e.mu.Unlock()
}

func (e *Engine) lookup(id string) (*entry, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	x, ok := e.experiments[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return x, nil
}

func (e *Engine) Get(_ context.Context, id string) (*models.Experiment, error) {
	x, err := e.lookup(id)
	if err != nil {
		return nil, err
	}
	return x.snapshot(), nil
}

// RecordEvent increments exactly one counter of one variant.
func (e *Engine) RecordEvent(ctx context.Context, id, variantID string, kind models.EventKind) error {
	x, err := e.lookup(id)
	if err != nil {
		return err
	}

	x.mu.RLock()
	if x.exp.Status != models.ExperimentRunning {
		status := x.exp.Status
		x.mu.RUnlock()
		return apperr.Validation("experiment %s is %s", id, status)
	}
	c, ok := x.counters[variantID]
	if !ok {
		x.mu.RUnlock()
		return apperr.Validation("variant %s is not part of experiment %s", variantID, id)
	}
	switch kind {
	case models.EventImpression:
		c.impressions.Add(1)
	case models.EventClick:
		c.clicks.Add(1)
	case models.EventConversion:
		c.conversions.Add(1)
	default:
		x.mu.RUnlock()
		return apperr.Validation("unknown event kind %q", kind)
	}
	x.mu.RUnlock()

	metrics.ExperimentEvents.WithLabelValues(string(kind)).Inc()

	if kind == models.EventImpression && e.sampleReached(x) {
		if _, err := e.Conclude(ctx, id); err != nil {
			logger.Warn("Auto-conclusion failed", zap.String("experiment_id", id), zap.Error(err))
		}
	}
	return nil
}

func (e *Engine) sampleReached(x *entry) bool {
	if e.opts.MinSampleSize <= 0 {
		return false
	}
	for _, c := range x.counters {
		if c.impressions.Load() < e.opts.MinSampleSize {
			return false
		}
	}
	return true
}

// Assign maps key onto one variant by stable hashing. When segmentID is set
// only that segment's variants are considered.
func (e *Engine) Assign(_ context.Context, id, key, segmentID string) (models.ExperimentVariant, error) {
	if key == "" {
		return models.ExperimentVariant{}, apperr.Validation("allocation key must not be empty")
	}
	x, err := e.lookup(id)
	if err != nil {
		return models.ExperimentVariant{}, err
	}

	x.mu.RLock()
	defer x.mu.RUnlock()

	pool := x.exp.Variants
	if segmentID != "" {
		pool = nil
		for _, v := range x.exp.Variants {
			if v.SegmentID == segmentID {
				pool = append(pool, v)
			}
		}
		if len(pool) == 0 {
			return models.ExperimentVariant{}, apperr.Validation("segment %s has no variants in experiment %s", segmentID, id)
		}
	}

	return pool[utils.Bucket(id+":"+key, len(pool))], nil
}

// Conclude decides the experiment from a consistent snapshot. Concluding a
// finished experiment returns it unchanged.
func (e *Engine) Conclude(ctx context.Context, id string) (*models.Experiment, error) {
	x, err := e.lookup(id)
	if err != nil {
		return nil, err
	}

	x.mu.Lock()
	if x.exp.Status.Terminal() {
		snap := x.snapshotLocked()
		x.mu.Unlock()
		return snap, nil
	}

	snap := x.snapshotLocked()
	decision := Decide(snap.Variants, snap.Metrics, e.opts.ConfidenceThreshold, e.opts.MinImpressions)
	concludedAt := e.now().UTC()

	x.exp.Status = decision.Status
	x.exp.Winner = decision.Winner
	x.exp.Confidence = decision.Confidence
	x.exp.DecidedOn = decision.Metric
	x.exp.ConcludedAt = &concludedAt

	snap.Status = x.exp.Status
	snap.Winner = x.exp.Winner
	snap.Confidence = x.exp.Confidence
	snap.DecidedOn = x.exp.DecidedOn
	snap.ConcludedAt = x.exp.ConcludedAt
	x.mu.Unlock()

	e.persist(ctx, snap)
	metrics.ExperimentConclusions.WithLabelValues(string(snap.Status)).Inc()

	logger.Info("Experiment concluded",
		zap.String("experiment_id", id),
		zap.String("status", string(snap.Status)),
		zap.String("winner", snap.Winner),
		zap.Float64("confidence", snap.Confidence),
		zap.String("metric", snap.DecidedOn),
	)
	return snap, nil
}

// Running returns the ids of running experiments in a stable order.
func (e *Engine) Running() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var ids []string
	for id, x := range e.experiments {
		x.mu.RLock()
		running := x.exp.Status == models.ExperimentRunning
		x.mu.RUnlock()
		if running {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Sweep concludes every running experiment that reached the sample size and
// checkpoints the rest.
func (e *Engine) Sweep(ctx context.Context) {
	for _, id := range e.Running() {
		x, err := e.lookup(id)
		if err != nil {
			continue
		}
		if e.sampleReached(x) {
			if _, err := e.Conclude(ctx, id); err != nil {
				logger.Warn("Sweep failed to conclude experiment", zap.String("experiment_id", id), zap.Error(err))
			}
			continue
		}
		e.persist(ctx, x.snapshot())
	}
}

func (e *Engine) persist(ctx context.Context, exp *models.Experiment) {
	if e.store == nil {
		return
	}
	if err := e.store.SaveExperiment(ctx, exp); err != nil {
		logger.Error("Failed to persist experiment",
			zap.String("experiment_id", exp.ID),
			zap.Error(err),
		)
	}
}
