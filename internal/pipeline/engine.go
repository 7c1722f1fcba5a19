// Package pipeline runs a campaign end to end: segmentation, then per
// segment retrieval, generation and compliance on a bounded worker pool,
// then deployment of the approved variants as one experiment.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/campaign-agent/backend/internal/agents"
	"github.com/campaign-agent/backend/internal/events"
	"github.com/campaign-agent/backend/internal/metrics"
	"github.com/campaign-agent/backend/internal/storage/models"
	"github.com/campaign-agent/backend/pkg/apperr"
	"github.com/campaign-agent/backend/pkg/logger"
	"github.com/campaign-agent/backend/pkg/retry"
)

const (
	StageSegmentation = "segmentation"
	StageRetrieval    = "retrieval"
	StageGeneration   = "generation"
	StageValidation   = "validation"
	StageDeployment   = "deployment"
)

var ErrRunInProgress = errors.New("campaign run already in progress")

type Retriever interface {
	Search(ctx context.Context, query string, filter models.ContentFilter, topK int) ([]models.ScoredContent, error)
}

type Validator interface {
	Validate(ctx context.Context, variant models.MessageVariant) (*models.ComplianceResult, error)
}

type ExperimentCreator interface {
	Create(ctx context.Context, campaignID, runID string, variants []models.ExperimentVariant) (*models.Experiment, error)
}

type RunStore interface {
	SaveRun(ctx context.Context, run *models.CampaignRun) error
	InsertComplianceResult(ctx context.Context, runID string, result *models.ComplianceResult) error
}

type Lineage interface {
	RecordRun(ctx context.Context, run *models.CampaignRun) error
}

type Publisher interface {
	Publish(e events.Event)
}

type Options struct {
	Workers             int
	StageTimeout        time.Duration
	Retry               retry.Config
	ReviewAttempts      int
	TopK                int
	ContentType         string
	Channel             string
	DefaultVariantCount int
}

// Deps are the collaborators. Store, Lineage and Publisher are optional.
type Deps struct {
	Segmenter   agents.Segmenter
	Retriever   Retriever
	Generator   agents.Generator
	Validator   Validator
	Experiments ExperimentCreator
	Store       RunStore
	Lineage     Lineage
	Publisher   Publisher
}

type Engine struct {
	deps Deps
	opts Options
	now  func() time.Time

	mu     sync.Mutex
	active map[string]*tracker
}

func NewEngine(deps Deps, opts Options) *Engine {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.StageTimeout <= 0 {
		opts.StageTimeout = 30 * time.Second
	}
	if opts.TopK <= 0 {
		opts.TopK = 3
	}
	if opts.DefaultVariantCount <= 0 {
		opts.DefaultVariantCount = 2
	}
	if opts.Channel == "" {
		opts.Channel = "email"
	}
	if opts.Retry.Logger == nil {
		opts.Retry.Logger = logger.GetLogger()
	}
	return &Engine{
		deps:   deps,
		opts:   opts,
		now:    time.Now,
		active: make(map[string]*tracker),
	}
}

// RunCampaign executes one run and returns its final report. Only invalid
// arguments and a concurrent run of the same campaign return an error;
// stage failures are recorded on the run.
func (e *Engine) RunCampaign(ctx context.Context, campaignID string, customers []models.Customer, theme string, variantCount int) (*models.CampaignRun, error) {
	campaignID = strings.TrimSpace(campaignID)
	theme = strings.TrimSpace(theme)
	if campaignID == "" {
		return nil, apperr.Validation("campaign_id is required")
	}
	if theme == "" {
		return nil, apperr.Validation("message_theme is required")
	}
	if variantCount == 0 {
		variantCount = e.opts.DefaultVariantCount
	}
	if variantCount < 0 {
		return nil, apperr.Validation("variant_count must be positive, got %d", variantCount)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	run := &models.CampaignRun{
		ID:           uuid.New().String(),
		CampaignID:   campaignID,
		Theme:        theme,
		VariantCount: variantCount,
		State:        models.RunCreated,
		StartedAt:    e.now().UTC(),
	}
	tr := newTracker(run, e.deps.Publisher, cancel)

	e.mu.Lock()
	if _, busy := e.active[campaignID]; busy {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrRunInProgress, campaignID)
	}
	e.active[campaignID] = tr
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		delete(e.active, campaignID)
		e.mu.Unlock()
	}()

	logger.Info("Campaign run started",
		zap.String("campaign_id", campaignID),
		zap.String("run_id", run.ID),
		zap.Int("customers", len(customers)),
		zap.Int("variant_count", variantCount),
	)
	e.save(ctx, tr.snapshot())

	e.execute(runCtx, tr, customers)

	final := tr.snapshot()
	e.save(ctx, final)
	if e.deps.Lineage != nil {
		if err := e.deps.Lineage.RecordRun(ctx, final); err != nil {
			logger.Warn("Failed to record run lineage", zap.String("run_id", final.ID), zap.Error(err))
		}
	}

	metrics.CampaignRunsTotal.WithLabelValues(string(final.State)).Inc()
	for _, s := range final.Segments {
		metrics.SegmentsTotal.WithLabelValues(string(s.Status)).Inc()
	}

	logger.Info("Campaign run finished",
		zap.String("campaign_id", campaignID),
		zap.String("run_id", final.ID),
		zap.String("state", string(final.State)),
		zap.Int("segments", final.SegmentCount),
		zap.Int("messages_generated", final.MessagesGenerated),
		zap.Int("messages_approved", final.MessagesApproved),
		zap.String("experiment_id", final.ExperimentID),
	)
	return final, nil
}

// Cancel stops the in-flight run of campaignID. It reports whether a run
// was found.
func (e *Engine) Cancel(campaignID string) bool {
	e.mu.Lock()
	tr, ok := e.active[campaignID]
	e.mu.Unlock()
	if ok {
		tr.cancel()
		logger.Info("Campaign run cancellation requested", zap.String("campaign_id", campaignID))
	}
	return ok
}

// Active returns a copy of the in-flight run of campaignID, if any.
func (e *Engine) Active(campaignID string) (*models.CampaignRun, bool) {
	e.mu.Lock()
	tr, ok := e.active[campaignID]
	e.mu.Unlock()
	if !ok {
		return nil, false
	}
	return tr.snapshot(), true
}

func (e *Engine) execute(ctx context.Context, tr *tracker, customers []models.Customer) {
	run := tr.snapshot()

	tr.advance(models.RunSegmenting)
	var segments []models.Segment
	err := e.stage(ctx, run.CampaignID, StageSegmentation, func(ctx context.Context) error {
		var err error
		segments, err = e.deps.Segmenter.Classify(ctx, run.CampaignID, customers)
		if err != nil {
			return err
		}
		return agents.CheckAssignment(customers, segments)
	})
	if err != nil {
		tr.finish(models.RunFailed, apperr.ToFailure(err, run.CampaignID, StageSegmentation), e.now().UTC())
		return
	}

	tr.setSegments(segments)
	tr.advance(models.RunRetrieving)

	var g errgroup.Group
	g.SetLimit(e.opts.Workers)
	for i := range segments {
		i := i
		g.Go(func() error {
			e.processSegment(ctx, tr, i, run)
			return nil
		})
	}
	_ = g.Wait()

	tr.advance(models.RunDeploying)
	e.deploy(ctx, tr)
}

func (e *Engine) processSegment(ctx context.Context, tr *tracker, i int, run *models.CampaignRun) {
	seg := tr.segment(i).Segment

	fail := func(err error, stage string) {
		failure := apperr.ToFailure(err, seg.ID, stage)
		tr.updateSegment(i, func(s *models.SegmentResult) {
			s.Status = models.SegmentFailed
			s.Failure = failure
		})
		logger.Warn("Segment failed",
			zap.String("campaign_id", run.CampaignID),
			zap.String("segment_id", seg.ID),
			zap.String("stage", stage),
			zap.String("kind", string(failure.Kind)),
			zap.Error(err),
		)
	}

	if err := ctx.Err(); err != nil {
		fail(err, StageRetrieval)
		return
	}
	tr.updateSegment(i, func(s *models.SegmentResult) { s.Status = models.SegmentRetrieving })

	var content []models.ScoredContent
	err := e.stage(ctx, seg.ID, StageRetrieval, func(ctx context.Context) error {
		var err error
		content, err = e.deps.Retriever.Search(ctx, retrievalQuery(run.Theme, seg), models.ContentFilter{
			ContentType: e.opts.ContentType,
			Audience:    seg.Audience,
		}, e.opts.TopK)
		return err
	})
	if err != nil {
		fail(err, StageRetrieval)
		return
	}

	if err := ctx.Err(); err != nil {
		fail(err, StageGeneration)
		return
	}
	tr.updateSegment(i, func(s *models.SegmentResult) {
		s.Content = content
		s.Status = models.SegmentGenerating
	})

	var variants []models.MessageVariant
	err = e.stage(ctx, seg.ID, StageGeneration, func(ctx context.Context) error {
		var err error
		variants, err = e.deps.Generator.Generate(ctx, agents.GenerationRequest{
			Segment:      seg,
			Theme:        run.Theme,
			VariantCount: run.VariantCount,
			Channel:      e.opts.Channel,
			References:   content,
		})
		if err != nil {
			return err
		}
		return checkVariants(seg, variants)
	})
	if err != nil {
		fail(err, StageGeneration)
		return
	}

	if err := ctx.Err(); err != nil {
		fail(err, StageValidation)
		return
	}
	tr.updateSegment(i, func(s *models.SegmentResult) {
		s.Variants = variants
		s.Status = models.SegmentValidating
	})

	results, approved, review, err := e.validateAll(ctx, run.ID, variants)
	if err != nil {
		fail(err, StageValidation)
		return
	}

	tr.updateSegment(i, func(s *models.SegmentResult) {
		s.Compliance = results
		s.Approved = approved
		s.UnderReview = review
		switch {
		case len(approved) > 0:
			s.Status = models.SegmentReady
		case len(review) > 0:
			s.Status = models.SegmentAwaitingReview
		default:
			s.Status = models.SegmentFailed
			s.Failure = &apperr.Failure{
				Unit:    seg.ID,
				Stage:   StageValidation,
				Kind:    apperr.KindValidation,
				Message: "no variant passed compliance",
			}
		}
	})
}

// validateAll checks every variant. needs_review results are re-checked up
// to ReviewAttempts more times; a variant whose validation keeps erroring is
// dropped on its own. Only cancellation fails the whole segment.
func (e *Engine) validateAll(ctx context.Context, runID string, variants []models.MessageVariant) ([]models.ComplianceResult, []models.MessageVariant, []models.MessageVariant, error) {
	var results []models.ComplianceResult
	var approved, review []models.MessageVariant

	for _, v := range variants {
		var result *models.ComplianceResult
		for attempt := 0; attempt <= e.opts.ReviewAttempts; attempt++ {
			err := e.stage(ctx, v.ID, StageValidation, func(ctx context.Context) error {
				var err error
				result, err = e.deps.Validator.Validate(ctx, v)
				return err
			})
			if err != nil {
				if apperr.KindOf(err) == apperr.KindCancelled {
					return nil, nil, nil, err
				}
				logger.Warn("Variant validation failed", zap.String("variant_id", v.ID), zap.Error(err))
				result = nil
				break
			}
			if result.Status != models.StatusNeedsReview {
				break
			}
		}
		if result == nil {
			continue
		}

		if e.deps.Store != nil {
			if err := e.deps.Store.InsertComplianceResult(ctx, runID, result); err != nil {
				logger.Warn("Failed to persist compliance result", zap.String("variant_id", v.ID), zap.Error(err))
			}
		}

		results = append(results, *result)
		switch result.Status {
		case models.StatusApproved:
			approved = append(approved, v)
		case models.StatusNeedsReview:
			review = append(review, v)
		}
	}
	return results, approved, review, nil
}

// deploy creates one experiment from every ready segment's approved
// variants and settles the run.
func (e *Engine) deploy(ctx context.Context, tr *tracker) {
	run := tr.snapshot()

	var variants []models.ExperimentVariant
	var ready []int
	for i, s := range run.Segments {
		if s.Status != models.SegmentReady {
			continue
		}
		ready = append(ready, i)
		for _, v := range s.Approved {
			variants = append(variants, models.ExperimentVariant{
				VariantID: v.ID,
				SegmentID: s.Segment.ID,
				Label:     v.Label,
			})
		}
	}

	var experimentID string
	if len(variants) > 0 {
		err := ctx.Err()
		if err == nil {
			err = e.stage(ctx, run.CampaignID, StageDeployment, func(ctx context.Context) error {
				exp, err := e.deps.Experiments.Create(ctx, run.CampaignID, run.ID, variants)
				if err != nil {
					return err
				}
				experimentID = exp.ID
				return nil
			})
		}
		for _, i := range ready {
			failure := apperr.ToFailure(err, run.Segments[i].Segment.ID, StageDeployment)
			tr.updateSegment(i, func(s *models.SegmentResult) {
				if failure != nil {
					s.Status = models.SegmentFailed
					s.Failure = failure
				} else {
					s.Status = models.SegmentDeployed
				}
			})
		}
	}

	final := tr.snapshot()
	deployed, generated, approved, targeted := 0, 0, 0, 0
	for _, s := range final.Segments {
		generated += len(s.Variants)
		approved += len(s.Approved)
		if s.Status == models.SegmentDeployed {
			deployed++
			targeted += len(s.Segment.CustomerIDs)
		}
	}

	tr.mu.Lock()
	tr.run.MessagesGenerated = generated
	tr.run.MessagesApproved = approved
	tr.run.CustomersTargeted = targeted
	tr.run.ExperimentID = experimentID
	tr.mu.Unlock()

	state := models.RunPartiallyDeployed
	var failure *apperr.Failure
	switch {
	case deployed == 0:
		state = models.RunFailed
		failure = &apperr.Failure{
			Unit:    run.CampaignID,
			Stage:   StageDeployment,
			Kind:    apperr.KindValidation,
			Message: "no segment has an approved variant",
		}
		if ctx.Err() != nil {
			failure.Kind = apperr.KindCancelled
			failure.Message = "cancelled"
		}
	case deployed == len(final.Segments):
		state = models.RunDeployed
	}
	tr.finish(state, failure, e.now().UTC())
}

// stage runs fn with a per-attempt timeout, retrying transient failures
// with backoff. The returned error carries unit and stage.
func (e *Engine) stage(ctx context.Context, unit, stage string, fn func(ctx context.Context) error) error {
	start := time.Now()

	cfg := e.opts.Retry
	cfg.OnRetry = func(attempt int, err error) {
		metrics.StageRetries.WithLabelValues(stage).Inc()
		logger.Debug("Retrying stage",
			zap.String("unit", unit),
			zap.String("stage", stage),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
	}

	err := retry.Do(ctx, cfg, func(ctx context.Context) error {
		attemptCtx, cancel := context.WithTimeout(ctx, e.opts.StageTimeout)
		defer cancel()
		return fn(attemptCtx)
	})

	outcome := "ok"
	if err != nil {
		outcome = string(apperr.KindOf(err))
	}
	metrics.StageDuration.WithLabelValues(stage, outcome).Observe(time.Since(start).Seconds())

	if err != nil {
		return apperr.At(err, unit, stage)
	}
	return nil
}

func (e *Engine) save(ctx context.Context, run *models.CampaignRun) {
	if e.deps.Store == nil {
		return
	}
	if err := e.deps.Store.SaveRun(ctx, run); err != nil {
		logger.Warn("Failed to persist campaign run", zap.String("run_id", run.ID), zap.Error(err))
	}
}

func retrievalQuery(theme string, seg models.Segment) string {
	if seg.Summary == "" {
		return theme
	}
	return theme + " " + seg.Summary
}

func checkVariants(seg models.Segment, variants []models.MessageVariant) error {
	if len(variants) == 0 {
		return apperr.Validation("generator returned no variants for segment %s", seg.ID)
	}
	seen := make(map[string]bool, len(variants))
	for _, v := range variants {
		if v.ID == "" {
			return apperr.Validation("generated variant without id")
		}
		if seen[v.ID] {
			return apperr.Validation("duplicate variant id %s", v.ID)
		}
		seen[v.ID] = true
		if v.SegmentID != seg.ID {
			return apperr.Validation("variant %s belongs to segment %s, not %s", v.ID, v.SegmentID, seg.ID)
		}
	}
	return nil
}
