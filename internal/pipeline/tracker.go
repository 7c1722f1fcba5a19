package pipeline

import (
	"sync"
	"time"

	"github.com/campaign-agent/backend/internal/events"
	"github.com/campaign-agent/backend/internal/storage/models"
	"github.com/campaign-agent/backend/pkg/apperr"
)

// tracker owns a CampaignRun while it executes. Each segment task writes only
// its own slot; readers get copies.
type tracker struct {
	mu        sync.Mutex
	run       *models.CampaignRun
	publisher Publisher
	cancel    func()
}

func newTracker(run *models.CampaignRun, publisher Publisher, cancel func()) *tracker {
	return &tracker{run: run, publisher: publisher, cancel: cancel}
}

func (t *tracker) publish(e events.Event) {
	if t.publisher == nil {
		return
	}
	e.RunID = t.run.ID
	e.CampaignID = t.run.CampaignID
	t.publisher.Publish(e)
}

// advance moves the run forward; it never moves backwards.
func (t *tracker) advance(state models.RunState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.advanceLocked(state)
}

func (t *tracker) advanceLocked(state models.RunState) {
	if t.run.State.Terminal() || state.Rank() <= t.run.State.Rank() {
		return
	}
	t.run.State = state
	t.publish(events.Event{Type: events.TypeRunState, State: state})
}

func (t *tracker) setSegments(segments []models.Segment) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.run.SegmentCount = len(segments)
	t.run.Segments = make([]models.SegmentResult, len(segments))
	for i, seg := range segments {
		t.run.Segments[i] = models.SegmentResult{Segment: seg, Status: models.SegmentPending}
	}
}

func (t *tracker) segment(i int) models.SegmentResult {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.run.Segments[i]
}

// updateSegment applies fn to segment i and recomputes the run state as the
// earliest stage any unsettled segment is in.
func (t *tracker) updateSegment(i int, fn func(*models.SegmentResult)) {
	t.mu.Lock()
	defer t.mu.Unlock()

	slot := &t.run.Segments[i]
	before := slot.Status
	fn(slot)
	if slot.Status != before {
		t.publish(events.Event{
			Type:      events.TypeSegmentStatus,
			SegmentID: slot.Segment.ID,
			Status:    slot.Status,
			Failure:   slot.Failure,
		})
	}

	next := models.RunDeploying
	for _, s := range t.run.Segments {
		if s.Status.Settled() {
			continue
		}
		if st := stageOf(s.Status); st.Rank() < next.Rank() {
			next = st
		}
	}
	if next != models.RunDeploying {
		t.advanceLocked(next)
	}
}

func stageOf(s models.SegmentStatus) models.RunState {
	switch s {
	case models.SegmentGenerating:
		return models.RunGenerating
	case models.SegmentValidating:
		return models.RunValidating
	default:
		return models.RunRetrieving
	}
}

func (t *tracker) finish(state models.RunState, failure *apperr.Failure, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.run.State = state
	t.run.Failure = failure
	t.run.FinishedAt = &at
	t.publish(events.Event{Type: events.TypeRunFinished, State: state, Failure: failure})
}

func (t *tracker) snapshot() *models.CampaignRun {
	t.mu.Lock()
	defer t.mu.Unlock()

	run := *t.run
	run.Segments = append([]models.SegmentResult(nil), t.run.Segments...)
	return &run
}
