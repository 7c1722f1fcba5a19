// Package agents declares one capability interface per external
// collaborator. Implementations are picked when the server is wired up.
package agents

import (
	"context"

	"github.com/campaign-agent/backend/internal/storage/models"
	"github.com/campaign-agent/backend/pkg/apperr"
)

type Segmenter interface {
	Classify(ctx context.Context, campaignID string, customers []models.Customer) ([]models.Segment, error)
}

type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimension() int
}

type GenerationRequest struct {
	Segment      models.Segment
	Theme        string
	VariantCount int
	Channel      string
	References   []models.ScoredContent
}

// VariantLabel returns A, B, ... Z, AA, AB, ...
func VariantLabel(i int) string {
	label := ""
	for i >= 0 {
		label = string(rune('A'+i%26)) + label
		i = i/26 - 1
	}
	return label
}

type Generator interface {
	Generate(ctx context.Context, req GenerationRequest) ([]models.MessageVariant, error)
}

// SafetyScores maps a harm category (hate, violence, ...) to a score in [0,1].
type SafetyScores map[string]float64

func (s SafetyScores) Max() (string, float64) {
	var worst string
	var score float64
	for category, v := range s {
		if v > score || (v == score && category < worst) {
			worst, score = category, v
		}
	}
	return worst, score
}

type SafetyClassifier interface {
	Score(ctx context.Context, text string) (SafetyScores, error)
}

// CheckAssignment verifies that every customer landed in exactly one segment
// and that no segment references an unknown customer.
func CheckAssignment(customers []models.Customer, segments []models.Segment) error {
	if len(segments) == 0 {
		return apperr.Validation("segmenter returned no segments")
	}

	known := make(map[string]bool, len(customers))
	for _, c := range customers {
		known[c.ID] = true
	}

	seen := make(map[string]string, len(customers))
	segIDs := make(map[string]bool, len(segments))
	for _, seg := range segments {
		if err := seg.Validate(); err != nil {
			return err
		}
		if segIDs[seg.ID] {
			return apperr.Validation("duplicate segment id %s", seg.ID)
		}
		segIDs[seg.ID] = true
		for _, id := range seg.CustomerIDs {
			if !known[id] {
				return apperr.Validation("segment %s references unknown customer %s", seg.ID, id)
			}
			if prev, ok := seen[id]; ok {
				return apperr.Validation("customer %s assigned to both %s and %s", id, prev, seg.ID)
			}
			seen[id] = seg.ID
		}
	}

	if len(seen) != len(known) {
		return apperr.Validation("%d of %d customers left unassigned", len(known)-len(seen), len(known))
	}
	return nil
}

func ValidateCustomers(customers []models.Customer) error {
	if len(customers) == 0 {
		return apperr.Validation("customer list is empty")
	}
	ids := make(map[string]bool, len(customers))
	for i, c := range customers {
		if c.ID == "" {
			return apperr.Validation("customer at position %d has no id", i)
		}
		if ids[c.ID] {
			return apperr.Validation("duplicate customer id %s", c.ID)
		}
		ids[c.ID] = true
	}
	return nil
}
