// Package compliance gates generated variants through safety, brand and
// legal checks. All three must pass for a variant to be approved.
package compliance

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/campaign-agent/backend/internal/agents"
	"github.com/campaign-agent/backend/internal/metrics"
	"github.com/campaign-agent/backend/internal/storage/models"
	"github.com/campaign-agent/backend/pkg/logger"
)

type Rules struct {
	// SafetyThreshold is the highest allowed harm score (exclusive).
	SafetyThreshold float64
	// BrandThreshold is the lowest passing tone match.
	BrandThreshold float64
	// LegalThreshold is the lowest passing legal score; 1.0 allows no violations.
	LegalThreshold   float64
	BrandTones       []string
	BannedPhrases    []string
	ProhibitedClaims []string
}

type Gate struct {
	classifier agents.SafetyClassifier
	rules      Rules
	now        func() time.Time
}

func NewGate(classifier agents.SafetyClassifier, rules Rules) *Gate {
	return &Gate{
		classifier: classifier,
		rules:      rules,
		now:        time.Now,
	}
}

// check is one evaluated category plus the findings behind its score.
type check struct {
	result          models.CategoryResult
	reasons         []string
	recommendations []string
}

// Validate evaluates every category, even after one fails, so the reasons
// cover all violations. The only error returned is caller cancellation.
func (g *Gate) Validate(ctx context.Context, variant models.MessageVariant) (*models.ComplianceResult, error) {
	safety := g.checkSafety(ctx, variant)
	if err := ctx.Err(); err != nil && errors.Is(err, context.Canceled) {
		return nil, err
	}
	brand := g.checkBrand(variant)
	legal := g.checkLegal(variant)

	result := &models.ComplianceResult{
		VariantID:       variant.ID,
		Categories:      map[string]models.CategoryResult{},
		Reasons:         []string{},
		Recommendations: []string{},
		CheckedAt:       g.now().UTC(),
	}

	failed := false
	for _, c := range []check{safety, brand, legal} {
		result.Categories[c.result.Category] = c.result
		switch {
		case c.result.Indeterminate:
			result.Pending = append(result.Pending, c.result.Category)
		case !c.result.Passed:
			failed = true
			result.Reasons = append(result.Reasons, c.reasons...)
			result.Recommendations = append(result.Recommendations, c.recommendations...)
		}
	}

	switch {
	case failed:
		result.Status = models.StatusRejected
	case len(result.Pending) > 0:
		result.Status = models.StatusNeedsReview
		result.Recommendations = append(result.Recommendations, "Re-run validation once the safety classifier is reachable")
	default:
		result.Status = models.StatusApproved
	}

	metrics.ComplianceResults.WithLabelValues(string(result.Status)).Inc()
	logger.Info("Variant validated",
		zap.String("variant_id", variant.ID),
		zap.String("status", string(result.Status)),
		zap.Strings("reasons", result.Reasons),
		zap.Strings("pending", result.Pending),
	)

	return result, nil
}

func (g *Gate) checkSafety(ctx context.Context, variant models.MessageVariant) check {
	scores, err := g.classifier.Score(ctx, variant.Text())
	if err != nil {
		logger.Warn("Safety classifier failed",
			zap.String("variant_id", variant.ID),
			zap.Error(err),
		)
		return check{result: models.CategoryResult{
			Category:      models.CategorySafety,
			Indeterminate: true,
			Reason:        "safety classifier unavailable",
		}}
	}

	category, worst := scores.Max()
	c := check{result: models.CategoryResult{
		Category: models.CategorySafety,
		Score:    round(worst),
		Passed:   worst < g.rules.SafetyThreshold,
	}}
	if !c.result.Passed {
		reason := fmt.Sprintf("safety: %s score %.2f is not below %.2f", category, worst, g.rules.SafetyThreshold)
		c.result.Reason = reason
		c.reasons = []string{reason}
		c.recommendations = []string{fmt.Sprintf("Remove language that reads as %s", category)}
	}
	return c
}

func round(v float64) float64 {
	return math.Round(v*10000) / 10000
}
