package agents

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/campaign-agent/backend/internal/storage/models"
	"github.com/campaign-agent/backend/pkg/apperr"
)

func customers(ids ...string) []models.Customer {
	out := make([]models.Customer, len(ids))
	for i, id := range ids {
		out[i] = models.Customer{ID: id}
	}
	return out
}

func TestCheckAssignment(t *testing.T) {
	cs := customers("1", "2", "3")
	seg := func(id string, members ...string) models.Segment {
		return models.Segment{ID: id, Label: id, Confidence: 0.9, CustomerIDs: members}
	}

	assert.NoError(t, CheckAssignment(cs, []models.Segment{seg("a", "1", "3"), seg("b", "2")}))

	tests := map[string][]models.Segment{
		"none":         nil,
		"double":       {seg("a", "1", "2"), seg("b", "2", "3")},
		"unassigned":   {seg("a", "1", "2")},
		"unknown":      {seg("a", "1", "2", "3", "9")},
		"duplicate id": {seg("a", "1"), seg("a", "2", "3")},
		"confidence":   {{ID: "a", Label: "a", Confidence: 1.2, CustomerIDs: []string{"1", "2", "3"}}},
	}
	for name, segments := range tests {
		t.Run(name, func(t *testing.T) {
			assert.True(t, apperr.IsValidation(CheckAssignment(cs, segments)))
		})
	}
}

func TestValidateCustomers(t *testing.T) {
	assert.NoError(t, ValidateCustomers(customers("1", "2")))
	assert.True(t, apperr.IsValidation(ValidateCustomers(nil)))
	assert.True(t, apperr.IsValidation(ValidateCustomers(customers("1", "1"))))
	assert.True(t, apperr.IsValidation(ValidateCustomers(customers(""))))
}

func TestSafetyScoresMax(t *testing.T) {
	category, score := SafetyScores{"hate": 0.2, "violence": 0.7, "sexual": 0.1}.Max()
	assert.Equal(t, "violence", category)
	assert.InDelta(t, 0.7, score, 1e-9)
}

func TestVariantLabel(t *testing.T) {
	assert.Equal(t, "A", VariantLabel(0))
	assert.Equal(t, "Z", VariantLabel(25))
	assert.Equal(t, "AA", VariantLabel(26))
	assert.Equal(t, "AB", VariantLabel(27))
}
