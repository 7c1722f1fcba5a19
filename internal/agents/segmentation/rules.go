package segmentation

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/campaign-agent/backend/internal/agents"
	"github.com/campaign-agent/backend/internal/storage/models"
)

// RuleSegmenter is the local fallback used when no segmentation model is
// configured. Customers are bucketed by order value, purchase frequency and
// engagement; confidence reflects how far members sit from the cut-offs.
type RuleSegmenter struct {
	HighOrderValue    float64
	FrequentPurchases float64
	Engaged           float64
}

func NewRuleSegmenter() *RuleSegmenter {
	return &RuleSegmenter{
		HighOrderValue:    500,
		FrequentPurchases: 4,
		Engaged:           0.5,
	}
}

type bucket struct {
	label    string
	audience string
	members  []string
	margin   float64
}

func (r *RuleSegmenter) Classify(_ context.Context, campaignID string, customers []models.Customer) ([]models.Segment, error) {
	if err := agents.ValidateCustomers(customers); err != nil {
		return nil, err
	}

	buckets := map[string]*bucket{}
	for _, c := range customers {
		label, audience, margin := r.place(c)
		key := label + "_" + strings.ToLower(audience)
		b, ok := buckets[key]
		if !ok {
			b = &bucket{label: key, audience: audience}
			buckets[key] = b
		}
		b.members = append(b.members, c.ID)
		b.margin += margin
	}

	keys := make([]string, 0, len(buckets))
	for k := range buckets {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	segments := make([]models.Segment, 0, len(keys))
	for _, k := range keys {
		b := buckets[k]
		confidence := 0.5 + 0.5*b.margin/float64(len(b.members))
		segments = append(segments, models.Segment{
			ID:          fmt.Sprintf("%s-%s", campaignID, b.label),
			CampaignID:  campaignID,
			Label:       b.label,
			Confidence:  math.Round(confidence*100) / 100,
			Summary:     summarize(b),
			Audience:    b.audience,
			CustomerIDs: b.members,
		})
	}
	return segments, nil
}

// place returns the segment label, audience and a margin in [0,1] measuring
// how clearly the customer belongs to that label.
func (r *RuleSegmenter) place(c models.Customer) (string, string, float64) {
	value := c.Attributes[models.AttrOrderValue]
	freq := c.Attributes[models.AttrPurchaseFrequency]
	engagement := c.Attributes[models.AttrEngagement]

	audience := "B2C"
	if c.Attributes[models.AttrB2B] >= 1 {
		audience = "B2B"
	}

	margins := []float64{
		distance(value, r.HighOrderValue),
		distance(freq, r.FrequentPurchases),
		distance(engagement, r.Engaged),
	}
	margin := (margins[0] + margins[1] + margins[2]) / 3

	switch {
	case value >= r.HighOrderValue && freq >= r.FrequentPurchases:
		return "high_value", audience, margin
	case value >= r.HighOrderValue:
		return "big_spender", audience, margin
	case engagement >= r.Engaged:
		return "engaged", audience, margin
	case freq >= r.FrequentPurchases:
		return "frequent", audience, margin
	default:
		return "at_risk", audience, margin
	}
}

func distance(v, threshold float64) float64 {
	if threshold == 0 {
		return 1
	}
	return math.Min(math.Abs(v-threshold)/threshold, 1)
}

func summarize(b *bucket) string {
	descriptions := map[string]string{
		"high_value":  "frequent buyers with high order value",
		"big_spender": "occasional buyers with high order value",
		"engaged":     "engaged customers with modest spend",
		"frequent":    "frequent buyers with modest engagement",
		"at_risk":     "low spend, low engagement customers",
	}
	base := b.label
	if i := strings.LastIndex(base, "_"); i > 0 {
		base = base[:i]
	}
	return fmt.Sprintf("%d %s customers: %s", len(b.members), b.audience, descriptions[base])
}

var _ agents.Segmenter = (*RuleSegmenter)(nil)
