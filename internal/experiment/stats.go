package experiment

import (
	"math"
	"sort"

	"github.com/campaign-agent/backend/internal/storage/models"
)

const (
	MetricConversionRate = "conversion_rate"
	MetricCTR            = "ctr"
)

type Decision struct {
	Status     models.ExperimentStatus
	Winner     string
	Confidence float64
	Metric     string
}

type candidate struct {
	variantID string
	order     int
	successes int64
	trials    int64
}

func (c candidate) rate() float64 {
	return float64(c.successes) / float64(c.trials)
}

// Decide compares the leading eligible variant with the runner-up using a
// two-sided two-proportion z-test:
//
//	p = (s1+s2)/(n1+n2)
//	z = (p1-p2) / sqrt(p(1-p)(1/n1+1/n2))
//	confidence = erf(|z|/√2)
//
// The rate is conversions/max(clicks,1). When no variant has a conversion
// yet the rate falls back to clicks/max(impressions,1).
func Decide(variants []models.ExperimentVariant, snapshot map[string]models.VariantMetrics, threshold float64, minImpressions int64) Decision {
	var conversions int64
	for _, m := range snapshot {
		conversions += m.Conversions
	}
	metric := MetricConversionRate
	if conversions == 0 {
		metric = MetricCTR
	}

	var eligible []candidate
	for i, v := range variants {
		m := snapshot[v.VariantID]
		if m.Impressions < minImpressions {
			continue
		}
		c := candidate{variantID: v.VariantID, order: i}
		if metric == MetricCTR {
			c.successes, c.trials = m.Clicks, max(m.Impressions, 1)
		} else {
			c.successes, c.trials = m.Conversions, max(m.Clicks, 1)
		}
		// conversions above clicks are a data-quality signal; cap the rate at 1
		c.successes = min(c.successes, c.trials)
		eligible = append(eligible, c)
	}

	decision := Decision{Status: models.ExperimentInconclusive, Metric: metric}
	if len(eligible) < 2 {
		return decision
	}

	sort.SliceStable(eligible, func(i, j int) bool {
		ri, rj := eligible[i].rate(), eligible[j].rate()
		if ri != rj {
			return ri > rj
		}
		return eligible[i].order < eligible[j].order
	})

	leader, runnerUp := eligible[0], eligible[1]
	z := TwoProportionZ(leader.successes, leader.trials, runnerUp.successes, runnerUp.trials)
	decision.Confidence = Confidence(z)

	if leader.rate() > runnerUp.rate() && decision.Confidence >= threshold {
		decision.Status = models.ExperimentConcluded
		decision.Winner = leader.variantID
	}
	return decision
}

// TwoProportionZ returns the pooled z statistic for s1/n1 against s2/n2, or
// 0 when the pooled variance is zero.
func TwoProportionZ(s1, n1, s2, n2 int64) float64 {
	if n1 <= 0 || n2 <= 0 {
		return 0
	}
	p1 := float64(s1) / float64(n1)
	p2 := float64(s2) / float64(n2)
	p := float64(s1+s2) / float64(n1+n2)

	se := math.Sqrt(p * (1 - p) * (1/float64(n1) + 1/float64(n2)))
	if se == 0 || math.IsNaN(se) {
		return 0
	}
	return (p1 - p2) / se
}

// Confidence is the two-sided confidence level for z.
func Confidence(z float64) float64 {
	return math.Erf(math.Abs(z) / math.Sqrt2)
}
