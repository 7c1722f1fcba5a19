package compliance

import (
	"fmt"
	"slices"
	"strings"
	"unicode"

	"github.com/jdkato/prose/v2"

	"github.com/campaign-agent/backend/internal/storage/models"
)

const (
	offTonePenalty  = 0.5
	bannedPenalty   = 0.3
	shoutingPenalty = 0.3
	exclaimPenalty  = 0.2

	maxExclamations = 3
	maxShoutRatio   = 0.3
)

// checkBrand scores tone match from 1.0 down. A variant loses points for an
// unapproved tone, each banned phrase, shouting and piled-up exclamations.
// Text submitted without a tone is not tone-checked.
func (g *Gate) checkBrand(variant models.MessageVariant) check {
	text := variant.Text()
	score := 1.0
	var c check

	if variant.Tone != "" && len(g.rules.BrandTones) > 0 && !slices.Contains(g.rules.BrandTones, strings.ToLower(variant.Tone)) {
		score -= offTonePenalty
		c.reasons = append(c.reasons, fmt.Sprintf("brand: tone %q is not an approved brand tone", variant.Tone))
		c.recommendations = append(c.recommendations, fmt.Sprintf("Use one of the approved tones: %s", strings.Join(g.rules.BrandTones, ", ")))
	}

	lower := strings.ToLower(text)
	for _, phrase := range g.rules.BannedPhrases {
		if strings.Contains(lower, strings.ToLower(phrase)) {
			score -= bannedPenalty
			c.reasons = append(c.reasons, fmt.Sprintf("brand: contains banned phrase %q", phrase))
			c.recommendations = append(c.recommendations, fmt.Sprintf("Rephrase without %q", phrase))
		}
	}

	if ratio := shoutRatio(text); ratio > maxShoutRatio {
		score -= shoutingPenalty
		c.reasons = append(c.reasons, fmt.Sprintf("brand: %.0f%% of words are all caps", ratio*100))
		c.recommendations = append(c.recommendations, "Use sentence case instead of all caps")
	}

	if n := strings.Count(text, "!"); n > maxExclamations {
		score -= exclaimPenalty
		c.reasons = append(c.reasons, fmt.Sprintf("brand: %d exclamation marks", n))
		c.recommendations = append(c.recommendations, "Limit exclamation marks")
	}

	score = max(score, 0)
	c.result = models.CategoryResult{
		Category: models.CategoryBrand,
		Score:    round(score),
		Passed:   score >= g.rules.BrandThreshold,
	}
	if c.result.Passed {
		c.reasons, c.recommendations = nil, nil
	} else {
		if len(c.reasons) == 0 {
			c.reasons = []string{fmt.Sprintf("brand: score %.2f below threshold", score)}
		}
		c.result.Reason = strings.Join(c.reasons, "; ")
	}
	return c
}

// shoutRatio is the share of word tokens of three or more letters written
// entirely in upper case.
func shoutRatio(text string) float64 {
	words := 0
	shouted := 0
	for _, tok := range tokens(text) {
		letters := 0
		upper := true
		for _, r := range tok {
			if unicode.IsLetter(r) {
				letters++
				if !unicode.IsUpper(r) {
					upper = false
				}
			}
		}
		if letters < 3 {
			continue
		}
		words++
		if upper {
			shouted++
		}
	}
	if words == 0 {
		return 0
	}
	return float64(shouted) / float64(words)
}

func tokens(text string) []string {
	doc, err := prose.NewDocument(text,
		prose.WithTagging(false),
		prose.WithSegmentation(false),
		prose.WithExtraction(false),
	)
	if err != nil {
		return strings.Fields(text)
	}
	toks := doc.Tokens()
	out := make([]string, 0, len(toks))
	for _, t := range toks {
		out = append(out, t.Text)
	}
	return out
}
