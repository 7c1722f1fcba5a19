// Package stub holds offline collaborators used when no model credentials
// are configured and in tests. Every implementation is deterministic.
package stub

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"time"
	"unicode"

	"github.com/campaign-agent/backend/internal/agents"
	"github.com/campaign-agent/backend/internal/storage/models"
	"github.com/campaign-agent/backend/pkg/apperr"
)

// HashEmbedder buckets lower-cased word tokens into a fixed number of
// dimensions and L2-normalizes the result. Texts sharing words score a
// positive cosine.
type HashEmbedder struct {
	dim int
}

func NewHashEmbedder(dim int) *HashEmbedder {
	return &HashEmbedder{dim: dim}
}

func (h *HashEmbedder) Dimension() int {
	return h.dim
}

func (h *HashEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	tokens := Tokenize(text)
	if len(tokens) == 0 {
		return nil, apperr.Validation("cannot embed empty text")
	}

	vec := make([]float32, h.dim)
	for _, tok := range tokens {
		f := fnv.New32a()
		_, _ = f.Write([]byte(tok))
		sum := f.Sum32()
		idx := int(sum % uint32(h.dim))
		if sum&(1<<31) != 0 {
			vec[idx] -= 1
		} else {
			vec[idx] += 1
		}
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	norm = math.Sqrt(norm)
	if norm == 0 {
		vec[0] = 1
		return vec, nil
	}
	for i := range vec {
		vec[i] = float32(float64(vec[i]) / norm)
	}
	return vec, nil
}

// Tokenize splits on anything that is not a letter or digit.
func Tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// TemplateGenerator fills a fixed set of templates with the segment and
// theme. Email variants carry an unsubscribe footer.
type TemplateGenerator struct {
	ModelID string
	Tones   []string
	Now     func() time.Time
}

func NewTemplateGenerator() *TemplateGenerator {
	return &TemplateGenerator{
		ModelID: "template-v1",
		Tones:   []string{"friendly", "professional", "urgent", "playful"},
		Now:     time.Now,
	}
}

var openers = []string{
	"We picked this for you",
	"Something new for our %s customers",
	"A quick note for you",
	"Made with %s customers in mind",
}

func (g *TemplateGenerator) Generate(ctx context.Context, req agents.GenerationRequest) ([]models.MessageVariant, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if req.VariantCount <= 0 {
		return nil, apperr.Validation("variant count must be positive, got %d", req.VariantCount)
	}

	audience := req.Segment.Audience
	if audience == "" {
		audience = strings.ReplaceAll(req.Segment.Label, "_", " ")
	}

	variants := make([]models.MessageVariant, 0, req.VariantCount)
	for i := 0; i < req.VariantCount; i++ {
		label := agents.VariantLabel(i)
		opener := openers[i%len(openers)]
		if strings.Contains(opener, "%s") {
			opener = fmt.Sprintf(opener, audience)
		}

		var body strings.Builder
		fmt.Fprintf(&body, "%s. %s.", opener, req.Theme)
		if len(req.References) > 0 {
			ref := req.References[i%len(req.References)]
			fmt.Fprintf(&body, " Inspired by %q.", ref.Item.Title)
		}
		if req.Channel == "email" {
			body.WriteString("\n\nYou can unsubscribe at any time.")
		}

		variants = append(variants, models.MessageVariant{
			ID:        fmt.Sprintf("%s-%s", req.Segment.ID, label),
			SegmentID: req.Segment.ID,
			Label:     label,
			Subject:   fmt.Sprintf("%s (%s)", req.Theme, label),
			Body:      body.String(),
			Tone:      g.Tones[i%len(g.Tones)],
			Channel:   req.Channel,
			Generation: models.GenerationMetadata{
				ModelID:     g.ModelID,
				GeneratedAt: g.Now().UTC(),
			},
		})
	}
	return variants, nil
}

// KeywordClassifier scores a text 1.0 in a category when it contains one of
// that category's keywords.
type KeywordClassifier struct {
	Keywords map[string][]string
}

func NewKeywordClassifier() *KeywordClassifier {
	return &KeywordClassifier{
		Keywords: map[string][]string{
			"hate":       {"hate", "inferior"},
			"violence":   {"kill", "destroy", "attack"},
			"harassment": {"stupid", "idiot", "loser"},
			"self_harm":  {"hurt yourself"},
			"sexual":     {"explicit"},
		},
	}
}

func (k *KeywordClassifier) Score(ctx context.Context, text string) (agents.SafetyScores, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	lower := strings.ToLower(text)
	tokens := map[string]bool{}
	for _, t := range Tokenize(lower) {
		tokens[t] = true
	}

	scores := agents.SafetyScores{}
	for category, words := range k.Keywords {
		scores[category] = 0
		for _, w := range words {
			hit := tokens[w]
			if strings.Contains(w, " ") {
				hit = strings.Contains(lower, w)
			}
			if hit {
				scores[category] = 1
				break
			}
		}
	}
	return scores, nil
}

var (
	_ agents.Embedder         = (*HashEmbedder)(nil)
	_ agents.Generator        = (*TemplateGenerator)(nil)
	_ agents.SafetyClassifier = (*KeywordClassifier)(nil)
)
