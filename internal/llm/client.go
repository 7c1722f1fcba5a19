package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/campaign-agent/backend/internal/agents"
	"github.com/campaign-agent/backend/internal/storage/models"
	"github.com/campaign-agent/backend/pkg/apperr"
	"github.com/campaign-agent/backend/internal/metrics"
	"github.com/campaign-agent/backend/pkg/circuitbreaker"
	"github.com/campaign-agent/backend/pkg/logger"
)

// Client backs the embedder, generator and safety classifier with the
// OpenAI API. It does not retry; callers own the retry policy.
type Client struct {
	client         *openai.Client
	model          string
	embeddingModel string
	embeddingDim   int
	temperature    float32
	maxTokens      int
	cb             *circuitbreaker.CircuitBreaker
}

type Options struct {
	APIKey         string
	BaseURL        string
	Model          string
	EmbeddingModel string
	EmbeddingDim   int
	Temperature    float32
	MaxTokens      int
}

func NewClient(opts Options) *Client {
	cfg := openai.DefaultConfig(opts.APIKey)
	if opts.BaseURL != "" {
		cfg.BaseURL = opts.BaseURL
	}

	cb := circuitbreaker.NewCircuitBreaker("llm", circuitbreaker.Config{
		MaxRequests:      5,
		Interval:         time.Minute,
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		OnStateChange:    metrics.BreakerStateChanged,
		Logger:           logger.GetLogger(),
	})

	logger.Info("LLM client initialized",
		zap.String("model", opts.Model),
		zap.String("embedding_model", opts.EmbeddingModel),
	)

	return &Client{
		client:         openai.NewClientWithConfig(cfg),
		model:          opts.Model,
		embeddingModel: opts.EmbeddingModel,
		embeddingDim:   opts.EmbeddingDim,
		temperature:    opts.Temperature,
		maxTokens:      opts.MaxTokens,
		cb:             cb,
	}
}

func (c *Client) Dimension() int {
	return c.embeddingDim
}

func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, apperr.Validation("cannot embed empty text")
	}

	var embedding []float32
	err := c.cb.Execute(ctx, func(ctx context.Context) error {
		resp, err := c.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
			Input: []string{text},
			Model: openai.EmbeddingModel(c.embeddingModel),
		})
		if err != nil {
			return classify(fmt.Errorf("failed to generate embedding: %w", err))
		}
		if len(resp.Data) == 0 {
			return apperr.Transient(fmt.Errorf("embedding response was empty: %w", apperr.ErrUnavailable))
		}
		embedding = resp.Data[0].Embedding
		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(embedding) != c.embeddingDim {
		return nil, apperr.Validation("model returned %d dimensions, configured %d", len(embedding), c.embeddingDim)
	}
	return embedding, nil
}

const generationPrompt = `You write marketing messages for one customer segment.
Write exactly %d distinct variants for the %s channel. Each variant needs a subject, a body and a one-word tone.
Email bodies must end with a line telling the reader they can unsubscribe.
Never promise guaranteed results, never claim something is risk-free, and keep the language respectful.
Return JSON only: {"variants": [{"subject": "...", "body": "...", "tone": "..."}]}`

type generatedVariant struct {
	Subject string `json:"subject"`
	Body    string `json:"body"`
	Tone    string `json:"tone"`
}

type generationPayload struct {
	Variants []generatedVariant `json:"variants"`
}

func (c *Client) Generate(ctx context.Context, req agents.GenerationRequest) ([]models.MessageVariant, error) {
	if req.VariantCount <= 0 {
		return nil, apperr.Validation("variant count must be positive, got %d", req.VariantCount)
	}

	var refs strings.Builder
	for i, ref := range req.References {
		fmt.Fprintf(&refs, "[%d] %s (score %.2f)\n%s\n\n", i+1, ref.Item.Title, ref.Score, ref.Item.Body)
	}

	userPrompt := fmt.Sprintf(`Segment: %s
Audience: %s
Segment summary: %s
Campaign theme: %s

Approved reference content:
%s`, req.Segment.Label, req.Segment.Audience, req.Segment.Summary, req.Theme, refs.String())

	var content string
	err := c.cb.Execute(ctx, func(ctx context.Context) error {
		resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
			Model: c.model,
			Messages: []openai.ChatCompletionMessage{
				{Role: openai.ChatMessageRoleSystem, Content: fmt.Sprintf(generationPrompt, req.VariantCount, req.Channel)},
				{Role: openai.ChatMessageRoleUser, Content: userPrompt},
			},
			Temperature: c.temperature,
			MaxTokens:   c.maxTokens,
			ResponseFormat: &openai.ChatCompletionResponseFormat{
				Type: openai.ChatCompletionResponseFormatTypeJSONObject,
			},
		})
		if err != nil {
			return classify(fmt.Errorf("failed to create completion: %w", err))
		}
		if len(resp.Choices) == 0 {
			return apperr.Transient(fmt.Errorf("completion had no choices: %w", apperr.ErrUnavailable))
		}

		logger.Debug("LLM completion generated",
			zap.Int("prompt_tokens", resp.Usage.PromptTokens),
			zap.Int("completion_tokens", resp.Usage.CompletionTokens),
		)
		content = resp.Choices[0].Message.Content
		return nil
	})
	if err != nil {
		return nil, err
	}

	variants, err := ParseVariants(content, req, c.model, c.temperature)
	if err != nil {
		return nil, err
	}

	logger.Info("Variants generated",
		zap.String("segment_id", req.Segment.ID),
		zap.Int("count", len(variants)),
	)
	return variants, nil
}

// ParseVariants turns a JSON completion into message variants labelled A, B,
// ... in order. Extra variants are dropped; too few is a validation error.
func ParseVariants(content string, req agents.GenerationRequest, model string, temperature float32) ([]models.MessageVariant, error) {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")

	var payload generationPayload
	if err := json.Unmarshal([]byte(content), &payload); err != nil {
		return nil, apperr.Validation("generator returned malformed JSON: %v", err)
	}
	if len(payload.Variants) < req.VariantCount {
		return nil, apperr.Validation("generator returned %d variants, wanted %d", len(payload.Variants), req.VariantCount)
	}

	now := time.Now().UTC()
	out := make([]models.MessageVariant, 0, req.VariantCount)
	for i, gv := range payload.Variants[:req.VariantCount] {
		if strings.TrimSpace(gv.Body) == "" {
			return nil, apperr.Validation("variant %d has an empty body", i)
		}
		label := agents.VariantLabel(i)
		out = append(out, models.MessageVariant{
			ID:        fmt.Sprintf("%s-%s", req.Segment.ID, label),
			SegmentID: req.Segment.ID,
			Label:     label,
			Subject:   strings.TrimSpace(gv.Subject),
			Body:      strings.TrimSpace(gv.Body),
			Tone:      strings.ToLower(strings.TrimSpace(gv.Tone)),
			Channel:   req.Channel,
			Generation: models.GenerationMetadata{
				ModelID:     model,
				Temperature: temperature,
				GeneratedAt: now,
			},
		})
	}
	return out, nil
}

// Score runs the moderation endpoint and reports per-category scores.
func (c *Client) Score(ctx context.Context, text string) (agents.SafetyScores, error) {
	var scores agents.SafetyScores
	err := c.cb.Execute(ctx, func(ctx context.Context) error {
		resp, err := c.client.Moderations(ctx, openai.ModerationRequest{Input: text})
		if err != nil {
			return classify(fmt.Errorf("failed to moderate text: %w", err))
		}
		if len(resp.Results) == 0 {
			return apperr.Transient(fmt.Errorf("moderation returned no results: %w", apperr.ErrUnavailable))
		}

		cs := resp.Results[0].CategoryScores
		scores = agents.SafetyScores{
			"hate":       float64(cs.Hate),
			"harassment": float64(cs.Harassment),
			"self_harm":  float64(cs.SelfHarm),
			"sexual":     float64(cs.Sexual),
			"violence":   float64(cs.Violence),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return scores, nil
}

// classify maps OpenAI failures onto retry classes: throttling, timeouts
// and server errors are transient, other client errors are validation.
func classify(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return byStatus(apiErr.HTTPStatusCode, err)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return byStatus(reqErr.HTTPStatusCode, err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return apperr.Transient(fmt.Errorf("%w: %v", apperr.ErrTimeout, err))
	}
	return apperr.Transient(fmt.Errorf("%w: %v", apperr.ErrUnavailable, err))
}

func byStatus(code int, err error) error {
	switch {
	case code == http.StatusTooManyRequests:
		return apperr.Transient(fmt.Errorf("%w: %v", apperr.ErrRateLimited, err))
	case code == http.StatusRequestTimeout:
		return apperr.Transient(fmt.Errorf("%w: %v", apperr.ErrTimeout, err))
	case code >= 500 || code == 0:
		return apperr.Transient(fmt.Errorf("%w: %v", apperr.ErrUnavailable, err))
	default:
		return apperr.Validation("model rejected request: %v", err)
	}
}

var (
	_ agents.Embedder         = (*Client)(nil)
	_ agents.Generator        = (*Client)(nil)
	_ agents.SafetyClassifier = (*Client)(nil)
)
