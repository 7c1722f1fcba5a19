package ingestion

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/campaign-agent/backend/internal/agents"
	"github.com/campaign-agent/backend/internal/metrics"
	"github.com/campaign-agent/backend/internal/storage/models"
	"github.com/campaign-agent/backend/internal/vector"
	"github.com/campaign-agent/backend/pkg/apperr"
	"github.com/campaign-agent/backend/pkg/logger"
	"github.com/campaign-agent/backend/pkg/utils"
)

// ContentInput is one item submitted for ingestion. Content may be HTML.
type ContentInput struct {
	Title            string   `json:"title"`
	Content          string   `json:"content"`
	ContentType      string   `json:"content_type"`
	CampaignName     string   `json:"campaign_name,omitempty"`
	Audience         string   `json:"audience,omitempty"`
	ComplianceStatus string   `json:"compliance_status,omitempty"`
	Source           string   `json:"source,omitempty"`
	Tags             []string `json:"tags,omitempty"`
}

// Store writes a batch atomically. beforeCommit runs inside the write, so a
// failure there leaves nothing stored.
type Store interface {
	InsertContentBatch(ctx context.Context, items []models.ContentItem, beforeCommit func(ctx context.Context) error) error
	AllContent(ctx context.Context) ([]models.ContentItem, error)
}

type Processor struct {
	store    Store
	index    vector.Index
	embedder agents.Embedder
	now      func() time.Time
}

func NewProcessor(store Store, index vector.Index, embedder agents.Embedder) *Processor {
	return &Processor{
		store:    store,
		index:    index,
		embedder: embedder,
		now:      time.Now,
	}
}

// Ingest cleans, embeds and stores every input. The embedding is computed
// once here from title and body and never recomputed. Inputs are validated
// up front, and the store write and index upsert succeed or fail together,
// so a bad batch leaves neither the store nor the index changed.
func (p *Processor) Ingest(ctx context.Context, inputs []ContentInput) ([]models.ContentItem, error) {
	if len(inputs) == 0 {
		return nil, apperr.Validation("no content to ingest")
	}

	items := make([]models.ContentItem, 0, len(inputs))
	for i, in := range inputs {
		item, err := p.prepare(in)
		if err != nil {
			return nil, fmt.Errorf("item %d: %w", i, err)
		}
		items = append(items, item)
	}

	for i := range items {
		vec, err := p.embedder.Embed(ctx, items[i].Title+" "+items[i].Body)
		if err != nil {
			return nil, fmt.Errorf("failed to embed %q: %w", items[i].Title, err)
		}
		if err := vector.CheckDimension(vec, p.index.Dimension()); err != nil {
			return nil, err
		}
		items[i].Embedding = vec
	}

	err := p.store.InsertContentBatch(ctx, items, func(ctx context.Context) error {
		if err := p.index.Upsert(ctx, items); err != nil {
			return fmt.Errorf("failed to index content: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.ContentIngested.Add(float64(len(items)))
	logger.Info("Content ingested", zap.Int("count", len(items)))
	return items, nil
}

func (p *Processor) prepare(in ContentInput) (models.ContentItem, error) {
	title := strings.TrimSpace(in.Title)
	body := cleanHTML(in.Content)
	if title == "" {
		return models.ContentItem{}, apperr.Validation("title is required")
	}
	if body == "" {
		return models.ContentItem{}, apperr.Validation("content is required")
	}
	if strings.TrimSpace(in.ContentType) == "" {
		return models.ContentItem{}, apperr.Validation("content_type is required")
	}

	status := in.ComplianceStatus
	if status == "" {
		status = models.ComplianceApproved
	}
	switch status {
	case models.ComplianceApproved, models.CompliancePending, models.ComplianceRejected:
	default:
		return models.ContentItem{}, apperr.Validation("unknown compliance_status %q", status)
	}

	var tags []string
	for _, t := range in.Tags {
		if t = strings.TrimSpace(t); t != "" {
			tags = append(tags, t)
		}
	}

	return models.ContentItem{
		ID:    uuid.New().String(),
		Title: title,
		Body:  body,
		Metadata: models.ContentMetadata{
			ContentType:      strings.TrimSpace(in.ContentType),
			Audience:         strings.TrimSpace(in.Audience),
			CampaignName:     strings.TrimSpace(in.CampaignName),
			ComplianceStatus: status,
			Source:           in.Source,
			Tags:             tags,
			CreatedAt:        p.now().UTC(),
		},
	}, nil
}

// Hydrate loads every stored item into the index. Used at startup when the
// index is in-process.
func (p *Processor) Hydrate(ctx context.Context) (int, error) {
	items, err := p.store.AllContent(ctx)
	if err != nil {
		return 0, err
	}
	if len(items) == 0 {
		return 0, nil
	}
	if err := p.index.Upsert(ctx, items); err != nil {
		return 0, fmt.Errorf("failed to hydrate index: %w", err)
	}
	logger.Info("Embedding index hydrated", zap.Int("items", len(items)))
	return len(items), nil
}

// cleanHTML drops markup and non-content elements and collapses whitespace.
// Plain text passes through unchanged apart from whitespace.
func cleanHTML(content string) string {
	if !strings.Contains(content, "<") {
		return utils.CollapseSpace(content)
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(content))
	if err != nil {
		return utils.CollapseSpace(content)
	}

	doc.Find("script, style, nav, header, aside").Each(func(i int, s *goquery.Selection) {
		s.Remove()
	})

	return utils.HTMLText(doc.Find("body"))
}
