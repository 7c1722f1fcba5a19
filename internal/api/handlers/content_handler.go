package handlers

import (
	"context"
	"encoding/json"
	"math"
	"strings"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/campaign-agent/backend/internal/ingestion"
	"github.com/campaign-agent/backend/internal/metrics"
	"github.com/campaign-agent/backend/internal/ranking"
	"github.com/campaign-agent/backend/internal/storage/models"
	"github.com/campaign-agent/backend/internal/storage/sqlite"
	"github.com/campaign-agent/backend/pkg/logger"
	"github.com/campaign-agent/backend/pkg/utils"
)

const (
	defaultTopK      = 3
	defaultPageLimit = 10
	maxPageLimit     = 100
)

type Searcher interface {
	Search(ctx context.Context, query string, filter models.ContentFilter, topK int) ([]models.ScoredContent, error)
}

type ContentStore interface {
	GetContent(ctx context.Context, id string) (*models.ContentItem, error)
	ListContent(ctx context.Context, skip, limit int) ([]models.ContentItem, error)
	ContentStats(ctx context.Context) (*sqlite.ContentStats, error)
}

type Ingestor interface {
	Ingest(ctx context.Context, inputs []ingestion.ContentInput) ([]models.ContentItem, error)
}

// SearchCache is optional; a nil cache disables response caching.
type SearchCache interface {
	GetSearch(ctx context.Context, queryHash string, response interface{}) (bool, error)
	SetSearch(ctx context.Context, queryHash string, response interface{}) error
	InvalidateSearchCache(ctx context.Context) error
}

type ContentHandler struct {
	search         Searcher
	store          ContentStore
	ingest         Ingestor
	cache          SearchCache
	embeddingModel string
	embeddingDim   int
}

func NewContentHandler(search Searcher, store ContentStore, ingest Ingestor, cache SearchCache, embeddingModel string, embeddingDim int) *ContentHandler {
	return &ContentHandler{
		search:         search,
		store:          store,
		ingest:         ingest,
		cache:          cache,
		embeddingModel: embeddingModel,
		embeddingDim:   embeddingDim,
	}
}

func (h *ContentHandler) Register(r fiber.Router) {
	r.Post("/content/search", h.Search)
	r.Get("/content/stats", h.Stats)
	r.Get("/content/:id", h.GetContent)
	r.Get("/content", h.ListContent)
	r.Post("/content", h.Ingest)
}

type searchRequest struct {
	Query        string   `json:"query"`
	ContentType  string   `json:"content_type,omitempty"`
	Audience     string   `json:"audience,omitempty"`
	CampaignName string   `json:"campaign_name,omitempty"`
	Tags         []string `json:"tags,omitempty"`
	TopK         int      `json:"top_k,omitempty"`
}

type searchResult struct {
	ID             string                 `json:"id"`
	Title          string                 `json:"title"`
	Content        string                 `json:"content"`
	RelevanceScore float64                `json:"relevance_score"`
	Metadata       models.ContentMetadata `json:"metadata"`
}

type searchResponse struct {
	Query        string         `json:"query"`
	ResultsCount int            `json:"results_count"`
	Results      []searchResult `json:"results"`
}

func (h *ContentHandler) Search(c *fiber.Ctx) error {
	var req searchRequest
	if err := c.BodyParser(&req); err != nil {
		logger.Error("Failed to parse request body", zap.Error(err))
		return badRequest(c, "Invalid request body")
	}

	req.Query = strings.TrimSpace(req.Query)
	if req.Query == "" {
		return badRequest(c, "Query is required")
	}
	if req.TopK == 0 {
		req.TopK = defaultTopK
	}
	if req.TopK < 1 || req.TopK > ranking.MaxTopK {
		return badRequest(c, "top_k must be between 1 and 10")
	}

	ctx := c.UserContext()
	key := cacheKey(req)
	if h.cache != nil {
		var cached searchResponse
		hit, err := h.cache.GetSearch(ctx, key, &cached)
		if err != nil {
			logger.Warn("Search cache read failed", zap.Error(err))
		}
		if hit {
			metrics.CacheHits.WithLabelValues("search").Inc()
			return c.JSON(cached)
		}
		metrics.CacheMisses.WithLabelValues("search").Inc()
	}

	results, err := h.search.Search(ctx, req.Query, models.ContentFilter{
		ContentType:  req.ContentType,
		Audience:     req.Audience,
		CampaignName: req.CampaignName,
		Tags:         req.Tags,
	}, req.TopK)
	if err != nil {
		return respondError(c, err, "search content")
	}

	resp := searchResponse{
		Query:        req.Query,
		ResultsCount: len(results),
		Results:      make([]searchResult, 0, len(results)),
	}
	for _, r := range results {
		resp.Results = append(resp.Results, searchResult{
			ID:             r.Item.ID,
			Title:          r.Item.Title,
			Content:        r.Item.Body,
			RelevanceScore: math.Round(r.Score*10000) / 10000,
			Metadata:       r.Item.Metadata,
		})
	}

	if h.cache != nil {
		if err := h.cache.SetSearch(ctx, key, resp); err != nil {
			logger.Warn("Search cache write failed", zap.Error(err))
		}
	}

	return c.JSON(resp)
}

func cacheKey(req searchRequest) string {
	data, _ := json.Marshal(req)
	return utils.HashString(string(data))
}

func (h *ContentHandler) GetContent(c *fiber.Ctx) error {
	item, err := h.store.GetContent(c.UserContext(), c.Params("id"))
	if err != nil {
		return respondError(c, err, "load content")
	}
	return c.JSON(item)
}

func (h *ContentHandler) ListContent(c *fiber.Ctx) error {
	skip := c.QueryInt("skip", 0)
	limit := c.QueryInt("limit", defaultPageLimit)
	if skip < 0 {
		return badRequest(c, "skip must not be negative")
	}
	if limit < 1 || limit > maxPageLimit {
		return badRequest(c, "limit must be between 1 and 100")
	}

	items, err := h.store.ListContent(c.UserContext(), skip, limit)
	if err != nil {
		return respondError(c, err, "list content")
	}
	if items == nil {
		items = []models.ContentItem{}
	}

	return c.JSON(fiber.Map{
		"skip":  skip,
		"limit": limit,
		"items": items,
	})
}

func (h *ContentHandler) Stats(c *fiber.Ctx) error {
	stats, err := h.store.ContentStats(c.UserContext())
	if err != nil {
		return respondError(c, err, "load content stats")
	}
	return c.JSON(fiber.Map{
		"total_items":         stats.Total,
		"by_content_type":     stats.ByContentType,
		"by_audience":         stats.ByAudience,
		"embedding_model":     h.embeddingModel,
		"embedding_dimension": h.embeddingDim,
	})
}

// Ingest accepts {"items": [...]} or a single item object.
func (h *ContentHandler) Ingest(c *fiber.Ctx) error {
	var req struct {
		Items []ingestion.ContentInput `json:"items"`
	}
	if err := c.BodyParser(&req); err != nil {
		logger.Error("Failed to parse request body", zap.Error(err))
		return badRequest(c, "Invalid request body")
	}
	if len(req.Items) == 0 {
		var single ingestion.ContentInput
		if err := c.BodyParser(&single); err != nil || single.Title == "" {
			return badRequest(c, "items is required")
		}
		req.Items = []ingestion.ContentInput{single}
	}

	items, err := h.ingest.Ingest(c.UserContext(), req.Items)
	if err != nil {
		return respondError(c, err, "ingest content")
	}

	if h.cache != nil {
		if err := h.cache.InvalidateSearchCache(c.UserContext()); err != nil {
			logger.Warn("Failed to invalidate search cache", zap.Error(err))
		}
	}

	ids := make([]string, 0, len(items))
	for _, item := range items {
		ids = append(ids, item.ID)
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"ingested": len(items),
		"ids":      ids,
	})
}
