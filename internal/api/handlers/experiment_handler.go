package handlers

import (
	"context"
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/campaign-agent/backend/internal/experiment"
	"github.com/campaign-agent/backend/internal/storage/models"
	"github.com/campaign-agent/backend/pkg/logger"
)

type Experiments interface {
	Get(ctx context.Context, id string) (*models.Experiment, error)
	RecordEvent(ctx context.Context, id, variantID string, kind models.EventKind) error
	Assign(ctx context.Context, id, key, segmentID string) (models.ExperimentVariant, error)
	Conclude(ctx context.Context, id string) (*models.Experiment, error)
}

// ExperimentArchive serves experiments no longer held in memory.
type ExperimentArchive interface {
	GetExperiment(ctx context.Context, id string) (*models.Experiment, error)
}

type ExperimentHandler struct {
	engine  Experiments
	archive ExperimentArchive
}

func NewExperimentHandler(engine Experiments, archive ExperimentArchive) *ExperimentHandler {
	return &ExperimentHandler{
		engine:  engine,
		archive: archive,
	}
}

func (h *ExperimentHandler) Register(r fiber.Router) {
	r.Post("/experiment/metrics", h.RecordMetric)
	r.Get("/experiment/:id", h.GetExperiment)
	r.Post("/experiment/:id/assign", h.Assign)
	r.Post("/experiment/:id/conclude", h.Conclude)
}

func (h *ExperimentHandler) RecordMetric(c *fiber.Ctx) error {
	var req struct {
		ExperimentID string `json:"experiment_id"`
		VariantID    string `json:"variant_id"`
		EventKind    string `json:"event_kind"`
	}
	if err := c.BodyParser(&req); err != nil {
		logger.Error("Failed to parse request body", zap.Error(err))
		return badRequest(c, "Invalid request body")
	}
	if req.ExperimentID == "" || req.VariantID == "" {
		return badRequest(c, "experiment_id and variant_id are required")
	}

	kind, err := models.ParseEventKind(req.EventKind)
	if err != nil {
		return respondError(c, err, "record metric")
	}

	if err := h.engine.RecordEvent(c.UserContext(), req.ExperimentID, req.VariantID, kind); err != nil {
		return respondError(c, err, "record metric")
	}

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"status": "accepted",
	})
}

func (h *ExperimentHandler) GetExperiment(c *fiber.Ctx) error {
	id := c.Params("id")
	exp, err := h.engine.Get(c.UserContext(), id)
	if errors.Is(err, experiment.ErrNotFound) && h.archive != nil {
		exp, err = h.archive.GetExperiment(c.UserContext(), id)
	}
	if err != nil {
		return respondError(c, err, "load experiment")
	}
	return c.JSON(experimentView(exp))
}

func (h *ExperimentHandler) Assign(c *fiber.Ctx) error {
	var req struct {
		AllocationKey string `json:"allocation_key"`
		SegmentID     string `json:"segment_id"`
	}
	if err := c.BodyParser(&req); err != nil {
		logger.Error("Failed to parse request body", zap.Error(err))
		return badRequest(c, "Invalid request body")
	}
	if strings.TrimSpace(req.AllocationKey) == "" {
		return badRequest(c, "allocation_key is required")
	}

	variant, err := h.engine.Assign(c.UserContext(), c.Params("id"), req.AllocationKey, req.SegmentID)
	if err != nil {
		return respondError(c, err, "assign variant")
	}
	return c.JSON(fiber.Map{
		"experiment_id":  c.Params("id"),
		"allocation_key": req.AllocationKey,
		"variant":        variant,
	})
}

func (h *ExperimentHandler) Conclude(c *fiber.Ctx) error {
	exp, err := h.engine.Conclude(c.UserContext(), c.Params("id"))
	if err != nil {
		return respondError(c, err, "conclude experiment")
	}
	return c.JSON(experimentView(exp))
}

type variantMetricsView struct {
	models.VariantMetrics
	CTR            float64 `json:"ctr"`
	ConversionRate float64 `json:"conversion_rate"`
}

func experimentView(exp *models.Experiment) fiber.Map {
	view := make(map[string]variantMetricsView, len(exp.Metrics))
	for id, m := range exp.Metrics {
		view[id] = variantMetricsView{
			VariantMetrics: m,
			CTR:            m.CTR(),
			ConversionRate: m.ConversionRate(),
		}
	}

	out := fiber.Map{
		"experiment_id": exp.ID,
		"campaign_id":   exp.CampaignID,
		"run_id":        exp.RunID,
		"status":        exp.Status,
		"variants":      exp.Variants,
		"metrics":       view,
		"created_at":    exp.CreatedAt,
	}
	if exp.Status.Terminal() {
		out["confidence"] = exp.Confidence
		out["decided_on"] = exp.DecidedOn
		out["concluded_at"] = exp.ConcludedAt
	}
	if exp.Winner != "" {
		out["winner"] = exp.Winner
		out["winner_label"] = exp.VariantLabel(exp.Winner)
	}
	return out
}
