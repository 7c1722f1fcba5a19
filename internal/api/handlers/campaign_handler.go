package handlers

import (
	"context"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/campaign-agent/backend/internal/storage/models"
	"github.com/campaign-agent/backend/pkg/logger"
)

type Orchestrator interface {
	RunCampaign(ctx context.Context, campaignID string, customers []models.Customer, theme string, variantCount int) (*models.CampaignRun, error)
	Cancel(campaignID string) bool
	Active(campaignID string) (*models.CampaignRun, bool)
}

type CustomerLoader interface {
	Load(path string) ([]models.Customer, error)
}

type RunReader interface {
	LatestRun(ctx context.Context, campaignID string) (*models.CampaignRun, error)
}

type CampaignHandler struct {
	engine Orchestrator
	loader CustomerLoader
	runs   RunReader
}

func NewCampaignHandler(engine Orchestrator, loader CustomerLoader, runs RunReader) *CampaignHandler {
	return &CampaignHandler{
		engine: engine,
		loader: loader,
		runs:   runs,
	}
}

func (h *CampaignHandler) Register(r fiber.Router) {
	r.Post("/orchestrate/campaign", h.Orchestrate)
	r.Get("/orchestrate/campaign/:id", h.GetRun)
	r.Delete("/orchestrate/campaign/:id", h.CancelRun)
}

type orchestrateRequest struct {
	CampaignID       string            `json:"campaign_id"`
	CustomerDataPath string            `json:"customer_data_path"`
	Customers        []models.Customer `json:"customers"`
	MessageTheme     string            `json:"message_theme"`
	VariantCount     int               `json:"variant_count"`
}

// Orchestrate runs the campaign to completion and returns the report.
// Customers come from customer_data_path, or inline when no path is given.
func (h *CampaignHandler) Orchestrate(c *fiber.Ctx) error {
	var req orchestrateRequest
	if err := c.BodyParser(&req); err != nil {
		logger.Error("Failed to parse request body", zap.Error(err))
		return badRequest(c, "Invalid request body")
	}

	customers := req.Customers
	if req.CustomerDataPath != "" {
		loaded, err := h.loader.Load(req.CustomerDataPath)
		if err != nil {
			return respondError(c, err, "load customers")
		}
		customers = loaded
	}
	if len(customers) == 0 {
		return badRequest(c, "customer_data_path or customers is required")
	}

	run, err := h.engine.RunCampaign(c.UserContext(), req.CampaignID, customers, req.MessageTheme, req.VariantCount)
	if err != nil {
		return respondError(c, err, "run campaign")
	}

	return c.JSON(runSummary(run))
}

func (h *CampaignHandler) GetRun(c *fiber.Ctx) error {
	id := c.Params("id")
	if run, ok := h.engine.Active(id); ok {
		return c.JSON(runReport(run))
	}

	run, err := h.runs.LatestRun(c.UserContext(), id)
	if err != nil {
		return respondError(c, err, "load campaign run")
	}
	return c.JSON(runReport(run))
}

func (h *CampaignHandler) CancelRun(c *fiber.Ctx) error {
	id := c.Params("id")
	if !h.engine.Cancel(id) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "No run in progress for campaign " + id,
		})
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"campaign_id": id,
		"status":      "cancelling",
	})
}

func runSummary(run *models.CampaignRun) fiber.Map {
	m := fiber.Map{
		"campaign_id":        run.CampaignID,
		"run_id":             run.ID,
		"status":             run.State,
		"segments":           run.SegmentCount,
		"messages_generated": run.MessagesGenerated,
		"messages_approved":  run.MessagesApproved,
		"customers_targeted": run.CustomersTargeted,
		"experiment_id":      run.ExperimentID,
	}
	if run.Failure != nil {
		m["failure"] = run.Failure
	}
	var failed []fiber.Map
	for _, s := range run.Segments {
		if s.Failure != nil {
			failed = append(failed, fiber.Map{
				"segment_id": s.Segment.ID,
				"status":     s.Status,
				"failure":    s.Failure,
			})
		}
	}
	if len(failed) > 0 {
		m["failed_segments"] = failed
	}
	return m
}

type segmentReport struct {
	SegmentID   string      `json:"segment_id"`
	Label       string      `json:"label"`
	Confidence  float64     `json:"confidence"`
	Customers   int         `json:"customers"`
	Status      string      `json:"status"`
	Content     []string    `json:"content_ids"`
	Variants    []string    `json:"variant_ids"`
	Approved    []string    `json:"approved_variant_ids"`
	UnderReview []string    `json:"under_review_variant_ids,omitempty"`
	Failure     interface{} `json:"failure,omitempty"`
}

func runReport(run *models.CampaignRun) fiber.Map {
	m := runSummary(run)
	m["message_theme"] = run.Theme
	m["started_at"] = run.StartedAt
	if run.FinishedAt != nil {
		m["finished_at"] = run.FinishedAt
	}

	segments := make([]segmentReport, 0, len(run.Segments))
	for _, s := range run.Segments {
		r := segmentReport{
			SegmentID:  s.Segment.ID,
			Label:      s.Segment.Label,
			Confidence: s.Segment.Confidence,
			Customers:  len(s.Segment.CustomerIDs),
			Status:     string(s.Status),
			Content:    []string{},
			Variants:   []string{},
			Approved:   []string{},
		}
		for _, ref := range s.Content {
			r.Content = append(r.Content, ref.Item.ID)
		}
		for _, v := range s.Variants {
			r.Variants = append(r.Variants, v.ID)
		}
		for _, v := range s.Approved {
			r.Approved = append(r.Approved, v.ID)
		}
		for _, v := range s.UnderReview {
			r.UnderReview = append(r.UnderReview, v.ID)
		}
		if s.Failure != nil {
			r.Failure = s.Failure
		}
		segments = append(segments, r)
	}
	m["segment_results"] = segments
	return m
}
