package handlers

import (
	"context"
	"strings"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/campaign-agent/backend/internal/storage/models"
	"github.com/campaign-agent/backend/pkg/logger"
)

type Validator interface {
	Validate(ctx context.Context, variant models.MessageVariant) (*models.ComplianceResult, error)
}

type ComplianceHandler struct {
	gate Validator
}

func NewComplianceHandler(gate Validator) *ComplianceHandler {
	return &ComplianceHandler{gate: gate}
}

func (h *ComplianceHandler) Register(r fiber.Router) {
	r.Post("/compliance/validate", h.Validate)
}

// API names for the three check categories.
var checkNames = map[string]string{
	models.CategorySafety: "content_safety",
	models.CategoryBrand:  "brand_compliance",
	models.CategoryLegal:  "legal_compliance",
}

func (h *ComplianceHandler) Validate(c *fiber.Ctx) error {
	var req struct {
		MessageID string `json:"message_id"`
		Text      string `json:"text"`
		Subject   string `json:"subject"`
		Tone      string `json:"tone"`
		Channel   string `json:"channel"`
	}
	if err := c.BodyParser(&req); err != nil {
		logger.Error("Failed to parse request body", zap.Error(err))
		return badRequest(c, "Invalid request body")
	}
	if strings.TrimSpace(req.MessageID) == "" {
		return badRequest(c, "message_id is required")
	}
	if strings.TrimSpace(req.Text) == "" {
		return badRequest(c, "text is required")
	}

	result, err := h.gate.Validate(c.UserContext(), models.MessageVariant{
		ID:      req.MessageID,
		Subject: req.Subject,
		Body:    req.Text,
		Tone:    req.Tone,
		Channel: req.Channel,
	})
	if err != nil {
		return respondError(c, err, "validate message")
	}

	checks := fiber.Map{}
	for category, r := range result.Categories {
		name, ok := checkNames[category]
		if !ok {
			name = category
		}
		checks[name] = r
	}

	return c.JSON(fiber.Map{
		"message_id":      req.MessageID,
		"status":          result.Status,
		"checks":          checks,
		"reasons":         result.Reasons,
		"pending":         result.Pending,
		"recommendations": result.Recommendations,
	})
}
