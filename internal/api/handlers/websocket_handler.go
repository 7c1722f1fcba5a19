package handlers

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/campaign-agent/backend/internal/events"
	"github.com/campaign-agent/backend/pkg/logger"
)

type Subscriber interface {
	Subscribe(campaignID string) (<-chan events.Event, func())
}

// CampaignStreamHandler pushes a campaign's pipeline transitions to a
// websocket client until the run finishes or the client goes away.
type CampaignStreamHandler struct {
	broker Subscriber
}

func NewCampaignStreamHandler(broker Subscriber) *CampaignStreamHandler {
	return &CampaignStreamHandler{broker: broker}
}

func (h *CampaignStreamHandler) Register(r fiber.Router) {
	r.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	r.Get("/ws/campaign/:id", websocket.New(h.HandleConnection))
}

func (h *CampaignStreamHandler) HandleConnection(c *websocket.Conn) {
	campaignID := c.Params("id")
	logger.Info("WebSocket connection established", zap.String("campaign_id", campaignID))

	stream, unsubscribe := h.broker.Subscribe(campaignID)
	defer func() {
		unsubscribe()
		c.Close()
		logger.Info("WebSocket connection closed", zap.String("campaign_id", campaignID))
	}()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case e, ok := <-stream:
			if !ok {
				return
			}
			if err := c.WriteJSON(e); err != nil {
				logger.Warn("Failed to write campaign event", zap.String("campaign_id", campaignID), zap.Error(err))
				return
			}
			if e.Type == events.TypeRunFinished {
				h.sendComplete(c, e)
				return
			}
		}
	}
}

func (h *CampaignStreamHandler) sendComplete(c *websocket.Conn, e events.Event) {
	msg := map[string]interface{}{
		"type":        "complete",
		"campaign_id": e.CampaignID,
		"run_id":      e.RunID,
		"state":       e.State,
	}
	if err := c.WriteJSON(msg); err != nil {
		logger.Debug("Failed to write completion", zap.Error(err))
	}
}
