package segmentation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/campaign-agent/backend/internal/agents"
	"github.com/campaign-agent/backend/internal/storage/models"
	"github.com/campaign-agent/backend/pkg/apperr"
	"github.com/campaign-agent/backend/internal/metrics"
	"github.com/campaign-agent/backend/pkg/circuitbreaker"
	"github.com/campaign-agent/backend/pkg/logger"
)

// HTTPSegmenter calls a remote segmentation model over JSON/HTTP.
type HTTPSegmenter struct {
	endpoint   string
	httpClient *http.Client
	cb         *circuitbreaker.CircuitBreaker
}

func NewHTTPSegmenter(endpoint string, timeout time.Duration) *HTTPSegmenter {
	return &HTTPSegmenter{
		endpoint: endpoint,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		cb: circuitbreaker.NewCircuitBreaker("segmenter", circuitbreaker.Config{
			MaxRequests:      2,
			Interval:         time.Minute,
			Timeout:          30 * time.Second,
			FailureThreshold: 5,
			SuccessThreshold: 2,
			OnStateChange:    metrics.BreakerStateChanged,
			Logger:           logger.GetLogger(),
		}),
	}
}

type classifyRequest struct {
	CampaignID string            `json:"campaign_id"`
	Customers  []models.Customer `json:"customers"`
}

type classifyResponse struct {
	Segments []models.Segment `json:"segments"`
}

func (s *HTTPSegmenter) Classify(ctx context.Context, campaignID string, customers []models.Customer) ([]models.Segment, error) {
	if err := agents.ValidateCustomers(customers); err != nil {
		return nil, err
	}

	payload, err := json.Marshal(classifyRequest{CampaignID: campaignID, Customers: customers})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal segmentation request: %w", err)
	}

	var out classifyResponse
	err = s.cb.Execute(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint+"/classify", bytes.NewReader(payload))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := s.httpClient.Do(req)
		if err != nil {
			return classifyTransport(err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
		if err != nil {
			return apperr.Transient(fmt.Errorf("failed to read segmentation response: %w", err))
		}

		if err := classifyStatus(resp.StatusCode); err != nil {
			logger.Warn("Segmentation service returned error",
				zap.Int("status", resp.StatusCode),
				zap.String("campaign_id", campaignID),
			)
			return err
		}

		if err := json.Unmarshal(body, &out); err != nil {
			return apperr.Validation("malformed segmentation response: %v", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for i := range out.Segments {
		if out.Segments[i].CampaignID == "" {
			out.Segments[i].CampaignID = campaignID
		}
	}

	logger.Info("Customers segmented",
		zap.String("campaign_id", campaignID),
		zap.Int("customers", len(customers)),
		zap.Int("segments", len(out.Segments)),
	)
	return out.Segments, nil
}

func classifyStatus(code int) error {
	switch {
	case code < 300:
		return nil
	case code == http.StatusTooManyRequests:
		return apperr.Transient(apperr.ErrRateLimited)
	case code == http.StatusRequestTimeout || code == http.StatusGatewayTimeout:
		return apperr.Transient(apperr.ErrTimeout)
	case code >= 500:
		return apperr.Transient(fmt.Errorf("segmentation status %d: %w", code, apperr.ErrUnavailable))
	default:
		return apperr.Validation("segmentation rejected request with status %d", code)
	}
}

func classifyTransport(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return apperr.Transient(fmt.Errorf("%w: %v", apperr.ErrTimeout, err))
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return apperr.Transient(fmt.Errorf("%w: %v", apperr.ErrUnavailable, err))
}

var _ agents.Segmenter = (*HTTPSegmenter)(nil)
