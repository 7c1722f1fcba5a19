// Package neo4j records campaign lineage as a graph:
// campaign → run → segment → retrieved content and generated variants.
package neo4j

import (
	"context"
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"

	"github.com/campaign-agent/backend/internal/storage/models"
	"github.com/campaign-agent/backend/pkg/apperr"
	"github.com/campaign-agent/backend/internal/metrics"
	"github.com/campaign-agent/backend/pkg/circuitbreaker"
	"github.com/campaign-agent/backend/pkg/logger"
	"github.com/campaign-agent/backend/pkg/retry"
)

type Client struct {
	driver      neo4j.DriverWithContext
	database    string
	cb          *circuitbreaker.CircuitBreaker
	retryConfig retry.Config
}

func NewClient(ctx context.Context, uri, username, password, database string) (*Client, error) {
	driver, err := neo4j.NewDriverWithContext(
		uri,
		neo4j.BasicAuth(username, password, ""),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create neo4j driver: %w", err)
	}

	if err := driver.VerifyConnectivity(ctx); err != nil {
		return nil, fmt.Errorf("failed to verify connectivity: %w", err)
	}

	cb := circuitbreaker.NewCircuitBreaker("neo4j", circuitbreaker.Config{
		MaxRequests:      3,
		Interval:         time.Minute,
		Timeout:          20 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		OnStateChange:    metrics.BreakerStateChanged,
		Logger:           logger.GetLogger(),
	})

	logger.Info("Neo4j lineage client initialized", zap.String("uri", uri), zap.String("database", database))

	return &Client{
		driver:   driver,
		database: database,
		cb:       cb,
		retryConfig: retry.Config{
			MaxAttempts:    3,
			InitialDelay:   200 * time.Millisecond,
			MaxDelay:       3 * time.Second,
			Multiplier:     2.0,
			JitterFraction: 0.1,
			Logger:         logger.GetLogger(),
		},
	}, nil
}

func (c *Client) Close(ctx context.Context) error {
	return c.driver.Close(ctx)
}

func (c *Client) executeWrite(ctx context.Context, work func(tx neo4j.ManagedTransaction) error) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	return c.cb.Execute(ctx, func(ctx context.Context) error {
		return retry.Do(ctx, c.retryConfig, func(ctx context.Context) error {
			session := c.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: c.database})
			defer session.Close(ctx)

			_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
				return nil, work(tx)
			})
			if err != nil && neo4j.IsRetryable(err) {
				return apperr.Transient(err)
			}
			return err
		})
	})
}

const (
	mergeRun = `
		MERGE (c:Campaign {id: $campaign_id})
		MERGE (r:Run {id: $run_id})
		SET r.state = $state,
		    r.theme = $theme,
		    r.experiment_id = $experiment_id,
		    r.started_at = $started_at,
		    r.messages_generated = $messages_generated,
		    r.messages_approved = $messages_approved,
		    r.customers_targeted = $customers_targeted
		MERGE (c)-[:HAS_RUN]->(r)
	`

	mergeSegments = `
		MATCH (r:Run {id: $run_id})
		UNWIND $segments AS seg
		MERGE (s:Segment {id: seg.id, run_id: $run_id})
		SET s.label = seg.label,
		    s.status = seg.status,
		    s.confidence = seg.confidence,
		    s.customers = seg.customers
		MERGE (r)-[:TARGETED]->(s)
	`

	mergeContent = `
		UNWIND $references AS ref
		MATCH (s:Segment {id: ref.segment_id, run_id: $run_id})
		MERGE (ct:Content {id: ref.content_id})
		SET ct.title = ref.title
		MERGE (s)-[u:RETRIEVED]->(ct)
		SET u.score = ref.score
	`

	mergeVariants = `
		UNWIND $variants AS v
		MATCH (s:Segment {id: v.segment_id, run_id: $run_id})
		MERGE (m:Variant {id: v.id, run_id: $run_id})
		SET m.label = v.label,
		    m.tone = v.tone,
		    m.compliance = v.compliance
		MERGE (s)-[:GENERATED]->(m)
	`
)

// RecordRun writes the run's lineage in one transaction. Nodes are merged,
// so recording the same run twice is harmless.
func (c *Client) RecordRun(ctx context.Context, run *models.CampaignRun) error {
	p := lineageParams(run)

	err := c.executeWrite(ctx, func(tx neo4j.ManagedTransaction) error {
		for _, step := range []struct {
			query  string
			params map[string]any
		}{
			{mergeRun, p.run},
			{mergeSegments, map[string]any{"run_id": run.ID, "segments": p.segments}},
			{mergeContent, map[string]any{"run_id": run.ID, "references": p.references}},
			{mergeVariants, map[string]any{"run_id": run.ID, "variants": p.variants}},
		} {
			if _, err := tx.Run(ctx, step.query, step.params); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to record run lineage: %w", err)
	}

	logger.Debug("Run lineage recorded",
		zap.String("run_id", run.ID),
		zap.Int("segments", len(p.segments)),
		zap.Int("references", len(p.references)),
		zap.Int("variants", len(p.variants)),
	)
	return nil
}

type params struct {
	run        map[string]any
	segments   []map[string]any
	references []map[string]any
	variants   []map[string]any
}

// lineageParams flattens a run into Cypher parameters. Content and variant
// lists are flat so an empty list never drops the rows before it.
func lineageParams(run *models.CampaignRun) params {
	p := params{
		run: map[string]any{
			"campaign_id":        run.CampaignID,
			"run_id":             run.ID,
			"state":              string(run.State),
			"theme":              run.Theme,
			"experiment_id":      run.ExperimentID,
			"started_at":         run.StartedAt.UnixMilli(),
			"messages_generated": run.MessagesGenerated,
			"messages_approved":  run.MessagesApproved,
			"customers_targeted": run.CustomersTargeted,
		},
		segments:   []map[string]any{},
		references: []map[string]any{},
		variants:   []map[string]any{},
	}

	for _, s := range run.Segments {
		p.segments = append(p.segments, map[string]any{
			"id":         s.Segment.ID,
			"label":      s.Segment.Label,
			"status":     string(s.Status),
			"confidence": s.Segment.Confidence,
			"customers":  len(s.Segment.CustomerIDs),
		})
		for _, ref := range s.Content {
			p.references = append(p.references, map[string]any{
				"segment_id": s.Segment.ID,
				"content_id": ref.Item.ID,
				"title":      ref.Item.Title,
				"score":      ref.Score,
			})
		}

		status := make(map[string]string, len(s.Compliance))
		for _, r := range s.Compliance {
			status[r.VariantID] = string(r.Status)
		}
		for _, v := range s.Variants {
			p.variants = append(p.variants, map[string]any{
				"segment_id": s.Segment.ID,
				"id":         v.ID,
				"label":      v.Label,
				"tone":       v.Tone,
				"compliance": status[v.ID],
			})
		}
	}
	return p
}
