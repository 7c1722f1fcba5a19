package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/campaign-agent/backend/internal/storage/models"
	"github.com/campaign-agent/backend/pkg/logger"
)

// ErrNotFound is returned by lookups that match no row.
var ErrNotFound = errors.New("not found")

type Client struct {
	db *sql.DB
}

func NewClient(dbPath string) (*Client, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	_, err = db.Exec("PRAGMA foreign_keys = ON")
	if err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	_, err = db.Exec("PRAGMA journal_mode = WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	logger.Info("SQLite client initialized", zap.String("path", dbPath))

	return &Client{db: db}, nil
}

// NewClientFromDB wraps an already opened handle.
func NewClientFromDB(db *sql.DB) *Client {
	return &Client{db: db}
}

func (c *Client) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

func (c *Client) Close() error {
	return c.db.Close()
}

func (c *Client) InitSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS content_items (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		content TEXT NOT NULL,
		content_type TEXT NOT NULL,
		campaign_name TEXT,
		audience TEXT,
		compliance_status TEXT NOT NULL DEFAULT 'approved',
		source TEXT,
		tags TEXT,
		embedding TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_content_type ON content_items(content_type);
	CREATE INDEX IF NOT EXISTS idx_content_audience ON content_items(audience);

	CREATE TABLE IF NOT EXISTS campaign_runs (
		id TEXT PRIMARY KEY,
		campaign_id TEXT NOT NULL,
		state TEXT NOT NULL,
		report TEXT NOT NULL,
		started_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_runs_campaign ON campaign_runs(campaign_id, started_at);

	CREATE TABLE IF NOT EXISTS compliance_results (
		variant_id TEXT PRIMARY KEY,
		run_id TEXT,
		status TEXT NOT NULL,
		result TEXT NOT NULL,
		checked_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS experiments (
		id TEXT PRIMARY KEY,
		campaign_id TEXT NOT NULL,
		status TEXT NOT NULL,
		snapshot TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);
	`

	_, err := c.db.ExecContext(ctx, schema)
	if err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Info("SQLite schema initialized")
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// InsertContentBatch writes items in one transaction. beforeCommit runs while
// the transaction is still open; if it or any insert fails, nothing is kept.
func (c *Client) InsertContentBatch(ctx context.Context, items []models.ContentItem, beforeCommit func(ctx context.Context) error) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin content batch: %w", err)
	}

	for i := range items {
		if err := insertContent(ctx, tx, &items[i]); err != nil {
			_ = tx.Rollback()
			return err
		}
	}

	if beforeCommit != nil {
		if err := beforeCommit(ctx); err != nil {
			_ = tx.Rollback()
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit content batch: %w", err)
	}

	logger.Debug("Content batch inserted", zap.Int("count", len(items)))
	return nil
}

func insertContent(ctx context.Context, db execer, item *models.ContentItem) error {
	embedding, err := json.Marshal(item.Embedding)
	if err != nil {
		return fmt.Errorf("failed to marshal embedding: %w", err)
	}

	query := `
		INSERT INTO content_items (id, title, content, content_type, campaign_name, audience, compliance_status, source, tags, embedding, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	md := item.Metadata
	_, err = db.ExecContext(ctx, query,
		item.ID,
		item.Title,
		item.Body,
		md.ContentType,
		md.CampaignName,
		md.Audience,
		md.ComplianceStatus,
		md.Source,
		strings.Join(md.Tags, ","),
		string(embedding),
		md.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert content %s: %w", item.ID, err)
	}
	return nil
}

const contentColumns = `id, title, content, content_type, campaign_name, audience, compliance_status, source, tags, embedding, created_at`

func (c *Client) GetContent(ctx context.Context, id string) (*models.ContentItem, error) {
	row := c.db.QueryRowContext(ctx, `SELECT `+contentColumns+` FROM content_items WHERE id = ?`, id)

	item, err := scanContent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get content: %w", err)
	}
	return item, nil
}

func (c *Client) ListContent(ctx context.Context, skip, limit int) ([]models.ContentItem, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT `+contentColumns+` FROM content_items ORDER BY created_at, id LIMIT ? OFFSET ?`,
		limit, skip,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list content: %w", err)
	}
	defer rows.Close()

	return collectContent(rows)
}

// AllContent loads every item, used to hydrate the in-memory index.
func (c *Client) AllContent(ctx context.Context) ([]models.ContentItem, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT `+contentColumns+` FROM content_items ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to load content: %w", err)
	}
	defer rows.Close()

	return collectContent(rows)
}

type ContentStats struct {
	Total         int            `json:"total_content"`
	ByContentType map[string]int `json:"by_content_type"`
	ByAudience    map[string]int `json:"by_audience"`
}

func (c *Client) ContentStats(ctx context.Context) (*ContentStats, error) {
	stats := &ContentStats{
		ByContentType: make(map[string]int),
		ByAudience:    make(map[string]int),
	}

	if err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM content_items`).Scan(&stats.Total); err != nil {
		return nil, fmt.Errorf("failed to count content: %w", err)
	}

	if err := c.groupCount(ctx, "content_type", stats.ByContentType); err != nil {
		return nil, err
	}
	if err := c.groupCount(ctx, "audience", stats.ByAudience); err != nil {
		return nil, err
	}

	return stats, nil
}

func (c *Client) groupCount(ctx context.Context, column string, into map[string]int) error {
	rows, err := c.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT COALESCE(%s, ''), COUNT(*) FROM content_items GROUP BY %s`, column, column),
	)
	if err != nil {
		return fmt.Errorf("failed to group content by %s: %w", column, err)
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var count int
		if err := rows.Scan(&key, &count); err != nil {
			return fmt.Errorf("failed to scan %s count: %w", column, err)
		}
		into[key] = count
	}
	return rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanContent(row scanner) (*models.ContentItem, error) {
	var item models.ContentItem
	var campaign, audience, source, tags sql.NullString
	var embedding string
	var createdAt int64

	err := row.Scan(
		&item.ID,
		&item.Title,
		&item.Body,
		&item.Metadata.ContentType,
		&campaign,
		&audience,
		&item.Metadata.ComplianceStatus,
		&source,
		&tags,
		&embedding,
		&createdAt,
	)
	if err != nil {
		return nil, err
	}

	item.Metadata.CampaignName = campaign.String
	item.Metadata.Audience = audience.String
	item.Metadata.Source = source.String
	if tags.String != "" {
		item.Metadata.Tags = strings.Split(tags.String, ",")
	}
	item.Metadata.CreatedAt = time.Unix(0, createdAt).UTC()

	if err := json.Unmarshal([]byte(embedding), &item.Embedding); err != nil {
		return nil, fmt.Errorf("failed to unmarshal embedding for %s: %w", item.ID, err)
	}

	return &item, nil
}

func collectContent(rows *sql.Rows) ([]models.ContentItem, error) {
	var items []models.ContentItem
	for rows.Next() {
		item, err := scanContent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan content: %w", err)
		}
		items = append(items, *item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate content: %w", err)
	}
	return items, nil
}

func (c *Client) SaveRun(ctx context.Context, run *models.CampaignRun) error {
	report, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("failed to marshal run: %w", err)
	}

	query := `
		INSERT INTO campaign_runs (id, campaign_id, state, report, started_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			report = excluded.report,
			updated_at = excluded.updated_at
	`

	_, err = c.db.ExecContext(ctx, query,
		run.ID,
		run.CampaignID,
		string(run.State),
		string(report),
		run.StartedAt.UnixNano(),
		time.Now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}

	logger.Debug("Campaign run saved", zap.String("run_id", run.ID), zap.String("state", string(run.State)))
	return nil
}

// LatestRun returns the most recently started run of a campaign.
func (c *Client) LatestRun(ctx context.Context, campaignID string) (*models.CampaignRun, error) {
	var report string
	err := c.db.QueryRowContext(ctx,
		`SELECT report FROM campaign_runs WHERE campaign_id = ? ORDER BY started_at DESC LIMIT 1`,
		campaignID,
	).Scan(&report)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	var run models.CampaignRun
	if err := json.Unmarshal([]byte(report), &run); err != nil {
		return nil, fmt.Errorf("failed to unmarshal run: %w", err)
	}
	return &run, nil
}

func (c *Client) InsertComplianceResult(ctx context.Context, runID string, result *models.ComplianceResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal compliance result: %w", err)
	}

	query := `
		INSERT INTO compliance_results (variant_id, run_id, status, result, checked_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(variant_id) DO UPDATE SET
			status = excluded.status,
			result = excluded.result,
			checked_at = excluded.checked_at
		WHERE compliance_results.status = 'needs_review'
	`

	_, err = c.db.ExecContext(ctx, query,
		result.VariantID,
		runID,
		string(result.Status),
		string(data),
		result.CheckedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert compliance result: %w", err)
	}
	return nil
}

func (c *Client) SaveExperiment(ctx context.Context, exp *models.Experiment) error {
	snapshot, err := json.Marshal(exp)
	if err != nil {
		return fmt.Errorf("failed to marshal experiment: %w", err)
	}

	query := `
		INSERT INTO experiments (id, campaign_id, status, snapshot, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			snapshot = excluded.snapshot,
			updated_at = excluded.updated_at
	`

	_, err = c.db.ExecContext(ctx, query,
		exp.ID,
		exp.CampaignID,
		string(exp.Status),
		string(snapshot),
		time.Now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to save experiment: %w", err)
	}
	return nil
}

func (c *Client) GetExperiment(ctx context.Context, id string) (*models.Experiment, error) {
	var snapshot string
	err := c.db.QueryRowContext(ctx, `SELECT snapshot FROM experiments WHERE id = ?`, id).Scan(&snapshot)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get experiment: %w", err)
	}

	var exp models.Experiment
	if err := json.Unmarshal([]byte(snapshot), &exp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal experiment: %w", err)
	}
	return &exp, nil
}

// ExperimentsByStatus returns stored snapshots with the given status, oldest
// first.
func (c *Client) ExperimentsByStatus(ctx context.Context, status models.ExperimentStatus) ([]models.Experiment, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT snapshot FROM experiments WHERE status = ? ORDER BY updated_at`, string(status))
	if err != nil {
		return nil, fmt.Errorf("failed to list experiments: %w", err)
	}
	defer rows.Close()

	var out []models.Experiment
	for rows.Next() {
		var snapshot string
		if err := rows.Scan(&snapshot); err != nil {
			return nil, fmt.Errorf("failed to scan experiment: %w", err)
		}
		var exp models.Experiment
		if err := json.Unmarshal([]byte(snapshot), &exp); err != nil {
			return nil, fmt.Errorf("failed to unmarshal experiment: %w", err)
		}
		out = append(out, exp)
	}
	return out, rows.Err()
}
