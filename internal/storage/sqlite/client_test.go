package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/campaign-agent/backend/internal/storage/models"
)

func newMock(t *testing.T) (*Client, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewClientFromDB(db), mock
}

var contentCols = []string{"id", "title", "content", "content_type", "campaign_name", "audience", "compliance_status", "source", "tags", "embedding", "created_at"}

func contentItem(id string, created time.Time) models.ContentItem {
	return models.ContentItem{
		ID:        id,
		Title:     "Summer Sale Email Template",
		Body:      "Save big this summer",
		Embedding: []float32{0.1, 0.2},
		Metadata: models.ContentMetadata{
			ContentType:      "email",
			Audience:         "B2B",
			ComplianceStatus: models.ComplianceApproved,
			Tags:             []string{"summer", "sale"},
			CreatedAt:        created,
		},
	}
}

func TestInsertContentBatch(t *testing.T) {
	client, mock := newMock(t)
	created := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	items := []models.ContentItem{contentItem("c-1", created), contentItem("c-2", created)}

	mock.ExpectBegin()
	for _, item := range items {
		mock.ExpectExec("INSERT INTO content_items").
			WithArgs(item.ID, item.Title, item.Body, "email", "", "B2B", "approved", "", "summer,sale", "[0.1,0.2]", created.UnixNano()).
			WillReturnResult(sqlmock.NewResult(1, 1))
	}
	mock.ExpectCommit()

	hooked := false
	err := client.InsertContentBatch(context.Background(), items, func(context.Context) error {
		hooked = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, hooked)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertContentBatchRollsBackFailedInsert(t *testing.T) {
	client, mock := newMock(t)
	created := time.Now()
	items := []models.ContentItem{contentItem("c-1", created), contentItem("c-2", created)}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO content_items").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO content_items").WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	hooked := false
	err := client.InsertContentBatch(context.Background(), items, func(context.Context) error {
		hooked = true
		return nil
	})
	assert.ErrorContains(t, err, "c-2")
	assert.False(t, hooked)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertContentBatchRollsBackWhenHookFails(t *testing.T) {
	client, mock := newMock(t)
	items := []models.ContentItem{contentItem("c-1", time.Now())}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO content_items").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectRollback()

	indexErr := errors.New("index unavailable")
	err := client.InsertContentBatch(context.Background(), items, func(context.Context) error {
		return indexErr
	})
	assert.ErrorIs(t, err, indexErr)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetContent(t *testing.T) {
	client, mock := newMock(t)
	created := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery("SELECT (.+) FROM content_items WHERE id = ?").
		WithArgs("c-1").
		WillReturnRows(sqlmock.NewRows(contentCols).
			AddRow("c-1", "Title", "Body", "email", nil, "B2C", "approved", nil, "a,b", "[1,0,0]", created.UnixNano()))

	item, err := client.GetContent(context.Background(), "c-1")
	require.NoError(t, err)

	assert.Equal(t, "B2C", item.Metadata.Audience)
	assert.Equal(t, []string{"a", "b"}, item.Metadata.Tags)
	assert.Equal(t, []float32{1, 0, 0}, item.Embedding)
	assert.True(t, created.Equal(item.Metadata.CreatedAt))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetContentNotFound(t *testing.T) {
	client, mock := newMock(t)

	mock.ExpectQuery("SELECT (.+) FROM content_items WHERE id = ?").
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err := client.GetContent(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestContentStats(t *testing.T) {
	client, mock := newMock(t)

	mock.ExpectQuery("SELECT COUNT").WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))
	mock.ExpectQuery("GROUP BY content_type").
		WillReturnRows(sqlmock.NewRows([]string{"key", "count"}).AddRow("email", 2).AddRow("social", 1))
	mock.ExpectQuery("GROUP BY audience").
		WillReturnRows(sqlmock.NewRows([]string{"key", "count"}).AddRow("B2B", 3))

	stats, err := client.ContentStats(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 2, stats.ByContentType["email"])
	assert.Equal(t, 3, stats.ByAudience["B2B"])
}

func TestSaveAndLoadRun(t *testing.T) {
	client, mock := newMock(t)
	run := &models.CampaignRun{
		ID:         "run-1",
		CampaignID: "summer",
		State:      models.RunDeployed,
		StartedAt:  time.Now(),
	}

	mock.ExpectExec("INSERT INTO campaign_runs").
		WithArgs("run-1", "summer", "deployed", sqlmock.AnyArg(), run.StartedAt.UnixNano(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	require.NoError(t, client.SaveRun(context.Background(), run))

	report, err := json.Marshal(run)
	require.NoError(t, err)
	mock.ExpectQuery("SELECT report FROM campaign_runs").
		WithArgs("summer").
		WillReturnRows(sqlmock.NewRows([]string{"report"}).AddRow(string(report)))

	loaded, err := client.LatestRun(context.Background(), "summer")
	require.NoError(t, err)
	assert.Equal(t, models.RunDeployed, loaded.State)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertComplianceResultOnlyOverwritesReview(t *testing.T) {
	client, mock := newMock(t)
	result := &models.ComplianceResult{
		VariantID: "v-1",
		Status:    models.StatusApproved,
		CheckedAt: time.Now(),
	}

	mock.ExpectExec("WHERE compliance_results.status = 'needs_review'").
		WithArgs("v-1", "run-1", "approved", sqlmock.AnyArg(), result.CheckedAt.UnixNano()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, client.InsertComplianceResult(context.Background(), "run-1", result))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExperimentsByStatus(t *testing.T) {
	client, mock := newMock(t)

	snapshot, err := json.Marshal(models.Experiment{ID: "exp-1", Status: models.ExperimentRunning})
	require.NoError(t, err)

	mock.ExpectQuery("SELECT snapshot FROM experiments WHERE status = ?").
		WithArgs("running").
		WillReturnRows(sqlmock.NewRows([]string{"snapshot"}).AddRow(string(snapshot)))

	exps, err := client.ExperimentsByStatus(context.Background(), models.ExperimentRunning)
	require.NoError(t, err)
	require.Len(t, exps, 1)
	assert.Equal(t, "exp-1", exps[0].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}
