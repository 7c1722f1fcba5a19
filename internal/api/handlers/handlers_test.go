package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/campaign-agent/backend/internal/agents/stub"
	"github.com/campaign-agent/backend/internal/compliance"
	"github.com/campaign-agent/backend/internal/experiment"
	"github.com/campaign-agent/backend/internal/ingestion"
	"github.com/campaign-agent/backend/internal/pipeline"
	"github.com/campaign-agent/backend/internal/storage/models"
	"github.com/campaign-agent/backend/internal/storage/sqlite"
	"github.com/campaign-agent/backend/pkg/apperr"
)

func newApp(registrars ...interface{ Register(fiber.Router) }) *fiber.App {
	app := fiber.New()
	for _, r := range registrars {
		r.Register(app)
	}
	return app
}

func do(t *testing.T, app *fiber.App, method, path string, body any) (int, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")

	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	out := map[string]any{}
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	}
	return resp.StatusCode, out
}

type fakeOrchestrator struct {
	run       *models.CampaignRun
	err       error
	customers []models.Customer
	active    map[string]*models.CampaignRun
}

func (f *fakeOrchestrator) RunCampaign(_ context.Context, campaignID string, customers []models.Customer, theme string, _ int) (*models.CampaignRun, error) {
	f.customers = customers
	if f.err != nil {
		return nil, f.err
	}
	run := *f.run
	run.CampaignID = campaignID
	run.Theme = theme
	return &run, nil
}

func (f *fakeOrchestrator) Cancel(id string) bool {
	_, ok := f.active[id]
	return ok
}

func (f *fakeOrchestrator) Active(id string) (*models.CampaignRun, bool) {
	run, ok := f.active[id]
	return run, ok
}

type fakeLoader struct{}

func (fakeLoader) Load(path string) ([]models.Customer, error) {
	if path != "customers.json" {
		return nil, apperr.Validation("customer file %s not found", path)
	}
	return []models.Customer{{ID: "1"}, {ID: "2"}}, nil
}

type fakeRuns struct {
	runs map[string]*models.CampaignRun
}

func (f fakeRuns) LatestRun(_ context.Context, id string) (*models.CampaignRun, error) {
	if run, ok := f.runs[id]; ok {
		return run, nil
	}
	return nil, sqlite.ErrNotFound
}

func TestOrchestrateCampaign(t *testing.T) {
	orch := &fakeOrchestrator{run: &models.CampaignRun{
		ID:                "run-1",
		State:             models.RunPartiallyDeployed,
		SegmentCount:      2,
		MessagesGenerated: 4,
		MessagesApproved:  2,
		CustomersTargeted: 1,
		ExperimentID:      "exp-1",
		Segments: []models.SegmentResult{
			{Segment: models.Segment{ID: "s1"}, Status: models.SegmentDeployed},
			{Segment: models.Segment{ID: "s2"}, Status: models.SegmentFailed, Failure: &apperr.Failure{Unit: "s2", Stage: "retrieval", Kind: apperr.KindTransient}},
		},
	}}
	app := newApp(NewCampaignHandler(orch, fakeLoader{}, fakeRuns{}))

	status, body := do(t, app, http.MethodPost, "/orchestrate/campaign", map[string]any{
		"campaign_id":        "summer",
		"customer_data_path": "customers.json",
		"message_theme":      "Summer Sale",
	})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "summer", body["campaign_id"])
	assert.Equal(t, "partially_deployed", body["status"])
	assert.Equal(t, 2.0, body["segments"])
	assert.Equal(t, 4.0, body["messages_generated"])
	assert.Equal(t, 2.0, body["messages_approved"])
	assert.Equal(t, 1.0, body["customers_targeted"])
	assert.Equal(t, "exp-1", body["experiment_id"])
	assert.Len(t, body["failed_segments"], 1)
	assert.Len(t, orch.customers, 2)

	status, _ = do(t, app, http.MethodPost, "/orchestrate/campaign", map[string]any{
		"campaign_id": "summer", "customer_data_path": "nope.json", "message_theme": "x",
	})
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = do(t, app, http.MethodPost, "/orchestrate/campaign", map[string]any{"campaign_id": "summer", "message_theme": "x"})
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestOrchestrateErrorMapping(t *testing.T) {
	orch := &fakeOrchestrator{err: pipeline.ErrRunInProgress}
	app := newApp(NewCampaignHandler(orch, fakeLoader{}, fakeRuns{}))
	req := map[string]any{"campaign_id": "c", "customers": []map[string]any{{"id": "1"}}, "message_theme": "t"}

	status, _ := do(t, app, http.MethodPost, "/orchestrate/campaign", req)
	assert.Equal(t, http.StatusConflict, status)

	orch.err = apperr.Validation("message_theme is required")
	status, body := do(t, app, http.MethodPost, "/orchestrate/campaign", req)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "message_theme is required", body["error"])

	orch.err = errors.New("database is locked")
	status, body = do(t, app, http.MethodPost, "/orchestrate/campaign", req)
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.NotContains(t, body["error"], "locked")
}

func TestGetAndCancelRun(t *testing.T) {
	active := &models.CampaignRun{ID: "run-2", CampaignID: "live", State: models.RunGenerating}
	stored := &models.CampaignRun{ID: "run-1", CampaignID: "done", State: models.RunDeployed,
		Segments: []models.SegmentResult{{Segment: models.Segment{ID: "s1", CustomerIDs: []string{"a"}}, Status: models.SegmentDeployed}}}
	orch := &fakeOrchestrator{active: map[string]*models.CampaignRun{"live": active}}
	app := newApp(NewCampaignHandler(orch, fakeLoader{}, fakeRuns{runs: map[string]*models.CampaignRun{"done": stored}}))

	status, body := do(t, app, http.MethodGet, "/orchestrate/campaign/live", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "generating", body["status"])

	status, body = do(t, app, http.MethodGet, "/orchestrate/campaign/done", nil)
	require.Equal(t, http.StatusOK, status)
	segments := body["segment_results"].([]any)
	require.Len(t, segments, 1)
	assert.Equal(t, 1.0, segments[0].(map[string]any)["customers"])

	status, _ = do(t, app, http.MethodGet, "/orchestrate/campaign/unknown", nil)
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = do(t, app, http.MethodDelete, "/orchestrate/campaign/live", nil)
	assert.Equal(t, http.StatusAccepted, status)
	status, _ = do(t, app, http.MethodDelete, "/orchestrate/campaign/done", nil)
	assert.Equal(t, http.StatusNotFound, status)
}

type fakeSearcher struct {
	results []models.ScoredContent
	calls   int
	filter  models.ContentFilter
	topK    int
}

func (f *fakeSearcher) Search(_ context.Context, _ string, filter models.ContentFilter, topK int) ([]models.ScoredContent, error) {
	f.calls++
	f.filter = filter
	f.topK = topK
	return f.results, nil
}

type fakeContentStore struct {
	items map[string]models.ContentItem
}

func (f fakeContentStore) GetContent(_ context.Context, id string) (*models.ContentItem, error) {
	item, ok := f.items[id]
	if !ok {
		return nil, sqlite.ErrNotFound
	}
	return &item, nil
}

func (f fakeContentStore) ListContent(_ context.Context, skip, limit int) ([]models.ContentItem, error) {
	return nil, nil
}

func (f fakeContentStore) ContentStats(context.Context) (*sqlite.ContentStats, error) {
	return &sqlite.ContentStats{Total: len(f.items), ByContentType: map[string]int{"email": len(f.items)}, ByAudience: map[string]int{}}, nil
}

type fakeIngestor struct{}

func (fakeIngestor) Ingest(_ context.Context, inputs []ingestion.ContentInput) ([]models.ContentItem, error) {
	out := make([]models.ContentItem, len(inputs))
	for i, in := range inputs {
		if in.Content == "" {
			return nil, apperr.Validation("content is required")
		}
		out[i] = models.ContentItem{ID: "id-" + in.Title, Title: in.Title}
	}
	return out, nil
}

type memCache struct {
	entries     map[string][]byte
	invalidated int
}

func (m *memCache) GetSearch(_ context.Context, key string, out interface{}) (bool, error) {
	data, ok := m.entries[key]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(data, out)
}

func (m *memCache) SetSearch(_ context.Context, key string, v interface{}) error {
	data, err := json.Marshal(v)
	m.entries[key] = data
	return err
}

func (m *memCache) InvalidateSearchCache(context.Context) error {
	m.invalidated++
	m.entries = map[string][]byte{}
	return nil
}

func TestContentSearch(t *testing.T) {
	searcher := &fakeSearcher{results: []models.ScoredContent{{
		Item:  models.ContentItem{ID: "c-1", Title: "Summer Sale Email Template", Body: "Save", Metadata: models.ContentMetadata{ContentType: "email"}},
		Score: 0.891234,
	}}}
	cache := &memCache{entries: map[string][]byte{}}
	app := newApp(NewContentHandler(searcher, fakeContentStore{}, fakeIngestor{}, cache, "test-model", 8))

	req := map[string]any{"query": "summer sale", "audience": "B2B", "tags": []string{"sale"}}
	status, body := do(t, app, http.MethodPost, "/content/search", req)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "summer sale", body["query"])
	assert.Equal(t, 1.0, body["results_count"])
	result := body["results"].([]any)[0].(map[string]any)
	assert.Equal(t, 0.8912, result["relevance_score"])
	assert.Equal(t, "Save", result["content"])
	assert.Equal(t, 3, searcher.topK)
	assert.Equal(t, "B2B", searcher.filter.Audience)

	status, _ = do(t, app, http.MethodPost, "/content/search", req)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, 1, searcher.calls)

	status, _ = do(t, app, http.MethodPost, "/content/search", map[string]any{"query": "x", "top_k": 11})
	assert.Equal(t, http.StatusBadRequest, status)
	status, _ = do(t, app, http.MethodPost, "/content/search", map[string]any{"query": "  "})
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestContentLibrary(t *testing.T) {
	store := fakeContentStore{items: map[string]models.ContentItem{"c-1": {ID: "c-1", Title: "T"}}}
	cache := &memCache{entries: map[string][]byte{}}
	app := newApp(NewContentHandler(&fakeSearcher{}, store, fakeIngestor{}, cache, "test-model", 8))

	status, body := do(t, app, http.MethodGet, "/content/c-1", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "T", body["title"])

	status, _ = do(t, app, http.MethodGet, "/content/missing", nil)
	assert.Equal(t, http.StatusNotFound, status)

	status, body = do(t, app, http.MethodGet, "/content/stats", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, 1.0, body["total_items"])
	assert.Equal(t, 8.0, body["embedding_dimension"])

	status, body = do(t, app, http.MethodGet, "/content?limit=5", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Empty(t, body["items"])
	status, _ = do(t, app, http.MethodGet, "/content?limit=500", nil)
	assert.Equal(t, http.StatusBadRequest, status)

	status, body = do(t, app, http.MethodPost, "/content", map[string]any{
		"items": []map[string]any{{"title": "a", "content": "x", "content_type": "email"}},
	})
	require.Equal(t, http.StatusCreated, status)
	assert.Equal(t, 1.0, body["ingested"])
	assert.Equal(t, 1, cache.invalidated)

	status, _ = do(t, app, http.MethodPost, "/content", map[string]any{"title": "single", "content": "y", "content_type": "email"})
	assert.Equal(t, http.StatusCreated, status)

	status, _ = do(t, app, http.MethodPost, "/content", map[string]any{"title": "bad", "content_type": "email"})
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestComplianceValidate(t *testing.T) {
	gate := compliance.NewGate(stub.NewKeywordClassifier(), compliance.Rules{
		SafetyThreshold:  0.5,
		BrandThreshold:   0.7,
		LegalThreshold:   1.0,
		BrandTones:       []string{"friendly"},
		ProhibitedClaims: []string{"guaranteed"},
	})
	app := newApp(NewComplianceHandler(gate))

	status, body := do(t, app, http.MethodPost, "/compliance/validate", map[string]any{
		"message_id": "m-1",
		"text":       "Fresh summer picks for you.",
	})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "approved", body["status"])
	checks := body["checks"].(map[string]any)
	assert.Contains(t, checks, "content_safety")
	assert.Contains(t, checks, "brand_compliance")
	assert.Contains(t, checks, "legal_compliance")

	status, body = do(t, app, http.MethodPost, "/compliance/validate", map[string]any{
		"message_id": "m-2",
		"text":       "Guaranteed results or we destroy the competition",
	})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "rejected", body["status"])
	assert.Len(t, body["reasons"], 2)
	assert.NotEmpty(t, body["recommendations"])

	status, _ = do(t, app, http.MethodPost, "/compliance/validate", map[string]any{"message_id": "m-3"})
	assert.Equal(t, http.StatusBadRequest, status)
}

type fakeArchive struct {
	exp *models.Experiment
}

func (f fakeArchive) GetExperiment(_ context.Context, id string) (*models.Experiment, error) {
	if f.exp != nil && f.exp.ID == id {
		return f.exp, nil
	}
	return nil, sqlite.ErrNotFound
}

func TestExperimentEndpoints(t *testing.T) {
	engine := experiment.NewEngine(experiment.Options{ConfidenceThreshold: 0.95, MinImpressions: 100}, nil)
	exp, err := engine.Create(context.Background(), "summer", "run-1", []models.ExperimentVariant{
		{VariantID: "seg-A", SegmentID: "seg", Label: "A"},
		{VariantID: "seg-B", SegmentID: "seg", Label: "B"},
	})
	require.NoError(t, err)

	archived := &models.Experiment{ID: "old", Status: models.ExperimentInconclusive, Metrics: map[string]models.VariantMetrics{}}
	app := newApp(NewExperimentHandler(engine, fakeArchive{exp: archived}))

	status, body := do(t, app, http.MethodPost, "/experiment/metrics", map[string]any{
		"experiment_id": exp.ID, "variant_id": "seg-A", "event_kind": "impression",
	})
	require.Equal(t, http.StatusAccepted, status)
	assert.Equal(t, "accepted", body["status"])

	status, _ = do(t, app, http.MethodPost, "/experiment/metrics", map[string]any{
		"experiment_id": exp.ID, "variant_id": "seg-A", "event_kind": "purchase",
	})
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = do(t, app, http.MethodPost, "/experiment/metrics", map[string]any{
		"experiment_id": "missing", "variant_id": "seg-A", "event_kind": "click",
	})
	assert.Equal(t, http.StatusNotFound, status)

	status, body = do(t, app, http.MethodGet, "/experiment/"+exp.ID, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "running", body["status"])
	metrics := body["metrics"].(map[string]any)["seg-A"].(map[string]any)
	assert.Equal(t, 1.0, metrics["impressions"])

	status, first := do(t, app, http.MethodPost, "/experiment/"+exp.ID+"/assign", map[string]any{"allocation_key": "cust-42"})
	require.Equal(t, http.StatusOK, status)
	_, second := do(t, app, http.MethodPost, "/experiment/"+exp.ID+"/assign", map[string]any{"allocation_key": "cust-42"})
	assert.Equal(t, first["variant"], second["variant"])

	status, body = do(t, app, http.MethodPost, "/experiment/"+exp.ID+"/conclude", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "inconclusive", body["status"])

	status, _ = do(t, app, http.MethodPost, "/experiment/metrics", map[string]any{
		"experiment_id": exp.ID, "variant_id": "seg-B", "event_kind": "click",
	})
	assert.Equal(t, http.StatusBadRequest, status)

	status, body = do(t, app, http.MethodGet, "/experiment/old", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "inconclusive", body["status"])

	status, _ = do(t, app, http.MethodGet, "/experiment/nope", nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestReadiness(t *testing.T) {
	healthy := newApp(NewHealthHandler(map[string]Check{
		"sqlite": func(context.Context) error { return nil },
	}))
	status, body := do(t, healthy, http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ready", body["status"])

	status, body = do(t, healthy, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "healthy", body["status"])

	degraded := newApp(NewHealthHandler(map[string]Check{
		"sqlite": func(context.Context) error { return nil },
		"redis":  func(context.Context) error { return errors.New("connection refused") },
	}))
	status, body = do(t, degraded, http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Equal(t, "unavailable", body["checks"].(map[string]any)["redis"])
}

func TestWebSocketRouteRequiresUpgrade(t *testing.T) {
	app := newApp(NewCampaignStreamHandler(nil))
	req := httptest.NewRequest(http.MethodGet, "/ws/campaign/summer", nil)
	resp, err := app.Test(req, int(time.Second.Milliseconds()))
	require.NoError(t, err)
	assert.Equal(t, http.StatusUpgradeRequired, resp.StatusCode)
}
