package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/campaign-agent/backend/internal/agents"
	"github.com/campaign-agent/backend/internal/storage/models"
	"github.com/campaign-agent/backend/pkg/apperr"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		kind apperr.Kind
	}{
		{"rate limited", &openai.APIError{HTTPStatusCode: 429}, apperr.KindTransient},
		{"server error", &openai.APIError{HTTPStatusCode: 503}, apperr.KindTransient},
		{"bad request", &openai.APIError{HTTPStatusCode: 400}, apperr.KindValidation},
		{"request error", &openai.RequestError{HTTPStatusCode: 502, Err: errors.New("bad gateway")}, apperr.KindTransient},
		{"deadline", context.DeadlineExceeded, apperr.KindTransient},
		{"cancelled", context.Canceled, apperr.KindCancelled},
		{"network", errors.New("connection reset"), apperr.KindTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.kind, apperr.KindOf(classify(tt.err)))
		})
	}
}

func TestParseVariants(t *testing.T) {
	req := agents.GenerationRequest{
		Segment:      models.Segment{ID: "seg-1"},
		VariantCount: 2,
		Channel:      "email",
	}
	content := "```json\n" + `{"variants": [
		{"subject": "Hi", "body": "Body one", "tone": "Friendly"},
		{"subject": "Hey", "body": "Body two", "tone": "urgent"},
		{"subject": "Extra", "body": "Body three", "tone": "playful"}
	]}` + "\n```"

	variants, err := ParseVariants(content, req, "gpt-4o-mini", 0.7)
	require.NoError(t, err)
	require.Len(t, variants, 2)

	assert.Equal(t, "seg-1-A", variants[0].ID)
	assert.Equal(t, "B", variants[1].Label)
	assert.Equal(t, "friendly", variants[0].Tone)
	assert.Equal(t, "gpt-4o-mini", variants[1].Generation.ModelID)
}

func TestParseVariantsRejectsShortOrMalformed(t *testing.T) {
	req := agents.GenerationRequest{Segment: models.Segment{ID: "s"}, VariantCount: 2}

	_, err := ParseVariants(`{"variants": [{"body": "only one"}]}`, req, "m", 0)
	assert.True(t, apperr.IsValidation(err))

	_, err = ParseVariants(`not json`, req, "m", 0)
	assert.True(t, apperr.IsValidation(err))
}

func TestEmbedAgainstServer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/embeddings", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"object": "list",
			"data": []map[string]any{
				{"object": "embedding", "index": 0, "embedding": []float32{0.1, 0.2, 0.3}},
			},
			"model": "text-embedding-3-small",
		})
	}))
	defer srv.Close()

	c := NewClient(Options{BaseURL: srv.URL, EmbeddingModel: "text-embedding-3-small", EmbeddingDim: 3})
	v, err := c.Embed(context.Background(), "summer sale")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, v)

	c = NewClient(Options{BaseURL: srv.URL, EmbeddingModel: "text-embedding-3-small", EmbeddingDim: 4})
	_, err = c.Embed(context.Background(), "summer sale")
	assert.True(t, apperr.IsValidation(err))
}

func TestEmbedServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error": {"message": "overloaded", "type": "server_error"}}`))
	}))
	defer srv.Close()

	c := NewClient(Options{BaseURL: srv.URL, EmbeddingDim: 3})
	_, err := c.Embed(context.Background(), "text")
	assert.True(t, apperr.IsRetryable(err))
}
