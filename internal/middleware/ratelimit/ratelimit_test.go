package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newApp(rl *RateLimiter) *fiber.App {
	app := fiber.New()
	app.Use(rl.Middleware())
	app.Get("/content/stats", func(c *fiber.Ctx) error { return c.SendStatus(http.StatusOK) })
	app.Get("/health", func(c *fiber.Ctx) error { return c.SendStatus(http.StatusOK) })
	return app
}

func get(t *testing.T, app *fiber.App, path, client string) int {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if client != "" {
		req.Header.Set("X-Client-ID", client)
	}
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	return resp.StatusCode
}

func TestLimitsPerClient(t *testing.T) {
	rl := New(Config{MaxRequestsPerMinute: 2, SkipPaths: []string{"/health"}})
	defer rl.Stop()
	app := newApp(rl)

	assert.Equal(t, http.StatusOK, get(t, app, "/content/stats", "a"))
	assert.Equal(t, http.StatusOK, get(t, app, "/content/stats", "a"))
	assert.Equal(t, http.StatusTooManyRequests, get(t, app, "/content/stats", "a"))
	assert.Equal(t, http.StatusOK, get(t, app, "/content/stats", "b"))

	for i := 0; i < 5; i++ {
		assert.Equal(t, http.StatusOK, get(t, app, "/health", "a"))
	}
}

func TestRefillAndEviction(t *testing.T) {
	rl := New(Config{MaxRequestsPerMinute: 1})
	defer rl.Stop()

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	assert.True(t, rl.allow("k"))
	assert.False(t, rl.allow("k"))

	now = now.Add(time.Minute)
	assert.True(t, rl.allow("k"))

	now = now.Add(time.Hour)
	rl.evictIdle(10 * time.Minute)
	rl.mu.RLock()
	assert.Empty(t, rl.buckets)
	rl.mu.RUnlock()
}
