package validation

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newApp() *fiber.App {
	app := fiber.New()
	app.Use(Middleware(Config{MaxQueryLength: 50, MaxMessageLength: 20}))
	ok := func(c *fiber.Ctx) error { return c.SendStatus(http.StatusOK) }
	app.Post("/content/search", ok)
	app.Post("/compliance/validate", ok)
	app.Post("/orchestrate/campaign", ok)
	app.Post("/content", ok)
	return app
}

func post(t *testing.T, app *fiber.App, path, body, contentType string) int {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", contentType)
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	return resp.StatusCode
}

func TestValidationMiddleware(t *testing.T) {
	app := newApp()
	const js = "application/json"

	cases := []struct {
		name        string
		path        string
		body        string
		contentType string
		want        int
	}{
		{"search ok", "/content/search", `{"query":"summer sale"}`, js, http.StatusOK},
		{"search keeps marketing words", "/content/search", `{"query":"select the best update"}`, js, http.StatusOK},
		{"search empty", "/content/search", `{"query":""}`, js, http.StatusBadRequest},
		{"search too long", "/content/search", `{"query":"` + strings.Repeat("a", 51) + `"}`, js, http.StatusBadRequest},
		{"search script", "/content/search", `{"query":"<script>alert(1)</script>"}`, js, http.StatusBadRequest},
		{"malformed json", "/content/search", `{"query":`, js, http.StatusBadRequest},
		{"wrong content type", "/content/search", `query=x`, "application/x-www-form-urlencoded", http.StatusUnsupportedMediaType},
		{"message html allowed", "/compliance/validate", `{"text":"<a href=x>hi</a>"}`, js, http.StatusOK},
		{"message too large", "/compliance/validate", `{"text":"` + strings.Repeat("b", 21) + `"}`, js, http.StatusRequestEntityTooLarge},
		{"campaign relative path", "/orchestrate/campaign", `{"customer_data_path":"q3/customers.csv"}`, js, http.StatusOK},
		{"campaign inline customers", "/orchestrate/campaign", `{"customers":[{"id":"1"}]}`, js, http.StatusOK},
		{"campaign traversal", "/orchestrate/campaign", `{"customer_data_path":"../secrets.json"}`, js, http.StatusBadRequest},
		{"campaign absolute", "/orchestrate/campaign", `{"customer_data_path":"/etc/passwd.json"}`, js, http.StatusBadRequest},
		{"campaign file type", "/orchestrate/campaign", `{"customer_data_path":"customers.xlsx"}`, js, http.StatusBadRequest},
		{"other route untouched", "/content", `{"title":"<script>"}`, js, http.StatusOK},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, post(t, app, tc.path, tc.body, tc.contentType))
		})
	}
}
