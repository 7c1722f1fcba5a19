package validation

import (
	"path/filepath"
	"regexp"
	"strings"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

var xssPattern = regexp.MustCompile(`(?i)(<script|<iframe|javascript:|onerror=|onload=|onclick=)`)

var customerFileTypes = map[string]bool{".json": true, ".yaml": true, ".yml": true, ".csv": true}

type Config struct {
	MaxQueryLength   int
	MaxMessageLength int
	Logger           *zap.Logger
}

// Middleware rejects malformed bodies on the JSON endpoints before they
// reach a handler: oversized or script-bearing search queries, oversized
// messages and customer paths that leave the data directory.
func Middleware(cfg Config) fiber.Handler {
	if cfg.MaxQueryLength == 0 {
		cfg.MaxQueryLength = 2000
	}
	if cfg.MaxMessageLength == 0 {
		cfg.MaxMessageLength = 100 * 1024
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	return func(c *fiber.Ctx) error {
		if c.Method() != fiber.MethodPost && c.Method() != fiber.MethodPut {
			return c.Next()
		}

		if ct := c.Get(fiber.HeaderContentType); ct != "" && !strings.HasPrefix(ct, fiber.MIMEApplicationJSON) {
			return c.Status(fiber.StatusUnsupportedMediaType).JSON(fiber.Map{
				"error": "Unsupported content type",
			})
		}

		switch c.Path() {
		case "/content/search":
			return checkSearch(c, cfg)
		case "/compliance/validate":
			return checkMessage(c, cfg)
		case "/orchestrate/campaign":
			return checkCampaign(c)
		}
		return c.Next()
	}
}

func parse(c *fiber.Ctx) (map[string]interface{}, bool) {
	var req map[string]interface{}
	if err := c.BodyParser(&req); err != nil || req == nil {
		return nil, false
	}
	return req, true
}

func reject(c *fiber.Ctx, message string) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
		"error": message,
	})
}

func checkSearch(c *fiber.Ctx, cfg Config) error {
	req, ok := parse(c)
	if !ok {
		return reject(c, "Invalid JSON format")
	}

	query, ok := req["query"].(string)
	if !ok || strings.TrimSpace(query) == "" {
		return reject(c, "Query is required and must be a string")
	}
	if len(query) > cfg.MaxQueryLength {
		return reject(c, "Query exceeds maximum length")
	}
	if xssPattern.MatchString(query) {
		cfg.Logger.Warn("Potential XSS attempt",
			zap.String("ip", c.IP()),
			zap.String("query", query),
		)
		return reject(c, "Invalid query content")
	}
	return c.Next()
}

// Message text may legitimately carry HTML, so it is only size-checked.
func checkMessage(c *fiber.Ctx, cfg Config) error {
	req, ok := parse(c)
	if !ok {
		return reject(c, "Invalid JSON format")
	}

	text, _ := req["text"].(string)
	if len(text) > cfg.MaxMessageLength {
		return c.Status(fiber.StatusRequestEntityTooLarge).JSON(fiber.Map{
			"error": "Message exceeds maximum size",
		})
	}
	return c.Next()
}

func checkCampaign(c *fiber.Ctx) error {
	req, ok := parse(c)
	if !ok {
		return reject(c, "Invalid JSON format")
	}

	path, _ := req["customer_data_path"].(string)
	if path == "" {
		return c.Next()
	}
	if filepath.IsAbs(path) || hasParentRef(path) {
		return reject(c, "customer_data_path must be relative to the data directory")
	}
	if !customerFileTypes[strings.ToLower(filepath.Ext(path))] {
		return reject(c, "customer_data_path must be a .json, .yaml, .yml or .csv file")
	}
	return c.Next()
}

func hasParentRef(path string) bool {
	for _, part := range strings.FieldsFunc(path, func(r rune) bool { return r == '/' || r == '\\' }) {
		if part == ".." {
			return true
		}
	}
	return false
}
