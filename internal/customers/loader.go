// Package customers reads campaign customer lists from JSON, YAML or CSV
// files under a configured data directory.
package customers

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/campaign-agent/backend/internal/agents"
	"github.com/campaign-agent/backend/internal/storage/models"
	"github.com/campaign-agent/backend/pkg/apperr"
	"github.com/campaign-agent/backend/pkg/logger"
)

type Loader struct {
	baseDir string
}

func NewLoader(baseDir string) *Loader {
	return &Loader{baseDir: baseDir}
}

// Load reads the customer file at path, which is resolved against the data
// directory and may not escape it. The format follows the extension.
func (l *Loader) Load(path string) ([]models.Customer, error) {
	full, err := l.resolve(path)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(full)
	if errors.Is(err, os.ErrNotExist) {
		return nil, apperr.Validation("customer file %s not found", path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open customer file: %w", err)
	}
	defer f.Close()

	var customers []models.Customer
	switch ext := strings.ToLower(filepath.Ext(full)); ext {
	case ".json":
		customers, err = DecodeJSON(f)
	case ".yaml", ".yml":
		customers, err = DecodeYAML(f)
	case ".csv":
		customers, err = DecodeCSV(f)
	default:
		return nil, apperr.Validation("unsupported customer file type %q", ext)
	}
	if err != nil {
		return nil, err
	}

	if err := agents.ValidateCustomers(customers); err != nil {
		return nil, err
	}

	logger.Info("Customer list loaded", zap.String("path", path), zap.Int("customers", len(customers)))
	return customers, nil
}

func (l *Loader) resolve(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", apperr.Validation("customer_data_path is required")
	}
	if l.baseDir == "" {
		return filepath.Clean(path), nil
	}

	base, err := filepath.Abs(l.baseDir)
	if err != nil {
		return "", fmt.Errorf("failed to resolve data dir: %w", err)
	}
	full := path
	if !filepath.IsAbs(full) {
		full = filepath.Join(base, full)
	}
	full = filepath.Clean(full)

	rel, err := filepath.Rel(base, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", apperr.Validation("customer_data_path %s is outside the data directory", path)
	}
	return full, nil
}

// DecodeJSON accepts either a list of records or an object with a
// "customers" list.
func DecodeJSON(r io.Reader) ([]models.Customer, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read customers: %w", err)
	}

	var records []map[string]any
	if err := json.Unmarshal(data, &records); err != nil {
		var wrapped struct {
			Customers []map[string]any `json:"customers"`
		}
		if err2 := json.Unmarshal(data, &wrapped); err2 != nil {
			return nil, apperr.Validation("malformed customer JSON: %v", err)
		}
		records = wrapped.Customers
	}
	return fromRecords(records)
}

func DecodeYAML(r io.Reader) ([]models.Customer, error) {
	var doc any
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, apperr.Validation("malformed customer YAML: %v", err)
	}

	var list []any
	switch v := doc.(type) {
	case []any:
		list = v
	case map[string]any:
		l, ok := v["customers"].([]any)
		if !ok {
			return nil, apperr.Validation("customer YAML has no customers list")
		}
		list = l
	default:
		return nil, apperr.Validation("customer YAML must be a list")
	}

	records := make([]map[string]any, 0, len(list))
	for i, item := range list {
		rec, ok := item.(map[string]any)
		if !ok {
			return nil, apperr.Validation("customer %d is not a mapping", i)
		}
		records = append(records, rec)
	}
	return fromRecords(records)
}

// DecodeCSV expects a header row with an "id" column. Other numeric columns
// become attributes; true/false map to 1/0 and other text is ignored.
func DecodeCSV(r io.Reader) ([]models.Customer, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Validation("malformed customer CSV: %v", err)
	}

	idCol := -1
	for i, h := range header {
		header[i] = strings.TrimSpace(h)
		if strings.EqualFold(header[i], "id") {
			idCol = i
		}
	}
	if idCol < 0 {
		return nil, apperr.Validation("customer CSV has no id column")
	}

	var customers []models.Customer
	for line := 2; ; line++ {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, apperr.Validation("malformed customer CSV at line %d: %v", line, err)
		}

		c := models.Customer{ID: strings.TrimSpace(row[idCol]), Attributes: map[string]float64{}}
		for i, cell := range row {
			if i == idCol {
				continue
			}
			if v, ok := numeric(strings.TrimSpace(cell)); ok {
				c.Attributes[header[i]] = v
			}
		}
		customers = append(customers, c)
	}
	return customers, nil
}

func fromRecords(records []map[string]any) ([]models.Customer, error) {
	customers := make([]models.Customer, 0, len(records))
	for i, rec := range records {
		id, ok := idOf(rec["id"])
		if !ok {
			return nil, apperr.Validation("customer %d has no usable id", i)
		}

		c := models.Customer{ID: id, Attributes: map[string]float64{}}
		keys := make([]string, 0, len(rec))
		for k := range rec {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			switch k {
			case "id":
			case "attributes":
				attrs, _ := rec[k].(map[string]any)
				for name, raw := range attrs {
					if v, ok := numeric(raw); ok {
						c.Attributes[name] = v
					}
				}
			default:
				if v, ok := numeric(rec[k]); ok {
					c.Attributes[k] = v
				}
			}
		}
		customers = append(customers, c)
	}
	return customers, nil
}

func idOf(raw any) (string, bool) {
	switch v := raw.(type) {
	case string:
		v = strings.TrimSpace(v)
		return v, v != ""
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), true
	case int:
		return strconv.Itoa(v), true
	case int64:
		return strconv.FormatInt(v, 10), true
	case uint64:
		return strconv.FormatUint(v, 10), true
	}
	return "", false
}

func numeric(raw any) (float64, bool) {
	switch v := raw.(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint64:
		return float64(v), true
	case bool:
		if v {
			return 1, true
		}
		return 0, true
	case string:
		if v == "" {
			return 0, false
		}
		if b, err := strconv.ParseBool(v); err == nil {
			return numeric(b)
		}
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f, true
		}
	}
	return 0, false
}
