package models

import (
	"slices"
	"strings"
	"time"

	"github.com/campaign-agent/backend/pkg/apperr"
)

type Customer struct {
	ID         string             `json:"id" yaml:"id"`
	Attributes map[string]float64 `json:"attributes" yaml:"attributes"`
}

// Well-known customer attribute keys.
const (
	AttrPurchaseFrequency = "purchase_frequency"
	AttrOrderValue        = "order_value"
	AttrEngagement        = "engagement"
	// AttrB2B is 1 for business accounts.
	AttrB2B = "is_b2b"
)

type Segment struct {
	ID          string   `json:"id"`
	CampaignID  string   `json:"campaign_id"`
	Label       string   `json:"label"`
	Confidence  float64  `json:"confidence"`
	Summary     string   `json:"summary"`
	Audience    string   `json:"audience,omitempty"`
	CustomerIDs []string `json:"customer_ids"`
}

func (s Segment) Validate() error {
	if s.ID == "" {
		return apperr.Validation("segment without id")
	}
	if s.Label == "" {
		return apperr.Validation("segment %s without label", s.ID)
	}
	if s.Confidence < 0 || s.Confidence > 1 {
		return apperr.Validation("segment %s confidence %.3f outside [0,1]", s.ID, s.Confidence)
	}
	return nil
}

const (
	ComplianceApproved = "approved"
	CompliancePending  = "pending"
	ComplianceRejected = "rejected"
)

type ContentMetadata struct {
	ContentType      string    `json:"content_type"`
	Audience         string    `json:"audience,omitempty"`
	CampaignName     string    `json:"campaign_name,omitempty"`
	ComplianceStatus string    `json:"compliance_status"`
	Source           string    `json:"source,omitempty"`
	Tags             []string  `json:"tags,omitempty"`
	CreatedAt        time.Time `json:"created_date"`
}

// ContentItem is immutable after ingestion; Embedding is derived from the
// title and body once and never recomputed.
type ContentItem struct {
	ID        string          `json:"id"`
	Title     string          `json:"title"`
	Body      string          `json:"content"`
	Embedding []float32       `json:"-"`
	Metadata  ContentMetadata `json:"metadata"`
}

// ContentFilter holds the exact-match metadata restrictions applied before
// scoring. Empty fields do not restrict.
type ContentFilter struct {
	ContentType  string   `json:"content_type,omitempty"`
	Audience     string   `json:"audience,omitempty"`
	CampaignName string   `json:"campaign_name,omitempty"`
	Tags         []string `json:"tags,omitempty"`
}

// Matches reports whether item is eligible. Only approved content is ever
// eligible; tags match when the item carries any of the requested tags.
func (f ContentFilter) Matches(item ContentItem) bool {
	md := item.Metadata
	if md.ComplianceStatus != ComplianceApproved {
		return false
	}
	if f.ContentType != "" && md.ContentType != f.ContentType {
		return false
	}
	if f.Audience != "" && md.Audience != f.Audience {
		return false
	}
	if f.CampaignName != "" && !strings.Contains(strings.ToLower(md.CampaignName), strings.ToLower(f.CampaignName)) {
		return false
	}
	if len(f.Tags) > 0 {
		found := false
		for _, tag := range f.Tags {
			if slices.Contains(md.Tags, tag) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

type ScoredContent struct {
	Item  ContentItem `json:"item"`
	Score float64     `json:"score"`
}

type GenerationMetadata struct {
	ModelID     string    `json:"model_id"`
	Temperature float32   `json:"temperature"`
	GeneratedAt time.Time `json:"generated_at"`
}

type MessageVariant struct {
	ID         string             `json:"id"`
	SegmentID  string             `json:"segment_id"`
	Label      string             `json:"label"`
	Subject    string             `json:"subject"`
	Body       string             `json:"body"`
	Tone       string             `json:"tone"`
	Channel    string             `json:"channel"`
	Generation GenerationMetadata `json:"generation"`
}

// Text is what the compliance checks evaluate.
func (v MessageVariant) Text() string {
	if v.Subject == "" {
		return v.Body
	}
	return v.Subject + "\n\n" + v.Body
}

type ComplianceStatus string

const (
	StatusApproved    ComplianceStatus = "approved"
	StatusRejected    ComplianceStatus = "rejected"
	StatusNeedsReview ComplianceStatus = "needs_review"
)

const (
	CategorySafety = "safety"
	CategoryBrand  = "brand"
	CategoryLegal  = "legal"
)

type CategoryResult struct {
	Category      string  `json:"category"`
	Score         float64 `json:"score"`
	Passed        bool    `json:"passed"`
	Indeterminate bool    `json:"indeterminate,omitempty"`
	Reason        string  `json:"reason,omitempty"`
}

// ComplianceResult is immutable once produced. Reasons is non-empty exactly
// when Status is rejected; indeterminate categories are listed in Pending.
type ComplianceResult struct {
	VariantID       string                    `json:"variant_id"`
	Status          ComplianceStatus          `json:"status"`
	Categories      map[string]CategoryResult `json:"checks"`
	Reasons         []string                  `json:"reasons"`
	Pending         []string                  `json:"pending,omitempty"`
	Recommendations []string                  `json:"recommendations"`
	CheckedAt       time.Time                 `json:"checked_at"`
}

type ExperimentStatus string

const (
	ExperimentCreated      ExperimentStatus = "created"
	ExperimentRunning      ExperimentStatus = "running"
	ExperimentConcluded    ExperimentStatus = "concluded"
	ExperimentInconclusive ExperimentStatus = "inconclusive"
)

func (s ExperimentStatus) Terminal() bool {
	return s == ExperimentConcluded || s == ExperimentInconclusive
}

type EventKind string

const (
	EventImpression EventKind = "impression"
	EventClick      EventKind = "click"
	EventConversion EventKind = "conversion"
)

func ParseEventKind(s string) (EventKind, error) {
	switch k := EventKind(strings.ToLower(strings.TrimSpace(s))); k {
	case EventImpression, EventClick, EventConversion:
		return k, nil
	}
	return "", apperr.Validation("unknown event kind %q", s)
}

// VariantMetrics is a point-in-time copy of a variant's counters.
type VariantMetrics struct {
	Impressions int64 `json:"impressions"`
	Clicks      int64 `json:"clicks"`
	Conversions int64 `json:"conversions"`
}

func (m VariantMetrics) CTR() float64 {
	if m.Impressions == 0 {
		return 0
	}
	return float64(m.Clicks) / float64(m.Impressions)
}

func (m VariantMetrics) ConversionRate() float64 {
	return float64(m.Conversions) / float64(max(m.Clicks, 1))
}

type ExperimentVariant struct {
	VariantID string `json:"variant_id"`
	SegmentID string `json:"segment_id"`
	Label     string `json:"label"`
}

type Experiment struct {
	ID          string                    `json:"experiment_id"`
	CampaignID  string                    `json:"campaign_id"`
	RunID       string                    `json:"run_id"`
	Variants    []ExperimentVariant       `json:"variants"`
	Status      ExperimentStatus          `json:"status"`
	Metrics     map[string]VariantMetrics `json:"metrics"`
	Winner      string                    `json:"winner,omitempty"`
	Confidence  float64                   `json:"confidence,omitempty"`
	DecidedOn   string                    `json:"decided_on,omitempty"`
	CreatedAt   time.Time                 `json:"created_at"`
	ConcludedAt *time.Time                `json:"concluded_at,omitempty"`
}

func (e Experiment) VariantLabel(variantID string) string {
	for _, v := range e.Variants {
		if v.VariantID == variantID {
			return v.Label
		}
	}
	return ""
}

type RunState string

const (
	RunCreated           RunState = "created"
	RunSegmenting        RunState = "segmenting"
	RunRetrieving        RunState = "retrieving"
	RunGenerating        RunState = "generating"
	RunValidating        RunState = "validating"
	RunDeploying         RunState = "deploying"
	RunDeployed          RunState = "deployed"
	RunPartiallyDeployed RunState = "partially_deployed"
	RunFailed            RunState = "failed"
)

var runOrder = map[RunState]int{
	RunCreated:           0,
	RunSegmenting:        1,
	RunRetrieving:        2,
	RunGenerating:        3,
	RunValidating:        4,
	RunDeploying:         5,
	RunDeployed:          6,
	RunPartiallyDeployed: 6,
	RunFailed:            6,
}

func (s RunState) Rank() int {
	return runOrder[s]
}

func (s RunState) Terminal() bool {
	return s == RunDeployed || s == RunPartiallyDeployed || s == RunFailed
}

type SegmentStatus string

const (
	SegmentPending        SegmentStatus = "pending"
	SegmentRetrieving     SegmentStatus = "retrieving"
	SegmentGenerating     SegmentStatus = "generating"
	SegmentValidating     SegmentStatus = "validating"
	SegmentReady          SegmentStatus = "ready"
	SegmentAwaitingReview SegmentStatus = "awaiting_review"
	SegmentDeployed       SegmentStatus = "deployed"
	SegmentFailed         SegmentStatus = "failed"
)

func (s SegmentStatus) Settled() bool {
	switch s {
	case SegmentReady, SegmentAwaitingReview, SegmentDeployed, SegmentFailed:
		return true
	}
	return false
}

type SegmentResult struct {
	Segment     Segment            `json:"segment"`
	Status      SegmentStatus      `json:"status"`
	Content     []ScoredContent    `json:"content,omitempty"`
	Variants    []MessageVariant   `json:"variants,omitempty"`
	Compliance  []ComplianceResult `json:"compliance,omitempty"`
	Approved    []MessageVariant   `json:"approved,omitempty"`
	UnderReview []MessageVariant   `json:"under_review,omitempty"`
	Failure     *apperr.Failure    `json:"failure,omitempty"`
}

type CampaignRun struct {
	ID                string          `json:"run_id"`
	CampaignID        string          `json:"campaign_id"`
	Theme             string          `json:"message_theme"`
	VariantCount      int             `json:"variant_count"`
	State             RunState        `json:"status"`
	Segments          []SegmentResult `json:"segment_results"`
	SegmentCount      int             `json:"segments"`
	MessagesGenerated int             `json:"messages_generated"`
	MessagesApproved  int             `json:"messages_approved"`
	CustomersTargeted int             `json:"customers_targeted"`
	ExperimentID      string          `json:"experiment_id,omitempty"`
	Failure           *apperr.Failure `json:"failure,omitempty"`
	StartedAt         time.Time       `json:"started_at"`
	FinishedAt        *time.Time      `json:"finished_at,omitempty"`
}
