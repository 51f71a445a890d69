package models

import (
	"fmt"
	"maps"
	"time"
)

// AnomalyType enumerates the closed set of anomaly categories.
type AnomalyType string

const (
	AnomalyTypeFronthaul  AnomalyType = "fronthaul"
	AnomalyTypeUEEvent    AnomalyType = "ue_event"
	AnomalyTypeMACAddress AnomalyType = "mac_address"
	AnomalyTypeProtocol   AnomalyType = "protocol"
)

// AnomalyTypes lists every category in display order.
var AnomalyTypes = []AnomalyType{
	AnomalyTypeFronthaul,
	AnomalyTypeUEEvent,
	AnomalyTypeMACAddress,
	AnomalyTypeProtocol,
}

// Valid reports whether t belongs to the closed category set.
func (t AnomalyType) Valid() bool {
	for _, known := range AnomalyTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Severity captures impact levels.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Severities lists severities from most to least severe.
var Severities = []Severity{SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow}

// Rank orders severities: low < medium < high < critical. Unknown values rank 0.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool { return s.Rank() > 0 }

// Status is the anomaly lifecycle state.
type Status string

const (
	StatusOpen      Status = "open"
	StatusResolved  Status = "resolved"
	StatusDismissed Status = "dismissed"
)

// Valid reports whether s is a known lifecycle state.
func (s Status) Valid() bool {
	return s == StatusOpen || s == StatusResolved || s == StatusDismissed
}

// CanTransition reports whether moving from s to next keeps the lifecycle monotonic.
// Re-applying the current state is allowed and is a no-op.
func (s Status) CanTransition(next Status) bool {
	if !next.Valid() {
		return false
	}
	if s == next {
		return true
	}
	return s == StatusOpen
}

// Anomaly is a single detected network irregularity.
type Anomaly struct {
	ID                 string            `json:"id"`
	Timestamp          time.Time         `json:"timestamp"`
	Type               AnomalyType       `json:"type"`
	Description        string            `json:"description"`
	Severity           Severity          `json:"severity"`
	SourceFile         string            `json:"source_file"`
	PacketNumber       *int64            `json:"packet_number,omitempty"`
	UEID               *string           `json:"ue_id,omitempty"`
	MACAddress         *string           `json:"mac_address,omitempty"`
	Details            map[string]any    `json:"details,omitempty"`
	Status             Status            `json:"status"`
	Recommendation     *string           `json:"recommendation,omitempty"`
	ErrorContext       *string           `json:"error_context,omitempty"`
	PacketContext      *string           `json:"packet_context,omitempty"`
	ConfidenceScore    *float64          `json:"confidence_score,omitempty"`
	DetectionAlgorithm *string           `json:"detection_algorithm,omitempty"`
	Context            *DetectionContext `json:"context,omitempty"`
}

// Clone returns a copy that shares no mutable state with a.
func (a Anomaly) Clone() Anomaly {
	out := a
	if a.Details != nil {
		out.Details = maps.Clone(a.Details)
	}
	if a.Context != nil {
		ctx := a.Context.Clone()
		out.Context = &ctx
	}
	return out
}

// AnomalyDraft is the ingestion payload for a new anomaly. Identifier and timestamp are
// assigned by the store when absent.
type AnomalyDraft struct {
	ID                 string            `json:"id,omitempty" validate:"omitempty,max=128"`
	Timestamp          *time.Time        `json:"timestamp,omitempty"`
	Type               AnomalyType       `json:"type" validate:"required,oneof=fronthaul ue_event mac_address protocol"`
	Description        string            `json:"description" validate:"required,max=4096"`
	Severity           Severity          `json:"severity" validate:"required,oneof=low medium high critical"`
	SourceFile         string            `json:"source_file" validate:"required,max=1024"`
	PacketNumber       *int64            `json:"packet_number,omitempty" validate:"omitempty,gte=0"`
	UEID               *string           `json:"ue_id,omitempty" validate:"omitempty,max=64"`
	MACAddress         *string           `json:"mac_address,omitempty" validate:"omitempty,mac"`
	Details            map[string]any    `json:"details,omitempty"`
	ErrorContext       *string           `json:"error_context,omitempty"`
	PacketContext      *string           `json:"packet_context,omitempty"`
	ConfidenceScore    *float64          `json:"confidence_score,omitempty" validate:"omitempty,gte=0,lte=1"`
	DetectionAlgorithm *string           `json:"detection_algorithm,omitempty" validate:"omitempty,max=64"`
	Context            *DetectionContext `json:"context,omitempty"`
}

// Validate checks the draft against the closed enumerations and the detection context rules.
func (d AnomalyDraft) Validate() error {
	if err := validate.Struct(d); err != nil {
		return fmt.Errorf("invalid anomaly: %w", err)
	}
	if d.Context != nil {
		if err := d.Context.Validate(); err != nil {
			return fmt.Errorf("invalid anomaly context: %w", err)
		}
	}
	return nil
}

// Build materialises the draft into an Anomaly using the supplied id and fallback time.
func (d AnomalyDraft) Build(id string, now time.Time) Anomaly {
	ts := now.UTC()
	if d.Timestamp != nil && !d.Timestamp.IsZero() {
		ts = d.Timestamp.UTC()
	}
	a := Anomaly{
		ID:                 id,
		Timestamp:          ts,
		Type:               d.Type,
		Description:        d.Description,
		Severity:           d.Severity,
		SourceFile:         d.SourceFile,
		PacketNumber:       d.PacketNumber,
		UEID:               d.UEID,
		MACAddress:         d.MACAddress,
		Status:             StatusOpen,
		ErrorContext:       d.ErrorContext,
		PacketContext:      d.PacketContext,
		ConfidenceScore:    d.ConfidenceScore,
		DetectionAlgorithm: d.DetectionAlgorithm,
	}
	if d.Details != nil {
		a.Details = maps.Clone(d.Details)
	}
	if d.Context != nil {
		ctx := d.Context.Clone()
		a.Context = &ctx
	}
	return a
}

// AnomalyQuery captures list filters and pagination.
type AnomalyQuery struct {
	Limit    int
	Offset   int
	Type     AnomalyType
	Severity Severity
}

const (
	// DefaultListLimit applies when a query does not set a limit.
	DefaultListLimit = 50
	// MaxListLimit caps a single page.
	MaxListLimit = 1000
)

// Normalise clamps pagination values into their supported ranges.
func (q AnomalyQuery) Normalise() AnomalyQuery {
	if q.Limit <= 0 {
		q.Limit = DefaultListLimit
	}
	if q.Limit > MaxListLimit {
		q.Limit = MaxListLimit
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
	return q
}

// Matches reports whether a satisfies the query filters.
func (q AnomalyQuery) Matches(a Anomaly) bool {
	if q.Type != "" && a.Type != q.Type {
		return false
	}
	if q.Severity != "" && a.Severity != q.Severity {
		return false
	}
	return true
}
