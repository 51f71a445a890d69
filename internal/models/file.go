package models

import (
	"fmt"
	"time"
)

// ProcessingStatus tracks ingestion progress of a file.
type ProcessingStatus string

const (
	ProcessingPending   ProcessingStatus = "pending"
	ProcessingRunning   ProcessingStatus = "processing"
	ProcessingCompleted ProcessingStatus = "completed"
	ProcessingFailed    ProcessingStatus = "failed"
)

// Terminal reports whether no further transitions are allowed.
func (s ProcessingStatus) Terminal() bool {
	return s == ProcessingCompleted || s == ProcessingFailed
}

// stage orders the lifecycle: pending < processing < completed|failed.
func (s ProcessingStatus) stage() int {
	switch s {
	case ProcessingPending:
		return 0
	case ProcessingRunning:
		return 1
	default:
		return 2
	}
}

// Valid reports whether s is a known processing state.
func (s ProcessingStatus) Valid() bool {
	switch s {
	case ProcessingPending, ProcessingRunning, ProcessingCompleted, ProcessingFailed:
		return true
	}
	return false
}

// ProcessedFile is a unit of ingested input (capture or log file).
type ProcessedFile struct {
	ID               string           `json:"id"`
	Filename         string           `json:"filename"`
	FileType         string           `json:"file_type"`
	FileSize         int64            `json:"file_size"`
	UploadDate       time.Time        `json:"upload_date"`
	ProcessingStatus ProcessingStatus `json:"processing_status"`
	AnomaliesFound   int              `json:"anomalies_found"`
	ProcessingTimeMs *int64           `json:"processing_time_ms,omitempty"`
	ErrorMessage     *string          `json:"error_message,omitempty"`
	SessionID        *string          `json:"session_id,omitempty"`
}

// FileDraft is the payload registering a newly ingested file.
type FileDraft struct {
	Filename  string  `json:"filename" validate:"required,max=1024"`
	FileType  string  `json:"file_type" validate:"required,max=32"`
	FileSize  int64   `json:"file_size" validate:"gte=0"`
	SessionID *string `json:"session_id,omitempty"`
}

// Validate checks required fields.
func (d FileDraft) Validate() error {
	if err := validate.Struct(d); err != nil {
		return fmt.Errorf("invalid file: %w", err)
	}
	return nil
}

// FileUpdate moves a file forward in its processing lifecycle.
type FileUpdate struct {
	Status           ProcessingStatus `json:"status" validate:"required,oneof=pending processing completed failed"`
	AnomaliesFound   *int             `json:"anomalies_found,omitempty" validate:"omitempty,gte=0"`
	ProcessingTimeMs *int64           `json:"processing_time_ms,omitempty" validate:"omitempty,gte=0"`
	ErrorMessage     *string          `json:"error_message,omitempty"`
}

// Validate checks the update payload.
func (u FileUpdate) Validate() error {
	if err := validate.Struct(u); err != nil {
		return fmt.Errorf("invalid file update: %w", err)
	}
	return nil
}

// Apply returns f with the update applied. Terminal files reject further changes and no file
// moves back to an earlier stage.
func (u FileUpdate) Apply(f ProcessedFile) (ProcessedFile, bool) {
	if f.ProcessingStatus.Terminal() || u.Status.stage() < f.ProcessingStatus.stage() {
		return f, false
	}
	f.ProcessingStatus = u.Status
	if u.AnomaliesFound != nil {
		f.AnomaliesFound = *u.AnomaliesFound
	}
	if u.ProcessingTimeMs != nil {
		f.ProcessingTimeMs = u.ProcessingTimeMs
	}
	if u.ErrorMessage != nil {
		f.ErrorMessage = u.ErrorMessage
	}
	return f, true
}

// SessionStatus marks whether an analysis session is still running.
type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionCompleted SessionStatus = "completed"
)

// Session is one bounded analysis run over a batch of files.
type Session struct {
	ID                string        `json:"id"`
	Name              string        `json:"session_name"`
	StartTime         time.Time     `json:"start_time"`
	EndTime           *time.Time    `json:"end_time,omitempty"`
	PacketsAnalyzed   int64         `json:"packets_analyzed"`
	AnomaliesDetected int64         `json:"anomalies_detected"`
	SourceFile        string        `json:"source_file"`
	Status            SessionStatus `json:"status"`
}

// SessionDraft opens a new session.
type SessionDraft struct {
	Name       string `json:"session_name" validate:"max=256"`
	SourceFile string `json:"source_file" validate:"required,max=1024"`
}

// Validate checks required fields.
func (d SessionDraft) Validate() error {
	if err := validate.Struct(d); err != nil {
		return fmt.Errorf("invalid session: %w", err)
	}
	return nil
}

// SessionClose carries the final counters recorded when a session ends.
type SessionClose struct {
	PacketsAnalyzed   int64 `json:"packets_analyzed" validate:"gte=0"`
	AnomaliesDetected int64 `json:"anomalies_detected" validate:"gte=0"`
}

// Validate rejects negative counters.
func (c SessionClose) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid session close: %w", err)
	}
	return nil
}

// Metric is a named timestamped auxiliary measurement. Metrics are append-only.
type Metric struct {
	ID         string    `json:"id"`
	Category   string    `json:"category"`
	Name       string    `json:"metric_name"`
	Value      float64   `json:"metric_value"`
	Timestamp  time.Time `json:"timestamp"`
	SessionID  *string   `json:"session_id,omitempty"`
	SourceFile *string   `json:"source_file,omitempty"`
}

// MetricDraft records a new measurement.
type MetricDraft struct {
	Category   string     `json:"category" validate:"required,max=64"`
	Name       string     `json:"metric_name" validate:"required,max=128"`
	Value      float64    `json:"metric_value"`
	Timestamp  *time.Time `json:"timestamp,omitempty"`
	SessionID  *string    `json:"session_id,omitempty"`
	SourceFile *string    `json:"source_file,omitempty"`
}

// Validate checks required fields.
func (d MetricDraft) Validate() error {
	if err := validate.Struct(d); err != nil {
		return fmt.Errorf("invalid metric: %w", err)
	}
	return nil
}
