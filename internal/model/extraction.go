package model

import "time"

// ExtractionStatus is the data-level outcome of one extracted cell.
type ExtractionStatus string

const (
	ExtractionExtracted ExtractionStatus = "EXTRACTED"
	ExtractionValidated ExtractionStatus = "VALIDATED"
	ExtractionFlagged   ExtractionStatus = "FLAGGED"
	ExtractionFailed    ExtractionStatus = "FAILED"
)

// NoEntity is the stored entity index for document-level rows, keeping the
// (job, document, variable, entity_index) key total.
const NoEntity = -1

// Extraction is the persisted result for one (job, document, variable[, entity]).
type Extraction struct {
	ID            string           `json:"id"`
	JobID         string           `json:"job_id"`
	DocumentID    string           `json:"document_id"`
	VariableID    string           `json:"variable_id"`
	EntityIndex   int              `json:"entity_index"`
	EntityText    string           `json:"entity_text,omitempty"`
	Value         any              `json:"value"`
	Confidence    int              `json:"confidence"`
	SourceText    string           `json:"source_text,omitempty"`
	Status        ExtractionStatus `json:"status"`
	ErrorMessage  string           `json:"error_message,omitempty"`
	PromptVersion int              `json:"prompt_version"`
	RawResponse   string           `json:"raw_response,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
}

// HasEntity reports whether the row belongs to an identified entity.
func (e Extraction) HasEntity() bool {
	return e.EntityIndex != NoEntity
}

// EventType classifies processing log entries.
type EventType string

const (
	EventJobStarted   EventType = "JOB_STARTED"
	EventDocStarted   EventType = "DOC_STARTED"
	EventDocCompleted EventType = "DOC_COMPLETED"
	EventDocFailed    EventType = "DOC_FAILED"
	EventJobCompleted EventType = "JOB_COMPLETED"
	EventJobFailed    EventType = "JOB_FAILED"
	EventJobPaused    EventType = "JOB_PAUSED"
	EventJobResumed   EventType = "JOB_RESUMED"
	EventJobCancelled EventType = "JOB_CANCELLED"
)

// LogLevel is the severity of a processing log entry.
type LogLevel string

const (
	LevelInfo    LogLevel = "INFO"
	LevelWarning LogLevel = "WARNING"
	LevelError   LogLevel = "ERROR"
)

// ProcessingLog is an append-only audit entry for a job.
type ProcessingLog struct {
	ID         string         `json:"id"`
	JobID      string         `json:"job_id"`
	EventType  EventType      `json:"event_type"`
	Level      LogLevel       `json:"level"`
	Message    string         `json:"message"`
	DocumentID string         `json:"document_id,omitempty"`
	VariableID string         `json:"variable_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}
