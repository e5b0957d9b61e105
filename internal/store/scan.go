package store

import (
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/sells-group/docextract/internal/model"
)

// rowScanner is satisfied by pgx.Row, pgx.Rows, *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows) || errors.Is(err, sql.ErrNoRows)
}

const (
	projectColumns    = `id, name, description, domain, unit_of_observation, created_at`
	variableColumns   = `id, project_id, name, type, position, definition`
	promptColumns     = `id, variable_id, version, text, model_config, is_active, created_at`
	documentColumns   = `id, project_id, filename, content, chunk_count, word_count, created_at`
	jobColumns        = `id, project_id, job_type, status, document_ids, progress, documents_processed, documents_failed, consecutive_failures, avg_seconds_per_doc, error_message, started_at, completed_at, created_at, updated_at`
	extractionColumns = `id, job_id, document_id, variable_id, entity_index, entity_text, value, confidence, source_text, status, error_message, prompt_version, raw_response, created_at`
	logColumns        = `id, job_id, event_type, level, message, document_id, variable_id, metadata, created_at`
)

// extractionInsertColumns matches the argument order of extractionArgs.
var extractionInsertColumns = []string{
	"id", "job_id", "document_id", "variable_id", "entity_index", "entity_text", "value",
	"confidence", "source_text", "status", "error_message", "prompt_version", "raw_response", "created_at",
}

func extractionArgs(e model.Extraction) ([]any, error) {
	value, err := encodeValue(e.Value)
	if err != nil {
		return nil, err
	}
	return []any{
		e.ID, e.JobID, e.DocumentID, e.VariableID, e.EntityIndex, e.EntityText, value,
		e.Confidence, e.SourceText, string(e.Status), e.ErrorMessage, e.PromptVersion, e.RawResponse, e.CreatedAt,
	}, nil
}

func scanProject(row rowScanner) (*model.Project, error) {
	var p model.Project
	var unit []byte
	if err := row.Scan(&p.ID, &p.Name, &p.Description, &p.Domain, &unit, &p.CreatedAt); err != nil {
		return nil, err
	}
	if len(unit) > 0 && string(unit) != "null" {
		p.UnitOfObservation = &model.UnitOfObservation{}
		if err := decodeJSON(unit, p.UnitOfObservation); err != nil {
			return nil, err
		}
	}
	return &p, nil
}

func scanVariable(row rowScanner) (*model.Variable, error) {
	var v model.Variable
	var id, projectID, name, typ string
	var position int
	var def []byte
	if err := row.Scan(&id, &projectID, &name, &typ, &position, &def); err != nil {
		return nil, err
	}
	if err := decodeJSON(def, &v); err != nil {
		return nil, err
	}
	v.ID, v.ProjectID, v.Name, v.Type, v.Position = id, projectID, name, model.VariableType(typ), position
	return &v, nil
}

func scanPrompt(row rowScanner) (*model.Prompt, error) {
	var p model.Prompt
	var cfg []byte
	if err := row.Scan(&p.ID, &p.VariableID, &p.Version, &p.Text, &cfg, &p.IsActive, &p.CreatedAt); err != nil {
		return nil, err
	}
	if err := decodeJSON(cfg, &p.ModelConfig); err != nil {
		return nil, err
	}
	return &p, nil
}

func scanDocument(row rowScanner) (*model.Document, error) {
	var d model.Document
	if err := row.Scan(&d.ID, &d.ProjectID, &d.Filename, &d.Content, &d.ChunkCount, &d.WordCount, &d.CreatedAt); err != nil {
		return nil, err
	}
	return &d, nil
}

func scanJob(row rowScanner) (*model.ProcessingJob, error) {
	var j model.ProcessingJob
	var jobType, status string
	var docIDs []byte
	var startedAt, completedAt *time.Time
	if err := row.Scan(&j.ID, &j.ProjectID, &jobType, &status, &docIDs, &j.Progress,
		&j.DocumentsProcessed, &j.DocumentsFailed, &j.ConsecutiveFailures, &j.AvgSecondsPerDoc,
		&j.ErrorMessage, &startedAt, &completedAt, &j.CreatedAt, &j.UpdatedAt); err != nil {
		return nil, err
	}
	j.JobType = model.JobType(jobType)
	j.Status = model.JobStatus(status)
	j.StartedAt = startedAt
	j.CompletedAt = completedAt
	if err := decodeJSON(docIDs, &j.DocumentIDs); err != nil {
		return nil, err
	}
	return &j, nil
}

func scanExtraction(row rowScanner) (*model.Extraction, error) {
	var e model.Extraction
	var value []byte
	var status string
	if err := row.Scan(&e.ID, &e.JobID, &e.DocumentID, &e.VariableID, &e.EntityIndex, &e.EntityText,
		&value, &e.Confidence, &e.SourceText, &status, &e.ErrorMessage, &e.PromptVersion,
		&e.RawResponse, &e.CreatedAt); err != nil {
		return nil, err
	}
	e.Value = decodeValue(value)
	e.Status = model.ExtractionStatus(status)
	return &e, nil
}

func scanLog(row rowScanner) (*model.ProcessingLog, error) {
	var l model.ProcessingLog
	var eventType, level string
	var meta []byte
	if err := row.Scan(&l.ID, &l.JobID, &eventType, &level, &l.Message, &l.DocumentID,
		&l.VariableID, &meta, &l.CreatedAt); err != nil {
		return nil, err
	}
	l.EventType = model.EventType(eventType)
	l.Level = model.LogLevel(level)
	if len(meta) > 0 && string(meta) != "null" {
		if err := decodeJSON(meta, &l.Metadata); err != nil {
			return nil, err
		}
	}
	return &l, nil
}

// encodeMetadata stores empty metadata as NULL.
func encodeMetadata(m map[string]any) ([]byte, error) {
	if len(m) == 0 {
		return nil, nil
	}
	return encodeJSON(m)
}

// encodeUnit stores a missing unit of observation as NULL.
func encodeUnit(u *model.UnitOfObservation) ([]byte, error) {
	if u == nil {
		return nil, nil
	}
	return encodeJSON(u)
}

func jobLimit(n int) int {
	if n <= 0 {
		return 100
	}
	return n
}
