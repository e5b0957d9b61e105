// Package store persists projects, variables, prompts, documents, jobs,
// extractions and processing logs.
package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/docextract/internal/model"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = eris.New("store: not found")
	// ErrConflict is returned when a compare-and-set status update finds the
	// job in a status other than the expected ones.
	ErrConflict = eris.New("store: job status changed concurrently")
)

// JobFilter specifies criteria for listing jobs.
type JobFilter struct {
	ProjectID string          `json:"project_id,omitempty"`
	Status    model.JobStatus `json:"status,omitempty"`
	Limit     int             `json:"limit,omitempty"`
}

// StatusUpdate changes a job's status when it currently holds one of From.
// Nil fields are left untouched.
type StatusUpdate struct {
	To                       model.JobStatus
	From                     []model.JobStatus
	ErrorMessage             *string
	StartedAt                *time.Time
	CompletedAt              *time.Time
	Progress                 *int
	DocumentsProcessed       *int
	DocumentsFailed          *int
	ResetConsecutiveFailures bool
}

// Tx is the unit of work the worker commits after each document.
type Tx interface {
	DeleteExtractions(ctx context.Context, jobID, documentID string) (int64, error)
	InsertExtractions(ctx context.Context, rows []model.Extraction) error
	UpdateJobProgress(ctx context.Context, job *model.ProcessingJob) error
	AppendLog(ctx context.Context, entry *model.ProcessingLog) error
	// Savepoint runs fn inside a nested transaction. When fn fails only its
	// writes are rolled back and the enclosing transaction stays usable.
	Savepoint(ctx context.Context, fn func(Tx) error) error
}

// Store defines the persistence interface for the extraction pipeline.
type Store interface {
	// Projects
	CreateProject(ctx context.Context, p *model.Project) error
	GetProject(ctx context.Context, id string) (*model.Project, error)

	// Variables, ordered by position.
	CreateVariable(ctx context.Context, v *model.Variable) error
	GetVariable(ctx context.Context, id string) (*model.Variable, error)
	ListVariables(ctx context.Context, projectID string) ([]model.Variable, error)

	// Prompts
	SavePrompt(ctx context.Context, p *model.Prompt) error
	GetActivePrompt(ctx context.Context, variableID string) (*model.Prompt, error)

	// Documents
	CreateDocument(ctx context.Context, d *model.Document, chunks []model.Chunk) error
	GetDocument(ctx context.Context, id string) (*model.Document, error)
	GetChunks(ctx context.Context, documentID string) ([]model.Chunk, error)
	ListDocumentIDs(ctx context.Context, projectID string) ([]string, error)

	// Jobs
	CreateJob(ctx context.Context, job *model.ProcessingJob) error
	GetJob(ctx context.Context, id string) (*model.ProcessingJob, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]model.ProcessingJob, error)
	UpdateJobStatus(ctx context.Context, id string, upd StatusUpdate) error
	UpdateJobProgress(ctx context.Context, job *model.ProcessingJob) error

	// Extractions
	ListExtractions(ctx context.Context, jobID, documentID string) ([]model.Extraction, error)
	ExtractedDocumentIDs(ctx context.Context, jobID string) ([]string, error)

	// Processing logs
	AppendLog(ctx context.Context, entry *model.ProcessingLog) error
	ListLogs(ctx context.Context, jobID string, limit int) ([]model.ProcessingLog, error)

	// InTx runs fn in a transaction, committing when fn returns nil.
	InTx(ctx context.Context, fn func(Tx) error) error

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
