package model

import (
	"fmt"
	"slices"
	"time"
)

// JobType distinguishes a quick sample run from a full run.
type JobType string

const (
	JobTypeSample JobType = "SAMPLE"
	JobTypeFull   JobType = "FULL"
)

// JobStatus represents the current state of a processing job.
type JobStatus string

const (
	JobPending    JobStatus = "PENDING"
	JobProcessing JobStatus = "PROCESSING"
	JobComplete   JobStatus = "COMPLETE"
	JobFailed     JobStatus = "FAILED"
	JobCancelled  JobStatus = "CANCELLED"
	JobPaused     JobStatus = "PAUSED"
)

// jobTransitions is the allow-list of legal status changes.
var jobTransitions = map[JobStatus][]JobStatus{
	JobPending:    {JobProcessing, JobCancelled},
	JobProcessing: {JobComplete, JobFailed, JobCancelled, JobPaused},
	JobPaused:     {JobPending, JobCancelled},
	JobComplete:   nil,
	JobFailed:     nil,
	JobCancelled:  nil,
}

// IsTerminal reports whether no further transitions are possible.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobComplete, JobFailed, JobCancelled:
		return true
	default:
		return false
	}
}

// CanTransition reports whether moving from s to next is legal.
func (s JobStatus) CanTransition(next JobStatus) bool {
	return slices.Contains(jobTransitions[s], next)
}

// TransitionError is returned for an illegal status change.
type TransitionError struct {
	From JobStatus
	To   JobStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot change job status from %s to %s", e.From, e.To)
}

// UserMessage returns a message suitable for showing to the person who asked.
func (e *TransitionError) UserMessage() string {
	switch e.To {
	case JobPaused:
		return fmt.Sprintf("Only a processing job can be paused; this job is %s.", e.From)
	case JobPending:
		return fmt.Sprintf("Only a paused job can be resumed; this job is %s.", e.From)
	case JobCancelled:
		return fmt.Sprintf("This job is %s and can no longer be cancelled.", e.From)
	default:
		return e.Error()
	}
}

// CheckTransition returns a *TransitionError when next is not allowed from s.
func (s JobStatus) CheckTransition(next JobStatus) error {
	if !s.CanTransition(next) {
		return &TransitionError{From: s, To: next}
	}
	return nil
}

// ProcessingJob is one extraction run over a fixed list of documents.
type ProcessingJob struct {
	ID                  string     `json:"id"`
	ProjectID           string     `json:"project_id"`
	JobType             JobType    `json:"job_type"`
	Status              JobStatus  `json:"status"`
	DocumentIDs         []string   `json:"document_ids"`
	Progress            int        `json:"progress"`
	DocumentsProcessed  int        `json:"documents_processed"`
	DocumentsFailed     int        `json:"documents_failed"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	AvgSecondsPerDoc    float64    `json:"avg_seconds_per_doc"`
	ErrorMessage        string     `json:"error_message,omitempty"`
	StartedAt           *time.Time `json:"started_at,omitempty"`
	CompletedAt         *time.Time `json:"completed_at,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// TotalDocuments is the size of the immutable document list.
func (j *ProcessingJob) TotalDocuments() int {
	return len(j.DocumentIDs)
}

// Remaining is the number of documents not yet attempted.
func (j *ProcessingJob) Remaining() int {
	r := j.TotalDocuments() - j.DocumentsProcessed - j.DocumentsFailed
	if r < 0 {
		return 0
	}
	return r
}

// ComputeProgress returns floor(100*(processed+failed)/total), capped at 100.
func (j *ProcessingJob) ComputeProgress() int {
	total := j.TotalDocuments()
	if total == 0 {
		return 100
	}
	p := 100 * (j.DocumentsProcessed + j.DocumentsFailed) / total
	if p > 100 {
		return 100
	}
	return p
}

// emaWeight is the weight kept from the previous average.
const emaWeight = 0.7

// ObserveDuration folds one document's elapsed seconds into the rolling average.
// The first observation seeds the average.
func (j *ProcessingJob) ObserveDuration(elapsed float64) {
	if j.AvgSecondsPerDoc <= 0 {
		j.AvgSecondsPerDoc = elapsed
		return
	}
	j.AvgSecondsPerDoc = emaWeight*j.AvgSecondsPerDoc + (1-emaWeight)*elapsed
}

// ETASeconds estimates the time left from the rolling average.
func (j *ProcessingJob) ETASeconds() float64 {
	remaining := j.Remaining()
	if remaining == 0 {
		return 0
	}
	return j.AvgSecondsPerDoc * float64(remaining)
}
