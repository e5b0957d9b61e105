// Package progress publishes fire-and-forget job progress events.
package progress

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/docextract/internal/model"
)

// Event types published by the worker.
const (
	EventProgress          = "progress"
	EventJobStarted        = "job_started"
	EventDocumentCompleted = "document_completed"
	EventDocumentFailed    = "document_failed"
	EventJobPaused         = "job_paused"
	EventJobCompleted      = "job_completed"
	EventJobFailed         = "job_failed"
	EventJobCancelled      = "job_cancelled"
)

// Publisher delivers a progress event for a job.
type Publisher interface {
	Publish(ctx context.Context, jobID, eventType string, payload map[string]any) error
}

// ProgressPayload builds the body of a "progress" event.
func ProgressPayload(job *model.ProcessingJob) map[string]any {
	return map[string]any{
		"progress":            job.Progress,
		"documents_processed": job.DocumentsProcessed,
		"documents_failed":    job.DocumentsFailed,
		"total_documents":     job.TotalDocuments(),
		"eta_seconds":         job.ETASeconds(),
	}
}

// DocumentPayload builds the body of a per-document event.
func DocumentPayload(documentID string, extra map[string]any) map[string]any {
	out := map[string]any{"document_id": documentID}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

// ReasonPayload builds the body of a job-level event; reason may be empty.
func ReasonPayload(reason string) map[string]any {
	if reason == "" {
		return map[string]any{}
	}
	return map[string]any{"reason": reason}
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, string, string, map[string]any) error { return nil }

// Multi fans an event out to every publisher.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, jobID, eventType string, payload map[string]any) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, jobID, eventType, payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogPublisher writes events to the zap logger.
type LogPublisher struct{}

func (LogPublisher) Publish(_ context.Context, jobID, eventType string, payload map[string]any) error {
	zap.L().Info("progress: event",
		zap.String("job_id", jobID),
		zap.String("type", eventType),
		zap.Any("payload", payload),
	)
	return nil
}

type safePublisher struct {
	next    Publisher
	timeout time.Duration
}

// Safe wraps p so that publishing never fails the caller. Errors are logged
// and each publish is bounded by timeout when it is positive.
func Safe(p Publisher, timeout time.Duration) Publisher {
	if p == nil {
		p = Nop{}
	}
	return &safePublisher{next: p, timeout: timeout}
}

func (s *safePublisher) Publish(ctx context.Context, jobID, eventType string, payload map[string]any) error {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	if err := s.next.Publish(ctx, jobID, eventType, payload); err != nil {
		zap.L().Warn("progress: publish failed",
			zap.String("job_id", jobID),
			zap.String("type", eventType),
			zap.Error(err),
		)
	}
	return nil
}
