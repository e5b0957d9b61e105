// Package worker executes extraction jobs one document at a time.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/docextract/internal/model"
	"github.com/sells-group/docextract/internal/parse"
	"github.com/sells-group/docextract/internal/progress"
	"github.com/sells-group/docextract/internal/store"
)

// Defaults for Options.
const (
	DefaultFailureLimit    = 10
	DefaultCheckpointEvery = 10
)

// Pause reasons recorded on the job.
const (
	ReasonShutdown            = "system_shutdown"
	ReasonConsecutiveFailures = "consecutive_failures"
)

// Extractor runs one extraction call for a rendered prompt.
type Extractor interface {
	Extract(ctx context.Context, promptText string, cfg model.ModelConfig, documentText string) (parse.Result, error)
}

// EntityIdentifier finds the entities of a document. It never fails; when
// nothing is found it returns a single whole-document entity.
type EntityIdentifier interface {
	IdentifyDocument(ctx context.Context, segments []string, pattern, what string) []model.Entity
}

// Deps are the collaborators of a Worker.
type Deps struct {
	Store     store.Store
	Extractor Extractor
	// Entities is required for entity-level projects only.
	Entities  EntityIdentifier
	Publisher progress.Publisher
}

// Options tunes a Worker. Zero values select the defaults.
type Options struct {
	// FailureLimit is the run of consecutive failed documents that pauses a job.
	FailureLimit int
	// CheckpointEvery emits a checkpoint log line every n documents.
	CheckpointEvery int
	// VariableConcurrency bounds concurrent model calls within one document.
	VariableConcurrency int
	// PublishTimeout bounds each progress publish.
	PublishTimeout time.Duration
}

// Worker executes jobs. One Worker may run several jobs concurrently, but a
// job must have a single owner at a time.
type Worker struct {
	store     store.Store
	extractor Extractor
	entities  EntityIdentifier
	publisher progress.Publisher
	opts      Options
	now       func() time.Time
	shutdown  atomic.Bool
}

// New creates a Worker.
func New(deps Deps, opts Options) *Worker {
	if opts.FailureLimit <= 0 {
		opts.FailureLimit = DefaultFailureLimit
	}
	if opts.CheckpointEvery <= 0 {
		opts.CheckpointEvery = DefaultCheckpointEvery
	}
	if opts.VariableConcurrency <= 0 {
		opts.VariableConcurrency = 1
	}
	return &Worker{
		store:     deps.Store,
		extractor: deps.Extractor,
		entities:  deps.Entities,
		publisher: progress.Safe(deps.Publisher, opts.PublishTimeout),
		opts:      opts,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Shutdown asks every running job to pause at its next document boundary.
// The document in flight always finishes. Jobs not yet claimed stay PENDING.
func (w *Worker) Shutdown() {
	w.shutdown.Store(true)
}

// boundVariable pairs a variable with its active prompt.
type boundVariable struct {
	variable model.Variable
	prompt   *model.Prompt
}

// run is the state of one job execution.
type run struct {
	job       *model.ProcessingJob
	project   *model.Project
	variables []boundVariable
	attempted int
}

// Run executes a job until it completes, pauses, is cancelled or fails. It
// returns nil when the job stops for any reason other than a failure.
func (w *Worker) Run(ctx context.Context, jobID string) error {
	log := zap.L().With(zap.String("job_id", jobID))

	job, err := w.store.GetJob(ctx, jobID)
	if err != nil {
		log.Error("worker: load job", zap.Error(err))
		return eris.Wrapf(err, "worker: load job %s", jobID)
	}
	if err := job.Status.CheckTransition(model.JobProcessing); err != nil {
		log.Info("worker: job not claimable", zap.String("status", string(job.Status)))
		return err
	}

	if w.shutdown.Load() {
		log.Info("worker: shutting down, job left pending")
		return nil
	}

	done, err := w.doneSet(ctx, job)
	if err != nil {
		return eris.Wrap(err, "worker: load resume set")
	}
	if err := w.claim(ctx, job, done); err != nil {
		if errors.Is(err, store.ErrConflict) {
			log.Info("worker: job claimed elsewhere")
		}
		return err
	}

	r, err := w.prepare(ctx, job)
	if err != nil {
		return w.fail(ctx, job, err)
	}
	log.Info("worker: processing",
		zap.Int("documents", job.TotalDocuments()),
		zap.Int("already_processed", job.DocumentsProcessed),
		zap.Int("variables", len(r.variables)),
		zap.Bool("entity_level", r.project.IsEntityLevel()),
	)

	for _, docID := range job.DocumentIDs {
		if done[docID] {
			continue
		}
		if stop, err := w.boundary(ctx, r); stop {
			return err
		}

		failed, err := w.processDocument(ctx, r, docID)
		if err != nil {
			if ctx.Err() != nil {
				return w.pause(ctx, r, ReasonShutdown)
			}
			return w.fail(ctx, job, err)
		}
		if failed && job.ConsecutiveFailures >= w.opts.FailureLimit {
			log.Warn("worker: consecutive failure limit reached", zap.Int("consecutive_failures", job.ConsecutiveFailures))
			return w.pause(ctx, r, ReasonConsecutiveFailures)
		}
	}

	return w.complete(ctx, r)
}

// doneSet returns the documents of job that already hold extractions.
func (w *Worker) doneSet(ctx context.Context, job *model.ProcessingJob) (map[string]bool, error) {
	ids, err := w.store.ExtractedDocumentIDs(ctx, job.ID)
	if err != nil {
		return nil, err
	}
	done := make(map[string]bool, len(ids))
	for _, id := range ids {
		done[id] = true
	}
	return done, nil
}

// claim moves the job to PROCESSING and reconciles its counters with the
// extractions already stored.
func (w *Worker) claim(ctx context.Context, job *model.ProcessingJob, done map[string]bool) error {
	resumed := job.DocumentsProcessed > 0

	processed := 0
	for _, id := range job.DocumentIDs {
		if done[id] {
			processed++
		}
	}
	job.DocumentsProcessed = processed
	job.DocumentsFailed = 0
	job.ConsecutiveFailures = 0
	job.Progress = job.ComputeProgress()

	started := job.StartedAt
	if started == nil {
		now := w.now()
		started = &now
	}
	err := w.store.UpdateJobStatus(ctx, job.ID, store.StatusUpdate{
		To:                       model.JobProcessing,
		From:                     []model.JobStatus{model.JobPending},
		StartedAt:                started,
		Progress:                 &job.Progress,
		DocumentsProcessed:       &job.DocumentsProcessed,
		DocumentsFailed:          &job.DocumentsFailed,
		ResetConsecutiveFailures: true,
	})
	if err != nil {
		return eris.Wrapf(err, "worker: claim job %s", job.ID)
	}
	job.Status = model.JobProcessing
	job.StartedAt = started

	entry := &model.ProcessingLog{
		JobID:     job.ID,
		EventType: model.EventJobStarted,
		Level:     model.LevelInfo,
		Message:   fmt.Sprintf("Job started with %d documents", job.TotalDocuments()),
		Metadata:  map[string]any{"total_documents": job.TotalDocuments(), "job_type": string(job.JobType)},
	}
	if resumed {
		entry.EventType = model.EventJobResumed
		entry.Message = fmt.Sprintf("Job resumed with %d of %d documents already processed", processed, job.TotalDocuments())
		entry.Metadata["documents_processed"] = processed
	}
	w.appendLog(ctx, w.store, entry)
	w.publish(ctx, job.ID, progress.EventJobStarted, map[string]any{
		"resumed":         resumed,
		"total_documents": job.TotalDocuments(),
	})
	return nil
}

// prepare loads the project, its variables and their active prompts.
func (w *Worker) prepare(ctx context.Context, job *model.ProcessingJob) (*run, error) {
	project, err := w.store.GetProject(ctx, job.ProjectID)
	if err != nil {
		return nil, eris.Wrap(err, "worker: load project")
	}
	vars, err := w.store.ListVariables(ctx, job.ProjectID)
	if err != nil {
		return nil, eris.Wrap(err, "worker: load variables")
	}
	if len(vars) == 0 {
		return nil, eris.Errorf("worker: project %s has no variables", job.ProjectID)
	}
	if project.IsEntityLevel() && w.entities == nil {
		return nil, eris.New("worker: entity-level project but no entity identifier configured")
	}

	bound := make([]boundVariable, 0, len(vars))
	for _, v := range vars {
		p, err := w.store.GetActivePrompt(ctx, v.ID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, eris.Errorf("worker: variable %s has no active prompt", v.Name)
			}
			return nil, eris.Wrapf(err, "worker: load prompt for %s", v.Name)
		}
		bound = append(bound, boundVariable{variable: v, prompt: p})
	}
	return &run{job: job, project: project, variables: bound}, nil
}

// boundary runs the checks made before each document. It reports whether
// the job must stop.
func (w *Worker) boundary(ctx context.Context, r *run) (bool, error) {
	if w.shutdown.Load() || ctx.Err() != nil {
		return true, w.pause(ctx, r, ReasonShutdown)
	}
	current, err := w.store.GetJob(ctx, r.job.ID)
	if err != nil {
		return true, w.fail(ctx, r.job, eris.Wrap(err, "worker: re-read job"))
	}
	if current.Status == model.JobProcessing {
		return false, nil
	}
	w.observeStop(ctx, r, current)
	return true, nil
}

// observeStop records a pause or cancel applied to the job by someone else.
func (w *Worker) observeStop(ctx context.Context, r *run, current *model.ProcessingJob) {
	ctx = context.WithoutCancel(ctx)
	log := zap.L().With(zap.String("job_id", r.job.ID))
	reason := current.ErrorMessage

	switch current.Status {
	case model.JobPaused:
		log.Info("worker: job paused", zap.String("reason", reason))
		w.appendLog(ctx, w.store, &model.ProcessingLog{
			JobID:     r.job.ID,
			EventType: model.EventJobPaused,
			Level:     model.LevelInfo,
			Message:   "Job paused at document boundary",
			Metadata:  map[string]any{"reason": reason, "documents_processed": r.job.DocumentsProcessed},
		})
		w.publish(ctx, r.job.ID, progress.EventJobPaused, progress.ReasonPayload(reason))
	case model.JobCancelled:
		log.Info("worker: job cancelled", zap.String("reason", reason))
		w.appendLog(ctx, w.store, &model.ProcessingLog{
			JobID:     r.job.ID,
			EventType: model.EventJobCancelled,
			Level:     model.LevelInfo,
			Message:   "Job cancelled at document boundary",
			Metadata:  map[string]any{"reason": reason, "documents_processed": r.job.DocumentsProcessed},
		})
		w.publish(ctx, r.job.ID, progress.EventJobCancelled, progress.ReasonPayload(reason))
	default:
		log.Warn("worker: job left processing unexpectedly", zap.String("status", string(current.Status)))
	}
}

// pause moves the job to PAUSED on the worker's own initiative.
func (w *Worker) pause(ctx context.Context, r *run, reason string) error {
	ctx = context.WithoutCancel(ctx)
	err := w.store.UpdateJobStatus(ctx, r.job.ID, store.StatusUpdate{
		To:           model.JobPaused,
		From:         []model.JobStatus{model.JobProcessing},
		ErrorMessage: &reason,
	})
	if errors.Is(err, store.ErrConflict) {
		return w.observeCurrent(ctx, r)
	}
	if err != nil {
		return eris.Wrapf(err, "worker: pause job %s", r.job.ID)
	}
	r.job.Status = model.JobPaused

	level := model.LevelInfo
	message := "Job paused for shutdown"
	if reason == ReasonConsecutiveFailures {
		level = model.LevelWarning
		message = fmt.Sprintf("Job paused after %d consecutive document failures", r.job.ConsecutiveFailures)
	}
	zap.L().Info("worker: job paused", zap.String("job_id", r.job.ID), zap.String("reason", reason))
	w.appendLog(ctx, w.store, &model.ProcessingLog{
		JobID:     r.job.ID,
		EventType: model.EventJobPaused,
		Level:     level,
		Message:   message,
		Metadata: map[string]any{
			"reason":               reason,
			"documents_processed":  r.job.DocumentsProcessed,
			"documents_failed":     r.job.DocumentsFailed,
			"consecutive_failures": r.job.ConsecutiveFailures,
		},
	})
	w.publish(ctx, r.job.ID, progress.EventJobPaused, progress.ReasonPayload(reason))
	return nil
}

// complete moves the job to COMPLETE.
func (w *Worker) complete(ctx context.Context, r *run) error {
	ctx = context.WithoutCancel(ctx)
	job := r.job
	now := w.now()
	full := 100
	err := w.store.UpdateJobStatus(ctx, job.ID, store.StatusUpdate{
		To:          model.JobComplete,
		From:        []model.JobStatus{model.JobProcessing},
		Progress:    &full,
		CompletedAt: &now,
	})
	if errors.Is(err, store.ErrConflict) {
		return w.observeCurrent(ctx, r)
	}
	if err != nil {
		return w.fail(ctx, job, eris.Wrap(err, "worker: complete job"))
	}
	job.Status = model.JobComplete
	job.Progress = full
	job.CompletedAt = &now

	zap.L().Info("worker: job completed",
		zap.String("job_id", job.ID),
		zap.Int("documents_processed", job.DocumentsProcessed),
		zap.Int("documents_failed", job.DocumentsFailed),
	)
	w.appendLog(ctx, w.store, &model.ProcessingLog{
		JobID:     job.ID,
		EventType: model.EventJobCompleted,
		Level:     model.LevelInfo,
		Message:   fmt.Sprintf("Job completed: %d processed, %d failed", job.DocumentsProcessed, job.DocumentsFailed),
		Metadata: map[string]any{
			"documents_processed": job.DocumentsProcessed,
			"documents_failed":    job.DocumentsFailed,
		},
	})
	w.publish(ctx, job.ID, progress.EventJobCompleted, map[string]any{
		"documents_processed": job.DocumentsProcessed,
		"documents_failed":    job.DocumentsFailed,
		"total_documents":     job.TotalDocuments(),
	})
	return nil
}

// observeCurrent re-reads the job after a lost compare-and-set.
func (w *Worker) observeCurrent(ctx context.Context, r *run) error {
	current, err := w.store.GetJob(ctx, r.job.ID)
	if err != nil {
		return eris.Wrap(err, "worker: re-read job")
	}
	w.observeStop(ctx, r, current)
	return nil
}

// fail moves the job to FAILED and returns cause.
func (w *Worker) fail(ctx context.Context, job *model.ProcessingJob, cause error) error {
	ctx = context.WithoutCancel(ctx)
	msg := cause.Error()
	now := w.now()

	zap.L().Error("worker: job failed", zap.String("job_id", job.ID), zap.Error(cause))
	if err := w.store.UpdateJobStatus(ctx, job.ID, store.StatusUpdate{
		To:           model.JobFailed,
		From:         []model.JobStatus{model.JobProcessing},
		ErrorMessage: &msg,
		CompletedAt:  &now,
	}); err != nil {
		zap.L().Warn("worker: mark job failed", zap.String("job_id", job.ID), zap.Error(err))
	} else {
		job.Status = model.JobFailed
	}
	w.appendLog(ctx, w.store, &model.ProcessingLog{
		JobID:     job.ID,
		EventType: model.EventJobFailed,
		Level:     model.LevelError,
		Message:   "Job failed: " + msg,
	})
	w.publish(ctx, job.ID, progress.EventJobFailed, progress.ReasonPayload(msg))
	return cause
}

type logAppender interface {
	AppendLog(ctx context.Context, entry *model.ProcessingLog) error
}

// appendLog writes an audit entry outside the per-document transaction.
// A failed write is logged and otherwise ignored.
func (w *Worker) appendLog(ctx context.Context, dst logAppender, entry *model.ProcessingLog) {
	if err := dst.AppendLog(ctx, entry); err != nil {
		zap.L().Warn("worker: append processing log",
			zap.String("job_id", entry.JobID),
			zap.String("event", string(entry.EventType)),
			zap.Error(err),
		)
	}
}

func (w *Worker) publish(ctx context.Context, jobID, eventType string, payload map[string]any) {
	_ = w.publisher.Publish(ctx, jobID, eventType, payload)
}
