// Package jobs creates processing jobs, applies pause/resume/cancel requests
// and hands job ids to the in-process executor queue.
package jobs

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/docextract/internal/model"
	"github.com/sells-group/docextract/internal/progress"
	"github.com/sells-group/docextract/internal/store"
)

// DefaultSampleSize bounds the documents of a SAMPLE job.
const DefaultSampleSize = 10

const recoverLimit = 10000

// ErrInvalidRequest marks a create request that can never succeed.
var ErrInvalidRequest = eris.New("jobs: invalid request")

// Enqueuer accepts job ids for execution.
type Enqueuer interface {
	Enqueue(ctx context.Context, jobID string) error
}

// CreateRequest describes a new job. An empty DocumentIDs selects every
// document of the project.
type CreateRequest struct {
	ProjectID   string        `json:"project_id"`
	JobType     model.JobType `json:"job_type"`
	DocumentIDs []string      `json:"document_ids,omitempty"`
}

// Manager owns job creation and user-driven status changes. Only the worker
// moves a job into or out of PROCESSING on its own.
type Manager struct {
	store      store.Store
	queue      Enqueuer
	publisher  progress.Publisher
	sampleSize int
	now        func() time.Time
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithSampleSize overrides DefaultSampleSize.
func WithSampleSize(n int) ManagerOption {
	return func(m *Manager) {
		if n > 0 {
			m.sampleSize = n
		}
	}
}

// WithPublisher sets the sink for events the manager emits itself.
func WithPublisher(p progress.Publisher) ManagerOption {
	return func(m *Manager) {
		if p != nil {
			m.publisher = p
		}
	}
}

// NewManager creates a Manager. queue may be nil when jobs are run by hand.
func NewManager(st store.Store, queue Enqueuer, opts ...ManagerOption) *Manager {
	m := &Manager{
		store:      st,
		queue:      queue,
		publisher:  progress.Nop{},
		sampleSize: DefaultSampleSize,
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Create validates req, stores a PENDING job and enqueues it.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*model.ProcessingJob, error) {
	jobType := model.JobType(strings.ToUpper(string(req.JobType)))
	if jobType == "" {
		jobType = model.JobTypeFull
	}
	if jobType != model.JobTypeSample && jobType != model.JobTypeFull {
		return nil, eris.Wrapf(ErrInvalidRequest, "unknown job type %q", req.JobType)
	}
	if strings.TrimSpace(req.ProjectID) == "" {
		return nil, eris.Wrap(ErrInvalidRequest, "project_id is required")
	}
	if _, err := m.store.GetProject(ctx, req.ProjectID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, eris.Wrapf(ErrInvalidRequest, "project %s does not exist", req.ProjectID)
		}
		return nil, eris.Wrap(err, "jobs: load project")
	}

	docIDs := dedupe(req.DocumentIDs)
	if len(docIDs) == 0 {
		all, err := m.store.ListDocumentIDs(ctx, req.ProjectID)
		if err != nil {
			return nil, eris.Wrap(err, "jobs: list documents")
		}
		docIDs = all
	}
	if len(docIDs) == 0 {
		return nil, eris.Wrap(ErrInvalidRequest, "a job needs at least one document")
	}
	if jobType == model.JobTypeSample && len(docIDs) > m.sampleSize {
		docIDs = docIDs[:m.sampleSize]
	}

	job := &model.ProcessingJob{
		ProjectID:   req.ProjectID,
		JobType:     jobType,
		Status:      model.JobPending,
		DocumentIDs: docIDs,
	}
	if err := m.store.CreateJob(ctx, job); err != nil {
		return nil, eris.Wrap(err, "jobs: create")
	}
	zap.L().Info("jobs: created",
		zap.String("job_id", job.ID),
		zap.String("project_id", job.ProjectID),
		zap.String("job_type", string(job.JobType)),
		zap.Int("documents", len(docIDs)),
	)

	if err := m.enqueue(ctx, job.ID); err != nil {
		return job, err
	}
	return job, nil
}

// Get returns a job by id.
func (m *Manager) Get(ctx context.Context, id string) (*model.ProcessingJob, error) {
	job, err := m.store.GetJob(ctx, id)
	if err != nil {
		return nil, eris.Wrap(err, "jobs: get")
	}
	return job, nil
}

// List returns jobs matching filter, newest first.
func (m *Manager) List(ctx context.Context, filter store.JobFilter) ([]model.ProcessingJob, error) {
	jobs, err := m.store.ListJobs(ctx, filter)
	return jobs, eris.Wrap(err, "jobs: list")
}

// Logs returns the audit trail of a job.
func (m *Manager) Logs(ctx context.Context, id string, limit int) ([]model.ProcessingLog, error) {
	if _, err := m.store.GetJob(ctx, id); err != nil {
		return nil, eris.Wrap(err, "jobs: logs")
	}
	logs, err := m.store.ListLogs(ctx, id, limit)
	return logs, eris.Wrap(err, "jobs: logs")
}

// Extractions returns the stored results of a job, optionally for one document.
func (m *Manager) Extractions(ctx context.Context, id, documentID string) ([]model.Extraction, error) {
	if _, err := m.store.GetJob(ctx, id); err != nil {
		return nil, eris.Wrap(err, "jobs: extractions")
	}
	rows, err := m.store.ListExtractions(ctx, id, documentID)
	return rows, eris.Wrap(err, "jobs: extractions")
}

// Pause asks a processing job to stop at its next document boundary.
func (m *Manager) Pause(ctx context.Context, id string) (*model.ProcessingJob, error) {
	reason := "user_requested"
	return m.transition(ctx, id, store.StatusUpdate{
		To:           model.JobPaused,
		ErrorMessage: &reason,
	})
}

// Resume moves a paused job back to PENDING, resets its failure streak and
// enqueues it again.
func (m *Manager) Resume(ctx context.Context, id string) (*model.ProcessingJob, error) {
	cleared := ""
	job, err := m.transition(ctx, id, store.StatusUpdate{
		To:                       model.JobPending,
		ErrorMessage:             &cleared,
		ResetConsecutiveFailures: true,
	})
	if err != nil {
		return nil, err
	}
	if err := m.enqueue(ctx, id); err != nil {
		return job, err
	}
	return job, nil
}

// Cancel stops a job for good. A processing job stops at its next document
// boundary; a pending or paused one is cancelled immediately.
func (m *Manager) Cancel(ctx context.Context, id string) (*model.ProcessingJob, error) {
	completed := m.now()
	reason := "user_requested"
	return m.transition(ctx, id, store.StatusUpdate{
		To:           model.JobCancelled,
		ErrorMessage: &reason,
		CompletedAt:  &completed,
	})
}

// Recover prepares stored jobs after a restart. Jobs left PROCESSING by a
// dead process are paused with reason system_shutdown, because no worker
// owns them; PENDING jobs are enqueued again.
func (m *Manager) Recover(ctx context.Context) (requeued, paused int, err error) {
	orphans, err := m.store.ListJobs(ctx, store.JobFilter{Status: model.JobProcessing, Limit: recoverLimit})
	if err != nil {
		return 0, 0, eris.Wrap(err, "jobs: list processing")
	}
	reason := "system_shutdown"
	for _, job := range orphans {
		err := m.store.UpdateJobStatus(ctx, job.ID, store.StatusUpdate{
			To:           model.JobPaused,
			From:         []model.JobStatus{model.JobProcessing},
			ErrorMessage: &reason,
		})
		if errors.Is(err, store.ErrConflict) {
			continue
		}
		if err != nil {
			return requeued, paused, eris.Wrapf(err, "jobs: pause orphaned %s", job.ID)
		}
		if err := m.store.AppendLog(ctx, &model.ProcessingLog{
			JobID:     job.ID,
			EventType: model.EventJobPaused,
			Level:     model.LevelWarning,
			Message:   "Job paused after an unclean shutdown",
			Metadata:  map[string]any{"reason": reason, "documents_processed": job.DocumentsProcessed},
		}); err != nil {
			zap.L().Warn("jobs: append recovery log", zap.String("job_id", job.ID), zap.Error(err))
		}
		paused++
	}

	pending, err := m.store.ListJobs(ctx, store.JobFilter{Status: model.JobPending, Limit: recoverLimit})
	if err != nil {
		return requeued, paused, eris.Wrap(err, "jobs: list pending")
	}
	// ListJobs is newest first; run the oldest first.
	for i := len(pending) - 1; i >= 0; i-- {
		if err := m.enqueue(ctx, pending[i].ID); err != nil {
			return requeued, paused, err
		}
		requeued++
	}
	if requeued > 0 || paused > 0 {
		zap.L().Info("jobs: recovered", zap.Int("requeued", requeued), zap.Int("paused", paused))
	}
	return requeued, paused, nil
}

// transition applies upd from the job's current status. A concurrent change
// surfaces as a *model.TransitionError against the new status.
func (m *Manager) transition(ctx context.Context, id string, upd store.StatusUpdate) (*model.ProcessingJob, error) {
	for attempt := 0; attempt < 2; attempt++ {
		job, err := m.store.GetJob(ctx, id)
		if err != nil {
			return nil, eris.Wrap(err, "jobs: load")
		}
		if err := job.Status.CheckTransition(upd.To); err != nil {
			return nil, err
		}

		upd.From = []model.JobStatus{job.Status}
		err = m.store.UpdateJobStatus(ctx, id, upd)
		if errors.Is(err, store.ErrConflict) {
			continue
		}
		if err != nil {
			return nil, eris.Wrap(err, "jobs: update status")
		}

		prev := job.Status
		job.Status = upd.To
		if upd.ErrorMessage != nil {
			job.ErrorMessage = *upd.ErrorMessage
		}
		if upd.ResetConsecutiveFailures {
			job.ConsecutiveFailures = 0
		}
		zap.L().Info("jobs: status changed",
			zap.String("job_id", id),
			zap.String("from", string(prev)),
			zap.String("to", string(upd.To)),
		)
		m.recordIdle(ctx, job, prev)
		return job, nil
	}

	job, err := m.store.GetJob(ctx, id)
	if err != nil {
		return nil, eris.Wrap(err, "jobs: load")
	}
	return nil, &model.TransitionError{From: job.Status, To: upd.To}
}

// recordIdle logs and publishes a cancel for a job no worker owns. A running
// job's worker records the change when it observes it.
func (m *Manager) recordIdle(ctx context.Context, job *model.ProcessingJob, prev model.JobStatus) {
	if job.Status != model.JobCancelled || prev == model.JobProcessing {
		return
	}
	entry := &model.ProcessingLog{
		JobID:     job.ID,
		EventType: model.EventJobCancelled,
		Level:     model.LevelInfo,
		Message:   "Job cancelled before processing resumed",
		Metadata:  map[string]any{"previous_status": string(prev)},
	}
	if err := m.store.AppendLog(ctx, entry); err != nil {
		zap.L().Warn("jobs: append cancel log", zap.String("job_id", job.ID), zap.Error(err))
	}
	_ = m.publisher.Publish(ctx, job.ID, progress.EventJobCancelled, progress.ReasonPayload("user_requested"))
}

func (m *Manager) enqueue(ctx context.Context, id string) error {
	if m.queue == nil {
		return nil
	}
	return eris.Wrapf(m.queue.Enqueue(ctx, id), "jobs: enqueue %s", id)
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
