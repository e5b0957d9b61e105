package jobs

import (
	"context"
	"fmt"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// ErrQueueClosed is returned by Enqueue after Shutdown.
var ErrQueueClosed = eris.New("jobs: queue is shutting down")

// Runner executes one job until it completes, pauses, is cancelled or fails.
type Runner interface {
	Run(ctx context.Context, jobID string) error
}

// Queue is an in-process executor pool. A job id has at most one owner: an
// enqueue for a job that is already queued is ignored, and an enqueue for a
// job that is running schedules exactly one rerun after it returns.
type Queue struct {
	runner    Runner
	executors int

	ch      chan string
	wg      sync.WaitGroup
	senders sync.WaitGroup
	once    sync.Once

	mu      sync.Mutex
	closed  bool
	queued  map[string]bool
	running map[string]bool
	rerun   map[string]bool
}

// QueueOption configures a Queue.
type QueueOption func(*Queue)

// WithExecutors sets the number of jobs run concurrently.
func WithExecutors(n int) QueueOption {
	return func(q *Queue) {
		if n > 0 {
			q.executors = n
		}
	}
}

// WithQueueSize sets the channel buffer.
func WithQueueSize(n int) QueueOption {
	return func(q *Queue) {
		if n > 0 {
			q.ch = make(chan string, n)
		}
	}
}

// NewQueue creates a started Queue.
func NewQueue(runner Runner, opts ...QueueOption) *Queue {
	q := &Queue{
		runner:    runner,
		executors: 1,
		ch:        make(chan string, 64),
		queued:    make(map[string]bool),
		running:   make(map[string]bool),
		rerun:     make(map[string]bool),
	}
	for _, o := range opts {
		o(q)
	}
	q.start()
	return q
}

func (q *Queue) start() {
	q.once.Do(func() {
		for i := 0; i < q.executors; i++ {
			q.wg.Add(1)
			go func(executor int) {
				defer q.wg.Done()
				zap.L().Debug("jobs: executor started", zap.Int("executor", executor))
				for jobID := range q.ch {
					q.execute(executor, jobID)
				}
				zap.L().Debug("jobs: executor stopped", zap.Int("executor", executor))
			}(i + 1)
		}
	})
}

// Enqueue hands a job id to the executors. It blocks while the buffer is full
// until ctx is done.
func (q *Queue) Enqueue(ctx context.Context, jobID string) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	if q.queued[jobID] {
		q.mu.Unlock()
		zap.L().Debug("jobs: already queued", zap.String("job_id", jobID))
		return nil
	}
	if q.running[jobID] {
		q.rerun[jobID] = true
		q.mu.Unlock()
		zap.L().Debug("jobs: running, rerun scheduled", zap.String("job_id", jobID))
		return nil
	}
	q.queued[jobID] = true
	q.senders.Add(1)
	q.mu.Unlock()
	defer q.senders.Done()

	select {
	case q.ch <- jobID:
		zap.L().Info("jobs: queued", zap.String("job_id", jobID))
		return nil
	case <-ctx.Done():
		q.mu.Lock()
		delete(q.queued, jobID)
		q.mu.Unlock()
		return eris.Wrapf(ctx.Err(), "jobs: enqueue %s", jobID)
	}
}

func (q *Queue) execute(executor int, jobID string) {
	q.mu.Lock()
	delete(q.queued, jobID)
	q.running[jobID] = true
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		delete(q.running, jobID)
		again := q.rerun[jobID] && !q.closed
		delete(q.rerun, jobID)
		q.mu.Unlock()
		if again {
			go func() {
				if err := q.Enqueue(context.Background(), jobID); err != nil {
					zap.L().Warn("jobs: rerun enqueue failed", zap.String("job_id", jobID), zap.Error(err))
				}
			}()
		}
	}()

	defer func() {
		if r := recover(); r != nil {
			zap.L().Error("jobs: runner panic",
				zap.Int("executor", executor),
				zap.String("job_id", jobID),
				zap.String("panic", fmt.Sprint(r)),
			)
		}
	}()

	if err := q.runner.Run(context.Background(), jobID); err != nil {
		zap.L().Error("jobs: run failed", zap.Int("executor", executor), zap.String("job_id", jobID), zap.Error(err))
		return
	}
	zap.L().Info("jobs: run finished", zap.Int("executor", executor), zap.String("job_id", jobID))
}

// Shutdown stops accepting jobs and waits for queued and running jobs to
// return, or for ctx to be done.
func (q *Queue) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.mu.Unlock()
	q.senders.Wait()
	close(q.ch)

	done := make(chan struct{})
	go func() { defer close(done); q.wg.Wait() }()

	select {
	case <-ctx.Done():
		zap.L().Warn("jobs: shutdown interrupted by context")
		return eris.Wrap(ctx.Err(), "jobs: shutdown")
	case <-done:
		zap.L().Info("jobs: queue drained")
		return nil
	}
}
