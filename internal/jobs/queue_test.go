package jobs

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRunner struct {
	mu      sync.Mutex
	calls   map[string]int
	release chan struct{}
	started chan string
	panicOn string
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{calls: map[string]int{}, started: make(chan string, 16)}
}

func (r *fakeRunner) Run(_ context.Context, jobID string) error {
	r.mu.Lock()
	r.calls[jobID]++
	r.mu.Unlock()
	r.started <- jobID
	if r.release != nil {
		<-r.release
	}
	if jobID == r.panicOn {
		panic("boom")
	}
	return nil
}

func (r *fakeRunner) count(jobID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[jobID]
}

func TestQueue_RunsJobs(t *testing.T) {
	r := newFakeRunner()
	q := NewQueue(r, WithExecutors(2))

	require.NoError(t, q.Enqueue(context.Background(), "a"))
	require.NoError(t, q.Enqueue(context.Background(), "b"))
	require.NoError(t, q.Shutdown(context.Background()))

	assert.Equal(t, 1, r.count("a"))
	assert.Equal(t, 1, r.count("b"))
}

func TestQueue_DuplicateQueuedIgnored(t *testing.T) {
	r := newFakeRunner()
	r.release = make(chan struct{})
	q := NewQueue(r, WithExecutors(1))

	require.NoError(t, q.Enqueue(context.Background(), "busy"))
	<-r.started

	// "a" waits behind "busy"; a second enqueue of it is a no-op.
	require.NoError(t, q.Enqueue(context.Background(), "a"))
	require.NoError(t, q.Enqueue(context.Background(), "a"))

	close(r.release)
	require.NoError(t, q.Shutdown(context.Background()))
	assert.Equal(t, 1, r.count("a"))
}

func TestQueue_EnqueueWhileRunningSchedulesRerun(t *testing.T) {
	r := newFakeRunner()
	r.release = make(chan struct{})
	q := NewQueue(r, WithExecutors(2))

	require.NoError(t, q.Enqueue(context.Background(), "job"))
	<-r.started
	require.NoError(t, q.Enqueue(context.Background(), "job"))
	require.NoError(t, q.Enqueue(context.Background(), "job"))
	assert.Equal(t, 1, r.count("job"), "a running job has a single owner")

	close(r.release)
	select {
	case <-r.started:
	case <-time.After(5 * time.Second):
		t.Fatal("rerun did not start")
	}
	require.NoError(t, q.Shutdown(context.Background()))
	assert.Equal(t, 2, r.count("job"))
}

func TestQueue_RecoversPanics(t *testing.T) {
	r := newFakeRunner()
	r.panicOn = "bad"
	q := NewQueue(r)

	require.NoError(t, q.Enqueue(context.Background(), "bad"))
	require.NoError(t, q.Enqueue(context.Background(), "good"))
	require.NoError(t, q.Shutdown(context.Background()))
	assert.Equal(t, 1, r.count("good"))
}

func TestQueue_ClosedRejects(t *testing.T) {
	q := NewQueue(newFakeRunner())
	require.NoError(t, q.Shutdown(context.Background()))
	assert.ErrorIs(t, q.Enqueue(context.Background(), "late"), ErrQueueClosed)
	assert.NoError(t, q.Shutdown(context.Background()))
}

func TestQueue_ShutdownHonoursContext(t *testing.T) {
	r := newFakeRunner()
	r.release = make(chan struct{})
	defer close(r.release)
	q := NewQueue(r)

	require.NoError(t, q.Enqueue(context.Background(), "slow"))
	<-r.started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.Error(t, q.Shutdown(ctx))
}
