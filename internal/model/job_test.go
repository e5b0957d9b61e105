package model

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobStatus_CanTransition(t *testing.T) {
	t.Parallel()

	tests := []struct {
		from JobStatus
		to   JobStatus
		want bool
	}{
		{JobPending, JobProcessing, true},
		{JobPending, JobCancelled, true},
		{JobPending, JobComplete, false},
		{JobProcessing, JobComplete, true},
		{JobProcessing, JobFailed, true},
		{JobProcessing, JobCancelled, true},
		{JobProcessing, JobPaused, true},
		{JobProcessing, JobPending, false},
		{JobPaused, JobPending, true},
		{JobPaused, JobCancelled, true},
		{JobPaused, JobProcessing, false},
		{JobComplete, JobPaused, false},
		{JobFailed, JobPending, false},
		{JobCancelled, JobPending, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, tt.from.CanTransition(tt.to))
		})
	}
}

func TestJobStatus_PauseCompleteRejected(t *testing.T) {
	t.Parallel()

	err := JobComplete.CheckTransition(JobPaused)
	require.Error(t, err)

	var te *TransitionError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, JobComplete, te.From)
	assert.Contains(t, te.UserMessage(), "Only a processing job can be paused")
}

func TestJobStatus_ResumeProcessingRejected(t *testing.T) {
	t.Parallel()

	err := JobProcessing.CheckTransition(JobPending)
	require.Error(t, err)
	assert.Contains(t, err.(*TransitionError).UserMessage(), "Only a paused job can be resumed")
}

func TestJobStatus_PausedResumeClaimPath(t *testing.T) {
	t.Parallel()

	require.NoError(t, JobPaused.CheckTransition(JobPending))
	require.NoError(t, JobPending.CheckTransition(JobProcessing))
}

func TestJobStatus_IsTerminal(t *testing.T) {
	t.Parallel()

	assert.True(t, JobComplete.IsTerminal())
	assert.True(t, JobFailed.IsTerminal())
	assert.True(t, JobCancelled.IsTerminal())
	assert.False(t, JobPaused.IsTerminal())
	assert.False(t, JobPending.IsTerminal())
	assert.False(t, JobProcessing.IsTerminal())
}

func TestProcessingJob_ComputeProgress(t *testing.T) {
	t.Parallel()

	job := &ProcessingJob{DocumentIDs: []string{"a", "b", "c"}}
	assert.Equal(t, 0, job.ComputeProgress())

	job.DocumentsProcessed = 1
	assert.Equal(t, 33, job.ComputeProgress())

	job.DocumentsFailed = 1
	assert.Equal(t, 66, job.ComputeProgress())

	job.DocumentsProcessed = 2
	assert.Equal(t, 100, job.ComputeProgress())

	job.DocumentsFailed = 5
	assert.Equal(t, 100, job.ComputeProgress())
}

func TestProcessingJob_ObserveDuration(t *testing.T) {
	t.Parallel()

	job := &ProcessingJob{}
	job.ObserveDuration(10)
	assert.InDelta(t, 10.0, job.AvgSecondsPerDoc, 1e-9)

	job.ObserveDuration(20)
	assert.InDelta(t, 13.0, job.AvgSecondsPerDoc, 1e-9)
}

func TestProcessingJob_ETASeconds(t *testing.T) {
	t.Parallel()

	job := &ProcessingJob{DocumentIDs: []string{"a", "b", "c", "d"}, AvgSecondsPerDoc: 2.5}
	job.DocumentsProcessed = 1
	assert.InDelta(t, 7.5, job.ETASeconds(), 1e-9)

	job.DocumentsProcessed = 4
	assert.Zero(t, job.ETASeconds())
}
