package async

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/vigil/errors"
)

func TestNewJob(t *testing.T) {
	job, err := NewJob("remux", "", nil)
	require.NoError(t, err)
	assert.NotEmpty(t, job.ID)
	assert.Equal(t, StateQueued, job.State)
	assert.Equal(t, SourceAPI, job.Source)
	assert.NotNil(t, job.Payload)
	assert.False(t, job.Deferred)

	_, err = NewJob("", SourceCLI, nil)
	assert.True(t, errors.IsInvalidRequest(err))
}

func TestJobDefer(t *testing.T) {
	job, err := NewJob("proxy", SourceRule, nil)
	require.NoError(t, err)

	next := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	job.Defer("quiet_period:30s_remaining", next)

	assert.True(t, job.Deferred)
	assert.Equal(t, StateQueued, job.State)
	require.NotNil(t, job.NextRunAt)
	assert.True(t, job.NextRunAt.Equal(next))
	assert.NoError(t, job.Validate())
}

func TestJobValidate_DeferredInvariant(t *testing.T) {
	job, err := NewJob("proxy", SourceRule, nil)
	require.NoError(t, err)

	job.Deferred = true
	assert.ErrorIs(t, job.Validate(), errors.ErrInvalidTransition, "deferred without next_run_at")

	job.Defer("active_hours", time.Now())
	job.State = StateRunning
	assert.ErrorIs(t, job.Validate(), errors.ErrInvalidTransition, "running and deferred")

	job.State = "paused"
	assert.True(t, errors.IsInvalidRequest(job.Validate()))
}

func TestJobStateTerminal(t *testing.T) {
	assert.False(t, StateQueued.Terminal())
	assert.False(t, StateRunning.Terminal())
	assert.True(t, StateCompleted.Terminal())
	assert.True(t, StateFailed.Terminal())
	assert.True(t, StateCanceled.Terminal())
}

func TestJobFilePath(t *testing.T) {
	job := &Job{Payload: map[string]interface{}{"path": "/rec/a.mkv"}}
	assert.Equal(t, "/rec/a.mkv", job.FilePath())

	job.Gate = &Gate{FilePath: "/rec/b.mkv"}
	assert.Equal(t, "/rec/b.mkv", job.FilePath())
}
