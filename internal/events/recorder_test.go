package events

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/tapis-jobs/internal/storage"
	"github.com/ChuLiYu/tapis-jobs/internal/storage/memory"
	"github.com/ChuLiYu/tapis-jobs/pkg/types"
)

func newRecorder(t *testing.T) (*Recorder, *memory.Store, *types.Job) {
	t.Helper()
	s := memory.New()
	job := &types.Job{UUID: "job-1", Status: types.StatusStagingInputs}
	require.NoError(t, s.CreateJob(context.Background(), nil, job))
	return NewRecorder(s), s, job
}

func TestStatusEventDescription(t *testing.T) {
	ctx := context.Background()
	r, _, job := newRecorder(t)

	ev, err := r.RecordStatusEvent(ctx, nil, job, types.StatusPending, nil)
	require.NoError(t, err)
	assert.Equal(t, "The job has transitioned to a new status: PENDING", ev.Description)
	assert.Equal(t, types.StatusPending, ev.Status)
	assert.Equal(t, uint64(1), ev.Seq)

	old := types.StatusPending
	ev, err = r.RecordStatusEvent(ctx, nil, job, types.StatusProcessingInputs, &old)
	require.NoError(t, err)
	assert.Equal(t,
		"The job has transitioned to a new status: PROCESSING_INPUTS The previous job status was PENDING.",
		ev.Description)
	assert.Equal(t, uint64(2), ev.Seq)
	assert.False(t, ev.Created.IsZero())
}

func TestTransferEvents(t *testing.T) {
	ctx := context.Background()
	r, _, job := newRecorder(t)

	ev, err := r.RecordStagingInputsEvent(ctx, nil, job, "tx-42")
	require.NoError(t, err)
	assert.Equal(t, types.EventInputTransactionID, ev.EventType)
	assert.Equal(t, "tx-42", ev.OthUUID)
	assert.Equal(t, types.StatusStagingInputs, ev.Status)
	assert.Equal(t,
		"The job has requested the transfer of its input files. The Files service transaction id is tx-42.",
		ev.Description)

	job.Status = types.StatusArchiving
	ev, err = r.RecordArchivingEvent(ctx, nil, job, "tx-43")
	require.NoError(t, err)
	assert.Equal(t, types.EventArchiveTransactionID, ev.EventType)
	assert.Equal(t,
		"The job has requested the archiving of its output files. The Files service transaction id is tx-43.",
		ev.Description)
}

func TestErrorEventNumbersMessages(t *testing.T) {
	ctx := context.Background()
	r, _, job := newRecorder(t)

	ev, err := r.RecordErrorEvent(ctx, nil, job, types.StatusRunning, []string{"remote failed", "exit code 3"})
	require.NoError(t, err)
	assert.Equal(t,
		"The job experienced an error. The error message stack is: [1. remote failed 2. exit code 3]",
		ev.Description)

	ev, err = r.RecordErrorEvent(ctx, nil, job, types.StatusRunning, nil)
	require.NoError(t, err)
	assert.Equal(t, "The job experienced an error. The error message stack is: []", ev.Description)
}

func TestEventsJoinCallerTransaction(t *testing.T) {
	ctx := context.Background()
	r, s, job := newRecorder(t)

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	_, err = r.RecordStatusEvent(ctx, tx, job, types.StatusBlocked, nil)
	require.NoError(t, err)

	events, _ := s.ListEvents(ctx, job.UUID)
	assert.Empty(t, events)
	require.NoError(t, tx.Commit())
	events, _ = s.ListEvents(ctx, job.UUID)
	assert.Len(t, events, 1)
}

type failingAppender struct{}

func (failingAppender) AppendEvent(context.Context, storage.Tx, types.JobEvent) (types.JobEvent, error) {
	return types.JobEvent{}, errors.New("database is locked")
}

func TestPersistenceErrorSurfaces(t *testing.T) {
	r := NewRecorder(failingAppender{})
	_, err := r.RecordStatusEvent(context.Background(), nil, &types.Job{UUID: "j"}, types.StatusFailed, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database is locked")
}
