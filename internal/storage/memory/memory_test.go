package memory

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/tapis-jobs/internal/storage"
	"github.com/ChuLiYu/tapis-jobs/pkg/types"
)

func newTestJob(id string, status types.JobStatus) *types.Job {
	return &types.Job{UUID: id, Status: status, Created: time.Now()}
}

func TestCreateLoadSave(t *testing.T) {
	ctx := context.Background()
	s := New()

	job := newTestJob("job-1", types.StatusPending)
	require.NoError(t, s.CreateJob(ctx, nil, job))
	assert.ErrorIs(t, s.CreateJob(ctx, nil, job), storage.ErrDuplicateJob)

	loaded, err := s.LoadJob(ctx, "job-1")
	require.NoError(t, err)
	loaded.Status = types.StatusProcessingInputs

	stored, _ := s.LoadJob(ctx, "job-1")
	assert.Equal(t, types.StatusPending, stored.Status, "LoadJob must return a copy")

	require.NoError(t, s.SaveJob(ctx, nil, loaded))
	pending, _ := s.ListJobs(ctx, types.StatusPending)
	processing, _ := s.ListJobs(ctx, types.StatusProcessingInputs)
	assert.Empty(t, pending)
	assert.Len(t, processing, 1)

	_, err = s.LoadJob(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrJobNotFound)
	assert.ErrorIs(t, s.SaveJob(ctx, nil, newTestJob("missing", types.StatusPending)), storage.ErrJobNotFound)
}

func TestTxCommitAndRollback(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.CreateJob(ctx, nil, newTestJob("job-1", types.StatusPending)))

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	job := newTestJob("job-1", types.StatusProcessingInputs)
	require.NoError(t, s.SaveJob(ctx, tx, job))
	ev, err := s.AppendEvent(ctx, tx, types.JobEvent{JobUUID: "job-1", EventType: types.EventNewStatus})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), ev.Seq)

	stored, _ := s.LoadJob(ctx, "job-1")
	assert.Equal(t, types.StatusPending, stored.Status, "staged writes are invisible before commit")

	require.NoError(t, tx.Rollback())
	assert.ErrorIs(t, tx.Commit(), storage.ErrTxDone)
	events, _ := s.ListEvents(ctx, "job-1")
	assert.Empty(t, events)

	tx, _ = s.Begin(ctx)
	require.NoError(t, s.SaveJob(ctx, tx, job))
	ev, err = s.AppendEvent(ctx, tx, types.JobEvent{JobUUID: "job-1", EventType: types.EventNewStatus})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), ev.Seq, "sequence numbers are never reused")
	require.NoError(t, tx.Commit())

	stored, _ = s.LoadJob(ctx, "job-1")
	assert.Equal(t, types.StatusProcessingInputs, stored.Status)
	events, _ = s.ListEvents(ctx, "job-1")
	require.Len(t, events, 1)
	assert.Equal(t, uint64(2), events[0].Seq)
}

func TestForeignTxRejected(t *testing.T) {
	ctx := context.Background()
	a, b := New(), New()
	tx, err := a.Begin(ctx)
	require.NoError(t, err)
	assert.ErrorIs(t, b.SaveJob(ctx, tx, newTestJob("x", types.StatusPending)), storage.ErrForeignTx)
}

func TestEventSequencePerJobUnderConcurrency(t *testing.T) {
	ctx := context.Background()
	s := New()
	for i := 0; i < 4; i++ {
		require.NoError(t, s.CreateJob(ctx, nil, newTestJob(fmt.Sprintf("job-%d", i), types.StatusPending)))
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		id := fmt.Sprintf("job-%d", i)
		for k := 0; k < 25; k++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.AppendEvent(ctx, nil, types.JobEvent{JobUUID: id, EventType: types.EventNewStatus})
				assert.NoError(t, err)
			}()
		}
	}
	wg.Wait()

	for i := 0; i < 4; i++ {
		events, err := s.ListEvents(ctx, fmt.Sprintf("job-%d", i))
		require.NoError(t, err)
		require.Len(t, events, 25)
		for k, ev := range events {
			assert.Equal(t, uint64(k+1), ev.Seq)
		}
	}
}

func TestCommands(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.CreateJob(ctx, nil, newTestJob("job-1", types.StatusRunning)))

	_, ok, err := s.PeekCommand(ctx, "job-1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.PutCommand(ctx, "job-1", types.CommandCancel))
	cmd, ok, _ := s.PeekCommand(ctx, "job-1")
	assert.True(t, ok)
	assert.Equal(t, types.CommandCancel, cmd)

	cmd, ok, _ = s.TakeCommand(ctx, "job-1")
	assert.True(t, ok)
	assert.Equal(t, types.CommandCancel, cmd)
	_, ok, _ = s.TakeCommand(ctx, "job-1")
	assert.False(t, ok)

	assert.ErrorIs(t, s.PutCommand(ctx, "missing", types.CommandPause), storage.ErrJobNotFound)
}

func TestPutCommandKeepsPendingCancel(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.CreateJob(ctx, nil, newTestJob("job-1", types.StatusRunning)))

	require.NoError(t, s.PutCommand(ctx, "job-1", types.CommandPause))
	require.NoError(t, s.PutCommand(ctx, "job-1", types.CommandCancel))
	assert.ErrorIs(t, s.PutCommand(ctx, "job-1", types.CommandPause), storage.ErrCancelPending)
	assert.ErrorIs(t, s.PutCommand(ctx, "job-1", types.CommandResume), storage.ErrCancelPending)
	require.NoError(t, s.PutCommand(ctx, "job-1", types.CommandCancel))

	cmd, ok, _ := s.PeekCommand(ctx, "job-1")
	assert.True(t, ok)
	assert.Equal(t, types.CommandCancel, cmd)
}

func TestDiscardCommandMatchesPending(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.CreateJob(ctx, nil, newTestJob("job-1", types.StatusRunning)))

	dropped, err := s.DiscardCommand(ctx, "job-1", types.CommandResume)
	require.NoError(t, err)
	assert.False(t, dropped)

	require.NoError(t, s.PutCommand(ctx, "job-1", types.CommandCancel))
	dropped, err = s.DiscardCommand(ctx, "job-1", types.CommandResume)
	require.NoError(t, err)
	assert.False(t, dropped)
	cmd, ok, _ := s.PeekCommand(ctx, "job-1")
	assert.True(t, ok)
	assert.Equal(t, types.CommandCancel, cmd)

	dropped, err = s.DiscardCommand(ctx, "job-1", types.CommandCancel)
	require.NoError(t, err)
	assert.True(t, dropped)
	_, ok, _ = s.PeekCommand(ctx, "job-1")
	assert.False(t, ok)
}

func TestSnapshotRestore(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.CreateJob(ctx, nil, newTestJob("job-1", types.StatusBlocked)))
	_, err := s.AppendEvent(ctx, nil, types.JobEvent{JobUUID: "job-1", EventType: types.EventNewStatus})
	require.NoError(t, err)
	require.NoError(t, s.PutCommand(ctx, "job-1", types.CommandResume))

	restored := New()
	restored.Restore(s.Snapshot())

	assert.Equal(t, map[types.JobStatus]int{types.StatusBlocked: 1}, restored.Stats())
	ev, err := restored.AppendEvent(ctx, nil, types.JobEvent{JobUUID: "job-1", EventType: types.EventErrorMessage})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), ev.Seq)
	cmd, ok, _ := restored.PeekCommand(ctx, "job-1")
	assert.True(t, ok)
	assert.Equal(t, types.CommandResume, cmd)
}

func TestOnCommitFailureLeavesStoreUntouched(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.CreateJob(ctx, nil, newTestJob("job-1", types.StatusPending)))
	s.OnCommit = func(Changes) error { return fmt.Errorf("disk full") }

	assert.Error(t, s.SaveJob(ctx, nil, newTestJob("job-1", types.StatusFailed)))
	stored, _ := s.LoadJob(ctx, "job-1")
	assert.Equal(t, types.StatusPending, stored.Status)
}

func TestClosedStore(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.Close())
	_, err := s.Begin(ctx)
	assert.ErrorIs(t, err, storage.ErrClosed)
	assert.ErrorIs(t, s.CreateJob(ctx, nil, newTestJob("x", types.StatusPending)), storage.ErrClosed)
}
