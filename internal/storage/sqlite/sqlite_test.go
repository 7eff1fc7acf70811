package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/tapis-jobs/internal/storage"
	"github.com/ChuLiYu/tapis-jobs/pkg/types"
)

func openTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "jobs.db")
	s, err := Open(context.Background(), path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, path
}

func testJob(id string, status types.JobStatus, created time.Time) *types.Job {
	return &types.Job{
		UUID:           id,
		Status:         status,
		Created:        created,
		Runtime:        types.RuntimeSimulated,
		InputTransfers: []types.FileTransfer{{SourceURI: "tapis://a/in", DestinationURI: "tapis://b/in"}},
	}
}

func TestJobRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, _ := openTestStore(t)
	now := time.Now().UTC()

	require.NoError(t, s.CreateJob(ctx, nil, testJob("job-1", types.StatusPending, now)))
	assert.ErrorIs(t, s.CreateJob(ctx, nil, testJob("job-1", types.StatusPending, now)), storage.ErrDuplicateJob)

	job, err := s.LoadJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, types.RuntimeSimulated, job.Runtime)
	require.Len(t, job.InputTransfers, 1)

	job.Status = types.StatusBlocked
	job.BlockedActivity = types.ActivityStagingInputs
	job.RecoveryMessage = map[string]string{"host": "h1"}
	require.NoError(t, s.SaveJob(ctx, nil, job))

	job, err = s.LoadJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusBlocked, job.Status)
	assert.Equal(t, "h1", job.RecoveryMessage["host"])

	_, err = s.LoadJob(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrJobNotFound)
	assert.ErrorIs(t, s.SaveJob(ctx, nil, testJob("missing", types.StatusPending, now)), storage.ErrJobNotFound)
}

func TestListJobsFiltersAndOrders(t *testing.T) {
	ctx := context.Background()
	s, _ := openTestStore(t)
	base := time.Now().UTC()

	require.NoError(t, s.CreateJob(ctx, nil, testJob("b", types.StatusRunning, base.Add(time.Second))))
	require.NoError(t, s.CreateJob(ctx, nil, testJob("a", types.StatusPending, base)))
	require.NoError(t, s.CreateJob(ctx, nil, testJob("c", types.StatusFinished, base.Add(2*time.Second))))

	all, err := s.ListJobs(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "a", all[0].UUID)
	assert.Equal(t, "c", all[2].UUID)

	active, err := s.ListJobs(ctx, types.StatusPending, types.StatusRunning)
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, "a", active[0].UUID)
	assert.Equal(t, "b", active[1].UUID)
}

func TestStatusAndEventCommitTogether(t *testing.T) {
	ctx := context.Background()
	s, _ := openTestStore(t)
	require.NoError(t, s.CreateJob(ctx, nil, testJob("job-1", types.StatusPending, time.Now())))

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	job := testJob("job-1", types.StatusProcessingInputs, time.Now())
	require.NoError(t, s.SaveJob(ctx, tx, job))
	ev, err := s.AppendEvent(ctx, tx, types.JobEvent{
		JobUUID: "job-1", EventType: types.EventNewStatus, Status: types.StatusProcessingInputs,
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), ev.Seq)
	require.NoError(t, tx.Rollback())
	assert.ErrorIs(t, tx.Commit(), storage.ErrTxDone)

	stored, err := s.LoadJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusPending, stored.Status)
	events, err := s.ListEvents(ctx, "job-1")
	require.NoError(t, err)
	assert.Empty(t, events)

	tx, err = s.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, s.SaveJob(ctx, tx, job))
	_, err = s.AppendEvent(ctx, tx, types.JobEvent{
		JobUUID: "job-1", EventType: types.EventNewStatus, Status: types.StatusProcessingInputs,
		Description: "moved",
	})
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	stored, _ = s.LoadJob(ctx, "job-1")
	assert.Equal(t, types.StatusProcessingInputs, stored.Status)
	events, _ = s.ListEvents(ctx, "job-1")
	require.Len(t, events, 1)
	assert.Equal(t, "moved", events[0].Description)
	assert.Equal(t, types.EventNewStatus, events[0].EventType)
}

func TestEventSequencePerJob(t *testing.T) {
	ctx := context.Background()
	s, _ := openTestStore(t)
	require.NoError(t, s.CreateJob(ctx, nil, testJob("a", types.StatusPending, time.Now())))
	require.NoError(t, s.CreateJob(ctx, nil, testJob("b", types.StatusPending, time.Now())))

	for i := 0; i < 3; i++ {
		_, err := s.AppendEvent(ctx, nil, types.JobEvent{JobUUID: "a", EventType: types.EventNewStatus})
		require.NoError(t, err)
	}
	ev, err := s.AppendEvent(ctx, nil, types.JobEvent{JobUUID: "b", EventType: types.EventErrorMessage})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), ev.Seq)

	events, err := s.ListEvents(ctx, "a")
	require.NoError(t, err)
	require.Len(t, events, 3)
	for i, e := range events {
		assert.Equal(t, uint64(i+1), e.Seq)
		assert.False(t, e.Created.IsZero())
	}

	_, err = s.ListEvents(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrJobNotFound)
}

func TestCommandsAndReopen(t *testing.T) {
	ctx := context.Background()
	s, path := openTestStore(t)
	require.NoError(t, s.CreateJob(ctx, nil, testJob("job-1", types.StatusRunning, time.Now())))

	require.NoError(t, s.PutCommand(ctx, "job-1", types.CommandPause))
	require.NoError(t, s.PutCommand(ctx, "job-1", types.CommandCancel))
	assert.ErrorIs(t, s.PutCommand(ctx, "missing", types.CommandCancel), storage.ErrJobNotFound)
	assert.ErrorIs(t, s.PutCommand(ctx, "job-1", types.CommandPause), storage.ErrCancelPending)
	assert.ErrorIs(t, s.PutCommand(ctx, "job-1", types.CommandResume), storage.ErrCancelPending)
	require.NoError(t, s.PutCommand(ctx, "job-1", types.CommandCancel))
	require.NoError(t, s.Close())

	s2, err := Open(ctx, path)
	require.NoError(t, err)
	defer s2.Close()

	cmd, ok, err := s2.PeekCommand(ctx, "job-1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, types.CommandCancel, cmd)

	cmd, ok, err = s2.TakeCommand(ctx, "job-1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, types.CommandCancel, cmd)

	_, ok, err = s2.TakeCommand(ctx, "job-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDiscardCommand(t *testing.T) {
	ctx := context.Background()
	s, _ := openTestStore(t)
	require.NoError(t, s.CreateJob(ctx, nil, testJob("job-1", types.StatusRunning, time.Now())))

	require.NoError(t, s.PutCommand(ctx, "job-1", types.CommandResume))
	require.NoError(t, s.PutCommand(ctx, "job-1", types.CommandCancel))
	dropped, err := s.DiscardCommand(ctx, "job-1", types.CommandResume)
	require.NoError(t, err)
	assert.False(t, dropped)

	cmd, ok, err := s.PeekCommand(ctx, "job-1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, types.CommandCancel, cmd)

	dropped, err = s.DiscardCommand(ctx, "job-1", types.CommandCancel)
	require.NoError(t, err)
	assert.True(t, dropped)
	_, ok, err = s.PeekCommand(ctx, "job-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestForeignTx(t *testing.T) {
	ctx := context.Background()
	a, _ := openTestStore(t)
	b, _ := openTestStore(t)
	tx, err := a.Begin(ctx)
	require.NoError(t, err)
	defer storage.Rollback(tx)
	assert.ErrorIs(t, b.SaveJob(ctx, tx, testJob("x", types.StatusPending, time.Now())), storage.ErrForeignTx)
}
