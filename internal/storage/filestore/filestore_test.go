package filestore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/tapis-jobs/internal/storage"
	"github.com/ChuLiYu/tapis-jobs/pkg/types"
)

func seed(t *testing.T, s *Store) {
	t.Helper()
	ctx := context.Background()
	job := &types.Job{UUID: "job-1", Status: types.StatusPending, Created: time.Now().UTC()}

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, s.CreateJob(ctx, tx, job))
	_, err = s.AppendEvent(ctx, tx, types.JobEvent{JobUUID: "job-1", EventType: types.EventNewStatus, Status: types.StatusPending})
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	job.Status = types.StatusProcessingInputs
	require.NoError(t, s.SaveJob(ctx, nil, job))
	_, err = s.AppendEvent(ctx, nil, types.JobEvent{JobUUID: "job-1", EventType: types.EventNewStatus, Status: types.StatusProcessingInputs})
	require.NoError(t, err)
	require.NoError(t, s.PutCommand(ctx, "job-1", types.CommandPause))
}

func assertSeeded(t *testing.T, s *Store) {
	t.Helper()
	ctx := context.Background()
	job, err := s.LoadJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusProcessingInputs, job.Status)

	events, err := s.ListEvents(ctx, "job-1")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, uint64(1), events[0].Seq)
	assert.Equal(t, uint64(2), events[1].Seq)

	cmd, ok, err := s.PeekCommand(ctx, "job-1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, types.CommandPause, cmd)
}

func TestRecoverFromJournalOnly(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(Options{Dir: dir, SyncOnAppend: true})
	require.NoError(t, err)
	seed(t, s)
	// simulate a crash: the journal is closed without a final snapshot
	require.NoError(t, s.journal.Close())

	reopened, err := Open(Options{Dir: dir})
	require.NoError(t, err)
	defer reopened.Close()
	assertSeeded(t, reopened)
}

func TestRecoverFromSnapshotAndJournal(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	s, err := Open(Options{Dir: dir})
	require.NoError(t, err)
	seed(t, s)
	require.NoError(t, s.Compact())

	_, ok, err := s.TakeCommand(ctx, "job-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, s.journal.Close())

	reopened, err := Open(Options{Dir: dir})
	require.NoError(t, err)
	defer reopened.Close()

	_, ok, err = reopened.PeekCommand(ctx, "job-1")
	require.NoError(t, err)
	assert.False(t, ok, "command taken after the snapshot must stay taken")

	ev, err := reopened.AppendEvent(ctx, nil, types.JobEvent{JobUUID: "job-1", EventType: types.EventErrorMessage})
	require.NoError(t, err)
	assert.Equal(t, uint64(3), ev.Seq)
}

func TestCleanCloseKeepsState(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(Options{Dir: dir})
	require.NoError(t, err)
	seed(t, s)
	require.NoError(t, s.Close())

	reopened, err := Open(Options{Dir: dir})
	require.NoError(t, err)
	defer reopened.Close()
	assertSeeded(t, reopened)
}

func TestRolledBackTxNotJournaled(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	s, err := Open(Options{Dir: dir})
	require.NoError(t, err)

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, s.CreateJob(ctx, tx, &types.Job{UUID: "ghost", Status: types.StatusPending}))
	require.NoError(t, tx.Rollback())
	require.NoError(t, s.Close())

	reopened, err := Open(Options{Dir: dir})
	require.NoError(t, err)
	defer reopened.Close()
	_, err = reopened.LoadJob(ctx, "ghost")
	assert.ErrorIs(t, err, storage.ErrJobNotFound)
}
