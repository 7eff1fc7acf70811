package snapshot

// ============================================================================
// Snapshot manager tests: atomic write, load, version check, error paths
// ============================================================================

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/tapis-jobs/pkg/types"
)

func sampleData() Data {
	return Data{
		LastSeq: 100,
		Jobs: map[string]*types.Job{
			"job-001": {UUID: "job-001", Status: types.StatusPending},
			"job-002": {UUID: "job-002", Status: types.StatusBlocked, BlockedCount: 2,
				BlockedActivity: types.ActivityStagingInputs},
		},
		Events: map[string][]types.JobEvent{
			"job-002": {{Seq: 1, JobUUID: "job-002", EventType: types.EventNewStatus, Status: types.StatusBlocked}},
		},
		Commands: map[string]types.CommandType{"job-001": types.CommandPause},
	}
}

func TestNewManager(t *testing.T) {
	manager := NewManager("test_snapshot.json")
	assert.NotNil(t, manager)
	assert.Equal(t, "test_snapshot.json", manager.GetPath())
}

func TestWriteAndLoad(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "snapshot.json"))

	original := sampleData()
	require.NoError(t, manager.Write(original))

	loaded, err := manager.Load()
	require.NoError(t, err)
	assert.Equal(t, schemaVersion, loaded.SchemaVer)
	assert.Equal(t, uint64(100), loaded.LastSeq)
	require.Len(t, loaded.Jobs, 2)
	assert.Equal(t, 2, loaded.Jobs["job-002"].BlockedCount)
	assert.Equal(t, types.ActivityStagingInputs, loaded.Jobs["job-002"].BlockedActivity)
	assert.Len(t, loaded.Events["job-002"], 1)
	assert.Equal(t, types.CommandPause, loaded.Commands["job-001"])
}

func TestExists(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "snapshot.json"))
	assert.False(t, manager.Exists())
	require.NoError(t, manager.Write(sampleData()))
	assert.True(t, manager.Exists())
	_, err := os.Stat(manager.GetPath() + ".tmp")
	assert.True(t, os.IsNotExist(err), "temp file must not survive a successful write")
}

func TestFirstBoot(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "missing.json"))
	data, err := manager.Load()
	require.NoError(t, err)
	assert.Equal(t, uint64(0), data.LastSeq)
	assert.NotNil(t, data.Jobs)
	assert.NotNil(t, data.Events)
	assert.NotNil(t, data.Commands)
}

func TestVersionMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot.json")
	raw, err := json.Marshal(map[string]interface{}{"schema_version": 1, "jobs": map[string]interface{}{}})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, raw, 0o644))

	_, err = NewManager(path).Load()
	assert.ErrorIs(t, err, ErrIncompatibleVersion)
}

func TestCorrupted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot.json")
	require.NoError(t, os.WriteFile(path, []byte("{invalid"), 0o644))

	_, err := NewManager(path).Load()
	assert.ErrorIs(t, err, ErrCorruptedSnapshot)
}

func TestWriteFailure(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "no-such-dir", "snapshot.json"))
	assert.Error(t, manager.Write(sampleData()))
}

func TestConcurrentWritesLeaveValidFile(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "snapshot.json"))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			d := sampleData()
			d.LastSeq = uint64(n)
			d.Jobs[fmt.Sprintf("job-%d", n)] = &types.Job{UUID: fmt.Sprintf("job-%d", n)}
			assert.NoError(t, manager.Write(d))
		}(i)
	}
	wg.Wait()

	loaded, err := manager.Load()
	require.NoError(t, err)
	assert.Len(t, loaded.Jobs, 3)
}
