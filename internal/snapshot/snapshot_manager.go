package snapshot

// ============================================================================
// Responsibilities:
// 1. Serialize the full store state into a JSON snapshot file
// 2. Write atomically (temp file + rename) so a crash never leaves a torn file
// 3. Check the schema version on load
// 4. Record the journal sequence the snapshot covers so replay can skip it
// ============================================================================

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/ChuLiYu/tapis-jobs/pkg/types"
)

const schemaVersion = 2

var (
	ErrCorruptedSnapshot   = errors.New("snapshot file is corrupted")
	ErrIncompatibleVersion = errors.New("snapshot schema version is incompatible")
)

// Data is the persisted store state.
type Data struct {
	SchemaVer int                          `json:"schema_version"`
	LastSeq   uint64                       `json:"last_seq"`
	Jobs      map[string]*types.Job        `json:"jobs"`
	Events    map[string][]types.JobEvent  `json:"events"`
	Commands  map[string]types.CommandType `json:"commands,omitempty"`
}

// Manager reads and writes one snapshot file.
type Manager struct {
	path string
	mu   sync.Mutex
}

// NewManager creates a manager for the snapshot at path.
func NewManager(path string) *Manager {
	return &Manager{path: path}
}

// Write atomically replaces the snapshot file.
func (m *Manager) Write(data Data) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	data.SchemaVer = schemaVersion
	raw, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	tmpPath := m.path + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to write temp snapshot: %w", err)
	}
	if _, err := f.Write(raw); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write temp snapshot: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to sync temp snapshot: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp snapshot: %w", err)
	}

	if err := os.Rename(tmpPath, m.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename snapshot: %w", err)
	}
	return nil
}

// Load reads the snapshot. A missing file yields empty state (first start).
func (m *Manager) Load() (Data, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var data Data
	raw, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return emptyData(), nil
		}
		return data, fmt.Errorf("failed to read snapshot: %w", err)
	}

	if err := json.Unmarshal(raw, &data); err != nil {
		return data, fmt.Errorf("%w: %v", ErrCorruptedSnapshot, err)
	}
	if data.SchemaVer != schemaVersion {
		return data, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, data.SchemaVer, schemaVersion)
	}
	if data.Jobs == nil {
		data.Jobs = make(map[string]*types.Job)
	}
	if data.Events == nil {
		data.Events = make(map[string][]types.JobEvent)
	}
	if data.Commands == nil {
		data.Commands = make(map[string]types.CommandType)
	}
	return data, nil
}

// Exists reports whether a snapshot file is present.
func (m *Manager) Exists() bool {
	_, err := os.Stat(m.path)
	return err == nil
}

// GetPath returns the snapshot file path.
func (m *Manager) GetPath() string {
	return m.path
}

func emptyData() Data {
	return Data{
		SchemaVer: schemaVersion,
		Jobs:      make(map[string]*types.Job),
		Events:    make(map[string][]types.JobEvent),
		Commands:  make(map[string]types.CommandType),
	}
}
