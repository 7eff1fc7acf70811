package wal

import "github.com/ChuLiYu/tapis-jobs/pkg/types"

// ============================================================================
// Journal Type Definitions
// Responsibility: Define the record format of the store journal
// ============================================================================

// RecordType defines journal record types
type RecordType string

const (
	RecordJob     RecordType = "JOB"     // Full job record after a create or save
	RecordEvent   RecordType = "EVENT"   // History event appended to a job
	RecordCommand RecordType = "COMMAND" // Pending command set or cleared
)

// Record is one journal line. Exactly one payload field is set, matching Type.
type Record struct {
	Seq       uint64            `json:"seq"`                // Journal sequence number (monotonically increasing, survives compaction)
	Type      RecordType        `json:"type"`               // Record type
	Timestamp int64             `json:"timestamp"`          // Unix millisecond timestamp
	Job       *types.Job        `json:"job,omitempty"`      // RecordJob payload
	Event     *types.JobEvent   `json:"event,omitempty"`    // RecordEvent payload
	JobUUID   string            `json:"job_uuid,omitempty"` // RecordCommand target
	Command   types.CommandType `json:"command,omitempty"`  // RecordCommand payload, empty when cleared
	Checksum  uint32            `json:"checksum"`           // CRC32 over the record with Checksum zeroed
}

// RecordHandler applies a replayed record to in-memory state.
type RecordHandler func(rec Record) error
