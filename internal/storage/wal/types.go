package wal

import "github.com/ChuLiYu/srm-lifecycle/pkg/types"

// ============================================================================
// WAL Type Definitions
// Responsibility: Define core data structures for WAL
// ============================================================================

// EventType defines WAL event types
type EventType string

const (
	EventSave   EventType = "SAVE"    // Job record written (full record)
	EventDelete EventType = "DELETE"  // Job record removed
	EventNextID EventType = "NEXT_ID" // Id allocated
)

// Event represents a WAL event record
type Event struct {
	Seq       uint64           `json:"seq"`              // Event sequence number (monotonically increasing across rotations)
	Type      EventType        `json:"type"`             // Event type
	JobID     int64            `json:"job_id"`           // Job id, or the allocated id for NEXT_ID
	Record    *types.JobRecord `json:"record,omitempty"` // Present for SAVE
	Timestamp int64            `json:"timestamp"`        // Unix millisecond timestamp
	Checksum  uint32           `json:"checksum"`         // CRC32 checksum
}

// EventHandler is the function type for processing WAL events
// Used during Replay to apply events to system state
type EventHandler func(event Event) error
