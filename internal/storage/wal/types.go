package wal

import (
	"github.com/google/uuid"

	"github.com/ChuLiYu/milestone-escrow/pkg/types"
)

// ============================================================================
// WAL Type Definitions
// Responsibility: Define the journal entry written for every applied operation
// ============================================================================

// EventType names the operation an entry records.
type EventType string

const (
	EventCreate     EventType = "CREATE"      // Registry created an instance
	EventCreateFund EventType = "CREATE_FUND" // Registry created and funded in one call
	EventFund       EventType = "FUND"        // Payer funded an instance
	EventSubmit     EventType = "SUBMIT"      // Payee submitted a milestone
	EventApprove    EventType = "APPROVE"     // Payer approved a milestone
	EventClaim      EventType = "CLAIM"       // Payee claimed after the approval timeout
	EventCancel     EventType = "CANCEL"      // Participant cancelled before any payout
	EventCredit     EventType = "CREDIT"      // Ledger account credited
)

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	switch t {
	case EventCreate, EventCreateFund, EventFund, EventSubmit, EventApprove, EventClaim, EventCancel, EventCredit:
		return true
	default:
		return false
	}
}

// Event represents one journal record. Only operations that succeeded are
// journaled, so replaying every event in order reproduces the state.
type Event struct {
	Seq        uint64           `json:"seq"`         // Event sequence number (monotonically increasing)
	OpID       uuid.UUID        `json:"op_id"`       // Operation id, echoed to the caller
	Type       EventType        `json:"type"`        // Event type
	InstanceID types.InstanceID `json:"instance_id"` // Target instance; for CREATE the id that was assigned
	Caller     types.Address    `json:"caller"`      // Authenticated caller (credited account for CREDIT)
	Payee      types.Address    `json:"payee"`       // CREATE / CREATE_FUND only
	Index      int              `json:"index,omitempty"`
	Count      int              `json:"count,omitempty"`
	Amount     string           `json:"amount,omitempty"`   // Per-milestone amount, or credited amount
	Supplied   string           `json:"supplied,omitempty"` // Value attached to FUND / CREATE_FUND
	At         int64            `json:"at"`                 // Operation clock, unix nanoseconds
	Timestamp  int64            `json:"timestamp"`          // Unix millisecond append time
	Checksum   uint32           `json:"checksum"`           // CRC32 checksum
}

// EventHandler is the function type for processing WAL events
// Used during Replay to apply events to system state
type EventHandler func(event Event) error
