// Package types defines the core domain model shared by the escrow engine,
// the registry and the persistence layers.
package types

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Address identifies a participant (payer, payee) or the registry itself.
// The zero value is the null identity.
type Address = common.Address

// InstanceID is the opaque identifier of one escrow instance.
type InstanceID = common.Hash

// ParseAddress parses a 0x-prefixed hex address and rejects the null identity.
func ParseAddress(s string) (Address, error) {
	trimmed := strings.TrimSpace(s)
	if !common.IsHexAddress(trimmed) {
		return Address{}, fmt.Errorf("invalid address %q", s)
	}
	addr := common.HexToAddress(trimmed)
	if addr == (Address{}) {
		return Address{}, fmt.Errorf("null address %q", s)
	}
	return addr, nil
}

// ParseInstanceID parses a 32-byte hex instance identifier.
func ParseInstanceID(s string) (InstanceID, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(s), "0x")
	if len(trimmed) != 2*common.HashLength {
		return InstanceID{}, fmt.Errorf("invalid instance id %q", s)
	}
	for _, r := range trimmed {
		if !strings.ContainsRune("0123456789abcdefABCDEF", r) {
			return InstanceID{}, fmt.Errorf("invalid instance id %q", s)
		}
	}
	return common.HexToHash(trimmed), nil
}

// MilestoneState is the lifecycle state of a single milestone.
type MilestoneState string

// Milestone states. Disputed is reserved and never entered by the engine.
const (
	MilestonePending   MilestoneState = "pending"   // 尚未提交
	MilestoneSubmitted MilestoneState = "submitted" // 已提交，等待核准
	MilestoneApproved  MilestoneState = "approved"  // 已核准並付款（終態）
	MilestoneDisputed  MilestoneState = "disputed"
)

// Valid reports whether the state is one of the declared values.
func (s MilestoneState) Valid() bool {
	switch s {
	case MilestonePending, MilestoneSubmitted, MilestoneApproved, MilestoneDisputed:
		return true
	default:
		return false
	}
}

// Milestone is one unit of work inside an instance.
type Milestone struct {
	Index       int            `json:"index"`
	State       MilestoneState `json:"state"`
	SubmittedAt time.Time      `json:"submitted_at,omitempty"` // 只有 State >= Submitted 時有效
	Paid        bool           `json:"paid"`
}

// InstanceRecord is the serializable view of one escrow instance. Amounts are
// decimal strings so the record survives JSON without precision loss.
type InstanceRecord struct {
	ID                 InstanceID  `json:"id"`
	Creator            Address     `json:"creator"`
	Payer              Address     `json:"payer"`
	Payee              Address     `json:"payee"`
	MilestoneCount     int         `json:"milestone_count"`
	AmountPerMilestone string      `json:"amount_per_milestone"`
	TotalRequired      string      `json:"total_required"`
	Balance            string      `json:"balance"`
	PaidCount          int         `json:"paid_count"`
	Funded             bool        `json:"funded"`
	Cancelled          bool        `json:"cancelled"`
	CompletionSignaled bool        `json:"completion_signaled"`
	CreatedAt          time.Time   `json:"created_at"`
	Milestones         []Milestone `json:"milestones"`
}

// Complete reports whether every milestone of the record has been paid.
func (r InstanceRecord) Complete() bool {
	return r.MilestoneCount > 0 && r.PaidCount == r.MilestoneCount
}

// LedgerState is the serializable form of the in-process ledger.
type LedgerState struct {
	Accounts map[Address]string    `json:"accounts"`
	Held     map[InstanceID]string `json:"held"`
}

// SnapshotData is the persisted system state used for crash recovery.
type SnapshotData struct {
	SchemaVer   int              `json:"schema_ver"`  // 資料結構版本號，用於向後相容性
	LastSeq     uint64           `json:"last_seq"`    // 快照涵蓋的最後一筆 journal 序號
	RegistrySeq uint64           `json:"registry_seq"`
	Instances   []InstanceRecord `json:"instances"` // 依建立順序排列
	Ledger      LedgerState      `json:"ledger"`
	TakenAt     time.Time        `json:"taken_at"`
}
