// ============================================================================
// Milestone Escrow Instance - per-job value custody state machine
// ============================================================================
//
// Package: internal/escrow
// File: instance.go
//
// Milestone state machine:
//
//	Pending ──Submit──> Submitted ──Approve / Claim(after timeout)──> Approved (paid)
//	                       ↑   │
//	                       └───┘ re-submit refreshes SubmittedAt
//
// Instance level sinks: fully paid (PaidCount == MilestoneCount) or cancelled.
//
// Release ordering (approve, claim, cancel):
//  1. validate under the field lock
//  2. commit the state change (paid flag, counter, balance, cancel flag)
//  3. release the field lock and call the TransferPort
//  4. on transfer failure restore the exact pre-call values and return
//     ErrTransferFailed; on success emit the signals
//
// A transfer that re-enters the instance sees step 2 already applied, so every
// double-payment check fails deterministically.
//
// ============================================================================

package escrow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/holiman/uint256"

	"github.com/ChuLiYu/milestone-escrow/internal/events"
	"github.com/ChuLiYu/milestone-escrow/pkg/types"
)

// ApprovalTimeout is how long a payer has to approve a submitted milestone
// before the payee may claim it unilaterally.
const ApprovalTimeout = 7 * 24 * time.Hour

// TransferPort moves value out of an instance's held balance. Implementations
// must be atomic: either the whole amount moves or nothing does.
type TransferPort interface {
	Transfer(ctx context.Context, from types.InstanceID, to types.Address, amount *uint256.Int) error
}

// DepositPort moves the payer's value into an instance's held balance when the
// instance is funded. It has the same atomicity contract as TransferPort.
type DepositPort interface {
	Deposit(ctx context.Context, from types.Address, to types.InstanceID, amount *uint256.Int) error
}

// Config holds the immutable parameters and collaborators of an instance.
type Config struct {
	ID                 types.InstanceID
	Creator            types.Address // registry address allowed to fund on the payer's behalf
	Payer              types.Address
	Payee              types.Address
	MilestoneCount     int
	AmountPerMilestone *uint256.Int
	CreatedAt          time.Time
	MaxMilestones      int // 0 表示 DefaultMaxMilestones

	Transfers TransferPort
	Deposits  DepositPort // optional; nil means funding is bookkeeping only
	Emitter   events.Emitter
	Now       func() time.Time
}

// Instance is one escrow job between one payer and one payee.
type Instance struct {
	opMu sync.Mutex   // serializes mutating operations (see guard.go)
	mu   sync.RWMutex // guards the fields below

	id                 types.InstanceID
	creator            types.Address
	payer              types.Address
	payee              types.Address
	milestoneCount     int
	amountPerMilestone *uint256.Int
	totalRequired      *uint256.Int
	createdAt          time.Time

	balance            *uint256.Int
	paidCount          int
	funded             bool
	cancelled          bool
	completionSignaled bool
	milestones         []types.Milestone

	transfers TransferPort
	deposits  DepositPort
	emitter   events.Emitter
	now       func() time.Time
}

type releaseKind int

const (
	releaseApprove releaseKind = iota
	releaseClaim
)

// DefaultMaxMilestones bounds the milestone count of a new instance.
const DefaultMaxMilestones = 1000

// CheckMilestoneCount fails with ErrInvalidInstance when count is outside
// 1..max. A non-positive max means DefaultMaxMilestones.
func CheckMilestoneCount(count, max int) error {
	if max <= 0 {
		max = DefaultMaxMilestones
	}
	if count <= 0 {
		return fmt.Errorf("%w: milestone count must be positive", ErrInvalidInstance)
	}
	if count > max {
		return fmt.Errorf("%w: milestone count %d exceeds limit %d", ErrInvalidInstance, count, max)
	}
	return nil
}

// TotalFor returns count × amount, failing with ErrInvalidInstance on
// non-positive inputs or uint256 overflow.
func TotalFor(count int, amount *uint256.Int) (*uint256.Int, error) {
	if count <= 0 {
		return nil, fmt.Errorf("%w: milestone count must be positive", ErrInvalidInstance)
	}
	if amount == nil || amount.IsZero() {
		return nil, fmt.Errorf("%w: amount per milestone must be positive", ErrInvalidInstance)
	}
	total, overflow := new(uint256.Int).MulOverflow(uint256.NewInt(uint64(count)), amount)
	if overflow {
		return nil, fmt.Errorf("%w: total required overflows", ErrInvalidInstance)
	}
	return total, nil
}

// New validates cfg and returns an unfunded instance.
func New(cfg Config) (*Instance, error) {
	if err := CheckMilestoneCount(cfg.MilestoneCount, cfg.MaxMilestones); err != nil {
		return nil, err
	}
	return build(cfg)
}

// build validates everything but the milestone limit. Persisted records were
// accepted under whatever limit applied when they were created.
func build(cfg Config) (*Instance, error) {
	if cfg.Payer == (types.Address{}) || cfg.Payee == (types.Address{}) {
		return nil, fmt.Errorf("%w: payer and payee must be set", ErrInvalidInstance)
	}
	if cfg.Payer == cfg.Payee {
		return nil, fmt.Errorf("%w: payer and payee must differ", ErrInvalidInstance)
	}
	total, err := TotalFor(cfg.MilestoneCount, cfg.AmountPerMilestone)
	if err != nil {
		return nil, err
	}
	if cfg.Transfers == nil {
		return nil, fmt.Errorf("%w: transfer port required", ErrInvalidInstance)
	}
	in := newInstance(cfg)
	in.totalRequired = total
	in.milestones = make([]types.Milestone, cfg.MilestoneCount)
	for i := range in.milestones {
		in.milestones[i] = types.Milestone{Index: i, State: types.MilestonePending}
	}
	return in, nil
}

func newInstance(cfg Config) *Instance {
	in := &Instance{
		id:                 cfg.ID,
		creator:            cfg.Creator,
		payer:              cfg.Payer,
		payee:              cfg.Payee,
		milestoneCount:     cfg.MilestoneCount,
		amountPerMilestone: new(uint256.Int).Set(cfg.AmountPerMilestone),
		createdAt:          cfg.CreatedAt,
		balance:            new(uint256.Int),
		transfers:          cfg.Transfers,
		deposits:           cfg.Deposits,
		emitter:            cfg.Emitter,
		now:                cfg.Now,
	}
	if in.emitter == nil {
		in.emitter = events.NoopEmitter{}
	}
	if in.now == nil {
		in.now = func() time.Time { return time.Now().UTC() }
	}
	if in.createdAt.IsZero() {
		in.createdAt = in.now()
	}
	return in
}

// FromRecord rebuilds an instance from its persisted record. The record must
// satisfy every instance invariant.
func FromRecord(rec types.InstanceRecord, cfg Config) (*Instance, error) {
	amount, err := uint256.FromDecimal(rec.AmountPerMilestone)
	if err != nil {
		return nil, fmt.Errorf("%w: amount per milestone: %v", ErrInvalidInstance, err)
	}
	balance, err := uint256.FromDecimal(rec.Balance)
	if err != nil {
		return nil, fmt.Errorf("%w: balance: %v", ErrInvalidInstance, err)
	}
	cfg.ID = rec.ID
	cfg.Creator = rec.Creator
	cfg.Payer = rec.Payer
	cfg.Payee = rec.Payee
	cfg.MilestoneCount = rec.MilestoneCount
	cfg.AmountPerMilestone = amount
	cfg.CreatedAt = rec.CreatedAt
	if len(rec.Milestones) != rec.MilestoneCount {
		return nil, fmt.Errorf("%w: %d milestones recorded, want %d", ErrInvalidInstance, len(rec.Milestones), rec.MilestoneCount)
	}
	in, err := build(cfg)
	if err != nil {
		return nil, err
	}
	paid := 0
	for i, m := range rec.Milestones {
		if m.Index != i || !m.State.Valid() {
			return nil, fmt.Errorf("%w: malformed milestone %d", ErrInvalidInstance, i)
		}
		if m.Paid != (m.State == types.MilestoneApproved) {
			return nil, fmt.Errorf("%w: milestone %d paid flag disagrees with state", ErrInvalidInstance, i)
		}
		if m.Paid {
			paid++
		}
		in.milestones[i] = m
	}
	if paid != rec.PaidCount {
		return nil, fmt.Errorf("%w: paid count %d, milestones paid %d", ErrInvalidInstance, rec.PaidCount, paid)
	}
	if rec.Cancelled && (paid > 0 || !rec.Funded) {
		return nil, fmt.Errorf("%w: cancelled instance with payouts or without funding", ErrInvalidInstance)
	}
	in.balance = balance
	in.paidCount = rec.PaidCount
	in.funded = rec.Funded
	in.cancelled = rec.Cancelled
	in.completionSignaled = rec.CompletionSignaled
	return in, nil
}

// ============================================================================
// Mutating operations
// ============================================================================

// Fund deposits the full required amount. Only the payer may fund, and
// funding happens exactly once.
func (in *Instance) Fund(ctx context.Context, caller types.Address, amount *uint256.Int) error {
	if caller != in.payer {
		return fmt.Errorf("%w: fund requires the payer", ErrUnauthorized)
	}
	return in.fund(ctx, amount)
}

// FundOnBehalf funds the instance for its payer as the registry that created
// it. It backs the combined create-and-fund path only; the value still comes
// from the payer's account.
func (in *Instance) FundOnBehalf(ctx context.Context, registry types.Address, amount *uint256.Int) error {
	if in.creator == (types.Address{}) || registry != in.creator {
		return fmt.Errorf("%w: not the creating registry", ErrUnauthorized)
	}
	return in.fund(ctx, amount)
}

func (in *Instance) fund(ctx context.Context, amount *uint256.Int) error {
	ctx, leave := in.enter(ctx)
	defer leave()

	in.mu.Lock()
	if in.cancelled {
		in.mu.Unlock()
		return ErrJobCancelled
	}
	if in.funded {
		in.mu.Unlock()
		return ErrAlreadyFunded
	}
	if amount == nil || amount.Cmp(in.totalRequired) != 0 {
		in.mu.Unlock()
		return fmt.Errorf("%w: got %s, want %s", ErrIncorrectAmount, decOrNil(amount), in.totalRequired.Dec())
	}
	in.funded = true
	in.balance.Add(in.balance, amount)
	in.mu.Unlock()

	if in.deposits != nil {
		if err := in.deposits.Deposit(ctx, in.payer, in.id, amount); err != nil {
			in.mu.Lock()
			in.funded = false
			in.balance.Sub(in.balance, amount)
			in.mu.Unlock()
			return fmt.Errorf("%w: deposit: %w", ErrTransferFailed, err)
		}
	}

	in.signal(ctx, newFundedEvent(in, amount))
	return nil
}

// SubmitMilestone marks milestone index as submitted by the payee. Submitting
// an already submitted, unpaid milestone refreshes its timestamp and restarts
// the approval timeout.
func (in *Instance) SubmitMilestone(ctx context.Context, caller types.Address, index int) error {
	ctx, leave := in.enter(ctx)
	defer leave()

	in.mu.Lock()
	if caller != in.payee {
		in.mu.Unlock()
		return fmt.Errorf("%w: submit requires the payee", ErrUnauthorized)
	}
	if err := in.checkActiveLocked(index); err != nil {
		in.mu.Unlock()
		return err
	}
	m := &in.milestones[index]
	if m.Paid {
		in.mu.Unlock()
		return fmt.Errorf("%w: milestone %d", ErrAlreadyPaid, index)
	}
	now := in.now()
	m.State = types.MilestoneSubmitted
	m.SubmittedAt = now
	in.mu.Unlock()

	in.signal(ctx, newSubmittedEvent(in, index, now.Unix()))
	return nil
}

// ApproveMilestone pays milestone index to the payee on the payer's approval.
func (in *Instance) ApproveMilestone(ctx context.Context, caller types.Address, index int) error {
	return in.release(ctx, caller, index, releaseApprove)
}

// ClaimAfterTimeout lets the payee collect a submitted milestone once the
// payer has left it unapproved for ApprovalTimeout.
func (in *Instance) ClaimAfterTimeout(ctx context.Context, caller types.Address, index int) error {
	return in.release(ctx, caller, index, releaseClaim)
}

// release is the shared effect routine of approval and timeout claim. Only
// the authorization and precondition check differ between the two.
func (in *Instance) release(ctx context.Context, caller types.Address, index int, kind releaseKind) error {
	ctx, leave := in.enter(ctx)
	defer leave()

	in.mu.Lock()
	if err := in.checkReleaseLocked(caller, index, kind); err != nil {
		in.mu.Unlock()
		return err
	}
	amount := new(uint256.Int).Set(in.amountPerMilestone)
	m := &in.milestones[index]
	prev := *m
	m.State = types.MilestoneApproved
	m.Paid = true
	in.paidCount++
	in.balance.Sub(in.balance, amount)
	payee := in.payee
	in.mu.Unlock()

	if err := in.transfers.Transfer(ctx, in.id, payee, amount); err != nil {
		in.mu.Lock()
		in.milestones[index] = prev
		in.paidCount--
		in.balance.Add(in.balance, amount)
		in.mu.Unlock()
		return fmt.Errorf("%w: milestone %d: %w", ErrTransferFailed, index, err)
	}

	in.signal(ctx, newReleasedEvent(in, kind, index, amount))
	return nil
}

// Cancel refunds the whole held balance to the payer. Either participant may
// cancel, but only while no milestone has been paid.
func (in *Instance) Cancel(ctx context.Context, caller types.Address) error {
	ctx, leave := in.enter(ctx)
	defer leave()

	in.mu.Lock()
	if caller != in.payer && caller != in.payee {
		in.mu.Unlock()
		return fmt.Errorf("%w: cancel requires a participant", ErrUnauthorized)
	}
	if !in.funded {
		in.mu.Unlock()
		return ErrNotFunded
	}
	if in.cancelled {
		in.mu.Unlock()
		return ErrJobCancelled
	}
	if in.paidCount > 0 {
		in.mu.Unlock()
		return fmt.Errorf("%w: %d milestone(s) paid", ErrCannotCancel, in.paidCount)
	}
	refund := new(uint256.Int).Set(in.balance)
	in.cancelled = true
	in.balance.Clear()
	payer := in.payer
	in.mu.Unlock()

	if err := in.transfers.Transfer(ctx, in.id, payer, refund); err != nil {
		in.mu.Lock()
		in.cancelled = false
		in.balance.Add(in.balance, refund)
		in.mu.Unlock()
		return fmt.Errorf("%w: refund: %w", ErrTransferFailed, err)
	}

	in.signal(ctx, newCancelledEvent(in, refund))
	return nil
}

// checkActiveLocked runs the shared funded / not-cancelled / index checks.
// Caller holds in.mu.
func (in *Instance) checkActiveLocked(index int) error {
	if !in.funded {
		return ErrNotFunded
	}
	if in.cancelled {
		return ErrJobCancelled
	}
	if index < 0 || index >= in.milestoneCount {
		return fmt.Errorf("%w: index %d of %d", ErrInvalidMilestone, index, in.milestoneCount)
	}
	return nil
}

func (in *Instance) checkReleaseLocked(caller types.Address, index int, kind releaseKind) error {
	switch kind {
	case releaseApprove:
		if caller != in.payer {
			return fmt.Errorf("%w: approve requires the payer", ErrUnauthorized)
		}
	case releaseClaim:
		if caller != in.payee {
			return fmt.Errorf("%w: claim requires the payee", ErrUnauthorized)
		}
	}
	if err := in.checkActiveLocked(index); err != nil {
		return err
	}
	m := in.milestones[index]
	if m.Paid {
		return fmt.Errorf("%w: milestone %d", ErrAlreadyPaid, index)
	}
	if m.State != types.MilestoneSubmitted {
		return fmt.Errorf("%w: milestone %d is %s", ErrNotSubmitted, index, m.State)
	}
	if kind == releaseClaim {
		deadline := m.SubmittedAt.Add(ApprovalTimeout)
		if in.now().Before(deadline) {
			return fmt.Errorf("%w: claimable at %s", ErrTimeoutNotReached, deadline.UTC().Format(time.RFC3339))
		}
	}
	return nil
}

// ============================================================================
// Reads
// ============================================================================

// ID returns the instance identifier.
func (in *Instance) ID() types.InstanceID { return in.id }

// Payer returns the funding party.
func (in *Instance) Payer() types.Address { return in.payer }

// Payee returns the receiving party.
func (in *Instance) Payee() types.Address { return in.payee }

// MilestoneCount returns the number of milestones.
func (in *Instance) MilestoneCount() int { return in.milestoneCount }

// AmountPerMilestone returns a copy of the per-milestone amount.
func (in *Instance) AmountPerMilestone() *uint256.Int {
	return new(uint256.Int).Set(in.amountPerMilestone)
}

// TotalRequired returns milestoneCount × amountPerMilestone.
func (in *Instance) TotalRequired() *uint256.Int {
	return new(uint256.Int).Set(in.totalRequired)
}

// RemainingBalance returns the value still held by the instance.
func (in *Instance) RemainingBalance() *uint256.Int {
	in.mu.RLock()
	defer in.mu.RUnlock()
	return new(uint256.Int).Set(in.balance)
}

// Milestone returns a copy of milestone index.
func (in *Instance) Milestone(index int) (types.Milestone, error) {
	in.mu.RLock()
	defer in.mu.RUnlock()
	if index < 0 || index >= in.milestoneCount {
		return types.Milestone{}, fmt.Errorf("%w: index %d of %d", ErrInvalidMilestone, index, in.milestoneCount)
	}
	return in.milestones[index], nil
}

// PaidCount returns how many milestones have been paid.
func (in *Instance) PaidCount() int {
	in.mu.RLock()
	defer in.mu.RUnlock()
	return in.paidCount
}

// IsFunded reports whether the instance has been funded.
func (in *Instance) IsFunded() bool {
	in.mu.RLock()
	defer in.mu.RUnlock()
	return in.funded
}

// IsCancelled reports whether the instance has been cancelled.
func (in *Instance) IsCancelled() bool {
	in.mu.RLock()
	defer in.mu.RUnlock()
	return in.cancelled
}

// IsComplete reports whether every milestone has been paid.
func (in *Instance) IsComplete() bool {
	in.mu.RLock()
	defer in.mu.RUnlock()
	return in.paidCount == in.milestoneCount
}

// ClaimableAt returns the indices of submitted, unpaid milestones whose
// approval timeout has elapsed at now. Cancelled instances have none.
func (in *Instance) ClaimableAt(now time.Time) []int {
	in.mu.RLock()
	defer in.mu.RUnlock()
	if in.cancelled || !in.funded {
		return nil
	}
	var out []int
	for _, m := range in.milestones {
		if m.Paid || m.State != types.MilestoneSubmitted {
			continue
		}
		if !now.Before(m.SubmittedAt.Add(ApprovalTimeout)) {
			out = append(out, m.Index)
		}
	}
	return out
}

// Record returns a consistent, serializable copy of the instance state.
func (in *Instance) Record() types.InstanceRecord {
	in.mu.RLock()
	defer in.mu.RUnlock()
	milestones := make([]types.Milestone, len(in.milestones))
	copy(milestones, in.milestones)
	return types.InstanceRecord{
		ID:                 in.id,
		Creator:            in.creator,
		Payer:              in.payer,
		Payee:              in.payee,
		MilestoneCount:     in.milestoneCount,
		AmountPerMilestone: in.amountPerMilestone.Dec(),
		TotalRequired:      in.totalRequired.Dec(),
		Balance:            in.balance.Dec(),
		PaidCount:          in.paidCount,
		Funded:             in.funded,
		Cancelled:          in.cancelled,
		CompletionSignaled: in.completionSignaled,
		CreatedAt:          in.createdAt,
		Milestones:         milestones,
	}
}

func decOrNil(v *uint256.Int) string {
	if v == nil {
		return "<nil>"
	}
	return v.Dec()
}
