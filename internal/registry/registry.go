// ============================================================================
// Escrow Registry - 托管實例工廠與索引
// ============================================================================
//
// Package: internal/registry
// 文件: registry.go
// 功能: 建立托管實例、分配識別碼、依參與者建立索引
//
// 數據結構設計:
//
//	instances map[InstanceID]*escrow.Instance - 實例 arena，單一真實來源
//	├─ all []InstanceID             - 依建立順序排列（只追加）
//	├─ byParticipant map[Address][] - payer 與 payee 各自的實例列表（只追加）
//	└─ known map[InstanceID]struct{} - 本 registry 建立過的實例集合
//
// 並發安全:
//   - 建立操作使用寫鎖序列化，索引只追加不刪除
//   - 讀操作使用 RLock，返回副本
//   - 實例本身的操作由 escrow.Instance 自行序列化
//
// 識別碼:
//
//	id = keccak256(registry ‖ payer ‖ payee ‖ seq)
//
// seq 隨每次建立遞增，重放 journal 時得到相同的 id。
//
// ============================================================================

package registry

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"

	"github.com/ChuLiYu/milestone-escrow/internal/escrow"
	"github.com/ChuLiYu/milestone-escrow/internal/events"
	"github.com/ChuLiYu/milestone-escrow/pkg/types"
)

var log = slog.Default()

// Config wires a registry to its collaborators.
type Config struct {
	Address       types.Address // identity the registry uses when funding on a payer's behalf
	MaxMilestones int           // 0 表示 escrow.DefaultMaxMilestones
	Transfers     escrow.TransferPort
	Deposits      escrow.DepositPort
	Emitter       events.Emitter
	Now           func() time.Time
}

// Registry creates escrow instances and indexes them by participant.
type Registry struct {
	mu            sync.RWMutex
	addr          types.Address
	instances     map[types.InstanceID]*escrow.Instance
	all           []types.InstanceID
	byParticipant map[types.Address][]types.InstanceID
	known         map[types.InstanceID]struct{}
	seq           uint64
	maxMilestones int

	transfers escrow.TransferPort
	deposits  escrow.DepositPort
	emitter   events.Emitter
	now       func() time.Time
}

// Claim identifies a milestone whose approval timeout has elapsed.
type Claim struct {
	ID    types.InstanceID
	Payee types.Address
	Index int
}

// Stats summarizes the lifecycle position of every instance.
type Stats struct {
	Total     int `json:"total"`
	Unfunded  int `json:"unfunded"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Cancelled int `json:"cancelled"`
}

// New returns an empty registry.
func New(cfg Config) *Registry {
	r := &Registry{
		addr:          cfg.Address,
		instances:     make(map[types.InstanceID]*escrow.Instance),
		all:           make([]types.InstanceID, 0),
		byParticipant: make(map[types.Address][]types.InstanceID),
		known:         make(map[types.InstanceID]struct{}),
		maxMilestones: cfg.MaxMilestones,
		transfers:     cfg.Transfers,
		deposits:      cfg.Deposits,
		emitter:       cfg.Emitter,
		now:           cfg.Now,
	}
	if r.emitter == nil {
		r.emitter = events.NoopEmitter{}
	}
	if r.now == nil {
		r.now = func() time.Time { return time.Now().UTC() }
	}
	return r
}

// Address returns the registry's own identity.
func (r *Registry) Address() types.Address { return r.addr }

// SetEmitter replaces the signal sink for the registry and every instance it
// creates afterwards. Used to silence signals during journal replay.
func (r *Registry) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.emitter = emitter
}

// SetNow replaces the registry clock.
func (r *Registry) SetNow(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

// ============================================================================
// 建立
// ============================================================================

// CreateInstance creates an unfunded instance with caller as payer.
func (r *Registry) CreateInstance(ctx context.Context, payer, payee types.Address, milestoneCount int, amountPerMilestone *uint256.Int) (types.InstanceID, error) {
	if err := ctx.Err(); err != nil {
		return types.InstanceID{}, err
	}

	r.mu.Lock()
	id := deriveID(r.addr, payer, payee, r.seq)
	inst, err := escrow.New(escrow.Config{
		ID:                 id,
		Creator:            r.addr,
		Payer:              payer,
		Payee:              payee,
		MilestoneCount:     milestoneCount,
		AmountPerMilestone: amountPerMilestone,
		CreatedAt:          r.now(),
		MaxMilestones:      r.maxMilestones,
		Transfers:          r.transfers,
		Deposits:           r.deposits,
		Emitter:            r.dynamicEmitter(),
		Now:                r.clock,
	})
	if err != nil {
		r.mu.Unlock()
		return types.InstanceID{}, err
	}
	r.seq++
	r.insertLocked(inst)
	emitter := r.emitter
	r.mu.Unlock()

	emitter.Emit(escrow.NewCreatedEvent(inst.Record()))
	return id, nil
}

// CreateAndFund creates an instance and funds it in one call. A supplied
// amount different from milestoneCount × amountPerMilestone is rejected before
// anything is created. When funding itself fails the unfunded instance stays
// registered and its id is returned with the error.
func (r *Registry) CreateAndFund(ctx context.Context, payer, payee types.Address, milestoneCount int, amountPerMilestone, supplied *uint256.Int) (types.InstanceID, error) {
	if err := escrow.CheckMilestoneCount(milestoneCount, r.maxMilestones); err != nil {
		return types.InstanceID{}, err
	}
	total, err := escrow.TotalFor(milestoneCount, amountPerMilestone)
	if err != nil {
		return types.InstanceID{}, err
	}
	if supplied == nil || supplied.Cmp(total) != 0 {
		return types.InstanceID{}, fmt.Errorf("%w: supplied %s, want %s", escrow.ErrIncorrectAmount, decOrNil(supplied), total.Dec())
	}

	id, err := r.CreateInstance(ctx, payer, payee, milestoneCount, amountPerMilestone)
	if err != nil {
		return types.InstanceID{}, err
	}
	inst, err := r.Instance(id)
	if err != nil {
		return id, err
	}
	if err := inst.FundOnBehalf(ctx, r.addr, supplied); err != nil {
		log.Warn("create-and-fund left instance unfunded", "id", id.Hex(), "error", err)
		return id, err
	}
	return id, nil
}

// insertLocked appends inst to every index. Caller holds r.mu.
func (r *Registry) insertLocked(inst *escrow.Instance) {
	id := inst.ID()
	r.instances[id] = inst
	r.all = append(r.all, id)
	r.byParticipant[inst.Payer()] = append(r.byParticipant[inst.Payer()], id)
	r.byParticipant[inst.Payee()] = append(r.byParticipant[inst.Payee()], id)
	r.known[id] = struct{}{}
}

// dynamicEmitter forwards to whatever emitter the registry holds at emit
// time, so SetEmitter also applies to instances created earlier.
func (r *Registry) dynamicEmitter() events.Emitter {
	return events.EmitterFunc(func(e events.Event) {
		r.mu.RLock()
		emitter := r.emitter
		r.mu.RUnlock()
		emitter.Emit(e)
	})
}

func (r *Registry) clock() time.Time {
	r.mu.RLock()
	now := r.now
	r.mu.RUnlock()
	return now()
}

// ============================================================================
// 查詢
// ============================================================================

// Instance returns the instance with the given id.
func (r *Registry) Instance(id types.InstanceID) (*escrow.Instance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.instances[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", escrow.ErrUnknownInstance, id.Hex())
	}
	return inst, nil
}

// All returns every instance id in creation order.
func (r *Registry) All() []types.InstanceID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.InstanceID, len(r.all))
	copy(out, r.all)
	return out
}

// For returns the ids addr participates in, in creation order.
func (r *Registry) For(addr types.Address) []types.InstanceID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := r.byParticipant[addr]
	out := make([]types.InstanceID, len(ids))
	copy(out, ids)
	return out
}

// CountAll returns the number of instances created.
func (r *Registry) CountAll() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.all)
}

// CountFor returns the number of instances addr participates in.
func (r *Registry) CountFor(addr types.Address) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byParticipant[addr])
}

// IsKnown reports whether id was created by this registry.
func (r *Registry) IsKnown(id types.InstanceID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.known[id]
	return ok
}

// Seq returns the creation sequence used for the next id.
func (r *Registry) Seq() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.seq
}

// Claimable lists milestones whose approval timeout has elapsed at now, in
// creation order.
func (r *Registry) Claimable(now time.Time) []Claim {
	var out []Claim
	for _, inst := range r.snapshotInstances() {
		for _, idx := range inst.ClaimableAt(now) {
			out = append(out, Claim{ID: inst.ID(), Payee: inst.Payee(), Index: idx})
		}
	}
	return out
}

// Stats returns lifecycle counts over all instances.
func (r *Registry) Stats() Stats {
	var s Stats
	for _, inst := range r.snapshotInstances() {
		s.Total++
		switch {
		case inst.IsCancelled():
			s.Cancelled++
		case inst.IsComplete():
			s.Completed++
		case inst.IsFunded():
			s.Active++
		default:
			s.Unfunded++
		}
	}
	return s
}

// Records returns the persisted form of every instance in creation order.
func (r *Registry) Records() []types.InstanceRecord {
	insts := r.snapshotInstances()
	out := make([]types.InstanceRecord, 0, len(insts))
	for _, inst := range insts {
		out = append(out, inst.Record())
	}
	return out
}

// Restore replaces the registry contents with records and sets the creation
// sequence. Records must be in creation order.
func (r *Registry) Restore(records []types.InstanceRecord, seq uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.instances = make(map[types.InstanceID]*escrow.Instance, len(records))
	r.all = make([]types.InstanceID, 0, len(records))
	r.byParticipant = make(map[types.Address][]types.InstanceID)
	r.known = make(map[types.InstanceID]struct{}, len(records))
	r.seq = seq

	for _, rec := range records {
		if _, dup := r.known[rec.ID]; dup {
			return fmt.Errorf("registry: duplicate instance %s in snapshot", rec.ID.Hex())
		}
		inst, err := escrow.FromRecord(rec, escrow.Config{
			Transfers: r.transfers,
			Deposits:  r.deposits,
			Emitter:   r.dynamicEmitter(),
			Now:       r.clock,
		})
		if err != nil {
			return fmt.Errorf("registry: restore %s: %w", rec.ID.Hex(), err)
		}
		r.insertLocked(inst)
	}
	if uint64(len(r.all)) > r.seq {
		r.seq = uint64(len(r.all))
	}
	return nil
}

func (r *Registry) snapshotInstances() []*escrow.Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*escrow.Instance, 0, len(r.all))
	for _, id := range r.all {
		out = append(out, r.instances[id])
	}
	return out
}

func deriveID(registry, payer, payee types.Address, seq uint64) types.InstanceID {
	var seqBytes [8]byte
	binary.BigEndian.PutUint64(seqBytes[:], seq)
	return ethcrypto.Keccak256Hash(registry[:], payer[:], payee[:], seqBytes[:])
}

func decOrNil(v *uint256.Int) string {
	if v == nil {
		return "<nil>"
	}
	return v.Dec()
}
