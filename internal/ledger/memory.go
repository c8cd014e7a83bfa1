// Package ledger holds participant balances and the value each escrow
// instance has in custody. It is the TransferPort behind every instance.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/holiman/uint256"

	"github.com/ChuLiYu/milestone-escrow/pkg/types"
)

var (
	// ErrInsufficientFunds is returned when the debited side holds less than
	// the requested amount.
	ErrInsufficientFunds = errors.New("ledger: insufficient funds")
	// ErrOverflow is returned when a credit would exceed 2^256-1.
	ErrOverflow = errors.New("ledger: balance overflow")
)

// Memory is an in-process ledger. Every movement is all-or-nothing.
type Memory struct {
	mu       sync.RWMutex
	accounts map[types.Address]*uint256.Int
	held     map[types.InstanceID]*uint256.Int
}

// NewMemory returns an empty ledger.
func NewMemory() *Memory {
	return &Memory{
		accounts: make(map[types.Address]*uint256.Int),
		held:     make(map[types.InstanceID]*uint256.Int),
	}
}

// Credit mints amount into addr. Used for opening balances and tests.
func (m *Memory) Credit(addr types.Address, amount *uint256.Int) error {
	if amount == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	next, overflow := new(uint256.Int).AddOverflow(m.account(addr), amount)
	if overflow {
		return fmt.Errorf("%w: %s", ErrOverflow, addr.Hex())
	}
	m.accounts[addr] = next
	return nil
}

// Deposit moves amount from a participant account into an instance's custody.
func (m *Memory) Deposit(ctx context.Context, from types.Address, to types.InstanceID, amount *uint256.Int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if amount == nil || amount.IsZero() {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	bal := m.account(from)
	if bal.Lt(amount) {
		return fmt.Errorf("%w: %s has %s, needs %s", ErrInsufficientFunds, from.Hex(), bal.Dec(), amount.Dec())
	}
	held := m.custody(to)
	next, overflow := new(uint256.Int).AddOverflow(held, amount)
	if overflow {
		return fmt.Errorf("%w: instance %s", ErrOverflow, to.Hex())
	}
	m.accounts[from] = new(uint256.Int).Sub(bal, amount)
	m.held[to] = next
	return nil
}

// Transfer moves amount out of an instance's custody to a participant.
func (m *Memory) Transfer(ctx context.Context, from types.InstanceID, to types.Address, amount *uint256.Int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if amount == nil || amount.IsZero() {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	held := m.custody(from)
	if held.Lt(amount) {
		return fmt.Errorf("%w: instance %s holds %s, needs %s", ErrInsufficientFunds, from.Hex(), held.Dec(), amount.Dec())
	}
	next, overflow := new(uint256.Int).AddOverflow(m.account(to), amount)
	if overflow {
		return fmt.Errorf("%w: %s", ErrOverflow, to.Hex())
	}
	m.held[from] = new(uint256.Int).Sub(held, amount)
	m.accounts[to] = next
	return nil
}

// Balance returns the spendable balance of addr.
func (m *Memory) Balance(addr types.Address) *uint256.Int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return new(uint256.Int).Set(m.account(addr))
}

// Held returns the value in custody of instance id.
func (m *Memory) Held(id types.InstanceID) *uint256.Int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return new(uint256.Int).Set(m.custody(id))
}

// Supply returns the sum of all account and custody balances.
func (m *Memory) Supply() *uint256.Int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	total := new(uint256.Int)
	for _, v := range m.accounts {
		total.Add(total, v)
	}
	for _, v := range m.held {
		total.Add(total, v)
	}
	return total
}

// State returns a serializable copy of the ledger. Zero entries are omitted.
func (m *Memory) State() types.LedgerState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := types.LedgerState{
		Accounts: make(map[types.Address]string, len(m.accounts)),
		Held:     make(map[types.InstanceID]string, len(m.held)),
	}
	for k, v := range m.accounts {
		if !v.IsZero() {
			out.Accounts[k] = v.Dec()
		}
	}
	for k, v := range m.held {
		if !v.IsZero() {
			out.Held[k] = v.Dec()
		}
	}
	return out
}

// Restore replaces the ledger contents with state.
func (m *Memory) Restore(state types.LedgerState) error {
	accounts := make(map[types.Address]*uint256.Int, len(state.Accounts))
	for k, v := range state.Accounts {
		amt, err := uint256.FromDecimal(v)
		if err != nil {
			return fmt.Errorf("ledger: account %s: %w", k.Hex(), err)
		}
		accounts[k] = amt
	}
	held := make(map[types.InstanceID]*uint256.Int, len(state.Held))
	for k, v := range state.Held {
		amt, err := uint256.FromDecimal(v)
		if err != nil {
			return fmt.Errorf("ledger: held %s: %w", k.Hex(), err)
		}
		held[k] = amt
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts = accounts
	m.held = held
	return nil
}

// account and custody return the stored value or zero. Caller holds m.mu.
func (m *Memory) account(addr types.Address) *uint256.Int {
	if v, ok := m.accounts[addr]; ok {
		return v
	}
	return new(uint256.Int)
}

func (m *Memory) custody(id types.InstanceID) *uint256.Int {
	if v, ok := m.held[id]; ok {
		return v
	}
	return new(uint256.Int)
}
