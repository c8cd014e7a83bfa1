package ledger

import (
	"context"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	alice = common.HexToAddress("0x1111111111111111111111111111111111111111")
	bob   = common.HexToAddress("0x2222222222222222222222222222222222222222")
	job   = common.HexToHash("0x01")
)

func TestMemory_DepositAndTransfer(t *testing.T) {
	ctx := context.Background()
	l := NewMemory()
	require.NoError(t, l.Credit(alice, uint256.NewInt(500)))

	require.NoError(t, l.Deposit(ctx, alice, job, uint256.NewInt(300)))
	assert.Equal(t, "200", l.Balance(alice).Dec())
	assert.Equal(t, "300", l.Held(job).Dec())

	require.NoError(t, l.Transfer(ctx, job, bob, uint256.NewInt(100)))
	assert.Equal(t, "100", l.Balance(bob).Dec())
	assert.Equal(t, "200", l.Held(job).Dec())
	assert.Equal(t, "500", l.Supply().Dec())
}

func TestMemory_InsufficientFundsIsAtomic(t *testing.T) {
	ctx := context.Background()
	l := NewMemory()
	require.NoError(t, l.Credit(alice, uint256.NewInt(10)))

	assert.ErrorIs(t, l.Deposit(ctx, alice, job, uint256.NewInt(11)), ErrInsufficientFunds)
	assert.Equal(t, "10", l.Balance(alice).Dec())
	assert.True(t, l.Held(job).IsZero())

	assert.ErrorIs(t, l.Transfer(ctx, job, bob, uint256.NewInt(1)), ErrInsufficientFunds)
	assert.True(t, l.Balance(bob).IsZero())
}

func TestMemory_Overflow(t *testing.T) {
	l := NewMemory()
	require.NoError(t, l.Credit(alice, new(uint256.Int).SetAllOne()))
	assert.ErrorIs(t, l.Credit(alice, uint256.NewInt(1)), ErrOverflow)
}

func TestMemory_CancelledContext(t *testing.T) {
	l := NewMemory()
	require.NoError(t, l.Credit(alice, uint256.NewInt(10)))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, l.Deposit(ctx, alice, job, uint256.NewInt(1)), context.Canceled)
	assert.Equal(t, "10", l.Balance(alice).Dec())
}

func TestMemory_StateRestore(t *testing.T) {
	ctx := context.Background()
	l := NewMemory()
	require.NoError(t, l.Credit(alice, uint256.NewInt(50)))
	require.NoError(t, l.Deposit(ctx, alice, job, uint256.NewInt(50)))

	state := l.State()
	assert.NotContains(t, state.Accounts, alice, "zero balances are omitted")
	assert.Equal(t, "50", state.Held[job])

	restored := NewMemory()
	require.NoError(t, restored.Restore(state))
	assert.Equal(t, state, restored.State())

	state.Held[job] = "x"
	assert.Error(t, restored.Restore(state))
	assert.Equal(t, "50", restored.Held(job).Dec(), "failed restore keeps previous contents")
}

func TestMemory_ConcurrentMovesConserveSupply(t *testing.T) {
	ctx := context.Background()
	l := NewMemory()
	require.NoError(t, l.Credit(alice, uint256.NewInt(1000)))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := l.Deposit(ctx, alice, job, uint256.NewInt(10)); err == nil {
				_ = l.Transfer(ctx, job, bob, uint256.NewInt(10))
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, "1000", l.Supply().Dec())
	assert.Equal(t, "500", l.Balance(bob).Dec())
}
