package snapshot

// ============================================================================
// Snapshot Manager 測試檔案
// 職責：驗證快照的原子性寫入、載入、版本驗證與錯誤處理
// ============================================================================

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/milestone-escrow/pkg/types"
)

func sampleSnapshot(lastSeq uint64) types.SnapshotData {
	id := common.HexToHash("0x0abc")
	payer := common.HexToAddress("0x1111111111111111111111111111111111111111")
	payee := common.HexToAddress("0x2222222222222222222222222222222222222222")
	created := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	return types.SnapshotData{
		LastSeq:     lastSeq,
		RegistrySeq: 1,
		Instances: []types.InstanceRecord{{
			ID:                 id,
			Payer:              payer,
			Payee:              payee,
			MilestoneCount:     2,
			AmountPerMilestone: "5",
			TotalRequired:      "10",
			Balance:            "5",
			PaidCount:          1,
			Funded:             true,
			CreatedAt:          created,
			Milestones: []types.Milestone{
				{Index: 0, State: types.MilestoneApproved, SubmittedAt: created.Add(time.Hour), Paid: true},
				{Index: 1, State: types.MilestonePending},
			},
		}},
		Ledger: types.LedgerState{
			Accounts: map[types.Address]string{payee: "5", payer: "90"},
			Held:     map[types.InstanceID]string{id: "5"},
		},
		TakenAt: created.Add(2 * time.Hour),
	}
}

// ============================================================================
// 基礎功能測試
// ============================================================================

func TestNewManager(t *testing.T) {
	manager := NewManager("test_snapshot.json")
	assert.NotNil(t, manager)
	assert.Equal(t, "test_snapshot.json", manager.GetPath())
}

func TestWriteAndLoad(t *testing.T) {
	snapshotPath := filepath.Join(t.TempDir(), "snapshot.json")
	manager := NewManager(snapshotPath)

	original := sampleSnapshot(42)
	require.NoError(t, manager.Write(original))

	loaded, err := manager.Load()
	require.NoError(t, err)
	original.SchemaVer = SchemaVersion
	assert.Equal(t, original, loaded)
}

func TestWrite_SetsTakenAt(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "snapshot.json"))
	data := sampleSnapshot(1)
	data.TakenAt = time.Time{}
	require.NoError(t, manager.Write(data))

	loaded, err := manager.Load()
	require.NoError(t, err)
	assert.False(t, loaded.TakenAt.IsZero())
}

// TestAtomicWrite 並發寫入與讀取時不會讀到半成品
func TestAtomicWrite(t *testing.T) {
	snapshotPath := filepath.Join(t.TempDir(), "snapshot.json")
	manager := NewManager(snapshotPath)
	require.NoError(t, manager.Write(sampleSnapshot(50)))

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		assert.NoError(t, manager.Write(sampleSnapshot(100)))
	}()

	var loaded types.SnapshotData
	go func() {
		defer wg.Done()
		time.Sleep(5 * time.Millisecond)
		data, err := manager.Load()
		assert.NoError(t, err)
		loaded = data
	}()
	wg.Wait()

	assert.True(t, loaded.LastSeq == 50 || loaded.LastSeq == 100,
		"should load either old (50) or new (100) snapshot, got %d", loaded.LastSeq)
	_, err := os.Stat(snapshotPath + ".tmp")
	assert.True(t, os.IsNotExist(err), "temp file should not exist after write")
}

func TestExists(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "snapshot.json"))
	assert.False(t, manager.Exists())
	require.NoError(t, manager.Write(types.SnapshotData{}))
	assert.True(t, manager.Exists())
}

// ============================================================================
// 錯誤處理測試
// ============================================================================

// TestFirstBoot 載入不存在的快照應該回傳空狀態，不是錯誤
func TestFirstBoot(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "missing.json"))

	loaded, err := manager.Load()
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion, loaded.SchemaVer)
	assert.Zero(t, loaded.LastSeq)
	assert.NotNil(t, loaded.Instances)
	assert.Empty(t, loaded.Instances)
	assert.NotNil(t, loaded.Ledger.Accounts)
	assert.NotNil(t, loaded.Ledger.Held)
}

func TestVersionMismatch(t *testing.T) {
	snapshotPath := filepath.Join(t.TempDir(), "snapshot.json")
	manager := NewManager(snapshotPath)

	data := sampleSnapshot(0)
	data.SchemaVer = 2
	jsonBytes, err := json.MarshalIndent(data, "", "  ")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(snapshotPath, jsonBytes, 0644))

	_, err = manager.Load()
	assert.ErrorIs(t, err, ErrIncompatibleVersion)
}

func TestCorrupted(t *testing.T) {
	snapshotPath := filepath.Join(t.TempDir(), "snapshot.json")
	manager := NewManager(snapshotPath)
	require.NoError(t, os.WriteFile(snapshotPath, []byte(`{"schema_ver": 1, "instances": [{"id": "0x`), 0644))

	_, err := manager.Load()
	assert.ErrorIs(t, err, ErrCorruptedSnapshot)
}

func TestWriteFailure(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "no-such-dir", "snapshot.json"))
	assert.Error(t, manager.Write(sampleSnapshot(1)))
}

// ============================================================================
// 進階功能測試
// ============================================================================

func TestWriteWithBackup_PrunesOldBackups(t *testing.T) {
	snapshotPath := filepath.Join(t.TempDir(), "snapshot.json")
	manager := NewManager(snapshotPath)

	for seq := uint64(1); seq <= 5; seq++ {
		require.NoError(t, manager.WriteWithBackup(sampleSnapshot(seq), 2))
		time.Sleep(2 * time.Millisecond)
	}

	backups, err := manager.Backups()
	require.NoError(t, err)
	assert.Len(t, backups, 2)

	loaded, err := manager.Load()
	require.NoError(t, err)
	assert.Equal(t, uint64(5), loaded.LastSeq)

	newest := NewManager(backups[len(backups)-1])
	prev, err := newest.Load()
	require.NoError(t, err)
	assert.Equal(t, uint64(4), prev.LastSeq)
}

func TestConcurrentWrites(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "snapshot.json"))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(seq uint64) {
			defer wg.Done()
			assert.NoError(t, manager.Write(sampleSnapshot(seq)))
		}(uint64(i))
	}
	wg.Wait()

	loaded, err := manager.Load()
	require.NoError(t, err)
	assert.Less(t, loaded.LastSeq, uint64(10))
	assert.Len(t, loaded.Instances, 1)
}

func BenchmarkWrite(b *testing.B) {
	manager := NewManager(filepath.Join(b.TempDir(), "snapshot.json"))
	data := sampleSnapshot(1)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := manager.Write(data); err != nil {
			b.Fatal(err)
		}
	}
}
