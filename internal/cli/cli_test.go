package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/milestone-escrow/internal/controller"
	"github.com/ChuLiYu/milestone-escrow/internal/escrow"
	"github.com/ChuLiYu/milestone-escrow/internal/storage/wal"
	"github.com/ChuLiYu/milestone-escrow/pkg/types"
)

const (
	payerHex = "0x00000000000000000000000000000000000000a1"
	payeeHex = "0x00000000000000000000000000000000000000b2"
)

func TestBuildCLI(t *testing.T) {
	cmd := BuildCLI()

	assert.NotNil(t, cmd, "BuildCLI should return a non-nil command")
	assert.Equal(t, "escrowd", cmd.Use)
	assert.Equal(t, Version, cmd.Version)

	// 檢查子命令
	names := make(map[string]bool)
	for _, c := range cmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{
		"serve", "status", "journal",
		"create", "create-fund", "fund", "submit", "approve", "claim", "cancel",
		"show", "list", "claimable", "credit", "balance",
	} {
		assert.True(t, names[want], "missing command %q", want)
	}

	// 檢查持久化標誌
	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag)
	assert.Equal(t, "c", configFlag.Shorthand)
	assert.Equal(t, "configs/default.yaml", configFlag.DefValue)

	serverFlag := cmd.PersistentFlags().Lookup("server")
	require.NotNil(t, serverFlag)
	assert.Equal(t, "localhost:50051", serverFlag.DefValue)
	assert.NotNil(t, cmd.PersistentFlags().Lookup("as"))
}

func TestBuildJournalCommand(t *testing.T) {
	cmd := buildJournalCommand(&rootOptions{})

	assert.Equal(t, "journal", cmd.Use)
	assert.NotNil(t, cmd.PersistentFlags().Lookup("path"))
	names := make(map[string]bool)
	for _, c := range cmd.Commands() {
		names[c.Name()] = true
	}
	assert.True(t, names["dump"])
	assert.True(t, names["validate"])
}

func TestLoadConfig_ValidYAML(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "escrow.yaml")
	content := `
registry:
  address: "0x00000000000000000000000000000000000e5c41"
  max_milestones: 64
ledger:
  genesis:
    - account: "` + payerHex + `"
      amount: "1000"
wal:
  path: /tmp/x.wal
  sync_on_append: false
snapshot:
  path: /tmp/x.snapshot
  interval_seconds: 5
grpc:
  listen: "127.0.0.1:6000"
http:
  enabled: false
logging:
  level: debug
  format: json
notify:
  workers: 4
  webhooks:
    - url: http://localhost:9999/hook
      events: [escrow.completed]
`
	require.NoError(t, os.WriteFile(configPath, []byte(content), 0o644))

	cfg, err := loadConfig(configPath)
	require.NoError(t, err)

	assert.Equal(t, "0x00000000000000000000000000000000000e5c41", cfg.Registry.Address)
	assert.Equal(t, 64, cfg.Registry.MaxMilestones)
	require.Len(t, cfg.Ledger.Genesis, 1)
	assert.Equal(t, "1000", cfg.Ledger.Genesis[0].Amount)
	assert.Equal(t, "/tmp/x.wal", cfg.WAL.Path)
	assert.False(t, cfg.WAL.SyncOnAppend)
	assert.Equal(t, 5, cfg.Snapshot.IntervalSeconds)
	assert.Equal(t, "127.0.0.1:6000", cfg.GRPC.Listen)
	assert.False(t, cfg.HTTP.Enabled)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, 4, cfg.Notify.Workers)
	require.Len(t, cfg.Notify.Webhooks, 1)
	assert.Equal(t, []string{"escrow.completed"}, cfg.Notify.Webhooks[0].Events)

	// 未設定的欄位沿用預設值
	assert.Equal(t, 3, cfg.Snapshot.RetentionCount)
	assert.Equal(t, 100, cfg.WAL.BufferSize)
}

func TestLoadConfig_FileNotFound(t *testing.T) {
	cfg, err := loadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadConfig_InvalidYAML(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("wal: [unclosed"), 0o644))

	_, err := loadConfig(configPath)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "parse config")
}

func TestLoadConfig_EmptyFile(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "empty.yaml")
	require.NoError(t, os.WriteFile(configPath, nil, 0o644))

	cfg, err := loadConfig(configPath)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadConfig_ValidationErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"bad registry", "registry:\n  address: nope\n", "registry.address"},
		{"negative milestone limit", "registry:\n  max_milestones: -1\n", "registry.max_milestones"},
		{"empty wal path", "wal:\n  path: \"\"\n", "wal.path"},
		{"bad genesis account", "ledger:\n  genesis:\n    - account: xyz\n      amount: \"1\"\n", "ledger.genesis[0].account"},
		{"bad genesis amount", "ledger:\n  genesis:\n    - account: \"" + payerHex + "\"\n      amount: \"-5\"\n", "ledger.genesis[0].amount"},
		{"webhook without url", "notify:\n  webhooks:\n    - events: [escrow.funded]\n", "notify.webhooks[0].url"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			configPath := filepath.Join(t.TempDir(), "c.yaml")
			require.NoError(t, os.WriteFile(configPath, []byte(tt.content), 0o644))
			_, err := loadConfig(configPath)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestControllerConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Notify.Webhooks = []Webhook{{URL: "http://localhost/a"}, {URL: "http://localhost/b", Events: []string{"escrow.funded"}}}

	cc := cfg.ControllerConfig()
	assert.Equal(t, "data/escrow.wal", cc.WALPath)
	assert.Equal(t, "data/escrow.snapshot", cc.SnapshotPath)
	assert.Equal(t, 30*time.Second, cc.SnapshotInterval)
	assert.Equal(t, time.Minute, cc.WatchInterval)
	assert.Equal(t, 3, cc.SnapshotBackups)
	assert.Equal(t, mustAddress(t, "0x00000000000000000000000000000000000e5c40"), cc.RegistryAddress)
	assert.Equal(t, escrow.DefaultMaxMilestones, cc.MaxMilestones)
	assert.Len(t, cc.Sinks, 2)
	assert.Equal(t, 5*time.Second, cc.Notify.Timeout)
	assert.Equal(t, 3, cc.Notify.Retry.MaxAttempts)
	assert.True(t, cc.WAL.SyncOnAppend)
}

func TestParseAmount(t *testing.T) {
	v, err := parseAmount("123456789012345678901234567890")
	require.NoError(t, err)
	assert.Equal(t, "123456789012345678901234567890", v.Dec())

	for _, bad := range []string{"", "-1", "1.5", "abc"} {
		_, err := parseAmount(bad)
		assert.Error(t, err, bad)
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, closer := newLogger(LoggingConfig{Level: "warn", Format: "json"}, &buf)
	defer closer.Close()

	logger.Info("hidden")
	logger.Warn("shown", "k", "v")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, `"msg":"shown"`)
	assert.Contains(t, out, `"k":"v"`)
}

func TestNewLogger_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "escrowd.log")
	logger, closer := newLogger(LoggingConfig{Level: "info", File: path, MaxSizeMB: 1}, os.Stderr)
	logger.Info("to file")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "to file")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, parseLevel("warning"))
	assert.Equal(t, slog.LevelError, parseLevel("error"))
	assert.Equal(t, slog.LevelInfo, parseLevel(""))
	assert.Equal(t, slog.LevelInfo, parseLevel("verbose"))
}

// ============================================================================
// journal 子命令
// ============================================================================

func writeJournal(t *testing.T, n int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "escrow.wal")
	w, err := wal.NewWAL(path, wal.Options{SyncOnAppend: true})
	require.NoError(t, err)
	for i := 0; i < n; i++ {
		_, err := w.Append(wal.Event{
			Type:   wal.EventCredit,
			Caller: mustAddress(t, payerHex),
			Amount: "10",
			At:     time.Unix(1700000000, 0).UnixNano(),
		}, true)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return path
}

func mustAddress(t *testing.T, s string) types.Address {
	t.Helper()
	a, err := types.ParseAddress(s)
	require.NoError(t, err)
	return a
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := BuildCLI()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestJournalValidate(t *testing.T) {
	path := writeJournal(t, 3)

	out, err := runCLI(t, "journal", "validate", "--path", path)
	require.NoError(t, err)
	assert.Contains(t, out, "OK: 3 events")

	// 破壞最後一筆
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data[:len(data)-5], 0o644))
	_, err = runCLI(t, "journal", "validate", "--path", path)
	assert.Error(t, err)
}

func TestJournalDump(t *testing.T) {
	path := writeJournal(t, 2)

	out, err := runCLI(t, "journal", "dump", "--path", path)
	require.NoError(t, err)
	assert.Contains(t, out, string(wal.EventCredit))
}

func TestShowStatus_Local(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "c.yaml")
	walPath := writeJournal(t, 2)
	require.NoError(t, os.WriteFile(configPath, []byte("wal:\n  path: "+walPath+"\n"), 0o644))

	out, err := runCLI(t, "status", "--config", configPath)
	require.NoError(t, err)
	assert.Contains(t, out, "2 events, last seq 2")
	assert.Contains(t, out, "snapshot:")
	assert.Contains(t, out, "(none)")
}

// ============================================================================
// 端對端：serve + client commands
// ============================================================================

func startService(t *testing.T, genesis []GenesisAccount) (string, *Config) {
	t.Helper()
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.WAL.Path = filepath.Join(dir, "data", "escrow.wal")
	cfg.Snapshot.Path = filepath.Join(dir, "data", "escrow.snapshot")
	cfg.GRPC.Listen = "127.0.0.1:0"
	cfg.HTTP.Enabled = false
	cfg.Metrics.Enabled = false
	cfg.Logging.Level = "error"
	cfg.Ledger.Genesis = genesis

	ctx, cancel := context.WithCancel(context.Background())
	ready := make(chan string, 1)
	done := make(chan error, 1)
	go func() { done <- runService(ctx, cfg, ready) }()

	var addr string
	select {
	case addr = <-ready:
	case err := <-done:
		cancel()
		t.Fatalf("service exited early: %v", err)
	case <-time.After(5 * time.Second):
		cancel()
		t.Fatal("service did not start")
	}

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("service did not stop")
		}
	})
	return addr, cfg
}

func decodeReceipt(t *testing.T, out string) controller.Receipt {
	t.Helper()
	var r controller.Receipt
	require.NoError(t, json.Unmarshal([]byte(out), &r), out)
	return r
}

func TestClientCommands_EndToEnd(t *testing.T) {
	addr, cfg := startService(t, []GenesisAccount{{Account: payerHex, Amount: "1000"}})
	as := func(who string, args ...string) (string, error) {
		return runCLI(t, append([]string{"--server", addr, "--as", who}, args...)...)
	}

	// genesis 已入帳
	out, err := as(payerHex, "balance", payerHex)
	require.NoError(t, err)
	assert.Contains(t, out, `"balance": "1000"`)

	out, err = as(payerHex, "create-fund", payeeHex, "3", "100", "300")
	require.NoError(t, err)
	receipt := decodeReceipt(t, out)
	require.NotEqual(t, types.InstanceID{}, receipt.InstanceID)
	id := receipt.InstanceID.Hex()

	_, err = as(payeeHex, "submit", id, "0")
	require.NoError(t, err)
	_, err = as(payerHex, "approve", id, "0")
	require.NoError(t, err)

	out, err = as(payerHex, "balance", payeeHex)
	require.NoError(t, err)
	assert.Contains(t, out, `"balance": "100"`)

	out, err = as(payerHex, "show", id)
	require.NoError(t, err)
	var rec types.InstanceRecord
	require.NoError(t, json.Unmarshal([]byte(out), &rec))
	assert.Equal(t, 1, rec.PaidCount)
	assert.Equal(t, "200", rec.Balance)

	out, err = as(payerHex, "list", "--participant", payeeHex)
	require.NoError(t, err)
	var list []types.InstanceRecord
	require.NoError(t, json.Unmarshal([]byte(out), &list))
	require.Len(t, list, 1)

	// 收款方不能核准
	_, err = as(payeeHex, "approve", id, "1")
	assert.ErrorIs(t, err, escrow.ErrUnauthorized)

	_, err = as(payerHex, "cancel", id)
	assert.ErrorIs(t, err, escrow.ErrCannotCancel)

	out, err = as(payerHex, "claimable")
	require.NoError(t, err)
	assert.Equal(t, "null\n", out)

	// status --remote 讀本地設定並查詢服務
	configPath := filepath.Join(t.TempDir(), "c.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("wal:\n  path: "+cfg.WAL.Path+"\n"), 0o644))
	out, err = runCLI(t, "--server", addr, "--config", configPath, "status", "--remote")
	require.NoError(t, err)
	assert.Contains(t, out, "Service:")
	assert.Contains(t, out, `"instances": 1`)
}

func TestClientCommands_CreateAndFundFailureReportsInstance(t *testing.T) {
	addr, _ := startService(t, nil)

	// payer 沒有餘額：instance 已建立但 funding 失敗
	out, err := runCLI(t, "--server", addr, "--as", payerHex, "create-fund", payeeHex, "2", "50", "100")
	require.Error(t, err)
	assert.ErrorIs(t, err, escrow.ErrTransferFailed)
	receipt := decodeReceipt(t, out)
	assert.NotEqual(t, types.InstanceID{}, receipt.InstanceID)

	out, err = runCLI(t, "--server", addr, "--as", payerHex, "create-fund", payeeHex, "2", "50", "99")
	assert.ErrorIs(t, err, escrow.ErrIncorrectAmount)
	assert.Empty(t, out)
}

func TestClientCommands_ArgumentErrors(t *testing.T) {
	_, err := runCLI(t, "--server", "127.0.0.1:1", "fund", "not-an-id", "10")
	assert.Error(t, err)

	_, err = runCLI(t, "--server", "127.0.0.1:1", "submit", "0x"+string(bytes.Repeat([]byte("0"), 64)), "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid milestone index")

	_, err = runCLI(t, "--as", "bogus", "balance", payerHex)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--as")

	_, err = runCLI(t, "create", payeeHex, "3")
	assert.Error(t, err)
}
