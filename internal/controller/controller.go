// ============================================================================
// Milestone Escrow 控制器 - 服務核心協調器
// ============================================================================
//
// Package: internal/controller
// 文件: controller.go
// 功能: 協調 registry、ledger、journal、snapshot 與通知池，實現崩潰恢復
//
// 架構設計:
//   - Registry: 托管實例與參與者索引
//   - Ledger: 帳戶餘額與每個實例的託管餘額（TransferPort / DepositPort）
//   - WAL: 每個成功的操作追加一筆 journal 記錄
//   - Snapshot: 定期保存 registry + ledger 狀態，加速恢復
//   - WorkerPool: 非同步投遞托管訊號到 webhook
//
// 背景循環:
//   1. Snapshot Loop - 定期快照並旋轉 journal
//   2. Watch Loop - 掃描已超過核准期限的里程碑（只記錄，不代為領取）
//   3. Result Loop - 接收通知投遞結果並更新指標
//
// 崩潰恢復流程:
//   1. loadSnapshot() - 還原 ledger 與 registry
//   2. replayWAL() - 以記錄的操作時間重放 seq > LastSeq 的事件，期間不發出訊號
//   3. 恢復訊號輸出，啟動循環
//
// 一致性:
//   - 所有會寫 journal 的操作在 c.mu 下序列化，journal 順序等於套用順序
//   - 只有成功的操作會寫入 journal；重放走同一個 apply 路徑
//
// ============================================================================

package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ChuLiYu/milestone-escrow/internal/escrow"
	"github.com/ChuLiYu/milestone-escrow/internal/events"
	"github.com/ChuLiYu/milestone-escrow/internal/ledger"
	"github.com/ChuLiYu/milestone-escrow/internal/metrics"
	"github.com/ChuLiYu/milestone-escrow/internal/registry"
	"github.com/ChuLiYu/milestone-escrow/internal/snapshot"
	"github.com/ChuLiYu/milestone-escrow/internal/storage/wal"
	"github.com/ChuLiYu/milestone-escrow/internal/worker"
	"github.com/ChuLiYu/milestone-escrow/pkg/types"
)

var log = slog.Default()

const tracerName = "github.com/ChuLiYu/milestone-escrow/internal/controller"

var (
	ErrNotStarted     = errors.New("controller: not started")
	ErrAlreadyStarted = errors.New("controller: already started")
	ErrStopped        = errors.New("controller: stopped")
	ErrJournal        = errors.New("controller: journal append failed")
	ErrReplay         = errors.New("controller: journal replay diverged")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Config Controller 配置
type Config struct {
	WALPath          string
	SnapshotPath     string
	SnapshotInterval time.Duration // 快照間隔
	SnapshotBackups  int           // 保留的舊快照數量，0 表示不保留
	WatchInterval    time.Duration // 可領取里程碑掃描間隔
	WAL              wal.Options

	RegistryAddress types.Address // registry 代付款人注資時使用的身份
	MaxMilestones   int           // 單一實例里程碑上限，0 表示 escrow.DefaultMaxMilestones

	Sinks         []worker.Sink // 通知目標；為空時不啟動 worker pool
	NotifyWorkers int
	Notify        worker.Options

	Registerer prometheus.Registerer // nil 表示 prometheus.DefaultRegisterer
	Now        func() time.Time
}

// Receipt 描述一次已寫入 journal 的操作
type Receipt struct {
	OpID       uuid.UUID        `json:"op_id"`
	Seq        uint64           `json:"seq"`
	InstanceID types.InstanceID `json:"instance_id"`
}

// Controller 系統核心控制器
type Controller struct {
	mu       sync.Mutex // 序列化 journal 操作，同時保護 started/stopped
	registry *registry.Registry
	ledger   *ledger.Memory
	wal      *wal.WAL
	snapshot *snapshot.Manager
	pool     *worker.Pool
	metrics  *metrics.Collector
	tracer   trace.Tracer
	emitter  events.Emitter
	config   Config

	now  func() time.Time
	opAt atomic.Int64 // 目前操作的時間（unix nanos），0 表示使用 now

	stopCh    chan struct{}
	started   bool
	stopped   bool
	startTime time.Time
	loopWg    sync.WaitGroup
}

// NewController 建立新的 Controller。journal 檔案會立即開啟，狀態在 Start 時恢復。
func NewController(config Config) (*Controller, error) {
	if config.SnapshotInterval <= 0 {
		config.SnapshotInterval = 30 * time.Second
	}
	if config.WatchInterval <= 0 {
		config.WatchInterval = time.Minute
	}
	if config.NotifyWorkers <= 0 {
		config.NotifyWorkers = 2
	}
	if config.Notify.Timeout <= 0 {
		config.Notify.Timeout = 5 * time.Second
	}

	w, err := wal.NewWAL(config.WALPath, config.WAL)
	if err != nil {
		return nil, fmt.Errorf("failed to open WAL: %w", err)
	}

	c := &Controller{
		ledger:   ledger.NewMemory(),
		wal:      w,
		snapshot: snapshot.NewManager(config.SnapshotPath),
		metrics:  metrics.NewCollector(config.Registerer),
		tracer:   otel.Tracer(tracerName),
		config:   config,
		now:      config.Now,
		stopCh:   make(chan struct{}),
	}
	if c.now == nil {
		c.now = func() time.Time { return time.Now().UTC() }
	}

	onDrop := config.Notify.OnDrop
	config.Notify.OnDrop = func(e events.Event, s worker.Sink) {
		c.metrics.RecordNotificationDropped()
		if onDrop != nil {
			onDrop(e, s)
		}
	}
	c.config.Notify = config.Notify

	live := events.Fanout{c.metrics, events.EmitterFunc(logSignal)}
	if len(config.Sinks) > 0 {
		c.pool = worker.NewPool(config.Sinks, config.Notify)
		live = append(live, c.pool)
	}
	c.emitter = live

	c.registry = registry.New(registry.Config{
		Address:       config.RegistryAddress,
		MaxMilestones: config.MaxMilestones,
		Transfers:     c.ledger,
		Deposits:      c.ledger,
		Emitter:       events.NoopEmitter{}, // Start 完成恢復後才開啟
		Now:           c.opClock,
	})
	return c, nil
}

// opClock 是 registry 與所有實例使用的時間來源
func (c *Controller) opClock() time.Time {
	if at := c.opAt.Load(); at != 0 {
		return time.Unix(0, at).UTC()
	}
	return c.now()
}

func logSignal(e events.Event) {
	log.Debug("escrow signal", "type", e.Type, "attributes", e.Attributes)
}

// ============================================================================
// 啟動與恢復
// ============================================================================

// Start 恢復狀態並啟動背景循環
func (c *Controller) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		return ErrStopped
	}
	if c.started {
		return ErrAlreadyStarted
	}

	log.Info("Starting controller...")
	recoveryStart := time.Now()

	snap, err := c.loadSnapshot()
	if err != nil {
		return fmt.Errorf("failed to load snapshot: %w", err)
	}
	replayed, err := c.replayWAL(snap.LastSeq)
	if err != nil {
		return fmt.Errorf("failed to replay WAL: %w", err)
	}

	c.registry.SetEmitter(c.emitter)

	recovery := time.Since(recoveryStart)
	c.metrics.SetRecoveryTime(recovery.Seconds())
	c.metrics.SetJournalSeq(c.wal.GetLastSeq())
	c.refreshGauges()
	log.Info("Recovery complete",
		"instances", c.registry.CountAll(),
		"replayed", replayed,
		"last_seq", c.wal.GetLastSeq(),
		"duration", recovery)

	if c.pool != nil {
		if err := c.pool.Start(c.config.NotifyWorkers); err != nil {
			return fmt.Errorf("failed to start notification pool: %w", err)
		}
		c.loopWg.Add(1)
		go c.resultLoop()
	}

	c.loopWg.Add(2)
	go c.snapshotLoop()
	go c.watchLoop()

	c.started = true
	c.startTime = time.Now()
	return nil
}

// loadSnapshot 從快照還原 ledger 與 registry
func (c *Controller) loadSnapshot() (types.SnapshotData, error) {
	snap, err := c.snapshot.Load()
	if err != nil {
		return snap, err
	}
	if err := c.ledger.Restore(snap.Ledger); err != nil {
		return snap, fmt.Errorf("restore ledger: %w", err)
	}
	if err := c.registry.Restore(snap.Instances, snap.RegistrySeq); err != nil {
		return snap, err
	}
	c.wal.SetBaseSeq(snap.LastSeq)

	if len(snap.Instances) > 0 {
		log.Info("Snapshot loaded",
			"instances", len(snap.Instances),
			"last_seq", snap.LastSeq,
			"taken_at", snap.TakenAt)
	}
	return snap, nil
}

// replayWAL 重放快照之後的 journal 事件。重放期間時鐘固定為事件記錄的操作時間。
func (c *Controller) replayWAL(lastSeq uint64) (int, error) {
	defer c.opAt.Store(0)

	ctx := context.Background()
	replayed := 0
	err := c.wal.Replay(func(event wal.Event) error {
		if event.Seq <= lastSeq {
			return nil
		}
		c.opAt.Store(event.At)
		if err := c.apply(ctx, &event); err != nil {
			return fmt.Errorf("seq %d (%s): %w", event.Seq, event.Type, err)
		}
		replayed++
		return nil
	})
	return replayed, err
}

// ============================================================================
// 操作
// ============================================================================

// CreateInstance 建立未注資的實例，caller 為付款人
func (c *Controller) CreateInstance(ctx context.Context, caller, payee types.Address, milestoneCount int, amountPerMilestone *uint256.Int) (Receipt, error) {
	return c.run(ctx, "create", wal.Event{
		Type:   wal.EventCreate,
		Caller: caller,
		Payee:  payee,
		Count:  milestoneCount,
		Amount: decOrEmpty(amountPerMilestone),
	})
}

// CreateAndFund 建立並注資。注資失敗時實例仍保留（以 CREATE 記錄），回傳其 id 與錯誤。
func (c *Controller) CreateAndFund(ctx context.Context, caller, payee types.Address, milestoneCount int, amountPerMilestone, supplied *uint256.Int) (Receipt, error) {
	return c.run(ctx, "create_and_fund", wal.Event{
		Type:     wal.EventCreateFund,
		Caller:   caller,
		Payee:    payee,
		Count:    milestoneCount,
		Amount:   decOrEmpty(amountPerMilestone),
		Supplied: decOrEmpty(supplied),
	})
}

// Fund 將 caller 的 amount 存入實例
func (c *Controller) Fund(ctx context.Context, caller types.Address, id types.InstanceID, amount *uint256.Int) (Receipt, error) {
	return c.run(ctx, "fund", wal.Event{
		Type:       wal.EventFund,
		InstanceID: id,
		Caller:     caller,
		Supplied:   decOrEmpty(amount),
	})
}

// SubmitMilestone 收款人提交里程碑
func (c *Controller) SubmitMilestone(ctx context.Context, caller types.Address, id types.InstanceID, index int) (Receipt, error) {
	return c.run(ctx, "submit", wal.Event{Type: wal.EventSubmit, InstanceID: id, Caller: caller, Index: index})
}

// ApproveMilestone 付款人核准並付款
func (c *Controller) ApproveMilestone(ctx context.Context, caller types.Address, id types.InstanceID, index int) (Receipt, error) {
	return c.run(ctx, "approve", wal.Event{Type: wal.EventApprove, InstanceID: id, Caller: caller, Index: index})
}

// ClaimAfterTimeout 收款人在核准期限後自行領取
func (c *Controller) ClaimAfterTimeout(ctx context.Context, caller types.Address, id types.InstanceID, index int) (Receipt, error) {
	return c.run(ctx, "claim", wal.Event{Type: wal.EventClaim, InstanceID: id, Caller: caller, Index: index})
}

// Cancel 在任何付款之前取消並退款給付款人
func (c *Controller) Cancel(ctx context.Context, caller types.Address, id types.InstanceID) (Receipt, error) {
	return c.run(ctx, "cancel", wal.Event{Type: wal.EventCancel, InstanceID: id, Caller: caller})
}

// Credit 為帳戶加值（管理用途）
func (c *Controller) Credit(ctx context.Context, account types.Address, amount *uint256.Int) (Receipt, error) {
	return c.run(ctx, "credit", wal.Event{Type: wal.EventCredit, Caller: account, Amount: decOrEmpty(amount)})
}

// run 在序列化鎖下套用事件並寫入 journal
func (c *Controller) run(ctx context.Context, op string, event wal.Event) (Receipt, error) {
	ctx, span := c.tracer.Start(ctx, "escrow."+op, trace.WithAttributes(
		attribute.String("escrow.op", op),
		attribute.String("escrow.caller", event.Caller.Hex()),
	))
	defer span.End()
	start := time.Now()

	receipt, err := c.runLocked(ctx, event)

	reason := escrow.Reason(err)
	c.metrics.RecordOperation(op, reason, time.Since(start))
	if receipt.InstanceID != (types.InstanceID{}) {
		span.SetAttributes(attribute.String("escrow.instance", receipt.InstanceID.Hex()))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, reason)
		log.Debug("operation rejected", "op", op, "caller", event.Caller.Hex(), "reason", reason, "error", err)
		return receipt, err
	}
	span.SetAttributes(attribute.Int64("escrow.seq", int64(receipt.Seq)))
	return receipt, nil
}

func (c *Controller) runLocked(ctx context.Context, event wal.Event) (Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		return Receipt{}, ErrStopped
	}
	if !c.started {
		return Receipt{}, ErrNotStarted
	}

	event.OpID = uuid.New()
	event.At = c.now().UnixNano()
	c.opAt.Store(event.At)
	defer c.opAt.Store(0)

	applyErr := c.apply(ctx, &event)
	if applyErr != nil {
		// create-and-fund 在注資失敗時仍建立了實例，以 CREATE 記錄
		if event.Type != wal.EventCreateFund || event.InstanceID == (types.InstanceID{}) {
			return Receipt{InstanceID: event.InstanceID}, applyErr
		}
		event.Type = wal.EventCreate
		event.Supplied = ""
	}

	written, err := c.wal.Append(event, false)
	if err != nil {
		log.Error("journal append failed, in-memory state is ahead of the journal",
			"type", event.Type, "instance", event.InstanceID.Hex(), "error", err)
		return Receipt{InstanceID: event.InstanceID}, fmt.Errorf("%w: %w", ErrJournal, err)
	}
	c.metrics.SetJournalSeq(written.Seq)

	receipt := Receipt{OpID: written.OpID, Seq: written.Seq, InstanceID: written.InstanceID}
	if applyErr != nil {
		return receipt, applyErr
	}
	return receipt, nil
}

// apply 把一個事件套用到 registry / ledger。線上操作與重放共用此路徑。
// CREATE 類事件的 InstanceID 為零時填入新 id，否則驗證 id 一致。
func (c *Controller) apply(ctx context.Context, event *wal.Event) error {
	amount, err := parseAmount(event.Amount)
	if err != nil {
		return err
	}
	supplied, err := parseAmount(event.Supplied)
	if err != nil {
		return err
	}

	switch event.Type {
	case wal.EventCreate, wal.EventCreateFund:
		var id types.InstanceID
		if event.Type == wal.EventCreate {
			id, err = c.registry.CreateInstance(ctx, event.Caller, event.Payee, event.Count, amount)
		} else {
			id, err = c.registry.CreateAndFund(ctx, event.Caller, event.Payee, event.Count, amount, supplied)
		}
		if id != (types.InstanceID{}) {
			if event.InstanceID != (types.InstanceID{}) && event.InstanceID != id {
				return fmt.Errorf("%w: created %s, journal has %s", ErrReplay, id.Hex(), event.InstanceID.Hex())
			}
			event.InstanceID = id
		}
		return err

	case wal.EventCredit:
		if amount == nil {
			return fmt.Errorf("%w: credit amount required", escrow.ErrIncorrectAmount)
		}
		return c.ledger.Credit(event.Caller, amount)
	}

	inst, err := c.registry.Instance(event.InstanceID)
	if err != nil {
		return err
	}
	switch event.Type {
	case wal.EventFund:
		if supplied == nil {
			supplied = new(uint256.Int)
		}
		return inst.Fund(ctx, event.Caller, supplied)
	case wal.EventSubmit:
		return inst.SubmitMilestone(ctx, event.Caller, event.Index)
	case wal.EventApprove:
		return inst.ApproveMilestone(ctx, event.Caller, event.Index)
	case wal.EventClaim:
		return inst.ClaimAfterTimeout(ctx, event.Caller, event.Index)
	case wal.EventCancel:
		return inst.Cancel(ctx, event.Caller)
	default:
		return fmt.Errorf("unknown event type %q", event.Type)
	}
}

// ============================================================================
// 查詢
// ============================================================================

// Instance 回傳實例的持久化視圖
func (c *Controller) Instance(id types.InstanceID) (types.InstanceRecord, error) {
	inst, err := c.registry.Instance(id)
	if err != nil {
		return types.InstanceRecord{}, err
	}
	return inst.Record(), nil
}

// Instances 依建立順序回傳所有實例
func (c *Controller) Instances() []types.InstanceRecord {
	return c.registry.Records()
}

// InstancesFor 回傳 addr 參與（付款人或收款人）的實例
func (c *Controller) InstancesFor(addr types.Address) []types.InstanceRecord {
	ids := c.registry.For(addr)
	out := make([]types.InstanceRecord, 0, len(ids))
	for _, id := range ids {
		if inst, err := c.registry.Instance(id); err == nil {
			out = append(out, inst.Record())
		}
	}
	return out
}

// IsKnown 回報 id 是否由本 registry 建立
func (c *Controller) IsKnown(id types.InstanceID) bool { return c.registry.IsKnown(id) }

// Balance 回傳帳戶餘額
func (c *Controller) Balance(addr types.Address) *uint256.Int { return c.ledger.Balance(addr) }

// Held 回傳實例的託管餘額
func (c *Controller) Held(id types.InstanceID) *uint256.Int { return c.ledger.Held(id) }

// Claimable 回傳目前已超過核准期限的里程碑
func (c *Controller) Claimable() []registry.Claim { return c.registry.Claimable(c.now()) }

// Stats 回傳各生命週期狀態的實例數量
func (c *Controller) Stats() registry.Stats { return c.registry.Stats() }

// RegistryAddress 回傳 registry 身份
func (c *Controller) RegistryAddress() types.Address { return c.registry.Address() }

// LastSeq 回傳最後寫入的 journal 序號；0 表示全新狀態
func (c *Controller) LastSeq() uint64 { return c.wal.GetLastSeq() }

// Collector 回傳指標收集器
func (c *Controller) Collector() *metrics.Collector { return c.metrics }

// GetStatus 取得系統狀態
func (c *Controller) GetStatus() map[string]interface{} {
	c.mu.Lock()
	uptime := time.Duration(0)
	if c.started {
		uptime = time.Since(c.startTime)
	}
	started, stopped := c.started, c.stopped
	c.mu.Unlock()

	stats := c.registry.Stats()
	workers := 0
	if c.pool != nil {
		workers = c.pool.GetWorkerCount()
	}

	return map[string]interface{}{
		"uptime":         uptime.Truncate(time.Millisecond).String(),
		"started":        started,
		"stopped":        stopped,
		"registry":       c.registry.Address().Hex(),
		"instances":      stats.Total,
		"unfunded":       stats.Unfunded,
		"active":         stats.Active,
		"completed":      stats.Completed,
		"cancelled":      stats.Cancelled,
		"claimable":      len(c.Claimable()),
		"journal_seq":    c.wal.GetLastSeq(),
		"supply":         c.ledger.Supply().Dec(),
		"notify_workers": workers,
	}
}

// ============================================================================
// 背景循環
// ============================================================================

// snapshotLoop 定期生成快照
func (c *Controller) snapshotLoop() {
	defer c.loopWg.Done()
	ticker := time.NewTicker(c.config.SnapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			log.Info("Snapshot loop stopped")
			return
		case <-ticker.C:
			if err := c.takeSnapshot(); err != nil {
				log.Error("Failed to take snapshot", "error", err)
			}
		}
	}
}

// watchLoop 定期掃描可領取的里程碑
func (c *Controller) watchLoop() {
	defer c.loopWg.Done()
	ticker := time.NewTicker(c.config.WatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			log.Info("Watch loop stopped")
			return
		case <-ticker.C:
			c.refreshGauges()
		}
	}
}

// refreshGauges 更新實例統計與可領取數量
func (c *Controller) refreshGauges() {
	stats := c.registry.Stats()
	c.metrics.UpdateInstanceStats(stats.Unfunded, stats.Active, stats.Completed, stats.Cancelled)

	claims := c.Claimable()
	c.metrics.SetClaimable(len(claims))
	for _, claim := range claims {
		log.Info("milestone claimable by payee",
			"instance", claim.ID.Hex(),
			"payee", claim.Payee.Hex(),
			"index", claim.Index)
	}
}

// resultLoop 接收通知投遞結果
func (c *Controller) resultLoop() {
	defer c.loopWg.Done()
	for {
		result, err := c.pool.ReceiveResult()
		if err != nil {
			log.Info("Result loop stopped")
			return
		}
		c.metrics.RecordNotification(result.Delivered)
		if !result.Delivered {
			log.Warn("notification failed",
				"type", result.EventType,
				"sink", result.Sink,
				"attempts", result.Attempts,
				"error", result.Error)
		}
	}
}

// takeSnapshot 寫入快照並旋轉 journal。
// 持有 c.mu 直到旋轉完成，避免新事件落入被旋轉的檔案。
func (c *Controller) takeSnapshot() error {
	start := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	data := types.SnapshotData{
		LastSeq:     c.wal.GetLastSeq(),
		RegistrySeq: c.registry.Seq(),
		Instances:   c.registry.Records(),
		Ledger:      c.ledger.State(),
		TakenAt:     c.now(),
	}

	var err error
	if c.config.SnapshotBackups > 0 {
		err = c.snapshot.WriteWithBackup(data, c.config.SnapshotBackups)
	} else {
		err = c.snapshot.Write(data)
	}
	if err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}

	rotated, err := c.wal.Rotate()
	if err != nil {
		return fmt.Errorf("failed to rotate WAL: %w", err)
	}

	log.Info("Snapshot taken",
		"duration", time.Since(start),
		"instances", len(data.Instances),
		"last_seq", data.LastSeq,
		"rotated", rotated)
	return nil
}

// ============================================================================
// 關閉
// ============================================================================

// Stop 優雅關閉 Controller
//
// 關閉順序：
//  1. 標記 stopped，之後的操作回傳 ErrStopped
//  2. close(stopCh) 通知 snapshot / watch 循環
//  3. pool.Stop() 關閉結果通道，resultLoop 隨之退出
//  4. loopWg.Wait()
//  5. 最後一次快照（含 journal 旋轉），關閉 WAL
func (c *Controller) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		log.Info("Controller already stopped")
		return
	}
	c.stopped = true
	started := c.started
	c.mu.Unlock()

	log.Info("Stopping controller...")
	close(c.stopCh)

	if c.pool != nil {
		c.pool.Stop()
	}
	c.loopWg.Wait()

	if started {
		if err := c.takeSnapshot(); err != nil {
			log.Error("Failed to take final snapshot", "error", err)
		}
	}
	if err := c.wal.Close(); err != nil {
		log.Error("Failed to close WAL", "error", err)
	}

	log.Info("Controller stopped")
}

// ============================================================================
// 輔助函式
// ============================================================================

func parseAmount(s string) (*uint256.Int, error) {
	if s == "" {
		return nil, nil
	}
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, fmt.Errorf("%w: amount %q: %v", escrow.ErrIncorrectAmount, s, err)
	}
	return v, nil
}

func decOrEmpty(v *uint256.Int) string {
	if v == nil {
		return ""
	}
	return v.Dec()
}
