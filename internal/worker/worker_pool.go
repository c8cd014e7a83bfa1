// ============================================================================
// Escrow Notification Pool - 並發訊號投遞器
// ============================================================================
//
// Package: internal/worker
// 文件: worker_pool.go
// 功能: 管理多個 Worker goroutine，將托管訊號非同步投遞到外部 sink
//
// 架構組件:
//   ┌─────────────┐
//   │  Escrow     │ --Emit()--> taskCh (每個接受該訊號的 sink 一個 Task)
//   └─────────────┘
//   ┌─────────────┐
//   │   Pool      │
//   │  ┌────────┐ │
//   │  │Worker 1│←── taskCh
//   │  │Worker 2│←── taskCh   ──→ resultCh ──→ ReceiveResult()
//   │  └────────┘ │
//   └─────────────┘
//
// Emit 永不阻塞：佇列滿時丟棄並呼叫 OnDrop。托管操作的成敗與通知無關。
//
// 優雅關閉:
//   Stop() 流程：
//   1. 在鎖內設置 stopped，之後的 Submit 一律回傳 ErrPoolClosed
//   2. 關閉 stopCh（中斷重試等待）與 taskCh
//   3. 等待所有 Worker 完成當前投遞
//   4. 關閉 resultCh
//
// ============================================================================

package worker

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/milestone-escrow/internal/events"
)

var log = slog.Default()

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrPoolClosed 表示當前 Pool 已關閉，無法提交新任務
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrPoolNotStarted 表示 Pool 尚未啟動，無法提交任務
	ErrPoolNotStarted = errors.New("worker pool not started")
	// ErrQueueFull 表示任務通道已滿
	ErrQueueFull = errors.New("worker pool queue is full")
)

// Options 設定 Pool 的投遞行為
type Options struct {
	BufferSize int           // 任務與結果通道的緩衝大小
	Timeout    time.Duration // 單次投遞超時
	Retry      RetryPolicy
	OnDrop     func(events.Event, Sink) // 佇列滿時呼叫（可為 nil）
}

// Pool 代表 Worker 池，管理多個並發的 Worker
type Pool struct {
	workers  []*Worker
	sinks    []Sink
	opts     Options
	taskCh   chan Task
	resultCh chan Result
	stopCh   chan struct{}
	wg       sync.WaitGroup
	started  bool
	stopped  bool
	mu       sync.Mutex
}

// NewPool 建立新的 Worker Pool
func NewPool(sinks []Sink, opts Options) *Pool {
	if opts.BufferSize <= 0 {
		opts.BufferSize = 256
	}
	return &Pool{
		workers:  make([]*Worker, 0),
		sinks:    sinks,
		opts:     opts,
		taskCh:   make(chan Task, opts.BufferSize),
		resultCh: make(chan Result, opts.BufferSize),
		stopCh:   make(chan struct{}),
	}
}

// Start 啟動指定數量的 Worker
func (p *Pool) Start(workerCount int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return errors.New("pool already started")
	}

	for i := 0; i < workerCount; i++ {
		worker := newWorker(i, p.taskCh, p.resultCh, p.opts.Retry, p.stopCh)
		p.workers = append(p.workers, worker)

		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			w.Run()
		}(worker)
	}

	p.started = true
	return nil
}

// Submit 非阻塞地提交任務
//
// 發送在鎖內完成，Stop 只會在 stopped 設置後關閉 taskCh，因此不會向已關閉的通道發送。
func (p *Pool) Submit(task Task) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started {
		return ErrPoolNotStarted
	}
	if p.stopped {
		return ErrPoolClosed
	}
	if task.Timeout == 0 {
		task.Timeout = p.opts.Timeout
	}
	select {
	case p.taskCh <- task:
		return nil
	default:
		return ErrQueueFull
	}
}

// Emit 實作 events.Emitter：為每個接受該訊號的 sink 提交一個投遞任務
func (p *Pool) Emit(e events.Event) {
	for _, sink := range p.sinks {
		if !sink.Accepts(e.Type) {
			continue
		}
		err := p.Submit(Task{Event: e, Sink: sink})
		switch {
		case err == nil:
		case errors.Is(err, ErrQueueFull):
			log.Warn("notification dropped, queue full", "type", e.Type, "sink", sink.Name())
			if p.opts.OnDrop != nil {
				p.opts.OnDrop(e, sink)
			}
		default:
			log.Debug("notification not queued", "type", e.Type, "sink", sink.Name(), "error", err)
		}
	}
}

// ReceiveResult 從結果通道接收投遞結果
func (p *Pool) ReceiveResult() (Result, error) {
	result, ok := <-p.resultCh
	if !ok {
		return Result{}, ErrPoolClosed
	}
	return result, nil
}

// Stop 優雅地關閉 Worker Pool
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.stopCh)
	close(p.taskCh)
	p.mu.Unlock()

	p.wg.Wait()
	close(p.resultCh)
}

// GetWorkerCount 返回當前 Worker 數量
func (p *Pool) GetWorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// IsStarted 檢查 Pool 是否已啟動
func (p *Pool) IsStarted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}

// SinkCount 返回已設定的 sink 數量
func (p *Pool) SinkCount() int { return len(p.sinks) }
