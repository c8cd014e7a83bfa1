package wal

// ============================================================================
// WAL 核心實作
// 職責：
// 1. 追加已成功套用的操作到日誌檔案（append-only）
// 2. 提供重放功能以恢復系統狀態
// 3. 支援日誌旋轉（快照後清空，可選 gzip 壓縮備份）
// 4. 確保寫入持久性與資料完整性
//
// 序號跨旋轉持續遞增：快照記錄 LastSeq，重放時略過 seq <= LastSeq 的事件，
// 因此「快照已寫入但旋轉前崩潰」不會造成重複套用。
// ============================================================================

import (
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// FileInterface 定義檔案操作所需的方法
// 這允許在測試中對檔案操作進行模擬
type FileInterface interface {
	Write(p []byte) (n int, err error)
	Sync() error
	Close() error
}

// Options 控制 WAL 的寫入行為
type Options struct {
	SyncOnAppend    bool          // 每次追加都 flush + fsync
	BufferSize      int           // 緩衝事件數上限，0 表示 1000
	FlushInterval   time.Duration // 最長緩衝時間，0 表示 1s
	CompressRotated bool          // 旋轉後的備份以 gzip 壓縮
}

// WAL 表示 Write-Ahead Log 實例
type WAL struct {
	mu      sync.Mutex    // 保護並發寫入
	file    FileInterface // WAL 檔案
	encoder *json.Encoder // JSON 編碼器
	path    string        // WAL 檔案路徑
	seq     uint64        // 當前事件序號
	opts    Options
	closed  bool

	buffer        []Event // 批次寫入事件緩衝區
	lastFlushTime time.Time
}

// ============================================================================
// 公開介面
// ============================================================================

/*
NewWAL 建立或開啟一個 WAL 實例

行為：
- 如果檔案不存在，建立新檔案，seq 從 0 開始
- 如果檔案已存在，讀取最後一個事件的 seq 並繼續
- 以追加模式（O_APPEND）開啟，確保寫入不覆蓋
*/
func NewWAL(path string, opts Options) (*WAL, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}

	var seq uint64
	stat, statErr := file.Stat()
	if statErr == nil && stat.Size() > 0 {
		lastEvent, err := GetLastEvent(path)
		if err != nil {
			file.Close()
			return nil, fmt.Errorf("wal: open %s: %w", path, err)
		}
		seq = lastEvent.Seq
	}

	if opts.BufferSize <= 0 {
		opts.BufferSize = 1000
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = time.Second
	}

	return newWithFile(file, path, seq, opts), nil
}

func newWithFile(file FileInterface, path string, seq uint64, opts Options) *WAL {
	return &WAL{
		file:          file,
		encoder:       json.NewEncoder(file),
		path:          path,
		seq:           seq,
		opts:          opts,
		buffer:        make([]Event, 0, opts.BufferSize),
		lastFlushTime: time.Now(),
	}
}

// Append 追加一個事件到 WAL
//
// 行為：
// - 自動遞增 seq，填入 Timestamp 與 checksum
// - 加入緩衝；強制、緩衝已滿或超時才寫入並同步到磁碟
//
// 回傳寫入的事件（含 seq 與 checksum）
func (w *WAL) Append(event Event, isForceFlush bool) (Event, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return Event{}, ErrWALClosed
	}
	if !event.Type.Valid() {
		return Event{}, fmt.Errorf("wal: unknown event type %q", event.Type)
	}

	w.seq++
	event.Seq = w.seq
	event.Timestamp = time.Now().UnixMilli()
	event.Checksum = CalculateChecksum(event)

	w.buffer = append(w.buffer, event)

	needFlush := isForceFlush || w.opts.SyncOnAppend ||
		len(w.buffer) >= w.opts.BufferSize ||
		time.Since(w.lastFlushTime) > w.opts.FlushInterval
	if needFlush {
		if err := w.flushLocked(); err != nil {
			return event, err
		}
	}
	return event, nil
}

// Flush 將緩衝事件寫入並同步到磁碟
func (w *WAL) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWALClosed
	}
	return w.flushLocked()
}

// Replay 重放所有 WAL 事件
//
// 行為：
// - 先 flush 緩衝，再從頭讀取 WAL 檔案
// - 驗證每個事件的 checksum
// - 呼叫 handler 應用事件，遇到錯誤立即停止
func (w *WAL) Replay(handler EventHandler) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.closed {
		if err := w.flushLocked(); err != nil {
			return err
		}
	}
	return scanFile(w.path, func(event Event, _ int64) error {
		return handler(event)
	})
}

// Rotate 旋轉日誌檔案
//
// 目前檔案改名為 <path>.<timestamp>（可選壓縮為 .gz），並開啟新的空檔案。
// seq 不歸零。
func (w *WAL) Rotate() (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return "", ErrWALClosed
	}
	if err := w.flushLocked(); err != nil {
		return "", err
	}
	if err := w.file.Close(); err != nil {
		return "", err
	}

	backupPath := w.path + "." + time.Now().Format("20060102_150405.000000000")
	if err := os.Rename(w.path, backupPath); err != nil {
		return "", err
	}

	newFile, err := os.OpenFile(w.path, os.O_CREATE|os.O_RDWR|os.O_TRUNC|os.O_APPEND, 0644)
	if err != nil {
		w.closed = true
		return "", err
	}
	w.file = newFile
	w.encoder = json.NewEncoder(newFile)
	w.lastFlushTime = time.Now()

	if w.opts.CompressRotated {
		if err := compressWALFile(backupPath, backupPath+".gz"); err != nil {
			log.Warn("wal: compress rotated file failed", "path", backupPath, "error", err)
			return backupPath, nil
		}
		if err := os.Remove(backupPath); err != nil {
			return backupPath + ".gz", err
		}
		backupPath += ".gz"
	}
	return backupPath, nil
}

// Close 關閉 WAL。關閉後的實例不可重用。
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	if err := w.flushLocked(); err != nil {
		return err
	}
	w.closed = true
	return w.file.Close()
}

// GetLastSeq 取得當前的事件序號
//
// 用途：快照時需要記錄 last_seq，確保恢復時知道從哪裡開始重放
func (w *WAL) GetLastSeq() uint64 {
	if w == nil {
		return 0
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seq
}

// SetBaseSeq 確保下一個事件的 seq 大於 base（旋轉後重開空檔案時使用）
func (w *WAL) SetBaseSeq(base uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.seq < base {
		w.seq = base
	}
}

// Path 回傳 WAL 檔案路徑
func (w *WAL) Path() string { return w.path }

// ============================================================================
// 內部輔助方法（私有）
// ============================================================================

// flushLocked 內部方法，假設調用者已經持有 w.mu 鎖
// 將緩衝的事件批次寫入並同步到磁碟
func (w *WAL) flushLocked() error {
	if len(w.buffer) == 0 {
		return nil
	}
	for _, event := range w.buffer {
		if err := w.encoder.Encode(event); err != nil {
			return err
		}
	}
	w.buffer = w.buffer[:0]
	w.lastFlushTime = time.Now()
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("%w: %v", ErrSyncFailed, err)
	}
	return nil
}

// compressWALFile 以 gzip 壓縮已旋轉的 WAL 檔案
func compressWALFile(srcPath, dstPath string) error {
	srcFile, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer srcFile.Close()
	dstFile, err := os.Create(dstPath)
	if err != nil {
		return err
	}
	defer dstFile.Close()

	gzipWriter := gzip.NewWriter(dstFile)
	if _, err := io.Copy(gzipWriter, srcFile); err != nil {
		gzipWriter.Close()
		return err
	}
	if err := gzipWriter.Close(); err != nil {
		return err
	}
	return dstFile.Sync()
}
