package wal

// ============================================================================
// WAL 工具函式
// 職責：提供 WAL 相關的輔助功能（讀取、計數、驗證、輸出）
// ============================================================================

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"
)

var log = slog.Default()

// scanFile 逐一解碼 path 中的事件並驗證 checksum
func scanFile(path string, fn func(event Event, offset int64) error) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	var lastSeq uint64
	for {
		offset := decoder.InputOffset()
		var event Event
		if err := decoder.Decode(&event); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return &CorruptionError{Seq: lastSeq, Offset: offset, Cause: err}
		}
		if expected := CalculateChecksum(event); expected != event.Checksum {
			return &ChecksumError{Seq: event.Seq, Expected: expected, Actual: event.Checksum}
		}
		if err := fn(event, offset); err != nil {
			return err
		}
		lastSeq = event.Seq
	}
}

// ReadAll 讀取 WAL 檔案中的所有事件
func ReadAll(path string) ([]Event, error) {
	var out []Event
	err := scanFile(path, func(event Event, _ int64) error {
		out = append(out, event)
		return nil
	})
	return out, err
}

// GetLastEvent 從 WAL 檔案讀取最後一個事件
//
// 從頭到尾掃描；檔案為空時回傳 ErrEmptyWAL
func GetLastEvent(path string) (*Event, error) {
	var last *Event
	err := scanFile(path, func(event Event, _ int64) error {
		e := event
		last = &e
		return nil
	})
	if err != nil {
		return nil, err
	}
	if last == nil {
		return nil, ErrEmptyWAL
	}
	return last, nil
}

// CountEvents 計算 WAL 中的事件總數
func CountEvents(path string) (int, error) {
	n := 0
	err := scanFile(path, func(Event, int64) error {
		n++
		return nil
	})
	return n, err
}

// ValidateWAL 驗證 WAL 檔案的完整性
//
// 檢查項目：
// - 所有事件的 JSON 格式正確
// - 所有事件的校驗和正確
// - 事件類型合法
// - seq 連續且無重複（第一筆可以不是 1，旋轉後延續舊序號）
//
// 回傳事件數量
func ValidateWAL(path string) (int, error) {
	n := 0
	var prev uint64
	err := scanFile(path, func(event Event, _ int64) error {
		if !event.Type.Valid() {
			return fmt.Errorf("wal: unknown event type %q at seq=%d", event.Type, event.Seq)
		}
		if n > 0 && event.Seq != prev+1 {
			return &GapError{Prev: prev, Got: event.Seq}
		}
		prev = event.Seq
		n++
		return nil
	})
	return n, err
}

// DumpWAL 以表格輸出 WAL 內容，供除錯使用
func DumpWAL(path string, w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SEQ\tTYPE\tINSTANCE\tCALLER\tINDEX\tAMOUNT\tSUPPLIED\tAT\tOP")
	err := scanFile(path, func(e Event, _ int64) error {
		_, err := fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%d\t%s\t%s\t%s\t%s\n",
			e.Seq, e.Type, short(e.InstanceID.Hex()), short(e.Caller.Hex()), e.Index,
			dash(e.Amount), dash(e.Supplied), time.Unix(0, e.At).UTC().Format(time.RFC3339), e.OpID)
		return err
	})
	if flushErr := tw.Flush(); err == nil {
		err = flushErr
	}
	return err
}

// WALStats 是 WAL 檔案的統計摘要
type WALStats struct {
	Events   int               `json:"events"`
	FirstSeq uint64            `json:"first_seq"`
	LastSeq  uint64            `json:"last_seq"`
	ByType   map[EventType]int `json:"by_type"`
	Bytes    int64             `json:"bytes"`
}

// GetWALStats 計算 WAL 檔案的統計資訊
func GetWALStats(path string) (*WALStats, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	stats := &WALStats{ByType: make(map[EventType]int), Bytes: info.Size()}
	err = scanFile(path, func(e Event, _ int64) error {
		if stats.Events == 0 {
			stats.FirstSeq = e.Seq
		}
		stats.LastSeq = e.Seq
		stats.Events++
		stats.ByType[e.Type]++
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}

func short(hex string) string {
	if len(hex) <= 12 {
		return hex
	}
	return hex[:8] + ".." + hex[len(hex)-4:]
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
