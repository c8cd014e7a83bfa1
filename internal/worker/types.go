package worker

import (
	"time"

	"github.com/ChuLiYu/milestone-escrow/internal/events"
)

// Task 代表一次通知投遞
type Task struct {
	Event   events.Event  // 要投遞的托管訊號
	Sink    Sink          // 投遞目標
	Timeout time.Duration // 單次投遞超時時間
}

// Result 代表投遞結果
type Result struct {
	EventType string        // 訊號類型
	Sink      string        // 投遞目標名稱
	Delivered bool          // 是否投遞成功
	Attempts  int           // 實際嘗試次數
	Error     error         // 最後一次錯誤（如果有）
	Duration  time.Duration // 含重試的總耗時
}
