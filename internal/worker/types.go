package worker

import (
	"time"

	"github.com/ChuLiYu/srm-lifecycle/internal/job"
)

// Task 代表要執行的任務
type Task struct {
	Runnable job.Runnable  // 要執行的 Job（ContainerRequest 或 FileRequest）
	Timeout  time.Duration // 執行超時時間
}

// Result 代表任務執行結果
type Result struct {
	JobID    int64         // 任務 ID
	WorkerID string        // 執行者
	Err      error         // 錯誤訊息（如果有）
	Retry    bool          // 錯誤為可重試，已排定重新提交
	Panicked bool          // Run 發生 panic
	Duration time.Duration // 實際執行時間
}

// Success 執行是否成功
func (r Result) Success() bool { return r.Err == nil }
