// ============================================================================
// srm-lifecycle Worker Pool - 並發任務執行器
// ============================================================================
//
// Package: internal/worker
// 文件: worker_pool.go
// 功能: 實作 request.Scheduler；以固定數量的 Worker goroutine 執行 Job
//
// 架構組件:
//   ┌─────────────┐
//   │ Request     │ --Submit()--> taskCh (PENDING/RETRYWAIT → QUEUED)
//   └─────────────┘
//   ┌─────────────┐
//   │   Pool      │
//   │  ┌────────┐ │
//   │  │Worker 1│←── taskCh ──rate limiter──> Run()
//   │  │Worker 2│←── taskCh                  ├─ nil       → 完成
//   │  │Worker 3│←── taskCh                  └─ error     → Job.Fail
//   │  └────────┘ │                               ├─ 可重試 → time.AfterFunc 重新 Submit
//   └─────────────┘                               └─ 否     → FAILED
//
// 生命週期:
//   1. NewPool(cfg) - 創建 Pool
//   2. Start(n)     - 啟動 n 個 Worker goroutines
//   3. Submit(ctx, r)
//   4. Stop()       - 關閉 stopCh，取消進行中的 Run，等待所有 Worker 退出
//
// 與先前版本不同，taskCh 不會被關閉；Worker 以 stopCh 結束，
// 因此 Submit 與 Stop 之間不會出現 send on closed channel。
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ChuLiYu/srm-lifecycle/internal/job"
	"github.com/ChuLiYu/srm-lifecycle/internal/request"
	"github.com/ChuLiYu/srm-lifecycle/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrPoolClosed 表示當前 Pool 已關閉，無法提交新任務
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrPoolNotStarted 表示 Pool 尚未啟動，無法提交任務
	ErrPoolNotStarted = errors.New("worker pool not started")
)

// Config Worker Pool 設定
type Config struct {
	QueueSize     int           // 任務通道緩衝大小
	TaskTimeout   time.Duration // 單次 Run 的超時
	RetryDelay    time.Duration // 第一次重試的延遲，之後指數增加
	MaxRetryDelay time.Duration
	RatePerSecond float64 // <=0 代表不限速
	Burst         int
	OnResult      func(Result) // 每個任務完成後呼叫（metrics）
}

func (c *Config) withDefaults() {
	if c.QueueSize <= 0 {
		c.QueueSize = 1024
	}
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = 30 * time.Second
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = time.Second
	}
	if c.MaxRetryDelay <= 0 {
		c.MaxRetryDelay = time.Minute
	}
	if c.Burst <= 0 {
		c.Burst = 1
	}
}

// Pool 代表 Worker 池，管理多個並發的 Worker
type Pool struct {
	cfg     Config
	nodeID  string
	workers []*Worker
	taskCh  chan Task
	stopCh  chan struct{}
	ctx     context.Context // Stop 時取消，中斷進行中的 Run 與 limiter 等待
	cancel  context.CancelFunc
	limiter *rate.Limiter
	wg      sync.WaitGroup

	mu      sync.Mutex
	started bool
	stopped bool
	timers  map[*time.Timer]struct{}

	submitted atomic.Int64
	completed atomic.Int64
}

var (
	_ request.Scheduler = (*Pool)(nil)
	_ request.Retrier   = (*Pool)(nil)
)

// NewPool 建立新的 Worker Pool
func NewPool(cfg Config) *Pool {
	cfg.withDefaults()
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		cfg:     cfg,
		nodeID:  uuid.NewString(),
		taskCh:  make(chan Task, cfg.QueueSize),
		stopCh:  make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
		limiter: rate.NewLimiter(limit, cfg.Burst),
		timers:  make(map[*time.Timer]struct{}),
	}
}

// Start 啟動指定數量的 Worker
func (p *Pool) Start(workerCount int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return ErrPoolClosed
	}
	if p.started {
		return errors.New("pool already started")
	}
	if workerCount <= 0 {
		return fmt.Errorf("invalid worker count %d", workerCount)
	}

	for i := 0; i < workerCount; i++ {
		w := newWorker(fmt.Sprintf("%s/%d", p.nodeID, i), p)
		p.workers = append(p.workers, w)
		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			w.Run()
		}(w)
	}
	p.started = true
	zap.L().Info("worker pool started", zap.String("node", p.nodeID), zap.Int("workers", workerCount))
	return nil
}

// Submit 實作 request.Scheduler：把 Job 排入佇列
//
// PENDING 或 RETRYWAIT 的 Job 會先轉為 QUEUED；已是終態的 Job 直接忽略。
// 佇列滿時阻塞，直到 ctx 取消或 Pool 停止。
func (p *Pool) Submit(ctx context.Context, r job.Runnable) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	if !p.started {
		p.mu.Unlock()
		return ErrPoolNotStarted
	}
	p.mu.Unlock()

	j := r.Base()
	if j.State().IsFinal() {
		return nil
	}
	for _, from := range []types.State{types.StatePending, types.StateRetryWait} {
		if ok, _ := j.CompareAndSet(from, types.StateQueued, "queued for execution"); ok {
			break
		}
	}

	select {
	case p.taskCh <- Task{Runnable: r, Timeout: p.cfg.TaskTimeout}:
		p.submitted.Add(1)
		return nil
	case <-p.stopCh:
		return ErrPoolClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Retry 實作 request.Retrier：依 Job 已重試次數延遲後重新提交
func (p *Pool) Retry(r job.Runnable) {
	p.retryLater(r, r.Base().RetryCount())
}

// retryLater 在退避延遲後重新提交（Job 此時為 RETRYWAIT）
func (p *Pool) retryLater(r job.Runnable, attempt int) {
	delay := p.retryDelay(attempt)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return
	}
	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		p.mu.Lock()
		delete(p.timers, t)
		p.mu.Unlock()
		if err := p.Submit(context.Background(), r); err != nil {
			if errors.Is(err, ErrPoolClosed) {
				return
			}
			r.Base().Fail(job.Fatal(types.StatusInternalError, "resubmit: %v", err))
		}
	})
	p.timers[t] = struct{}{}
}

func (p *Pool) retryDelay(attempt int) time.Duration {
	d := p.cfg.RetryDelay
	for i := 1; i < attempt && d < p.cfg.MaxRetryDelay; i++ {
		d *= 2
	}
	if d > p.cfg.MaxRetryDelay {
		d = p.cfg.MaxRetryDelay
	}
	return d
}

func (p *Pool) report(res Result) {
	p.completed.Add(1)
	if p.cfg.OnResult != nil {
		p.cfg.OnResult(res)
	}
}

// Stop 優雅地關閉 Worker Pool
//  1. 設定 stopped 標誌並停止所有重試計時器
//  2. 關閉 stopCh，取消 ctx（進行中的 Run 會收到取消）
//  3. 等待所有 Worker 退出
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.stopped = true
		p.mu.Unlock()
		return
	}
	p.stopped = true
	for t := range p.timers {
		t.Stop()
	}
	p.timers = nil
	p.mu.Unlock()

	close(p.stopCh)
	p.cancel()
	p.wg.Wait()
	zap.L().Info("worker pool stopped", zap.String("node", p.nodeID), zap.Int("queued_left", len(p.taskCh)))
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

// QueueDepth 佇列中等待的任務數
func (p *Pool) QueueDepth() int { return len(p.taskCh) }

// NodeID 此 Pool 的執行者識別
func (p *Pool) NodeID() string { return p.nodeID }

// Counts 回傳已提交與已完成的任務數
func (p *Pool) Counts() (submitted, completed int64) {
	return p.submitted.Load(), p.completed.Load()
}
