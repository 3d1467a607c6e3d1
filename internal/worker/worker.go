// ============================================================================
// srm-lifecycle Worker - Task Execution Unit
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: Work unit that drives job.Runnable values; each Worker runs in an independent goroutine
//
// How it works:
//   1. Receive task from taskCh (blocking wait, or exit on stop)
//   2. Wait for the pool's rate limiter
//   3. Run the job with a per-task timeout
//   4. Route errors through Job.Fail: retryable errors are resubmitted later
//   5. Report the Result to the pool
//
// Timeout Control:
//   Each task gets its own context.WithTimeout. Asynchronous backend calls
//   started by Run detach from it, so the timeout only bounds Run itself.
//
// ============================================================================

package worker

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ChuLiYu/srm-lifecycle/internal/job"
	"github.com/ChuLiYu/srm-lifecycle/pkg/types"
)

// Worker represents a work execution unit
type Worker struct {
	id   string // Worker unique identifier, recorded on every job it runs
	pool *Pool
}

func newWorker(id string, p *Pool) *Worker {
	return &Worker{id: id, pool: p}
}

// Run is the main loop of Worker
func (w *Worker) Run() {
	for {
		select {
		case <-w.pool.stopCh:
			return
		case task := <-w.pool.taskCh:
			if err := w.pool.limiter.Wait(w.pool.ctx); err != nil {
				// pool 停止中：任務留在 QUEUED，重啟後由持久層恢復
				return
			}
			w.pool.report(w.execute(task))
		}
	}
}

// execute runs one task and applies the retry policy
func (w *Worker) execute(task Task) (res Result) {
	j := task.Runnable.Base()
	start := time.Now()
	res = Result{JobID: j.ID(), WorkerID: w.id}

	if j.State().IsFinal() {
		return res
	}
	j.SetExecutor(w.id)

	timeout := task.Timeout
	if timeout <= 0 {
		timeout = w.pool.cfg.TaskTimeout
	}
	ctx, cancel := context.WithTimeout(w.pool.ctx, timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			zap.L().Error("job panicked", zap.Int64("job_id", j.ID()), zap.String("worker", w.id), zap.Any("panic", r))
			res.Panicked = true
			res.Err = job.Fatal(types.StatusInternalError, "panic: %v", r)
			j.Fail(res.Err)
		}
		res.Duration = time.Since(start)
	}()

	err := task.Runnable.Run(ctx)
	if err == nil {
		return res
	}
	res.Err = err
	if j.Fail(err) {
		res.Retry = true
		w.pool.retryLater(task.Runnable, j.RetryCount())
	} else {
		zap.L().Info("job failed",
			zap.Int64("job_id", j.ID()), zap.String("worker", w.id), zap.Error(err))
	}
	return res
}

func (w *Worker) String() string { return fmt.Sprintf("worker(%s)", w.id) }
