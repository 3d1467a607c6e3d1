// ============================================================================
// srm-lifecycle 控制器 - 系統核心協調器
// ============================================================================
//
// Package: internal/controller
// 文件: controller.go
// 功能: 串接持久層、scheduler、儲存後端、憑證與空間管理，對外提供請求操作
//
// 架構設計:
//   - JobManager: 記憶體中的請求登錄表（同時是 request.Lookup）
//   - Store:      JobRecord 持久層（memstore / sqlstore / filestore）
//   - Pool:       worker pool，實作 request.Scheduler
//   - Metrics:    Prometheus collector
//
// 背景循環 (2 個 Goroutine):
//   1. Expiry Loop     - 定期掃描生命期已過的請求並標記為失敗，清除保留期外的終態請求
//   2. Checkpoint Loop - 儲存層支援時定期壓縮 journal 為快照
//
// 崩潰恢復流程:
//   Start() 時：
//   1. store.LoadAll() 讀回所有紀錄
//   2. 依 ParentID 分組重建 ContainerRequest（非終態一律為 RESTORED）
//   3. 不主動重新排程，等客戶端第一次查詢狀態時才惰性重排程
//
// 關閉順序:
//   stopCh → pool.Stop() → loopWg.Wait() → 最後一次 checkpoint → store.Close()
//
// ============================================================================

package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ChuLiYu/srm-lifecycle/internal/backend"
	"github.com/ChuLiYu/srm-lifecycle/internal/credential"
	"github.com/ChuLiYu/srm-lifecycle/internal/job"
	"github.com/ChuLiYu/srm-lifecycle/internal/jobmanager"
	"github.com/ChuLiYu/srm-lifecycle/internal/metrics"
	"github.com/ChuLiYu/srm-lifecycle/internal/request"
	"github.com/ChuLiYu/srm-lifecycle/internal/space"
	"github.com/ChuLiYu/srm-lifecycle/internal/storage"
	"github.com/ChuLiYu/srm-lifecycle/internal/worker"
	"github.com/ChuLiYu/srm-lifecycle/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// 查無請求
	ErrRequestNotFound = errors.New("request not found")
	// 請求內容不合法
	ErrInvalidRequest = errors.New("invalid request")
	// 憑證無法解析或已過期
	ErrCredential = errors.New("credential rejected")
	// 控制器尚未啟動或已停止
	ErrNotRunning = errors.New("controller not running")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Config Controller 配置
type Config struct {
	WorkerCount   int           // Worker 數量
	QueueSize     int           // 佇列大小
	TaskTimeout   time.Duration // 單次執行超時
	RetryDelay    time.Duration // 第一次重試延遲
	MaxRetryDelay time.Duration // 重試延遲上限
	RatePerSecond float64       // 每秒執行上限，<=0 不限速
	Burst         int

	MaxRetries            int           // 每個 Job 的重試預算
	DefaultLifetime       time.Duration // 未指定時的請求生命期，0 代表永不過期
	MaxPollDelta          int           // poll 提示秒數上限
	LegacyLsUnknownAsDone bool

	ExpiryInterval     time.Duration // 到期掃描間隔
	Retention          time.Duration // 終態請求保留時間，0 代表永久保留
	CheckpointInterval time.Duration // checkpoint 間隔
}

// DefaultConfig 回傳開發用的預設配置
func DefaultConfig() Config {
	return Config{
		WorkerCount:        4,
		QueueSize:          256,
		TaskTimeout:        30 * time.Second,
		RetryDelay:         time.Second,
		MaxRetryDelay:      time.Minute,
		MaxRetries:         3,
		MaxPollDelta:       request.DefaultMaxPollDelta,
		ExpiryInterval:     10 * time.Second,
		Retention:          24 * time.Hour,
		CheckpointInterval: time.Minute,
	}
}

// Deps Controller 的外部協作者
type Deps struct {
	Store       storage.Store
	Backend     backend.Backend
	Space       *space.Manager      // 可為 nil，上傳請求不做空間配置
	Credentials credential.Registry // 可為 nil，不驗證憑證
	Metrics     *metrics.Collector  // 可為 nil，使用獨立 registry

	// Scheduler 覆寫預設的 worker pool（測試用）
	Scheduler request.Scheduler
}

// SubmitSpec 客戶端送出的新請求
type SubmitSpec struct {
	Kind         types.RequestKind `json:"kind" yaml:"kind"`
	CredentialID string            `json:"credential_id,omitempty" yaml:"credential_id,omitempty"`
	Description  string            `json:"description,omitempty" yaml:"description,omitempty"`
	ClientHost   string            `json:"client_host,omitempty" yaml:"client_host,omitempty"`
	Lifetime     time.Duration     `json:"lifetime,omitempty" yaml:"lifetime,omitempty"`

	Get *types.GetParams `json:"get,omitempty" yaml:"get,omitempty"`
	Put *types.PutParams `json:"put,omitempty" yaml:"put,omitempty"`
	Ls  *types.LsParams  `json:"ls,omitempty" yaml:"ls,omitempty"`

	Files []request.FileSpec `json:"files" yaml:"files"`
}

// StatusReport 一次狀態查詢的回應
type StatusReport struct {
	RequestID  int64                `json:"request_id" yaml:"request_id"`
	Kind       types.RequestKind    `json:"kind" yaml:"kind"`
	State      types.State          `json:"state" yaml:"state"`
	Aggregate  types.ReturnStatus   `json:"aggregate" yaml:"aggregate"`
	Files      []request.FileStatus `json:"files" yaml:"files"`
	RetryDelta int                  `json:"retry_delta" yaml:"retry_delta"`
	NextPoll   time.Time            `json:"next_poll" yaml:"next_poll"`
}

// Summary 列表中的一筆請求
type Summary struct {
	RequestID int64             `json:"request_id" yaml:"request_id"`
	Kind      types.RequestKind `json:"kind" yaml:"kind"`
	User      string            `json:"user" yaml:"user"`
	State     types.State       `json:"state" yaml:"state"`
	Files     int               `json:"files" yaml:"files"`
	CreatedAt time.Time         `json:"created_at" yaml:"created_at"`
}

// Stats 系統統計
type Stats struct {
	Requests   map[types.State]int `json:"requests" yaml:"requests"`
	Files      map[types.State]int `json:"files" yaml:"files"`
	QueueDepth int                 `json:"queue_depth" yaml:"queue_depth"`
	Workers    int                 `json:"workers" yaml:"workers"`
	NodeID     string              `json:"node_id,omitempty" yaml:"node_id,omitempty"`
}

// Controller 核心控制器
type Controller struct {
	config  Config
	store   storage.Store
	creds   credential.Registry
	space   *space.Manager
	jm      *jobmanager.JobManager
	pool    *worker.Pool // 使用外部 Scheduler 時為 nil
	metrics *metrics.Collector
	env     *request.Env

	now func() time.Time

	mu      sync.Mutex
	started bool
	stopped bool

	stopCh chan struct{}
	loopWg sync.WaitGroup
}

// ============================================================================
// 建構函數
// ============================================================================

// New 建立控制器，尚未載入任何紀錄
func New(cfg Config, deps Deps) (*Controller, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("controller: store is required")
	}
	if deps.Backend == nil {
		return nil, fmt.Errorf("controller: backend is required")
	}
	def := DefaultConfig()
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = def.WorkerCount
	}
	if cfg.ExpiryInterval <= 0 {
		cfg.ExpiryInterval = def.ExpiryInterval
	}
	if cfg.MaxPollDelta <= 0 {
		cfg.MaxPollDelta = def.MaxPollDelta
	}

	m := deps.Metrics
	if m == nil {
		m = metrics.NewCollector(nil)
	}

	c := &Controller{
		config:  cfg,
		store:   deps.Store,
		creds:   deps.Credentials,
		space:   deps.Space,
		jm:      jobmanager.NewJobManager(),
		metrics: m,
		now:     time.Now,
		stopCh:  make(chan struct{}),
	}

	sched := deps.Scheduler
	if sched == nil {
		c.pool = worker.NewPool(worker.Config{
			QueueSize:     cfg.QueueSize,
			TaskTimeout:   cfg.TaskTimeout,
			RetryDelay:    cfg.RetryDelay,
			MaxRetryDelay: cfg.MaxRetryDelay,
			RatePerSecond: cfg.RatePerSecond,
			Burst:         cfg.Burst,
			OnResult:      c.onResult,
		})
		sched = c.pool
	}

	c.env = &request.Env{
		Scheduler:             sched,
		Store:                 deps.Store,
		Lookup:                c.jm,
		Backend:               deps.Backend,
		Observer:              &persister{store: deps.Store, metrics: m},
		MaxPollDelta:          cfg.MaxPollDelta,
		LegacyLsUnknownAsDone: cfg.LegacyLsUnknownAsDone,
	}
	if deps.Space != nil {
		c.env.Space = deps.Space
	}
	return c, nil
}

// ============================================================================
// 生命週期
// ============================================================================

// Start 載入持久化紀錄、啟動 worker 與背景循環
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return ErrNotRunning
	}
	if c.started {
		return fmt.Errorf("controller already started")
	}

	if err := c.recover(ctx); err != nil {
		return fmt.Errorf("recover: %w", err)
	}

	if c.pool != nil {
		if err := c.pool.Start(c.config.WorkerCount); err != nil {
			return fmt.Errorf("start worker pool: %w", err)
		}
	}

	c.loopWg.Add(1)
	go c.expiryLoop()

	if cp, ok := c.store.(storage.Checkpointer); ok && c.config.CheckpointInterval > 0 {
		c.loopWg.Add(1)
		go c.checkpointLoop(cp)
	}

	c.started = true
	zap.L().Info("controller started",
		zap.Int("workers", c.config.WorkerCount),
		zap.Int("requests", c.jm.Len()))
	return nil
}

// recover 由持久層重建所有請求，非終態的 Job 回到 RESTORED 等待惰性重排程
func (c *Controller) recover(ctx context.Context) error {
	start := c.now()
	recs, err := c.store.LoadAll(ctx)
	if err != nil {
		return err
	}

	containers := make([]*types.JobRecord, 0)
	files := make(map[int64]map[int64]*types.JobRecord)
	for _, rec := range recs {
		if rec.IsContainer() {
			containers = append(containers, rec)
			continue
		}
		if files[rec.ParentID] == nil {
			files[rec.ParentID] = make(map[int64]*types.JobRecord)
		}
		files[rec.ParentID][rec.ID] = rec
	}

	restored := 0
	for _, rec := range containers {
		cr, err := request.RestoreContainer(rec, files[rec.ID], c.env)
		if err != nil {
			zap.L().Warn("skip unrestorable request", zap.Int64("request_id", rec.ID), zap.Error(err))
			continue
		}
		if err := c.jm.Add(cr); err != nil {
			zap.L().Warn("skip duplicate request", zap.Int64("request_id", rec.ID), zap.Error(err))
			continue
		}
		delete(files, rec.ID)
		restored++
	}
	for parent, orphans := range files {
		zap.L().Warn("orphan file request records", zap.Int64("request_id", parent), zap.Int("count", len(orphans)))
	}

	elapsed := c.now().Sub(start)
	c.metrics.SetRecovery(elapsed, len(recs))
	if len(recs) > 0 {
		zap.L().Info("recovery complete",
			zap.Int("records", len(recs)),
			zap.Int("requests", restored),
			zap.Duration("elapsed", elapsed))
	}
	return nil
}

// Stop 依序關閉：背景循環 → worker pool → 最後一次 checkpoint → 持久層
//
// 可重複呼叫。
func (c *Controller) Stop() error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	started := c.started
	c.mu.Unlock()

	close(c.stopCh)
	if c.pool != nil && started {
		c.pool.Stop()
	}
	c.loopWg.Wait()

	var errs []error
	if cp, ok := c.store.(storage.Checkpointer); ok && started {
		if err := cp.Checkpoint(context.Background()); err != nil {
			c.metrics.RecordStoreError("checkpoint")
			errs = append(errs, fmt.Errorf("final checkpoint: %w", err))
		}
	}
	if err := c.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}
	zap.L().Info("controller stopped")
	return errors.Join(errs...)
}

func (c *Controller) running() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started || c.stopped {
		return ErrNotRunning
	}
	return nil
}

// ============================================================================
// 請求操作
// ============================================================================

// Submit 驗證並建立新請求，所有檔案請求提交給 scheduler 後回傳請求 id
func (c *Controller) Submit(ctx context.Context, spec SubmitSpec) (int64, error) {
	if err := c.running(); err != nil {
		return 0, err
	}
	kind, err := types.ParseKind(string(spec.Kind))
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if len(spec.Files) == 0 {
		return 0, fmt.Errorf("%w: %v", ErrInvalidRequest, request.ErrNoFiles)
	}
	for i, f := range spec.Files {
		if f.SURL == "" {
			return 0, fmt.Errorf("%w: file %d has no surl", ErrInvalidRequest, i)
		}
	}

	user := ""
	if c.creds != nil {
		cred, err := c.creds.Resolve(ctx, spec.CredentialID)
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrCredential, err)
		}
		user = cred.Subject
	}

	lifetime := spec.Lifetime
	if lifetime == 0 {
		lifetime = c.config.DefaultLifetime
	}

	cr, err := request.NewContainer(ctx, request.ContainerSpec{
		Kind:         kind,
		User:         user,
		CredentialID: spec.CredentialID,
		Description:  spec.Description,
		ClientHost:   spec.ClientHost,
		Lifetime:     lifetime,
		MaxRetries:   c.config.MaxRetries,
		Get:          spec.Get,
		Put:          spec.Put,
		Ls:           spec.Ls,
		Files:        spec.Files,
	}, c.env)
	if err != nil {
		return 0, err
	}
	if err := c.jm.Add(cr); err != nil {
		return 0, err
	}
	c.metrics.RecordSubmitted(kind)

	if err := cr.Schedule(ctx); err != nil {
		return cr.ID(), fmt.Errorf("schedule request %d: %w", cr.ID(), err)
	}
	zap.L().Info("request submitted",
		zap.Int64("request_id", cr.ID()),
		zap.String("kind", string(kind)),
		zap.String("user", user),
		zap.Int("files", len(spec.Files)))
	return cr.ID(), nil
}

func (c *Controller) lookup(id int64) (*request.ContainerRequest, error) {
	cr, err := c.jm.Container(id)
	if err != nil {
		return nil, fmt.Errorf("%w: %d", ErrRequestNotFound, id)
	}
	return cr, nil
}

// Status 查詢請求狀態
//
// RESTORED 的請求與其檔案在這裡被重新排程（每個 Job 至多一次），
// 接著計算聚合狀態並推進 poll backoff。
func (c *Controller) Status(ctx context.Context, id int64) (StatusReport, error) {
	cr, err := c.lookup(id)
	if err != nil {
		return StatusReport{}, err
	}
	n, err := cr.ScheduleIfRestored(ctx)
	if n > 0 {
		c.metrics.RecordReactivation()
	}
	if err != nil {
		zap.L().Warn("reactivation incomplete", zap.Int64("request_id", id), zap.Error(err))
	}

	agg := cr.AggregateStatus()
	delta, next := cr.Backoff().NextPoll(c.now())
	c.metrics.RecordAggregation(agg.Code, delta)

	return StatusReport{
		RequestID:  id,
		Kind:       cr.Kind(),
		State:      cr.State(),
		Aggregate:  agg,
		Files:      cr.FileStatuses(),
		RetryDelta: delta,
		NextPoll:   next,
	}, nil
}

// FileStatuses 回傳請求中每個檔案的狀態，不觸發聚合
func (c *Controller) FileStatuses(_ context.Context, id int64) ([]request.FileStatus, error) {
	cr, err := c.lookup(id)
	if err != nil {
		return nil, err
	}
	return cr.FileStatuses(), nil
}

// History 回傳請求（或檔案請求）的狀態轉換紀錄
func (c *Controller) History(_ context.Context, id int64) ([]types.HistoryEntry, error) {
	if cr, err := c.jm.Container(id); err == nil {
		return cr.History(), nil
	}
	if f, err := c.jm.File(id); err == nil {
		return f.History(), nil
	}
	return nil, fmt.Errorf("%w: %d", ErrRequestNotFound, id)
}

// List 依篩選條件列出請求
func (c *Controller) List(filter jobmanager.Filter) []Summary {
	crs := c.jm.List(filter)
	out := make([]Summary, 0, len(crs))
	for _, cr := range crs {
		out = append(out, Summary{
			RequestID: cr.ID(),
			Kind:      cr.Kind(),
			User:      cr.User(),
			State:     cr.State(),
			Files:     len(cr.Files()),
			CreatedAt: cr.CreatedAt(),
		})
	}
	return out
}

// Abort 取消整個請求
func (c *Controller) Abort(ctx context.Context, id int64, reason string) error {
	cr, err := c.lookup(id)
	if err != nil {
		return err
	}
	return cr.Abort(ctx, reason)
}

// AbortFiles 取消請求中指定的檔案
func (c *Controller) AbortFiles(ctx context.Context, id int64, surls []string) ([]request.FileStatus, error) {
	cr, err := c.lookup(id)
	if err != nil {
		return nil, err
	}
	return cr.AbortFiles(ctx, surls)
}

// Release 釋放 fetch 請求中已 pin 的檔案
func (c *Controller) Release(ctx context.Context, id int64, surls []string) ([]request.FileStatus, error) {
	cr, err := c.lookup(id)
	if err != nil {
		return nil, err
	}
	return cr.Release(ctx, surls)
}

// PutDone 標記上傳請求中的檔案已完成傳輸
func (c *Controller) PutDone(ctx context.Context, id int64, surls []string) ([]request.FileStatus, error) {
	cr, err := c.lookup(id)
	if err != nil {
		return nil, err
	}
	return cr.PutDone(ctx, surls)
}

// ReserveSpace 為上傳請求預留空間，回傳的 token 放進 PutParams.SpaceToken
func (c *Controller) ReserveSpace(ctx context.Context, credentialID string, size int64, lifetime time.Duration) (space.Reservation, error) {
	if c.space == nil {
		return space.Reservation{}, fmt.Errorf("%w: space reservation not configured", ErrInvalidRequest)
	}
	owner := credentialID
	if c.creds != nil {
		cred, err := c.creds.Resolve(ctx, credentialID)
		if err != nil {
			return space.Reservation{}, fmt.Errorf("%w: %v", ErrCredential, err)
		}
		owner = cred.Subject
	}
	return c.space.Reserve(owner, size, lifetime, "", "")
}

// GetStats 回傳系統統計
func (c *Controller) GetStats() Stats {
	js := c.jm.GetStats()
	st := Stats{Requests: js.Containers, Files: js.Files}
	if c.pool != nil {
		st.QueueDepth = c.pool.QueueDepth()
		st.Workers = c.pool.GetWorkerCount()
		st.NodeID = c.pool.NodeID()
	}
	return st
}

// Metrics 回傳 collector（HTTP /metrics 使用）
func (c *Controller) Metrics() *metrics.Collector { return c.metrics }

// ============================================================================
// 背景循環
// ============================================================================

// expiryLoop 定期處理過期請求與保留期清理
func (c *Controller) expiryLoop() {
	defer c.loopWg.Done()

	ticker := time.NewTicker(c.config.ExpiryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.sweep(c.now())
		}
	}
}

// sweep 執行一次到期掃描
func (c *Controller) sweep(now time.Time) {
	expired := 0
	for _, cr := range c.jm.Expired(now) {
		if c.expire(cr) {
			expired++
		}
	}
	if expired > 0 {
		c.metrics.RecordExpired(expired)
		zap.L().Info("requests expired", zap.Int("count", expired))
	}

	if c.config.Retention > 0 {
		old := c.jm.FinishedBefore(now.Add(-c.config.Retention))
		if len(old) > 0 {
			ids := make([]int64, 0, len(old))
			for _, cr := range old {
				ids = append(ids, cr.ID())
			}
			removed := c.jm.Remove(ids...)
			if err := c.store.Delete(context.Background(), removed...); err != nil {
				c.metrics.RecordStoreError("delete")
				zap.L().Error("purge finished requests", zap.Int("count", len(ids)), zap.Error(err))
			} else {
				zap.L().Info("finished requests purged", zap.Int("requests", len(ids)), zap.Int("records", len(removed)))
			}
		}
	}

	st := c.GetStats()
	c.metrics.UpdateStates(st.Requests, st.Files)
	c.metrics.SetQueueDepth(st.QueueDepth)
}

// expire 把請求轉為 FAILED 並覆寫為 TIMED_OUT；請求已先一步進入終態時不動它
func (c *Controller) expire(cr *request.ContainerRequest) bool {
	const reason = "request lifetime expired"
	if err := cr.SetStateWithStatus(types.StateFailed, types.StatusRequestTimedOut, reason, reason); err != nil {
		zap.L().Debug("expire skipped", zap.Int64("request_id", cr.ID()), zap.Error(err))
		return false
	}
	cr.SetOverride(types.StatusRequestTimedOut, reason)
	// 轉換時已存過一次，這裡補上覆寫狀態
	if err := c.store.Save(context.Background(), cr.Record(), true); err != nil {
		c.metrics.RecordStoreError("save")
		zap.L().Error("persist expiry", zap.Int64("request_id", cr.ID()), zap.Error(err))
	}
	return true
}

// checkpointLoop 定期將 journal 壓縮成快照
func (c *Controller) checkpointLoop(cp storage.Checkpointer) {
	defer c.loopWg.Done()

	ticker := time.NewTicker(c.config.CheckpointInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			if err := cp.Checkpoint(context.Background()); err != nil {
				c.metrics.RecordStoreError("checkpoint")
				zap.L().Error("checkpoint failed", zap.Error(err))
			}
		}
	}
}

// onResult 將 worker 執行結果轉為 metrics
func (c *Controller) onResult(res worker.Result) {
	result := metrics.ResultSuccess
	switch {
	case res.Panicked:
		result = metrics.ResultPanic
	case res.Retry:
		result = metrics.ResultRetry
	case res.Err != nil:
		result = metrics.ResultFailure
	}
	c.metrics.RecordRun(result, res.Duration)
}

// ============================================================================
// 持久化觀察者
// ============================================================================

// persister 在每次狀態轉換後以條件式寫入保存紀錄
type persister struct {
	store   storage.Store
	metrics *metrics.Collector
}

func (p *persister) Changed(r request.Recorder, ch job.Change) {
	p.metrics.RecordTransition(ch.Entry.From, ch.Entry.To)
	if err := p.store.Save(context.Background(), r.Record(), false); err != nil {
		p.metrics.RecordStoreError("save")
		zap.L().Error("persist transition",
			zap.Int64("job_id", ch.JobID),
			zap.Stringer("to", ch.Entry.To),
			zap.Error(err))
	}
}

// Rejected 只計數；Job 本身已記錄 Warn 日誌
func (p *persister) Rejected(rej job.Rejection) {
	p.metrics.RecordRejected(rej.From, rej.To)
}
