// ============================================================================
// Request - 客戶端請求、檔案子請求與狀態聚合
// ============================================================================
//
// Package: internal/request
// 文件: request.go
// 功能: 定義請求引擎依賴的外部協作介面，以及 Request 共用欄位
//
// 組成方式（不使用繼承）:
//   ContainerRequest = Request + Variant + []*FileRequest
//   FileRequest      = Job + 所屬 Request 的 id（弱參照，透過 Lookup 查詢）
//   Request          = Job + 使用者資訊 + 覆寫狀態 + poll backoff
//
// 外部協作者:
//   - Scheduler  非同步執行 Runnable
//   - Storage    save / nextId
//   - Lookup     由 id 取得 ContainerRequest
//   - Backend    實際的儲存系統操作
//   - Observer   持久化與監控的狀態變更通知
//
// ============================================================================

package request

import (
	"context"
	"errors"
	"sync"

	"github.com/ChuLiYu/srm-lifecycle/internal/backend"
	"github.com/ChuLiYu/srm-lifecycle/internal/job"
	"github.com/ChuLiYu/srm-lifecycle/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// 查無請求
	ErrNotFound = errors.New("request not found")
	// 未知的請求類型
	ErrUnknownKind = errors.New("unknown request kind")
	// 容器請求沒有任何檔案
	ErrNoFiles = errors.New("request has no file requests")
	// 此操作不適用於該請求類型
	ErrWrongKind = errors.New("operation not supported for request kind")
)

// Scheduler 非同步驅動 Runnable 的執行
type Scheduler interface {
	Submit(ctx context.Context, r job.Runnable) error
}

// Retrier 由能在退避延遲後重新提交的 Scheduler 實作；
// 未實作時 RETRYWAIT 的 Runnable 會立即重新 Submit。
type Retrier interface {
	Retry(r job.Runnable)
}

// resubmit 把 RETRYWAIT 的 r 交回 s，優先走延遲重試
func resubmit(s Scheduler, r job.Runnable) {
	if rt, ok := s.(Retrier); ok {
		rt.Retry(r)
		return
	}
	if err := s.Submit(context.Background(), r); err != nil {
		r.Base().Fail(job.Fatal(types.StatusInternalError, "resubmit: %v", err))
	}
}

// Storage 請求引擎使用的持久層子集
type Storage interface {
	Save(ctx context.Context, rec *types.JobRecord, unconditional bool) error
	NextID(ctx context.Context) (int64, error)
}

// Lookup 由 id 查詢容器請求；查無時回傳 ErrNotFound
type Lookup interface {
	Container(id int64) (*ContainerRequest, error)
}

// SpaceAllocator 上傳請求使用的空間配置
type SpaceAllocator interface {
	Allocate(token string, size int64) error
	Free(token string, size int64)
}

// Recorder 可以輸出持久化紀錄的請求
type Recorder interface {
	Record() *types.JobRecord
}

// Observer 接收所有請求的狀態變更
type Observer interface {
	Changed(r Recorder, ch job.Change)
	Rejected(rej job.Rejection)
}

type nopObserver struct{}

func (nopObserver) Changed(Recorder, job.Change) {}
func (nopObserver) Rejected(job.Rejection)       {}

// Env 是請求運作所需的協作者集合，由呼叫端注入
type Env struct {
	Scheduler Scheduler
	Store     Storage
	Lookup    Lookup
	Backend   backend.Backend
	Space     SpaceAllocator
	Observer  Observer

	// MaxPollDelta poll 提示秒數上限
	MaxPollDelta int
	// LegacyLsUnknownAsDone 讓列目錄聚合把未知狀態碼視為完成
	LegacyLsUnknownAsDone bool
}

func (e *Env) observer() Observer {
	if e.Observer == nil {
		return nopObserver{}
	}
	return e.Observer
}

// Request 客戶端發出的頂層請求
type Request struct {
	*job.Job

	user         string
	credentialID string
	description  string
	clientHost   string

	mu       sync.Mutex
	override *types.ReturnStatus
	backoff  *PollBackoff
}

func newRequest(j *job.Job, user, credentialID, description, clientHost string, maxPoll int) *Request {
	return &Request{
		Job:          j,
		user:         user,
		credentialID: credentialID,
		description:  description,
		clientHost:   clientHost,
		backoff:      NewPollBackoff(maxPoll),
	}
}

func (r *Request) User() string         { return r.user }
func (r *Request) CredentialID() string { return r.credentialID }
func (r *Request) Description() string  { return r.description }
func (r *Request) ClientHost() string   { return r.clientHost }

// SetOverride 設定覆寫狀態，之後的聚合直接回傳此狀態
func (r *Request) SetOverride(code types.StatusCode, explanation string) {
	r.mu.Lock()
	r.override = &types.ReturnStatus{Code: code, Explanation: explanation}
	r.mu.Unlock()
}

// Override 回傳覆寫狀態（若有）
func (r *Request) Override() (types.ReturnStatus, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.override == nil {
		return types.ReturnStatus{}, false
	}
	return *r.override, true
}

// Backoff 回傳 poll 提示計數器
func (r *Request) Backoff() *PollBackoff { return r.backoff }

func (r *Request) fill(rec *types.JobRecord) {
	r.Job.Fill(rec)
	rec.User = r.user
	rec.CredentialID = r.credentialID
	rec.Description = r.description
	rec.ClientHost = r.clientHost
	if o, ok := r.Override(); ok {
		rec.OverrideCode = o.Code
		rec.OverrideExplanation = o.Explanation
	}
}

// scheduleIfRestored 把 RESTORED 的 Job 轉回 PENDING 並提交一次
// 只有贏得 CompareAndSet 的呼叫者會提交；提交時不持有任何 Job 鎖。
func scheduleIfRestored(ctx context.Context, s Scheduler, r job.Runnable) (bool, error) {
	ok, err := r.Base().CompareAndSet(types.StateRestored, types.StatePending, "restored job rescheduled")
	if err != nil || !ok {
		return false, err
	}
	if err := s.Submit(ctx, r); err != nil {
		r.Base().Fail(job.Fatal(types.StatusInternalError, "reschedule: %v", err))
		return true, err
	}
	return true, nil
}
