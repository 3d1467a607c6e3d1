// ============================================================================
// Job - 最小可排程單位與其狀態機
// ============================================================================
//
// Package: internal/job
// 文件: job.go
// 功能: 每個 Job 以自己的 mutex 保護狀態、狀態碼與歷史紀錄
//
// 並發規則:
//   - 每個 Job 只持有自己的鎖，不跨 Job 加鎖
//   - 狀態變更的 hook 在釋放鎖之後才被呼叫
//   - 非法轉換被拒絕並記錄，原狀態保持不變
//
// 建構方式:
//   - New()     全新 Job，id 由儲存層配置
//   - Restore() 由持久化紀錄重建，非終態的 Job 回到 RESTORED
//
// ============================================================================

package job

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ChuLiYu/srm-lifecycle/internal/state"
	"github.com/ChuLiYu/srm-lifecycle/pkg/types"
)

// Runnable 是 scheduler 可以執行的單位
type Runnable interface {
	Base() *Job
	Run(ctx context.Context) error
}

// Change 描述一次已接受的狀態轉換
type Change struct {
	JobID int64
	Entry types.HistoryEntry
}

// Rejection 描述一次被拒絕的狀態轉換
type Rejection struct {
	JobID int64
	From  types.State
	To    types.State
	Cause string
	Err   error
}

// Job 任務的共用狀態
type Job struct {
	mu sync.Mutex

	id        int64
	state     types.State
	createdAt time.Time
	lifetime  time.Duration

	retryCount int
	maxRetries int

	executorID string
	executorAt time.Time

	lastTransition time.Time
	history        []types.HistoryEntry

	code        types.StatusCode
	explanation string

	version uint64

	onChange []func(Change)
	onReject []func(Rejection)
}

var now = time.Now

// New 建立全新的 Job，初始狀態為 PENDING
func New(id int64, lifetime time.Duration, maxRetries int) *Job {
	t := now()
	return &Job{
		id:             id,
		state:          types.StatePending,
		createdAt:      t,
		lifetime:       lifetime,
		maxRetries:     maxRetries,
		lastTransition: t,
		version:        1,
	}
}

// Restore 由持久化紀錄重建 Job
//
// 非終態的 Job 代表宿主行程在它執行期間結束，回到 RESTORED 等待惰性重排程。
func Restore(rec *types.JobRecord) *Job {
	j := &Job{
		id:             rec.ID,
		state:          rec.State,
		createdAt:      rec.CreatedAt,
		lifetime:       rec.Lifetime,
		retryCount:     rec.RetryCount,
		maxRetries:     rec.MaxRetries,
		lastTransition: rec.LastTransition,
		history:        append([]types.HistoryEntry(nil), rec.History...),
		code:           rec.StatusCode,
		explanation:    rec.Explanation,
		version:        rec.Version,
	}
	if !rec.State.IsFinal() {
		j.state = types.StateRestored
	}
	return j
}

// Base 讓嵌入 *Job 的結構自動滿足 Runnable 的一半
func (j *Job) Base() *Job { return j }

// ID 回傳 Job 識別碼，建構後不變
func (j *Job) ID() int64 { return j.id }

func (j *Job) State() types.State {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

func (j *Job) CreatedAt() time.Time { return j.createdAt }

func (j *Job) Lifetime() time.Duration { return j.lifetime }

func (j *Job) RetryCount() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.retryCount
}

func (j *Job) MaxRetries() int { return j.maxRetries }

func (j *Job) LastTransition() time.Time {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.lastTransition
}

func (j *Job) Version() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.version
}

// History 回傳歷史紀錄的副本
func (j *Job) History() []types.HistoryEntry {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]types.HistoryEntry(nil), j.history...)
}

// Status 回傳目前的協定狀態碼與說明
func (j *Job) Status() (types.StatusCode, string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.code, j.explanation
}

// Snapshot 在同一個臨界區內讀取狀態與狀態碼
func (j *Job) Snapshot() (types.State, types.StatusCode, string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state, j.code, j.explanation
}

// SetStatus 更新協定狀態碼，不改變狀態
func (j *Job) SetStatus(code types.StatusCode, explanation string) {
	j.mu.Lock()
	j.code = code
	j.explanation = explanation
	j.version++
	j.mu.Unlock()
}

// SetExecutor 記錄執行此 Job 的 scheduler 身分
func (j *Job) SetExecutor(id string) {
	j.mu.Lock()
	j.executorID = id
	j.executorAt = now()
	j.version++
	j.mu.Unlock()
}

func (j *Job) Executor() (string, time.Time) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.executorID, j.executorAt
}

// ExpiresAt 回傳絕對到期時間；無限壽命時 ok 為 false
func (j *Job) ExpiresAt() (time.Time, bool) {
	if j.lifetime < 0 {
		return time.Time{}, false
	}
	return j.createdAt.Add(j.lifetime), true
}

// Expired 判斷在 t 時是否已超過壽命
func (j *Job) Expired(t time.Time) bool {
	exp, ok := j.ExpiresAt()
	return ok && !t.Before(exp)
}

// OnStateChange 註冊狀態轉換 hook，hook 在 Job 鎖釋放後呼叫
func (j *Job) OnStateChange(fn func(Change)) {
	j.mu.Lock()
	j.onChange = append(j.onChange, fn)
	j.mu.Unlock()
}

// OnRejected 註冊非法轉換 hook
func (j *Job) OnRejected(fn func(Rejection)) {
	j.mu.Lock()
	j.onReject = append(j.onReject, fn)
	j.mu.Unlock()
}

// SetState 依轉換表把 Job 轉到 to 狀態
func (j *Job) SetState(to types.State, cause string) error {
	return j.apply(func() (types.State, bool) { return to, true }, "", "", cause)
}

// SetStateWithStatus 在同一個臨界區內轉換狀態並更新狀態碼
func (j *Job) SetStateWithStatus(to types.State, code types.StatusCode, explanation, cause string) error {
	return j.apply(func() (types.State, bool) { return to, true }, code, explanation, cause)
}

// CompareAndSet 僅在目前狀態為 from 時轉換；回傳是否實際轉換
func (j *Job) CompareAndSet(from, to types.State, cause string) (bool, error) {
	matched := false
	err := j.apply(func() (types.State, bool) {
		matched = j.state == from
		return to, matched
	}, "", "", cause)
	return matched && err == nil, err
}

// apply 執行一次受保護的轉換
// pick 在持鎖狀態下決定目標狀態；回傳 false 表示不轉換。
func (j *Job) apply(pick func() (types.State, bool), code types.StatusCode, explanation, cause string) error {
	j.mu.Lock()
	to, ok := pick()
	if !ok {
		j.mu.Unlock()
		return nil
	}
	from := j.state
	if _, err := state.Transition(from, to); err != nil {
		hooks := j.onReject
		j.mu.Unlock()
		zap.L().Warn("rejected state transition",
			zap.Int64("job_id", j.id),
			zap.Stringer("from", from),
			zap.Stringer("to", to),
			zap.String("cause", cause))
		rej := Rejection{JobID: j.id, From: from, To: to, Cause: cause, Err: err}
		for _, fn := range hooks {
			fn(rej)
		}
		return err
	}
	entry := j.recordLocked(from, to, cause)
	if code != "" {
		j.code = code
		j.explanation = explanation
	}
	hooks := j.onChange
	j.mu.Unlock()

	ch := Change{JobID: j.id, Entry: entry}
	for _, fn := range hooks {
		fn(ch)
	}
	return nil
}

func (j *Job) recordLocked(from, to types.State, cause string) types.HistoryEntry {
	t := now()
	entry := types.HistoryEntry{Time: t, From: from, To: to, Cause: cause}
	j.state = to
	j.lastTransition = t
	j.history = append(j.history, entry)
	j.version++
	return entry
}

// Fail 把執行錯誤套用到 Job
//
// 暫時性錯誤在重試額度內轉為 RETRYWAIT 並回傳 true，其餘一律轉為 FAILED。
// 已在終態的 Job 不受影響。
func (j *Job) Fail(err error) bool {
	retryable, code := Classify(err)
	retry := false
	terr := j.apply(func() (types.State, bool) {
		if j.state.IsFinal() {
			return j.state, false
		}
		if retryable && j.retryCount < j.maxRetries && state.IsValidTransition(j.state, types.StateRetryWait) {
			j.retryCount++
			retry = true
			return types.StateRetryWait, true
		}
		return types.StateFailed, true
	}, code, err.Error(), err.Error())
	if terr != nil {
		return false
	}
	return retry
}

// Fill 把共用欄位寫入持久化紀錄
func (j *Job) Fill(rec *types.JobRecord) {
	j.mu.Lock()
	defer j.mu.Unlock()
	rec.ID = j.id
	rec.State = j.state
	rec.CreatedAt = j.createdAt
	rec.Lifetime = j.lifetime
	rec.RetryCount = j.retryCount
	rec.MaxRetries = j.maxRetries
	rec.LastTransition = j.lastTransition
	rec.History = append([]types.HistoryEntry(nil), j.history...)
	rec.StatusCode = j.code
	rec.Explanation = j.explanation
	rec.Version = j.version
}
