// Package types 定義了 srm-lifecycle 系統中使用的核心領域模型
package types

import (
	"fmt"
	"strings"
	"time"
)

// State 任務狀態（Job / Request / FileRequest 共用）
type State int

// 定義任務狀態常數
const (
	StatePending      State = iota // 已建立，尚未排程
	StateQueued                    // 已排入 scheduler 佇列
	StateRestored                  // 由持久層重建，尚未重新排程
	StateRunning                   // 正在執行
	StateAsyncWait                 // 等待 backend 非同步回呼
	StateRetryWait                 // 暫時性失敗，等待重試
	StateReady                     // 資源可用（已 pin / 已預留空間）
	StateTransferring              // 客戶端傳輸中
	StateDone                      // 完成（終態）
	StateFailed                    // 失敗（終態）
	StateCanceled                  // 取消（終態）
)

var stateNames = [...]string{
	StatePending:      "PENDING",
	StateQueued:       "QUEUED",
	StateRestored:     "RESTORED",
	StateRunning:      "RUNNING",
	StateAsyncWait:    "ASYNCWAIT",
	StateRetryWait:    "RETRYWAIT",
	StateReady:        "READY",
	StateTransferring: "TRANSFERRING",
	StateDone:         "DONE",
	StateFailed:       "FAILED",
	StateCanceled:     "CANCELED",
}

// AllStates 依宣告順序列出所有狀態
func AllStates() []State {
	out := make([]State, 0, len(stateNames))
	for s := range stateNames {
		out = append(out, State(s))
	}
	return out
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// IsFinal 判斷是否為終態，終態不可再轉換
func (s State) IsFinal() bool {
	return s == StateDone || s == StateFailed || s == StateCanceled
}

// ParseState 由名稱解析狀態（不分大小寫）
func ParseState(name string) (State, error) {
	for i, n := range stateNames {
		if strings.EqualFold(n, name) {
			return State(i), nil
		}
	}
	return 0, fmt.Errorf("unknown state %q", name)
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(b []byte) error {
	v, err := ParseState(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// InfiniteLifetime 代表永不過期
const InfiniteLifetime time.Duration = -1

// HistoryEntry 狀態轉換紀錄，建立後不可變
type HistoryEntry struct {
	Time  time.Time `json:"time"`
	From  State     `json:"from"`
	To    State     `json:"to"`
	Cause string    `json:"cause"`
}

// ReturnStatus 回傳給客戶端的協定狀態碼與說明
type ReturnStatus struct {
	Code        StatusCode `json:"code"`
	Explanation string     `json:"explanation,omitempty"`
}

func (r ReturnStatus) String() string {
	if r.Explanation == "" {
		return string(r.Code)
	}
	return string(r.Code) + ": " + r.Explanation
}

// RequestKind 請求類型標籤
type RequestKind string

const (
	KindGet         RequestKind = "get"
	KindBringOnline RequestKind = "bring_online"
	KindPut         RequestKind = "put"
	KindLs          RequestKind = "ls"
)

// ParseKind 解析請求類型
func ParseKind(s string) (RequestKind, error) {
	switch k := RequestKind(strings.ToLower(s)); k {
	case KindGet, KindBringOnline, KindPut, KindLs:
		return k, nil
	case "bringonline", "bring-online":
		return KindBringOnline, nil
	}
	return "", fmt.Errorf("unknown request kind %q", s)
}

// GetParams fetch 請求參數
type GetParams struct {
	Protocols   []string      `json:"protocols,omitempty"`
	PinLifetime time.Duration `json:"pin_lifetime"`
}

// PutParams 上傳請求參數
type PutParams struct {
	RetentionPolicy string `json:"retention_policy,omitempty"`
	AccessLatency   string `json:"access_latency,omitempty"`
	SpaceToken      string `json:"space_token,omitempty"`
	DesiredSize     int64  `json:"desired_size,omitempty"`
}

// LsParams 列目錄請求參數
type LsParams struct {
	Depth      int  `json:"depth"`
	Offset     int  `json:"offset"`
	Count      int  `json:"count"`
	LongFormat bool `json:"long_format"`
}

// ListEntry 列目錄結果中的一筆
type ListEntry struct {
	Path    string    `json:"path"`
	Size    int64     `json:"size"`
	Dir     bool      `json:"dir"`
	ModTime time.Time `json:"mod_time"`
}

// JobRecord Job 的持久化格式（邏輯佈局，與儲存技術無關）
type JobRecord struct {
	// 識別
	ID       int64       `json:"id"`
	ParentID int64       `json:"parent_id,omitempty"` // 僅 FileRequest 使用
	Kind     RequestKind `json:"kind"`

	// 狀態
	State          State          `json:"state"`
	CreatedAt      time.Time      `json:"created_at"`
	Lifetime       time.Duration  `json:"lifetime"`
	RetryCount     int            `json:"retry_count"`
	MaxRetries     int            `json:"max_retries"`
	LastTransition time.Time      `json:"last_transition"`
	History        []HistoryEntry `json:"history,omitempty"`
	StatusCode     StatusCode     `json:"status_code,omitempty"`
	Explanation    string         `json:"explanation,omitempty"`
	Version        uint64         `json:"version"` // 每次變更遞增，用於條件式寫入

	// Request 欄位
	User                string     `json:"user,omitempty"`
	CredentialID        string     `json:"credential_id,omitempty"`
	Description         string     `json:"description,omitempty"`
	ClientHost          string     `json:"client_host,omitempty"`
	OverrideCode        StatusCode `json:"override_code,omitempty"`
	OverrideExplanation string     `json:"override_explanation,omitempty"`
	FileIDs             []int64    `json:"file_ids,omitempty"`
	Get                 *GetParams `json:"get,omitempty"`
	Put                 *PutParams `json:"put,omitempty"`
	Ls                  *LsParams  `json:"ls,omitempty"`

	// FileRequest 欄位
	SURL       string      `json:"surl,omitempty"`
	TURL       string      `json:"turl,omitempty"`
	Size       int64       `json:"size,omitempty"`
	SpaceToken string      `json:"space_token,omitempty"`
	Entries    []ListEntry `json:"entries,omitempty"`
}

// IsContainer 判斷紀錄是否為容器請求
func (r *JobRecord) IsContainer() bool {
	return r.ParentID == 0
}

// SnapshotData 快照資料，用於系統狀態的持久化和恢復
type SnapshotData struct {
	Records   map[int64]*JobRecord `json:"records"`
	NextID    int64                `json:"next_id"`
	SchemaVer int                  `json:"schema_ver"` // 資料結構版本號，用於向後相容性
	LastSeq   uint64               `json:"last_seq"`   // 快照涵蓋的最後 WAL 序號
}
