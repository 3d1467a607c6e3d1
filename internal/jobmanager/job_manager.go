// ============================================================================
// srm-lifecycle 請求管理器 - 記憶體中的請求登錄表
// ============================================================================
//
// Package: internal/jobmanager
// 文件: job_manager.go
// 功能: 以 id 管理所有存活中的 ContainerRequest 與其 FileRequest
//
// 設計理念:
//   1. containers map - 容器請求的單一真實來源
//   2. files map      - file id → FileRequest 的輔助索引
//   3. 狀態本身不存放在此處，一律讀取 Job 的狀態（避免雙重真相）
//
// 用途:
//   - 實作 request.Lookup，FileRequest 透過它找回所屬容器
//   - controller 依 id 查詢、列出、統計、到期掃描與保留期清理
//
// 並發安全:
//   - 使用 sync.RWMutex 保護索引
//   - 讀取 Job 狀態時不持有索引鎖以外的鎖
//
// ============================================================================

package jobmanager

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/srm-lifecycle/internal/request"
	"github.com/ChuLiYu/srm-lifecycle/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// 請求 ID 重複錯誤
	ErrDuplicateJob = errors.New("request already registered")
	// 檔案請求不存在
	ErrJobNotFound = errors.New("file request not found")
)

// JobManager 請求登錄表
type JobManager struct {
	mu         sync.RWMutex
	containers map[int64]*request.ContainerRequest
	files      map[int64]*request.FileRequest
}

var _ request.Lookup = (*JobManager)(nil)

// Stats 依狀態統計的請求數量
type Stats struct {
	Containers map[types.State]int `json:"containers" yaml:"containers"`
	Files      map[types.State]int `json:"files" yaml:"files"`
}

// Filter 列出請求時的篩選條件，零值代表不篩選
type Filter struct {
	User  string
	Kind  types.RequestKind
	State *types.State
	Limit int
}

// NewJobManager 建立新的請求管理器實例
func NewJobManager() *JobManager {
	return &JobManager{
		containers: make(map[int64]*request.ContainerRequest),
		files:      make(map[int64]*request.FileRequest),
	}
}

// Add 登錄容器請求及其所有檔案請求
//
// 錯誤處理：
//   - ErrDuplicateJob: 容器或任一檔案 id 已存在
func (jm *JobManager) Add(c *request.ContainerRequest) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	if _, exists := jm.containers[c.ID()]; exists {
		return ErrDuplicateJob
	}
	files := c.Files()
	for _, f := range files {
		if _, exists := jm.files[f.ID()]; exists {
			return ErrDuplicateJob
		}
	}

	jm.containers[c.ID()] = c
	for _, f := range files {
		jm.files[f.ID()] = f
	}
	return nil
}

// Container 依 id 查詢容器請求，查無時回傳 request.ErrNotFound
func (jm *JobManager) Container(id int64) (*request.ContainerRequest, error) {
	jm.mu.RLock()
	defer jm.mu.RUnlock()
	c, ok := jm.containers[id]
	if !ok {
		return nil, request.ErrNotFound
	}
	return c, nil
}

// File 依 id 查詢檔案請求
func (jm *JobManager) File(id int64) (*request.FileRequest, error) {
	jm.mu.RLock()
	defer jm.mu.RUnlock()
	f, ok := jm.files[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return f, nil
}

// Remove 移除容器請求與其檔案請求，回傳被移除的所有 id（供持久層刪除）
func (jm *JobManager) Remove(ids ...int64) []int64 {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	var removed []int64
	for _, id := range ids {
		c, ok := jm.containers[id]
		if !ok {
			continue
		}
		delete(jm.containers, id)
		removed = append(removed, id)
		for _, f := range c.Files() {
			delete(jm.files, f.ID())
			removed = append(removed, f.ID())
		}
	}
	return removed
}

// List 依 id 遞增順序列出符合條件的容器請求
func (jm *JobManager) List(filter Filter) []*request.ContainerRequest {
	jm.mu.RLock()
	all := make([]*request.ContainerRequest, 0, len(jm.containers))
	for _, c := range jm.containers {
		all = append(all, c)
	}
	jm.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool { return all[i].ID() < all[j].ID() })

	out := all[:0]
	for _, c := range all {
		if filter.User != "" && c.User() != filter.User {
			continue
		}
		if filter.Kind != "" && c.Kind() != filter.Kind {
			continue
		}
		if filter.State != nil && c.State() != *filter.State {
			continue
		}
		out = append(out, c)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out
}

// Len 回傳容器請求數量
func (jm *JobManager) Len() int {
	jm.mu.RLock()
	defer jm.mu.RUnlock()
	return len(jm.containers)
}

// GetStats 依狀態統計容器與檔案請求
func (jm *JobManager) GetStats() Stats {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	st := Stats{
		Containers: make(map[types.State]int),
		Files:      make(map[types.State]int),
	}
	for _, c := range jm.containers {
		st.Containers[c.State()]++
	}
	for _, f := range jm.files {
		st.Files[f.State()]++
	}
	return st
}

// Expired 回傳尚未結束但生命期已過的容器請求
func (jm *JobManager) Expired(now time.Time) []*request.ContainerRequest {
	return jm.collect(func(c *request.ContainerRequest) bool {
		return !c.State().IsFinal() && c.Expired(now)
	})
}

// FinishedBefore 回傳在 cutoff 之前就進入終態的容器請求
func (jm *JobManager) FinishedBefore(cutoff time.Time) []*request.ContainerRequest {
	return jm.collect(func(c *request.ContainerRequest) bool {
		return c.State().IsFinal() && c.LastTransition().Before(cutoff)
	})
}

func (jm *JobManager) collect(keep func(*request.ContainerRequest) bool) []*request.ContainerRequest {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	var out []*request.ContainerRequest
	for _, c := range jm.containers {
		if keep(c) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}
