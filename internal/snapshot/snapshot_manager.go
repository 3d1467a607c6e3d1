package snapshot

// ============================================================================
// 職責說明：
// 1. 將所有 JobRecord 序列化為 JSON 快照檔
// 2. 使用原子性寫入（temp file + rename）防止損壞
// 3. 載入時驗證 schema 版本相容性
// 4. 配合 WAL 實現快速恢復：快照 + 重放 LastSeq 之後的事件
// ============================================================================

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/srm-lifecycle/pkg/types"
)

// SchemaVersion 目前的快照格式版本
const SchemaVersion = 2

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	ErrCorruptedSnapshot   = errors.New("snapshot file is corrupted")
	ErrIncompatibleVersion = errors.New("snapshot schema version is incompatible")
	ErrSnapshotNotFound    = errors.New("snapshot file not found")
)

// Manager 快照管理器
type Manager struct {
	path string     // 快照檔案路徑
	mu   sync.Mutex // 保護檔案操作
}

// NewManager 建立快照管理器實例
func NewManager(path string) *Manager {
	return &Manager{path: path}
}

// Write 原子性寫入快照
//
// 1. 寫入臨時檔案（.tmp）並 fsync
// 2. 使用 os.Rename 原子性替換原始檔案
func (m *Manager) Write(data types.SnapshotData) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writeLocked(data)
}

func (m *Manager) writeLocked(data types.SnapshotData) error {
	data.SchemaVer = SchemaVersion
	if data.Records == nil {
		data.Records = make(map[int64]*types.JobRecord)
	}

	jsonBytes, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	tmpPath := m.path + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("failed to write temp snapshot: %w", err)
	}
	if _, err := f.Write(jsonBytes); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write temp snapshot: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to sync temp snapshot: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp snapshot: %w", err)
	}

	if err := os.Rename(tmpPath, m.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename snapshot: %w", err)
	}
	return nil
}

// Load 載入快照
//
//   - 如果檔案不存在，回傳空的 SnapshotData（首次啟動）
//   - 驗證 schema 版本是否相容
//   - 偵測損壞的快照檔案
func (m *Manager) Load() (types.SnapshotData, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var data types.SnapshotData
	jsonBytes, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return types.SnapshotData{
				Records:   make(map[int64]*types.JobRecord),
				NextID:    1,
				SchemaVer: SchemaVersion,
			}, nil
		}
		return data, fmt.Errorf("failed to read snapshot: %w", err)
	}

	if err := json.Unmarshal(jsonBytes, &data); err != nil {
		return data, fmt.Errorf("%w: %v", ErrCorruptedSnapshot, err)
	}
	if data.SchemaVer != SchemaVersion {
		return data, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, data.SchemaVer, SchemaVersion)
	}
	if data.Records == nil {
		data.Records = make(map[int64]*types.JobRecord)
	}
	if data.NextID < 1 {
		data.NextID = 1
	}
	return data, nil
}

// Exists 檢查快照檔案是否存在
func (m *Manager) Exists() bool {
	_, err := os.Stat(m.path)
	return err == nil
}

// GetPath 取得快照檔案路徑（用於測試與除錯）
func (m *Manager) GetPath() string {
	return m.path
}

// WriteWithBackup 寫入快照並保留最近 keepBackups 個舊版本
func (m *Manager) WriteWithBackup(data types.SnapshotData, keepBackups int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := os.Stat(m.path); err == nil {
		backupPath := fmt.Sprintf("%s.%s", m.path, time.Now().Format("20060102_150405.000000"))
		if err := os.Rename(m.path, backupPath); err != nil {
			return fmt.Errorf("failed to backup old snapshot: %w", err)
		}
	}

	if err := m.writeLocked(data); err != nil {
		return err
	}
	return m.pruneBackupsLocked(keepBackups)
}

// Backups 依時間由新到舊列出備份檔
func (m *Manager) Backups() ([]string, error) {
	matches, err := filepath.Glob(m.path + ".2*")
	if err != nil {
		return nil, err
	}
	// 時間戳格式可直接字串排序
	sort.Sort(sort.Reverse(sort.StringSlice(matches)))
	return matches, nil
}

func (m *Manager) pruneBackupsLocked(keep int) error {
	if keep < 0 {
		keep = 0
	}
	backups, err := m.Backups()
	if err != nil {
		return err
	}
	for i := keep; i < len(backups); i++ {
		if err := os.Remove(backups[i]); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}
