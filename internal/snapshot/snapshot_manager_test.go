package snapshot

// ============================================================================
// Snapshot Manager 測試檔案
// 職責：驗證快照的原子性寫入、載入、版本驗證與錯誤處理
// ============================================================================

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ChuLiYu/srm-lifecycle/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func record(id, parent int64, st types.State) *types.JobRecord {
	return &types.JobRecord{
		ID:        id,
		ParentID:  parent,
		Kind:      types.KindGet,
		State:     st,
		CreatedAt: time.Unix(1700000000, 0).UTC(),
		Lifetime:  time.Hour,
		Version:   3,
	}
}

// ============================================================================
// 基礎功能測試
// ============================================================================

func TestNewManager(t *testing.T) {
	manager := NewManager("test_snapshot.json")
	assert.NotNil(t, manager)
	assert.Equal(t, "test_snapshot.json", manager.GetPath())
}

// TestWriteAndLoad 測試寫入與載入快照
func TestWriteAndLoad(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "snapshot.json"))

	container := record(1, 0, types.StateRunning)
	container.FileIDs = []int64{2, 3}
	container.Get = &types.GetParams{PinLifetime: time.Hour}
	original := types.SnapshotData{
		Records: map[int64]*types.JobRecord{
			1: container,
			2: record(2, 1, types.StateReady),
			3: record(3, 1, types.StateFailed),
		},
		NextID:  4,
		LastSeq: 100,
	}

	require.NoError(t, manager.Write(original))

	loaded, err := manager.Load()
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion, loaded.SchemaVer)
	assert.Equal(t, uint64(100), loaded.LastSeq)
	assert.Equal(t, int64(4), loaded.NextID)
	require.Len(t, loaded.Records, 3)

	for id, rec := range original.Records {
		got, ok := loaded.Records[id]
		require.True(t, ok, "record %d should exist", id)
		assert.Equal(t, rec.State, got.State)
		assert.Equal(t, rec.ParentID, got.ParentID)
		assert.Equal(t, rec.Version, got.Version)
	}
	assert.Equal(t, []int64{2, 3}, loaded.Records[1].FileIDs)
	assert.Equal(t, time.Hour, loaded.Records[1].Get.PinLifetime)
}

func TestExists(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "snapshot.json"))
	assert.False(t, manager.Exists())

	require.NoError(t, manager.Write(types.SnapshotData{}))
	assert.True(t, manager.Exists())

	_, err := os.Stat(manager.GetPath() + ".tmp")
	assert.True(t, os.IsNotExist(err), "temp file must not survive a successful write")
}

// ============================================================================
// 錯誤處理測試
// ============================================================================

// TestFirstBoot 測試首次啟動（無快照）
func TestFirstBoot(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "missing.json"))

	loaded, err := manager.Load()
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion, loaded.SchemaVer)
	assert.Equal(t, uint64(0), loaded.LastSeq)
	assert.Equal(t, int64(1), loaded.NextID)
	assert.NotNil(t, loaded.Records)
	assert.Empty(t, loaded.Records)
}

func TestVersionMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot.json")
	manager := NewManager(path)

	invalid := types.SnapshotData{SchemaVer: 1}
	b, err := json.Marshal(invalid)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, b, 0644))

	_, err = manager.Load()
	assert.ErrorIs(t, err, ErrIncompatibleVersion)
}

func TestCorrupted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot.json")
	manager := NewManager(path)

	require.NoError(t, os.WriteFile(path, []byte(`{"records": {"1": {"id": 1, "state": "RUNN`), 0644))

	_, err := manager.Load()
	assert.ErrorIs(t, err, ErrCorruptedSnapshot)
}

// TestWriteFailure 測試寫入失敗（目錄不存在）
func TestWriteFailure(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "no-such-dir", "snapshot.json"))
	assert.Error(t, manager.Write(types.SnapshotData{}))
}

// ============================================================================
// 進階功能測試
// ============================================================================

// TestWriteWithBackup 測試帶備份的寫入與舊備份清理
func TestWriteWithBackup(t *testing.T) {
	dir := t.TempDir()
	manager := NewManager(filepath.Join(dir, "snapshot.json"))

	require.NoError(t, manager.Write(types.SnapshotData{LastSeq: 1}))
	for i := 2; i <= 5; i++ {
		require.NoError(t, manager.WriteWithBackup(types.SnapshotData{LastSeq: uint64(i)}, 2))
	}

	loaded, err := manager.Load()
	require.NoError(t, err)
	assert.Equal(t, uint64(5), loaded.LastSeq)

	backups, err := manager.Backups()
	require.NoError(t, err)
	assert.Len(t, backups, 2)

	// 最新的備份是前一版
	b, err := os.ReadFile(backups[0])
	require.NoError(t, err)
	var prev types.SnapshotData
	require.NoError(t, json.Unmarshal(b, &prev))
	assert.Equal(t, uint64(4), prev.LastSeq)
}

func TestLargeSnapshot(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "snapshot.json"))

	large := types.SnapshotData{Records: make(map[int64]*types.JobRecord), NextID: 1001, LastSeq: 10000}
	for i := int64(1); i <= 1000; i++ {
		large.Records[i] = record(i, 0, types.StatePending)
	}

	start := time.Now()
	require.NoError(t, manager.Write(large))
	t.Logf("Write duration for 1000 records: %v", time.Since(start))

	loaded, err := manager.Load()
	require.NoError(t, err)
	assert.Len(t, loaded.Records, 1000)
	assert.Equal(t, large.LastSeq, loaded.LastSeq)
}

// ============================================================================
// 並發安全測試
// ============================================================================

func TestConcurrentWrites(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "snapshot.json"))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(index int) {
			defer wg.Done()
			data := types.SnapshotData{
				Records: map[int64]*types.JobRecord{int64(index + 1): record(int64(index+1), 0, types.StatePending)},
				LastSeq: uint64(index),
			}
			assert.NoError(t, manager.Write(data))
		}(i)
	}
	wg.Wait()

	loaded, err := manager.Load()
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion, loaded.SchemaVer)
	assert.Len(t, loaded.Records, 1)
}
