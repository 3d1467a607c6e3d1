// Package filestore persists job records as a JSON snapshot plus a
// write-ahead log of every save since that snapshot.
package filestore

// ============================================================================
// 檔案式儲存
// 職責：
// 1. 每次 Save 先寫 WAL 再更新記憶體索引
// 2. Checkpoint 將記憶體狀態寫成快照並旋轉 WAL
// 3. 啟動時：載入快照 → 重放 LastSeq 之後的 WAL 事件
// ============================================================================

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ChuLiYu/srm-lifecycle/internal/snapshot"
	"github.com/ChuLiYu/srm-lifecycle/internal/storage"
	"github.com/ChuLiYu/srm-lifecycle/internal/storage/wal"
	"github.com/ChuLiYu/srm-lifecycle/pkg/types"
)

const (
	snapshotFile = "snapshot.json"
	walFile      = "srm.wal"
)

// Paths 回傳 dir 下的快照與 WAL 檔路徑
func Paths(dir string) (snapshotPath, walPath string) {
	return filepath.Join(dir, snapshotFile), filepath.Join(dir, walFile)
}

// Options 檔案儲存設定
type Options struct {
	Dir             string
	SyncOnAppend    bool
	FlushInterval   time.Duration
	SnapshotBackups int // >0 時保留舊快照
}

// Store 快照 + WAL 的 storage.Store 實作
type Store struct {
	mu       sync.Mutex
	opts     Options
	recs     map[int64]*types.JobRecord
	nextID   int64
	wal      *wal.WAL
	snaps    *snapshot.Manager
	replayed int
	closed   bool
}

var (
	_ storage.Store        = (*Store)(nil)
	_ storage.Checkpointer = (*Store)(nil)
)

// Open 開啟（或建立）目錄下的快照與 WAL，並恢復記憶體狀態
func Open(opts Options) (*Store, error) {
	if opts.Dir == "" {
		return nil, errors.New("filestore: dir is required")
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("filestore: create dir: %w", err)
	}

	snaps := snapshot.NewManager(filepath.Join(opts.Dir, snapshotFile))
	data, err := snaps.Load()
	if err != nil {
		return nil, fmt.Errorf("filestore: load snapshot: %w", err)
	}

	w, err := wal.Open(filepath.Join(opts.Dir, walFile), wal.Options{
		SyncOnAppend:  opts.SyncOnAppend,
		FlushInterval: opts.FlushInterval,
	})
	if err != nil {
		return nil, fmt.Errorf("filestore: open wal: %w", err)
	}

	s := &Store{
		opts:   opts,
		recs:   data.Records,
		nextID: data.NextID - 1,
		wal:    w,
		snaps:  snaps,
	}

	err = w.Replay(func(ev wal.Event) error {
		if ev.Seq <= data.LastSeq {
			return nil
		}
		s.apply(ev)
		s.replayed++
		return nil
	})
	if err != nil {
		if !errors.Is(err, wal.ErrCorruptedWAL) {
			w.Close()
			return nil, fmt.Errorf("filestore: replay: %w", err)
		}
		// 尾端寫到一半：已套用之前的事件，其餘捨棄
		zap.L().Warn("wal tail is corrupted, continuing with replayed prefix",
			zap.String("dir", opts.Dir), zap.Int("replayed", s.replayed), zap.Error(err))
	}
	w.SetSeqFloor(data.LastSeq)

	zap.L().Info("filestore opened",
		zap.String("dir", opts.Dir),
		zap.Int("records", len(s.recs)),
		zap.Uint64("snapshot_seq", data.LastSeq),
		zap.Int("replayed", s.replayed))
	return s, nil
}

func (s *Store) apply(ev wal.Event) {
	switch ev.Type {
	case wal.EventSave:
		if ev.Record == nil {
			return
		}
		s.recs[ev.Record.ID] = ev.Record
		if ev.Record.ID > s.nextID {
			s.nextID = ev.Record.ID
		}
	case wal.EventDelete:
		delete(s.recs, ev.JobID)
	case wal.EventNextID:
		if ev.JobID > s.nextID {
			s.nextID = ev.JobID
		}
	}
}

func (s *Store) Save(_ context.Context, rec *types.JobRecord, unconditional bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return wal.ErrWALClosed
	}
	if !storage.ShouldWrite(s.recs[rec.ID], rec, unconditional) {
		return nil
	}
	if _, err := s.wal.Append(wal.EventSave, rec.ID, rec, false); err != nil {
		return fmt.Errorf("filestore: journal save %d: %w", rec.ID, err)
	}
	s.recs[rec.ID] = storage.Clone(rec)
	if rec.ID > s.nextID {
		s.nextID = rec.ID
	}
	return nil
}

func (s *Store) Restore(_ context.Context, id int64) (*types.JobRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return storage.Clone(rec), nil
}

func (s *Store) NextID(context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, wal.ErrWALClosed
	}
	id := s.nextID + 1
	if _, err := s.wal.Append(wal.EventNextID, id, nil, false); err != nil {
		return 0, fmt.Errorf("filestore: journal id: %w", err)
	}
	s.nextID = id
	return id, nil
}

func (s *Store) LoadAll(context.Context) ([]*types.JobRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*types.JobRecord, 0, len(s.recs))
	for _, rec := range s.recs {
		out = append(out, storage.Clone(rec))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) Delete(_ context.Context, ids ...int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return wal.ErrWALClosed
	}
	for _, id := range ids {
		if _, ok := s.recs[id]; !ok {
			continue
		}
		if _, err := s.wal.Append(wal.EventDelete, id, nil, false); err != nil {
			return fmt.Errorf("filestore: journal delete %d: %w", id, err)
		}
		delete(s.recs, id)
	}
	return nil
}

// Checkpoint 寫入快照並旋轉 WAL
//
// 快照的 LastSeq 與記憶體狀態在同一把鎖下取得；
// 若在寫快照後、旋轉前當機，重啟時會跳過 seq <= LastSeq 的事件。
func (s *Store) Checkpoint(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return wal.ErrWALClosed
	}
	if err := s.wal.Flush(); err != nil {
		return err
	}

	data := types.SnapshotData{
		Records: make(map[int64]*types.JobRecord, len(s.recs)),
		NextID:  s.nextID + 1,
		LastSeq: s.wal.GetLastSeq(),
	}
	for id, rec := range s.recs {
		data.Records[id] = rec
	}

	var err error
	if s.opts.SnapshotBackups > 0 {
		err = s.snaps.WriteWithBackup(data, s.opts.SnapshotBackups)
	} else {
		err = s.snaps.Write(data)
	}
	if err != nil {
		return fmt.Errorf("filestore: write snapshot: %w", err)
	}

	backup, err := s.wal.Rotate()
	if err != nil {
		return fmt.Errorf("filestore: rotate wal: %w", err)
	}
	zap.L().Info("checkpoint written",
		zap.Int("records", len(data.Records)),
		zap.Uint64("last_seq", data.LastSeq),
		zap.String("wal_backup", backup))
	return nil
}

// WALPath 回傳目前的 WAL 檔案路徑（供診斷工具使用）
func (s *Store) WALPath() string { return s.wal.Path() }

// Close flush WAL 並關閉
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.wal.Close()
}
