package wal

// ============================================================================
// WAL 核心實作
// 職責：
// 1. 追加 JobRecord 事件到日誌檔案（append-only）
// 2. 提供重放功能以恢復系統狀態
// 3. 支援日誌旋轉（快照後清空，舊檔 gzip 保存）
// 4. 確保寫入持久性與資料完整性
// ============================================================================

import (
	"compress/gzip"
	"encoding/json"
	"io"
	"os"
	"sync"
	"time"

	"github.com/ChuLiYu/srm-lifecycle/pkg/types"
)

// FileInterface 定義檔案操作所需的方法
// 這允許在測試中對檔案操作進行模擬
type FileInterface interface {
	Write(p []byte) (n int, err error)
	Sync() error
	Close() error
}

// WAL 表示 Write-Ahead Log 實例
type WAL struct {
	mu           sync.Mutex    // 保護並發寫入
	file         FileInterface // WAL 檔案
	encoder      *json.Encoder // JSON 編碼器
	path         string        // WAL 檔案路徑
	seq          uint64        // 當前事件序號
	syncOnAppend bool          // 是否每次追加都強制同步
	closed       bool

	buffer        []Event
	bufferSize    int
	lastFlushTime time.Time
	flushInterval time.Duration
}

// Options 調整緩衝行為，零值使用預設
type Options struct {
	SyncOnAppend  bool
	BufferSize    int
	FlushInterval time.Duration
}

// ============================================================================
// 公開介面
// ============================================================================

/*
Open 建立或開啟一個 WAL 實例

行為：
- 如果檔案不存在，建立新檔案，seq 從 0 開始
- 如果檔案已存在，讀取最後一個有效事件的 seq 並繼續
- 以追加模式（O_APPEND）開啟，確保寫入不覆蓋
- 尾端寫到一半的事件會被截斷，避免新事件接在殘缺資料之後
*/
func Open(path string, opts Options) (*WAL, error) {
	if _, err := truncateTornTail(path); err != nil {
		return nil, err
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}

	var seq uint64
	if stat, statErr := file.Stat(); statErr == nil && stat.Size() > 0 {
		last, err := GetLastEvent(path)
		if err == nil && last != nil {
			seq = last.Seq
		}
	}

	if opts.BufferSize <= 0 {
		opts.BufferSize = 256
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = time.Second
	}
	if opts.SyncOnAppend {
		opts.BufferSize = 1
	}

	return &WAL{
		file:          file,
		encoder:       json.NewEncoder(file),
		path:          path,
		seq:           seq,
		syncOnAppend:  opts.SyncOnAppend,
		buffer:        make([]Event, 0, opts.BufferSize),
		bufferSize:    opts.BufferSize,
		lastFlushTime: time.Now(),
		flushInterval: opts.FlushInterval,
	}, nil
}

// Append 追加一個事件到 WAL
//
// 行為：
// - 自動遞增 seq
// - 計算 checksum（record 會在此刻序列化，之後修改不影響日誌）
// - 先進 buffer，滿了、超時或 force 時寫入並同步
func (w *WAL) Append(eventType EventType, jobID int64, rec *types.JobRecord, force bool) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return 0, ErrWALClosed
	}

	w.seq++
	ev := Event{
		Seq:       w.seq,
		Type:      eventType,
		JobID:     jobID,
		Timestamp: time.Now().UnixMilli(),
	}
	if rec != nil {
		// 深拷貝，避免呼叫端後續修改影響 buffer 中的事件
		b, err := json.Marshal(rec)
		if err != nil {
			w.seq--
			return 0, err
		}
		var cp types.JobRecord
		if err := json.Unmarshal(b, &cp); err != nil {
			w.seq--
			return 0, err
		}
		ev.Record = &cp
	}
	ev.Checksum = CalculateChecksum(ev)
	w.buffer = append(w.buffer, ev)

	if force || w.syncOnAppend || len(w.buffer) >= w.bufferSize || time.Since(w.lastFlushTime) > w.flushInterval {
		if err := w.flushLocked(); err != nil {
			return ev.Seq, err
		}
	}
	return ev.Seq, nil
}

// Flush 將 buffer 內的事件寫入並同步
func (w *WAL) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWALClosed
	}
	return w.flushLocked()
}

// Replay 重放所有 WAL 事件
//
// 行為：
// - 先 flush buffer，再從頭讀取 WAL 檔案
// - 驗證每個事件的 checksum
// - 呼叫 handler 應用事件，handler 錯誤立即停止
// - 尾端損壞（寫到一半當機）以 *CorruptionError 回報，之前的事件已套用
func (w *WAL) Replay(handler EventHandler) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.closed {
		if err := w.flushLocked(); err != nil {
			return err
		}
	}
	return replayFile(w.path, handler)
}

// Rotate 旋轉日誌檔案
//
// 舊檔改名為 path.<timestamp> 後壓縮為 .gz；seq 不歸零，
// 快照的 LastSeq 才能判斷哪些事件已被涵蓋。
func (w *WAL) Rotate() (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return "", ErrWALClosed
	}

	if err := w.flushLocked(); err != nil {
		return "", err
	}
	if err := w.file.Close(); err != nil {
		return "", err
	}

	backupPath := w.path + "." + time.Now().Format("20060102_150405.000000")
	if err := os.Rename(w.path, backupPath); err != nil {
		return "", err
	}

	newFile, err := os.OpenFile(w.path, os.O_CREATE|os.O_RDWR|os.O_TRUNC|os.O_APPEND, 0644)
	if err != nil {
		return "", err
	}
	w.file = newFile
	w.encoder = json.NewEncoder(newFile)
	w.buffer = w.buffer[:0]
	w.lastFlushTime = time.Now()

	gzPath := backupPath + ".gz"
	if err := compressWALFile(backupPath, gzPath); err != nil {
		// 壓縮失敗保留原始備份
		return backupPath, nil
	}
	_ = os.Remove(backupPath)
	return gzPath, nil
}

// Close 關閉 WAL，關閉後的實例不可重用
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	if err := w.flushLocked(); err != nil {
		return err
	}
	w.closed = true
	return w.file.Close()
}

// GetLastSeq 取得當前的事件序號
//
// 用途：快照時需要記錄 last_seq，確保恢復時知道從哪裡開始重放
func (w *WAL) GetLastSeq() uint64 {
	if w == nil {
		return 0
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seq
}

// SetSeqFloor 確保後續 seq 大於 floor
// 旋轉後重啟時檔案為空，需由快照的 LastSeq 接續編號
func (w *WAL) SetSeqFloor(floor uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.seq < floor {
		w.seq = floor
	}
}

// Path 回傳 WAL 檔案路徑
func (w *WAL) Path() string { return w.path }

// ============================================================================
// 內部輔助方法（私有）
// ============================================================================

// flushLocked 內部方法，假設調用者已經持有 w.mu 鎖
// 將緩衝的事件批次寫入並同步到磁碟
func (w *WAL) flushLocked() error {
	if len(w.buffer) == 0 {
		return nil
	}
	for _, ev := range w.buffer {
		if err := w.encoder.Encode(ev); err != nil {
			return err
		}
	}
	w.buffer = w.buffer[:0]
	w.lastFlushTime = time.Now()
	return w.file.Sync()
}

func replayFile(path string, handler EventHandler) error {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	var lastSeq uint64
	for decoder.More() {
		var ev Event
		if err := decoder.Decode(&ev); err != nil {
			return &CorruptionError{Seq: lastSeq, Offset: decoder.InputOffset(), Cause: err}
		}
		if !VerifyChecksum(ev) {
			return &ChecksumError{Seq: ev.Seq, Expected: CalculateChecksum(ev), Actual: ev.Checksum}
		}
		if err := handler(ev); err != nil {
			return err
		}
		lastSeq = ev.Seq
	}
	return nil
}

// truncateTornTail 截斷最後一個可解析事件之後的殘缺資料，回傳被截掉的位元組數
func truncateTornTail(path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return 0, err
	}

	decoder := json.NewDecoder(f)
	var good int64
	torn := false
	for decoder.More() {
		var ev Event
		if err := decoder.Decode(&ev); err != nil {
			torn = true
			break
		}
		good = decoder.InputOffset()
	}
	f.Close()
	if !torn {
		return 0, nil
	}
	if err := os.Truncate(path, good); err != nil {
		return 0, err
	}
	return stat.Size() - good, nil
}

// compressWALFile gzip 壓縮 WAL 檔案（只在旋轉時執行）
func compressWALFile(srcPath, dstPath string) error {
	srcFile, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer srcFile.Close()

	dstFile, err := os.Create(dstPath)
	if err != nil {
		return err
	}

	gzipWriter := gzip.NewWriter(dstFile)
	if _, err := io.Copy(gzipWriter, srcFile); err != nil {
		gzipWriter.Close()
		dstFile.Close()
		os.Remove(dstPath)
		return err
	}
	if err := gzipWriter.Close(); err != nil {
		dstFile.Close()
		os.Remove(dstPath)
		return err
	}
	return dstFile.Close()
}
