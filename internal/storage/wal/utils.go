package wal

// ============================================================================
// WAL 工具函式
// 職責：提供 WAL 相關的輔助功能（診斷、驗證、統計）
// ============================================================================

import (
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

// ============================================================================
// 檔案操作輔助
// ============================================================================

// GetLastEvent 從 WAL 檔案讀取最後一個有效事件
//
// 從頭掃描，回傳最後一個成功解析的事件；尾端損壞的行會被忽略。
// 檔案為空時回傳 ErrEmptyWAL。
func GetLastEvent(path string) (*Event, error) {
	var last *Event
	err := scan(path, func(ev Event, decodeErr error) bool {
		if decodeErr != nil {
			return false
		}
		e := ev
		last = &e
		return true
	})
	if err != nil {
		return nil, err
	}
	if last == nil {
		return nil, ErrEmptyWAL
	}
	return last, nil
}

// CountEvents 計算 WAL 中可解析的事件總數，遇到損壞即停止
func CountEvents(path string) (int, error) {
	n := 0
	err := scan(path, func(_ Event, decodeErr error) bool {
		if decodeErr != nil {
			return false
		}
		n++
		return true
	})
	return n, err
}

// ValidateWAL 驗證 WAL 檔案的完整性
//
// 檢查項目：
// - 所有事件的 JSON 格式正確
// - 所有事件的校驗和正確
// - seq 嚴格遞增（旋轉後檔案不一定從 1 開始）
func ValidateWAL(path string) error {
	var lastSeq uint64
	var problem error
	err := scan(path, func(ev Event, decodeErr error) bool {
		if decodeErr != nil {
			problem = &CorruptionError{Seq: lastSeq, Cause: decodeErr}
			return false
		}
		if !VerifyChecksum(ev) {
			problem = &ChecksumError{Seq: ev.Seq, Expected: CalculateChecksum(ev), Actual: ev.Checksum}
			return false
		}
		if ev.Seq <= lastSeq {
			problem = &CorruptionError{Seq: lastSeq, Cause: fmt.Errorf("seq %d not increasing", ev.Seq)}
			return false
		}
		lastSeq = ev.Seq
		return true
	})
	if err != nil {
		return err
	}
	return problem
}

// ============================================================================
// 除錯與診斷工具
// ============================================================================

// DumpWAL 輸出 WAL 內容（人類可讀格式）
//
//	[Seq:1] SAVE job=7 state=RUNNING v3 at 2024-01-01T00:00:00Z (checksum:0x12345678)
func DumpWAL(path string, w io.Writer) error {
	return scan(path, func(ev Event, decodeErr error) bool {
		if decodeErr != nil {
			fmt.Fprintf(w, "!! corrupted: %v\n", decodeErr)
			return false
		}
		var b strings.Builder
		fmt.Fprintf(&b, "[Seq:%d] %s job=%d", ev.Seq, ev.Type, ev.JobID)
		if ev.Record != nil {
			fmt.Fprintf(&b, " state=%s v%d", ev.Record.State, ev.Record.Version)
		}
		fmt.Fprintf(&b, " at %s (checksum:0x%08x)", time.UnixMilli(ev.Timestamp).UTC().Format(time.RFC3339), ev.Checksum)
		if !VerifyChecksum(ev) {
			b.WriteString(" BAD CHECKSUM")
		}
		fmt.Fprintln(w, b.String())
		return true
	})
}

// ============================================================================
// 統計與分析
// ============================================================================

// WALStats WAL 統計資訊
type WALStats struct {
	TotalEvents    int               // 總事件數
	EventTypes     map[EventType]int // 各類型事件計數
	FirstSeq       uint64            // 第一個事件的 seq
	LastSeq        uint64            // 最後一個事件的 seq
	TimeRange      [2]int64          // 時間範圍 [最早, 最晚]
	CorruptedCount int               // 校驗和錯誤事件數
}

// GetWALStats 取得 WAL 的統計資訊
func GetWALStats(path string) (*WALStats, error) {
	st := &WALStats{EventTypes: make(map[EventType]int)}
	err := scan(path, func(ev Event, decodeErr error) bool {
		if decodeErr != nil {
			st.CorruptedCount++
			return false
		}
		if !VerifyChecksum(ev) {
			st.CorruptedCount++
		}
		if st.TotalEvents == 0 {
			st.FirstSeq = ev.Seq
			st.TimeRange[0] = ev.Timestamp
		}
		st.TotalEvents++
		st.EventTypes[ev.Type]++
		st.LastSeq = ev.Seq
		if ev.Timestamp < st.TimeRange[0] {
			st.TimeRange[0] = ev.Timestamp
		}
		if ev.Timestamp > st.TimeRange[1] {
			st.TimeRange[1] = ev.Timestamp
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	return st, nil
}

// scan 逐筆解碼事件；.gz 檔自動解壓。fn 回傳 false 停止掃描
func scan(path string, fn func(ev Event, decodeErr error) bool) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return err
		}
		defer gz.Close()
		r = gz
	}

	dec := json.NewDecoder(r)
	for dec.More() {
		var ev Event
		if err := dec.Decode(&ev); err != nil {
			fn(Event{}, err)
			return nil
		}
		if !fn(ev, nil) {
			return nil
		}
	}
	return nil
}
