package wal

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ChuLiYu/srm-lifecycle/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRecord(id int64, st types.State, version uint64) *types.JobRecord {
	return &types.JobRecord{
		ID:        id,
		Kind:      types.KindGet,
		State:     st,
		CreatedAt: time.Unix(1700000000, 0).UTC(),
		Version:   version,
	}
}

func openTest(t *testing.T) (*WAL, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "srm.wal")
	w, err := Open(path, Options{SyncOnAppend: true})
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })
	return w, path
}

func collect(t *testing.T, w *WAL) []Event {
	t.Helper()
	var out []Event
	require.NoError(t, w.Replay(func(ev Event) error {
		out = append(out, ev)
		return nil
	}))
	return out
}

func TestAppendAndReplay(t *testing.T) {
	w, _ := openTest(t)

	rec := testRecord(1, types.StatePending, 1)
	seq, err := w.Append(EventSave, 1, rec, false)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), seq)

	// 修改原始 record 不影響已寫入事件
	rec.State = types.StateDone

	_, err = w.Append(EventNextID, 2, nil, false)
	require.NoError(t, err)
	_, err = w.Append(EventDelete, 1, nil, false)
	require.NoError(t, err)

	events := collect(t, w)
	require.Len(t, events, 3)
	assert.Equal(t, EventSave, events[0].Type)
	assert.Equal(t, types.StatePending, events[0].Record.State)
	assert.Equal(t, EventNextID, events[1].Type)
	assert.Equal(t, int64(2), events[1].JobID)
	assert.Equal(t, EventDelete, events[2].Type)
	assert.Equal(t, uint64(3), w.GetLastSeq())
}

func TestBufferedEventsVisibleToReplay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "srm.wal")
	w, err := Open(path, Options{BufferSize: 100, FlushInterval: time.Hour})
	require.NoError(t, err)
	defer w.Close()

	_, err = w.Append(EventSave, 1, testRecord(1, types.StatePending, 1), false)
	require.NoError(t, err)

	n, err := CountEvents(path)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "event should still be buffered")

	assert.Len(t, collect(t, w), 1)
}

func TestReopenContinuesSeq(t *testing.T) {
	path := filepath.Join(t.TempDir(), "srm.wal")
	w, err := Open(path, Options{SyncOnAppend: true})
	require.NoError(t, err)
	for i := int64(1); i <= 3; i++ {
		_, err := w.Append(EventSave, i, testRecord(i, types.StatePending, 1), false)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	w2, err := Open(path, Options{})
	require.NoError(t, err)
	defer w2.Close()
	assert.Equal(t, uint64(3), w2.GetLastSeq())
}

func TestRotateKeepsSeqAndCompresses(t *testing.T) {
	w, path := openTest(t)
	for i := int64(1); i <= 2; i++ {
		_, err := w.Append(EventSave, i, testRecord(i, types.StateRunning, 2), false)
		require.NoError(t, err)
	}

	backup, err := w.Rotate()
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(backup, ".gz"))

	n, err := CountEvents(backup)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	seq, err := w.Append(EventSave, 3, testRecord(3, types.StatePending, 1), false)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), seq)

	events := collect(t, w)
	require.Len(t, events, 1)
	assert.Equal(t, int64(3), events[0].JobID)

	require.NoError(t, ValidateWAL(path))
}

func TestSetSeqFloor(t *testing.T) {
	w, _ := openTest(t)
	w.SetSeqFloor(41)
	seq, err := w.Append(EventNextID, 5, nil, false)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), seq)

	w.SetSeqFloor(10)
	assert.Equal(t, uint64(42), w.GetLastSeq())
}

func TestReplayDetectsChecksumMismatch(t *testing.T) {
	w, path := openTest(t)
	_, err := w.Append(EventSave, 1, testRecord(1, types.StatePending, 1), false)
	require.NoError(t, err)
	require.NoError(t, w.Flush())

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	tampered := strings.Replace(string(b), `"state":"PENDING"`, `"state":"DONE"`, 1)
	require.NotEqual(t, string(b), tampered)
	require.NoError(t, os.WriteFile(path, []byte(tampered), 0644))

	err = w.Replay(func(Event) error { return nil })
	assert.ErrorIs(t, err, ErrChecksumMismatch)
	var ce *ChecksumError
	assert.ErrorAs(t, err, &ce)
	assert.Equal(t, uint64(1), ce.Seq)

	assert.ErrorIs(t, ValidateWAL(path), ErrChecksumMismatch)
}

func TestReplayTornTail(t *testing.T) {
	w, path := openTest(t)
	_, err := w.Append(EventSave, 1, testRecord(1, types.StatePending, 1), false)
	require.NoError(t, err)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"seq":2,"type":"SAVE","job_id":2,"rec`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	var applied int
	err = w.Replay(func(Event) error {
		applied++
		return nil
	})
	assert.ErrorIs(t, err, ErrCorruptedWAL)
	assert.Equal(t, 1, applied)

	last, err := GetLastEvent(path)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), last.Seq)
}

func TestClosedWAL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "srm.wal")
	w, err := Open(path, Options{})
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.NoError(t, w.Close())

	_, err = w.Append(EventSave, 1, nil, true)
	assert.ErrorIs(t, err, ErrWALClosed)
	_, err = w.Rotate()
	assert.ErrorIs(t, err, ErrWALClosed)
}

func TestEmptyWAL(t *testing.T) {
	_, path := openTest(t)
	_, err := GetLastEvent(path)
	assert.ErrorIs(t, err, ErrEmptyWAL)
}

func TestDumpAndStats(t *testing.T) {
	w, path := openTest(t)
	_, err := w.Append(EventSave, 7, testRecord(7, types.StateRunning, 3), false)
	require.NoError(t, err)
	_, err = w.Append(EventDelete, 7, nil, false)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, DumpWAL(path, &buf))
	out := buf.String()
	assert.Contains(t, out, "[Seq:1] SAVE job=7 state=RUNNING v3")
	assert.Contains(t, out, "[Seq:2] DELETE job=7")
	assert.NotContains(t, out, "BAD CHECKSUM")

	st, err := GetWALStats(path)
	require.NoError(t, err)
	assert.Equal(t, 2, st.TotalEvents)
	assert.Equal(t, uint64(1), st.FirstSeq)
	assert.Equal(t, uint64(2), st.LastSeq)
	assert.Equal(t, 1, st.EventTypes[EventSave])
	assert.Equal(t, 0, st.CorruptedCount)
}

func TestOpenTruncatesTornTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "srm.wal")
	w, err := Open(path, Options{SyncOnAppend: true})
	require.NoError(t, err)
	_, err = w.Append(EventSave, 1, testRecord(1, types.StatePending, 1), false)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"seq":2,"ty`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	w, err = Open(path, Options{SyncOnAppend: true})
	require.NoError(t, err)
	defer w.Close()
	seq, err := w.Append(EventSave, 2, testRecord(2, types.StatePending, 1), false)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), seq)

	events := collect(t, w)
	require.Len(t, events, 2)
	assert.Equal(t, int64(2), events[1].JobID)
	require.NoError(t, ValidateWAL(path))
}
