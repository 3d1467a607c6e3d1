package job

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/srm-lifecycle/internal/state"
	"github.com/ChuLiYu/srm-lifecycle/pkg/types"
)

func TestNewJob(t *testing.T) {
	j := New(7, time.Hour, 3)
	assert.Equal(t, int64(7), j.ID())
	assert.Equal(t, types.StatePending, j.State())
	assert.Empty(t, j.History())
	exp, ok := j.ExpiresAt()
	require.True(t, ok)
	assert.Equal(t, j.CreatedAt().Add(time.Hour), exp)
}

func TestInfiniteLifetimeNeverExpires(t *testing.T) {
	j := New(1, types.InfiniteLifetime, 0)
	_, ok := j.ExpiresAt()
	assert.False(t, ok)
	assert.False(t, j.Expired(time.Now().Add(1000*time.Hour)))
}

func TestSetStateAppendsHistory(t *testing.T) {
	j := New(1, time.Hour, 0)
	var changes []Change
	j.OnStateChange(func(c Change) { changes = append(changes, c) })

	require.NoError(t, j.SetState(types.StateRunning, "scheduled"))
	require.NoError(t, j.SetStateWithStatus(types.StateDone, types.StatusSuccess, "ok", "finished"))

	h := j.History()
	require.Len(t, h, 2)
	assert.Equal(t, types.StatePending, h[0].From)
	assert.Equal(t, types.StateRunning, h[0].To)
	assert.Equal(t, "scheduled", h[0].Cause)
	assert.Equal(t, types.StateDone, h[1].To)

	code, expl := j.Status()
	assert.Equal(t, types.StatusSuccess, code)
	assert.Equal(t, "ok", expl)
	assert.Len(t, changes, 2)
}

func TestFinalStateRejectsTransitions(t *testing.T) {
	for _, final := range []types.State{types.StateDone, types.StateFailed, types.StateCanceled} {
		j := Restore(&types.JobRecord{ID: 3, State: final, Lifetime: time.Hour})
		rejected := 0
		j.OnRejected(func(r Rejection) { rejected++ })

		for _, to := range types.AllStates() {
			err := j.SetState(to, "test")
			require.Error(t, err)
			assert.True(t, errors.Is(err, state.ErrIllegalTransition))
			assert.Equal(t, final, j.State())
		}
		assert.Empty(t, j.History())
		assert.Equal(t, len(types.AllStates()), rejected)
	}
}

func TestRestoreNonFinalComesBackRestored(t *testing.T) {
	rec := &types.JobRecord{
		ID:      9,
		State:   types.StateRunning,
		History: []types.HistoryEntry{{From: types.StatePending, To: types.StateRunning, Cause: "x"}},
		Version: 4,
	}
	j := Restore(rec)
	assert.Equal(t, types.StateRestored, j.State())
	assert.Len(t, j.History(), 1)
	assert.Equal(t, uint64(4), j.Version())
}

func TestCompareAndSetOnlyOnce(t *testing.T) {
	j := Restore(&types.JobRecord{ID: 1, State: types.StateQueued})

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := j.CompareAndSet(types.StateRestored, types.StatePending, "reactivated")
			if err == nil && ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
	assert.Equal(t, types.StatePending, j.State())
	assert.Len(t, j.History(), 1)
}

func TestFailRetriesThenFails(t *testing.T) {
	j := New(1, time.Hour, 2)
	require.NoError(t, j.SetState(types.StateRunning, "run"))

	assert.True(t, j.Fail(NonFatal(types.StatusFileBusy, "busy")))
	assert.Equal(t, types.StateRetryWait, j.State())
	assert.Equal(t, 1, j.RetryCount())

	require.NoError(t, j.SetState(types.StateRunning, "retry"))
	assert.True(t, j.Fail(NonFatal(types.StatusFileBusy, "busy")))

	require.NoError(t, j.SetState(types.StateRunning, "retry"))
	assert.False(t, j.Fail(NonFatal(types.StatusFileBusy, "busy")))
	assert.Equal(t, types.StateFailed, j.State())
	code, _ := j.Status()
	assert.Equal(t, types.StatusFileBusy, code)
}

func TestFailFatalIsImmediate(t *testing.T) {
	j := New(1, time.Hour, 5)
	require.NoError(t, j.SetState(types.StateRunning, "run"))
	assert.False(t, j.Fail(Fatal(types.StatusInvalidPath, "no such file")))
	assert.Equal(t, types.StateFailed, j.State())
	assert.Equal(t, 0, j.RetryCount())
}

func TestFailIgnoresFinalJobs(t *testing.T) {
	j := New(1, time.Hour, 5)
	require.NoError(t, j.SetState(types.StateCanceled, "abort"))
	assert.False(t, j.Fail(errors.New("boom")))
	assert.Equal(t, types.StateCanceled, j.State())
}

func TestClassify(t *testing.T) {
	retry, code := Classify(NonFatal("", "x"))
	assert.True(t, retry)
	assert.Equal(t, types.StatusFailure, code)

	retry, code = Classify(errors.New("plain"))
	assert.False(t, retry)
	assert.Equal(t, types.StatusInternalError, code)
}

func TestFill(t *testing.T) {
	j := New(11, time.Minute, 1)
	require.NoError(t, j.SetState(types.StateRunning, "run"))
	var rec types.JobRecord
	j.Fill(&rec)
	assert.Equal(t, int64(11), rec.ID)
	assert.Equal(t, types.StateRunning, rec.State)
	assert.Len(t, rec.History, 1)
	assert.Equal(t, j.Version(), rec.Version)
}
