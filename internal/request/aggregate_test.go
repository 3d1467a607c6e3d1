package request

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/ChuLiYu/srm-lifecycle/pkg/types"
)

func TestScenarioAllQueued(t *testing.T) {
	env, lookup, _ := newTestEnv(t, &recordingScheduler{})
	c := newTestContainer(t, env, lookup, types.KindGet, "/a", "/b", "/c")
	for _, f := range c.Files() {
		drive(t, f, types.StateQueued, "")
	}

	rs := c.AggregateStatus()
	assert.Equal(t, types.StatusRequestQueued, rs.Code)
	assert.Equal(t, types.StatePending, c.State())
}

func TestScenarioReadySuccessAborted(t *testing.T) {
	env, lookup, _ := newTestEnv(t, &recordingScheduler{})
	c := newTestContainer(t, env, lookup, types.KindGet, "/a", "/b", "/c")
	files := c.Files()
	drive(t, files[0], types.StateReady, types.StatusFilePinned)
	drive(t, files[1], types.StateDone, types.StatusReleased)
	drive(t, files[2], types.StateCanceled, types.StatusAborted)

	rs := c.AggregateStatus()
	assert.Equal(t, types.StatusPartialSuccess, rs.Code)
	assert.Equal(t, types.StateDone, c.State())
	requireAllFilesFinal(t, c)
	assert.Equal(t, types.StateDone, files[0].State())
	last := files[0].History()[len(files[0].History())-1]
	assert.Equal(t, "parent request state changed", last.Cause)
}

func TestScenarioNoFreeSpaceFailsAll(t *testing.T) {
	env, lookup, _ := newTestEnv(t, &recordingScheduler{})
	c := newTestContainer(t, env, lookup, types.KindPut, "/a", "/b")
	files := c.Files()
	drive(t, files[0], types.StateFailed, types.StatusNoFreeSpace)
	drive(t, files[1], types.StateDone, types.StatusSuccess)

	rs := c.AggregateStatus()
	assert.Equal(t, types.StatusNoFreeSpace, rs.Code)
	assert.Equal(t, types.StateFailed, c.State())
}

func TestNoFreeSpaceFailsInProgressSiblings(t *testing.T) {
	env, lookup, _ := newTestEnv(t, &recordingScheduler{})
	c := newTestContainer(t, env, lookup, types.KindPut, "/a", "/b")
	files := c.Files()
	drive(t, files[0], types.StateFailed, types.StatusNoFreeSpace)
	drive(t, files[1], types.StateRunning, types.StatusRequestInProgress)

	assert.Equal(t, types.StatusNoFreeSpace, c.AggregateStatus().Code)
	assert.Equal(t, types.StateFailed, files[1].State())
	requireAllFilesFinal(t, c)
	assert.Equal(t, types.StatusNoFreeSpace, c.AggregateStatus().Code)
}

func TestScenarioAllAbortedIsNotFailure(t *testing.T) {
	env, lookup, _ := newTestEnv(t, &recordingScheduler{})
	c := newTestContainer(t, env, lookup, types.KindBringOnline, "/a", "/b")
	for _, f := range c.Files() {
		drive(t, f, types.StateCanceled, types.StatusAborted)
	}

	rs := c.AggregateStatus()
	assert.Equal(t, types.StatusAborted, rs.Code)
	assert.Equal(t, types.StateCanceled, c.State())
	assert.NotEqual(t, types.StateFailed, c.State())
}

func TestAggregationIsIdempotent(t *testing.T) {
	env, lookup, _ := newTestEnv(t, &recordingScheduler{})
	c := newTestContainer(t, env, lookup, types.KindGet, "/a", "/b")
	for _, f := range c.Files() {
		drive(t, f, types.StateDone, types.StatusReleased)
	}

	first := c.AggregateStatus()
	h1 := c.History()
	second := c.AggregateStatus()
	h2 := c.History()

	assert.Equal(t, types.StatusSuccess, first.Code)
	assert.Equal(t, first, second)
	assert.Equal(t, h1, h2)
	assert.Equal(t, types.StateDone, c.State())
}

func TestOverrideReturnedVerbatim(t *testing.T) {
	env, lookup, _ := newTestEnv(t, &recordingScheduler{})
	c := newTestContainer(t, env, lookup, types.KindGet, "/a")
	c.SetOverride(types.StatusRequestTimedOut, "admin says no")

	rs := c.AggregateStatus()
	assert.Equal(t, types.ReturnStatus{Code: types.StatusRequestTimedOut, Explanation: "admin says no"}, rs)
	assert.Equal(t, types.StatePending, c.State())
}

func TestZeroFilesIsInternalError(t *testing.T) {
	env, _, _ := newTestEnv(t, &recordingScheduler{})
	rec := &types.JobRecord{ID: 1, Kind: types.KindGet, State: types.StateRunning, FileIDs: []int64{2, 3}}
	c, err := RestoreContainer(rec, nil, env)
	require.NoError(t, err)

	rs := c.AggregateStatus()
	assert.Equal(t, types.StatusInternalError, rs.Code)
	assert.Equal(t, "could not deserialize files in request", rs.Explanation)
	assert.Equal(t, types.StateFailed, c.State())
	assert.Equal(t, rs, c.AggregateStatus())
}

func TestTerminalStateMapping(t *testing.T) {
	for code, want := range map[types.StatusCode]types.State{
		types.StatusSuccess:              types.StateDone,
		types.StatusPartialSuccess:       types.StateDone,
		types.StatusFailure:              types.StateFailed,
		types.StatusNoFreeSpace:          types.StateFailed,
		types.StatusSpaceLifetimeExpired: types.StateFailed,
		types.StatusAuthorizationFailure: types.StateFailed,
		types.StatusInternalError:        types.StateFailed,
		types.StatusAborted:              types.StateCanceled,
	} {
		got, ok := terminalState(code)
		assert.True(t, ok, code)
		assert.Equal(t, want, got, code)
	}
	for _, code := range []types.StatusCode{types.StatusRequestQueued, types.StatusRequestInProgress} {
		_, ok := terminalState(code)
		assert.False(t, ok, code)
	}
}

func TestInspectionFailureCountsAsFailure(t *testing.T) {
	env, lookup, _ := newTestEnv(t, &recordingScheduler{})
	c := newTestContainer(t, env, lookup, types.KindGet, "/a", "/b")
	files := c.Files()
	files[0].kind = "bogus"
	drive(t, files[1], types.StateDone, types.StatusReleased)

	assert.Equal(t, types.StatusPartialSuccess, c.AggregateStatus().Code)

	c2 := newTestContainer(t, env, lookup, types.KindGet, "/x")
	c2.Files()[0].kind = "bogus"
	assert.Equal(t, types.StatusFailure, c2.AggregateStatus().Code)
	assert.Equal(t, types.StateFailed, c2.State())
}

func TestListingAuthorizationShortCircuit(t *testing.T) {
	env, lookup, _ := newTestEnv(t, &recordingScheduler{})
	c := newTestContainer(t, env, lookup, types.KindLs, "/a", "/b")
	for _, f := range c.Files() {
		drive(t, f, types.StateFailed, types.StatusAuthorizationFailure)
	}
	assert.Equal(t, types.StatusAuthorizationFailure, c.AggregateStatus().Code)
	assert.Equal(t, types.StateFailed, c.State())
}

func TestGenericPrecedence(t *testing.T) {
	tests := []struct {
		name string
		cats []Category
		want types.StatusCode
	}{
		{"all aborted", []Category{CatAborted, CatAborted}, types.StatusAborted},
		{"all failure", []Category{CatFailure}, types.StatusFailure},
		{"ready and success", []Category{CatReady, CatSuccess}, types.StatusSuccess},
		{"all queued", []Category{CatQueued, CatQueued}, types.StatusRequestQueued},
		{"no free space beats in progress", []Category{CatNoFreeSpace, CatInProgress}, types.StatusNoFreeSpace},
		{"no free space beats expired", []Category{CatSpaceExpired, CatNoFreeSpace}, types.StatusNoFreeSpace},
		{"expired beats queued", []Category{CatSpaceExpired, CatQueued}, types.StatusSpaceLifetimeExpired},
		{"queued and running", []Category{CatQueued, CatInProgress}, types.StatusRequestInProgress},
		{"failure with queued", []Category{CatFailure, CatQueued}, types.StatusRequestInProgress},
		{"mixed terminal", []Category{CatFailure, CatSuccess}, types.StatusPartialSuccess},
		{"aborted and failed", []Category{CatAborted, CatFailure}, types.StatusFailure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var tally Tally
			for _, c := range tt.cats {
				tally.Add(c)
			}
			assert.Equal(t, tt.want, reduceGeneric(&tally).Code)
		})
	}
}

func TestListingPrecedence(t *testing.T) {
	tests := []struct {
		name string
		cats []Category
		want types.StatusCode
	}{
		{"all aborted", []Category{CatAborted}, types.StatusAborted},
		{"all auth", []Category{CatAuthFailure, CatAuthFailure}, types.StatusAuthorizationFailure},
		{"all failure", []Category{CatFailure, CatUnknown}, types.StatusFailure},
		{"all done", []Category{CatSuccess, CatSuccess}, types.StatusSuccess},
		{"auth and done", []Category{CatAuthFailure, CatSuccess}, types.StatusPartialSuccess},
		{"running", []Category{CatInProgress, CatSuccess}, types.StatusRequestInProgress},
		{"auth and failure", []Category{CatAuthFailure, CatFailure}, types.StatusFailure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var tally Tally
			for _, c := range tt.cats {
				tally.Add(c)
			}
			assert.Equal(t, tt.want, reduceListing(&tally).Code)
		})
	}
}

func TestListingUnknownCodes(t *testing.T) {
	assert.Equal(t, CatUnknown, classifyListing(types.StatusCustomStatus, false))
	assert.Equal(t, CatUnknown, classifyListing("SRM_SOMETHING_NEW", false))
	assert.Equal(t, CatSuccess, classifyListing("SRM_SOMETHING_NEW", true))
	assert.Equal(t, CatSuccess, classifyListing(types.StatusFileInCache, false))
}

func TestListingWarnsOnForeignCodes(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	defer zap.ReplaceGlobals(zap.New(core))()

	classifyListing(types.StatusCustomStatus, false)
	assert.Zero(t, logs.FilterField(zap.String("code", string(types.StatusCustomStatus))).Len())

	classifyListing("SRM_SOMETHING_NEW", true)
	entries := logs.FilterField(zap.String("code", "SRM_SOMETHING_NEW")).All()
	require.Len(t, entries, 1)
	assert.Equal(t, true, entries[0].ContextMap()["counted_as_done"])
}

func TestFileStatusMapping(t *testing.T) {
	tests := []struct {
		kind types.RequestKind
		st   types.State
		code types.StatusCode
		want types.StatusCode
	}{
		{types.KindGet, types.StateRestored, "", types.StatusRequestQueued},
		{types.KindGet, types.StateRetryWait, types.StatusFileBusy, types.StatusRequestInProgress},
		{types.KindGet, types.StateReady, types.StatusRequestInProgress, types.StatusFilePinned},
		{types.KindPut, types.StateReady, types.StatusLowerSpaceGranted, types.StatusLowerSpaceGranted},
		{types.KindGet, types.StateDone, types.StatusFilePinned, types.StatusReleased},
		{types.KindBringOnline, types.StateDone, "", types.StatusSuccess},
		{types.KindLs, types.StateCanceled, "", types.StatusAborted},
		{types.KindPut, types.StateFailed, types.StatusNoFreeSpace, types.StatusNoFreeSpace},
		{types.KindPut, types.StateFailed, types.StatusRequestInProgress, types.StatusFailure},
	}
	for _, tt := range tests {
		rs, err := fileStatus(tt.kind, tt.st, tt.code, "")
		require.NoError(t, err)
		assert.Equal(t, tt.want, rs.Code, "%s %s %s", tt.kind, tt.st, tt.code)
	}

	_, err := fileStatus("bogus", types.StatePending, "", "")
	assert.ErrorIs(t, err, ErrUnknownKind)
}
