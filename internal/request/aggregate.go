package request

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/ChuLiYu/srm-lifecycle/pkg/types"
)

// Category groups file status codes for aggregation.
type Category int

const (
	CatQueued Category = iota
	CatInProgress
	CatReady
	CatSuccess
	CatAborted
	CatNoFreeSpace
	CatSpaceExpired
	CatAuthFailure
	CatFailure
	CatUnknown
	numCategories
)

var categoryNames = [...]string{
	"queued", "in_progress", "ready", "success", "aborted",
	"no_free_space", "space_expired", "auth_failure", "failure", "unknown",
}

func (c Category) String() string {
	if c < 0 || c >= numCategories {
		return fmt.Sprintf("Category(%d)", int(c))
	}
	return categoryNames[c]
}

// failing categories set the sticky failed flag of a tally.
func (c Category) failing() bool {
	switch c {
	case CatAborted, CatNoFreeSpace, CatSpaceExpired, CatAuthFailure, CatFailure, CatUnknown:
		return true
	}
	return false
}

// Tally counts file statuses by category for one aggregation pass.
type Tally struct {
	Total  int
	Failed bool
	counts [numCategories]int
}

// Add counts one file in category c.
func (t *Tally) Add(c Category) {
	t.Total++
	t.counts[c]++
	if c.failing() {
		t.Failed = true
	}
}

// Count returns how many files fell into c.
func (t *Tally) Count(c Category) int { return t.counts[c] }

func (t *Tally) all(cs ...Category) bool {
	n := 0
	for _, c := range cs {
		n += t.counts[c]
	}
	return t.Total > 0 && n == t.Total
}

func (t *Tally) any(cs ...Category) bool {
	for _, c := range cs {
		if t.counts[c] > 0 {
			return true
		}
	}
	return false
}

// classifyGeneric maps a file status to its category for fetch, stage and upload requests.
func classifyGeneric(code types.StatusCode) Category {
	switch code {
	case types.StatusRequestQueued:
		return CatQueued
	case types.StatusRequestInProgress, types.StatusRequestSuspended:
		return CatInProgress
	case types.StatusFilePinned, types.StatusFileInCache, types.StatusSpaceAvailable, types.StatusLowerSpaceGranted:
		return CatReady
	case types.StatusSuccess, types.StatusDone, types.StatusReleased:
		return CatSuccess
	case types.StatusAborted:
		return CatAborted
	case types.StatusNoFreeSpace, types.StatusNoUserSpace, types.StatusExceedAllocation:
		return CatNoFreeSpace
	case types.StatusSpaceLifetimeExpired:
		return CatSpaceExpired
	}
	return CatFailure
}

// reduceGeneric applies the precedence table; the first matching rule wins.
func reduceGeneric(t *Tally) types.ReturnStatus {
	switch {
	case t.all(CatAborted):
		return types.ReturnStatus{Code: types.StatusAborted, Explanation: "all file requests were aborted"}
	case t.all(CatFailure):
		return types.ReturnStatus{Code: types.StatusFailure, Explanation: "all file requests failed"}
	case t.all(CatReady, CatSuccess):
		if t.Failed {
			return types.ReturnStatus{Code: types.StatusPartialSuccess, Explanation: "some file requests failed"}
		}
		return types.ReturnStatus{Code: types.StatusSuccess}
	case t.all(CatQueued):
		return types.ReturnStatus{Code: types.StatusRequestQueued}
	case t.any(CatNoFreeSpace):
		return types.ReturnStatus{Code: types.StatusNoFreeSpace, Explanation: "not enough free space for all file requests"}
	case t.any(CatSpaceExpired):
		return types.ReturnStatus{Code: types.StatusSpaceLifetimeExpired, Explanation: "space reservation lifetime expired"}
	case t.any(CatInProgress, CatQueued):
		return types.ReturnStatus{Code: types.StatusRequestInProgress}
	case t.any(CatReady, CatSuccess):
		return types.ReturnStatus{Code: types.StatusPartialSuccess, Explanation: "some file requests failed"}
	}
	return types.ReturnStatus{Code: types.StatusFailure, Explanation: "no file request succeeded"}
}

// classifyListing maps a listing status. Codes outside the known done set
// come back as CatUnknown unless legacy is set, in which case they count as done.
func classifyListing(code types.StatusCode, legacy bool) Category {
	switch code {
	case types.StatusRequestQueued:
		return CatQueued
	case types.StatusRequestInProgress, types.StatusRequestSuspended:
		return CatInProgress
	case types.StatusAborted:
		return CatAborted
	case types.StatusAuthorizationFailure, types.StatusAuthenticationFailure:
		return CatAuthFailure
	case types.StatusFailure, types.StatusInvalidPath, types.StatusInternalError,
		types.StatusFatalInternalError, types.StatusInvalidRequest, types.StatusTooManyResults,
		types.StatusNotSupported, types.StatusFileLost, types.StatusFileUnavailable:
		return CatFailure
	case types.StatusSuccess, types.StatusDone, types.StatusFilePinned, types.StatusFileInCache, types.StatusReleased:
		return CatSuccess
	}
	if !code.Known() {
		zap.L().Warn("listing status code outside the protocol vocabulary",
			zap.String("code", string(code)), zap.Bool("counted_as_done", legacy))
	}
	if legacy {
		return CatSuccess
	}
	return CatUnknown
}

// reduceListing is the listing precedence table with its authorization short-circuit.
func reduceListing(t *Tally) types.ReturnStatus {
	switch {
	case t.all(CatAborted):
		return types.ReturnStatus{Code: types.StatusAborted, Explanation: "all file requests were aborted"}
	case t.all(CatAuthFailure):
		return types.ReturnStatus{Code: types.StatusAuthorizationFailure, Explanation: "permission denied for all paths"}
	case t.all(CatFailure, CatUnknown):
		return types.ReturnStatus{Code: types.StatusFailure, Explanation: "all file requests failed"}
	case t.all(CatSuccess):
		if t.Failed {
			return types.ReturnStatus{Code: types.StatusPartialSuccess, Explanation: "some file requests failed"}
		}
		return types.ReturnStatus{Code: types.StatusSuccess}
	case t.all(CatQueued):
		return types.ReturnStatus{Code: types.StatusRequestQueued}
	case t.any(CatQueued, CatInProgress):
		return types.ReturnStatus{Code: types.StatusRequestInProgress}
	case t.any(CatSuccess):
		return types.ReturnStatus{Code: types.StatusPartialSuccess, Explanation: "some file requests failed"}
	}
	return types.ReturnStatus{Code: types.StatusFailure, Explanation: "no file request succeeded"}
}

// terminalState maps a terminal aggregate to the container's final state.
func terminalState(code types.StatusCode) (types.State, bool) {
	switch code {
	case types.StatusSuccess, types.StatusPartialSuccess:
		return types.StateDone, true
	case types.StatusFailure, types.StatusNoFreeSpace, types.StatusSpaceLifetimeExpired,
		types.StatusAuthorizationFailure, types.StatusInternalError:
		return types.StateFailed, true
	case types.StatusAborted:
		return types.StateCanceled, true
	}
	return 0, false
}
