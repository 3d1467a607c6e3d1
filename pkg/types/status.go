package types

// StatusCode 協定狀態碼
type StatusCode string

const (
	StatusSuccess                StatusCode = "SRM_SUCCESS"
	StatusFailure                StatusCode = "SRM_FAILURE"
	StatusAuthenticationFailure  StatusCode = "SRM_AUTHENTICATION_FAILURE"
	StatusAuthorizationFailure   StatusCode = "SRM_AUTHORIZATION_FAILURE"
	StatusInvalidRequest         StatusCode = "SRM_INVALID_REQUEST"
	StatusInvalidPath            StatusCode = "SRM_INVALID_PATH"
	StatusFileLifetimeExpired    StatusCode = "SRM_FILE_LIFETIME_EXPIRED"
	StatusSpaceLifetimeExpired   StatusCode = "SRM_SPACE_LIFETIME_EXPIRED"
	StatusExceedAllocation       StatusCode = "SRM_EXCEED_ALLOCATION"
	StatusNoUserSpace            StatusCode = "SRM_NO_USER_SPACE"
	StatusNoFreeSpace            StatusCode = "SRM_NO_FREE_SPACE"
	StatusDuplicationError       StatusCode = "SRM_DUPLICATION_ERROR"
	StatusNonEmptyDirectory      StatusCode = "SRM_NON_EMPTY_DIRECTORY"
	StatusTooManyResults         StatusCode = "SRM_TOO_MANY_RESULTS"
	StatusInternalError          StatusCode = "SRM_INTERNAL_ERROR"
	StatusFatalInternalError     StatusCode = "SRM_FATAL_INTERNAL_ERROR"
	StatusNotSupported           StatusCode = "SRM_NOT_SUPPORTED"
	StatusRequestQueued          StatusCode = "SRM_REQUEST_QUEUED"
	StatusRequestInProgress      StatusCode = "SRM_REQUEST_INPROGRESS"
	StatusRequestSuspended       StatusCode = "SRM_REQUEST_SUSPENDED"
	StatusAborted                StatusCode = "SRM_ABORTED"
	StatusReleased               StatusCode = "SRM_RELEASED"
	StatusFilePinned             StatusCode = "SRM_FILE_PINNED"
	StatusFileInCache            StatusCode = "SRM_FILE_IN_CACHE"
	StatusSpaceAvailable         StatusCode = "SRM_SPACE_AVAILABLE"
	StatusLowerSpaceGranted      StatusCode = "SRM_LOWER_SPACE_GRANTED"
	StatusDone                   StatusCode = "SRM_DONE"
	StatusPartialSuccess         StatusCode = "SRM_PARTIAL_SUCCESS"
	StatusRequestTimedOut        StatusCode = "SRM_REQUEST_TIMED_OUT"
	StatusLastCopy               StatusCode = "SRM_LAST_COPY"
	StatusFileBusy               StatusCode = "SRM_FILE_BUSY"
	StatusFileLost               StatusCode = "SRM_FILE_LOST"
	StatusFileUnavailable        StatusCode = "SRM_FILE_UNAVAILABLE"
	StatusCustomStatus           StatusCode = "SRM_CUSTOM_STATUS"
)

var knownCodes = map[StatusCode]struct{}{
	StatusSuccess: {}, StatusFailure: {}, StatusAuthenticationFailure: {},
	StatusAuthorizationFailure: {}, StatusInvalidRequest: {}, StatusInvalidPath: {},
	StatusFileLifetimeExpired: {}, StatusSpaceLifetimeExpired: {}, StatusExceedAllocation: {},
	StatusNoUserSpace: {}, StatusNoFreeSpace: {}, StatusDuplicationError: {},
	StatusNonEmptyDirectory: {}, StatusTooManyResults: {}, StatusInternalError: {},
	StatusFatalInternalError: {}, StatusNotSupported: {}, StatusRequestQueued: {},
	StatusRequestInProgress: {}, StatusRequestSuspended: {}, StatusAborted: {},
	StatusReleased: {}, StatusFilePinned: {}, StatusFileInCache: {},
	StatusSpaceAvailable: {}, StatusLowerSpaceGranted: {}, StatusDone: {},
	StatusPartialSuccess: {}, StatusRequestTimedOut: {}, StatusLastCopy: {},
	StatusFileBusy: {}, StatusFileLost: {}, StatusFileUnavailable: {},
	StatusCustomStatus: {},
}

// Known 判斷狀態碼是否屬於協定詞彙
func (c StatusCode) Known() bool {
	_, ok := knownCodes[c]
	return ok
}
