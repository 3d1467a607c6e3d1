package request

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ChuLiYu/srm-lifecycle/internal/backend"
	"github.com/ChuLiYu/srm-lifecycle/internal/job"
	"github.com/ChuLiYu/srm-lifecycle/internal/space"
	"github.com/ChuLiYu/srm-lifecycle/pkg/types"
)

// DefaultPinLifetime applies when a fetch request does not name one.
const DefaultPinLifetime = 4 * time.Hour

// Variant is the per-kind behaviour of a container request: how its file
// statuses are categorised and reduced, and what running one file means.
type Variant interface {
	Kind() types.RequestKind
	Classify(code types.StatusCode) Category
	Reduce(t *Tally) types.ReturnStatus
	RunFile(ctx context.Context, c *ContainerRequest, f *FileRequest) error
}

type kindCodes struct {
	ready types.StatusCode
	done  types.StatusCode
}

var codesByKind = map[types.RequestKind]kindCodes{
	types.KindGet:         {ready: types.StatusFilePinned, done: types.StatusReleased},
	types.KindBringOnline: {ready: types.StatusFileInCache, done: types.StatusSuccess},
	types.KindPut:         {ready: types.StatusSpaceAvailable, done: types.StatusSuccess},
	types.KindLs:          {ready: types.StatusSuccess, done: types.StatusSuccess},
}

func newVariant(kind types.RequestKind, env *Env) (Variant, error) {
	switch kind {
	case types.KindGet:
		return getVariant{env: env}, nil
	case types.KindBringOnline:
		return bringOnlineVariant{env: env}, nil
	case types.KindPut:
		return putVariant{env: env}, nil
	case types.KindLs:
		return lsVariant{env: env, legacy: env != nil && env.LegacyLsUnknownAsDone}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
}

// fileStatus maps a file's state and stored code to the status a client sees.
func fileStatus(kind types.RequestKind, st types.State, code types.StatusCode, expl string) (types.ReturnStatus, error) {
	codes, ok := codesByKind[kind]
	if !ok {
		return types.ReturnStatus{}, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	switch st {
	case types.StatePending, types.StateQueued, types.StateRestored:
		return types.ReturnStatus{Code: types.StatusRequestQueued}, nil
	case types.StateRunning, types.StateAsyncWait, types.StateRetryWait, types.StateTransferring:
		return types.ReturnStatus{Code: types.StatusRequestInProgress, Explanation: expl}, nil
	case types.StateReady:
		if classifyGeneric(code) == CatReady {
			return types.ReturnStatus{Code: code, Explanation: expl}, nil
		}
		return types.ReturnStatus{Code: codes.ready, Explanation: expl}, nil
	case types.StateDone:
		if classifyGeneric(code) == CatSuccess {
			return types.ReturnStatus{Code: code, Explanation: expl}, nil
		}
		return types.ReturnStatus{Code: codes.done}, nil
	case types.StateCanceled:
		return types.ReturnStatus{Code: types.StatusAborted, Explanation: expl}, nil
	case types.StateFailed:
		if code == "" {
			return types.ReturnStatus{Code: types.StatusFailure, Explanation: expl}, nil
		}
		switch classifyGeneric(code) {
		case CatQueued, CatInProgress, CatReady, CatSuccess:
			return types.ReturnStatus{Code: types.StatusFailure, Explanation: expl}, nil
		}
		return types.ReturnStatus{Code: code, Explanation: expl}, nil
	}
	return types.ReturnStatus{}, fmt.Errorf("no protocol status for state %s", st)
}

// backendFailure converts a backend error into a job failure.
func backendFailure(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, backend.ErrNotFound):
		return &job.FatalError{Code: types.StatusInvalidPath, Err: err}
	case errors.Is(err, backend.ErrAccessDenied):
		return &job.FatalError{Code: types.StatusAuthorizationFailure, Err: err}
	case errors.Is(err, backend.ErrExists):
		return &job.FatalError{Code: types.StatusDuplicationError, Err: err}
	case errors.Is(err, backend.ErrTooManyResults):
		return &job.FatalError{Code: types.StatusTooManyResults, Err: err}
	case errors.Is(err, backend.ErrBusy):
		return &job.NonFatalError{Code: types.StatusFileBusy, Err: err}
	}
	return &job.NonFatalError{Code: types.StatusFailure, Err: err}
}

func spaceFailure(err error) error {
	switch {
	case errors.Is(err, space.ErrNoFreeSpace):
		return &job.FatalError{Code: types.StatusNoFreeSpace, Err: err}
	case errors.Is(err, space.ErrLifetimeExpired):
		return &job.FatalError{Code: types.StatusSpaceLifetimeExpired, Err: err}
	}
	return &job.FatalError{Code: types.StatusInvalidRequest, Err: err}
}

// startAsync moves f into ASYNCWAIT and then starts op. A file that left
// RUNNING in the meantime (for example because it was aborted) is skipped.
func startAsync(f *FileRequest, what string, op func() error) error {
	if err := f.SetState(types.StateAsyncWait, "waiting for "+what); err != nil {
		return nil
	}
	return backendFailure(op())
}

// ---------------------------------------------------------------------------
// fetch

type getVariant struct{ env *Env }

func (getVariant) Kind() types.RequestKind              { return types.KindGet }
func (getVariant) Classify(c types.StatusCode) Category { return classifyGeneric(c) }
func (getVariant) Reduce(t *Tally) types.ReturnStatus   { return reduceGeneric(t) }

func (v getVariant) RunFile(ctx context.Context, c *ContainerRequest, f *FileRequest) error {
	lifetime := DefaultPinLifetime
	if c.get != nil && c.get.PinLifetime > 0 {
		lifetime = c.get.PinLifetime
	}
	return startAsync(f, "pin", func() error {
		return v.env.Backend.Pin(context.WithoutCancel(ctx), f.SURL(), lifetime, func(r backend.Result) {
			if r.Err == nil {
				f.mu.Lock()
				f.turl, f.size, f.pinned = r.TURL, r.Size, true
				f.mu.Unlock()
			}
			f.completeAsync(backendFailure(r.Err), types.StateReady, types.StatusFilePinned)
		})
	})
}

// ---------------------------------------------------------------------------
// stage

type bringOnlineVariant struct{ env *Env }

func (bringOnlineVariant) Kind() types.RequestKind              { return types.KindBringOnline }
func (bringOnlineVariant) Classify(c types.StatusCode) Category { return classifyGeneric(c) }
func (bringOnlineVariant) Reduce(t *Tally) types.ReturnStatus   { return reduceGeneric(t) }

func (v bringOnlineVariant) RunFile(ctx context.Context, _ *ContainerRequest, f *FileRequest) error {
	return startAsync(f, "stage", func() error {
		return v.env.Backend.Stage(context.WithoutCancel(ctx), f.SURL(), func(r backend.Result) {
			if r.Err == nil {
				f.mu.Lock()
				f.size = r.Size
				f.mu.Unlock()
			}
			f.completeAsync(backendFailure(r.Err), types.StateDone, types.StatusSuccess)
		})
	})
}

// ---------------------------------------------------------------------------
// upload

type putVariant struct{ env *Env }

func (putVariant) Kind() types.RequestKind              { return types.KindPut }
func (putVariant) Classify(c types.StatusCode) Category { return classifyGeneric(c) }
func (putVariant) Reduce(t *Tally) types.ReturnStatus   { return reduceGeneric(t) }

func (v putVariant) RunFile(ctx context.Context, c *ContainerRequest, f *FileRequest) error {
	f.mu.Lock()
	size, token, allocated := f.size, f.spaceToken, f.allocated
	f.mu.Unlock()
	if c.put != nil {
		if size == 0 {
			size = c.put.DesiredSize
		}
		if token == "" {
			token = c.put.SpaceToken
		}
	}
	if v.env.Space != nil && allocated == 0 && size > 0 {
		if err := v.env.Space.Allocate(token, size); err != nil {
			zap.L().Info("space allocation refused",
				zap.Int64("file_id", f.ID()), zap.String("space_token", token), zap.Error(err))
			return spaceFailure(err)
		}
		f.mu.Lock()
		f.allocated = size
		f.mu.Unlock()
	}
	f.mu.Lock()
	f.size, f.spaceToken = size, token
	f.mu.Unlock()

	return startAsync(f, "upload slot", func() error {
		return v.env.Backend.PrepareUpload(context.WithoutCancel(ctx), f.SURL(), size, func(r backend.Result) {
			if r.Err == nil {
				f.mu.Lock()
				f.turl = r.TURL
				f.mu.Unlock()
			}
			f.completeAsync(backendFailure(r.Err), types.StateReady, types.StatusSpaceAvailable)
		})
	})
}

// ---------------------------------------------------------------------------
// listing

type lsVariant struct {
	env    *Env
	legacy bool
}

func (lsVariant) Kind() types.RequestKind            { return types.KindLs }
func (lsVariant) Reduce(t *Tally) types.ReturnStatus { return reduceListing(t) }

func (v lsVariant) Classify(c types.StatusCode) Category {
	cat := classifyListing(c, v.legacy)
	if cat == CatUnknown {
		zap.L().Warn("unrecognized status in listing aggregation", zap.String("code", string(c)))
	}
	return cat
}

func (v lsVariant) RunFile(ctx context.Context, c *ContainerRequest, f *FileRequest) error {
	var opts backend.ListOptions
	if c.ls != nil {
		opts = backend.ListOptions{Depth: c.ls.Depth, Offset: c.ls.Offset, Count: c.ls.Count}
	}
	return startAsync(f, "listing", func() error {
		return v.env.Backend.List(context.WithoutCancel(ctx), f.SURL(), opts, func(r backend.Result) {
			if r.Err == nil {
				f.mu.Lock()
				f.entries = r.Entries
				f.mu.Unlock()
			}
			f.completeAsync(backendFailure(r.Err), types.StateDone, types.StatusSuccess)
		})
	})
}
