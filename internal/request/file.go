package request

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/ChuLiYu/srm-lifecycle/internal/job"
	"github.com/ChuLiYu/srm-lifecycle/pkg/types"
)

// FileRequest is one item of a container request.
//
// The owner is held by id only and resolved through Env.Lookup.
type FileRequest struct {
	*job.Job

	requestID    int64
	credentialID string
	kind         types.RequestKind
	env          *Env

	mu         sync.Mutex
	surl       string
	turl       string
	size       int64
	spaceToken string
	allocated  int64
	pinned     bool
	entries    []types.ListEntry
}

var _ job.Runnable = (*FileRequest)(nil)

func newFile(j *job.Job, requestID int64, kind types.RequestKind, credentialID, surl string, size int64, env *Env) *FileRequest {
	return &FileRequest{
		Job:          j,
		requestID:    requestID,
		credentialID: credentialID,
		kind:         kind,
		env:          env,
		surl:         surl,
		size:         size,
	}
}

// RequestID returns the owner's id. It never changes.
func (f *FileRequest) RequestID() int64 { return f.requestID }

func (f *FileRequest) Kind() types.RequestKind { return f.kind }

// Parent resolves the owning container request.
func (f *FileRequest) Parent() (*ContainerRequest, error) {
	if f.env == nil || f.env.Lookup == nil {
		return nil, ErrNotFound
	}
	return f.env.Lookup.Container(f.requestID)
}

func (f *FileRequest) SURL() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.surl
}

func (f *FileRequest) TURL() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.turl
}

func (f *FileRequest) Size() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.size
}

func (f *FileRequest) Entries() []types.ListEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]types.ListEntry(nil), f.entries...)
}

// ReturnStatus maps the file's state and stored code to a protocol status.
func (f *FileRequest) ReturnStatus() (types.ReturnStatus, error) {
	st, code, expl := f.Snapshot()
	return fileStatus(f.kind, st, code, expl)
}

// Run executes the file's backend operation. It is driven by the Scheduler.
func (f *FileRequest) Run(ctx context.Context) error {
	st := f.State()
	if st.IsFinal() {
		return nil
	}
	if err := f.SetStateWithStatus(types.StateRunning, types.StatusRequestInProgress, "", "execution started"); err != nil {
		zap.L().Debug("file request not runnable", zap.Int64("file_id", f.ID()), zap.Stringer("state", st))
		return nil
	}
	parent, err := f.Parent()
	if err != nil {
		return job.Fatal(types.StatusInternalError, "owner request %d: %v", f.requestID, err)
	}
	v, err := newVariant(f.kind, f.env)
	if err != nil {
		return job.Fatal(types.StatusInternalError, "%v", err)
	}
	return v.RunFile(ctx, parent, f)
}

// ScheduleIfRestored resubmits the file if it was restored and not yet rescheduled.
func (f *FileRequest) ScheduleIfRestored(ctx context.Context) (bool, error) {
	return scheduleIfRestored(ctx, f.env.Scheduler, f)
}

// Record implements Recorder.
func (f *FileRequest) Record() *types.JobRecord {
	rec := &types.JobRecord{ParentID: f.requestID, Kind: f.kind, CredentialID: f.credentialID}
	f.Job.Fill(rec)
	f.mu.Lock()
	rec.SURL = f.surl
	rec.TURL = f.turl
	rec.Size = f.size
	rec.SpaceToken = f.spaceToken
	rec.Entries = append([]types.ListEntry(nil), f.entries...)
	f.mu.Unlock()
	return rec
}

// completeAsync translates a backend outcome into a transition. Retryable
// failures go back to the scheduler after its retry delay.
func (f *FileRequest) completeAsync(err error, to types.State, code types.StatusCode) {
	if err == nil {
		if terr := f.SetStateWithStatus(to, code, "", "backend operation completed"); terr != nil {
			zap.L().Debug("late backend callback", zap.Int64("file_id", f.ID()), zap.Error(terr))
			if st := f.State(); st.IsFinal() {
				f.finalized(st)
			}
		}
		return
	}
	if f.Fail(err) {
		resubmit(f.env.Scheduler, f)
	}
}

// finalized runs once the file reaches a final state and undoes backend side effects.
func (f *FileRequest) finalized(to types.State) {
	f.mu.Lock()
	pinned, surl := f.pinned, f.surl
	f.pinned = false
	allocated, token := f.allocated, f.spaceToken
	if to != types.StateDone {
		f.allocated = 0
	}
	f.mu.Unlock()

	if pinned && f.env.Backend != nil {
		if err := f.env.Backend.Unpin(context.Background(), surl); err != nil {
			zap.L().Warn("unpin failed", zap.Int64("file_id", f.ID()), zap.String("surl", surl), zap.Error(err))
		}
	}
	if allocated > 0 && to != types.StateDone && f.env.Space != nil {
		f.env.Space.Free(token, allocated)
	}
}

func (f *FileRequest) String() string {
	return fmt.Sprintf("FileRequest(%d of %d, %s)", f.ID(), f.requestID, f.SURL())
}
