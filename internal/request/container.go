package request

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ChuLiYu/srm-lifecycle/internal/job"
	"github.com/ChuLiYu/srm-lifecycle/pkg/types"
)

// ContainerSpec describes a new composite request.
type ContainerSpec struct {
	Kind         types.RequestKind
	User         string
	CredentialID string
	Description  string
	ClientHost   string
	Lifetime     time.Duration
	MaxRetries   int

	Get *types.GetParams
	Put *types.PutParams
	Ls  *types.LsParams

	Files []FileSpec
}

// FileSpec describes one item of a composite request.
type FileSpec struct {
	SURL string
	Size int64
}

// FileStatus is the per-item view returned to clients.
type FileStatus struct {
	FileID  int64              `json:"file_id" yaml:"file_id"`
	SURL    string             `json:"surl" yaml:"surl"`
	TURL    string             `json:"turl,omitempty" yaml:"turl,omitempty"`
	Size    int64              `json:"size,omitempty" yaml:"size,omitempty"`
	State   types.State        `json:"state" yaml:"state"`
	Status  types.ReturnStatus `json:"status" yaml:"status"`
	Entries []types.ListEntry  `json:"entries,omitempty" yaml:"entries,omitempty"`
}

// ContainerRequest owns a fixed list of file requests and aggregates their outcome.
type ContainerRequest struct {
	*Request

	kind    types.RequestKind
	variant Variant
	files   []*FileRequest
	env     *Env

	get *types.GetParams
	put *types.PutParams
	ls  *types.LsParams
}

var _ job.Runnable = (*ContainerRequest)(nil)

// NewContainer builds a fresh request and its file requests, allocating ids from env.Store.
func NewContainer(ctx context.Context, spec ContainerSpec, env *Env) (*ContainerRequest, error) {
	if len(spec.Files) == 0 {
		return nil, ErrNoFiles
	}
	v, err := newVariant(spec.Kind, env)
	if err != nil {
		return nil, err
	}
	id, err := env.Store.NextID(ctx)
	if err != nil {
		return nil, fmt.Errorf("allocate request id: %w", err)
	}
	lifetime := spec.Lifetime
	if lifetime == 0 {
		lifetime = types.InfiniteLifetime
	}
	c := &ContainerRequest{
		Request: newRequest(job.New(id, lifetime, spec.MaxRetries),
			spec.User, spec.CredentialID, spec.Description, spec.ClientHost, env.MaxPollDelta),
		kind:    spec.Kind,
		variant: v,
		env:     env,
		get:     spec.Get,
		put:     spec.Put,
		ls:      spec.Ls,
	}
	c.files = make([]*FileRequest, 0, len(spec.Files))
	for _, fs := range spec.Files {
		fid, err := env.Store.NextID(ctx)
		if err != nil {
			return nil, fmt.Errorf("allocate file request id: %w", err)
		}
		j := job.New(fid, lifetime, spec.MaxRetries)
		c.files = append(c.files, newFile(j, id, spec.Kind, spec.CredentialID, fs.SURL, fs.Size, env))
	}
	c.wire()
	return c, nil
}

// RestoreContainer rebuilds a request from persisted records. Files whose
// records are missing are dropped; a request left with no files reports an
// internal error when aggregated.
func RestoreContainer(rec *types.JobRecord, files map[int64]*types.JobRecord, env *Env) (*ContainerRequest, error) {
	v, err := newVariant(rec.Kind, env)
	if err != nil {
		return nil, err
	}
	r := newRequest(job.Restore(rec), rec.User, rec.CredentialID, rec.Description, rec.ClientHost, env.MaxPollDelta)
	if rec.OverrideCode != "" {
		r.SetOverride(rec.OverrideCode, rec.OverrideExplanation)
	}
	if rec.State.IsFinal() {
		r.backoff.StopUpdating()
	}
	c := &ContainerRequest{
		Request: r,
		kind:    rec.Kind,
		variant: v,
		env:     env,
		get:     rec.Get,
		put:     rec.Put,
		ls:      rec.Ls,
	}
	for _, fid := range rec.FileIDs {
		fr, ok := files[fid]
		if !ok {
			zap.L().Warn("file request record missing", zap.Int64("request_id", rec.ID), zap.Int64("file_id", fid))
			continue
		}
		f := newFile(job.Restore(fr), rec.ID, rec.Kind, fr.CredentialID, fr.SURL, fr.Size, env)
		f.turl = fr.TURL
		f.spaceToken = fr.SpaceToken
		f.entries = fr.Entries
		c.files = append(c.files, f)
	}
	c.wire()
	return c, nil
}

func (c *ContainerRequest) wire() {
	obs := c.env.observer()
	c.OnStateChange(func(ch job.Change) {
		obs.Changed(c, ch)
		if ch.Entry.To.IsFinal() {
			c.onStateChanged(ch.Entry.From, ch.Entry.To)
		}
	})
	c.OnRejected(obs.Rejected)
	for _, f := range c.files {
		f := f
		f.OnStateChange(func(ch job.Change) {
			obs.Changed(f, ch)
			if ch.Entry.To.IsFinal() {
				f.finalized(ch.Entry.To)
			}
		})
		f.OnRejected(obs.Rejected)
	}
}

func (c *ContainerRequest) Kind() types.RequestKind { return c.kind }

// Files returns the file requests in construction order.
func (c *ContainerRequest) Files() []*FileRequest {
	return append([]*FileRequest(nil), c.files...)
}

// File returns the file request with id.
func (c *ContainerRequest) File(id int64) (*FileRequest, bool) {
	for _, f := range c.files {
		if f.ID() == id {
			return f, true
		}
	}
	return nil, false
}

func (c *ContainerRequest) GetParams() *types.GetParams { return c.get }
func (c *ContainerRequest) PutParams() *types.PutParams { return c.put }
func (c *ContainerRequest) LsParams() *types.LsParams   { return c.ls }

// Run is executed by the Scheduler when a restored request is reactivated.
// The scheduler may already have queued it.
func (c *ContainerRequest) Run(context.Context) error {
	for _, from := range []types.State{types.StateQueued, types.StatePending} {
		ok, err := c.CompareAndSet(from, types.StateRunning, "request reactivated")
		if ok {
			return nil
		}
		if err != nil {
			zap.L().Debug("request not reactivated", zap.Int64("request_id", c.ID()), zap.Error(err))
			return nil
		}
	}
	return nil
}

// Schedule persists the request, then submits every file request.
// No job lock is held while Submit runs.
func (c *ContainerRequest) Schedule(ctx context.Context) error {
	if err := c.env.Store.Save(ctx, c.Record(), true); err != nil {
		return fmt.Errorf("save request %d: %w", c.ID(), err)
	}
	if err := c.SetState(types.StateRunning, "file requests scheduled"); err != nil {
		return err
	}
	for _, f := range c.files {
		if err := c.env.Store.Save(ctx, f.Record(), true); err != nil {
			f.Fail(job.Fatal(types.StatusInternalError, "save file request: %v", err))
			continue
		}
		if err := c.env.Scheduler.Submit(ctx, f); err != nil {
			zap.L().Error("submit file request", zap.Int64("file_id", f.ID()), zap.Error(err))
			f.Fail(job.Fatal(types.StatusInternalError, "submit: %v", err))
		}
	}
	return nil
}

// ScheduleIfRestored resubmits the request and each of its restored file
// requests. It returns how many jobs were submitted.
func (c *ContainerRequest) ScheduleIfRestored(ctx context.Context) (int, error) {
	n := 0
	var firstErr error
	ok, err := scheduleIfRestored(ctx, c.env.Scheduler, c)
	if ok {
		n++
	}
	if err != nil {
		firstErr = err
	}
	for _, f := range c.files {
		ok, err := f.ScheduleIfRestored(ctx)
		if ok {
			n++
		}
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if n > 0 {
		zap.L().Info("restored request reactivated", zap.Int64("request_id", c.ID()), zap.Int("jobs", n))
	}
	return n, firstErr
}

// AggregateStatus computes the request's composite status. A terminal
// aggregate moves a non-final request into its final state.
//
// Each file is read under its own lock only, so the result is a best-effort
// snapshot.
func (c *ContainerRequest) AggregateStatus() types.ReturnStatus {
	if o, ok := c.Override(); ok {
		return o
	}
	var rs types.ReturnStatus
	if len(c.files) == 0 {
		rs = types.ReturnStatus{Code: types.StatusInternalError, Explanation: "could not deserialize files in request"}
	} else {
		t := c.tally()
		rs = c.variant.Reduce(&t)
	}
	if target, ok := terminalState(rs.Code); ok {
		c.finish(target, rs)
	}
	return rs
}

func (c *ContainerRequest) tally() Tally {
	var t Tally
	for _, f := range c.files {
		rs, err := f.ReturnStatus()
		if err != nil {
			zap.L().Warn("cannot inspect file request status",
				zap.Int64("request_id", c.ID()), zap.Int64("file_id", f.ID()), zap.Error(err))
			t.Add(CatFailure)
			continue
		}
		t.Add(c.variant.Classify(rs.Code))
	}
	return t
}

// finish moves the request into target unless it is already final.
func (c *ContainerRequest) finish(target types.State, rs types.ReturnStatus) {
	cause := "aggregate status " + string(rs.Code)
	st := c.State()
	if st.IsFinal() {
		return
	}
	if target == types.StateDone && st != types.StateRunning {
		if _, err := c.CompareAndSet(st, types.StateRunning, cause); err != nil {
			return
		}
	}
	if err := c.SetStateWithStatus(target, rs.Code, rs.Explanation, cause); err != nil {
		zap.L().Debug("aggregate transition skipped", zap.Int64("request_id", c.ID()), zap.Error(err))
	}
}

// onStateChanged propagates a final state onto every non-final file request.
func (c *ContainerRequest) onStateChanged(_, to types.State) {
	c.backoff.StopUpdating()
	const cause = "parent request state changed"
	for _, f := range c.files {
		if f.State().IsFinal() {
			continue
		}
		if err := f.SetState(to, cause); err != nil {
			// DONE is not reachable from every active state; make sure the child still ends.
			_ = f.SetState(types.StateCanceled, cause)
		}
	}
}

// FileStatuses returns the per-item status array.
func (c *ContainerRequest) FileStatuses() []FileStatus {
	out := make([]FileStatus, 0, len(c.files))
	for _, f := range c.files {
		out = append(out, f.status())
	}
	return out
}

func (f *FileRequest) status() FileStatus {
	st := f.State()
	rs, err := f.ReturnStatus()
	if err != nil {
		rs = types.ReturnStatus{Code: types.StatusInternalError, Explanation: err.Error()}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return FileStatus{
		FileID:  f.ID(),
		SURL:    f.surl,
		TURL:    f.turl,
		Size:    f.size,
		State:   st,
		Status:  rs,
		Entries: append([]types.ListEntry(nil), f.entries...),
	}
}

// Abort cancels the request; the cancellation propagates to its file requests.
func (c *ContainerRequest) Abort(_ context.Context, reason string) error {
	if reason == "" {
		reason = "request aborted by client"
	}
	if err := c.SetStateWithStatus(types.StateCanceled, types.StatusAborted, reason, reason); err != nil {
		return err
	}
	c.SetOverride(types.StatusAborted, reason)
	return nil
}

// AbortFiles cancels the named file requests. Files already final are left alone.
func (c *ContainerRequest) AbortFiles(_ context.Context, surls []string) ([]FileStatus, error) {
	return c.eachFile(surls, func(f *FileRequest) {
		if f.State().IsFinal() {
			return
		}
		_ = f.SetStateWithStatus(types.StateCanceled, types.StatusAborted, "file request aborted", "file request aborted")
	})
}

// Release releases pinned files of a fetch request.
func (c *ContainerRequest) Release(_ context.Context, surls []string) ([]FileStatus, error) {
	if c.kind != types.KindGet {
		return nil, fmt.Errorf("%w: release on %s", ErrWrongKind, c.kind)
	}
	return c.eachFile(surls, func(f *FileRequest) {
		if st := f.State(); st != types.StateReady && st != types.StateTransferring {
			return
		}
		_ = f.SetStateWithStatus(types.StateDone, types.StatusReleased, "", "released by client")
	})
}

// PutDone marks uploaded files of an upload request as complete.
func (c *ContainerRequest) PutDone(_ context.Context, surls []string) ([]FileStatus, error) {
	if c.kind != types.KindPut {
		return nil, fmt.Errorf("%w: put-done on %s", ErrWrongKind, c.kind)
	}
	return c.eachFile(surls, func(f *FileRequest) {
		if st := f.State(); st != types.StateReady && st != types.StateTransferring {
			return
		}
		_ = f.SetStateWithStatus(types.StateDone, types.StatusSuccess, "", "upload completed")
	})
}

// eachFile applies fn to the named files, or to every file when surls is empty.
func (c *ContainerRequest) eachFile(surls []string, fn func(*FileRequest)) ([]FileStatus, error) {
	filter := len(surls) > 0
	want := make(map[string]bool, len(surls))
	for _, s := range surls {
		want[s] = true
	}
	seen := make(map[string]bool, len(surls))
	var out []FileStatus
	for _, f := range c.files {
		if filter && !want[f.SURL()] {
			continue
		}
		seen[f.SURL()] = true
		fn(f)
		out = append(out, f.status())
	}
	for _, s := range surls {
		if !seen[s] {
			return out, fmt.Errorf("%w: no file request for %q", ErrNotFound, s)
		}
	}
	return out, nil
}

// Record implements Recorder.
func (c *ContainerRequest) Record() *types.JobRecord {
	rec := &types.JobRecord{Kind: c.kind, Get: c.get, Put: c.put, Ls: c.ls}
	c.Request.fill(rec)
	rec.FileIDs = make([]int64, 0, len(c.files))
	for _, f := range c.files {
		rec.FileIDs = append(rec.FileIDs, f.ID())
	}
	return rec
}
