package request

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/srm-lifecycle/internal/job"
	"github.com/ChuLiYu/srm-lifecycle/internal/storage/memstore"
	"github.com/ChuLiYu/srm-lifecycle/pkg/types"
)

type mapLookup struct {
	mu sync.Mutex
	m  map[int64]*ContainerRequest
}

func (l *mapLookup) Container(id int64) (*ContainerRequest, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.m[id]
	if !ok {
		return nil, ErrNotFound
	}
	return c, nil
}

func (l *mapLookup) add(c *ContainerRequest) {
	l.mu.Lock()
	l.m[c.ID()] = c
	l.mu.Unlock()
}

// recordingScheduler only remembers what it was given.
type recordingScheduler struct {
	mu  sync.Mutex
	got []job.Runnable
}

func (s *recordingScheduler) Submit(_ context.Context, r job.Runnable) error {
	s.mu.Lock()
	s.got = append(s.got, r)
	s.mu.Unlock()
	return nil
}

// retryingScheduler also records delayed retries separately from submits.
type retryingScheduler struct {
	recordingScheduler
	retried []job.Runnable
}

func (s *retryingScheduler) Retry(r job.Runnable) {
	s.mu.Lock()
	s.retried = append(s.retried, r)
	s.mu.Unlock()
}

// goScheduler runs every job on its own goroutine.
type goScheduler struct{}

func (g goScheduler) Submit(ctx context.Context, r job.Runnable) error {
	go func() {
		if err := r.Run(context.Background()); err != nil && r.Base().Fail(err) {
			_ = g.Submit(ctx, r)
		}
	}()
	return nil
}

func newTestEnv(t *testing.T, s Scheduler) (*Env, *mapLookup, *memstore.Store) {
	t.Helper()
	lookup := &mapLookup{m: make(map[int64]*ContainerRequest)}
	store := memstore.New()
	env := &Env{Scheduler: s, Store: store, Lookup: lookup, MaxPollDelta: 60}
	return env, lookup, store
}

func newTestContainer(t *testing.T, env *Env, lookup *mapLookup, kind types.RequestKind, surls ...string) *ContainerRequest {
	t.Helper()
	spec := ContainerSpec{Kind: kind, User: "alice", Lifetime: time.Hour, MaxRetries: 2}
	for _, s := range surls {
		spec.Files = append(spec.Files, FileSpec{SURL: s, Size: 1})
	}
	c, err := NewContainer(context.Background(), spec, env)
	require.NoError(t, err)
	lookup.add(c)
	return c
}

// drive moves f through legal transitions into to, storing code.
func drive(t *testing.T, f *FileRequest, to types.State, code types.StatusCode) {
	t.Helper()
	switch to {
	case types.StateQueued:
		require.NoError(t, f.SetState(types.StateQueued, "test"))
	case types.StateRunning:
		require.NoError(t, f.SetStateWithStatus(types.StateRunning, code, "", "test"))
	case types.StateReady, types.StateDone:
		require.NoError(t, f.SetState(types.StateRunning, "test"))
		require.NoError(t, f.SetStateWithStatus(to, code, "", "test"))
	case types.StateFailed, types.StateCanceled:
		require.NoError(t, f.SetStateWithStatus(to, code, "", "test"))
	default:
		t.Fatalf("drive: unsupported target %s", to)
	}
}

func requireAllFilesFinal(t *testing.T, c *ContainerRequest) {
	t.Helper()
	for _, f := range c.Files() {
		require.True(t, f.State().IsFinal(), "file %d left in %s", f.ID(), f.State())
	}
}
