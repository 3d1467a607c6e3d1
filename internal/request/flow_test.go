package request

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/srm-lifecycle/internal/backend/fsbackend"
	"github.com/ChuLiYu/srm-lifecycle/internal/space"
	"github.com/ChuLiYu/srm-lifecycle/pkg/types"
)

func newFlowEnv(t *testing.T) (*Env, *mapLookup, *fsbackend.Backend, string) {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "data", "private"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "data", "a.root"), []byte("payload"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "data", "private", "x"), []byte("x"), 0o644))

	be, err := fsbackend.New(fsbackend.Config{Root: root, Hide: []string{"data/private/**", "data/private"}})
	require.NoError(t, err)
	t.Cleanup(func() { _ = be.Close() })

	env, lookup, _ := newTestEnv(t, goScheduler{})
	env.Backend = be
	return env, lookup, be, root
}

func waitSettled(t *testing.T, c *ContainerRequest) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, f := range c.Files() {
			switch f.State() {
			case types.StateReady, types.StateDone, types.StateFailed, types.StateCanceled:
			default:
				return false
			}
		}
		return true
	}, 3*time.Second, 10*time.Millisecond)
}

func TestGetFlowPinsAndReleasesOnCompletion(t *testing.T) {
	env, lookup, be, _ := newFlowEnv(t)
	c := newTestContainer(t, env, lookup, types.KindGet, "/data/a.root", "/data/missing")
	require.NoError(t, c.Schedule(context.Background()))
	waitSettled(t, c)

	files := c.Files()
	assert.Equal(t, types.StateReady, files[0].State())
	assert.NotEmpty(t, files[0].TURL())
	assert.Equal(t, int64(7), files[0].Size())
	assert.Equal(t, 1, be.Pinned("/data/a.root"))
	assert.Equal(t, types.StateFailed, files[1].State())

	statuses := c.FileStatuses()
	assert.Equal(t, types.StatusFilePinned, statuses[0].Status.Code)
	assert.Equal(t, types.StatusInvalidPath, statuses[1].Status.Code)

	assert.Equal(t, types.StatusPartialSuccess, c.AggregateStatus().Code)
	assert.Equal(t, types.StateDone, c.State())
	assert.Equal(t, types.StateDone, files[0].State())
	assert.Equal(t, 0, be.Pinned("/data/a.root"))
}

func TestBringOnlineFlow(t *testing.T) {
	env, lookup, _, _ := newFlowEnv(t)
	c := newTestContainer(t, env, lookup, types.KindBringOnline, "/data/a.root")
	require.NoError(t, c.Schedule(context.Background()))
	waitSettled(t, c)

	assert.Equal(t, types.StatusSuccess, c.AggregateStatus().Code)
	assert.Equal(t, types.StateDone, c.State())
}

func TestPutFlowOneFailsAllFail(t *testing.T) {
	env, lookup, _, _ := newFlowEnv(t)
	sm := space.NewManager(10)
	env.Space = sm

	spec := ContainerSpec{
		Kind:     types.KindPut,
		Lifetime: time.Hour,
		Put:      &types.PutParams{RetentionPolicy: space.RetentionReplica},
		Files:    []FileSpec{{SURL: "/up/1", Size: 8}, {SURL: "/up/2", Size: 8}},
	}
	c, err := NewContainer(context.Background(), spec, env)
	require.NoError(t, err)
	lookup.add(c)
	require.NoError(t, c.Schedule(context.Background()))
	waitSettled(t, c)

	assert.Equal(t, types.StatusNoFreeSpace, c.AggregateStatus().Code)
	assert.Equal(t, types.StateFailed, c.State())
	requireAllFilesFinal(t, c)
	assert.Equal(t, int64(10), sm.Available(), "allocation released after failure")
}

func TestPutFlowPutDone(t *testing.T) {
	env, lookup, _, _ := newFlowEnv(t)
	sm := space.NewManager(100)
	env.Space = sm
	r, err := sm.Reserve("alice", 50, time.Hour, space.RetentionCustodial, "NEARLINE")
	require.NoError(t, err)

	spec := ContainerSpec{
		Kind:  types.KindPut,
		Put:   &types.PutParams{SpaceToken: r.Token},
		Files: []FileSpec{{SURL: "/up/ok", Size: 20}},
	}
	c, err := NewContainer(context.Background(), spec, env)
	require.NoError(t, err)
	lookup.add(c)
	require.NoError(t, c.Schedule(context.Background()))
	waitSettled(t, c)

	f := c.Files()[0]
	require.Equal(t, types.StateReady, f.State())
	res, _ := sm.Get(r.Token)
	assert.Equal(t, int64(20), res.Used)

	out, err := c.PutDone(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, types.StatusSuccess, out[0].Status.Code)
	assert.Equal(t, types.StatusSuccess, c.AggregateStatus().Code)
	res, _ = sm.Get(r.Token)
	assert.Equal(t, int64(20), res.Used, "completed uploads keep their space")
}

func TestLsFlow(t *testing.T) {
	env, lookup, _, _ := newFlowEnv(t)
	c := newTestContainer(t, env, lookup, types.KindLs, "/data", "/data/private/x")
	c.ls = &types.LsParams{Depth: 1}
	require.NoError(t, c.Schedule(context.Background()))
	waitSettled(t, c)

	statuses := c.FileStatuses()
	assert.Equal(t, types.StatusSuccess, statuses[0].Status.Code)
	var paths []string
	for _, e := range statuses[0].Entries {
		paths = append(paths, e.Path)
	}
	assert.Equal(t, []string{"/data", "/data/a.root"}, paths)
	assert.Equal(t, types.StatusAuthorizationFailure, statuses[1].Status.Code)

	assert.Equal(t, types.StatusPartialSuccess, c.AggregateStatus().Code)
}

func TestFileWithoutParentFails(t *testing.T) {
	env, lookup, _, _ := newFlowEnv(t)
	c := newTestContainer(t, env, lookup, types.KindGet, "/data/a.root")
	lookup.mu.Lock()
	delete(lookup.m, c.ID())
	lookup.mu.Unlock()

	require.NoError(t, c.Schedule(context.Background()))
	waitSettled(t, c)
	f := c.Files()[0]
	assert.Equal(t, types.StateFailed, f.State())
	code, _ := f.Status()
	assert.Equal(t, types.StatusInternalError, code)
}
