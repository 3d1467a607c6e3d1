package sqlstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/srm-lifecycle/internal/storage"
	"github.com/ChuLiYu/srm-lifecycle/pkg/types"
)

func openMem(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSaveAndRestore(t *testing.T) {
	ctx := context.Background()
	s := openMem(t)

	rec := &types.JobRecord{
		ID:        1,
		Kind:      types.KindPut,
		State:     types.StateRunning,
		CreatedAt: time.Unix(1700000000, 0).UTC(),
		Lifetime:  time.Hour,
		Version:   2,
		FileIDs:   []int64{2},
		Put:       &types.PutParams{SpaceToken: "tok", DesiredSize: 10},
		History: []types.HistoryEntry{
			{Time: time.Unix(1700000001, 0).UTC(), From: types.StatePending, To: types.StateRunning, Cause: "scheduled"},
		},
	}
	require.NoError(t, s.Save(ctx, rec, true))

	got, err := s.Restore(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, rec, got)

	_, err = s.Restore(ctx, 42)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestConditionalSave(t *testing.T) {
	ctx := context.Background()
	s := openMem(t)

	require.NoError(t, s.Save(ctx, &types.JobRecord{ID: 1, Kind: types.KindGet, State: types.StateReady, Version: 4}, false))
	require.NoError(t, s.Save(ctx, &types.JobRecord{ID: 1, Kind: types.KindGet, State: types.StateRunning, Version: 3}, false))

	got, err := s.Restore(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, types.StateReady, got.State)

	require.NoError(t, s.Save(ctx, &types.JobRecord{ID: 1, Kind: types.KindGet, State: types.StateRunning, Version: 3}, true))
	got, err = s.Restore(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, types.StateRunning, got.State)
}

func TestNextIDSkipsSavedRecords(t *testing.T) {
	ctx := context.Background()
	s := openMem(t)

	id, err := s.NextID(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), id)

	require.NoError(t, s.Save(ctx, &types.JobRecord{ID: 10, Kind: types.KindLs, Version: 1}, true))
	id, err = s.NextID(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(11), id)
}

func TestLoadAllDeleteAndCount(t *testing.T) {
	ctx := context.Background()
	s := openMem(t)

	for i, st := range []types.State{types.StateDone, types.StateReady, types.StateDone} {
		require.NoError(t, s.Save(ctx, &types.JobRecord{ID: int64(3 - i), Kind: types.KindGet, State: st, Version: 1}, true))
	}

	all, err := s.LoadAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, int64(1), all[0].ID)
	assert.Equal(t, int64(3), all[2].ID)

	counts, err := s.CountByState(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, counts[types.StateDone])
	assert.Equal(t, 1, counts[types.StateReady])

	require.NoError(t, s.Delete(ctx, 1, 3))
	all, err = s.LoadAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, int64(2), all[0].ID)
}

func TestFileDatabaseSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "db", "srm.db")

	s, err := Open(ctx, Config{Path: path})
	require.NoError(t, err)
	_, err = s.NextID(ctx)
	require.NoError(t, err)
	require.NoError(t, s.Save(ctx, &types.JobRecord{ID: 1, Kind: types.KindGet, State: types.StateQueued, Version: 1}, true))
	require.NoError(t, s.Close())

	s, err = Open(ctx, Config{Path: path})
	require.NoError(t, err)
	defer s.Close()

	got, err := s.Restore(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, types.StateQueued, got.State)

	id, err := s.NextID(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), id)
}
