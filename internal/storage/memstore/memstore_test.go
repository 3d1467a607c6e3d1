package memstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/srm-lifecycle/internal/storage"
	"github.com/ChuLiYu/srm-lifecycle/pkg/types"
)

func TestConditionalSave(t *testing.T) {
	ctx := context.Background()
	s := New()

	require.NoError(t, s.Save(ctx, &types.JobRecord{ID: 1, Version: 3, State: types.StateRunning}, false))
	require.NoError(t, s.Save(ctx, &types.JobRecord{ID: 1, Version: 2, State: types.StatePending}, false))

	got, err := s.Restore(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, types.StateRunning, got.State, "stale conditional save must be ignored")

	require.NoError(t, s.Save(ctx, &types.JobRecord{ID: 1, Version: 2, State: types.StatePending}, true))
	got, err = s.Restore(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, types.StatePending, got.State)
	assert.Equal(t, 2, s.Saves())
}

func TestRestoreReturnsCopy(t *testing.T) {
	ctx := context.Background()
	s := New()
	rec := &types.JobRecord{ID: 5, FileIDs: []int64{6, 7}}
	require.NoError(t, s.Save(ctx, rec, true))
	rec.FileIDs[0] = 99

	got, err := s.Restore(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, []int64{6, 7}, got.FileIDs)

	_, err = s.Restore(ctx, 42)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestNextIDAndDelete(t *testing.T) {
	ctx := context.Background()
	s := New()
	a, _ := s.NextID(ctx)
	b, _ := s.NextID(ctx)
	assert.Less(t, a, b)

	require.NoError(t, s.Save(ctx, &types.JobRecord{ID: 100}, true))
	c, _ := s.NextID(ctx)
	assert.Equal(t, int64(101), c)

	require.NoError(t, s.Delete(ctx, 100))
	all, err := s.LoadAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
}
