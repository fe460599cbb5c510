package project

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"foreman/internal/store"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	db, err := store.Open(context.Background(), store.Options{
		SQLitePath: filepath.Join(t.TempDir(), "project.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.EnsureSchema(context.Background()))
	return NewRegistry(db, nil)
}

func TestSetCreatesAndUpdates(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Set(ctx, "alpha", "/srv/alpha"))
	require.NoError(t, r.Set(ctx, "alpha", "/srv/alpha-v2"))

	projects, err := r.List(ctx)
	require.NoError(t, err)
	require.Len(t, projects, 1)
	assert.Equal(t, "/srv/alpha-v2", projects[0].RootPath)

	assert.Error(t, r.Set(ctx, "", "/srv/x"))
	assert.Error(t, r.Set(ctx, "x", ""))
}

func TestActivateIsExclusive(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Set(ctx, "alpha", "/srv/alpha"))
	require.NoError(t, r.Set(ctx, "beta", "/srv/beta"))

	require.NoError(t, r.Activate(ctx, "alpha"))
	require.NoError(t, r.Activate(ctx, "beta"))

	active, err := r.Active(ctx)
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, "beta", active.Name)

	projects, err := r.List(ctx)
	require.NoError(t, err)
	activeCount := 0
	for _, p := range projects {
		if p.IsActive {
			activeCount++
		}
	}
	assert.Equal(t, 1, activeCount)

	assert.ErrorIs(t, r.Activate(ctx, "ghost"), ErrProjectNotFound)
}

func TestActiveNoneReturnsNil(t *testing.T) {
	r := newTestRegistry(t)
	active, err := r.Active(context.Background())
	require.NoError(t, err)
	assert.Nil(t, active)
}
