package tags

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReloaderRefresh(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "tags.yaml")
	require.NoError(t, os.WriteFile(path, []byte("env: prod\nregion: eu-west-1\n"), 0600))

	r := NewReloader(path)
	require.NoError(t, r.Refresh(context.Background()))

	got := r.Tags()
	require.Len(t, got, 2)
	// Snapshots are sorted by key for deterministic output.
	assert.Equal(t, Tag{Key: "env", Value: "prod"}, got[0])
	assert.Equal(t, Tag{Key: "region", Value: "eu-west-1"}, got[1])
}

func TestReloaderMissingFileClearsTags(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "tags.yaml")
	require.NoError(t, os.WriteFile(path, []byte("env: prod\n"), 0600))

	r := NewReloader(path)
	require.NoError(t, r.Refresh(context.Background()))
	require.Len(t, r.Tags(), 1)

	require.NoError(t, os.Remove(path))
	require.NoError(t, r.Refresh(context.Background()))
	assert.Empty(t, r.Tags())
}

func TestReloaderMalformedFileKeepsSnapshot(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "tags.yaml")
	require.NoError(t, os.WriteFile(path, []byte("env: prod\n"), 0600))

	r := NewReloader(path)
	require.NoError(t, r.Refresh(context.Background()))

	require.NoError(t, os.WriteFile(path, []byte("[not: a: map\n"), 0600))
	require.Error(t, r.Refresh(context.Background()))

	// The previous snapshot survives a bad reload.
	got := r.Tags()
	require.Len(t, got, 1)
	assert.Equal(t, "prod", got[0].Value)
}

func TestReloaderInterval(t *testing.T) {
	t.Parallel()

	assert.Equal(t, DefaultInterval, NewReloader("x").Interval())
	assert.Equal(t, 3*time.Second, NewReloader("x", WithInterval(3*time.Second)).Interval())
	assert.Equal(t, DefaultInterval, NewReloader("x", WithInterval(0)).Interval())
}
