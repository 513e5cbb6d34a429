package store

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forPelevin/clipreel/internal/types"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir(), "run-1", nil)
	require.NoError(t, err)
	return s
}

func TestCommit_MovesCompleteFile(t *testing.T) {
	t.Parallel()
	s := newStore(t)
	ref := types.SourceRef{ID: "https://example.com/a.mp4"}

	_, _, ok := s.Lookup(ref)
	require.False(t, ok)

	tmp, err := s.TempFile(ref)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(tmp, []byte("media"), 0o644))

	final, size, err := s.Commit(tmp, ref)
	require.NoError(t, err)
	assert.Equal(t, s.ClipPath(ref), final)
	assert.EqualValues(t, 5, size)
	assert.NoFileExists(t, tmp)

	p, sz, ok := s.Lookup(ref)
	require.True(t, ok)
	assert.Equal(t, final, p)
	assert.EqualValues(t, 5, sz)
}

func TestCommit_RejectsEmptyFile(t *testing.T) {
	t.Parallel()
	s := newStore(t)
	ref := types.SourceRef{ID: "b"}

	tmp, err := s.TempFile(ref)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(tmp, nil, 0o644))

	_, _, err = s.Commit(tmp, ref)
	require.True(t, errors.Is(err, ErrEmptyFile), "got %v", err)
	assert.NoFileExists(t, s.ClipPath(ref))
}

func TestKey_TrimsAndDiffers(t *testing.T) {
	t.Parallel()
	a := Key(types.SourceRef{ID: " x "})
	b := Key(types.SourceRef{ID: "x"})
	c := Key(types.SourceRef{ID: "y"})
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 32)
}

func TestTempFile_Unique(t *testing.T) {
	t.Parallel()
	s := newStore(t)
	ref := types.SourceRef{ID: "z"}
	a, err := s.TempFile(ref)
	require.NoError(t, err)
	b, err := s.TempFile(ref)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
	assert.NotEqual(t, s.ClipPath(ref), a)
}

func TestQuarantine(t *testing.T) {
	t.Parallel()
	s := newStore(t)
	ref := types.SourceRef{ID: "q"}
	require.NoError(t, os.WriteFile(s.ClipPath(ref), []byte("bad"), 0o644))

	dst, err := s.Quarantine(s.ClipPath(ref))
	require.NoError(t, err)
	assert.FileExists(t, dst)
	_, _, ok := s.Lookup(ref)
	assert.False(t, ok)
}

func TestCheckAndCleanupTemp(t *testing.T) {
	t.Parallel()
	s := newStore(t)
	require.NoError(t, s.Check())
	require.NoError(t, s.Preflight(0))

	ws, err := s.Workspace("compilation")
	require.NoError(t, err)
	tmp, err := s.TempFile(types.SourceRef{ID: "p"})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(tmp, []byte("partial"), 0o644))

	require.NoError(t, s.CleanupTemp())
	assert.NoDirExists(t, ws)
	assert.NoFileExists(t, tmp)
}

func TestCheck_ReadOnlyRoot(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root ignores directory permissions")
	}
	t.Parallel()
	s := newStore(t)
	require.NoError(t, os.Chmod(s.Root(), 0o555))
	t.Cleanup(func() { _ = os.Chmod(s.Root(), 0o755) })
	assert.Error(t, s.Check())
}

func TestCleanupOlderThan(t *testing.T) {
	t.Parallel()
	s := newStore(t)
	now := time.Now()

	oldRef := types.SourceRef{ID: "old"}
	newRef := types.SourceRef{ID: "new"}
	require.NoError(t, os.WriteFile(s.ClipPath(oldRef), []byte("o"), 0o644))
	require.NoError(t, os.WriteFile(s.ClipPath(newRef), []byte("n"), 0o644))
	past := now.Add(-10 * 24 * time.Hour)
	require.NoError(t, os.Chtimes(s.ClipPath(oldRef), past, past))

	stale := filepath.Join(s.Root(), tmpDir, "other-run")
	require.NoError(t, os.MkdirAll(stale, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(stale, "x.part"), []byte("p"), 0o644))
	require.NoError(t, os.Chtimes(filepath.Join(stale, "x.part"), past, past))

	n, err := s.CleanupOlderThan(7*24*time.Hour, now)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.NoFileExists(t, s.ClipPath(oldRef))
	assert.FileExists(t, s.ClipPath(newRef))
	assert.NoDirExists(t, stale)
}
