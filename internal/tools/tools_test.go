package tools

import (
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsureDir_Idempotent(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "a", "b")

	require.NoError(t, EnsureDir(dir))
	require.NoError(t, EnsureDir(dir))

	st, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, st.IsDir())
}

func TestEnsureDir_FileInTheWay(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	assert.Error(t, EnsureDir(path))
}

func TestEmptyDir_KeepsSubdirs(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.json"), []byte("{}"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.json"), []byte("{}"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0o755))

	require.NoError(t, EmptyDir(dir))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "sub", entries[0].Name())

	assert.NoError(t, EmptyDir(filepath.Join(dir, "missing")))
}

func TestWriteFileAtomic_NoTempLeft(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, WriteFileAtomic(dir, "a.txt", []byte("hello")))
	require.NoError(t, WriteFileAtomic(dir, "a.txt", []byte("world")))

	b, err := os.ReadFile(filepath.Join(dir, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "world", string(b))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasPrefix(e.Name(), ".a.txt.tmp-"), "temp file left: %s", e.Name())
	}
}

// not parallel: swaps renameFunc
func TestWriteFileAtomic_RenameFailCleansUp(t *testing.T) {
	dir := t.TempDir()

	old := renameFunc
	renameFunc = func(_, _ string) error { return os.ErrPermission }
	defer func() { renameFunc = old }()

	require.ErrorIs(t, WriteFileAtomic(dir, "a.txt", []byte("hello")), os.ErrPermission)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestWriteFileAtomicNoOverwrite(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, WriteFileAtomicNoOverwrite(dir, "a.txt", []byte("first")))
	require.ErrorIs(t, WriteFileAtomicNoOverwrite(dir, "a.txt", []byte("second")), os.ErrExist)

	b, err := os.ReadFile(filepath.Join(dir, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "first", string(b))
}

func TestExpandPath(t *testing.T) {
	t.Parallel()

	p, err := ExpandPath("some/../dir")
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(p))
	assert.Equal(t, "dir", filepath.Base(p))

	_, err = ExpandPath("~other/x")
	assert.Error(t, err)
}

func TestIsPortOpen(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port

	assert.True(t, IsPortOpen(port, 200*time.Millisecond))
	require.NoError(t, ln.Close())
	assert.False(t, IsPortOpen(port, 200*time.Millisecond))
}
