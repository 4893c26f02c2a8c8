package imagestore

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPut_SameBytesSameName(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := New(t.TempDir())

	a, err := s.Put(ctx, []byte("png-bytes"))
	require.NoError(t, err)
	b, err := s.Put(ctx, []byte("png-bytes"))
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.True(t, ValidName(a))
	assert.Equal(t, NameFor([]byte("png-bytes")), a)

	entries, err := os.ReadDir(s.Dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestPut_DoesNotRewriteExisting(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := New(t.TempDir())

	name, err := s.Put(ctx, []byte("data"))
	require.NoError(t, err)

	old := time.Now().Add(-time.Hour).Truncate(time.Second)
	require.NoError(t, os.Chtimes(s.Path(name), old, old))

	_, err = s.Put(ctx, []byte("data"))
	require.NoError(t, err)

	st, err := os.Stat(s.Path(name))
	require.NoError(t, err)
	assert.True(t, st.ModTime().Equal(old), "file was rewritten")
}

func TestPut_ConcurrentSameContent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := New(t.TempDir())

	var wg sync.WaitGroup
	names := make([]string, 16)
	errs := make([]error, 16)
	for i := range names {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			names[i], errs[i] = s.Put(ctx, []byte("shared"))
		}()
	}
	wg.Wait()

	for i := range names {
		require.NoError(t, errs[i])
		assert.Equal(t, names[0], names[i])
	}

	b, err := s.Get(ctx, names[0])
	require.NoError(t, err)
	assert.Equal(t, "shared", string(b))
}

func TestGet_Missing(t *testing.T) {
	t.Parallel()

	s := New(t.TempDir())
	_, err := s.Get(context.Background(), NameFor([]byte("nope")))
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.Open(context.Background(), NameFor([]byte("nope")))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGet_RejectsTraversal(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s := New(filepath.Join(dir, "images"))

	_, err := s.Get(context.Background(), "../secret.png")
	assert.ErrorIs(t, err, ErrInvalidName)
	assert.False(t, s.Exists(context.Background(), "../secret.png"))
}

func TestOpen_Streams(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := New(t.TempDir())
	name, err := s.Put(ctx, []byte("stream me"))
	require.NoError(t, err)

	rc, err := s.Open(ctx, name)
	require.NoError(t, err)
	defer rc.Close()

	b, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "stream me", string(b))
	assert.True(t, s.Exists(ctx, name))
}

func TestPut_MissingDirFails(t *testing.T) {
	t.Parallel()

	s := New(filepath.Join(t.TempDir(), "does", "not", "exist"))
	_, err := s.Put(context.Background(), []byte("x"))
	assert.Error(t, err)
}
