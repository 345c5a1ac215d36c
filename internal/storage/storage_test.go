package storage

import (
	"bytes"
	"context"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/blake2b"
)

func newLayout(t *testing.T) *Layout {
	t.Helper()
	l, err := New(t.TempDir())
	require.NoError(t, err)
	return l
}

func TestLayoutPaths(t *testing.T) {
	l := &Layout{root: "/data"}
	id := uuid.MustParse("11111111-2222-3333-4444-555555555555")
	assert.Equal(t, "/data/uploads/11111111-2222-3333-4444-555555555555/input.mov", l.InputPath(id, ".MOV"))
	assert.Equal(t, "/data/outputs/11111111-2222-3333-4444-555555555555/output.mp4", l.OutputPath(id))
	assert.Equal(t, "/data/work/11111111-2222-3333-4444-555555555555", l.WorkDir(id))
}

func TestNewCreatesDirectories(t *testing.T) {
	l := newLayout(t)
	for _, dir := range []string{"uploads", "outputs", "work"} {
		info, err := os.Stat(filepath.Join(l.Root(), dir))
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
}

func TestSaveInput(t *testing.T) {
	l := newLayout(t)
	id := uuid.New()
	data := []byte("not really a video")

	path, digest, err := l.SaveInput(id, ".mp4", bytes.NewReader(data), 1024)
	require.NoError(t, err)
	assert.Equal(t, l.InputPath(id, ".mp4"), path)

	stored, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, data, stored)

	sum := blake2b.Sum256(data)
	assert.Equal(t, hex.EncodeToString(sum[:]), digest)

	again, err := Digest(path)
	require.NoError(t, err)
	assert.Equal(t, digest, again)
}

func TestSaveInput_TooLarge(t *testing.T) {
	l := newLayout(t)
	id := uuid.New()
	_, _, err := l.SaveInput(id, ".mp4", strings.NewReader(strings.Repeat("x", 100)), 10)
	assert.ErrorIs(t, err, ErrTooLarge)

	_, statErr := os.Stat(filepath.Dir(l.InputPath(id, ".mp4")))
	assert.True(t, os.IsNotExist(statErr), "failed upload must leave nothing behind")
}

func TestSaveInput_Empty(t *testing.T) {
	l := newLayout(t)
	_, _, err := l.SaveInput(uuid.New(), ".mp4", strings.NewReader(""), 0)
	assert.Error(t, err)
}

func TestReadable(t *testing.T) {
	dir := t.TempDir()
	assert.Error(t, Readable(filepath.Join(dir, "missing.mp4")))
	assert.Error(t, Readable(dir))

	f := filepath.Join(dir, "in.mp4")
	require.NoError(t, os.WriteFile(f, []byte("x"), 0o644))
	assert.NoError(t, Readable(f))
}

func TestRemoveFile(t *testing.T) {
	l := newLayout(t)
	id := uuid.New()
	path, _, err := l.SaveInput(id, ".mp4", strings.NewReader("abc"), 0)
	require.NoError(t, err)

	require.NoError(t, RemoveFile(path))
	_, err = os.Stat(filepath.Dir(path))
	assert.True(t, os.IsNotExist(err))

	assert.NoError(t, RemoveFile(path), "missing file is ignored")
	assert.NoError(t, RemoveFile(""))
}

func TestAcquireWorkDir(t *testing.T) {
	l := newLayout(t)
	id := uuid.New()

	wd, err := l.AcquireWorkDir(id)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(wd.Path, "video.mp4"), []byte("x"), 0o644))

	_, err = l.AcquireWorkDir(id)
	assert.ErrorIs(t, err, ErrWorkDirBusy)

	require.NoError(t, wd.Release())
	_, err = os.Stat(wd.Path)
	assert.True(t, os.IsNotExist(err))

	wd2, err := l.AcquireWorkDir(id)
	require.NoError(t, err)
	assert.NoError(t, wd2.Release())
}

func TestFetch(t *testing.T) {
	body := []byte("remote video bytes")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/clip.mov":
			w.Header().Set("Content-Type", "video/quicktime")
			_, _ = w.Write(body)
		case "/stream":
			w.Header().Set("Content-Type", "video/webm")
			_, _ = w.Write(body)
		case "/big.mp4":
			_, _ = w.Write(bytes.Repeat([]byte("x"), 4096))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	l := newLayout(t)
	f := NewFetcher(l, 5*time.Second, 1024)
	ctx := context.Background()

	id := uuid.New()
	path, digest, err := f.Fetch(ctx, id, srv.URL+"/clip.mov")
	require.NoError(t, err)
	assert.Equal(t, l.InputPath(id, ".mov"), path)
	assert.NotEmpty(t, digest)

	id = uuid.New()
	path, _, err = f.Fetch(ctx, id, srv.URL+"/stream")
	require.NoError(t, err)
	assert.Equal(t, ".webm", filepath.Ext(path))

	_, _, err = f.Fetch(ctx, uuid.New(), srv.URL+"/big.mp4")
	assert.ErrorIs(t, err, ErrTooLarge)

	_, _, err = f.Fetch(ctx, uuid.New(), srv.URL+"/missing.mp4")
	assert.ErrorIs(t, err, ErrFetch)
	assert.ErrorContains(t, err, "404")

	_, _, err = f.Fetch(ctx, uuid.New(), "ftp://example.com/a.mp4")
	assert.ErrorIs(t, err, ErrFetch)
}

func TestSourceExt(t *testing.T) {
	assert.Equal(t, ".mkv", SourceExt("/a/b.MKV", ""))
	assert.Equal(t, ".avi", SourceExt("/download", "video/x-msvideo; charset=binary"))
	assert.Equal(t, ".mp4", SourceExt("/download", "application/octet-stream"))
}
