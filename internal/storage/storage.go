// Package storage owns the on-disk layout of job files:
//
//	<root>/uploads/<id>/input<ext>
//	<root>/outputs/<id>/output.mp4
//	<root>/work/<id>/
package storage

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"
)

var (
	ErrTooLarge    = errors.New("file exceeds size limit")
	ErrWorkDirBusy = errors.New("work directory is locked by another worker")
	ErrFetch       = errors.New("source download failed")
)

// Layout resolves job file paths under a root directory.
type Layout struct {
	root string
}

// New creates the layout directories under root.
func New(root string) (*Layout, error) {
	l := &Layout{root: root}
	for _, dir := range []string{"uploads", "outputs", "work"} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0o755); err != nil {
			return nil, fmt.Errorf("create %s directory: %w", dir, err)
		}
	}
	return l, nil
}

func (l *Layout) Root() string { return l.root }

// InputPath is where the upload for id is stored. ext includes the dot.
func (l *Layout) InputPath(id uuid.UUID, ext string) string {
	return filepath.Join(l.root, "uploads", id.String(), "input"+strings.ToLower(ext))
}

func (l *Layout) OutputPath(id uuid.UUID) string {
	return filepath.Join(l.root, "outputs", id.String(), "output.mp4")
}

func (l *Layout) WorkDir(id uuid.UUID) string {
	return filepath.Join(l.root, "work", id.String())
}

// SaveInput copies r into the input location for id, hashing as it goes.
// More than maxBytes (when positive) fails with ErrTooLarge and leaves nothing
// behind. It returns the stored path and hex BLAKE2b-256 digest.
func (l *Layout) SaveInput(id uuid.UUID, ext string, r io.Reader, maxBytes int64) (string, string, error) {
	dst := l.InputPath(id, ext)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", "", fmt.Errorf("create upload directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".upload-*")
	if err != nil {
		return "", "", fmt.Errorf("create temp file: %w", err)
	}
	cleanup := func() {
		tmp.Close()
		os.Remove(tmp.Name())
		os.Remove(filepath.Dir(dst))
	}

	h, _ := blake2b.New256(nil)
	src := r
	if maxBytes > 0 {
		src = io.LimitReader(r, maxBytes+1)
	}
	n, err := io.Copy(io.MultiWriter(tmp, h), src)
	if err != nil {
		cleanup()
		return "", "", fmt.Errorf("write upload: %w", err)
	}
	if maxBytes > 0 && n > maxBytes {
		cleanup()
		return "", "", fmt.Errorf("%w: more than %s", ErrTooLarge, humanize.IBytes(uint64(maxBytes)))
	}
	if n == 0 {
		cleanup()
		return "", "", errors.New("empty upload")
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return "", "", fmt.Errorf("close upload: %w", err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		cleanup()
		return "", "", fmt.Errorf("store upload: %w", err)
	}
	return dst, hex.EncodeToString(h.Sum(nil)), nil
}

// Digest returns the hex BLAKE2b-256 of the file at path.
func Digest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h, _ := blake2b.New256(nil)
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Readable reports whether path is an existing regular file that can be opened.
func Readable(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("%s is not a regular file", path)
	}
	return nil
}

// RemoveFile deletes path and its parent directory when it becomes empty.
// A missing file is not an error.
func RemoveFile(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove %s: %w", path, err)
	}
	// Fails harmlessly when the directory still has entries.
	_ = os.Remove(filepath.Dir(path))
	return nil
}

// WorkDir is an exclusively locked scratch directory for one job run.
type WorkDir struct {
	Path string
	lock *flock.Flock
}

// AcquireWorkDir creates and locks the work directory for id. The lock file
// sits beside the directory so removing the directory keeps it held.
func (l *Layout) AcquireWorkDir(id uuid.UUID) (*WorkDir, error) {
	path := l.WorkDir(id)
	lock := flock.New(path + ".lock")
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire work lock: %w", err)
	}
	if !ok {
		return nil, ErrWorkDirBusy
	}
	if err := os.RemoveAll(path); err != nil {
		_ = lock.Unlock()
		return nil, fmt.Errorf("clear stale work directory: %w", err)
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		_ = lock.Unlock()
		return nil, fmt.Errorf("create work directory: %w", err)
	}
	return &WorkDir{Path: path, lock: lock}, nil
}

// Release removes the directory and drops the lock.
func (w *WorkDir) Release() error {
	rmErr := os.RemoveAll(w.Path)
	unlockErr := w.lock.Unlock()
	_ = os.Remove(w.lock.Path())
	if rmErr != nil {
		return fmt.Errorf("remove work directory: %w", rmErr)
	}
	if unlockErr != nil {
		return fmt.Errorf("release work lock: %w", unlockErr)
	}
	return nil
}
