// Package imagestore keeps PNG screenshots under a content-derived name so
// identical captures are stored once.
package imagestore

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"

	"github.com/dustin/go-humanize"
	"github.com/maxischmaxi/qshot/internal/logging"
	"github.com/maxischmaxi/qshot/internal/metrics"
	"github.com/maxischmaxi/qshot/internal/tools"
	"go.uber.org/zap"
)

const ext = ".png"

var (
	ErrNotFound    = errors.New("imagestore: image not found")
	ErrInvalidName = errors.New("imagestore: invalid image name")
)

var nameRE = regexp.MustCompile(`^[0-9a-f]{32}\.png$`)

// Store is the capability the rest of the engine needs from image storage.
type Store interface {
	Put(ctx context.Context, data []byte) (string, error)
	Get(ctx context.Context, name string) ([]byte, error)
	Open(ctx context.Context, name string) (io.ReadCloser, error)
	Exists(ctx context.Context, name string) bool
}

// FS stores images as flat files in Dir.
type FS struct {
	Dir string
}

func New(dir string) *FS {
	return &FS{Dir: filepath.Clean(dir)}
}

// NameFor returns the store name for data without writing anything.
func NameFor(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:]) + ext
}

// ValidName reports whether name looks like something Put could return.
func ValidName(name string) bool {
	return nameRE.MatchString(name)
}

// Put stores data and returns its name. Content already present is not
// rewritten; concurrent puts of the same bytes are safe because every
// writer produces the same file.
func (s *FS) Put(ctx context.Context, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	name := NameFor(data)

	err := tools.WriteFileAtomicNoOverwrite(s.Dir, name, data)
	if errors.Is(err, os.ErrExist) {
		metrics.ImagesDeduplicated.Inc()
		logging.L.Debug("image already stored", zap.String("image", name))
		return name, nil
	}
	if err != nil {
		logging.L.Error("failed to write image", zap.String("dir", s.Dir), zap.String("image", name), zap.Error(err))
		return "", fmt.Errorf("write image %s: %w", name, err)
	}

	metrics.ImagesWritten.Inc()
	logging.L.Debug("image stored",
		zap.String("image", name),
		zap.String("size", humanize.Bytes(uint64(len(data)))),
	)
	return name, nil
}

func (s *FS) Get(ctx context.Context, name string) ([]byte, error) {
	path, err := s.path(ctx, name)
	if err != nil {
		return nil, err
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, s.readErr(name, err)
	}
	return b, nil
}

func (s *FS) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	path, err := s.path(ctx, name)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, s.readErr(name, err)
	}
	return f, nil
}

func (s *FS) Exists(ctx context.Context, name string) bool {
	path, err := s.path(ctx, name)
	if err != nil {
		return false
	}
	return tools.FileExists(path)
}

// Path is the on-disk location of name.
func (s *FS) Path(name string) string {
	return filepath.Join(s.Dir, name)
}

func (s *FS) path(ctx context.Context, name string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if !ValidName(name) {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return s.Path(name), nil
}

func (s *FS) readErr(name string, err error) error {
	if os.IsNotExist(err) {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	logging.L.Error("failed to read image", zap.String("dir", s.Dir), zap.String("image", name), zap.Error(err))
	return fmt.Errorf("read image %s: %w", name, err)
}
