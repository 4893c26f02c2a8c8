// Package connector owns the on-disk layout of a screenshot run: it
// provisions the directories, persists snapshot records, aggregates them
// into build manifests and renders the static comparison page.
package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/maxischmaxi/qshot/internal/imagestore"
	"github.com/maxischmaxi/qshot/internal/logging"
	"github.com/maxischmaxi/qshot/internal/screenshot"
	"github.com/maxischmaxi/qshot/internal/tools"
	"go.uber.org/zap"
)

const manifestFile = "_build.json"

var DefaultGitIgnore = []string{"images/", "local/", "cache/", "compare.html"}

type Options struct {
	RootDir           string
	ScreenshotDirName string
	ImagesDirName     string
	MasterDirName     string
	LocalDirName      string
	CacheDirName      string
	ComparePageName   string

	BuildID            string
	Message            string
	UpdateMaster       bool
	CompareURLTemplate string
	// Threshold is the run-wide pixel threshold; nil leaves it to the
	// comparison default.
	Threshold *float64
	FullPage  bool

	// GitIgnore lines written to <screenshot>/.gitignore; empty disables it.
	GitIgnore       []string
	PrerenderImages bool
}

// DefaultOptions returns the stock layout below root.
func DefaultOptions(root string) Options {
	return Options{
		RootDir:           root,
		ScreenshotDirName: "screenshot",
		ImagesDirName:     "images",
		MasterDirName:     "master",
		LocalDirName:      "local",
		CacheDirName:      "cache",
		ComparePageName:   "compare.html",
		GitIgnore:         DefaultGitIgnore,
	}
}

type Layout struct {
	Root          string
	ScreenshotDir string
	ImagesDir     string
	MasterDir     string
	LocalDir      string
	CacheDir      string
	ComparePage   string
}

// Connector is safe for concurrent use: it holds configuration only, and
// every operation goes to disk.
type Connector struct {
	opts   Options
	layout Layout
	images *imagestore.FS
	now    func() time.Time
}

func New(opts Options) *Connector {
	def := DefaultOptions(opts.RootDir)
	opts.ScreenshotDirName = orDefault(opts.ScreenshotDirName, def.ScreenshotDirName)
	opts.ImagesDirName = orDefault(opts.ImagesDirName, def.ImagesDirName)
	opts.MasterDirName = orDefault(opts.MasterDirName, def.MasterDirName)
	opts.LocalDirName = orDefault(opts.LocalDirName, def.LocalDirName)
	opts.CacheDirName = orDefault(opts.CacheDirName, def.CacheDirName)
	opts.ComparePageName = orDefault(opts.ComparePageName, def.ComparePageName)
	if opts.BuildID == "" {
		opts.BuildID = createBuildID(time.Now())
	}

	sdir := filepath.Join(opts.RootDir, opts.ScreenshotDirName)
	layout := Layout{
		Root:          opts.RootDir,
		ScreenshotDir: sdir,
		ImagesDir:     filepath.Join(sdir, opts.ImagesDirName),
		MasterDir:     filepath.Join(sdir, opts.MasterDirName),
		LocalDir:      filepath.Join(sdir, opts.LocalDirName),
		CacheDir:      filepath.Join(sdir, opts.CacheDirName),
		ComparePage:   filepath.Join(sdir, opts.ComparePageName),
	}

	return &Connector{
		opts:   opts,
		layout: layout,
		images: imagestore.New(layout.ImagesDir),
		now:    time.Now,
	}
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}

func (c *Connector) Layout() Layout { return c.layout }

func (c *Connector) Images() *imagestore.FS { return c.images }

// Context is the build context handed to capturing workers.
func (c *Connector) Context() screenshot.BuildContext {
	return screenshot.BuildContext{
		BuildID:            c.opts.BuildID,
		Message:            c.opts.Message,
		UpdateMaster:       c.opts.UpdateMaster,
		CompareURLTemplate: c.opts.CompareURLTemplate,
		Threshold:          c.opts.Threshold,
		FullPage:           c.opts.FullPage,
	}
}

// createBuildID formats t as UTC yyyymmddhhmmss.
func createBuildID(t time.Time) string {
	return t.UTC().Format("20060102150405")
}

// Open provisions the layout without clearing anything. Workers that join
// a run started elsewhere use it.
func (c *Connector) Open(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, dir := range []string{
		c.layout.ScreenshotDir,
		c.layout.ImagesDir,
		c.layout.MasterDir,
		c.layout.LocalDir,
		c.layout.CacheDir,
	} {
		if err := tools.EnsureDir(dir); err != nil {
			logging.L.Error("failed to create screenshot directory", zap.String("dir", dir), zap.Error(err))
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}

	if len(c.opts.GitIgnore) > 0 {
		content := strings.Join(c.opts.GitIgnore, "\n") + "\n"
		if err := tools.WriteFileAtomic(c.layout.ScreenshotDir, ".gitignore", []byte(content)); err != nil {
			logging.L.Error("failed to write .gitignore", zap.String("dir", c.layout.ScreenshotDir), zap.Error(err))
			return fmt.Errorf("write .gitignore: %w", err)
		}
	}
	return nil
}

// Init starts a fresh run: it provisions the layout, clears the local
// build and, in update-master mode, the master build too.
func (c *Connector) Init(ctx context.Context) (screenshot.BuildContext, error) {
	if err := c.Open(ctx); err != nil {
		return screenshot.BuildContext{}, err
	}

	if c.opts.UpdateMaster {
		if err := tools.EmptyDir(c.layout.MasterDir); err != nil {
			logging.L.Error("failed to empty master directory", zap.String("dir", c.layout.MasterDir), zap.Error(err))
			return screenshot.BuildContext{}, fmt.Errorf("empty master: %w", err)
		}
	}
	if err := tools.EmptyDir(c.layout.LocalDir); err != nil {
		logging.L.Error("failed to empty local directory", zap.String("dir", c.layout.LocalDir), zap.Error(err))
		return screenshot.BuildContext{}, fmt.Errorf("empty local: %w", err)
	}

	bc := c.Context()
	logging.L.Info("screenshot build started",
		zap.String("buildId", bc.BuildID),
		zap.Bool("updateMaster", bc.UpdateMaster),
		zap.String("dir", c.layout.ScreenshotDir),
	)
	return bc, nil
}

func (c *Connector) dir(kind screenshot.BuildKind) string {
	if kind == screenshot.Master {
		return c.layout.MasterDir
	}
	return c.layout.LocalDir
}

var idRE = regexp.MustCompile(`^[0-9A-Za-z_-]+$`)

func recordFileName(id string) (string, error) {
	if !idRE.MatchString(id) {
		return "", fmt.Errorf("%w: %q", screenshot.ErrInvalidID, id)
	}
	return id + ".json", nil
}

func isRecordFile(name string) bool {
	return strings.HasSuffix(name, ".json") && !strings.HasPrefix(name, "_") && !strings.HasPrefix(name, ".")
}

// WriteRecord stores rec as <id>.json in the build's directory, replacing
// any previous record with the same id.
func (c *Connector) WriteRecord(ctx context.Context, kind screenshot.BuildKind, rec *screenshot.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	name, err := recordFileName(rec.ID)
	if err != nil {
		return err
	}
	b, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("encode record %s: %w", rec.ID, err)
	}
	if err := tools.WriteFileAtomic(c.dir(kind), name, b); err != nil {
		logging.L.Error("failed to write snapshot record", zap.String("build", kind.String()), zap.String("id", rec.ID), zap.Error(err))
		return fmt.Errorf("write %s record %s: %w", kind, rec.ID, err)
	}
	logging.L.Debug("snapshot record written", zap.String("build", kind.String()), zap.String("id", rec.ID), zap.String("image", rec.Image))
	return nil
}

// ReadRecord loads <id>.json from the build's directory.
func (c *Connector) ReadRecord(ctx context.Context, kind screenshot.BuildKind, id string) (*screenshot.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	name, err := recordFileName(id)
	if err != nil {
		return nil, err
	}
	rec, err := readRecordFile(filepath.Join(c.dir(kind), name))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s %s", screenshot.ErrNotFound, kind, id)
	}
	return rec, err
}

func readRecordFile(path string) (*screenshot.Record, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var rec screenshot.Record
	if err := json.Unmarshal(b, &rec); err != nil {
		logging.L.Error("failed to parse snapshot record", zap.String("path", path), zap.Error(err))
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &rec, nil
}

// OpenImage streams a stored screenshot.
func (c *Connector) OpenImage(ctx context.Context, name string) (io.ReadCloser, error) {
	return c.images.Open(ctx, name)
}
