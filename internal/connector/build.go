package connector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/maxischmaxi/qshot/internal/logging"
	"github.com/maxischmaxi/qshot/internal/screenshot"
	"github.com/maxischmaxi/qshot/internal/tools"
	"go.uber.org/zap"
)

// Builds is the outcome of CompleteBuild.
type Builds struct {
	Master *screenshot.Build
	Local  *screenshot.Build
}

// readRecords parses every record file in dir. A missing dir yields none.
func readRecords(dir string) ([]*screenshot.Record, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var (
		recs []*screenshot.Record
		errs error
	)
	for _, e := range entries {
		if e.IsDir() || !isRecordFile(e.Name()) {
			continue
		}
		rec, err := readRecordFile(filepath.Join(dir, e.Name()))
		if err != nil {
			errs = errors.Join(errs, err)
			continue
		}
		recs = append(recs, rec)
	}
	return recs, errs
}

func readManifest(dir string) (*screenshot.Build, error) {
	b, err := os.ReadFile(filepath.Join(dir, manifestFile))
	if err != nil {
		return nil, err
	}
	var build screenshot.Build
	if err := json.Unmarshal(b, &build); err != nil {
		return nil, fmt.Errorf("parse %s: %w", filepath.Join(dir, manifestFile), err)
	}
	return &build, nil
}

func writeManifest(dir string, build *screenshot.Build) error {
	b, err := json.MarshalIndent(build, "", "  ")
	if err != nil {
		return fmt.Errorf("encode build %s: %w", build.BuildID, err)
	}
	return tools.WriteFileAtomic(dir, manifestFile, b)
}

// merge overlays recs on base by id and returns the sorted union.
func merge(base, recs []*screenshot.Record) []*screenshot.Record {
	byID := make(map[string]*screenshot.Record, len(base)+len(recs))
	for _, r := range base {
		byID[r.ID] = r
	}
	for _, r := range recs {
		byID[r.ID] = r
	}
	out := make([]*screenshot.Record, 0, len(byID))
	for _, r := range byID {
		out = append(out, r)
	}
	screenshot.SortRecords(out)
	return out
}

// ReadBuild assembles the current state of one side of the run. Master is
// always read from its record files. Local prefers record files written
// since the last CompleteBuild, layered over the local manifest.
func (c *Connector) ReadBuild(ctx context.Context, kind screenshot.BuildKind) (*screenshot.Build, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir := c.dir(kind)

	recs, err := readRecords(dir)
	if err != nil {
		logging.L.Error("failed to read snapshot records", zap.String("dir", dir), zap.Error(err))
		return nil, fmt.Errorf("read %s records: %w", kind, err)
	}

	build := &screenshot.Build{Timestamp: c.now().UTC()}
	if kind == screenshot.Master {
		build.BuildID = screenshot.MasterBuildID
		build.Screenshots = merge(nil, recs)
		return build, nil
	}

	build.BuildID = c.opts.BuildID
	build.Message = c.opts.Message

	manifest, err := readManifest(dir)
	switch {
	case err == nil:
		if len(recs) == 0 {
			screenshot.SortRecords(manifest.Screenshots)
			return manifest, nil
		}
		build.Screenshots = merge(manifest.Screenshots, recs)
	case os.IsNotExist(err):
		build.Screenshots = merge(nil, recs)
	default:
		logging.L.Error("failed to read local manifest", zap.String("dir", dir), zap.Error(err))
		return nil, err
	}
	return build, nil
}

// CompleteBuild aggregates both builds after all capturing workers have
// finished. The local directory is replaced by a single manifest. It must
// not run while captures into the same local directory are in flight.
func (c *Connector) CompleteBuild(ctx context.Context) (*Builds, error) {
	master, err := c.ReadBuild(ctx, screenshot.Master)
	if err != nil {
		return nil, err
	}
	local, err := c.ReadBuild(ctx, screenshot.Local)
	if err != nil {
		return nil, err
	}
	local.BuildID = c.opts.BuildID
	local.Message = c.opts.Message

	if err := tools.EmptyDir(c.layout.LocalDir); err != nil {
		logging.L.Error("failed to clear local directory", zap.String("dir", c.layout.LocalDir), zap.Error(err))
		return nil, fmt.Errorf("clear local: %w", err)
	}
	if err := writeManifest(c.layout.LocalDir, local); err != nil {
		logging.L.Error("failed to write local manifest", zap.String("dir", c.layout.LocalDir), zap.Error(err))
		return nil, fmt.Errorf("write local manifest: %w", err)
	}
	if err := writeManifest(c.layout.MasterDir, master); err != nil {
		logging.L.Error("failed to write master manifest", zap.String("dir", c.layout.MasterDir), zap.Error(err))
		return nil, fmt.Errorf("write master manifest: %w", err)
	}

	builds := &Builds{Master: master, Local: local}

	if c.opts.PrerenderImages {
		n, err := c.prerender(ctx, builds)
		if err != nil {
			logging.L.Warn("failed to pre-render some images", zap.Error(err))
		}
		logging.L.Debug("pre-rendered images", zap.Int("count", n))
	}

	logging.L.Info("screenshot build completed",
		zap.String("buildId", local.BuildID),
		zap.Int("master", len(master.Screenshots)),
		zap.Int("local", len(local.Screenshots)),
	)
	return builds, nil
}

// Index reads the current master and local builds.
func (c *Connector) Index(ctx context.Context) (*screenshot.Index, error) {
	master, err := c.ReadBuild(ctx, screenshot.Master)
	if err != nil {
		return nil, err
	}
	local, err := c.ReadBuild(ctx, screenshot.Local)
	if err != nil {
		return nil, err
	}
	if len(local.Screenshots) == 0 {
		local = nil
	}
	return &screenshot.Index{MasterBuild: master, LocalBuild: local}, nil
}

// PromoteSnapshot makes the local record id the master record for its test
// case. An id that only exists in master is already promoted.
func (c *Connector) PromoteSnapshot(ctx context.Context, id string) (*screenshot.Index, error) {
	ix, err := c.Index(ctx)
	if err != nil {
		return nil, err
	}

	rec := ix.LocalBuild.Find(id)
	if rec == nil {
		if ix.MasterBuild.Find(id) != nil {
			return ix, nil
		}
		return nil, fmt.Errorf("%w: %s", screenshot.ErrNotFound, id)
	}

	if err := c.WriteRecord(ctx, screenshot.Master, rec); err != nil {
		return nil, err
	}
	master, err := c.ReadBuild(ctx, screenshot.Master)
	if err != nil {
		return nil, err
	}
	if err := writeManifest(c.layout.MasterDir, master); err != nil {
		return nil, fmt.Errorf("write master manifest: %w", err)
	}

	logging.L.Info("snapshot promoted to master", zap.String("id", id), zap.String("image", rec.Image))
	ix.MasterBuild = master
	return ix, nil
}

// DeleteSnapshot drops the local record id. The accepted master record of
// a test case cannot be deleted this way.
func (c *Connector) DeleteSnapshot(ctx context.Context, id string) (*screenshot.Index, error) {
	name, err := recordFileName(id)
	if err != nil {
		return nil, err
	}
	ix, err := c.Index(ctx)
	if err != nil {
		return nil, err
	}

	if ix.LocalBuild.Find(id) == nil {
		if ix.MasterBuild.Find(id) != nil {
			return nil, fmt.Errorf("%w: %s", screenshot.ErrMasterSnapshot, id)
		}
		return nil, fmt.Errorf("%w: %s", screenshot.ErrNotFound, id)
	}

	if err := os.Remove(filepath.Join(c.layout.LocalDir, name)); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("remove local record %s: %w", id, err)
	}

	manifest, err := readManifest(c.layout.LocalDir)
	switch {
	case err == nil:
		kept := manifest.Screenshots[:0]
		for _, r := range manifest.Screenshots {
			if r.ID != id {
				kept = append(kept, r)
			}
		}
		manifest.Screenshots = kept
		if err := writeManifest(c.layout.LocalDir, manifest); err != nil {
			return nil, fmt.Errorf("write local manifest: %w", err)
		}
	case !os.IsNotExist(err):
		return nil, err
	}

	logging.L.Info("local snapshot deleted", zap.String("id", id))
	return c.Index(ctx)
}

// DeleteMasterSnapshot removes id from the accepted baseline so the next
// run records it afresh.
func (c *Connector) DeleteMasterSnapshot(ctx context.Context, id string) error {
	name, err := recordFileName(id)
	if err != nil {
		return err
	}
	if err := os.Remove(filepath.Join(c.layout.MasterDir, name)); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: master %s", screenshot.ErrNotFound, id)
		}
		return fmt.Errorf("remove master record %s: %w", id, err)
	}
	master, err := c.ReadBuild(ctx, screenshot.Master)
	if err != nil {
		return err
	}
	if err := writeManifest(c.layout.MasterDir, master); err != nil {
		return fmt.Errorf("write master manifest: %w", err)
	}
	logging.L.Info("master snapshot deleted", zap.String("id", id))
	return nil
}
