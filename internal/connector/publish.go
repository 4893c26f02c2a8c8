package connector

import (
	"bytes"
	"context"
	"embed"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"image/png"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/maxischmaxi/qshot/internal/logging"
	"github.com/maxischmaxi/qshot/internal/screenshot"
	"github.com/maxischmaxi/qshot/internal/tools"
	"github.com/nfnt/resize"
	"go.uber.org/zap"
)

// Longest edge of a pre-rendered thumbnail.
const thumbnailSize = 480

//go:embed templates/compare.html.tmpl
var templatesFS embed.FS

var compareTmpl = template.Must(template.ParseFS(templatesFS, "templates/compare.html.tmpl"))

type pageRow struct {
	ID          string
	Desc        string
	Device      string
	Width       int
	Height      int
	Scale       string
	MasterImage string
	LocalImage  string
	Status      string
}

type pageData struct {
	Title        string
	LocalBuildID string
	Message      string
	Data         template.JS
	Assets       []string
	Rows         []pageRow
}

// assetName is the cache file holding the inline block for image.
func assetName(image string) string {
	return strings.TrimSuffix(image, filepath.Ext(image)) + ".js"
}

// prerender writes one inline thumbnail block per referenced image into the
// cache dir. Existing blocks are kept. Failures are collected, not fatal.
func (c *Connector) prerender(ctx context.Context, builds *Builds) (int, error) {
	seen := make(map[string]bool)
	var (
		written int
		errs    error
	)
	for _, b := range []*screenshot.Build{builds.Master, builds.Local} {
		if b == nil {
			continue
		}
		for _, rec := range b.Screenshots {
			if seen[rec.Image] {
				continue
			}
			seen[rec.Image] = true
			if err := ctx.Err(); err != nil {
				return written, errors.Join(errs, err)
			}

			name := assetName(rec.Image)
			if tools.FileExists(filepath.Join(c.layout.CacheDir, name)) {
				continue
			}
			block, err := c.renderAsset(ctx, rec.Image)
			if err == nil {
				err = tools.WriteFileAtomic(c.layout.CacheDir, name, block)
			}
			if err != nil {
				errs = errors.Join(errs, fmt.Errorf("%s: %w", rec.Image, err))
				continue
			}
			written++
		}
	}
	return written, errs
}

func (c *Connector) renderAsset(ctx context.Context, image string) ([]byte, error) {
	rc, err := c.images.Open(ctx, image)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	img, err := png.Decode(rc)
	if err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	thumb := resize.Thumbnail(thumbnailSize, thumbnailSize, img, resize.Bilinear)

	var buf bytes.Buffer
	if err := png.Encode(&buf, thumb); err != nil {
		return nil, fmt.Errorf("encode thumbnail: %w", err)
	}

	key, err := json.Marshal(image)
	if err != nil {
		return nil, err
	}
	uri, err := json.Marshal("data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes()))
	if err != nil {
		return nil, err
	}

	var out bytes.Buffer
	out.WriteString("window.qshotImages = window.qshotImages || {};\n")
	fmt.Fprintf(&out, "window.qshotImages[%s] = %s;\n", key, uri)
	return out.Bytes(), nil
}

func relSlash(base, target string) string {
	rel, err := filepath.Rel(base, target)
	if err != nil {
		return filepath.ToSlash(target)
	}
	return filepath.ToSlash(rel)
}

func pageRows(idx *screenshot.Index, imagesRel string) []pageRow {
	imageURL := func(name string) string {
		if name == "" {
			return ""
		}
		return imagesRel + "/" + name
	}

	var (
		rows []pageRow
		done = make(map[string]bool)
	)
	add := func(rec *screenshot.Record, master, local *screenshot.Record) {
		row := pageRow{
			ID:     rec.ID,
			Desc:   rec.Desc,
			Device: rec.Device,
			Width:  rec.Width,
			Height: rec.Height,
			Scale:  strconv.FormatFloat(rec.DeviceScaleFactor, 'f', -1, 64),
		}
		if row.Device == "" {
			row.Device = rec.UserAgent
		}
		if master != nil {
			row.MasterImage = imageURL(master.Image)
		}
		if local != nil {
			row.LocalImage = imageURL(local.Image)
		}
		switch {
		case master == nil:
			row.Status = "new"
		case local != nil && local.Image != master.Image:
			row.Status = "changed"
		default:
			row.Status = "same"
		}
		rows = append(rows, row)
		done[rec.ID] = true
	}

	if idx.LocalBuild != nil {
		for _, rec := range idx.LocalBuild.Screenshots {
			add(rec, idx.MasterBuild.Find(rec.ID), rec)
		}
	}
	if idx.MasterBuild != nil {
		for _, rec := range idx.MasterBuild.Screenshots {
			if !done[rec.ID] {
				add(rec, rec, nil)
			}
		}
	}
	return rows
}

// PublishBuild renders the static comparison page for idx and returns its
// path. Image links are relative so the screenshot directory can be moved
// or archived as a whole.
func (c *Connector) PublishBuild(ctx context.Context, idx *screenshot.Index) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if idx == nil || idx.MasterBuild == nil {
		return "", errors.New("publish: master build is required")
	}

	data, err := json.Marshal(idx)
	if err != nil {
		return "", fmt.Errorf("encode index: %w", err)
	}

	pageDir := filepath.Dir(c.layout.ComparePage)
	pd := pageData{
		Title: "Screenshot comparison",
		Data:  template.JS(data),
		Rows:  pageRows(idx, relSlash(pageDir, c.layout.ImagesDir)),
	}
	if idx.LocalBuild != nil {
		pd.LocalBuildID = idx.LocalBuild.BuildID
		pd.Message = idx.LocalBuild.Message
	} else {
		pd.LocalBuildID = c.opts.BuildID
	}

	cacheRel := relSlash(pageDir, c.layout.CacheDir)
	seen := make(map[string]bool)
	for _, r := range pd.Rows {
		for _, img := range []string{r.MasterImage, r.LocalImage} {
			if img == "" {
				continue
			}
			name := assetName(filepath.Base(img))
			if seen[name] || !tools.FileExists(filepath.Join(c.layout.CacheDir, name)) {
				continue
			}
			seen[name] = true
			pd.Assets = append(pd.Assets, cacheRel+"/"+name)
		}
	}

	var buf bytes.Buffer
	if err := compareTmpl.Execute(&buf, pd); err != nil {
		logging.L.Error("failed to render compare page", zap.Error(err))
		return "", fmt.Errorf("render compare page: %w", err)
	}
	if err := tools.WriteFileAtomic(pageDir, filepath.Base(c.layout.ComparePage), buf.Bytes()); err != nil {
		logging.L.Error("failed to write compare page", zap.String("path", c.layout.ComparePage), zap.Error(err))
		return "", fmt.Errorf("write compare page: %w", err)
	}

	logging.L.Info("compare page published",
		zap.String("path", c.layout.ComparePage),
		zap.Int("screenshots", len(pd.Rows)),
		zap.Int("assets", len(pd.Assets)),
	)
	return c.layout.ComparePage, nil
}
