// Package compare decides, per captured screenshot, whether it becomes the
// new master, is identical to master, or has to be diffed against it.
package compare

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	stdimage "image"
	_ "image/png"
	"math"
	"net/url"
	"strconv"
	"strings"

	"github.com/maxischmaxi/qshot/internal/imagestore"
	"github.com/maxischmaxi/qshot/internal/logging"
	"github.com/maxischmaxi/qshot/internal/metrics"
	"github.com/maxischmaxi/qshot/internal/pixeldiff"
	"github.com/maxischmaxi/qshot/internal/screenshot"
	"go.uber.org/zap"
)

var (
	ErrInvalidThreshold = errors.New("compare: threshold must be between 0 and 1")
	ErrInvalidProfile   = errors.New("compare: emulation profile needs a positive width and height")
)

// Differ counts mismatched pixels between two stored images.
type Differ interface {
	Diff(ctx context.Context, expected, received string, width, height int, threshold float64) (pixeldiff.Result, error)
}

type Orchestrator struct {
	images  imagestore.Store
	records screenshot.SnapshotStore
	differ  Differ
}

func New(images imagestore.Store, records screenshot.SnapshotStore, differ Differ) *Orchestrator {
	return &Orchestrator{images: images, records: records, differ: differ}
}

// ResolveThreshold picks the explicit threshold, then the run's, then the
// default. Whatever is picked must lie in [0,1].
func ResolveThreshold(explicit *float64, bc screenshot.BuildContext) (float64, error) {
	t := screenshot.DefaultThreshold
	switch {
	case explicit != nil:
		t = *explicit
	case bc.Threshold != nil:
		t = *bc.Threshold
	}
	if math.IsNaN(t) || t < 0 || t > 1 {
		return 0, fmt.Errorf("%w, got %v", ErrInvalidThreshold, t)
	}
	return t, nil
}

// Compare stores png, records it and compares it with the master capture
// of the same test case.
func (o *Orchestrator) Compare(
	ctx context.Context,
	bc screenshot.BuildContext,
	profile screenshot.EmulationProfile,
	png []byte,
	desc string,
	threshold *float64,
) (*screenshot.Comparison, error) {
	t, err := ResolveThreshold(threshold, bc)
	if err != nil {
		logging.L.Error("invalid threshold", zap.String("desc", desc), zap.Error(err))
		return nil, err
	}
	if profile.Width <= 0 || profile.Height <= 0 {
		return nil, fmt.Errorf("%w, got %dx%d", ErrInvalidProfile, profile.Width, profile.Height)
	}

	var size stdimage.Config
	if bc.FullPage {
		if size, _, err = stdimage.DecodeConfig(bytes.NewReader(png)); err != nil {
			logging.L.Error("failed to read full page screenshot size", zap.String("desc", desc), zap.Error(err))
			return nil, fmt.Errorf("read size of %q: %w", desc, err)
		}
	}

	image, err := o.images.Put(ctx, png)
	if err != nil {
		logging.L.Error("failed to store screenshot", zap.String("desc", desc), zap.Error(err))
		return nil, fmt.Errorf("store screenshot %q: %w", desc, err)
	}

	rec := screenshot.NewRecord(desc, profile, image)
	if bc.FullPage {
		rec.PhysicalWidth, rec.PhysicalHeight = size.Width, size.Height
	}
	cmp := screenshot.NewComparison(rec)
	log := logging.L.With(zap.String("id", rec.ID), zap.String("desc", desc))

	if bc.UpdateMaster {
		if err := o.records.WriteRecord(ctx, screenshot.Master, rec); err != nil {
			return nil, err
		}
		metrics.Comparisons.WithLabelValues(metrics.OutcomeMaster).Inc()
		log.Debug("screenshot written as master", zap.String("image", image))
		return cmp, nil
	}

	master, err := o.records.ReadRecord(ctx, screenshot.Master, rec.ID)
	switch {
	case errors.Is(err, screenshot.ErrNotFound):
		if err := o.records.WriteRecord(ctx, screenshot.Master, rec); err != nil {
			return nil, err
		}
		if err := o.records.WriteRecord(ctx, screenshot.Local, rec); err != nil {
			return nil, err
		}
		cmp.IsNew = true
		metrics.Comparisons.WithLabelValues(metrics.OutcomeNew).Inc()
		log.Info("new screenshot, recorded as master", zap.String("image", image))
		return cmp, nil
	case err != nil:
		log.Error("failed to read master record", zap.Error(err))
		return nil, fmt.Errorf("read master %s: %w", rec.ID, err)
	}

	cmp.ExpectedImage = master.Image

	if cmp.ExpectedImage == cmp.ReceivedImage {
		if err := o.records.WriteRecord(ctx, screenshot.Local, rec); err != nil {
			return nil, err
		}
		metrics.Comparisons.WithLabelValues(metrics.OutcomeIdentical).Inc()
		log.Debug("screenshot identical to master", zap.String("image", image))
		return cmp, nil
	}

	res, err := o.differ.Diff(ctx, cmp.ExpectedImage, cmp.ReceivedImage, rec.PhysicalWidth, rec.PhysicalHeight, t)
	if err != nil {
		log.Error("failed to diff screenshot", zap.String("expected", cmp.ExpectedImage), zap.String("received", cmp.ReceivedImage), zap.Error(err))
		return nil, fmt.Errorf("diff %s: %w", rec.ID, err)
	}

	cmp.MismatchedPixels = res.MismatchedPixels
	cmp.PerceptualDistance = res.PerceptualDistance
	area := res.ComparedPixels
	if area <= 0 {
		area = rec.PhysicalWidth * rec.PhysicalHeight
	}
	if area > 0 {
		cmp.MismatchedRatio = float64(res.MismatchedPixels) / float64(area)
	}
	cmp.CompareURL = CompareURL(bc.CompareURLTemplate, bc.BuildID, cmp)

	if err := o.records.WriteRecord(ctx, screenshot.Local, rec); err != nil {
		return nil, err
	}

	metrics.Comparisons.WithLabelValues(metrics.OutcomeDiff).Inc()
	log.Info("screenshot compared",
		zap.String("expected", cmp.ExpectedImage),
		zap.String("received", cmp.ReceivedImage),
		zap.Int("mismatchedPixels", cmp.MismatchedPixels),
		zap.Float64("mismatchedRatio", cmp.MismatchedRatio),
		zap.Float64("threshold", t),
	)
	return cmp, nil
}

// CompareURL fills the {expectedImage}, {receivedImage}, {id}, {buildId}
// and {mismatchedPixels} placeholders of tmpl. Values are query-escaped.
func CompareURL(tmpl, buildID string, cmp *screenshot.Comparison) string {
	if tmpl == "" {
		return ""
	}
	r := strings.NewReplacer(
		"{expectedImage}", url.QueryEscape(cmp.ExpectedImage),
		"{receivedImage}", url.QueryEscape(cmp.ReceivedImage),
		"{id}", url.QueryEscape(cmp.ID),
		"{buildId}", url.QueryEscape(buildID),
		"{mismatchedPixels}", strconv.Itoa(cmp.MismatchedPixels),
	)
	return r.Replace(tmpl)
}
