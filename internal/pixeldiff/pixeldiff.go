// Package pixeldiff counts mismatched pixels between two stored images and
// caches the outcome on disk.
package pixeldiff

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"image"
	"image/draw"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/corona10/goimagehash"
	"github.com/maxischmaxi/qshot/internal/imagestore"
	"github.com/maxischmaxi/qshot/internal/logging"
	"github.com/maxischmaxi/qshot/internal/metrics"
	"github.com/maxischmaxi/qshot/internal/tools"
	"github.com/nfnt/resize"
	"go.uber.org/zap"
)

// pHash input width; height follows the aspect ratio.
const phashWidth = 256

type Result struct {
	MismatchedPixels int `json:"mismatchedPixels"`
	// ComparedPixels is the area covered by either image. It equals
	// width x height unless master and local differ in size.
	ComparedPixels int `json:"comparedPixels"`
	// PerceptualDistance is the hamming distance of the perceptual hashes.
	// Advisory only; pass/fail never depends on it.
	PerceptualDistance int `json:"perceptualDistance"`
}

// DecodeFunc turns PNG bytes into an image.
type DecodeFunc func(r io.Reader) (image.Image, error)

// Engine diffs images held by an image store.
type Engine struct {
	Images   imagestore.Store
	CacheDir string
	Decode   DecodeFunc
}

func New(images imagestore.Store, cacheDir string) *Engine {
	return &Engine{Images: images, CacheDir: cacheDir, Decode: png.Decode}
}

// Diff is a one-shot Engine over the image directory storeDir.
func Diff(ctx context.Context, storeDir, cacheDir, expected, received string, width, height int, threshold float64) (Result, error) {
	return New(imagestore.New(storeDir), cacheDir).Diff(ctx, expected, received, width, height, threshold)
}

// CacheKey identifies one diff computation.
func CacheKey(expected, received string, width, height int, threshold float64) string {
	h := md5.New()
	_, _ = io.WriteString(h, expected)
	_, _ = io.WriteString(h, received)
	_, _ = io.WriteString(h, strconv.Itoa(width))
	_, _ = io.WriteString(h, strconv.Itoa(height))
	_, _ = io.WriteString(h, strconv.FormatFloat(threshold, 'f', -1, 64))
	return hex.EncodeToString(h.Sum(nil))
}

func cacheFileName(key string) string {
	return "mismatch_" + key + ".json"
}

// Diff returns the number of pixels that differ between the expected and
// received images. width x height is the size recorded for the received
// capture and part of the cache key. The threshold is used as given;
// callers validate it.
func (e *Engine) Diff(ctx context.Context, expected, received string, width, height int, threshold float64) (Result, error) {
	if width <= 0 || height <= 0 {
		return Result{}, fmt.Errorf("invalid diff size %dx%d", width, height)
	}

	key := CacheKey(expected, received, width, height, threshold)
	if res, ok := e.readCache(key); ok {
		metrics.DiffCache.WithLabelValues("hit").Inc()
		logging.L.Debug("diff cache hit", zap.String("key", key), zap.Int("mismatchedPixels", res.MismatchedPixels))
		return res, nil
	}
	metrics.DiffCache.WithLabelValues("miss").Inc()

	start := time.Now()

	a, err := e.load(ctx, expected)
	if err != nil {
		return Result{}, err
	}
	b, err := e.load(ctx, received)
	if err != nil {
		return Result{}, err
	}
	if b.Rect.Dx() != width || b.Rect.Dy() != height {
		logging.L.Warn("received image size differs from record",
			zap.String("image", received),
			zap.Int("imageWidth", b.Rect.Dx()),
			zap.Int("imageHeight", b.Rect.Dy()),
			zap.Int("width", width),
			zap.Int("height", height),
		)
	}

	res := compareImages(a, b, threshold)

	res.PerceptualDistance, err = pHashDistance(a, b)
	if err != nil {
		// advisory metric, keep the pixel count
		logging.L.Warn("failed to compute pHash distance", zap.String("expected", expected), zap.String("received", received), zap.Error(err))
		res.PerceptualDistance = -1
	}

	metrics.DiffDuration.Observe(time.Since(start).Seconds())
	logging.L.Debug("pixel diff computed",
		zap.String("expected", expected),
		zap.String("received", received),
		zap.Int("width", width),
		zap.Int("height", height),
		zap.Float64("threshold", threshold),
		zap.Int("mismatchedPixels", res.MismatchedPixels),
		zap.Int("perceptualDistance", res.PerceptualDistance),
	)

	e.writeCache(key, res)
	return res, nil
}

func (e *Engine) readCache(key string) (Result, bool) {
	if e.CacheDir == "" {
		return Result{}, false
	}
	b, err := os.ReadFile(filepath.Join(e.CacheDir, cacheFileName(key)))
	if err != nil {
		return Result{}, false
	}
	var entry struct {
		MismatchedPixels   *int `json:"mismatchedPixels"`
		ComparedPixels     int  `json:"comparedPixels"`
		PerceptualDistance int  `json:"perceptualDistance"`
	}
	if err := json.Unmarshal(b, &entry); err != nil || entry.MismatchedPixels == nil {
		logging.L.Debug("ignoring unreadable diff cache entry", zap.String("key", key))
		return Result{}, false
	}
	return Result{
		MismatchedPixels:   *entry.MismatchedPixels,
		ComparedPixels:     entry.ComparedPixels,
		PerceptualDistance: entry.PerceptualDistance,
	}, true
}

// writeCache is best effort. Racing writers store identical content, and
// the rename replaces whatever got there first.
func (e *Engine) writeCache(key string, res Result) {
	if e.CacheDir == "" {
		return
	}
	b, err := json.Marshal(res)
	if err == nil {
		err = tools.WriteFileAtomic(e.CacheDir, cacheFileName(key), b)
	}
	if err != nil {
		logging.L.Warn("failed to write diff cache entry", zap.String("dir", e.CacheDir), zap.String("key", key), zap.Error(err))
	}
}

// compareImages runs pixelmatch over the area both images cover. Pixels
// that only one of them has count as mismatched; nothing is resampled.
func compareImages(a, b *image.NRGBA, threshold float64) Result {
	aw, ah := a.Rect.Dx(), a.Rect.Dy()
	bw, bh := b.Rect.Dx(), b.Rect.Dy()
	if aw == bw && ah == bh {
		return Result{
			MismatchedPixels: countMismatched(a.Pix, b.Pix, aw, ah, threshold),
			ComparedPixels:   aw * ah,
		}
	}

	ow, oh := min(aw, bw), min(ah, bh)
	overlap := ow * oh
	outside := aw*ah + bw*bh - 2*overlap
	return Result{
		MismatchedPixels: countMismatched(topLeft(a, ow, oh), topLeft(b, ow, oh), ow, oh, threshold) + outside,
		ComparedPixels:   aw*ah + bw*bh - overlap,
	}
}

// topLeft returns the pixels of the w x h region at the origin of img,
// packed row after row.
func topLeft(img *image.NRGBA, w, h int) []uint8 {
	if img.Rect.Dx() == w {
		return img.Pix[:h*img.Stride]
	}
	out := make([]uint8, 0, 4*w*h)
	for y := 0; y < h; y++ {
		row := y * img.Stride
		out = append(out, img.Pix[row:row+4*w]...)
	}
	return out
}

// load decodes a stored image into an NRGBA buffer at its own size, with
// the origin at 0,0 and no row padding.
func (e *Engine) load(ctx context.Context, name string) (*image.NRGBA, error) {
	rc, err := e.Images.Open(ctx, name)
	if err != nil {
		logging.L.Error("failed to open image for diff", zap.String("image", name), zap.Error(err))
		return nil, fmt.Errorf("open %s: %w", name, err)
	}
	defer rc.Close()

	decode := e.Decode
	if decode == nil {
		decode = png.Decode
	}
	img, err := decode(rc)
	if err != nil {
		logging.L.Error("failed to decode PNG", zap.String("image", name), zap.Error(err))
		return nil, fmt.Errorf("decode %s: %w", name, err)
	}

	bounds := img.Bounds()
	if bounds.Empty() {
		return nil, fmt.Errorf("decode %s: empty image", name)
	}
	if n, ok := img.(*image.NRGBA); ok && n.Rect.Min == (image.Point{}) && n.Stride == 4*bounds.Dx() {
		return n, nil
	}

	dst := image.NewNRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	draw.Draw(dst, dst.Bounds(), img, bounds.Min, draw.Src)
	return dst, nil
}

func pHashDistance(a, b image.Image) (int, error) {
	aSmall := resize.Resize(phashWidth, 0, a, resize.Lanczos3)
	bSmall := resize.Resize(phashWidth, 0, b, resize.Lanczos3)

	ha, err := goimagehash.PerceptionHash(aSmall)
	if err != nil {
		return 0, fmt.Errorf("pHash expected: %w", err)
	}
	hb, err := goimagehash.PerceptionHash(bSmall)
	if err != nil {
		return 0, fmt.Errorf("pHash received: %w", err)
	}
	return ha.Distance(hb)
}
