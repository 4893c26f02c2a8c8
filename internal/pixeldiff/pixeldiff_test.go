package pixeldiff

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/maxischmaxi/qshot/internal/imagestore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// encodePNG renders a white w x h image with a black block covering rect.
func encodePNG(t *testing.T, w, h int, block image.Rectangle) []byte {
	t.Helper()

	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := color.NRGBA{255, 255, 255, 255}
			if (image.Point{x, y}).In(block) {
				c = color.NRGBA{0, 0, 0, 255}
			}
			img.SetNRGBA(x, y, c)
		}
	}

	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

type fixture struct {
	engine   *Engine
	decodes  *atomic.Int32
	cacheDir string
	expected string
	received string
}

func newFixture(t *testing.T, a, b []byte) fixture {
	t.Helper()

	ctx := context.Background()
	root := t.TempDir()
	imagesDir := filepath.Join(root, "images")
	cacheDir := filepath.Join(root, "cache")
	require.NoError(t, os.Mkdir(imagesDir, 0o755))
	require.NoError(t, os.Mkdir(cacheDir, 0o755))

	store := imagestore.New(imagesDir)
	expected, err := store.Put(ctx, a)
	require.NoError(t, err)
	received, err := store.Put(ctx, b)
	require.NoError(t, err)

	var decodes atomic.Int32
	e := New(store, cacheDir)
	e.Decode = func(r io.Reader) (image.Image, error) {
		decodes.Add(1)
		return png.Decode(r)
	}

	return fixture{engine: e, decodes: &decodes, cacheDir: cacheDir, expected: expected, received: received}
}

func TestDiff_CountsChangedBlock(t *testing.T) {
	t.Parallel()

	a := encodePNG(t, 40, 30, image.Rectangle{})
	b := encodePNG(t, 40, 30, image.Rect(10, 10, 20, 20))
	f := newFixture(t, a, b)

	res, err := f.engine.Diff(context.Background(), f.expected, f.received, 40, 30, 0.1)
	require.NoError(t, err)

	assert.Equal(t, 100, res.MismatchedPixels)
	assert.Equal(t, 40*30, res.ComparedPixels)
	assert.Equal(t, int32(2), f.decodes.Load())
}

func TestDiff_CacheHitSkipsDecode(t *testing.T) {
	t.Parallel()

	a := encodePNG(t, 40, 30, image.Rectangle{})
	b := encodePNG(t, 40, 30, image.Rect(0, 0, 5, 5))
	f := newFixture(t, a, b)
	ctx := context.Background()

	first, err := f.engine.Diff(ctx, f.expected, f.received, 40, 30, 0.1)
	require.NoError(t, err)
	require.Equal(t, int32(2), f.decodes.Load())

	second, err := f.engine.Diff(ctx, f.expected, f.received, 40, 30, 0.1)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, int32(2), f.decodes.Load(), "cache hit must not decode")

	entries, err := os.ReadDir(f.cacheDir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, cacheFileName(CacheKey(f.expected, f.received, 40, 30, 0.1)), entries[0].Name())
}

func TestDiff_DifferentThresholdIsDifferentKey(t *testing.T) {
	t.Parallel()

	a := encodePNG(t, 20, 20, image.Rectangle{})
	b := encodePNG(t, 20, 20, image.Rect(5, 5, 10, 10))
	f := newFixture(t, a, b)
	ctx := context.Background()

	_, err := f.engine.Diff(ctx, f.expected, f.received, 20, 20, 0.1)
	require.NoError(t, err)
	_, err = f.engine.Diff(ctx, f.expected, f.received, 20, 20, 0.2)
	require.NoError(t, err)

	assert.Equal(t, int32(4), f.decodes.Load())
	assert.NotEqual(t, CacheKey("a", "b", 1, 1, 0.1), CacheKey("a", "b", 1, 1, 0.2))
}

func TestDiff_CorruptCacheIsMiss(t *testing.T) {
	t.Parallel()

	a := encodePNG(t, 20, 20, image.Rectangle{})
	b := encodePNG(t, 20, 20, image.Rect(2, 2, 6, 6))
	f := newFixture(t, a, b)

	key := CacheKey(f.expected, f.received, 20, 20, 0.1)
	require.NoError(t, os.WriteFile(filepath.Join(f.cacheDir, cacheFileName(key)), []byte("{not json"), 0o644))

	res, err := f.engine.Diff(context.Background(), f.expected, f.received, 20, 20, 0.1)
	require.NoError(t, err)
	assert.Equal(t, 16, res.MismatchedPixels)
	assert.Equal(t, int32(2), f.decodes.Load())
}

func TestDiff_CacheWriteFailureIsNotFatal(t *testing.T) {
	t.Parallel()

	a := encodePNG(t, 20, 20, image.Rectangle{})
	b := encodePNG(t, 20, 20, image.Rect(2, 2, 6, 6))
	f := newFixture(t, a, b)
	f.engine.CacheDir = filepath.Join(f.cacheDir, "missing")

	res, err := f.engine.Diff(context.Background(), f.expected, f.received, 20, 20, 0.1)
	require.NoError(t, err)
	assert.Equal(t, 16, res.MismatchedPixels)
}

func TestDiff_MissingImage(t *testing.T) {
	t.Parallel()

	a := encodePNG(t, 10, 10, image.Rectangle{})
	f := newFixture(t, a, a)

	missing := imagestore.NameFor([]byte("never stored"))
	_, err := f.engine.Diff(context.Background(), f.expected, missing, 10, 10, 0.1)
	assert.ErrorIs(t, err, imagestore.ErrNotFound)
}

func TestDiff_FullPageComparesEveryRow(t *testing.T) {
	t.Parallel()

	for _, rows := range []int{2, 3} {
		a := encodePNG(t, 40, 400, image.Rectangle{})
		b := encodePNG(t, 40, 400, image.Rect(0, 300, 40, 300+rows))
		f := newFixture(t, a, b)

		res, err := f.engine.Diff(context.Background(), f.expected, f.received, 40, 400, 0.1)
		require.NoError(t, err)
		assert.Equal(t, 40*rows, res.MismatchedPixels, "band of %d rows below the fold", rows)
		assert.Equal(t, 40*400, res.ComparedPixels)
	}
}

func TestDiff_SizeMismatchCountsPixelsOutsideOverlap(t *testing.T) {
	t.Parallel()

	// master was 40x300, the new full page capture grew to 40x400 and has a
	// 10x10 change inside the shared area
	a := encodePNG(t, 40, 300, image.Rectangle{})
	b := encodePNG(t, 40, 400, image.Rect(0, 0, 10, 10))
	f := newFixture(t, a, b)

	res, err := f.engine.Diff(context.Background(), f.expected, f.received, 40, 400, 0.1)
	require.NoError(t, err)
	assert.Equal(t, 100+40*100, res.MismatchedPixels)
	assert.Equal(t, 40*400, res.ComparedPixels)
}

func TestDiff_SizeMismatchInBothDirections(t *testing.T) {
	t.Parallel()

	a := encodePNG(t, 30, 20, image.Rectangle{})
	b := encodePNG(t, 20, 30, image.Rectangle{})
	f := newFixture(t, a, b)

	res, err := f.engine.Diff(context.Background(), f.expected, f.received, 20, 30, 0.1)
	require.NoError(t, err)
	// overlap is 20x20; each image has 200 pixels of its own
	assert.Equal(t, 400, res.MismatchedPixels)
	assert.Equal(t, 800, res.ComparedPixels)
}

func TestTopLeft(t *testing.T) {
	t.Parallel()

	img := image.NewNRGBA(image.Rect(0, 0, 3, 2))
	for i := range img.Pix {
		img.Pix[i] = uint8(i)
	}

	assert.Equal(t, img.Pix[:4*3], topLeft(img, 3, 1))
	assert.Equal(t, []uint8{0, 1, 2, 3, 12, 13, 14, 15}, topLeft(img, 1, 2))
}

func TestDiff_PackageFunc(t *testing.T) {
	t.Parallel()

	a := encodePNG(t, 16, 16, image.Rectangle{})
	b := encodePNG(t, 16, 16, image.Rect(4, 4, 8, 8))
	f := newFixture(t, a, b)

	store := f.engine.Images.(*imagestore.FS)
	res, err := Diff(context.Background(), store.Dir, f.cacheDir, f.expected, f.received, 16, 16, 0.1)
	require.NoError(t, err)
	assert.Equal(t, 16, res.MismatchedPixels)
}

func TestCountMismatched_IdenticalBuffers(t *testing.T) {
	t.Parallel()

	buf := make([]uint8, 4*4*4)
	assert.Equal(t, 0, countMismatched(buf, buf, 4, 4, 0))
}

func TestCountMismatched_ThresholdOneIgnoresSmallShift(t *testing.T) {
	t.Parallel()

	a := []uint8{100, 100, 100, 255}
	b := []uint8{110, 110, 110, 255}

	assert.Equal(t, 1, countMismatched(a, b, 1, 1, 0))
	assert.Equal(t, 0, countMismatched(a, b, 1, 1, 1))
}

func TestColorDelta_TransparentBlendsToWhite(t *testing.T) {
	t.Parallel()

	transparent := []uint8{0, 0, 0, 0}
	white := []uint8{255, 255, 255, 255}

	assert.InDelta(t, 0, colorDelta(transparent, white, 0, 0, false), 1e-9)
}

func TestAntialiased_SoftEdgeIsIgnored(t *testing.T) {
	t.Parallel()

	// left half black, right half white, with a grey column on the seam
	// in the second image only
	const w, h = 6, 5
	mk := func(seam uint8) []uint8 {
		buf := make([]uint8, w*h*4)
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				v := uint8(255)
				if x < 3 {
					v = 0
				}
				if x == 3 {
					v = seam
				}
				p := (y*w + x) * 4
				buf[p], buf[p+1], buf[p+2], buf[p+3] = v, v, v, 255
			}
		}
		return buf
	}

	a := mk(255)
	b := mk(128)

	assert.Equal(t, 0, countMismatched(a, b, w, h, 0.1))
}
