package pixeldiff

import "bytes"

// maxYIQDelta is the largest possible value of colorDelta.
const maxYIQDelta = 35215

// countMismatched compares two RGBA buffers of w*h pixels and returns how
// many pixels differ by more than threshold (0..1). Pixels that look like
// anti-aliasing in either image are not counted.
func countMismatched(img1, img2 []uint8, w, h int, threshold float64) int {
	if bytes.Equal(img1, img2) {
		return 0
	}

	maxDelta := maxYIQDelta * threshold * threshold
	diff := 0

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			pos := (y*w + x) * 4
			delta := colorDelta(img1, img2, pos, pos, false)
			if delta <= maxDelta {
				continue
			}
			if antialiased(img1, x, y, w, h, img2) || antialiased(img2, x, y, w, h, img1) {
				continue
			}
			diff++
		}
	}
	return diff
}

// antialiased reports whether the pixel at (x1, y1) of img sits on a
// contrast edge whose darkest or brightest neighbour is part of a flat area
// in both images.
func antialiased(img []uint8, x1, y1, w, h int, img2 []uint8) bool {
	x0 := max(x1-1, 0)
	y0 := max(y1-1, 0)
	x2 := min(x1+1, w-1)
	y2 := min(y1+1, h-1)
	pos := (y1*w + x1) * 4

	zeroes := 0
	if x1 == x0 || x1 == x2 || y1 == y0 || y1 == y2 {
		zeroes = 1
	}

	var minDelta, maxDelta float64
	var minX, minY, maxX, maxY int

	for x := x0; x <= x2; x++ {
		for y := y0; y <= y2; y++ {
			if x == x1 && y == y1 {
				continue
			}
			delta := colorDelta(img, img, pos, (y*w+x)*4, true)
			switch {
			case delta == 0:
				zeroes++
				if zeroes > 2 {
					return false
				}
			case delta < minDelta:
				minDelta, minX, minY = delta, x, y
			case delta > maxDelta:
				maxDelta, maxX, maxY = delta, x, y
			}
		}
	}

	if minDelta == 0 || maxDelta == 0 {
		return false
	}

	return (hasManySiblings(img, minX, minY, w, h) && hasManySiblings(img2, minX, minY, w, h)) ||
		(hasManySiblings(img, maxX, maxY, w, h) && hasManySiblings(img2, maxX, maxY, w, h))
}

// hasManySiblings reports whether at least three neighbours of (x1, y1)
// share its exact color. Image borders count as one.
func hasManySiblings(img []uint8, x1, y1, w, h int) bool {
	x0 := max(x1-1, 0)
	y0 := max(y1-1, 0)
	x2 := min(x1+1, w-1)
	y2 := min(y1+1, h-1)
	pos := (y1*w + x1) * 4

	zeroes := 0
	if x1 == x0 || x1 == x2 || y1 == y0 || y1 == y2 {
		zeroes = 1
	}

	for x := x0; x <= x2; x++ {
		for y := y0; y <= y2; y++ {
			if x == x1 && y == y1 {
				continue
			}
			pos2 := (y*w + x) * 4
			if img[pos] == img[pos2] &&
				img[pos+1] == img[pos2+1] &&
				img[pos+2] == img[pos2+2] &&
				img[pos+3] == img[pos2+3] {
				zeroes++
			}
			if zeroes > 2 {
				return true
			}
		}
	}
	return false
}

// colorDelta is the perceived difference between two pixels in YIQ space,
// after blending translucent pixels onto white. With yOnly it returns the
// signed brightness difference.
func colorDelta(img1, img2 []uint8, k, m int, yOnly bool) float64 {
	r1, g1, b1, a1 := float64(img1[k]), float64(img1[k+1]), float64(img1[k+2]), float64(img1[k+3])
	r2, g2, b2, a2 := float64(img2[m]), float64(img2[m+1]), float64(img2[m+2]), float64(img2[m+3])

	if a1 < 255 {
		a1 /= 255
		r1, g1, b1 = blend(r1, a1), blend(g1, a1), blend(b1, a1)
	}
	if a2 < 255 {
		a2 /= 255
		r2, g2, b2 = blend(r2, a2), blend(g2, a2), blend(b2, a2)
	}

	y := rgb2y(r1, g1, b1) - rgb2y(r2, g2, b2)
	if yOnly {
		return y
	}

	i := rgb2i(r1, g1, b1) - rgb2i(r2, g2, b2)
	q := rgb2q(r1, g1, b1) - rgb2q(r2, g2, b2)

	return 0.5053*y*y + 0.299*i*i + 0.1957*q*q
}

func rgb2y(r, g, b float64) float64 { return r*0.29889531 + g*0.58662247 + b*0.11448223 }
func rgb2i(r, g, b float64) float64 { return r*0.59597799 - g*0.27417610 - b*0.32180189 }
func rgb2q(r, g, b float64) float64 { return r*0.21147017 - g*0.52261711 + b*0.31114694 }

func blend(c, a float64) float64 { return 255 + (c-255)*a }
