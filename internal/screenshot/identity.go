package screenshot

import (
	"crypto/md5"
	"encoding/hex"
	"hash"
	"io"
	"strconv"
)

const idLength = 8

// ComputeID derives the stable snapshot id of a test case. The inputs are
// hashed in a fixed order; MediaType only contributes when set, and
// IsLandscape and Device never do.
func ComputeID(desc string, p EmulationProfile) string {
	h := md5.New()

	write(h, desc)
	write(h, strconv.Itoa(p.Width))
	write(h, strconv.Itoa(p.Height))
	write(h, formatFloat(p.Scale()))
	write(h, p.UserAgent)
	write(h, strconv.FormatBool(p.HasTouch))
	write(h, strconv.FormatBool(p.IsMobile))

	if p.MediaType != "" {
		write(h, p.MediaType)
	}

	return hex.EncodeToString(h.Sum(nil))[:idLength]
}

func write(h hash.Hash, s string) {
	_, _ = io.WriteString(h, s)
}

// formatFloat renders f in its shortest form: 2 -> "2", 1.5 -> "1.5".
func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
