// Package screenshot holds the data model shared by the capture, compare,
// connector and server packages: emulation profiles, snapshot records,
// builds and comparison results.
package screenshot

import (
	"context"
	"errors"
	"math"
	"time"
)

// MasterBuildID is the reserved build id of the accepted baseline.
const MasterBuildID = "master"

// DefaultThreshold is the per-pixel color distance above which a pixel
// counts as mismatched.
const DefaultThreshold = 0.1

var (
	ErrNotFound = errors.New("screenshot: snapshot not found")
	// ErrMasterSnapshot is returned when a mutation would remove the
	// accepted baseline of a test case.
	ErrMasterSnapshot = errors.New("screenshot: snapshot is the current master")
	ErrInvalidID      = errors.New("screenshot: invalid snapshot id")
)

// EmulationProfile describes the viewport a screenshot was captured under.
type EmulationProfile struct {
	Device            string  `yaml:"device" json:"device,omitempty"`
	Width             int     `yaml:"width" json:"width"`
	Height            int     `yaml:"height" json:"height"`
	DeviceScaleFactor float64 `yaml:"deviceScaleFactor" json:"deviceScaleFactor"`
	UserAgent         string  `yaml:"userAgent" json:"userAgent,omitempty"`
	HasTouch          bool    `yaml:"hasTouch" json:"hasTouch"`
	IsMobile          bool    `yaml:"isMobile" json:"isMobile"`
	IsLandscape       bool    `yaml:"isLandscape" json:"isLandscape"`
	MediaType         string  `yaml:"mediaType,omitempty" json:"mediaType,omitempty"`
}

// Scale returns the device scale factor, treating an unset value as 1.
func (p EmulationProfile) Scale() float64 {
	if p.DeviceScaleFactor <= 0 {
		return 1
	}
	return p.DeviceScaleFactor
}

// PhysicalSize is the pixel size of a capture under this profile.
func (p EmulationProfile) PhysicalSize() (int, int) {
	s := p.Scale()
	return int(math.Round(float64(p.Width) * s)), int(math.Round(float64(p.Height) * s))
}

// Record is the persisted metadata of one captured screenshot.
type Record struct {
	ID                string  `json:"id"`
	Desc              string  `json:"desc"`
	Image             string  `json:"image"`
	Device            string  `json:"device,omitempty"`
	UserAgent         string  `json:"userAgent,omitempty"`
	Width             int     `json:"width"`
	Height            int     `json:"height"`
	DeviceScaleFactor float64 `json:"deviceScaleFactor"`
	HasTouch          bool    `json:"hasTouch"`
	IsMobile          bool    `json:"isMobile"`
	IsLandscape       bool    `json:"isLandscape"`
	MediaType         string  `json:"mediaType,omitempty"`
	PhysicalWidth     int     `json:"physicalWidth"`
	PhysicalHeight    int     `json:"physicalHeight"`
}

// NewRecord builds the record for an image stored under imageName.
func NewRecord(desc string, p EmulationProfile, imageName string) *Record {
	pw, ph := p.PhysicalSize()
	return &Record{
		ID:                ComputeID(desc, p),
		Desc:              desc,
		Image:             imageName,
		Device:            p.Device,
		UserAgent:         p.UserAgent,
		Width:             p.Width,
		Height:            p.Height,
		DeviceScaleFactor: p.Scale(),
		HasTouch:          p.HasTouch,
		IsMobile:          p.IsMobile,
		IsLandscape:       p.IsLandscape,
		MediaType:         p.MediaType,
		PhysicalWidth:     pw,
		PhysicalHeight:    ph,
	}
}

// Profile recovers the emulation profile the record was captured under.
func (r *Record) Profile() EmulationProfile {
	return EmulationProfile{
		Device:            r.Device,
		Width:             r.Width,
		Height:            r.Height,
		DeviceScaleFactor: r.DeviceScaleFactor,
		UserAgent:         r.UserAgent,
		HasTouch:          r.HasTouch,
		IsMobile:          r.IsMobile,
		IsLandscape:       r.IsLandscape,
		MediaType:         r.MediaType,
	}
}

// Build is an ordered set of records, either the master baseline or one
// local run.
type Build struct {
	BuildID     string    `json:"buildId"`
	Message     string    `json:"message,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
	Screenshots []*Record `json:"screenshots"`
}

// Find returns the record with the given id, or nil.
func (b *Build) Find(id string) *Record {
	if b == nil {
		return nil
	}
	for _, r := range b.Screenshots {
		if r.ID == id {
			return r
		}
	}
	return nil
}

// Index is the pair of builds the comparison viewer works on.
type Index struct {
	MasterBuild *Build `json:"masterBuild"`
	LocalBuild  *Build `json:"localBuild,omitempty"`
}

// Find looks id up in the local build first, then in master.
func (ix *Index) Find(id string) *Record {
	if r := ix.LocalBuild.Find(id); r != nil {
		return r
	}
	return ix.MasterBuild.Find(id)
}

// Comparison is the outcome of comparing one capture against its master.
type Comparison struct {
	ID                 string  `json:"id"`
	Desc               string  `json:"desc"`
	ExpectedImage      string  `json:"expectedImage,omitempty"`
	ReceivedImage      string  `json:"receivedImage"`
	MismatchedPixels   int     `json:"mismatchedPixels"`
	MismatchedRatio    float64 `json:"mismatchedRatio"`
	PerceptualDistance int     `json:"perceptualDistance"`
	Width              int     `json:"width"`
	Height             int     `json:"height"`
	DeviceScaleFactor  float64 `json:"deviceScaleFactor"`
	PhysicalWidth      int     `json:"physicalWidth"`
	PhysicalHeight     int     `json:"physicalHeight"`
	Device             string  `json:"device,omitempty"`
	UserAgent          string  `json:"userAgent,omitempty"`
	HasTouch           bool    `json:"hasTouch"`
	IsMobile           bool    `json:"isMobile"`
	IsLandscape        bool    `json:"isLandscape"`
	MediaType          string  `json:"mediaType,omitempty"`
	IsNew              bool    `json:"isNew"`
	CompareURL         string  `json:"compareUrl,omitempty"`
}

// NewComparison starts a zero-mismatch comparison for rec.
func NewComparison(rec *Record) *Comparison {
	return &Comparison{
		ID:                rec.ID,
		Desc:              rec.Desc,
		ReceivedImage:     rec.Image,
		Width:             rec.Width,
		Height:            rec.Height,
		DeviceScaleFactor: rec.DeviceScaleFactor,
		PhysicalWidth:     rec.PhysicalWidth,
		PhysicalHeight:    rec.PhysicalHeight,
		Device:            rec.Device,
		UserAgent:         rec.UserAgent,
		HasTouch:          rec.HasTouch,
		IsMobile:          rec.IsMobile,
		IsLandscape:       rec.IsLandscape,
		MediaType:         rec.MediaType,
	}
}

// BuildKind selects the master or local side of a run.
type BuildKind int

const (
	Master BuildKind = iota
	Local
)

func (k BuildKind) String() string {
	if k == Master {
		return "master"
	}
	return "local"
}

// BuildContext is everything a capturing worker needs to know about the
// run it belongs to. It is plain data so a harness can hand it to workers
// in other processes as JSON.
type BuildContext struct {
	BuildID            string   `json:"buildId"`
	Message            string   `json:"message,omitempty"`
	UpdateMaster       bool     `json:"updateMaster"`
	CompareURLTemplate string   `json:"compareUrlTemplate,omitempty"`
	Threshold          *float64 `json:"threshold,omitempty"`
	// FullPage captures extend past the viewport; their record size is read
	// from the PNG instead of the emulation profile.
	FullPage bool `json:"fullPage,omitempty"`
}

// SnapshotStore persists records of a build. Implementations must be safe
// for concurrent use by independent snapshot ids.
type SnapshotStore interface {
	WriteRecord(ctx context.Context, kind BuildKind, rec *Record) error
	// ReadRecord returns ErrNotFound when no record with id exists.
	ReadRecord(ctx context.Context, kind BuildKind, id string) (*Record, error)
}
