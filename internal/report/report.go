package report

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/maxischmaxi/qshot/internal/logging"
	"github.com/maxischmaxi/qshot/internal/screenshot"
	"github.com/maxischmaxi/qshot/internal/tools"
	"go.uber.org/zap"
)

// DefaultMismatchedRatio is the ratio ceiling used when an expectation
// names no limit.
const DefaultMismatchedRatio = 0.01

const (
	StatusPass  = "pass"
	StatusFail  = "fail"
	StatusNew   = "new"
	StatusError = "error"
)

var ErrInvalidExpectation = errors.New("report: invalid expectation")

// Expectation caps how far a comparison may drift from master. With both
// fields nil the ratio ceiling defaults to DefaultMismatchedRatio.
type Expectation struct {
	MismatchedPixels *int     `yaml:"pixels,omitempty" json:"mismatchedPixels,omitempty"`
	MismatchedRatio  *float64 `yaml:"ratio,omitempty" json:"mismatchedRatio,omitempty"`
}

func (e Expectation) Validate() error {
	if e.MismatchedPixels != nil && *e.MismatchedPixels < 0 {
		return fmt.Errorf("%w: mismatched pixels must not be negative, got %d", ErrInvalidExpectation, *e.MismatchedPixels)
	}
	if r := e.MismatchedRatio; r != nil && (math.IsNaN(*r) || *r < 0 || *r > 1) {
		return fmt.Errorf("%w: mismatched ratio must be between 0 and 1, got %v", ErrInvalidExpectation, *r)
	}
	return nil
}

// Merge returns e with unset fields taken from def.
func (e Expectation) Merge(def Expectation) Expectation {
	if e.MismatchedPixels == nil && e.MismatchedRatio == nil {
		return def
	}
	return e
}

type Verdict struct {
	Pass    bool
	Message string
}

// Evaluate checks cmp against exp. Every limit that is set must hold.
func Evaluate(cmp *screenshot.Comparison, exp Expectation) (Verdict, error) {
	if cmp == nil {
		return Verdict{}, fmt.Errorf("%w: no comparison to evaluate", ErrInvalidExpectation)
	}
	if err := exp.Validate(); err != nil {
		return Verdict{}, err
	}

	ratio := DefaultMismatchedRatio
	if exp.MismatchedRatio != nil {
		ratio = *exp.MismatchedRatio
	}
	checkRatio := exp.MismatchedRatio != nil || exp.MismatchedPixels == nil

	pass := true
	var allowed string
	if exp.MismatchedPixels != nil {
		pass = cmp.MismatchedPixels <= *exp.MismatchedPixels
		allowed = humanize.Comma(int64(*exp.MismatchedPixels)) + " pixels"
	}
	if checkRatio {
		pass = pass && cmp.MismatchedRatio <= ratio
		if allowed != "" {
			allowed += " and "
		}
		allowed += formatPercent(ratio)
	}

	msg := fmt.Sprintf("screenshot %q has %s mismatched pixels (%s), allowed %s",
		cmp.Desc, humanize.Comma(int64(cmp.MismatchedPixels)), formatPercent(cmp.MismatchedRatio), allowed)
	if cmp.CompareURL != "" {
		msg += ": " + cmp.CompareURL
	}
	return Verdict{Pass: pass, Message: msg}, nil
}

func formatPercent(r float64) string {
	return strconv.FormatFloat(r*100, 'f', -1, 64) + "%"
}

type CaseResult struct {
	Name   string `json:"name"`
	URL    string `json:"url"`
	Device string `json:"device,omitempty"`
	Status string `json:"status"` // pass | fail | new | error
	Error  string `json:"error,omitempty"`

	Message    string                 `json:"message,omitempty"`
	Comparison *screenshot.Comparison `json:"comparison,omitempty"`
}

type Report struct {
	GeneratedAt string       `json:"generatedAt"`
	BuildID     string       `json:"buildId"`
	Total       int          `json:"total"`
	Passed      int          `json:"passed"`
	Failed      int          `json:"failed"`
	New         int          `json:"new"`
	Errored     int          `json:"errored"`
	ComparePage string       `json:"comparePage,omitempty"`
	Cases       []CaseResult `json:"cases"`
}

func New(buildID string, cases []CaseResult, now time.Time) Report {
	return Report{
		GeneratedAt: now.Format(time.RFC3339),
		BuildID:     buildID,
		Total:       len(cases),
		Passed:      CountStatus(cases, StatusPass),
		Failed:      CountStatus(cases, StatusFail),
		New:         CountStatus(cases, StatusNew),
		Errored:     CountStatus(cases, StatusError),
		Cases:       cases,
	}
}

func CountStatus(cases []CaseResult, status string) int {
	n := 0
	for _, c := range cases {
		if c.Status == status {
			n++
		}
	}
	return n
}

// OK reports whether nothing failed or errored.
func (r Report) OK() bool {
	return r.Failed == 0 && r.Errored == 0
}

func (r Report) Summary() string {
	return fmt.Sprintf("%s screenshots: %d passed, %d failed, %d new, %d errored",
		humanize.Comma(int64(r.Total)), r.Passed, r.Failed, r.New, r.Errored)
}

// Table renders the cases that need attention, or every case when all is
// set, as a text table with the summary in the footer.
func (r Report) Table(all bool) string {
	tbl := table.NewWriter()
	tbl.SetStyle(table.StyleLight)
	tbl.AppendHeader(table.Row{"Status", "Name", "Device", "Mismatch", "Details"})

	for _, c := range r.Cases {
		if !all && c.Status == StatusPass {
			continue
		}
		mismatch := ""
		if cmp := c.Comparison; cmp != nil && !cmp.IsNew {
			mismatch = fmt.Sprintf("%s px (%s)", humanize.Comma(int64(cmp.MismatchedPixels)), formatPercent(cmp.MismatchedRatio))
		}
		details := c.Error
		if details == "" && c.Comparison != nil {
			details = c.Comparison.CompareURL
		}
		tbl.AppendRow(table.Row{c.Status, c.Name, c.Device, mismatch, details})
	}

	tbl.AppendFooter(table.Row{"", r.Summary()})
	return tbl.Render()
}

func Write(path string, r Report) error {
	b, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	if err := tools.WriteFileAtomic(filepath.Dir(path), filepath.Base(path), b); err != nil {
		logging.L.Error("failed to write report", zap.String("path", path), zap.Error(err))
		return err
	}
	logging.L.Debug("report written", zap.String("path", path), zap.String("size", humanize.Bytes(uint64(len(b)))))
	return nil
}
