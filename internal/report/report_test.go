package report

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/maxischmaxi/qshot/internal/screenshot"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intp(v int) *int           { return &v }
func floatp(v float64) *float64 { return &v }

func comparison(pixels int, ratio float64) *screenshot.Comparison {
	return &screenshot.Comparison{
		Desc:             "renders title",
		MismatchedPixels: pixels,
		MismatchedRatio:  ratio,
		CompareURL:       "http://localhost:5543/?id=abc",
	}
}

func TestEvaluate_DefaultRatio(t *testing.T) {
	t.Parallel()

	v, err := Evaluate(comparison(10, 0.01), Expectation{})
	require.NoError(t, err)
	assert.True(t, v.Pass)

	v, err = Evaluate(comparison(1234, 0.0101), Expectation{})
	require.NoError(t, err)
	assert.False(t, v.Pass)
	assert.Contains(t, v.Message, "1,234 mismatched pixels")
	assert.Contains(t, v.Message, "allowed 1%")
	assert.Contains(t, v.Message, "http://localhost:5543/?id=abc")
}

func TestEvaluate_PixelCeiling(t *testing.T) {
	t.Parallel()

	v, err := Evaluate(comparison(5, 0.5), Expectation{MismatchedPixels: intp(5)})
	require.NoError(t, err)
	assert.True(t, v.Pass, "a pixel ceiling alone ignores the ratio")

	v, err = Evaluate(comparison(6, 0), Expectation{MismatchedPixels: intp(5)})
	require.NoError(t, err)
	assert.False(t, v.Pass)
}

func TestEvaluate_BothLimits(t *testing.T) {
	t.Parallel()

	exp := Expectation{MismatchedPixels: intp(100), MismatchedRatio: floatp(0.1)}

	v, err := Evaluate(comparison(50, 0.2), exp)
	require.NoError(t, err)
	assert.False(t, v.Pass)
	assert.Contains(t, v.Message, "allowed 100 pixels and 10%")
}

func TestEvaluate_InvalidExpectation(t *testing.T) {
	t.Parallel()

	_, err := Evaluate(comparison(0, 0), Expectation{MismatchedRatio: floatp(1.5)})
	assert.ErrorIs(t, err, ErrInvalidExpectation)

	_, err = Evaluate(comparison(0, 0), Expectation{MismatchedPixels: intp(-1)})
	assert.ErrorIs(t, err, ErrInvalidExpectation)

	_, err = Evaluate(nil, Expectation{})
	assert.ErrorIs(t, err, ErrInvalidExpectation)
}

func TestExpectation_Merge(t *testing.T) {
	t.Parallel()

	def := Expectation{MismatchedRatio: floatp(0.05)}
	assert.Equal(t, def, Expectation{}.Merge(def))

	own := Expectation{MismatchedPixels: intp(3)}
	assert.Equal(t, own, own.Merge(def))
}

func TestReport_CountsAndWrite(t *testing.T) {
	t.Parallel()

	cases := []CaseResult{
		{Name: "a", Status: StatusPass},
		{Name: "b", Status: StatusFail},
		{Name: "c", Status: StatusNew},
		{Name: "d", Status: StatusError, Error: "boom"},
		{Name: "e", Status: StatusPass},
	}
	r := New("20240102030405", cases, time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC))

	assert.Equal(t, 5, r.Total)
	assert.Equal(t, 2, r.Passed)
	assert.Equal(t, 1, r.Failed)
	assert.Equal(t, 1, r.New)
	assert.Equal(t, 1, r.Errored)
	assert.False(t, r.OK())
	assert.Equal(t, "5 screenshots: 2 passed, 1 failed, 1 new, 1 errored", r.Summary())

	path := filepath.Join(t.TempDir(), "report.json")
	require.NoError(t, Write(path, r))

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	var got Report
	require.NoError(t, json.Unmarshal(b, &got))
	assert.Equal(t, r, got)
	assert.Equal(t, "2024-01-02T03:04:05Z", got.GeneratedAt)
}

func TestReport_Table(t *testing.T) {
	t.Parallel()

	r := New("b1", []CaseResult{
		{Name: "alpha", Device: "desktop", Status: StatusPass, Comparison: &screenshot.Comparison{}},
		{Name: "bravo", Device: "phone", Status: StatusFail, Comparison: &screenshot.Comparison{
			MismatchedPixels: 1200,
			MismatchedRatio:  0.005,
			CompareURL:       "http://localhost:5543/?id=1",
		}},
		{Name: "charlie", Status: StatusNew, Comparison: &screenshot.Comparison{IsNew: true}},
		{Name: "delta", Status: StatusError, Error: "boom"},
	}, time.Now())

	out := r.Table(false)
	assert.NotContains(t, out, "alpha")
	assert.Contains(t, out, "bravo")
	assert.Contains(t, out, "1,200 px (0.5%)")
	assert.Contains(t, out, "http://localhost:5543/?id=1")
	assert.Contains(t, out, "charlie")
	assert.Contains(t, out, "boom")

	assert.Contains(t, r.Table(true), "alpha")
}
