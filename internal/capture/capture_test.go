package capture

import (
	"testing"

	"github.com/maxischmaxi/qshot/internal/config"
	"github.com/maxischmaxi/qshot/internal/screenshot"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strp(s string) *string { return &s }
func intp(v int) *int       { return &v }

func TestParseSelectors(t *testing.T) {
	t.Parallel()

	assert.Equal(t, []string{"#root", ".ready"}, ParseSelectors(" #root, ,.ready "))
	assert.Equal(t, []string{"body"}, ParseSelectors(""))
	assert.Equal(t, []string{"body"}, ParseSelectors(" , "))
}

func TestResolveURL(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		base, ref, want string
	}{
		{"http://localhost:6006", "/iframe.html?id=button--primary", "http://localhost:6006/iframe.html?id=button--primary"},
		{"http://localhost:6006/", "iframe.html", "http://localhost:6006/iframe.html"},
		{"http://host/storybook", "/iframe.html#x", "http://host/storybook/iframe.html#x"},
		{"http://host/", "https://example.com/a", "https://example.com/a"},
	} {
		got, err := ResolveURL(tc.base, tc.ref)
		require.NoError(t, err, tc.ref)
		assert.Equal(t, tc.want, got)
	}

	_, err := ResolveURL("not a base", "/x")
	assert.Error(t, err)
}

func TestEmulate_Tasks(t *testing.T) {
	t.Parallel()

	p := screenshot.EmulationProfile{Width: 375, Height: 667}
	assert.Len(t, emulate(p), 1)

	p.UserAgent = "agent"
	p.MediaType = "print"
	p.IsMobile = true
	assert.Len(t, emulate(p), 3)
}

func TestActionTasks(t *testing.T) {
	t.Parallel()

	tasks, err := actionTasks([]*config.Action{
		{Action: "click", Selector: strp("button")},
		{Action: "wait", Timeout: intp(10)},
		{Action: "wait", Selector: strp(".done")},
		nil,
	})
	require.NoError(t, err)
	assert.Len(t, tasks, 3)

	_, err = actionTasks([]*config.Action{{Action: "click"}})
	assert.ErrorContains(t, err, "needs a selector")

	_, err = actionTasks([]*config.Action{{Action: "hover"}})
	assert.ErrorContains(t, err, "unknown action")
}

func TestDeviceMetrics(t *testing.T) {
	t.Parallel()

	m := deviceMetrics(screenshot.EmulationProfile{Width: 375, Height: 667, IsMobile: true})
	assert.Equal(t, 375, m.Width)
	assert.Equal(t, 667, m.Height)
	assert.Equal(t, 1.0, m.DeviceScaleFactor, "an unset scale factor is 1")
	assert.True(t, m.Mobile)
	assert.Equal(t, 0, m.ScreenOrientation.Angle)

	m = deviceMetrics(screenshot.EmulationProfile{Width: 800, Height: 400, DeviceScaleFactor: 2, IsLandscape: true})
	assert.Equal(t, 2.0, m.DeviceScaleFactor)
	assert.Equal(t, 90, m.ScreenOrientation.Angle)
}
