package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const baseYAML = `
baseUrl: http://localhost:6006
threshold: 0.2
expect:
  ratio: 0.05
ignorePatterns: [node_modules]
devices:
  - name: desktop
    width: 1280
    height: 800
  - name: phone
    width: 375
    height: 667
    deviceScaleFactor: 2
    isMobile: true
    hasTouch: true
    userAgent: test-agent
`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func loadBase(t *testing.T, content string) (*BaseConfig, string) {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, DefaultFileName)
	writeFile(t, path, content)
	cfg, err := NewBaseConfig(path)
	require.NoError(t, err)
	return cfg, dir
}

func TestNewBaseConfig_Defaults(t *testing.T) {
	t.Parallel()

	cfg, dir := loadBase(t, baseYAML)

	assert.Equal(t, dir, cfg.RootDir)
	assert.Equal(t, DefaultTestPattern, cfg.TestPattern)
	assert.Equal(t, []string{"body"}, cfg.WaitSelectors)
	require.Len(t, cfg.Devices, 2)
	assert.Equal(t, 2.0, cfg.Devices[1].Emulation.DeviceScaleFactor)
	assert.Equal(t, "phone", cfg.Devices[1].Profile().Device)
	assert.Equal(t, 0.2, *cfg.Threshold)
	assert.Nil(t, cfg.GitIgnore)
}

func TestNewBaseConfig_TargetProvidesBaseURL(t *testing.T) {
	t.Parallel()

	cfg, dir := loadBase(t, `
target:
  buildDir: storybook-static
  port: 6007
devices:
  - name: desktop
    width: 100
    height: 100
`)
	assert.Equal(t, "http://127.0.0.1:6007", cfg.BaseURL)
	assert.Equal(t, filepath.Join(dir, "storybook-static"), cfg.Target.BuildDir)
	assert.Equal(t, "/index.html", cfg.Target.HealthPath)
	assert.Equal(t, 60, cfg.Target.WaitSec)
}

func TestNewBaseConfig_Rejects(t *testing.T) {
	t.Parallel()

	for name, content := range map[string]string{
		"threshold above one":  "baseUrl: x\nthreshold: 1.5\ndevices: [{name: d, width: 1, height: 1}]\n",
		"ratio above one":      "baseUrl: x\nexpect: {ratio: 2}\ndevices: [{name: d, width: 1, height: 1}]\n",
		"no devices":           "baseUrl: x\n",
		"zero width":           "baseUrl: x\ndevices: [{name: d, width: 0, height: 1}]\n",
		"duplicate device":     "baseUrl: x\ndevices: [{name: d, width: 1, height: 1}, {name: d, width: 2, height: 2}]\n",
		"unknown field":        "baseUrl: x\nbogus: 1\ndevices: [{name: d, width: 1, height: 1}]\n",
		"dir with separator":   "baseUrl: x\nmasterDir: a/b\ndevices: [{name: d, width: 1, height: 1}]\n",
		"missing base url":     "devices: [{name: d, width: 1, height: 1}]\n",
		"trailing document":    "baseUrl: x\ndevices: [{name: d, width: 1, height: 1}]\n---\nbaseUrl: y\n",
		"target without build": "target: {port: 1}\ndevices: [{name: d, width: 1, height: 1}]\n",
	} {
		content := content
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			path := filepath.Join(t.TempDir(), DefaultFileName)
			writeFile(t, path, content)
			_, err := NewBaseConfig(path)
			assert.Error(t, err)
		})
	}
}

func TestNewBaseConfig_Missing(t *testing.T) {
	t.Parallel()

	_, err := NewBaseConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestNewCases_ExpandsDevices(t *testing.T) {
	t.Parallel()

	cfg, dir := loadBase(t, baseYAML)
	path := filepath.Join(dir, "button.qshot.yaml")
	writeFile(t, path, `
- name: button default
  url: /iframe.html?id=button--default
- name: button phone only
  url: /iframe.html?id=button--primary
  devices: [phone]
  threshold: 0
  expect:
    pixels: 10
  actions:
    - action: click
      selector: button
- name: button inline
  url: /iframe.html?id=button--inline
  devices:
    width: 200
    height: 100
`)

	cases, err := cfg.NewCases(path)
	require.NoError(t, err)
	require.Len(t, cases, 4)

	assert.Equal(t, "desktop", cases[0].Profile.Device)
	assert.Equal(t, "phone", cases[1].Profile.Device)
	assert.Equal(t, 0.05, *cases[0].Expect.MismatchedRatio, "inherits the base expectation")
	assert.Equal(t, 0.2, *cases[0].Threshold)

	phone := cases[2]
	assert.Equal(t, "button phone only", phone.Name)
	assert.True(t, phone.Profile.IsMobile)
	assert.Equal(t, "test-agent", phone.Profile.UserAgent)
	assert.Equal(t, 0.0, *phone.Threshold)
	assert.Equal(t, 10, *phone.Expect.MismatchedPixels)
	assert.Nil(t, phone.Expect.MismatchedRatio)
	require.Len(t, phone.Actions, 1)
	assert.Equal(t, "click", phone.Actions[0].Action)

	assert.Equal(t, 200, cases[3].Profile.Width)
	assert.Equal(t, path, cases[3].Source)
}

func TestNewCases_Rejects(t *testing.T) {
	t.Parallel()

	cfg, dir := loadBase(t, baseYAML)
	for name, content := range map[string]string{
		"unknown device": "- name: a\n  url: /\n  devices: [tablet]\n",
		"threshold":      "- name: a\n  url: /\n  threshold: -1\n",
		"action":         "- name: a\n  url: /\n  actions: [{action: hover}]\n",
		"no name":        "- url: /\n",
	} {
		path := filepath.Join(dir, name+".qshot.yaml")
		writeFile(t, path, content)
		_, err := cfg.NewCases(path)
		assert.Error(t, err, name)
	}
}

func TestFindAndParseCases(t *testing.T) {
	t.Parallel()

	cfg, dir := loadBase(t, baseYAML)
	writeFile(t, filepath.Join(dir, "src", "a.qshot.yaml"), "- name: a\n  url: /a\n")
	writeFile(t, filepath.Join(dir, "src", "nested", "b.qshot.yaml"), "- name: b\n  url: /b\n  devices: [desktop]\n")
	writeFile(t, filepath.Join(dir, "node_modules", "c.qshot.yaml"), "- name: c\n  url: /c\n")
	writeFile(t, filepath.Join(dir, ".cache", "d.qshot.yaml"), "- name: d\n  url: /d\n")
	writeFile(t, filepath.Join(dir, "src", "broken.qshot.yaml"), "- name: [\n")
	writeFile(t, filepath.Join(dir, "src", "other.yaml"), "- name: e\n")

	cases, err := cfg.FindAndParseCases(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken.qshot.yaml")

	var names []string
	for _, c := range cases {
		names = append(names, c.Name+"@"+c.Profile.Device)
	}
	assert.ElementsMatch(t, []string{"a@desktop", "a@phone", "b@desktop"}, names)
}
