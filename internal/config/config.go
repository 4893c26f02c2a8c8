package config

import (
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/maxischmaxi/qshot/internal/logging"
	"github.com/maxischmaxi/qshot/internal/report"
	"github.com/maxischmaxi/qshot/internal/screenshot"
	"github.com/maxischmaxi/qshot/internal/tools"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

const (
	DefaultFileName    = "qshot.config.yaml"
	DefaultTestPattern = ".qshot.yaml"
)

// Device is a named emulation profile.
type Device struct {
	Name      string                      `yaml:"name" json:"name"`
	Emulation screenshot.EmulationProfile `yaml:",inline" json:"emulation"`
}

// Profile returns the emulation profile with the device name filled in.
func (d Device) Profile() screenshot.EmulationProfile {
	p := d.Emulation
	if p.Device == "" {
		p.Device = d.Name
	}
	return p
}

// Devices accepts a list of device names, a list of inline devices or a
// single inline device.
type Devices struct {
	Names   []string
	Structs []Device
	One     *Device
}

func (s *Devices) UnmarshalYAML(unmarshal func(any) error) error {
	var asStrings []string
	if err := unmarshal(&asStrings); err == nil {
		s.Names = asStrings
		return nil
	}

	var asStructs []Device
	if err := unmarshal(&asStructs); err == nil {
		s.Structs = asStructs
		return nil
	}

	var one Device
	if err := unmarshal(&one); err == nil && (one.Emulation.Width != 0 || one.Emulation.Height != 0) {
		s.One = &one
		return nil
	}

	logging.L.Error("failed to unmarshal devices", zap.Error(errors.New("unsupported format")))
	return fmt.Errorf("unsupported format for devices: expected []string, device, or []device")
}

func (s Devices) AsDevices() []Device {
	if s.One != nil {
		return []Device{*s.One}
	}
	return s.Structs
}

func (s Devices) Empty() bool {
	return len(s.Names) == 0 && len(s.Structs) == 0 && s.One == nil
}

type Action struct {
	Action   string  `yaml:"action" json:"action"` // wait, click
	Timeout  *int    `yaml:"timeout" json:"timeout"`
	Selector *string `yaml:"selector" json:"selector"`
}

type Server struct {
	Host string `yaml:"host" json:"host"`
	Port int    `yaml:"port" json:"port"`
}

// Target is an optional static build of the app under test that qshot
// builds and serves itself.
type Target struct {
	BuildCmd   string `yaml:"buildCmd" json:"buildCmd"`
	BuildDir   string `yaml:"buildDir" json:"buildDir"`
	Port       int    `yaml:"port" json:"port"`
	HealthPath string `yaml:"healthPath" json:"healthPath"`
	WaitSec    int    `yaml:"waitSec" json:"waitSec"`
	Force      bool   `yaml:"force" json:"force"`
}

type BaseConfig struct {
	BaseURL         string             `yaml:"baseUrl" json:"baseUrl"`
	RootDir         string             `yaml:"rootDir" json:"rootDir"`
	ScreenshotDir   string             `yaml:"screenshotDir" json:"screenshotDir"`
	ImagesDir       string             `yaml:"imagesDir" json:"imagesDir"`
	MasterDir       string             `yaml:"masterDir" json:"masterDir"`
	LocalDir        string             `yaml:"localDir" json:"localDir"`
	CacheDir        string             `yaml:"cacheDir" json:"cacheDir"`
	ComparePage     string             `yaml:"comparePage" json:"comparePage"`
	GitIgnore       *[]string          `yaml:"gitIgnore" json:"gitIgnore"`
	PrerenderImages bool               `yaml:"prerenderImages" json:"prerenderImages"`
	FullPage        bool               `yaml:"fullPage" json:"fullPage"`
	Threshold       *float64           `yaml:"threshold" json:"threshold"`
	Expect          report.Expectation `yaml:"expect" json:"expect"`
	Retry           int                `yaml:"retry" json:"retry"`
	TestPattern     string             `yaml:"testPattern" json:"testPattern"`
	IgnorePatterns  []string           `yaml:"ignorePatterns" json:"ignorePatterns"`
	WaitSelectors   []string           `yaml:"waitSelectors" json:"waitSelectors"`
	Devices         []Device           `yaml:"devices" json:"devices"`
	Server          Server             `yaml:"server" json:"server"`
	Target          *Target            `yaml:"target" json:"target"`
}

// CaseConfig is one entry of a *.qshot.yaml file.
type CaseConfig struct {
	Name      string             `yaml:"name" json:"name"`
	URL       string             `yaml:"url" json:"url"`
	Devices   Devices            `yaml:"devices" json:"devices"`
	Actions   []*Action          `yaml:"actions" json:"actions"`
	Threshold *float64           `yaml:"threshold,omitempty" json:"threshold,omitempty"`
	Expect    report.Expectation `yaml:"expect" json:"expect"`
	Retry     *int               `yaml:"retry,omitempty" json:"retry,omitempty"`
}

// Case is a CaseConfig expanded for one device.
type Case struct {
	Name      string
	URL       string
	Source    string
	Profile   screenshot.EmulationProfile
	Actions   []*Action
	Threshold *float64
	Expect    report.Expectation
	Retry     int
}

func validThreshold(t *float64) bool {
	return t == nil || (!math.IsNaN(*t) && *t >= 0 && *t <= 1)
}

func NewBaseConfig(baseConfigPath string) (*BaseConfig, error) {
	config := &BaseConfig{}

	path, err := tools.ExpandPath(baseConfigPath)
	if err != nil {
		logging.L.Error("failed to expand base config path", zap.String("path", baseConfigPath), zap.Error(err))
		return nil, err
	}

	if !tools.FileExists(path) {
		logging.L.Error("base config file does not exist", zap.String("path", path))
		return nil, fmt.Errorf("base config file does not exist: %s", path)
	}

	f, err := os.Open(path)
	if err != nil {
		logging.L.Error("failed to open base config file", zap.String("path", path), zap.Error(err))
		return nil, err
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)

	if err := dec.Decode(config); err != nil && !errors.Is(err, io.EOF) {
		logging.L.Error("failed to decode base config file", zap.String("path", path), zap.Error(err))
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}

	if err := tools.EnsureEOF(dec); err != nil {
		logging.L.Error("failed to ensure EOF for base config file", zap.String("path", path), zap.Error(err))
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}

	if err := config.applyDefaults(filepath.Dir(path)); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		logging.L.Error("invalid base config", zap.String("path", path), zap.Error(err))
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return config, nil
}

// applyDefaults resolves relative paths against the config file's dir.
func (cfg *BaseConfig) applyDefaults(dir string) error {
	if cfg.RootDir == "" {
		cfg.RootDir = dir
	} else if !filepath.IsAbs(cfg.RootDir) && !strings.HasPrefix(cfg.RootDir, "~") {
		cfg.RootDir = filepath.Join(dir, cfg.RootDir)
	}
	root, err := tools.ExpandPath(cfg.RootDir)
	if err != nil {
		logging.L.Error("failed to expand root directory path", zap.String("path", cfg.RootDir), zap.Error(err))
		return err
	}
	cfg.RootDir = root

	if cfg.TestPattern == "" {
		cfg.TestPattern = DefaultTestPattern
	}
	if len(cfg.WaitSelectors) == 0 {
		cfg.WaitSelectors = []string{"body"}
	}
	if t := cfg.Target; t != nil {
		if t.BuildDir != "" && !filepath.IsAbs(t.BuildDir) {
			t.BuildDir = filepath.Join(dir, t.BuildDir)
		}
		if t.HealthPath == "" {
			t.HealthPath = "/index.html"
		}
		if t.WaitSec <= 0 {
			t.WaitSec = 60
		}
		if cfg.BaseURL == "" && t.Port > 0 {
			cfg.BaseURL = fmt.Sprintf("http://127.0.0.1:%d", t.Port)
		}
	}
	return nil
}

func (cfg *BaseConfig) Validate() error {
	var errs []error

	if cfg.BaseURL == "" {
		errs = append(errs, errors.New("baseUrl (or target.port) must be specified"))
	}
	if len(cfg.Devices) == 0 {
		errs = append(errs, errors.New("at least one device must be specified"))
	}
	seen := make(map[string]bool)
	for i, d := range cfg.Devices {
		if d.Name == "" {
			errs = append(errs, fmt.Errorf("device at index %d: name must be specified", i))
		} else if seen[d.Name] {
			errs = append(errs, fmt.Errorf("device %q: defined twice", d.Name))
		}
		seen[d.Name] = true
		if err := validateProfile(d.Emulation); err != nil {
			errs = append(errs, fmt.Errorf("device %q: %w", d.Name, err))
		}
	}
	if !validThreshold(cfg.Threshold) {
		errs = append(errs, fmt.Errorf("threshold must be between 0 and 1, got %v", *cfg.Threshold))
	}
	if err := cfg.Expect.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("expect: %w", err))
	}
	if cfg.Retry < 0 {
		errs = append(errs, errors.New("retry must be non-negative"))
	}
	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port out of range: %d", cfg.Server.Port))
	}
	for name, v := range map[string]string{
		"screenshotDir": cfg.ScreenshotDir, "imagesDir": cfg.ImagesDir, "masterDir": cfg.MasterDir,
		"localDir": cfg.LocalDir, "cacheDir": cfg.CacheDir, "comparePage": cfg.ComparePage,
	} {
		if strings.ContainsAny(v, `/\`) {
			errs = append(errs, fmt.Errorf("%s must be a plain name, got %q", name, v))
		}
	}
	if t := cfg.Target; t != nil && t.BuildDir == "" {
		errs = append(errs, errors.New("target.buildDir must be specified"))
	}
	return errors.Join(errs...)
}

func validateProfile(p screenshot.EmulationProfile) error {
	if p.Width <= 0 || p.Height <= 0 {
		return fmt.Errorf("width and height must be positive integers, got %dx%d", p.Width, p.Height)
	}
	if p.DeviceScaleFactor < 0 || math.IsNaN(p.DeviceScaleFactor) {
		return fmt.Errorf("deviceScaleFactor must not be negative, got %v", p.DeviceScaleFactor)
	}
	return nil
}

func (cfg *BaseConfig) device(name string) (Device, bool) {
	i := slices.IndexFunc(cfg.Devices, func(d Device) bool { return d.Name == name })
	if i < 0 {
		return Device{}, false
	}
	return cfg.Devices[i], true
}

// NewCases parses one case file and expands every entry per device.
func (cfg *BaseConfig) NewCases(configPath string) ([]*Case, error) {
	var configs []*CaseConfig

	if !tools.FileExists(configPath) {
		logging.L.Error("config file does not exist", zap.String("path", configPath))
		return nil, fmt.Errorf("config file does not exist: %s", configPath)
	}

	f, err := os.Open(configPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)

	if err := dec.Decode(&configs); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		logging.L.Error("failed to decode config file", zap.String("path", configPath), zap.Error(err))
		return nil, err
	}

	if err := tools.EnsureEOF(dec); err != nil {
		logging.L.Error("failed to ensure EOF for config file", zap.String("path", configPath), zap.Error(err))
		return nil, err
	}

	var res []*Case
	for i, c := range configs {
		if c.Name == "" {
			return nil, fmt.Errorf("case at index %d: name must be specified", i)
		}
		if !validThreshold(c.Threshold) {
			return nil, fmt.Errorf("case %q: threshold must be between 0 and 1, got %v", c.Name, *c.Threshold)
		}
		if err := c.Expect.Validate(); err != nil {
			return nil, fmt.Errorf("case %q: expect: %w", c.Name, err)
		}
		for _, a := range c.Actions {
			if a == nil || (a.Action != "wait" && a.Action != "click") {
				return nil, fmt.Errorf("case %q: unknown action", c.Name)
			}
		}

		var devices []Device
		switch {
		case len(c.Devices.Names) > 0:
			for _, n := range c.Devices.Names {
				d, ok := cfg.device(n)
				if !ok {
					return nil, fmt.Errorf("case %q: unknown device %q", c.Name, n)
				}
				devices = append(devices, d)
			}
		case !c.Devices.Empty():
			devices = c.Devices.AsDevices()
		default:
			devices = cfg.Devices
		}

		for _, d := range devices {
			if err := validateProfile(d.Emulation); err != nil {
				return nil, fmt.Errorf("case %q device %q: %w", c.Name, d.Name, err)
			}
			retry := cfg.Retry
			if c.Retry != nil {
				retry = *c.Retry
			}
			threshold := cfg.Threshold
			if c.Threshold != nil {
				threshold = c.Threshold
			}
			res = append(res, &Case{
				Name:      c.Name,
				URL:       c.URL,
				Source:    configPath,
				Profile:   d.Profile(),
				Actions:   c.Actions,
				Threshold: threshold,
				Expect:    c.Expect.Merge(cfg.Expect),
				Retry:     retry,
			})
		}
	}

	return res, nil
}

// FindAndParseCases walks root for case files. Files that fail to parse
// are reported together; the cases of all other files are still returned.
func (cfg *BaseConfig) FindAndParseCases(root string) ([]*Case, error) {
	var results []*Case
	var aggErr error

	path, err := tools.ExpandPath(root)
	if err != nil {
		return nil, err
	}

	err = filepath.WalkDir(path, func(path string, d os.DirEntry, wErr error) error {
		if wErr != nil {
			aggErr = errors.Join(aggErr, fmt.Errorf("error accessing path %q: %v", path, wErr))
			return nil
		}

		if d.IsDir() {
			name := d.Name()

			if slices.Contains(cfg.IgnorePatterns, name) {
				return filepath.SkipDir
			}

			if strings.HasPrefix(name, ".") && name != "." && name != ".." {
				return filepath.SkipDir
			}

			return nil
		}

		if !strings.HasSuffix(d.Name(), cfg.TestPattern) {
			return nil
		}

		cases, err := cfg.NewCases(path)
		if err != nil {
			aggErr = errors.Join(aggErr, fmt.Errorf("error parsing config %q: %v", path, err))
			return nil
		}

		results = append(results, cases...)
		return nil
	})

	aggErr = errors.Join(aggErr, err)
	return results, aggErr
}
