package browser

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sync/atomic"

	"github.com/chromedp/chromedp"
	"github.com/maxischmaxi/qshot/internal/logging"
	"github.com/maxischmaxi/qshot/internal/tools"
	"go.uber.org/zap"
)

var ErrNoInstances = errors.New("browser: no instances")

type Options struct {
	Instances int
	// ExecPath overrides CHROME_BIN and the standard install locations.
	ExecPath string
	Headless bool
}

func DefaultOptions() Options {
	return Options{Instances: 1, Headless: true}
}

type Instance struct {
	AllocCancel context.CancelFunc
	Ctx         context.Context
	cancel      context.CancelFunc
	ID          int
}

// Pool hands out browser instances round robin.
type Pool struct {
	instances []*Instance
	next      atomic.Uint64
}

func NewPool(instances ...*Instance) *Pool {
	return &Pool{instances: instances}
}

func (p *Pool) Len() int { return len(p.instances) }

func (p *Pool) Pick() (*Instance, error) {
	if len(p.instances) == 0 {
		return nil, ErrNoInstances
	}
	n := p.next.Add(1) - 1
	return p.instances[n%uint64(len(p.instances))], nil
}

func (p *Pool) CloseAll() {
	for _, it := range p.instances {
		if it.cancel != nil {
			it.cancel()
		}
		if it.AllocCancel != nil {
			it.AllocCancel()
		}
	}
	logging.L.Debug("closed browser instances", zap.Int("count", len(p.instances)))
}

func LaunchPool(root context.Context, opts Options) (*Pool, error) {
	n := opts.Instances
	if n < 1 {
		n = 1
	}
	pool := &Pool{instances: make([]*Instance, 0, n)}
	for i := 0; i < n; i++ {
		inst, err := launchOne(root, opts)
		if err != nil {
			pool.CloseAll()
			logging.L.Error("failed to launch browser instance", zap.Int("index", i), zap.Error(err))
			return nil, err
		}
		inst.ID = i
		pool.instances = append(pool.instances, inst)
	}

	logging.L.Info("launched browser instances", zap.Int("count", n))
	return pool, nil
}

func allocatorOptions(opts Options) []chromedp.ExecAllocatorOption {
	out := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	out = append(out,
		chromedp.Flag("headless", opts.Headless),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("no-first-run", true),
		chromedp.Flag("no-default-browser-check", true),
		chromedp.Flag("disable-background-networking", true),
		chromedp.Flag("disable-background-timer-throttling", true),
		chromedp.Flag("disable-renderer-backgrounding", true),
		chromedp.Flag("disable-ipc-flooding-protection", true),
		chromedp.Flag("disable-features", "Translate,BackForwardCache"),
		// identical color output across machines keeps diffs stable
		chromedp.Flag("force-color-profile", "srgb"),
		chromedp.Flag("font-render-hinting", "none"),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("mute-audio", true),
	)

	if p := ResolveExecPath(opts); p != "" {
		out = append(out, chromedp.ExecPath(p))
	}
	return out
}

func ResolveExecPath(opts Options) string {
	if opts.ExecPath != "" {
		return opts.ExecPath
	}
	if bin := os.Getenv("CHROME_BIN"); bin != "" {
		if tools.FileExists(bin) {
			return bin
		}
		logging.L.Warn("CHROME_BIN does not exist, ignoring it", zap.String("path", bin))
	}
	p, _ := findChrome()
	return p
}

func launchOne(root context.Context, opts Options) (*Instance, error) {
	allocCtx, allocCancel := chromedp.NewExecAllocator(root, allocatorOptions(opts)...)
	ctx, cancel := chromedp.NewContext(allocCtx)
	// starts the browser process
	if err := chromedp.Run(ctx); err != nil {
		cancel()
		allocCancel()
		logging.L.Error("failed to start browser", zap.Error(err))
		return nil, err
	}

	return &Instance{AllocCancel: allocCancel, Ctx: ctx, cancel: cancel}, nil
}

func findChrome() (string, error) {
	var candidates []string
	switch runtime.GOOS {
	case "darwin":
		candidates = []string{
			"/Applications/Google Chrome.app/Contents/MacOS/Google Chrome",
			"/Applications/Chromium.app/Contents/MacOS/Chromium",
			"/Applications/Microsoft Edge.app/Contents/MacOS/Microsoft Edge",
		}
	case "linux":
		candidates = []string{"google-chrome", "google-chrome-stable", "chromium", "chromium-browser", "microsoft-edge"}
	case "windows":
		local := os.Getenv("LOCALAPPDATA")
		prog := os.Getenv("ProgramFiles")
		prog86 := os.Getenv("ProgramFiles(x86)")
		candidates = []string{
			filepath.Join(local, `Google\Chrome\Application\chrome.exe`),
			filepath.Join(prog, `Google\Chrome\Application\chrome.exe`),
			filepath.Join(prog86, `Google\Chrome\Application\chrome.exe`),
			filepath.Join(prog, `Microsoft\Edge\Application\msedge.exe`),
			filepath.Join(prog86, `Microsoft\Edge\Application\msedge.exe`),
		}
	default:
	}
	for _, c := range candidates {
		if p, err := exec.LookPath(c); err == nil {
			return p, nil
		}
		if tools.FileExists(c) {
			return c, nil
		}
	}
	logging.L.Warn("chrome binary not found in standard paths, relying on system PATH")
	return "", errors.New("chrome not found")
}
