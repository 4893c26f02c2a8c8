package capture

import (
	"context"
	"fmt"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/maxischmaxi/qshot/internal/browser"
	"github.com/maxischmaxi/qshot/internal/config"
	"github.com/maxischmaxi/qshot/internal/logging"
	"github.com/maxischmaxi/qshot/internal/screenshot"
	"go.uber.org/zap"
)

// RodBrowser captures through go-rod. One browser process serves every
// capture; each capture gets its own page.
type RodBrowser struct {
	browser  *rod.Browser
	launcher *launcher.Launcher
}

func LaunchRod(ctx context.Context, opts browser.Options) (*RodBrowser, error) {
	l := launcher.New().Context(ctx).Headless(opts.Headless).
		Set("force-color-profile", "srgb").
		Set("font-render-hinting", "none").
		Set("hide-scrollbars")
	if p := browser.ResolveExecPath(opts); p != "" {
		l = l.Bin(p)
	}

	u, err := l.Launch()
	if err != nil {
		logging.L.Error("failed to launch rod browser", zap.Error(err))
		return nil, fmt.Errorf("capture: launch: %w", err)
	}

	b := rod.New().ControlURL(u)
	if err := b.Connect(); err != nil {
		l.Cleanup()
		logging.L.Error("failed to connect rod browser", zap.String("url", u), zap.Error(err))
		return nil, fmt.Errorf("capture: connect: %w", err)
	}

	logging.L.Info("launched rod browser", zap.String("url", u))
	return &RodBrowser{browser: b, launcher: l}, nil
}

func (b *RodBrowser) Close() {
	if b == nil {
		return
	}
	if b.browser != nil {
		_ = b.browser.Close()
	}
	if b.launcher != nil {
		b.launcher.Cleanup()
	}
}

// deviceMetrics maps a profile to the CDP device metrics override.
func deviceMetrics(p screenshot.EmulationProfile) *proto.EmulationSetDeviceMetricsOverride {
	o := &proto.EmulationScreenOrientation{Type: proto.EmulationScreenOrientationTypePortraitPrimary, Angle: 0}
	if p.IsLandscape {
		o = &proto.EmulationScreenOrientation{Type: proto.EmulationScreenOrientationTypeLandscapePrimary, Angle: 90}
	}
	return &proto.EmulationSetDeviceMetricsOverride{
		Width:             p.Width,
		Height:            p.Height,
		DeviceScaleFactor: p.Scale(),
		Mobile:            p.IsMobile,
		ScreenOrientation: o,
	}
}

func emulateRod(page *rod.Page, p screenshot.EmulationProfile) error {
	if err := page.SetViewport(deviceMetrics(p)); err != nil {
		return err
	}
	if p.HasTouch {
		if err := (proto.EmulationSetTouchEmulationEnabled{Enabled: true}).Call(page); err != nil {
			return err
		}
	}
	if p.UserAgent != "" {
		if err := page.SetUserAgent(&proto.NetworkSetUserAgentOverride{UserAgent: p.UserAgent}); err != nil {
			return err
		}
	}
	if p.MediaType != "" {
		if err := (proto.EmulationSetEmulatedMedia{Media: p.MediaType}).Call(page); err != nil {
			return err
		}
	}
	return nil
}

func waitAnyRod(page *rod.Page, selectors []string, timeout time.Duration) error {
	race := page.Timeout(timeout).Race()
	for _, sel := range selectors {
		race = race.Element(sel)
	}
	if _, err := race.Do(); err != nil {
		return fmt.Errorf("%w: %v", ErrWaitTimeout, err)
	}
	return nil
}

func runRodActions(page *rod.Page, actions []*config.Action) error {
	for i, a := range actions {
		if a == nil {
			continue
		}
		timeout := DefaultActionTimeout
		if a.Timeout != nil {
			timeout = time.Duration(*a.Timeout) * time.Millisecond
		}
		p := page.Timeout(timeout)

		switch a.Action {
		case "click":
			if a.Selector == nil || *a.Selector == "" {
				return fmt.Errorf("capture: action %d: click needs a selector", i)
			}
			el, err := p.Element(*a.Selector)
			if err != nil {
				return err
			}
			if err := el.Click(proto.InputMouseButtonLeft, 1); err != nil {
				return err
			}
		case "wait":
			if a.Selector == nil || *a.Selector == "" {
				time.Sleep(timeout)
				continue
			}
			el, err := p.Element(*a.Selector)
			if err != nil {
				return err
			}
			if err := el.WaitVisible(); err != nil {
				return err
			}
		default:
			return fmt.Errorf("capture: action %d: unknown action %q", i, a.Action)
		}
	}
	return nil
}

// Capture renders req in a fresh page and returns the PNG.
func (b *RodBrowser) Capture(ctx context.Context, req Request) ([]byte, error) {
	if _, err := actionTasks(req.Actions); err != nil {
		return nil, err
	}
	waitSelectors := req.WaitSelectors
	if len(waitSelectors) == 0 {
		waitSelectors = []string{"body"}
	}

	page, err := b.browser.Page(proto.TargetCreateTarget{URL: ""})
	if err != nil {
		return nil, fmt.Errorf("capture: create page: %w", err)
	}
	defer page.Close()
	page = page.Context(ctx)

	if err := emulateRod(page, req.Profile); err != nil {
		return nil, fmt.Errorf("capture: emulate: %w", err)
	}
	if err := page.Navigate(req.URL); err != nil {
		return nil, fmt.Errorf("capture %s: %w", req.URL, err)
	}
	if err := page.WaitLoad(); err != nil {
		return nil, fmt.Errorf("capture %s: %w", req.URL, err)
	}
	if err := waitAnyRod(page, waitSelectors, DefaultWaitTimeout); err != nil {
		return nil, err
	}
	if err := runRodActions(page, req.Actions); err != nil {
		return nil, fmt.Errorf("capture %s: %w", req.URL, err)
	}
	time.Sleep(settle)

	png, err := page.Screenshot(req.FullPage, &proto.PageCaptureScreenshot{
		Format: proto.PageCaptureScreenshotFormatPng,
	})
	if err != nil {
		logging.L.Debug("rod capture failed", zap.String("url", req.URL), zap.Error(err))
		return nil, fmt.Errorf("capture %s: %w", req.URL, err)
	}
	return png, nil
}
