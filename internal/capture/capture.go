// Package capture drives a browser tab to render a page under an
// emulation profile and returns the PNG screenshot.
package capture

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/chromedp"
	"github.com/maxischmaxi/qshot/internal/browser"
	"github.com/maxischmaxi/qshot/internal/config"
	"github.com/maxischmaxi/qshot/internal/logging"
	"github.com/maxischmaxi/qshot/internal/screenshot"
	"go.uber.org/zap"
)

const (
	DefaultWaitTimeout   = 10 * time.Second
	DefaultActionTimeout = 5 * time.Second
	// settle time against late fonts and transitions
	settle = 50 * time.Millisecond
)

var ErrWaitTimeout = errors.New("capture: timeout waiting for any selector")

type Request struct {
	URL           string
	Profile       screenshot.EmulationProfile
	WaitSelectors []string
	Actions       []*config.Action
	FullPage      bool
}

func ParseSelectors(csv string) []string {
	parts := strings.Split(csv, ",")
	var out []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		out = []string{"body"}
	}
	return out
}

// ResolveURL resolves a case URL against the configured base URL.
// Absolute case URLs are returned unchanged.
func ResolveURL(base, ref string) (string, error) {
	r, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("capture: invalid url %q: %w", ref, err)
	}
	if r.IsAbs() {
		return r.String(), nil
	}
	b, err := url.Parse(base)
	if err != nil || !b.IsAbs() {
		return "", fmt.Errorf("capture: invalid base url %q", base)
	}
	if !strings.HasSuffix(b.Path, "/") {
		b.Path += "/"
	}
	return b.ResolveReference(&url.URL{
		Path:     strings.TrimPrefix(r.Path, "/"),
		RawQuery: r.RawQuery,
		Fragment: r.Fragment,
	}).String(), nil
}

func waitAny(selectors []string, timeout time.Duration) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		deadline := time.Now().Add(timeout)
		for {
			for _, sel := range selectors {
				tryCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
				err := chromedp.Run(tryCtx, chromedp.WaitReady(sel, chromedp.ByQuery))
				cancel()
				if err == nil {
					return nil
				}
			}
			if time.Now().After(deadline) {
				return ErrWaitTimeout
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(50 * time.Millisecond):
			}
		}
	})
}

// emulate applies every field of the profile to the tab.
func emulate(p screenshot.EmulationProfile) chromedp.Tasks {
	opts := []chromedp.EmulateViewportOption{chromedp.EmulateScale(p.Scale())}
	if p.IsMobile {
		opts = append(opts, chromedp.EmulateMobile)
	}
	if p.HasTouch {
		opts = append(opts, chromedp.EmulateTouch)
	}
	if p.IsLandscape {
		opts = append(opts, chromedp.EmulateLandscape)
	} else {
		opts = append(opts, chromedp.EmulatePortrait)
	}

	tasks := chromedp.Tasks{chromedp.EmulateViewport(int64(p.Width), int64(p.Height), opts...)}
	if p.UserAgent != "" {
		tasks = append(tasks, emulation.SetUserAgentOverride(p.UserAgent))
	}
	if p.MediaType != "" {
		tasks = append(tasks, emulation.SetEmulatedMedia().WithMedia(p.MediaType))
	}
	return tasks
}

func actionTasks(actions []*config.Action) (chromedp.Tasks, error) {
	var tasks chromedp.Tasks
	for i, a := range actions {
		if a == nil {
			continue
		}
		timeout := DefaultActionTimeout
		if a.Timeout != nil {
			timeout = time.Duration(*a.Timeout) * time.Millisecond
		}

		switch a.Action {
		case "click":
			if a.Selector == nil || *a.Selector == "" {
				return nil, fmt.Errorf("capture: action %d: click needs a selector", i)
			}
			tasks = append(tasks, withTimeout(timeout, chromedp.Click(*a.Selector, chromedp.ByQuery)))
		case "wait":
			if a.Selector != nil && *a.Selector != "" {
				tasks = append(tasks, withTimeout(timeout, chromedp.WaitVisible(*a.Selector, chromedp.ByQuery)))
			} else {
				tasks = append(tasks, chromedp.Sleep(timeout))
			}
		default:
			return nil, fmt.Errorf("capture: action %d: unknown action %q", i, a.Action)
		}
	}
	return tasks, nil
}

func withTimeout(d time.Duration, action chromedp.Action) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, d)
		defer cancel()
		return action.Do(ctx)
	})
}

// Capture opens a fresh tab on inst, renders req and returns the PNG.
func Capture(ctx context.Context, inst *browser.Instance, req Request) ([]byte, error) {
	actions, err := actionTasks(req.Actions)
	if err != nil {
		return nil, err
	}
	waitSelectors := req.WaitSelectors
	if len(waitSelectors) == 0 {
		waitSelectors = []string{"body"}
	}

	tabCtx, cancel := chromedp.NewContext(inst.Ctx)
	defer cancel()
	// the tab dies with the caller's context
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	var buf []byte
	var shot chromedp.Action = chromedp.CaptureScreenshot(&buf)
	if req.FullPage {
		shot = chromedp.FullScreenshot(&buf, 100)
	}

	err = chromedp.Run(tabCtx,
		emulate(req.Profile),
		chromedp.Navigate(req.URL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		waitAny(waitSelectors, DefaultWaitTimeout),
		actions,
		chromedp.Sleep(settle),
		shot,
	)
	if err != nil {
		logging.L.Debug("capture failed", zap.String("url", req.URL), zap.Int("instance", inst.ID), zap.Error(err))
		return nil, fmt.Errorf("capture %s: %w", req.URL, err)
	}
	return buf, nil
}
