package main

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/maxischmaxi/qshot/internal/browser"
	"github.com/maxischmaxi/qshot/internal/capture"
	"github.com/maxischmaxi/qshot/internal/compare"
	"github.com/maxischmaxi/qshot/internal/config"
	"github.com/maxischmaxi/qshot/internal/logging"
	"github.com/maxischmaxi/qshot/internal/pixeldiff"
	"github.com/maxischmaxi/qshot/internal/pool"
	"github.com/maxischmaxi/qshot/internal/report"
	"github.com/maxischmaxi/qshot/internal/screenshot"
	"github.com/maxischmaxi/qshot/internal/server"
	"github.com/maxischmaxi/qshot/internal/target"
	"github.com/maxischmaxi/qshot/internal/ui"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type runFlags struct {
	concurrency  int
	instances    int
	timeoutSec   int
	updateMaster bool
	serve        bool
	headful      bool
	noTUI        bool
	reportPath   string
	execPath     string
	driver       string
}

func newRunCommand(g *globalFlags) *cobra.Command {
	var f runFlags

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Capture and compare every test case",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runAll(cmd.Context(), g, f)
		},
	}

	fl := cmd.Flags()
	fl.IntVar(&f.concurrency, "concurrency", 10, "number of concurrent screenshot tasks")
	fl.IntVar(&f.instances, "instances", 4, "number of browser instances to use")
	fl.IntVar(&f.timeoutSec, "timeout", 30, "timeout in seconds for each screenshot task")
	fl.BoolVar(&f.updateMaster, "update-master", false, "replace the master build with this run's screenshots")
	fl.BoolVar(&f.serve, "serve", false, "keep the comparison server running after the run")
	fl.BoolVar(&f.headful, "headful", false, "show the browser windows")
	fl.BoolVar(&f.noTUI, "no-tui", false, "log progress instead of showing the terminal UI")
	fl.StringVar(&f.reportPath, "report", "report.json", "report file, relative to --input")
	fl.StringVar(&f.execPath, "chrome", "", "browser binary (default: $CHROME_BIN or a standard install)")
	fl.StringVar(&f.driver, "driver", driverChromedp, "browser driver: chromedp or rod")
	return cmd
}

const (
	driverChromedp = "chromedp"
	driverRod      = "rod"
)

// shootFunc renders one case and returns the PNG and the browser instance
// that rendered it.
type shootFunc func(ctx context.Context, c *config.Case) ([]byte, int, error)

type runner struct {
	bc      screenshot.BuildContext
	orch    *compare.Orchestrator
	shoot   shootFunc
	timeout time.Duration
	send    func(ui.Event)
}

func caseID(c *config.Case) string {
	return c.Source + "#" + c.Name + "@" + c.Profile.Device + fmt.Sprintf("/%dx%d", c.Profile.Width, c.Profile.Height)
}

// runCase captures and evaluates c, retrying failed attempts up to c.Retry
// times. Errors end up in the result, never in the return value.
func (r *runner) runCase(ctx context.Context, c *config.Case) report.CaseResult {
	res := report.CaseResult{Name: c.Name, URL: c.URL, Device: c.Profile.Device}
	id := caseID(c)
	r.send(ui.Event{Type: ui.EvtStart, ID: id, Name: c.Name, Device: c.Profile.Device, URL: c.URL})

	for attempt := 0; attempt <= c.Retry; attempt++ {
		res.Status, res.Error, res.Message, res.Comparison = r.attempt(ctx, c)
		if res.Status == report.StatusPass || res.Status == report.StatusNew || ctx.Err() != nil {
			break
		}
		if attempt < c.Retry {
			logging.L.Info("retrying screenshot", zap.String("name", c.Name), zap.String("device", c.Profile.Device), zap.Int("attempt", attempt+1))
		}
	}

	done := ui.Event{Type: ui.EvtDone, ID: id, Name: c.Name, Device: c.Profile.Device, URL: c.URL, Status: res.Status, Error: res.Error}
	if res.Status == report.StatusFail && res.Comparison != nil {
		done.Detail = fmt.Sprintf("%s px, %.2f%%", humanize.Comma(int64(res.Comparison.MismatchedPixels)), res.Comparison.MismatchedRatio*100)
	}
	r.send(done)
	return res
}

func (r *runner) attempt(ctx context.Context, c *config.Case) (status, errMsg, msg string, cmp *screenshot.Comparison) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	png, inst, err := r.shoot(ctx, c)
	if err != nil {
		logging.L.Warn("capture failed", zap.String("name", c.Name), zap.Int("instance", inst), zap.Error(err))
		return report.StatusError, err.Error(), "", nil
	}

	cmp, err = r.orch.Compare(ctx, r.bc, c.Profile, png, c.Name, c.Threshold)
	if err != nil {
		return report.StatusError, err.Error(), "", nil
	}
	if cmp.IsNew || r.bc.UpdateMaster {
		return report.StatusNew, "", "", cmp
	}

	v, err := report.Evaluate(cmp, c.Expect)
	if err != nil {
		return report.StatusError, err.Error(), "", cmp
	}
	if !v.Pass {
		return report.StatusFail, "", v.Message, cmp
	}
	return report.StatusPass, "", v.Message, cmp
}

func runAll(parent context.Context, g *globalFlags, f runFlags) error {
	if parent == nil {
		parent = context.Background()
	}
	rootCtx, rootCancel := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer rootCancel()

	p, err := loadProject(g, f.updateMaster)
	if err != nil {
		return err
	}
	cases, err := p.cfg.FindAndParseCases(p.dir)
	if err != nil {
		logging.L.Error("failed to find/parse case files", zap.String("dir", p.dir), zap.Error(err))
		return err
	}
	if len(cases) == 0 {
		return fmt.Errorf("no test cases matching *%s found below %s", p.cfg.TestPattern, p.dir)
	}

	bc, err := p.conn.Init(rootCtx)
	if err != nil {
		return err
	}

	if t := p.cfg.Target; t != nil {
		tc, err := target.Prepare(rootCtx, t, p.dir)
		if err != nil {
			return err
		}
		defer tc.Stop()
	}

	var srv *server.Controller
	if f.serve {
		srv, err = server.Start(rootCtx, p.conn, server.Options{Host: p.cfg.Server.Host, Port: p.cfg.Server.Port})
		if err != nil {
			return err
		}
		defer srv.Stop()
		bc.CompareURLTemplate = srv.CompareURLTemplate()
	} else {
		page := (&url.URL{Scheme: "file", Path: filepath.ToSlash(p.conn.Layout().ComparePage)}).String()
		bc.CompareURLTemplate = page + "#{id}"
	}

	bopts := browser.Options{
		Instances: min(max(f.instances, 1), len(cases)),
		ExecPath:  f.execPath,
		Headless:  !f.headful,
	}
	request := func(c *config.Case) (capture.Request, error) {
		u, err := capture.ResolveURL(p.cfg.BaseURL, c.URL)
		if err != nil {
			return capture.Request{}, err
		}
		return capture.Request{
			URL:           u,
			Profile:       c.Profile,
			WaitSelectors: p.cfg.WaitSelectors,
			Actions:       c.Actions,
			FullPage:      p.cfg.FullPage,
		}, nil
	}

	var shoot shootFunc
	switch f.driver {
	case driverChromedp:
		brs, err := browser.LaunchPool(rootCtx, bopts)
		if err != nil {
			return err
		}
		defer brs.CloseAll()
		shoot = func(ctx context.Context, c *config.Case) ([]byte, int, error) {
			inst, err := brs.Pick()
			if err != nil {
				return nil, -1, err
			}
			req, err := request(c)
			if err != nil {
				return nil, inst.ID, err
			}
			png, err := capture.Capture(ctx, inst, req)
			return png, inst.ID, err
		}
	case driverRod:
		rb, err := capture.LaunchRod(rootCtx, bopts)
		if err != nil {
			return err
		}
		defer rb.Close()
		shoot = func(ctx context.Context, c *config.Case) ([]byte, int, error) {
			req, err := request(c)
			if err != nil {
				return nil, 0, err
			}
			png, err := rb.Capture(ctx, req)
			return png, 0, err
		}
	default:
		return fmt.Errorf("unknown driver %q, want %s or %s", f.driver, driverChromedp, driverRod)
	}

	r := &runner{
		bc:      bc,
		orch:    compare.New(p.conn.Images(), p.conn, pixeldiff.New(p.conn.Images(), p.conn.Layout().CacheDir)),
		timeout: time.Duration(max(f.timeoutSec, 1)) * time.Second,
		shoot:   shoot,
	}

	var start progressUI
	if !f.noTUI {
		start = ui.Run
	}
	results := captureAll(rootCtx, rootCancel, r, cases, f.concurrency, start)
	if err := rootCtx.Err(); err != nil {
		logging.L.Warn("run aborted before the build was completed", zap.Error(err))
		return err
	}

	if _, err := p.conn.CompleteBuild(rootCtx); err != nil {
		return err
	}
	idx, err := p.conn.Index(rootCtx)
	if err != nil {
		return err
	}
	page, err := p.conn.PublishBuild(rootCtx, idx)
	if err != nil {
		return err
	}

	rep := report.New(bc.BuildID, results, time.Now())
	rep.ComparePage = page
	reportPath := f.reportPath
	if !filepath.IsAbs(reportPath) {
		reportPath = filepath.Join(p.dir, reportPath)
	}
	if err := report.Write(reportPath, rep); err != nil {
		return err
	}
	logging.L.Info("wrote report", zap.String("file", reportPath))

	printResults(os.Stdout, rep)
	fmt.Fprintf(os.Stdout, "comparison page: %s\n", page)

	if srv != nil {
		fmt.Fprintf(os.Stdout, "comparison server: %s (Ctrl+C to stop)\n", srv.RootURL())
		<-rootCtx.Done()
	}

	if !rep.OK() {
		return errFailed
	}
	return nil
}

// progressUI shows live progress for total cases. It calls abort when the
// user quits it, and stop returns once the terminal is restored.
type progressUI func(ctx context.Context, total int, abort func()) (send func(ui.Event), stop func())

// captureAll runs every case on a pool of concurrency workers. Progress goes
// to the UI from start, or to the log when start is nil. While the UI runs,
// stderr logging is held back. Both are restored before captureAll returns
// so later output owns the terminal.
func captureAll(ctx context.Context, abort func(), r *runner, cases []*config.Case, concurrency int, start progressUI) []report.CaseResult {
	stop := func() {}
	r.send = logEvent
	if start != nil {
		release := logging.HoldConsole()
		send, stopUI := start(ctx, len(cases), abort)
		r.send = send
		stop = func() {
			stopUI()
			release()
		}
	}

	results := make([]report.CaseResult, len(cases))
	wp := pool.New(concurrency)
	for i, c := range cases {
		i, c := i, c
		wp.Go(func() error {
			results[i] = r.runCase(ctx, c)
			return nil
		})
	}
	if err := wp.Wait(); err != nil {
		logging.L.Error("screenshot workers failed", zap.Error(err))
	}
	stop()
	return results
}

// printResults writes the summary line, colored by outcome, and a table of
// the cases that did not pass.
func printResults(w io.Writer, rep report.Report) {
	headline := color.New(color.FgGreen, color.Bold)
	switch {
	case rep.Errored > 0 && rep.Failed == 0:
		headline = color.New(color.FgYellow, color.Bold)
	case !rep.OK():
		headline = color.New(color.FgRed, color.Bold)
	}
	headline.Fprintln(w, rep.Summary())

	if rep.Total > rep.Passed {
		fmt.Fprintln(w, rep.Table(false))
	}
}

func logEvent(e ui.Event) {
	switch e.Type {
	case ui.EvtStart:
		logging.L.Info("screenshot started", zap.String("name", e.Name), zap.String("device", e.Device), zap.String("url", e.URL))
	case ui.EvtDone:
		logging.L.Info("screenshot done", zap.String("name", e.Name), zap.String("device", e.Device), zap.String("status", e.Status), zap.String("detail", e.Detail), zap.String("error", e.Error))
	}
}
