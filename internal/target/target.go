// Package target builds and serves the static app under test when the
// config asks qshot to host it.
package target

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/maxischmaxi/qshot/internal/config"
	"github.com/maxischmaxi/qshot/internal/logging"
	"github.com/maxischmaxi/qshot/internal/tools"
	"go.uber.org/zap"
)

var ErrEmptyBuildCmd = errors.New("target: build command empty")

type Controller struct {
	srv     *http.Server
	started bool
	port    int
}

// Started reports whether this controller runs the server itself, as
// opposed to reusing one already listening on the port.
func (c *Controller) Started() bool { return c != nil && c.started }

func (c *Controller) Port() int { return c.port }

func (c *Controller) Stop() {
	if c == nil || c.srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()
	_ = c.srv.Shutdown(ctx)
}

// Prepare builds t if needed and serves its build dir unless the port is
// already taken.
func Prepare(ctx context.Context, t *config.Target, workDir string) (*Controller, error) {
	if t.BuildCmd != "" {
		if err := BuildIfNeeded(ctx, t.BuildCmd, t.BuildDir, workDir, t.Force); err != nil {
			return nil, err
		}
	}
	return ServeDirIfNeeded(ctx, t.Port, t.BuildDir, t.HealthPath, time.Duration(t.WaitSec)*time.Second)
}

func BuildIfNeeded(ctx context.Context, buildCmd, buildDir, workDir string, force bool) error {
	logging.L.Info("target: BuildIfNeeded",
		zap.String("buildCmd", buildCmd),
		zap.String("buildDir", buildDir),
		zap.String("workDir", workDir),
		zap.Bool("force", force),
	)

	if !force {
		if st, err := os.Stat(buildDir); err == nil && st.IsDir() {
			return nil
		}
	}

	bin, args := splitCmd(buildCmd)
	if bin == "" {
		logging.L.Error("target: build command empty")
		return ErrEmptyBuildCmd
	}

	cmd := exec.CommandContext(ctx, bin, args...)
	if workDir != "" {
		cmd.Dir = workDir
	}

	logging.L.Info("target: running build command",
		zap.String("cmd", buildCmd),
		zap.String("workDir", cmd.Dir),
	)
	if out, err := cmd.CombinedOutput(); err != nil {
		logging.L.Error("target: build command failed", zap.Error(err), zap.ByteString("output", tail(out, 4096)))
		return fmt.Errorf("target: build command failed: %w", err)
	}

	if st, err := os.Stat(buildDir); err != nil || !st.IsDir() {
		logging.L.Error("target: buildDir not found after build", zap.String("buildDir", buildDir))
		return fmt.Errorf("target: buildDir %q not found after build", buildDir)
	}

	logging.L.Info("target: build OK", zap.String("buildDir", buildDir))
	return nil
}

func tail(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[len(b)-n:]
}

func splitCmd(s string) (string, []string) {
	parts := strings.Fields(s)
	if len(parts) == 0 {
		return "", nil
	}
	return parts[0], parts[1:]
}

func ServeDirIfNeeded(ctx context.Context, port int, dir, healthPath string, wait time.Duration) (*Controller, error) {
	if tools.IsPortOpen(port, 200*time.Millisecond) {
		logging.L.Info("target: assuming already running", zap.Int("port", port))
		return &Controller{port: port}, nil
	}

	logging.L.Info("target: starting static server",
		zap.Int("port", port),
		zap.String("dir", dir),
		zap.String("healthPath", healthPath),
		zap.Duration("wait", wait),
	)
	if st, err := os.Stat(dir); err != nil || !st.IsDir() {
		logging.L.Error("target: build dir missing", zap.String("dir", dir))
		return nil, fmt.Errorf("target: build dir %q missing", dir)
	}

	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		logging.L.Error("target: listen failed", zap.Int("port", port), zap.Error(err))
		return nil, err
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Handle("/*", withIndexFallback(dir))

	srv := &http.Server{
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ErrorLog:          zap.NewStdLog(logging.L),
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.L.Error("target: serve failed", zap.Error(err))
		}
	}()

	c := &Controller{srv: srv, started: true, port: port}
	if !WaitHTTP(ctx, port, healthPath, wait) {
		c.Stop()
		return nil, fmt.Errorf("target: static server not ready on port %d", port)
	}
	return c, nil
}

// withIndexFallback serves files from dir and answers every unknown path
// with index.html, the way single page apps expect.
func withIndexFallback(dir string) http.Handler {
	fs := http.FileServer(http.Dir(dir))
	indexPath := filepath.Join(dir, "index.html")

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := filepath.Join(dir, filepath.Clean("/"+r.URL.Path))
		if st, err := os.Stat(p); err == nil && !st.IsDir() {
			fs.ServeHTTP(w, r)
			return
		}

		f, err := os.Open(indexPath)
		if err != nil {
			http.NotFound(w, r)
			return
		}
		defer f.Close()
		st, err := f.Stat()
		if err != nil {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Cache-Control", "no-cache")
		http.ServeContent(w, r, "index.html", st.ModTime(), f)
	})
}

// WaitHTTP polls path on the local port until it answers below 500.
func WaitHTTP(ctx context.Context, port int, path string, timeout time.Duration) bool {
	logging.L.Info("target: WaitHTTP",
		zap.Int("port", port),
		zap.String("path", path),
		zap.Duration("timeout", timeout),
	)
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	client := &http.Client{Timeout: 2 * time.Second}
	url := fmt.Sprintf("http://127.0.0.1:%d%s", port, path)
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return false
		}
		resp, err := client.Do(req)
		if err == nil {
			_ = resp.Body.Close()
			if resp.StatusCode >= 200 && resp.StatusCode < 500 {
				return true
			}
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(250 * time.Millisecond):
		}
	}
	return false
}
