package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/maxischmaxi/qshot/internal/logging"
	"go.uber.org/zap"
)

const (
	DefaultHost = "localhost"
	DefaultPort = 5543
	// ports tried above the requested one before giving up
	maxPortAttempts = 100
)

type Options struct {
	Host string
	Port int
}

// Controller owns a running comparison server.
type Controller struct {
	srv       *http.Server
	root      string
	port      int
	listening atomic.Bool
	done      chan struct{}
}

// Start serves backend on the first free port at or above opts.Port.
func Start(ctx context.Context, backend Backend, opts Options) (*Controller, error) {
	if opts.Host == "" {
		opts.Host = DefaultHost
	}
	if opts.Port <= 0 {
		opts.Port = DefaultPort
	}

	ln, port, err := listenClosest(opts.Host, opts.Port)
	if err != nil {
		logging.L.Error("server: no free port", zap.String("host", opts.Host), zap.Int("from", opts.Port), zap.Error(err))
		return nil, err
	}

	srv := &http.Server{
		Handler:           New(backend),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	c := &Controller{
		srv:  srv,
		root: fmt.Sprintf("http://%s/", net.JoinHostPort(opts.Host, strconv.Itoa(port))),
		port: port,
		done: make(chan struct{}),
	}
	c.listening.Store(true)

	go func() {
		defer close(c.done)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.L.Error("server: serve failed", zap.Error(err))
		}
		c.listening.Store(false)
	}()

	logging.L.Info("server: listening", zap.String("url", c.root))
	return c, nil
}

func listenClosest(host string, port int) (net.Listener, int, error) {
	var lastErr error
	for p := port; p < port+maxPortAttempts && p <= 65535; p++ {
		ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(p)))
		if err == nil {
			return ln, p, nil
		}
		lastErr = err
		logging.L.Debug("server: port busy", zap.Int("port", p), zap.Error(err))
	}
	return nil, 0, fmt.Errorf("server: no free port in %d-%d: %w", port, port+maxPortAttempts-1, lastErr)
}

func (c *Controller) Stop() {
	if c == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()
	if c.srv != nil {
		_ = c.srv.Shutdown(ctx)
	}
	c.listening.Store(false)
}

// Wait blocks until the server has stopped serving.
func (c *Controller) Wait() {
	<-c.done
}

func (c *Controller) Port() int { return c.port }

func (c *Controller) RootURL() string { return c.root }

func (c *Controller) IsListening() bool { return c.listening.Load() }

// CompareURL opens the viewer on two snapshot ids side by side.
func (c *Controller) CompareURL(a, b string) string {
	return c.root + url.PathEscape(a) + "/" + url.PathEscape(b)
}

func (c *Controller) SnapshotURL(id string) string {
	return c.root + url.PathEscape(id)
}

// CompareURLTemplate is the template comparisons use to link to this
// server's viewer.
func (c *Controller) CompareURLTemplate() string {
	return c.root + "?id={id}&expected={expectedImage}&received={receivedImage}"
}
