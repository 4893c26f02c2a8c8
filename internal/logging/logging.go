// Package logging holds the process wide zap logger. Log lines go to stderr
// and optionally to a rotated file; stdout is left to command output.
package logging

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Config struct {
	Level       string // debug, info, warn or error
	FilePath    string // empty disables the log file
	MaxSizeMB   int
	MaxBackups  int
	MaxAgeDays  int
	JSON        bool
	Console     bool // log to stderr
	Development bool // stack traces from warn up
}

// L and S are usable before Init; they discard everything until then.
var (
	L = zap.NewNop()
	S = L.Sugar()
)

var levelAliases = map[string]string{"warning": "warn", "err": "error"}

// level parses cfg.Level; empty means error, the CLI default.
func (cfg Config) level() (zapcore.Level, error) {
	name := strings.ToLower(strings.TrimSpace(cfg.Level))
	if name == "" {
		return zapcore.ErrorLevel, nil
	}
	if alias, ok := levelAliases[name]; ok {
		name = alias
	}
	lvl, err := zapcore.ParseLevel(name)
	if err != nil {
		return 0, fmt.Errorf("unknown log level %q, want debug, info, warn or error", cfg.Level)
	}
	return lvl, nil
}

func encoder(json bool) zapcore.Encoder {
	if json {
		ec := zap.NewProductionEncoderConfig()
		ec.TimeKey = "ts"
		ec.EncodeTime = zapcore.TimeEncoderOfLayout(time.RFC3339)
		ec.EncodeLevel = zapcore.LowercaseLevelEncoder
		return zapcore.NewJSONEncoder(ec)
	}
	ec := zap.NewDevelopmentEncoderConfig()
	ec.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05")
	return zapcore.NewConsoleEncoder(ec)
}

// rotating is the log file sink. Files are kept for a handful of runs.
func rotating(cfg Config) zapcore.WriteSyncer {
	pick := func(v, def int) int {
		if v > 0 {
			return v
		}
		return def
	}
	return zapcore.AddSync(&lumberjack.Logger{
		Filename:   cfg.FilePath,
		MaxSize:    pick(cfg.MaxSizeMB, 100),
		MaxBackups: pick(cfg.MaxBackups, 5),
		MaxAge:     pick(cfg.MaxAgeDays, 14),
		Compress:   true,
	})
}

func build(cfg Config, stderr zapcore.WriteSyncer) (*zap.Logger, error) {
	lvl, err := cfg.level()
	if err != nil {
		return nil, err
	}

	var cores []zapcore.Core
	if cfg.FilePath != "" {
		cores = append(cores, zapcore.NewCore(encoder(cfg.JSON), rotating(cfg), lvl))
	}
	if cfg.Console {
		cores = append(cores, zapcore.NewCore(encoder(cfg.JSON), stderr, lvl))
	}
	if len(cores) == 0 {
		return zap.NewNop(), nil
	}

	opts := []zap.Option{zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel)}
	if cfg.Development {
		opts = append(opts, zap.Development(), zap.AddStacktrace(zapcore.WarnLevel))
	}
	return zap.New(zapcore.NewTee(cores...), opts...), nil
}

// Init replaces L and S. The returned func flushes buffered entries.
func Init(cfg Config) (func(), error) {
	l, err := build(cfg, zapcore.AddSync(console))
	if err != nil {
		return nil, err
	}
	L = l
	S = L.Sugar()
	return func() { _ = L.Sync() }, nil
}

// console is the stderr sink shared by every logger built by Init.
var console = newHeldWriter(os.Stderr, 4<<20)

// HoldConsole buffers stderr log output until release is called, so log
// lines do not tear through the progress UI while it owns the terminal.
func HoldConsole() (release func()) {
	return console.hold()
}

// heldWriter passes writes through unless held. Held output beyond limit
// bytes is dropped and reported on release.
type heldWriter struct {
	mu      sync.Mutex
	out     io.Writer
	limit   int
	holds   int
	buf     bytes.Buffer
	dropped int
}

func newHeldWriter(out io.Writer, limit int) *heldWriter {
	return &heldWriter{out: out, limit: limit}
}

func (w *heldWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.holds == 0 {
		return w.out.Write(p)
	}
	if w.buf.Len()+len(p) > w.limit {
		w.dropped += len(p)
		return len(p), nil
	}
	return w.buf.Write(p)
}

func (w *heldWriter) hold() func() {
	w.mu.Lock()
	w.holds++
	w.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(w.release)
	}
}

func (w *heldWriter) release() {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.holds--
	if w.holds > 0 {
		return
	}
	_, _ = w.out.Write(w.buf.Bytes())
	w.buf.Reset()
	if w.dropped > 0 {
		fmt.Fprintf(w.out, "(%d bytes of log output dropped while the progress UI was shown)\n", w.dropped)
		w.dropped = 0
	}
}
