// Package server is the comparison viewer's HTTP side: it serves stored
// images and build data, applies promote/delete requests and ships the
// embedded viewer app.
package server

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/maxischmaxi/qshot/internal/imagestore"
	"github.com/maxischmaxi/qshot/internal/logging"
	"github.com/maxischmaxi/qshot/internal/metrics"
	"github.com/maxischmaxi/qshot/internal/screenshot"
	"go.uber.org/zap"
)

const (
	deleteParam    = "delete_snapshot"
	setMasterParam = "set_master_snapshot"
	dataFile       = "data.json"
)

//go:embed app
var appFS embed.FS

// Backend is the storage the server works against. Every call reads the
// current state from the backend; the server keeps none of its own.
type Backend interface {
	Index(ctx context.Context) (*screenshot.Index, error)
	OpenImage(ctx context.Context, name string) (io.ReadCloser, error)
	DeleteSnapshot(ctx context.Context, id string) (*screenshot.Index, error)
	PromoteSnapshot(ctx context.Context, id string) (*screenshot.Index, error)
}

type Server struct {
	backend Backend
	// serializes mutations
	mu     sync.Mutex
	router chi.Router
}

func New(backend Backend) *Server {
	s := &Server{backend: backend}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(defaultHeaders)
	r.Use(requestLogger)

	r.Get("/metrics", metrics.Handler().ServeHTTP)
	r.Get("/*", s.serve)
	r.Post("/*", s.serve)

	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func defaultHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Cache-Control", "no-cache, no-store, must-revalidate, max-age=0")
		h.Set("Expires", "0")
		h.Set("X-Powered-By", "qshot screenshot server")
		h.Set("Access-Control-Allow-Origin", "*")
		next.ServeHTTP(w, r)
	})
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		logging.L.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("took", time.Since(start)),
		)
	})
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if id := q.Get(deleteParam); id != "" {
		s.mutate(w, r, id, s.backend.DeleteSnapshot)
		return
	}
	if id := q.Get(setMasterParam); id != "" {
		s.mutate(w, r, id, s.backend.PromoteSnapshot)
		return
	}

	p := strings.TrimPrefix(r.URL.Path, "/")
	switch {
	case strings.HasSuffix(p, ".png"):
		s.image(w, r, path.Base(p))
	case strings.HasSuffix(p, ".json"):
		s.data(w, r, path.Base(p))
	default:
		s.app(w, r, p)
	}
}

func (s *Server) mutate(w http.ResponseWriter, r *http.Request, id string, fn func(context.Context, string) (*screenshot.Index, error)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ix, err := fn(r.Context(), id)
	if err != nil {
		logging.L.Warn("snapshot mutation failed", zap.String("id", id), zap.Error(err))
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ix)
}

func (s *Server) image(w http.ResponseWriter, r *http.Request, name string) {
	rc, err := s.backend.OpenImage(r.Context(), name)
	if err != nil {
		if !errors.Is(err, imagestore.ErrNotFound) && !errors.Is(err, imagestore.ErrInvalidName) {
			logging.L.Error("failed to open image", zap.String("image", name), zap.Error(err))
		}
		writeText(w, http.StatusNotFound, "image not found: "+name)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "image/png")
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		logging.L.Debug("image stream interrupted", zap.String("image", name), zap.Error(err))
	}
}

func (s *Server) data(w http.ResponseWriter, r *http.Request, name string) {
	ix, err := s.backend.Index(r.Context())
	if err != nil {
		logging.L.Error("failed to read build index", zap.Error(err))
		writeError(w, err)
		return
	}

	if name == dataFile {
		writeJSON(w, http.StatusOK, ix)
		return
	}

	id := strings.TrimSuffix(name, ".json")
	rec := ix.Find(id)
	if rec == nil {
		writeError(w, fmt.Errorf("%w: %s", screenshot.ErrNotFound, id))
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) app(w http.ResponseWriter, r *http.Request, p string) {
	ext := path.Ext(p)
	switch ext {
	case ".css", ".js":
		b, err := fs.ReadFile(appFS, path.Join("app", path.Clean("/"+p)))
		if err != nil {
			writeText(w, http.StatusNotFound, "not found: "+p)
			return
		}
		ct := "text/css; charset=utf-8"
		if ext == ".js" {
			ct = "application/javascript; charset=utf-8"
		}
		w.Header().Set("Content-Type", ct)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(b)
	case "":
		b, err := fs.ReadFile(appFS, "app/index.html")
		if err != nil {
			writeText(w, http.StatusInternalServerError, err.Error())
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(b)
	default:
		writeText(w, http.StatusNotFound, "invalid path")
	}
}

type errorBody struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, screenshot.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, screenshot.ErrMasterSnapshot):
		status = http.StatusConflict
	case errors.Is(err, screenshot.ErrInvalidID):
		status = http.StatusBadRequest
	}
	writeJSON(w, status, errorBody{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.L.Debug("failed to write response", zap.Error(err))
	}
}

func writeText(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, msg)
}
