package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/zeusync/worldsync/internal/api"
	"github.com/zeusync/worldsync/internal/core/observability/log"
	"github.com/zeusync/worldsync/internal/core/serial"
)

// AdminHandler serves the read-only HTTP admin API.
type AdminHandler struct {
	server *Server
	logger log.Log
}

func NewAdminHandler(server *Server) *AdminHandler {
	return &AdminHandler{
		server: server,
		logger: server.logger.With(log.String("component", "admin")),
	}
}

// Router returns a chi router with every admin route mounted.
func (h *AdminHandler) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(h.logRequests)
	h.RegisterRoutes(r)
	return r
}

func (h *AdminHandler) RegisterRoutes(r chi.Router) {
	r.Get("/healthz", h.healthz)
	r.Get("/games", h.games)
	r.Get("/stats", h.stats)
	r.Get("/blobs/{hash}", h.blob)
	r.Get("/blobs/{hash}/dependencies", h.dependencies)
}

func (h *AdminHandler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		h.logger.Debug("Admin request",
			log.String("method", r.Method),
			log.String("path", r.URL.Path),
			log.Int("status", ww.Status()),
			log.Duration("elapsed", time.Since(start)))
	})
}

func (h *AdminHandler) healthz(w http.ResponseWriter, _ *http.Request) {
	if !h.server.Running() {
		http.Error(w, "not running", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

func (h *AdminHandler) games(w http.ResponseWriter, _ *http.Request) {
	games := h.server.Games().List()
	out := make([]api.GameInfo, 0, len(games))
	for _, g := range games {
		out = append(out, g.Info())
	}
	writeJSON(w, out)
}

func (h *AdminHandler) stats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, h.server.GetStats())
}

func (h *AdminHandler) blob(w http.ResponseWriter, r *http.Request) {
	hash, ok := hashParam(w, r)
	if !ok {
		return
	}
	data, found := h.server.Encoder().Blob(hash)
	if !found {
		http.Error(w, "blob not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write(data)
}

func (h *AdminHandler) dependencies(w http.ResponseWriter, r *http.Request) {
	hash, ok := hashParam(w, r)
	if !ok {
		return
	}
	deps, found := h.server.Encoder().DependenciesOf(hash)
	if !found {
		http.Error(w, "no dependency record", http.StatusNotFound)
		return
	}
	if deps == nil {
		deps = []serial.Hash{}
	}
	writeJSON(w, deps)
}

func hashParam(w http.ResponseWriter, r *http.Request) (serial.Hash, bool) {
	hash, err := serial.ParseHash(chi.URLParam(r, "hash"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return serial.Hash{}, false
	}
	return hash, true
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
