// Package api serves the read side of the catcher: users, their messages,
// a live event stream, probes, metrics and the embedded web page.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.io/infrasutra/smtpbox/internal/mailparse"
	"github.io/infrasutra/smtpbox/internal/pagination"
	"github.io/infrasutra/smtpbox/internal/sse"
	"github.io/infrasutra/smtpbox/internal/store"
	webassets "github.io/infrasutra/smtpbox/web"
)

const (
	keepAliveInterval = 20 * time.Second
	readyTimeout      = 2 * time.Second
)

type Server struct {
	store    store.Store
	hub      *sse.Hub
	logger   *slog.Logger
	mux      *http.ServeMux
	staticFS fs.FS
	staticOK bool
}

func NewServer(st store.Store, hub *sse.Hub, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	staticFS, err := webassets.Dist()
	staticOK := err == nil
	if err != nil {
		logger.Warn("ui assets not embedded", "error", err)
	}
	server := &Server{
		store:    st,
		hub:      hub,
		logger:   logger,
		staticFS: staticFS,
		staticOK: staticOK,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/users", server.handleUsers)
	mux.HandleFunc("GET /api/users/{user}/emails", server.handleEmails)
	// Message-IDs may contain '/', so the id is the rest of the path.
	mux.HandleFunc("GET /api/users/{user}/emails/{messageId...}", server.handleEmail)
	mux.HandleFunc("GET /api/users/{user}/emails/{messageId}/raw", server.handleRaw)
	mux.HandleFunc("GET /api/users/{user}/raw/{messageId...}", server.handleRaw)
	mux.HandleFunc("GET /api/users/{user}/stream", server.handleUserStream)
	mux.HandleFunc("GET /api/stream", server.handleStream)
	mux.HandleFunc("GET /health", server.handleHealth)
	mux.HandleFunc("GET /ready", server.handleReady)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("/api/", http.NotFound)
	mux.HandleFunc("/", server.serveStatic)
	server.mux = mux
	return server
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) serveStatic(w http.ResponseWriter, r *http.Request) {
	if !s.staticOK {
		s.respondText(w, http.StatusNotFound, "UI not embedded.")
		return
	}

	cleaned := strings.TrimPrefix(path.Clean(r.URL.Path), "/")
	if cleaned == "" {
		cleaned = "index.html"
	}

	if strings.HasPrefix(cleaned, "assets/") {
		if s.serveEmbeddedFile(w, r, cleaned) {
			return
		}
		http.NotFound(w, r)
		return
	}

	if s.serveEmbeddedFile(w, r, cleaned) {
		return
	}

	if s.serveEmbeddedFile(w, r, "index.html") {
		return
	}

	s.respondText(w, http.StatusNotFound, "UI not embedded.")
}

func (s *Server) serveEmbeddedFile(w http.ResponseWriter, r *http.Request, name string) bool {
	file, err := s.staticFS.Open(name)
	if err != nil {
		return false
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil || info.IsDir() {
		return false
	}

	if seeker, ok := file.(io.ReadSeeker); ok {
		http.ServeContent(w, r, info.Name(), info.ModTime(), seeker)
		return true
	}

	data, err := io.ReadAll(file)
	if err != nil {
		return false
	}
	http.ServeContent(w, r, info.Name(), info.ModTime(), bytes.NewReader(data))
	return true
}

func (s *Server) handleUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.store.ListUsers(r.Context())
	if err != nil {
		s.respondStoreError(w, r, "list users", err)
		return
	}
	if users == nil {
		users = []string{}
	}
	s.respondJSON(w, http.StatusOK, users)
}

func (s *Server) handleEmails(w http.ResponseWriter, r *http.Request) {
	user := r.PathValue("user")
	summaries, err := s.store.ListForUser(r.Context(), user)
	if err != nil {
		s.respondStoreError(w, r, "list emails", err)
		return
	}
	if summaries == nil {
		summaries = []store.Summary{}
	}

	q := r.URL.Query()
	if !pagination.Requested(q) {
		s.respondJSON(w, http.StatusOK, summaries)
		return
	}
	s.respondJSON(w, http.StatusOK, pagination.Apply(summaries, pagination.FromQuery(q)))
}

func (s *Server) handleEmail(w http.ResponseWriter, r *http.Request) {
	user, id := r.PathValue("user"), r.PathValue("messageId")
	raw, err := s.store.Get(r.Context(), user, id)
	if err != nil {
		s.respondStoreError(w, r, "get email", err)
		return
	}

	detail, err := mailparse.ParseDetail(raw)
	if err != nil {
		// The raw bytes were accepted at ingest; render what is available.
		s.logger.Warn("render email", "user", user, "messageId", id, "error", err)
	}
	if detail.MessageID == "" {
		detail.MessageID = id
	}
	s.respondJSON(w, http.StatusOK, detail)
}

func (s *Server) handleRaw(w http.ResponseWriter, r *http.Request) {
	user, id := r.PathValue("user"), r.PathValue("messageId")
	raw, err := s.store.Get(r.Context(), user, id)
	if err != nil {
		s.respondStoreError(w, r, "get raw email", err)
		return
	}
	w.Header().Set("Content-Type", "message/rfc822")
	w.Header().Set("Content-Disposition", fmt.Sprintf("inline; filename=%q", sanitizeFilename(id)+".eml"))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(raw)
}

func (s *Server) handleUserStream(w http.ResponseWriter, r *http.Request) {
	s.stream(w, r, r.PathValue("user"))
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	s.stream(w, r, sse.AllUsers)
}

func (s *Server) stream(w http.ResponseWriter, r *http.Request, user string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch, unsubscribe := s.hub.Subscribe(user)
	defer unsubscribe()

	_, _ = w.Write([]byte("event: ready\ndata: {}\n\n"))
	flusher.Flush()

	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case payload, ok := <-ch:
			if !ok {
				return
			}
			_, _ = w.Write(payload)
			flusher.Flush()
		case <-ticker.C:
			_, _ = w.Write([]byte(": ping\n\n"))
			flusher.Flush()
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.respondText(w, http.StatusOK, "ok")
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		s.logger.Warn("readiness check failed", "error", err)
		s.respondText(w, http.StatusServiceUnavailable, "storage unavailable")
		return
	}
	s.respondText(w, http.StatusOK, "ready")
}

// respondStoreError keeps a missing record and an unreachable backend apart.
func (s *Server) respondStoreError(w http.ResponseWriter, r *http.Request, op string, err error) {
	switch {
	case errors.Is(err, context.Canceled):
		return
	case store.IsNotFound(err):
		http.Error(w, "not found", http.StatusNotFound)
	case store.IsUnavailable(err):
		s.logger.Error(op, "path", r.URL.Path, "error", err)
		http.Error(w, "storage unavailable", http.StatusServiceUnavailable)
	default:
		s.logger.Error(op, "path", r.URL.Path, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Warn("write response", "error", err)
	}
}

func (s *Server) respondText(w http.ResponseWriter, status int, payload string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(payload))
}

func sanitizeFilename(value string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r == '/' || r == '\\' || r == '"' || r < 0x20:
			return '_'
		default:
			return r
		}
	}, value)
}
