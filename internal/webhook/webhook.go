// Package webhook is the HTTP surface of spec.md §6: the chat-platform
// update webhook, the direct-upload web surface ("/upload",
// "/api/signed-url", "/api/process"), and the admin stats/dashboard
// endpoints, all routed over Go 1.22's method-pattern [http.ServeMux] the
// way internal/health registers its routes.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/MrWong99/voxscribe/internal/chatapi"
	"github.com/MrWong99/voxscribe/internal/joberr"
	"github.com/MrWong99/voxscribe/internal/orchestrate"
)

// Orchestrator is the narrow surface this package needs from
// [orchestrate.Service].
type Orchestrator interface {
	HandleUpdate(ctx context.Context, upd *chatapi.Update) error
	AuthenticateUpload(initData map[string]string) (string, error)
	IssueUploadURL(ctx context.Context, userID, ext string) (url, key string, err error)
	AcceptUpload(ctx context.Context, userID, key string, declaredSeconds float64, chatID int64) (string, error)
	IsAdmin(userID int64) bool
	Stats() orchestrate.Stats
}

// Server serves voxscribe's HTTP surface.
type Server struct {
	svc         Orchestrator
	statsTicker time.Duration
	upgrader    websocket.Upgrader
	publicBase  string
	region      string
	version     string
}

// Config configures a Server.
type Config struct {
	PublicBaseURL string
	Region        string
	Version       string
	// StatsPushInterval controls how often /admin/ws pushes a fresh
	// [orchestrate.Service.Stats] snapshot. Defaults to 2s.
	StatsPushInterval time.Duration
}

// New builds a Server over svc.
func New(svc Orchestrator, cfg Config) *Server {
	interval := cfg.StatsPushInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Server{
		svc:         svc,
		statsTicker: interval,
		publicBase:  cfg.PublicBaseURL,
		region:      cfg.Region,
		version:     cfg.Version,
		upgrader:    websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024},
	}
}

// Register adds every route this package serves to mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /{$}", s.handleStatus)
	mux.HandleFunc("POST /webhook", s.handleWebhook)
	mux.HandleFunc("GET /upload", s.handleUploadPage)
	mux.HandleFunc("POST /api/signed-url", s.handleSignedURL)
	mux.HandleFunc("POST /api/process", s.handleProcess)
	mux.HandleFunc("GET /admin/stats", s.handleAdminStats)
	mux.HandleFunc("GET /admin/ws", s.handleAdminWS)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"service": "voxscribe",
		"region":  s.region,
		"version": s.version,
	})
}

// handleWebhook accepts one inbound chat-platform update per request
// (spec.md §6): a JSON body decoding to [chatapi.Update].
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	var upd chatapi.Update
	if err := json.NewDecoder(r.Body).Decode(&upd); err != nil {
		http.Error(w, "malformed update", http.StatusBadRequest)
		return
	}
	if err := s.svc.HandleUpdate(r.Context(), &upd); err != nil {
		slog.Error("webhook: handle update failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// handleUploadPage serves the minimal direct-upload page: a form that
// first calls /api/signed-url, PUTs the file straight to object storage,
// then calls /api/process. The markup itself is static and small enough
// to inline rather than ship as a separate asset (spec.md §4.4.8).
func (s *Server) handleUploadPage(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write([]byte(uploadPageHTML))
}

type signedURLRequest struct {
	InitData  map[string]string `json:"init_data"`
	Extension string            `json:"extension"`
}

type signedURLResponse struct {
	URL string `json:"url"`
	Key string `json:"key"`
}

func (s *Server) handleSignedURL(w http.ResponseWriter, r *http.Request) {
	var req signedURLRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request", http.StatusBadRequest)
		return
	}
	userID, err := s.svc.AuthenticateUpload(req.InitData)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	url, key, err := s.svc.IssueUploadURL(r.Context(), userID, req.Extension)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, signedURLResponse{URL: url, Key: key})
}

type processRequest struct {
	InitData        map[string]string `json:"init_data"`
	Key             string            `json:"key"`
	ChatID          int64             `json:"chat_id"`
	DeclaredSeconds float64           `json:"declared_seconds"`
}

type processResponse struct {
	JobID string `json:"job_id"`
}

func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	var req processRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request", http.StatusBadRequest)
		return
	}
	userID, err := s.svc.AuthenticateUpload(req.InitData)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	jobID, err := s.svc.AcceptUpload(r.Context(), userID, req.Key, req.DeclaredSeconds, req.ChatID)
	if err != nil {
		if errors.Is(err, joberr.ErrInsufficientBalance) {
			http.Error(w, err.Error(), http.StatusPaymentRequired)
			return
		}
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusAccepted, processResponse{JobID: jobID})
}

func (s *Server) adminUserID(r *http.Request) (int64, bool) {
	raw := r.Header.Get("X-User-Id")
	if raw == "" {
		return 0, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, s.svc.IsAdmin(id)
}

// handleAdminStats reports the supplemented admin stats surface
// (original_source/handlers/metrics_command.py, SPEC_FULL.md §2/C4).
func (s *Server) handleAdminStats(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.adminUserID(r); !ok {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	writeJSON(w, http.StatusOK, s.svc.Stats())
}

// handleAdminWS upgrades to a websocket and pushes a Stats snapshot on
// every tick until the client disconnects, the admin live-dashboard
// surface supplemented alongside the stats endpoint above.
func (s *Server) handleAdminWS(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.adminUserID(r); !ok {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("webhook: admin ws upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ticker := time.NewTicker(s.statsTicker)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if err := conn.WriteJSON(s.svc.Stats()); err != nil {
				return
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}

const uploadPageHTML = `<!doctype html>
<html>
<head><meta charset="utf-8"><title>voxscribe upload</title></head>
<body>
<h1>Upload audio</h1>
<input type="file" id="file" accept="audio/*">
<button id="send">Upload</button>
<script>
document.getElementById('send').onclick = async function() {
  var f = document.getElementById('file').files[0];
  if (!f) return;
  var ext = f.name.split('.').pop();
  var initData = window.voxscribeInitData || {};
  var signed = await fetch('/api/signed-url', {
    method: 'POST',
    headers: {'Content-Type': 'application/json'},
    body: JSON.stringify({init_data: initData, extension: ext})
  }).then(function(r) { return r.json(); });
  await fetch(signed.url, {method: 'PUT', body: f});
  await fetch('/api/process', {
    method: 'POST',
    headers: {'Content-Type': 'application/json'},
    body: JSON.stringify({init_data: initData, key: signed.key})
  });
};
</script>
</body>
</html>
`
