package web

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/asheshgoplani/devin-relay/internal/monitor"
)

const (
	defaultThreadsWindow = 24 * time.Hour
	defaultLogLines      = 100
	maxLogLines          = 1000
)

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type apiErrorResponse struct {
	Error apiError `json:"error"`
}

type healthResponse struct {
	OK            bool   `json:"ok"`
	Monitors      int    `json:"monitors"`
	Gateway       string `json:"gateway"`
	Version       string `json:"version,omitempty"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Time          string `json:"time"`
}

type monitorsResponse struct {
	Count    int                `json:"count"`
	Monitors []monitor.Snapshot `json:"monitors"`
}

type threadView struct {
	ThreadID  string    `json:"thread_id"`
	SessionID string    `json:"session_id"`
	Muted     bool      `json:"muted"`
	CreatedAt time.Time `json:"created_at"`
	Monitored bool      `json:"monitored"`
}

type threadsResponse struct {
	Window  string       `json:"window"`
	Threads []threadView `json:"threads"`
}

type logsResponse struct {
	Count   int               `json:"count"`
	Records []json.RawMessage `json:"records"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	resp := healthResponse{
		OK:            true,
		Gateway:       "disconnected",
		Version:       s.cfg.Version,
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Time:          time.Now().UTC().Format(time.RFC3339),
	}
	if s.cfg.Monitors != nil {
		resp.Monitors = len(s.cfg.Monitors.Active())
	}
	if s.cfg.Gateway != nil && s.cfg.Gateway.Connected() {
		resp.Gateway = "connected"
	}
	writeJSON(w, http.StatusOK, resp)
}

// guard applies the method and auth checks shared by the API routes.
func (s *Server) guard(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return false
	}
	if !s.authorizeRequest(r) {
		writeAPIError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
		return false
	}
	return true
}

func (s *Server) activeMonitors() []monitor.Snapshot {
	if s.cfg.Monitors == nil {
		return []monitor.Snapshot{}
	}
	active := s.cfg.Monitors.Active()
	if active == nil {
		active = []monitor.Snapshot{}
	}
	return active
}

func (s *Server) handleMonitors(w http.ResponseWriter, r *http.Request) {
	if !s.guard(w, r) {
		return
	}
	active := s.activeMonitors()
	writeJSON(w, http.StatusOK, monitorsResponse{Count: len(active), Monitors: active})
}

func (s *Server) handleMonitorByID(w http.ResponseWriter, r *http.Request) {
	if !s.guard(w, r) {
		return
	}
	sessionID := strings.TrimPrefix(r.URL.Path, "/api/monitors/")
	if sessionID == "" || strings.Contains(sessionID, "/") {
		writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "session id is required")
		return
	}
	if s.cfg.Monitors == nil {
		writeAPIError(w, http.StatusNotFound, "NOT_FOUND", "session not monitored")
		return
	}
	snap, ok := s.cfg.Monitors.Snapshot(sessionID)
	if !ok {
		writeAPIError(w, http.StatusNotFound, "NOT_FOUND", "session not monitored")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleThreads(w http.ResponseWriter, r *http.Request) {
	if !s.guard(w, r) {
		return
	}
	if s.cfg.Threads == nil {
		writeAPIError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "thread directory not configured")
		return
	}

	window := defaultThreadsWindow
	if raw := r.URL.Query().Get("since"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "since must be a positive duration such as 6h")
			return
		}
		window = d
	}

	records, err := s.cfg.Threads.Recent(window)
	if err != nil {
		webLog.Error("threads_list_failed", slog.String("error", err.Error()))
		writeAPIError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to load threads")
		return
	}

	monitored := make(map[string]bool)
	for _, snap := range s.activeMonitors() {
		monitored[snap.SessionID] = true
	}
	views := make([]threadView, 0, len(records))
	for _, rec := range records {
		views = append(views, threadView{
			ThreadID:  rec.ThreadID,
			SessionID: rec.SessionID,
			Muted:     rec.Muted,
			CreatedAt: rec.CreatedAt,
			Monitored: monitored[rec.SessionID],
		})
	}
	writeJSON(w, http.StatusOK, threadsResponse{Window: window.String(), Threads: views})
}

// handleLogs returns the newest in-memory log records. Records that are not
// JSON (text format) are returned as JSON strings.
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	if !s.guard(w, r) {
		return
	}
	if s.cfg.LogTail == nil {
		writeAPIError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "log buffer not configured")
		return
	}

	lines := defaultLogLines
	if raw := r.URL.Query().Get("lines"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "lines must be a positive integer")
			return
		}
		lines = min(n, maxLogLines)
	}

	tail := s.cfg.LogTail(lines)
	records := make([]json.RawMessage, 0, len(tail))
	for _, rec := range tail {
		rec = bytes.TrimSpace(rec)
		if len(rec) == 0 {
			continue
		}
		if !json.Valid(rec) {
			quoted, _ := json.Marshal(string(rec))
			rec = quoted
		}
		records = append(records, json.RawMessage(rec))
	}
	writeJSON(w, http.StatusOK, logsResponse{Count: len(records), Records: records})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeAPIError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, apiErrorResponse{Error: apiError{Code: code, Message: message}})
}
