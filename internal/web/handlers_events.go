package web

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/asheshgoplani/devin-relay/internal/monitor"
)

var (
	monitorEventsPollInterval      = 2 * time.Second
	monitorEventsHeartbeatInterval = 15 * time.Second
)

// handleMonitorEvents streams the active monitor set as SSE "monitors"
// events whenever it changes.
func (s *Server) handleMonitorEvents(w http.ResponseWriter, r *http.Request) {
	if !s.guard(w, r) {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeAPIError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "stream unavailable")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	active := s.activeMonitors()
	lastFingerprint := monitorsFingerprint(active)
	if err := writeSSEEvent(w, flusher, "monitors", active); err != nil {
		return
	}

	pollTicker := time.NewTicker(monitorEventsPollInterval)
	defer pollTicker.Stop()
	heartbeatTicker := time.NewTicker(monitorEventsHeartbeatInterval)
	defer heartbeatTicker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeatTicker.C:
			if err := writeSSEComment(w, flusher, "keepalive"); err != nil {
				return
			}
		case <-pollTicker.C:
			next := s.activeMonitors()
			fp := monitorsFingerprint(next)
			if fp == lastFingerprint {
				continue
			}
			if err := writeSSEEvent(w, flusher, "monitors", next); err != nil {
				return
			}
			lastFingerprint = fp
		}
	}
}

func monitorsFingerprint(snaps []monitor.Snapshot) string {
	data, err := json.Marshal(snaps)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func writeSSEEvent(w http.ResponseWriter, flusher http.Flusher, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\n", event); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

func writeSSEComment(w http.ResponseWriter, flusher http.Flusher, comment string) error {
	if _, err := fmt.Fprintf(w, ": %s\n\n", comment); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
