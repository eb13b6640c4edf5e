package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MimeLyc/ticket-watcher/internal/notify"
)

type streamEvent struct {
	notify.Message
	Text string `json:"text"`
}

// handleUserNotifications serves /api/users/{id}/notifications and its
// /stream variant.
func (s *Server) handleUserNotifications(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/users/"), "/")
	parts := strings.Split(rest, "/")
	if len(parts) < 2 || parts[0] == "" || parts[1] != "notifications" || len(parts) > 3 {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	userID := parts[0]
	if decoded, err := url.PathUnescape(userID); err == nil {
		userID = decoded
	}
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.feed == nil {
		writeError(w, http.StatusNotImplemented, "notification feed is not configured")
		return
	}

	if len(parts) == 2 {
		recent := s.feed.Recent(userID)
		if recent == nil {
			recent = []notify.Message{}
		}
		writeJSON(w, http.StatusOK, recent)
		return
	}
	if parts[2] != "stream" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	s.streamNotifications(w, r, userID)
}

func (s *Server) streamNotifications(w http.ResponseWriter, r *http.Request, userID string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	// history and subscription are taken together, so nothing is lost or
	// sent twice
	recent, live, unsubscribe := s.feed.Follow(userID)
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	send := func(msg notify.Message) bool {
		payload, err := json.Marshal(streamEvent{Message: msg, Text: notify.Render(msg)})
		if err != nil {
			return false
		}
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", msg.Type, payload); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	for _, msg := range recent {
		if !send(msg) {
			return
		}
	}
	flusher.Flush()

	ticker := time.NewTicker(s.keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case msg, ok := <-live:
			if !ok {
				return
			}
			if !send(msg) {
				return
			}
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
