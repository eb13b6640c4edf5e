package httpapi

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/MimeLyc/ticket-watcher/internal/config"
	"github.com/MimeLyc/ticket-watcher/internal/jobs"
	"github.com/MimeLyc/ticket-watcher/internal/service"
	"github.com/MimeLyc/ticket-watcher/pkg/log"
)

type createJobRequest struct {
	User                *jobs.User           `json:"user,omitempty"`
	UserID              string               `json:"user_id"`
	MovieName           string               `json:"movie_name"`
	City                string               `json:"city"`
	Theatres            []string             `json:"theatres"`
	Preferences         jobs.Preferences     `json:"preferences"`
	Seats               jobs.SeatPreferences `json:"seats"`
	WatchFrom           time.Time            `json:"watch_from"`
	WatchUntil          time.Time            `json:"watch_until"`
	NotifyImportantOnly bool                 `json:"notify_important_only"`
	ConsentRequired     bool                 `json:"consent_required"`
}

func (r createJobRequest) input() jobs.CreateJobInput {
	userID := r.UserID
	if userID == "" && r.User != nil {
		userID = r.User.ID
	}
	return jobs.CreateJobInput{
		UserID:              userID,
		WatchFrom:           r.WatchFrom,
		WatchUntil:          r.WatchUntil,
		MovieName:           r.MovieName,
		City:                r.City,
		Theatres:            r.Theatres,
		Preferences:         r.Preferences,
		Seats:               r.Seats,
		NotifyImportantOnly: r.NotifyImportantOnly,
		ConsentRequired:     r.ConsentRequired,
	}
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		userID := r.URL.Query().Get("user_id")
		if userID == "" {
			writeError(w, http.StatusBadRequest, "user_id is required")
			return
		}
		activeOnly, _ := strconv.ParseBool(r.URL.Query().Get("active"))
		list, err := s.commands.ListJobs(r.Context(), userID, activeOnly)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, list)
	case http.MethodPost:
		var req createJobRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json body")
			return
		}
		job, err := s.commands.CreateJob(r.Context(), req.User, req.input())
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, job)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// handleJob serves /api/jobs/{id} and /api/jobs/{id}/{action}.
func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/jobs/"), "/")
	id, action, _ := strings.Cut(rest, "/")
	if decoded, err := url.PathUnescape(id); err == nil {
		id = decoded
	}
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing job id")
		return
	}

	if action == "" {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		job, err := s.commands.GetJob(r.Context(), id)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, job)
		return
	}

	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var err error
	switch action {
	case "respond":
		var req respondRequest
		if derr := json.NewDecoder(r.Body).Decode(&req); derr != nil {
			writeError(w, http.StatusBadRequest, "invalid json body")
			return
		}
		resp, perr := req.response()
		if perr != nil {
			writeServiceError(w, perr)
			return
		}
		err = s.commands.Respond(r.Context(), id, resp)
	case "pause":
		err = s.commands.Pause(r.Context(), id)
	case "resume":
		err = s.commands.Resume(r.Context(), id)
	case "cancel":
		err = s.commands.Cancel(r.Context(), id)
	case "approve":
		err = s.commands.Approve(r.Context(), id)
	case "decline":
		err = s.commands.Decline(r.Context(), id)
	default:
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if err != nil {
		writeServiceError(w, err)
		return
	}

	job, err := s.commands.GetJob(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

type respondRequest struct {
	Action string `json:"action"`
	// Option is 1-based, as listed in the mismatch message.
	Option   int    `json:"option"`
	Showtime string `json:"showtime"`
}

func (r respondRequest) response() (service.Response, error) {
	action, err := service.ParseAction(r.Action)
	if err != nil {
		return service.Response{}, err
	}
	resp := service.Response{Action: action, Showtime: r.Showtime}
	if action == service.ActionSelectOption {
		if r.Option < 1 {
			return service.Response{}, service.NewError(service.ErrValidation, "option is required for select_option")
		}
		resp.OptionIndex = r.Option - 1
	}
	return resp, nil
}

type schedulerResponse struct {
	Scheduler *service.SchedulerStatus   `json:"scheduler,omitempty"`
	Queues    map[string]jobs.QueueStats `json:"queues"`
}

func (s *Server) handleScheduler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	ret := schedulerResponse{Queues: make(map[string]jobs.QueueStats, len(s.queues))}
	if s.scheduler != nil {
		status := s.scheduler.Status()
		ret.Scheduler = &status
	}
	for _, q := range s.queues {
		ret.Queues[q.Name()] = q.Stats()
	}
	writeJSON(w, http.StatusOK, ret)
}

func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request) {
	if s.settings == nil {
		writeError(w, http.StatusNotImplemented, "settings store is not configured")
		return
	}

	switch r.Method {
	case http.MethodGet:
		settings, err := s.settings.GetRuntimeSettings()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, settings)
	case http.MethodPut:
		var req config.RuntimeSettings
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json body")
			return
		}
		if err := req.Validate(); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		saved, err := s.settings.UpdateRuntimeSettings(req)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if s.apply != nil {
			if err := s.apply(saved); err != nil {
				writeError(w, http.StatusInternalServerError, err.Error())
				return
			}
		}
		writeJSON(w, http.StatusOK, saved)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// statusFor maps a service error onto an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, jobs.ErrJobNotFound):
		return http.StatusNotFound
	case service.IsErrorType(err, service.ErrValidation):
		return http.StatusBadRequest
	case service.IsErrorType(err, service.ErrStaleState), service.IsErrorType(err, service.ErrExpired):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeServiceError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		log.Error("Request failed: %v", err)
	}
	writeError(w, code, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{
		"error": msg,
	})
}
