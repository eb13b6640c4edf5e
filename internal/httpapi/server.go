// Package httpapi is the HTTP surface the chat front end talks to: job
// commands, mismatch answers, a per-user notification stream, and the
// scheduler's status and settings.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/MimeLyc/ticket-watcher/internal/config"
	"github.com/MimeLyc/ticket-watcher/internal/jobs"
	"github.com/MimeLyc/ticket-watcher/internal/notify"
	"github.com/MimeLyc/ticket-watcher/internal/service"
)

type jobCommands interface {
	CreateJob(ctx context.Context, user *jobs.User, input jobs.CreateJobInput) (*jobs.BookingJob, error)
	GetJob(ctx context.Context, id string) (*jobs.BookingJob, error)
	ListJobs(ctx context.Context, userID string, activeOnly bool) ([]*jobs.BookingJob, error)
	Respond(ctx context.Context, jobID string, resp service.Response) error
	Pause(ctx context.Context, jobID string) error
	Resume(ctx context.Context, jobID string) error
	Cancel(ctx context.Context, jobID string) error
	Approve(ctx context.Context, jobID string) error
	Decline(ctx context.Context, jobID string) error
}

type schedulerStatus interface {
	Status() service.SchedulerStatus
}

type notificationFeed interface {
	Follow(userID string) ([]notify.Message, <-chan notify.Message, func())
	Recent(userID string) []notify.Message
}

type queueStats interface {
	Name() string
	Stats() jobs.QueueStats
}

type runtimeSettingsStore interface {
	GetRuntimeSettings() (config.RuntimeSettings, error)
	UpdateRuntimeSettings(next config.RuntimeSettings) (config.RuntimeSettings, error)
}

type runtimeSettingsApplier func(next config.RuntimeSettings) error

type Server struct {
	commands  jobCommands
	scheduler schedulerStatus
	feed      notificationFeed
	queues    []queueStats
	settings  runtimeSettingsStore
	apply     runtimeSettingsApplier

	keepAlive time.Duration

	mux    *http.ServeMux
	server *http.Server
}

type Option func(*Server)

func WithScheduler(scheduler schedulerStatus) Option {
	return func(s *Server) {
		s.scheduler = scheduler
	}
}

func WithNotificationFeed(feed notificationFeed) Option {
	return func(s *Server) {
		s.feed = feed
	}
}

func WithQueues(queues ...queueStats) Option {
	return func(s *Server) {
		s.queues = append(s.queues, queues...)
	}
}

func WithRuntimeSettingsStore(store runtimeSettingsStore) Option {
	return func(s *Server) {
		s.settings = store
	}
}

func WithRuntimeSettingsApplier(apply runtimeSettingsApplier) Option {
	return func(s *Server) {
		s.apply = apply
	}
}

// WithKeepAlive sets how often an idle notification stream sends a comment.
func WithKeepAlive(d time.Duration) Option {
	return func(s *Server) {
		s.keepAlive = d
	}
}

func NewServer(commands jobCommands, opts ...Option) *Server {
	s := &Server{
		commands:  commands,
		keepAlive: 15 * time.Second,
		mux:       http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) ListenAndServe(addr string) error {
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s.server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) routes() {
	s.mux.HandleFunc("/api/jobs", s.handleJobs)
	s.mux.HandleFunc("/api/jobs/", s.handleJob)
	s.mux.HandleFunc("/api/users/", s.handleUserNotifications)
	s.mux.HandleFunc("/api/scheduler", s.handleScheduler)
	s.mux.HandleFunc("/api/settings", s.handleSettings)
}
