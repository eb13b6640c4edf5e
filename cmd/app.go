package main

import (
	"context"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/errgroup"

	"github.com/MimeLyc/ticket-watcher/internal/config"
	"github.com/MimeLyc/ticket-watcher/internal/httpapi"
	"github.com/MimeLyc/ticket-watcher/internal/jobs"
	"github.com/MimeLyc/ticket-watcher/internal/notify"
	"github.com/MimeLyc/ticket-watcher/internal/persistence"
	"github.com/MimeLyc/ticket-watcher/internal/service"
	"github.com/MimeLyc/ticket-watcher/internal/site"
	"github.com/MimeLyc/ticket-watcher/pkg/log"
)

const shutdownTimeout = 10 * time.Second

// component is anything serve starts before the HTTP server and stops after.
type component interface {
	Start(ctx context.Context) error
	Stop()
}

type httpServer interface {
	ListenAndServe(addr string) error
	Shutdown(ctx context.Context) error
}

// queueRunner adapts a TaskQueue and its handler to component.
type queueRunner struct {
	queue   *jobs.TaskQueue
	handler jobs.Handler
}

func (r queueRunner) Start(context.Context) error {
	r.queue.Start(r.handler)
	return nil
}

func (r queueRunner) Stop() {
	r.queue.Stop()
}

type app struct {
	store     *persistence.SQLiteStore
	watchQ    *jobs.TaskQueue
	bookingQ  *jobs.TaskQueue
	watcher   *service.WatchWorker
	booker    *service.BookingWorker
	scheduler *service.Scheduler
	server    *httpapi.Server
}

func newApp(cfg *config.Config) (*app, error) {
	store, err := persistence.NewSQLiteStore(cfg.Store.DBPath)
	if err != nil {
		return nil, errors.Wrap(err, "open store")
	}

	automation, err := newSite(cfg.Site)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	hub := notify.NewHub()
	gateway := notify.Multi{hub, notify.LogGateway{}}
	if cfg.Notify.WebhookURL != "" {
		gateway = append(gateway, notify.NewWebhookGateway(cfg.Notify.WebhookURL, cfg.Notify.Timeout))
	}
	notifier := notify.NewNotifier(gateway, store)

	watchQ := jobs.NewTaskQueue(jobs.QueueConfig{
		Name:        jobs.WatchQueueName,
		Workers:     cfg.Queue.WatchWorkers,
		MaxAttempts: cfg.Queue.WatchMaxAttempts,
		Backoff:     cfg.Queue.RetryBackoff,
	}, store)
	bookingQ := jobs.NewTaskQueue(jobs.QueueConfig{
		Name:        jobs.BookingQueueName,
		Workers:     cfg.Queue.BookingWorkers,
		MaxAttempts: cfg.Queue.BookingMaxAttempts,
		Backoff:     cfg.Queue.RetryBackoff,
	}, store)

	scheduler := service.NewScheduler(store, watchQ, notifier, service.PolicyFromConfig(cfg.Scheduler))
	resolver := service.NewResolver(store, notifier, nil, scheduler.ResponseTimeout)
	commands := service.NewCommands(store, resolver, bookingQ, notifier, nil)

	opts := []httpapi.Option{
		httpapi.WithScheduler(scheduler),
		httpapi.WithNotificationFeed(hub),
		httpapi.WithQueues(watchQ, bookingQ),
		httpapi.WithRuntimeSettingsApplier(scheduler.ApplyRuntimeSettings),
	}
	settings, err := config.NewRuntimeSettingsStore(config.RuntimeSettingsFilePath(), cfg.RuntimeSettings())
	if err != nil {
		log.Warn("Runtime settings are read-only: %v", err)
	} else {
		opts = append(opts, httpapi.WithRuntimeSettingsStore(settings))
	}

	return &app{
		store:     store,
		watchQ:    watchQ,
		bookingQ:  bookingQ,
		watcher:   service.NewWatchWorker(store, automation, bookingQ, resolver, notifier, nil),
		booker:    service.NewBookingWorker(store, automation, notifier),
		scheduler: scheduler,
		server:    httpapi.NewServer(commands, opts...),
	}, nil
}

// newSite picks the remote automation service when configured and the
// fixture file otherwise. Either way attempts share one rate limit.
func newSite(cfg config.SiteConfig) (site.Site, error) {
	var next site.Site
	switch {
	case cfg.APIURL != "":
		client, err := site.NewClient(site.ClientConfig{
			BaseURL: cfg.APIURL,
			APIKey:  cfg.APIKey,
			Timeout: cfg.Timeout,
		})
		if err != nil {
			return nil, err
		}
		log.Info("Using site automation at %s", cfg.APIURL)
		next = client
	case cfg.FixtureFile != "":
		fixture, err := site.LoadFixture(cfg.FixtureFile)
		if err != nil {
			return nil, err
		}
		if cfg.EvidenceDir != "" {
			fixture.WriteEvidenceTo(cfg.EvidenceDir)
		}
		log.Info("Using site fixture %s", cfg.FixtureFile)
		next = fixture
	default:
		return nil, errors.New("either SITE_API_URL or SITE_FIXTURE_FILE must be set")
	}
	return site.NewRateLimited(next, cfg.RateLimit, cfg.RateBurst), nil
}

func (a *app) components() []component {
	return []component{
		queueRunner{queue: a.bookingQ, handler: a.booker.Handle},
		queueRunner{queue: a.watchQ, handler: a.watcher.Handle},
		a.scheduler,
	}
}

// tickOnce runs one scheduler pass and waits for the work it queued,
// including any bookings a watch hands off.
func (a *app) tickOnce(ctx context.Context) (service.TickReport, error) {
	for _, c := range a.components()[:2] {
		if err := c.Start(ctx); err != nil {
			return service.TickReport{}, err
		}
	}
	defer a.watchQ.Stop()
	defer a.bookingQ.Stop()

	report := a.scheduler.Tick(ctx)

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		if idle(a.watchQ.Stats()) && idle(a.bookingQ.Stats()) {
			return report, nil
		}
		select {
		case <-ctx.Done():
			return report, ctx.Err()
		case <-ticker.C:
		}
	}
}

func idle(s jobs.QueueStats) bool {
	return s.Pending == 0 && s.Running == 0
}

func (a *app) close() {
	if err := a.store.Close(); err != nil {
		log.Warn("Close store: %v", err)
	}
	_ = log.GetLogger().Sync()
}

// runWithComponents starts every component, serves HTTP until ctx is done,
// then shuts the server down and stops the components in reverse order.
func runWithComponents(ctx context.Context, addr string, srv httpServer, components ...component) error {
	started := make([]component, 0, len(components))
	stopAll := func() {
		for i := len(started) - 1; i >= 0; i-- {
			started[i].Stop()
		}
	}
	for _, c := range components {
		if err := c.Start(ctx); err != nil {
			stopAll()
			return err
		}
		started = append(started, c)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("HTTP API listening on %s", addr)
		if err := srv.ListenAndServe(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "http server")
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		stopAll()
		return err
	})
	return g.Wait()
}
