package service

import (
	"context"
	"sync"

	"github.com/MimeLyc/ticket-watcher/internal/jobs"
	"github.com/MimeLyc/ticket-watcher/internal/notify"
	"github.com/MimeLyc/ticket-watcher/internal/site"
	"github.com/MimeLyc/ticket-watcher/pkg/log"
)

// WatchWorker handles watch tasks: one look at the site for one job.
type WatchWorker struct {
	store    jobs.Store
	watcher  site.Watcher
	booking  Enqueuer
	resolver *Resolver
	notifier Notifier
	now      Clock

	inFlight *inFlight

	// jobs already told their movie is unlisted
	unlistedMu sync.Mutex
	unlisted   map[string]struct{}
}

func NewWatchWorker(store jobs.Store, watcher site.Watcher, booking Enqueuer, resolver *Resolver, notifier Notifier, now Clock) *WatchWorker {
	return &WatchWorker{
		store:    store,
		watcher:  watcher,
		booking:  booking,
		resolver: resolver,
		notifier: orNop(notifier),
		now:      orNow(now),
		inFlight: newInFlight(),
		unlisted: make(map[string]struct{}),
	}
}

// Handle is a jobs.Handler. Watch failures are never terminal: they are
// logged and the next scheduled poll tries again, so Handle returns an
// error only for store failures.
func (w *WatchWorker) Handle(ctx context.Context, task *jobs.Task) error {
	if !w.inFlight.acquire(task.JobID) {
		log.Debug("Watch for job %s already running, dropping task %s", task.JobID, task.ID)
		return nil
	}
	defer w.inFlight.release(task.JobID)

	err := w.watch(ctx, task.JobID)
	if IsErrorType(err, ErrStaleState) {
		logError(err)
		return nil
	}
	return err
}

func (w *WatchWorker) watch(ctx context.Context, jobID string) error {
	job, err := w.store.GetJob(ctx, jobID)
	if err != nil {
		return classifyStoreError(err, jobID, "load job for watch")
	}
	now := w.now()
	if job.Status != jobs.StatusPending && job.Status != jobs.StatusWatching {
		return NewError(ErrStaleState, "watch task for job in "+string(job.Status)).WithContext("job", jobID)
	}
	if now.Before(job.WatchFrom) {
		return NewError(ErrStaleState, "watch task before window opened").WithContext("job", jobID)
	}
	if !now.Before(job.WatchUntil) {
		return NewError(ErrStaleState, "watch task after window ended").WithContext("job", jobID)
	}

	if job.Status == jobs.StatusPending {
		if err := w.store.SetStatus(ctx, jobID, jobs.StatusWatching); err != nil {
			return classifyStoreError(err, jobID, "start watching")
		}
		job.Status = jobs.StatusWatching
		log.Info("Job %s started watching %s in %s", jobID, job.MovieName, job.City)
		w.notifier.Notify(ctx, job, notify.Message{Type: notify.TypeJobStarted})
	}

	var listing *site.Listing
	err = SafeExecute(func() error {
		var werr error
		listing, werr = w.watcher.Watch(ctx, job)
		return werr
	})
	if err != nil {
		logError(WrapError(err, ErrAttempt, "watch attempt failed").WithContext("job", jobID))
		return nil
	}
	if listing == nil {
		listing = &site.Listing{}
	}

	if len(listing.Options) == 0 {
		w.nothingListed(ctx, job, listing)
		return nil
	}

	match, ok := job.Criteria().FindMatch(listing.Options)
	if !ok {
		return w.resolver.Enter(ctx, job, listing)
	}
	return w.found(ctx, job, match, listing.Evidence)
}

func (w *WatchWorker) found(ctx context.Context, job *jobs.BookingJob, match jobs.Match, evidence string) error {
	next := jobs.StatusBooking
	if job.ConsentRequired {
		next = jobs.StatusAwaitingConsent
	}
	if err := w.store.SetStatus(ctx, job.ID, next); err != nil {
		return classifyStoreError(err, job.ID, "record match")
	}
	log.Info("Job %s matched %s at %s, now %s", job.ID, match.Option.Theatre, match.Showtime, next)

	msg := notify.Message{
		Type:     notify.TypeTicketsFound,
		Theatre:  match.Option.Theatre,
		Showtime: match.Showtime,
	}
	if next == jobs.StatusAwaitingConsent {
		msg.Reason = "approve to book or decline to keep watching"
	}
	if evidence != "" {
		w.notifier.NotifyWithEvidence(ctx, job, msg, evidence)
	} else {
		w.notifier.Notify(ctx, job, msg)
	}

	if next == jobs.StatusBooking {
		enqueueBooking(w.booking, job.ID)
	}
	return nil
}

func (w *WatchWorker) nothingListed(ctx context.Context, job *jobs.BookingJob, listing *site.Listing) {
	if listing.MovieFound {
		log.Debug("Job %s: no showtimes listed yet", job.ID)
		return
	}
	w.unlistedMu.Lock()
	_, told := w.unlisted[job.ID]
	w.unlisted[job.ID] = struct{}{}
	w.unlistedMu.Unlock()
	if told {
		return
	}
	log.Info("Job %s: %s is not listed in %s", job.ID, job.MovieName, job.City)
	w.notifier.Notify(ctx, job, notify.Message{Type: notify.TypeMovieNotFound})
}

func enqueueBooking(q Enqueuer, jobID string) {
	task, created := q.Enqueue(jobs.EnqueueRequest{
		JobID:     jobID,
		DedupeKey: jobs.BookingTaskKey(jobID),
	})
	if !created {
		log.Debug("Booking for job %s already queued as %s", jobID, task.ID)
		return
	}
	log.Info("Queued booking task %s for job %s", task.ID, jobID)
}
