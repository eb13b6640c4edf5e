package service

import (
	"context"

	"github.com/cockroachdb/errors"

	"github.com/MimeLyc/ticket-watcher/internal/jobs"
	"github.com/MimeLyc/ticket-watcher/internal/notify"
	"github.com/MimeLyc/ticket-watcher/internal/site"
	"github.com/MimeLyc/ticket-watcher/pkg/log"
)

// BookingWorker handles booking tasks: exactly one purchase attempt per
// dequeued task.
type BookingWorker struct {
	store    jobs.Store
	booker   site.Booker
	notifier Notifier

	inFlight *inFlight
}

func NewBookingWorker(store jobs.Store, booker site.Booker, notifier Notifier) *BookingWorker {
	return &BookingWorker{
		store:    store,
		booker:   booker,
		notifier: orNop(notifier),
		inFlight: newInFlight(),
	}
}

// Handle is a jobs.Handler. A failed attempt is returned as an error while
// the task has attempts left so the queue's backoff retries it; on the last
// attempt the job is failed.
func (w *BookingWorker) Handle(ctx context.Context, task *jobs.Task) error {
	if !w.inFlight.acquire(task.JobID) {
		log.Debug("Booking for job %s already running, dropping task %s", task.JobID, task.ID)
		return nil
	}
	defer w.inFlight.release(task.JobID)

	err := w.book(ctx, task)
	if IsErrorType(err, ErrStaleState) {
		logError(err)
		return nil
	}
	return err
}

func (w *BookingWorker) book(ctx context.Context, task *jobs.Task) error {
	job, err := w.store.GetJob(ctx, task.JobID)
	if err != nil {
		return classifyStoreError(err, task.JobID, "load job for booking")
	}
	if job.Status != jobs.StatusBooking {
		return NewError(ErrStaleState, "booking task for job in "+string(job.Status)).WithContext("job", job.ID)
	}

	w.notifier.Notify(ctx, job, notify.Message{Type: notify.TypeBookingStarted})

	var receipt *site.Receipt
	err = SafeExecute(func() error {
		var berr error
		receipt, berr = w.booker.Book(ctx, job)
		return berr
	})
	if err == nil && receipt == nil {
		err = NewError(ErrAttempt, "booking returned no receipt")
	}
	if err != nil {
		if task.Attempts < task.MaxAttempts {
			return WrapError(err, ErrAttempt, "booking attempt failed").WithContext("job", job.ID)
		}
		return w.fail(ctx, job, err)
	}
	return w.succeed(ctx, job, receipt)
}

func (w *BookingWorker) succeed(ctx context.Context, job *jobs.BookingJob, receipt *site.Receipt) error {
	result := jobs.Result{
		BookingID: receipt.BookingID,
		Seats:     receipt.Seats,
		Theatre:   receipt.Theatre,
		Showtime:  receipt.Showtime,
		Amount:    receipt.Amount,
		Evidence:  receipt.Evidence,
	}
	// the store refuses this if the job was cancelled mid-attempt
	if err := w.store.SetResult(ctx, job.ID, jobs.StatusSuccess, result); err != nil {
		return classifyStoreError(err, job.ID, "record booking")
	}
	log.Info("Job %s booked: %s (%v at %s %s)", job.ID, receipt.BookingID, receipt.Seats, receipt.Theatre, receipt.Showtime)

	msg := notify.Message{
		Type:      notify.TypeBookingSuccess,
		Theatre:   receipt.Theatre,
		Showtime:  receipt.Showtime,
		Seats:     receipt.Seats,
		BookingID: receipt.BookingID,
		Amount:    receipt.Amount,
	}
	if receipt.Evidence != "" {
		w.notifier.NotifyWithEvidence(ctx, job, msg, receipt.Evidence)
	} else {
		w.notifier.Notify(ctx, job, msg)
	}
	w.notifier.Notify(ctx, job, notify.Message{
		Type:      notify.TypeJobCompleted,
		BookingID: receipt.BookingID,
	})
	return nil
}

func (w *BookingWorker) fail(ctx context.Context, job *jobs.BookingJob, cause error) error {
	reason := attemptReason(cause)
	if err := w.store.SetResult(ctx, job.ID, jobs.StatusFailed, jobs.Result{Error: reason}); err != nil {
		return classifyStoreError(err, job.ID, "record booking failure")
	}
	logError(WrapError(cause, ErrAttempt, "booking failed").WithContext("job", job.ID))

	w.notifier.Notify(ctx, job, notify.Message{Type: notify.TypeBookingFailed, Error: reason})
	w.notifier.Notify(ctx, job, notify.Message{Type: notify.TypeJobFailed, Error: reason})
	return nil
}

// attemptReason is the user-facing text for a failed attempt.
func attemptReason(err error) string {
	var svcErr *ServiceError
	if errors.As(err, &svcErr) && svcErr.Cause == nil {
		return svcErr.Message
	}
	return err.Error()
}
