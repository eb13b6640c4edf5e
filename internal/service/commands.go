package service

import (
	"context"
	"fmt"

	"github.com/cockroachdb/errors"

	"github.com/MimeLyc/ticket-watcher/internal/jobs"
	"github.com/MimeLyc/ticket-watcher/internal/notify"
	"github.com/MimeLyc/ticket-watcher/pkg/log"
)

// Commands are the user-initiated operations: creating jobs, answering
// mismatches and consent prompts, and pausing, resuming or cancelling.
type Commands struct {
	store    jobs.Store
	resolver *Resolver
	booking  Enqueuer
	notifier Notifier
	now      Clock
}

func NewCommands(store jobs.Store, resolver *Resolver, booking Enqueuer, notifier Notifier, now Clock) *Commands {
	return &Commands{
		store:    store,
		resolver: resolver,
		booking:  booking,
		notifier: orNop(notifier),
		now:      orNow(now),
	}
}

// CreateJob stores a new PENDING job. When user is non-nil it is upserted
// first; otherwise input.UserID must name a known user.
func (c *Commands) CreateJob(ctx context.Context, user *jobs.User, input jobs.CreateJobInput) (*jobs.BookingJob, error) {
	if user != nil {
		if input.UserID == "" {
			input.UserID = user.ID
		}
		if user.ID != input.UserID {
			return nil, NewError(ErrValidation, "user id does not match job owner")
		}
		if err := c.store.UpsertUser(ctx, user); err != nil {
			return nil, WrapError(err, ErrStore, "save user")
		}
	} else if _, err := c.store.GetUser(ctx, input.UserID); err != nil {
		if errors.Is(err, jobs.ErrUserNotFound) {
			return nil, WrapError(err, ErrValidation, "unknown user")
		}
		return nil, WrapError(err, ErrStore, "load user")
	}

	job, err := c.store.CreateJob(ctx, input)
	if err != nil {
		if errors.Is(err, jobs.ErrInvalidJob) {
			return nil, WrapError(err, ErrValidation, "invalid job")
		}
		return nil, WrapError(err, ErrStore, "create job")
	}
	log.Info("Job %s created for user %s: %s in %s until %s",
		job.ID, job.UserID, job.MovieName, job.City, job.WatchUntil.Format("2006-01-02 15:04"))
	c.notifier.Notify(ctx, job, notify.Message{Type: notify.TypeJobCreated})
	return job, nil
}

func (c *Commands) GetJob(ctx context.Context, id string) (*jobs.BookingJob, error) {
	job, err := c.store.GetJob(ctx, id)
	if err != nil {
		return nil, classifyStoreError(err, id, "load job")
	}
	return job, nil
}

// ListJobs returns a user's jobs, only the non-terminal ones when activeOnly.
func (c *Commands) ListJobs(ctx context.Context, userID string, activeOnly bool) ([]*jobs.BookingJob, error) {
	var (
		list []*jobs.BookingJob
		err  error
	)
	if activeOnly {
		list, err = c.store.ListActiveByUser(ctx, userID)
	} else {
		list, err = c.store.ListByUser(ctx, userID)
	}
	if err != nil {
		return nil, WrapError(err, ErrStore, "list jobs").WithContext("user", userID)
	}
	return list, nil
}

// Respond applies a mismatch answer.
func (c *Commands) Respond(ctx context.Context, jobID string, resp Response) error {
	return c.resolver.Respond(ctx, jobID, resp)
}

func (c *Commands) Pause(ctx context.Context, jobID string) error {
	job, err := c.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if err := c.store.Pause(ctx, jobID); err != nil {
		return classifyStoreError(err, jobID, "pause job")
	}
	log.Info("Job %s paused by user", jobID)
	c.notifier.Notify(ctx, job, notify.Message{Type: notify.TypeJobPaused, Reason: "paused on request"})
	return nil
}

// Resume sends a paused or waiting job back to WATCHING.
func (c *Commands) Resume(ctx context.Context, jobID string) error {
	job, err := c.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if err := c.store.Resume(ctx, jobID); err != nil {
		return classifyStoreError(err, jobID, "resume job")
	}
	log.Info("Job %s resumed by user", jobID)
	c.notifier.Notify(ctx, job, notify.Message{Type: notify.TypeJobResumed, Reason: "resumed on request"})
	return nil
}

func (c *Commands) Cancel(ctx context.Context, jobID string) error {
	return c.resolver.Cancel(ctx, jobID)
}

// Approve lets a consent-gated match go to booking.
func (c *Commands) Approve(ctx context.Context, jobID string) error {
	job, err := c.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status != jobs.StatusAwaitingConsent {
		return NewError(ErrStaleState, fmt.Sprintf("job is %s, not awaiting consent", job.Status)).WithContext("job", jobID)
	}
	if !c.now().Before(job.WatchUntil) {
		return NewError(ErrExpired, "watch window has ended").WithContext("job", jobID)
	}
	if err := c.store.SetStatus(ctx, jobID, jobs.StatusBooking); err != nil {
		return classifyStoreError(err, jobID, "approve booking")
	}
	log.Info("Job %s approved for booking", jobID)
	enqueueBooking(c.booking, jobID)
	return nil
}

// Decline turns down a consent-gated match and keeps watching.
func (c *Commands) Decline(ctx context.Context, jobID string) error {
	job, err := c.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status != jobs.StatusAwaitingConsent {
		return NewError(ErrStaleState, fmt.Sprintf("job is %s, not awaiting consent", job.Status)).WithContext("job", jobID)
	}
	if err := c.store.Resume(ctx, jobID); err != nil {
		return classifyStoreError(err, jobID, "decline booking")
	}
	log.Info("Job %s declined, watching again", jobID)
	c.notifier.Notify(ctx, job, notify.Message{Type: notify.TypeJobResumed, Reason: "match declined, still watching"})
	return nil
}
