package jobs

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
)

var (
	ErrJobNotFound       = errors.New("job not found")
	ErrUserNotFound      = errors.New("user not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrInvalidJob        = errors.New("invalid job")
)

// Store is the persistence contract the orchestration core needs. Every
// mutation checks the transition table against the status it reads and
// writes its whole field set in one step.
type Store interface {
	UpsertUser(ctx context.Context, user *User) error
	GetUser(ctx context.Context, id string) (*User, error)

	CreateJob(ctx context.Context, input CreateJobInput) (*BookingJob, error)
	GetJob(ctx context.Context, id string) (*BookingJob, error)
	GetJobWithUser(ctx context.Context, id string) (*BookingJob, *User, error)
	ListByUser(ctx context.Context, userID string) ([]*BookingJob, error)
	ListActiveByUser(ctx context.Context, userID string) ([]*BookingJob, error)

	ListReadyForWatching(ctx context.Context, now time.Time) ([]*BookingJob, error)
	// ListWatching returns WATCHING jobs whose window has opened by now.
	ListWatching(ctx context.Context, now time.Time) ([]*BookingJob, error)
	// ListExpired returns PENDING, WATCHING and AWAITING_CONSENT jobs whose
	// window ended before now.
	ListExpired(ctx context.Context, now time.Time) ([]*BookingJob, error)
	ListTimedOutAwaitingInput(ctx context.Context, now time.Time, threshold time.Duration) ([]*BookingJob, error)

	SetStatus(ctx context.Context, id string, to Status) error
	SetResult(ctx context.Context, id string, to Status, result Result) error
	SetAwaitingInput(ctx context.Context, id string, mismatch Mismatch, now time.Time) error
	Resume(ctx context.Context, id string) error
	Pause(ctx context.Context, id string) error
	Cancel(ctx context.Context, id string) error
	UpdatePreferences(ctx context.Context, id string, patch PreferencePatch) error
}

// TransitionError builds the error returned when the table refuses a move.
func TransitionError(id string, from, to Status) error {
	err := errors.Wrapf(ErrInvalidTransition, "job %s: %s -> %s", id, from, to)
	return errors.WithDetailf(err, "allowed from %s: %v", from, transitions[from])
}

// TaskStore persists queue tasks so pending work survives a restart.
type TaskStore interface {
	LoadTasks(ctx context.Context, queue string) ([]*Task, error)
	UpsertTask(ctx context.Context, task *Task) error
	DeleteTask(ctx context.Context, id string) error
}
