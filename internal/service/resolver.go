package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/MimeLyc/ticket-watcher/internal/jobs"
	"github.com/MimeLyc/ticket-watcher/internal/notify"
	"github.com/MimeLyc/ticket-watcher/internal/site"
	"github.com/MimeLyc/ticket-watcher/pkg/log"
)

// Action is a user's answer to a mismatch.
type Action string

const (
	ActionKeepWatching  Action = "keep_watching"
	ActionSelectOption  Action = "select_option"
	ActionBookAvailable Action = "book_available"
	ActionCancel        Action = "cancel"
)

func ParseAction(s string) (Action, error) {
	switch a := Action(strings.ToLower(strings.TrimSpace(s))); a {
	case ActionKeepWatching, ActionSelectOption, ActionBookAvailable, ActionCancel:
		return a, nil
	default:
		return "", NewError(ErrValidation, fmt.Sprintf("unknown action %q", s))
	}
}

// Response is what the user sent back. OptionIndex is zero-based into the
// stored snapshot and only read for select_option.
type Response struct {
	Action      Action `json:"action"`
	OptionIndex int    `json:"option_index"`
	Showtime    string `json:"showtime,omitempty"`
}

// Resolver runs the mismatch protocol: it parks a job in AWAITING_INPUT with
// the options the site showed and turns the user's answer into a transition.
type Resolver struct {
	store    jobs.Store
	notifier Notifier
	now      Clock
	timeout  func() time.Duration
}

// NewResolver builds a resolver. timeout reports the current response window
// and is only used to word the notification; the scheduler enforces it.
func NewResolver(store jobs.Store, notifier Notifier, now Clock, timeout func() time.Duration) *Resolver {
	if timeout == nil {
		timeout = func() time.Duration { return DefaultPolicy().ResponseTimeout }
	}
	return &Resolver{
		store:    store,
		notifier: orNop(notifier),
		now:      orNow(now),
		timeout:  timeout,
	}
}

// Enter records the mismatch and asks the user what to do.
func (r *Resolver) Enter(ctx context.Context, job *jobs.BookingJob, listing *site.Listing) error {
	m := jobs.Mismatch{
		Type:     job.Criteria().ClassifyMismatch(listing.Options),
		Options:  listing.Options,
		Evidence: listing.Evidence,
	}
	if err := r.store.SetAwaitingInput(ctx, job.ID, m, r.now()); err != nil {
		return classifyStoreError(err, job.ID, "record mismatch")
	}
	log.Info("Job %s awaiting input: %s mismatch across %d options", job.ID, m.Type, len(m.Options))

	msg := notify.Message{
		Type:     notify.TypePreferenceMismatch,
		Mismatch: notify.NewMismatch(job, m, r.timeout()),
	}
	if m.Type == jobs.MismatchTheatre {
		msg.Type = notify.TypeTheatreNotFound
	}
	if m.Evidence != "" {
		r.notifier.NotifyWithEvidence(ctx, job, msg, m.Evidence)
	} else {
		r.notifier.Notify(ctx, job, msg)
	}
	return nil
}

// Respond dispatches a user's answer.
func (r *Resolver) Respond(ctx context.Context, jobID string, resp Response) error {
	switch resp.Action {
	case ActionKeepWatching:
		return r.KeepWatching(ctx, jobID)
	case ActionSelectOption:
		return r.SelectOption(ctx, jobID, resp.OptionIndex, resp.Showtime)
	case ActionBookAvailable:
		return r.BookAvailable(ctx, jobID)
	case ActionCancel:
		return r.Cancel(ctx, jobID)
	default:
		return NewError(ErrValidation, fmt.Sprintf("unknown action %q", resp.Action))
	}
}

// KeepWatching resumes with the original preferences.
func (r *Resolver) KeepWatching(ctx context.Context, jobID string) error {
	job, err := r.awaiting(ctx, jobID)
	if err != nil {
		return err
	}
	if err := r.store.Resume(ctx, jobID); err != nil {
		return classifyStoreError(err, jobID, "keep watching")
	}
	r.notifier.Notify(ctx, job, notify.Message{
		Type:   notify.TypeJobResumed,
		Reason: "watching with your original preferences",
	})
	return nil
}

// SelectOption narrows the preferences to one option from the snapshot. A
// showtime is required when the option lists more than one.
func (r *Resolver) SelectOption(ctx context.Context, jobID string, index int, showtime string) error {
	job, err := r.awaiting(ctx, jobID)
	if err != nil {
		return err
	}
	if index < 0 || index >= len(job.AvailableOptions) {
		return NewError(ErrValidation, fmt.Sprintf("option %d out of range (%d available)", index, len(job.AvailableOptions))).
			WithContext("job", jobID)
	}
	return r.apply(ctx, job, job.AvailableOptions[index], showtime)
}

// BookAvailable takes the first option and its first showtime. The job goes
// back to WATCHING with preferences that match it, so the next watch cycle
// books it through the normal pipeline.
func (r *Resolver) BookAvailable(ctx context.Context, jobID string) error {
	job, err := r.awaiting(ctx, jobID)
	if err != nil {
		return err
	}
	if len(job.AvailableOptions) == 0 {
		return NewError(ErrValidation, "no options to book").WithContext("job", jobID)
	}
	opt := job.AvailableOptions[0]
	showtime := ""
	if len(opt.Times) > 0 {
		showtime = opt.Times[0]
	}
	return r.apply(ctx, job, opt, showtime)
}

func (r *Resolver) Cancel(ctx context.Context, jobID string) error {
	if err := r.store.Cancel(ctx, jobID); err != nil {
		return classifyStoreError(err, jobID, "cancel job")
	}
	log.Info("Job %s cancelled", jobID)
	return nil
}

func (r *Resolver) apply(ctx context.Context, job *jobs.BookingJob, opt jobs.AvailableOption, showtime string) error {
	patch, err := PatchForOption(job, opt, showtime)
	if err != nil {
		return err
	}
	if err := r.store.UpdatePreferences(ctx, job.ID, patch); err != nil {
		return classifyStoreError(err, job.ID, "update preferences")
	}
	log.Info("Job %s narrowed to %s at %s", job.ID, opt.Theatre, showtime)
	r.notifier.Notify(ctx, job, notify.Message{
		Type:     notify.TypeJobResumed,
		Theatre:  opt.Theatre,
		Showtime: showtime,
		Reason:   "preferences updated to your choice",
	})
	return nil
}

func (r *Resolver) awaiting(ctx context.Context, jobID string) (*jobs.BookingJob, error) {
	job, err := r.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, classifyStoreError(err, jobID, "load job")
	}
	if job.Status != jobs.StatusAwaitingInput {
		return nil, NewError(ErrStaleState, fmt.Sprintf("job is %s, not awaiting input", job.Status)).
			WithContext("job", jobID)
	}
	return job, nil
}

// PatchForOption builds the preference patch that makes opt at showtime the
// job's only acceptable choice. An empty attribute on the option clears that
// dimension.
func PatchForOption(job *jobs.BookingJob, opt jobs.AvailableOption, showtime string) (jobs.PreferencePatch, error) {
	showtime = strings.TrimSpace(showtime)
	switch {
	case showtime == "" && len(opt.Times) == 1:
		showtime = opt.Times[0]
	case showtime == "" && len(opt.Times) > 1:
		return jobs.PreferencePatch{}, NewError(ErrValidation,
			fmt.Sprintf("option at %s has %d showtimes, pick one", opt.Theatre, len(opt.Times)))
	case showtime != "" && !jobs.TimeAccepted(jobs.Constraint(opt.Times), showtime):
		return jobs.PreferencePatch{}, NewError(ErrValidation,
			fmt.Sprintf("showtime %q is not offered at %s", showtime, opt.Theatre))
	}

	patch := jobs.PreferencePatch{
		Formats:   single(opt.Format),
		Languages: single(opt.Language),
		Screens:   single(opt.Screen),
		Times:     single(showtime),
	}
	if opt.Date != "" {
		patch.Dates = single(opt.Date)
	}
	if !jobs.AcceptsTheatre(job.Theatres, opt.Theatre) {
		theatres := []string{opt.Theatre}
		patch.Theatres = &theatres
	}
	return patch, nil
}

func single(v string) *jobs.Constraint {
	c := jobs.Constraint{}
	if v = strings.TrimSpace(v); v != "" {
		c = jobs.Constraint{v}
	}
	return &c
}
