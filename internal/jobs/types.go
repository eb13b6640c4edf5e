package jobs

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

// BookingJob is one user request to watch for and book tickets.
type BookingJob struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	WatchFrom  time.Time `json:"watch_from"`
	WatchUntil time.Time `json:"watch_until"`

	MovieName   string          `json:"movie_name"`
	City        string          `json:"city"`
	Theatres    []string        `json:"theatres"`
	Preferences Preferences     `json:"preferences"`
	Seats       SeatPreferences `json:"seats"`

	Status Status `json:"status"`

	// Mismatch bookkeeping, meaningful while AWAITING_INPUT or PAUSED.
	AwaitingInputSince *time.Time        `json:"awaiting_input_since,omitempty"`
	MismatchType       MismatchType      `json:"mismatch_type,omitempty"`
	AvailableOptions   []AvailableOption `json:"available_options,omitempty"`
	MismatchEvidence   string            `json:"mismatch_evidence,omitempty"`

	Result *Result `json:"result,omitempty"`

	NotifyImportantOnly bool `json:"notify_important_only"`
	ConsentRequired     bool `json:"consent_required"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// InWindow reports whether now falls inside [WatchFrom, WatchUntil).
func (j *BookingJob) InWindow(now time.Time) bool {
	return !now.Before(j.WatchFrom) && now.Before(j.WatchUntil)
}

// SeatPreferences are passed through to the booking attempt untouched.
type SeatPreferences struct {
	Count int      `json:"count"`
	Hints []string `json:"hints,omitempty"`
}

// AvailableOption is one theatre/format/language combination seen on the
// site, with its showtimes.
type AvailableOption struct {
	Theatre  string   `json:"theatre"`
	Date     string   `json:"date,omitempty"`
	Language string   `json:"language"`
	Format   string   `json:"format"`
	Screen   string   `json:"screen,omitempty"`
	Times    []string `json:"times"`
}

type MismatchType string

const (
	MismatchFormat   MismatchType = "format"
	MismatchLanguage MismatchType = "language"
	MismatchScreen   MismatchType = "screen"
	MismatchTime     MismatchType = "time"
	MismatchTheatre  MismatchType = "theatre"
	MismatchUnknown  MismatchType = "unknown"
)

// Mismatch is what SetAwaitingInput records.
type Mismatch struct {
	Type     MismatchType
	Options  []AvailableOption
	Evidence string
}

// Result is the outcome of a booking attempt or a terminal failure.
type Result struct {
	BookingID string   `json:"booking_id,omitempty"`
	Seats     []string `json:"seats,omitempty"`
	Theatre   string   `json:"theatre,omitempty"`
	Showtime  string   `json:"showtime,omitempty"`
	Amount    float64  `json:"amount,omitempty"`
	Error     string   `json:"error,omitempty"`
	Evidence  string   `json:"evidence,omitempty"`
}

type User struct {
	ID                  string    `json:"id"`
	Name                string    `json:"name"`
	ChatID              string    `json:"chat_id"`
	NotifyImportantOnly bool      `json:"notify_important_only"`
	CreatedAt           time.Time `json:"created_at"`
}

// CreateJobInput carries what a job-creation command supplies.
type CreateJobInput struct {
	UserID              string
	WatchFrom           time.Time
	WatchUntil          time.Time
	MovieName           string
	City                string
	Theatres            []string
	Preferences         Preferences
	Seats               SeatPreferences
	NotifyImportantOnly bool
	ConsentRequired     bool
}

// Validate checks the fields a job cannot be created without. Failures
// match ErrInvalidJob.
func (in CreateJobInput) Validate() error {
	if err := in.validate(); err != nil {
		return errors.Mark(err, ErrInvalidJob)
	}
	return nil
}

func (in CreateJobInput) validate() error {
	switch {
	case in.UserID == "":
		return errors.New("user id is required")
	case strings.TrimSpace(in.MovieName) == "":
		return errors.New("movie name is required")
	case strings.TrimSpace(in.City) == "":
		return errors.New("city is required")
	case in.WatchFrom.IsZero() || in.WatchUntil.IsZero():
		return errors.New("watch window is required")
	case !in.WatchUntil.After(in.WatchFrom):
		return errors.Newf("watch window is empty: %s >= %s", in.WatchFrom.Format(time.RFC3339), in.WatchUntil.Format(time.RFC3339))
	case in.Seats.Count < 0:
		return errors.Newf("invalid seat count %d", in.Seats.Count)
	}
	return nil
}
