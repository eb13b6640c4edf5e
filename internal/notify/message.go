// Package notify delivers job updates to users. Delivery is best effort:
// nothing here ever reports a failure back to the state machine.
package notify

import (
	"time"

	"github.com/MimeLyc/ticket-watcher/internal/jobs"
)

type Type string

const (
	TypeJobCreated         Type = "job_created"
	TypeJobStarted         Type = "job_started"
	TypeTicketsFound       Type = "tickets_found"
	TypeBookingStarted     Type = "booking_started"
	TypeBookingSuccess     Type = "booking_success"
	TypeBookingFailed      Type = "booking_failed"
	TypeJobCompleted       Type = "job_completed"
	TypeJobFailed          Type = "job_failed"
	TypeJobExpired         Type = "job_expired"
	TypePreferenceMismatch Type = "preference_mismatch"
	TypeTheatreNotFound    Type = "theatre_not_found"
	TypeMovieNotFound      Type = "movie_not_found"
	TypeJobPaused          Type = "job_paused"
	TypeJobResumed         Type = "job_resumed"
)

// Important types are delivered even to users who asked for important
// messages only.
func (t Type) Important() bool {
	switch t {
	case TypeBookingSuccess, TypeBookingFailed, TypeJobCompleted, TypeJobFailed, TypeJobExpired:
		return true
	default:
		return false
	}
}

// MaxListedOptions caps how many alternatives a mismatch message lists.
const MaxListedOptions = 5

// Message is the payload for every notification type. Fields a type does not
// use stay zero.
type Message struct {
	Type      Type      `json:"type"`
	JobID     string    `json:"job_id"`
	MovieName string    `json:"movie_name,omitempty"`
	City      string    `json:"city,omitempty"`
	Theatre   string    `json:"theatre,omitempty"`
	Showtime  string    `json:"showtime,omitempty"`
	Seats     []string  `json:"seats,omitempty"`
	BookingID string    `json:"booking_id,omitempty"`
	Amount    float64   `json:"amount,omitempty"`
	Error     string    `json:"error,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Mismatch  *Mismatch `json:"mismatch,omitempty"`
	Evidence  string    `json:"evidence,omitempty"`
	SentAt    time.Time `json:"sent_at"`
}

// Mismatch is the wanted-vs-available part of preference_mismatch and
// theatre_not_found.
type Mismatch struct {
	Type          jobs.MismatchType      `json:"type"`
	WantedTheatre []string               `json:"wanted_theatres,omitempty"`
	Wanted        jobs.Preferences       `json:"wanted"`
	Available     []jobs.AvailableOption `json:"available"`
	// TotalOptions counts every option seen, including those not listed.
	TotalOptions  int           `json:"total_options"`
	RespondWithin time.Duration `json:"respond_within"`
}

// NewMismatch builds the mismatch detail for job, listing at most
// MaxListedOptions alternatives.
func NewMismatch(job *jobs.BookingJob, m jobs.Mismatch, respondWithin time.Duration) *Mismatch {
	listed := m.Options
	if len(listed) > MaxListedOptions {
		listed = listed[:MaxListedOptions]
	}
	return &Mismatch{
		Type:          m.Type,
		WantedTheatre: job.Theatres,
		Wanted:        job.Preferences,
		Available:     append([]jobs.AvailableOption(nil), listed...),
		TotalOptions:  len(m.Options),
		RespondWithin: respondWithin,
	}
}

// Recipient is where a gateway delivers to.
type Recipient struct {
	UserID string `json:"user_id"`
	ChatID string `json:"chat_id,omitempty"`
}
