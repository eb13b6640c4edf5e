// Package site holds the contracts for talking to the ticketing site. The
// page automation itself lives outside this repository; Client reaches it
// over HTTP and Fixture stands in for it in tests and dry runs.
package site

import (
	"context"

	"github.com/cockroachdb/errors"

	"github.com/MimeLyc/ticket-watcher/internal/jobs"
)

// ErrSoldOut is returned by a booking attempt when the matched showtime is
// gone by the time the purchase runs.
var ErrSoldOut = errors.New("no matching tickets left")

// Listing is what one watch attempt saw for a job's movie and city.
type Listing struct {
	// MovieFound is false when the site does not list the movie at all.
	MovieFound bool                   `json:"movie_found"`
	Options    []jobs.AvailableOption `json:"options"`
	Evidence   string                 `json:"evidence,omitempty"`
}

// Receipt is a completed purchase.
type Receipt struct {
	BookingID string   `json:"booking_id"`
	Seats     []string `json:"seats"`
	Theatre   string   `json:"theatre"`
	Showtime  string   `json:"showtime"`
	Amount    float64  `json:"amount"`
	Evidence  string   `json:"evidence,omitempty"`
}

type Watcher interface {
	Watch(ctx context.Context, job *jobs.BookingJob) (*Listing, error)
}

type Booker interface {
	Book(ctx context.Context, job *jobs.BookingJob) (*Receipt, error)
}

// Site is both halves of the automation.
type Site interface {
	Watcher
	Booker
}

type WatcherFunc func(ctx context.Context, job *jobs.BookingJob) (*Listing, error)

func (f WatcherFunc) Watch(ctx context.Context, job *jobs.BookingJob) (*Listing, error) {
	return f(ctx, job)
}

type BookerFunc func(ctx context.Context, job *jobs.BookingJob) (*Receipt, error)

func (f BookerFunc) Book(ctx context.Context, job *jobs.BookingJob) (*Receipt, error) {
	return f(ctx, job)
}
