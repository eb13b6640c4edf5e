package site

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/MimeLyc/ticket-watcher/internal/jobs"
)

// FixtureShow is one movie's listing in a city, as held by Fixture.
type FixtureShow struct {
	City    string                 `json:"city"`
	Movie   string                 `json:"movie"`
	Options []jobs.AvailableOption `json:"options"`
}

// Fixture is an in-memory site. Listings can be changed while workers run.
type Fixture struct {
	mu          sync.Mutex
	shows       map[string][]jobs.AvailableOption
	bookErr     error
	price       float64
	evidenceDir string
	watches     int
	bookings    int
}

func NewFixture() *Fixture {
	return &Fixture{shows: make(map[string][]jobs.AvailableOption), price: 250}
}

// LoadFixture reads a JSON array of FixtureShow.
func LoadFixture(path string) (*Fixture, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read fixture %s", path)
	}
	var shows []FixtureShow
	if err := json.Unmarshal(raw, &shows); err != nil {
		return nil, errors.Wrapf(err, "parse fixture %s", path)
	}
	f := NewFixture()
	for _, s := range shows {
		f.SetShow(s.City, s.Movie, s.Options)
	}
	return f, nil
}

// SetShow lists movie in city with the given options. Nil options list the
// movie with no showtimes.
func (f *Fixture) SetShow(city, movie string, options []jobs.AvailableOption) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shows[showKey(city, movie)] = append([]jobs.AvailableOption{}, options...)
}

func (f *Fixture) RemoveShow(city, movie string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.shows, showKey(city, movie))
}

// FailBookings makes every following Book call return err; nil clears it.
func (f *Fixture) FailBookings(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bookErr = err
}

// WriteEvidenceTo makes Watch and Book dump a JSON snapshot into dir and
// report its path as evidence.
func (f *Fixture) WriteEvidenceTo(dir string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.evidenceDir = dir
}

func (f *Fixture) Counts() (watches, bookings int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.watches, f.bookings
}

func (f *Fixture) Watch(ctx context.Context, job *jobs.BookingJob) (*Listing, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.watches++
	n := f.watches
	options, found := f.shows[showKey(job.City, job.MovieName)]
	options = append([]jobs.AvailableOption{}, options...)
	dir := f.evidenceDir
	f.mu.Unlock()

	listing := &Listing{MovieFound: found, Options: options}
	if dir != "" {
		path, err := writeEvidence(dir, fmt.Sprintf("watch-%s-%d.json", job.ID, n), listing)
		if err != nil {
			return nil, err
		}
		listing.Evidence = path
	}
	return listing, nil
}

func (f *Fixture) Book(ctx context.Context, job *jobs.BookingJob) (*Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.bookings++
	n := f.bookings
	bookErr := f.bookErr
	options := append([]jobs.AvailableOption{}, f.shows[showKey(job.City, job.MovieName)]...)
	price := f.price
	dir := f.evidenceDir
	f.mu.Unlock()

	if bookErr != nil {
		return nil, bookErr
	}
	match, ok := job.Criteria().FindMatch(options)
	if !ok {
		return nil, errors.Wrapf(ErrSoldOut, "%s in %s", job.MovieName, job.City)
	}

	count := job.Seats.Count
	if count < 1 {
		count = 1
	}
	seats := make([]string, 0, count)
	for i := 0; i < count; i++ {
		seats = append(seats, fmt.Sprintf("F%d", 7+i))
	}
	receipt := &Receipt{
		BookingID: fmt.Sprintf("FX-%s-%d", shortID(job.ID), n),
		Seats:     seats,
		Theatre:   match.Option.Theatre,
		Showtime:  match.Showtime,
		Amount:    price * float64(count),
	}
	if dir != "" {
		path, err := writeEvidence(dir, fmt.Sprintf("booking-%s.json", job.ID), receipt)
		if err != nil {
			return nil, err
		}
		receipt.Evidence = path
	}
	return receipt, nil
}

func showKey(city, movie string) string {
	return strings.ToLower(strings.TrimSpace(city)) + "|" + strings.ToLower(strings.TrimSpace(movie))
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func writeEvidence(dir, name string, v any) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errors.Wrap(err, "create evidence directory")
	}
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", errors.Wrap(err, "encode evidence")
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return "", errors.Wrapf(err, "write evidence %s", path)
	}
	return path, nil
}
