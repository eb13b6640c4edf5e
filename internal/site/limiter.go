package site

import (
	"context"

	"github.com/cockroachdb/errors"
	"golang.org/x/time/rate"

	"github.com/MimeLyc/ticket-watcher/internal/jobs"
)

// RateLimited shares one token bucket between watch and booking attempts so
// the workers together never hit the site faster than the configured rate.
type RateLimited struct {
	next    Site
	limiter *rate.Limiter
}

// NewRateLimited wraps next. perSecond <= 0 disables limiting.
func NewRateLimited(next Site, perSecond float64, burst int) *RateLimited {
	limit := rate.Limit(perSecond)
	if perSecond <= 0 {
		limit = rate.Inf
	}
	if burst < 1 {
		burst = 1
	}
	return &RateLimited{next: next, limiter: rate.NewLimiter(limit, burst)}
}

func (r *RateLimited) Watch(ctx context.Context, job *jobs.BookingJob) (*Listing, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, errors.Wrap(err, "wait for site rate limit")
	}
	return r.next.Watch(ctx, job)
}

func (r *RateLimited) Book(ctx context.Context, job *jobs.BookingJob) (*Receipt, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, errors.Wrap(err, "wait for site rate limit")
	}
	return r.next.Book(ctx, job)
}
