// Package service is the orchestration core: the scheduler that feeds the
// watch queue, the two queue workers, and the mismatch protocol that puts a
// job in front of its user and applies their answer.
package service

import (
	"context"
	"sync"
	"time"

	"github.com/MimeLyc/ticket-watcher/internal/jobs"
	"github.com/MimeLyc/ticket-watcher/internal/notify"
)

// Notifier is the best-effort outbound channel to users.
type Notifier interface {
	Notify(ctx context.Context, job *jobs.BookingJob, msg notify.Message)
	NotifyWithEvidence(ctx context.Context, job *jobs.BookingJob, msg notify.Message, evidence string)
}

// Enqueuer is the producer side of a task queue.
type Enqueuer interface {
	Enqueue(req jobs.EnqueueRequest) (*jobs.Task, bool)
}

// Clock returns the current time. Every component takes one so tests can
// move time by hand.
type Clock func() time.Time

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, *jobs.BookingJob, notify.Message) {}

func (nopNotifier) NotifyWithEvidence(context.Context, *jobs.BookingJob, notify.Message, string) {}

// inFlight is a set of job ids currently held by a worker.
type inFlight struct {
	mu  sync.Mutex
	ids map[string]struct{}
}

func newInFlight() *inFlight {
	return &inFlight{ids: make(map[string]struct{})}
}

func (f *inFlight) acquire(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, held := f.ids[id]; held {
		return false
	}
	f.ids[id] = struct{}{}
	return true
}

func (f *inFlight) release(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.ids, id)
}

func orNop(n Notifier) Notifier {
	if n == nil {
		return nopNotifier{}
	}
	return n
}

func orNow(c Clock) Clock {
	if c == nil {
		return time.Now
	}
	return c
}
