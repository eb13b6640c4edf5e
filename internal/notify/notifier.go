package notify

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/MimeLyc/ticket-watcher/internal/jobs"
	"github.com/MimeLyc/ticket-watcher/pkg/log"
)

// Gateway delivers one message to one user.
type Gateway interface {
	Send(ctx context.Context, to Recipient, msg Message) error
}

type GatewayFunc func(ctx context.Context, to Recipient, msg Message) error

func (f GatewayFunc) Send(ctx context.Context, to Recipient, msg Message) error {
	return f(ctx, to, msg)
}

type UserLookup interface {
	GetUser(ctx context.Context, id string) (*jobs.User, error)
}

// Notifier applies the important-only filter and hands messages to a
// gateway. It never returns delivery errors.
type Notifier struct {
	gateway Gateway
	users   UserLookup
	now     func() time.Time
}

type NotifierOption func(*Notifier)

func WithClock(now func() time.Time) NotifierOption {
	return func(n *Notifier) {
		n.now = now
	}
}

// NewNotifier builds a Notifier. users may be nil, in which case only the
// job's own flag is consulted and no chat id is attached.
func NewNotifier(gateway Gateway, users UserLookup, opts ...NotifierOption) *Notifier {
	n := &Notifier{gateway: gateway, users: users, now: time.Now}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

func (n *Notifier) Notify(ctx context.Context, job *jobs.BookingJob, msg Message) {
	n.deliver(ctx, job, msg)
}

func (n *Notifier) NotifyWithEvidence(ctx context.Context, job *jobs.BookingJob, msg Message, evidence string) {
	msg.Evidence = evidence
	n.deliver(ctx, job, msg)
}

func (n *Notifier) deliver(ctx context.Context, job *jobs.BookingJob, msg Message) {
	if n == nil || n.gateway == nil || job == nil {
		return
	}
	to := Recipient{UserID: job.UserID}
	importantOnly := job.NotifyImportantOnly
	if n.users != nil {
		user, err := n.users.GetUser(ctx, job.UserID)
		if err != nil {
			log.Warn("Notify %s for job %s: user lookup failed: %v", msg.Type, job.ID, err)
		} else {
			to.ChatID = user.ChatID
			importantOnly = importantOnly || user.NotifyImportantOnly
		}
	}
	if importantOnly && !msg.Type.Important() {
		log.Debug("Suppressed %s for job %s (important only)", msg.Type, job.ID)
		return
	}

	msg.JobID = job.ID
	if msg.MovieName == "" {
		msg.MovieName = job.MovieName
	}
	if msg.City == "" {
		msg.City = job.City
	}
	if msg.SentAt.IsZero() {
		msg.SentAt = n.now().UTC()
	}

	if err := n.gateway.Send(ctx, to, msg); err != nil {
		log.Error("Failed to deliver %s for job %s to user %s: %v", msg.Type, job.ID, job.UserID, err)
	}
}

// Multi sends to every gateway and combines their errors.
type Multi []Gateway

func (m Multi) Send(ctx context.Context, to Recipient, msg Message) error {
	var combined error
	for _, g := range m {
		if g == nil {
			continue
		}
		combined = errors.CombineErrors(combined, g.Send(ctx, to, msg))
	}
	return combined
}

// LogGateway writes the rendered text to the log.
type LogGateway struct{}

func (LogGateway) Send(_ context.Context, to Recipient, msg Message) error {
	text := Render(msg)
	if msg.Evidence != "" {
		text += " [evidence: " + msg.Evidence + "]"
	}
	log.Info("Notify user %s (%s): %s", to.UserID, msg.Type, text)
	return nil
}
