package service

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/singleflight"

	"github.com/MimeLyc/ticket-watcher/internal/config"
	"github.com/MimeLyc/ticket-watcher/internal/jobs"
	"github.com/MimeLyc/ticket-watcher/internal/notify"
	"github.com/MimeLyc/ticket-watcher/pkg/icron"
	"github.com/MimeLyc/ticket-watcher/pkg/log"
)

const expiredReason = "watch window expired"

// Policy is the scheduler's tunable behaviour.
type Policy struct {
	TickInterval      time.Duration `json:"tick_interval"`
	RequeueThrottle   time.Duration `json:"requeue_throttle"`
	ResponseTimeout   time.Duration `json:"response_timeout"`
	ThrottleStaleness time.Duration `json:"throttle_staleness"`
}

func DefaultPolicy() Policy {
	return Policy{
		TickInterval:      60 * time.Second,
		RequeueThrottle:   5 * time.Minute,
		ResponseTimeout:   15 * time.Minute,
		ThrottleStaleness: 24 * time.Hour,
	}
}

func PolicyFromConfig(c config.SchedulerConfig) Policy {
	return Policy(c)
}

func (p Policy) Validate() error {
	return config.SchedulerConfig(p).Validate()
}

// TickReport summarises one scheduler pass.
type TickReport struct {
	At        time.Time `json:"at"`
	Expired   int       `json:"expired"`
	Paused    int       `json:"paused"`
	Enqueued  int       `json:"enqueued"`
	Throttled int       `json:"throttled"`
	Pruned    int       `json:"pruned"`
	Errors    int       `json:"errors"`
}

// Scheduler is the periodic driver: it expires jobs past their window,
// pauses mismatches nobody answered, and feeds due jobs to the watch queue
// no more often than the throttle allows.
type Scheduler struct {
	store    jobs.Store
	watch    Enqueuer
	notifier Notifier
	now      Clock
	cron     *cron.Cron

	group singleflight.Group

	mu       sync.Mutex
	policy   Policy
	throttle map[string]time.Time
	entryID  cron.EntryID
	ctx      context.Context
	running  bool
	last     TickReport
}

type SchedulerOption func(*Scheduler)

func WithSchedulerClock(now Clock) SchedulerOption {
	return func(s *Scheduler) {
		s.now = now
	}
}

func WithCron(c *cron.Cron) SchedulerOption {
	return func(s *Scheduler) {
		s.cron = c
	}
}

func NewScheduler(store jobs.Store, watch Enqueuer, notifier Notifier, policy Policy, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		store:    store,
		watch:    watch,
		notifier: orNop(notifier),
		policy:   policy,
		throttle: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.now = orNow(s.now)
	if s.cron == nil {
		s.cron = cron.New()
	}
	return s
}

func (s *Scheduler) Policy() Policy {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.policy
}

// ResponseTimeout is how long a mismatch waits for its user.
func (s *Scheduler) ResponseTimeout() time.Duration {
	return s.Policy().ResponseTimeout
}

// Start registers the tick with cron and starts it. ctx is passed to every
// tick; cancelling it does not stop the cron, Stop does.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	s.ctx = ctx
	if err := s.scheduleLocked(); err != nil {
		return err
	}
	s.cron.Start()
	s.running = true
	log.Info("Scheduler started, ticking %s", config.EverySpec(s.policy.TickInterval))
	return nil
}

// Stop stops the cron and waits for a running tick to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.cron.Remove(s.entryID)
	s.mu.Unlock()

	<-s.cron.Stop().Done()
	log.Info("Scheduler stopped")
}

// SetPolicy swaps the policy. A changed interval reschedules the tick.
func (s *Scheduler) SetPolicy(p Policy) error {
	if err := p.Validate(); err != nil {
		return WrapError(err, ErrConfig, "invalid scheduler policy")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.policy
	s.policy = p
	if s.running && prev.TickInterval != p.TickInterval {
		s.cron.Remove(s.entryID)
		if err := s.scheduleLocked(); err != nil {
			return err
		}
	}
	log.Info("Scheduler policy updated: %+v", p)
	return nil
}

// ApplyRuntimeSettings applies settings edited over HTTP.
func (s *Scheduler) ApplyRuntimeSettings(rs config.RuntimeSettings) error {
	sched, err := rs.Scheduler()
	if err != nil {
		return WrapError(err, ErrValidation, "invalid runtime settings")
	}
	return s.SetPolicy(PolicyFromConfig(sched))
}

func (s *Scheduler) scheduleLocked() error {
	spec := config.EverySpec(s.policy.TickInterval)
	ctx := s.ctx
	id, err := s.cron.AddFunc(spec, func() {
		s.Tick(ctx)
	})
	if err != nil {
		return WrapError(errors.Wrapf(err, "schedule %s", spec), ErrConfig, "failed to schedule tick")
	}
	s.entryID = id
	return nil
}

// SchedulerStatus is what the scheduler endpoint reports.
type SchedulerStatus struct {
	Running      bool               `json:"running"`
	Policy       Policy             `json:"policy"`
	LastTick     TickReport         `json:"last_tick"`
	Trigger      *icron.TriggerInfo `json:"trigger,omitempty"`
	ThrottleSize int                `json:"throttle_size"`
}

func (s *Scheduler) Status() SchedulerStatus {
	s.mu.Lock()
	status := SchedulerStatus{
		Running:      s.running,
		Policy:       s.policy,
		LastTick:     s.last,
		ThrottleSize: len(s.throttle),
	}
	s.mu.Unlock()

	ref := s.now()
	if !status.LastTick.At.IsZero() {
		ref = status.LastTick.At
	}
	if info, err := icron.GetTriggerInfo(config.EverySpec(status.Policy.TickInterval), ref); err == nil {
		status.Trigger = info
	}
	return status
}

// NextTick is when the next pass is due: the cron entry's own schedule while
// running, otherwise one interval from now.
func (s *Scheduler) NextTick() (time.Time, error) {
	s.mu.Lock()
	running, id, interval := s.running, s.entryID, s.policy.TickInterval
	s.mu.Unlock()
	if running {
		if entry := s.cron.Entry(id); entry.Valid() && !entry.Next.IsZero() {
			return entry.Next, nil
		}
	}
	info, err := icron.GetTriggerInfo(config.EverySpec(interval), s.now())
	if err != nil {
		return time.Time{}, WrapError(err, ErrConfig, "compute next tick")
	}
	return info.Next, nil
}

// Tick runs one pass. Concurrent calls share a single pass. Errors are
// counted and logged per job; Tick itself never fails.
func (s *Scheduler) Tick(ctx context.Context) TickReport {
	v, _, _ := s.group.Do("tick", func() (any, error) {
		report := s.tick(ctx)
		s.mu.Lock()
		s.last = report
		s.mu.Unlock()
		return report, nil
	})
	return v.(TickReport)
}

func (s *Scheduler) tick(ctx context.Context) TickReport {
	now := s.now()
	policy := s.Policy()
	report := TickReport{At: now}

	// expiry runs first so a job is never expired and enqueued in one pass
	s.expire(ctx, now, &report)
	s.escalate(ctx, now, policy, &report)
	s.enqueueDue(ctx, now, policy, &report)
	report.Pruned = s.prune(now, policy)

	if report.Expired+report.Paused+report.Enqueued+report.Errors > 0 {
		log.Info("Tick: expired=%d paused=%d enqueued=%d throttled=%d pruned=%d errors=%d",
			report.Expired, report.Paused, report.Enqueued, report.Throttled, report.Pruned, report.Errors)
	}
	return report
}

func (s *Scheduler) expire(ctx context.Context, now time.Time, report *TickReport) {
	expired, err := s.store.ListExpired(ctx, now)
	if err != nil {
		logError(WrapError(err, ErrStore, "list expired jobs"))
		report.Errors++
		return
	}
	for _, job := range expired {
		if err := s.store.SetResult(ctx, job.ID, jobs.StatusFailed, jobs.Result{Error: expiredReason}); err != nil {
			logError(classifyStoreError(err, job.ID, "expire job"))
			report.Errors++
			continue
		}
		report.Expired++
		log.Info("Job %s expired (window ended %s)", job.ID, job.WatchUntil.Format(time.RFC3339))
		s.notifier.Notify(ctx, job, notify.Message{Type: notify.TypeJobExpired, Error: expiredReason})
	}
}

func (s *Scheduler) escalate(ctx context.Context, now time.Time, policy Policy, report *TickReport) {
	stale, err := s.store.ListTimedOutAwaitingInput(ctx, now, policy.ResponseTimeout)
	if err != nil {
		logError(WrapError(err, ErrStore, "list timed-out mismatches"))
		report.Errors++
		return
	}
	for _, job := range stale {
		if err := s.store.Pause(ctx, job.ID); err != nil {
			logError(classifyStoreError(err, job.ID, "pause unanswered job"))
			report.Errors++
			continue
		}
		report.Paused++
		log.Info("Job %s paused: no mismatch response within %s", job.ID, policy.ResponseTimeout)
		msg := notify.Message{
			Type:   notify.TypeJobPaused,
			Reason: "no response within " + policy.ResponseTimeout.String(),
		}
		if job.MismatchEvidence != "" {
			s.notifier.NotifyWithEvidence(ctx, job, msg, job.MismatchEvidence)
		} else {
			s.notifier.Notify(ctx, job, msg)
		}
	}
}

func (s *Scheduler) enqueueDue(ctx context.Context, now time.Time, policy Policy, report *TickReport) {
	ready, err := s.store.ListReadyForWatching(ctx, now)
	if err != nil {
		logError(WrapError(err, ErrStore, "list ready jobs"))
		report.Errors++
	}
	watching, err := s.store.ListWatching(ctx, now)
	if err != nil {
		logError(WrapError(err, ErrStore, "list watching jobs"))
		report.Errors++
	}

	seen := make(map[string]struct{}, len(ready)+len(watching))
	for _, job := range append(ready, watching...) {
		if _, dup := seen[job.ID]; dup {
			continue
		}
		seen[job.ID] = struct{}{}

		if !s.claimSlot(job.ID, now, policy.RequeueThrottle) {
			report.Throttled++
			continue
		}
		task, created := s.watch.Enqueue(jobs.EnqueueRequest{
			JobID:     job.ID,
			DedupeKey: jobs.WatchTaskKey(job.ID, now),
		})
		if created {
			report.Enqueued++
			log.Debug("Enqueued watch task %s for job %s", task.ID, job.ID)
		}
	}
}

// claimSlot records now for id unless id was enqueued less than throttle ago.
func (s *Scheduler) claimSlot(id string, now time.Time, throttle time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if last, ok := s.throttle[id]; ok && now.Sub(last) < throttle {
		return false
	}
	s.throttle[id] = now
	return true
}

func (s *Scheduler) prune(now time.Time, policy Policy) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	pruned := 0
	for id, last := range s.throttle {
		if now.Sub(last) > policy.ThrottleStaleness {
			delete(s.throttle, id)
			pruned++
		}
	}
	return pruned
}
