package service

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/MimeLyc/ticket-watcher/internal/jobs"
	"github.com/MimeLyc/ticket-watcher/internal/notify"
	"github.com/MimeLyc/ticket-watcher/internal/persistence"
)

var baseTime = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(t time.Time) *fakeClock {
	return &fakeClock{now: t}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type sent struct {
	JobID    string
	Msg      notify.Message
	Evidence string
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []sent
}

func (n *recordingNotifier) Notify(_ context.Context, job *jobs.BookingJob, msg notify.Message) {
	n.record(job, msg, "")
}

func (n *recordingNotifier) NotifyWithEvidence(_ context.Context, job *jobs.BookingJob, msg notify.Message, evidence string) {
	n.record(job, msg, evidence)
}

func (n *recordingNotifier) record(job *jobs.BookingJob, msg notify.Message, evidence string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, sent{JobID: job.ID, Msg: msg, Evidence: evidence})
}

func (n *recordingNotifier) types() []notify.Type {
	n.mu.Lock()
	defer n.mu.Unlock()
	ret := make([]notify.Type, 0, len(n.sent))
	for _, s := range n.sent {
		ret = append(ret, s.Msg.Type)
	}
	return ret
}

func (n *recordingNotifier) last(typ notify.Type) (sent, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i := len(n.sent) - 1; i >= 0; i-- {
		if n.sent[i].Msg.Type == typ {
			return n.sent[i], true
		}
	}
	return sent{}, false
}

func (n *recordingNotifier) reset() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = nil
}

// fakeQueue records enqueues and collapses duplicate keys the way
// jobs.TaskQueue does while a task is pending.
type fakeQueue struct {
	mu    sync.Mutex
	reqs  []jobs.EnqueueRequest
	byKey map[string]*jobs.Task
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{byKey: make(map[string]*jobs.Task)}
}

func (q *fakeQueue) Enqueue(req jobs.EnqueueRequest) (*jobs.Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if task, ok := q.byKey[req.DedupeKey]; ok {
		return task, false
	}
	q.reqs = append(q.reqs, req)
	task := &jobs.Task{ID: req.DedupeKey, JobID: req.JobID, DedupeKey: req.DedupeKey, Status: jobs.TaskPending, MaxAttempts: 1}
	q.byKey[req.DedupeKey] = task
	return task, true
}

// drain hands back the queued tasks and empties the queue.
func (q *fakeQueue) drain() []*jobs.Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	ret := make([]*jobs.Task, 0, len(q.reqs))
	for _, req := range q.reqs {
		task := *q.byKey[req.DedupeKey]
		task.Attempts = 1
		ret = append(ret, &task)
	}
	q.reqs = nil
	q.byKey = make(map[string]*jobs.Task)
	return ret
}

func (q *fakeQueue) jobIDs() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	ret := make([]string, 0, len(q.reqs))
	for _, req := range q.reqs {
		ret = append(ret, req.JobID)
	}
	return ret
}

func newTestStore(t *testing.T, clock *fakeClock) *persistence.SQLiteStore {
	t.Helper()
	store, err := persistence.NewSQLiteStore(filepath.Join(t.TempDir(), "ticket-watcher.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	store.SetClock(clock.Now)
	return store
}

func newJob(t *testing.T, store jobs.Store, clock *fakeClock, mutate func(in *jobs.CreateJobInput)) *jobs.BookingJob {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.UpsertUser(ctx, &jobs.User{ID: "u1", Name: "Asha", ChatID: "chat-1"}))
	in := jobs.CreateJobInput{
		UserID:     "u1",
		WatchFrom:  clock.Now().Add(-time.Second),
		WatchUntil: clock.Now().Add(time.Hour),
		MovieName:  "Dune",
		City:       "Pune",
		Theatres:   []string{"PVR Phoenix"},
		Preferences: jobs.Preferences{
			Formats:   jobs.Constraint{"IMAX"},
			Languages: jobs.Constraint{"English"},
		},
		Seats: jobs.SeatPreferences{Count: 2},
	}
	if mutate != nil {
		mutate(&in)
	}
	job, err := store.CreateJob(ctx, in)
	require.NoError(t, err)
	return job
}

func setStatus(t *testing.T, store jobs.Store, id string, path ...jobs.Status) {
	t.Helper()
	for _, st := range path {
		require.NoError(t, store.SetStatus(context.Background(), id, st))
	}
}

func status(t *testing.T, store jobs.Store, id string) jobs.Status {
	t.Helper()
	job, err := store.GetJob(context.Background(), id)
	require.NoError(t, err)
	return job.Status
}

var (
	imaxEnglish = jobs.AvailableOption{Theatre: "PVR Phoenix", Language: "English", Format: "IMAX", Times: []string{"18:40", "21:15"}}
	twoDEnglish = jobs.AvailableOption{Theatre: "PVR Phoenix", Language: "English", Format: "2D", Times: []string{"19:00"}}
)
