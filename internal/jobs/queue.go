package jobs

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/MimeLyc/ticket-watcher/pkg/log"
)

// Handler processes one dequeued task. A returned error counts as a failed
// attempt and is retried while attempts remain.
type Handler func(ctx context.Context, task *Task) error

type QueueConfig struct {
	Name        string
	Workers     int
	MaxAttempts int
	// Backoff is the delay before the first retry; it doubles per attempt.
	Backoff  time.Duration
	MaxTasks int
}

func (c QueueConfig) withDefaults() QueueConfig {
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 1
	}
	if c.Backoff <= 0 {
		c.Backoff = 30 * time.Second
	}
	if c.MaxTasks <= 0 {
		c.MaxTasks = 1000
	}
	return c
}

// TaskQueue is a keyed work queue with a fixed worker pool. Tasks sharing a
// dedupe key collapse into one while it is pending or running.
type TaskQueue struct {
	cfg   QueueConfig
	store TaskStore

	mu         sync.RWMutex
	tasks      map[string]*Task
	dedupe     map[string]string
	idCounter  uint64
	started    bool
	pendingIDs chan string
	ctx        context.Context
	cancel     context.CancelFunc
	stopOnce   sync.Once
	wg         sync.WaitGroup
}

func NewTaskQueue(cfg QueueConfig, store TaskStore) *TaskQueue {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	q := &TaskQueue{
		cfg:        cfg,
		store:      store,
		tasks:      make(map[string]*Task),
		dedupe:     make(map[string]string),
		pendingIDs: make(chan string, 1024),
		ctx:        ctx,
		cancel:     cancel,
	}
	q.hydrateFromStore(context.Background())
	return q
}

func (q *TaskQueue) Name() string {
	return q.cfg.Name
}

// Enqueue adds a task. When a pending or running task already holds the
// dedupe key, that task is returned with created=false.
func (q *TaskQueue) Enqueue(req EnqueueRequest) (*Task, bool) {
	now := time.Now()

	q.mu.Lock()
	if req.DedupeKey != "" {
		if id, ok := q.dedupe[req.DedupeKey]; ok {
			if existing, exists := q.tasks[id]; exists {
				snapshot := cloneTask(existing)
				q.mu.Unlock()
				return snapshot, false
			}
			delete(q.dedupe, req.DedupeKey)
		}
	}

	id := fmt.Sprintf("%s-%d", q.cfg.Name, atomic.AddUint64(&q.idCounter, 1))
	task := &Task{
		ID:          id,
		Queue:       q.cfg.Name,
		JobID:       req.JobID,
		DedupeKey:   req.DedupeKey,
		Status:      TaskPending,
		MaxAttempts: q.cfg.MaxAttempts,
		NotBefore:   now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	q.tasks[id] = task
	if req.DedupeKey != "" {
		q.dedupe[req.DedupeKey] = id
	}
	started := q.started
	snapshot := cloneTask(task)
	q.mu.Unlock()

	q.persistTask(snapshot)
	if started {
		q.enqueuePendingID(id)
	}
	return snapshot, true
}

func (q *TaskQueue) Get(id string) (*Task, bool) {
	q.mu.RLock()
	task, ok := q.tasks[id]
	q.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return cloneTask(task), true
}

func (q *TaskQueue) List() []*Task {
	q.mu.RLock()
	defer q.mu.RUnlock()

	ret := make([]*Task, 0, len(q.tasks))
	for _, task := range q.tasks {
		ret = append(ret, cloneTask(task))
	}
	sort.Slice(ret, func(i, j int) bool {
		return ret[i].CreatedAt.Before(ret[j].CreatedAt)
	})
	return ret
}

// QueueStats counts tasks per status.
type QueueStats struct {
	Pending int `json:"pending"`
	Running int `json:"running"`
	Success int `json:"success"`
	Failed  int `json:"failed"`
}

func (q *TaskQueue) Stats() QueueStats {
	q.mu.RLock()
	defer q.mu.RUnlock()

	var s QueueStats
	for _, task := range q.tasks {
		switch task.Status {
		case TaskPending:
			s.Pending++
		case TaskRunning:
			s.Running++
		case TaskSuccess:
			s.Success++
		case TaskFailed:
			s.Failed++
		}
	}
	return s
}

func (q *TaskQueue) Start(exec Handler) {
	q.mu.Lock()
	if q.started {
		q.mu.Unlock()
		return
	}
	q.started = true

	type pendingTask struct {
		id        string
		notBefore time.Time
	}
	pending := make([]pendingTask, 0)
	for id, task := range q.tasks {
		if task.Status == TaskPending {
			pending = append(pending, pendingTask{id: id, notBefore: task.NotBefore})
		}
	}
	q.mu.Unlock()

	now := time.Now()
	for _, p := range pending {
		if delay := p.notBefore.Sub(now); delay > 0 {
			q.enqueueAfter(p.id, delay)
			continue
		}
		q.enqueuePendingID(p.id)
	}

	for i := 0; i < q.cfg.Workers; i++ {
		q.wg.Add(1)
		go q.worker(exec)
	}
	log.Info("Queue %s started with %d workers", q.cfg.Name, q.cfg.Workers)
}

// Stop cancels in-flight handlers' context and waits for workers to exit.
func (q *TaskQueue) Stop() {
	q.stopOnce.Do(func() {
		q.cancel()
		q.wg.Wait()
		log.Info("Queue %s stopped", q.cfg.Name)
	})
}

func (q *TaskQueue) worker(exec Handler) {
	defer q.wg.Done()

	for {
		select {
		case <-q.ctx.Done():
			return
		case id := <-q.pendingIDs:
			task, ok := q.markRunning(id)
			if !ok {
				continue
			}

			err := q.run(exec, task)
			if err != nil {
				q.markAttemptFailed(id, err)
				continue
			}
			q.markSuccess(id)
		}
	}
}

func (q *TaskQueue) run(exec Handler, task *Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf("task %s panicked: %v", task.ID, r)
		}
	}()
	return exec(q.ctx, task)
}

func (q *TaskQueue) enqueuePendingID(id string) {
	select {
	case q.pendingIDs <- id:
	default:
		go func() {
			select {
			case q.pendingIDs <- id:
			case <-q.ctx.Done():
			}
		}()
	}
}

func (q *TaskQueue) enqueueAfter(id string, delay time.Duration) {
	time.AfterFunc(delay, func() {
		if q.ctx.Err() != nil {
			return
		}
		q.enqueuePendingID(id)
	})
}

func (q *TaskQueue) markRunning(id string) (*Task, bool) {
	q.mu.Lock()
	task, ok := q.tasks[id]
	if !ok || task.Status != TaskPending {
		q.mu.Unlock()
		return nil, false
	}
	task.Status = TaskRunning
	task.Attempts++
	task.UpdatedAt = time.Now()
	snapshot := cloneTask(task)
	q.mu.Unlock()

	q.persistTask(snapshot)
	return snapshot, true
}

func (q *TaskQueue) markSuccess(id string) {
	q.mu.Lock()
	task, ok := q.tasks[id]
	if !ok {
		q.mu.Unlock()
		return
	}
	task.Status = TaskSuccess
	task.Error = ""
	task.UpdatedAt = time.Now()
	q.releaseDedupeLocked(task)
	pruned := q.pruneTerminalTasksLocked()
	snapshot := cloneTask(task)
	q.mu.Unlock()

	q.persistTask(snapshot)
	q.deleteTasksFromStore(pruned)
}

// markAttemptFailed either schedules a retry with exponential backoff or,
// once attempts are exhausted, fails the task and frees its key.
func (q *TaskQueue) markAttemptFailed(id string, err error) {
	q.mu.Lock()
	task, ok := q.tasks[id]
	if !ok {
		q.mu.Unlock()
		return
	}
	now := time.Now()
	task.Error = err.Error()
	task.UpdatedAt = now

	var (
		retryIn time.Duration
		pruned  []string
	)
	if task.Attempts < task.MaxAttempts {
		retryIn = q.cfg.Backoff << (task.Attempts - 1)
		task.Status = TaskPending
		task.NotBefore = now.Add(retryIn)
	} else {
		task.Status = TaskFailed
		q.releaseDedupeLocked(task)
		pruned = q.pruneTerminalTasksLocked()
	}
	snapshot := cloneTask(task)
	q.mu.Unlock()

	q.persistTask(snapshot)
	q.deleteTasksFromStore(pruned)
	if snapshot.Status == TaskPending {
		log.Warn("Task %s for job %s failed attempt %d/%d, retrying in %s: %v",
			snapshot.ID, snapshot.JobID, snapshot.Attempts, snapshot.MaxAttempts, retryIn, err)
		q.enqueueAfter(id, retryIn)
		return
	}
	log.Error("Task %s for job %s failed after %d attempts: %v", snapshot.ID, snapshot.JobID, snapshot.Attempts, err)
}

func (q *TaskQueue) releaseDedupeLocked(task *Task) {
	if task == nil || task.DedupeKey == "" {
		return
	}
	if id, ok := q.dedupe[task.DedupeKey]; ok && id == task.ID {
		delete(q.dedupe, task.DedupeKey)
	}
}

func (q *TaskQueue) pruneTerminalTasksLocked() []string {
	if q.cfg.MaxTasks <= 0 || len(q.tasks) <= q.cfg.MaxTasks {
		return nil
	}

	type candidate struct {
		id        string
		updatedAt time.Time
	}
	terminal := make([]candidate, 0, len(q.tasks))
	for id, task := range q.tasks {
		if task == nil {
			continue
		}
		if task.Status == TaskPending || task.Status == TaskRunning {
			continue
		}
		terminal = append(terminal, candidate{id: id, updatedAt: task.UpdatedAt})
	}
	if len(terminal) == 0 {
		return nil
	}

	sort.Slice(terminal, func(i, j int) bool {
		return terminal[i].updatedAt.Before(terminal[j].updatedAt)
	})

	toRemove := len(q.tasks) - q.cfg.MaxTasks
	if toRemove > len(terminal) {
		toRemove = len(terminal)
	}

	pruned := make([]string, 0, toRemove)
	for i := 0; i < toRemove; i++ {
		id := terminal[i].id
		if task := q.tasks[id]; task != nil {
			q.releaseDedupeLocked(task)
		}
		delete(q.tasks, id)
		pruned = append(pruned, id)
	}
	return pruned
}

func (q *TaskQueue) deleteTasksFromStore(ids []string) {
	if q.store == nil || len(ids) == 0 {
		return
	}
	for _, id := range ids {
		if err := q.store.DeleteTask(context.Background(), id); err != nil {
			log.Error("Failed to delete pruned task %s from store: %v", id, err)
		}
	}
}

func (q *TaskQueue) hydrateFromStore(ctx context.Context) {
	if q.store == nil {
		return
	}
	loaded, err := q.store.LoadTasks(ctx, q.cfg.Name)
	if err != nil {
		log.Error("Failed to load %s tasks from store: %v", q.cfg.Name, err)
		return
	}

	now := time.Now()
	toPersist := make([]*Task, 0)
	q.mu.Lock()
	for _, raw := range loaded {
		if raw == nil || raw.ID == "" {
			continue
		}
		task := cloneTask(raw)
		// a task running when the process died gets its attempt back
		if task.Status == TaskRunning {
			task.Status = TaskPending
			if task.Attempts > 0 {
				task.Attempts--
			}
			task.UpdatedAt = now
			toPersist = append(toPersist, cloneTask(task))
		}
		q.tasks[task.ID] = task
		if task.Status == TaskPending && task.DedupeKey != "" {
			q.dedupe[task.DedupeKey] = task.ID
		}
		q.updateIDCounterLocked(task.ID)
	}
	q.mu.Unlock()

	for _, task := range toPersist {
		q.persistTask(task)
	}
	if len(loaded) > 0 {
		log.Info("Queue %s restored %d tasks", q.cfg.Name, len(loaded))
	}
}

func (q *TaskQueue) updateIDCounterLocked(taskID string) {
	prefix := q.cfg.Name + "-"
	if !strings.HasPrefix(taskID, prefix) {
		return
	}
	n, err := strconv.ParseUint(strings.TrimPrefix(taskID, prefix), 10, 64)
	if err != nil {
		return
	}
	if n > q.idCounter {
		q.idCounter = n
	}
}

func (q *TaskQueue) persistTask(task *Task) {
	if q.store == nil || task == nil {
		return
	}
	if err := q.store.UpsertTask(context.Background(), task); err != nil {
		log.Error("Failed to persist task %s: %v", task.ID, err)
	}
}

func cloneTask(task *Task) *Task {
	if task == nil {
		return nil
	}
	tmp := *task
	return &tmp
}
