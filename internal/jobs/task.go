package jobs

import (
	"fmt"
	"time"
)

type TaskStatus string

const (
	TaskPending TaskStatus = "pending"
	TaskRunning TaskStatus = "running"
	TaskSuccess TaskStatus = "success"
	TaskFailed  TaskStatus = "failed"
)

const (
	WatchQueueName   = "watch"
	BookingQueueName = "booking"
)

// Task is one unit of queued work for a job.
type Task struct {
	ID          string     `json:"id"`
	Queue       string     `json:"queue"`
	JobID       string     `json:"job_id"`
	DedupeKey   string     `json:"dedupe_key"`
	Status      TaskStatus `json:"status"`
	Attempts    int        `json:"attempts"`
	MaxAttempts int        `json:"max_attempts"`
	Error       string     `json:"error,omitempty"`
	NotBefore   time.Time  `json:"not_before"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

type EnqueueRequest struct {
	JobID     string
	DedupeKey string
}

// WatchTaskKey never collides, so periodic re-watching is not collapsed.
func WatchTaskKey(jobID string, enqueuedAt time.Time) string {
	return fmt.Sprintf("watch-%s-%d", jobID, enqueuedAt.UnixNano())
}

// BookingTaskKey collapses duplicate booking enqueues for one job.
func BookingTaskKey(jobID string) string {
	return "booking-" + jobID
}
