package persistence

import (
	"context"

	"github.com/cockroachdb/errors"

	"github.com/MimeLyc/ticket-watcher/internal/jobs"
)

func (s *SQLiteStore) LoadTasks(ctx context.Context, queue string) ([]*jobs.Task, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, queue, job_id, dedupe_key, status, attempts, max_attempts, error, not_before, created_at, updated_at
		 FROM queue_tasks
		 WHERE queue = ? AND status IN (?, ?)
		 ORDER BY created_at ASC`,
		queue, string(jobs.TaskPending), string(jobs.TaskRunning),
	)
	if err != nil {
		return nil, errors.Wrapf(err, "load %s tasks", queue)
	}
	defer rows.Close()

	ret := make([]*jobs.Task, 0)
	for rows.Next() {
		var (
			task                            jobs.Task
			status                          string
			notBefore, createdAt, updatedAt int64
		)
		if err := rows.Scan(
			&task.ID,
			&task.Queue,
			&task.JobID,
			&task.DedupeKey,
			&status,
			&task.Attempts,
			&task.MaxAttempts,
			&task.Error,
			&notBefore,
			&createdAt,
			&updatedAt,
		); err != nil {
			return nil, errors.Wrap(err, "scan task")
		}
		task.Status = jobs.TaskStatus(status)
		task.NotBefore = fromMillis(notBefore)
		task.CreatedAt = fromMillis(createdAt)
		task.UpdatedAt = fromMillis(updatedAt)
		ret = append(ret, &task)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate tasks")
	}
	return ret, nil
}

func (s *SQLiteStore) UpsertTask(ctx context.Context, task *jobs.Task) error {
	if task == nil || task.ID == "" {
		return errors.New("task id is required")
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO queue_tasks (id, queue, job_id, dedupe_key, status, attempts, max_attempts, error, not_before, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			status=excluded.status,
			attempts=excluded.attempts,
			max_attempts=excluded.max_attempts,
			error=excluded.error,
			not_before=excluded.not_before,
			updated_at=excluded.updated_at`,
		task.ID,
		task.Queue,
		task.JobID,
		task.DedupeKey,
		string(task.Status),
		task.Attempts,
		task.MaxAttempts,
		task.Error,
		toMillis(task.NotBefore),
		toMillis(task.CreatedAt),
		toMillis(task.UpdatedAt),
	)
	return errors.Wrapf(err, "upsert task %s", task.ID)
}

func (s *SQLiteStore) DeleteTask(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM queue_tasks WHERE id = ?`, id)
	return errors.Wrapf(err, "delete task %s", id)
}
