package persistence

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/MimeLyc/ticket-watcher/internal/jobs"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// SQLiteStore implements jobs.Store and jobs.TaskStore. Timestamps are
// stored as UTC unix milliseconds.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

var (
	_ jobs.Store     = (*SQLiteStore)(nil)
	_ jobs.TaskStore = (*SQLiteStore)(nil)
)

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("db path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, "create db directory")
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db, now: time.Now}
	if err := store.init(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// SetClock replaces the clock used for created/updated timestamps.
func (s *SQLiteStore) SetClock(now func() time.Time) {
	s.now = now
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "PRAGMA journal_mode = WAL;"); err != nil {
		return errors.Wrap(err, "set WAL mode")
	}
	if _, err := s.db.ExecContext(ctx, "PRAGMA busy_timeout = 5000;"); err != nil {
		return errors.Wrap(err, "set busy timeout")
	}
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);`); err != nil {
		return errors.Wrap(err, "create schema_migrations")
	}

	entries, err := migrationFiles.ReadDir("migrations")
	if err != nil {
		return errors.Wrap(err, "read migrations")
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		version := migrationVersion(entry.Name())
		if version <= 0 {
			continue
		}
		var exists int
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_migrations WHERE version = ?`, version).Scan(&exists); err != nil {
			return errors.Wrapf(err, "check migration %s", entry.Name())
		}
		if exists > 0 {
			continue
		}
		content, err := migrationFiles.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return errors.Wrapf(err, "read migration %s", entry.Name())
		}
		if _, err := s.db.ExecContext(ctx, string(content)); err != nil {
			return errors.Wrapf(err, "apply migration %s", entry.Name())
		}
		if _, err := s.db.ExecContext(ctx, `INSERT INTO schema_migrations (version) VALUES (?)`, version); err != nil {
			return errors.Wrapf(err, "record migration %s", entry.Name())
		}
	}
	return nil
}

// migrationVersion extracts the leading integer from a migration filename (e.g. "001_init.sql" → 1).
func migrationVersion(name string) int {
	for i, c := range name {
		if c < '0' || c > '9' {
			if i == 0 {
				return 0
			}
			n, _ := strconv.Atoi(name[:i])
			return n
		}
	}
	n, _ := strconv.Atoi(name)
	return n
}

// Users

func (s *SQLiteStore) UpsertUser(ctx context.Context, user *jobs.User) error {
	if user == nil || user.ID == "" {
		return errors.New("user id is required")
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = s.now().UTC()
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO users (id, name, chat_id, notify_important_only, created_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			name=excluded.name,
			chat_id=excluded.chat_id,
			notify_important_only=excluded.notify_important_only`,
		user.ID,
		user.Name,
		user.ChatID,
		boolToInt(user.NotifyImportantOnly),
		toMillis(user.CreatedAt),
	)
	return errors.Wrapf(err, "upsert user %s", user.ID)
}

func (s *SQLiteStore) GetUser(ctx context.Context, id string) (*jobs.User, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT id, name, chat_id, notify_important_only, created_at FROM users WHERE id = ?`,
		id,
	)
	var (
		user          jobs.User
		importantOnly int
		createdAt     int64
	)
	if err := row.Scan(&user.ID, &user.Name, &user.ChatID, &importantOnly, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.Wrapf(jobs.ErrUserNotFound, "user %s", id)
		}
		return nil, errors.Wrapf(err, "get user %s", id)
	}
	user.NotifyImportantOnly = importantOnly == 1
	user.CreatedAt = fromMillis(createdAt)
	return &user, nil
}

// Jobs

const jobColumns = `id, user_id, watch_from, watch_until, movie_name, city,
	theatres_json, preferences_json, seats_json, status,
	awaiting_input_since, mismatch_type, available_options_json, mismatch_evidence,
	result_json, notify_important_only, consent_required, created_at, updated_at`

func (s *SQLiteStore) CreateJob(ctx context.Context, input jobs.CreateJobInput) (*jobs.BookingJob, error) {
	if err := input.Validate(); err != nil {
		return nil, err
	}
	now := s.now().UTC()
	job := &jobs.BookingJob{
		ID:                  uuid.NewString(),
		UserID:              input.UserID,
		WatchFrom:           input.WatchFrom.UTC(),
		WatchUntil:          input.WatchUntil.UTC(),
		MovieName:           strings.TrimSpace(input.MovieName),
		City:                strings.TrimSpace(input.City),
		Theatres:            input.Theatres,
		Preferences:         input.Preferences,
		Seats:               input.Seats,
		Status:              jobs.StatusPending,
		NotifyImportantOnly: input.NotifyImportantOnly,
		ConsentRequired:     input.ConsentRequired,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if job.Seats.Count == 0 {
		job.Seats.Count = 1
	}

	args, err := jobArgs(job)
	if err != nil {
		return nil, err
	}
	if _, err := s.db.ExecContext(
		ctx,
		`INSERT INTO booking_jobs (`+jobColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		args...,
	); err != nil {
		return nil, errors.Wrapf(err, "insert job for user %s", input.UserID)
	}
	return job, nil
}

func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*jobs.BookingJob, error) {
	job, err := scanJob(s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM booking_jobs WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.Wrapf(jobs.ErrJobNotFound, "job %s", id)
		}
		return nil, errors.Wrapf(err, "get job %s", id)
	}
	return job, nil
}

func (s *SQLiteStore) GetJobWithUser(ctx context.Context, id string) (*jobs.BookingJob, *jobs.User, error) {
	job, err := s.GetJob(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	user, err := s.GetUser(ctx, job.UserID)
	if err != nil {
		return nil, nil, err
	}
	return job, user, nil
}

func (s *SQLiteStore) ListByUser(ctx context.Context, userID string) ([]*jobs.BookingJob, error) {
	return s.queryJobs(ctx, `WHERE user_id = ? ORDER BY created_at DESC`, userID)
}

func (s *SQLiteStore) ListActiveByUser(ctx context.Context, userID string) ([]*jobs.BookingJob, error) {
	return s.queryJobs(
		ctx,
		`WHERE user_id = ? AND status NOT IN (?, ?, ?) ORDER BY created_at DESC`,
		userID, jobs.StatusSuccess, jobs.StatusFailed, jobs.StatusCancelled,
	)
}

func (s *SQLiteStore) ListReadyForWatching(ctx context.Context, now time.Time) ([]*jobs.BookingJob, error) {
	ms := toMillis(now)
	return s.queryJobs(
		ctx,
		`WHERE status = ? AND watch_from <= ? AND watch_until > ? ORDER BY created_at ASC`,
		jobs.StatusPending, ms, ms,
	)
}

func (s *SQLiteStore) ListWatching(ctx context.Context, now time.Time) ([]*jobs.BookingJob, error) {
	return s.queryJobs(
		ctx,
		`WHERE status = ? AND watch_from <= ? ORDER BY created_at ASC`,
		jobs.StatusWatching, toMillis(now),
	)
}

func (s *SQLiteStore) ListExpired(ctx context.Context, now time.Time) ([]*jobs.BookingJob, error) {
	return s.queryJobs(
		ctx,
		`WHERE status IN (?, ?, ?) AND watch_until < ? ORDER BY watch_until ASC`,
		jobs.StatusPending, jobs.StatusWatching, jobs.StatusAwaitingConsent, toMillis(now),
	)
}

func (s *SQLiteStore) ListTimedOutAwaitingInput(ctx context.Context, now time.Time, threshold time.Duration) ([]*jobs.BookingJob, error) {
	return s.queryJobs(
		ctx,
		`WHERE status = ? AND awaiting_input_since IS NOT NULL AND awaiting_input_since < ? ORDER BY awaiting_input_since ASC`,
		jobs.StatusAwaitingInput, toMillis(now.Add(-threshold)),
	)
}

func (s *SQLiteStore) queryJobs(ctx context.Context, where string, args ...any) ([]*jobs.BookingJob, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+jobColumns+` FROM booking_jobs `+where, normalizeArgs(args)...)
	if err != nil {
		return nil, errors.Wrap(err, "query jobs")
	}
	defer rows.Close()

	ret := make([]*jobs.BookingJob, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan job")
		}
		ret = append(ret, job)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate jobs")
	}
	return ret, nil
}

// Transitions

func (s *SQLiteStore) SetStatus(ctx context.Context, id string, to jobs.Status) error {
	return s.transition(ctx, id, to, nil, nil)
}

func (s *SQLiteStore) SetResult(ctx context.Context, id string, to jobs.Status, result jobs.Result) error {
	if to != jobs.StatusSuccess && to != jobs.StatusFailed {
		return errors.Wrapf(jobs.ErrInvalidTransition, "result status must be SUCCESS or FAILED, got %s", to)
	}
	return s.transition(ctx, id, to, nil, func(job *jobs.BookingJob) {
		r := result
		job.Result = &r
	})
}

func (s *SQLiteStore) SetAwaitingInput(ctx context.Context, id string, mismatch jobs.Mismatch, now time.Time) error {
	return s.transition(ctx, id, jobs.StatusAwaitingInput, nil, func(job *jobs.BookingJob) {
		since := now.UTC()
		job.AwaitingInputSince = &since
		job.MismatchType = mismatch.Type
		job.AvailableOptions = mismatch.Options
		job.MismatchEvidence = mismatch.Evidence
	})
}

var resumableFrom = []jobs.Status{jobs.StatusAwaitingInput, jobs.StatusPaused, jobs.StatusAwaitingConsent}

func (s *SQLiteStore) Resume(ctx context.Context, id string) error {
	return s.transition(ctx, id, jobs.StatusWatching, resumableFrom, nil)
}

func (s *SQLiteStore) Pause(ctx context.Context, id string) error {
	return s.transition(ctx, id, jobs.StatusPaused, nil, nil)
}

func (s *SQLiteStore) Cancel(ctx context.Context, id string) error {
	return s.transition(ctx, id, jobs.StatusCancelled, nil, nil)
}

func (s *SQLiteStore) UpdatePreferences(ctx context.Context, id string, patch jobs.PreferencePatch) error {
	return s.transition(ctx, id, jobs.StatusWatching, nil, func(job *jobs.BookingJob) {
		job.Preferences = job.Preferences.Merge(patch)
		if patch.Theatres != nil {
			job.Theatres = append([]string(nil), (*patch.Theatres)...)
		}
	})
}

// transition moves a job to status `to` inside one transaction. It refuses
// moves the table forbids, and moves from outside allowedFrom when that is
// set. The update is conditional on the status read, so a concurrent writer
// makes it fail instead of being overwritten.
func (s *SQLiteStore) transition(
	ctx context.Context,
	id string,
	to jobs.Status,
	allowedFrom []jobs.Status,
	apply func(job *jobs.BookingJob),
) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin transition")
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	job, err := scanJob(tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM booking_jobs WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return errors.Wrapf(jobs.ErrJobNotFound, "job %s", id)
		}
		return errors.Wrapf(err, "load job %s", id)
	}

	from := job.Status
	if !jobs.CanTransition(from, to) {
		return jobs.TransitionError(id, from, to)
	}
	if allowedFrom != nil && !containsStatus(allowedFrom, from) {
		return jobs.TransitionError(id, from, to)
	}

	leavingMismatch := from == jobs.StatusAwaitingInput || from == jobs.StatusPaused
	if leavingMismatch && to != jobs.StatusCancelled && to != jobs.StatusPaused && to != jobs.StatusAwaitingInput {
		clearMismatch(job)
	}
	if apply != nil {
		apply(job)
	}
	job.Status = to
	job.UpdatedAt = s.now().UTC()

	args, err := jobArgs(job)
	if err != nil {
		return err
	}
	// drop id from the front; the SET list covers the remaining columns
	args = append(args[1:], job.ID, string(from))
	res, err := tx.ExecContext(
		ctx,
		`UPDATE booking_jobs SET
			user_id = ?, watch_from = ?, watch_until = ?, movie_name = ?, city = ?,
			theatres_json = ?, preferences_json = ?, seats_json = ?, status = ?,
			awaiting_input_since = ?, mismatch_type = ?, available_options_json = ?, mismatch_evidence = ?,
			result_json = ?, notify_important_only = ?, consent_required = ?, created_at = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		args...,
	)
	if err != nil {
		return errors.Wrapf(err, "update job %s", id)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return errors.Wrapf(err, "update job %s", id)
	}
	if affected == 0 {
		return jobs.TransitionError(id, from, to)
	}
	if err = tx.Commit(); err != nil {
		return errors.Wrapf(err, "commit job %s", id)
	}
	return nil
}

func clearMismatch(job *jobs.BookingJob) {
	job.AwaitingInputSince = nil
	job.MismatchType = ""
	job.AvailableOptions = nil
	job.MismatchEvidence = ""
}

func containsStatus(set []jobs.Status, st jobs.Status) bool {
	for _, s := range set {
		if s == st {
			return true
		}
	}
	return false
}

// Rows

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*jobs.BookingJob, error) {
	var (
		job                                jobs.BookingJob
		watchFrom, watchUntil              int64
		theatresJSON, prefsJSON, seatsJSON string
		status, mismatchType               string
		since                              sql.NullInt64
		optionsJSON, resultJSON            string
		importantOnly, consentRequired     int
		createdAt, updatedAt               int64
	)
	if err := row.Scan(
		&job.ID,
		&job.UserID,
		&watchFrom,
		&watchUntil,
		&job.MovieName,
		&job.City,
		&theatresJSON,
		&prefsJSON,
		&seatsJSON,
		&status,
		&since,
		&mismatchType,
		&optionsJSON,
		&job.MismatchEvidence,
		&resultJSON,
		&importantOnly,
		&consentRequired,
		&createdAt,
		&updatedAt,
	); err != nil {
		return nil, err
	}

	job.WatchFrom = fromMillis(watchFrom)
	job.WatchUntil = fromMillis(watchUntil)
	job.Status = jobs.Status(status)
	job.MismatchType = jobs.MismatchType(mismatchType)
	job.NotifyImportantOnly = importantOnly == 1
	job.ConsentRequired = consentRequired == 1
	job.CreatedAt = fromMillis(createdAt)
	job.UpdatedAt = fromMillis(updatedAt)
	if since.Valid {
		t := fromMillis(since.Int64)
		job.AwaitingInputSince = &t
	}

	if err := unmarshalColumn("theatres_json", theatresJSON, &job.Theatres); err != nil {
		return nil, err
	}
	if err := unmarshalColumn("preferences_json", prefsJSON, &job.Preferences); err != nil {
		return nil, err
	}
	if err := unmarshalColumn("seats_json", seatsJSON, &job.Seats); err != nil {
		return nil, err
	}
	if err := unmarshalColumn("available_options_json", optionsJSON, &job.AvailableOptions); err != nil {
		return nil, err
	}
	if resultJSON != "" {
		var result jobs.Result
		if err := unmarshalColumn("result_json", resultJSON, &result); err != nil {
			return nil, err
		}
		job.Result = &result
	}
	return &job, nil
}

// jobArgs returns column values in jobColumns order.
func jobArgs(job *jobs.BookingJob) ([]any, error) {
	theatresJSON, err := json.Marshal(nonNil(job.Theatres))
	if err != nil {
		return nil, errors.Wrap(err, "encode theatres")
	}
	prefsJSON, err := json.Marshal(job.Preferences)
	if err != nil {
		return nil, errors.Wrap(err, "encode preferences")
	}
	seatsJSON, err := json.Marshal(job.Seats)
	if err != nil {
		return nil, errors.Wrap(err, "encode seats")
	}
	optionsJSON, err := json.Marshal(nonNil(job.AvailableOptions))
	if err != nil {
		return nil, errors.Wrap(err, "encode options")
	}
	resultJSON := ""
	if job.Result != nil {
		raw, err := json.Marshal(job.Result)
		if err != nil {
			return nil, errors.Wrap(err, "encode result")
		}
		resultJSON = string(raw)
	}
	var since any
	if job.AwaitingInputSince != nil {
		since = toMillis(*job.AwaitingInputSince)
	}

	return []any{
		job.ID,
		job.UserID,
		toMillis(job.WatchFrom),
		toMillis(job.WatchUntil),
		job.MovieName,
		job.City,
		string(theatresJSON),
		string(prefsJSON),
		string(seatsJSON),
		string(job.Status),
		since,
		string(job.MismatchType),
		string(optionsJSON),
		job.MismatchEvidence,
		resultJSON,
		boolToInt(job.NotifyImportantOnly),
		boolToInt(job.ConsentRequired),
		toMillis(job.CreatedAt),
		toMillis(job.UpdatedAt),
	}, nil
}

func unmarshalColumn(column, raw string, dst any) error {
	if raw == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		return errors.Wrapf(err, "decode %s", column)
	}
	return nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

// normalizeArgs turns typed string enums into plain strings for the driver.
func normalizeArgs(args []any) []any {
	ret := make([]any, len(args))
	for i, a := range args {
		switch v := a.(type) {
		case jobs.Status:
			ret[i] = string(v)
		default:
			ret[i] = a
		}
	}
	return ret
}

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
