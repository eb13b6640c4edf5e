package persistence

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MimeLyc/ticket-watcher/internal/jobs"
)

var baseTime = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "ticket-watcher.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	store.SetClock(func() time.Time { return baseTime })
	return store
}

func createJob(t *testing.T, store *SQLiteStore, mutate func(in *jobs.CreateJobInput)) *jobs.BookingJob {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.UpsertUser(ctx, &jobs.User{ID: "u1", Name: "Asha", ChatID: "chat-1"}))
	in := jobs.CreateJobInput{
		UserID:     "u1",
		WatchFrom:  baseTime.Add(-time.Hour),
		WatchUntil: baseTime.Add(48 * time.Hour),
		MovieName:  "Dune",
		City:       "Pune",
		Theatres:   []string{"PVR Phoenix", "INOX Amanora"},
		Preferences: jobs.Preferences{
			Formats:   jobs.Constraint{"IMAX"},
			Languages: jobs.Constraint{"English"},
		},
		Seats: jobs.SeatPreferences{Count: 2, Hints: []string{"middle"}},
	}
	if mutate != nil {
		mutate(&in)
	}
	job, err := store.CreateJob(ctx, in)
	require.NoError(t, err)
	return job
}

func TestSQLiteStore_JobRoundTrip(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	created := createJob(t, store, nil)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, jobs.StatusPending, created.Status)

	got, user, err := store.GetJobWithUser(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "chat-1", user.ChatID)
	assert.Equal(t, created.MovieName, got.MovieName)
	assert.Equal(t, []string{"PVR Phoenix", "INOX Amanora"}, got.Theatres)
	assert.Equal(t, jobs.Constraint{"IMAX"}, got.Preferences.Formats)
	assert.Equal(t, 2, got.Seats.Count)
	assert.True(t, created.WatchFrom.Equal(got.WatchFrom))
	assert.True(t, created.CreatedAt.Equal(got.CreatedAt))
	assert.Nil(t, got.AwaitingInputSince)
	assert.Nil(t, got.Result)
}

func TestSQLiteStore_CreateJob_RejectsInvalidInput(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)

	_, err := store.CreateJob(context.Background(), jobs.CreateJobInput{
		UserID:     "u1",
		MovieName:  "Dune",
		City:       "Pune",
		WatchFrom:  baseTime,
		WatchUntil: baseTime,
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, jobs.ErrInvalidJob))
}

func TestSQLiteStore_GetJob_NotFound(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)

	_, err := store.GetJob(context.Background(), "missing")
	assert.True(t, errors.Is(err, jobs.ErrJobNotFound))

	_, err = store.GetUser(context.Background(), "missing")
	assert.True(t, errors.Is(err, jobs.ErrUserNotFound))
}

func TestSQLiteStore_ListQueries(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	ready := createJob(t, store, nil)
	future := createJob(t, store, func(in *jobs.CreateJobInput) {
		in.WatchFrom = baseTime.Add(time.Hour)
	})
	expired := createJob(t, store, func(in *jobs.CreateJobInput) {
		in.WatchFrom = baseTime.Add(-3 * time.Hour)
		in.WatchUntil = baseTime.Add(-time.Hour)
	})
	watching := createJob(t, store, nil)
	require.NoError(t, store.SetStatus(ctx, watching.ID, jobs.StatusWatching))
	resumedEarly := createJob(t, store, func(in *jobs.CreateJobInput) {
		in.WatchFrom = baseTime.Add(2 * time.Hour)
	})
	require.NoError(t, store.SetStatus(ctx, resumedEarly.ID, jobs.StatusPaused))
	require.NoError(t, store.Resume(ctx, resumedEarly.ID))
	consentLapsed := createJob(t, store, func(in *jobs.CreateJobInput) {
		in.WatchFrom = baseTime.Add(-3 * time.Hour)
		in.WatchUntil = baseTime.Add(-time.Minute)
	})
	require.NoError(t, store.SetStatus(ctx, consentLapsed.ID, jobs.StatusWatching))
	require.NoError(t, store.SetStatus(ctx, consentLapsed.ID, jobs.StatusAwaitingConsent))

	readyList, err := store.ListReadyForWatching(ctx, baseTime)
	require.NoError(t, err)
	assert.Equal(t, []string{ready.ID}, jobIDs(readyList))

	watchingList, err := store.ListWatching(ctx, baseTime)
	require.NoError(t, err)
	assert.Equal(t, []string{watching.ID}, jobIDs(watchingList), "a job resumed before its window stays out")

	watchingLater, err := store.ListWatching(ctx, baseTime.Add(2*time.Hour))
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{watching.ID, resumedEarly.ID}, jobIDs(watchingLater))

	expiredList, err := store.ListExpired(ctx, baseTime)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{expired.ID, consentLapsed.ID}, jobIDs(expiredList))

	require.NoError(t, store.Cancel(ctx, future.ID))
	active, err := store.ListActiveByUser(ctx, "u1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{ready.ID, expired.ID, watching.ID, resumedEarly.ID, consentLapsed.ID}, jobIDs(active))

	all, err := store.ListByUser(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, all, 6)
}

func TestSQLiteStore_ListTimedOutAwaitingInput(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	stale := createJob(t, store, nil)
	fresh := createJob(t, store, nil)
	for _, j := range []*jobs.BookingJob{stale, fresh} {
		require.NoError(t, store.SetStatus(ctx, j.ID, jobs.StatusWatching))
	}
	require.NoError(t, store.SetAwaitingInput(ctx, stale.ID, jobs.Mismatch{Type: jobs.MismatchFormat}, baseTime.Add(-20*time.Minute)))
	require.NoError(t, store.SetAwaitingInput(ctx, fresh.ID, jobs.Mismatch{Type: jobs.MismatchFormat}, baseTime.Add(-5*time.Minute)))

	got, err := store.ListTimedOutAwaitingInput(ctx, baseTime, 15*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, []string{stale.ID}, jobIDs(got))
}

func TestSQLiteStore_RefusesInvalidTransitions(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	job := createJob(t, store, nil)

	err := store.SetStatus(ctx, job.ID, jobs.StatusBooking)
	require.Error(t, err)
	assert.True(t, errors.Is(err, jobs.ErrInvalidTransition))

	require.NoError(t, store.SetStatus(ctx, job.ID, jobs.StatusWatching))
	require.NoError(t, store.SetStatus(ctx, job.ID, jobs.StatusBooking))
	require.NoError(t, store.SetResult(ctx, job.ID, jobs.StatusSuccess, jobs.Result{BookingID: "BK-1", Seats: []string{"F7", "F8"}}))

	// terminal statuses have no exits
	for _, to := range []jobs.Status{jobs.StatusWatching, jobs.StatusCancelled, jobs.StatusFailed} {
		err := store.SetStatus(ctx, job.ID, to)
		assert.True(t, errors.Is(err, jobs.ErrInvalidTransition), "SUCCESS -> %s", to)
	}

	got, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusSuccess, got.Status)
	require.NotNil(t, got.Result)
	assert.Equal(t, "BK-1", got.Result.BookingID)
}

func TestSQLiteStore_SetResult_RequiresTerminalOutcome(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)

	job := createJob(t, store, nil)
	err := store.SetResult(context.Background(), job.ID, jobs.StatusWatching, jobs.Result{})
	assert.True(t, errors.Is(err, jobs.ErrInvalidTransition))
}

func TestSQLiteStore_MismatchFieldsLifecycle(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	job := createJob(t, store, nil)
	require.NoError(t, store.SetStatus(ctx, job.ID, jobs.StatusWatching))

	options := []jobs.AvailableOption{
		{Theatre: "PVR Phoenix", Language: "English", Format: "2D", Times: []string{"18:30"}},
	}
	require.NoError(t, store.SetAwaitingInput(ctx, job.ID, jobs.Mismatch{
		Type:     jobs.MismatchFormat,
		Options:  options,
		Evidence: "shot-1.png",
	}, baseTime))

	got, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusAwaitingInput, got.Status)
	require.NotNil(t, got.AwaitingInputSince)
	assert.True(t, baseTime.Equal(*got.AwaitingInputSince))
	assert.Equal(t, jobs.MismatchFormat, got.MismatchType)
	assert.Equal(t, options, got.AvailableOptions)

	// pausing keeps the question around
	require.NoError(t, store.Pause(ctx, job.ID))
	got, err = store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusPaused, got.Status)
	assert.Equal(t, jobs.MismatchFormat, got.MismatchType)

	require.NoError(t, store.Resume(ctx, job.ID))
	got, err = store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusWatching, got.Status)
	assert.Nil(t, got.AwaitingInputSince)
	assert.Empty(t, got.MismatchType)
	assert.Empty(t, got.AvailableOptions)
	assert.Empty(t, got.MismatchEvidence)
}

func TestSQLiteStore_Resume_OnlyFromWaitingStatuses(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	job := createJob(t, store, nil)
	require.NoError(t, store.SetStatus(ctx, job.ID, jobs.StatusWatching))

	// WATCHING -> WATCHING is in the table, but it is not a resume
	err := store.Resume(ctx, job.ID)
	assert.True(t, errors.Is(err, jobs.ErrInvalidTransition))
}

func TestSQLiteStore_UpdatePreferences(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	job := createJob(t, store, nil)
	require.NoError(t, store.SetStatus(ctx, job.ID, jobs.StatusWatching))
	require.NoError(t, store.SetAwaitingInput(ctx, job.ID, jobs.Mismatch{Type: jobs.MismatchFormat}, baseTime))

	formats := jobs.Constraint{"2D"}
	theatres := []string{"Cinepolis"}
	require.NoError(t, store.UpdatePreferences(ctx, job.ID, jobs.PreferencePatch{
		Formats:  &formats,
		Theatres: &theatres,
	}))

	got, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusWatching, got.Status)
	assert.Equal(t, jobs.Constraint{"2D"}, got.Preferences.Formats)
	assert.Equal(t, jobs.Constraint{"English"}, got.Preferences.Languages, "untouched dimensions survive")
	assert.Equal(t, []string{"Cinepolis"}, got.Theatres)
	assert.Empty(t, got.MismatchType)
}

func TestSQLiteStore_TasksRoundTrip(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	task := &jobs.Task{
		ID:          "booking-1",
		Queue:       jobs.BookingQueueName,
		JobID:       "job-1",
		DedupeKey:   jobs.BookingTaskKey("job-1"),
		Status:      jobs.TaskRunning,
		Attempts:    1,
		MaxAttempts: 3,
		NotBefore:   baseTime,
		CreatedAt:   baseTime,
		UpdatedAt:   baseTime,
	}
	require.NoError(t, store.UpsertTask(ctx, task))
	require.NoError(t, store.UpsertTask(ctx, &jobs.Task{
		ID: "booking-2", Queue: jobs.BookingQueueName, JobID: "job-2", Status: jobs.TaskSuccess,
		NotBefore: baseTime, CreatedAt: baseTime, UpdatedAt: baseTime,
	}))
	require.NoError(t, store.UpsertTask(ctx, &jobs.Task{
		ID: "watch-1", Queue: jobs.WatchQueueName, JobID: "job-1", Status: jobs.TaskPending,
		NotBefore: baseTime, CreatedAt: baseTime, UpdatedAt: baseTime,
	}))

	loaded, err := store.LoadTasks(ctx, jobs.BookingQueueName)
	require.NoError(t, err)
	require.Len(t, loaded, 1, "finished tasks are not reloaded")
	assert.Equal(t, task.DedupeKey, loaded[0].DedupeKey)
	assert.Equal(t, jobs.TaskRunning, loaded[0].Status)
	assert.Equal(t, 3, loaded[0].MaxAttempts)

	require.NoError(t, store.DeleteTask(ctx, "booking-1"))
	loaded, err = store.LoadTasks(ctx, jobs.BookingQueueName)
	require.NoError(t, err)
	assert.Empty(t, loaded)
}

func TestSQLiteStore_Transition_LosesToConcurrentWriter(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := &SQLiteStore{db: db, now: func() time.Time { return baseTime }}

	mock.ExpectBegin()
	mock.ExpectQuery("FROM booking_jobs WHERE id").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "user_id", "watch_from", "watch_until", "movie_name", "city",
			"theatres_json", "preferences_json", "seats_json", "status",
			"awaiting_input_since", "mismatch_type", "available_options_json", "mismatch_evidence",
			"result_json", "notify_important_only", "consent_required", "created_at", "updated_at",
		}).AddRow(
			"job-1", "u1", baseTime.UnixMilli(), baseTime.Add(time.Hour).UnixMilli(), "Dune", "Pune",
			"[]", "{}", `{"count":1}`, "WATCHING",
			nil, "", "[]", "",
			"", 0, 0, baseTime.UnixMilli(), baseTime.UnixMilli(),
		))
	mock.ExpectExec("UPDATE booking_jobs SET").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err = store.SetStatus(context.Background(), "job-1", jobs.StatusBooking)
	require.Error(t, err)
	assert.True(t, errors.Is(err, jobs.ErrInvalidTransition))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLiteStore_GetJob_WrapsDriverErrors(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := &SQLiteStore{db: db, now: time.Now}
	mock.ExpectQuery("FROM booking_jobs WHERE id").WillReturnError(errors.New("disk I/O error"))

	_, err = store.GetJob(context.Background(), "job-1")
	require.Error(t, err)
	assert.False(t, errors.Is(err, jobs.ErrJobNotFound))
	assert.Contains(t, err.Error(), "get job job-1")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrationVersion(t *testing.T) {
	assert.Equal(t, 1, migrationVersion("001_init.sql"))
	assert.Equal(t, 12, migrationVersion("012_add_index.sql"))
	assert.Equal(t, 0, migrationVersion("init.sql"))
}

func jobIDs(list []*jobs.BookingJob) []string {
	ret := make([]string, 0, len(list))
	for _, j := range list {
		ret = append(ret, j.ID)
	}
	return ret
}
