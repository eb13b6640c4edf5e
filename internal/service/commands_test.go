package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MimeLyc/ticket-watcher/internal/jobs"
	"github.com/MimeLyc/ticket-watcher/internal/notify"
)

type commandsEnv struct {
	store    jobs.Store
	clock    *fakeClock
	booking  *fakeQueue
	notifier *recordingNotifier
	commands *Commands
}

func newCommandsEnv(t *testing.T) *commandsEnv {
	t.Helper()
	clock := newFakeClock(baseTime)
	store := newTestStore(t, clock)
	notifier := &recordingNotifier{}
	booking := newFakeQueue()
	resolver := NewResolver(store, notifier, clock.Now, nil)
	return &commandsEnv{
		store:    store,
		clock:    clock,
		booking:  booking,
		notifier: notifier,
		commands: NewCommands(store, resolver, booking, notifier, clock.Now),
	}
}

func jobInput(clock *fakeClock) jobs.CreateJobInput {
	return jobs.CreateJobInput{
		UserID:     "u2",
		WatchFrom:  clock.Now(),
		WatchUntil: clock.Now().Add(6 * time.Hour),
		MovieName:  "Interstellar",
		City:       "Mumbai",
		Theatres:   []string{"PVR Juhu"},
	}
}

func TestCommands_CreateJob(t *testing.T) {
	t.Parallel()
	env := newCommandsEnv(t)
	ctx := context.Background()

	_, err := env.commands.CreateJob(ctx, nil, jobInput(env.clock))
	require.Error(t, err)
	assert.True(t, IsErrorType(err, ErrValidation))

	user := &jobs.User{ID: "u2", Name: "Ravi", ChatID: "chat-2"}
	job, err := env.commands.CreateJob(ctx, user, jobInput(env.clock))
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusPending, job.Status)
	assert.Equal(t, 1, job.Seats.Count)

	// the user now exists, so a second job needs no user record
	_, err = env.commands.CreateJob(ctx, nil, jobInput(env.clock))
	require.NoError(t, err)

	bad := jobInput(env.clock)
	bad.WatchUntil = bad.WatchFrom
	_, err = env.commands.CreateJob(ctx, nil, bad)
	require.Error(t, err)
	assert.True(t, IsErrorType(err, ErrValidation))

	_, err = env.commands.CreateJob(ctx, &jobs.User{ID: "someone-else"}, jobInput(env.clock))
	require.Error(t, err)
	assert.True(t, IsErrorType(err, ErrValidation))

	assert.Equal(t, []notify.Type{notify.TypeJobCreated, notify.TypeJobCreated}, env.notifier.types())

	list, err := env.commands.ListJobs(ctx, "u2", false)
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestCommands_PauseResumeCancel(t *testing.T) {
	t.Parallel()
	env := newCommandsEnv(t)
	ctx := context.Background()
	job := newJob(t, env.store, env.clock, nil)
	setStatus(t, env.store, job.ID, jobs.StatusWatching)

	require.NoError(t, env.commands.Pause(ctx, job.ID))
	assert.Equal(t, jobs.StatusPaused, status(t, env.store, job.ID))

	require.NoError(t, env.commands.Resume(ctx, job.ID))
	assert.Equal(t, jobs.StatusWatching, status(t, env.store, job.ID))

	// WATCHING is not resumable
	err := env.commands.Resume(ctx, job.ID)
	require.Error(t, err)
	assert.True(t, IsErrorType(err, ErrStaleState))

	require.NoError(t, env.commands.Cancel(ctx, job.ID))
	assert.Equal(t, jobs.StatusCancelled, status(t, env.store, job.ID))

	err = env.commands.Pause(ctx, job.ID)
	require.Error(t, err)
	assert.True(t, IsErrorType(err, ErrStaleState))

	active, err := env.commands.ListJobs(ctx, "u1", true)
	require.NoError(t, err)
	assert.Empty(t, active)

	assert.Equal(t, []notify.Type{notify.TypeJobPaused, notify.TypeJobResumed}, env.notifier.types())
}

func TestCommands_ApproveQueuesBooking(t *testing.T) {
	t.Parallel()
	env := newCommandsEnv(t)
	ctx := context.Background()
	job := newJob(t, env.store, env.clock, func(in *jobs.CreateJobInput) { in.ConsentRequired = true })
	setStatus(t, env.store, job.ID, jobs.StatusWatching, jobs.StatusAwaitingConsent)

	require.NoError(t, env.commands.Approve(ctx, job.ID))
	assert.Equal(t, jobs.StatusBooking, status(t, env.store, job.ID))
	assert.Equal(t, []string{job.ID}, env.booking.jobIDs())

	err := env.commands.Approve(ctx, job.ID)
	require.Error(t, err)
	assert.True(t, IsErrorType(err, ErrStaleState))
	assert.Len(t, env.booking.jobIDs(), 1)
}

func TestCommands_ApproveAfterWindowEnds(t *testing.T) {
	t.Parallel()
	env := newCommandsEnv(t)
	job := newJob(t, env.store, env.clock, func(in *jobs.CreateJobInput) { in.ConsentRequired = true })
	setStatus(t, env.store, job.ID, jobs.StatusWatching, jobs.StatusAwaitingConsent)

	env.clock.Advance(2 * time.Hour)
	err := env.commands.Approve(context.Background(), job.ID)
	require.Error(t, err)
	assert.True(t, IsErrorType(err, ErrExpired))
	assert.Equal(t, jobs.StatusAwaitingConsent, status(t, env.store, job.ID))
	assert.Empty(t, env.booking.jobIDs())
}

func TestCommands_DeclineKeepsWatching(t *testing.T) {
	t.Parallel()
	env := newCommandsEnv(t)
	ctx := context.Background()
	job := newJob(t, env.store, env.clock, func(in *jobs.CreateJobInput) { in.ConsentRequired = true })

	err := env.commands.Decline(ctx, job.ID)
	require.Error(t, err)
	assert.True(t, IsErrorType(err, ErrStaleState))

	setStatus(t, env.store, job.ID, jobs.StatusWatching, jobs.StatusAwaitingConsent)
	require.NoError(t, env.commands.Decline(ctx, job.ID))
	assert.Equal(t, jobs.StatusWatching, status(t, env.store, job.ID))
	assert.Equal(t, []notify.Type{notify.TypeJobResumed}, env.notifier.types())
}

func TestCommands_GetJobNotFound(t *testing.T) {
	t.Parallel()
	env := newCommandsEnv(t)

	_, err := env.commands.GetJob(context.Background(), "nope")
	require.Error(t, err)
	assert.True(t, IsErrorType(err, ErrStaleState))
}
