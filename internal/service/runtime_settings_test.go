package service

import (
	"context"
	"testing"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MimeLyc/ticket-watcher/internal/config"
)

func TestScheduler_ApplyRuntimeSettings_ReschedulesCronAndUpdatesPolicy(t *testing.T) {
	clock := newFakeClock(baseTime)
	store := newTestStore(t, clock)
	cronEngine := cron.New()
	sched := NewScheduler(store, newFakeQueue(), nil, DefaultPolicy(),
		WithSchedulerClock(clock.Now), WithCron(cronEngine))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, sched.Start(ctx))
	defer sched.Stop()
	require.Len(t, cronEngine.Entries(), 1)

	err := sched.ApplyRuntimeSettings(config.RuntimeSettings{
		TickInterval:      "30s",
		RequeueThrottle:   "2m",
		ResponseTimeout:   "10m",
		ThrottleStaleness: "12h",
	})
	require.NoError(t, err)

	assert.Equal(t, Policy{
		TickInterval:      30 * time.Second,
		RequeueThrottle:   2 * time.Minute,
		ResponseTimeout:   10 * time.Minute,
		ThrottleStaleness: 12 * time.Hour,
	}, sched.Policy())
	assert.Equal(t, 10*time.Minute, sched.ResponseTimeout())
	require.Len(t, cronEngine.Entries(), 1)
	assert.True(t, sched.Status().Running)
}

func TestScheduler_ApplyRuntimeSettings_RejectsInvalid(t *testing.T) {
	clock := newFakeClock(baseTime)
	sched := NewScheduler(newTestStore(t, clock), newFakeQueue(), nil, DefaultPolicy(), WithSchedulerClock(clock.Now))

	err := sched.ApplyRuntimeSettings(config.RuntimeSettings{
		TickInterval:      "soon",
		RequeueThrottle:   "2m",
		ResponseTimeout:   "10m",
		ThrottleStaleness: "12h",
	})
	require.Error(t, err)
	assert.True(t, IsErrorType(err, ErrValidation))
	assert.Equal(t, DefaultPolicy(), sched.Policy())
}

func TestScheduler_StartStop(t *testing.T) {
	clock := newFakeClock(baseTime)
	cronEngine := cron.New()
	sched := NewScheduler(newTestStore(t, clock), newFakeQueue(), nil, DefaultPolicy(),
		WithSchedulerClock(clock.Now), WithCron(cronEngine))

	require.NoError(t, sched.Start(context.Background()))
	require.NoError(t, sched.Start(context.Background()))
	assert.Len(t, cronEngine.Entries(), 1)

	sched.Stop()
	sched.Stop()
	assert.Empty(t, cronEngine.Entries())
	assert.False(t, sched.Status().Running)
}
