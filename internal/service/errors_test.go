package service

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MimeLyc/ticket-watcher/internal/jobs"
)

func TestClassifyStoreError(t *testing.T) {
	stale := classifyStoreError(jobs.TransitionError("j1", jobs.StatusCancelled, jobs.StatusSuccess), "j1", "record booking")
	assert.True(t, IsErrorType(stale, ErrStaleState))
	assert.True(t, errors.Is(stale, jobs.ErrInvalidTransition))
	assert.Contains(t, stale.Error(), "job=j1")

	missing := classifyStoreError(errors.Wrap(jobs.ErrJobNotFound, "get job"), "j2", "load job")
	assert.True(t, IsErrorType(missing, ErrStaleState))

	broken := classifyStoreError(errors.New("database is locked"), "j3", "load job")
	assert.True(t, IsErrorType(broken, ErrStore))
}

func TestSafeExecute_RecoversPanics(t *testing.T) {
	err := SafeExecute(func() error {
		panic("boom")
	})
	require.Error(t, err)
	assert.True(t, IsErrorType(err, ErrAttempt))
	assert.Contains(t, err.Error(), "boom")

	assert.NoError(t, SafeExecute(func() error { return nil }))
}

func TestErrorType_String(t *testing.T) {
	names := map[ErrorType]string{
		ErrStaleState: "StaleState",
		ErrAttempt:    "Attempt",
		ErrExpired:    "Expired",
		ErrStore:      "Store",
		ErrValidation: "Validation",
		ErrConfig:     "Config",
		ErrUnknown:    "Unknown",
	}
	for typ, want := range names {
		assert.Equal(t, want, typ.String())
	}
	assert.Equal(t, ErrUnknown, ErrConfig+1)
}
