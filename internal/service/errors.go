package service

import (
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/MimeLyc/ticket-watcher/internal/jobs"
	"github.com/MimeLyc/ticket-watcher/pkg/log"
)

type ErrorType int

const (
	// ErrStaleState: the job moved on since the work was queued.
	ErrStaleState ErrorType = iota
	ErrAttempt
	ErrExpired
	ErrStore
	ErrValidation
	ErrConfig
	ErrUnknown
)

type ServiceError struct {
	Type    ErrorType
	Message string
	Context map[string]any
	Cause   error
}

func NewError(errorType ErrorType, message string) *ServiceError {
	return &ServiceError{
		Type:    errorType,
		Message: message,
		Context: make(map[string]any),
	}
}

func NewErrorWithCause(errorType ErrorType, message string, cause error) *ServiceError {
	return &ServiceError{
		Type:    errorType,
		Message: message,
		Context: make(map[string]any),
		Cause:   cause,
	}
}

func (e *ServiceError) Error() string {
	var parts []string
	parts = append(parts, fmt.Sprintf("[%s] %s", e.Type.String(), e.Message))

	if len(e.Context) > 0 {
		var ctxParts []string
		for k, v := range e.Context {
			ctxParts = append(ctxParts, fmt.Sprintf("%s=%v", k, v))
		}
		parts = append(parts, fmt.Sprintf("context: %s", strings.Join(ctxParts, ", ")))
	}

	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("cause: %v", e.Cause))
	}

	return strings.Join(parts, " | ")
}

func (e *ServiceError) Unwrap() error {
	return e.Cause
}

func (e *ServiceError) WithContext(key string, value any) *ServiceError {
	e.Context[key] = value
	return e
}

func (t ErrorType) String() string {
	switch t {
	case ErrStaleState:
		return "StaleState"
	case ErrAttempt:
		return "Attempt"
	case ErrExpired:
		return "Expired"
	case ErrStore:
		return "Store"
	case ErrValidation:
		return "Validation"
	case ErrConfig:
		return "Config"
	default:
		return "Unknown"
	}
}

func IsErrorType(err error, errorType ErrorType) bool {
	var svcErr *ServiceError
	if errors.As(err, &svcErr) {
		return svcErr.Type == errorType
	}
	return false
}

func WrapError(err error, errorType ErrorType, message string) *ServiceError {
	return NewErrorWithCause(errorType, message, err)
}

// classifyStoreError turns a store failure into a ServiceError. A refused
// transition means another writer got there first, which is stale state.
func classifyStoreError(err error, jobID, op string) *ServiceError {
	typ := ErrStore
	if errors.Is(err, jobs.ErrInvalidTransition) || errors.Is(err, jobs.ErrJobNotFound) {
		typ = ErrStaleState
	}
	return WrapError(err, typ, op).WithContext("job", jobID)
}

// logError logs err at the level its type calls for.
func logError(err error) {
	switch {
	case err == nil:
	case IsErrorType(err, ErrStaleState):
		log.Debug("Skipped: %v", err)
	case IsErrorType(err, ErrAttempt):
		log.Warn("%v", err)
	default:
		log.Error("%v", err)
	}
}

// SafeExecute runs fn and turns a panic into an ErrAttempt error.
func SafeExecute(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = NewError(ErrAttempt, fmt.Sprintf("runtime error: %v", r))
		}
	}()

	return fn()
}
