package jobs

import (
	"fmt"
	"strings"
)

type Status string

const (
	StatusPending         Status = "PENDING"
	StatusWatching        Status = "WATCHING"
	StatusBooking         Status = "BOOKING"
	StatusAwaitingConsent Status = "AWAITING_CONSENT"
	StatusAwaitingInput   Status = "AWAITING_INPUT"
	StatusPaused          Status = "PAUSED"
	StatusSuccess         Status = "SUCCESS"
	StatusFailed          Status = "FAILED"
	StatusCancelled       Status = "CANCELLED"
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []Status{
	StatusPending,
	StatusWatching,
	StatusBooking,
	StatusAwaitingConsent,
	StatusAwaitingInput,
	StatusPaused,
	StatusSuccess,
	StatusFailed,
	StatusCancelled,
}

var transitions = map[Status][]Status{
	StatusPending:         {StatusWatching, StatusPaused, StatusFailed, StatusCancelled},
	StatusWatching:        {StatusWatching, StatusBooking, StatusAwaitingConsent, StatusAwaitingInput, StatusPaused, StatusFailed, StatusCancelled},
	StatusAwaitingConsent: {StatusBooking, StatusWatching, StatusFailed, StatusCancelled},
	StatusAwaitingInput:   {StatusWatching, StatusPaused, StatusCancelled},
	StatusPaused:          {StatusWatching, StatusCancelled},
	StatusBooking:         {StatusSuccess, StatusFailed, StatusCancelled},
	StatusSuccess:         nil,
	StatusFailed:          nil,
	StatusCancelled:       nil,
}

// CanTransition reports whether the state machine allows from -> to.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// SourcesOf returns every status that may move to the given one.
func SourcesOf(to Status) []Status {
	ret := make([]Status, 0, len(AllStatuses))
	for _, from := range AllStatuses {
		if CanTransition(from, to) {
			ret = append(ret, from)
		}
	}
	return ret
}

func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed || s == StatusCancelled
}

// Active is the non-terminal set used by ListActiveByUser.
func (s Status) Active() bool {
	return s.Valid() && !s.Terminal()
}

// ParseStatus accepts any casing.
func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToUpper(strings.TrimSpace(s)))
	if !st.Valid() {
		return "", fmt.Errorf("unknown job status %q", s)
	}
	return st, nil
}
