package icron

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robfig/cron/v3"
)

type TriggerInfo struct {
	Next       time.Time `json:"next"`
	Last       time.Time `json:"last"`
	Expression string    `json:"expression"`

	TimeSinceLast time.Duration `json:"time_since_last"`
	TimeUntilNext time.Duration `json:"time_until_next"`
}

var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour |
	cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Parse accepts standard five-field specs, an optional leading seconds
// field, and descriptors such as "@every 1m".
func Parse(cronExpr string) (cron.Schedule, error) {
	schedule, err := parser.Parse(cronExpr)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid cron expression %q", cronExpr)
	}
	return schedule, nil
}

// GetTriggerInfo reports the triggers of cronExpr around refTime. Last is
// searched for up to a year back.
func GetTriggerInfo(cronExpr string, refTime time.Time) (*TriggerInfo, error) {
	schedule, err := Parse(cronExpr)
	if err != nil {
		return nil, err
	}

	nextTime := schedule.Next(refTime)

	var prevTime time.Time
	if every, ok := schedule.(cron.ConstantDelaySchedule); ok {
		// constant delays have no anchor, so the last trigger is one period back
		prevTime = nextTime.Add(-every.Delay)
	} else {
		searchStart := refTime.Add(-time.Minute)
		for i := range 366 * 24 {
			checkTime := searchStart.Add(-time.Duration(i) * time.Hour)
			candidateNext := schedule.Next(checkTime)

			if candidateNext.Before(refTime) ||
				candidateNext.Equal(refTime) {
				prevTime = candidateNext
				break
			}
		}
	}

	info := &TriggerInfo{
		Expression: cronExpr,
		Next:       nextTime,
		Last:       prevTime,
	}

	if !prevTime.IsZero() {
		info.TimeSinceLast = refTime.Sub(prevTime)
	}

	info.TimeUntilNext = nextTime.Sub(refTime)

	return info, nil
}
