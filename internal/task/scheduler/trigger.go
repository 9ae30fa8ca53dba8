package scheduler

import (
	"time"

	"github.com/robfig/cron/v3"
)

// Trigger computes the next due time of a repeating task from the previous
// due time. A zero time means the task never fires again.
type Trigger interface {
	Next(prev time.Time) time.Time
}

// fixedRate fires every d measured from the previous due time, not from the
// end of the previous run, so slow bodies do not drift the grid.
type fixedRate time.Duration

func (r fixedRate) Next(prev time.Time) time.Time {
	return prev.Add(time.Duration(r))
}

type cronTrigger struct {
	spec  string
	sched cron.Schedule
	loc   *time.Location
}

func (c cronTrigger) Next(prev time.Time) time.Time {
	return c.sched.Next(prev.In(c.loc))
}

func newCronParser() cron.Parser {
	// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
	return cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
}
