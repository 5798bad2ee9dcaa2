package boundary

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Activation scopes when a constraint is in force. The zero value is
// permanently active, so a constraint whose author omits activation
// still gates every evaluation. Setting Schedule narrows activation to
// any minute a standard five-field cron expression matches (e.g.
// "* 22-23,0-6 * * *" for a night-hours contact ban); Always restores
// permanent activation regardless of Schedule.
type Activation struct {
	Always   bool   `yaml:"always" json:"always"`
	Schedule string `yaml:"schedule,omitempty" json:"schedule,omitempty"`
}

var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
)

func (a Activation) validate() error {
	if a.Always || a.Schedule == "" {
		return nil
	}
	if _, err := cronParser.Parse(a.Schedule); err != nil {
		return fmt.Errorf("activation schedule %q: %w", a.Schedule, err)
	}
	return nil
}

// Active reports whether the constraint is in force at t. A schedule
// that fails to parse counts as active so that a typo never opens a
// window the author meant to close; validate rejects such schedules at
// install time anyway.
func (a Activation) Active(t time.Time) bool {
	if a.Always || a.Schedule == "" {
		return true
	}
	sched, err := cronParser.Parse(a.Schedule)
	if err != nil {
		return true
	}
	// The expression matches the current minute iff stepping forward
	// from one second before the minute lands exactly on it.
	minute := t.Truncate(time.Minute)
	return sched.Next(minute.Add(-time.Second)).Equal(minute)
}
