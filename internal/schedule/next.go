package schedule

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// CronSpec renders s as a standard 5-field cron expression. Cron numbers
// weekdays from Sunday=0, so each day is shifted by one.
func (s Schedule) CronSpec() string {
	days := s.Days.Days()
	dows := make([]string, 0, len(days))
	for _, d := range days {
		dows = append(dows, strconv.Itoa((d+1)%7))
	}
	return fmt.Sprintf("%d %d * * %s", s.Time.Minute, s.Time.Hour, strings.Join(dows, ","))
}

// Next returns the first occurrence strictly after `after`, in after's
// location. It returns the zero time for an invalid schedule.
//
// The engine does not use this; it re-evaluates every tick. Next exists
// for status output and the CLI.
func (s Schedule) Next(after time.Time) time.Time {
	if s.Validate() != nil {
		return time.Time{}
	}
	sched, err := cron.ParseStandard(s.CronSpec())
	if err != nil {
		return time.Time{}
	}
	return sched.Next(after)
}
