package schedule

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Weekdays is a set of weekdays stored as a 7-bit mask (bit 0 = Monday).
type Weekdays uint8

const allDays Weekdays = 1<<7 - 1

var dayShort = [7]string{"Mon", "Tue", "Wed", "Thu", "Fri", "Sat", "Sun"}

var dayNames = map[string]int{
	"mon": 0, "monday": 0,
	"tue": 1, "tues": 1, "tuesday": 1,
	"wed": 2, "wednesday": 2,
	"thu": 3, "thur": 3, "thurs": 3, "thursday": 3,
	"fri": 4, "friday": 4,
	"sat": 5, "saturday": 5,
	"sun": 6, "sunday": 6,
}

// WeekdayOf returns t's weekday in Monday=0 numbering.
func WeekdayOf(t time.Time) int {
	return (int(t.Weekday()) + 6) % 7
}

// NewWeekdays builds a set from Monday=0 day numbers. Duplicates collapse.
func NewWeekdays(days ...int) (Weekdays, error) {
	var w Weekdays
	for _, d := range days {
		if d < 0 || d > 6 {
			return 0, fmt.Errorf("%w: %d", ErrInvalidDay, d)
		}
		w |= 1 << uint(d)
	}
	return w, nil
}

// ParseWeekdays parses a comma separated list of day numbers or names,
// e.g. "0,2,4" or "mon,wed,fri". The keywords "daily"/"all", "weekdays" and
// "weekend" are accepted as shorthands.
func ParseWeekdays(s string) (Weekdays, error) {
	var w Weekdays
	for _, part := range strings.Split(s, ",") {
		p := strings.ToLower(strings.TrimSpace(part))
		if p == "" {
			continue
		}
		switch p {
		case "daily", "all", "*":
			w |= allDays
			continue
		case "weekdays":
			w |= 0b0011111
			continue
		case "weekend":
			w |= 0b1100000
			continue
		}
		if d, ok := dayNames[p]; ok {
			w |= 1 << uint(d)
			continue
		}
		d, err := strconv.Atoi(p)
		if err != nil || d < 0 || d > 6 {
			return 0, fmt.Errorf("%w: %q", ErrInvalidDay, part)
		}
		w |= 1 << uint(d)
	}
	if w == 0 {
		return 0, ErrNoDays
	}
	return w, nil
}

func (w Weekdays) Has(day int) bool {
	if day < 0 || day > 6 {
		return false
	}
	return w&(1<<uint(day)) != 0
}

func (w Weekdays) Empty() bool { return w&allDays == 0 }

func (w Weekdays) Len() int {
	n := 0
	for d := 0; d < 7; d++ {
		if w.Has(d) {
			n++
		}
	}
	return n
}

// Days returns the members in ascending order.
func (w Weekdays) Days() []int {
	out := make([]int, 0, 7)
	for d := 0; d < 7; d++ {
		if w.Has(d) {
			out = append(out, d)
		}
	}
	return out
}

// String renders "Mon,Wed,Fri" (or "daily" for the full week).
func (w Weekdays) String() string {
	if w&allDays == allDays {
		return "daily"
	}
	parts := make([]string, 0, 7)
	for _, d := range w.Days() {
		parts = append(parts, dayShort[d])
	}
	return strings.Join(parts, ",")
}

func (w Weekdays) MarshalJSON() ([]byte, error) {
	return json.Marshal(w.Days())
}

func (w *Weekdays) UnmarshalJSON(b []byte) error {
	var days []int
	if err := json.Unmarshal(b, &days); err != nil {
		return fmt.Errorf("days: %w", err)
	}
	v, err := NewWeekdays(days...)
	if err != nil {
		return err
	}
	*w = v
	return nil
}
