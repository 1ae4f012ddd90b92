package schedule

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

var (
	ErrNoDays        = errors.New("select at least one day of the week")
	ErrInvalidDay    = errors.New("invalid weekday (want 0-6 or mon..sun)")
	ErrInvalidTime   = errors.New("invalid time format, use HH:MM")
	ErrInvalidAction = errors.New("invalid action")
)

// Schedule is one recurring weekly rule.
//
// ID is assigned once when the rule is created and never changes; the
// engine keys its firing ledger by it, so reordering or deleting other
// rules cannot shift which rule an entry refers to.
type Schedule struct {
	ID      string
	Days    Weekdays
	Time    TimeOfDay
	Action  Action
	Enabled bool
}

// NewID returns a fresh opaque rule identifier.
func NewID() string { return uuid.NewString() }

// New builds and validates an enabled Schedule without an ID.
func New(days Weekdays, at TimeOfDay, action Action) (Schedule, error) {
	s := Schedule{Days: days, Time: at, Action: action, Enabled: true}
	return s, s.Validate()
}

// Validate reports the first user-facing problem with s.
func (s Schedule) Validate() error {
	if s.Days.Empty() {
		return ErrNoDays
	}
	if s.Days&^allDays != 0 {
		return ErrInvalidDay
	}
	if !s.Time.Valid() {
		return fmt.Errorf("%w: %d:%d", ErrInvalidTime, s.Time.Hour, s.Time.Minute)
	}
	if !s.Action.Valid() {
		return fmt.Errorf("%w %q", ErrInvalidAction, string(s.Action))
	}
	return nil
}

// SameRule reports whether a and b describe the same occurrence pattern:
// identical day set, time and action. ID and Enabled are ignored.
func SameRule(a, b Schedule) bool {
	return a.Days == b.Days && a.Time == b.Time && a.Action == b.Action
}

// Equal compares every field including ID and Enabled.
func Equal(a, b Schedule) bool {
	return a.ID == b.ID && a.Enabled == b.Enabled && SameRule(a, b)
}

// Describe renders a one-line summary, e.g. "Mon,Wed 23:30 hibernate".
func (s Schedule) Describe() string {
	var b strings.Builder
	b.WriteString(s.Days.String())
	b.WriteString(" ")
	b.WriteString(s.Time.String())
	b.WriteString(" ")
	b.WriteString(string(s.Action))
	if !s.Enabled {
		b.WriteString(" (disabled)")
	}
	return b.String()
}

// record is the persisted shape. Enabled is a pointer so an absent field
// can default to true.
type record struct {
	ID      string    `json:"id,omitempty"`
	Days    Weekdays  `json:"days"`
	Time    TimeOfDay `json:"time"`
	Action  Action    `json:"action"`
	Enabled *bool     `json:"enabled,omitempty"`
}

func (s Schedule) MarshalJSON() ([]byte, error) {
	en := s.Enabled
	return json.Marshal(record{ID: s.ID, Days: s.Days, Time: s.Time, Action: s.Action, Enabled: &en})
}

func (s *Schedule) UnmarshalJSON(b []byte) error {
	var r record
	if err := json.Unmarshal(b, &r); err != nil {
		return err
	}
	enabled := true
	if r.Enabled != nil {
		enabled = *r.Enabled
	}
	*s = Schedule{ID: strings.TrimSpace(r.ID), Days: r.Days, Time: r.Time, Action: r.Action, Enabled: enabled}
	return nil
}
