package schedule

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestParseTimeOfDay(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw  string
		want string
		ok   bool
	}{
		{raw: "23:30", want: "23:30", ok: true},
		{raw: " 7:05 ", want: "07:05", ok: true},
		{raw: "7:5", want: "07:05", ok: true},
		{raw: "00:00", want: "00:00", ok: true},
		{raw: "23:59", want: "23:59", ok: true},
		{raw: "24:00"},
		{raw: "12:60"},
		{raw: "1230"},
		{raw: "ab:cd"},
		{raw: "12:30:00"},
		{raw: ""},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.raw, func(t *testing.T) {
			got, err := ParseTimeOfDay(tt.raw)
			if !tt.ok {
				if !errors.Is(err, ErrInvalidTime) {
					t.Fatalf("ParseTimeOfDay(%q) err = %v, want ErrInvalidTime", tt.raw, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseTimeOfDay(%q) error: %v", tt.raw, err)
			}
			if got.String() != tt.want {
				t.Fatalf("ParseTimeOfDay(%q) = %s, want %s", tt.raw, got, tt.want)
			}
		})
	}
}

func TestParseWeekdays(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw  string
		want []int
		err  error
	}{
		{raw: "0,2,4", want: []int{0, 2, 4}},
		{raw: "mon,Wed,FRIDAY", want: []int{0, 2, 4}},
		{raw: "2,2,2", want: []int{2}},
		{raw: "weekend", want: []int{5, 6}},
		{raw: "daily", want: []int{0, 1, 2, 3, 4, 5, 6}},
		{raw: "7", err: ErrInvalidDay},
		{raw: "funday", err: ErrInvalidDay},
		{raw: "", err: ErrNoDays},
		{raw: " , ", err: ErrNoDays},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.raw, func(t *testing.T) {
			got, err := ParseWeekdays(tt.raw)
			if tt.err != nil {
				if !errors.Is(err, tt.err) {
					t.Fatalf("ParseWeekdays(%q) err = %v, want %v", tt.raw, err, tt.err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseWeekdays(%q) error: %v", tt.raw, err)
			}
			days := got.Days()
			if len(days) != len(tt.want) {
				t.Fatalf("ParseWeekdays(%q) = %v, want %v", tt.raw, days, tt.want)
			}
			for i := range days {
				if days[i] != tt.want[i] {
					t.Fatalf("ParseWeekdays(%q) = %v, want %v", tt.raw, days, tt.want)
				}
			}
		})
	}
}

func TestWeekdayOfUsesMondayZero(t *testing.T) {
	t.Parallel()
	// 2024-01-01 was a Monday.
	mon := time.Date(2024, 1, 1, 12, 0, 0, 0, time.Local)
	for i := 0; i < 7; i++ {
		if got := WeekdayOf(mon.AddDate(0, 0, i)); got != i {
			t.Fatalf("WeekdayOf(+%d days) = %d, want %d", i, got, i)
		}
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	at := TimeOfDay{Hour: 23, Minute: 30}
	if _, err := New(0, at, ActionShutdown); !errors.Is(err, ErrNoDays) {
		t.Fatalf("empty days err = %v, want ErrNoDays", err)
	}
	days, _ := NewWeekdays(0)
	if _, err := New(days, TimeOfDay{Hour: 25}, ActionShutdown); !errors.Is(err, ErrInvalidTime) {
		t.Fatalf("bad time err = %v, want ErrInvalidTime", err)
	}
	if _, err := New(days, at, Action("reboot")); !errors.Is(err, ErrInvalidAction) {
		t.Fatalf("bad action err = %v, want ErrInvalidAction", err)
	}
	s, err := New(days, at, ActionHibernate)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	if !s.Enabled {
		t.Fatalf("New should produce an enabled schedule")
	}
}

func TestUnmarshalDefaultsEnabled(t *testing.T) {
	t.Parallel()
	var s Schedule
	if err := json.Unmarshal([]byte(`{"days":[0,2,4],"time":"23:30","action":"shutdown"}`), &s); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if !s.Enabled {
		t.Fatalf("Enabled = false, want true when field is absent")
	}
	if s.Time.String() != "23:30" || s.Action != ActionShutdown || s.Days.String() != "Mon,Wed,Fri" {
		t.Fatalf("unexpected schedule: %+v", s)
	}

	if err := json.Unmarshal([]byte(`{"days":[1],"time":"8:00","action":"hibernate","enabled":false}`), &s); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if s.Enabled {
		t.Fatalf("Enabled = true, want false")
	}
	if s.Time.String() != "08:00" {
		t.Fatalf("Time = %s, want normalized 08:00", s.Time)
	}
}

func TestUnmarshalRejectsBadRecords(t *testing.T) {
	t.Parallel()
	bad := []string{
		`{"days":[9],"time":"23:30","action":"shutdown"}`,
		`{"days":[0],"time":"99:99","action":"shutdown"}`,
		`{"days":[0],"time":"23:30","action":"explode"}`,
		`{"days":"mon","time":"23:30","action":"shutdown"}`,
	}
	for _, raw := range bad {
		var s Schedule
		if err := json.Unmarshal([]byte(raw), &s); err == nil {
			t.Fatalf("expected error for %s", raw)
		}
	}
}

func TestMarshalShape(t *testing.T) {
	t.Parallel()
	days, _ := NewWeekdays(4, 0, 2)
	s := Schedule{ID: "r1", Days: days, Time: TimeOfDay{Hour: 23, Minute: 30}, Action: ActionShutdown, Enabled: false}
	b, err := json.Marshal(s)
	if err != nil {
		t.Fatalf("marshal error: %v", err)
	}
	want := `{"id":"r1","days":[0,2,4],"time":"23:30","action":"shutdown","enabled":false}`
	if string(b) != want {
		t.Fatalf("json = %s, want %s", b, want)
	}
}

func TestSameRuleIgnoresEnabledAndID(t *testing.T) {
	t.Parallel()
	d1, _ := NewWeekdays(0, 2)
	d2, _ := NewWeekdays(2, 0, 2)
	a := Schedule{ID: "a", Days: d1, Time: TimeOfDay{23, 30}, Action: ActionShutdown, Enabled: true}
	b := Schedule{ID: "b", Days: d2, Time: TimeOfDay{23, 30}, Action: ActionShutdown, Enabled: false}
	if !SameRule(a, b) {
		t.Fatalf("SameRule = false, want true")
	}
	b.Action = ActionHibernate
	if SameRule(a, b) {
		t.Fatalf("SameRule = true for different actions")
	}
}

func TestNextOccurrence(t *testing.T) {
	t.Parallel()
	days, _ := NewWeekdays(0, 2, 4) // Mon, Wed, Fri
	s := Schedule{Days: days, Time: TimeOfDay{Hour: 23, Minute: 30}, Action: ActionShutdown, Enabled: true}
	if got := s.CronSpec(); got != "30 23 * * 1,3,5" {
		t.Fatalf("CronSpec = %q", got)
	}

	// Monday 2024-01-01 23:30:02 -> next is Wednesday 23:30.
	after := time.Date(2024, 1, 1, 23, 30, 2, 0, time.Local)
	want := time.Date(2024, 1, 3, 23, 30, 0, 0, time.Local)
	if got := s.Next(after); !got.Equal(want) {
		t.Fatalf("Next = %v, want %v", got, want)
	}

	// Sunday (6) maps to cron 0.
	sun, _ := NewWeekdays(6)
	s2 := Schedule{Days: sun, Time: TimeOfDay{Hour: 1}, Action: ActionHibernate}
	want = time.Date(2024, 1, 7, 1, 0, 0, 0, time.Local)
	if got := s2.Next(after); !got.Equal(want) {
		t.Fatalf("Next(sunday) = %v, want %v", got, want)
	}

	if got := (Schedule{}).Next(after); !got.IsZero() {
		t.Fatalf("Next(invalid) = %v, want zero", got)
	}
}
