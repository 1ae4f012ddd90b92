package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"powersched/internal/schedule"
)

// run executes the CLI in-process. Tests using it must not be parallel:
// cfgPath is a package-level flag target.
func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func setup(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	cfg := filepath.Join(dir, "powersched.json")
	body := `{"storage": {"driver": "file", "path": "` + filepath.ToSlash(filepath.Join(dir, "rules.json")) + `"}, "logging": {"console": false}}`
	if err := os.WriteFile(cfg, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return cfg
}

func TestRulesCRUD(t *testing.T) {
	cfg := setup(t)

	if out, err := run(t, "-c", cfg, "rules", "add", "--days", "mon,wed", "--time", "23:30", "--action", "hibernate"); err != nil || !strings.Contains(out, "added #1") {
		t.Fatalf("add: %v %q", err, out)
	}
	if _, err := run(t, "-c", cfg, "rules", "add", "--days", "wed,mon", "--time", "23:30", "--action", "hibernate"); err == nil {
		t.Fatalf("duplicate rule accepted")
	}
	if _, err := run(t, "-c", cfg, "rules", "add", "--days", "fri", "--time", "7:05"); err != nil {
		t.Fatalf("add second: %v", err)
	}

	out, err := run(t, "-c", cfg, "rules", "list")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if !strings.Contains(out, "Mon,Wed") || !strings.Contains(out, "07:05") {
		t.Fatalf("list output:\n%s", out)
	}

	if _, err := run(t, "-c", cfg, "rules", "edit", "2", "--time", "08:00"); err != nil {
		t.Fatalf("edit: %v", err)
	}
	if _, err := run(t, "-c", cfg, "rules", "disable", "1"); err != nil {
		t.Fatalf("disable: %v", err)
	}
	if _, err := run(t, "-c", cfg, "rules", "rm", "5"); err == nil || !strings.Contains(err.Error(), "position 5") {
		t.Fatalf("rm out of range: %v", err)
	}
	if _, err := run(t, "-c", cfg, "rules", "rm", "0"); err == nil {
		t.Fatalf("position 0 accepted")
	}

	out, err = run(t, "-c", cfg, "rules", "list")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if !strings.Contains(out, "08:00") || !strings.Contains(out, "false") {
		t.Fatalf("list after edits:\n%s", out)
	}

	if _, err := run(t, "-c", cfg, "rules", "rm", "1"); err != nil {
		t.Fatalf("rm: %v", err)
	}
	out, _ = run(t, "-c", cfg, "next")
	if !strings.Contains(out, "Fri 08:00 shutdown") {
		t.Fatalf("next output:\n%s", out)
	}
}

func TestRulesAddRejectsBadInput(t *testing.T) {
	cfg := setup(t)
	cases := [][]string{
		{"--days", "funday", "--time", "23:30"},
		{"--days", "mon", "--time", "25:00"},
		{"--days", "mon", "--time", "23:30", "--action", "reboot"},
		{"--time", "23:30"},
	}
	for _, args := range cases {
		if _, err := run(t, append([]string{"-c", cfg, "rules", "add"}, args...)...); err == nil {
			t.Fatalf("rules add %v accepted", args)
		}
	}
}

func TestNextFiresOrdersSoonestFirst(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.Local) // Monday
	mon, _ := schedule.ParseWeekdays("mon")
	tue, _ := schedule.ParseWeekdays("tue")
	late, _ := schedule.ParseTimeOfDay("23:00")
	early, _ := schedule.ParseTimeOfDay("13:00")
	rules := []schedule.Schedule{
		{ID: "a", Days: tue, Time: early, Action: schedule.ActionShutdown, Enabled: true},
		{ID: "b", Days: mon, Time: late, Action: schedule.ActionShutdown, Enabled: true},
		{ID: "c", Days: mon, Time: early, Action: schedule.ActionShutdown, Enabled: false},
	}
	up := nextFires(rules, now)
	if len(up) != 2 || up[0].rule.ID != "b" || up[1].rule.ID != "a" || up[0].pos != 2 {
		t.Fatalf("next = %+v", up)
	}
}
