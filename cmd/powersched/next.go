package main

import (
	"context"
	"fmt"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"powersched/internal/ruleset"
	"powersched/internal/schedule"
)

type upcoming struct {
	pos  int
	rule schedule.Schedule
	at   time.Time
}

// nextFires returns the next occurrence of every enabled rule after now,
// soonest first.
func nextFires(rules []schedule.Schedule, now time.Time) []upcoming {
	out := make([]upcoming, 0, len(rules))
	for i, r := range rules {
		if !r.Enabled {
			continue
		}
		if at := r.Next(now); !at.IsZero() {
			out = append(out, upcoming{pos: i + 1, rule: r, at: at})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].at.Before(out[j].at) })
	return out
}

func newNextCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "next",
		Short: "Show the next fire time of each enabled rule",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withRules(cmd, func(_ context.Context, rs *ruleset.RuleSet) error {
				now := time.Now()
				up := nextFires(rs.List(), now)
				w := cmd.OutOrStdout()
				if len(up) == 0 {
					fmt.Fprintln(w, "no enabled rules")
					return nil
				}
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "#\tRULE\tNEXT\tIN")
				for _, u := range up {
					fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", u.pos, u.rule.Describe(), u.at.Format("Mon 2006-01-02 15:04"), humanize.RelTime(u.at, now, "ago", "from now"))
				}
				return tw.Flush()
			})
		},
	}
}
