package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"powersched/internal/app"
	"powersched/internal/ruleset"
	"powersched/internal/schedule"
	logx "powersched/pkg/logx"
)

type ruleFlags struct {
	days     string
	at       string
	action   string
	disabled bool
}

func (f *ruleFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.days, "days", "", "weekdays, e.g. mon,wed,fri or 0,2,4 (0 = Monday)")
	cmd.Flags().StringVar(&f.at, "time", "", "time of day, HH:MM")
	cmd.Flags().StringVar(&f.action, "action", "shutdown", "shutdown or hibernate")
	cmd.Flags().BoolVar(&f.disabled, "disabled", false, "store the rule disabled")
}

// apply overwrites the fields of s whose flags were given.
func (f *ruleFlags) apply(cmd *cobra.Command, s schedule.Schedule) (schedule.Schedule, error) {
	var err error
	if cmd.Flags().Changed("days") {
		if s.Days, err = schedule.ParseWeekdays(f.days); err != nil {
			return s, err
		}
	}
	if cmd.Flags().Changed("time") {
		if s.Time, err = schedule.ParseTimeOfDay(f.at); err != nil {
			return s, err
		}
	}
	if cmd.Flags().Changed("action") {
		if s.Action, err = schedule.ParseAction(f.action); err != nil {
			return s, err
		}
	}
	if cmd.Flags().Changed("disabled") {
		s.Enabled = !f.disabled
	}
	return s, nil
}

// withRules opens the configured store for one command.
func withRules(cmd *cobra.Command, fn func(ctx context.Context, rs *ruleset.RuleSet) error) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()
	st, err := app.OpenRules(ctx, cfgPath, logx.NewWriter(cmd.ErrOrStderr(), "warn"))
	if err != nil {
		return err
	}
	defer st.Close()
	return fn(ctx, st.Rules)
}

// parsePosition turns a 1-based CLI position into a RuleSet index.
func parsePosition(arg string) (int, error) {
	n, err := strconv.Atoi(arg)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("invalid position %q (want 1, 2, ...)", arg)
	}
	return n - 1, nil
}

func positionError(err error, arg string) error {
	if errors.Is(err, ruleset.ErrOutOfRange) {
		return fmt.Errorf("no rule at position %s", arg)
	}
	return err
}

func printRules(w io.Writer, rules []schedule.Schedule) {
	if len(rules) == 0 {
		fmt.Fprintln(w, "no rules")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tDAYS\tTIME\tACTION\tENABLED\tID")
	for i, r := range rules {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%t\t%s\n", i+1, r.Days, r.Time, r.Action, r.Enabled, r.ID)
	}
	_ = tw.Flush()
}

func newRulesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "List and edit schedule rules",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List rules in order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withRules(cmd, func(_ context.Context, rs *ruleset.RuleSet) error {
				printRules(cmd.OutOrStdout(), rs.List())
				return nil
			})
		},
	}

	var addFlags ruleFlags
	add := &cobra.Command{
		Use:     "add",
		Short:   "Add a rule",
		Example: "  powersched rules add --days mon,wed,fri --time 23:30 --action hibernate",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := addFlags.apply(cmd, schedule.Schedule{Action: schedule.ActionShutdown, Enabled: true})
			if err != nil {
				return err
			}
			return withRules(cmd, func(ctx context.Context, rs *ruleset.RuleSet) error {
				added, err := rs.Add(ctx, s)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "added #%d: %s\n", rs.Len(), added.Describe())
				return nil
			})
		},
	}
	addFlags.bind(add)
	_ = add.MarkFlagRequired("days")
	_ = add.MarkFlagRequired("time")

	var editFlags ruleFlags
	edit := &cobra.Command{
		Use:   "edit POSITION",
		Short: "Change the days, time or action of a rule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pos, err := parsePosition(args[0])
			if err != nil {
				return err
			}
			return withRules(cmd, func(ctx context.Context, rs *ruleset.RuleSet) error {
				list := rs.List()
				if pos >= len(list) {
					return positionError(ruleset.ErrOutOfRange, args[0])
				}
				s, err := editFlags.apply(cmd, list[pos])
				if err != nil {
					return err
				}
				updated, err := rs.Update(ctx, pos, s)
				if err != nil {
					return positionError(err, args[0])
				}
				fmt.Fprintf(cmd.OutOrStdout(), "updated #%s: %s\n", args[0], updated.Describe())
				return nil
			})
		},
	}
	editFlags.bind(edit)

	rm := &cobra.Command{
		Use:     "rm POSITION",
		Aliases: []string{"remove", "delete"},
		Short:   "Remove a rule",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pos, err := parsePosition(args[0])
			if err != nil {
				return err
			}
			return withRules(cmd, func(ctx context.Context, rs *ruleset.RuleSet) error {
				removed, err := rs.Remove(ctx, pos)
				if err != nil {
					return positionError(err, args[0])
				}
				fmt.Fprintf(cmd.OutOrStdout(), "removed #%s: %s\n", args[0], removed.Describe())
				return nil
			})
		},
	}

	toggle := func(use string, enabled bool) *cobra.Command {
		return &cobra.Command{
			Use:   use + " POSITION",
			Short: use + " a rule",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				pos, err := parsePosition(args[0])
				if err != nil {
					return err
				}
				return withRules(cmd, func(ctx context.Context, rs *ruleset.RuleSet) error {
					if err := rs.SetEnabled(ctx, pos, enabled); err != nil {
						return positionError(err, args[0])
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%sd #%s\n", use, args[0])
					return nil
				})
			},
		}
	}

	cmd.AddCommand(list, add, edit, rm, toggle("enable", true), toggle("disable", false))
	return cmd
}
