package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"powersched/internal/autostart"
)

// loginCommand is what autostart launches: this binary running the daemon
// with an absolute config path.
func loginCommand() (autostart.Command, error) {
	exe, err := os.Executable()
	if err != nil {
		return autostart.Command{}, err
	}
	if resolved, err := filepath.EvalSymlinks(exe); err == nil {
		exe = resolved
	}
	cfg, err := filepath.Abs(cfgPath)
	if err != nil {
		return autostart.Command{}, err
	}
	return autostart.Command{Exe: exe, Args: []string{"run", "--config", cfg}}, nil
}

func newAutostartCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "autostart",
		Short: "Start the daemon automatically at login",
	}
	cmd.PersistentFlags().StringVar(&name, "name", autostart.DefaultName, "autostart entry name")

	enable := &cobra.Command{
		Use:   "enable",
		Short: "Register the daemon to start at login",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			reg, err := autostart.New(name)
			if err != nil {
				return err
			}
			lc, err := loginCommand()
			if err != nil {
				return err
			}
			if err := reg.Enable(cmd.Context(), lc); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "autostart enabled (%s)\n", reg.Location())
			return nil
		},
	}

	disable := &cobra.Command{
		Use:   "disable",
		Short: "Remove the login entry",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			reg, err := autostart.New(name)
			if err != nil {
				return err
			}
			if err := reg.Disable(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "autostart disabled")
			return nil
		},
	}

	status := &cobra.Command{
		Use:   "status",
		Short: "Report whether the login entry exists",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			reg, err := autostart.New(name)
			if err != nil {
				return err
			}
			on, err := reg.Enabled(cmd.Context())
			if err != nil {
				return err
			}
			state := "disabled"
			if on {
				state = "enabled"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "autostart %s (%s)\n", state, reg.Location())
			return nil
		},
	}

	cmd.AddCommand(enable, disable, status)
	return cmd
}
