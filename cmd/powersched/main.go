package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"powersched/internal/config"
)

var cfgPath string

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "powersched",
		Short: "Weekly shutdown / hibernate scheduler",
		Long: `powersched powers the machine off or hibernates it at fixed weekly times.

Rules are edited with "powersched rules" and picked up by a running daemon
("powersched run") without a restart.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", config.DefaultPath, "path to config (json or yaml)")

	root.AddCommand(newRunCmd(), newRulesCmd(), newNextCmd(), newAutostartCmd())
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
