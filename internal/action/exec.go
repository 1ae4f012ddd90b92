package action

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"strings"

	"powersched/internal/schedule"
	logx "powersched/pkg/logx"
)

// Runner runs a command and returns its combined output.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// CommandRunner runs real processes.
type CommandRunner struct{}

func (CommandRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	var buf bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	err := cmd.Run()
	return buf.Bytes(), err
}

// DefaultCommands returns the argv per action for goos. Actions that the
// platform cannot do are absent.
func DefaultCommands(goos string) map[schedule.Action][]string {
	switch goos {
	case "windows":
		return map[schedule.Action][]string{
			schedule.ActionShutdown:  {"shutdown", "/s", "/f", "/t", "0"},
			schedule.ActionHibernate: {"shutdown", "/h"},
		}
	case "linux":
		return map[schedule.Action][]string{
			schedule.ActionShutdown:  {"systemctl", "poweroff"},
			schedule.ActionHibernate: {"systemctl", "hibernate"},
		}
	case "darwin":
		return map[schedule.Action][]string{
			schedule.ActionShutdown:  {"shutdown", "-h", "now"},
			schedule.ActionHibernate: {"pmset", "sleepnow"},
		}
	case "freebsd", "openbsd", "netbsd":
		return map[schedule.Action][]string{
			schedule.ActionShutdown: {"shutdown", "-p", "now"},
		}
	default:
		return map[schedule.Action][]string{}
	}
}

type execBackend struct {
	runner   Runner
	commands map[schedule.Action][]string
	log      logx.Logger
}

func newExec(r Runner, overrides map[string][]string, log logx.Logger) (Executor, error) {
	cmds := DefaultCommands(runtime.GOOS)
	for name, argv := range overrides {
		a, err := schedule.ParseAction(name)
		if err != nil {
			return nil, fmt.Errorf("actions.commands: %w", err)
		}
		if len(argv) == 0 || strings.TrimSpace(argv[0]) == "" {
			return nil, fmt.Errorf("actions.commands.%s: empty command", a)
		}
		cmds[a] = append([]string(nil), argv...)
	}
	return &execBackend{runner: r, commands: cmds, log: log}, nil
}

func (*execBackend) Name() string { return BackendExec }

func (b *execBackend) Perform(ctx context.Context, a schedule.Action) error {
	argv, ok := b.commands[a]
	if !ok {
		return fmt.Errorf("%w: %s on %s", ErrUnsupported, a, runtime.GOOS)
	}
	b.log.Info("running power command", logx.String("action", string(a)), logx.String("cmd", strings.Join(argv, " ")))
	out, err := b.runner.Run(ctx, argv[0], argv[1:]...)
	if err != nil {
		if msg := strings.TrimSpace(string(out)); msg != "" {
			return fmt.Errorf("%s: %w: %s", argv[0], err, truncate(msg, 300))
		}
		return fmt.Errorf("%s: %w", argv[0], err)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
