//go:build linux

package action

import (
	"context"
	"fmt"

	"github.com/coreos/go-systemd/v22/login1"
	"github.com/godbus/dbus/v5"

	"powersched/internal/schedule"
	logx "powersched/pkg/logx"
)

const (
	logindDest    = "org.freedesktop.login1"
	logindPath    = dbus.ObjectPath("/org/freedesktop/login1")
	logindManager = "org.freedesktop.login1.Manager"
)

// logind talks to systemd-logind. Power off goes through go-systemd's
// login1 client; hibernate and the Can* checks are plain D-Bus calls.
type logind struct {
	log logx.Logger
}

func newLogind(log logx.Logger) (Executor, error) {
	return &logind{log: log}, nil
}

func (*logind) Name() string { return BackendLogind }

func (l *logind) Perform(ctx context.Context, a schedule.Action) error {
	conn, err := dbus.ConnectSystemBus(dbus.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("system bus: %w", err)
	}
	defer conn.Close()
	mgr := conn.Object(logindDest, logindPath)

	switch a {
	case schedule.ActionShutdown:
		if err := can(ctx, mgr, "CanPowerOff"); err != nil {
			return err
		}
		lc, err := login1.New()
		if err != nil {
			return fmt.Errorf("login1: %w", err)
		}
		defer lc.Close()
		l.log.Info("requesting power off from logind")
		lc.PowerOff(false)
		return nil
	case schedule.ActionHibernate:
		if err := can(ctx, mgr, "CanHibernate"); err != nil {
			return err
		}
		l.log.Info("requesting hibernate from logind")
		return mgr.CallWithContext(ctx, logindManager+".Hibernate", 0, false).Err
	default:
		return fmt.Errorf("%w: %s", ErrUnsupported, a)
	}
}

// can calls a logind Can* method; "yes" and "challenge" are allowed.
func can(ctx context.Context, mgr dbus.BusObject, method string) error {
	var answer string
	if err := mgr.CallWithContext(ctx, logindManager+"."+method, 0).Store(&answer); err != nil {
		return fmt.Errorf("logind %s: %w", method, err)
	}
	switch answer {
	case "yes", "challenge":
		return nil
	default:
		return fmt.Errorf("%w: logind %s answered %q", ErrUnsupported, method, answer)
	}
}

// logindReachable reports whether logind answers on the system bus.
func logindReachable(ctx context.Context) bool {
	conn, err := dbus.ConnectSystemBus(dbus.WithContext(ctx))
	if err != nil {
		return false
	}
	defer conn.Close()
	var answer string
	err = conn.Object(logindDest, logindPath).CallWithContext(ctx, logindManager+".CanPowerOff", 0).Store(&answer)
	return err == nil
}
