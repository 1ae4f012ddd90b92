// Package autostart registers the daemon to start at login.
//
// Linux uses a systemd user unit enabled over the user D-Bus session;
// Windows uses the HKCU Run key. Other platforms return ErrUnsupported.
package autostart

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var ErrUnsupported = errors.New("autostart is not supported on this platform")

const DefaultName = "powersched"

// Registrar manages the login-start entry for one command.
type Registrar interface {
	Enable(ctx context.Context, cmd Command) error
	Disable(ctx context.Context) error
	Enabled(ctx context.Context) (bool, error)
	// Location describes where the entry lives (unit path, registry value).
	Location() string
}

// Command is what gets started at login.
type Command struct {
	Exe  string
	Args []string
}

func (c Command) validate() error {
	if strings.TrimSpace(c.Exe) == "" {
		return errors.New("autostart: executable path is empty")
	}
	return nil
}

// windowsCommandLine quotes the executable and any argument containing
// spaces, the way the Run key expects.
func windowsCommandLine(c Command) string {
	parts := make([]string, 0, len(c.Args)+1)
	parts = append(parts, `"`+c.Exe+`"`)
	for _, a := range c.Args {
		if strings.ContainsAny(a, " \t") {
			a = `"` + a + `"`
		}
		parts = append(parts, a)
	}
	return strings.Join(parts, " ")
}

// systemdQuote quotes a word for an ExecStart= line.
func systemdQuote(s string) string {
	if s != "" && !strings.ContainsAny(s, " \t\"'\\$%") {
		return s
	}
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`, `$`, `$$`, `%`, `%%`)
	return `"` + r.Replace(s) + `"`
}

// renderUnit returns the systemd user unit for c.
func renderUnit(name string, c Command) string {
	words := make([]string, 0, len(c.Args)+1)
	words = append(words, systemdQuote(c.Exe))
	for _, a := range c.Args {
		words = append(words, systemdQuote(a))
	}
	var b strings.Builder
	fmt.Fprintf(&b, "[Unit]\n")
	fmt.Fprintf(&b, "Description=%s weekly power schedule\n", name)
	fmt.Fprintf(&b, "\n[Service]\n")
	fmt.Fprintf(&b, "Type=notify\n")
	fmt.Fprintf(&b, "ExecStart=%s\n", strings.Join(words, " "))
	fmt.Fprintf(&b, "Restart=on-failure\n")
	fmt.Fprintf(&b, "RestartSec=5\n")
	fmt.Fprintf(&b, "WatchdogSec=30\n")
	fmt.Fprintf(&b, "\n[Install]\n")
	fmt.Fprintf(&b, "WantedBy=default.target\n")
	return b.String()
}
