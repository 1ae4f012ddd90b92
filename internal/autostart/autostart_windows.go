//go:build windows

package autostart

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/sys/windows/registry"
)

const runKey = `Software\Microsoft\Windows\CurrentVersion\Run`

type runValue struct {
	name string
}

// New returns the HKCU Run key registrar.
func New(name string) (Registrar, error) {
	if strings.TrimSpace(name) == "" {
		name = DefaultName
	}
	return &runValue{name: name}, nil
}

func (r *runValue) Location() string { return `HKCU\` + runKey + `\` + r.name }

func (r *runValue) Enable(ctx context.Context, cmd Command) error {
	if err := cmd.validate(); err != nil {
		return err
	}
	k, _, err := registry.CreateKey(registry.CURRENT_USER, runKey, registry.SET_VALUE)
	if err != nil {
		return fmt.Errorf("open run key: %w", err)
	}
	defer k.Close()
	return k.SetStringValue(r.name, windowsCommandLine(cmd))
}

func (r *runValue) Disable(ctx context.Context) error {
	k, err := registry.OpenKey(registry.CURRENT_USER, runKey, registry.SET_VALUE)
	if err != nil {
		return fmt.Errorf("open run key: %w", err)
	}
	defer k.Close()
	if err := k.DeleteValue(r.name); err != nil && !errors.Is(err, registry.ErrNotExist) {
		return err
	}
	return nil
}

func (r *runValue) Enabled(ctx context.Context) (bool, error) {
	k, err := registry.OpenKey(registry.CURRENT_USER, runKey, registry.QUERY_VALUE)
	if err != nil {
		return false, fmt.Errorf("open run key: %w", err)
	}
	defer k.Close()
	if _, _, err := k.GetStringValue(r.name); err != nil {
		if errors.Is(err, registry.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
