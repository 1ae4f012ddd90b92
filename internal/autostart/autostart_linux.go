//go:build linux

package autostart

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/coreos/go-systemd/v22/dbus"
)

// unitBus is the subset of the systemd D-Bus API used here.
type unitBus interface {
	ReloadContext(ctx context.Context) error
	EnableUnitFilesContext(ctx context.Context, files []string, runtime, force bool) (bool, []dbus.EnableUnitFileChange, error)
	DisableUnitFilesContext(ctx context.Context, files []string, runtime bool) ([]dbus.DisableUnitFileChange, error)
	ListUnitFilesByPatternsContext(ctx context.Context, states, patterns []string) ([]dbus.UnitFile, error)
	Close()
}

type systemdUser struct {
	name    string
	unitDir string
	dial    func(ctx context.Context) (unitBus, error)
}

// New returns the systemd user-unit registrar.
func New(name string) (Registrar, error) {
	if strings.TrimSpace(name) == "" {
		name = DefaultName
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return nil, fmt.Errorf("autostart: %w", err)
	}
	return &systemdUser{
		name:    name,
		unitDir: filepath.Join(dir, "systemd", "user"),
		dial: func(ctx context.Context) (unitBus, error) {
			return dbus.NewUserConnectionContext(ctx)
		},
	}, nil
}

func (s *systemdUser) unitName() string { return s.name + ".service" }
func (s *systemdUser) Location() string { return filepath.Join(s.unitDir, s.unitName()) }

func (s *systemdUser) Enable(ctx context.Context, cmd Command) error {
	if err := cmd.validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(s.unitDir, 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(s.Location(), []byte(renderUnit(s.name, cmd)), 0o644); err != nil {
		return fmt.Errorf("write unit: %w", err)
	}

	conn, err := s.dial(ctx)
	if err != nil {
		return fmt.Errorf("connect to systemd user manager: %w", err)
	}
	defer conn.Close()

	if err := conn.ReloadContext(ctx); err != nil {
		return fmt.Errorf("reload systemd user manager: %w", err)
	}
	if _, _, err := conn.EnableUnitFilesContext(ctx, []string{s.unitName()}, false, true); err != nil {
		return fmt.Errorf("enable %s: %w", s.unitName(), err)
	}
	return nil
}

func (s *systemdUser) Disable(ctx context.Context) error {
	conn, err := s.dial(ctx)
	if err != nil {
		return fmt.Errorf("connect to systemd user manager: %w", err)
	}
	defer conn.Close()

	if _, err := conn.DisableUnitFilesContext(ctx, []string{s.unitName()}, false); err != nil {
		return fmt.Errorf("disable %s: %w", s.unitName(), err)
	}
	if err := os.Remove(s.Location()); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	if err := conn.ReloadContext(ctx); err != nil {
		return fmt.Errorf("disabled %s but failed to reload: %w", s.unitName(), err)
	}
	return nil
}

func (s *systemdUser) Enabled(ctx context.Context) (bool, error) {
	conn, err := s.dial(ctx)
	if err != nil {
		return false, fmt.Errorf("connect to systemd user manager: %w", err)
	}
	defer conn.Close()

	files, err := conn.ListUnitFilesByPatternsContext(ctx, nil, []string{s.unitName()})
	if err != nil {
		return false, err
	}
	for _, f := range files {
		if f.Path == s.unitName() || strings.HasSuffix(f.Path, "/"+s.unitName()) {
			return f.Type == "enabled", nil
		}
	}
	return false, nil
}
