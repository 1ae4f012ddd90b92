//go:build !linux && !windows

package autostart

// New reports ErrUnsupported.
func New(name string) (Registrar, error) {
	return nil, ErrUnsupported
}
