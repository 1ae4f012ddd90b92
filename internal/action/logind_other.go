//go:build !linux

package action

import (
	"context"
	"fmt"
	"runtime"

	logx "powersched/pkg/logx"
)

func newLogind(log logx.Logger) (Executor, error) {
	return nil, fmt.Errorf("%w: logind backend on %s", ErrUnsupported, runtime.GOOS)
}

func logindReachable(ctx context.Context) bool { return false }
