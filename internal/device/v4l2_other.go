//go:build !linux

package device

import (
	"context"
	"fmt"
	"runtime"
)

func init() {
	Register("v4l2", func(context.Context, string) (Device, error) {
		return nil, fmt.Errorf("%w: v4l2 on %s", ErrUnsupported, runtime.GOOS)
	})
}
