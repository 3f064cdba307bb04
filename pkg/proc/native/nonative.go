//go:build !linux

package native

import (
	"errors"
	"io"

	"github.com/go-delve/dbgcore/pkg/proc"
)

// ErrNativeBackendDisabled is returned when the native backend is not
// available on the operating system.
var ErrNativeBackendDisabled = errors.New("native backend not available on this operating system")

// Factory returns a factory that always fails with
// ErrNativeBackendDisabled.
func Factory(ttyOut io.Writer) proc.BackendFactory {
	return func(sink proc.StateSink) (*proc.Backend, error) {
		return nil, ErrNativeBackendDisabled
	}
}
