//go:build !linux

package platform

import (
	"errors"
	"fmt"
	"runtime"
)

// ErrUnsupported reports that kernel isolation is not available on this
// platform.
var ErrUnsupported = errors.New("isolation is only supported on linux")

// New returns an error on non-Linux platforms.
func New() (Platform, error) {
	return nil, fmt.Errorf("%w (running on %s)", ErrUnsupported, runtime.GOOS)
}
