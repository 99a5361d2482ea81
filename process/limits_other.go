//go:build !linux

package process

import "errors"

// ErrLimitsUnsupported is returned when resource limits are requested on a
// platform without prlimit.
var ErrLimitsUnsupported = errors.New("resource limits are only supported on linux")

func applyLimits(int, Limits) error {
	return ErrLimitsUnsupported
}
