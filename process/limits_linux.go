//go:build linux

package process

import (
	"fmt"

	"golang.org/x/sys/unix"
)

func applyLimits(pid int, limits Limits) error {
	set := func(resource int, value uint64, name string) error {
		if value == 0 {
			return nil
		}
		rlim := &unix.Rlimit{Cur: value, Max: value}
		if err := unix.Prlimit(pid, resource, rlim, nil); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		return nil
	}
	if err := set(unix.RLIMIT_AS, limits.MemoryBytes, "memory"); err != nil {
		return err
	}
	if err := set(unix.RLIMIT_CPU, limits.CPUSeconds, "cpu"); err != nil {
		return err
	}
	return set(unix.RLIMIT_NOFILE, limits.OpenFiles, "open files")
}
