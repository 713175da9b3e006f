//go:build linux

package priority

import (
	"fmt"

	"golang.org/x/sys/unix"
)

const (
	// lowestNiceness is the weakest CPU scheduling priority.
	lowestNiceness = 19
	// ioprioWhoProcess selects a single process as the ioprio_set target.
	ioprioWhoProcess = 1
	// ioprioClassIdle only serves I/O when no other process needs the disk.
	ioprioClassIdle = 3
	// ioprioClassShift is the position of the class within the priority value.
	ioprioClassShift = 13
)

// Lower switches the calling process to niceness 19 and the idle I/O class:
// - CPU: setpriority(PRIO_PROCESS, 0, 19)
// - I/O: ioprio_set(IOPRIO_WHO_PROCESS, 0, IOPRIO_CLASS_IDLE)
func Lower() error {
	if err := unix.Setpriority(unix.PRIO_PROCESS, 0, lowestNiceness); err != nil {
		return fmt.Errorf("set niceness: %w", err)
	}

	_, _, errno := unix.Syscall(unix.SYS_IOPRIO_SET, ioprioWhoProcess, 0, ioprioClassIdle<<ioprioClassShift)
	if errno != 0 {
		return fmt.Errorf("set io priority: %w", errno)
	}

	return nil
}

// Sync flushes filesystem buffers to disk.
func Sync() error {
	unix.Sync()

	return nil
}
