//go:build linux

// Package rt applies best-effort real-time hints to pulse playback.
package rt

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// LockThread pins the calling OS thread to cpu. The caller must hold the
// thread with runtime.LockOSThread.
func LockThread(cpu int) error {
	var set unix.CPUSet
	set.Zero()
	set.Set(cpu)
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		return fmt.Errorf("sched_setaffinity cpu %d: %w", cpu, err)
	}
	return nil
}

// LockMemory locks current and future pages in RAM so playback does not
// stall on page faults.
func LockMemory() error {
	if err := unix.Mlockall(unix.MCL_CURRENT | unix.MCL_FUTURE); err != nil {
		return fmt.Errorf("mlockall: %w", err)
	}
	return nil
}

// RaisePriority lowers the nice value of the process.
func RaisePriority(nice int) error {
	if err := unix.Setpriority(unix.PRIO_PROCESS, 0, nice); err != nil {
		return fmt.Errorf("setpriority %d: %w", nice, err)
	}
	return nil
}
