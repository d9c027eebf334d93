//go:build linux && !cgo
// +build linux,!cgo

// File: affinity/affinity_linux_pure.go
// Author: momentics <momentics@gmail.com>
//
// Linux affinity without cgo, via the raw sched_setaffinity syscall. Used
// when the build disables cgo (CGO_ENABLED=0), in place of the
// pthread_setaffinity_np path in affinity_linux.go.

package affinity

import (
	"runtime"

	"golang.org/x/sys/unix"
)

func setAffinityPlatform(cpuID int) error {
	runtime.LockOSThread()
	var set unix.CPUSet
	set.Zero()
	set.Set(cpuID)
	return unix.SchedSetaffinity(0, &set)
}

func unsetAffinityPlatform() error {
	var set unix.CPUSet
	set.Zero()
	for i := 0; i < runtime.NumCPU(); i++ {
		set.Set(i)
	}
	return unix.SchedSetaffinity(0, &set)
}
