//go:build linux && cgo
// +build linux,cgo

// File: affinity/affinity_linux.go
// Author: momentics <momentics@gmail.com>
//
// Linux-specific implementation for setting thread CPU affinity.

package affinity

/*
#define _GNU_SOURCE
#include <sched.h>
#include <pthread.h>
#include <errno.h>
#include <stdlib.h>

// Set calling thread's affinity to the provided CPU core.
int go_setaffinity(int cpu) {
	cpu_set_t set;
	CPU_ZERO(&set);
	CPU_SET(cpu, &set);
	return pthread_setaffinity_np(pthread_self(), sizeof(set), &set);
}

// Restore calling thread's affinity to every CPU the process may use.
int go_unsetaffinity(int ncpu) {
	cpu_set_t set;
	CPU_ZERO(&set);
	for (int i = 0; i < ncpu; i++) {
		CPU_SET(i, &set);
	}
	return pthread_setaffinity_np(pthread_self(), sizeof(set), &set);
}
*/
import "C"
import (
	"fmt"
	"runtime"
)

// setAffinityPlatform sets thread affinity to a given CPU for Linux.
func setAffinityPlatform(cpuID int) error {
	ret := C.go_setaffinity(C.int(cpuID))
	if ret != 0 {
		return fmt.Errorf("affinity: pthread_setaffinity_np failed, code %d", ret)
	}
	return nil
}

// unsetAffinityPlatform restores the calling thread to the full CPU mask.
func unsetAffinityPlatform() error {
	ret := C.go_unsetaffinity(C.int(runtime.NumCPU()))
	if ret != 0 {
		return fmt.Errorf("affinity: pthread_setaffinity_np (unset) failed, code %d", ret)
	}
	return nil
}
