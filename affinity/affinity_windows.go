//go:build windows
// +build windows

// File: affinity/affinity_windows.go
// Author: momentics <momentics@gmail.com>
//
// Windows-specific implementation for setting thread CPU affinity.

package affinity

import (
	"runtime"
	"syscall"
)

var (
	kernel32                  = syscall.NewLazyDLL("kernel32.dll")
	procSetThreadAffinityMask = kernel32.NewProc("SetThreadAffinityMask")
	procGetCurrentThread      = kernel32.NewProc("GetCurrentThread")
)

// setAffinityPlatform sets thread affinity to a given CPU for Windows.
func setAffinityPlatform(cpuID int) error {
	hThread, _, _ := procGetCurrentThread.Call()
	mask := uintptr(1) << cpuID
	ret, _, err := procSetThreadAffinityMask.Call(hThread, mask)
	if ret == 0 {
		return err
	}
	return nil
}

// unsetAffinityPlatform restores the full CPU mask for the calling thread.
func unsetAffinityPlatform() error {
	hThread, _, _ := procGetCurrentThread.Call()
	mask := uintptr(1)<<uint(runtime.NumCPU()) - 1
	ret, _, err := procSetThreadAffinityMask.Call(hThread, mask)
	if ret == 0 {
		return err
	}
	return nil
}
