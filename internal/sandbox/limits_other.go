//go:build unix && !linux

package sandbox

import "syscall"

func sysProcAttr(bool) *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}

// canIsolate is false: network namespaces are Linux only.
func canIsolate() bool { return false }

// limitMemory is a no-op outside Linux.
func limitMemory(int, int) error { return nil }

func killGroup(pid int) error {
	return syscall.Kill(-pid, syscall.SIGKILL)
}
