//go:build linux

package sandbox

import (
	"os"
	"strings"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// sysProcAttr puts the worker in its own process group so a timeout can kill
// everything it spawned. With isolate, the worker also gets private user and
// network namespaces: it sees only a loopback interface.
func sysProcAttr(isolate bool) *syscall.SysProcAttr {
	attr := &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGKILL,
	}
	if isolate {
		attr.Cloneflags = syscall.CLONE_NEWUSER | syscall.CLONE_NEWNET
		attr.UidMappings = []syscall.SysProcIDMap{{ContainerID: os.Getuid(), HostID: os.Getuid(), Size: 1}}
		attr.GidMappings = []syscall.SysProcIDMap{{ContainerID: os.Getgid(), HostID: os.Getgid(), Size: 1}}
	}
	return attr
}

var (
	isolateOnce sync.Once
	isolateOK   bool
)

// canIsolate reports whether unprivileged user namespaces are enabled.
func canIsolate() bool {
	isolateOnce.Do(func() {
		isolateOK = true
		for _, path := range []string{"/proc/sys/kernel/unprivileged_userns_clone", "/proc/sys/user/max_user_namespaces"} {
			b, err := os.ReadFile(path)
			if err == nil && strings.TrimSpace(string(b)) == "0" {
				isolateOK = false
			}
		}
	})
	return isolateOK
}

// limitMemory caps the worker's address space. It is applied right after
// start, so allocations made before that point are not counted against it.
func limitMemory(pid, mb int) error {
	n := uint64(mb) << 20
	return unix.Prlimit(pid, unix.RLIMIT_AS, &unix.Rlimit{Cur: n, Max: n}, nil)
}

func killGroup(pid int) error {
	return syscall.Kill(-pid, syscall.SIGKILL)
}
