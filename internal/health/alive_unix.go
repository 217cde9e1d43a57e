//go:build !windows

package health

import (
	"bytes"
	"os"
	"runtime"
	"strconv"
	"syscall"
)

// Alive reports whether pid refers to a live, non-defunct process. A zombie
// only looks alive to signal 0, so Linux checks /proc first. Permission
// errors count as not alive: a pid this manager can not signal is not one
// of its children.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	if runtime.GOOS == "linux" && isZombieLinux(pid) {
		return false
	}
	return syscall.Kill(pid, 0) == nil
}

// isZombieLinux returns true if /proc/<pid>/status reports a zombie state (Z).
func isZombieLinux(pid int) bool {
	b, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/status")
	if err != nil {
		return false
	}
	return bytes.Contains(b, []byte("State:\tZ"))
}
