//go:build !windows

package supervisor

import "syscall"

// signalGroup signals the whole process group of pid. Children are spawned
// with their own group (or session), so -pid reaches the service and any
// grandchildren it forked.
func signalGroup(pid int, sig syscall.Signal) error {
	return syscall.Kill(-pid, sig)
}
