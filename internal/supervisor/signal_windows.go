//go:build windows

package supervisor

import "syscall"

var (
	kernel32             = syscall.NewLazyDLL("kernel32.dll")
	procOpenProcess      = kernel32.NewProc("OpenProcess")
	procTerminateProcess = kernel32.NewProc("TerminateProcess")
	procCloseHandle      = kernel32.NewProc("CloseHandle")
)

const processTerminate = 0x0001

// signalGroup approximates Unix group signalling on Windows: there is no
// SIGTERM, so any termination signal maps to TerminateProcess on the root
// pid. A pid that cannot be opened is treated as already gone.
func signalGroup(pid int, _ syscall.Signal) error {
	if pid < 0 {
		pid = -pid
	}
	if pid == 0 {
		return nil
	}
	ret, _, err := procOpenProcess.Call(uintptr(processTerminate), 0, uintptr(uint32(pid)))
	if ret == 0 {
		return nil
	}
	handle := syscall.Handle(ret)
	defer func() { _, _, _ = procCloseHandle.Call(uintptr(handle)) }()
	if r, _, terr := procTerminateProcess.Call(uintptr(handle), uintptr(1)); r == 0 {
		if terr != nil {
			return terr
		}
		return err
	}
	return nil
}
