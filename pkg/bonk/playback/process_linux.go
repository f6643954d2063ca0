package playback

import "syscall"

// players get SIGKILL when the OS thread that spawned them exits. That is normally
// our process dying, but a locked thread ending early also triggers it
func playerProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Pdeathsig: syscall.SIGKILL}
}
