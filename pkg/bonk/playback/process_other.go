//go:build !linux

package playback

import "syscall"

func playerProcAttr() *syscall.SysProcAttr {
	return nil
}
