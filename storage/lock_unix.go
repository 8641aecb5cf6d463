//go:build darwin || dragonfly || freebsd || linux || netbsd || openbsd

package storage

import "syscall"

func flock(fd uintptr, lock bool) error {
	var how = syscall.LOCK_UN
	if lock {
		how = syscall.LOCK_EX
	}
	return syscall.Flock(int(fd), how|syscall.LOCK_NB)
}
