//go:build !(darwin || dragonfly || freebsd || linux || netbsd || openbsd)

package storage

// flock is a no-op where advisory file locks aren't available. The
// in-process registry still guards against concurrent opens.
func flock(uintptr, bool) error { return nil }
