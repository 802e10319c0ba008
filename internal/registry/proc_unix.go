//go:build unix

package registry

import "golang.org/x/sys/unix"

// pidAlive probes a process with signal 0. EPERM means the process exists
// but belongs to another user, which still counts as alive.
func pidAlive(pid int) bool {
	err := unix.Kill(pid, 0)
	if err == nil {
		return true
	}
	return err == unix.EPERM
}
