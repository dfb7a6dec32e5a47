//go:build unix

package worker

import "golang.org/x/sys/unix"

// setPriority renices the calling process.
func setPriority(n int) error {
	return unix.Setpriority(unix.PRIO_PROCESS, 0, n)
}
