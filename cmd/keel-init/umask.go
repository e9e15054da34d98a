package main

import "golang.org/x/sys/unix"

// setUmask restricts newly created files to owner-only access, matching the
// prototype's 0o077 umask for PID 1.
func setUmask() {
	unix.Umask(0o077)
}
