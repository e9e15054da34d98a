package supervisor

import (
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// ReapZombies drains every already-exited child via a non-blocking wait4,
// returning the exit code of each pid it collected. Safe to call whether or
// not there are any zombies; returns immediately once none remain or ECHILD
// is reported (no children at all).
func ReapZombies() map[int]int {
	reaped := map[int]int{}
	for {
		var ws unix.WaitStatus
		pid, err := unix.Wait4(-1, &ws, unix.WNOHANG, nil)
		if err != nil {
			if err != unix.ECHILD {
				log.WithError(err).Warn("supervisor: wait4 error")
			}
			break
		}
		if pid <= 0 {
			break
		}
		reaped[pid] = ws.ExitStatus()
		log.WithField("pid", pid).WithField("exit_code", ws.ExitStatus()).Debug("supervisor: reaped zombie process")
	}
	return reaped
}
