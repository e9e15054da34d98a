package control

import (
	"bufio"
	"os"
	"strings"
	"time"

	"github.com/keelos/agent/internal/coreerr"
)

const (
	osReleasePath     = "/etc/os-release"
	kernelReleasePath = "/proc/sys/kernel/osrelease"
)

// StatusInfo answers GetStatus: host, kernel, OS version, uptime.
type StatusInfo struct {
	Hostname  string        `json:"hostname"`
	Kernel    string        `json:"kernel"`
	OSVersion string        `json:"os_version"`
	Uptime    time.Duration `json:"uptime"`
}

// GetStatus reports the node's identity and how long this process has been
// running, which doubles as the node's effective uptime since PID-1 starts
// it at boot.
func (s *Server) GetStatus() (StatusInfo, error) {
	hostname, err := os.Hostname()
	if err != nil {
		return StatusInfo{}, coreerr.Wrap(coreerr.IO, "control.GetStatus", err, "reading hostname")
	}

	return StatusInfo{
		Hostname:  hostname,
		Kernel:    readFirstLine(kernelReleasePath),
		OSVersion: readOSVersion(osReleasePath),
		Uptime:    time.Since(s.StartedAt),
	}, nil
}

// Reboot issues an immediate reboot through the configured Rebooter. The
// reason is for the caller's own audit trail; this layer has no logger to
// attribute it to.
func (s *Server) Reboot(reason string) (bool, error) {
	if err := s.Rebooter.Reboot(); err != nil {
		return false, coreerr.Wrap(coreerr.IO, "control.Reboot", err, "issuing reboot")
	}
	return true, nil
}

func readOSVersion(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return "unknown"
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "PRETTY_NAME=") {
			continue
		}
		return strings.Trim(strings.TrimPrefix(line, "PRETTY_NAME="), `"`)
	}
	return "unknown"
}

func readFirstLine(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return "unknown"
	}
	return strings.TrimSpace(strings.SplitN(string(data), "\n", 2)[0])
}
