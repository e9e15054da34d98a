package supervisor

import (
	"os"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Mounter abstracts the mount(2) syscall so tests never touch the real
// mount namespace.
type Mounter interface {
	Mount(source, target, fstype string, flags uintptr, data string) error
	MkdirAll(path string, perm uint32) error
}

// OSMounter is the production Mounter, backed directly by unix.Mount.
type OSMounter struct{}

func (OSMounter) Mount(source, target, fstype string, flags uintptr, data string) error {
	return unix.Mount(source, target, fstype, flags, data)
}

func (OSMounter) MkdirAll(path string, perm uint32) error {
	return os.MkdirAll(path, os.FileMode(perm))
}

type pseudoMount struct {
	source string
	target string
	fstype string
}

var pseudoMounts = []pseudoMount{
	{"proc", "/proc", "proc"},
	{"sysfs", "/sys", "sysfs"},
	{"devtmpfs", "/dev", "devtmpfs"},
	{"tmpfs", "/tmp", "tmpfs"},
	{"cgroup2", "/sys/fs/cgroup", "cgroup2"},
}

// MountPseudoFilesystems mounts /proc, /sys, /dev, /tmp, and the cgroup v2
// hierarchy. Every mount is attempted independently; a failure is logged as
// a warning and the sequence continues; none of these are fatal to boot.
func MountPseudoFilesystems(m Mounter) {
	for _, pm := range pseudoMounts {
		if err := m.MkdirAll(pm.target, 0755); err != nil {
			log.WithError(err).WithField("target", pm.target).Warn("supervisor: failed to create mount point")
		}
		if err := m.Mount(pm.source, pm.target, pm.fstype, 0, ""); err != nil {
			log.WithError(err).WithField("target", pm.target).Warn("supervisor: failed to mount pseudo-filesystem")
			continue
		}
		log.WithField("target", pm.target).Debug("supervisor: mounted pseudo-filesystem")
	}
}
