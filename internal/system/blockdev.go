package system

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

const (
	// ioctl magics from <linux/fs.h>
	ioctlFIFREEZE = 0xC0045877 // _IOWR('X', 119, int)
	ioctlFITHAW   = 0xC0045878 // _IOWR('X', 120, int)
)

// ErrNotBlockDevice is returned by the sizing helpers when the file
// descriptor they were given does not refer to a block device.
var ErrNotBlockDevice = errors.New("system: not a block device")

// GetBlockDeviceSectorSize returns the logical sector size of the block
// device backing file, used by partition flashing to sector-align writes.
func GetBlockDeviceSectorSize(file *os.File) (int, error) {
	size, err := ioctlRead(file.Fd(), unix.BLKSSZGET)
	if err != nil {
		return 0, err
	}
	return int(size), nil
}

// GetBlockDeviceSize returns the size in bytes of the block device backing
// file, used to bound streamed writes to the target slot.
func GetBlockDeviceSize(file *os.File) (uint64, error) {
	return ioctlRead(file.Fd(), unix.BLKGETSIZE64)
}

func ioctlRead(fd uintptr, request uint32) (uint64, error) {
	size, err := unix.IoctlGetInt(int(fd), request)
	if err != nil {
		if err == unix.ENOTTY {
			return 0, ErrNotBlockDevice
		}
		return 0, errors.Wrap(err, "system: ioctl failed")
	}
	return uint64(size), nil
}

// FreezeFS freezes the filesystem rooted at fsRootPath, blocking further
// writes until ThawFS is called. No caller in this repository uses it;
// SwitchBoot flips the boot attribute without freezing any filesystem.
func FreezeFS(fsRootPath string) error {
	fd, err := unix.Open(fsRootPath, unix.O_DIRECTORY, 0)
	if err != nil {
		return errors.Wrap(err, "system: open for freeze")
	}
	defer unix.Close(fd)

	if err := unix.IoctlSetInt(fd, ioctlFIFREEZE, 0); err != nil {
		return errors.Wrap(err, "system: freezing filesystem")
	}
	return nil
}

// ThawFS reverses FreezeFS. A failure here is unrecoverable short of a
// manual `fsfreeze -u` or a reboot.
func ThawFS(fsRootPath string) error {
	fd, err := unix.Open(fsRootPath, unix.O_DIRECTORY, 0)
	if err != nil {
		return errors.Wrap(err, "system: open for thaw")
	}
	defer unix.Close(fd)

	if err := unix.IoctlSetInt(fd, ioctlFITHAW, 0); err != nil {
		return errors.Wrap(err, "system: thawing filesystem")
	}
	return nil
}

// GetFSDevFile resolves the block device backing the filesystem mounted at
// fsRootPath. No caller in this repository uses it; partition.IdentifyActive
// falls back to the mount table instead.
func GetFSDevFile(fsRootPath string) (string, error) {
	var statfs unix.Statfs_t
	var stat unix.Stat_t

	if err := unix.Statfs(fsRootPath, &statfs); err != nil {
		return "", errors.Wrap(err, "system: statfs")
	}
	if err := unix.Stat(fsRootPath, &stat); err != nil {
		return "", errors.Wrap(err, "system: stat")
	}

	major := unix.Major(stat.Dev)
	minor := unix.Minor(stat.Dev)

	devPath, err := filepath.EvalSymlinks(fmt.Sprintf("/dev/block/%d:%d", major, minor))
	if err != nil {
		return "", errors.Wrap(err, "system: resolving device file")
	}
	return devPath, nil
}
