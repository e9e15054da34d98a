// Package partition implements the A/B partition and image engine: slot
// identification, streamed/verified flashing, and the GPT boot-attribute
// switch.
package partition

import (
	"bufio"
	"io/ioutil"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/keelos/agent/internal/coreerr"
	"github.com/keelos/agent/internal/system"
	"github.com/keelos/agent/internal/utils"
)

// Slot is one of the two symbolic A/B identifiers.
type Slot struct {
	Name   string // "A" or "B"
	Device string // concrete block-device path, e.g. /dev/sda2
	Index  int    // partition index parsed from Device
}

const (
	slotNameA = "A"
	slotNameB = "B"

	partUUIDSymlinks = "/dev/disk/by-partuuid"
)

// cmdlinePath and partUUIDSymlinkDir are package vars, not consts, so tests
// can point them at a fixture instead of the real /proc and /dev.
var (
	cmdlinePath        = "/proc/cmdline"
	partUUIDSymlinkDir = partUUIDSymlinks
)

// Engine ties the partition operations together with the concrete device
// paths for slot A and slot B, and the Commander used to invoke the
// partition-table tool.
type Engine struct {
	system.StatCommander

	DeviceA string
	DeviceB string

	// PartitionTool is the sgdisk-equivalent binary name ("sgdisk" by
	// default); overridable for testing or alternate partitioning tools.
	PartitionTool string

	cachedActive   string
	cachedInactive string
}

func NewEngine(sc system.StatCommander, deviceA, deviceB, partitionTool string) *Engine {
	if partitionTool == "" {
		partitionTool = "sgdisk"
	}
	return &Engine{
		StatCommander: sc,
		DeviceA:       deviceA,
		DeviceB:       deviceB,
		PartitionTool: partitionTool,
	}
}

// IdentifyActive reads the kernel command line for root=, resolving either a
// PARTUUID= reference or a bare device path, falling back to the mount table
// for "/" and finally to slot A.
func (e *Engine) IdentifyActive() (Slot, error) {
	if e.cachedActive != "" {
		return e.slotFromDevice(e.cachedActive), nil
	}

	device, err := identifyFromCmdline(cmdlinePath)
	if err != nil {
		log.WithField("component", "partition").
			WithError(err).Debug("could not resolve root= from kernel cmdline, falling back to mount table")
		device, err = identifyFromMountTable(e.StatCommander)
	}
	if err != nil {
		log.WithField("component", "partition").
			WithError(err).Warn("could not resolve active slot, defaulting to slot A")
		device = e.DeviceA
	}

	e.cachedActive = device
	return e.slotFromDevice(device), nil
}

// IdentifyInactive is the complement of IdentifyActive over the fixed A/B
// pair.
func (e *Engine) IdentifyInactive() (Slot, error) {
	active, err := e.IdentifyActive()
	if err != nil {
		return Slot{}, err
	}
	if active.Name == slotNameA {
		return e.slotFromDevice(e.DeviceB), nil
	}
	return e.slotFromDevice(e.DeviceA), nil
}

func (e *Engine) slotFromDevice(device string) Slot {
	name := slotNameA
	if device == e.DeviceB {
		name = slotNameB
	}
	return Slot{Name: name, Device: device, Index: partitionIndex(device)}
}

// partitionIndex extracts the trailing digits of a device path, e.g.
// /dev/sda2 -> 2, /dev/nvme0n1p3 -> 3.
func partitionIndex(device string) int {
	i := len(device)
	for i > 0 && device[i-1] >= '0' && device[i-1] <= '9' {
		i--
	}
	n, err := strconv.Atoi(device[i:])
	if err != nil {
		return 0
	}
	return n
}

// identifyFromCmdline finds root= on the kernel command line and resolves it
// to a device path, either directly or via PARTUUID= symlink lookup.
func identifyFromCmdline(path string) (string, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return "", coreerr.Wrap(coreerr.IO, "partition.identifyFromCmdline", err, "reading kernel cmdline")
	}

	values := parseCmdline(data)
	root, ok := values["root"]
	if !ok || root == "" {
		return "", coreerr.New(coreerr.NotFound, "partition.identifyFromCmdline",
			errors.New("no root= parameter on kernel cmdline"))
	}

	if strings.HasPrefix(root, "PARTUUID=") {
		uuid := strings.TrimPrefix(root, "PARTUUID=")
		link := filepath.Join(partUUIDSymlinkDir, uuid)
		resolved, err := filepath.EvalSymlinks(link)
		if err != nil {
			return "", coreerr.Wrap(coreerr.NotFound, "partition.identifyFromCmdline", err,
				"resolving PARTUUID symlink")
		}
		return resolved, nil
	}

	return root, nil
}

// TestUpdateRequested reports whether the kernel cmdline carries
// test_update=1, the test-harness hook for a delayed self-test update.
func TestUpdateRequested() bool {
	data, err := ioutil.ReadFile(cmdlinePath)
	if err != nil {
		return false
	}
	values := parseCmdline(data)
	return values["test_update"] == "1"
}

// parseCmdline splits the single-line, space-separated key=value kernel
// cmdline into a map, reusing the key=value line parser by first splitting
// on whitespace the way /proc/cmdline actually presents values.
func parseCmdline(data []byte) map[string]string {
	fields := strings.Fields(string(data))

	var kv utils.KeyValParser
	_ = kv.Parse(strings.NewReader(strings.Join(fields, "\n")))

	result := map[string]string{}
	for k, v := range kv.Collect() {
		if len(v) > 0 {
			result[k] = v[len(v)-1]
		}
	}
	// Bare flags (no "=") aren't handled by KeyValParser; fold them in as
	// their own key with value "1" when KeyValParser rejected the line.
	for _, f := range fields {
		if !strings.Contains(f, "=") {
			result[f] = "1"
		}
	}
	return result
}

func identifyFromMountTable(sc system.StatCommander) (string, error) {
	cmd := sc.Command("mount")
	out, err := cmd.Output()
	if err != nil {
		return "", coreerr.Wrap(coreerr.IO, "partition.identifyFromMountTable", err, "running mount")
	}

	candidate := rootCandidateFromMount(out)
	if candidate == "" {
		return "", coreerr.New(coreerr.NotFound, "partition.identifyFromMountTable",
			errors.New("no root entry in mount table"))
	}

	rootStat, err := sc.Stat("/")
	if err != nil {
		return "", coreerr.Wrap(coreerr.IO, "partition.identifyFromMountTable", err, "stat /")
	}
	rootDev := rootStat.Sys().(*syscall.Stat_t)

	devStat, err := sc.Stat(candidate)
	if err != nil || (devStat.Mode()&os.ModeDevice) == 0 ||
		devStat.Sys().(*syscall.Stat_t).Rdev != rootDev.Dev {
		return "", coreerr.New(coreerr.NotFound, "partition.identifyFromMountTable",
			errors.New("mounted root candidate does not match root device"))
	}

	return candidate, nil
}

func rootCandidateFromMount(data []byte) string {
	scanner := bufio.NewScanner(strings.NewReader(string(data)))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) >= 3 && fields[2] == "/" {
			return fields[0]
		}
	}
	return ""
}
