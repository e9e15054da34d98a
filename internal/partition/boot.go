package partition

import (
	"os/exec"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/keelos/agent/internal/coreerr"
	"github.com/keelos/agent/internal/datastore"
)

// RollbackRecord is the persisted tuple tracking what to roll back to and
// how many times the node has booted since the counter was last reset.
type RollbackRecord struct {
	PreviousPartition *int       `json:"previous_partition"`
	BootCounter       int        `json:"boot_counter"`
	LastUpdateTime    *time.Time `json:"last_update_time"`
}

// BootLoopThreshold is the boot_counter value at or above which a node is
// considered to be in a boot loop; keel-init uses this to decide whether the
// cluster agent is worth respawning this boot.
const BootLoopThreshold = 3

// RollbackStore persists a RollbackRecord via write-then-rename.
type RollbackStore struct {
	js *datastore.JSONStore
}

func NewRollbackStore(dir *datastore.DirStore) *RollbackStore {
	return &RollbackStore{js: datastore.NewJSONStore(dir, "rollback.json")}
}

func (s *RollbackStore) Load() (RollbackRecord, error) {
	var rec RollbackRecord
	if err := s.js.Load(&rec); err != nil {
		return RollbackRecord{}, coreerr.Wrap(coreerr.IO, "partition.RollbackStore.Load", err, "loading rollback state")
	}
	return rec, nil
}

func (s *RollbackStore) Save(rec RollbackRecord) error {
	if err := s.js.Save(&rec); err != nil {
		return coreerr.Wrap(coreerr.IO, "partition.RollbackStore.Save", err, "persisting rollback state")
	}
	return nil
}

// IncrementBootCounter bumps the persisted boot counter by one and returns
// the new value. keel-init calls this once per boot, before spawning
// children, so the counter reflects consecutive boots since the last
// successful health window (rollback.Supervisor resets it to 0 after a
// boot check that is not Unhealthy, and RollbackToPrevious after a rollback).
func (s *RollbackStore) IncrementBootCounter() (int, error) {
	rec, err := s.Load()
	if err != nil {
		return 0, err
	}
	rec.BootCounter++
	if err := s.Save(rec); err != nil {
		return 0, err
	}
	return rec.BootCounter, nil
}

// legacyBIOSBootableBit is the GPT partition attribute bit (per the GPT
// spec, bit 2) marking a partition legacy-BIOS-bootable.
const legacyBIOSBootableBit = 2

// SwitchBoot clears the legacy-BIOS-bootable attribute on the slot not
// named by targetIndex, then sets it on the target. Setting the target is
// the authoritative step: its failure is fatal to the caller, while
// clearing the other slot is best-effort only.
func (e *Engine) SwitchBoot(targetIndex int) error {
	otherIndex := e.otherIndex(targetIndex)

	if otherIndex != 0 {
		if err := e.runPartitionTool("-A", attributeFlag(otherIndex, false)); err != nil {
			log.WithField("component", "partition").WithError(err).
				Warnf("failed to clear boot attribute on partition %d (best-effort)", otherIndex)
		}
	}

	if err := e.runPartitionTool("-A", attributeFlag(targetIndex, true)); err != nil {
		return err
	}

	log.WithField("component", "partition").Infof("switched boot target to partition %d", targetIndex)
	return nil
}

func (e *Engine) otherIndex(targetIndex int) int {
	aIdx := partitionIndex(e.DeviceA)
	bIdx := partitionIndex(e.DeviceB)
	if targetIndex == aIdx {
		return bIdx
	}
	if targetIndex == bIdx {
		return aIdx
	}
	return 0
}

func attributeFlag(partitionIndex int, set bool) string {
	action := "clear"
	if set {
		action = "set"
	}
	return itoa(partitionIndex) + ":" + action + ":" + itoa(legacyBIOSBootableBit)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var digits []byte
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	if neg {
		digits = append([]byte{'-'}, digits...)
	}
	return string(digits)
}

func (e *Engine) runPartitionTool(args ...string) error {
	cmd := e.Command(e.PartitionTool, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return coreerr.Wrap(coreerr.NotFound, "partition.runPartitionTool", err,
				e.PartitionTool+" not found")
		}
		return coreerr.Wrap(coreerr.PartitionTableFailure, "partition.runPartitionTool", err, string(out))
	}
	return nil
}

// RecordPreviousForRollback captures the currently-active slot index into
// the persisted RollbackRecord. Must happen strictly before SwitchBoot.
func (e *Engine) RecordPreviousForRollback(store *RollbackStore) error {
	active, err := e.IdentifyActive()
	if err != nil {
		return err
	}

	rec, err := store.Load()
	if err != nil {
		return err
	}

	idx := active.Index
	rec.PreviousPartition = &idx
	now := time.Now()
	rec.LastUpdateTime = &now

	return store.Save(rec)
}

// RollbackToPrevious reads the RollbackRecord and, if a previous partition
// is present, switches boot back to it, clearing the record and resetting
// the boot counter. Fails with NotFound if no record is present.
func (e *Engine) RollbackToPrevious(store *RollbackStore) error {
	rec, err := store.Load()
	if err != nil {
		return err
	}
	if rec.PreviousPartition == nil {
		return coreerr.New(coreerr.NotFound, "partition.RollbackToPrevious",
			errors.New("no previous partition recorded"))
	}

	if err := e.SwitchBoot(*rec.PreviousPartition); err != nil {
		return err
	}

	rec.PreviousPartition = nil
	rec.BootCounter = 0
	return store.Save(rec)
}
