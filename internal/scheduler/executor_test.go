package scheduler_test

import (
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keelos/agent/internal/datastore"
	"github.com/keelos/agent/internal/partition"
	"github.com/keelos/agent/internal/scheduler"
	"github.com/keelos/agent/internal/system"
	"github.com/keelos/agent/internal/system/systest"
)

type fakeEngine struct {
	inactive       partition.Slot
	switchBootErr  error
	switchBootCalls []int
}

func (f *fakeEngine) IdentifyInactive() (partition.Slot, error) {
	return f.inactive, nil
}

func (f *fakeEngine) SwitchBoot(targetIndex int) error {
	f.switchBootCalls = append(f.switchBootCalls, targetIndex)
	return f.switchBootErr
}

func (f *fakeEngine) RecordPreviousForRollback(store *partition.RollbackStore) error {
	return nil
}

func withDeviceSizeFakes(t *testing.T) {
	t.Helper()
	origSize, origSector := partition.BlockDeviceGetSizeOf, partition.BlockDeviceGetSectorSizeOf
	partition.BlockDeviceGetSizeOf = func(*os.File) (uint64, error) { return 1 << 30, nil }
	partition.BlockDeviceGetSectorSizeOf = func(*os.File) (int, error) { return 512, nil }
	t.Cleanup(func() {
		partition.BlockDeviceGetSizeOf, partition.BlockDeviceGetSectorSizeOf = origSize, origSector
	})
}

func writeSizedFile(path string, size int64) error {
	return os.WriteFile(path, make([]byte, size), 0644)
}

func newTestExecutor(t *testing.T, engine *fakeEngine, imageBody []byte) (*scheduler.Scheduler, *scheduler.Executor, *httptest.Server) {
	t.Helper()
	dir := t.TempDir()
	store := datastore.NewJSONStore(datastore.NewDirStore(dir), "schedule.json")
	s, err := scheduler.New(store)
	require.NoError(t, err)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(imageBody)
	}))

	device := t.TempDir() + "/dev"
	require.NoError(t, writeSizedFile(device, 1<<20))
	engine.inactive = partition.Slot{Name: "B", Device: device, Index: 2}

	exec := &scheduler.Executor{
		Scheduler:     s,
		Engine:        engine,
		RollbackStore: partition.NewRollbackStore(datastore.NewDirStore(dir)),
		HTTPClient:    server.Client(),
		Commander:     system.OsCalls{},
	}
	return s, exec, server
}

func TestExecutorRunsDueJobToCompletion(t *testing.T) {
	withDeviceSizeFakes(t)

	engine := &fakeEngine{}
	s, exec, server := newTestExecutor(t, engine, []byte("image bytes"))
	defer server.Close()

	past := time.Now().Add(-time.Minute)
	job, err := s.Schedule(scheduler.ScheduleParams{SourceURL: server.URL, ScheduledAt: &past})
	require.NoError(t, err)

	exec.RunOnce(time.Now())

	list := s.List()
	require.Len(t, list, 1)
	assert.Equal(t, scheduler.Completed, list[0].State)
	assert.Equal(t, job.ID, list[0].ID)
	assert.Equal(t, []int{2}, engine.switchBootCalls)
}

func TestExecutorFailsJobOnMissedWindow(t *testing.T) {
	withDeviceSizeFakes(t)

	engine := &fakeEngine{}
	s, exec, server := newTestExecutor(t, engine, []byte("image bytes"))
	defer server.Close()

	past := time.Now().Add(-time.Hour)
	_, err := s.Schedule(scheduler.ScheduleParams{
		SourceURL:                server.URL,
		ScheduledAt:              &past,
		MaintenanceWindowSeconds: 60,
	})
	require.NoError(t, err)

	exec.RunOnce(time.Now())

	list := s.List()
	require.Len(t, list, 1)
	assert.Equal(t, scheduler.Failed, list[0].State)
	assert.Equal(t, "missed window", list[0].ErrorMessage)
	assert.Empty(t, engine.switchBootCalls)
}

func TestExecutorFailsJobOnHookFailure(t *testing.T) {
	withDeviceSizeFakes(t)

	engine := &fakeEngine{}
	s, exec, server := newTestExecutor(t, engine, []byte("image bytes"))
	defer server.Close()
	exec.Commander = systest.New("", 1)

	past := time.Now().Add(-time.Minute)
	_, err := s.Schedule(scheduler.ScheduleParams{SourceURL: server.URL, ScheduledAt: &past, PreHook: "exit 1"})
	require.NoError(t, err)

	exec.RunOnce(time.Now())

	list := s.List()
	require.Len(t, list, 1)
	assert.Equal(t, scheduler.Failed, list[0].State)
	assert.Empty(t, engine.switchBootCalls)
}
