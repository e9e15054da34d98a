package datastore_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keelos/agent/internal/datastore"
)

func TestWriteAllReadAllRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store := datastore.NewDirStore(dir)

	require.NoError(t, store.WriteAll("schedule.json", []byte(`{"jobs":[]}`)))

	data, err := store.ReadAll("schedule.json")
	require.NoError(t, err)
	assert.Equal(t, `{"jobs":[]}`, string(data))

	// the temp file must not remain after commit
	_, err = os.Stat(filepath.Join(dir, "schedule.json~"))
	assert.True(t, os.IsNotExist(err))
}

func TestWriteAllOverwritesAtomically(t *testing.T) {
	dir := t.TempDir()
	store := datastore.NewDirStore(dir)

	require.NoError(t, store.WriteAll("state.json", []byte("first")))
	require.NoError(t, store.WriteAll("state.json", []byte("second")))

	data, err := store.ReadAll("state.json")
	require.NoError(t, err)
	assert.Equal(t, "second", string(data))
}

func TestJSONStoreMissingFileLeavesDefault(t *testing.T) {
	dir := t.TempDir()
	js := datastore.NewJSONStore(datastore.NewDirStore(dir), "rollback.json")

	type state struct {
		Count int `json:"count"`
	}
	s := state{Count: 7}
	require.NoError(t, js.Load(&s))
	assert.Equal(t, 7, s.Count)
}

func TestJSONStoreSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	js := datastore.NewJSONStore(datastore.NewDirStore(dir), "rollback.json")

	type state struct {
		Count int `json:"count"`
	}
	require.NoError(t, js.Save(&state{Count: 3}))

	var loaded state
	require.NoError(t, js.Load(&loaded))
	assert.Equal(t, 3, loaded.Count)
}
