package rollback

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keelos/agent/internal/datastore"
)

func TestHistoryAppendThenListPreservesOrder(t *testing.T) {
	h := NewHistory(datastore.NewDirStore(t.TempDir()))

	require.NoError(t, h.Append(Event{Reason: "first", Success: true}))
	require.NoError(t, h.Append(Event{Reason: "second", Success: false}))

	events, err := h.List()
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "first", events[0].Reason)
	assert.Equal(t, "second", events[1].Reason)
}

func TestHistoryListEmptyWhenNeverAppended(t *testing.T) {
	h := NewHistory(datastore.NewDirStore(t.TempDir()))

	events, err := h.List()
	require.NoError(t, err)
	assert.Empty(t, events)
}
