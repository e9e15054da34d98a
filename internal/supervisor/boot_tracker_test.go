package supervisor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBootTrackerRecordsPhasesInOrder(t *testing.T) {
	bt := NewBootTracker()

	bt.StartPhase("filesystem")
	time.Sleep(time.Millisecond)
	bt.StartPhase("network")
	time.Sleep(time.Millisecond)
	bt.EndCurrentPhase()

	records := bt.Records()
	require.Len(t, records, 2)
	assert.Equal(t, "filesystem", records[0].Name)
	assert.Equal(t, "network", records[1].Name)
	assert.Greater(t, records[0].Duration, time.Duration(0))
	assert.Greater(t, records[1].Duration, time.Duration(0))
}

func TestBootTrackerEndCurrentPhaseIsIdempotentWhenNothingOpen(t *testing.T) {
	bt := NewBootTracker()
	bt.EndCurrentPhase()
	assert.Empty(t, bt.Records())
}
