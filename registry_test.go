package memgate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryRegisterAndLookup(t *testing.T) {
	r := newRegistry()

	require.NoError(t, r.register(1, TaskResultCompute, nil))
	require.NoError(t, r.register(2, TaskShuffleRead, nil))

	assert.True(t, r.isRunning(1))
	assert.True(t, r.isRunning(2))
	assert.False(t, r.isRunning(3))

	rec, ok := r.lookup(2)
	require.True(t, ok)
	assert.Equal(t, TaskShuffleRead, rec.kind)
}

func TestRegistryDuplicateRegistrationIsError(t *testing.T) {
	r := newRegistry()

	require.NoError(t, r.register(7, TaskResultCompute, nil))
	assert.Error(t, r.register(7, TaskShuffleRead, nil))

	// The original record survives the rejected duplicate.
	rec, ok := r.lookup(7)
	require.True(t, ok)
	assert.Equal(t, TaskResultCompute, rec.kind)
}

func TestRegistryRunningSnapshotIsSorted(t *testing.T) {
	r := newRegistry()
	for _, id := range []TaskID{9, 3, 27, 1} {
		require.NoError(t, r.register(id, TaskResultCompute, nil))
	}

	assert.Equal(t, []TaskID{1, 3, 9, 27}, r.running())

	r.deregister(3)
	assert.Equal(t, []TaskID{1, 9, 27}, r.running())
	assert.False(t, r.isRunning(3))
}

func TestRegistryDeregisterUnknownIsNoop(t *testing.T) {
	r := newRegistry()
	r.deregister(42)
	assert.Empty(t, r.running())
}
