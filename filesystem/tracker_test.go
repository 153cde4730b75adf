package filesystem

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTracker_FirstIDIsRoot(t *testing.T) {
	mu, tracker := newTestInstance()
	root := NewRootNode("/vol", mu, tracker)
	assert.Equal(t, RootID, root.ID())
}

func TestTracker_FromID(t *testing.T) {
	mu, tracker := newTestInstance()
	node := NewNode(nil, "/path", mu, tracker)
	child := NewNode(node, "subdir", mu, tracker)

	assert.Same(t, node, tracker.FromID(node.ID()))
	assert.Same(t, child, tracker.FromID(child.ID()))
}

func TestTracker_Count(t *testing.T) {
	mu, tracker := newTestInstance()
	assert.Equal(t, 0, tracker.Count())

	parent := NewNode(nil, "/path", mu, tracker)
	child := NewNode(parent, "subdir", mu, tracker)
	assert.Equal(t, 2, tracker.Count())

	require.True(t, child.Release(1))
	assert.Equal(t, 1, tracker.Count())
	require.True(t, parent.Release(1))
	assert.Equal(t, 0, tracker.Count())
}

func TestTracker_IDsNeverReused(t *testing.T) {
	mu, tracker := newTestInstance()

	first := NewNode(nil, "/path", mu, tracker)
	firstID := first.ID()
	require.True(t, first.Release(1))

	// A node created after a destroy must get a fresh identity, so a stale
	// ID can never alias it.
	second := NewNode(nil, "/path", mu, tracker)
	assert.NotEqual(t, firstID, second.ID())
	assert.Greater(t, second.ID(), firstID)
}
