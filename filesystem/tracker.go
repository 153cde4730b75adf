package filesystem

import (
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/mediabridge/mediafs/internal/util"
)

// RootID is the node ID the kernel uses for the mount root. The tracker
// hands it to the first node registered, so the root node must be created
// before any other node of the same instance.
const RootID uint64 = 1

// NodeTracker is the registry of live nodes for one filesystem instance.
// It owns the mapping between kernel-visible node IDs and in-memory nodes
// and exists so that every dereference of an ID can assert the node behind
// it has not been destroyed. IDs are allocated from a monotonic counter and
// never reused, so a stale ID from the kernel can never alias a newer node.
type NodeTracker struct {
	nodes  *xsync.Map[uint64, *Node]
	lastID atomic.Uint64
}

func NewNodeTracker() *NodeTracker {
	return &NodeTracker{nodes: xsync.NewMap[uint64, *Node]()}
}

// FromID maps a kernel node ID to its live node. The ID must refer to a
// node that has not been destroyed; anything else means the kernel and this
// instance disagree about liveness and continuing would operate on freed
// state, so the process is terminated.
func (t *NodeTracker) FromID(id uint64) *Node {
	node, ok := t.nodes.Load(id)
	if !ok {
		logger := util.GetLogger("NodeTracker")
		logger.Fatal().Uint64("id", id).Msg("Node ID is not live")
	}
	return node
}

// CheckTracked asserts that id refers to a live node.
func (t *NodeTracker) CheckTracked(id uint64) {
	if _, ok := t.nodes.Load(id); !ok {
		logger := util.GetLogger("NodeTracker")
		logger.Fatal().Uint64("id", id).Msg("Node ID is not live")
	}
}

// Count returns the number of currently live nodes.
func (t *NodeTracker) Count() int {
	return t.nodes.Size()
}

// nodeCreated allocates an ID for a freshly constructed node and registers
// it. Called exactly once, from the node constructor.
func (t *NodeTracker) nodeCreated(n *Node) uint64 {
	id := t.lastID.Add(1)
	if _, loaded := t.nodes.LoadOrStore(id, n); loaded {
		logger := util.GetLogger("NodeTracker")
		logger.Fatal().Uint64("id", id).Msg("Node ID already live")
	}
	logger := util.GetLogger("NodeTracker")
	logger.Debug().Uint64("id", id).Msg("Node created")
	return id
}

// nodeDestroyed removes a node from the registry. Called exactly once, when
// the node is destroyed; a second call for the same node is a double-destroy
// and fatal.
func (t *NodeTracker) nodeDestroyed(n *Node) {
	logger := util.GetLogger("NodeTracker")
	if _, ok := t.nodes.LoadAndDelete(n.id); !ok {
		logger.Fatal().Uint64("id", n.id).Msg("Destroyed node was not live")
	}
	logger.Debug().Uint64("id", n.id).Msg("Node destroyed")
}
