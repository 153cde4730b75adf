package filesystem

import (
	"strings"
	"sync"

	"github.com/mediabridge/mediafs/internal/util"
)

// Node is one entry of the in-memory tree backing a mounted instance: a
// file, a directory, or the synthetic root. Its tracker ID doubles as the
// kernel-visible node ID, and its refcount mirrors the kernel's lookup
// count: every lookup answer and every directory entry exported to the
// kernel holds one claim, dropped again by a later forget.
//
// All nodes of one instance share a single structural mutex. Exported
// methods take it; the *Locked variants assume the caller holds it, which
// is how structural operations compose without a reentrant lock (attaching
// a child acquires on the parent from within the child's critical section).
type Node struct {
	mu      *sync.Mutex // shared, instance-wide structural lock
	tracker *NodeTracker
	id      uint64

	name       string // unique among siblings, compared case-insensitively
	parent     *Node  // nil for a root
	children   []*Node
	refcount   uint32
	deleted    bool
	handles    []*Handle
	dirhandles []*DirHandle
}

// NewNode creates a node and attaches it under parent, all inside one
// critical section so creation, tracking and parent linkage are atomic.
// The new node starts with a single claim (its own lookup export).
func NewNode(parent *Node, name string, mu *sync.Mutex, tracker *NodeTracker) *Node {
	mu.Lock()
	defer mu.Unlock()
	return newNodeLocked(parent, name, mu, tracker)
}

// NewRootNode creates a parentless node whose name is the absolute path of
// the backing root. Roots carry one extra permanent claim so transient
// lookup churn can never collect them.
func NewRootNode(path string, mu *sync.Mutex, tracker *NodeTracker) *Node {
	mu.Lock()
	defer mu.Unlock()
	root := newNodeLocked(nil, path, mu, tracker)
	root.acquireLocked()
	return root
}

func newNodeLocked(parent *Node, name string, mu *sync.Mutex, tracker *NodeTracker) *Node {
	n := &Node{
		mu:      mu,
		tracker: tracker,
		name:    name,
	}
	n.id = tracker.nodeCreated(n)
	n.acquireLocked()
	if parent != nil {
		n.addToParentLocked(parent)
	}
	return n
}

// ID returns the kernel-visible node ID. Stable for the node's whole
// lifetime and never reassigned afterwards.
func (n *Node) ID() uint64 {
	return n.id
}

func (n *Node) Name() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.name
}

func (n *Node) Parent() *Node {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.parent
}

func (n *Node) IsDeleted() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.deleted
}

// Acquire adds one claim to the node. Called whenever a new reference is
// exported to the kernel (lookup answers, readdirplus entries).
func (n *Node) Acquire() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.acquireLocked()
}

func (n *Node) acquireLocked() {
	n.refcount++
}

// Release drops count claims. Returns true iff the refcount reached zero
// and the node was destroyed, meaning no reference to it may be used again.
// Dropping more claims than are held is caller misuse: it is logged and the
// refcount is left unchanged rather than underflowing.
func (n *Node) Release(count uint32) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.releaseLocked(count)
}

func (n *Node) releaseLocked(count uint32) bool {
	if n.refcount < count {
		logger := util.GetLogger("Node")
		logger.Error().
			Uint64("id", n.id).
			Uint32("refcount", n.refcount).
			Uint32("count", count).
			Msg("Mismatched reference count on release")
		return false
	}
	n.refcount -= count
	if n.refcount == 0 {
		n.destroyLocked()
		return true
	}
	return false
}

// destroyLocked tears the node down: detach from the parent (dropping the
// claim held on it), release every remaining I/O session, and deregister
// from the tracker. After this returns the node must not be touched.
func (n *Node) destroyLocked() {
	n.removeFromParentLocked()
	for _, h := range n.handles {
		h.close()
	}
	n.handles = nil
	for _, d := range n.dirhandles {
		d.close()
	}
	n.dirhandles = nil
	n.tracker.nodeDestroyed(n)
}

// addToParentLocked links an unparented node under parent and takes one
// claim on the parent, so a parent outlives all of its children.
func (n *Node) addToParentLocked(parent *Node) {
	logger := util.GetLogger("Node")
	if n.parent != nil {
		logger.Fatal().Uint64("id", n.id).Msg("Node is already parented")
	}
	if parent == nil {
		logger.Fatal().Uint64("id", n.id).Msg("Cannot attach node to nil parent")
	}
	n.tracker.CheckTracked(parent.id)

	n.parent = parent
	parent.children = append(parent.children, n)
	parent.acquireLocked()
}

// removeFromParentLocked unlinks the node from its parent, if any, and
// drops the claim held on it. The parent's child list containing the node
// is an invariant of being parented; a miss means the tree is corrupted.
func (n *Node) removeFromParentLocked() {
	if n.parent == nil {
		return
	}
	children := n.parent.children
	idx := -1
	for i, child := range children {
		if child == n {
			idx = i
			break
		}
	}
	if idx < 0 {
		logger := util.GetLogger("Node")
		logger.Fatal().Uint64("id", n.id).Uint64("parent", n.parent.id).
			Msg("Node missing from its parent's children")
	}
	n.parent.children = append(children[:idx], children[idx+1:]...)
	n.parent.releaseLocked(1)
	n.parent = nil
}

// LookupChildByName scans the direct children for a name match, ignoring
// case and skipping entries marked deleted. With acquire set, the claim is
// taken inside the same critical section as the scan, so a concurrent
// release-to-zero cannot destroy the child between finding and claiming it.
func (n *Node) LookupChildByName(name string, acquire bool) *Node {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.lookupChildByNameLocked(name, acquire)
}

func (n *Node) lookupChildByNameLocked(name string, acquire bool) *Node {
	for _, child := range n.children {
		if !child.deleted && strings.EqualFold(child.name, name) {
			if acquire {
				child.acquireLocked()
			}
			return child
		}
	}
	return nil
}

// AcquireOrCreateChild returns the live child with the given name after
// taking a claim on it, creating and attaching it first if no such child
// exists. Search, creation and acquisition happen in one critical section
// so two concurrent lookups of the same name always resolve to one node.
// A freshly created child is returned with its initial claim standing in
// for the caller's.
func (n *Node) AcquireOrCreateChild(name string) *Node {
	n.mu.Lock()
	defer n.mu.Unlock()
	if child := n.lookupChildByNameLocked(name, true); child != nil {
		return child
	}
	return newNodeLocked(n, name, n.mu, n.tracker)
}

// SetDeleted hides the node from name lookups. It stays attached to its
// parent and keeps its sessions and claims; holders of existing references
// can keep using it until the last claim is dropped.
func (n *Node) SetDeleted() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.deleted = true
}

// Rename gives the node a new name and, if newParent differs from the
// current parent, moves it atomically: the old parent loses the child (and
// one claim), the new parent gains both. The node's own refcount is
// untouched.
func (n *Node) Rename(name string, newParent *Node) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.name = name
	if newParent != n.parent {
		n.removeFromParentLocked()
		n.addToParentLocked(newParent)
	}
}

// AddHandle attaches an open-file session. The node owns the handle from
// here on; it is closed by DestroyHandle or when the node is destroyed.
func (n *Node) AddHandle(h *Handle) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if h == nil {
		logger := util.GetLogger("Node")
		logger.Fatal().Uint64("id", n.id).Msg("Cannot attach nil handle")
	}
	n.handles = append(n.handles, h)
}

// DestroyHandle closes and detaches an open-file session. Destroying a
// handle the node does not own is a double-destroy and fatal.
func (n *Node) DestroyHandle(h *Handle) {
	n.mu.Lock()
	defer n.mu.Unlock()

	for i, cur := range n.handles {
		if cur == h {
			n.handles = append(n.handles[:i], n.handles[i+1:]...)
			h.close()
			return
		}
	}
	logger := util.GetLogger("Node")
	logger.Fatal().Uint64("id", n.id).Msg("Destroyed handle not attached to node")
}

// HasCachedHandle reports whether any attached file session permits kernel
// caching. The dispatch layer uses this to keep cache modes of concurrent
// opens on the same node consistent.
func (n *Node) HasCachedHandle() bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	for _, h := range n.handles {
		if h.cached {
			return true
		}
	}
	return false
}

// AddDirHandle attaches an open-directory session.
func (n *Node) AddDirHandle(d *DirHandle) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if d == nil {
		logger := util.GetLogger("Node")
		logger.Fatal().Uint64("id", n.id).Msg("Cannot attach nil dir handle")
	}
	n.dirhandles = append(n.dirhandles, d)
}

// DestroyDirHandle closes and detaches an open-directory session. Fatal if
// the session is not attached to this node.
func (n *Node) DestroyDirHandle(d *DirHandle) {
	n.mu.Lock()
	defer n.mu.Unlock()

	for i, cur := range n.dirhandles {
		if cur == d {
			n.dirhandles = append(n.dirhandles[:i], n.dirhandles[i+1:]...)
			d.close()
			return
		}
	}
	logger := util.GetLogger("Node")
	logger.Fatal().Uint64("id", n.id).Msg("Destroyed dir handle not attached to node")
}

// DeleteTree destroys tree and every node below it regardless of refcounts,
// releasing all of their sessions. This is the unmount teardown path, not
// the normal refcount-driven one; afterwards no reference into the subtree
// may be used.
func DeleteTree(tree *Node) {
	if tree == nil {
		return
	}
	tree.mu.Lock()
	defer tree.mu.Unlock()
	deleteTreeLocked(tree)
}

func deleteTreeLocked(tree *Node) {
	// Children detach themselves from tree as they are destroyed, so
	// iterate over a copy.
	children := make([]*Node, len(tree.children))
	copy(children, tree.children)
	for _, child := range children {
		deleteTreeLocked(child)
	}
	if len(tree.children) != 0 {
		logger := util.GetLogger("Node")
		logger.Fatal().Uint64("id", tree.id).Msg("Subtree teardown left children behind")
	}
	tree.destroyLocked()
}
