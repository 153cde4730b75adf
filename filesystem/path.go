package filesystem

import (
	"strconv"
	"strings"
)

// BuildPath ascends from the node to its root and returns the full backing
// path. The root's name is itself an absolute path, so the result is
// absolute. Works on deleted nodes too: they keep their last name and
// ancestry until destroyed.
func (n *Node) BuildPath() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.buildPathLocked(false)
}

// BuildSafePath is BuildPath with every segment below the root replaced by
// a placeholder derived from the node ID. File names are user data and must
// not reach logs; the IDs keep the depth and identity of the chain visible
// for diagnostics.
func (n *Node) BuildSafePath() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.buildPathLocked(true)
}

func (n *Node) buildPathLocked(safe bool) string {
	segments := make([]string, 0, 8)
	node := n
	for node.parent != nil {
		if safe {
			segments = append(segments, "redacted_"+strconv.FormatUint(node.id, 10))
		} else {
			segments = append(segments, node.name)
		}
		node = node.parent
	}
	// node is now the root; its name is kept verbatim either way.
	var sb strings.Builder
	sb.WriteString(node.name)
	for i := len(segments) - 1; i >= 0; i-- {
		sb.WriteString("/")
		sb.WriteString(segments[i])
	}
	return sb.String()
}

// LookupAbsolutePath resolves an absolute backing path to a node by
// descending from root one segment at a time, without acquiring. The path
// must start with the root's own absolute name. Returns nil if any segment
// is missing or names a deleted entry. Empty segments (doubled or trailing
// separators) are skipped.
func LookupAbsolutePath(root *Node, absolutePath string) *Node {
	root.mu.Lock()
	defer root.mu.Unlock()

	if !strings.HasPrefix(absolutePath, root.name) {
		return nil
	}
	node := root
	for _, segment := range strings.Split(absolutePath[len(root.name):], "/") {
		if segment == "" {
			continue
		}
		node = node.lookupChildByNameLocked(segment, false)
		if node == nil {
			return nil
		}
	}
	return node
}
