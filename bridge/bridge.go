// Package bridge translates kernel FUSE requests into operations on the
// node graph. It owns nothing but bookkeeping: file content lives in the
// backing source tree, redaction decisions come from the resolver, and node
// lifetime follows the kernel's lookup/forget accounting.
package bridge

import (
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/puzpuzpuz/xsync/v4"
	"golang.org/x/sys/unix"

	"github.com/mediabridge/mediafs/config"
	"github.com/mediabridge/mediafs/filesystem"
	"github.com/mediabridge/mediafs/internal/util"
	"github.com/mediabridge/mediafs/redaction"
)

// RedactionResolver computes which byte ranges of a backing file must stay
// hidden from a given caller. Implemented by the media catalog layer; the
// bridge only attaches the result to the opened handle.
type RedactionResolver interface {
	RedactionInfo(caller *fuse.Caller, path string) (*redaction.Info, error)
}

// AllowAll is a RedactionResolver that never redacts anything. Useful for
// trusted callers and tests.
type AllowAll struct{}

func (AllowAll) RedactionInfo(*fuse.Caller, string) (*redaction.Info, error) {
	return redaction.New(), nil
}

// openFile ties a kernel file handle value to the session and node it
// belongs to.
type openFile struct {
	node   *filesystem.Node
	handle *filesystem.Handle
}

type openDir struct {
	node   *filesystem.Node
	handle *filesystem.DirHandle
}

// Bridge implements the low-level FUSE wire protocol over one node-graph
// instance rooted at the configured source directory.
type Bridge struct {
	fuse.RawFileSystem

	cfg      *config.Config
	resolver RedactionResolver
	session  string // mount session ID, tags every log line

	mu      sync.Mutex // structural lock shared by every node of this instance
	tracker *filesystem.NodeTracker
	root    *filesystem.Node

	lastFh      atomic.Uint64
	fileHandles *xsync.Map[uint64, *openFile]
	dirHandles  *xsync.Map[uint64, *openDir]
}

// New creates a bridge serving cfg.SourceRoot. The root node is created
// eagerly so it receives the well-known root ID before any request runs.
func New(cfg *config.Config, resolver RedactionResolver) *Bridge {
	logger := util.GetLogger("Bridge")
	if resolver == nil {
		resolver = AllowAll{}
	}
	b := &Bridge{
		RawFileSystem: fuse.NewDefaultRawFileSystem(),
		cfg:           cfg,
		resolver:      resolver,
		session:       uuid.NewString(),
		tracker:       filesystem.NewNodeTracker(),
		fileHandles:   xsync.NewMap[uint64, *openFile](),
		dirHandles:    xsync.NewMap[uint64, *openDir](),
	}
	b.root = filesystem.NewRootNode(cfg.SourceRoot, &b.mu, b.tracker)
	if b.root.ID() != filesystem.RootID {
		logger.Fatal().Uint64("id", b.root.ID()).Msg("Root node did not receive the root ID")
	}
	logger.Info().Str("session", b.session).Str("source", cfg.SourceRoot).Msg("Bridge created")
	return b
}

// Root exposes the root node for teardown and tests.
func (b *Bridge) Root() *filesystem.Node {
	return b.root
}

// Tracker exposes the live-node registry for teardown and tests.
func (b *Bridge) Tracker() *filesystem.NodeTracker {
	return b.tracker
}

// Teardown destroys the whole node graph. Call only after the kernel
// connection is gone; afterwards no node reference is valid.
func (b *Bridge) Teardown() {
	b.fileHandles = xsync.NewMap[uint64, *openFile]()
	b.dirHandles = xsync.NewMap[uint64, *openDir]()
	filesystem.DeleteTree(b.root)
}

func (b *Bridge) String() string {
	return b.cfg.FsName
}

func (b *Bridge) Init(s *fuse.Server) {
	logger := util.GetLogger("Bridge.Init")
	logger.Info().Str("session", b.session).Msg("FUSE session initialized")
}

func (b *Bridge) attrTimeout() time.Duration {
	return time.Duration(b.cfg.AttrTimeout * float64(time.Second))
}

func (b *Bridge) entryTimeout() time.Duration {
	return time.Duration(b.cfg.EntryTimeout * float64(time.Second))
}

func childPath(parent *filesystem.Node, name string) string {
	return parent.BuildPath() + "/" + name
}

// fillEntry stats the backing path and fills out for a node being exported
// to the kernel. The kernel-visible inode is the node ID, not the backing
// inode, so identity stays stable across backing-store churn.
func (b *Bridge) fillEntry(node *filesystem.Node, path string, out *fuse.EntryOut) fuse.Status {
	var st syscall.Stat_t
	if err := syscall.Lstat(path, &st); err != nil {
		return fuse.ToStatus(err)
	}
	out.NodeId = node.ID()
	out.Attr.FromStat(&st)
	out.Attr.Ino = node.ID()
	out.SetAttrTimeout(b.attrTimeout())
	out.SetEntryTimeout(b.entryTimeout())
	return fuse.OK
}

// Lookup resolves one name under a directory and exports the node to the
// kernel, which then holds one lookup claim on it until a matching forget.
func (b *Bridge) Lookup(cancel <-chan struct{}, header *fuse.InHeader, name string, out *fuse.EntryOut) fuse.Status {
	parent := b.tracker.FromID(header.NodeId)
	path := childPath(parent, name)

	var st syscall.Stat_t
	if err := syscall.Lstat(path, &st); err != nil {
		return fuse.ToStatus(err)
	}
	child := parent.AcquireOrCreateChild(name)
	out.NodeId = child.ID()
	out.Attr.FromStat(&st)
	out.Attr.Ino = child.ID()
	out.SetAttrTimeout(b.attrTimeout())
	out.SetEntryTimeout(b.entryTimeout())
	return fuse.OK
}

// Forget drops nlookup kernel claims from a node. The kernel reports the
// exact number of outstanding lookups it is forgetting; releasing them may
// destroy the node.
func (b *Bridge) Forget(nodeid, nlookup uint64) {
	node := b.tracker.FromID(nodeid)
	node.Release(uint32(nlookup))
}

func (b *Bridge) GetAttr(cancel <-chan struct{}, input *fuse.GetAttrIn, out *fuse.AttrOut) fuse.Status {
	node := b.tracker.FromID(input.NodeId)

	var st syscall.Stat_t
	if err := syscall.Lstat(node.BuildPath(), &st); err != nil {
		return fuse.ToStatus(err)
	}
	out.Attr.FromStat(&st)
	out.Attr.Ino = node.ID()
	out.SetTimeout(b.attrTimeout())
	return fuse.OK
}

// Access is answered by the kernel when default_permissions is set; permit
// everything here and let the backing store's modes decide.
func (b *Bridge) Access(cancel <-chan struct{}, input *fuse.AccessIn) fuse.Status {
	return fuse.OK
}

// Open opens the backing file and attaches a session to the node. Sessions
// that need redaction must bypass the page cache: cached pages are shared
// across callers and would leak unredacted bytes to the next reader.
func (b *Bridge) Open(cancel <-chan struct{}, input *fuse.OpenIn, out *fuse.OpenOut) fuse.Status {
	logger := util.GetLogger("Bridge.Open")
	node := b.tracker.FromID(input.NodeId)
	path := node.BuildPath()

	fd, err := unix.Open(path, int(input.Flags), 0)
	if err != nil {
		return fuse.ToStatus(err)
	}
	ri, err := b.resolver.RedactionInfo(&input.Caller, path)
	if err != nil {
		unix.Close(fd)
		logger.Error().Err(err).Str("path", node.BuildSafePath()).Msg("Redaction resolution failed")
		return fuse.EIO
	}

	cached := !ri.Needed()
	h := filesystem.NewHandle(fd, ri, cached)
	node.AddHandle(h)

	fh := b.lastFh.Add(1)
	b.fileHandles.Store(fh, &openFile{node: node, handle: h})
	out.Fh = fh
	if cached {
		out.OpenFlags |= fuse.FOPEN_KEEP_CACHE
	} else {
		out.OpenFlags |= fuse.FOPEN_DIRECT_IO
	}
	return fuse.OK
}

// Read serves from the session's descriptor and zeroes every byte that
// falls inside one of the session's redaction ranges.
func (b *Bridge) Read(cancel <-chan struct{}, input *fuse.ReadIn, buf []byte) (fuse.ReadResult, fuse.Status) {
	of, ok := b.fileHandles.Load(input.Fh)
	if !ok {
		return nil, fuse.EBADF
	}
	n, err := unix.Pread(of.handle.FD(), buf, int64(input.Offset))
	if err != nil {
		return nil, fuse.ToStatus(err)
	}
	redactBuffer(buf[:n], int64(input.Offset), of.handle.Redaction())
	return fuse.ReadResultData(buf[:n]), fuse.OK
}

// redactBuffer zeroes the portions of buf, read at offset off, that
// overlap the session's redaction ranges.
func redactBuffer(buf []byte, off int64, ri *redaction.Info) {
	for _, r := range ri.Overlapping(int64(len(buf)), off) {
		lo := r.Start - off
		hi := r.End - off
		if lo < 0 {
			lo = 0
		}
		if hi > int64(len(buf)) {
			hi = int64(len(buf))
		}
		for i := lo; i < hi; i++ {
			buf[i] = 0
		}
	}
}

func (b *Bridge) Write(cancel <-chan struct{}, input *fuse.WriteIn, data []byte) (uint32, fuse.Status) {
	of, ok := b.fileHandles.Load(input.Fh)
	if !ok {
		return 0, fuse.EBADF
	}
	n, err := unix.Pwrite(of.handle.FD(), data, int64(input.Offset))
	if err != nil {
		return 0, fuse.ToStatus(err)
	}
	return uint32(n), fuse.OK
}

func (b *Bridge) Flush(cancel <-chan struct{}, input *fuse.FlushIn) fuse.Status {
	return fuse.OK
}

func (b *Bridge) Fsync(cancel <-chan struct{}, input *fuse.FsyncIn) fuse.Status {
	of, ok := b.fileHandles.Load(input.Fh)
	if !ok {
		return fuse.EBADF
	}
	return fuse.ToStatus(unix.Fsync(of.handle.FD()))
}

// Release closes one file session. The kernel sends exactly one release
// per successful open, so a missing handle here is a protocol violation.
func (b *Bridge) Release(cancel <-chan struct{}, input *fuse.ReleaseIn) {
	logger := util.GetLogger("Bridge.Release")
	of, ok := b.fileHandles.LoadAndDelete(input.Fh)
	if !ok {
		logger.Fatal().Uint64("fh", input.Fh).Msg("Release of unknown file handle")
	}
	of.node.DestroyHandle(of.handle)
}

func (b *Bridge) OpenDir(cancel <-chan struct{}, input *fuse.OpenIn, out *fuse.OpenOut) fuse.Status {
	node := b.tracker.FromID(input.NodeId)

	stream, err := os.Open(node.BuildPath())
	if err != nil {
		return fuse.ToStatus(err)
	}
	d := filesystem.NewDirHandle(stream)
	node.AddDirHandle(d)

	fh := b.lastFh.Add(1)
	b.dirHandles.Store(fh, &openDir{node: node, handle: d})
	out.Fh = fh
	return fuse.OK
}

// ReadDir pages through the session's entry snapshot. The first two
// offsets are the synthetic "." and ".." entries.
func (b *Bridge) ReadDir(cancel <-chan struct{}, input *fuse.ReadIn, out *fuse.DirEntryList) fuse.Status {
	od, ok := b.dirHandles.Load(input.Fh)
	if !ok {
		return fuse.EBADF
	}
	entries, err := od.handle.Entries()
	if err != nil {
		return fuse.ToStatus(err)
	}

	off := input.Offset
	for ; off < 2; off++ {
		if !out.AddDirEntry(dotEntries(od.node)[off]) {
			od.handle.SetNextOffset(off)
			return fuse.OK
		}
	}
	for int(off-2) < len(entries) {
		if !out.AddDirEntry(entries[off-2]) {
			break
		}
		off++
	}
	od.handle.SetNextOffset(off)
	return fuse.OK
}

func dotEntries(node *filesystem.Node) [2]fuse.DirEntry {
	parentIno := node.ID()
	if parent := node.Parent(); parent != nil {
		parentIno = parent.ID()
	}
	return [2]fuse.DirEntry{
		{Name: ".", Mode: syscall.S_IFDIR, Ino: node.ID()},
		{Name: "..", Mode: syscall.S_IFDIR, Ino: parentIno},
	}
}

// ReadDirPlus additionally exports each listed entry as a looked-up node,
// acquiring one claim per entry actually delivered to the kernel.
func (b *Bridge) ReadDirPlus(cancel <-chan struct{}, input *fuse.ReadIn, out *fuse.DirEntryList) fuse.Status {
	od, ok := b.dirHandles.Load(input.Fh)
	if !ok {
		return fuse.EBADF
	}
	entries, err := od.handle.Entries()
	if err != nil {
		return fuse.ToStatus(err)
	}

	off := input.Offset
	for ; off < 2; off++ {
		// "." and ".." are never exported as lookups
		if out.AddDirLookupEntry(dotEntries(od.node)[off]) == nil {
			od.handle.SetNextOffset(off)
			return fuse.OK
		}
	}
	for int(off-2) < len(entries) {
		e := entries[off-2]
		child := od.node.AcquireOrCreateChild(e.Name)
		entryOut := out.AddDirLookupEntry(fuse.DirEntry{Name: e.Name, Mode: e.Mode, Ino: child.ID()})
		if entryOut == nil {
			// Entry did not fit; the kernel never saw it, so the claim
			// taken for it must be dropped again.
			child.Release(1)
			break
		}
		if status := b.fillEntry(child, childPath(od.node, e.Name), entryOut); status != fuse.OK {
			// Entry vanished between snapshot and stat; deliver it as a
			// plain dirent with no lookup attached.
			child.Release(1)
			*entryOut = fuse.EntryOut{}
		}
		off++
	}
	od.handle.SetNextOffset(off)
	return fuse.OK
}

func (b *Bridge) ReleaseDir(input *fuse.ReleaseIn) {
	logger := util.GetLogger("Bridge.ReleaseDir")
	od, ok := b.dirHandles.LoadAndDelete(input.Fh)
	if !ok {
		logger.Fatal().Uint64("fh", input.Fh).Msg("Release of unknown dir handle")
	}
	od.node.DestroyDirHandle(od.handle)
}

// Unlink removes the backing file and hides the node from lookups. Open
// sessions keep working against the unlinked file; the node itself lives
// until the kernel forgets its last claim.
func (b *Bridge) Unlink(cancel <-chan struct{}, header *fuse.InHeader, name string) fuse.Status {
	parent := b.tracker.FromID(header.NodeId)
	if err := unix.Unlink(childPath(parent, name)); err != nil {
		return fuse.ToStatus(err)
	}
	if child := parent.LookupChildByName(name, false); child != nil {
		child.SetDeleted()
	}
	return fuse.OK
}

func (b *Bridge) Rmdir(cancel <-chan struct{}, header *fuse.InHeader, name string) fuse.Status {
	parent := b.tracker.FromID(header.NodeId)
	if err := unix.Rmdir(childPath(parent, name)); err != nil {
		return fuse.ToStatus(err)
	}
	if child := parent.LookupChildByName(name, false); child != nil {
		child.SetDeleted()
	}
	return fuse.OK
}

// Rename moves the backing file first and only then retargets the node, so
// a failed rename leaves the graph matching the backing store.
func (b *Bridge) Rename(cancel <-chan struct{}, input *fuse.RenameIn, oldName string, newName string) fuse.Status {
	oldParent := b.tracker.FromID(input.NodeId)
	newParent := b.tracker.FromID(input.Newdir)

	child := oldParent.LookupChildByName(oldName, true)
	if child == nil {
		return fuse.ENOENT
	}
	defer child.Release(1)

	if err := unix.Rename(childPath(oldParent, oldName), childPath(newParent, newName)); err != nil {
		return fuse.ToStatus(err)
	}
	child.Rename(newName, newParent)
	return fuse.OK
}

func (b *Bridge) Mkdir(cancel <-chan struct{}, input *fuse.MkdirIn, name string, out *fuse.EntryOut) fuse.Status {
	parent := b.tracker.FromID(input.NodeId)
	path := childPath(parent, name)
	if err := unix.Mkdir(path, input.Mode); err != nil {
		return fuse.ToStatus(err)
	}
	child := parent.AcquireOrCreateChild(name)
	if status := b.fillEntry(child, path, out); status != fuse.OK {
		child.Release(1)
		return status
	}
	return fuse.OK
}

// Create makes and opens a new backing file in one step. Fresh files have
// nothing to redact, so the session is always cacheable.
func (b *Bridge) Create(cancel <-chan struct{}, input *fuse.CreateIn, name string, out *fuse.CreateOut) fuse.Status {
	parent := b.tracker.FromID(input.NodeId)
	path := childPath(parent, name)

	fd, err := unix.Open(path, int(input.Flags)|unix.O_CREAT, input.Mode)
	if err != nil {
		return fuse.ToStatus(err)
	}
	child := parent.AcquireOrCreateChild(name)
	if status := b.fillEntry(child, path, &out.EntryOut); status != fuse.OK {
		unix.Close(fd)
		child.Release(1)
		return status
	}

	h := filesystem.NewHandle(fd, redaction.New(), true)
	child.AddHandle(h)
	fh := b.lastFh.Add(1)
	b.fileHandles.Store(fh, &openFile{node: child, handle: h})
	out.Fh = fh
	out.OpenFlags |= fuse.FOPEN_KEEP_CACHE
	return fuse.OK
}

func (b *Bridge) StatFs(cancel <-chan struct{}, input *fuse.InHeader, out *fuse.StatfsOut) fuse.Status {
	var st unix.Statfs_t
	if err := unix.Statfs(b.cfg.SourceRoot, &st); err != nil {
		return fuse.ToStatus(err)
	}
	out.Blocks = st.Blocks
	out.Bfree = st.Bfree
	out.Bavail = st.Bavail
	out.Files = st.Files
	out.Ffree = st.Ffree
	out.Bsize = uint32(st.Bsize)
	out.NameLen = uint32(st.Namelen)
	out.Frsize = uint32(st.Frsize)
	return fuse.OK
}
