package filesystem

import (
	"os"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fuse"
	"golang.org/x/sys/unix"

	"github.com/mediabridge/mediafs/internal/util"
	"github.com/mediabridge/mediafs/redaction"
)

// Handle is one open-file session on a node: the backing descriptor, the
// redaction spec computed for the opener, and whether the kernel may cache
// pages read through it. The owning node closes the descriptor exactly
// once, either on DestroyHandle or when the node itself is destroyed.
type Handle struct {
	fd     int
	ri     *redaction.Info
	cached bool
	closed bool
}

// NewHandle wraps an already-open descriptor. The redaction spec is
// mandatory even when empty; a nil spec means the policy layer was skipped
// and serving the handle could leak redacted bytes.
func NewHandle(fd int, ri *redaction.Info, cached bool) *Handle {
	if ri == nil {
		logger := util.GetLogger("Handle")
		logger.Fatal().Int("fd", fd).Msg("Handle created without redaction spec")
	}
	return &Handle{fd: fd, ri: ri, cached: cached}
}

func (h *Handle) FD() int {
	return h.fd
}

func (h *Handle) Redaction() *redaction.Info {
	return h.ri
}

// Cached reports whether kernel-side caching is permitted for this session.
func (h *Handle) Cached() bool {
	return h.cached
}

func (h *Handle) close() {
	if h.closed {
		return
	}
	h.closed = true
	if h.fd >= 0 {
		unix.Close(h.fd)
	}
}

// DirHandle is one open-directory session on a node. The entry snapshot is
// read from the stream once and kept for the session's lifetime, so the
// paginated readdir calls of one session always see the same listing even
// if the backing directory changes between them.
type DirHandle struct {
	stream  *os.File
	nextOff uint64
	entries []fuse.DirEntry
	loaded  bool
	closed  bool
}

func NewDirHandle(stream *os.File) *DirHandle {
	if stream == nil {
		logger := util.GetLogger("DirHandle")
		logger.Fatal().Msg("Dir handle created without stream")
	}
	return &DirHandle{stream: stream}
}

func (d *DirHandle) Stream() *os.File {
	return d.stream
}

// NextOffset is the resume cursor for paginated enumeration.
func (d *DirHandle) NextOffset() uint64 {
	return d.nextOff
}

func (d *DirHandle) SetNextOffset(off uint64) {
	d.nextOff = off
}

// Entries returns the session's entry snapshot, materializing it from the
// stream on first call. Entries that vanish mid-read are dropped rather
// than failing the whole listing.
func (d *DirHandle) Entries() ([]fuse.DirEntry, error) {
	if d.loaded {
		return d.entries, nil
	}
	raw, err := d.stream.ReadDir(-1)
	if err != nil {
		return nil, err
	}
	d.entries = make([]fuse.DirEntry, 0, len(raw))
	for _, entry := range raw {
		mode := uint32(unix.S_IFREG)
		switch {
		case entry.IsDir():
			mode = unix.S_IFDIR
		case entry.Type()&os.ModeSymlink != 0:
			mode = unix.S_IFLNK
		}
		ino := unknownIno
		if info, err := entry.Info(); err == nil {
			if st, ok := info.Sys().(*syscall.Stat_t); ok {
				ino = st.Ino
			}
		} else {
			continue
		}
		d.entries = append(d.entries, fuse.DirEntry{
			Name: entry.Name(),
			Mode: mode,
			Ino:  ino,
		})
	}
	d.loaded = true
	return d.entries, nil
}

// Kernel convention for "inode number not known to the filesystem".
const unknownIno = ^uint64(0)

func (d *DirHandle) close() {
	if d.closed {
		return
	}
	d.closed = true
	d.stream.Close()
}
