package bridge

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mediabridge/mediafs/config"
	"github.com/mediabridge/mediafs/filesystem"
	"github.com/mediabridge/mediafs/redaction"
)

func newTestBridge(t *testing.T) *Bridge {
	t.Helper()
	cfg := config.NewDefaultConfig()
	cfg.SourceRoot = t.TempDir()
	return New(cfg, nil)
}

func TestNew_RootGetsRootID(t *testing.T) {
	b := newTestBridge(t)

	assert.Equal(t, filesystem.RootID, b.Root().ID())
	assert.Same(t, b.Root(), b.Tracker().FromID(filesystem.RootID))
	assert.Equal(t, 1, b.Tracker().Count())
}

func TestTeardown(t *testing.T) {
	b := newTestBridge(t)

	root := b.Root()
	for _, name := range []string{"a", "b", "c"} {
		require.NotNil(t, root.AcquireOrCreateChild(name))
	}
	require.Equal(t, 4, b.Tracker().Count())

	b.Teardown()
	assert.Equal(t, 0, b.Tracker().Count())
}

func TestRedactBuffer(t *testing.T) {
	mk := func(n int) []byte {
		buf := make([]byte, n)
		for i := range buf {
			buf[i] = 'x'
		}
		return buf
	}

	t.Run("no redaction", func(t *testing.T) {
		buf := mk(8)
		redactBuffer(buf, 0, redaction.New())
		assert.Equal(t, mk(8), buf)
	})

	t.Run("range inside read", func(t *testing.T) {
		buf := mk(10)
		redactBuffer(buf, 0, redaction.New(redaction.Range{Start: 2, End: 5}))
		assert.Equal(t, []byte("xx\x00\x00\x00xxxxx"), buf)
	})

	t.Run("read inside range", func(t *testing.T) {
		buf := mk(4)
		redactBuffer(buf, 100, redaction.New(redaction.Range{Start: 50, End: 200}))
		assert.Equal(t, []byte("\x00\x00\x00\x00"), buf)
	})

	t.Run("range straddles read start", func(t *testing.T) {
		buf := mk(8)
		redactBuffer(buf, 10, redaction.New(redaction.Range{Start: 6, End: 12}))
		assert.Equal(t, []byte("\x00\x00xxxxxx"), buf)
	})

	t.Run("range straddles read end", func(t *testing.T) {
		buf := mk(8)
		redactBuffer(buf, 10, redaction.New(redaction.Range{Start: 16, End: 30}))
		assert.Equal(t, []byte("xxxxxx\x00\x00"), buf)
	})

	t.Run("multiple ranges", func(t *testing.T) {
		buf := mk(10)
		redactBuffer(buf, 0, redaction.New(
			redaction.Range{Start: 1, End: 2},
			redaction.Range{Start: 4, End: 6},
		))
		assert.Equal(t, []byte("x\x00xx\x00\x00xxxx"), buf)
	})
}

func TestAllowAll(t *testing.T) {
	ri, err := AllowAll{}.RedactionInfo(nil, "/vol/a.jpg")
	require.NoError(t, err)
	assert.False(t, ri.Needed())
}
