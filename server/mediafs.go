package server

import (
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/mediabridge/mediafs/bridge"
	"github.com/mediabridge/mediafs/config"
	"github.com/mediabridge/mediafs/internal/util"
)

// MediaFs owns one mounted instance: the node-graph bridge plus the
// go-fuse server driving it.
type MediaFs struct {
	*bridge.Bridge
	cfg    *config.Config
	server *fuse.Server
}

// New creates a MediaFs instance given your config and redaction resolver.
// A nil resolver serves everything unredacted.
func New(cfg *config.Config, resolver bridge.RedactionResolver) *MediaFs {
	return &MediaFs{
		Bridge: bridge.New(cfg, resolver),
		cfg:    cfg,
	}
}

// Serve mounts and serves the filesystem at the given mountPoint.
func (fs *MediaFs) Serve(mountPoint string) error {
	opts := fs.cfg.MountOptions
	slogger := util.NewLogLogger("FuseServer", util.DebugLevel)
	srv, err := fuse.NewServer(fs.Bridge, mountPoint, &fuse.MountOptions{
		Name:   opts.Name,
		FsName: opts.FsName,
		Debug:  fs.cfg.LogLvl == util.TraceLevel,
		Logger: slogger,
	})
	if err != nil {
		return err
	}
	fs.server = srv

	go srv.Serve()
	return srv.WaitMount()
}

func (fs *MediaFs) ServeAsync(mountPoint string) <-chan error {
	done := make(chan error, 1)

	go func() {
		done <- fs.Serve(mountPoint)
		close(done)
	}()

	return done
}

// Unmount cleanly unmounts the filesystem and tears down the node graph.
func (fs *MediaFs) Unmount() error {
	if fs.server == nil {
		return nil
	}
	if err := fs.server.Unmount(); err != nil {
		return err
	}
	fs.Teardown()
	return nil
}
