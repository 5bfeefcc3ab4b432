package receiver

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/relaysync/rsync/internal/checksum"
	"github.com/relaysync/rsync/internal/filelist"
	"github.com/relaysync/rsync/internal/rsyncstats"
	"github.com/relaysync/rsync/internal/rsyncwire"
	"golang.org/x/sync/errgroup"
)

func isTopDir(f *filelist.FileInfo) bool { return f.Name == "." }

// deleteFiles implements the --delete sweep: anything under the
// destination root not named by the just-received file list is removed,
// unless an I/O error was already recorded (spec.md's delete-mode is
// paired with the session's error word the same way tridge rsync is, to
// avoid deleting files the peer never got a chance to re-list).
func (rt *Transfer) deleteFiles() error {
	if rt.ioErrorBits != 0 {
		rt.Logger.Printf("IO error encountered, skipping file deletion")
		return nil
	}

	entries := rt.fileList.All()
	var top bool
	names := make(map[string]bool, len(entries))
	for _, f := range entries {
		names[f.Name] = true
		if isTopDir(f) {
			top = true
		}
	}
	if !top {
		return nil
	}

	root := filepath.Clean(rt.Dest)
	strip := root + string(os.PathSeparator)
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		name := strings.TrimPrefix(path, strip)
		if path == root {
			name = "."
		}
		if names[name] {
			return nil
		}
		if rt.Opts.Verbose {
			rt.Logger.Printf("  deleting %s", name)
		}
		if rt.Opts.DryRun {
			return nil
		}
		if info.IsDir() {
			return os.RemoveAll(path)
		}
		return os.Remove(path)
	})
	if err != nil && os.IsNotExist(err) {
		return nil
	}
	return err
}

// Do pairs the Generator and Receiver workers over fileList (already
// decoded by ReceiveFileList) and, unless noReport, reads the closing
// statistics block before sending the final goodbye index.
func (rt *Transfer) Do(c *rsyncwire.Conn, fileList *filelist.Filelist, noReport bool) (*rsyncstats.TransferStats, error) {
	rt.Conn = c
	if rt.fileList == nil {
		rt.fileList = fileList
	}
	rt.destRoot = filelist.NewRoot(rt.Dest)
	rt.digester = checksum.NewDigester(checksum.ParseKind(rt.Opts.ChecksumChoice), rt.Seed)
	rt.reqs = make(chan genRequest, 4)
	rt.outcome = make(chan fileOutcome, 1)
	rt.segs = make(chan segmentResult, 1)
	rt.transferred = make(map[int32]bool)

	if rt.Opts.DeleteMode {
		if err := rt.deleteFiles(); err != nil {
			return nil, err
		}
	}

	eg, ctx := errgroup.WithContext(context.Background())
	eg.Go(func() error {
		defer close(rt.reqs)
		return rt.GenerateFiles(ctx)
	})
	eg.Go(func() error {
		// Don't block forever on the receiver if the generator failed.
		errChan := make(chan error, 1)
		go func() { errChan <- rt.RecvFiles() }()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errChan:
			return err
		}
	})
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	var stats *rsyncstats.TransferStats
	if !noReport {
		var err error
		stats, err = rt.report(c)
		if err != nil {
			return nil, err
		}
	}

	if err := c.WriteInt32(-1); err != nil {
		return nil, err
	}
	return stats, nil
}
