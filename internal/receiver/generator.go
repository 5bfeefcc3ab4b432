package receiver

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/relaysync/rsync"
	"github.com/relaysync/rsync/internal/checksum"
	"github.com/relaysync/rsync/internal/filelist"
	"github.com/relaysync/rsync/internal/rsyncerr"
	"github.com/relaysync/rsync/internal/rsyncwire"
)

// GenerateFiles walks the file list the peer sent, starting from its
// top segment, and, per spec.md §4.6: handles directories, symlinks and
// device nodes locally (no wire round trip needed, their full state
// already arrived in the file list entry), and for every regular file
// computes a checksum header against the destination replica (if any)
// and streams the request — index, item flags, header, per-chunk
// checksums — to the peer Sender. It hands each regular-file request to
// RecvFiles over rt.reqs before writing it to the wire, so the Receiver
// worker knows the checksum header and local replica path without
// re-deriving them.
//
// A recursive subdirectory is a stub when the segment carrying it was
// decoded: GenerateFiles requests its expansion over the wire (spec.md
// §4.4/§4.7's OFFSET index) and walks the resulting segment depth-first
// before moving on to the stub's siblings, so the whole tree is covered
// without the Sender ever having had to walk it eagerly.
func (rt *Transfer) GenerateFiles(ctx context.Context) error {
	rt.genPrevIndex = -1
	if rt.topSegment != nil {
		rt.expandedSegments++
		if err := rt.generateSegment(ctx, rt.topSegment); err != nil {
			return err
		}
	}
	if err := rsyncwire.WriteIndex(rt.Conn.Writer, rt.genPrevIndex, -1); err != nil {
		return err
	}
	return rt.Conn.Flush()
}

// generateSegment walks one Segment's members in index order, recursing
// into any subdirectory stub before continuing to its next sibling.
func (rt *Transfer) generateSegment(ctx context.Context, seg *filelist.Segment) error {
	start, end := seg.Range()

	for i := start; i <= end; i++ {
		f, ok := seg.Get(i)
		if !ok {
			continue
		}

		switch {
		case f.IsDir():
			if err := rt.generateDir(f); err != nil {
				return err
			}
			if rt.Opts.Recurse {
				if _, err := rt.fileList.GetStubDirectoryOrNull(i); err == nil {
					if err := rt.expandStubDirectory(ctx, i); err != nil {
						return err
					}
				}
			}
			continue
		case f.IsSymlink():
			if err := rt.generateSymlink(f); err != nil {
				return err
			}
			continue
		case f.IsDevice() || f.IsSpecial():
			if err := rt.generateDevice(f); err != nil {
				return err
			}
			continue
		case !f.IsRegular():
			continue
		}

		if rt.Opts.DryRun {
			if !rt.Opts.Server {
				fmt.Fprintln(rt.Env.Stdout, f.Name)
			}
			continue
		}

		if err := rt.requestTransfer(ctx, i, f); err != nil {
			return err
		}
	}
	return nil
}

// expandStubDirectory requests the Sender expand the subdirectory at
// index dirIndex (OFFSET-encoded as rsync.IndexOffset-dirIndex, spec.md
// §4.4), then walks the resulting segment before returning, so nested
// directories are expanded depth-first in file-list order.
func (rt *Transfer) expandStubDirectory(ctx context.Context, dirIndex int32) error {
	reqIdx := rsync.IndexOffset - dirIndex
	if err := rsyncwire.WriteIndex(rt.Conn.Writer, rt.genPrevIndex, reqIdx); err != nil {
		return err
	}
	rt.genPrevIndex = reqIdx
	if err := rt.Conn.Flush(); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case res, ok := <-rt.segs:
		if !ok {
			return rsyncerr.Protocolf("receiver: connection closed awaiting expansion of directory index %d", dirIndex)
		}
		if res.err != nil {
			return res.err
		}
		rt.expandedSegments++
		return rt.generateSegment(ctx, res.seg)
	}
}

// requestTransfer streams one regular file's checksum request to the
// Sender and blocks for RecvFiles' verdict over rt.outcome before
// returning: on a digest mismatch the first time, it resends the same
// request (spec.md §4.7's redo); on a second mismatch RecvFiles hands
// back an ERROR_XFER message, which requestTransfer writes to the peer
// (reportErrorXfer) before moving on.
func (rt *Transfer) requestTransfer(ctx context.Context, i int32, f *filelist.FileInfo) error {
	for {
		head, localPath := rt.checksumLocal(f)

		rt.reqs <- genRequest{index: i, file: f, head: head, localPath: localPath}

		if err := rsyncwire.WriteIndex(rt.Conn.Writer, rt.genPrevIndex, i); err != nil {
			return err
		}
		rt.genPrevIndex = i

		var flagsBuf [2]byte
		binary.LittleEndian.PutUint16(flagsBuf[:], uint16(rsync.ItemTransfer))
		if _, err := rt.Conn.Writer.Write(flagsBuf[:]); err != nil {
			return err
		}
		if err := head.WriteTo(rt.Conn); err != nil {
			return err
		}
		if head.BlockLength > 0 {
			if err := rt.writeChecksumTable(localPath, head); err != nil {
				return err
			}
		}
		if err := rt.Conn.Flush(); err != nil {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case out := <-rt.outcome:
			if out.errorXferMsg != nil {
				if err := rt.reportErrorXfer(out.errorXferMsg); err != nil {
					return err
				}
			}
			if !out.retry {
				return nil
			}
			// First mismatch: loop around and resend the same index.
		}
	}
}

// checksumLocal builds the checksum header for f's destination replica,
// or a zero header (no block checksums, whole file sent as literal) when
// no regular-file replica exists, per spec.md §4.6's edge case.
func (rt *Transfer) checksumLocal(f *filelist.FileInfo) (checksum.SumHead, string) {
	full, err := rt.destRoot.Resolve(f.Name)
	if err != nil {
		return checksum.SumHead{}, ""
	}
	st, err := os.Lstat(full)
	if err != nil || !st.Mode().IsRegular() {
		return checksum.SumHead{}, ""
	}

	head := checksum.SumSizesSqroot(st.Size(), 700)
	head.DigestLength = int32(rt.digester.Kind().Len())
	return head, full
}

// writeChecksumTable streams head.ChunkCount rows of (rolling, strong)
// over the local replica at localPath, matching spec.md §4.6's wire
// order for the checksum body.
func (rt *Transfer) writeChecksumTable(localPath string, head checksum.SumHead) error {
	fh, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer fh.Close()

	buf := make([]byte, head.BlockLength)
	for i := int32(0); i < head.ChunkCount; i++ {
		n := int(head.ChunkLength(i))
		if _, err := io.ReadFull(fh, buf[:n]); err != nil && err != io.ErrUnexpectedEOF {
			return err
		}
		roll := checksum.NewRolling(buf[:n])
		var rollBuf [4]byte
		binary.LittleEndian.PutUint32(rollBuf[:], roll.Value())
		if _, err := rt.Conn.Writer.Write(rollBuf[:]); err != nil {
			return err
		}
		strong := rt.digester.Sum(buf[:n])
		if _, err := rt.Conn.Writer.Write(strong[:head.DigestLength]); err != nil {
			return err
		}
	}
	return nil
}

func (rt *Transfer) generateDir(f *filelist.FileInfo) error {
	full, err := rt.destRoot.Resolve(f.Name)
	if err != nil {
		return err
	}
	if rt.Opts.DryRun {
		return nil
	}
	if err := os.MkdirAll(full, 0o700); err != nil {
		return err
	}
	return rt.setPerms(f)
}

func (rt *Transfer) generateSymlink(f *filelist.FileInfo) error {
	if !rt.Opts.PreserveLinks || rt.Opts.DryRun {
		return nil
	}
	full, err := rt.destRoot.Resolve(f.Name)
	if err != nil {
		return err
	}
	os.Remove(full)
	return symlink(f.LinkTarget, full)
}

func (rt *Transfer) generateDevice(f *filelist.FileInfo) error {
	if f.IsDevice() && !rt.Opts.PreserveDevices {
		return nil
	}
	if f.IsSpecial() && !rt.Opts.PreserveSpecials {
		return nil
	}
	if rt.Opts.DryRun {
		return nil
	}
	full, err := rt.destRoot.Resolve(f.Name)
	if err != nil {
		return err
	}
	os.Remove(full)
	if err := mknod(full, uint32(f.Mode), f.Major, f.Minor); err != nil {
		return err
	}
	return rt.setPerms(f)
}
