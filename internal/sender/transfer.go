package sender

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/relaysync/rsync"
	"github.com/relaysync/rsync/internal/checksum"
	"github.com/relaysync/rsync/internal/filelist"
	"github.com/relaysync/rsync/internal/log"
	"github.com/relaysync/rsync/internal/rsyncerr"
	"github.com/relaysync/rsync/internal/rsyncopts"
	"github.com/relaysync/rsync/internal/rsyncstats"
	"github.com/relaysync/rsync/internal/rsyncwire"
)

// Transfer holds the session state for the Sender role: walks sources,
// streams the file list, and answers the Generator's checksum requests
// with matches and literal data. Mirrors the shape of the teacher's
// receiver.Transfer (Logger/Opts/Conn/Seed), generalized to the sender
// side of the session.
type Transfer struct {
	Logger *log.Logger
	Opts   *rsyncopts.Options
	Conn   *rsyncwire.Conn
	Seed   int32

	fileList      *filelist.Filelist
	roots         map[int32]string // file-list index -> local filesystem path
	digester      checksum.Digester
	lastSentIndex int32 // index-echo state for the response direction
}

// Do walks root/paths into a file list, sends it to the peer, then
// services index requests until the peer sends the final DONE/goodbye.
// It is the sender-side analogue of receiver.Transfer.Do.
func (st *Transfer) Do(crd *rsyncwire.CountingReader, cwr *rsyncwire.CountingWriter, root string, paths []string, exclusionList *FilterList) (*rsyncstats.TransferStats, error) {
	st.digester = checksum.NewDigester(checksum.ParseKind(st.Opts.ChecksumChoice()), st.Seed)

	entries, pathOf, err := st.walk(root, paths)
	if err != nil {
		return nil, err
	}

	st.fileList = filelist.New(st.Opts.Recurse())
	seg := st.fileList.NewSegment(-1, entries)
	st.roots = make(map[int32]string, len(entries))
	for i := seg.DirIndex() + 1; i <= seg.EndIndex(); i++ {
		if f, ok := seg.Get(i); ok {
			st.roots[i] = pathOf[f]
		}
	}

	enc := filelist.NewEncoder(filelist.CodecOptions{
		PreserveUid: st.Opts.PreserveUid(),
		PreserveGid: st.Opts.PreserveGid(),
	})
	for i := seg.DirIndex() + 1; i <= st.nextIndexHint(); i++ {
		f, ok := seg.Get(i)
		if !ok {
			continue
		}
		if err := enc.Encode(st.Conn, f); err != nil {
			return nil, err
		}
	}
	if err := enc.End(st.Conn, 0); err != nil {
		return nil, err
	}

	stats := &rsyncstats.TransferStats{}
	st.lastSentIndex = -1
	var prevIndex int32 = -1
	for {
		idx, err := rsyncwire.ReadIndex(st.Conn.Reader, prevIndex)
		if err != nil {
			return nil, err
		}
		prevIndex = idx
		if idx == -1 {
			// Echo the terminator back on the response direction so the
			// peer's Receiver worker (which has no other way to learn
			// the request stream is exhausted) knows to stop.
			if err := rsyncwire.WriteIndex(st.Conn.Writer, st.lastSentIndex, -1); err != nil {
				return nil, err
			}
			break
		}
		if idx < 0 {
			// OFFSET-style stub directory expansion request (spec.md
			// §4.4/§4.7): idx encodes the directory's own index as
			// rsync.IndexOffset-dirIndex so it can share the index-echo
			// delta encoding with regular file requests.
			if err := st.expandStubDirectory(idx); err != nil {
				return nil, err
			}
			continue
		}
		fseg := st.fileList.GetSegmentWith(idx)
		if fseg == nil {
			return nil, rsyncerr.Protocolf("sender: peer requested unknown index %d", idx)
		}
		f, ok := fseg.Get(idx)
		if !ok {
			return nil, rsyncerr.Protocolf("sender: peer requested unknown index %d", idx)
		}
		if err := st.sendFile(idx, f, stats); err != nil {
			return nil, err
		}
	}

	stats.Read = crd.BytesRead
	stats.Written = cwr.BytesWritten
	if err := st.Conn.WriteInt64(stats.Read); err != nil {
		return nil, err
	}
	if err := st.Conn.WriteInt64(stats.Written); err != nil {
		return nil, err
	}
	if err := st.Conn.WriteInt64(stats.Size); err != nil {
		return nil, err
	}
	return stats, nil
}

func (st *Transfer) nextIndexHint() int32 { return st.fileList.NextIndex() }

// walk builds the sorted FileInfo list for one Do call's top segment,
// plus a map from each entry back to the local filesystem path it was
// read from. Keying the path by the *FileInfo pointer (rather than by
// position in a parallel slice) keeps the two in sync across the sort
// below, since a slice index would otherwise silently desync from
// entries once sorted.
//
// Recursion happens one directory at a time, not here: with -r, each
// source directory contributes only its own entry plus its immediate
// children (listChildren does the same one-level listing for every
// subdirectory after that); grandchildren are never read until the peer
// actually requests the directory's expansion (spec.md §4.4/§4.7), so a
// deep source tree is walked incrementally rather than all at once.
// Without -r, a source directory contributes only its own entry.
func (st *Transfer) walk(root string, paths []string) ([]*filelist.FileInfo, map[*filelist.FileInfo]string, error) {
	var entries []*filelist.FileInfo
	pathOf := make(map[*filelist.FileInfo]string)

	for _, p := range paths {
		abs := filepath.Join(root, strings.TrimPrefix(p, root))
		if !filepath.IsAbs(abs) {
			abs = filepath.Clean(p)
		}
		info, err := os.Lstat(abs)
		if err != nil {
			st.Logger.Printf("lstat %s: %v", abs, err)
			continue
		}
		name := "."
		if !info.IsDir() {
			name = filepath.Base(abs)
		}
		f, ferr := fileInfoFromStat(name, abs, info)
		if ferr != nil {
			st.Logger.Printf("stat %s: %v", abs, ferr)
			continue
		}
		entries = append(entries, f)
		pathOf[f] = abs

		if info.IsDir() && st.Opts.Recurse() {
			children, childPaths, cerr := st.listChildren(name, abs)
			if cerr != nil {
				return nil, nil, cerr
			}
			entries = append(entries, children...)
			for cf, cp := range childPaths {
				pathOf[cf] = cp
			}
		}
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return filelist.Less(entries[i], entries[j])
	})
	return entries, pathOf, nil
}

// listChildren lists dirPath's immediate entries (one level, no
// recursion into further subdirectories), naming each child
// dirName/childBaseName so the names stay relative to the same root as
// the rest of the file list regardless of which directory is being
// expanded.
func (st *Transfer) listChildren(dirName, dirPath string) ([]*filelist.FileInfo, map[*filelist.FileInfo]string, error) {
	des, err := os.ReadDir(dirPath)
	if err != nil {
		return nil, nil, err
	}

	var children []*filelist.FileInfo
	pathOf := make(map[*filelist.FileInfo]string, len(des))
	for _, de := range des {
		childPath := filepath.Join(dirPath, de.Name())
		info, ierr := de.Info()
		if ierr != nil {
			st.Logger.Printf("stat %s: %v", childPath, ierr)
			continue
		}
		name := filepath.ToSlash(filepath.Join(dirName, de.Name()))
		f, ferr := fileInfoFromStat(name, childPath, info)
		if ferr != nil {
			st.Logger.Printf("stat %s: %v", childPath, ferr)
			continue
		}
		children = append(children, f)
		pathOf[f] = childPath
	}

	sort.SliceStable(children, func(i, j int) bool {
		return filelist.Less(children[i], children[j])
	})
	return children, pathOf, nil
}

// expandStubDirectory answers an OFFSET-encoded stub directory request:
// idx is rsync.IndexOffset-dirIndex, so dirIndex recovers by the same
// subtraction. It lists the directory's immediate children, installs
// them as a new Segment expanding dirIndex, echoes idx back (so the
// peer's Receiver knows which pending expansion this reply answers),
// and streams the new segment using the same incremental codec as the
// initial file list.
func (st *Transfer) expandStubDirectory(idx int32) error {
	dirIndex := rsync.IndexOffset - idx

	dirFile, err := st.fileList.GetStubDirectoryOrNull(dirIndex)
	if err != nil {
		return rsyncerr.Protocolf("sender: stub expansion requested for unknown index %d: %v", dirIndex, err)
	}
	dirPath, ok := st.roots[dirIndex]
	if !ok {
		return rsyncerr.Protocolf("sender: no local path recorded for directory index %d", dirIndex)
	}

	children, childPaths, err := st.listChildren(dirFile.Name, dirPath)
	if err != nil {
		return err
	}

	newSeg := st.fileList.NewSegment(dirIndex, children)
	for i := newSeg.DirIndex() + 1; i <= newSeg.EndIndex(); i++ {
		if f, ok := newSeg.Get(i); ok {
			st.roots[i] = childPaths[f]
		}
	}

	if err := rsyncwire.WriteIndex(st.Conn.Writer, st.lastSentIndex, idx); err != nil {
		return err
	}
	st.lastSentIndex = idx

	enc := filelist.NewEncoder(filelist.CodecOptions{
		PreserveUid: st.Opts.PreserveUid(),
		PreserveGid: st.Opts.PreserveGid(),
	})
	for i := newSeg.DirIndex() + 1; i <= newSeg.EndIndex(); i++ {
		f, ok := newSeg.Get(i)
		if !ok {
			continue
		}
		if err := enc.Encode(st.Conn, f); err != nil {
			return err
		}
	}
	if err := enc.End(st.Conn, 0); err != nil {
		return err
	}
	return st.Conn.Flush()
}

func fileInfoFromStat(name, path string, info os.FileInfo) (*filelist.FileInfo, error) {
	f := &filelist.FileInfo{
		Name:    name,
		Mode:    int32(info.Mode().Perm()),
		Size:    info.Size(),
		ModTime: info.ModTime().Unix(),
	}
	switch {
	case info.IsDir():
		f.Kind = filelist.KindDir
		f.Mode |= 0o40000
	case info.Mode()&os.ModeSymlink != 0:
		f.Kind = filelist.KindSymlink
		f.Mode |= 0o120000
		target, err := os.Readlink(path)
		if err == nil {
			f.LinkTarget = target
		}
	case info.Mode().IsRegular():
		f.Kind = filelist.KindRegular
		f.Mode |= 0o100000
	default:
		f.Kind = filelist.KindSpecial
	}
	if err := filelist.ValidateName(f.Name, f.Kind); err != nil {
		return nil, err
	}
	return f, nil
}
