// Package receiver implements the Generator and Receiver roles of
// spec.md §4.6/§4.7: two workers sharing one duplex connection, walking
// the file list the peer Sender already streamed, requesting block
// checksums for files that need transfer, and reconstructing them from
// the resulting literal/match token stream.
package receiver

import (
	"fmt"
	"io"
	"os"

	"github.com/relaysync/rsync"
	"github.com/relaysync/rsync/internal/checksum"
	"github.com/relaysync/rsync/internal/filelist"
	"github.com/relaysync/rsync/internal/log"
	"github.com/relaysync/rsync/internal/rsyncerr"
	"github.com/relaysync/rsync/internal/rsyncos"
	"github.com/relaysync/rsync/internal/rsyncstats"
	"github.com/relaysync/rsync/internal/rsyncwire"
)

// TransferOpts carries the subset of negotiated session flags the
// receive side needs, mirroring the fields rsyncopts.Options exposes
// (kept as a plain struct, as the teacher's receiver.Transfer does, so
// callers outside rsyncopts — tests, the daemon path — can build one
// directly).
type TransferOpts struct {
	Verbose           bool
	DryRun            bool
	Server            bool
	DeleteMode        bool
	Recurse           bool
	PreserveGid       bool
	PreserveUid       bool
	PreserveLinks     bool
	PreservePerms     bool
	PreserveDevices   bool
	PreserveSpecials  bool
	PreserveTimes     bool
	PreserveHardlinks bool
	NumericIds        bool
	SafeFileList      bool
	DeferredWrite     bool
	ChecksumChoice    string
}

// Transfer holds the session state for the Generator+Receiver side: the
// destination root, the file list the peer already sent, and the
// channel the Generator uses to tell the Receiver what each upcoming
// index's checksum header and local replica path are (the wire itself
// carries only the echoed index, never the header again).
type Transfer struct {
	Logger *log.Logger
	Opts   *TransferOpts
	Dest   string
	Env    rsyncos.Std
	Conn   *rsyncwire.Conn
	Seed   int32

	fileList    *filelist.Filelist
	topSegment  *filelist.Segment
	destRoot    *filelist.Root
	digester    checksum.Digester
	ioErrorBits int32
	reqs        chan genRequest
	outcome     chan fileOutcome
	segs        chan segmentResult

	// transferred tracks, per file-list index, whether that file has
	// already been sent once this session (spec.md §3's "Transferred
	// bitset"). A digest mismatch on an index already in this set means
	// the peer resent it and it still doesn't match, so the file is
	// purged via ERROR_XFER instead of requested again.
	transferred map[int32]bool

	genPrevIndex     int32 // index-echo state for GenerateFiles' request direction
	expandedSegments int
}

// genRequest is the in-process handoff from GenerateFiles to RecvFiles
// for one regular-file transfer: the index the peer will echo back, the
// FileInfo it concerns, the checksum header the Generator already wrote
// to the wire (so the Receiver never needs to re-derive or re-read it),
// and the local replica path (empty if none exists).
type genRequest struct {
	index     int32
	file      *filelist.FileInfo
	head      checksum.SumHead
	localPath string
}

// fileOutcome is RecvFiles' verdict on one genRequest, handed back to
// GenerateFiles so it can decide whether to move on to the next index or
// re-request (redo, spec.md §4.7) the same one. In tridge rsync this
// travels over a local generator<->receiver pipe tagged MsgRedo; here
// the two roles are goroutines sharing one process, so the same signal
// is a plain channel instead of a wire message.
type fileOutcome struct {
	index        int32
	retry        bool
	errorXferMsg []byte // non-nil when the file was purged; see reportErrorXfer
}

// segmentResult is RecvFiles' handoff to GenerateFiles of a newly
// decoded stub-directory expansion segment (or the error that aborted
// decoding it).
type segmentResult struct {
	seg *filelist.Segment
	err error
}

// ReceiveFileList decodes the peer's incremental file list in full,
// installing it as a single top-level Segment; any subdirectories
// within it remain stubs until GenerateFiles requests their expansion
// over the wire (spec.md §4.4/§4.7).
func (rt *Transfer) ReceiveFileList() (*filelist.Filelist, error) {
	dec := filelist.NewDecoder(filelist.CodecOptions{
		PreserveUid:  rt.Opts.PreserveUid,
		PreserveGid:  rt.Opts.PreserveGid,
		NumericIds:   rt.Opts.NumericIds,
		SafeFileList: rt.Opts.SafeFileList,
	})
	var files []*filelist.FileInfo
	for {
		res, err := dec.Decode(rt.Conn)
		if err != nil {
			return nil, err
		}
		if res.Done {
			rt.ioErrorBits = res.IoErrorBits
			break
		}
		files = append(files, res.File)
	}

	fl := filelist.New(rt.Opts.Recurse)
	rt.topSegment = fl.NewSegment(-1, files)
	rt.fileList = fl
	return fl, nil
}

// RecvFiles consumes the Sender's replies: an echoed index terminated
// by -1, then (per spec.md §4.7's reconstruction loop) the token stream
// and whole-file digest for that index's file. A negative, non-(-1)
// index is a stub directory expansion reply (spec.md §4.4) rather than
// a file transfer and is decoded into a new Segment instead.
func (rt *Transfer) RecvFiles() error {
	prevIndex := int32(-1)
	for {
		idx, err := rsyncwire.ReadIndex(rt.Conn.Reader, prevIndex)
		if err != nil {
			return err
		}
		prevIndex = idx
		if idx == -1 {
			break
		}
		if idx < 0 {
			if err := rt.recvStubExpansion(idx); err != nil {
				return err
			}
			continue
		}
		req, ok := <-rt.reqs
		if !ok {
			return rsyncerr.Protocolf("receiver: peer replied with index %d after the generator had no more requests", idx)
		}
		if req.index != idx {
			return rsyncerr.Protocolf("receiver: index mismatch, peer replied %d, expected %d", idx, req.index)
		}
		if rt.Opts.Verbose {
			rt.Logger.Printf("receiving file idx=%d: %s", idx, req.file.Name)
		}
		if err := rt.recvFile1(req); err != nil {
			return err
		}
	}
	return nil
}

// recvStubExpansion decodes one stub-directory expansion segment (the
// Sender's reply to an OFFSET request GenerateFiles issued) and hands
// the resulting Segment back to it over rt.segs.
func (rt *Transfer) recvStubExpansion(idx int32) error {
	dirIndex := rsync.IndexOffset - idx

	dec := filelist.NewDecoder(filelist.CodecOptions{
		PreserveUid:  rt.Opts.PreserveUid,
		PreserveGid:  rt.Opts.PreserveGid,
		NumericIds:   rt.Opts.NumericIds,
		SafeFileList: rt.Opts.SafeFileList,
	})
	var files []*filelist.FileInfo
	for {
		res, err := dec.Decode(rt.Conn)
		if err != nil {
			rt.segs <- segmentResult{err: err}
			return err
		}
		if res.Done {
			break
		}
		files = append(files, res.File)
	}

	seg := rt.fileList.NewSegment(dirIndex, files)
	rt.segs <- segmentResult{seg: seg}
	return nil
}

// recvFile1 reconstructs one file and reports its outcome to
// GenerateFiles over rt.outcome. A strong-digest mismatch is not itself
// a fatal protocol error (spec.md §4.7): the first time an index
// mismatches, recvFile1 asks the Generator to redo it; if the index was
// already in rt.transferred (meaning this is the resend), it instead
// hands an ERROR_XFER message to the Generator over rt.outcome (which
// writes it to the peer) and moves on, same as tridge rsync's handling
// of a file it gives up on.
func (rt *Transfer) recvFile1(req genRequest) error {
	f := req.file

	var localFile *os.File
	if req.localPath != "" {
		if lf, err := os.Open(req.localPath); err == nil {
			localFile = lf
			defer localFile.Close()
		}
	}

	dest, err := rt.destRoot.Resolve(f.Name)
	if err != nil {
		return err
	}

	ok, err := rt.receiveData(f, req.head, localFile, dest)
	if err != nil {
		return err
	}

	if !ok {
		alreadyResent := rt.transferred[req.index]
		rt.transferred[req.index] = true
		if alreadyResent {
			rt.Logger.Printf("checksum mismatch reconstructing %s after resend, giving up", f.Name)
			rt.ioErrorBits |= rsync.IoErrorTransfer
			msg := []byte(fmt.Sprintf("ERROR_XFER: %s failed verification\n", f.Name))
			rt.outcome <- fileOutcome{index: req.index, retry: false, errorXferMsg: msg}
			return nil
		}
		rt.Logger.Printf("checksum mismatch reconstructing %s, requesting redo", f.Name)
		rt.outcome <- fileOutcome{index: req.index, retry: true}
		return nil
	}

	rt.transferred[req.index] = true
	rt.outcome <- fileOutcome{index: req.index, retry: false}
	return rt.setPerms(f)
}

// reportErrorXfer tells the peer, via the MsgErrorXfer out-of-band
// channel, that a file could not be reconstructed and was skipped.
// Called from GenerateFiles (the sole writer of rt.Conn) after it reads
// an outcome carrying a message, never directly from RecvFiles, so the
// two goroutines never write to the connection concurrently. The
// multiplexed writer is only present once the connection has switched
// to binary mode (rsyncd.go/clientmaincmd.go wrap c.Writer in one before
// constructing Transfer), which every real transfer does by the time
// this can run.
func (rt *Transfer) reportErrorXfer(msg []byte) error {
	mw, ok := rt.Conn.Writer.(interface {
		WriteMsg(code int, data []byte) error
	})
	if !ok {
		return nil
	}
	return mw.WriteMsg(rsyncwire.MsgErrorXfer, msg)
}

func (rt *Transfer) recvToken() (int32, []byte, error) {
	token, err := rt.Conn.ReadInt32()
	if err != nil {
		return 0, nil, err
	}
	if token <= 0 {
		return token, nil, nil
	}
	data, err := rt.Conn.ReadN(int(token))
	if err != nil {
		return 0, nil, err
	}
	return token, data, nil
}

// receiveData implements spec.md §4.7's reconstruction loop plus the
// deferred-write optimization of the paragraph right after it: while
// every matched block so far has been block 0, 1, 2, … in order, the
// bytes are not copied into the pending temp file at all, only hashed;
// the first literal or out-of-order match "catches up" by copying the
// already-accepted replica prefix, and a file that matches the replica
// in full, with no literals, is installed by discarding the temp file
// and leaving the replica in place.
//
// The returned bool reports whether the whole-file digest matched: a
// mismatch is not itself a fatal error here, it is the caller's signal
// to resend or give up per spec.md §4.7.
func (rt *Transfer) receiveData(f *filelist.FileInfo, sh checksum.SumHead, localFile *os.File, dest string) (bool, error) {
	h := rt.digester.NewWholeFile()

	out, err := newPendingFile(dest)
	if err != nil {
		return false, err
	}
	committed := false
	defer func() {
		if !committed {
			out.Cleanup()
		}
	}()

	deferredOK := rt.Opts.DeferredWrite && localFile != nil && sh.BlockLength > 0
	pureReplica := deferredOK
	var deferredBytes int64
	expectedNext := int32(0)

	flushDeferred := func() error {
		if deferredBytes == 0 {
			return nil
		}
		buf := make([]byte, deferredBytes)
		if _, err := localFile.ReadAt(buf, 0); err != nil && err != io.EOF {
			return err
		}
		_, err := out.Write(buf)
		return err
	}

	for {
		token, data, err := rt.recvToken()
		if err != nil {
			return false, err
		}
		if token == 0 {
			break
		}

		if token > 0 {
			pureReplica = false
			if deferredOK {
				if err := flushDeferred(); err != nil {
					return false, err
				}
				deferredOK = false
			}
			h.Write(data)
			if _, err := out.Write(data); err != nil {
				return false, err
			}
			continue
		}

		if sh.BlockLength == 0 {
			return false, rsyncerr.Protocolf("receiver: matched block token for %s but checksum header has blockLength 0", f.Name)
		}
		blockIdx := -(token + 1)
		if blockIdx < 0 || blockIdx >= sh.ChunkCount {
			return false, rsyncerr.Protocolf("receiver: matched block index %d out of range [0,%d) for %s", blockIdx, sh.ChunkCount, f.Name)
		}
		length := int64(sh.ChunkLength(blockIdx))

		if deferredOK && blockIdx == expectedNext {
			buf := make([]byte, length)
			if _, err := localFile.ReadAt(buf, deferredBytes); err != nil && err != io.EOF {
				return false, err
			}
			h.Write(buf)
			deferredBytes += length
			expectedNext++
			continue
		}

		pureReplica = false
		if deferredOK {
			if err := flushDeferred(); err != nil {
				return false, err
			}
			deferredOK = false
		}
		if localFile == nil {
			return false, rsyncerr.Protocolf("receiver: matched block but no local replica is open for %s", f.Name)
		}
		buf := make([]byte, length)
		if _, err := localFile.ReadAt(buf, int64(blockIdx)*int64(sh.BlockLength)); err != nil && err != io.EOF {
			return false, err
		}
		h.Write(buf)
		if _, err := out.Write(buf); err != nil {
			return false, err
		}
	}

	localSum := h.Sum(nil)
	remoteSum, err := rt.Conn.ReadN(rt.digester.Kind().Len())
	if err != nil {
		return false, err
	}
	if !digestsEqual(localSum, remoteSum) {
		return false, nil
	}
	rt.Logger.Printf("checksum matches for %s", f.Name)

	if pureReplica {
		// Every block matched sequentially with no literals: the replica
		// already is the file. Drop the temp file instead of renaming it.
		return true, nil
	}

	if err := out.CloseAtomicallyReplace(); err != nil {
		return false, err
	}
	committed = true
	return true, nil
}

func digestsEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// report reads the three closing statistics int64s the sender side
// (sender.Transfer.Do) writes once its request loop drains.
func (rt *Transfer) report(c *rsyncwire.Conn) (*rsyncstats.TransferStats, error) {
	read, err := c.ReadInt64()
	if err != nil {
		return nil, err
	}
	written, err := c.ReadInt64()
	if err != nil {
		return nil, err
	}
	size, err := c.ReadInt64()
	if err != nil {
		return nil, err
	}
	rt.Logger.Printf("peer sent stats: read=%d written=%d size=%d", read, written, size)
	return &rsyncstats.TransferStats{
		Read:             read,
		Written:          written,
		Size:             size,
		IoErrorBits:      rt.ioErrorBits,
		ExpandedSegments: rt.expandedSegments,
	}, nil
}
