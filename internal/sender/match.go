package sender

import (
	"encoding/binary"
	"io"
	"os"

	"github.com/relaysync/rsync"
	"github.com/relaysync/rsync/internal/checksum"
	"github.com/relaysync/rsync/internal/filelist"
	"github.com/relaysync/rsync/internal/rsyncstats"
	"github.com/relaysync/rsync/internal/rsyncwire"
)

const maxLiteralBurst = 8 << 10

// sendFile answers one Generator request: read item flags and (if
// TRANSFER is set) a checksum header and table, then run the sliding
// window block match against the local file named by idx and stream
// matches/literals back, per spec.md §4.5.
func (st *Transfer) sendFile(idx int32, f *filelist.FileInfo, stats *rsyncstats.TransferStats) error {
	flagsBuf, err := st.Conn.ReadN(2)
	if err != nil {
		return err
	}
	itemFlags := binary.LittleEndian.Uint16(flagsBuf)
	if itemFlags&rsync.ItemTransfer == 0 {
		return nil
	}

	// Echo the index back on the response direction before any file data,
	// so the peer's Receiver worker (which never sees the request stream)
	// can tell which of its pending requests this reply answers.
	if err := rsyncwire.WriteIndex(st.Conn.Writer, st.lastSentIndex, idx); err != nil {
		return err
	}
	st.lastSentIndex = idx

	head, err := checksum.ReadSumHead(st.Conn)
	if err != nil {
		return err
	}
	table := checksum.NewTable(head)
	for i := int32(0); i < head.ChunkCount; i++ {
		rollingBuf, err := st.Conn.ReadN(4)
		if err != nil {
			return err
		}
		strong, err := st.Conn.ReadN(int(head.DigestLength))
		if err != nil {
			return err
		}
		table.Add(binary.LittleEndian.Uint32(rollingBuf), i, strong)
	}

	local := st.roots[idx]

	fh, err := os.Open(local)
	if err != nil {
		// Vanished or unreadable source file: still must answer with an
		// empty literal burst plus a (meaningless but well-formed) whole
		// file digest, so indices stay aligned on the peer.
		if err := st.Conn.WriteInt32(0); err != nil {
			return err
		}
		return st.Conn.WriteString(string(make([]byte, st.digester.Kind().Len())))
	}
	defer fh.Close()

	writer := &literalWriter{conn: st.Conn}
	wholeFile := st.digester.NewWholeFile()
	lastMatch := int32(-1)
	literalBefore := stats.TotalLiteralSize

	if head.BlockLength == 0 {
		buf := make([]byte, maxLiteralBurst)
		for {
			n, rerr := fh.Read(buf)
			if n > 0 {
				wholeFile.Write(buf[:n])
				if err := writer.Literal(buf[:n]); err != nil {
					return err
				}
				stats.TotalLiteralSize += int64(n)
			}
			if rerr == io.EOF {
				break
			}
			if rerr != nil {
				return rerr
			}
		}
	} else {
		if err := st.scanBlocks(fh, head, table, writer, wholeFile, stats, &lastMatch); err != nil {
			return err
		}
	}

	if err := writer.Flush(); err != nil {
		return err
	}
	if err := st.Conn.WriteInt32(0); err != nil {
		return err
	}

	stats.NumTransferredFiles++
	if stats.TotalLiteralSize == literalBefore {
		stats.NumMatchedFiles++
	}
	sum := wholeFile.Sum(nil)
	return st.Conn.WriteString(string(sum))
}

// scanBlocks implements the sliding-window scan of spec.md §4.5 steps
// 1-6: read the file in blockLength windows, consult the rolling
// checksum's candidate list, confirm with the strong digest, and emit
// matches or accumulate a pending literal run.
func (st *Transfer) scanBlocks(fh *os.File, head checksum.SumHead, table *checksum.Table, writer *literalWriter, wholeFile interface{ Write([]byte) (int, error) }, stats *rsyncstats.TransferStats, lastMatch *int32) error {
	data, err := io.ReadAll(fh)
	if err != nil {
		return err
	}
	n := int64(len(data))
	blockLen := int64(head.BlockLength)
	if n == 0 {
		return nil
	}

	pos := int64(0)
	pendingStart := int64(0)

	flushLiteral := func(end int64) error {
		if end <= pendingStart {
			return nil
		}
		chunk := data[pendingStart:end]
		wholeFile.Write(chunk)
		stats.TotalLiteralSize += int64(len(chunk))
		return writer.Literal(chunk)
	}

	windowLenAt := func(p int64) int64 {
		if n-p < blockLen {
			return n - p
		}
		return blockLen
	}

	windowLen := windowLenAt(pos)
	roll := checksum.NewRolling(data[pos : pos+windowLen])
	rollValid := true

	for pos < n {
		curLen := windowLenAt(pos)
		if !rollValid || curLen != windowLen {
			windowLen = curLen
			roll = checksum.NewRolling(data[pos : pos+windowLen])
			rollValid = true
		}
		window := data[pos : pos+windowLen]

		matched := false
		for _, cand := range checksum.PreferredOrder(table.Candidates(roll.Value()), *lastMatch+1) {
			if int64(cand.Length) != windowLen {
				continue
			}
			strong := st.digester.Sum(window)
			if truncatedEqual(strong, cand.Strong) {
				if err := flushLiteral(pos); err != nil {
					return err
				}
				if err := writer.Match(cand.Index); err != nil {
					return err
				}
				stats.TotalMatchedSize += windowLen
				*lastMatch = cand.Index
				pos += windowLen
				pendingStart = pos
				matched = true
				rollValid = false
				break
			}
		}
		if matched {
			continue
		}
		if pos+windowLen < n {
			roll = roll.Roll(data[pos], data[pos+windowLen])
		} else {
			rollValid = false
		}
		pos++
		if pos-pendingStart >= maxLiteralBurst {
			if err := flushLiteral(pos); err != nil {
				return err
			}
		}
	}
	return flushLiteral(n)
}

func truncatedEqual(full, truncated []byte) bool {
	if len(truncated) > len(full) {
		return false
	}
	for i, b := range truncated {
		if full[i] != b {
			return false
		}
	}
	return true
}

// literalWriter chunks literal bytes into ≤8 KiB bursts, each prefixed
// by a 32-bit length, and encodes matches as -(chunkIndex+1).
type literalWriter struct {
	conn interface {
		WriteInt32(int32) error
		WriteString(string) error
	}
	pending []byte
}

func (w *literalWriter) Literal(b []byte) error {
	w.pending = append(w.pending, b...)
	for len(w.pending) >= maxLiteralBurst {
		if err := w.flushChunk(w.pending[:maxLiteralBurst]); err != nil {
			return err
		}
		w.pending = w.pending[maxLiteralBurst:]
	}
	return nil
}

func (w *literalWriter) Match(chunkIndex int32) error {
	if err := w.Flush(); err != nil {
		return err
	}
	return w.conn.WriteInt32(-(chunkIndex + 1))
}

func (w *literalWriter) Flush() error {
	if len(w.pending) == 0 {
		return nil
	}
	err := w.flushChunk(w.pending)
	w.pending = nil
	return err
}

func (w *literalWriter) flushChunk(b []byte) error {
	if err := w.conn.WriteInt32(int32(len(b))); err != nil {
		return err
	}
	return w.conn.WriteString(string(b))
}
