// Package checksum implements the rsync block-matching checksum scheme:
// a rolling (Adler-style) weak checksum for the sliding window scan, a
// pluggable strong digest (MD5 by default, xxHash64 optionally) seeded
// per session, and the wire header/table types the Generator and Sender
// exchange.
package checksum

import (
	"github.com/relaysync/rsync/internal/rsyncerr"
	"github.com/relaysync/rsync/internal/rsyncwire"
)

// MaxBlockLength is the protocol-30 ceiling on block size (2^17, rsync.h
// MAX_BLOCK_SIZE for the modern varint-based header).
const MaxBlockLength = 1 << 17

// MaxDigestLength is the largest strong digest this package ever emits
// (MD5's full 16 bytes; xxHash64 truncates into the same budget).
const MaxDigestLength = 16

// SumHead is the checksum table header, wire order (count, blockLength,
// digestLength, remainder) — the order the teacher's sumHead struct and
// spec.md §4.6 both use, which differs from the header's conceptual
// field order in spec.md §3.
type SumHead struct {
	ChunkCount      int32
	BlockLength     int32
	DigestLength    int32
	RemainderLength int32
}

// Validate enforces spec.md §3's Checksum table bounds.
func (s SumHead) Validate() error {
	if s.BlockLength < 0 || s.BlockLength > MaxBlockLength {
		return rsyncerr.Protocolf("checksum header: blockLength %d out of range", s.BlockLength)
	}
	if s.RemainderLength < 0 || s.RemainderLength > s.BlockLength {
		return rsyncerr.Protocolf("checksum header: remainder %d exceeds blockLength %d", s.RemainderLength, s.BlockLength)
	}
	if s.DigestLength < 0 || s.DigestLength > MaxDigestLength {
		return rsyncerr.Protocolf("checksum header: digestLength %d out of range", s.DigestLength)
	}
	if s.BlockLength == 0 && s.ChunkCount != 0 {
		return rsyncerr.Protocolf("checksum header: blockLength 0 requires chunkCount 0, got %d", s.ChunkCount)
	}
	return nil
}

// ChunkLength returns the length in bytes of chunk i: RemainderLength for
// the last chunk if nonzero, else BlockLength.
func (s SumHead) ChunkLength(i int32) int32 {
	if i == s.ChunkCount-1 && s.RemainderLength != 0 {
		return s.RemainderLength
	}
	return s.BlockLength
}

// ReadSumHead decodes a SumHead from c, validating its bounds.
func ReadSumHead(c *rsyncwire.Conn) (SumHead, error) {
	var s SumHead
	var err error
	if s.ChunkCount, err = c.ReadInt32(); err != nil {
		return s, err
	}
	if s.BlockLength, err = c.ReadInt32(); err != nil {
		return s, err
	}
	if s.DigestLength, err = c.ReadInt32(); err != nil {
		return s, err
	}
	if s.RemainderLength, err = c.ReadInt32(); err != nil {
		return s, err
	}
	if err := s.Validate(); err != nil {
		return SumHead{}, err
	}
	return s, nil
}

func (s SumHead) WriteTo(c *rsyncwire.Conn) error {
	if err := c.WriteInt32(s.ChunkCount); err != nil {
		return err
	}
	if err := c.WriteInt32(s.BlockLength); err != nil {
		return err
	}
	if err := c.WriteInt32(s.DigestLength); err != nil {
		return err
	}
	return c.WriteInt32(s.RemainderLength)
}

// SumSizesSqroot computes the Generator's block-size heuristic: roughly
// sqrt(fileLength), rounded up to a multiple of a small block unit, and
// clamped to [minBlockLength, MaxBlockLength].
func SumSizesSqroot(fileLength int64, minBlockLength int32) SumHead {
	const blockUnit = 8

	if fileLength <= 0 {
		return SumHead{}
	}

	var blockLength int64
	switch {
	case fileLength < blockUnit*blockUnit:
		blockLength = blockUnit
	default:
		// Integer sqrt via Newton's method; fileLength is never large
		// enough (bounded by real filesystems) to need math/big.
		x := fileLength
		y := (x + 1) / 2
		for y < x {
			x = y
			y = (x + fileLength/x) / 2
		}
		blockLength = x
		// round up to a multiple of blockUnit
		if rem := blockLength % blockUnit; rem != 0 {
			blockLength += blockUnit - rem
		}
	}

	if blockLength < int64(minBlockLength) {
		blockLength = int64(minBlockLength)
	}
	if blockLength > MaxBlockLength {
		blockLength = MaxBlockLength
	}
	if blockLength == 0 {
		blockLength = blockUnit
	}

	chunkCount := (fileLength + blockLength - 1) / blockLength
	remainder := fileLength % blockLength

	return SumHead{
		ChunkCount:      int32(chunkCount),
		BlockLength:     int32(blockLength),
		RemainderLength: int32(remainder),
	}
}
