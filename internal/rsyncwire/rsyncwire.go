// Package rsyncwire implements the byte-level transport primitives of the
// rsync wire protocol: counting readers/writers, the tagged multiplex
// framing used once the daemon handshake completes, the prefetching input
// buffer, and the varint/index encodings the file-list codec builds on.
package rsyncwire

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/relaysync/rsync/internal/rsyncerr"
)

// CountingReader wraps an io.Reader and tracks the number of bytes read
// through it, so that a Transfer can report byte counts without every
// call site threading a counter through by hand.
type CountingReader struct {
	R         io.Reader
	BytesRead int64
}

func (c *CountingReader) Read(p []byte) (int, error) {
	n, err := c.R.Read(p)
	c.BytesRead += int64(n)
	return n, err
}

// CountingWriter is the write-side counterpart of CountingReader.
type CountingWriter struct {
	W            io.Writer
	BytesWritten int64
}

func (c *CountingWriter) Write(p []byte) (int, error) {
	n, err := c.W.Write(p)
	c.BytesWritten += int64(n)
	return n, err
}

// CounterPair wraps a bidirectional connection in a CountingReader and a
// CountingWriter sharing the same underlying conn.
func CounterPair(r io.Reader, w io.Writer) (*CountingReader, *CountingWriter) {
	return &CountingReader{R: r}, &CountingWriter{W: w}
}

// Flusher is implemented by writers that buffer output, letting Conn
// perform the duplex auto-flush spec.md §4.1 requires: the writer is
// flushed before a blocking read, but only when no input is already
// available, to avoid flushing on every single small read.
type Flusher interface {
	Flush() error
}

// Conn bundles the reader and writer sides of a connection and implements
// the little-endian integer primitives every higher-level package uses.
type Conn struct {
	Reader io.Reader
	Writer io.Writer
}

func (c *Conn) flushBeforeRead() {
	type availabler interface{ NumBytesAvailable() int }
	if a, ok := c.Reader.(availabler); ok && a.NumBytesAvailable() > 0 {
		return
	}
	if f, ok := c.Writer.(Flusher); ok {
		f.Flush()
	}
}

func (c *Conn) readFull(p []byte) error {
	c.flushBeforeRead()
	_, err := io.ReadFull(c.Reader, p)
	return err
}

func (c *Conn) ReadByte() (byte, error) {
	var b [1]byte
	if err := c.readFull(b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}

func (c *Conn) WriteByte(b byte) error {
	_, err := c.Writer.Write([]byte{b})
	return err
}

func (c *Conn) ReadInt32() (int32, error) {
	var b [4]byte
	if err := c.readFull(b[:]); err != nil {
		return 0, err
	}
	return int32(binary.LittleEndian.Uint32(b[:])), nil
}

func (c *Conn) WriteInt32(v int32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(v))
	_, err := c.Writer.Write(b[:])
	return err
}

// ReadInt64 decodes a 32-bit value, with -1 escaping to a following real
// 64-bit little-endian value; this keeps small offsets/sizes (almost
// every one, in practice) at 4 bytes on the wire.
func (c *Conn) ReadInt64() (int64, error) {
	v32, err := c.ReadInt32()
	if err != nil {
		return 0, err
	}
	if v32 != -1 {
		return int64(v32), nil
	}
	var b [8]byte
	if err := c.readFull(b[:]); err != nil {
		return 0, err
	}
	return int64(binary.LittleEndian.Uint64(b[:])), nil
}

func (c *Conn) WriteInt64(v int64) error {
	if v <= 0x7FFFFFFF && v >= 0 {
		return c.WriteInt32(int32(v))
	}
	if err := c.WriteInt32(-1); err != nil {
		return err
	}
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(v))
	_, err := c.Writer.Write(b[:])
	return err
}

func (c *Conn) ReadN(n int) ([]byte, error) {
	buf := make([]byte, n)
	if err := c.readFull(buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func (c *Conn) WriteString(s string) error {
	_, err := io.WriteString(c.Writer, s)
	return err
}

func (c *Conn) Flush() error {
	if f, ok := c.Writer.(Flusher); ok {
		return f.Flush()
	}
	return nil
}

// Message tags, sent in the top byte of the 4-byte multiplex header
// (DATA, INFO, ERROR, WARNING, LOG, ERROR_XFER, IO_ERROR, NO_SEND, plus a
// handful tridge rsync also defines that this implementation passes
// through unchanged).
const (
	MsgData      = 0
	MsgErrorXfer = 1
	MsgInfo      = 2
	MsgError     = 3
	MsgWarning   = 4
	MsgSocketErr = 5
	MsgLog       = 6
	MsgClient    = 7
	MsgRedo      = 9
	MsgStats     = 10
	MsgIoError   = 22
	MsgIoTimeout = 33
	MsgNoop      = 42
	MsgErrorSocket = 43
	MsgErrorUtf8   = 44
	MsgSuccess     = 100
	MsgDeleted     = 101
	MsgNoSend      = 102
)

// tagOffset keeps tag values positive: the 4-byte multiplex header is
// ((code+tagOffset)<<24) | length, length in the low 3 bytes.
const tagOffset = 7

const maxMultiplexPayload = 0xFFFFFF

// MultiplexWriter implements the sending side's out-of-band message
// channel: every Write is wrapped in a tagged, length-prefixed frame with
// tag MsgData, and WriteMsg sends the other tags (errors, warnings,
// informational text) interleaved on the same stream.
type MultiplexWriter struct {
	Writer io.Writer
}

func (m *MultiplexWriter) Write(p []byte) (int, error) {
	total := 0
	for len(p) > 0 {
		chunk := p
		if len(chunk) > maxMultiplexPayload {
			chunk = chunk[:maxMultiplexPayload]
		}
		if err := m.WriteMsg(MsgData, chunk); err != nil {
			return total, err
		}
		total += len(chunk)
		p = p[len(chunk):]
	}
	return total, nil
}

// WriteMsg writes a single tagged frame with an explicit message code.
func (m *MultiplexWriter) WriteMsg(code int, data []byte) error {
	if len(data) > maxMultiplexPayload {
		return fmt.Errorf("rsyncwire: message too large: %d bytes", len(data))
	}
	var hdr [4]byte
	tag := uint32(code+tagOffset)<<24 | uint32(len(data))&maxMultiplexPayload
	binary.LittleEndian.PutUint32(hdr[:], tag)
	if _, err := m.Writer.Write(hdr[:]); err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	_, err := m.Writer.Write(data)
	return err
}

func (m *MultiplexWriter) Flush() error {
	if f, ok := m.Writer.(Flusher); ok {
		return f.Flush()
	}
	return nil
}

// MultiplexReader strips tagged frame headers from the stream: MsgData
// payloads pass through to Read callers as plain bytes, every other tag
// is routed through OnMsg (or, if unset, written verbatim to Stderr).
type MultiplexReader struct {
	Reader io.Reader
	Stderr io.Writer
	OnMsg  func(tag int, data []byte)

	remaining int
}

func (m *MultiplexReader) Read(p []byte) (int, error) {
	for m.remaining == 0 {
		var hdr [4]byte
		if _, err := io.ReadFull(m.Reader, hdr[:]); err != nil {
			return 0, err
		}
		tag := binary.LittleEndian.Uint32(hdr[:])
		code := int(tag>>24) - tagOffset
		length := int(tag & maxMultiplexPayload)
		if code == MsgData {
			m.remaining = length
			continue
		}
		if (code == MsgIoError || code == MsgNoSend) && length != 4 {
			return 0, rsyncerr.Protocolf("message code %d must carry 4 bytes, got %d", code, length)
		}
		data := make([]byte, length)
		if length > 0 {
			if _, err := io.ReadFull(m.Reader, data); err != nil {
				return 0, err
			}
		}
		if m.OnMsg != nil {
			m.OnMsg(code, data)
		} else if m.Stderr != nil {
			m.Stderr.Write(data)
		}
	}
	n := len(p)
	if n > m.remaining {
		n = m.remaining
	}
	read, err := io.ReadFull(m.Reader, p[:n])
	m.remaining -= read
	return read, err
}

// defaultPrefetchSize is spec.md §4.1's default prefetch buffer size.
const defaultPrefetchSize = 8192

// PrefetchReader maintains a compacted internal buffer so that small
// reads don't each turn into a syscall, and so NumBytesAvailable can
// answer without blocking. Conn uses NumBytesAvailable to decide whether
// a read needs to flush the paired writer first.
type PrefetchReader struct {
	src     io.Reader
	flusher Flusher
	buf     []byte
	r, w    int
}

// NewPrefetchReader wraps src with the default-sized prefetch buffer.
// flusher may be nil if the paired writer is unbuffered.
func NewPrefetchReader(src io.Reader, flusher Flusher) *PrefetchReader {
	return &PrefetchReader{
		src:     src,
		flusher: flusher,
		buf:     make([]byte, defaultPrefetchSize),
	}
}

func (p *PrefetchReader) NumBytesAvailable() int { return p.w - p.r }

func (p *PrefetchReader) fill() error {
	if p.w-p.r == 0 {
		p.r, p.w = 0, 0
		if p.flusher != nil {
			p.flusher.Flush()
		}
	} else if p.r > 0 {
		copy(p.buf, p.buf[p.r:p.w])
		p.w -= p.r
		p.r = 0
	}
	if p.w == len(p.buf) {
		// Caller asked for more than we can buffer; grow conservatively.
		grown := make([]byte, len(p.buf)*2)
		copy(grown, p.buf[:p.w])
		p.buf = grown
	}
	n, err := p.src.Read(p.buf[p.w:])
	p.w += n
	if n > 0 {
		return nil
	}
	return err
}

func (p *PrefetchReader) Read(dst []byte) (int, error) {
	if p.w-p.r == 0 {
		if err := p.fill(); err != nil {
			return 0, err
		}
	}
	n := copy(dst, p.buf[p.r:p.w])
	p.r += n
	return n, nil
}

// varlong is the "encoded long" codec from spec.md §4.1: values that fit
// in minBytes unsigned bytes are written raw; larger values (and the rare
// value whose low minBytes happen to be all 1 bits) are flagged by a
// sentinel of minBytes 0xFF bytes, followed by a count byte and that many
// additional little-endian bytes.
func WriteVarlong(w io.Writer, v int64, minBytes int) error {
	if v < 0 {
		return rsyncerr.Protocolf("varlong: negative value %d", v)
	}
	var full [8]byte
	binary.LittleEndian.PutUint64(full[:], uint64(v))
	n := 8
	for n > minBytes && full[n-1] == 0 {
		n--
	}
	if n <= minBytes {
		allFF := true
		for i := 0; i < minBytes; i++ {
			if full[i] != 0xFF {
				allFF = false
				break
			}
		}
		if !allFF {
			_, err := w.Write(full[:minBytes])
			return err
		}
	}
	extra := n - minBytes
	if extra < 1 {
		extra = 1
	}
	sentinel := make([]byte, minBytes)
	for i := range sentinel {
		sentinel[i] = 0xFF
	}
	if _, err := w.Write(sentinel); err != nil {
		return err
	}
	if _, err := w.Write([]byte{byte(extra)}); err != nil {
		return err
	}
	_, err := w.Write(full[minBytes : minBytes+extra])
	return err
}

func ReadVarlong(r io.Reader, minBytes int) (int64, error) {
	buf := make([]byte, minBytes)
	if _, err := io.ReadFull(r, buf); err != nil {
		return 0, err
	}
	allFF := true
	for _, b := range buf {
		if b != 0xFF {
			allFF = false
			break
		}
	}
	if !allFF {
		var full [8]byte
		copy(full[:minBytes], buf)
		return int64(binary.LittleEndian.Uint64(full[:])), nil
	}
	var extraB [1]byte
	if _, err := io.ReadFull(r, extraB[:]); err != nil {
		return 0, err
	}
	extra := int(extraB[0])
	if extra < 1 || minBytes+extra > 8 {
		return 0, rsyncerr.Protocolf("varlong: invalid extension count %d", extra)
	}
	var full [8]byte
	copy(full[:minBytes], buf)
	if _, err := io.ReadFull(r, full[minBytes:minBytes+extra]); err != nil {
		return 0, err
	}
	return int64(binary.LittleEndian.Uint64(full[:])), nil
}

// indexExtension marks the two- and four-byte escapes of the "encoded
// index" codec.
const (
	indexSentinel  = 0xFE
	indexExt2Bytes = 0
	indexExt4Bytes = 1
)

// WriteIndex encodes index as a delta against prevIndex: small
// nonnegative deltas take one byte; anything else (including every
// negative index, used for DONE/EOF/OFFSET sentinels) falls back to an
// absolute 2- or 4-byte encoding behind the 0xFE sentinel byte.
func WriteIndex(w io.Writer, prevIndex, index int32) error {
	diff := int64(index) - int64(prevIndex)
	if diff >= 0 && diff < indexSentinel {
		_, err := w.Write([]byte{byte(diff)})
		return err
	}
	if _, err := w.Write([]byte{indexSentinel}); err != nil {
		return err
	}
	if index >= -0x7FFF && index <= 0x7FFF {
		if _, err := w.Write([]byte{indexExt2Bytes}); err != nil {
			return err
		}
		var b [2]byte
		binary.LittleEndian.PutUint16(b[:], uint16(int16(index)))
		_, err := w.Write(b[:])
		return err
	}
	if _, err := w.Write([]byte{indexExt4Bytes}); err != nil {
		return err
	}
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(index))
	_, err := w.Write(b[:])
	return err
}

func ReadIndex(r io.Reader, prevIndex int32) (int32, error) {
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	if b[0] != indexSentinel {
		return prevIndex + int32(b[0]), nil
	}
	var ext [1]byte
	if _, err := io.ReadFull(r, ext[:]); err != nil {
		return 0, err
	}
	switch ext[0] {
	case indexExt2Bytes:
		var v [2]byte
		if _, err := io.ReadFull(r, v[:]); err != nil {
			return 0, err
		}
		return int32(int16(binary.LittleEndian.Uint16(v[:]))), nil
	case indexExt4Bytes:
		var v [4]byte
		if _, err := io.ReadFull(r, v[:]); err != nil {
			return 0, err
		}
		return int32(binary.LittleEndian.Uint32(v[:])), nil
	default:
		return 0, rsyncerr.Protocolf("index: invalid extension marker %d", ext[0])
	}
}
