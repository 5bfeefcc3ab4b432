package filelist

import (
	"github.com/relaysync/rsync"
	"github.com/relaysync/rsync/internal/rsyncerr"
	"github.com/relaysync/rsync/internal/rsyncwire"
)

// maxPathNameLength bounds a single decoded path, guarding against a
// hostile or buggy peer inflating prefix+suffix into an unbounded alloc.
const maxPathNameLength = 1 << 16

// CodecOptions carries the subset of negotiated session flags the
// incremental codec needs to know about.
type CodecOptions struct {
	PreserveUid   bool
	PreserveGid   bool
	NumericIds    bool
	SafeFileList  bool
}

// Encoder emits Filelist entries using the incremental encoding:
// SAME_MODE/UID/GID/NAME/TIME bits against a one-entry "previous" cache,
// as tabulated in spec.md §4.3.
type Encoder struct {
	opts CodecOptions
	prev *FileInfo
}

func NewEncoder(opts CodecOptions) *Encoder {
	return &Encoder{opts: opts}
}

func (e *Encoder) Encode(c *rsyncwire.Conn, f *FileInfo) error {
	var flags uint16
	prev := e.prev

	sameMode := prev != nil && prev.Mode == f.Mode
	sameUid := prev != nil && prev.Uid == f.Uid
	sameGid := prev != nil && prev.Gid == f.Gid
	sameTime := prev != nil && prev.ModTime == f.ModTime
	sameMajor := prev != nil && f.IsDevice() && prev.IsDevice() && prev.Major == f.Major

	prefixLen, suffix := commonPrefix(prev, f)
	sameName := prefixLen > 0
	longName := len(suffix) > 0xFF

	if f.TopLevel {
		flags |= rsync.FlistTopDir
	}
	if sameMode {
		flags |= rsync.FlistSameMode
	}
	if sameUid {
		flags |= rsync.FlistSameUid
	}
	if sameGid {
		flags |= rsync.FlistSameGid
	}
	if sameName {
		flags |= rsync.FlistSameName
	}
	if longName {
		flags |= rsync.FlistLongName
	}
	if sameTime {
		flags |= rsync.FlistSameTime
	}
	if sameMajor {
		flags |= rsync.FlistSameRdevMajor
	}
	userNameFollows := e.opts.PreserveUid && !e.opts.NumericIds && !sameUid && f.UserName != ""
	groupNameFollows := e.opts.PreserveGid && !e.opts.NumericIds && !sameGid && f.GroupName != ""
	if userNameFollows {
		flags |= rsync.FlistUserNameFollows
	}
	if groupNameFollows {
		flags |= rsync.FlistGroupNameFollows
	}

	if flags > 0xFF {
		// Bits above the low byte only reach the wire as the second byte
		// of an EXTENDED_FLAGS pair.
		flags |= rsync.FlistExtendedFlags
	}

	if flags == 0 {
		// A bare zero flags byte is the list terminator (see End below);
		// an entry that would otherwise encode to all-zero flags gets
		// EXTENDED_FLAGS forced on with a zero high byte so the two never
		// collide on the wire.
		flags |= rsync.FlistExtendedFlags
	}

	if flags&rsync.FlistExtendedFlags != 0 {
		if err := c.WriteByte(byte(flags & 0xFF)); err != nil {
			return err
		}
		if err := c.WriteByte(byte(flags >> 8)); err != nil {
			return err
		}
	} else {
		if err := c.WriteByte(byte(flags)); err != nil {
			return err
		}
	}

	if sameName {
		if err := c.WriteByte(byte(prefixLen)); err != nil {
			return err
		}
	}
	if longName {
		if err := rsyncwire.WriteVarlong(c.Writer, int64(len(suffix)), 1); err != nil {
			return err
		}
	} else {
		if err := c.WriteByte(byte(len(suffix))); err != nil {
			return err
		}
	}
	if err := c.WriteString(string(suffix)); err != nil {
		return err
	}

	if err := rsyncwire.WriteVarlong(c.Writer, f.Size, 3); err != nil {
		return err
	}
	if !sameTime {
		if err := rsyncwire.WriteVarlong(c.Writer, f.ModTime, 4); err != nil {
			return err
		}
	}
	if !sameMode {
		if err := c.WriteInt32(f.Mode); err != nil {
			return err
		}
	}
	if !sameUid {
		if err := rsyncwire.WriteVarlong(c.Writer, int64(f.Uid), 1); err != nil {
			return err
		}
		if userNameFollows {
			if err := writeShortString(c, f.UserName); err != nil {
				return err
			}
		}
	}
	if !sameGid {
		if err := rsyncwire.WriteVarlong(c.Writer, int64(f.Gid), 1); err != nil {
			return err
		}
		if groupNameFollows {
			if err := writeShortString(c, f.GroupName); err != nil {
				return err
			}
		}
	}
	if f.IsDevice() || f.IsSpecial() {
		if !sameMajor {
			if err := rsyncwire.WriteVarlong(c.Writer, int64(f.Major), 1); err != nil {
				return err
			}
		}
		if err := rsyncwire.WriteVarlong(c.Writer, int64(f.Minor), 1); err != nil {
			return err
		}
	}
	if f.IsSymlink() {
		if err := writeShortString(c, f.LinkTarget); err != nil {
			return err
		}
	}

	e.prev = f
	return nil
}

// End writes the single zero-flags terminator byte (and, with
// safe_file_list, an EXTENDED_FLAGS|IO_ERROR_ENDLIST terminator carrying
// the accumulated io-error bits instead).
func (e *Encoder) End(c *rsyncwire.Conn, ioErrorBits int32) error {
	if e.opts.SafeFileList {
		if err := c.WriteByte(byte(rsync.FlistExtendedFlags)); err != nil {
			return err
		}
		if err := c.WriteByte(byte(rsync.FlistIoErrorEndlist >> 8)); err != nil {
			return err
		}
		return c.WriteInt32(ioErrorBits)
	}
	return c.WriteByte(0)
}

func writeShortString(c *rsyncwire.Conn, s string) error {
	if err := rsyncwire.WriteVarlong(c.Writer, int64(len(s)), 1); err != nil {
		return err
	}
	return c.WriteString(s)
}

// commonPrefix returns the length of the shared byte prefix between
// prev.Name and f.Name, and the remaining suffix of f.Name, implementing
// the SAME_NAME path-compression scheme.
func commonPrefix(prev *FileInfo, f *FileInfo) (int, []byte) {
	if prev == nil {
		return 0, []byte(f.Name)
	}
	a, b := []byte(prev.Name), []byte(f.Name)
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	if n > 0xFF {
		n = 0xFF
	}
	i := 0
	for i < n && a[i] == b[i] {
		i++
	}
	return i, []byte(f.Name)[i:]
}

// Decoder is the receive side of Encoder, rebuilding FileInfo entries
// from the incremental wire format, including IO_ERROR_ENDLIST handling
// needed for safe_file_list.
type Decoder struct {
	opts     CodecOptions
	prev     *FileInfo
	prevName []byte
}

func NewDecoder(opts CodecOptions) *Decoder {
	return &Decoder{opts: opts}
}

// DecodeResult distinguishes a decoded entry from the list terminator.
type DecodeResult struct {
	File        *FileInfo
	Done        bool
	IoErrorBits int32 // valid only when Done && safe_file_list
}

func (d *Decoder) Decode(c *rsyncwire.Conn) (DecodeResult, error) {
	b0, err := c.ReadByte()
	if err != nil {
		return DecodeResult{}, err
	}
	if b0 == 0 {
		// Bare zero flags byte: the plain list terminator.
		return DecodeResult{Done: true}, nil
	}
	flags := uint16(b0)
	if flags&rsync.FlistExtendedFlags != 0 {
		b1, err := c.ReadByte()
		if err != nil {
			return DecodeResult{}, err
		}
		flags = uint16(b0) | uint16(b1)<<8
	}

	if flags&rsync.FlistIoErrorEndlist != 0 {
		bits, err := c.ReadInt32()
		if err != nil {
			return DecodeResult{}, err
		}
		return DecodeResult{Done: true, IoErrorBits: bits}, nil
	}

	var prefixLen int
	if flags&rsync.FlistSameName != 0 {
		b, err := c.ReadByte()
		if err != nil {
			return DecodeResult{}, err
		}
		prefixLen = int(b)
		if d.prevName == nil || prefixLen > len(d.prevName) {
			return DecodeResult{}, rsyncerr.Protocolf("SAME_NAME prefix length %d exceeds cached name", prefixLen)
		}
	}

	var suffixLen int
	if flags&rsync.FlistLongName != 0 {
		v, err := rsyncwire.ReadVarlong(c.Reader, 1)
		if err != nil {
			return DecodeResult{}, err
		}
		suffixLen = int(v)
	} else {
		b, err := c.ReadByte()
		if err != nil {
			return DecodeResult{}, err
		}
		suffixLen = int(b)
	}
	if prefixLen+suffixLen > maxPathNameLength {
		return DecodeResult{}, rsyncerr.Protocolf("path name length %d exceeds maximum", prefixLen+suffixLen)
	}
	suffix, err := c.ReadN(suffixLen)
	if err != nil {
		return DecodeResult{}, err
	}
	name := make([]byte, prefixLen+suffixLen)
	copy(name, d.prevName[:prefixLen])
	copy(name[prefixLen:], suffix)
	d.prevName = name

	f := &FileInfo{
		Name:     string(name),
		TopLevel: flags&rsync.FlistTopDir != 0,
	}

	size, err := rsyncwire.ReadVarlong(c.Reader, 3)
	if err != nil {
		return DecodeResult{}, err
	}
	if size < 0 {
		return DecodeResult{}, rsyncerr.Protocolf("negative size %d", size)
	}
	f.Size = size

	if flags&rsync.FlistSameTime != 0 {
		if d.prev == nil {
			return DecodeResult{}, rsyncerr.Protocolf("SAME_TIME with no previous entry")
		}
		f.ModTime = d.prev.ModTime
	} else {
		mtime, err := rsyncwire.ReadVarlong(c.Reader, 4)
		if err != nil {
			return DecodeResult{}, err
		}
		if mtime < 0 {
			return DecodeResult{}, rsyncerr.Protocolf("negative mtime %d", mtime)
		}
		f.ModTime = mtime
	}

	if flags&rsync.FlistSameMode != 0 {
		if d.prev == nil {
			return DecodeResult{}, rsyncerr.Protocolf("SAME_MODE with no previous entry")
		}
		f.Mode = d.prev.Mode
	} else {
		mode, err := c.ReadInt32()
		if err != nil {
			return DecodeResult{}, err
		}
		f.Mode = mode
	}
	f.Kind = kindFromMode(f.Mode)
	if err := ValidateName(f.Name, f.Kind); err != nil {
		return DecodeResult{}, err
	}

	if flags&rsync.FlistSameUid != 0 {
		if d.prev == nil {
			return DecodeResult{}, rsyncerr.Protocolf("SAME_UID with no previous entry")
		}
		f.Uid, f.UserName = d.prev.Uid, d.prev.UserName
	} else {
		if !d.opts.PreserveUid {
			return DecodeResult{}, rsyncerr.Protocolf("uid sent without SAME_UID but preserve-uid is off")
		}
		uid, err := rsyncwire.ReadVarlong(c.Reader, 1)
		if err != nil {
			return DecodeResult{}, err
		}
		f.Uid = int32(uid)
		if flags&rsync.FlistUserNameFollows != 0 {
			name, err := readShortString(c)
			if err != nil {
				return DecodeResult{}, err
			}
			f.UserName = name
		}
	}

	if flags&rsync.FlistSameGid != 0 {
		if d.prev == nil {
			return DecodeResult{}, rsyncerr.Protocolf("SAME_GID with no previous entry")
		}
		f.Gid, f.GroupName = d.prev.Gid, d.prev.GroupName
	} else {
		if !d.opts.PreserveGid {
			return DecodeResult{}, rsyncerr.Protocolf("gid sent without SAME_GID but preserve-gid is off")
		}
		gid, err := rsyncwire.ReadVarlong(c.Reader, 1)
		if err != nil {
			return DecodeResult{}, err
		}
		f.Gid = int32(gid)
		if flags&rsync.FlistGroupNameFollows != 0 {
			name, err := readShortString(c)
			if err != nil {
				return DecodeResult{}, err
			}
			f.GroupName = name
		}
	}

	if f.IsDevice() || f.IsSpecial() {
		if flags&rsync.FlistSameRdevMajor != 0 {
			if d.prev == nil || !d.prev.IsDevice() {
				return DecodeResult{}, rsyncerr.Protocolf("SAME_RDEV_MAJOR with no compatible previous entry")
			}
			f.Major = d.prev.Major
		} else {
			major, err := rsyncwire.ReadVarlong(c.Reader, 1)
			if err != nil {
				return DecodeResult{}, err
			}
			f.Major = int32(major)
		}
		minor, err := rsyncwire.ReadVarlong(c.Reader, 1)
		if err != nil {
			return DecodeResult{}, err
		}
		f.Minor = int32(minor)
	}

	if f.IsSymlink() {
		target, err := readShortString(c)
		if err != nil {
			return DecodeResult{}, err
		}
		f.LinkTarget = target
	}

	d.prev = f
	return DecodeResult{File: f}, nil
}

func readShortString(c *rsyncwire.Conn) (string, error) {
	n, err := rsyncwire.ReadVarlong(c.Reader, 1)
	if err != nil {
		return "", err
	}
	b, err := c.ReadN(int(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// kindFromMode maps a POSIX mode's file-type bits onto Kind. Mirrors the
// constants in stdlib syscall/os without importing them here, since the
// codec is platform-independent (peer-supplied modes may describe a
// different OS's file).
func kindFromMode(mode int32) Kind {
	const sIfmt = 0o170000
	switch mode & sIfmt {
	case 0o040000:
		return KindDir
	case 0o120000:
		return KindSymlink
	case 0o020000, 0o060000:
		return KindDevice
	case 0o010000, 0o140000:
		return KindSpecial
	case 0o100000:
		return KindRegular
	default:
		return KindUnknown
	}
}
