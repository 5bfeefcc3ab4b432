// Package filelist implements the ordered, index-addressed collection of
// file metadata entries rsync calls the "file list": FileInfo records,
// Segment/Filelist bookkeeping for recursive stub-directory expansion,
// the incremental wire codec, and destination-root path safety.
package filelist

import (
	"bytes"
	"strings"

	"github.com/relaysync/rsync/internal/rsyncerr"
)

// Kind tags a FileInfo's filesystem entry type. A tagged sum type is used
// in place of a class hierarchy: every variant (plain, symlink, device,
// hardlink) is this same struct with different populated fields, and
// callers branch on Kind or use the accessor methods below.
type Kind int

const (
	KindRegular Kind = iota
	KindDir
	KindSymlink
	KindDevice
	KindSpecial
	KindUnknown
)

// FileInfo is immutable metadata for one filesystem entry, as
// transmitted or received over the wire.
type FileInfo struct {
	Name string // decoded path-name string; "" if untransferrable
	Raw  []byte // peer's raw path-name bytes

	Kind       Kind
	Mode       int32
	Size       int64
	ModTime    int64
	Uid        int32
	Gid        int32
	UserName   string
	GroupName  string
	LinkTarget string // symlink target
	Major      int32  // device major
	Minor      int32  // device minor

	TopLevel bool // TOP_DIR flag: a top-level directory argument

	// LocalPath is populated on sides that own a filesystem view (the
	// "locatable" variant of spec.md §3); empty otherwise.
	LocalPath string
}

func (f *FileInfo) IsDir() bool     { return f.Kind == KindDir }
func (f *FileInfo) IsSymlink() bool { return f.Kind == KindSymlink }
func (f *FileInfo) IsDevice() bool  { return f.Kind == KindDevice }
func (f *FileInfo) IsRegular() bool { return f.Kind == KindRegular }
func (f *FileInfo) IsSpecial() bool { return f.Kind == KindSpecial }

// dotName is the literal "." entry denoting the root of a non-recursive
// transfer or a top-level directory argument.
const dotName = "."

// Compare implements the FileInfo total order from spec.md §3: "."
// sorts first; files sort before directories; otherwise lexicographic
// byte comparison, treating a directory as if it had a trailing '/'.
func Compare(a, b *FileInfo) int {
	if a.Name == dotName && b.Name == dotName {
		return 0
	}
	if a.Name == dotName {
		return -1
	}
	if b.Name == dotName {
		return 1
	}
	ab, bb := []byte(a.Name), []byte(b.Name)
	if a.IsDir() {
		ab = append(append([]byte{}, ab...), '/')
	}
	if b.IsDir() {
		bb = append(append([]byte{}, bb...), '/')
	}
	return bytes.Compare(ab, bb)
}

// Less reports whether a sorts before b under Compare.
func Less(a, b *FileInfo) bool { return Compare(a, b) < 0 }

// ValidateName enforces the structural half of spec.md §3's FileInfo
// invariants: non-empty, no leading/trailing '/', "." reserved for
// directories.
func ValidateName(name string, kind Kind) error {
	if name == "" {
		return rsyncerr.Protocolf("empty path name")
	}
	if name == dotName {
		if kind != KindDir {
			return rsyncerr.Protocolf(`"." reserved for directories`)
		}
		return nil
	}
	if strings.HasPrefix(name, "/") || strings.HasSuffix(name, "/") {
		return rsyncerr.Protocolf("path name must not start or end with '/': %s", name)
	}
	return nil
}
