package filelist

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/relaysync/rsync/internal/rsyncerr"
)

// ValidatePath enforces spec.md §4.8's receive-side path safety rules on
// a peer-supplied relative name: non-absolute, no ".." component that
// would escape the destination root, and (when forbidLocalSeparator is
// set, i.e. the name arrived as a single path component rather than a
// full relative path) no occurrence of the local OS path separator.
func ValidatePath(name string, forbidLocalSeparator bool) error {
	if name == "" {
		return rsyncerr.Securityf("empty path")
	}
	if filepath.IsAbs(name) || strings.HasPrefix(name, "/") {
		return rsyncerr.Securityf("absolute path rejected: %s", name)
	}
	if forbidLocalSeparator && os.PathSeparator != '/' && strings.ContainsRune(name, os.PathSeparator) {
		return rsyncerr.Securityf("path component contains local separator: %s", name)
	}
	depth := 0
	for _, part := range strings.Split(name, "/") {
		switch part {
		case "", ".":
			continue
		case "..":
			depth--
			if depth < 0 {
				return rsyncerr.Securityf("path escapes destination root: %s", name)
			}
		default:
			depth++
		}
	}
	return nil
}

// Root is a scoped view of a destination directory: every path passed to
// its methods is validated with ValidatePath and resolved relative to
// Base, so callers cannot be tricked by a malicious peer name into
// touching anything outside Base. It plays the role the teacher's
// `rt.DestRoot` (an os.Root-shaped field) plays in the retrieved
// receiver.go, generalized to run on Go versions without os.Root and to
// make the containment check explicit and testable on its own.
type Root struct {
	Base string
}

func NewRoot(base string) *Root {
	return &Root{Base: filepath.Clean(base)}
}

// Resolve validates name and returns its absolute path under Base,
// failing with SecurityError if name would escape Base.
func (r *Root) Resolve(name string) (string, error) {
	if err := ValidatePath(name, false); err != nil {
		return "", err
	}
	full := filepath.Join(r.Base, name)
	rel, err := filepath.Rel(r.Base, full)
	if err != nil {
		return "", rsyncerr.Securityf("cannot relativize %s: %v", name, err)
	}
	if rel == ".." || strings.HasPrefix(rel, "../") {
		return "", rsyncerr.Securityf("path escapes destination root: %s", name)
	}
	return full, nil
}

func (r *Root) Open(name string) (*os.File, error) {
	full, err := r.Resolve(name)
	if err != nil {
		return nil, err
	}
	return os.Open(full)
}

func (r *Root) Lstat(name string) (os.FileInfo, error) {
	full, err := r.Resolve(name)
	if err != nil {
		return nil, err
	}
	return os.Lstat(full)
}

func (r *Root) Stat(name string) (os.FileInfo, error) {
	full, err := r.Resolve(name)
	if err != nil {
		return nil, err
	}
	return os.Stat(full)
}

func (r *Root) Remove(name string) error {
	full, err := r.Resolve(name)
	if err != nil {
		return err
	}
	return os.Remove(full)
}

func (r *Root) Lchown(name string, uid, gid int) error {
	full, err := r.Resolve(name)
	if err != nil {
		return err
	}
	return os.Lchown(full, uid, gid)
}
