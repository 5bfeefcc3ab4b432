package receiver

import (
	"os"
	"time"

	"github.com/google/renameio/v2"

	"github.com/relaysync/rsync/internal/filelist"
)

// newPendingFile opens a renameio-backed temp file for writing the
// reconstructed contents of dest: on success the caller promotes it
// with CloseAtomicallyReplace, on any other exit path Cleanup removes
// it, so a failed or interrupted transfer never leaves a half-written
// file at the destination path.
func newPendingFile(dest string) (*renameio.PendingFile, error) {
	return renameio.NewPendingFile(dest)
}

// setPerms applies permission, ownership and mtime attributes to the
// already-installed local file per the negotiated preserve-* flags
// (spec.md §4.7's Installation paragraph): chown may clear setuid/setgid
// bits, and this code makes no attempt to restore them afterward.
func (rt *Transfer) setPerms(f *filelist.FileInfo) error {
	full, err := rt.destRoot.Resolve(f.Name)
	if err != nil {
		return err
	}
	st, err := os.Lstat(full)
	if err != nil {
		return err
	}

	if st.Mode()&os.ModeSymlink == 0 && rt.Opts.PreservePerms {
		if err := os.Chmod(full, os.FileMode(f.Mode&0o7777)); err != nil {
			return err
		}
	}

	if rt.Opts.PreserveUid || rt.Opts.PreserveGid {
		if _, err := rt.setUid(f, full, st); err != nil {
			return err
		}
	}

	if rt.Opts.PreserveTimes && st.Mode()&os.ModeSymlink == 0 {
		mt := time.Unix(f.ModTime, 0)
		if err := os.Chtimes(full, mt, mt); err != nil {
			return err
		}
	}

	return nil
}
