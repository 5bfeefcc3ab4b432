//go:build linux

package rsynctest

import (
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"golang.org/x/sys/unix"
)

var dummyDevices = []struct {
	name  string
	mode  uint32
	major uint32
	minor uint32
}{
	{"null", unix.S_IFCHR, 1, 3},
	{"zero", unix.S_IFCHR, 1, 5},
	{"loop0", unix.S_IFBLK, 7, 0},
}

// CreateDummyDeviceFiles populates dir with a handful of char/block device
// nodes (requires root), exercised by the preserve-devices code path.
func CreateDummyDeviceFiles(t *testing.T, dir string) {
	t.Helper()
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	for _, d := range dummyDevices {
		dev := unix.Mkdev(d.major, d.minor)
		if err := unix.Mknod(filepath.Join(dir, d.name), d.mode|0644, int(dev)); err != nil {
			t.Fatalf("mknod %s: %v", d.name, err)
		}
	}
}

// VerifyDummyDeviceFiles checks that gotDir contains device nodes matching
// the ones CreateDummyDeviceFiles wrote to wantDir.
func VerifyDummyDeviceFiles(t *testing.T, wantDir, gotDir string) {
	t.Helper()
	for _, d := range dummyDevices {
		wantSt, err := os.Lstat(filepath.Join(wantDir, d.name))
		if err != nil {
			t.Fatal(err)
		}
		gotSt, err := os.Lstat(filepath.Join(gotDir, d.name))
		if err != nil {
			t.Fatal(err)
		}
		wantSys := wantSt.Sys().(*syscall.Stat_t)
		gotSys := gotSt.Sys().(*syscall.Stat_t)
		if wantSys.Rdev != gotSys.Rdev {
			t.Errorf("%s: device number mismatch: got %d, want %d", d.name, gotSys.Rdev, wantSys.Rdev)
		}
		if wantType, gotType := wantSt.Mode()&os.ModeType, gotSt.Mode()&os.ModeType; wantType != gotType {
			t.Errorf("%s: file type mismatch: got %v, want %v", d.name, gotType, wantType)
		}
	}
}
