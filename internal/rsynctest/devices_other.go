//go:build !linux

package rsynctest

import "testing"

func CreateDummyDeviceFiles(t *testing.T, dir string) {
	t.Helper()
	t.Skip("device file creation only implemented on linux")
}

func VerifyDummyDeviceFiles(t *testing.T, wantDir, gotDir string) {
	t.Helper()
	t.Skip("device file creation only implemented on linux")
}
