//go:build linux

package receiver

import "golang.org/x/sys/unix"

// mknod creates a device or special file at path via the Linux mknod(2)
// syscall, composing major/minor into a dev_t the way makedev(3) does.
func mknod(path string, mode uint32, major, minor int32) error {
	dev := unix.Mkdev(uint32(major), uint32(minor))
	return unix.Mknod(path, mode, int(dev))
}
