//go:build !linux

package receiver

import "fmt"

// mknod has no portable implementation outside Linux; preserve-devices
// and preserve-specials are effectively Linux-only in this build.
func mknod(path string, mode uint32, major, minor int32) error {
	return fmt.Errorf("receiver: device file creation is not supported on this platform")
}
