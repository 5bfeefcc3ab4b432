//go:build !linux

package restrict

import "log"

// MaybeFileSystem is a no-op on platforms without a landlock-equivalent
// sandboxing API; the restriction is best-effort everywhere.
func MaybeFileSystem(roDirs []string, rwDirs []string) error {
	log.Printf("landlock sandboxing not available on this platform, skipping")
	return nil
}
