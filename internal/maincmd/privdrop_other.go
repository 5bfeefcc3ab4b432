//go:build !linux || nonamespacing

package maincmd

import "github.com/relaysync/rsync/internal/rsyncos"

func dropPrivileges(osenv *rsyncos.Env) error {
	return nil
}
