// Package rsyncdconfig loads the daemon's TOML configuration file: the
// listener addresses to bind and the module table to serve. Grounded on
// rsyncd.Module's existing `toml:"..."` struct tags (the module type was
// already shaped for TOML, only the loader itself was never retrieved)
// and on github.com/BurntSushi/toml, the TOML library also depended on
// elsewhere in the retrieval pack.
package rsyncdconfig

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/relaysync/rsync/rsyncd"
)

// Listener describes one address gokr-rsyncd binds to. Only the plain
// rsync:// (TCP) listener is in core scope (spec.md §1 treats SSH
// launching/hosting as an external collaborator); authenticated or
// anonymous inbound SSH hosting is not implemented here.
type Listener struct {
	Rsyncd string `toml:"rsyncd"`
}

// Config is the top-level shape of gokr-rsyncd.toml.
type Config struct {
	Listeners []Listener      `toml:"listener"`
	Modules   []rsyncd.Module `toml:"module"`
}

// DefaultPaths are searched, in order, by FromDefaultFiles.
var DefaultPaths = []string{
	"/etc/gokr-rsync.toml",
	"gokr-rsync.toml",
}

// FromFile parses the TOML config file at path.
func FromFile(path string) (*Config, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, fmt.Errorf("rsyncdconfig: %v", err)
	}
	for _, mod := range cfg.Modules {
		if mod.Name == "" {
			return nil, fmt.Errorf("rsyncdconfig: %s: module with empty name", path)
		}
		if mod.Path == "" {
			return nil, fmt.Errorf("rsyncdconfig: %s: module %q has empty path", path, mod.Name)
		}
	}
	return &cfg, nil
}

// FromDefaultFiles tries each of DefaultPaths in turn, returning the
// first one that exists. If none exist, it returns the last os.IsNotExist
// error so callers can fall back to flag-derived configuration.
func FromDefaultFiles() (*Config, string, error) {
	var lastErr error
	for _, path := range DefaultPaths {
		cfg, err := FromFile(path)
		if err == nil {
			return cfg, path, nil
		}
		if os.IsNotExist(err) {
			lastErr = err
			continue
		}
		return nil, "", err
	}
	if lastErr == nil {
		lastErr = os.ErrNotExist
	}
	return nil, "", lastErr
}
