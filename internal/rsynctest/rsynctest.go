// Package rsynctest provides test helpers for spinning up an in-process
// rsync daemon and generating fixture data, shared between the integration
// tests and the rsyncclient package's examples and tests.
package rsynctest

import (
	"context"
	"net"
	"os/exec"
	"testing"

	"github.com/relaysync/rsync/internal/testlogger"
	"github.com/relaysync/rsync/rsyncd"
)

// Option configures the daemon started by New.
type Option func(*config)

type config struct {
	modules []rsyncd.Module
}

// InteropModule adds a module named "interop" serving path, matching the
// module name the upstream rsync interop fixtures use.
func InteropModule(path string) Option {
	return func(c *config) {
		c.modules = append(c.modules, rsyncd.Module{
			Name:     "interop",
			Path:     path,
			Writable: true,
		})
	}
}

// Server is a daemon started for the lifetime of a single test.
type Server struct {
	// Port is the TCP port the daemon is listening on, as a decimal string.
	Port string
}

// New starts an rsync daemon on an arbitrary local port, serving the
// modules the given options configure. The daemon and its listener are
// torn down automatically when the test completes.
func New(t *testing.T, opts ...Option) *Server {
	t.Helper()

	var cfg config
	for _, opt := range opts {
		opt(&cfg)
	}

	srv, err := rsyncd.NewServer(cfg.modules, rsyncd.WithStderr(testlogger.New(t)))
	if err != nil {
		t.Fatal(err)
	}

	ln, err := net.Listen("tcp", "localhost:0")
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		ln.Close()
	})

	go func() {
		if err := srv.Serve(ctx, ln); err != nil && ctx.Err() == nil {
			t.Logf("rsynctest: Serve: %v", err)
		}
	}()

	_, port, err := net.SplitHostPort(ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	return &Server{Port: port}
}

// AnyRsync locates a real rsync(1) binary to exercise as an interop
// partner, skipping the test if none is installed.
func AnyRsync(t *testing.T) string {
	t.Helper()
	path, err := exec.LookPath("rsync")
	if err != nil {
		t.Skip("rsync(1) not found in PATH, skipping interop test")
	}
	return path
}
