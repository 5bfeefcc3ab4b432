// Package testlogger adapts testing.T.Logf to an io.Writer, so that code
// expecting an io.Writer for diagnostics (rsyncd.WithStderr, for instance)
// can have its output folded into a test's own logging instead of spilling
// to the process's real stderr.
package testlogger

import (
	"strings"
	"testing"
)

type writer struct {
	t *testing.T
}

// New returns an io.Writer that forwards each write to t.Logf, trimming a
// single trailing newline so log lines don't end up double-spaced.
func New(t *testing.T) *writer {
	return &writer{t: t}
}

func (w *writer) Write(p []byte) (int, error) {
	w.t.Helper()
	w.t.Logf("%s", strings.TrimSuffix(string(p), "\n"))
	return len(p), nil
}
