// Package rsyncclient exposes the client side of a transfer as a library,
// for callers that already have an established connection (a subprocess's
// pipes, an in-process io.Pipe, a dialed socket) and just want to drive the
// sender or receiver role over it.
package rsyncclient

import (
	"context"
	"io"
	"os"

	"github.com/relaysync/rsync/internal/maincmd"
	"github.com/relaysync/rsync/internal/rsyncopts"
	"github.com/relaysync/rsync/internal/rsyncos"
)

// Option configures a Client constructed by New.
type Option interface {
	applyClient(*Client)
}

type clientOptionFunc func(*Client)

func (f clientOptionFunc) applyClient(c *Client) { f(c) }

// WithSender forces the client into the sender role, regardless of what the
// parsed arguments would otherwise imply.
func WithSender() Option {
	return clientOptionFunc(func(c *Client) {
		c.opts.SetSender()
	})
}

// Client drives one transfer, using the same option parsing and transfer
// logic as the gokr-rsync command line tool.
type Client struct {
	opts *rsyncopts.Options
}

// New parses args (the same flags understood by the command line tool,
// without the argv[0] program name) and returns a Client ready to Run.
func New(args []string, opts ...Option) (*Client, error) {
	osenv := &rsyncos.Env{
		Std:    rsyncos.Std{Stderr: os.Stderr},
		Getenv: os.Getenv,
	}
	pc, err := rsyncopts.ParseArguments(osenv, args)
	if err != nil {
		return nil, err
	}
	c := &Client{opts: pc.Options}
	for _, opt := range opts {
		opt.applyClient(c)
	}
	return c, nil
}

// Run performs the transfer over conn: paths is the single local source (in
// sender mode) or destination (in receiver mode) path. The remote protocol
// version is negotiated as part of Run, so conn must not have exchanged any
// rsync protocol bytes yet.
func (c *Client) Run(ctx context.Context, conn io.ReadWriter, paths []string) error {
	osenv := rsyncos.Std{
		Stdout: io.Discard,
		Stderr: os.Stderr,
	}
	_, err := maincmd.ClientRun(osenv, c.opts, conn, paths, true /* negotiate */)
	return err
}
