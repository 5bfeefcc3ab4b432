// Package maincmd implements the '$ rsync' CLI surface: it can serve as a
// daemon over TCP or over a remote shell's stdin/stdout (--server --daemon),
// act as a plain --server helper invoked by a remote shell, or act as the
// "client" that drives either role.
package maincmd

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"

	"github.com/relaysync/rsync/internal/metrics"
	"github.com/relaysync/rsync/internal/restrict"
	"github.com/relaysync/rsync/internal/rsyncdconfig"
	"github.com/relaysync/rsync/internal/rsyncopts"
	"github.com/relaysync/rsync/internal/rsyncos"
	"github.com/relaysync/rsync/internal/rsyncstats"
	"github.com/relaysync/rsync/rsyncd"

	// For profiling and debugging
	_ "net/http/pprof"
)

func version(osenv *rsyncos.Env) {
	osenv.Logf("relaysync rsync, pid %d", os.Getpid())
}

type readWriter struct {
	r io.Reader
	w io.Writer
}

func (r *readWriter) Read(p []byte) (n int, err error)  { return r.r.Read(p) }
func (r *readWriter) Write(p []byte) (n int, err error) { return r.w.Write(p) }

// pipeAddr satisfies net.Addr for connections that did not arrive over a
// net.Conn (a remote-shell's stdin/stdout, for instance).
type pipeAddr string

func (a pipeAddr) Network() string { return "pipe" }
func (a pipeAddr) String() string  { return string(a) }

// Main implements the entry point of the gokr-rsync binary (client and
// --daemon invocations alike): depending on the parsed flags it dispatches to daemon-over-pipe,
// plain --server, daemon-over-TCP, or client mode.
func Main(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer, cfg *rsyncdconfig.Config) (*rsyncstats.TransferStats, error) {
	osenv := &rsyncos.Env{
		Std: rsyncos.Std{
			Stdin:  stdin,
			Stdout: stdout,
			Stderr: stderr,
		},
		Getenv: os.Getenv,
		Args:   args,
	}
	osenv.Logf("Main(args=%q)", args)
	pc, err := rsyncopts.ParseArguments(osenv, args[1:])
	if err != nil {
		if pe, ok := err.(*rsyncopts.PoptError); ok && strings.HasPrefix(pe.Option, "--gokr.") {
			return nil, fmt.Errorf("%v (you need to specify --daemon before flags starting with --gokr are available)", pe)
		}
		return nil, err
	}
	opts := pc.Options
	remaining := pc.RemainingArgs
	if opts.GokrazyClient.DontRestrict != 0 {
		osenv.DontRestrict = true
	}

	// calling convention: daemon mode over remote shell
	// Example: --server --daemon .
	if opts.Daemon() && opts.Server() {
		if cfg == nil {
			var err error
			cfg, _, err = rsyncdconfig.FromDefaultFiles()
			if err != nil {
				return nil, err
			}
		}
		rsyncdOpts := []rsyncd.Option{
			rsyncd.WithStderr(osenv.Stderr),
			rsyncd.WithMetrics(metrics.New()),
		}
		srv, err := rsyncd.NewServer(cfg.Modules, rsyncdOpts...)
		if err != nil {
			return nil, err
		}
		conn := &readWriter{r: osenv.Stdin, w: osenv.Stdout}
		return nil, srv.HandleDaemonConn(ctx, osenv.Std, conn, pipeAddr("<remote-shell-daemon>"))
	}

	// calling convention: command mode (over remote shell or locally)
	// Example: --server --sender -vvvvlogDtpre.iLsfxCIvu . .
	if opts.Server() {
		if err := dropPrivileges(osenv); err != nil {
			return nil, err
		}
		srv, err := rsyncd.NewServer(nil, rsyncd.WithStderr(osenv.Stderr))
		if err != nil {
			return nil, err
		}

		if len(remaining) < 2 {
			return nil, fmt.Errorf("invalid args: at least one directory required")
		}
		if got, want := remaining[0], "."; got != want {
			return nil, fmt.Errorf("protocol error: got %q, expected %q", got, want)
		}
		paths := remaining[1:]
		if opts.Verbose() {
			osenv.Logf("paths: %q", paths)
		}
		var roDirs, rwDirs []string
		if opts.Sender() {
			roDirs = append(roDirs, paths...)
		} else {
			for _, path := range paths {
				if err := os.MkdirAll(path, 0755); err != nil {
					return nil, err
				}
			}
			rwDirs = append(rwDirs, paths...)
		}
		if osenv.Restrict() && opts.GokrazyClient.DontRestrict == 0 {
			if err := restrict.MaybeFileSystem(roDirs, rwDirs); err != nil {
				return nil, err
			}
		}
		conn := srv.NewConnection(osenv.Stdin, osenv.Stdout)
		return nil, srv.HandleConn(nil, conn, paths, opts, true /* negotiate */)
	}

	if !opts.Daemon() {
		if opts.GokrazyClient.DontRestrict != 0 {
			osenv.DontRestrict = true
		}
		return clientMain(ctx, osenv, opts, remaining)
	}

	// calling convention: start a daemon in TCP listening mode
	var cfgfn string
	var cfgErr error
	if cfg == nil {
		if opts.GokrazyDaemon.Config != "" {
			cfgfn = opts.GokrazyDaemon.Config
			cfg, cfgErr = rsyncdconfig.FromFile(cfgfn)
		} else {
			cfg, cfgfn, cfgErr = rsyncdconfig.FromDefaultFiles()
		}
		if cfgErr != nil {
			if os.IsNotExist(cfgErr) {
				osenv.Logf("config file not found, relying on flags")
				// a non-existent config file is not an error: users can start
				// the daemon with just the -gokr.listen and -gokr.modulemap flags.
				cfg = &rsyncdconfig.Config{
					Listeners: []rsyncdconfig.Listener{
						{Rsyncd: opts.GokrazyDaemon.Listen},
					},
					Modules: []rsyncd.Module{},
				}
			} else {
				return nil, cfgErr
			}
		} else {
			osenv.Logf("config file %s loaded", cfgfn)
		}
	}

	if os.IsNotExist(cfgErr) {
		if opts.GokrazyDaemon.Listen == "" {
			return nil, fmt.Errorf("neither -gokr.listen specified, nor config file found: %v", cfgErr)
		}
		// If no config file was found, and the user did not specify a
		// -gokr.modulemap flag, use a default value to force the user to
		// configure a module map.
		if opts.GokrazyDaemon.ModuleMap == "" {
			opts.GokrazyDaemon.ModuleMap = "nonex=/nonexistant/path"
		}
	} else if len(cfg.Listeners) == 0 || cfg.Listeners[0].Rsyncd == "" {
		return nil, fmt.Errorf("no rsyncd listeners configured, add a [[listener]] to %s", cfgfn)
	}

	if len(cfg.Listeners) != 1 || cfg.Listeners[0].Rsyncd == "" {
		return nil, fmt.Errorf("not precisely 1 rsyncd listener specified")
	}
	listenAddr := cfg.Listeners[0].Rsyncd

	if moduleMap := opts.GokrazyDaemon.ModuleMap; moduleMap != "" {
		parts := strings.Split(moduleMap, "=")
		if len(parts) != 2 {
			return nil, fmt.Errorf("malformed -gokr.modulemap parameter %q, expected <modulename>=<path>", moduleMap)
		}
		cfg.Modules = append(cfg.Modules, rsyncd.Module{
			Name: parts[0],
			Path: parts[1],
		})
	}

	version(osenv)
	osenv.Logf("%d rsync modules configured in total", len(cfg.Modules))
	for _, mod := range cfg.Modules {
		osenv.Logf("rsync module %q with path %s configured", mod.Name, mod.Path)
	}

	reg := metrics.New()
	if monitoringListen := opts.GokrazyDaemon.MonitoringListen; monitoringListen != "" {
		http.Handle("/metrics", reg.Handler())
		go func() {
			osenv.Logf("HTTP server for monitoring listening on http://%s/debug/pprof and /metrics", monitoringListen)
			if err := http.ListenAndServe(monitoringListen, nil); err != nil {
				osenv.Logf("-gokr.monitoring_listen: %v", err)
			}
		}()
	}

	srv, err := rsyncd.NewServer(cfg.Modules, rsyncd.WithStderr(osenv.Stderr), rsyncd.WithMetrics(reg))
	if err != nil {
		return nil, err
	}
	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return nil, err
	}

	osenv.Logf("rsync daemon listening on rsync://%s", ln.Addr())
	return nil, srv.Serve(ctx, ln)
}
