package maincmd

import (
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"

	"github.com/relaysync/rsync"
	"github.com/relaysync/rsync/internal/log"
	"github.com/relaysync/rsync/internal/rsyncopts"
	"github.com/relaysync/rsync/internal/rsyncos"
	"github.com/relaysync/rsync/internal/rsyncstats"
)

// defaultRsyncdPort is the well-known TCP port rsync daemons listen on.
const defaultRsyncdPort = 873

// checkForHostspec recognizes the three rsync source/destination forms that
// name a remote daemon or a remote shell target: rsync://host[:port]/module,
// host::module, and host:path. It returns an error for plain local paths.
//
// rsync/main.c:check_for_hostspec
func checkForHostspec(s string) (host, path string, port int, err error) {
	if rest, ok := strings.CutPrefix(s, "rsync://"); ok {
		slash := strings.IndexByte(rest, '/')
		if slash < 0 {
			return "", "", 0, fmt.Errorf("malformed rsync:// URL %q: missing module", s)
		}
		hostport := rest[:slash]
		path = rest[slash+1:]
		port = defaultRsyncdPort
		if idx := strings.LastIndexByte(hostport, ':'); idx > -1 {
			host = hostport[:idx]
			p, perr := strconv.Atoi(hostport[idx+1:])
			if perr != nil {
				return "", "", 0, fmt.Errorf("malformed rsync:// URL %q: bad port", s)
			}
			port = p
		} else {
			host = hostport
		}
		return host, path, port, nil
	}

	if idx := strings.Index(s, "::"); idx > -1 {
		return s[:idx], s[idx+2:], defaultRsyncdPort, nil
	}

	// A single colon at position 0 or 1 is not a remote-shell hostspec: it is
	// either a bare ":path" or a Windows drive letter ("C:\...").
	if idx := strings.IndexByte(s, ':'); idx > 1 {
		return s[:idx], s[idx+1:], 0, nil
	}

	return "", "", 0, fmt.Errorf("%q: not a remote rsync hostspec", s)
}

// serverOptions reconstructs the flag set understood by the remote
// "rsync --server" invocation from the options this process parsed.
// It emits one single-letter flag per argument (-v, -r, -l, ...), and
// long names only for --sender, --delete and --checksum-choice.
//
// rsync/options.c:server_options
func serverOptions(opts *rsyncopts.Options) []string {
	var args []string
	if opts.Sender() {
		args = append(args, "--sender")
	}
	if opts.Verbose() {
		args = append(args, "-v")
	}
	if opts.DryRun() {
		args = append(args, "-n")
	}
	if opts.Recurse() {
		args = append(args, "-r")
	}
	if opts.PreserveLinks() {
		args = append(args, "-l")
	}
	if opts.PreserveUid() {
		args = append(args, "-o")
	}
	if opts.PreserveGid() {
		args = append(args, "-g")
	}
	if opts.PreserveDevices() || opts.PreserveSpecials() {
		args = append(args, "-D")
	}
	if opts.PreserveMTimes() {
		args = append(args, "-t")
	}
	if opts.PreservePerms() {
		args = append(args, "-p")
	}
	if opts.PreserveHardLinks() {
		args = append(args, "-H")
	}
	if opts.UpdateOnly() {
		args = append(args, "-u")
	}
	if opts.AlwaysChecksum() {
		args = append(args, "-c")
	}
	if opts.DeleteMode() {
		args = append(args, "--delete")
	}
	if cc := opts.ChecksumChoice(); cc != "" {
		args = append(args, "--checksum-choice="+cc)
	}
	return args
}

// readLine reads one '\n'-terminated line, one byte at a time. A daemon
// handshake exchanges only a handful of short ASCII lines before the
// connection switches to the binary protocol, so buffered reads here would
// risk stealing bytes that belong to that later phase.
func readLine(r io.Reader) (string, error) {
	var sb strings.Builder
	b := make([]byte, 1)
	for {
		if _, err := io.ReadFull(r, b); err != nil {
			return sb.String(), err
		}
		if b[0] == '\n' {
			return sb.String(), nil
		}
		sb.WriteByte(b[0])
	}
}

// moduleHandshake implements the client side of the rsync daemon text
// protocol: the @RSYNCD: greeting exchange, module selection (or "#list"),
// and the trailing flag list, up to but not including the binary checksum
// seed. done is true when the daemon already closed out the exchange itself
// (module listing), in which case there is no transfer to run.
func moduleHandshake(conn io.ReadWriter, osenv rsyncos.Std, opts *rsyncopts.Options, module, path string) (done bool, err error) {
	greeting, err := readLine(conn)
	if err != nil {
		return false, fmt.Errorf("reading daemon greeting: %v", err)
	}
	if !strings.HasPrefix(greeting, "@RSYNCD: ") {
		return false, fmt.Errorf("invalid daemon greeting: got %q", greeting)
	}
	if opts.Verbose() {
		log.Printf("daemon greeting: %q", greeting)
	}

	if _, err := fmt.Fprintf(conn, "@RSYNCD: %d\n", rsync.ProtocolVersion); err != nil {
		return false, err
	}

	request := module
	if request == "" {
		request = "#list"
	}
	if _, err := fmt.Fprintf(conn, "%s\n", request); err != nil {
		return false, err
	}

	for {
		line, err := readLine(conn)
		if err != nil {
			return false, fmt.Errorf("reading daemon response: %v", err)
		}
		switch {
		case strings.HasPrefix(line, "@RSYNCD: OK"):
			flags := serverOptions(opts)
			flags = append(flags, ".", path)
			for _, flag := range flags {
				if _, err := fmt.Fprintf(conn, "%s\n", flag); err != nil {
					return false, err
				}
			}
			if _, err := io.WriteString(conn, "\n"); err != nil {
				return false, err
			}
			return false, nil
		case strings.HasPrefix(line, "@RSYNCD: EXIT"):
			return true, nil
		case strings.HasPrefix(line, "@RSYNCD: AUTHREQD"):
			return false, fmt.Errorf("daemon requires authentication, which is not implemented")
		case strings.HasPrefix(line, "@ERROR"):
			return false, fmt.Errorf("daemon: %s", strings.TrimPrefix(line, "@ERROR: "))
		default:
			// MOTD line (module requested) or module listing line (#list).
			if module == "" {
				fmt.Fprintln(osenv.Stdout, line)
			} else if osenv.Stderr != nil {
				fmt.Fprintln(osenv.Stderr, line)
			}
		}
	}
}

// bufReadWriter pairs a reader with a writer; socketClient builds it from
// the unbuffered net.Conn on both sides, so the byte-at-a-time line reads
// of the daemon handshake and the bulk binary reads performed afterwards
// share one underlying byte stream.
type bufReadWriter struct {
	r io.Reader
	w io.Writer
}

func (b *bufReadWriter) Read(p []byte) (int, error)  { return b.r.Read(p) }
func (b *bufReadWriter) Write(p []byte) (int, error) { return b.w.Write(p) }

// socketClient dials an rsync daemon directly over TCP, negotiating the
// module and flags via the text protocol before handing off to ClientRun.
//
// rsync/clientserver.c:start_socket_client
func socketClient(ctx context.Context, osenv rsyncos.Std, opts *rsyncopts.Options, host, path string, port int, other string) (*rsyncstats.TransferStats, error) {
	if port == 0 {
		port = defaultRsyncdPort
	}
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dialing rsync daemon at %s: %v", addr, err)
	}
	defer nc.Close()

	module := path
	if idx := strings.IndexByte(module, '/'); idx > -1 {
		module = module[:idx]
	}

	conn := &bufReadWriter{r: nc, w: nc}
	done, err := moduleHandshake(conn, osenv, opts, module, path)
	if err != nil {
		return nil, err
	}
	if done {
		return nil, nil
	}
	return ClientRun(osenv, opts, conn, []string{other}, false /* version already exchanged */)
}

// startInbandExchange runs the same text-protocol module handshake as
// socketClient, but over a connection that was established by spawning a
// remote shell running "rsync --server --daemon ." (daemonConnection == 1)
// rather than by dialing a TCP socket directly (daemonConnection == -1,
// handled by socketClient instead). It returns conn itself: the handshake
// reads its lines one byte at a time, so no bytes of the subsequent binary
// protocol are left buffered elsewhere.
func startInbandExchange(osenv rsyncos.Std, opts *rsyncopts.Options, conn io.ReadWriter, module, path string) (io.ReadWriter, bool, error) {
	done, err := moduleHandshake(conn, osenv, opts, module, path)
	if err != nil {
		return nil, false, err
	}
	return conn, done, nil
}
