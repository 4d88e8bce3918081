// Package instancelistener implements the agent's local control channel: a
// Unix domain socket accepting one newline-terminated text command per
// connection, used to trigger module reloads out-of-band, grounded on
// internal/app/httpapi/service.go's Service-shaped net.Listener wrapper
// adapted from TCP to a Unix socket.
package instancelistener

import (
	"bufio"
	"context"
	"errors"
	"net"
	"os"
	"strings"
	"sync/atomic"

	"github.com/sentrypoint/agent/internal/logger"
)

// ReloadFunc is invoked on RELOAD (module == nil) or RELOAD-MODULE:<name>
// (module points at name).
type ReloadFunc func(module *string)

// Listener accepts local control connections on a Unix domain socket.
type Listener struct {
	path   string
	reload ReloadFunc
	log    *logger.Logger

	ln       net.Listener
	stopping atomic.Bool
}

// New builds a Listener bound to path once Start is called.
func New(path string, reload ReloadFunc, log *logger.Logger) *Listener {
	if log == nil {
		log = logger.NewDefault("instancelistener")
	}
	return &Listener{path: path, reload: reload, log: log}
}

// Name implements system.Service.
func (l *Listener) Name() string { return "instancelistener" }

// Start creates the socket, removing any stale file at path first, and
// launches the accept loop in the background.
func (l *Listener) Start(ctx context.Context) error {
	_ = os.Remove(l.path)

	ln, err := net.Listen("unix", l.path)
	if err != nil {
		return err
	}
	l.ln = ln

	go l.acceptLoop(ctx)
	return nil
}

// Stop flips the stopping flag and closes the listener, unblocking Accept;
// the socket file itself is removed.
func (l *Listener) Stop(ctx context.Context) error {
	l.stopping.Store(true)
	if l.ln != nil {
		if err := l.ln.Close(); err != nil {
			return err
		}
	}
	_ = os.Remove(l.path)
	return nil
}

func (l *Listener) acceptLoop(ctx context.Context) {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if l.stopping.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			// The same listener is accepted on again; it is not closed
			// and reopened.
			l.log.Warnf("accept failed, retrying: %v", err)
			continue
		}
		l.handle(ctx, conn)
	}
}

func (l *Listener) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	if !scanner.Scan() {
		return
	}
	line := strings.TrimSpace(scanner.Text())

	func() {
		defer func() {
			if r := recover(); r != nil {
				l.log.Errorf("reload handler panicked: %v", r)
			}
		}()
		l.dispatch(line)
	}()
}

func (l *Listener) dispatch(line string) {
	switch {
	case line == "RELOAD":
		l.reload(nil)
	case strings.HasPrefix(line, "RELOAD-MODULE:"):
		name := strings.TrimPrefix(line, "RELOAD-MODULE:")
		if name == "" {
			l.log.Warn("received RELOAD-MODULE with empty module name, ignoring")
			return
		}
		l.reload(&name)
	default:
		l.log.Warnf("unrecognized instance listener message: %q", line)
	}
}
