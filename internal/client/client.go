// Package client talks to a running daemon over its unix socket, starting
// one when the caller is root and none is listening.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/rootd/internal/domain"
	"github.com/eliteGoblin/rootd/internal/ipc"
	"github.com/eliteGoblin/rootd/internal/usecase"
)

// Defaults for daemon auto-start.
const (
	DefaultStartTimeout = 10 * time.Second
	retryInterval       = 100 * time.Millisecond
)

// Options customize how the client reaches the daemon.
type Options struct {
	// Start spawns a daemon. Nil disables auto-start.
	Start func() error
	// UID returns the caller's uid; defaults to os.Getuid.
	UID func() int
	// StartTimeout bounds the wait for a freshly started daemon.
	StartTimeout time.Duration
}

// Client issues requests to the daemon.
type Client struct {
	socket string
	opts   Options
	logger *zap.Logger
}

// New creates a client for the socket path.
func New(socket string, opts Options, logger *zap.Logger) *Client {
	if opts.UID == nil {
		opts.UID = os.Getuid
	}
	if opts.StartTimeout <= 0 {
		opts.StartTimeout = DefaultStartTimeout
	}
	return &Client{socket: socket, opts: opts, logger: logger}
}

func (c *Client) dial(ctx context.Context) (*net.UnixConn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", c.socket)
	if err != nil {
		return nil, err
	}
	return conn.(*net.UnixConn), nil
}

// connectOrStart dials, spawning the daemon first when allowed.
func (c *Client) connectOrStart(ctx context.Context, create bool) (*net.UnixConn, error) {
	conn, err := c.dial(ctx)
	if err == nil {
		return conn, nil
	}
	if !create || c.opts.Start == nil || c.opts.UID() != domain.AIDRoot {
		return nil, fmt.Errorf("%w: %v", domain.ErrDaemonNotRunning, err)
	}

	c.logger.Debug("starting daemon", zap.String("socket", c.socket))
	if err := c.opts.Start(); err != nil {
		return nil, fmt.Errorf("start daemon: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.opts.StartTimeout)
	defer cancel()
	ticker := time.NewTicker(retryInterval)
	defer ticker.Stop()
	for {
		if conn, err = c.dial(ctx); err == nil {
			return conn, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", domain.ErrDaemonNotRunning, err)
		case <-ticker.C:
		}
	}
}

// StatusError maps a non-OK status to its sentinel error.
func StatusError(status domain.RespondCode) error {
	switch status {
	case domain.RespondOK:
		return nil
	case domain.RespondRootRequired:
		return domain.ErrRootRequired
	case domain.RespondAccessDenied:
		return domain.ErrAccessDenied
	default:
		return fmt.Errorf("%w: status %d", domain.ErrDaemonError, int32(status))
	}
}

// Connect sends code and returns the connection once the daemon answered
// OK. With create set, a root caller starts the daemon if needed.
func (c *Client) Connect(ctx context.Context, code domain.RequestCode, create bool) (*net.UnixConn, error) {
	conn, err := c.connectOrStart(ctx, create)
	if err != nil {
		return nil, err
	}
	if err := ipc.WriteInt(conn, int32(code)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send request: %w", err)
	}
	status, err := ipc.ReadInt(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: no status for %s: %v", domain.ErrDaemonError, code, err)
	}
	if err := StatusError(domain.RespondCode(status)); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

// Notify sends code and waits for the daemon to hang up.
func (c *Client) Notify(ctx context.Context, code domain.RequestCode) error {
	conn, err := c.Connect(ctx, code, true)
	if err != nil {
		return err
	}
	defer conn.Close()
	buf := make([]byte, 1)
	for {
		if _, err := conn.Read(buf); err != nil {
			return nil
		}
	}
}

// Version returns the daemon's version string.
func (c *Client) Version(ctx context.Context) (string, error) {
	conn, err := c.Connect(ctx, domain.RequestCheckVersion, false)
	if err != nil {
		return "", err
	}
	defer conn.Close()
	return ipc.ReadString(conn)
}

// VersionCode returns the daemon's numeric version.
func (c *Client) VersionCode(ctx context.Context) (int32, error) {
	conn, err := c.Connect(ctx, domain.RequestCheckVersionCode, false)
	if err != nil {
		return 0, err
	}
	defer conn.Close()
	return ipc.ReadInt(conn)
}

// Stop asks the daemon to exit.
func (c *Client) Stop(ctx context.Context) error {
	conn, err := c.Connect(ctx, domain.RequestStopDaemon, false)
	if err != nil {
		return err
	}
	defer conn.Close()
	_, err = ipc.ReadInt(conn)
	return err
}

// RemoveModules uninstalls every module and optionally reboots.
func (c *Client) RemoveModules(ctx context.Context, reboot bool) error {
	conn, err := c.Connect(ctx, domain.RequestRemoveModules, false)
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := ipc.WriteBool(conn, reboot); err != nil {
		return err
	}
	res, err := ipc.ReadInt(conn)
	if err != nil {
		return err
	}
	if res != 0 {
		return fmt.Errorf("%w: remove modules returned %d", domain.ErrDaemonError, res)
	}
	return nil
}

// readStrings reads strings until the empty terminator.
func readStrings(conn net.Conn) ([]string, error) {
	var out []string
	for {
		s, err := ipc.ReadString(conn)
		if err != nil {
			return out, err
		}
		if s == "" {
			return out, nil
		}
		out = append(out, s)
	}
}

// SQLite runs one statement and returns the "col=val|..." rows.
func (c *Client) SQLite(ctx context.Context, query string) ([]string, error) {
	conn, err := c.Connect(ctx, domain.RequestSQLiteCmd, false)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	if err := ipc.WriteString(conn, query); err != nil {
		return nil, err
	}
	return readStrings(conn)
}

// Denylist sends one denylist sub-command. LIST returns entries as
// "pkg|proc" strings.
func (c *Client) Denylist(ctx context.Context, cmd int32, args ...string) (int32, []string, error) {
	conn, err := c.Connect(ctx, domain.RequestDenylist, false)
	if err != nil {
		return 0, nil, err
	}
	defer conn.Close()
	if err := ipc.WriteInt(conn, cmd); err != nil {
		return 0, nil, err
	}
	for _, a := range args {
		if err := ipc.WriteString(conn, a); err != nil {
			return 0, nil, err
		}
	}
	res, err := ipc.ReadInt(conn)
	if err != nil {
		return 0, nil, err
	}
	if cmd != domain.DenyList || res != domain.DenyOK {
		return res, nil, nil
	}
	entries, err := readStrings(conn)
	return res, entries, err
}

// ErrSuDenied is returned when the daemon refuses a su request.
var ErrSuDenied = errors.New("permission denied")

// Su asks for a root shell wired to stdio and returns its exit status.
func (c *Client) Su(ctx context.Context, req domain.SuRequest, stdio [3]*os.File) (int, error) {
	conn, err := c.Connect(ctx, domain.RequestSuperuser, true)
	if err != nil {
		return -1, err
	}
	defer conn.Close()

	if err := usecase.WriteSuRequest(conn, req); err != nil {
		return -1, fmt.Errorf("send su request: %w", err)
	}
	res, err := ipc.ReadInt(conn)
	if err != nil {
		return -1, fmt.Errorf("%w: %v", domain.ErrDaemonError, err)
	}
	if res != 0 {
		return -1, ErrSuDenied
	}
	if err := ipc.SendFds(conn, int(stdio[0].Fd()), int(stdio[1].Fd()), int(stdio[2].Fd())); err != nil {
		return -1, err
	}
	code, err := ipc.ReadInt(conn)
	if err != nil {
		return -1, fmt.Errorf("%w: %v", domain.ErrDaemonError, err)
	}
	return int(code), nil
}
