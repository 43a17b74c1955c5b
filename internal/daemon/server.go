package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Server owns the listening socket and feeds accepted connections to the
// dispatcher one at a time.
type Server struct {
	socket     string
	dispatcher *Dispatcher
	logger     *zap.Logger
}

// NewServer creates a server for the socket path.
func NewServer(socket string, dispatcher *Dispatcher, logger *zap.Logger) *Server {
	return &Server{socket: socket, dispatcher: dispatcher, logger: logger}
}

// Listen binds the socket, replacing a stale one, and makes it reachable
// by every uid. Access control happens per connection.
func (s *Server) Listen() (*net.UnixListener, error) {
	if err := os.MkdirAll(filepath.Dir(s.socket), 0711); err != nil {
		return nil, fmt.Errorf("create socket dir: %w", err)
	}
	if err := os.Remove(s.socket); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("remove stale socket: %w", err)
	}
	l, err := net.ListenUnix("unix", &net.UnixAddr{Name: s.socket, Net: "unix"})
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", s.socket, err)
	}
	if err := os.Chmod(s.socket, 0666); err != nil {
		l.Close()
		return nil, fmt.Errorf("chmod socket: %w", err)
	}
	return l, nil
}

// Serve accepts until ctx is cancelled or the listener fails. The
// listener is closed on return.
func (s *Server) Serve(ctx context.Context, l *net.UnixListener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		return l.Close()
	})
	g.Go(func() error {
		defer cancel()
		for {
			conn, err := l.AcceptUnix()
			if err != nil {
				if gctx.Err() != nil || errors.Is(err, net.ErrClosed) {
					return nil
				}
				var ne net.Error
				if errors.As(err, &ne) && ne.Timeout() {
					continue
				}
				return fmt.Errorf("accept: %w", err)
			}
			s.dispatcher.Handle(gctx, conn)
		}
	})

	s.logger.Info("listening", zap.String("socket", s.socket))
	err := g.Wait()
	if err != nil && errors.Is(err, net.ErrClosed) {
		err = nil
	}
	return err
}
