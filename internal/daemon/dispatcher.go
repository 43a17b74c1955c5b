// Package daemon accepts client connections, gates them and routes each
// request to its handler.
package daemon

import (
	"context"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/rootd/internal/domain"
	"github.com/eliteGoblin/rootd/internal/ipc"
	"github.com/eliteGoblin/rootd/internal/policy"
)

// Submitter hands a task to a worker, blocking until it is taken.
type Submitter interface {
	Submit(task func()) error
}

// Router runs one accepted request. It owns conn and must close it.
type Router interface {
	Route(ctx context.Context, code domain.RequestCode, conn *net.UnixConn, caller domain.Caller)
}

// RequestReadTimeout bounds the wait for the request code. Reading it
// happens on the accept goroutine.
const RequestReadTimeout = 2 * time.Second

// Dispatcher gates a connection and routes its request by lane.
type Dispatcher struct {
	gate        domain.CredentialReader
	table       *policy.Table
	pool        Submitter
	router      Router
	readTimeout time.Duration
	logger      *zap.Logger
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(gate domain.CredentialReader, table *policy.Table, pool Submitter, router Router, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		gate:        gate,
		table:       table,
		pool:        pool,
		router:      router,
		readTimeout: RequestReadTimeout,
		logger:      logger,
	}
}

// Handle processes one accepted connection. Sync requests run on the
// calling goroutine; async and staged requests run on the pool. Every
// path either closes conn or passes it to the router.
func (d *Dispatcher) Handle(ctx context.Context, conn *net.UnixConn) {
	caller, err := d.gate.Classify(conn)
	if err != nil {
		d.logger.Debug("dropping connection", zap.Error(err))
		conn.Close()
		return
	}
	if !caller.Supported() {
		d.logger.Debug("unsupported caller",
			zap.Int("uid", caller.UID),
			zap.Int("pid", caller.PID),
			zap.String("context", caller.Context))
		_ = ipc.WriteInt(conn, int32(domain.RespondAccessDenied))
		conn.Close()
		return
	}

	_ = conn.SetReadDeadline(time.Now().Add(d.readTimeout))
	raw, err := ipc.ReadInt(conn)
	_ = conn.SetReadDeadline(time.Time{})
	if err != nil {
		d.logger.Debug("client gone before request", zap.Int("pid", caller.PID), zap.Error(err))
		conn.Close()
		return
	}
	code := domain.RequestCode(raw)
	if !code.Valid() {
		d.logger.Debug("invalid request code", zap.Int32("code", raw))
		conn.Close()
		return
	}

	if status := d.table.Check(caller, code); status != domain.RespondOK {
		d.logger.Debug("request rejected",
			zap.Stringer("code", code),
			zap.Stringer("identity", caller.Class()),
			zap.Stringer("status", status))
		_ = ipc.WriteInt(conn, int32(status))
		conn.Close()
		return
	}
	if err := ipc.WriteInt(conn, int32(domain.RespondOK)); err != nil {
		conn.Close()
		return
	}

	if code.Lane() == domain.LaneSync {
		d.router.Route(ctx, code, conn, caller)
		return
	}
	err = d.pool.Submit(func() {
		d.router.Route(ctx, code, conn, caller)
	})
	if err != nil {
		d.logger.Warn("failed to submit request", zap.Stringer("code", code), zap.Error(err))
		conn.Close()
	}
}
