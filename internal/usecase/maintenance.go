package usecase

import (
	"context"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/rootd/internal/domain"
	"github.com/eliteGoblin/rootd/internal/ipc"
)

// RebootCommand restarts the device.
var RebootCommand = domain.Command{Path: "/system/bin/reboot"}

// ZygiskResetter re-evaluates runtime injection state.
type ZygiskResetter interface {
	ResetZygisk()
}

// Maintenance serves the database and module housekeeping requests.
type Maintenance struct {
	db       domain.Database
	modules  domain.ModuleStore
	runner   domain.CommandRunner
	zygisk   ZygiskResetter
	resolver *SuResolver
	now      func() time.Time
	logger   *zap.Logger
}

// NewMaintenance creates the housekeeping handler.
func NewMaintenance(
	db domain.Database,
	modules domain.ModuleStore,
	runner domain.CommandRunner,
	zygisk ZygiskResetter,
	resolver *SuResolver,
	logger *zap.Logger,
) *Maintenance {
	return &Maintenance{
		db:       db,
		modules:  modules,
		runner:   runner,
		zygisk:   zygisk,
		resolver: resolver,
		now:      time.Now,
		logger:   logger,
	}
}

// ZygoteRestart drops expired grants and resets zygisk state.
func (m *Maintenance) ZygoteRestart() {
	m.logger.Info("** zygote restarted")
	n, err := m.db.PruneExpired(m.now().Unix())
	if err != nil {
		m.logger.Warn("failed to prune su policies", zap.Error(err))
	} else if n > 0 {
		m.logger.Info("pruned expired su policies", zap.Int64("count", n))
	}
	if m.resolver != nil {
		m.resolver.Invalidate()
	}
	m.zygisk.ResetZygisk()
}

// SQLite runs one statement from the client and streams rows back as
// "col=val|col=val" strings, ending with an empty string. A failure is
// sent as a single row carrying the error text.
func (m *Maintenance) SQLite(rw io.ReadWriter) {
	query, err := ipc.ReadString(rw)
	if err != nil {
		return
	}
	err = m.db.Exec(query, func(cols, vals []string) error {
		var b strings.Builder
		for i := range cols {
			if i > 0 {
				b.WriteByte('|')
			}
			b.WriteString(cols[i])
			b.WriteByte('=')
			b.WriteString(vals[i])
		}
		return ipc.WriteString(rw, b.String())
	})
	if err != nil {
		m.logger.Warn("sqlite command failed", zap.Error(err))
		if werr := ipc.WriteString(rw, err.Error()); werr != nil {
			return
		}
	}
	_ = ipc.WriteString(rw, "")
}

// RemoveModules uninstalls every module. The client gets 0 before an
// optional reboot.
func (m *Maintenance) RemoveModules(ctx context.Context, rw io.ReadWriteCloser) {
	reboot, err := ipc.ReadBool(rw)
	if err != nil {
		rw.Close()
		return
	}
	if err := m.modules.RemoveAll(ctx); err != nil {
		m.logger.Error("failed to remove modules", zap.Error(err))
	}
	_ = ipc.WriteInt(rw, 0)
	rw.Close()

	if reboot {
		m.logger.Info("rebooting after module removal")
		if err := m.runner.Start(RebootCommand); err != nil {
			m.logger.Error("failed to reboot", zap.Error(err))
		}
	}
}
