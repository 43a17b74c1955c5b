package usecase

import (
	"context"
	"io"

	"go.uber.org/zap"

	"github.com/eliteGoblin/rootd/internal/domain"
	"github.com/eliteGoblin/rootd/internal/ipc"
	"github.com/eliteGoblin/rootd/internal/policy"
)

// ModuleLister returns the modules loaded this boot.
type ModuleLister interface {
	Modules() []domain.Module
}

// Zygisk serves ZYGISK requests from the zygote.
type Zygisk struct {
	db       domain.Database
	managers domain.ManagerResolver
	deny     *Denylist
	modules  ModuleLister
	logger   *zap.Logger
}

// NewZygisk creates the zygisk handler.
func NewZygisk(db domain.Database, managers domain.ManagerResolver, deny *Denylist, modules ModuleLister, logger *zap.Logger) *Zygisk {
	return &Zygisk{db: db, managers: managers, deny: deny, modules: modules, logger: logger}
}

// ProcessFlags computes the flags for an app process about to specialize.
func (z *Zygisk) ProcessFlags(ctx context.Context, uid int, process string) uint32 {
	var flags uint32

	mgrUID := policy.NoManager
	if mgr, err := z.managers.Resolve(ctx, domain.ToUserID(uid)); err == nil {
		mgrUID = mgr.UID
		if domain.ToAppID(mgr.UID) == domain.ToAppID(uid) {
			flags |= domain.ProcessIsManager
		}
	}

	cfg, err := z.db.GetSettings()
	if err != nil {
		z.logger.Warn("failed to load settings", zap.Error(err))
		cfg = domain.DefaultDbSettings()
	}
	stored := domain.RootSettings{Policy: domain.PolicyQuery}
	if eval, ok := policy.EvalUID(uid, cfg.MultiuserMode); ok {
		if s, err := z.db.GetRootSettings(eval); err == nil {
			stored = s
		}
	}
	if policy.Evaluate(uid, cfg, stored, mgrUID).Policy == domain.PolicyAllow {
		flags |= domain.ProcessGrantedRoot
	}

	if cfg.Denylist && z.deny.Contains(process) {
		flags |= domain.ProcessOnDenylist
	}
	return flags
}

// ModuleDir returns the directory of the module at index.
func (z *Zygisk) ModuleDir(index int) (string, error) {
	mods := z.modules.Modules()
	if index < 0 || index >= len(mods) {
		return "", domain.ErrModuleOutOfBounds
	}
	return mods[index].Path, nil
}

// Handle reads one sub-command and writes its response.
func (z *Zygisk) Handle(ctx context.Context, rw io.ReadWriter) {
	cmd, err := ipc.ReadInt(rw)
	if err != nil {
		return
	}
	switch cmd {
	case domain.ZygiskGetInfo:
		uid, err := ipc.ReadInt(rw)
		if err != nil {
			return
		}
		process, err := ipc.ReadString(rw)
		if err != nil {
			return
		}
		_ = ipc.WriteInt(rw, int32(z.ProcessFlags(ctx, int(uid), process)))
	case domain.ZygiskGetModDir:
		index, err := ipc.ReadInt(rw)
		if err != nil {
			return
		}
		dir, err := z.ModuleDir(int(index))
		if err != nil {
			z.logger.Debug("bad module index", zap.Int32("index", index))
		}
		_ = ipc.WriteString(rw, dir)
	default:
		z.logger.Debug("unknown zygisk command", zap.Int32("cmd", cmd))
	}
}
