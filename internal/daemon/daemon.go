package daemon

import (
	"context"
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/eliteGoblin/rootd/internal/config"
	"github.com/eliteGoblin/rootd/internal/domain"
	"github.com/eliteGoblin/rootd/internal/infra"
	"github.com/eliteGoblin/rootd/internal/policy"
	"github.com/eliteGoblin/rootd/internal/pool"
	"github.com/eliteGoblin/rootd/internal/usecase"
)

// Options are the optional collaborators of a daemon.
type Options struct {
	// ReopenLog is called on START_DAEMON.
	ReopenLog func()
	// CertExtractor enables manager certificate pinning together with
	// Manager.CertDigest.
	CertExtractor domain.CertExtractor
}

// Daemon is the assembled root daemon.
type Daemon struct {
	cfg     *config.Config
	db      *infra.SettingsDB
	workers *pool.Pool
	server  *Server
	logger  *zap.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New opens the database and wires every component.
func New(cfg *config.Config, version VersionInfo, opts Options, logger *zap.Logger) (*Daemon, error) {
	if err := os.MkdirAll(cfg.FifoDir(), 0711); err != nil {
		return nil, fmt.Errorf("create internal dir: %w", err)
	}
	key, err := infra.NewDBKey(cfg.KeyDir()).LoadOrCreate()
	if err != nil {
		return nil, fmt.Errorf("database key: %w", err)
	}
	db, err := infra.OpenSettingsDB(cfg.DatabasePath(), key)
	if err != nil {
		return nil, err
	}
	gate, err := infra.NewCredentialGate(cfg.ProcRoot)
	if err != nil {
		db.Close()
		return nil, err
	}

	d := &Daemon{
		cfg:    cfg,
		db:     db,
		logger: logger,
		stopCh: make(chan struct{}),
	}

	runner := &infra.RealCommandRunner{}
	procs := infra.NewProcessManager()
	props := infra.NewPropertyStore(runner)
	modules := infra.NewModuleFS(cfg.ModuleDir, cfg.Shell, runner, logger)

	scripts := usecase.NewScriptRunner(cfg.StageScriptDir, cfg.Shell,
		usecase.StageSpecs(cfg.PostFsDataDeadline.Std()), runner, logger)
	stages := usecase.NewBootStages(db, modules, scripts, props, cfg.SecureDir, logger)

	image := func() string {
		if stages.ZygiskEnabled() {
			return cfg.Manager.AppProcessOrig
		}
		return cfg.Manager.AppProcess
	}
	launcher := infra.NewAppLauncher(runner, image, logger)
	managers := infra.NewManagerLocator(db, cfg.Manager.Package, cfg.AppDataDir, infra.ManagerLocatorOptions{
		CertDigest: cfg.Manager.CertDigest,
		Extractor:  opts.CertExtractor,
		Runner:     runner,
	}, logger)
	fifos := infra.NewFifoFactory(cfg.FifoDir(), cfg.Manager.SecurityLabel, logger)
	channel := usecase.NewPolicyChannel(fifos, launcher, cfg.PolicyTimeout.Std(), logger)

	resolver := usecase.NewSuResolver(db, managers, channel, logger)
	superuser := usecase.NewSuperuser(resolver, channel, procs,
		&usecase.CredentialShell{Env: os.Environ()}, logger)
	deny := usecase.NewDenylist(db, logger)
	zygisk := usecase.NewZygisk(db, managers, deny, stages, logger)
	maint := usecase.NewMaintenance(db, modules, runner, stages, resolver, logger)

	handlers := NewHandlers(version, Services{
		Superuser:   superuser,
		Denylist:    deny,
		Zygisk:      zygisk,
		Maintenance: maint,
		Stages:      stages,
		Props:       props,
	}, Hooks{ReopenLog: opts.ReopenLog, Stop: d.Stop}, logger)

	d.workers = pool.New(pool.Options{
		CoreSize:    cfg.Pool.CoreSize,
		IdleTimeout: cfg.Pool.IdleTimeout.Std(),
	}, logger)
	dispatcher := NewDispatcher(gate, policy.DefaultTable(), d.workers, handlers, logger)
	d.server = NewServer(cfg.SocketPath(), dispatcher, logger)
	return d, nil
}

// Run serves requests until ctx is cancelled or STOP_DAEMON arrives.
func (d *Daemon) Run(ctx context.Context) error {
	l, err := d.server.Listen()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-d.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	d.logger.Info("daemon started",
		zap.Int("pid", os.Getpid()),
		zap.String("db", d.db.Path()))
	err = d.server.Serve(ctx, l)
	d.logger.Info("daemon stopped")
	return err
}

// Stop asks a running daemon to shut down. Safe to call more than once.
func (d *Daemon) Stop() {
	d.stopOnce.Do(func() { close(d.stopCh) })
}

// Close releases the pool and the database.
func (d *Daemon) Close() error {
	d.workers.Close()
	return d.db.Close()
}
