package usecase

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/rootd/internal/domain"
)

// BootState is a set of boot progress flags.
type BootState uint8

const (
	StatePostFsDataDone BootState = 1 << iota
	StateLateStartDone
	StateBootComplete
	StateSafeMode
)

// Has reports whether every flag in f is set.
func (s BootState) Has(f BootState) bool {
	return s&f == f
}

// BootloopThreshold is the number of unfinished boots that forces safe mode.
const BootloopThreshold = 2

var safeModeProps = []string{"persist.sys.safemode", "ro.sys.safemode"}

// BootStages drives the boot stage requests. Stages are serialized and
// each runs at most once.
type BootStages struct {
	db        domain.Database
	modules   domain.ModuleStore
	runner    domain.StageRunner
	props     domain.PropertyStore
	secureDir string
	logger    *zap.Logger

	mu        sync.Mutex
	state     BootState
	collected []domain.Module

	zygisk atomic.Bool
}

// NewBootStages creates the boot stage driver.
func NewBootStages(
	db domain.Database,
	modules domain.ModuleStore,
	runner domain.StageRunner,
	props domain.PropertyStore,
	secureDir string,
	logger *zap.Logger,
) *BootStages {
	return &BootStages{
		db:        db,
		modules:   modules,
		runner:    runner,
		props:     props,
		secureDir: secureDir,
		logger:    logger,
	}
}

// State returns the current flags.
func (b *BootStages) State() BootState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// ZygiskEnabled reports whether runtime injection is active this boot.
func (b *BootStages) ZygiskEnabled() bool {
	return b.zygisk.Load()
}

// Modules returns the modules collected at post-fs-data.
func (b *BootStages) Modules() []domain.Module {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]domain.Module(nil), b.collected...)
}

// ResetZygisk re-reads the zygisk setting after a zygote restart.
func (b *BootStages) ResetZygisk() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state.Has(StateSafeMode) || !b.state.Has(StatePostFsDataDone) {
		b.zygisk.Store(false)
		return
	}
	v, err := b.db.GetSetting(domain.SettingZygisk, 0)
	if err != nil {
		b.logger.Warn("failed to read zygisk setting", zap.Error(err))
		return
	}
	b.zygisk.Store(v != 0)
}

func (b *BootStages) safeModeRequested() bool {
	for _, name := range safeModeProps {
		if v, err := b.props.Get(name); err == nil && v == "1" {
			b.logger.Warn("safe mode requested by property", zap.String("prop", name))
			return true
		}
	}
	return false
}

// checkBootloop counts this boot and reports whether too many boots went
// by without reaching boot-complete.
func (b *BootStages) checkBootloop() bool {
	count, err := b.db.GetSetting(domain.SettingBootloop, 0)
	if err != nil {
		b.logger.Warn("failed to read bootloop counter", zap.Error(err))
		return false
	}
	if count >= BootloopThreshold {
		b.logger.Warn("bootloop detected", zap.Int("count", count))
		return true
	}
	if err := b.db.SetSetting(domain.SettingBootloop, count+1); err != nil {
		b.logger.Warn("failed to bump bootloop counter", zap.Error(err))
	}
	return false
}

// PostFsData runs the blocking early stage. ok is false when the stage
// already ran.
func (b *BootStages) PostFsData(ctx context.Context) (report domain.StageReport, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state.Has(StatePostFsDataDone) {
		return report, false
	}
	defer func() { b.state |= StatePostFsDataDone }()

	started := time.Now()
	b.logger.Info("** post-fs-data mode running")
	if b.safeModeRequested() || b.checkBootloop() {
		b.state |= StateSafeMode
		b.zygisk.Store(false)
		// Next boot starts without zygisk as well.
		if err := b.db.SetSetting(domain.SettingZygisk, 0); err != nil {
			b.logger.Warn("failed to clear zygisk setting", zap.Error(err))
		}
		if err := b.modules.DisableAll(); err != nil {
			b.logger.Error("failed to disable modules", zap.Error(err))
		}
		b.logger.Warn("* safe mode: modules and zygisk disabled")
		return domain.StageReport{Stage: domain.StagePostFsData}, true
	}

	cfg, err := b.db.GetSettings()
	if err != nil {
		b.logger.Warn("failed to load settings", zap.Error(err))
	}
	b.zygisk.Store(cfg.Zygisk)

	mods, err := b.modules.Collect(ctx)
	if err != nil {
		b.logger.Error("failed to collect modules", zap.Error(err))
	}
	b.collected = mods
	return b.runner.RunStage(ctx, domain.StagePostFsData, started, mods), true
}

// LateStart runs the service stage once post-fs-data finished outside
// safe mode.
func (b *BootStages) LateStart(ctx context.Context) (report domain.StageReport, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state.Has(StateLateStartDone) || !b.state.Has(StatePostFsDataDone) {
		return report, false
	}
	b.state |= StateLateStartDone
	if b.state.Has(StateSafeMode) {
		return report, false
	}

	b.logger.Info("** late_start service mode running")
	return b.runner.RunStage(ctx, domain.StageService, time.Now(), b.collected), true
}

// BootComplete marks a successful boot and runs the boot-completed stage.
// It is ignored until post-fs-data finished.
func (b *BootStages) BootComplete(ctx context.Context) (report domain.StageReport, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state.Has(StateBootComplete) || !b.state.Has(StatePostFsDataDone) {
		return report, false
	}
	b.state |= StateBootComplete

	if err := b.db.SetSetting(domain.SettingBootloop, 0); err != nil {
		b.logger.Warn("failed to reset bootloop counter", zap.Error(err))
	}
	if b.state.Has(StateSafeMode) {
		return report, false
	}

	b.logger.Info("** boot-complete triggered")
	if err := os.MkdirAll(b.secureDir, 0700); err != nil {
		b.logger.Error("failed to create secure dir", zap.Error(err))
	}
	return b.runner.RunStage(ctx, domain.StageBootCompleted, time.Now(), b.collected), true
}
