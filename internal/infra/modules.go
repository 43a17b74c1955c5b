package infra

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/eliteGoblin/rootd/internal/domain"
)

// Marker files inside a module directory.
const (
	moduleDisableFile   = "disable"
	moduleRemoveFile    = "remove"
	moduleUninstallFile = "uninstall.sh"
)

// ModuleFS implements domain.ModuleStore over the module directory.
type ModuleFS struct {
	dir    string
	shell  string
	runner CommandRunner
	logger *zap.Logger
}

// NewModuleFS creates a module store rooted at dir. Uninstall scripts run
// through shell.
func NewModuleFS(dir, shell string, runner CommandRunner, logger *zap.Logger) *ModuleFS {
	return &ModuleFS{dir: dir, shell: shell, runner: runner, logger: logger}
}

// Dir returns the module root.
func (m *ModuleFS) Dir() string {
	return m.dir
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// list returns every module directory in name order.
func (m *ModuleFS) list() ([]domain.Module, error) {
	entries, err := os.ReadDir(m.dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read module dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	var mods []domain.Module
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		mods = append(mods, domain.Module{ID: e.Name(), Path: filepath.Join(m.dir, e.Name())})
	}
	return mods, nil
}

// Collect returns enabled modules. Modules flagged for removal are
// uninstalled and deleted on the way.
func (m *ModuleFS) Collect(ctx context.Context) ([]domain.Module, error) {
	all, err := m.list()
	if err != nil {
		return nil, err
	}
	var out []domain.Module
	for _, mod := range all {
		if exists(filepath.Join(mod.Path, moduleRemoveFile)) {
			m.remove(ctx, mod)
			continue
		}
		if exists(filepath.Join(mod.Path, moduleDisableFile)) {
			continue
		}
		out = append(out, mod)
	}
	return out, nil
}

// DisableAll drops a disable marker into every module.
func (m *ModuleFS) DisableAll() error {
	all, err := m.list()
	if err != nil {
		return err
	}
	var lastErr error
	for _, mod := range all {
		f, err := os.OpenFile(filepath.Join(mod.Path, moduleDisableFile), os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			lastErr = err
			continue
		}
		f.Close()
	}
	return lastErr
}

// RemoveAll uninstalls and deletes every module.
func (m *ModuleFS) RemoveAll(ctx context.Context) error {
	all, err := m.list()
	if err != nil {
		return err
	}
	var lastErr error
	for _, mod := range all {
		if err := m.remove(ctx, mod); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

func (m *ModuleFS) remove(ctx context.Context, mod domain.Module) error {
	script := filepath.Join(mod.Path, moduleUninstallFile)
	if exists(script) {
		out, err := m.runner.Output(ctx, Command{Path: m.shell, Args: []string{script}})
		if err != nil {
			m.logger.Warn("uninstall script failed",
				zap.String("module", mod.ID),
				zap.ByteString("output", out),
				zap.Error(err))
		}
	}
	if err := os.RemoveAll(mod.Path); err != nil {
		m.logger.Error("failed to remove module", zap.String("module", mod.ID), zap.Error(err))
		return err
	}
	m.logger.Info("module removed", zap.String("module", mod.ID))
	return nil
}

var _ domain.ModuleStore = (*ModuleFS)(nil)
