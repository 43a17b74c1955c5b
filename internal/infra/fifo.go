package infra

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

const selinuxXattr = "security.selinux"

// FifoFactory creates single-use named pipes the companion app writes its
// verdict into.
type FifoFactory struct {
	dir    string
	label  string
	logger *zap.Logger
}

// NewFifoFactory creates FIFOs under dir, labelled with label when the
// kernel supports it.
func NewFifoFactory(dir, label string, logger *zap.Logger) *FifoFactory {
	return &FifoFactory{dir: dir, label: label, logger: logger}
}

// Create makes a fresh FIFO owned by uid and returns its path. The caller
// must unlink it.
func (f *FifoFactory) Create(uid int) (string, error) {
	if err := os.MkdirAll(f.dir, 0711); err != nil {
		return "", fmt.Errorf("create fifo dir: %w", err)
	}
	path := filepath.Join(f.dir, uuid.NewString())
	if err := unix.Mkfifo(path, 0600); err != nil {
		return "", fmt.Errorf("mkfifo: %w", err)
	}
	if err := os.Chown(path, uid, uid); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("chown fifo: %w", err)
	}
	if f.label != "" {
		if err := unix.Setxattr(path, selinuxXattr, []byte(f.label), 0); err != nil {
			// Hosts without SELinux reject the attribute namespace.
			if !errors.Is(err, unix.ENOTSUP) && !errors.Is(err, unix.EPERM) && !errors.Is(err, unix.EACCES) {
				os.Remove(path)
				return "", fmt.Errorf("label fifo: %w", err)
			}
			f.logger.Debug("fifo label skipped", zap.String("path", path), zap.Error(err))
		}
	}
	return path, nil
}
