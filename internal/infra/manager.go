package infra

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/zeebo/blake3"
	"go.uber.org/zap"

	"github.com/eliteGoblin/rootd/internal/domain"
)

const pmTimeout = 10 * time.Second

// ManagerLocator implements domain.ManagerResolver. The package name comes
// from the database (falling back to the configured default) and the uid
// from the owner of the app's per-user data directory.
type ManagerLocator struct {
	db         domain.Database
	defaultPkg string
	appDataDir string
	certDigest string
	extractor  domain.CertExtractor
	runner     CommandRunner
	logger     *zap.Logger
}

// ManagerLocatorOptions configures optional certificate pinning.
type ManagerLocatorOptions struct {
	// CertDigest is the expected hex BLAKE3 digest of the signing
	// certificate. Empty disables the check.
	CertDigest string
	Extractor  domain.CertExtractor
	Runner     CommandRunner
}

// NewManagerLocator creates a resolver.
func NewManagerLocator(db domain.Database, defaultPkg, appDataDir string, opts ManagerLocatorOptions, logger *zap.Logger) *ManagerLocator {
	return &ManagerLocator{
		db:         db,
		defaultPkg: defaultPkg,
		appDataDir: appDataDir,
		certDigest: strings.ToLower(opts.CertDigest),
		extractor:  opts.Extractor,
		runner:     opts.Runner,
		logger:     logger,
	}
}

// Resolve locates the manager app installed for userID.
func (m *ManagerLocator) Resolve(ctx context.Context, userID int) (domain.ManagerInfo, error) {
	pkg, err := m.db.GetString(domain.StringManagerPackage)
	if err != nil {
		m.logger.Warn("failed to read manager package", zap.Error(err))
	}
	if pkg == "" {
		pkg = m.defaultPkg
	}

	dataDir := filepath.Join(m.appDataDir, strconv.Itoa(userID), pkg)
	info, err := os.Stat(dataDir)
	if errors.Is(err, os.ErrNotExist) {
		return domain.ManagerInfo{}, fmt.Errorf("%s: %w", pkg, domain.ErrNoManager)
	}
	if err != nil {
		return domain.ManagerInfo{}, fmt.Errorf("stat manager data: %w", err)
	}
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return domain.ManagerInfo{}, fmt.Errorf("stat manager data: no owner information")
	}
	mgr := domain.ManagerInfo{Package: pkg, UID: int(st.Uid)}

	if m.certDigest != "" {
		if err := m.verify(ctx, mgr); err != nil {
			return domain.ManagerInfo{}, err
		}
	}
	return mgr, nil
}

func (m *ManagerLocator) verify(ctx context.Context, mgr domain.ManagerInfo) error {
	if m.extractor == nil || m.runner == nil {
		return fmt.Errorf("%w: no certificate extractor", domain.ErrCertMismatch)
	}
	apk, err := m.apkPath(ctx, mgr)
	if err != nil {
		return err
	}
	f, err := os.Open(apk)
	if err != nil {
		return fmt.Errorf("open manager apk: %w", err)
	}
	defer f.Close()

	cert, err := m.extractor.Extract(f)
	if err != nil {
		return fmt.Errorf("extract certificate: %w", err)
	}
	if len(cert) == 0 {
		return fmt.Errorf("%w: unsigned apk", domain.ErrCertMismatch)
	}
	if got := CertDigest(cert); got != m.certDigest {
		m.logger.Warn("manager certificate mismatch",
			zap.String("package", mgr.Package),
			zap.String("digest", got))
		return domain.ErrCertMismatch
	}
	return nil
}

func (m *ManagerLocator) apkPath(ctx context.Context, mgr domain.ManagerInfo) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, pmTimeout)
	defer cancel()
	out, err := m.runner.Output(ctx, Command{
		Path: "/system/bin/pm",
		Args: []string{"path", "--user", strconv.Itoa(domain.ToUserID(mgr.UID)), mgr.Package},
	})
	if err != nil {
		return "", fmt.Errorf("pm path: %w", err)
	}
	for _, line := range strings.Split(string(out), "\n") {
		if p, ok := strings.CutPrefix(strings.TrimSpace(line), "package:"); ok && strings.HasSuffix(p, "base.apk") {
			return p, nil
		}
	}
	return "", fmt.Errorf("%s: %w", mgr.Package, domain.ErrNoManager)
}

// CertDigest returns the hex BLAKE3 digest of a certificate blob.
func CertDigest(cert []byte) string {
	sum := blake3.Sum256(cert)
	return hex.EncodeToString(sum[:])
}

var _ domain.ManagerResolver = (*ManagerLocator)(nil)
