package infra

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/eliteGoblin/rootd/internal/domain"
)

// fileCertExtractor treats the whole file as the certificate blob.
type fileCertExtractor struct{}

func (fileCertExtractor) Extract(apk *os.File) ([]byte, error) {
	return os.ReadFile(apk.Name())
}

func TestManagerLocator_Resolve(t *testing.T) {
	db := newTestDB(t)
	dataDir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dataDir, "0", "io.rootd.manager"), 0700))
	require.NoError(t, os.MkdirAll(filepath.Join(dataDir, "0", "com.renamed"), 0700))

	l := NewManagerLocator(db, "io.rootd.manager", dataDir, ManagerLocatorOptions{}, zap.NewNop())

	mgr, err := l.Resolve(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, domain.ManagerInfo{Package: "io.rootd.manager", UID: os.Getuid()}, mgr)

	_, err = l.Resolve(context.Background(), 10)
	assert.ErrorIs(t, err, domain.ErrNoManager)

	require.NoError(t, db.SetString(domain.StringManagerPackage, "com.renamed"))
	mgr, err = l.Resolve(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, "com.renamed", mgr.Package)
}

func TestManagerLocator_CertPinning(t *testing.T) {
	db := newTestDB(t)
	dataDir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dataDir, "0", "io.rootd.manager"), 0700))

	apkDir := t.TempDir()
	apk := filepath.Join(apkDir, "base.apk")
	require.NoError(t, os.WriteFile(apk, []byte("trusted-cert"), 0644))
	pmOut := "package:" + filepath.Join(apkDir, "split_config.apk") + "\npackage:" + apk + "\n"

	tests := []struct {
		name    string
		digest  string
		wantErr error
	}{
		{name: "matching digest", digest: CertDigest([]byte("trusted-cert"))},
		{name: "uppercase digest accepted", digest: strings.ToUpper(CertDigest([]byte("trusted-cert")))},
		{name: "wrong digest", digest: CertDigest([]byte("other")), wantErr: domain.ErrCertMismatch},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newFakeRunner().on("/system/bin/pm path --user 0 io.rootd.manager", pmOut, nil)
			l := NewManagerLocator(db, "io.rootd.manager", dataDir, ManagerLocatorOptions{
				CertDigest: tt.digest,
				Extractor:  fileCertExtractor{},
				Runner:     r,
			}, zap.NewNop())

			_, err := l.Resolve(context.Background(), 0)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestManagerLocator_PinningWithoutExtractor(t *testing.T) {
	db := newTestDB(t)
	dataDir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dataDir, "0", "io.rootd.manager"), 0700))

	l := NewManagerLocator(db, "io.rootd.manager", dataDir, ManagerLocatorOptions{CertDigest: "00"}, zap.NewNop())
	_, err := l.Resolve(context.Background(), 0)
	assert.ErrorIs(t, err, domain.ErrCertMismatch)
}

func TestCertDigest(t *testing.T) {
	a := CertDigest([]byte("x"))
	assert.Len(t, a, 64)
	assert.Equal(t, a, CertDigest([]byte("x")))
	assert.NotEqual(t, a, CertDigest([]byte("y")))
}
