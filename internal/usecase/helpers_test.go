package usecase

import (
	"bytes"
	"context"
	"io"
	"net"
	"os"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/eliteGoblin/rootd/internal/domain"
)

// memDB is an in-memory domain.Database for testing.
type memDB struct {
	mu       sync.Mutex
	settings map[string]int
	strings  map[string]string
	policies map[int]domain.PolicyRecord
	deny     map[[2]string]bool
	execFn   func(query string, row func(cols, vals []string) error) error
	pruned   int
}

func newMemDB() *memDB {
	return &memDB{
		settings: map[string]int{},
		strings:  map[string]string{},
		policies: map[int]domain.PolicyRecord{},
		deny:     map[[2]string]bool{},
	}
}

func (m *memDB) GetSettings() (domain.DbSettings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg := domain.DefaultDbSettings()
	if v, ok := m.settings[domain.SettingRootAccess]; ok {
		cfg.RootAccess = domain.RootAccess(v)
	}
	if v, ok := m.settings[domain.SettingMultiuserMode]; ok {
		cfg.MultiuserMode = domain.MultiuserMode(v)
	}
	cfg.Denylist = m.settings[domain.SettingDenylist] != 0
	cfg.Zygisk = m.settings[domain.SettingZygisk] != 0
	cfg.BootloopCount = m.settings[domain.SettingBootloop]
	return cfg, nil
}

func (m *memDB) GetSetting(key string, def int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok := m.settings[key]; ok {
		return v, nil
	}
	return def, nil
}

func (m *memDB) SetSetting(key string, value int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings[key] = value
	return nil
}

func (m *memDB) GetString(key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.strings[key], nil
}

func (m *memDB) SetString(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.strings[key] = value
	return nil
}

func (m *memDB) GetRootSettings(uid int) (domain.RootSettings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.policies[uid]
	if !ok {
		return domain.RootSettings{Policy: domain.PolicyQuery}, nil
	}
	return domain.RootSettings{Policy: rec.Policy, Log: rec.Log, Notify: rec.Notify}, nil
}

func (m *memDB) SetPolicy(rec domain.PolicyRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.policies[rec.UID] = rec
	return nil
}

func (m *memDB) PruneExpired(now int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for uid, rec := range m.policies {
		if rec.Until > 0 && rec.Until < now {
			delete(m.policies, uid)
			n++
		}
	}
	m.pruned++
	return n, nil
}

func (m *memDB) DenylistAdd(pkg, proc string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := [2]string{pkg, proc}
	if m.deny[k] {
		return false, nil
	}
	m.deny[k] = true
	return true, nil
}

func (m *memDB) DenylistRemove(pkg, proc string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := false
	for k := range m.deny {
		if k[0] == pkg && (proc == "" || k[1] == proc) {
			delete(m.deny, k)
			removed = true
		}
	}
	return removed, nil
}

func (m *memDB) DenylistEntries() ([][2]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out [][2]string
	for k := range m.deny {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i][0] != out[j][0] {
			return out[i][0] < out[j][0]
		}
		return out[i][1] < out[j][1]
	})
	return out, nil
}

func (m *memDB) Exec(query string, row func(cols, vals []string) error) error {
	if m.execFn != nil {
		return m.execFn(query, row)
	}
	return nil
}

func (m *memDB) Close() error { return nil }

var _ domain.Database = (*memDB)(nil)

// fakeManagers resolves a fixed manager for every user, or ErrNoManager.
type fakeManagers struct {
	mgr   *domain.ManagerInfo
	calls int
}

func (f *fakeManagers) Resolve(ctx context.Context, userID int) (domain.ManagerInfo, error) {
	f.calls++
	if f.mgr == nil {
		return domain.ManagerInfo{}, domain.ErrNoManager
	}
	return *f.mgr, nil
}

// fakeProcs implements domain.ProcessManager for testing.
type fakeProcs struct {
	cmdlines map[int]string
	gone     map[int]bool
}

func (f *fakeProcs) IsRunning(pid int) bool { return !f.gone[pid] }

func (f *fakeProcs) Cmdline(pid int) (string, error) {
	if c, ok := f.cmdlines[pid]; ok {
		return c, nil
	}
	return "", os.ErrNotExist
}

// fakeModules implements domain.ModuleStore for testing.
type fakeModules struct {
	mu        sync.Mutex
	modules   []domain.Module
	disabled  bool
	removed     bool
	collected   int
	collectedAt time.Time
}

func (f *fakeModules) Collect(ctx context.Context) ([]domain.Module, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.collected++
	f.collectedAt = time.Now()
	if f.disabled {
		return nil, nil
	}
	return f.modules, nil
}

func (f *fakeModules) DisableAll() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disabled = true
	return nil
}

func (f *fakeModules) RemoveAll(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = true
	f.modules = nil
	return nil
}

// fakeProps implements domain.PropertyStore for testing.
type fakeProps struct {
	mu    sync.Mutex
	props map[string]string
}

func newFakeProps(kv ...string) *fakeProps {
	p := &fakeProps{props: map[string]string{}}
	for i := 0; i+1 < len(kv); i += 2 {
		p.props[kv[i]] = kv[i+1]
	}
	return p
}

func (f *fakeProps) Get(name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.props[name]
	if !ok {
		return "", domain.ErrPropertyNotFound
	}
	return v, nil
}

func (f *fakeProps) Set(name, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.props[name] = value
	return nil
}

func (f *fakeProps) Delete(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.props, name)
	return nil
}

func (f *fakeProps) Foreach(fn func(name, value string)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for k, v := range f.props {
		fn(k, v)
	}
	return nil
}

// unixPair returns two connected unix stream sockets.
func unixPair(t *testing.T) (*net.UnixConn, *net.UnixConn) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	require.NoError(t, err)

	conn := func(fd int, name string) *net.UnixConn {
		f := os.NewFile(uintptr(fd), name)
		defer f.Close()
		c, err := net.FileConn(f)
		require.NoError(t, err)
		return c.(*net.UnixConn)
	}
	a, b := conn(fds[0], "server"), conn(fds[1], "client")
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return a, b
}

// rwBuf feeds a scripted request and captures the response.
type rwBuf struct {
	in     *bytes.Buffer
	out    bytes.Buffer
	closed bool
}

func newRWBuf(write func(w io.Writer)) *rwBuf {
	b := &rwBuf{in: &bytes.Buffer{}}
	if write != nil {
		write(b.in)
	}
	return b
}

func (b *rwBuf) Read(p []byte) (int, error)  { return b.in.Read(p) }
func (b *rwBuf) Write(p []byte) (int, error) { return b.out.Write(p) }
func (b *rwBuf) Close() error {
	b.closed = true
	return nil
}
