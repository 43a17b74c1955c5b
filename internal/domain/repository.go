package domain

import (
	"context"
	"net"
	"os"
	"time"
)

// CredentialReader verifies who is on the other end of a connection.
// Implementation: SO_PEERCRED / SO_PEERSEC plus /proc/<pid>/exe identity.
type CredentialReader interface {
	// Classify returns the caller or ErrDisconnected when the peer is gone.
	Classify(conn net.Conn) (Caller, error)
}

// ProcessManager handles OS process operations.
// Implementation: uses gopsutil.
type ProcessManager interface {
	// IsRunning checks if a PID exists and is running.
	IsRunning(pid int) bool

	// Cmdline returns the command line of a process.
	Cmdline(pid int) (string, error)
}

// Database is the persistent settings, policy and denylist store.
// Implementation: SQLCipher database in the secure directory.
type Database interface {
	// GetSettings loads every integer setting, falling back to defaults.
	GetSettings() (DbSettings, error)

	// GetSetting returns one integer setting, or def when absent.
	GetSetting(key string, def int) (int, error)

	// SetSetting stores one integer setting.
	SetSetting(key string, value int) error

	// GetString returns one string setting, or "" when absent.
	GetString(key string) (string, error)

	// SetString stores one string setting.
	SetString(key, value string) error

	// GetRootSettings returns the stored policy for a uid.
	// Missing or expired rows yield PolicyQuery.
	GetRootSettings(uid int) (RootSettings, error)

	// SetPolicy inserts or replaces a policy row.
	SetPolicy(rec PolicyRecord) error

	// PruneExpired deletes timed policies that expired before now.
	PruneExpired(now int64) (int64, error)

	// DenylistAdd adds an entry; false when it already existed.
	DenylistAdd(pkg, proc string) (bool, error)

	// DenylistRemove removes an entry (proc "" removes the package);
	// false when nothing matched.
	DenylistRemove(pkg, proc string) (bool, error)

	// DenylistEntries returns every entry as [package, process] pairs.
	DenylistEntries() ([][2]string, error)

	// Exec runs a raw statement and streams each result row as
	// ordered column/value pairs.
	Exec(query string, row func(cols []string, vals []string) error) error

	// Close releases the database connection.
	Close() error
}

// ModuleStore manages installed module directories.
type ModuleStore interface {
	// Collect returns enabled modules in directory order, honoring
	// pending remove markers.
	Collect(ctx context.Context) ([]Module, error)

	// DisableAll marks every module disabled (safe mode).
	DisableAll() error

	// RemoveAll runs each module's uninstaller and deletes it.
	RemoveAll(ctx context.Context) error
}

// PropertyStore is the system property collaborator.
type PropertyStore interface {
	Get(name string) (string, error)
	Set(name, value string) error
	Delete(name string) error
	Foreach(fn func(name, value string)) error
}

// CertExtractor reads the signing certificate out of an opened APK.
// An empty blob means no certificate was found.
type CertExtractor interface {
	Extract(apk *os.File) ([]byte, error)
}

// ManagerResolver locates the companion app for an Android user.
type ManagerResolver interface {
	Resolve(ctx context.Context, userID int) (ManagerInfo, error)
}

// ExtraKind is the type tag of an app invocation extra.
type ExtraKind int

const (
	ExtraString ExtraKind = iota
	ExtraInt
	ExtraBool
)

// Extra is one typed key/value passed to the companion app.
type Extra struct {
	Key  string
	Kind ExtraKind
	Str  string
	Int  int
	Bool bool
}

// StringExtra builds a string extra.
func StringExtra(key, v string) Extra { return Extra{Key: key, Kind: ExtraString, Str: v} }

// IntExtra builds an int extra.
func IntExtra(key string, v int) Extra { return Extra{Key: key, Kind: ExtraInt, Int: v} }

// BoolExtra builds a bool extra.
func BoolExtra(key string, v bool) Extra { return Extra{Key: key, Kind: ExtraBool, Bool: v} }

// AppLauncher asks the companion app to do something.
type AppLauncher interface {
	// Invoke tries each invocation mechanism in order until one reports
	// no error. Returns ErrAppInvocation when all fail.
	Invoke(ctx context.Context, mgr ManagerInfo, action string, extras []Extra) error

	// Fire invokes in the background; the outcome is only logged.
	Fire(mgr ManagerInfo, action string, extras []Extra)
}

// Command is one external program invocation.
type Command struct {
	Path string
	Args []string
	Env  []string // appended to the daemon's environment
}

// CommandRunner abstracts command execution for testing.
type CommandRunner interface {
	// Output runs the command to completion and returns stdout+stderr.
	Output(ctx context.Context, c Command) ([]byte, error)

	// Start launches the command in its own session and returns without
	// waiting. The child is reaped in the background.
	Start(c Command) error
}

// StageRunner executes the scripts of one boot stage. A stage deadline is
// measured from started.
type StageRunner interface {
	RunStage(ctx context.Context, stage string, started time.Time, modules []Module) StageReport
}
