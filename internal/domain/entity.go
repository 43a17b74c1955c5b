// Package domain contains core business entities and interfaces.
// This is the innermost layer in Clean Architecture - no external dependencies.
package domain

import (
	"errors"
	"fmt"
	"time"
)

// Well-known Android identities.
const (
	AIDRoot       = 0
	AIDShell      = 2000
	AIDAppStart   = 10000
	AIDAppEnd     = 19999
	AIDUserOffset = 100000

	// ZygoteContext is the SELinux context of the zygote process.
	ZygoteContext = "u:r:zygote:s0"
)

// ToAppID strips the Android user from a uid.
func ToAppID(uid int) int {
	return uid % AIDUserOffset
}

// ToUserID returns the Android user a uid belongs to.
func ToUserID(uid int) int {
	return uid / AIDUserOffset
}

// RequestCode identifies a daemon operation. Values are partitioned into
// three contiguous lanes separated by the two barrier sentinels.
type RequestCode int32

const (
	RequestStartDaemon RequestCode = iota
	RequestCheckVersion
	RequestCheckVersionCode
	RequestStopDaemon

	RequestSyncBarrier

	RequestSuperuser
	RequestZygoteRestart
	RequestDenylist
	RequestSQLiteCmd
	RequestRemoveModules
	RequestZygisk

	RequestStageBarrier

	RequestPostFsData
	RequestLateStart
	RequestBootComplete

	RequestEnd
)

var requestNames = map[RequestCode]string{
	RequestStartDaemon:      "start_daemon",
	RequestCheckVersion:     "check_version",
	RequestCheckVersionCode: "check_version_code",
	RequestStopDaemon:       "stop_daemon",
	RequestSyncBarrier:      "_sync_barrier_",
	RequestSuperuser:        "superuser",
	RequestZygoteRestart:    "zygote_restart",
	RequestDenylist:         "denylist",
	RequestSQLiteCmd:        "sqlite_cmd",
	RequestRemoveModules:    "remove_modules",
	RequestZygisk:           "zygisk",
	RequestStageBarrier:     "_stage_barrier_",
	RequestPostFsData:       "post_fs_data",
	RequestLateStart:        "late_start",
	RequestBootComplete:     "boot_complete",
}

func (c RequestCode) String() string {
	if name, ok := requestNames[c]; ok {
		return name
	}
	return fmt.Sprintf("request(%d)", int32(c))
}

// Valid reports whether the code can be dispatched. Barriers and values
// outside the enumeration are never dispatched.
func (c RequestCode) Valid() bool {
	return c >= 0 && c < RequestEnd && c != RequestSyncBarrier && c != RequestStageBarrier
}

// Lane returns the execution lane for a valid code.
func (c RequestCode) Lane() Lane {
	switch {
	case c < RequestSyncBarrier:
		return LaneSync
	case c < RequestStageBarrier:
		return LaneAsync
	default:
		return LaneStaged
	}
}

// Lane determines where an accepted request executes.
type Lane int

const (
	LaneSync Lane = iota
	LaneAsync
	LaneStaged
)

func (l Lane) String() string {
	switch l {
	case LaneSync:
		return "sync"
	case LaneAsync:
		return "async"
	case LaneStaged:
		return "staged"
	default:
		return "unknown"
	}
}

// RespondCode is the status written back after the permission check.
type RespondCode int32

const (
	RespondError        RespondCode = -1
	RespondOK           RespondCode = 0
	RespondRootRequired RespondCode = 1
	RespondAccessDenied RespondCode = 2
	RespondEnd          RespondCode = 3
)

func (r RespondCode) String() string {
	switch r {
	case RespondError:
		return "error"
	case RespondOK:
		return "ok"
	case RespondRootRequired:
		return "root_required"
	case RespondAccessDenied:
		return "access_denied"
	default:
		return fmt.Sprintf("respond(%d)", int32(r))
	}
}

// PermissionClass is the requirement a request places on its caller.
type PermissionClass int

const (
	PermOpen PermissionClass = iota
	PermRoot
	PermRootOrShell
	PermZygote
)

func (p PermissionClass) String() string {
	switch p {
	case PermOpen:
		return "open"
	case PermRoot:
		return "requires-root"
	case PermRootOrShell:
		return "requires-root-or-shell"
	case PermZygote:
		return "requires-zygote-context"
	default:
		return "unknown"
	}
}

// IdentityClass is the coarse classification of a caller.
type IdentityClass int

const (
	IdentityOther IdentityClass = iota
	IdentityRoot
	IdentityShell
	IdentityZygote
)

func (i IdentityClass) String() string {
	switch i {
	case IdentityRoot:
		return "root"
	case IdentityShell:
		return "shell"
	case IdentityZygote:
		return "zygote"
	default:
		return "other"
	}
}

// Caller is the verified identity of a connected peer. It is derived once
// per connection and never persisted.
type Caller struct {
	UID     int
	PID     int
	Context string
	IsSelf  bool // peer runs the daemon's own executable image
}

// IsRoot reports whether the caller runs as the root uid.
func (c Caller) IsRoot() bool {
	return c.UID == AIDRoot
}

// IsZygote reports whether the caller runs in the zygote context.
func (c Caller) IsZygote() bool {
	return c.Context == ZygoteContext
}

// Class returns the identity class. Root wins over the zygote context.
func (c Caller) Class() IdentityClass {
	switch {
	case c.IsRoot():
		return IdentityRoot
	case c.IsZygote():
		return IdentityZygote
	case c.UID == AIDShell:
		return IdentityShell
	default:
		return IdentityOther
	}
}

// Supported reports whether the daemon talks to this caller at all.
func (c Caller) Supported() bool {
	return c.IsRoot() || c.IsZygote() || c.IsSelf
}

// SuPolicy is the verdict for a superuser request.
type SuPolicy int32

const (
	PolicyQuery SuPolicy = iota
	PolicyDeny
	PolicyAllow
	PolicyRestrict
)

func (p SuPolicy) String() string {
	switch p {
	case PolicyQuery:
		return "query"
	case PolicyDeny:
		return "deny"
	case PolicyAllow:
		return "allow"
	case PolicyRestrict:
		return "restrict"
	default:
		return fmt.Sprintf("policy(%d)", int32(p))
	}
}

// RootAccess selects which callers may request root at all.
type RootAccess int

const (
	RootAccessDisabled RootAccess = iota
	RootAccessAppsOnly
	RootAccessAdbOnly
	RootAccessAppsAndAdb
)

// MultiuserMode selects how secondary Android users are treated.
type MultiuserMode int

const (
	MultiuserOwnerOnly MultiuserMode = iota
	MultiuserOwnerManaged
	MultiuserUser
)

// DbSettings mirrors the integer settings table.
type DbSettings struct {
	RootAccess    RootAccess
	MultiuserMode MultiuserMode
	Denylist      bool
	Zygisk        bool
	BootloopCount int
}

// DefaultDbSettings returns the values used when a key is absent.
func DefaultDbSettings() DbSettings {
	return DbSettings{
		RootAccess:    RootAccessAppsAndAdb,
		MultiuserMode: MultiuserOwnerOnly,
	}
}

// Setting keys in the settings table.
const (
	SettingRootAccess    = "root_access"
	SettingMultiuserMode = "multiuser_mode"
	SettingDenylist      = "denylist"
	SettingZygisk        = "zygisk"
	SettingBootloop      = "bootloop"
	StringManagerPackage = "requester"
)

// RootSettings is the stored policy row for one uid.
type RootSettings struct {
	Policy SuPolicy
	Log    bool
	Notify bool
}

var (
	// SilentAllow grants without logging or notifying.
	SilentAllow = RootSettings{Policy: PolicyAllow}
	// SilentDeny denies without logging or notifying.
	SilentDeny = RootSettings{Policy: PolicyDeny}
)

// PolicyRecord is a full row of the policies table.
type PolicyRecord struct {
	UID    int
	Policy SuPolicy
	Until  int64 // unix seconds, 0 means forever
	Log    bool
	Notify bool
}

// SuRequest is what a su client sends after the OK status.
type SuRequest struct {
	TargetUID int
	TargetPID int
	Login     bool
	KeepEnv   bool
	DropCap   bool
	Shell     string
	Command   string
	Context   string
	GIDs      []int
}

// DefaultShell is used when the client does not name one.
const DefaultShell = "/system/bin/sh"

// ManagerInfo identifies the companion app.
type ManagerInfo struct {
	Package string
	UID     int
}

// Module is an installed module directory.
type Module struct {
	ID   string
	Path string
}

// Boot stage names.
const (
	StagePostFsData    = "post-fs-data"
	StageService       = "service"
	StageBootCompleted = "boot-completed"
)

// StageReport summarizes one run of a stage's scripts.
type StageReport struct {
	Stage       string
	Launched    []string
	Waited      []string
	Detached    []string
	Failed      []string
	DeadlineHit bool
	Duration    time.Duration
}

// PolicyRequest describes one pending app-mediated decision.
type PolicyRequest struct {
	FifoPath string
	UID      int
	PID      int
}

// Denylist sub-commands and responses.
const (
	DenyEnforce int32 = iota
	DenyDisable
	DenyAdd
	DenyRemove
	DenyList
	DenyStatus
)

const (
	DenyOK int32 = iota
	DenyEnforced
	DenyNotEnforced
	DenyItemExist
	DenyItemNotExist
	DenyInvalidPkg
	DenyNoNamespace
	DenyError
)

// Zygisk sub-commands and process flags.
const (
	ZygiskGetInfo int32 = iota
	ZygiskGetModDir
)

const (
	ProcessGrantedRoot uint32 = 1 << 0
	ProcessOnDenylist  uint32 = 1 << 1
	ProcessIsManager   uint32 = 1 << 27
)

// Sentinel errors.
var (
	ErrDisconnected      = errors.New("peer disconnected")
	ErrPolicyTimeout     = errors.New("policy request timed out")
	ErrAppInvocation     = errors.New("companion app invocation failed")
	ErrNoManager         = errors.New("manager app not installed")
	ErrCertMismatch      = errors.New("manager certificate mismatch")
	ErrDaemonNotRunning  = errors.New("no daemon is currently running")
	ErrDaemonError       = errors.New("daemon error")
	ErrRootRequired      = errors.New("root is required for this operation")
	ErrAccessDenied      = errors.New("access denied")
	ErrPropertyNotFound  = errors.New("property not found")
	ErrModuleOutOfBounds = errors.New("module index out of range")
)
