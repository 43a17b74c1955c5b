package daemon

import (
	"context"
	"fmt"
	"net"

	"go.uber.org/zap"

	"github.com/eliteGoblin/rootd/internal/domain"
	"github.com/eliteGoblin/rootd/internal/ipc"
	"github.com/eliteGoblin/rootd/internal/usecase"
)

// NativeBridgeProp is the runtime property restored when the daemon stops.
const NativeBridgeProp = "ro.dalvik.vm.native.bridge"

// VersionInfo is what CHECK_VERSION and CHECK_VERSION_CODE report.
type VersionInfo struct {
	Name  string
	Code  int32
	Debug bool
}

// String formats the version as "<name>:ROOTD:R", with D for debug builds.
func (v VersionInfo) String() string {
	flavor := "R"
	if v.Debug {
		flavor = "D"
	}
	return fmt.Sprintf("%s:ROOTD:%s", v.Name, flavor)
}

// Services are the request handlers behind each code.
type Services struct {
	Superuser   *usecase.Superuser
	Denylist    *usecase.Denylist
	Zygisk      *usecase.Zygisk
	Maintenance *usecase.Maintenance
	Stages      *usecase.BootStages
	Props       domain.PropertyStore
}

// Hooks reach back into the running daemon.
type Hooks struct {
	// ReopenLog is called on START_DAEMON.
	ReopenLog func()
	// Stop shuts the daemon down after STOP_DAEMON has been answered.
	Stop func()
}

// Handlers implements Router for every request code.
type Handlers struct {
	version      VersionInfo
	svc          Services
	hooks        Hooks
	nativeBridge string
	logger       *zap.Logger
}

// NewHandlers creates the router. The current native bridge property is
// captured so it can be put back on stop.
func NewHandlers(version VersionInfo, svc Services, hooks Hooks, logger *zap.Logger) *Handlers {
	h := &Handlers{version: version, svc: svc, hooks: hooks, nativeBridge: "0", logger: logger}
	if svc.Props != nil {
		if v, err := svc.Props.Get(NativeBridgeProp); err == nil {
			h.nativeBridge = v
		}
	}
	return h
}

// Route runs the handler for code.
func (h *Handlers) Route(ctx context.Context, code domain.RequestCode, conn *net.UnixConn, caller domain.Caller) {
	switch code {
	case domain.RequestStartDaemon:
		conn.Close()
		if h.hooks.ReopenLog != nil {
			h.hooks.ReopenLog()
		}
	case domain.RequestCheckVersion:
		_ = ipc.WriteString(conn, h.version.String())
		conn.Close()
	case domain.RequestCheckVersionCode:
		_ = ipc.WriteInt(conn, h.version.Code)
		conn.Close()
	case domain.RequestStopDaemon:
		h.stop(conn)

	case domain.RequestSuperuser:
		h.svc.Superuser.Handle(ctx, conn, caller)
	case domain.RequestZygoteRestart:
		conn.Close()
		h.svc.Maintenance.ZygoteRestart()
	case domain.RequestDenylist:
		h.svc.Denylist.Handle(conn)
		conn.Close()
	case domain.RequestSQLiteCmd:
		h.svc.Maintenance.SQLite(conn)
		conn.Close()
	case domain.RequestRemoveModules:
		h.svc.Maintenance.RemoveModules(ctx, conn)
	case domain.RequestZygisk:
		h.svc.Zygisk.Handle(ctx, conn)
		conn.Close()

	case domain.RequestPostFsData:
		// The client is held until the stage is done.
		report, ok := h.svc.Stages.PostFsData(ctx)
		conn.Close()
		h.logStage(report, ok)
	case domain.RequestLateStart:
		conn.Close()
		h.logStage(h.svc.Stages.LateStart(ctx))
	case domain.RequestBootComplete:
		conn.Close()
		h.logStage(h.svc.Stages.BootComplete(ctx))

	default:
		conn.Close()
	}
}

func (h *Handlers) stop(conn *net.UnixConn) {
	h.logger.Info("stop requested")
	if h.svc.Props != nil && h.svc.Stages != nil && h.svc.Stages.ZygiskEnabled() {
		if err := h.svc.Props.Set(NativeBridgeProp, h.nativeBridge); err != nil {
			h.logger.Warn("failed to restore native bridge", zap.Error(err))
		}
	}
	_ = ipc.WriteInt(conn, 0)
	conn.Close()
	if h.hooks.Stop != nil {
		h.hooks.Stop()
	}
}

func (h *Handlers) logStage(report domain.StageReport, ok bool) {
	if !ok {
		return
	}
	h.logger.Info("stage finished",
		zap.String("stage", report.Stage),
		zap.Int("launched", len(report.Launched)),
		zap.Int("waited", len(report.Waited)),
		zap.Int("detached", len(report.Detached)),
		zap.Strings("failed", report.Failed),
		zap.Bool("deadline_hit", report.DeadlineHit),
		zap.Duration("duration", report.Duration))
}

var _ Router = (*Handlers)(nil)
