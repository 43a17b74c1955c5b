package usecase

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/rootd/internal/domain"
	"github.com/eliteGoblin/rootd/internal/ipc"
	"github.com/eliteGoblin/rootd/internal/policy"
)

// SuInfoTTL is how long an access evaluation is reused for a uid.
const SuInfoTTL = 3 * time.Second

// Decider asks the user about a request.
type Decider interface {
	Decide(ctx context.Context, mgr domain.ManagerInfo, uid, pid int) domain.SuPolicy
}

// suInfo is the cached evaluation for one requesting uid. Its mutex is
// held across a prompt so one uid never sees two prompts at once.
type suInfo struct {
	mu     sync.Mutex
	stamp  time.Time
	access domain.RootSettings
	mgr    domain.ManagerInfo
	hasMgr bool
}

// SuResolver turns a requesting uid into an access decision.
type SuResolver struct {
	db       domain.Database
	managers domain.ManagerResolver
	decider  Decider
	ttl      time.Duration
	now      func() time.Time
	logger   *zap.Logger

	mu    sync.Mutex
	infos map[int]*suInfo
}

// NewSuResolver creates a resolver with the default cache lifetime.
func NewSuResolver(db domain.Database, managers domain.ManagerResolver, decider Decider, logger *zap.Logger) *SuResolver {
	return &SuResolver{
		db:       db,
		managers: managers,
		decider:  decider,
		ttl:      SuInfoTTL,
		now:      time.Now,
		logger:   logger,
		infos:    make(map[int]*suInfo),
	}
}

func (r *SuResolver) info(uid int) *suInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	for k, v := range r.infos {
		if k == uid || !v.mu.TryLock() {
			continue
		}
		if now.Sub(v.stamp) > r.ttl {
			delete(r.infos, k)
		}
		v.mu.Unlock()
	}
	info, ok := r.infos[uid]
	if !ok {
		info = &suInfo{}
		r.infos[uid] = info
	}
	return info
}

// Invalidate drops every cached evaluation.
func (r *SuResolver) Invalidate() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.infos = make(map[int]*suInfo)
}

func (r *SuResolver) refresh(ctx context.Context, uid int, info *suInfo) {
	cfg, err := r.db.GetSettings()
	if err != nil {
		r.logger.Warn("failed to load settings", zap.Error(err))
		cfg = domain.DefaultDbSettings()
	}

	stored := domain.RootSettings{Policy: domain.PolicyQuery}
	eval, ok := policy.EvalUID(uid, cfg.MultiuserMode)
	if ok && eval > 0 {
		if stored, err = r.db.GetRootSettings(eval); err != nil {
			r.logger.Warn("failed to load policy", zap.Int("uid", eval), zap.Error(err))
		}
	}

	mgrUID := policy.NoManager
	info.hasMgr = false
	if mgr, err := r.managers.Resolve(ctx, domain.ToUserID(eval)); err == nil {
		info.mgr = mgr
		info.hasMgr = true
		mgrUID = mgr.UID
	} else {
		r.logger.Debug("no manager for user", zap.Int("user", domain.ToUserID(eval)), zap.Error(err))
	}

	info.access = policy.Evaluate(uid, cfg, stored, mgrUID)
	info.stamp = r.now()
}

// Resolve returns the access for uid, prompting through the manager when
// no stored decision applies. The manager is returned for log/notify.
func (r *SuResolver) Resolve(ctx context.Context, uid, pid int) (domain.RootSettings, domain.ManagerInfo, bool) {
	info := r.info(uid)
	info.mu.Lock()
	defer info.mu.Unlock()

	if info.stamp.IsZero() || r.now().Sub(info.stamp) > r.ttl {
		r.refresh(ctx, uid, info)
	}
	if info.access.Policy == domain.PolicyQuery && info.hasMgr {
		info.access.Policy = r.decider.Decide(ctx, info.mgr, uid, pid)
		info.stamp = r.now()
	}
	return info.access, info.mgr, info.hasMgr
}

// ShellSpawner runs the requested shell with the client's stdio.
type ShellSpawner interface {
	Run(ctx context.Context, req domain.SuRequest, stdio []*os.File) (int, error)
}

// CredentialShell spawns the shell as the target uid in a new session.
type CredentialShell struct {
	// Env is the base environment.
	Env []string
}

func userName(uid int) string {
	switch uid {
	case domain.AIDRoot:
		return "root"
	case domain.AIDShell:
		return "shell"
	default:
		return "u" + strconv.Itoa(domain.ToUserID(uid)) + "_a" + strconv.Itoa(domain.ToAppID(uid)-domain.AIDAppStart)
	}
}

// Command builds the exec.Cmd for req without starting it.
func (s *CredentialShell) Command(ctx context.Context, req domain.SuRequest, stdio []*os.File) *exec.Cmd {
	shell := req.Shell
	if shell == "" {
		shell = domain.DefaultShell
	}
	argv0 := filepath.Base(shell)
	if req.Login {
		argv0 = "-" + argv0
	}
	args := []string{argv0}
	if req.Command != "" {
		args = append(args, "-c", req.Command)
	}

	cmd := exec.CommandContext(ctx, shell)
	cmd.Args = args
	cmd.Env = append([]string{}, s.Env...)
	cmd.Env = append(cmd.Env, "SHELL="+shell)
	if !req.KeepEnv {
		name := userName(req.TargetUID)
		cmd.Env = append(cmd.Env, "HOME=/", "USER="+name, "LOGNAME="+name)
	}
	if len(stdio) == 3 {
		cmd.Stdin, cmd.Stdout, cmd.Stderr = stdio[0], stdio[1], stdio[2]
	}

	groups := make([]uint32, 0, len(req.GIDs))
	for _, g := range req.GIDs {
		groups = append(groups, uint32(g))
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid: true,
		Credential: &syscall.Credential{
			Uid:    uint32(req.TargetUID),
			Gid:    uint32(req.TargetUID),
			Groups: groups,
		},
	}
	return cmd
}

// Run starts the shell and returns its exit status.
func (s *CredentialShell) Run(ctx context.Context, req domain.SuRequest, stdio []*os.File) (int, error) {
	err := s.Command(ctx, req, stdio).Run()
	if err == nil {
		return 0, nil
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode(), nil
	}
	return -1, err
}

// ReadSuRequest decodes the request a su client sends after OK.
func ReadSuRequest(r io.Reader) (domain.SuRequest, error) {
	var (
		req domain.SuRequest
		v   int32
		err error
	)
	if v, err = ipc.ReadInt(r); err != nil {
		return req, err
	}
	req.TargetUID = int(v)
	if v, err = ipc.ReadInt(r); err != nil {
		return req, err
	}
	req.TargetPID = int(v)
	if req.Login, err = ipc.ReadBool(r); err != nil {
		return req, err
	}
	if req.KeepEnv, err = ipc.ReadBool(r); err != nil {
		return req, err
	}
	if req.DropCap, err = ipc.ReadBool(r); err != nil {
		return req, err
	}
	if req.Shell, err = ipc.ReadString(r); err != nil {
		return req, err
	}
	if req.Command, err = ipc.ReadString(r); err != nil {
		return req, err
	}
	if req.Context, err = ipc.ReadString(r); err != nil {
		return req, err
	}
	if req.GIDs, err = ipc.ReadInts(r); err != nil {
		return req, err
	}
	return req, nil
}

// WriteSuRequest encodes req in the order ReadSuRequest expects.
func WriteSuRequest(w io.Writer, req domain.SuRequest) error {
	steps := []func() error{
		func() error { return ipc.WriteInt(w, int32(req.TargetUID)) },
		func() error { return ipc.WriteInt(w, int32(req.TargetPID)) },
		func() error { return ipc.WriteBool(w, req.Login) },
		func() error { return ipc.WriteBool(w, req.KeepEnv) },
		func() error { return ipc.WriteBool(w, req.DropCap) },
		func() error { return ipc.WriteString(w, req.Shell) },
		func() error { return ipc.WriteString(w, req.Command) },
		func() error { return ipc.WriteString(w, req.Context) },
		func() error { return ipc.WriteInts(w, req.GIDs) },
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return err
		}
	}
	return nil
}

// DecisionLogger reports decisions to the manager.
type DecisionLogger interface {
	Log(mgr domain.ManagerInfo, rec DecisionRecord)
	Notify(mgr domain.ManagerInfo, rec DecisionRecord)
}

// Superuser serves SUPERUSER requests.
type Superuser struct {
	resolver *SuResolver
	reporter DecisionLogger
	procs    domain.ProcessManager
	shell    ShellSpawner
	logger   *zap.Logger
}

// NewSuperuser creates the superuser handler.
func NewSuperuser(resolver *SuResolver, reporter DecisionLogger, procs domain.ProcessManager, shell ShellSpawner, logger *zap.Logger) *Superuser {
	return &Superuser{resolver: resolver, reporter: reporter, procs: procs, shell: shell, logger: logger}
}

// Handle reads the request, decides, and on allow runs the shell with the
// client's stdio. The client gets 0 (proceed) or the deny policy, then the
// exit status.
func (s *Superuser) Handle(ctx context.Context, conn *net.UnixConn, caller domain.Caller) {
	defer conn.Close()

	req, err := ReadSuRequest(conn)
	if err != nil {
		s.logger.Debug("su client gone", zap.Error(err))
		return
	}
	if req.Shell == "" {
		req.Shell = domain.DefaultShell
	}
	if !s.procs.IsRunning(caller.PID) {
		s.logger.Debug("su requester exited", zap.Int("uid", caller.UID), zap.Int("pid", caller.PID))
		return
	}

	access, mgr, hasMgr := s.resolver.Resolve(ctx, caller.UID, caller.PID)
	s.logger.Info("su request",
		zap.Int("uid", caller.UID),
		zap.Int("pid", caller.PID),
		zap.Int("target_uid", req.TargetUID),
		zap.Stringer("policy", access.Policy))

	if hasMgr && (access.Log || access.Notify) {
		rec := DecisionRecord{
			FromUID: caller.UID,
			ToUID:   req.TargetUID,
			PID:     caller.PID,
			Policy:  access.Policy,
			Command: req.Command,
			Context: req.Context,
			GIDs:    req.GIDs,
			Notify:  access.Notify,
		}
		if rec.Command == "" {
			rec.Command = req.Shell
		}
		if cmdline, err := s.procs.Cmdline(caller.PID); err == nil {
			rec.Requester = cmdline
		}
		if access.Log {
			s.reporter.Log(mgr, rec)
		} else {
			s.reporter.Notify(mgr, rec)
		}
	}

	if access.Policy != domain.PolicyAllow {
		_ = ipc.WriteInt(conn, int32(domain.PolicyDeny))
		return
	}
	if err := ipc.WriteInt(conn, 0); err != nil {
		return
	}

	fds, err := ipc.RecvFds(conn, 3)
	if err != nil {
		s.logger.Debug("failed to receive stdio", zap.Error(err))
		return
	}
	stdio := make([]*os.File, len(fds))
	for i, fd := range fds {
		stdio[i] = os.NewFile(uintptr(fd), fmt.Sprintf("su-stdio-%d", i))
	}
	defer func() {
		for _, f := range stdio {
			f.Close()
		}
	}()

	code, err := s.shell.Run(ctx, req, stdio)
	if err != nil {
		s.logger.Warn("failed to run su shell", zap.Error(err))
	}
	_ = ipc.WriteInt(conn, int32(code))
}
