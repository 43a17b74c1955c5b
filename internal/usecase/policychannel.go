package usecase

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/eliteGoblin/rootd/internal/domain"
	"github.com/eliteGoblin/rootd/internal/ipc"
)

// Companion app actions.
const (
	ActionRequest = "request"
	ActionLog     = "log"
	ActionNotify  = "notify"
)

// FifoMaker creates a FIFO owned by uid and returns its path.
type FifoMaker interface {
	Create(uid int) (string, error)
}

// DecisionRecord is what the companion app is told about a decision.
type DecisionRecord struct {
	FromUID   int
	ToUID     int
	PID       int
	Policy    domain.SuPolicy
	Command   string
	Context   string
	GIDs      []int
	Notify    bool
	Requester string // requesting process command line
}

// PolicyChannel asks the companion app for superuser decisions.
type PolicyChannel struct {
	fifos    FifoMaker
	launcher domain.AppLauncher
	timeout  time.Duration
	logger   *zap.Logger
}

// NewPolicyChannel creates a channel that waits up to timeout for a verdict.
func NewPolicyChannel(fifos FifoMaker, launcher domain.AppLauncher, timeout time.Duration, logger *zap.Logger) *PolicyChannel {
	return &PolicyChannel{fifos: fifos, launcher: launcher, timeout: timeout, logger: logger}
}

func requestExtras(req domain.PolicyRequest) []domain.Extra {
	return []domain.Extra{
		domain.StringExtra("fifo", req.FifoPath),
		domain.IntExtra("uid", req.UID),
		domain.IntExtra("pid", req.PID),
	}
}

// RequestDecision asks the manager about uid/pid. On success the returned
// file is readable and holds the verdict; the caller closes it. The FIFO
// is unlinked before returning on every path.
func (c *PolicyChannel) RequestDecision(ctx context.Context, mgr domain.ManagerInfo, uid, pid int) (*os.File, error) {
	path, err := c.fifos.Create(mgr.UID)
	if err != nil {
		return nil, fmt.Errorf("create policy fifo: %w", err)
	}
	defer os.Remove(path)

	req := domain.PolicyRequest{FifoPath: path, UID: uid, PID: pid}
	if err := c.launcher.Invoke(ctx, mgr, ActionRequest, requestExtras(req)); err != nil {
		return nil, err
	}

	// O_RDWR never blocks waiting for a writer.
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("open policy fifo: %w", err)
	}
	if err := c.poll(ctx, fd); err != nil {
		unix.Close(fd)
		return nil, err
	}
	return os.NewFile(uintptr(fd), path), nil
}

// poll waits for fd to become readable within the channel timeout.
func (c *PolicyChannel) poll(ctx context.Context, fd int) error {
	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return domain.ErrPolicyTimeout
		}
		n, err := unix.Poll(fds, int(remaining.Milliseconds())+1)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return fmt.Errorf("poll policy fifo: %w", err)
		}
		if n > 0 && fds[0].Revents&unix.POLLIN != 0 {
			return nil
		}
		if n > 0 {
			return fmt.Errorf("poll policy fifo: revents %#x", fds[0].Revents)
		}
	}
}

// Decide requests a decision and reads the verdict. A timeout or any other
// failure is a denial.
func (c *PolicyChannel) Decide(ctx context.Context, mgr domain.ManagerInfo, uid, pid int) domain.SuPolicy {
	f, err := c.RequestDecision(ctx, mgr, uid, pid)
	if err != nil {
		c.logger.Warn("policy request failed", zap.Int("uid", uid), zap.Error(err))
		return domain.PolicyDeny
	}
	defer f.Close()

	v, err := ipc.ReadIntBE(f)
	if err != nil {
		c.logger.Warn("failed to read policy verdict", zap.Int("uid", uid), zap.Error(err))
		return domain.PolicyDeny
	}
	policy := domain.SuPolicy(v)
	if policy != domain.PolicyAllow {
		return domain.PolicyDeny
	}
	return policy
}

// Log records a decision in the manager's log.
func (c *PolicyChannel) Log(mgr domain.ManagerInfo, rec DecisionRecord) {
	c.launcher.Fire(mgr, ActionLog, []domain.Extra{
		domain.IntExtra("from.uid", rec.FromUID),
		domain.IntExtra("to.uid", rec.ToUID),
		domain.IntExtra("pid", rec.PID),
		domain.IntExtra("policy", int(rec.Policy)),
		domain.StringExtra("target", rec.Command),
		domain.StringExtra("context", rec.Context),
		domain.StringExtra("gids", joinInts(rec.GIDs)),
		domain.StringExtra("requester", rec.Requester),
		domain.BoolExtra("notify", rec.Notify),
	})
}

// Notify shows the user a toast for a decision.
func (c *PolicyChannel) Notify(mgr domain.ManagerInfo, rec DecisionRecord) {
	c.launcher.Fire(mgr, ActionNotify, []domain.Extra{
		domain.IntExtra("from.uid", rec.FromUID),
		domain.IntExtra("pid", rec.PID),
		domain.IntExtra("policy", int(rec.Policy)),
	})
}

func joinInts(vs []int) string {
	parts := make([]string, len(vs))
	for i, v := range vs {
		parts[i] = fmt.Sprint(v)
	}
	return strings.Join(parts, ",")
}
