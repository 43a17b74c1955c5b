package usecase

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/rootd/internal/domain"
)

// StageSpec describes how one boot stage runs its scripts.
type StageSpec struct {
	Name string
	// Deadline bounds the time spent waiting on the stage's scripts,
	// measured from stage start. Zero means no bound.
	Deadline time.Duration
	// WaitModules reports whether module scripts are waited for.
	WaitModules bool
}

// StageSpecs returns the three boot stages. Only post-fs-data blocks boot,
// so only it is bounded.
func StageSpecs(postFsDataDeadline time.Duration) map[string]StageSpec {
	return map[string]StageSpec{
		domain.StagePostFsData:    {Name: domain.StagePostFsData, Deadline: postFsDataDeadline, WaitModules: true},
		domain.StageService:       {Name: domain.StageService},
		domain.StageBootCompleted: {Name: domain.StageBootCompleted},
	}
}

type script struct {
	path   string
	module string
}

// ScriptRunner implements domain.StageRunner. Scripts are never killed:
// once the deadline passes the runner stops waiting and every remaining
// script is started without waiting. Abandoned and detached children are
// reaped in the background.
type ScriptRunner struct {
	scriptDir func(stage string) string
	shell     string
	specs     map[string]StageSpec
	runner    domain.CommandRunner
	logger    *zap.Logger
}

// NewScriptRunner creates a runner. scriptDir maps a stage name to its
// system script directory.
func NewScriptRunner(
	scriptDir func(stage string) string,
	shell string,
	specs map[string]StageSpec,
	runner domain.CommandRunner,
	logger *zap.Logger,
) *ScriptRunner {
	return &ScriptRunner{
		scriptDir: scriptDir,
		shell:     shell,
		specs:     specs,
		runner:    runner,
		logger:    logger,
	}
}

// systemScripts lists executable regular files in name order.
func (r *ScriptRunner) systemScripts(stage string) []script {
	dir := r.scriptDir(stage)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			r.logger.Warn("failed to read script dir", zap.String("dir", dir), zap.Error(err))
		}
		return nil
	}
	var out []script
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		info, err := e.Info()
		if err != nil || info.Mode().Perm()&0111 == 0 {
			continue
		}
		out = append(out, script{path: filepath.Join(dir, e.Name())})
	}
	return out
}

func moduleScripts(stage string, modules []domain.Module) []script {
	var out []script
	for _, m := range modules {
		path := filepath.Join(m.Path, stage+".sh")
		info, err := os.Stat(path)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		out = append(out, script{path: path, module: m.Path})
	}
	return out
}

func (r *ScriptRunner) command(stage string, s script) domain.Command {
	env := []string{"ROOTD_STAGE=" + stage}
	if s.module != "" {
		env = append(env, "MODPATH="+s.module)
	}
	return domain.Command{Path: r.shell, Args: []string{s.path}, Env: env}
}

// stageRun carries the per-invocation state of RunStage.
type stageRun struct {
	r        *ScriptRunner
	ctx      context.Context
	stage    string
	deadline <-chan time.Time
	until    time.Time
	expired  bool
	report   domain.StageReport
}

// checkDeadline notices a deadline that fired while nothing was waited on.
func (s *stageRun) checkDeadline() {
	if s.expired || s.deadline == nil {
		return
	}
	select {
	case <-s.deadline:
		s.expire()
	default:
		if !time.Now().Before(s.until) {
			s.expire()
		}
	}
}

func (s *stageRun) expire() {
	s.expired = true
	s.report.DeadlineHit = true
	s.r.logger.Warn("stage deadline reached, remaining scripts run in background",
		zap.String("stage", s.stage))
}

func (s *stageRun) detach(sc script) {
	if err := s.r.runner.Start(s.r.command(s.stage, sc)); err != nil {
		s.r.logger.Warn("failed to start script", zap.String("script", sc.path), zap.Error(err))
		s.report.Failed = append(s.report.Failed, sc.path)
		return
	}
	s.report.Launched = append(s.report.Launched, sc.path)
	s.report.Detached = append(s.report.Detached, sc.path)
}

func (s *stageRun) wait(sc script) {
	s.checkDeadline()
	if s.expired {
		s.detach(sc)
		return
	}

	done := make(chan error, 1)
	cmd := s.r.command(s.stage, sc)
	go func() {
		// The script must outlive both the deadline and daemon shutdown.
		out, err := s.r.runner.Output(context.WithoutCancel(s.ctx), cmd)
		if err != nil {
			s.r.logger.Warn("script failed",
				zap.String("script", sc.path),
				zap.ByteString("output", out),
				zap.Error(err))
		}
		done <- err
	}()
	s.report.Launched = append(s.report.Launched, sc.path)

	select {
	case err := <-done:
		s.report.Waited = append(s.report.Waited, sc.path)
		if err != nil {
			s.report.Failed = append(s.report.Failed, sc.path)
		}
	case <-s.deadline:
		s.expire()
		s.report.Detached = append(s.report.Detached, sc.path)
	case <-s.ctx.Done():
		s.expired = true
		s.report.Detached = append(s.report.Detached, sc.path)
	}
}

// RunStage runs the system scripts of stage followed by the stage script of
// every module, in order.
func (r *ScriptRunner) RunStage(ctx context.Context, stage string, started time.Time, modules []domain.Module) domain.StageReport {
	spec, ok := r.specs[stage]
	if !ok {
		spec = StageSpec{Name: stage}
	}

	s := &stageRun{r: r, ctx: ctx, stage: stage, report: domain.StageReport{Stage: stage}}
	if spec.Deadline > 0 {
		s.until = started.Add(spec.Deadline)
		timer := time.NewTimer(time.Until(s.until))
		defer timer.Stop()
		s.deadline = timer.C
	}

	r.logger.Info("running stage scripts", zap.String("stage", stage))
	for _, sc := range r.systemScripts(stage) {
		s.wait(sc)
	}
	for _, sc := range moduleScripts(stage, modules) {
		if spec.WaitModules {
			s.wait(sc)
		} else {
			s.detach(sc)
		}
	}

	s.report.Duration = time.Since(started)
	r.logger.Info("stage scripts done",
		zap.String("stage", stage),
		zap.Int("launched", len(s.report.Launched)),
		zap.Int("waited", len(s.report.Waited)),
		zap.Int("detached", len(s.report.Detached)),
		zap.Bool("deadline_hit", s.report.DeadlineHit),
		zap.Duration("duration", s.report.Duration))
	return s.report
}

var _ domain.StageRunner = (*ScriptRunner)(nil)
