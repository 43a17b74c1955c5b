package usecase

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/eliteGoblin/rootd/internal/domain"
	"github.com/eliteGoblin/rootd/internal/infra"
)

type scriptEnv struct {
	secure  string
	modules string
	log     string
}

func newScriptEnv(t *testing.T) *scriptEnv {
	t.Helper()
	root := t.TempDir()
	e := &scriptEnv{
		secure:  filepath.Join(root, "secure"),
		modules: filepath.Join(root, "modules"),
		log:     filepath.Join(root, "order.log"),
	}
	require.NoError(t, os.MkdirAll(e.secure, 0755))
	require.NoError(t, os.MkdirAll(e.modules, 0755))
	return e
}

func (e *scriptEnv) scriptDir(stage string) string {
	return filepath.Join(e.secure, stage+".d")
}

// system writes an executable system script that appends name to the log
// after running body.
func (e *scriptEnv) system(t *testing.T, stage, name, body string) string {
	t.Helper()
	dir := e.scriptDir(stage)
	require.NoError(t, os.MkdirAll(dir, 0755))
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body+"\necho "+name+" >> "+e.log+"\n"), 0755))
	return path
}

func (e *scriptEnv) module(t *testing.T, id, stage, body string) (domain.Module, string) {
	t.Helper()
	dir := filepath.Join(e.modules, id)
	require.NoError(t, os.MkdirAll(dir, 0755))
	path := filepath.Join(dir, stage+".sh")
	require.NoError(t, os.WriteFile(path, []byte(body+"\necho "+id+":$MODPATH:$ROOTD_STAGE >> "+e.log+"\n"), 0644))
	return domain.Module{ID: id, Path: dir}, path
}

func (e *scriptEnv) order(t *testing.T) []string {
	t.Helper()
	data, err := os.ReadFile(e.log)
	if os.IsNotExist(err) {
		return nil
	}
	require.NoError(t, err)
	return strings.Fields(string(data))
}

func (e *scriptEnv) runner(deadline time.Duration) *ScriptRunner {
	return NewScriptRunner(e.scriptDir, "/bin/sh", StageSpecs(deadline), &infra.RealCommandRunner{}, zap.NewNop())
}

func TestScriptRunner_PostFsDataRunsInOrder(t *testing.T) {
	e := newScriptEnv(t)
	b := e.system(t, domain.StagePostFsData, "10-b", "sleep 0.05")
	a := e.system(t, domain.StagePostFsData, "00-a", "")
	failing := e.system(t, domain.StagePostFsData, "20-fail", "exit 3")
	m, mpath := e.module(t, "mod", domain.StagePostFsData, "")

	// Not executable, and not a regular file: both skipped.
	require.NoError(t, os.WriteFile(filepath.Join(e.scriptDir(domain.StagePostFsData), "05-noexec"), []byte("exit 0"), 0644))
	require.NoError(t, os.Mkdir(filepath.Join(e.scriptDir(domain.StagePostFsData), "06-dir"), 0755))

	report := e.runner(5*time.Second).RunStage(context.Background(), domain.StagePostFsData, time.Now(), []domain.Module{m})

	assert.False(t, report.DeadlineHit)
	assert.Equal(t, []string{a, b, failing, mpath}, report.Launched)
	assert.Equal(t, []string{a, b, failing, mpath}, report.Waited)
	assert.Equal(t, []string{failing}, report.Failed)
	assert.Empty(t, report.Detached)
	assert.Equal(t, []string{"00-a", "10-b", "mod:" + m.Path + ":post-fs-data"}, e.order(t))
}

func TestScriptRunner_DeadlineStopsWaiting(t *testing.T) {
	e := newScriptEnv(t)
	slow := e.system(t, domain.StagePostFsData, "00-slow", "sleep 0.6")
	later := e.system(t, domain.StagePostFsData, "10-later", "")
	m, mpath := e.module(t, "mod", domain.StagePostFsData, "")

	start := time.Now()
	report := e.runner(100*time.Millisecond).RunStage(context.Background(), domain.StagePostFsData, time.Now(), []domain.Module{m})
	elapsed := time.Since(start)

	assert.True(t, report.DeadlineHit)
	assert.Less(t, elapsed, 500*time.Millisecond, "runner must return near the deadline, not after the slow script")
	assert.Empty(t, report.Waited)
	assert.Equal(t, []string{slow, later, mpath}, report.Launched)
	assert.Equal(t, []string{slow, later, mpath}, report.Detached)

	// Nothing is killed: every script eventually completes.
	assert.Eventually(t, func() bool {
		return len(e.order(t)) == 3
	}, 5*time.Second, 20*time.Millisecond)
	assert.Contains(t, e.order(t), "00-slow")
}

func TestScriptRunner_BackgroundChildDoesNotHoldStage(t *testing.T) {
	e := newScriptEnv(t)
	bg := e.system(t, domain.StagePostFsData, "10-bg", "sleep 5 &")
	next := e.system(t, domain.StagePostFsData, "20-next", "true")

	start := time.Now()
	report := e.runner(3*time.Second).RunStage(context.Background(), domain.StagePostFsData, time.Now(), nil)

	assert.Less(t, time.Since(start), 2*time.Second)
	assert.False(t, report.DeadlineHit)
	assert.Equal(t, []string{bg, next}, report.Waited)
	assert.Empty(t, report.Detached)
	assert.Empty(t, report.Failed)
}

func TestScriptRunner_ServiceIgnoresBackgroundChild(t *testing.T) {
	e := newScriptEnv(t)
	sys := e.system(t, domain.StageService, "00-bg", "sleep 5 &")

	start := time.Now()
	report := e.runner(0).RunStage(context.Background(), domain.StageService, time.Now(), nil)

	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, []string{sys}, report.Waited)
}

func TestScriptRunner_DeadlineCountsFromStageStart(t *testing.T) {
	e := newScriptEnv(t)
	first := e.system(t, domain.StagePostFsData, "00-first", "")

	started := time.Now().Add(-time.Second)
	report := e.runner(500*time.Millisecond).RunStage(context.Background(), domain.StagePostFsData, started, nil)

	assert.True(t, report.DeadlineHit, "time spent before the scripts counts")
	assert.Empty(t, report.Waited)
	assert.Equal(t, []string{first}, report.Detached)
	assert.GreaterOrEqual(t, report.Duration, time.Second)
}

func TestScriptRunner_ServiceDetachesModules(t *testing.T) {
	e := newScriptEnv(t)
	sys := e.system(t, domain.StageService, "00-sys", "")
	m, mpath := e.module(t, "mod", domain.StageService, "sleep 0.3")

	start := time.Now()
	report := e.runner(time.Second).RunStage(context.Background(), domain.StageService, time.Now(), []domain.Module{m})

	assert.Less(t, time.Since(start), 300*time.Millisecond)
	assert.False(t, report.DeadlineHit)
	assert.Equal(t, []string{sys}, report.Waited)
	assert.Equal(t, []string{mpath}, report.Detached)
	assert.Eventually(t, func() bool {
		return len(e.order(t)) == 2
	}, 5*time.Second, 20*time.Millisecond)
}

func TestScriptRunner_NoScripts(t *testing.T) {
	e := newScriptEnv(t)
	report := e.runner(time.Second).RunStage(context.Background(), domain.StageBootCompleted, time.Now(), []domain.Module{
		{ID: "empty", Path: filepath.Join(e.modules, "empty")},
	})
	assert.Equal(t, domain.StageBootCompleted, report.Stage)
	assert.Empty(t, report.Launched)
}

func TestScriptRunner_CancelledContextStopsWaiting(t *testing.T) {
	e := newScriptEnv(t)
	slow := e.system(t, domain.StageService, "00-slow", "sleep 0.5")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	report := e.runner(time.Second).RunStage(ctx, domain.StageService, time.Now(), nil)

	assert.Equal(t, []string{slow}, report.Launched)
	assert.Equal(t, []string{slow}, report.Detached)
}

func TestStageSpecs(t *testing.T) {
	specs := StageSpecs(40 * time.Second)
	assert.Equal(t, 40*time.Second, specs[domain.StagePostFsData].Deadline)
	assert.True(t, specs[domain.StagePostFsData].WaitModules)
	assert.Zero(t, specs[domain.StageService].Deadline)
	assert.False(t, specs[domain.StageBootCompleted].WaitModules)
}
