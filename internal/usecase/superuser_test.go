package usecase

import (
	"bytes"
	"context"
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/eliteGoblin/rootd/internal/domain"
	"github.com/eliteGoblin/rootd/internal/ipc"
)

// stubDecider answers prompts with a fixed policy and counts them.
type stubDecider struct {
	mu     sync.Mutex
	policy domain.SuPolicy
	calls  int
}

func (s *stubDecider) Decide(ctx context.Context, mgr domain.ManagerInfo, uid, pid int) domain.SuPolicy {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.policy
}

// recordingReporter implements DecisionLogger for testing.
type recordingReporter struct {
	mu      sync.Mutex
	logs    []DecisionRecord
	notices []DecisionRecord
}

func (r *recordingReporter) Log(mgr domain.ManagerInfo, rec DecisionRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logs = append(r.logs, rec)
}

func (r *recordingReporter) Notify(mgr domain.ManagerInfo, rec DecisionRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notices = append(r.notices, rec)
}

// echoShell writes the command to stdout and exits with code.
type echoShell struct {
	code int
	got  domain.SuRequest
}

func (e *echoShell) Run(ctx context.Context, req domain.SuRequest, stdio []*os.File) (int, error) {
	e.got = req
	_, _ = io.WriteString(stdio[1], "ran:"+req.Command)
	return e.code, nil
}

var testMgr = domain.ManagerInfo{Package: "io.rootd.manager", UID: 10050}

func TestSuResolver(t *testing.T) {
	t.Run("prompt once within ttl", func(t *testing.T) {
		clock := time.Unix(1000, 0)
		d := &stubDecider{policy: domain.PolicyAllow}
		r := NewSuResolver(newMemDB(), &fakeManagers{mgr: &testMgr}, d, zap.NewNop())
		r.now = func() time.Time { return clock }

		access, mgr, ok := r.Resolve(context.Background(), 10123, 1)
		assert.Equal(t, domain.PolicyAllow, access.Policy)
		assert.True(t, ok)
		assert.Equal(t, testMgr, mgr)

		clock = clock.Add(2 * time.Second)
		access, _, _ = r.Resolve(context.Background(), 10123, 1)
		assert.Equal(t, domain.PolicyAllow, access.Policy)
		assert.Equal(t, 1, d.calls)

		clock = clock.Add(5 * time.Second)
		r.Resolve(context.Background(), 10123, 1)
		assert.Equal(t, 2, d.calls, "stale evaluation prompts again")
	})

	t.Run("stored policy skips prompt", func(t *testing.T) {
		db := newMemDB()
		require.NoError(t, db.SetPolicy(domain.PolicyRecord{UID: 10123, Policy: domain.PolicyDeny, Log: true}))
		d := &stubDecider{policy: domain.PolicyAllow}
		r := NewSuResolver(db, &fakeManagers{mgr: &testMgr}, d, zap.NewNop())

		access, _, _ := r.Resolve(context.Background(), 10123, 1)
		assert.Equal(t, domain.RootSettings{Policy: domain.PolicyDeny, Log: true}, access)
		assert.Zero(t, d.calls)
	})

	t.Run("no manager denies silently", func(t *testing.T) {
		d := &stubDecider{policy: domain.PolicyAllow}
		r := NewSuResolver(newMemDB(), &fakeManagers{}, d, zap.NewNop())

		access, _, ok := r.Resolve(context.Background(), 10123, 1)
		assert.Equal(t, domain.SilentDeny, access)
		assert.False(t, ok)
		assert.Zero(t, d.calls)
	})

	t.Run("invalidate forces refresh", func(t *testing.T) {
		db := newMemDB()
		managers := &fakeManagers{mgr: &testMgr}
		r := NewSuResolver(db, managers, &stubDecider{}, zap.NewNop())
		require.NoError(t, db.SetPolicy(domain.PolicyRecord{UID: 10123, Policy: domain.PolicyAllow}))

		r.Resolve(context.Background(), 10123, 1)
		r.Invalidate()
		r.Resolve(context.Background(), 10123, 1)
		assert.Equal(t, 2, managers.calls)
	})
}

func TestSuRequest_Wire(t *testing.T) {
	req := domain.SuRequest{
		TargetUID: 0,
		TargetPID: -1,
		Login:     true,
		DropCap:   true,
		Shell:     "/system/bin/sh",
		Command:   "id -u",
		Context:   "u:r:su:s0",
		GIDs:      []int{3003, 1015},
	}
	var buf bytes.Buffer
	require.NoError(t, WriteSuRequest(&buf, req))
	got, err := ReadSuRequest(&buf)
	require.NoError(t, err)
	assert.Equal(t, req, got)

	_, err = ReadSuRequest(bytes.NewReader(buf.Bytes()[:5]))
	assert.Error(t, err)
}

func newTestSuperuser(db *memDB, d Decider, rep DecisionLogger, shell ShellSpawner) *Superuser {
	r := NewSuResolver(db, &fakeManagers{mgr: &testMgr}, d, zap.NewNop())
	procs := &fakeProcs{cmdlines: map[int]string{77: "com.example.app"}}
	return NewSuperuser(r, rep, procs, shell, zap.NewNop())
}

func TestSuperuser_Allow(t *testing.T) {
	db := newMemDB()
	require.NoError(t, db.SetPolicy(domain.PolicyRecord{UID: 10123, Policy: domain.PolicyAllow, Log: true}))
	rep := &recordingReporter{}
	shell := &echoShell{code: 7}
	su := newTestSuperuser(db, &stubDecider{}, rep, shell)

	server, client := unixPair(t)
	done := make(chan struct{})
	go func() {
		defer close(done)
		su.Handle(context.Background(), server, domain.Caller{UID: 10123, PID: 77})
	}()

	require.NoError(t, WriteSuRequest(client, domain.SuRequest{Command: "id"}))
	verdict, err := ipc.ReadInt(client)
	require.NoError(t, err)
	require.Equal(t, int32(0), verdict)

	outR, outW, err := os.Pipe()
	require.NoError(t, err)
	defer outR.Close()
	require.NoError(t, ipc.SendFds(client, int(os.Stdin.Fd()), int(outW.Fd()), int(os.Stderr.Fd())))
	outW.Close()

	code, err := ipc.ReadInt(client)
	require.NoError(t, err)
	assert.Equal(t, int32(7), code)
	<-done

	out, err := io.ReadAll(outR)
	require.NoError(t, err)
	assert.Equal(t, "ran:id", string(out))
	assert.Equal(t, domain.DefaultShell, shell.got.Shell)

	require.Len(t, rep.logs, 1)
	assert.Equal(t, "com.example.app", rep.logs[0].Requester)
	assert.Equal(t, "id", rep.logs[0].Command)
}

func TestSuperuser_Deny(t *testing.T) {
	tests := []struct {
		name      string
		stored    *domain.PolicyRecord
		prompt    domain.SuPolicy
		wantNotes int
	}{
		{name: "stored deny with notify", stored: &domain.PolicyRecord{UID: 10123, Policy: domain.PolicyDeny, Notify: true}, wantNotes: 1},
		{name: "prompt denied", prompt: domain.PolicyDeny},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := newMemDB()
			if tt.stored != nil {
				require.NoError(t, db.SetPolicy(*tt.stored))
			}
			rep := &recordingReporter{}
			shell := &echoShell{}
			su := newTestSuperuser(db, &stubDecider{policy: tt.prompt}, rep, shell)

			server, client := unixPair(t)
			done := make(chan struct{})
			go func() {
				defer close(done)
				su.Handle(context.Background(), server, domain.Caller{UID: 10123, PID: 77})
			}()

			require.NoError(t, WriteSuRequest(client, domain.SuRequest{}))
			verdict, err := ipc.ReadInt(client)
			require.NoError(t, err)
			assert.Equal(t, int32(domain.PolicyDeny), verdict)

			_, err = ipc.ReadInt(client)
			assert.Error(t, err, "connection closed after deny")
			<-done
			assert.Len(t, rep.notices, tt.wantNotes)
			assert.Empty(t, shell.got.Shell, "shell never ran")
		})
	}
}

func TestSuperuser_RequesterExited(t *testing.T) {
	db := newMemDB()
	decider := &stubDecider{policy: domain.PolicyAllow}
	rep := &recordingReporter{}
	shell := &echoShell{}
	r := NewSuResolver(db, &fakeManagers{mgr: &testMgr}, decider, zap.NewNop())
	procs := &fakeProcs{gone: map[int]bool{77: true}}
	su := NewSuperuser(r, rep, procs, shell, zap.NewNop())

	server, client := unixPair(t)
	done := make(chan struct{})
	go func() {
		defer close(done)
		su.Handle(context.Background(), server, domain.Caller{UID: 10123, PID: 77})
	}()

	require.NoError(t, WriteSuRequest(client, domain.SuRequest{}))
	_, err := ipc.ReadInt(client)
	assert.Error(t, err, "closed without a verdict")
	<-done

	assert.Zero(t, decider.calls, "no prompt for a dead requester")
	assert.Empty(t, rep.logs)
	assert.Empty(t, shell.got.Shell)
}

func TestCredentialShell_Command(t *testing.T) {
	s := &CredentialShell{Env: []string{"PATH=/system/bin"}}
	cmd := s.Command(context.Background(), domain.SuRequest{
		TargetUID: 2000,
		Login:     true,
		Shell:     "/system/bin/sh",
		Command:   "echo hi",
		GIDs:      []int{1004},
	}, nil)

	assert.Equal(t, []string{"-sh", "-c", "echo hi"}, cmd.Args)
	assert.Contains(t, cmd.Env, "USER=shell")
	assert.Contains(t, cmd.Env, "SHELL=/system/bin/sh")
	assert.Equal(t, uint32(2000), cmd.SysProcAttr.Credential.Uid)
	assert.Equal(t, []uint32{1004}, cmd.SysProcAttr.Credential.Groups)
	assert.True(t, cmd.SysProcAttr.Setsid)

	keep := s.Command(context.Background(), domain.SuRequest{TargetUID: 0, KeepEnv: true}, nil)
	assert.Equal(t, []string{"sh"}, keep.Args)
	assert.NotContains(t, keep.Env, "USER=root")
}

func TestUserName(t *testing.T) {
	assert.Equal(t, "root", userName(0))
	assert.Equal(t, "shell", userName(2000))
	assert.Equal(t, "u10_a123", userName(10*domain.AIDUserOffset+10123))
}
