package infra

import (
	"context"
	"strings"
	"sync"
)

// fakeRunner is a test double for CommandRunner. Responses are keyed by
// the command line joined with spaces; the first matching prefix wins.
type fakeRunner struct {
	mu        sync.Mutex
	responses []fakeResponse
	outputs   []Command
	started   []Command
	startErr  error
}

type fakeResponse struct {
	prefix string
	out    string
	err    error
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{}
}

func (f *fakeRunner) on(prefix, out string, err error) *fakeRunner {
	f.responses = append(f.responses, fakeResponse{prefix: prefix, out: out, err: err})
	return f
}

func commandLine(c Command) string {
	return strings.TrimSpace(c.Path + " " + strings.Join(c.Args, " "))
}

func (f *fakeRunner) Output(ctx context.Context, c Command) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outputs = append(f.outputs, c)
	line := commandLine(c)
	for _, r := range f.responses {
		if strings.HasPrefix(line, r.prefix) {
			return []byte(r.out), r.err
		}
	}
	return nil, nil
}

func (f *fakeRunner) Start(c Command) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, c)
	return f.startErr
}

func (f *fakeRunner) outputLines() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.outputs {
		out = append(out, commandLine(c))
	}
	return out
}

func (f *fakeRunner) startedLines() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.started {
		out = append(out, commandLine(c))
	}
	return out
}

var _ CommandRunner = (*fakeRunner)(nil)
