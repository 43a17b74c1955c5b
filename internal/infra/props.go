package infra

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/eliteGoblin/rootd/internal/domain"
)

const propTimeout = 5 * time.Second

// CommandPropertyStore implements domain.PropertyStore by driving the
// getprop and resetprop tools.
type CommandPropertyStore struct {
	runner    CommandRunner
	getprop   string
	resetprop string
}

// NewPropertyStore creates a property store using the system tools.
func NewPropertyStore(runner CommandRunner) *CommandPropertyStore {
	return NewPropertyStoreWithTools(runner, "/system/bin/getprop", "resetprop")
}

// NewPropertyStoreWithTools creates a property store with custom tool paths.
func NewPropertyStoreWithTools(runner CommandRunner, getprop, resetprop string) *CommandPropertyStore {
	return &CommandPropertyStore{runner: runner, getprop: getprop, resetprop: resetprop}
}

func (p *CommandPropertyStore) run(path string, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), propTimeout)
	defer cancel()
	return p.runner.Output(ctx, Command{Path: path, Args: args})
}

// Get returns the value of name, or ErrPropertyNotFound when unset.
func (p *CommandPropertyStore) Get(name string) (string, error) {
	out, err := p.run(p.getprop, name)
	if err != nil {
		return "", fmt.Errorf("getprop %s: %w", name, err)
	}
	v := strings.TrimSpace(string(out))
	if v == "" {
		return "", fmt.Errorf("%s: %w", name, domain.ErrPropertyNotFound)
	}
	return v, nil
}

// Set writes name, bypassing property service permission checks.
func (p *CommandPropertyStore) Set(name, value string) error {
	if _, err := p.run(p.resetprop, "-n", name, value); err != nil {
		return fmt.Errorf("resetprop %s: %w", name, err)
	}
	return nil
}

// Delete removes name.
func (p *CommandPropertyStore) Delete(name string) error {
	if _, err := p.run(p.resetprop, "-d", name); err != nil {
		return fmt.Errorf("resetprop -d %s: %w", name, err)
	}
	return nil
}

// Foreach visits every property in "[name]: [value]" listing order.
func (p *CommandPropertyStore) Foreach(fn func(name, value string)) error {
	out, err := p.run(p.getprop)
	if err != nil {
		return fmt.Errorf("getprop: %w", err)
	}
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		name, value, ok := parsePropLine(sc.Text())
		if ok {
			fn(name, value)
		}
	}
	return sc.Err()
}

func parsePropLine(line string) (string, string, bool) {
	line = strings.TrimSpace(line)
	k, v, ok := strings.Cut(line, "]: [")
	if !ok || !strings.HasPrefix(k, "[") || !strings.HasSuffix(v, "]") {
		return "", "", false
	}
	return k[1:], v[:len(v)-1], true
}

var _ domain.PropertyStore = (*CommandPropertyStore)(nil)
