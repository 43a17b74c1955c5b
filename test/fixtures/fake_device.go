// Package fixtures provides test helpers for integration tests.
package fixtures

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FakeDevice lays out a daemon filesystem under one root: a tmpfs
// directory, the secure directory with stage script dirs, and modules.
// Every script it writes appends its own name to OrderLog.
type FakeDevice struct {
	Root string
}

// NewFakeDevice creates a fake device layout generator.
func NewFakeDevice(root string) *FakeDevice {
	return &FakeDevice{Root: root}
}

func (f *FakeDevice) TmpDir() string     { return filepath.Join(f.Root, "tmp") }
func (f *FakeDevice) SecureDir() string  { return filepath.Join(f.Root, "adb") }
func (f *FakeDevice) ModuleDir() string  { return filepath.Join(f.Root, "adb", "modules") }
func (f *FakeDevice) AppDataDir() string { return filepath.Join(f.Root, "user_de") }
func (f *FakeDevice) LogFile() string    { return filepath.Join(f.Root, "rootd.log") }
func (f *FakeDevice) OrderLog() string   { return filepath.Join(f.Root, "order.log") }

// Create makes the base directories.
func (f *FakeDevice) Create() error {
	for _, dir := range []string{f.TmpDir(), f.SecureDir(), f.ModuleDir(), f.AppDataDir()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	return nil
}

func (f *FakeDevice) script(name string) string {
	return fmt.Sprintf("#!/bin/sh\necho %s >> %s\n", name, f.OrderLog())
}

// AddSystemScript installs an executable script for a stage.
func (f *FakeDevice) AddSystemScript(stage, name string) error {
	dir := filepath.Join(f.SecureDir(), stage+".d")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, name), []byte(f.script("system:"+name)), 0755)
}

// AddModule installs a module with a script for each given stage.
func (f *FakeDevice) AddModule(id string, stages ...string) error {
	dir := filepath.Join(f.ModuleDir(), id)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	for _, stage := range stages {
		body := f.script("module:" + id + ":" + stage)
		if err := os.WriteFile(filepath.Join(dir, stage+".sh"), []byte(body), 0644); err != nil {
			return err
		}
	}
	return nil
}

// DisableModule drops the disable marker into a module.
func (f *FakeDevice) DisableModule(id string) error {
	return os.WriteFile(filepath.Join(f.ModuleDir(), id, "disable"), nil, 0644)
}

// ModuleExists reports whether the module directory is still present.
func (f *FakeDevice) ModuleExists(id string) bool {
	_, err := os.Stat(filepath.Join(f.ModuleDir(), id))
	return err == nil
}

// Order returns the script names in the order they ran.
func (f *FakeDevice) Order() []string {
	data, err := os.ReadFile(f.OrderLog())
	if err != nil {
		return nil
	}
	return strings.Fields(string(data))
}
