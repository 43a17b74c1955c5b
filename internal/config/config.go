// Package config holds the daemon's filesystem layout, timeouts and
// companion-app settings.
package config

import (
	"fmt"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPath is where the daemon looks for an optional config file.
const DefaultPath = "/data/adb/rootd.yaml"

// internalDir is the daemon's private directory under the tmpfs root.
const internalDir = ".rootd"

// Duration is a time.Duration written as a Go duration string in YAML.
type Duration time.Duration

// UnmarshalYAML parses values like "40s" or "1m10s".
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("duration: %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML writes the duration back as a string.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the complete daemon configuration.
type Config struct {
	// TmpDir is the tmpfs root holding the socket and FIFOs.
	TmpDir string `yaml:"tmp_dir"`
	// SecureDir holds the database, key and system script directories.
	SecureDir string `yaml:"secure_dir"`
	// ModuleDir holds one directory per installed module.
	ModuleDir string `yaml:"module_dir"`
	// AppDataDir is the per-user app data root used to resolve app uids.
	AppDataDir string `yaml:"app_data_dir"`
	// ProcRoot is the procfs mount used for caller identity checks.
	ProcRoot string `yaml:"proc_root"`

	Shell string `yaml:"shell"`

	Log LogConfig `yaml:"log"`

	Manager ManagerConfig `yaml:"manager"`

	Pool PoolConfig `yaml:"pool"`

	// PostFsDataDeadline bounds the whole post-fs-data script loop.
	PostFsDataDeadline Duration `yaml:"post_fs_data_deadline"`
	// PolicyTimeout bounds the wait for the companion app's verdict.
	PolicyTimeout Duration `yaml:"policy_timeout"`
}

// LogConfig controls zap output.
type LogConfig struct {
	File  string `yaml:"file"`
	Level string `yaml:"level"`
}

// ManagerConfig describes the companion app and how to reach it.
type ManagerConfig struct {
	Package string `yaml:"package"`
	// CertDigest is the hex BLAKE3 digest of the trusted signing
	// certificate. Empty disables certificate pinning.
	CertDigest string `yaml:"cert_digest"`
	// AppProcess is the runtime image used to run am / content.
	AppProcess string `yaml:"app_process"`
	// AppProcessOrig is the unhooked runtime image, used while runtime
	// injection is enabled.
	AppProcessOrig string `yaml:"app_process_orig"`
	// SecurityLabel is applied to policy FIFOs.
	SecurityLabel string `yaml:"security_label"`
}

// PoolConfig sizes the task pool.
type PoolConfig struct {
	CoreSize    int      `yaml:"core_size"`
	IdleTimeout Duration `yaml:"idle_timeout"`
}

// Default returns the on-device configuration.
func Default() *Config {
	return &Config{
		TmpDir:     "/debug_ramdisk",
		SecureDir:  "/data/adb",
		ModuleDir:  "/data/adb/modules",
		AppDataDir: "/data/user_de",
		ProcRoot:   "/proc",
		Shell:      "/system/bin/sh",
		Log: LogConfig{
			File:  "/cache/rootd.log",
			Level: "info",
		},
		Manager: ManagerConfig{
			Package:        "io.rootd.manager",
			AppProcess:     "/system/bin/app_process",
			AppProcessOrig: "/system/bin/app_process.orig",
			SecurityLabel:  "u:object_r:rootd_file:s0",
		},
		Pool: PoolConfig{
			CoreSize:    3,
			IdleTimeout: Duration(60 * time.Second),
		},
		PostFsDataDeadline: Duration(40 * time.Second),
		PolicyTimeout:      Duration(70 * time.Second),
	}
}

// InternalDir is the daemon's private directory under TmpDir.
func (c *Config) InternalDir() string {
	return filepath.Join(c.TmpDir, internalDir)
}

// SocketPath is the listening socket.
func (c *Config) SocketPath() string {
	return filepath.Join(c.InternalDir(), "device", "socket")
}

// FifoDir is where policy FIFOs are created.
func (c *Config) FifoDir() string {
	return filepath.Join(c.InternalDir(), "device")
}

// DatabasePath is the settings database file.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.SecureDir, "rootd.db")
}

// KeyDir holds the database key.
func (c *Config) KeyDir() string {
	return filepath.Join(c.SecureDir, internalDir)
}

// StageScriptDir is the system script directory for a boot stage.
func (c *Config) StageScriptDir(stage string) string {
	return filepath.Join(c.SecureDir, stage+".d")
}
