package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Load reads the YAML file at path on top of Default(). A missing file is
// not an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := Parse(data, cfg); err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML into cfg, rejecting unknown fields. Fields absent
// from data keep their current values.
func Parse(data []byte, cfg *Config) error {
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	err := decoder.Decode(cfg)
	if errors.Is(err, io.EOF) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("decode YAML: %w", err)
	}
	return nil
}

// Validate checks that every field holds a usable value.
func Validate(cfg *Config) error {
	for name, p := range map[string]string{
		"tmp_dir":      cfg.TmpDir,
		"secure_dir":   cfg.SecureDir,
		"module_dir":   cfg.ModuleDir,
		"app_data_dir": cfg.AppDataDir,
		"proc_root":    cfg.ProcRoot,
		"shell":        cfg.Shell,
	} {
		if p == "" {
			return fmt.Errorf("%s: must not be empty", name)
		}
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("%s: must be absolute, got %q", name, p)
		}
	}
	if cfg.Log.Level != "" && !validLogLevels[cfg.Log.Level] {
		return fmt.Errorf("log.level: invalid level %q", cfg.Log.Level)
	}
	if cfg.Manager.Package == "" {
		return fmt.Errorf("manager.package: must not be empty")
	}
	if cfg.Manager.AppProcess == "" {
		return fmt.Errorf("manager.app_process: must not be empty")
	}
	if cfg.Pool.CoreSize < 1 {
		return fmt.Errorf("pool.core_size: must be at least 1, got %d", cfg.Pool.CoreSize)
	}
	if cfg.Pool.IdleTimeout <= 0 {
		return fmt.Errorf("pool.idle_timeout: must be positive")
	}
	if cfg.PostFsDataDeadline <= 0 {
		return fmt.Errorf("post_fs_data_deadline: must be positive")
	}
	if cfg.PolicyTimeout <= 0 {
		return fmt.Errorf("policy_timeout: must be positive")
	}
	return nil
}

// Marshal renders cfg as YAML.
func Marshal(cfg *Config) ([]byte, error) {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return data, nil
}
