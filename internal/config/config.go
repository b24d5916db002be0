// Package config reads the editor configuration stored alongside an
// environment directory.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Filename is the config file looked up inside an environment directory.
const Filename = "bsedit.yaml"

type Config struct {
	// Templates is a directory of template definition files.
	Templates string `yaml:"templates"`
	// Components is a single file mapping component names to their rules.
	Components string `yaml:"components"`
	// Icons is the root icon paths in template vars are resolved against.
	Icons string `yaml:"icons"`

	Thumbnail Thumbnail `yaml:"thumbnail"`
	Backup    Backup    `yaml:"backup"`

	// Strict validates map files against the schema before loading them.
	Strict          bool          `yaml:"strict"`
	MaxCascadeDepth int           `yaml:"max_cascade_depth"`
	HookTimeout     time.Duration `yaml:"hook_timeout"`
}

type Thumbnail struct {
	Size int `yaml:"size"`
	// Cache is an sqlite database path; empty disables the persistent cache.
	Cache string `yaml:"cache,omitempty"`
}

type Backup struct {
	// Dir is where previous versions of saved maps go; empty disables backups.
	Dir  string `yaml:"dir,omitempty"`
	Keep int    `yaml:"keep"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		Templates:       "templates",
		Components:      "components.yaml",
		Icons:           "icons",
		Thumbnail:       Thumbnail{Size: 32},
		Backup:          Backup{Dir: ".bsedit/backups", Keep: 10},
		MaxCascadeDepth: 16,
		HookTimeout:     100 * time.Millisecond,
	}
}

// Load reads the config at path over the defaults. Relative paths in the
// file are resolved against the directory containing it.
func Load(path string) (Config, error) {
	cfg := Default()
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	cfg.Resolve(filepath.Dir(path))
	return cfg, nil
}

// LoadDir loads Filename from an environment directory, falling back to
// the defaults when the file does not exist.
func LoadDir(dir string) (Config, error) {
	cfg, err := Load(filepath.Join(dir, Filename))
	if errors.Is(err, fs.ErrNotExist) {
		cfg = Default()
		cfg.Resolve(dir)
		return cfg, nil
	}
	return cfg, err
}

// Validate rejects values that cannot be used.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Templates) == "" {
		errs = append(errs, errors.New("templates: must not be empty"))
	}
	if c.Thumbnail.Size <= 0 || c.Thumbnail.Size > 512 {
		errs = append(errs, fmt.Errorf("thumbnail.size: %d out of range (1-512)", c.Thumbnail.Size))
	}
	if c.Backup.Keep < 0 {
		errs = append(errs, fmt.Errorf("backup.keep: %d is negative", c.Backup.Keep))
	}
	if c.MaxCascadeDepth <= 0 {
		errs = append(errs, fmt.Errorf("max_cascade_depth: %d must be positive", c.MaxCascadeDepth))
	}
	if c.HookTimeout < 0 {
		errs = append(errs, fmt.Errorf("hook_timeout: %v is negative", c.HookTimeout))
	}
	return errors.Join(errs...)
}

// Resolve makes relative paths absolute against dir.
func (c *Config) Resolve(dir string) {
	abs := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(dir, p)
	}
	c.Templates = abs(c.Templates)
	c.Components = abs(c.Components)
	c.Icons = abs(c.Icons)
	c.Thumbnail.Cache = abs(c.Thumbnail.Cache)
	c.Backup.Dir = abs(c.Backup.Dir)
}
