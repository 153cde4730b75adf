package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mediabridge/mediafs/internal/util"
)

// Default configuration constants. See [Config] for field descriptions.
const (
	// DefaultAttrTimeout is the kernel attribute cache timeout in seconds
	DefaultAttrTimeout = 1.0

	// DefaultEntryTimeout is the kernel directory entry cache timeout in seconds
	DefaultEntryTimeout = 1.0

	// DefaultFsName is the filesystem name reported to the kernel
	DefaultFsName = "mediafs"
)

// Config contains runtime configuration values for a mounted instance.
type Config struct {
	SourceRoot   string  // Absolute path of the backing directory tree served through the mount
	FsName       string  // Filesystem name reported to the kernel (Default "mediafs")
	AttrTimeout  float64 // Attribute cache timeout in seconds (Default 1.0)
	EntryTimeout float64 // Directory entry cache timeout in seconds (Default 1.0)
	LogLvl       util.LogLevel
	MountOptions MountOptions
}

// Validate reports configuration the mount cannot proceed with.
func (c *Config) Validate() error {
	if c.SourceRoot == "" {
		return fmt.Errorf("source root is required")
	}
	if !filepath.IsAbs(c.SourceRoot) {
		return fmt.Errorf("source root must be an absolute path: %s", c.SourceRoot)
	}
	if c.AttrTimeout < 0 || c.EntryTimeout < 0 {
		return fmt.Errorf("cache timeouts must not be negative")
	}
	return nil
}

// ConfigOverride uses pointer fields to distinguish between unset and zero
// values when loading partial configuration. See [Config] for field
// descriptions.
type ConfigOverride struct {
	SourceRoot   *string  `yaml:"source_root,omitempty" json:"source_root,omitempty"`
	FsName       *string  `yaml:"fs_name,omitempty" json:"fs_name,omitempty"`
	AttrTimeout  *float64 `yaml:"attr_timeout,omitempty" json:"attr_timeout,omitempty"`
	EntryTimeout *float64 `yaml:"entry_timeout,omitempty" json:"entry_timeout,omitempty"`
	LogLvl       *int     `yaml:"log_level,omitempty" json:"log_level,omitempty"`
	Debug        *bool    `yaml:"debug,omitempty" json:"debug,omitempty"`
}

// NewDefaultConfig creates a new Config with all default values.
func NewDefaultConfig() *Config {
	return &Config{
		FsName:       DefaultFsName,
		AttrTimeout:  DefaultAttrTimeout,
		EntryTimeout: DefaultEntryTimeout,
		LogLvl:       util.InfoLevel,
		MountOptions: MountOptions{FsName: DefaultFsName, Name: DefaultFsName},
	}
}

// Merge applies non-nil values from override onto this Config.
// This allows partial configuration updates while preserving existing values.
func (c *Config) Merge(override *ConfigOverride) {
	if override.SourceRoot != nil {
		c.SourceRoot = *override.SourceRoot
	}
	if override.FsName != nil {
		c.FsName = *override.FsName
		c.MountOptions.FsName = *override.FsName
		c.MountOptions.Name = *override.FsName
	}
	if override.AttrTimeout != nil {
		c.AttrTimeout = *override.AttrTimeout
	}
	if override.EntryTimeout != nil {
		c.EntryTimeout = *override.EntryTimeout
	}
	if override.LogLvl != nil {
		c.LogLvl = *override.LogLvl
	}
	if override.Debug != nil {
		c.MountOptions.Debug = *override.Debug
	}
}

// LoadConfigOverrideFile loads configuration overrides from a file without
// merging. Supports both YAML (.yaml, .yml) and JSON (.json) formats.
func LoadConfigOverrideFile(path string) (*ConfigOverride, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var override ConfigOverride

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &override); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config file: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, &override); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config file: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown config file extension: %s", path)
	}

	return &override, nil
}

// NewConfigFromFile creates a new Config by merging file overrides with
// defaults.
func NewConfigFromFile(path string) (*Config, error) {
	cfg := NewDefaultConfig()
	override, err := LoadConfigOverrideFile(path)
	if err != nil {
		return nil, err
	}
	cfg.Merge(override)
	return cfg, nil
}
