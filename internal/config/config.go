package config

import (
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"gopkg.in/yaml.v3"
)

const (
	DefaultRetain          = 20
	DefaultSinkTimeout     = 30 * time.Second
	DefaultIntervalMinutes = 60
)

type Driver string

const (
	DriverMemory Driver = "memory"
	DriverDir    Driver = "dir"
	DriverBadger Driver = "badger"
)

type LogConfig struct {
	Level     string `yaml:"level,omitempty"`
	FileLevel string `yaml:"file_level,omitempty"`
}

type StateConfig struct {
	Driver Driver `yaml:"driver"`
	Path   string `yaml:"path,omitempty"`
}

type StoreConfig struct {
	Driver      Driver        `yaml:"driver"`
	Path        string        `yaml:"path,omitempty"`
	Retain      int           `yaml:"retain,omitempty"`
	SinkTimeout time.Duration `yaml:"sink_timeout,omitempty"`
}

type S3Config struct {
	Enabled      bool               `yaml:"enabled"`
	Bucket       string             `yaml:"bucket"`
	Prefix       string             `yaml:"prefix"`
	Region       string             `yaml:"region"`
	Endpoint     string             `yaml:"endpoint"`
	StorageClass types.StorageClass `yaml:"storage_class"`
	Retry        struct {
		MaxAttempts int `yaml:"max_attempts"`
	} `yaml:"retry,omitempty"`
}

type ExportConfig struct {
	Dir string   `yaml:"dir,omitempty"`
	S3  S3Config `yaml:"s3"`
}

type Config struct {
	BaseDir         string                  `yaml:"base_dir"`
	Log             LogConfig               `yaml:"log,omitempty"`
	State           StateConfig             `yaml:"state"`
	Store           StoreConfig             `yaml:"store"`
	Snapshot        Snapshot                `yaml:"snapshot"`
	Groups          map[DatasetKey][]string `yaml:"groups,omitempty"`
	AgePublicKey    string                  `yaml:"age_public_key,omitempty"`
	AgeIdentityFile string                  `yaml:"age_identity_file,omitempty"`
	Export          ExportConfig            `yaml:"export"`
}

func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func Write(filename string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	tmp := filename + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, filename)
}

func validDriver(d Driver) bool {
	return d == DriverMemory || d == DriverDir || d == DriverBadger
}

func (c *Config) Validate() error {
	if c.BaseDir == "" {
		return fmt.Errorf("base_dir is required")
	}
	if !validDriver(c.State.Driver) {
		return fmt.Errorf("state.driver must be one of memory, dir, badger")
	}
	if c.State.Driver != DriverMemory && c.State.Path == "" {
		return fmt.Errorf("state.path is required for driver %s", c.State.Driver)
	}
	if !validDriver(c.Store.Driver) {
		return fmt.Errorf("store.driver must be one of memory, dir, badger")
	}
	if c.Store.Driver != DriverMemory && c.Store.Path == "" {
		return fmt.Errorf("store.path is required for driver %s", c.Store.Driver)
	}
	if c.Store.Retain < 0 {
		return fmt.Errorf("store.retain must not be negative")
	}
	if c.Store.SinkTimeout < 0 {
		return fmt.Errorf("store.sink_timeout must not be negative")
	}
	if err := c.Snapshot.Validate(); err != nil {
		return fmt.Errorf("snapshot: %w", err)
	}
	if c.AgePublicKey != "" && !strings.HasPrefix(c.AgePublicKey, "age1") {
		return fmt.Errorf("age_public_key must start with 'age1'")
	}
	if c.Snapshot.Encryption && c.AgeIdentityFile == "" {
		return fmt.Errorf("age_identity_file is required when snapshot.encryption is enabled")
	}
	for name, keys := range c.Groups {
		if name == "" {
			return fmt.Errorf("groups must not contain an empty name")
		}
		if len(keys) == 0 {
			return fmt.Errorf("groups.%s must list at least one key", name)
		}
	}
	if c.Export.S3.Enabled {
		if c.Export.S3.Bucket == "" {
			return fmt.Errorf("export.s3.bucket is required when s3 is enabled")
		}
		if c.Export.S3.Region == "" {
			return fmt.Errorf("export.s3.region is required when s3 is enabled")
		}
	}
	return nil
}

// Retain returns the retention limit, falling back to DefaultRetain.
func (c *Config) Retain() int {
	if c.Store.Retain > 0 {
		return c.Store.Retain
	}
	return DefaultRetain
}

func (c *Config) SinkTimeout() time.Duration {
	if c.Store.SinkTimeout > 0 {
		return c.Store.SinkTimeout
	}
	return DefaultSinkTimeout
}

func (c *Config) S3RetryAttempts() int {
	if c.Export.S3.Retry.MaxAttempts > 0 {
		return c.Export.S3.Retry.MaxAttempts
	}
	return 3
}

func (c *Config) S3StorageClass() types.StorageClass {
	if c.Export.S3.StorageClass != "" {
		return c.Export.S3.StorageClass
	}
	return types.StorageClassStandard
}

// Expand resolves group selectors into concrete dataset keys, preserving order
// and dropping duplicates.
func Expand(groups map[DatasetKey][]string, selectors []DatasetKey) []DatasetKey {
	var out []DatasetKey
	for _, sel := range selectors {
		members, ok := groups[sel]
		if !ok {
			if !slices.Contains(out, sel) {
				out = append(out, sel)
			}
			continue
		}
		for _, m := range members {
			k := DatasetKey(m)
			if !slices.Contains(out, k) {
				out = append(out, k)
			}
		}
	}
	return out
}
