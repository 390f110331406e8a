// Package config loads ext2ctl settings from defaults, an optional config
// file and EXT2CTL_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/joshuapare/ext2kit/ext2"
	"github.com/joshuapare/ext2kit/ext2/alloc"
	"github.com/joshuapare/ext2kit/ext2/builder"
	"github.com/joshuapare/ext2kit/ext2/dirty"
)

const (
	// AppName names the config file (ext2ctl.yaml) and its directory.
	AppName = "ext2ctl"

	// EnvPrefix is the prefix for environment variables.
	EnvPrefix = "EXT2CTL"
)

// Config holds every setting.
type Config struct {
	Log   LogConfig   `mapstructure:"log"`
	Mount MountConfig `mapstructure:"mount"`
	Alloc AllocConfig `mapstructure:"alloc"`
	Mkfs  MkfsConfig  `mapstructure:"mkfs"`

	// File is the config file that was read, empty if none.
	File string `mapstructure:"-"`
}

// LogConfig configures internal/logger.
type LogConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json or console
	File   string `mapstructure:"file"`   // optional extra output
}

// MountConfig configures how images are mounted.
type MountConfig struct {
	FlushMode    string        `mapstructure:"flush_mode"` // auto, data, full
	SyncInterval time.Duration `mapstructure:"sync_interval"`
	CacheBlocks  int           `mapstructure:"cache_blocks"`
	ReadOnly     bool          `mapstructure:"read_only"`
	Mmap         bool          `mapstructure:"mmap"`
}

// AllocConfig configures the allocator.
type AllocConfig struct {
	IOErrorPolicy string `mapstructure:"io_error_policy"` // failfast or skipgroup
	MaxContig     int    `mapstructure:"max_contig"`
	ReallocBlocks bool   `mapstructure:"realloc_blocks"`
	AsyncFree     bool   `mapstructure:"async_free"`
}

// MkfsConfig holds the defaults for new filesystems.
type MkfsConfig struct {
	BlockSize       int    `mapstructure:"block_size"`
	BlocksPerGroup  uint32 `mapstructure:"blocks_per_group"`
	InodesPerGroup  uint32 `mapstructure:"inodes_per_group"`
	InodeSize       int    `mapstructure:"inode_size"`
	ReservedPercent int    `mapstructure:"reserved_percent"`
	LazyInit        bool   `mapstructure:"lazy_init"`
	Label           string `mapstructure:"label"`
}

// SetDefaults installs the default value of every key on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "warn")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.file", "")

	v.SetDefault("mount.flush_mode", dirty.FlushAuto.String())
	v.SetDefault("mount.sync_interval", time.Duration(0))
	v.SetDefault("mount.cache_blocks", 0)
	v.SetDefault("mount.read_only", false)
	v.SetDefault("mount.mmap", false)

	v.SetDefault("alloc.io_error_policy", alloc.FailFast.String())
	v.SetDefault("alloc.max_contig", alloc.DefaultMaxContig)
	v.SetDefault("alloc.realloc_blocks", true)
	v.SetDefault("alloc.async_free", false)

	v.SetDefault("mkfs.block_size", 1024)
	v.SetDefault("mkfs.blocks_per_group", 0)
	v.SetDefault("mkfs.inodes_per_group", 0)
	v.SetDefault("mkfs.inode_size", 128)
	v.SetDefault("mkfs.reserved_percent", 5)
	v.SetDefault("mkfs.lazy_init", false)
	v.SetDefault("mkfs.label", "")
}

// New returns a viper instance with defaults, search paths and environment
// binding set up. cfgFile, when set, replaces the search.
func New(cfgFile string) *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName(AppName)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if dir, err := os.UserConfigDir(); err == nil {
			v.AddConfigPath(filepath.Join(dir, AppName))
		}
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads v's config file, if any, and decodes the result. A missing
// config file is not an error unless it was named explicitly.
func Load(v *viper.Viper) (*Config, error) {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: read %s: %w", v.ConfigFileUsed(), err)
		}
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	c.File = v.ConfigFileUsed()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate rejects values the libraries would not accept.
func (c *Config) Validate() error {
	if _, ok := dirty.ParseFlushMode(c.Mount.FlushMode); !ok {
		return fmt.Errorf("config: mount.flush_mode: unknown mode %q", c.Mount.FlushMode)
	}
	if c.Mount.SyncInterval < 0 {
		return fmt.Errorf("config: mount.sync_interval: negative duration %s", c.Mount.SyncInterval)
	}
	if _, err := alloc.ParseIOErrorPolicy(c.Alloc.IOErrorPolicy); err != nil {
		return fmt.Errorf("config: alloc.io_error_policy: %w", err)
	}
	if c.Alloc.MaxContig < 0 {
		return fmt.Errorf("config: alloc.max_contig: %d is negative", c.Alloc.MaxContig)
	}
	if c.Mkfs.ReservedPercent < 0 || c.Mkfs.ReservedPercent > 50 {
		return fmt.Errorf("config: mkfs.reserved_percent: %d not in [0, 50]", c.Mkfs.ReservedPercent)
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "console":
	default:
		return fmt.Errorf("config: log.format: unknown format %q", c.Log.Format)
	}
	return nil
}

// MountOptions converts the mount settings.
func (c *Config) MountOptions(log *zap.Logger) ext2.Options {
	mode, _ := dirty.ParseFlushMode(c.Mount.FlushMode)
	return ext2.Options{
		Logger:      log,
		ReadOnly:    c.Mount.ReadOnly,
		CacheBlocks: c.Mount.CacheBlocks,
		FlushMode:   mode,
	}
}

// AllocOptions converts the allocator settings.
func (c *Config) AllocOptions(log *zap.Logger) alloc.Options {
	policy, _ := alloc.ParseIOErrorPolicy(c.Alloc.IOErrorPolicy)
	return alloc.Options{
		Logger:        log,
		IOErrorPolicy: policy,
		MaxContig:     c.Alloc.MaxContig,
		ReallocBlocks: c.Alloc.ReallocBlocks,
		AsyncFree:     c.Alloc.AsyncFree,
	}
}

// MkfsParams converts the mkfs settings for a filesystem of blocks blocks.
func (c *Config) MkfsParams(blocks uint32) builder.Params {
	reserved := c.Mkfs.ReservedPercent
	if reserved == 0 {
		reserved = -1
	}
	return builder.Params{
		BlockSize:       c.Mkfs.BlockSize,
		BlocksCount:     blocks,
		BlocksPerGroup:  c.Mkfs.BlocksPerGroup,
		InodesPerGroup:  c.Mkfs.InodesPerGroup,
		InodeSize:       c.Mkfs.InodeSize,
		ReservedPercent: reserved,
		LazyInit:        c.Mkfs.LazyInit,
		Label:           c.Mkfs.Label,
	}
}
