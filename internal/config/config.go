// Package config holds the node configuration, read from a TOML file and
// overridden by command line flags.
package config

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	EngineBitcask = "bitcask"
	EngineMemory  = "memory"
)

type Config struct {
	// DataDir holds the log file of the bitcask engine.
	DataDir  string `toml:"data-dir" json:"data-dir"`
	Engine   string `toml:"engine" json:"engine"`
	Listen   string `toml:"listen" json:"listen"`
	LogLevel string `toml:"log-level" json:"log-level"`

	// The log is compacted on open once garbage makes up at least
	// CompactGarbageRatio of the file and at least CompactMinBytes.
	// A negative ratio disables compaction on open.
	CompactGarbageRatio float64 `toml:"compact-garbage-ratio" json:"compact-garbage-ratio"`
	CompactMinBytes     int64   `toml:"compact-min-bytes" json:"compact-min-bytes"`

	// SessionTimeout is how long an HTTP session may sit idle inside an
	// explicit transaction before it is rolled back, as a Go duration.
	// "0s" keeps idle sessions forever.
	SessionTimeout string `toml:"session-timeout" json:"session-timeout"`
}

func DefaultConfig() *Config {
	c := &Config{}
	c.FillDefaults()
	return c
}

func adjustString(v *string, defValue string) {
	if len(*v) == 0 {
		*v = defValue
	}
}

// FillDefaults sets every unset field.
func (c *Config) FillDefaults() {
	adjustString(&c.DataDir, "data")
	adjustString(&c.Engine, EngineBitcask)
	adjustString(&c.Listen, "127.0.0.1:9001")
	adjustString(&c.LogLevel, "info")
	adjustString(&c.SessionTimeout, "5m")
	if c.CompactGarbageRatio == 0 {
		c.CompactGarbageRatio = 0.2
	}
	if c.CompactMinBytes == 0 {
		c.CompactMinBytes = 1 << 20
	}
}

// Load reads path over the defaults. An empty path yields the defaults.
func Load(path string) (*Config, error) {
	c := &Config{}
	if path != "" {
		meta, err := toml.DecodeFile(path, c)
		if err != nil {
			return nil, errors.Wrapf(err, "load config %s", path)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return nil, errors.Errorf("unknown config keys in %s: %v", path, undecoded)
		}
	}
	c.FillDefaults()
	return c, c.Validate()
}

func (c *Config) Validate() error {
	if c.Engine != EngineBitcask && c.Engine != EngineMemory {
		return errors.Errorf("unknown engine %q", c.Engine)
	}
	if c.CompactGarbageRatio > 1 {
		return errors.Errorf("compact-garbage-ratio %v is above 1", c.CompactGarbageRatio)
	}
	if c.CompactMinBytes < 0 {
		return errors.Errorf("compact-min-bytes %d is negative", c.CompactMinBytes)
	}
	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		return errors.Wrap(err, "log-level")
	}
	if d, err := time.ParseDuration(c.SessionTimeout); err != nil {
		return errors.Wrap(err, "session-timeout")
	} else if d < 0 {
		return errors.Errorf("session-timeout %s is negative", c.SessionTimeout)
	}
	return nil
}

// SessionIdleTimeout is SessionTimeout parsed. It is zero if the field
// does not parse; Validate reports that.
func (c *Config) SessionIdleTimeout() time.Duration {
	d, _ := time.ParseDuration(c.SessionTimeout)
	return d
}

// LogPath is the bitcask log file inside DataDir.
func (c *Config) LogPath() string {
	return filepath.Join(c.DataDir, "cinderdb.log")
}

// Logger builds a production zap logger at LogLevel.
func (c *Config) Logger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.LogLevel)
	if err != nil {
		return nil, errors.Wrap(err, "log-level")
	}
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(level)
	logger, err := zc.Build()
	if err != nil {
		return nil, errors.Wrap(err, "build logger")
	}
	return logger, nil
}

func (c *Config) String() string {
	return fmt.Sprintf("engine=%s data-dir=%s listen=%s log-level=%s compact=%v/%d session-timeout=%s",
		c.Engine, c.DataDir, c.Listen, c.LogLevel, c.CompactGarbageRatio, c.CompactMinBytes, c.SessionTimeout)
}
