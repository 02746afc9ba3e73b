// Package config provides configuration for the evmlab node.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	DataDirKey       = "datadir"
	RPCAddrKey       = "rpc-addr"
	LogLevelKey      = "log-level"
	SessionTTLKey    = "session-ttl"
	MaxSessionsKey   = "max-sessions"
	MaxProgramLenKey = "max-program-len"
	ConfigFileKey    = "config"

	envPrefix = "EVMLAB"
)

// Config holds the node configuration
type Config struct {
	DataDir       string
	RPCAddr       string
	LogLevel      string
	SessionTTL    time.Duration
	MaxSessions   int
	MaxProgramLen int // instructions accepted per program, 0 for no limit
}

// Default returns the default configuration
func Default() *Config {
	return &Config{
		DataDir:       "./evmlab-data",
		RPCAddr:       ":8547",
		LogLevel:      "info",
		SessionTTL:    30 * time.Minute,
		MaxSessions:   1024,
		MaxProgramLen: 4096,
	}
}

// RegisterFlags adds every config flag with its default to fs
func RegisterFlags(fs *pflag.FlagSet) {
	d := Default()
	fs.String(DataDirKey, d.DataDir, "Data directory")
	fs.String(RPCAddrKey, d.RPCAddr, "RPC server address")
	fs.String(LogLevelKey, d.LogLevel, "Log level (trace, debug, info, warn, error, crit)")
	fs.Duration(SessionTTLKey, d.SessionTTL, "Idle time before a debugging session is dropped")
	fs.Int(MaxSessionsKey, d.MaxSessions, "Maximum number of open debugging sessions")
	fs.Int(MaxProgramLenKey, d.MaxProgramLen, "Maximum instructions per program (0 = unlimited)")
	fs.String(ConfigFileKey, "", "Path to a config file (yaml, toml or json)")
}

// Load resolves the configuration from flags, EVMLAB_* environment
// variables and an optional config file, in that order of precedence.
func Load(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if err := v.BindPFlags(fs); err != nil {
		return nil, err
	}
	if path := v.GetString(ConfigFileKey); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := &Config{
		DataDir:       v.GetString(DataDirKey),
		RPCAddr:       v.GetString(RPCAddrKey),
		LogLevel:      v.GetString(LogLevelKey),
		SessionTTL:    v.GetDuration(SessionTTLKey),
		MaxSessions:   v.GetInt(MaxSessionsKey),
		MaxProgramLen: v.GetInt(MaxProgramLenKey),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for obviously wrong values
func (c *Config) Validate() error {
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("session ttl must be positive, got %v", c.SessionTTL)
	}
	if c.MaxSessions < 0 {
		return fmt.Errorf("max sessions must not be negative, got %d", c.MaxSessions)
	}
	if c.MaxProgramLen < 0 {
		return fmt.Errorf("max program length must not be negative, got %d", c.MaxProgramLen)
	}
	return nil
}

// ParseLevel maps a level name to its slog level
func ParseLevel(name string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "trace":
		return log.LevelTrace, nil
	case "debug":
		return log.LevelDebug, nil
	case "info", "":
		return log.LevelInfo, nil
	case "warn", "warning":
		return log.LevelWarn, nil
	case "error":
		return log.LevelError, nil
	case "crit":
		return log.LevelCrit, nil
	}
	return 0, fmt.Errorf("unknown log level %q", name)
}
