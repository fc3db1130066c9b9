package config

import (
	"fmt"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of environment variables read by Load, e.g. CHORDRING_PORT.
const EnvPrefix = "CHORDRING"

// flagKeys maps command-line flag names to configuration keys.
var flagKeys = map[string]string{
	"host":                   "host",
	"port":                   "port",
	"http-port":              "http_port",
	"bootstrap":              "bootstrap",
	"capacity":               "capacity",
	"stabilize-interval":     "stabilize_interval",
	"failure-check-interval": "failure_check_interval",
	"finger-refresh":         "finger_refresh",
	"rpc-timeout":            "rpc_timeout",
	"ping-timeout":           "ping_timeout",
	"leave-timeout":          "leave_timeout",
	"join-retry-timeout":     "join_retry_timeout",
	"log-level":              "log_level",
	"log-format":             "log_format",
	"log-file":               "log_file",
}

// RegisterFlags declares every configuration flag on fs, using DefaultConfig values.
func RegisterFlags(fs *pflag.FlagSet) {
	d := DefaultConfig()

	fs.String("config", "", "Path to a config file (yaml, json or toml)")
	fs.String("host", d.Host, "Host address to bind to and advertise")
	fs.Int("port", d.Port, "Port for the ring gRPC server")
	fs.Int("http-port", d.HTTPPort, "Port for the admin HTTP API (0 disables it)")
	fs.String("bootstrap", d.Bootstrap, "Bootstrap peer (host:port) of an existing ring")
	fs.Int("capacity", d.Capacity, "Identifier space width in bits; must match the ring")
	fs.Duration("stabilize-interval", d.StabilizeInterval, "Stabilization period")
	fs.Duration("failure-check-interval", d.FailureCheckInterval, "Successor liveness check period")
	fs.String("finger-refresh", d.FingerRefresh, "Finger refresh policy (full, incremental)")
	fs.Duration("rpc-timeout", d.RPCTimeout, "Timeout for control RPCs")
	fs.Duration("ping-timeout", d.PingTimeout, "Timeout for liveness pings")
	fs.Duration("leave-timeout", d.LeaveTimeout, "Deadline for the graceful leave on shutdown")
	fs.Duration("join-retry-timeout", d.JoinRetryTimeout, "How long to retry the bootstrap before creating a new ring")
	fs.String("log-level", d.LogLevel, "Log level (trace, debug, info, warn, error)")
	fs.String("log-format", d.LogFormat, "Log format (json, console)")
	fs.String("log-file", d.LogFile, "Also write logs to this rotated file")
}

// Load builds a Config from defaults, an optional config file, CHORDRING_* environment
// variables and the flags in fs, in increasing order of precedence.
func Load(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()

	d := DefaultConfig()
	v.SetDefault("host", d.Host)
	v.SetDefault("port", d.Port)
	v.SetDefault("http_port", d.HTTPPort)
	v.SetDefault("bootstrap", d.Bootstrap)
	v.SetDefault("capacity", d.Capacity)
	v.SetDefault("stabilize_interval", d.StabilizeInterval)
	v.SetDefault("failure_check_interval", d.FailureCheckInterval)
	v.SetDefault("finger_refresh", d.FingerRefresh)
	v.SetDefault("rpc_timeout", d.RPCTimeout)
	v.SetDefault("ping_timeout", d.PingTimeout)
	v.SetDefault("leave_timeout", d.LeaveTimeout)
	v.SetDefault("join_retry_timeout", d.JoinRetryTimeout)
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("log_format", d.LogFormat)
	v.SetDefault("log_file", d.LogFile)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if fs != nil {
		for name, key := range flagKeys {
			if f := fs.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("failed to bind flag %s: %w", name, err)
				}
			}
		}

		if f := fs.Lookup("config"); f != nil && f.Value.String() != "" {
			v.SetConfigFile(f.Value.String())
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
