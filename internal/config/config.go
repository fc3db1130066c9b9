package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Finger refresh policies
const (
	FingerRefreshFull        = "full"
	FingerRefreshIncremental = "incremental"
)

// Config holds all configuration for a ring node
type Config struct {
	// Node identification
	Host string `mapstructure:"host" validate:"required"`
	Port int    `mapstructure:"port" validate:"min=1,max=65535"`

	// Admin HTTP API (0 disables it)
	HTTPPort int `mapstructure:"http_port" validate:"min=0,max=65535"`

	// Bootstrap peer (host:port). Empty creates a new ring.
	Bootstrap string `mapstructure:"bootstrap" validate:"omitempty,hostname_port"`

	// Ring parameters
	Capacity             int           `mapstructure:"capacity" validate:"min=1,max=256"`       // Identifier space size in bits
	StabilizeInterval    time.Duration `mapstructure:"stabilize_interval" validate:"gt=0"`      // How often to run stabilization
	FailureCheckInterval time.Duration `mapstructure:"failure_check_interval" validate:"gt=0"`  // How often to ping the successor
	FingerRefresh        string        `mapstructure:"finger_refresh" validate:"oneof=full incremental"`
	RPCTimeout           time.Duration `mapstructure:"rpc_timeout" validate:"gt=0"`             // Control calls
	PingTimeout          time.Duration `mapstructure:"ping_timeout" validate:"gt=0"`            // Liveness probes
	LeaveTimeout         time.Duration `mapstructure:"leave_timeout" validate:"gt=0"`           // Graceful leave deadline
	JoinRetryTimeout     time.Duration `mapstructure:"join_retry_timeout" validate:"gte=0"`     // Retry budget before falling back to create

	// Logging
	LogLevel  string `mapstructure:"log_level" validate:"oneof=trace debug info warn error"`
	LogFormat string `mapstructure:"log_format" validate:"oneof=json console"`
	LogFile   string `mapstructure:"log_file"`
}

// DefaultConfig returns a sensible default configuration
func DefaultConfig() *Config {
	return &Config{
		Host:                 "127.0.0.1",
		Port:                 8440,
		HTTPPort:             8080,
		Capacity:             32,
		StabilizeInterval:    10 * time.Second,
		FailureCheckInterval: 2 * time.Second,
		FingerRefresh:        FingerRefreshFull,
		RPCTimeout:           5 * time.Second,
		PingTimeout:          2 * time.Second,
		LeaveTimeout:         10 * time.Second,
		JoinRetryTimeout:     15 * time.Second,
		LogLevel:             "info",
		LogFormat:            "console",
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q (got %v)", fe.Field(), fe.Tag(), fe.Value()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}

	if c.HTTPPort != 0 && c.HTTPPort == c.Port {
		return fmt.Errorf("invalid config: http port %d collides with ring port", c.HTTPPort)
	}
	if c.PingTimeout > c.FailureCheckInterval {
		return fmt.Errorf("invalid config: ping timeout %s exceeds failure check interval %s", c.PingTimeout, c.FailureCheckInterval)
	}
	return nil
}

// Address returns the advertised ring address in host:port form.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
