// Package config provides centralized configuration management for eventhub.
// Configuration is loaded from environment variables with sensible defaults.
// Required configuration that is missing will cause the application to fail fast
// with helpful error messages.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// Socket paths for the two local listeners.
	HTTPSocket string
	RPCSocket  string

	// Event store.
	DBType string
	DBDSN  string

	// SSE tuning.
	KeepAliveInterval    time.Duration
	SubscriberBufferSize int

	// Per-source-IP token bucket applied to POST submissions and RPC accepts.
	RateLimitPerSecond float64
	RateLimitBurst     int
}

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors holds multiple validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return fmt.Sprintf("configuration errors:\n  - %s", strings.Join(msgs, "\n  - "))
}

// Default values
const (
	DefaultHTTPSocket           = "/run/eventhub/http.sock"
	DefaultRPCSocket            = "/run/eventhub/rpc.sock"
	DefaultDBType               = "sqlite"
	DefaultDBDSN                = "file:/var/lib/eventhub/events.db"
	DefaultKeepAliveSeconds     = 30
	DefaultSubscriberBufferSize = 64
	DefaultRateLimitPerSecond   = 20.0
	DefaultRateLimitBurst       = 40
)

// Load reads configuration from environment variables and returns a Config.
// It applies defaults for optional values and validates the configuration.
// Returns an error if validation fails.
func Load() (*Config, error) {
	cfg := &Config{
		HTTPSocket:           DefaultHTTPSocket,
		RPCSocket:            DefaultRPCSocket,
		DBType:               DefaultDBType,
		DBDSN:                DefaultDBDSN,
		KeepAliveInterval:    DefaultKeepAliveSeconds * time.Second,
		SubscriberBufferSize: DefaultSubscriberBufferSize,
		RateLimitPerSecond:   DefaultRateLimitPerSecond,
		RateLimitBurst:       DefaultRateLimitBurst,
	}

	if err := cfg.loadFromEnv(); err != nil {
		return nil, err
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, errs
	}

	return cfg, nil
}

// loadFromEnv populates the config from environment variables.
func (c *Config) loadFromEnv() error {
	var parseErrors ValidationErrors

	if v := os.Getenv("EVENTHUB_HTTP_SOCKET"); v != "" {
		c.HTTPSocket = v
	}

	if v := os.Getenv("EVENTHUB_RPC_SOCKET"); v != "" {
		c.RPCSocket = v
	}

	if v := os.Getenv("EVENTHUB_DB_TYPE"); v != "" {
		c.DBType = v
	}

	if v := os.Getenv("EVENTHUB_DB_DSN"); v != "" {
		c.DBDSN = v
	}

	if v := os.Getenv("EVENTHUB_KEEPALIVE_SECONDS"); v != "" {
		seconds, err := strconv.Atoi(v)
		if err != nil {
			parseErrors = append(parseErrors, ValidationError{
				Field:   "EVENTHUB_KEEPALIVE_SECONDS",
				Message: fmt.Sprintf("invalid duration: %q (must be an integer representing seconds)", v),
			})
		} else if seconds <= 0 {
			parseErrors = append(parseErrors, ValidationError{
				Field:   "EVENTHUB_KEEPALIVE_SECONDS",
				Message: fmt.Sprintf("must be positive: %d", seconds),
			})
		} else {
			c.KeepAliveInterval = time.Duration(seconds) * time.Second
		}
	}

	if v := os.Getenv("EVENTHUB_SUBSCRIBER_BUFFER"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			parseErrors = append(parseErrors, ValidationError{
				Field:   "EVENTHUB_SUBSCRIBER_BUFFER",
				Message: fmt.Sprintf("invalid buffer size: %q (must be an integer)", v),
			})
		} else if n <= 0 {
			parseErrors = append(parseErrors, ValidationError{
				Field:   "EVENTHUB_SUBSCRIBER_BUFFER",
				Message: fmt.Sprintf("must be positive: %d", n),
			})
		} else {
			c.SubscriberBufferSize = n
		}
	}

	if v := os.Getenv("EVENTHUB_RATE_LIMIT_PER_SECOND"); v != "" {
		n, err := strconv.ParseFloat(v, 64)
		if err != nil {
			parseErrors = append(parseErrors, ValidationError{
				Field:   "EVENTHUB_RATE_LIMIT_PER_SECOND",
				Message: fmt.Sprintf("invalid rate: %q (must be a number)", v),
			})
		} else if n <= 0 {
			parseErrors = append(parseErrors, ValidationError{
				Field:   "EVENTHUB_RATE_LIMIT_PER_SECOND",
				Message: fmt.Sprintf("must be positive: %v", n),
			})
		} else {
			c.RateLimitPerSecond = n
		}
	}

	if v := os.Getenv("EVENTHUB_RATE_LIMIT_BURST"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			parseErrors = append(parseErrors, ValidationError{
				Field:   "EVENTHUB_RATE_LIMIT_BURST",
				Message: fmt.Sprintf("invalid burst: %q (must be an integer)", v),
			})
		} else if n <= 0 {
			parseErrors = append(parseErrors, ValidationError{
				Field:   "EVENTHUB_RATE_LIMIT_BURST",
				Message: fmt.Sprintf("must be positive: %d", n),
			})
		} else {
			c.RateLimitBurst = n
		}
	}

	if len(parseErrors) > 0 {
		return parseErrors
	}
	return nil
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() ValidationErrors {
	var errs ValidationErrors

	if c.HTTPSocket == "" {
		errs = append(errs, ValidationError{
			Field:   "EVENTHUB_HTTP_SOCKET",
			Message: "must not be empty",
		})
	}

	if c.RPCSocket == "" {
		errs = append(errs, ValidationError{
			Field:   "EVENTHUB_RPC_SOCKET",
			Message: "must not be empty",
		})
	}

	if c.HTTPSocket != "" && c.RPCSocket != "" && c.HTTPSocket == c.RPCSocket {
		errs = append(errs, ValidationError{
			Field:   "EVENTHUB_RPC_SOCKET",
			Message: "must differ from EVENTHUB_HTTP_SOCKET",
		})
	}

	if c.DBType != "sqlite" && c.DBType != "postgres" {
		errs = append(errs, ValidationError{
			Field:   "EVENTHUB_DB_TYPE",
			Message: fmt.Sprintf("must be \"sqlite\" or \"postgres\", got %q", c.DBType),
		})
	}

	if c.DBDSN == "" {
		errs = append(errs, ValidationError{
			Field:   "EVENTHUB_DB_DSN",
			Message: "must not be empty",
		})
	}

	return errs
}

// MustLoad loads configuration and panics if it fails.
// Use this for application startup where configuration errors are fatal.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Fatal: failed to load configuration\n\n%s\n", err)
		os.Exit(1)
	}
	return cfg
}

// LoadWithFlags loads configuration from environment variables,
// then applies command-line flag overrides.
func LoadWithFlags(httpSocket, rpcSocket, dbDSN string) (*Config, error) {
	cfg, err := Load()
	if err != nil {
		return nil, err
	}

	if httpSocket != "" {
		cfg.HTTPSocket = httpSocket
	}
	if rpcSocket != "" {
		cfg.RPCSocket = rpcSocket
	}
	if dbDSN != "" {
		cfg.DBDSN = dbDSN
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, errs
	}

	return cfg, nil
}
