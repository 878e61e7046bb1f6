package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"
)

var ErrMissingRequiredValue = errors.New("missing required value")
var ErrInvalidValue = errors.New("invalid value")

type environment string

const (
	production  environment = "production"
	staging     environment = "staging"
	development environment = "development"
)

type LookupBackend string

const (
	LookupBackendPostgres LookupBackend = "postgres"
	LookupBackendHTTP     LookupBackend = "http"
	LookupBackendMock     LookupBackend = "mock"
)

const (
	defaultPort                = "8080"
	defaultTickInterval        = 1000 * time.Millisecond
	defaultRetryBudget         = 3
	defaultLookupConcurrency   = 8
	defaultLookupRatePerSecond = 50
)

type Config struct {
	port                string
	tickInterval        time.Duration
	lookupTimeout       time.Duration
	retryBudget         int
	lookupBackend       LookupBackend
	lookupURL           string
	lookupConcurrency   int
	lookupRatePerSecond int
	dBConnectionString  string
	sentryDSN           string
	allowedOrigins      []string
	env                 environment
}

func (c *Config) Port() string {
	return c.port
}

func (c *Config) TickInterval() time.Duration {
	return c.tickInterval
}

func (c *Config) LookupTimeout() time.Duration {
	return c.lookupTimeout
}

func (c *Config) RetryBudget() int {
	return c.retryBudget
}

// RequestTimeout bounds how long a single request may wait for its key to be filled
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.retryBudget)*c.tickInterval + c.lookupTimeout
}

func (c *Config) LookupBackend() LookupBackend {
	return c.lookupBackend
}

func (c *Config) LookupURL() string {
	return c.lookupURL
}

func (c *Config) LookupConcurrency() int {
	return c.lookupConcurrency
}

func (c *Config) LookupRatePerSecond() int {
	return c.lookupRatePerSecond
}

func (c *Config) DBConnectionString() string {
	return c.dBConnectionString
}

func (c *Config) SentryDSN() string {
	return c.sentryDSN
}

// AllowedOrigins lists the domain suffixes allowed to make cross origin requests
func (c *Config) AllowedOrigins() []string {
	return slices.Clone(c.allowedOrigins)
}

func (c *Config) IsProduction() bool {
	return c.env == production
}

func (c *Config) IsStaging() bool {
	return c.env == staging
}

func (c *Config) IsDevelopment() bool {
	return c.env == development
}

// Return a string representation suitable for logging etc
func (c *Config) NonSensitiveString() string {
	return fmt.Sprintf(
		"Config{env: %s, port: %s, tickInterval: %s, lookupTimeout: %s, retryBudget: %d, lookupBackend: %s, ...}",
		string(c.env), c.port, c.tickInterval, c.lookupTimeout, c.retryBudget, string(c.lookupBackend),
	)
}

func ConfigFromEnv() (Config, error) {
	missingKey := func(key string) (Config, error) {
		return Config{}, fmt.Errorf("%w: %s", ErrMissingRequiredValue, key)
	}
	invalidValue := func(key, value string) (Config, error) {
		return Config{}, fmt.Errorf("%w: %s (%s)", ErrInvalidValue, key, value)
	}

	var env environment
	rawEnv, ok := os.LookupEnv("BATCHFILL_ENVIRONMENT")
	if !ok {
		return missingKey("BATCHFILL_ENVIRONMENT")
	}
	switch rawEnv {
	case "production":
		env = production
	case "staging":
		env = staging
	case "development":
		env = development
	default:
		return invalidValue("BATCHFILL_ENVIRONMENT", rawEnv)
	}
	if string(env) == "" {
		panic("logic error: env is empty")
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = defaultPort
	}

	tickInterval := defaultTickInterval
	if raw := os.Getenv("FILL_TICK_INTERVAL_MS"); raw != "" {
		ms, err := strconv.Atoi(raw)
		if err != nil || ms <= 0 {
			return invalidValue("FILL_TICK_INTERVAL_MS", raw)
		}
		tickInterval = time.Duration(ms) * time.Millisecond
	}

	lookupTimeout := tickInterval
	if raw := os.Getenv("FILL_LOOKUP_TIMEOUT_MS"); raw != "" {
		ms, err := strconv.Atoi(raw)
		if err != nil || ms <= 0 {
			return invalidValue("FILL_LOOKUP_TIMEOUT_MS", raw)
		}
		lookupTimeout = time.Duration(ms) * time.Millisecond
	}

	retryBudget := defaultRetryBudget
	if raw := os.Getenv("FILL_RETRY_BUDGET"); raw != "" {
		budget, err := strconv.Atoi(raw)
		if err != nil || budget < 0 {
			return invalidValue("FILL_RETRY_BUDGET", raw)
		}
		retryBudget = budget
	}

	lookupConcurrency := defaultLookupConcurrency
	if raw := os.Getenv("LOOKUP_CONCURRENCY"); raw != "" {
		concurrency, err := strconv.Atoi(raw)
		if err != nil || concurrency <= 0 {
			return invalidValue("LOOKUP_CONCURRENCY", raw)
		}
		lookupConcurrency = concurrency
	}

	lookupRatePerSecond := defaultLookupRatePerSecond
	if raw := os.Getenv("LOOKUP_RATE_PER_SECOND"); raw != "" {
		rate, err := strconv.Atoi(raw)
		if err != nil || rate <= 0 {
			return invalidValue("LOOKUP_RATE_PER_SECOND", raw)
		}
		lookupRatePerSecond = rate
	}

	var lookupBackend LookupBackend
	rawBackend := os.Getenv("LOOKUP_BACKEND")
	switch rawBackend {
	case "":
		if env != development {
			return missingKey("LOOKUP_BACKEND")
		}
		lookupBackend = LookupBackendMock
	case string(LookupBackendPostgres), string(LookupBackendHTTP), string(LookupBackendMock):
		lookupBackend = LookupBackend(rawBackend)
	default:
		return invalidValue("LOOKUP_BACKEND", rawBackend)
	}

	lookupURL := os.Getenv("LOOKUP_URL")
	if lookupBackend == LookupBackendHTTP && lookupURL == "" {
		return missingKey("LOOKUP_URL")
	}

	dbConnectionString := os.Getenv("DB_CONNECTION_STRING")
	sentryDSN := os.Getenv("SENTRY_DSN")

	var allowedOrigins []string
	for _, origin := range strings.Split(os.Getenv("CORS_ALLOWED_ORIGINS"), ",") {
		origin = strings.TrimSpace(origin)
		if origin == "" {
			continue
		}
		allowedOrigins = append(allowedOrigins, origin)
	}

	if env == production || env == staging {
		if lookupBackend == LookupBackendMock {
			return invalidValue("LOOKUP_BACKEND", rawBackend)
		}
		if lookupBackend == LookupBackendPostgres && dbConnectionString == "" {
			return missingKey("DB_CONNECTION_STRING")
		}
		if sentryDSN == "" {
			return missingKey("SENTRY_DSN")
		}
	}

	return Config{
		port:                port,
		tickInterval:        tickInterval,
		lookupTimeout:       lookupTimeout,
		retryBudget:         retryBudget,
		lookupBackend:       lookupBackend,
		lookupURL:           lookupURL,
		lookupConcurrency:   lookupConcurrency,
		lookupRatePerSecond: lookupRatePerSecond,
		dBConnectionString:  dbConnectionString,
		sentryDSN:           sentryDSN,
		allowedOrigins:      allowedOrigins,
		env:                 env,
	}, nil
}
