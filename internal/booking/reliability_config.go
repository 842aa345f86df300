package booking

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type ReliabilityConfig struct {
	RetryMaxAttempts    int
	RetryBaseDelay      time.Duration
	RetryMaxDelay       time.Duration
	BreakerMaxFailures  int
	BreakerResetTimeout time.Duration
	RateLimitInterval   time.Duration
	RateLimitBurst      int
}

// DefaultReliabilityConfig matches the documented BOOKING_* defaults.
func DefaultReliabilityConfig() ReliabilityConfig {
	retry := DefaultRetryPolicy()
	return ReliabilityConfig{
		RetryMaxAttempts:    retry.MaxAttempts,
		RetryBaseDelay:      retry.BaseDelay,
		RetryMaxDelay:       retry.MaxDelay,
		BreakerMaxFailures:  5,
		BreakerResetTimeout: 10 * time.Second,
	}
}

// RetryPolicy builds the vendor retry policy for this config.
func (c ReliabilityConfig) RetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: c.RetryMaxAttempts,
		BaseDelay:   c.RetryBaseDelay,
		MaxDelay:    c.RetryMaxDelay,
	}
}

// LoadReliabilityConfigFromEnv reads BOOKING_* overrides on top of the defaults.
func LoadReliabilityConfigFromEnv() (ReliabilityConfig, error) {
	cfg := DefaultReliabilityConfig()
	var err error

	if cfg.RetryMaxAttempts, err = parseInt("BOOKING_RETRY_MAX_ATTEMPTS", cfg.RetryMaxAttempts); err != nil {
		return cfg, err
	}
	if cfg.RetryBaseDelay, err = parseDuration("BOOKING_RETRY_BASE_DELAY", cfg.RetryBaseDelay); err != nil {
		return cfg, err
	}
	if cfg.RetryMaxDelay, err = parseDuration("BOOKING_RETRY_MAX_DELAY", cfg.RetryMaxDelay); err != nil {
		return cfg, err
	}
	if cfg.BreakerMaxFailures, err = parseInt("BOOKING_BREAKER_MAX_FAILURES", cfg.BreakerMaxFailures); err != nil {
		return cfg, err
	}
	if cfg.BreakerResetTimeout, err = parseDuration("BOOKING_BREAKER_RESET_TIMEOUT", cfg.BreakerResetTimeout); err != nil {
		return cfg, err
	}
	if cfg.RateLimitInterval, err = parseDuration("BOOKING_RATE_LIMIT_INTERVAL", cfg.RateLimitInterval); err != nil {
		return cfg, err
	}
	if cfg.RateLimitBurst, err = parseInt("BOOKING_RATE_LIMIT_BURST", cfg.RateLimitBurst); err != nil {
		return cfg, err
	}
	if cfg.RetryMaxAttempts < 1 {
		return cfg, errors.New("BOOKING_RETRY_MAX_ATTEMPTS must be >= 1")
	}

	return cfg, nil
}

func parseDuration(name string, def time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def, nil
	}
	val, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return 0, errors.New(name + " must be >= 0")
	}
	return val, nil
}

func parseInt(name string, def int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return 0, errors.New(name + " must be >= 0")
	}
	return val, nil
}
