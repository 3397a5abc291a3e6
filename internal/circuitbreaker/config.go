package circuitbreaker

import (
	"errors"
	"time"
)

// Settings configures one breaker.
type Settings struct {
	// MaxRequests is the number of trial calls allowed while half-open.
	MaxRequests uint32 `mapstructure:"max_requests" yaml:"max_requests"`
	// Interval clears the closed-state counters. Zero never clears them.
	Interval time.Duration `mapstructure:"interval" yaml:"interval"`
	// OpenTimeout is how long the breaker stays open before probing.
	OpenTimeout      time.Duration `mapstructure:"open_timeout" yaml:"open_timeout"`
	FailureThreshold uint32        `mapstructure:"failure_threshold" yaml:"failure_threshold"`
	SuccessThreshold uint32        `mapstructure:"success_threshold" yaml:"success_threshold"`
}

// DefaultSettings are used for agents without an override.
func DefaultSettings() Settings {
	return Settings{
		MaxRequests:      3,
		Interval:         60 * time.Second,
		OpenTimeout:      10 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 2,
	}
}

// RedisSettings trip faster since Redis only backs caches and event streams.
func RedisSettings() Settings {
	return Settings{
		MaxRequests:      5,
		Interval:         30 * time.Second,
		OpenTimeout:      15 * time.Second,
		FailureThreshold: 3,
		SuccessThreshold: 2,
	}
}

// DatabaseSettings guard the enrichment database.
func DatabaseSettings() Settings {
	return Settings{
		MaxRequests:      3,
		Interval:         60 * time.Second,
		OpenTimeout:      30 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 2,
	}
}

// Validate rejects settings that would never close or never open.
func (s Settings) Validate() error {
	var errs []error
	if s.Interval < 0 || s.OpenTimeout < 0 {
		errs = append(errs, errors.New("circuit breaker durations must not be negative"))
	}
	if s.SuccessThreshold > 0 && s.MaxRequests > 0 && s.SuccessThreshold > s.MaxRequests {
		errs = append(errs, errors.New("circuit breaker success threshold exceeds half-open max requests"))
	}
	return errors.Join(errs...)
}

func (s Settings) withDefaults() Settings {
	d := DefaultSettings()
	if s.MaxRequests == 0 {
		s.MaxRequests = d.MaxRequests
	}
	if s.OpenTimeout == 0 {
		s.OpenTimeout = d.OpenTimeout
	}
	if s.FailureThreshold == 0 {
		s.FailureThreshold = d.FailureThreshold
	}
	if s.SuccessThreshold == 0 {
		s.SuccessThreshold = d.SuccessThreshold
	}
	return s
}
