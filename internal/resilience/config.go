package resilience

import (
	"time"

	apperrors "github.com/GriffinCanCode/wlshot/internal/errors"
)

// Circuit breaker configuration constants
const (
	DefaultThreshold         = 5
	DefaultResetTimeout      = 30 * time.Second
	DefaultHalfOpenSuccesses = 3

	// Capture service: a compositor that fails a few frames in a row is
	// usually gone or busy restarting.
	CaptureThreshold         = 3
	CaptureResetTimeout      = 10 * time.Second
	CaptureHalfOpenSuccesses = 1
)

// Config holds circuit breaker settings.
type Config struct {
	Threshold         int           // failures before opening
	ResetTimeout      time.Duration // wait before half-open attempt
	HalfOpenSuccesses int           // successes needed to close
	// IsFailure decides which errors count against the breaker.
	IsFailure func(error) bool
}

// DefaultConfig returns production-ready defaults.
func DefaultConfig() Config {
	return Config{
		Threshold:         DefaultThreshold,
		ResetTimeout:      DefaultResetTimeout,
		HalfOpenSuccesses: DefaultHalfOpenSuccesses,
	}
}

// CaptureConfig returns settings for guarding compositor captures.
func CaptureConfig() Config {
	return Config{
		Threshold:         CaptureThreshold,
		ResetTimeout:      CaptureResetTimeout,
		HalfOpenSuccesses: CaptureHalfOpenSuccesses,
	}
}

// IsServerFault reports whether err is the compositor's or ours rather
// than a bad request.
func IsServerFault(err error) bool {
	switch apperrors.CodeOf(err) {
	case apperrors.CodeInvalidArgument, apperrors.CodeNotFound, apperrors.CodeCancelled:
		return false
	}
	return true
}

func (c Config) withDefaults() Config {
	if c.Threshold <= 0 {
		c.Threshold = DefaultThreshold
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = DefaultResetTimeout
	}
	if c.HalfOpenSuccesses <= 0 {
		c.HalfOpenSuccesses = DefaultHalfOpenSuccesses
	}
	if c.IsFailure == nil {
		c.IsFailure = IsServerFault
	}
	return c
}
