package heartbeat

import (
	"context"
	"errors"
	"time"
)

// Common errors.
var (
	ErrAlreadyStarted = errors.New("keep-alive already started")
	ErrNotStarted     = errors.New("keep-alive not started")
	ErrInvalidConfig  = errors.New("invalid configuration")
)

// Clock is the time source of a keep-alive loop.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type wallClock struct{}

func (wallClock) Now() time.Time                         { return time.Now() }
func (wallClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// WallClock returns the real-time clock.
func WallClock() Clock {
	return wallClock{}
}

// KeepAliveConfig configures a keep-alive loop.
type KeepAliveConfig struct {
	// Send delivers one liveness signal. Required.
	Send func(ctx context.Context) error

	// Done reports whether the owner has completed. The loop exits once it
	// returns true. Required.
	Done func() bool

	// OnError receives send failures. Failures are otherwise ignored.
	OnError func(err error)

	// Interval is the minimum time between signals.
	// Default: 20 seconds
	Interval time.Duration

	// Poll is how often the loop wakes to check Done and the interval.
	// Default: 1 second
	Poll time.Duration

	// SendTimeout bounds a single Send call.
	// Default: 5 seconds
	SendTimeout time.Duration

	// Clock defaults to WallClock.
	Clock Clock
}

// Validate checks the configuration.
func (c *KeepAliveConfig) Validate() error {
	if c.Send == nil || c.Done == nil {
		return ErrInvalidConfig
	}
	if c.Interval < 0 || c.Poll < 0 || c.SendTimeout < 0 {
		return ErrInvalidConfig
	}
	return nil
}

// DefaultKeepAliveConfig returns configuration with sensible defaults.
func DefaultKeepAliveConfig() KeepAliveConfig {
	return KeepAliveConfig{
		Interval:    20 * time.Second,
		Poll:        time.Second,
		SendTimeout: 5 * time.Second,
	}
}
