// Package task defines the identity of one task execution attempt and the
// immutable options that govern how the coordination backend judges it dead.
package task

import (
	"fmt"
	"strings"
	"time"

	"github.com/vinayprograms/taskkit/errors"
)

// DeathMode selects how a running attempt is judged dead.
type DeathMode int

const (
	// DeathModeOverride: dead once it has run longer than a fixed threshold.
	DeathModeOverride DeathMode = iota
	// DeathModeKeepAlive: dead once its liveness signals stop for too long.
	DeathModeKeepAlive
)

// DefaultKeepAliveInterval is used when Options.KeepAliveInterval is zero.
const DefaultKeepAliveInterval = 20 * time.Second

// String returns the mode name.
func (m DeathMode) String() string {
	switch m {
	case DeathModeOverride:
		return "override"
	case DeathModeKeepAlive:
		return "keepalive"
	default:
		return "unknown"
	}
}

// ParseDeathMode converts a configuration string into a DeathMode.
func ParseDeathMode(s string) (DeathMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "override", "":
		return DeathModeOverride, nil
	case "keepalive", "keep_alive", "keep-alive":
		return DeathModeKeepAlive, nil
	default:
		return 0, fmt.Errorf("unknown death mode %q", s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (m DeathMode) MarshalText() ([]byte, error) {
	if m != DeathModeOverride && m != DeathModeKeepAlive {
		return nil, fmt.Errorf("unknown death mode %d", int(m))
	}
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *DeathMode) UnmarshalText(text []byte) error {
	parsed, err := ParseDeathMode(string(text))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// Options configure one execution context. They never change after construction.
type Options struct {
	DeathMode DeathMode

	// OverrideThreshold is the maximum run time in Override mode.
	OverrideThreshold time.Duration

	// KeepAliveElapsed is how long signals may be missing before the attempt
	// counts as dead. Zero means unset; KeepAlive mode requires it.
	KeepAliveElapsed time.Duration

	// KeepAliveInterval is the period between liveness signals.
	// Zero means DefaultKeepAliveInterval.
	KeepAliveInterval time.Duration
}

// Validate reports whether the options are usable for a start request.
func (o Options) Validate() error {
	switch o.DeathMode {
	case DeathModeOverride:
		if o.OverrideThreshold < 0 {
			return errors.InvalidConfiguration("override threshold must not be negative")
		}
	case DeathModeKeepAlive:
		if o.KeepAliveElapsed <= 0 {
			return errors.InvalidConfiguration("keep-alive death mode requires a keep-alive elapsed threshold")
		}
	default:
		return errors.InvalidConfiguration(fmt.Sprintf("unknown death mode %d", int(o.DeathMode)))
	}
	if o.KeepAliveInterval < 0 {
		return errors.InvalidConfiguration("keep-alive interval must not be negative")
	}
	return nil
}

// Interval returns the effective keep-alive interval.
func (o Options) Interval() time.Duration {
	if o.KeepAliveInterval <= 0 {
		return DefaultKeepAliveInterval
	}
	return o.KeepAliveInterval
}

// Instance identifies one execution attempt.
// TaskExecutionID is empty until the backend answers a start request.
type Instance struct {
	ApplicationName  string
	TaskName         string
	TaskExecutionID  string
	ExecutionTokenID string
	UnlimitedMode    bool
	CompletedAt      time.Time
}

// String returns "app/task#id" for logs.
func (i Instance) String() string {
	if i.TaskExecutionID == "" {
		return i.ApplicationName + "/" + i.TaskName
	}
	return i.ApplicationName + "/" + i.TaskName + "#" + i.TaskExecutionID
}

// Seconds truncates d to whole seconds.
func Seconds(d time.Duration) int {
	return int(d / time.Second)
}
