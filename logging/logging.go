// Package logging provides line-oriented console logging for execution
// contexts and the coordination service.
package logging

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// Level represents log severity.
type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

var levelPriority = map[Level]int{
	LevelDebug: 0,
	LevelInfo:  1,
	LevelWarn:  2,
	LevelError: 3,
}

// ParseLevel converts a configuration string into a Level.
func ParseLevel(s string) (Level, error) {
	level := Level(strings.ToUpper(strings.TrimSpace(s)))
	if level == "WARNING" {
		level = LevelWarn
	}
	if _, ok := levelPriority[level]; !ok {
		return "", fmt.Errorf("unknown log level %q", s)
	}
	return level, nil
}

// Logger writes "LEVEL TIMESTAMP [component] message key=value ..." lines.
// Loggers derived with WithComponent share the parent's output and lock.
type Logger struct {
	mu        *sync.Mutex
	output    io.Writer
	minLevel  Level
	component string
}

// New creates a Logger writing INFO and above to stdout.
func New() *Logger {
	return &Logger{
		mu:       &sync.Mutex{},
		output:   os.Stdout,
		minLevel: LevelInfo,
	}
}

// Discard returns a logger that drops everything.
func Discard() *Logger {
	l := New()
	l.output = io.Discard
	l.minLevel = LevelError
	return l
}

// WithComponent returns a new logger with the given component name.
func (l *Logger) WithComponent(component string) *Logger {
	l.mu.Lock()
	defer l.mu.Unlock()
	return &Logger{
		mu:        l.mu,
		output:    l.output,
		minLevel:  l.minLevel,
		component: component,
	}
}

// SetLevel sets the minimum log level.
func (l *Logger) SetLevel(level Level) {
	l.mu.Lock()
	l.minLevel = level
	l.mu.Unlock()
}

// SetOutput sets the output writer (default: stdout).
func (l *Logger) SetOutput(w io.Writer) {
	l.mu.Lock()
	l.output = w
	l.mu.Unlock()
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string, fields ...map[string]interface{}) {
	l.log(LevelDebug, msg, fields...)
}

// Info logs an info message.
func (l *Logger) Info(msg string, fields ...map[string]interface{}) {
	l.log(LevelInfo, msg, fields...)
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string, fields ...map[string]interface{}) {
	l.log(LevelWarn, msg, fields...)
}

// Error logs an error message.
func (l *Logger) Error(msg string, fields ...map[string]interface{}) {
	l.log(LevelError, msg, fields...)
}

// formatFields renders fields as key=value pairs in key order.
func formatFields(fields map[string]interface{}) string {
	if len(fields) == 0 {
		return ""
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, fields[k]))
	}
	return " " + strings.Join(parts, " ")
}

func (l *Logger) log(level Level, msg string, fields ...map[string]interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if levelPriority[level] < levelPriority[l.minLevel] {
		return
	}

	timestamp := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")

	var fieldStr string
	if len(fields) > 0 && fields[0] != nil {
		fieldStr = formatFields(fields[0])
	}

	var line string
	if l.component != "" {
		line = fmt.Sprintf("%-5s %s [%s] %s%s\n", level, timestamp, l.component, msg, fieldStr)
	} else {
		line = fmt.Sprintf("%-5s %s %s%s\n", level, timestamp, msg, fieldStr)
	}

	l.output.Write([]byte(line))
}

// --- Lifecycle event methods ---

// ExecutionStart logs a granted start.
func (l *Logger) ExecutionStart(app, task, executionID string, unlimited bool) {
	l.Info("execution_start", map[string]interface{}{
		"app":          app,
		"task":         task,
		"execution_id": executionID,
		"unlimited":    unlimited,
	})
}

// ExecutionDenied logs a start the backend refused.
func (l *Logger) ExecutionDenied(app, task, executionID string) {
	l.Info("execution_denied", map[string]interface{}{
		"app":          app,
		"task":         task,
		"execution_id": executionID,
	})
}

// ExecutionComplete logs a completed attempt.
func (l *Logger) ExecutionComplete(app, task, executionID string, duration time.Duration) {
	l.Info("execution_complete", map[string]interface{}{
		"app":          app,
		"task":         task,
		"execution_id": executionID,
		"duration":     duration.String(),
	})
}

// KeepAliveFailed logs a liveness signal that could not be delivered.
// Failures that will not clear on their own are logged at ERROR.
func (l *Logger) KeepAliveFailed(executionID string, err error, retryable bool) {
	fields := map[string]interface{}{
		"execution_id": executionID,
		"error":        err.Error(),
		"retryable":    retryable,
	}
	if !retryable {
		l.Error("keepalive_failed", fields)
		return
	}
	l.Warn("keepalive_failed", fields)
}

// BlocksGenerated logs the outcome of a partition request.
func (l *Logger) BlocksGenerated(executionID, rangeKind string, count int) {
	l.Debug("blocks_generated", map[string]interface{}{
		"execution_id": executionID,
		"range_kind":   rangeKind,
		"count":        count,
	})
}
