// Package logging provides levelled console output for the result backend.
// Lines use the traditional format:
//
//	LEVEL TIMESTAMP [component] message key=value ...
//
// Fields are written in key order so output is stable.
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

// Logger provides structured logging to stdout.
type Logger struct {
	mu        sync.Mutex
	output    io.Writer
	minLevel  Level
	component string
	traceID   string
}

// levelPriority maps levels to numeric priority for filtering.
var levelPriority = map[Level]int{
	LevelDebug: 0,
	LevelInfo:  1,
	LevelWarn:  2,
	LevelError: 3,
}

// New creates a new Logger.
func New() *Logger {
	return &Logger{
		output:   os.Stdout,
		minLevel: LevelInfo,
	}
}

// Discard returns a logger that writes nothing.
func Discard() *Logger {
	return &Logger{
		output:   io.Discard,
		minLevel: LevelError,
	}
}

// ParseLevel converts a case-insensitive level name. Unknown names yield
// LevelInfo and false.
func ParseLevel(s string) (Level, bool) {
	level := Level(strings.ToUpper(strings.TrimSpace(s)))
	if level == "WARNING" {
		level = LevelWarn
	}
	if _, ok := levelPriority[level]; !ok {
		return LevelInfo, false
	}
	return level, true
}

// WithComponent returns a new logger with the given component name.
func (l *Logger) WithComponent(component string) *Logger {
	l.mu.Lock()
	defer l.mu.Unlock()
	return &Logger{
		output:    l.output,
		minLevel:  l.minLevel,
		component: component,
		traceID:   l.traceID,
	}
}

// WithTraceID returns a new logger that adds trace_id to every line.
func (l *Logger) WithTraceID(traceID string) *Logger {
	l.mu.Lock()
	defer l.mu.Unlock()
	return &Logger{
		output:    l.output,
		minLevel:  l.minLevel,
		component: l.component,
		traceID:   traceID,
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

// Enabled reports whether messages at level are written.
func (l *Logger) Enabled(level Level) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return levelPriority[level] >= levelPriority[l.minLevel]
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

// formatFields formats a map of fields as key=value pairs.
func formatFields(fields map[string]interface{}) string {
	if len(fields) == 0 {
		return ""
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, fields[k])
	}
	return b.String()
}

// log writes a log entry in traditional format: LEVEL TIMESTAMP [component] message key=value ...
func (l *Logger) log(level Level, msg string, fields ...map[string]interface{}) {
	if l == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if levelPriority[level] < levelPriority[l.minLevel] {
		return
	}

	merged := make(map[string]interface{})
	for _, f := range fields {
		for k, v := range f {
			merged[k] = v
		}
	}
	if l.traceID != "" {
		merged["trace_id"] = l.traceID
	}

	timestamp := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")
	fieldStr := formatFields(merged)

	var line string
	if l.component != "" {
		line = fmt.Sprintf("%-5s %s [%s] %s%s\n", level, timestamp, l.component, msg, fieldStr)
	} else {
		line = fmt.Sprintf("%-5s %s %s%s\n", level, timestamp, msg, fieldStr)
	}

	l.output.Write([]byte(line))
}

// --- Result backend events ---

// ResultStored logs a published result.
func (l *Logger) ResultStored(taskID, status string, attempts int, duration time.Duration) {
	l.Debug("result_stored", map[string]interface{}{
		"task_id":  taskID,
		"status":   status,
		"attempts": attempts,
		"duration": duration.String(),
	})
}

// PublishRetry logs a failed publish attempt that will be retried.
func (l *Logger) PublishRetry(taskID string, attempt int, delay time.Duration, err error) {
	l.Warn("publish_retry", map[string]interface{}{
		"task_id": taskID,
		"attempt": attempt,
		"delay":   delay.String(),
		"error":   err.Error(),
	})
}

// CacheHit logs a ready result served from the local cache.
func (l *Logger) CacheHit(taskID, status string) {
	l.Debug("cache_hit", map[string]interface{}{
		"task_id": taskID,
		"status":  status,
	})
}

// DrainCycle logs one drain of broker events.
func (l *Logger) DrainCycle(received, outstanding int) {
	l.Debug("drain_cycle", map[string]interface{}{
		"received":    received,
		"outstanding": outstanding,
	})
}

// Compacted logs a finished backlog compaction.
func (l *Logger) Compacted(taskID string, read, discarded int, found bool) {
	l.Debug("compacted", map[string]interface{}{
		"task_id":   taskID,
		"read":      read,
		"discarded": discarded,
		"found":     found,
	})
}

// ConsumerStarted logs a task joining a shared consumer.
func (l *Logger) ConsumerStarted(taskID, channelID string, created bool) {
	l.Debug("consumer_started", map[string]interface{}{
		"task_id": taskID,
		"channel": channelID,
		"created": created,
	})
}

// ConsumersStopped logs the shutdown of shared consumers.
func (l *Logger) ConsumersStopped(count int, err error) {
	fields := map[string]interface{}{
		"count": count,
	}
	if err != nil {
		fields["error"] = err.Error()
		l.Error("consumers_stopped", fields)
		return
	}
	l.Info("consumers_stopped", fields)
}

// ConsumersInvalidated logs handles dropped at a fork boundary.
func (l *Logger) ConsumersInvalidated(count int) {
	l.Info("consumers_invalidated", map[string]interface{}{
		"count": count,
	})
}
