// Structured logging for the droplet host
//
// Loggers carry a component prefix and optional structured fields, and
// render either as human-readable text or as one JSON object per line.
// Child loggers created with Named share their parent's sink, so output
// from the link, the compiler and the orchestrator never interleaves
// mid-line.
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package log

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"
)

// LogLevel represents the severity of a log message
type LogLevel int

const (
	// TRACE logs every frame exchanged with the device
	TRACE LogLevel = iota - 1

	// DEBUG level for detailed debugging information
	DEBUG

	// INFO level for general informational messages
	INFO

	// WARN level for warning messages
	WARN

	// ERROR level for error messages
	ERROR
)

// String returns the string representation of the log level
func (l LogLevel) String() string {
	switch l {
	case TRACE:
		return "TRACE"
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel parses a string into a LogLevel. Unknown names map to INFO.
func ParseLevel(s string) LogLevel {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "TRACE":
		return TRACE
	case "DEBUG":
		return DEBUG
	case "WARN", "WARNING":
		return WARN
	case "ERROR":
		return ERROR
	default:
		return INFO
	}
}

// OutputFormat specifies the output format for log messages
type OutputFormat int

const (
	// FormatText outputs human-readable text format
	FormatText OutputFormat = iota
	// FormatJSON outputs machine-readable JSON format
	FormatJSON
)

// Fields is a map of structured logging fields
type Fields map[string]any

// sink is the output state shared by a logger and all of its children.
type sink struct {
	mu         sync.Mutex
	writer     io.Writer
	level      LogLevel
	timeFormat string
	colorize   bool
	format     OutputFormat
	caller     bool
}

// Logger writes leveled messages tagged with a component prefix.
type Logger struct {
	out    *sink
	prefix string
	fields Fields
}

// Entry is a pending log line with attached fields.
type Entry struct {
	logger *Logger
	fields Fields
}

var (
	defaultMu     sync.RWMutex
	defaultLogger *Logger

	ansiColors = map[LogLevel]string{
		TRACE: "\x1b[90m", // Grey
		DEBUG: "\x1b[36m", // Cyan
		INFO:  "\x1b[32m", // Green
		WARN:  "\x1b[33m", // Yellow
		ERROR: "\x1b[31m", // Red
	}
	ansiReset = "\x1b[0m"
)

// New creates a logger writing to stderr at INFO.
func New(prefix string) *Logger {
	return &Logger{
		out: &sink{
			writer:     os.Stderr,
			level:      INFO,
			timeFormat: "2006-01-02 15:04:05.000",
			colorize:   os.Getenv("NO_COLOR") == "",
			format:     FormatText,
		},
		prefix: prefix,
	}
}

// Discard returns a logger that drops everything. Useful in tests.
func Discard() *Logger {
	l := New("")
	l.out.writer = io.Discard
	l.out.level = ERROR + 1
	return l
}

// SetLevel sets the minimum log level
func (l *Logger) SetLevel(level LogLevel) {
	l.out.mu.Lock()
	defer l.out.mu.Unlock()
	l.out.level = level
}

// GetLevel returns the current log level
func (l *Logger) GetLevel() LogLevel {
	l.out.mu.Lock()
	defer l.out.mu.Unlock()
	return l.out.level
}

// Enabled reports whether messages at level would be written.
func (l *Logger) Enabled(level LogLevel) bool {
	return level >= l.GetLevel()
}

// SetWriter sets the output writer
func (l *Logger) SetWriter(w io.Writer) {
	l.out.mu.Lock()
	defer l.out.mu.Unlock()
	l.out.writer = w
}

// SetTimeFormat sets the time format string used by text output
func (l *Logger) SetTimeFormat(format string) {
	l.out.mu.Lock()
	defer l.out.mu.Unlock()
	l.out.timeFormat = format
}

// SetColorize enables or disables colorized output
func (l *Logger) SetColorize(enable bool) {
	l.out.mu.Lock()
	defer l.out.mu.Unlock()
	l.out.colorize = enable
}

// SetFormat sets the output format (FormatText or FormatJSON)
func (l *Logger) SetFormat(format OutputFormat) {
	l.out.mu.Lock()
	defer l.out.mu.Unlock()
	l.out.format = format
}

// SetCaller enables or disables caller info in log output
func (l *Logger) SetCaller(enable bool) {
	l.out.mu.Lock()
	defer l.out.mu.Unlock()
	l.out.caller = enable
}

// Prefix returns the component prefix.
func (l *Logger) Prefix() string {
	return l.prefix
}

// Named returns a child logger with a different prefix sharing this
// logger's output and persistent fields.
func (l *Logger) Named(prefix string) *Logger {
	return &Logger{out: l.out, prefix: prefix, fields: l.fields}
}

// With returns a child logger that attaches fields to every line.
func (l *Logger) With(fields Fields) *Logger {
	merged := make(Fields, len(l.fields)+len(fields))
	for k, v := range l.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return &Logger{out: l.out, prefix: l.prefix, fields: merged}
}

// WithField returns an Entry with the given field
func (l *Logger) WithField(key string, value any) *Entry {
	return &Entry{logger: l, fields: Fields{key: value}}
}

// WithFields returns an Entry with the given fields
func (l *Logger) WithFields(fields Fields) *Entry {
	return &Entry{logger: l, fields: fields}
}

// WithError returns an Entry with the error field set
func (l *Logger) WithError(err error) *Entry {
	return l.WithField("error", errString(err))
}

func errString(err error) string {
	if err == nil {
		return "<nil>"
	}
	return err.Error()
}

func getCaller(skip int) string {
	_, file, line, ok := runtime.Caller(skip)
	if !ok {
		return "unknown:0"
	}
	return fmt.Sprintf("%s:%d", filepath.Base(file), line)
}

// JSONLogEntry is the structure for JSON formatted log entries
type JSONLogEntry struct {
	Timestamp string         `json:"timestamp"`
	Level     string         `json:"level"`
	Logger    string         `json:"logger"`
	Message   string         `json:"message"`
	Caller    string         `json:"caller,omitempty"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// write renders one line. callerSkip counts frames above write itself.
func (l *Logger) write(level LogLevel, msg string, fields Fields, callerSkip int) {
	out := l.out
	out.mu.Lock()
	defer out.mu.Unlock()

	if level < out.level {
		return
	}

	merged := fields
	if len(l.fields) > 0 {
		merged = make(Fields, len(l.fields)+len(fields))
		for k, v := range l.fields {
			merged[k] = v
		}
		for k, v := range fields {
			merged[k] = v
		}
	}

	var caller string
	if out.caller {
		caller = getCaller(callerSkip + 1)
	}

	var line string
	if out.format == FormatJSON {
		line = renderJSON(l.prefix, level, msg, caller, merged)
	} else {
		line = renderText(out, l.prefix, level, msg, caller, merged)
	}
	_, _ = io.WriteString(out.writer, line)
}

func renderText(out *sink, prefix string, level LogLevel, msg, caller string, fields Fields) string {
	var sb strings.Builder

	sb.WriteString(time.Now().Format(out.timeFormat))
	fmt.Fprintf(&sb, " [%-5s] ", level.String())

	if out.colorize {
		sb.WriteString(ansiColors[level])
	}
	sb.WriteString(prefix)
	if out.colorize {
		sb.WriteString(ansiReset)
	}
	sb.WriteString(": ")
	sb.WriteString(msg)

	if caller != "" {
		sb.WriteString(" (")
		sb.WriteString(caller)
		sb.WriteString(")")
	}

	if len(fields) > 0 {
		keys := make([]string, 0, len(fields))
		for k := range fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sb.WriteString(" {")
		for i, k := range keys {
			if i > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "%s=%v", k, fields[k])
		}
		sb.WriteString("}")
	}

	sb.WriteString("\n")
	return sb.String()
}

func renderJSON(prefix string, level LogLevel, msg, caller string, fields Fields) string {
	entry := JSONLogEntry{
		Timestamp: time.Now().Format(time.RFC3339Nano),
		Level:     level.String(),
		Logger:    prefix,
		Message:   msg,
		Caller:    caller,
	}
	if len(fields) > 0 {
		entry.Fields = fields
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Sprintf(`{"error":"failed to marshal log entry: %v"}`+"\n", err)
	}
	return string(data) + "\n"
}

func sprintf(msg string, args []any) string {
	if len(args) == 0 {
		return msg
	}
	return fmt.Sprintf(msg, args...)
}

// Trace logs a message at TRACE level
func (l *Logger) Trace(msg string, args ...any) {
	l.write(TRACE, sprintf(msg, args), nil, 2)
}

// Debug logs a message at DEBUG level
func (l *Logger) Debug(msg string, args ...any) {
	l.write(DEBUG, sprintf(msg, args), nil, 2)
}

// Info logs a message at INFO level
func (l *Logger) Info(msg string, args ...any) {
	l.write(INFO, sprintf(msg, args), nil, 2)
}

// Warn logs a message at WARN level
func (l *Logger) Warn(msg string, args ...any) {
	l.write(WARN, sprintf(msg, args), nil, 2)
}

// Error logs a message at ERROR level
func (l *Logger) Error(msg string, args ...any) {
	l.write(ERROR, sprintf(msg, args), nil, 2)
}

// WithField adds a field to the entry
func (e *Entry) WithField(key string, value any) *Entry {
	return e.WithFields(Fields{key: value})
}

// WithFields adds multiple fields to the entry
func (e *Entry) WithFields(fields Fields) *Entry {
	merged := make(Fields, len(e.fields)+len(fields))
	for k, v := range e.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return &Entry{logger: e.logger, fields: merged}
}

// WithError adds an error field to the entry
func (e *Entry) WithError(err error) *Entry {
	return e.WithField("error", errString(err))
}

// Trace logs at TRACE level with fields
func (e *Entry) Trace(msg string) { e.logger.write(TRACE, msg, e.fields, 2) }

// Debug logs at DEBUG level with fields
func (e *Entry) Debug(msg string) { e.logger.write(DEBUG, msg, e.fields, 2) }

// Info logs at INFO level with fields
func (e *Entry) Info(msg string) { e.logger.write(INFO, msg, e.fields, 2) }

// Warn logs at WARN level with fields
func (e *Entry) Warn(msg string) { e.logger.write(WARN, msg, e.fields, 2) }

// Error logs at ERROR level with fields
func (e *Entry) Error(msg string) { e.logger.write(ERROR, msg, e.fields, 2) }

// Infof logs formatted message at INFO level with fields
func (e *Entry) Infof(format string, args ...any) {
	e.logger.write(INFO, fmt.Sprintf(format, args...), e.fields, 2)
}

// Warnf logs formatted message at WARN level with fields
func (e *Entry) Warnf(format string, args ...any) {
	e.logger.write(WARN, fmt.Sprintf(format, args...), e.fields, 2)
}

// Errorf logs formatted message at ERROR level with fields
func (e *Entry) Errorf(format string, args ...any) {
	e.logger.write(ERROR, fmt.Sprintf(format, args...), e.fields, 2)
}

// SetDefaultLogger sets the logger GetLogger derives children from.
func SetDefaultLogger(logger *Logger) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultLogger = logger
}

// GetLogger returns a child of the default logger with the given prefix.
func GetLogger(prefix string) *Logger {
	defaultMu.RLock()
	l := defaultLogger
	defaultMu.RUnlock()
	if prefix == "" {
		return l
	}
	return l.Named(prefix)
}

func init() {
	defaultLogger = New("biochip")
	ConfigureFromEnv(defaultLogger)
}

// ConfigureFromEnv applies environment-based configuration to the logger.
// Environment variables:
//   - BIOCHIP_LOG_LEVEL: TRACE, DEBUG, INFO, WARN, ERROR
//   - BIOCHIP_LOG_FORMAT: text, json
//   - BIOCHIP_LOG_CALLER: any non-empty value enables caller info
//   - NO_COLOR: any non-empty value disables colors
func ConfigureFromEnv(l *Logger) {
	if levelStr := os.Getenv("BIOCHIP_LOG_LEVEL"); levelStr != "" {
		l.SetLevel(ParseLevel(levelStr))
	}
	if formatStr := os.Getenv("BIOCHIP_LOG_FORMAT"); formatStr != "" {
		switch strings.ToLower(formatStr) {
		case "json":
			l.SetFormat(FormatJSON)
		case "text":
			l.SetFormat(FormatText)
		}
	}
	if os.Getenv("BIOCHIP_LOG_CALLER") != "" {
		l.SetCaller(true)
	}
	if os.Getenv("NO_COLOR") != "" {
		l.SetColorize(false)
	}
}
