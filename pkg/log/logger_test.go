// Structured logging tests
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package log

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogger(prefix string) (*Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	l := New(prefix)
	l.SetWriter(&buf)
	l.SetColorize(false)
	return l, &buf
}

func TestLoggerBasic(t *testing.T) {
	logger, buf := newTestLogger("link")
	logger.Info("sent %s", "S12")

	out := buf.String()
	assert.Contains(t, out, "[INFO ]")
	assert.Contains(t, out, "link: sent S12")
	assert.True(t, strings.HasSuffix(out, "\n"))
}

func TestLoggerLevels(t *testing.T) {
	tests := []struct {
		level LogLevel
		emit  func(l *Logger)
		want  bool
	}{
		{INFO, func(l *Logger) { l.Debug("x") }, false},
		{INFO, func(l *Logger) { l.Info("x") }, true},
		{WARN, func(l *Logger) { l.Info("x") }, false},
		{WARN, func(l *Logger) { l.Error("x") }, true},
		{DEBUG, func(l *Logger) { l.Trace("x") }, false},
		{TRACE, func(l *Logger) { l.Trace("x") }, true},
	}

	for _, tt := range tests {
		logger, buf := newTestLogger("t")
		logger.SetLevel(tt.level)
		tt.emit(logger)
		assert.Equal(t, tt.want, buf.Len() > 0, "level %s", tt.level)
	}
}

func TestLoggerJSON(t *testing.T) {
	logger, buf := newTestLogger("grid")
	logger.SetFormat(FormatJSON)
	logger.WithFields(Fields{"droplet": "a", "tick": 3}).Warn("vision mismatch")

	var entry JSONLogEntry
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "WARN", entry.Level)
	assert.Equal(t, "grid", entry.Logger)
	assert.Equal(t, "vision mismatch", entry.Message)
	assert.Equal(t, "a", entry.Fields["droplet"])
	assert.Equal(t, 3.0, entry.Fields["tick"])
}

func TestLoggerTextFieldsSorted(t *testing.T) {
	logger, buf := newTestLogger("t")
	logger.WithFields(Fields{"z": 1, "a": 2}).Info("m")
	assert.Contains(t, buf.String(), "m {a=2, z=1}")
}

func TestLoggerWithError(t *testing.T) {
	logger, buf := newTestLogger("t")
	logger.WithError(errors.New("boom")).Error("failed")
	assert.Contains(t, buf.String(), "error=boom")

	buf.Reset()
	logger.WithError(nil).Error("failed")
	assert.Contains(t, buf.String(), "error=<nil>")
}

func TestNamedSharesSink(t *testing.T) {
	parent, buf := newTestLogger("biochip")
	child := parent.Named("program")

	parent.SetLevel(ERROR)
	child.Info("hidden")
	assert.Zero(t, buf.Len())

	child.Error("shown")
	assert.Contains(t, buf.String(), "program: shown")
	assert.Equal(t, "program", child.Prefix())
}

func TestWithPersistentFields(t *testing.T) {
	logger, buf := newTestLogger("grid")
	run := logger.With(Fields{"run": "01J"})
	run.WithField("droplet", "b").Info("moved")

	out := buf.String()
	assert.Contains(t, out, "run=01J")
	assert.Contains(t, out, "droplet=b")

	buf.Reset()
	logger.Info("plain")
	assert.NotContains(t, buf.String(), "run=")
}

func TestLoggerCaller(t *testing.T) {
	logger, buf := newTestLogger("t")
	logger.SetCaller(true)
	logger.Info("where")
	assert.Contains(t, buf.String(), "logger_test.go:")

	buf.Reset()
	logger.WithField("k", 1).Info("where")
	assert.Contains(t, buf.String(), "logger_test.go:")
}

func TestConcurrentChildrenDoNotInterleave(t *testing.T) {
	parent, buf := newTestLogger("p")
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			l := parent.Named(name)
			for j := 0; j < 50; j++ {
				l.Info("line")
			}
		}(string(rune('a' + i)))
	}
	wg.Wait()

	lines := strings.Split(strings.TrimSuffix(buf.String(), "\n"), "\n")
	assert.Len(t, lines, 400)
	for _, line := range lines {
		assert.True(t, strings.HasSuffix(line, ": line"), line)
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]LogLevel{
		"trace":   TRACE,
		"DEBUG":   DEBUG,
		"info":    INFO,
		"warning": WARN,
		"Error":   ERROR,
		"bogus":   INFO,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLevel(in), in)
	}
}

func TestLogLevelString(t *testing.T) {
	assert.Equal(t, "TRACE", TRACE.String())
	assert.Equal(t, "ERROR", ERROR.String())
	assert.Equal(t, "UNKNOWN", LogLevel(42).String())
}

func TestDiscard(t *testing.T) {
	l := Discard()
	assert.False(t, l.Enabled(ERROR))
	l.Error("nothing")
}

func TestConfigureFromEnv(t *testing.T) {
	t.Setenv("BIOCHIP_LOG_LEVEL", "debug")
	t.Setenv("BIOCHIP_LOG_FORMAT", "json")
	t.Setenv("NO_COLOR", "1")

	logger, buf := newTestLogger("env")
	ConfigureFromEnv(logger)
	logger.Debug("visible")

	assert.Equal(t, DEBUG, logger.GetLevel())
	assert.True(t, json.Valid(bytes.TrimSpace(buf.Bytes())))
}

func TestGetLogger(t *testing.T) {
	parent, buf := newTestLogger("root")
	SetDefaultLogger(parent)
	t.Cleanup(func() { SetDefaultLogger(New("biochip")) })

	GetLogger("serial").Info("opened")
	assert.Contains(t, buf.String(), "serial: opened")
	assert.Same(t, parent, GetLogger(""))
}

func BenchmarkLoggerText(b *testing.B) {
	logger, _ := newTestLogger("bench")
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		logger.Info("tick %d", i)
	}
}

func BenchmarkLoggerFiltered(b *testing.B) {
	logger, _ := newTestLogger("bench")
	logger.SetLevel(ERROR)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		logger.Debug("tick %d", i)
	}
}
