package main

import (
	"bufio"
	"bytes"
	"context"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"biochip-go/pkg/errors"
	"biochip-go/pkg/program"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// echoDevice accepts one connection and echoes every frame back, the
// way the controller acknowledges commands.
type echoDevice struct {
	mu       sync.Mutex
	received []string
}

func startEchoDevice(t *testing.T, socket string) *echoDevice {
	t.Helper()
	ln, err := net.Listen("unix", socket)
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	d := &echoDevice{}
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		sc := bufio.NewScanner(conn)
		for sc.Scan() {
			cmd := strings.TrimRight(sc.Text(), "\r")
			d.mu.Lock()
			d.received = append(d.received, cmd)
			d.mu.Unlock()
			reply := cmd
			if cmd == "VER" {
				reply = "V2.1"
			}
			if _, err := conn.Write([]byte(reply + "\r\n")); err != nil {
				return
			}
		}
	}()
	return d
}

func (d *echoDevice) commands() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.received...)
}

func TestRunCheckOnly(t *testing.T) {
	dir := t.TempDir()
	cfg := writeFile(t, dir, "host.yaml", "serial:\n  socket: /nonexistent.sock\ngrid:\n  max_x: 4\n  max_y: 4\n")
	prog := writeFile(t, dir, "prog.txt", "NEW A 0 0\nMOVE A 3 3\n")

	var diag bytes.Buffer
	err := run(context.Background(), options{configFile: cfg, programFile: prog, check: true}, &diag)
	require.NoError(t, err)
	assert.Empty(t, diag.String())
}

func TestRunRejectsBadProgram(t *testing.T) {
	dir := t.TempDir()
	cfg := writeFile(t, dir, "host.yaml", "serial:\n  socket: /nonexistent.sock\ngrid:\n  max_x: 4\n  max_y: 4\n")
	prog := writeFile(t, dir, "prog.txt", "NEW A 0 0\nMOVE B 1 1\nNEW C 9 9\n")

	var diag bytes.Buffer
	err := run(context.Background(), options{configFile: cfg, programFile: prog}, &diag)
	require.Error(t, err)

	var ce *program.CompileError
	require.ErrorAs(t, err, &ce)
	assert.Len(t, ce.Diagnostics, 2)
	assert.Contains(t, err.Error(), "there were 2 errors in the instruction set")
}

func TestRunForcedCheckListsSkippedLines(t *testing.T) {
	dir := t.TempDir()
	cfg := writeFile(t, dir, "host.yaml", "serial:\n  socket: /nonexistent.sock\n")
	prog := writeFile(t, dir, "prog.txt", "NEW A 0 0\nMIX A\n")

	var diag bytes.Buffer
	err := run(context.Background(), options{configFile: cfg, programFile: prog, force: true, check: true}, &diag)
	require.NoError(t, err)
	assert.Contains(t, diag.String(), "Skipping 1 lines with errors")
	assert.Contains(t, diag.String(), "Line 2: 'MIX A'")
}

func TestRunMissingProgram(t *testing.T) {
	dir := t.TempDir()
	cfg := writeFile(t, dir, "host.yaml", "serial:\n  socket: /nonexistent.sock\n")

	err := run(context.Background(), options{configFile: cfg, programFile: filepath.Join(dir, "missing.txt")}, &bytes.Buffer{})
	require.Error(t, err)
	assert.True(t, errors.IsIO(err))
}

func TestRunBadConfig(t *testing.T) {
	dir := t.TempDir()
	cfg := writeFile(t, dir, "host.yaml", "grid:\n  max_x: 4\n")
	prog := writeFile(t, dir, "prog.txt", "NEW A 0 0\n")

	err := run(context.Background(), options{configFile: cfg, programFile: prog}, &bytes.Buffer{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "device")
}

func TestRunAgainstDevice(t *testing.T) {
	dir := t.TempDir()
	socket := filepath.Join(dir, "dev.sock")
	dev := startEchoDevice(t, socket)

	cfg := writeFile(t, dir, "host.yaml", `serial:
  socket: `+socket+`
  startup_delay: 0
grid:
  max_x: 4
  max_y: 4
  settle_time: 0
  clear_on_finish: true
`)
	prog := writeFile(t, dir, "prog.txt", "NEW A 0 0\nMOVE A 2 0\n")

	err := run(context.Background(), options{configFile: cfg, programFile: prog, versionCheck: true}, &bytes.Buffer{})
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return len(dev.commands()) == 6 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"VER", "C00", "S10", "C10", "S20", "CAP"}, dev.commands())
}

func TestRunLeavesPlatesByDefault(t *testing.T) {
	dir := t.TempDir()
	socket := filepath.Join(dir, "dev.sock")
	dev := startEchoDevice(t, socket)

	cfg := writeFile(t, dir, "host.yaml", "serial:\n  socket: "+socket+"\n  startup_delay: 0\ngrid:\n  max_x: 4\n  max_y: 4\n  settle_time: 0\n")
	prog := writeFile(t, dir, "prog.txt", "NEW A 0 0\nMOVE A 1 0\n")

	require.NoError(t, run(context.Background(), options{configFile: cfg, programFile: prog}, &bytes.Buffer{}))

	assert.Eventually(t, func() bool { return len(dev.commands()) == 2 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, []string{"C00", "S10"}, dev.commands())
}
