package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromConfigDefaults(t *testing.T) {
	cfg, err := LoadString("[serial]\ndevice: /dev/ttyACM0\n")
	require.NoError(t, err)

	hc, err := FromConfig(cfg)
	require.NoError(t, err)

	assert.Equal(t, "/dev/ttyACM0", hc.Serial.Device)
	assert.Equal(t, 9600, hc.Serial.Baud)
	assert.Equal(t, 2*time.Second, hc.Serial.StartupDelay.Duration())
	assert.Equal(t, 30*time.Second, hc.Serial.PendingTimeout.Duration())
	assert.Equal(t, 8, hc.Grid.MaxX)
	assert.Equal(t, 9, hc.Grid.MaxY)
	assert.Equal(t, time.Second, hc.Grid.SettleTime.Duration())
	assert.False(t, hc.Grid.ClearOnFinish)
	assert.Empty(t, hc.Monitor.Addr)
	assert.Empty(t, hc.Metrics.Addr)
}

func TestFromConfigFull(t *testing.T) {
	cfg, err := LoadString(`
[serial]
socket: /tmp/biochip.sock
baud: 19200
startup_delay: 0
pending_timeout: 0

[grid]
max_x: 4
max_y: 3
settle_time: 0.25
clear_on_finish: true

[monitor]

[metrics]
addr: 127.0.0.1:9999
username: admin
password: secret
`)
	require.NoError(t, err)

	hc, err := FromConfig(cfg)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/biochip.sock", hc.Serial.Socket)
	assert.Equal(t, 19200, hc.Serial.Baud)
	assert.Zero(t, hc.Serial.StartupDelay)
	assert.Zero(t, hc.Serial.PendingTimeout)
	assert.Equal(t, 4, hc.Grid.MaxX)
	assert.Equal(t, 3, hc.Grid.MaxY)
	assert.Equal(t, 250*time.Millisecond, hc.Grid.SettleTime.Duration())
	assert.True(t, hc.Grid.ClearOnFinish)
	assert.Equal(t, DefaultMonitorAddr, hc.Monitor.Addr)
	assert.Equal(t, ServerConfig{Addr: "127.0.0.1:9999", Username: "admin", Password: "secret"}, hc.Metrics)
}

func TestFromConfigRejects(t *testing.T) {
	tests := []struct {
		name   string
		data   string
		option string
	}{
		{"no device", "[grid]\nmax_x: 4\n", "device"},
		{"zero width", "[serial]\ndevice: d\n[grid]\nmax_x: 0\n", "max_x"},
		{"too tall", "[serial]\ndevice: d\n[grid]\nmax_y: 11\n", "max_y"},
		{"negative settle", "[serial]\ndevice: d\n[grid]\nsettle_time: -1\n", "settle_time"},
		{"bad bool", "[serial]\ndevice: d\n[grid]\nclear_on_finish: maybe\n", "clear_on_finish"},
		{"typo", "[serial]\ndevice: d\nbuad: 9600\n", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := LoadString(tt.data)
			require.NoError(t, err)
			_, err = FromConfig(cfg)
			var cerr *ConfigError
			require.True(t, errors.As(err, &cerr), "got %v", err)
			assert.Equal(t, tt.option, cerr.Option)
		})
	}
}

func TestParseHostYAML(t *testing.T) {
	hc, err := ParseHostYAML([]byte(`
serial:
  device: /dev/ttyUSB1
  pending_timeout: 5
grid:
  max_x: 6
  settle_time: 0.1
monitor:
  addr: ":7131"
`))
	require.NoError(t, err)

	assert.Equal(t, "/dev/ttyUSB1", hc.Serial.Device)
	assert.Equal(t, 9600, hc.Serial.Baud)
	assert.Equal(t, 5*time.Second, hc.Serial.PendingTimeout.Duration())
	assert.Equal(t, 6, hc.Grid.MaxX)
	assert.Equal(t, 9, hc.Grid.MaxY)
	assert.Equal(t, 100*time.Millisecond, hc.Grid.SettleTime.Duration())
	assert.Equal(t, ":7131", hc.Monitor.Addr)
}

func TestParseHostYAMLRejectsUnknownKeys(t *testing.T) {
	_, err := ParseHostYAML([]byte("serial:\n  device: d\n  speed: 1\n"))
	assert.Error(t, err)
}

func TestParseHostYAMLEmptyNeedsDevice(t *testing.T) {
	_, err := ParseHostYAML(nil)
	var cerr *ConfigError
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, "device", cerr.Option)
}

func TestLoadHostByExtension(t *testing.T) {
	dir := t.TempDir()
	ini := filepath.Join(dir, "host.cfg")
	yml := filepath.Join(dir, "host.yaml")
	require.NoError(t, os.WriteFile(ini, []byte("[serial]\ndevice: /dev/a\n"), 0o644))
	require.NoError(t, os.WriteFile(yml, []byte("serial:\n  device: /dev/b\n"), 0o644))

	hc, err := LoadHost(ini)
	require.NoError(t, err)
	assert.Equal(t, "/dev/a", hc.Serial.Device)

	hc, err = LoadHost(yml)
	require.NoError(t, err)
	assert.Equal(t, "/dev/b", hc.Serial.Device)

	_, err = LoadHost(filepath.Join(dir, "missing.yml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
