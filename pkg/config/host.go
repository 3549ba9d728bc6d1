package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Default server addresses used when a [monitor] or [metrics] section is
// present without an addr option.
const (
	DefaultMonitorAddr = ":7130"
	DefaultMetricsAddr = ":9110"
)

// maxGridSide bounds each grid dimension. Plate commands encode each
// coordinate as a single decimal digit.
const maxGridSide = 10

// Seconds is a duration written in config files as a number of seconds.
type Seconds float64

// Duration converts s to a time.Duration.
func (s Seconds) Duration() time.Duration {
	return time.Duration(float64(s) * float64(time.Second))
}

// SerialConfig describes the actuation link.
type SerialConfig struct {
	// Device is the serial device path. Ignored when Socket is set.
	Device string `yaml:"device"`
	// Socket is a Unix socket path of a device simulator.
	Socket         string  `yaml:"socket"`
	Baud           int     `yaml:"baud"`
	StartupDelay   Seconds `yaml:"startup_delay"`
	PendingTimeout Seconds `yaml:"pending_timeout"`
}

// GridConfig describes the electrode grid and step pacing.
type GridConfig struct {
	MaxX          int     `yaml:"max_x"`
	MaxY          int     `yaml:"max_y"`
	SettleTime    Seconds `yaml:"settle_time"`
	ClearOnFinish bool    `yaml:"clear_on_finish"`
}

// ServerConfig describes an optional HTTP listener. An empty Addr
// disables the server.
type ServerConfig struct {
	Addr     string `yaml:"addr"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// HostConfig is the complete typed host configuration.
type HostConfig struct {
	Serial  SerialConfig `yaml:"serial"`
	Grid    GridConfig   `yaml:"grid"`
	Monitor ServerConfig `yaml:"monitor"`
	Metrics ServerConfig `yaml:"metrics"`
}

// DefaultHostConfig returns the defaults of the reference hardware: an
// 8x9 grid on a 9600 baud link that needs two seconds after opening.
func DefaultHostConfig() HostConfig {
	return HostConfig{
		Serial: SerialConfig{
			Baud:           9600,
			StartupDelay:   2,
			PendingTimeout: 30,
		},
		Grid: GridConfig{
			MaxX:          8,
			MaxY:          9,
			SettleTime:    1,
			ClearOnFinish: false,
		},
	}
}

// LoadHost reads a host config file. Files ending in .yaml or .yml are
// parsed as YAML, anything else as INI.
func LoadHost(path string) (HostConfig, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err := os.ReadFile(path)
		if err != nil {
			return HostConfig{}, fmt.Errorf("config: unable to open %s: %w", path, err)
		}
		return ParseHostYAML(data)
	default:
		c, err := Load(path)
		if err != nil {
			return HostConfig{}, err
		}
		return FromConfig(c)
	}
}

// ParseHostYAML parses a YAML host config. Absent keys keep their defaults
// and unknown keys are rejected.
func ParseHostYAML(data []byte) (HostConfig, error) {
	hc := DefaultHostConfig()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&hc); err != nil && !errors.Is(err, io.EOF) {
		return HostConfig{}, WrapError("", "", fmt.Errorf("config: yaml: %w", err))
	}
	if err := hc.Validate(); err != nil {
		return HostConfig{}, err
	}
	return hc, nil
}

// FromConfig builds a HostConfig from a parsed INI file. Every option
// in the file must be consumed.
func FromConfig(c *Config) (HostConfig, error) {
	hc := DefaultHostConfig()
	var err error

	serial := c.GetSectionOptional("serial")
	if hc.Serial.Device, err = serial.Get("device", ""); err != nil {
		return HostConfig{}, err
	}
	if hc.Serial.Socket, err = serial.Get("socket", ""); err != nil {
		return HostConfig{}, err
	}
	if hc.Serial.Baud, err = serial.GetIntMin("baud", 1, hc.Serial.Baud); err != nil {
		return HostConfig{}, err
	}
	if err := readSeconds(serial, "startup_delay", &hc.Serial.StartupDelay); err != nil {
		return HostConfig{}, err
	}
	if err := readSeconds(serial, "pending_timeout", &hc.Serial.PendingTimeout); err != nil {
		return HostConfig{}, err
	}

	grid := c.GetSectionOptional("grid")
	if hc.Grid.MaxX, err = grid.GetIntMin("max_x", 1, hc.Grid.MaxX); err != nil {
		return HostConfig{}, err
	}
	if hc.Grid.MaxY, err = grid.GetIntMin("max_y", 1, hc.Grid.MaxY); err != nil {
		return HostConfig{}, err
	}
	if err := readSeconds(grid, "settle_time", &hc.Grid.SettleTime); err != nil {
		return HostConfig{}, err
	}
	if hc.Grid.ClearOnFinish, err = grid.GetBool("clear_on_finish", hc.Grid.ClearOnFinish); err != nil {
		return HostConfig{}, err
	}

	if c.HasSection("monitor") {
		if hc.Monitor, err = readServer(c.GetSectionOptional("monitor"), DefaultMonitorAddr); err != nil {
			return HostConfig{}, err
		}
	}
	if c.HasSection("metrics") {
		if hc.Metrics, err = readServer(c.GetSectionOptional("metrics"), DefaultMetricsAddr); err != nil {
			return HostConfig{}, err
		}
	}

	if err := c.CheckUnused(); err != nil {
		return HostConfig{}, err
	}
	if err := hc.Validate(); err != nil {
		return HostConfig{}, err
	}
	return hc, nil
}

func readSeconds(s *Section, option string, dst *Seconds) error {
	d, err := s.GetSeconds(option, dst.Duration())
	if err != nil {
		return err
	}
	*dst = Seconds(d.Seconds())
	return nil
}

func readServer(s *Section, defaultAddr string) (ServerConfig, error) {
	var sc ServerConfig
	var err error
	if sc.Addr, err = s.Get("addr", defaultAddr); err != nil {
		return sc, err
	}
	if sc.Username, err = s.Get("username", ""); err != nil {
		return sc, err
	}
	if sc.Password, err = s.Get("password", ""); err != nil {
		return sc, err
	}
	return sc, nil
}

// Validate checks cross-field constraints.
func (hc HostConfig) Validate() error {
	if hc.Serial.Device == "" && hc.Serial.Socket == "" {
		return ErrMissingOption("serial", "device")
	}
	if hc.Serial.Baud <= 0 {
		return ErrOutOfRange("serial", "baud", float64(hc.Serial.Baud), "must be positive")
	}
	if hc.Serial.StartupDelay < 0 {
		return ErrOutOfRange("serial", "startup_delay", float64(hc.Serial.StartupDelay), "must not be negative")
	}
	if hc.Serial.PendingTimeout < 0 {
		return ErrOutOfRange("serial", "pending_timeout", float64(hc.Serial.PendingTimeout), "must not be negative")
	}
	if hc.Grid.MaxX <= 0 || hc.Grid.MaxX > maxGridSide {
		return ErrOutOfRange("grid", "max_x", float64(hc.Grid.MaxX), fmt.Sprintf("must be between 1 and %d", maxGridSide))
	}
	if hc.Grid.MaxY <= 0 || hc.Grid.MaxY > maxGridSide {
		return ErrOutOfRange("grid", "max_y", float64(hc.Grid.MaxY), fmt.Sprintf("must be between 1 and %d", maxGridSide))
	}
	if hc.Grid.SettleTime < 0 {
		return ErrOutOfRange("grid", "settle_time", float64(hc.Grid.SettleTime), "must not be negative")
	}
	return nil
}
