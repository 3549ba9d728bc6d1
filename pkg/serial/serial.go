// Package serial provides the serial link to the electrode controller.
package serial

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// Common errors
var (
	ErrTimeout = errors.New("serial: operation timed out")
	ErrClosed  = errors.New("serial: port closed")
)

// Config holds serial port configuration.
type Config struct {
	// Device path (e.g., /dev/ttyACM0)
	Device string

	// Baud rate (default: 9600)
	BaudRate int

	// Read timeout for individual operations (default: 100ms)
	ReadTimeout time.Duration

	// StartupDelay is waited after opening, before any command is sent.
	// The controller resets when the port opens and ignores input meanwhile.
	StartupDelay time.Duration
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		BaudRate:     9600,
		ReadTimeout:  100 * time.Millisecond,
		StartupDelay: 2 * time.Second,
	}
}

// Port represents a serial port connection.
type Port struct {
	mu         sync.Mutex
	fd         int
	device     string
	config     Config
	closed     bool
	oldTermios *unix.Termios
	isSocket   bool // true if connected via Unix socket (device simulator)
}

// ListPorts returns a list of available serial port device paths.
func ListPorts() ([]string, error) {
	var patterns []string
	switch runtime.GOOS {
	case "linux":
		patterns = []string{
			"/dev/ttyACM*",
			"/dev/ttyUSB*",
			"/dev/serial/by-id/*",
		}
	case "darwin":
		patterns = []string{
			"/dev/cu.usbmodem*",
			"/dev/cu.usbserial*",
		}
	default:
		return nil, fmt.Errorf("serial: unsupported platform %s", runtime.GOOS)
	}

	seen := make(map[string]struct{})
	var ports []string
	for _, pattern := range patterns {
		matches, err := filepath.Glob(pattern)
		if err != nil {
			continue
		}
		for _, m := range matches {
			resolved, err := filepath.EvalSymlinks(m)
			if err != nil {
				resolved = m
			}
			if _, ok := seen[resolved]; ok {
				continue
			}
			seen[resolved] = struct{}{}
			ports = append(ports, resolved)
		}
	}

	sort.Strings(ports)
	return ports, nil
}

// Open opens a serial port with the given configuration, 8N1 raw mode.
func Open(cfg Config) (*Port, error) {
	if cfg.Device == "" {
		return nil, errors.New("serial: device path required")
	}
	if cfg.BaudRate == 0 {
		cfg.BaudRate = 9600
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 100 * time.Millisecond
	}

	device, err := ResolveDevice(cfg.Device)
	if err != nil {
		return nil, err
	}

	fd, err := unix.Open(device, unix.O_RDWR|unix.O_NOCTTY|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, fmt.Errorf("serial: open %s: %w", device, err)
	}

	oldTermios, err := unix.IoctlGetTermios(fd, ioctlGetTermios)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("serial: get termios: %w", err)
	}

	termios := *oldTermios

	// Input flags - disable all input processing
	termios.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP |
		unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON | unix.IXOFF | unix.IXANY

	// Output flags - disable all output processing, CR LF is sent verbatim
	termios.Oflag &^= unix.OPOST

	// Control flags - 8N1
	termios.Cflag &^= unix.CSIZE | unix.PARENB | unix.PARODD | unix.CSTOPB
	termios.Cflag |= unix.CS8 | unix.CREAD | unix.CLOCAL

	// Local flags - raw mode
	termios.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN

	speed, err := baudRateToSpeed(cfg.BaudRate)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	setSpeed(&termios, speed)

	termios.Cc[unix.VMIN] = 0
	termios.Cc[unix.VTIME] = 1

	if err := unix.IoctlSetTermios(fd, ioctlSetTermios, &termios); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("serial: set termios: %w", err)
	}

	if err := unix.SetNonblock(fd, false); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("serial: set blocking: %w", err)
	}

	port := &Port{
		fd:         fd,
		device:     device,
		config:     cfg,
		oldTermios: oldTermios,
	}

	if cfg.StartupDelay > 0 {
		time.Sleep(cfg.StartupDelay)
	}

	return port, nil
}

// OpenSocket connects to a Unix socket at the given path.
// This is used to talk to the device simulator (mock-biochip).
func OpenSocket(socketPath string, timeout time.Duration) (*Port, error) {
	if socketPath == "" {
		return nil, errors.New("serial: socket path required")
	}
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, fmt.Errorf("serial: create socket: %w", err)
	}

	addr := &unix.SockaddrUnix{Name: socketPath}

	// The simulator may still be starting; retry until the deadline.
	deadline := time.Now().Add(timeout)
	var connectErr error
	for time.Now().Before(deadline) {
		connectErr = unix.Connect(fd, addr)
		if connectErr == nil {
			break
		}
		if errors.Is(connectErr, unix.ENOENT) || errors.Is(connectErr, unix.ECONNREFUSED) {
			time.Sleep(100 * time.Millisecond)
			continue
		}
		unix.Close(fd)
		return nil, fmt.Errorf("serial: connect to %s: %w", socketPath, connectErr)
	}
	if connectErr != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("serial: connect timeout to %s: %w", socketPath, connectErr)
	}

	return &Port{
		fd:       fd,
		device:   socketPath,
		config:   Config{ReadTimeout: 100 * time.Millisecond},
		isSocket: true,
	}, nil
}

// IsSocket returns true if this port is connected via Unix socket.
func (p *Port) IsSocket() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.isSocket
}

// Read reads up to len(buf) bytes from the port, waiting at most the read
// timeout. ErrTimeout is returned when nothing arrived.
func (p *Port) Read(buf []byte) (int, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, ErrClosed
	}
	fd := p.fd
	timeout := p.config.ReadTimeout
	p.mu.Unlock()

	pfd := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	n, err := unix.Poll(pfd, int(timeout.Milliseconds()))
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return 0, nil
		}
		return 0, fmt.Errorf("serial: poll: %w", err)
	}
	if n == 0 {
		return 0, ErrTimeout
	}

	if pfd[0].Revents&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0 {
		return 0, io.EOF
	}

	n, err = unix.Read(fd, buf)
	if err != nil {
		return 0, fmt.Errorf("serial: read: %w", err)
	}
	return n, nil
}

// Write writes buf to the port.
func (p *Port) Write(buf []byte) (int, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, ErrClosed
	}
	fd := p.fd
	p.mu.Unlock()

	written := 0
	for written < len(buf) {
		n, err := unix.Write(fd, buf[written:])
		if err != nil {
			if errors.Is(err, unix.EINTR) || errors.Is(err, unix.EAGAIN) {
				continue
			}
			return written, fmt.Errorf("serial: write: %w", err)
		}
		written += n
	}
	return written, nil
}

// Close closes the serial port or socket. Calling Close more than once is a no-op.
func (p *Port) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true

	if p.oldTermios != nil && !p.isSocket {
		_ = unix.IoctlSetTermios(p.fd, ioctlSetTermios, p.oldTermios)
	}

	return unix.Close(p.fd)
}

// Device returns the device path.
func (p *Port) Device() string {
	return p.device
}

// SetReadTimeout sets the read timeout.
func (p *Port) SetReadTimeout(d time.Duration) {
	p.mu.Lock()
	p.config.ReadTimeout = d
	p.mu.Unlock()
}

// Flush discards any data in the input and output buffers.
func (p *Port) Flush() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	fd := p.fd
	socket := p.isSocket
	p.mu.Unlock()

	if socket {
		return nil
	}
	return unix.IoctlSetInt(fd, ioctlTCFlush, unix.TCIOFLUSH)
}

// baudRateToSpeed converts a baud rate to a termios speed constant.
// The controller firmware runs at standard rates only.
func baudRateToSpeed(baud int) (uint32, error) {
	speeds := map[int]uint32{
		1200:   unix.B1200,
		2400:   unix.B2400,
		4800:   unix.B4800,
		9600:   unix.B9600,
		19200:  unix.B19200,
		38400:  unix.B38400,
		57600:  unix.B57600,
		115200: unix.B115200,
		230400: unix.B230400,
	}
	if speed, ok := speeds[baud]; ok {
		return speed, nil
	}
	return 0, fmt.Errorf("serial: unsupported baud rate %d", baud)
}

// IsDeviceAvailable checks if a device path exists and is a character device.
func IsDeviceAvailable(device string) bool {
	info, err := os.Stat(device)
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}

// ResolveDevice resolves a device path, following by-id and by-path symlinks.
func ResolveDevice(device string) (string, error) {
	if strings.HasPrefix(device, "/dev/serial/") {
		resolved, err := filepath.EvalSymlinks(device)
		if err != nil {
			return "", fmt.Errorf("serial: resolve %s: %w", device, err)
		}
		return resolved, nil
	}
	return device, nil
}
