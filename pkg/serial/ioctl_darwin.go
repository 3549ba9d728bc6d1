//go:build darwin

package serial

import "golang.org/x/sys/unix"

// termios ioctl requests on macOS
const (
	ioctlGetTermios = unix.TIOCGETA
	ioctlSetTermios = unix.TIOCSETA
	ioctlTCFlush    = unix.TIOCFLUSH
)
