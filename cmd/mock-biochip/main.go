// mock-biochip simulates the electrode controller on a Unix socket so the
// host can run without hardware. It echoes every executed command and
// answers VER with its version string.
//
// Usage:
//
//	mock-biochip -socket /tmp/biochip [-version V1.0] [-drop n] [-trace]
package main

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"biochip-go/pkg/log"
	"biochip-go/pkg/motion"
	"biochip-go/pkg/protocol"
)

func main() {
	socketPath := flag.String("socket", "/tmp/biochip", "Unix socket path")
	version := flag.String("version", "V1.0 mock-biochip", "Version reply (must start with V)")
	drop := flag.Int("drop", 0, "Drop the echo of every n-th command (0 never)")
	maxX := flag.Int("max-x", 8, "Grid width")
	maxY := flag.Int("max-y", 9, "Grid height")
	trace := flag.Bool("trace", false, "Log every frame")
	flag.Parse()

	logger := log.GetLogger("mock-biochip")
	if *trace {
		logger.SetLevel(log.TRACE)
	}

	if !protocol.IsVersionReply(*version) {
		fmt.Fprintf(os.Stderr, "Error: -version must start with 'V'\n")
		os.Exit(1)
	}
	bounds, err := motion.NewBounds(*maxX, *maxY)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	os.Remove(*socketPath)
	listener, err := net.Listen("unix", *socketPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating socket: %v\n", err)
		os.Exit(1)
	}
	defer listener.Close()
	defer os.Remove(*socketPath)

	logger.Info("listening on %s (grid %s)", *socketPath, bounds)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	connCh := make(chan net.Conn, 1)
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			connCh <- conn
		}
	}()

	for {
		select {
		case <-sigCh:
			logger.Info("shutting down")
			return
		case conn := <-connCh:
			logger.Info("host connected")
			dev := newDevice(bounds, *version, *drop)
			go handleConnection(conn, dev, logger)
		}
	}
}

func handleConnection(conn net.Conn, dev *device, logger *log.Logger) {
	defer conn.Close()

	var dec protocol.Decoder
	buf := make([]byte, 256)
	for {
		conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		n, err := conn.Read(buf)
		for _, cmd := range dec.Feed(buf[:n]) {
			logger.Trace("<- %s", cmd)
			reply, ok := dev.handle(cmd)
			if !ok {
				logger.Debug("dropping echo of %s", cmd)
				continue
			}
			logger.Trace("-> %s", reply)
			if _, err := conn.Write(protocol.Encode(reply)); err != nil {
				logger.WithError(err).Warn("write failed")
				return
			}
			if cmd != protocol.Version() && logger.Enabled(log.TRACE) {
				logger.Trace("grid:\n%s", dev.render())
			}
		}
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			logger.WithError(err).Info("host disconnected")
			return
		}
	}
}
