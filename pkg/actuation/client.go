// Package actuation drives the electrode controller over its serial link.
//
// Every command is recorded as pending before it is written. The device
// echoes each command it executes; PollReplies reconciles those echoes
// against the pending queue. Echoes are matched by text, oldest first, so
// two identical commands in flight are acknowledged in send order.
package actuation

import (
	stderrors "errors"
	"fmt"
	"io"
	"sync"
	"time"

	"biochip-go/pkg/errors"
	"biochip-go/pkg/log"
	"biochip-go/pkg/metrics"
	"biochip-go/pkg/motion"
	"biochip-go/pkg/protocol"
	"biochip-go/pkg/serial"
)

// DefaultPollTimeout bounds how long PollReplies waits for the first byte.
const DefaultPollTimeout = 10 * time.Millisecond

// maxReadsPerPoll stops a chatty device from pinning PollReplies.
const maxReadsPerPoll = 64

// ErrClosed is returned by operations on a closed client.
var ErrClosed = stderrors.New("actuation: client closed")

// Link is the byte stream to the device. *serial.Port implements it.
// Read must return serial.ErrTimeout (or zero bytes) when nothing
// arrived within the read timeout.
type Link interface {
	io.ReadWriteCloser
	SetReadTimeout(d time.Duration)
}

type pendingCommand struct {
	seq    uint64
	text   string
	sentAt time.Time
}

// PendingCommand is a snapshot of one unacknowledged command.
type PendingCommand struct {
	Text string        `json:"text"`
	Age  time.Duration `json:"age"`
}

// Replies summarises one PollReplies call.
type Replies struct {
	// Acked are the commands acknowledged by an echo.
	Acked []string
	// Versions are the version replies received, in order.
	Versions []string
	// Unexpected are frames that matched no pending command.
	Unexpected []string
	// Stale are pending commands evicted for exceeding the pending timeout.
	Stale []string
}

// Problems returns a protocol error per unexpected frame and stale command.
func (r Replies) Problems() []error {
	var errs []error
	for _, f := range r.Unexpected {
		errs = append(errs, errors.UnexpectedReplyError(f))
	}
	for _, c := range r.Stale {
		errs = append(errs, errors.StaleCommandError(c, "pending timeout"))
	}
	return errs
}

// Client owns the link to one device.
type Client struct {
	mu      sync.Mutex
	link    Link
	bounds  motion.Bounds
	decoder protocol.Decoder
	pending []pendingCommand
	seq     uint64
	version string
	// versionSeq counts version replies so Handshake can wait for a new one.
	versionSeq uint64
	closed     bool
	readBuf    []byte

	pendingTimeout time.Duration
	pollTimeout    time.Duration
	now            func() time.Time
	log            *log.Logger
	metrics        *metrics.HostMetrics
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger. Wire traffic is logged at TRACE.
func WithLogger(l *log.Logger) Option {
	return func(c *Client) { c.log = l }
}

// WithMetrics sets the collectors updated by the client.
func WithMetrics(m *metrics.HostMetrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithPendingTimeout evicts pending commands older than d on each poll.
// Zero keeps them until acknowledged.
func WithPendingTimeout(d time.Duration) Option {
	return func(c *Client) { c.pendingTimeout = d }
}

// WithPollTimeout sets how long a poll waits for the first byte.
func WithPollTimeout(d time.Duration) Option {
	return func(c *Client) { c.pollTimeout = d }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// New wraps an open link. The client owns the link from here on; Close
// releases it.
func New(link Link, bounds motion.Bounds, opts ...Option) *Client {
	c := &Client{
		link:        link,
		bounds:      bounds,
		readBuf:     make([]byte, 256),
		pollTimeout: DefaultPollTimeout,
		now:         time.Now,
		log:         log.GetLogger("actuation"),
		metrics:     metrics.Global(),
	}
	for _, opt := range opts {
		opt(c)
	}
	link.SetReadTimeout(c.pollTimeout)
	return c
}

// Config selects and configures the link opened by Open.
type Config struct {
	// Device is a serial device path. Ignored when Socket is set.
	Device string
	// Socket is the Unix socket of a device simulator.
	Socket         string
	BaudRate       int
	StartupDelay   time.Duration
	PendingTimeout time.Duration
	Bounds         motion.Bounds
}

// Open opens the configured link and wraps it in a Client.
func Open(cfg Config, opts ...Option) (*Client, error) {
	var (
		port *serial.Port
		err  error
	)
	if cfg.Socket != "" {
		port, err = serial.OpenSocket(cfg.Socket, 10*time.Second)
	} else {
		sc := serial.DefaultConfig()
		sc.Device = cfg.Device
		if cfg.BaudRate > 0 {
			sc.BaudRate = cfg.BaudRate
		}
		sc.StartupDelay = cfg.StartupDelay
		port, err = serial.Open(sc)
	}
	if err != nil {
		return nil, errors.IOError(err, "open actuation link")
	}

	opts = append([]Option{WithPendingTimeout(cfg.PendingTimeout)}, opts...)
	c := New(port, cfg.Bounds, opts...)
	c.log.Info("link open on %s (grid %s)", port.Device(), cfg.Bounds)
	return c, nil
}

// Close releases the link. Calling Close more than once is a no-op.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if n := len(c.pending); n > 0 {
		c.log.WithField("pending", n).Warn("closing link with unacknowledged commands")
	}
	return c.link.Close()
}

// Grid returns the grid size commands are checked against.
func (c *Client) Grid() motion.Bounds {
	return c.bounds
}

// SetPlate energizes the plate at (x, y).
func (c *Client) SetPlate(x, y int) error {
	if err := c.bounds.Check(motion.Pos(x, y)); err != nil {
		return err
	}
	return c.send(protocol.SetPlate(x, y))
}

// ClearPlate de-energizes the plate at (x, y).
func (c *Client) ClearPlate(x, y int) error {
	if err := c.bounds.Check(motion.Pos(x, y)); err != nil {
		return err
	}
	return c.send(protocol.ClearPlate(x, y))
}

// ClearAllPlates de-energizes every plate.
func (c *Client) ClearAllPlates() error {
	return c.send(protocol.ClearAll())
}

// RequestVersion asks the device for its firmware version. The reply is
// picked up by PollReplies.
func (c *Client) RequestVersion() error {
	return c.send(protocol.Version())
}

// send queues cmd as pending, then writes it. If the write fails the
// command stays pending since the device may have seen part of it.
func (c *Client) send(cmd string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}

	c.seq++
	c.pending = append(c.pending, pendingCommand{seq: c.seq, text: cmd, sentAt: c.now()})
	c.metrics.PendingCommands.Set(float64(len(c.pending)))

	c.log.Trace("-> %s", cmd)
	if _, err := c.link.Write(protocol.Encode(cmd)); err != nil {
		return errors.IOError(err, fmt.Sprintf("write %s", cmd))
	}
	c.metrics.RecordCommand(protocol.Opcode(cmd))
	return nil
}

// PollReplies reads whatever the device has sent and reconciles it with
// the pending queue. Unexpected frames and stale commands are logged and
// reported in the result; only a failing link returns an error.
func (c *Client) PollReplies() (Replies, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return Replies{}, ErrClosed
	}

	var replies Replies
	var readErr error
	for i := 0; i < maxReadsPerPoll; i++ {
		n, err := c.link.Read(c.readBuf)
		if n > 0 {
			for _, frame := range c.decoder.Feed(c.readBuf[:n]) {
				c.handleFrame(frame, &replies)
			}
		}
		if err != nil {
			if !stderrors.Is(err, serial.ErrTimeout) {
				readErr = errors.IOError(err, "read actuation link")
			}
			break
		}
		if n == 0 {
			break
		}
	}

	c.evictStale(&replies)
	c.metrics.PendingCommands.Set(float64(len(c.pending)))
	return replies, readErr
}

func (c *Client) handleFrame(frame string, r *Replies) {
	c.log.Trace("<- %s", frame)

	if protocol.IsVersionReply(frame) {
		c.version = frame
		c.versionSeq++
		r.Versions = append(r.Versions, frame)
		c.metrics.VersionReplies.Inc()
		if i := c.findPending(protocol.Version()); i >= 0 {
			c.ack(i, r)
		}
		return
	}

	if i := c.findPending(frame); i >= 0 {
		c.ack(i, r)
		return
	}

	r.Unexpected = append(r.Unexpected, frame)
	c.metrics.UnexpectedReplies.Inc()
	c.log.WithError(errors.UnexpectedReplyError(frame)).
		WithField("pending", len(c.pending)).
		Warn("reply matched no pending command")
}

// findPending returns the index of the oldest pending command equal to text.
func (c *Client) findPending(text string) int {
	for i, p := range c.pending {
		if p.text == text {
			return i
		}
	}
	return -1
}

func (c *Client) ack(i int, r *Replies) {
	p := c.pending[i]
	c.pending = append(c.pending[:i], c.pending[i+1:]...)
	r.Acked = append(r.Acked, p.text)
	c.metrics.RecordAck(c.now().Sub(p.sentAt))
}

func (c *Client) evictStale(r *Replies) {
	if c.pendingTimeout <= 0 {
		return
	}
	now := c.now()
	kept := c.pending[:0]
	for _, p := range c.pending {
		age := now.Sub(p.sentAt)
		if age <= c.pendingTimeout {
			kept = append(kept, p)
			continue
		}
		r.Stale = append(r.Stale, p.text)
		c.metrics.StaleCommands.Inc()
		c.log.WithError(errors.StaleCommandError(p.text, age.Round(time.Millisecond).String())).
			Warn("evicting unacknowledged command")
	}
	c.pending = kept
}

// Pending returns the unacknowledged commands, oldest first.
func (c *Client) Pending() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.pending))
	for i, p := range c.pending {
		out[i] = p.text
	}
	return out
}

// PendingDetail returns the unacknowledged commands with their ages.
func (c *Client) PendingDetail() []PendingCommand {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	out := make([]PendingCommand, len(c.pending))
	for i, p := range c.pending {
		out[i] = PendingCommand{Text: p.text, Age: now.Sub(p.sentAt)}
	}
	return out
}

// Version returns the last version reply, or "" if none arrived yet.
func (c *Client) Version() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.version
}
