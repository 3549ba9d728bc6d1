package actuation

import (
	"context"
	stderrors "errors"
	"time"
)

const handshakePollInterval = 5 * time.Millisecond

// ErrNoVersion is returned when the device never answers a version request.
var ErrNoVersion = stderrors.New("actuation: no version reply from device")

// HandshakeConfig controls Handshake retries.
type HandshakeConfig struct {
	// Timeout bounds the whole handshake (default: 5s)
	Timeout time.Duration

	// MaxRetries is how many times VER is re-sent (default: 3)
	MaxRetries int

	// RetryDelay is the wait before the first re-send, doubled on each
	// retry (default: 500ms)
	RetryDelay time.Duration
}

// DefaultHandshakeConfig returns a HandshakeConfig with default values.
func DefaultHandshakeConfig() HandshakeConfig {
	return HandshakeConfig{
		Timeout:    5 * time.Second,
		MaxRetries: 3,
		RetryDelay: 500 * time.Millisecond,
	}
}

// Handshake sends VER and polls until a fresh version reply arrives,
// re-sending with exponential backoff. It returns the version string.
func (c *Client) Handshake(ctx context.Context, cfg HandshakeConfig) (string, error) {
	def := DefaultHandshakeConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = def.RetryDelay
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	c.mu.Lock()
	seen := c.versionSeq
	c.mu.Unlock()

	delay := cfg.RetryDelay
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if err := c.RequestVersion(); err != nil {
			return "", err
		}

		retryAt := time.Now().Add(delay)
		for time.Now().Before(retryAt) {
			if _, err := c.PollReplies(); err != nil {
				return "", err
			}
			c.mu.Lock()
			version, got := c.version, c.versionSeq != seen
			c.mu.Unlock()
			if got {
				c.log.Info("device version %s", version)
				return version, nil
			}
			select {
			case <-ctx.Done():
				return "", ErrNoVersion
			case <-time.After(handshakePollInterval):
			}
		}
		delay *= 2
	}
	return "", ErrNoVersion
}
