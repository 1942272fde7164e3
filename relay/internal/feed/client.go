// Package feed maintains the monitor connection to the auction server.
package feed

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// State of the feed connection
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateHandshaking
	StateStreaming
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateStreaming:
		return "streaming"
	default:
		return "disconnected"
	}
}

// DefaultMaxLineLength is used when Options.MaxLineLength is unset
const DefaultMaxLineLength = 64 * 1024

// LineHandler receives every complete, trimmed, non-empty line in feed order
type LineHandler func(line string)

// Options configures a Client
type Options struct {
	Addr        string
	DialTimeout time.Duration
	RetryDelay  time.Duration
	Handshake   string
	// MaxLineLength bounds a single feed line; longer lines are dropped
	MaxLineLength int
	// OnState is called on every state transition, from the Run goroutine
	OnState func(State)
}

// Client reads the auction server's monitor stream and reconnects forever
// with a fixed delay
type Client struct {
	opts    Options
	handler LineHandler
	log     *zap.Logger
	state   atomic.Int32
	dial    func(ctx context.Context, network, addr string) (net.Conn, error)
}

// NewClient creates a feed client. Run must be called to start it.
func NewClient(opts Options, handler LineHandler, log *zap.Logger) *Client {
	if opts.Handshake == "" {
		opts.Handshake = "MONITOR_CLIENT"
	}
	if opts.MaxLineLength <= 0 {
		opts.MaxLineLength = DefaultMaxLineLength
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 10 * time.Second
	}
	c := &Client{
		opts:    opts,
		handler: handler,
		log:     log,
	}
	dialer := &net.Dialer{Timeout: opts.DialTimeout}
	c.dial = dialer.DialContext
	return c
}

// State returns the current connection state
func (c *Client) State() State {
	return State(c.state.Load())
}

func (c *Client) setState(s State) {
	c.state.Store(int32(s))
	if c.opts.OnState != nil {
		c.opts.OnState(s)
	}
}

// Run connects, streams and reconnects until ctx is cancelled. Cancellation
// is the normal way to stop it and is not reported as an error.
func (c *Client) Run(ctx context.Context) error {
	for {
		err := c.session(ctx)
		c.setState(StateDisconnected)

		if ctx.Err() != nil {
			c.log.Info("Feed client stopped")
			return nil
		}

		switch {
		case err == nil || errors.Is(err, io.EOF):
			c.log.Warn("Connection closed by auction server", zap.Duration("retry_in", c.opts.RetryDelay))
		default:
			c.log.Error("Feed connection failed", zap.Error(err), zap.Duration("retry_in", c.opts.RetryDelay))
		}

		timer := time.NewTimer(c.opts.RetryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			c.log.Info("Feed client stopped")
			return nil
		case <-timer.C:
		}
	}
}

// session runs one connect/handshake/stream cycle. It returns io.EOF when
// the server closes the connection.
func (c *Client) session(ctx context.Context) error {
	c.setState(StateConnecting)
	c.log.Info("Connecting to auction server", zap.String("addr", c.opts.Addr))

	dialCtx, cancel := context.WithTimeout(ctx, c.opts.DialTimeout)
	conn, err := c.dial(dialCtx, "tcp", c.opts.Addr)
	cancel()
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", c.opts.Addr, err)
	}
	defer conn.Close()

	// closing the socket is what interrupts a blocked read on cancellation
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	c.setState(StateHandshaking)
	conn.SetWriteDeadline(time.Now().Add(c.opts.DialTimeout))
	if _, err := io.WriteString(conn, c.opts.Handshake+"\n"); err != nil {
		return fmt.Errorf("failed to send handshake: %w", err)
	}
	conn.SetDeadline(time.Time{})

	c.setState(StateStreaming)
	c.log.Info("Connected to auction server as monitor client", zap.String("addr", c.opts.Addr))

	return c.stream(conn)
}

// stream splits the connection into lines. A trailing partial line is
// dropped when the connection ends, and so is any line longer than
// MaxLineLength.
func (c *Client) stream(r io.Reader) error {
	reader := bufio.NewReaderSize(r, c.opts.MaxLineLength)
	oversized := false
	for {
		raw, err := reader.ReadSlice('\n')
		if errors.Is(err, bufio.ErrBufferFull) {
			if !oversized {
				c.log.Warn("Dropping oversized feed line", zap.Int("max_length", c.opts.MaxLineLength))
			}
			oversized = true
			continue
		}
		if err != nil {
			return err
		}
		if oversized {
			oversized = false
			continue
		}
		line := strings.TrimSpace(strings.ToValidUTF8(string(raw), ""))
		if line == "" {
			continue
		}
		c.log.Debug("Feed line", zap.String("line", line))
		c.handler(line)
	}
}
