package bus

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/managex/devlock/pkg/protocol"
)

// ErrAlreadyRunning reports a second concurrent Run on the same Client. The
// subscription is a single live session; reconnects happen inside Run, never
// beside it.
var ErrAlreadyRunning = errors.New("bus client already running")

const defaultReconnectDelay = 1500 * time.Millisecond

// Client maintains one subscription to a topic, redialing forever with a
// fixed delay. Each received event is handed to the handler; handler panics
// are not recovered (handlers are expected to log-and-continue themselves).
type Client struct {
	Addr    string
	Topic   string
	Token   string
	Handler func(*protocol.Message)

	// OnConnect fires after every successful subscribe, including
	// reconnects. The agent uses it to re-sync authoritative lock state,
	// since missed frames are never replayed.
	OnConnect func()

	ReconnectDelay time.Duration

	mu      sync.Mutex
	running bool
	conn    net.Conn
	log     *slog.Logger
}

// Run blocks until ctx is cancelled, holding at most one live connection at
// a time. A second Run while one is live fails ErrAlreadyRunning.
func (c *Client) Run(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return ErrAlreadyRunning
	}
	c.running = true
	c.log = slog.With("component", "bus-client", "topic", c.Topic)
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
	}()

	delay := c.ReconnectDelay
	if delay <= 0 {
		delay = defaultReconnectDelay
	}

	for {
		if err := c.runOnce(ctx); err != nil && ctx.Err() == nil {
			c.log.Warn("bus session ended", "err", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (c *Client) runOnce(ctx context.Context) error {
	d := net.Dialer{Timeout: 10 * time.Second}
	conn, err := d.DialContext(ctx, "tcp", c.Addr)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	defer func() {
		_ = conn.Close()
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
	}()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	sub := &protocol.Message{Op: protocol.OpSubscribe, Topic: c.Topic, Token: c.Token}
	frame, err := sub.Encode()
	if err != nil {
		return err
	}
	if _, err := conn.Write(frame); err != nil {
		return err
	}

	r := bufio.NewReader(conn)
	line, err := r.ReadBytes('\n')
	if err != nil {
		return err
	}
	ack, err := protocol.Decode(line)
	if err != nil {
		return err
	}
	if ack.Op == protocol.OpError {
		return fmt.Errorf("subscribe rejected: %s", ack.Error)
	}
	if ack.Op != protocol.OpSubAck {
		return fmt.Errorf("unexpected ack op %q", ack.Op)
	}

	c.log.Info("subscribed")
	if c.OnConnect != nil {
		c.OnConnect()
	}

	for {
		line, err := r.ReadBytes('\n')
		if err != nil {
			return err
		}
		msg, err := protocol.Decode(line)
		if err != nil {
			c.log.Warn("bad frame", "err", err)
			continue
		}
		if msg.Op == protocol.OpEvent && c.Handler != nil {
			c.Handler(msg)
		}
	}
}
