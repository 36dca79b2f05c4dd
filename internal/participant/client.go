// Package participant is the UI-facing side of the chat: a Client queues
// outbound envelopes, exposes inbound ones through a non-blocking poll,
// and runs the network session on background goroutines. When nothing
// answers at the room address the client hosts the relay itself.
package participant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"relaychat/internal/conn"
	"relaychat/internal/relay"
	"relaychat/internal/wire"
)

const (
	DefaultDialTimeout  = 2 * time.Second
	DefaultDialAttempts = 5
	DefaultRetryBackoff = 50 * time.Millisecond
	DefaultQueueSize    = 128
	DefaultFlushTimeout = 2 * time.Second
)

// ErrClosed is reported by Err after Close ends a session that never
// connected.
var ErrClosed = errors.New("client closed")

// State is the lifecycle position of a Client.
type State int

const (
	Connecting State = iota
	Connected
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "closed"
	}
}

// Options tunes connection setup. Zero values take the defaults above.
type Options struct {
	Logger       *slog.Logger
	DialTimeout  time.Duration
	DialAttempts int
	RetryBackoff time.Duration
	QueueSize    int
	FlushTimeout time.Duration

	// DisableHosting turns off the self-hosted relay fallback.
	DisableHosting bool
	// Relay configures the relay started by the fallback.
	Relay relay.Options
}

func (o *Options) setDefaults() {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = DefaultDialTimeout
	}
	if o.DialAttempts <= 0 {
		o.DialAttempts = DefaultDialAttempts
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = DefaultRetryBackoff
	}
	if o.QueueSize <= 0 {
		o.QueueSize = DefaultQueueSize
	}
	if o.FlushTimeout <= 0 {
		o.FlushTimeout = DefaultFlushTimeout
	}
	if o.Relay.Logger == nil {
		o.Relay.Logger = o.Logger
	}
}

// Client is one participant connection.
type Client struct {
	address string
	opts    Options
	logger  *slog.Logger

	outbound chan wire.Envelope
	inbound  chan wire.Envelope

	ctx    context.Context
	cancel context.CancelFunc
	// dialCtx scopes connection setup only, so Close can abort a pending
	// dial without touching an established session.
	dialCtx    context.Context
	dialCancel context.CancelFunc

	quit      chan struct{}
	quitOnce  sync.Once
	done      chan struct{}
	closeOnce sync.Once

	mu        sync.Mutex
	state     State
	err       error
	localAddr string
	hosted    *relay.Server
}

// Connect returns immediately; connection setup, and the relay fallback
// if needed, run in the background. Envelopes sent before the connection
// is up are queued.
func Connect(ctx context.Context, address string, opts Options) *Client {
	opts.setDefaults()
	ctx, cancel := context.WithCancel(ctx)
	dialCtx, dialCancel := context.WithCancel(ctx)

	c := &Client{
		address:    address,
		opts:       opts,
		logger:     opts.Logger.With("room", address),
		outbound:   make(chan wire.Envelope, opts.QueueSize),
		inbound:    make(chan wire.Envelope, opts.QueueSize),
		ctx:        ctx,
		cancel:     cancel,
		dialCtx:    dialCtx,
		dialCancel: dialCancel,
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
		state:      Connecting,
	}
	go c.run()
	return c
}

// Send queues env for the relay without blocking. It does nothing once
// the client is closing or closed, and drops env when the queue is full.
func (c *Client) Send(env wire.Envelope) {
	select {
	case <-c.quit:
		return
	case <-c.done:
		return
	default:
	}

	select {
	case c.outbound <- env:
	default:
		c.logger.Warn("outbound queue full, dropping envelope", "kind", env.Kind())
	}
}

// TryRecv returns the next inbound envelope, if one is pending.
func (c *Client) TryRecv() (wire.Envelope, bool) {
	select {
	case env := <-c.inbound:
		return env, true
	default:
		return wire.Envelope{}, false
	}
}

// Close flushes envelopes already queued, ends the session and stops a
// relay this client was hosting. It waits at most FlushTimeout for the
// flush before forcing the connection down.
func (c *Client) Close() error {
	c.quitOnce.Do(func() { close(c.quit) })
	c.dialCancel()

	select {
	case <-c.done:
	case <-time.After(c.opts.FlushTimeout):
		c.logger.Warn("flush timed out, closing connection")
		c.cancel()
		<-c.done
	}
	c.cancel()

	c.mu.Lock()
	hosted := c.hosted
	c.hosted = nil
	c.mu.Unlock()
	if hosted != nil {
		return hosted.Close()
	}
	return nil
}

// Done is closed when the session has ended for any reason.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err returns why the session ended, or nil while it is running or after
// a clean Close.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Hosting reports whether this client started the relay it talks to.
func (c *Client) Hosting() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hosted != nil
}

// LocalAddr returns the local end of the connection once connected.
func (c *Client) LocalAddr() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.localAddr
}

// Address returns the room address the client was pointed at.
func (c *Client) Address() string { return c.address }

func (c *Client) run() {
	netConn, err := c.establish()
	if err != nil {
		if c.closing() {
			err = ErrClosed
		} else {
			err = fmt.Errorf("could not reach room at %s: %w", c.address, err)
		}
		c.finish(err)
		return
	}

	c.mu.Lock()
	c.state = Connected
	c.localAddr = netConn.LocalAddr().String()
	c.mu.Unlock()
	c.logger.Info("connected", "local", c.localAddr, "hosting", c.Hosting())

	c.finish(c.session(netConn))
}

// establish dials the room. If nothing answers it binds a relay on the
// same address and redials; a successful bind means the relay is already
// accepting. A failed bind usually means another participant won the race
// to host, so the redial loop joins that relay instead.
func (c *Client) establish() (net.Conn, error) {
	netConn, err := c.dial()
	if err == nil {
		return netConn, nil
	}
	if c.opts.DisableHosting {
		return c.redial(err)
	}

	c.logger.Info("no relay answering, hosting one", "err", err)
	server, listenErr := relay.Listen(c.address, c.opts.Relay)
	if listenErr != nil {
		c.logger.Warn("failed to host relay, retrying as participant", "err", listenErr)
		return c.redial(err)
	}

	c.mu.Lock()
	c.hosted = server
	c.mu.Unlock()
	go func() {
		if err := server.Serve(); err != nil {
			c.logger.Error("hosted relay stopped", "err", err)
		}
	}()
	return c.redial(err)
}

// redial retries with exponential backoff, DialAttempts times at most.
func (c *Client) redial(lastErr error) (net.Conn, error) {
	backoff := c.opts.RetryBackoff
	for attempt := 1; attempt <= c.opts.DialAttempts; attempt++ {
		netConn, err := c.dial()
		if err == nil {
			return netConn, nil
		}
		lastErr = err
		c.logger.Debug("dial failed", "attempt", attempt, "err", err)

		select {
		case <-c.dialCtx.Done():
			return nil, c.dialCtx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return nil, lastErr
}

func (c *Client) dial() (net.Conn, error) {
	dialer := net.Dialer{Timeout: c.opts.DialTimeout}
	return dialer.DialContext(c.dialCtx, "tcp", c.address)
}

// session pumps both directions until one of them fails or Close drains
// the outbound queue.
func (c *Client) session(netConn net.Conn) error {
	reader, writer := conn.Split(netConn)
	stop := make(chan struct{})
	errs := make(chan error, 2)

	go func() { errs <- c.readLoop(reader, stop) }()
	go func() { errs <- c.writeLoop(writer, stop) }()

	err := <-errs
	close(stop)
	writer.Close()
	<-errs

	if err != nil && c.closing() && (conn.IsClosed(err) || errors.Is(err, context.Canceled)) {
		return nil
	}
	return err
}

func (c *Client) readLoop(reader *conn.Reader, stop <-chan struct{}) error {
	for {
		line, err := reader.ReadLine()
		if err != nil {
			return fmt.Errorf("read from relay: %w", err)
		}

		env, err := wire.Decode(line)
		if err != nil {
			c.logger.Warn("dropping malformed line", "err", err)
			continue
		}

		select {
		case c.inbound <- env:
		case <-stop:
			return nil
		}
	}
}

func (c *Client) writeLoop(writer *conn.Writer, stop <-chan struct{}) error {
	for {
		select {
		case env := <-c.outbound:
			if err := c.write(writer, env); err != nil {
				return err
			}
		case <-c.quit:
			return c.drain(writer)
		case <-c.ctx.Done():
			return c.ctx.Err()
		case <-stop:
			return nil
		}
	}
}

// drain writes whatever is still queued, then returns.
func (c *Client) drain(writer *conn.Writer) error {
	for {
		select {
		case env := <-c.outbound:
			if err := c.write(writer, env); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

func (c *Client) write(writer *conn.Writer, env wire.Envelope) error {
	line, err := wire.Encode(env)
	if err != nil {
		c.logger.Warn("dropping unencodable envelope", "err", err)
		return nil
	}
	return writer.WriteLine(line)
}

func (c *Client) closing() bool {
	select {
	case <-c.quit:
		return true
	default:
		return false
	}
}

func (c *Client) finish(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.state = Closed
		c.err = err
		c.mu.Unlock()

		if err != nil {
			c.logger.Warn("session ended", "err", err)
		} else {
			c.logger.Info("session ended")
		}
		close(c.done)
	})
}
