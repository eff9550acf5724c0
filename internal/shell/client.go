package shell

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"
)

const (
	heartbeatInterval  = 30 * time.Second
	reconnectDelayStep = 2 * time.Second
	maxReconnects      = 3
)

// ErrReconnectsExhausted is returned when the bounded reconnection
// policy gives up.
var ErrReconnectsExhausted = errors.New("shell: reconnect attempts exhausted")

// Options configures a shell Client. Zero values take defaults; the
// timing fields exist so tests can shrink the protocol's intervals.
type Options struct {
	APIURL string
	AppID  string
	Token  string

	In  io.Reader
	Out io.Writer
	Err io.Writer

	Logger *slog.Logger

	ConnectTimeout    time.Duration
	HeartbeatInterval time.Duration
	BackoffStep       time.Duration
	MaxReconnects     int
}

// Client runs one interactive shell session against a remote app
// container. All state below is owned by the Run event loop; nothing
// here is safe for concurrent use.
type Client struct {
	opts     Options
	log      *slog.Logger
	renderer *Renderer

	endpoint string
	header   http.Header

	state   ConnState
	cur     *conn
	session *Session
	attempt int
	retry   <-chan time.Time
	hb      *heartbeat
	closed  bool
}

func New(opts Options) *Client {
	if opts.In == nil {
		opts.In = os.Stdin
	}
	if opts.Out == nil {
		opts.Out = os.Stdout
	}
	if opts.Err == nil {
		opts.Err = os.Stderr
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.Level(127)}))
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = connectTimeout
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = heartbeatInterval
	}
	if opts.BackoffStep <= 0 {
		opts.BackoffStep = reconnectDelayStep
	}
	if opts.MaxReconnects <= 0 {
		opts.MaxReconnects = maxReconnects
	}
	return &Client{
		opts:     opts,
		log:      opts.Logger,
		renderer: NewRenderer(opts.Out),
		session:  newSession(),
		state:    ConnIdle,
	}
}

// Run connects and drives the session until the user exits, the server
// closes normally, the context is cancelled, or a terminal failure
// occurs. Transport events, heartbeat ticks and local input are all
// dispatched on this single loop; no other goroutine mutates Client
// state.
func (c *Client) Run(ctx context.Context) error {
	endpoint, err := EndpointURL(c.opts.APIURL, c.opts.AppID, c.opts.Token)
	if err != nil {
		return err
	}
	c.endpoint = endpoint
	c.header = http.Header{}
	if c.opts.Token != "" {
		c.header.Set("Authorization", "Bearer "+c.opts.Token)
	}

	input := startInputReader(ctx, c.opts.In)
	c.hb = newHeartbeat(c.opts.HeartbeatInterval)
	defer c.cleanup()

	interrupts := make(chan os.Signal, 1)
	signal.Notify(interrupts, os.Interrupt)
	defer signal.Stop(interrupts)

	if err := c.connect(ctx); err != nil {
		return err
	}

	for {
		// A nil conn leaves events nil, which blocks that select arm
		// while a reconnect is pending.
		var events chan connEvent
		if c.cur != nil {
			events = c.cur.events
		}

		select {
		case <-ctx.Done():
			return nil

		case <-interrupts:
			// While the remote process is running, Ctrl-C belongs to
			// it; otherwise it means "get me out of here".
			if c.cur != nil && c.session.Active() {
				if err := c.cur.send(InterruptMessage()); err != nil {
					c.notice("not connected")
				}
				continue
			}
			return nil

		case <-c.hb.C():
			if c.cur != nil && c.state == ConnOpen {
				if err := c.cur.send(PingMessage()); err != nil {
					c.log.Debug("ping send failed", "err", err)
				}
			}

		case line := <-input.lines:
			exit, err := c.handleLine(line)
			if exit {
				return err
			}

		case <-input.done:
			// End of local input takes the same clean-shutdown path as
			// an explicit exit.
			return nil

		case <-c.retry:
			c.retry = nil
			if err := c.connect(ctx); err != nil {
				return err
			}

		case ev := <-events:
			exit, err := c.handleConnEvent(ev)
			if exit {
				return err
			}
		}
	}
}

// connect runs one full connection attempt: dial, fresh Session, fresh
// render state. Terminal failures are returned; transient dial errors
// schedule a retry.
func (c *Client) connect(ctx context.Context) error {
	c.transition(ConnConnecting)
	nc, err := dialConn(ctx, c.endpoint, c.header, c.opts.ConnectTimeout)
	if err != nil {
		if ctx.Err() != nil {
			c.transition(ConnClosed)
			return nil
		}
		if errors.Is(err, ErrConnectTimeout) || errors.Is(err, ErrUnauthorized) || errors.Is(err, ErrForbidden) {
			c.transition(ConnClosed)
			return err
		}
		c.log.Warn("connect failed", "err", err)
		return c.scheduleRetry(err)
	}

	c.cur = nc
	c.attempt = 0
	c.session = newSession()
	c.renderer.Reset()
	c.transition(ConnOpen)
	c.notice("connected; waiting for remote session")
	return nil
}

// scheduleRetry arms the backoff timer for the next reconnect attempt,
// or reports exhaustion once the budget is spent.
func (c *Client) scheduleRetry(cause error) error {
	if c.attempt >= c.opts.MaxReconnects {
		c.transition(ConnClosed)
		return fmt.Errorf("%w (%d attempts): %v", ErrReconnectsExhausted, c.opts.MaxReconnects, cause)
	}
	c.attempt++
	delay := c.reconnectDelay(c.attempt)
	c.notice(fmt.Sprintf("connection lost; reconnecting in %s (attempt %d/%d)", delay, c.attempt, c.opts.MaxReconnects))
	c.retry = time.After(delay)
	return nil
}

// reconnectDelay is the backoff before the nth attempt, 1-indexed.
func (c *Client) reconnectDelay(attempt int) time.Duration {
	return time.Duration(attempt) * c.opts.BackoffStep
}

func (c *Client) handleConnEvent(ev connEvent) (exit bool, err error) {
	switch ev.kind {
	case evBadFrame:
		// A single corrupt frame must not take down the session.
		c.log.Warn("dropping malformed frame", "err", ev.err)
		return false, nil
	case evMessage:
		c.handleMessage(ev.msg)
		return false, nil
	case evClosed:
		return c.handleClosed(ev)
	default:
		return false, nil
	}
}

func (c *Client) handleMessage(m Message) {
	switch m.Type {
	case TypeControl:
		if m.Action == ActionError {
			text := "remote error"
			if m.Data != nil && m.Data.Message != "" {
				text = m.Data.Message
			}
			c.notice("remote error: " + text)
			return
		}
		if c.session.Apply(m) {
			c.log.Info("session active", "session_id", c.session.ID())
			c.notice("session active; type commands, exit to quit")
		} else if m.Data != nil && m.Data.Status != "" {
			c.notice("session " + m.Data.Status)
		}
	case TypeOutput:
		if m.Data != nil {
			c.renderer.Render(m.Data.Screen)
		}
	case TypePong:
		c.log.Debug("pong received")
	default:
		// Valid type that the server should not send to a client.
		c.log.Debug("ignoring message", "type", m.Type)
	}
}

// handleClosed classifies the close code: normal closure and the
// credential codes are terminal, everything else is transient.
func (c *Client) handleClosed(ev connEvent) (exit bool, err error) {
	c.dropConn()
	switch ev.code {
	case CloseNormal:
		c.transition(ConnClosed)
		c.notice("connection closed by server")
		return true, nil
	case CloseUnauthorized:
		c.transition(ConnClosed)
		return true, ErrUnauthorized
	case CloseForbidden:
		c.transition(ConnClosed)
		return true, ErrForbidden
	default:
		c.log.Warn("connection closed", "code", ev.code, "reason", ev.text)
		if err := c.scheduleRetry(fmt.Errorf("close code %d", ev.code)); err != nil {
			return true, err
		}
		return false, nil
	}
}

// handleLine dispatches one line of local input. Commands are only
// forwarded once the remote session is active; before that the user
// gets an explicit notice instead of silent queueing.
func (c *Client) handleLine(line string) (exit bool, err error) {
	switch strings.TrimSpace(line) {
	case "exit", "quit":
		return true, nil
	case "":
		return false, nil
	}
	if c.cur == nil || c.state != ConnOpen || !c.session.Active() {
		c.notice("not connected; command not sent")
		return false, nil
	}
	if err := c.cur.send(CommandMessage(line)); err != nil {
		c.log.Warn("command send failed", "err", err)
		c.notice("not connected; command not sent")
	}
	return false, nil
}

// cleanup is the single idempotent shutdown path, reachable from any
// state including mid-reconnect: close the transport with the normal
// code, stop the heartbeat, and settle the state machine.
func (c *Client) cleanup() {
	if c.closed {
		return
	}
	c.closed = true
	c.hb.Stop()
	c.retry = nil
	if c.cur != nil {
		c.transition(ConnClosing)
		c.cur.shutdown(CloseNormal, "client exit")
		c.cur = nil
	}
	c.transition(ConnClosed)
}

// dropConn discards a connection that already failed; the replacement,
// if any, is a wholly new conn.
func (c *Client) dropConn() {
	if c.cur == nil {
		return
	}
	c.cur.shutdown(CloseNormal, "")
	c.cur = nil
}

// transition moves the connection state machine, logging every change
// so no transition is silently dropped.
func (c *Client) transition(to ConnState) {
	if c.state == to {
		return
	}
	c.log.Debug("connection state", "from", c.state.String(), "to", to.String())
	c.state = to
}

func (c *Client) notice(text string) {
	fmt.Fprintln(c.opts.Err, "skyport: "+text)
}
