package shell

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ConnState is the transport connection lifecycle.
type ConnState int

const (
	ConnIdle ConnState = iota
	ConnConnecting
	ConnOpen
	ConnClosing
	ConnClosed
)

func (s ConnState) String() string {
	switch s {
	case ConnIdle:
		return "idle"
	case ConnConnecting:
		return "connecting"
	case ConnOpen:
		return "open"
	case ConnClosing:
		return "closing"
	case ConnClosed:
		return "closed"
	default:
		return "unknown"
	}
}

const (
	connectTimeout = 30 * time.Second
	writeTimeout   = 10 * time.Second
)

// Terminal connection errors. Everything else that happens before or on
// the transport is treated as transient and retried.
var (
	ErrConnectTimeout = errors.New("shell: connect timed out")
	ErrUnauthorized   = errors.New("shell: unauthorized")
	ErrForbidden      = errors.New("shell: forbidden")
)

type eventKind int

const (
	evMessage eventKind = iota
	evBadFrame
	evClosed
)

// connEvent is one transport-level occurrence, delivered in arrival
// order on the conn's event channel.
type connEvent struct {
	kind eventKind
	msg  Message // evMessage
	err  error   // evBadFrame, evClosed
	code int     // evClosed
	text string  // evClosed
}

// conn is a single, ephemeral websocket connection. It is created by
// dialConn and discarded on close; reconnection always produces a fresh
// conn, never reuses one.
type conn struct {
	ws     *websocket.Conn
	events chan connEvent

	writeMu sync.Mutex

	done      chan struct{}
	closeOnce sync.Once
}

// dialConn establishes the websocket connection. The timeout bounds the
// whole handshake: it is generous because the remote side may provision
// a container on demand before accepting the upgrade.
func dialConn(ctx context.Context, endpoint string, header http.Header, timeout time.Duration) (*conn, error) {
	if timeout <= 0 {
		timeout = connectTimeout
	}
	dctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	dialer := websocket.Dialer{HandshakeTimeout: timeout}
	ws, resp, err := dialer.DialContext(dctx, endpoint, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			switch resp.StatusCode {
			case http.StatusUnauthorized:
				return nil, ErrUnauthorized
			case http.StatusForbidden:
				return nil, ErrForbidden
			}
		}
		if ctx.Err() == nil {
			if dctx.Err() != nil {
				return nil, ErrConnectTimeout
			}
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				return nil, ErrConnectTimeout
			}
		}
		return nil, err
	}

	c := &conn{
		ws:     ws,
		events: make(chan connEvent, 32),
		done:   make(chan struct{}),
	}
	go c.readPump()
	return c, nil
}

// readPump is the sole reader of the websocket. It forwards every frame
// and the final closure to the event channel, then exits.
func (c *conn) readPump() {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			code := websocket.CloseAbnormalClosure
			text := err.Error()
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				code = ce.Code
				text = ce.Text
			}
			c.deliver(connEvent{kind: evClosed, err: err, code: code, text: text})
			return
		}
		msg, err := Decode(data)
		if err != nil {
			c.deliver(connEvent{kind: evBadFrame, err: err})
			continue
		}
		c.deliver(connEvent{kind: evMessage, msg: msg})
	}
}

func (c *conn) deliver(ev connEvent) {
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

// send writes one message. The mutex serialises writes because the
// websocket allows only one concurrent writer.
func (c *conn) send(m Message) error {
	data, err := Encode(m)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// shutdown closes the connection exactly once: a close frame with the
// given code, then the underlying socket.
func (c *conn) shutdown(code int, reason string) {
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
		c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
		c.writeMu.Unlock()
		c.ws.Close()
		close(c.done)
	})
}
