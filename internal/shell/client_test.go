package shell

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// syncBuffer lets test assertions read output while the event loop is
// still writing it.
type syncBuffer struct {
	mu sync.Mutex
	b  strings.Builder
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.String()
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

var upgrader = websocket.Upgrader{}

func newShellServer(t *testing.T, handler func(ws *websocket.Conn)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		handler(ws)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func sendJSON(t *testing.T, ws *websocket.Conn, raw string) {
	t.Helper()
	if err := ws.WriteMessage(websocket.TextMessage, []byte(raw)); err != nil {
		t.Errorf("server write: %v", err)
	}
}

func testClient(t *testing.T, apiURL string, in io.Reader, out, errw io.Writer) *Client {
	t.Helper()
	return New(Options{
		APIURL:            apiURL,
		AppID:             "app_1",
		Token:             "tok",
		In:                in,
		Out:               out,
		Err:               errw,
		Logger:            slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.Level(127)})),
		ConnectTimeout:    2 * time.Second,
		HeartbeatInterval: time.Hour,
		BackoffStep:       2 * time.Millisecond,
	})
}

func runClient(ctx context.Context, c *Client) <-chan error {
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	return done
}

func TestCommandsGatedUntilSessionActive(t *testing.T) {
	commands := make(chan string, 8)
	release := make(chan struct{})

	srv := newShellServer(t, func(ws *websocket.Conn) {
		defer ws.Close()
		sendJSON(t, ws, `{"type":"control","action":"session_ready","data":{"session_id":"abc","status":"creating"}}`)
		go func() {
			<-release
			sendJSON(t, ws, `{"type":"control","action":"session_active"}`)
		}()
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			m, err := Decode(data)
			if err == nil && m.Type == TypeCommand {
				commands <- m.Data.Command
			}
		}
	})

	inR, inW := io.Pipe()
	defer inW.Close()
	var out, errw syncBuffer
	c := testClient(t, srv.URL, inR, &out, &errw)
	done := runClient(context.Background(), c)

	waitFor(t, "provisioning notice", func() bool {
		return strings.Contains(errw.String(), "session creating")
	})

	// Typed before the session is active: refused with a notice, never
	// queued, never sent.
	io.WriteString(inW, "too early\n")
	waitFor(t, "not connected notice", func() bool {
		return strings.Contains(errw.String(), "not connected")
	})
	select {
	case cmd := <-commands:
		t.Fatalf("command %q sent while awaiting creation", cmd)
	default:
	}

	close(release)
	waitFor(t, "session active notice", func() bool {
		return strings.Contains(errw.String(), "session active")
	})

	io.WriteString(inW, "run tests\n")
	select {
	case cmd := <-commands:
		if cmd != "run tests" {
			t.Fatalf("command = %q", cmd)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("command not forwarded after activation")
	}

	io.WriteString(inW, "exit\n")
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestExitClosesNormallyWithoutCommand(t *testing.T) {
	var sawCommand atomic.Bool
	closeCode := make(chan int, 1)

	srv := newShellServer(t, func(ws *websocket.Conn) {
		defer ws.Close()
		sendJSON(t, ws, `{"type":"control","action":"session_active"}`)
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				var ce *websocket.CloseError
				if errors.As(err, &ce) {
					closeCode <- ce.Code
				}
				return
			}
			if m, derr := Decode(data); derr == nil && m.Type == TypeCommand {
				sawCommand.Store(true)
			}
		}
	})

	inR, inW := io.Pipe()
	defer inW.Close()
	var out, errw syncBuffer
	c := testClient(t, srv.URL, inR, &out, &errw)
	done := runClient(context.Background(), c)

	waitFor(t, "session active", func() bool {
		return strings.Contains(errw.String(), "session active")
	})
	io.WriteString(inW, "exit\n")

	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
	select {
	case code := <-closeCode:
		if code != CloseNormal {
			t.Fatalf("close code = %d, want %d", code, CloseNormal)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("server never saw the close frame")
	}
	if sawCommand.Load() {
		t.Fatalf("exit must not be sent as a command")
	}
}

func TestEndOfInputExitsCleanly(t *testing.T) {
	srv := newShellServer(t, func(ws *websocket.Conn) {
		defer ws.Close()
		sendJSON(t, ws, `{"type":"control","action":"session_active"}`)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	})

	inR, inW := io.Pipe()
	var out, errw syncBuffer
	c := testClient(t, srv.URL, inR, &out, &errw)
	done := runClient(context.Background(), c)

	waitFor(t, "session active", func() bool {
		return strings.Contains(errw.String(), "session active")
	})
	inW.Close()

	if err := <-done; err != nil {
		t.Fatalf("Run after EOF: %v", err)
	}
}

func TestCredentialCloseCodesAreTerminal(t *testing.T) {
	tests := []struct {
		code int
		want error
	}{
		{CloseUnauthorized, ErrUnauthorized},
		{CloseForbidden, ErrForbidden},
	}
	for _, tt := range tests {
		var dials atomic.Int32
		srv := newShellServer(t, func(ws *websocket.Conn) {
			defer ws.Close()
			dials.Add(1)
			deadline := time.Now().Add(time.Second)
			ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(tt.code, ""), deadline)
			ws.ReadMessage() // wait for the peer close response
		})

		inR, _ := io.Pipe()
		var out, errw syncBuffer
		c := testClient(t, srv.URL, inR, &out, &errw)
		err := <-runClient(context.Background(), c)
		if !errors.Is(err, tt.want) {
			t.Fatalf("code %d: Run err = %v, want %v", tt.code, err, tt.want)
		}
		if got := dials.Load(); got != 1 {
			t.Fatalf("code %d: dials = %d, credential closures must never reconnect", tt.code, got)
		}
	}
}

func TestReconnectExhaustionAfterDialFailures(t *testing.T) {
	var dials atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		dials.Add(1)
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	inR, _ := io.Pipe()
	var out, errw syncBuffer
	c := testClient(t, srv.URL, inR, &out, &errw)

	err := <-runClient(context.Background(), c)
	if !errors.Is(err, ErrReconnectsExhausted) {
		t.Fatalf("Run err = %v, want ErrReconnectsExhausted", err)
	}
	// Initial attempt plus the full retry budget of three.
	if got := dials.Load(); got != 4 {
		t.Fatalf("dials = %d, want 4", got)
	}
	if !strings.Contains(errw.String(), "attempt 3/3") {
		t.Fatalf("missing final retry notice: %q", errw.String())
	}
}

func TestTransientCloseTriggersReconnect(t *testing.T) {
	var dials atomic.Int32
	commands := make(chan string, 1)

	srv := newShellServer(t, func(ws *websocket.Conn) {
		defer ws.Close()
		if dials.Add(1) == 1 {
			// Drop the socket without a close frame: abnormal closure.
			return
		}
		sendJSON(t, ws, `{"type":"control","action":"session_active"}`)
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			if m, derr := Decode(data); derr == nil && m.Type == TypeCommand {
				commands <- m.Data.Command
			}
		}
	})

	inR, inW := io.Pipe()
	defer inW.Close()
	var out, errw syncBuffer
	c := testClient(t, srv.URL, inR, &out, &errw)
	done := runClient(context.Background(), c)

	waitFor(t, "reconnect notice", func() bool {
		return strings.Contains(errw.String(), "reconnecting in")
	})
	waitFor(t, "session active on second connection", func() bool {
		return strings.Contains(errw.String(), "session active")
	})
	if got := dials.Load(); got != 2 {
		t.Fatalf("dials = %d, want 2", got)
	}

	io.WriteString(inW, "uptime\n")
	select {
	case cmd := <-commands:
		if cmd != "uptime" {
			t.Fatalf("command = %q", cmd)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("command not forwarded after reconnect")
	}

	io.WriteString(inW, "exit\n")
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestMalformedFramesAreNonFatal(t *testing.T) {
	srv := newShellServer(t, func(ws *websocket.Conn) {
		defer ws.Close()
		sendJSON(t, ws, `{not json`)
		sendJSON(t, ws, `{"type":"telemetry","data":{}}`)
		sendJSON(t, ws, `{"type":"control","action":"session_active"}`)
		sendJSON(t, ws, `{"type":"output","data":{"screen":"$ uptime\nup 3 days"}}`)
		sendJSON(t, ws, `{"type":"output","data":{"screen":"$ uptime\nup 3 days"}}`)
		deadline := time.Now().Add(time.Second)
		ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(CloseNormal, "done"), deadline)
		ws.ReadMessage()
	})

	inR, _ := io.Pipe()
	var out, errw syncBuffer
	c := testClient(t, srv.URL, inR, &out, &errw)

	if err := <-runClient(context.Background(), c); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := strings.Count(out.String(), "up 3 days"); got != 1 {
		t.Fatalf("identical snapshot painted %d times, want 1\nout=%q", got, out.String())
	}
	if !strings.Contains(errw.String(), "closed by server") {
		t.Fatalf("missing normal-closure notice: %q", errw.String())
	}
}

func TestHeartbeatPings(t *testing.T) {
	var pings atomic.Int32
	srv := newShellServer(t, func(ws *websocket.Conn) {
		defer ws.Close()
		sendJSON(t, ws, `{"type":"control","action":"session_active"}`)
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			if m, derr := Decode(data); derr == nil && m.Type == TypePing {
				sendJSON(t, ws, `{"type":"pong"}`)
				if pings.Add(1) == 2 {
					deadline := time.Now().Add(time.Second)
					ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(CloseNormal, ""), deadline)
				}
			}
		}
	})

	inR, _ := io.Pipe()
	var out, errw syncBuffer
	c := New(Options{
		APIURL:            srv.URL,
		AppID:             "app_1",
		Token:             "tok",
		In:                inR,
		Out:               &out,
		Err:               &errw,
		HeartbeatInterval: 20 * time.Millisecond,
		BackoffStep:       2 * time.Millisecond,
	})

	if err := <-runClient(context.Background(), c); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := pings.Load(); got < 2 {
		t.Fatalf("pings = %d, want >= 2", got)
	}
}

func TestConnectTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
	}))
	defer srv.Close()

	inR, _ := io.Pipe()
	var out, errw syncBuffer
	c := New(Options{
		APIURL:         srv.URL,
		AppID:          "app_1",
		In:             inR,
		Out:            &out,
		Err:            &errw,
		ConnectTimeout: 20 * time.Millisecond,
		BackoffStep:    2 * time.Millisecond,
	})

	err := <-runClient(context.Background(), c)
	if !errors.Is(err, ErrConnectTimeout) {
		t.Fatalf("Run err = %v, want ErrConnectTimeout", err)
	}
}

func TestContextCancelDuringBackoff(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	inR, _ := io.Pipe()
	var out, errw syncBuffer
	c := New(Options{
		APIURL:      srv.URL,
		AppID:       "app_1",
		In:          inR,
		Out:         &out,
		Err:         &errw,
		BackoffStep: time.Hour, // park the loop in backoff
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := runClient(ctx, c)
	waitFor(t, "backoff notice", func() bool {
		return strings.Contains(errw.String(), "reconnecting in")
	})
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("cancellation did not reach the backoff wait")
	}
}

func TestReconnectDelaySchedule(t *testing.T) {
	c := New(Options{APIURL: "https://x.example", AppID: "a"})
	for n := 1; n <= 3; n++ {
		want := time.Duration(n) * 2 * time.Second
		if got := c.reconnectDelay(n); got != want {
			t.Fatalf("reconnectDelay(%d) = %v, want %v", n, got, want)
		}
	}
}

func TestHandleLineLocalIntercepts(t *testing.T) {
	var out, errw syncBuffer
	c := New(Options{APIURL: "https://x.example", AppID: "a", Out: &out, Err: &errw, In: strings.NewReader("")})

	for _, line := range []string{"exit", "quit", "  exit  "} {
		exit, err := c.handleLine(line)
		if !exit || err != nil {
			t.Fatalf("handleLine(%q) = (%v, %v), want local exit", line, exit, err)
		}
	}

	exit, err := c.handleLine("ls")
	if exit || err != nil {
		t.Fatalf("handleLine(ls) = (%v, %v)", exit, err)
	}
	if !strings.Contains(errw.String(), "not connected") {
		t.Fatalf("missing notice for command without connection: %q", errw.String())
	}
}
