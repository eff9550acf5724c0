package shell

// SessionState tracks remote session readiness, independent of the
// transport connection carrying it.
type SessionState int

const (
	// SessionAwaitingCreation means the remote container is still being
	// provisioned; user input must not be forwarded yet.
	SessionAwaitingCreation SessionState = iota
	// SessionActive means the remote process is ready for commands.
	SessionActive
)

func (s SessionState) String() string {
	switch s {
	case SessionAwaitingCreation:
		return "awaiting-creation"
	case SessionActive:
		return "active"
	default:
		return "unknown"
	}
}

// Session is the logical remote execution context. A new Session is
// created every time a connection reaches Open; this client does not
// resume sessions across reconnects. The transition AwaitingCreation →
// Active is monotonic: only control messages move it, and it never goes
// back within one connection.
type Session struct {
	id    string
	state SessionState
}

func newSession() *Session {
	return &Session{state: SessionAwaitingCreation}
}

// ID returns the server-assigned session identifier, if announced yet.
func (s *Session) ID() string { return s.id }

// State returns the current readiness state.
func (s *Session) State() SessionState { return s.state }

// Active reports whether commands may be forwarded.
func (s *Session) Active() bool { return s.state == SessionActive }

// Apply processes a control message and reports whether the state
// changed. Non-control messages and unrecognised actions are ignored.
func (s *Session) Apply(m Message) bool {
	if m.Type != TypeControl {
		return false
	}
	switch m.Action {
	case ActionSessionReady:
		if m.Data != nil && m.Data.SessionID != "" {
			s.id = m.Data.SessionID
		}
		// "ready" with a provisioning status is informational; the
		// session only activates once the server says so.
		if m.Data != nil && m.Data.Status == "active" {
			return s.activate()
		}
		return false
	case ActionSessionActive:
		if m.Data != nil && m.Data.SessionID != "" {
			s.id = m.Data.SessionID
		}
		return s.activate()
	default:
		return false
	}
}

func (s *Session) activate() bool {
	if s.state == SessionActive {
		return false
	}
	s.state = SessionActive
	return true
}
