// Package shell implements the interactive remote shell client: a
// persistent websocket connection that gives the local terminal control
// of a process running in a remote app container.
package shell

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gorilla/websocket"
)

// Close codes with defined client semantics. CloseNormal is the
// standard normal closure; the 4xxx codes are assigned by the control
// plane and suppress reconnection.
const (
	CloseNormal       = websocket.CloseNormalClosure
	CloseUnauthorized = 4001
	CloseForbidden    = 4003
)

// Message type discriminators.
const (
	TypeControl = "control"
	TypeOutput  = "output"
	TypeCommand = "command"
	TypePing    = "ping"
	TypePong    = "pong"
)

// Control actions sent by the server.
const (
	ActionSessionReady  = "session_ready"
	ActionSessionActive = "session_active"
	ActionError         = "error"
)

// interruptByte is the control byte forwarded to the remote process
// when the user sends an interrupt (ETX, Ctrl-C).
const interruptByte = "\x03"

// Message is one wire frame. Every frame is a self-contained JSON
// object; the transport guarantees message boundaries.
type Message struct {
	Type   string       `json:"type"`
	Action string       `json:"action,omitempty"`
	Data   *MessageData `json:"data,omitempty"`
}

// MessageData carries the variant-specific payload fields.
type MessageData struct {
	SessionID string `json:"session_id,omitempty"`
	Status    string `json:"status,omitempty"`
	Message   string `json:"message,omitempty"`
	Screen    string `json:"screen,omitempty"`
	Command   string `json:"command,omitempty"`
}

// ErrUnknownType marks a frame whose discriminator this client does not
// understand. Callers log and drop these so newer servers can add
// message types without breaking older clients.
var ErrUnknownType = errors.New("shell: unknown message type")

// Decode parses a single inbound frame. A malformed frame is an error
// to the caller but never fatal to the connection.
func Decode(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("shell: malformed frame: %w", err)
	}
	switch m.Type {
	case TypeControl, TypeOutput, TypeCommand, TypePing, TypePong:
		return m, nil
	case "":
		return Message{}, fmt.Errorf("shell: malformed frame: missing type")
	default:
		return m, fmt.Errorf("%w: %q", ErrUnknownType, m.Type)
	}
}

// Encode serialises a message for the wire.
func Encode(m Message) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("shell: encode %s: %w", m.Type, err)
	}
	return data, nil
}

// CommandMessage wraps a line of user input for the remote process.
func CommandMessage(text string) Message {
	return Message{Type: TypeCommand, Data: &MessageData{Command: text}}
}

// InterruptMessage is the command frame for a local interrupt signal.
func InterruptMessage() Message {
	return CommandMessage(interruptByte)
}

// PingMessage is the client liveness probe.
func PingMessage() Message {
	return Message{Type: TypePing}
}
