// Package broker owns the MQTT session the bridge subscribes through.
package broker

// ConnectionState represents the current state of the broker session
type ConnectionState string

const (
	// StateDisconnected is the initial state before Start
	StateDisconnected ConnectionState = "disconnected"
	// StateConnecting indicates the first connection attempt is in progress
	StateConnecting ConnectionState = "connecting"
	// StateConnected indicates the session is up and the topic subscribed
	StateConnected ConnectionState = "connected"
	// StateReconnecting indicates the session was lost or never came up and is being retried
	StateReconnecting ConnectionState = "reconnecting"
	// StateClosing indicates Stop has been requested
	StateClosing ConnectionState = "closing"
	// StateClosed is terminal
	StateClosed ConnectionState = "closed"
)

// terminal reports whether the state belongs to the shutdown path, after
// which session events no longer move the state.
func (s ConnectionState) terminal() bool {
	return s == StateClosing || s == StateClosed
}

// Message is a single inbound broker message.
type Message struct {
	Topic   string
	Payload []byte
}

// MessageHandler receives every message delivered on the subscribed topic.
// It must not block for longer than it takes to hand the message off.
type MessageHandler func(msg Message)
