// Package transport owns printer connections: the per-printer lifecycle
// state machine with auto-reconnect and heartbeat, and the MQTT and
// WebSocket drivers it manages. Family-specific behaviour is supplied as
// hook tables rather than subclassing.
package transport

import (
	"time"

	"github.com/TheLab-ms/printerlink/biz"
)

// Transport is the session-facing contract: connect/disconnect/send plus
// inbound message and status callbacks.
type Transport interface {
	// Connect performs one connection attempt. If it fails and
	// autoReconnect is set (and the params are not a check-only probe),
	// the reconnect worker keeps retrying in the background.
	Connect(params biz.ConnectParams, autoReconnect bool) error

	// Disconnect disables reconnection, tears the link down, and joins all
	// workers. Calling it repeatedly has no additional effect.
	Disconnect()

	// IsConnected is true only when the declared state is Connected and
	// the underlying link corroborates.
	IsConnected() bool

	State() biz.ConnectionState

	// Send publishes one outbound payload on the link.
	Send(payload []byte) error

	// SetMessageCallback installs the inbound pump. Heartbeat responses
	// and registration traffic are consumed before this fires.
	SetMessageCallback(fn func(payload []byte))

	// SetStatusCallback fires on declared-state transitions between
	// connected and not, outside any internal lock, once per transition.
	SetStatusCallback(fn func(connected bool))

	// NotifyConnectionRecovered cancels a pending delayed reconnect and
	// re-asserts Connected. Used when a transient drop heals on its own.
	NotifyConnectionRecovered()
}

// HeartbeatConfig describes the application-level ping/pong a family uses
// to detect silent half-open links. This is distinct from MQTT keepalive.
type HeartbeatConfig struct {
	Enabled  bool
	Interval time.Duration
	Timeout  time.Duration

	// Create builds the outbound heartbeat payload.
	Create func() []byte

	// Handle inspects an inbound payload; returning true marks it as the
	// heartbeat response, which is then consumed rather than forwarded.
	Handle func(payload []byte) bool
}

const (
	// Reconnect attempts wake on a fixed cadence.
	reconnectInterval = 5 * time.Second

	// Transient drops are debounced before scheduling a reconnect.
	defaultDelayedReconnect = 500 * time.Millisecond

	defaultConnectTimeout = 5 * time.Second
)
