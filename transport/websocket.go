package transport

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/TheLab-ms/printerlink/biz"
	"github.com/TheLab-ms/printerlink/errcode"
	"github.com/gorilla/websocket"
)

// WebSocketHooks captures the family-specific half of a WebSocket
// connection. Simpler than MQTT: no registration handshake by default.
type WebSocketHooks struct {
	// URL normalizes the host into the dial URL ("ws://host/websocket").
	// An empty result aborts with InvalidParameter.
	URL func(params biz.ConnectParams) string

	// Header contributes auth headers to the handshake.
	Header func(params biz.ConnectParams) http.Header

	// OnOpened fires after the handshake, before any read; families use it
	// to send a hello/subscribe frame. The returned error fails the
	// connection attempt.
	OnOpened func(params biz.ConnectParams, send func(payload []byte) error) error

	Heartbeat HeartbeatConfig

	HandshakeTimeout time.Duration
}

// WebSocket is the Transport implementation for WebSocket-family printers.
type WebSocket struct {
	*manager
	hooks WebSocketHooks

	connMu  sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex
	gen     uint64 // guards the read pump against stale connections
}

func NewWebSocket(hooks WebSocketHooks) *WebSocket {
	t := &WebSocket{hooks: hooks}
	t.manager = newManager("websocket", t, hooks.Heartbeat)
	return t
}

func (t *WebSocket) open(ctx context.Context, params biz.ConnectParams) error {
	url := t.hooks.URL(params)
	if url == "" {
		return errcode.New(errcode.InvalidParameter, "could not derive websocket URL from host")
	}

	dialer := websocket.Dialer{HandshakeTimeout: t.hooks.HandshakeTimeout}
	if dialer.HandshakeTimeout == 0 {
		dialer.HandshakeTimeout = defaultConnectTimeout
	}
	var header http.Header
	if t.hooks.Header != nil {
		header = t.hooks.Header(params)
	}

	conn, _, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		return errcode.Newf(errcode.MapWebSocketHandshake(err), "websocket dial %s: %v", params.Host, err)
	}

	t.connMu.Lock()
	t.conn = conn
	t.gen++
	gen := t.gen
	t.connMu.Unlock()

	if t.hooks.OnOpened != nil {
		if err := t.hooks.OnOpened(params, t.send); err != nil {
			t.close()
			return err
		}
	}

	go t.readPump(conn, gen, params.Host)
	return nil
}

func (t *WebSocket) readPump(conn *websocket.Conn, gen uint64, host string) {
	for {
		kind, payload, err := conn.ReadMessage()
		if err != nil {
			t.connMu.Lock()
			current := t.gen == gen && t.conn == conn
			if current {
				t.conn = nil
			}
			t.connMu.Unlock()
			if current {
				slog.Warn("websocket connection lost", "host", host, "error", err)
				t.connectionLost(true)
			}
			return
		}
		if kind != websocket.TextMessage && kind != websocket.BinaryMessage {
			continue
		}
		t.handleInbound(payload)
	}
}

func (t *WebSocket) close() {
	t.connMu.Lock()
	conn := t.conn
	t.conn = nil
	t.gen++ // orphan the read pump so its exit is not treated as a drop
	t.connMu.Unlock()
	if conn != nil {
		t.writeMu.Lock()
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		t.writeMu.Unlock()
		conn.Close()
	}
}

func (t *WebSocket) linkOpen() bool {
	t.connMu.Lock()
	defer t.connMu.Unlock()
	return t.conn != nil
}

func (t *WebSocket) send(payload []byte) error {
	t.connMu.Lock()
	conn := t.conn
	t.connMu.Unlock()
	if conn == nil {
		return errcode.New(errcode.PrinterOffline, "websocket is not connected")
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return errcode.Newf(errcode.NetworkError, "websocket write: %v", err)
	}
	return nil
}

func (t *WebSocket) sendHeartbeat(payload []byte) error {
	return t.send(payload)
}
