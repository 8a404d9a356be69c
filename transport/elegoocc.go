package transport

import (
	"net/url"
	"strings"
	"time"

	"github.com/TheLab-ms/printerlink/biz"
)

// NewElegooCC builds the WebSocket transport for the Elegoo CC family. The
// firmware authenticates with a one-shot token appended to the dial URL
// and answers a bare text "ping" heartbeat with "pong".
func NewElegooCC() *WebSocket {
	return NewWebSocket(WebSocketHooks{
		URL: func(p biz.ConnectParams) string {
			host := HostOnly(p.Host)
			if host == "" {
				return ""
			}
			if !strings.Contains(host, ":") {
				host += ":3030"
			}
			u := "ws://" + host + "/websocket"
			if tok := p.Secret(""); tok != "" {
				u += "?token=" + url.QueryEscape(tok)
			}
			return u
		},
		Heartbeat: HeartbeatConfig{
			Enabled:  true,
			Interval: 10 * time.Second,
			Timeout:  30 * time.Second,
			Create:   func() []byte { return []byte("ping") },
			Handle:   func(payload []byte) bool { return string(payload) == "pong" },
		},
		HandshakeTimeout: 10 * time.Second,
	})
}
