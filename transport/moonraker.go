package transport

import (
	"net/http"
	"strings"
	"time"

	"github.com/TheLab-ms/printerlink/biz"
)

// NewMoonraker builds the WebSocket transport for Moonraker/Klipper hosts.
// Moonraker speaks JSON-RPC over /websocket and needs no application-level
// heartbeat: the server pings on its own and the adapter's notifications
// double as liveness.
func NewMoonraker() *WebSocket {
	return NewWebSocket(WebSocketHooks{
		URL: func(p biz.ConnectParams) string {
			host := HostOnly(p.Host)
			if host == "" {
				return ""
			}
			if !strings.Contains(host, ":") {
				host += ":7125"
			}
			return "ws://" + host + "/websocket"
		},
		Header: func(p biz.ConnectParams) http.Header {
			if p.AuthMode == biz.AuthToken && p.Token != "" {
				return http.Header{"Authorization": []string{"Bearer " + p.Token}}
			}
			return nil
		},
		HandshakeTimeout: 10 * time.Second,
	})
}
