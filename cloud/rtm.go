package cloud

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/TheLab-ms/printerlink/biz"
	"github.com/TheLab-ms/printerlink/errcode"
	"github.com/gorilla/websocket"
)

// rtmFrame is the wire frame of the realtime messaging gateway.
type rtmFrame struct {
	Op        string          `json:"op"`
	UserID    string          `json:"userId,omitempty"`
	Token     string          `json:"token,omitempty"`
	Channel   string          `json:"channel,omitempty"`
	Publisher string          `json:"publisher,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Type      string          `json:"type,omitempty"`
}

const sameUIDLogin = "SAME_UID_LOGIN"

// rtmClient maintains one gateway connection per cloud session. Printer
// channels are named userId + serialNumber; publishing a request on a
// channel and receiving that channel's messages is the cloud counterpart
// of a LAN transport link.
type rtmClient struct {
	mu     sync.Mutex
	conn   *websocket.Conn
	wmu    sync.Mutex
	cred   *AgoraCredential
	gen    uint64
	closed bool

	// route delivers a channel's messages to its subscriber; onSameUID
	// fires the logged-in-elsewhere flow; onDown reports a lost link.
	route     func(channel string, payload []byte)
	onSameUID func()
	onDown    func()
}

func (r *rtmClient) connected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conn != nil
}

// connect dials the gateway, logs in, and subscribes the user channel.
// Reconnecting with a changed user id tears the previous link down;
// a token-only change logs in again over a fresh dial as well, since the
// gateway binds the token at handshake time.
func (r *rtmClient) connect(cred *AgoraCredential) error {
	if cred.GatewayURL == "" || cred.RtmUserID == "" {
		return errcode.New(errcode.InvalidParameter, "rtm credential is incomplete")
	}

	r.mu.Lock()
	if r.conn != nil && r.cred != nil && r.cred.RtmUserID == cred.RtmUserID && r.cred.RtmToken == cred.RtmToken {
		r.mu.Unlock()
		return nil
	}
	old := r.conn
	r.conn = nil
	r.mu.Unlock()
	if old != nil {
		old.Close()
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.Dial(cred.GatewayURL, nil)
	if err != nil {
		return errcode.Newf(errcode.ServerRtmNotConnected, "dialing rtm gateway: %v", err)
	}

	login, _ := json.Marshal(rtmFrame{Op: "login", UserID: cred.RtmUserID, Token: cred.RtmToken})
	if err := conn.WriteMessage(websocket.TextMessage, login); err != nil {
		conn.Close()
		return errcode.Newf(errcode.ServerRtmNotConnected, "rtm login: %v", err)
	}
	sub, _ := json.Marshal(rtmFrame{Op: "subscribe", Channel: cred.RtmUserID})
	if err := conn.WriteMessage(websocket.TextMessage, sub); err != nil {
		conn.Close()
		return errcode.Newf(errcode.ServerRtmNotConnected, "rtm subscribe: %v", err)
	}

	r.mu.Lock()
	r.conn = conn
	r.cred = cred
	r.closed = false
	r.gen++
	gen := r.gen
	r.mu.Unlock()

	go r.readPump(conn, gen)
	slog.Info("rtm channel connected", "user", biz.Mask(cred.RtmUserID))
	return nil
}

func (r *rtmClient) disconnect() {
	r.mu.Lock()
	conn := r.conn
	r.conn = nil
	r.closed = true
	r.gen++
	r.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

// publish sends payload on a channel.
func (r *rtmClient) publish(channel string, payload []byte) error {
	r.mu.Lock()
	conn := r.conn
	r.mu.Unlock()
	if conn == nil {
		return errcode.New(errcode.ServerRtmNotConnected, "rtm client is not connected")
	}
	frame, err := json.Marshal(rtmFrame{Op: "publish", Channel: channel, Payload: payload})
	if err != nil {
		return errcode.Newf(errcode.InvalidParameter, "encoding rtm frame: %v", err)
	}
	r.wmu.Lock()
	defer r.wmu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return errcode.Newf(errcode.ServerRtmNotConnected, "rtm publish: %v", err)
	}
	return nil
}

func (r *rtmClient) readPump(conn *websocket.Conn, gen uint64) {
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			r.mu.Lock()
			current := r.gen == gen
			wasClosed := r.closed
			if current {
				r.conn = nil
			}
			r.mu.Unlock()
			if current && !wasClosed {
				slog.Warn("rtm connection lost", "error", err)
				if r.onDown != nil {
					r.onDown()
				}
			}
			return
		}

		var frame rtmFrame
		if err := json.Unmarshal(payload, &frame); err != nil {
			slog.Debug("unparseable rtm frame", "bytes", len(payload))
			continue
		}
		switch frame.Op {
		case "message":
			if r.route != nil {
				r.route(frame.Channel, frame.Payload)
			}
		case "event":
			if frame.Type == sameUIDLogin && r.onSameUID != nil {
				r.onSameUID()
			}
		}
	}
}

// rtmTransport adapts one printer's RTM channel to the transport
// contract so the generic session machinery drives cloud printers too.
type rtmTransport struct {
	client  *rtmClient
	channel string

	mu       sync.Mutex
	attached bool
	msgCB    func([]byte)
	statusCB func(bool)
}

func newRTMTransport(client *rtmClient, channel string) *rtmTransport {
	return &rtmTransport{client: client, channel: channel}
}

func (t *rtmTransport) Connect(params biz.ConnectParams, autoReconnect bool) error {
	if !t.client.connected() {
		return errcode.New(errcode.ServerRtmNotConnected, "rtm client is not connected")
	}
	t.mu.Lock()
	t.attached = true
	cb := t.statusCB
	t.mu.Unlock()
	if cb != nil {
		cb(true)
	}
	return nil
}

func (t *rtmTransport) Disconnect() {
	t.mu.Lock()
	was := t.attached
	t.attached = false
	cb := t.statusCB
	t.mu.Unlock()
	if was && cb != nil {
		cb(false)
	}
}

func (t *rtmTransport) IsConnected() bool {
	t.mu.Lock()
	attached := t.attached
	t.mu.Unlock()
	return attached && t.client.connected()
}

func (t *rtmTransport) State() biz.ConnectionState {
	if t.IsConnected() {
		return biz.StateConnected
	}
	return biz.StateDisconnected
}

func (t *rtmTransport) Send(payload []byte) error {
	return t.client.publish(t.channel, payload)
}

func (t *rtmTransport) SetMessageCallback(fn func([]byte)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.msgCB = fn
}

func (t *rtmTransport) SetStatusCallback(fn func(bool)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.statusCB = fn
}

func (t *rtmTransport) NotifyConnectionRecovered() {}

// deliver hands an inbound channel message to the session pump.
func (t *rtmTransport) deliver(payload []byte) {
	t.mu.Lock()
	cb := t.msgCB
	t.mu.Unlock()
	if cb != nil {
		cb(payload)
	}
}
