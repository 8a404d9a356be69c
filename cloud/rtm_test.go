package cloud

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/TheLab-ms/printerlink/biz"
	"github.com/TheLab-ms/printerlink/errcode"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeGateway implements just enough of the RTM gateway: it records login
// and subscribe frames and loops published frames back as channel
// messages from a fake printer.
type fakeGateway struct {
	upgrader websocket.Upgrader

	mu     sync.Mutex
	frames []rtmFrame
	conn   *websocket.Conn
}

func (g *fakeGateway) handler(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	g.mu.Lock()
	g.conn = conn
	g.mu.Unlock()

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var frame rtmFrame
		if json.Unmarshal(payload, &frame) != nil {
			continue
		}
		g.mu.Lock()
		g.frames = append(g.frames, frame)
		g.mu.Unlock()

		if frame.Op == "publish" {
			echo, _ := json.Marshal(rtmFrame{Op: "message", Channel: frame.Channel, Publisher: "printer", Payload: frame.Payload})
			conn.WriteMessage(websocket.TextMessage, echo)
		}
	}
}

func (g *fakeGateway) push(frame rtmFrame) {
	g.mu.Lock()
	conn := g.conn
	g.mu.Unlock()
	payload, _ := json.Marshal(frame)
	conn.WriteMessage(websocket.TextMessage, payload)
}

func (g *fakeGateway) recorded(op string) []rtmFrame {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []rtmFrame
	for _, f := range g.frames {
		if f.Op == op {
			out = append(out, f)
		}
	}
	return out
}

func startGateway(t *testing.T) (*fakeGateway, string) {
	t.Helper()
	gw := &fakeGateway{}
	srv := httptest.NewServer(http.HandlerFunc(gw.handler))
	t.Cleanup(srv.Close)
	return gw, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestRTMLoginSubscribePublish(t *testing.T) {
	gw, url := startGateway(t)

	var mu sync.Mutex
	routed := map[string][]string{}
	client := &rtmClient{
		route: func(channel string, payload []byte) {
			mu.Lock()
			routed[channel] = append(routed[channel], string(payload))
			mu.Unlock()
		},
	}

	cred := &AgoraCredential{RtmUserID: "u1", RtmToken: "tok", GatewayURL: url}
	require.NoError(t, client.connect(cred))
	defer client.disconnect()

	require.Eventually(t, func() bool { return len(gw.recorded("login")) == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, "u1", gw.recorded("login")[0].UserID)
	require.Eventually(t, func() bool { return len(gw.recorded("subscribe")) == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, "u1", gw.recorded("subscribe")[0].Channel)

	// Reconnecting with identical credentials is a no-op.
	require.NoError(t, client.connect(cred))
	assert.Len(t, gw.recorded("login"), 1)

	// Publish loops back through the fake printer and routes by channel.
	require.NoError(t, client.publish("u1SN123", []byte(`{"id":"42"}`)))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(routed["u1SN123"]) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestRTMSameUIDEvent(t *testing.T) {
	gw, url := startGateway(t)

	fired := make(chan struct{}, 1)
	client := &rtmClient{onSameUID: func() { fired <- struct{}{} }}
	require.NoError(t, client.connect(&AgoraCredential{RtmUserID: "u1", RtmToken: "tok", GatewayURL: url}))
	defer client.disconnect()

	require.Eventually(t, func() bool { return len(gw.recorded("subscribe")) == 1 }, time.Second, 10*time.Millisecond)
	gw.push(rtmFrame{Op: "event", Type: sameUIDLogin})

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("SAME_UID_LOGIN never fired")
	}
}

func TestRTMPublishWhenDisconnected(t *testing.T) {
	client := &rtmClient{}
	err := client.publish("chan", []byte("x"))
	assert.Equal(t, errcode.ServerRtmNotConnected, errcode.CodeOf(err))
}

func TestRTMTransportLifecycle(t *testing.T) {
	_, url := startGateway(t)
	client := &rtmClient{}
	require.NoError(t, client.connect(&AgoraCredential{RtmUserID: "u1", RtmToken: "tok", GatewayURL: url}))
	defer client.disconnect()

	tr := newRTMTransport(client, "u1SN1")
	assert.False(t, tr.IsConnected())

	var transitions []bool
	tr.SetStatusCallback(func(c bool) { transitions = append(transitions, c) })
	require.NoError(t, tr.Connect(biz.ConnectParams{Host: "cloud", PrinterType: biz.ElegooFDMCC2}, true))
	assert.True(t, tr.IsConnected())

	tr.Disconnect()
	tr.Disconnect() // idempotent
	assert.Equal(t, []bool{true, false}, transitions)
}
