package transport

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/TheLab-ms/printerlink/biz"
	"github.com/TheLab-ms/printerlink/errcode"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDriver simulates a link whose first failCount open attempts fail.
type fakeDriver struct {
	mu        sync.Mutex
	open_     bool
	failCount int
	opens     int
	sent      [][]byte
}

func (f *fakeDriver) open(ctx context.Context, params biz.ConnectParams) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opens++
	if f.opens <= f.failCount {
		return errors.New("synthetic connect failure")
	}
	f.open_ = true
	return nil
}

func (f *fakeDriver) close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.open_ = false
}

func (f *fakeDriver) linkOpen() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open_
}

func (f *fakeDriver) send(p []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, p)
	return nil
}

func (f *fakeDriver) sendHeartbeat(p []byte) error { return f.send(p) }

func newTestManager(d *fakeDriver, hb HeartbeatConfig) *manager {
	return newManager("fake", d, hb)
}

func params() biz.ConnectParams {
	return biz.ConnectParams{Host: "192.168.1.50", PrinterType: biz.ElegooFDMCC2, ConnectionTimeout: time.Second}
}

func TestConnectDisconnectLifecycle(t *testing.T) {
	d := &fakeDriver{}
	m := newTestManager(d, HeartbeatConfig{})

	var transitions []bool
	var mu sync.Mutex
	m.SetStatusCallback(func(c bool) {
		mu.Lock()
		transitions = append(transitions, c)
		mu.Unlock()
	})

	require.NoError(t, m.Connect(params(), false))
	assert.True(t, m.IsConnected())
	assert.Equal(t, biz.StateConnected, m.State())

	// Second connect fails fast while connected.
	err := m.Connect(params(), false)
	require.Error(t, err)
	assert.Equal(t, errcode.PrinterAlreadyConnected, errcode.CodeOf(err))

	m.Disconnect()
	assert.False(t, m.IsConnected())
	assert.Equal(t, biz.StateDisconnected, m.State())

	// Repeated disconnects have no additional observable effect.
	m.Disconnect()
	m.Disconnect()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []bool{true, false}, transitions)
}

func TestConnectFailureNoReconnectWhenDisabled(t *testing.T) {
	d := &fakeDriver{failCount: 100}
	m := newTestManager(d, HeartbeatConfig{})

	err := m.Connect(params(), false)
	require.Error(t, err)
	time.Sleep(50 * time.Millisecond)

	d.mu.Lock()
	defer d.mu.Unlock()
	assert.Equal(t, 1, d.opens, "reconnect worker must not start with auto_reconnect=false")
}

func TestCheckConnectionNeverRetries(t *testing.T) {
	d := &fakeDriver{failCount: 100}
	m := newTestManager(d, HeartbeatConfig{})

	p := params()
	p.CheckConnection = true
	require.Error(t, m.Connect(p, true))
	time.Sleep(50 * time.Millisecond)

	d.mu.Lock()
	defer d.mu.Unlock()
	assert.Equal(t, 1, d.opens)
}

func TestSendRequiresConnection(t *testing.T) {
	d := &fakeDriver{}
	m := newTestManager(d, HeartbeatConfig{})
	err := m.Send([]byte("x"))
	assert.Equal(t, errcode.PrinterOffline, errcode.CodeOf(err))
}

func TestHeartbeatConsumesPong(t *testing.T) {
	d := &fakeDriver{}
	m := newTestManager(d, HeartbeatConfig{
		Enabled:  true,
		Interval: time.Hour, // the worker never fires; we only test consumption
		Timeout:  time.Hour,
		Create:   func() []byte { return []byte("ping") },
		Handle:   func(p []byte) bool { return string(p) == "pong" },
	})

	var forwarded atomic.Int32
	m.SetMessageCallback(func([]byte) { forwarded.Add(1) })
	require.NoError(t, m.Connect(params(), false))
	defer m.Disconnect()

	m.handleInbound([]byte("pong"))
	m.handleInbound([]byte(`{"id":"123"}`))
	assert.EqualValues(t, 1, forwarded.Load(), "heartbeat response must not reach the message callback")
}

func TestDelayedReconnectCancelledByRecovery(t *testing.T) {
	d := &fakeDriver{}
	m := newTestManager(d, HeartbeatConfig{})
	require.NoError(t, m.Connect(params(), true))

	var transitions []bool
	var mu sync.Mutex
	m.SetStatusCallback(func(c bool) {
		mu.Lock()
		transitions = append(transitions, c)
		mu.Unlock()
	})

	d.close()
	m.connectionLost(true)
	assert.Equal(t, biz.StateConnectionLost, m.State())

	// The link heals inside the debounce window.
	d.mu.Lock()
	d.open_ = true
	opensBefore := d.opens
	d.mu.Unlock()
	m.NotifyConnectionRecovered()

	time.Sleep(defaultDelayedReconnect + 200*time.Millisecond)
	assert.True(t, m.IsConnected())

	d.mu.Lock()
	assert.Equal(t, opensBefore, d.opens, "delayed reconnect must be cancelled by recovery")
	d.mu.Unlock()

	// A drop that heals inside the window is never observable: no
	// status=false ever reaches the app.
	mu.Lock()
	assert.Equal(t, []bool{true}, transitions)
	mu.Unlock()
	m.Disconnect()
}

func TestDelayedReconnectFiresWhenWindowElapses(t *testing.T) {
	d := &fakeDriver{}
	m := newTestManager(d, HeartbeatConfig{})
	require.NoError(t, m.Connect(params(), true))

	var transitions []bool
	var mu sync.Mutex
	m.SetStatusCallback(func(c bool) {
		mu.Lock()
		transitions = append(transitions, c)
		mu.Unlock()
	})

	// The link drops and never recovers on its own; once the window
	// elapses the app observes the disconnect and the reconnect worker
	// re-dials.
	d.close()
	m.connectionLost(true)

	assert.Eventually(t, func() bool { return m.IsConnected() },
		defaultDelayedReconnect+reconnectInterval+2*time.Second, 20*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []bool{false, true}, transitions)
	mu.Unlock()
	m.Disconnect()
}

func TestConnectionLostWhileDisconnectedIsNoop(t *testing.T) {
	d := &fakeDriver{}
	m := newTestManager(d, HeartbeatConfig{})
	var fired atomic.Int32
	m.SetStatusCallback(func(bool) { fired.Add(1) })
	m.connectionLost(false)
	assert.EqualValues(t, 0, fired.Load())
}
