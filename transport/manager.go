package transport

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/TheLab-ms/printerlink/biz"
	"github.com/TheLab-ms/printerlink/errcode"
	"github.com/cenkalti/backoff/v4"
)

// driver is what a protocol implementation plugs into the manager. The
// manager owns every lifecycle decision; the driver only opens and closes
// the actual link.
type driver interface {
	// open dials the link, completing any post-connect handshake. It
	// returns only when the link is usable or has failed terminally.
	open(ctx context.Context, params biz.ConnectParams) error
	close()
	linkOpen() bool
	send(payload []byte) error
	// sendHeartbeat emits one heartbeat frame on the link.
	sendHeartbeat(payload []byte) error
}

// manager implements the Transport lifecycle around a driver: the declared
// state machine, auto-reconnect, delayed reconnect debouncing, and the
// heartbeat worker. MQTT and WebSocket transports embed one each.
type manager struct {
	name      string
	driver    driver
	heartbeat HeartbeatConfig

	mu            sync.Mutex
	state         biz.ConnectionState
	params        biz.ConnectParams
	hasParams     bool
	autoReconnect bool

	reconnectCancel context.CancelFunc
	delayedCancel   context.CancelFunc
	hbCancel        context.CancelFunc
	workers         sync.WaitGroup

	lastPongMu sync.Mutex
	lastPong   time.Time

	cbMu     sync.Mutex
	statusCB func(bool)
	msgCB    func([]byte)
}

func newManager(name string, d driver, hb HeartbeatConfig) *manager {
	return &manager{name: name, driver: d, heartbeat: hb, state: biz.StateDisconnected}
}

func (m *manager) SetStatusCallback(fn func(bool)) {
	m.cbMu.Lock()
	defer m.cbMu.Unlock()
	m.statusCB = fn
}

func (m *manager) SetMessageCallback(fn func([]byte)) {
	m.cbMu.Lock()
	defer m.cbMu.Unlock()
	m.msgCB = fn
}

func (m *manager) State() biz.ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *manager) IsConnected() bool {
	m.mu.Lock()
	declared := m.state == biz.StateConnected
	m.mu.Unlock()
	return declared && m.driver.linkOpen()
}

func (m *manager) Send(payload []byte) error {
	if !m.IsConnected() {
		return errcode.New(errcode.PrinterOffline, "transport is not connected")
	}
	return m.driver.send(payload)
}

func (m *manager) Connect(params biz.ConnectParams, autoReconnect bool) error {
	m.mu.Lock()
	switch m.state {
	case biz.StateConnected:
		if m.driver.linkOpen() {
			m.mu.Unlock()
			return errcode.Newf(errcode.PrinterAlreadyConnected,
				"printer already connected via %s, disconnect first", m.name)
		}
	case biz.StateConnecting, biz.StateRegistering:
		m.mu.Unlock()
		return errcode.New(errcode.OperationInProgress,
			"another connection attempt is already in progress")
	}
	m.state = biz.StateConnecting
	m.params = params
	m.hasParams = true
	m.autoReconnect = autoReconnect
	m.mu.Unlock()

	timeout := params.ConnectionTimeout
	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	err := m.driver.open(ctx, params)
	cancel()

	m.mu.Lock()
	if err != nil {
		m.state = biz.StateDisconnected
		shouldRetry := autoReconnect && !params.CheckConnection
		m.mu.Unlock()
		if shouldRetry {
			m.startReconnect()
		}
		return err
	}
	m.state = biz.StateConnected
	m.mu.Unlock()

	m.touchPong()
	if m.heartbeat.Enabled {
		m.startHeartbeat()
	}
	m.notifyStatus(true)
	slog.Info("transport connected", "protocol", m.name, "host", params.Host)
	return nil
}

func (m *manager) Disconnect() {
	m.mu.Lock()
	m.autoReconnect = false
	wasConnected := m.state == biz.StateConnected
	m.state = biz.StateDisconnected
	m.cancelLocked(&m.reconnectCancel)
	m.cancelLocked(&m.delayedCancel)
	m.cancelLocked(&m.hbCancel)
	m.mu.Unlock()

	m.driver.close()
	m.workers.Wait()

	if wasConnected {
		m.notifyStatus(false)
		slog.Info("transport disconnected", "protocol", m.name)
	}
}

func (m *manager) NotifyConnectionRecovered() {
	m.mu.Lock()
	m.cancelLocked(&m.delayedCancel)
	wasDown := m.state != biz.StateConnected
	m.state = biz.StateConnected
	m.mu.Unlock()
	if wasDown {
		m.notifyStatus(true)
	}
}

// connectionLost is invoked by drivers when the link drops underneath a
// connected session. delayed selects the debounced variant for flappy
// links that usually heal within milliseconds.
func (m *manager) connectionLost(delayed bool) {
	m.mu.Lock()
	if m.state != biz.StateConnected {
		m.mu.Unlock()
		return
	}
	m.state = biz.StateConnectionLost
	m.cancelLocked(&m.hbCancel)
	retry := m.autoReconnect && m.hasParams
	m.mu.Unlock()

	if delayed && retry {
		// The drop is debounced: the status callback fires only once the
		// recovery window has elapsed without the link healing.
		m.startDelayedReconnect(defaultDelayedReconnect)
		return
	}
	m.notifyStatus(false)
	if retry {
		m.startReconnect()
	}
}

func (m *manager) startReconnect() {
	m.mu.Lock()
	if !m.autoReconnect || !m.hasParams || m.reconnectCancel != nil {
		m.mu.Unlock()
		return
	}
	if m.state != biz.StateConnected {
		m.state = biz.StateReconnecting
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.reconnectCancel = cancel
	params := m.params
	m.mu.Unlock()

	m.workers.Add(1)
	go func() {
		defer m.workers.Done()
		defer func() {
			m.mu.Lock()
			m.reconnectCancel = nil
			m.mu.Unlock()
		}()

		policy := backoff.WithContext(backoff.NewConstantBackOff(reconnectInterval), ctx)
		err := backoff.Retry(func() error {
			if m.IsConnected() {
				return nil
			}
			slog.Info("attempting automatic reconnection", "protocol", m.name, "host", params.Host)
			if err := m.Connect(params, true); err != nil {
				slog.Warn("automatic reconnection failed", "protocol", m.name, "error", err)
				return err
			}
			return nil
		}, policy)
		if err == nil {
			slog.Info("automatic reconnection successful", "protocol", m.name)
		}
	}()
}

func (m *manager) startDelayedReconnect(delay time.Duration) {
	m.mu.Lock()
	m.cancelLocked(&m.delayedCancel)
	ctx, cancel := context.WithCancel(context.Background())
	m.delayedCancel = cancel
	m.mu.Unlock()

	m.workers.Add(1)
	go func() {
		defer m.workers.Done()
		select {
		case <-ctx.Done():
			// Link recovered (or we were torn down) inside the window;
			// neither the drop nor the delayed reconnect is observable.
			return
		case <-time.After(delay):
		}
		m.mu.Lock()
		m.delayedCancel = nil
		down := m.state != biz.StateConnected
		m.mu.Unlock()
		if down {
			m.notifyStatus(false)
			m.startReconnect()
		}
	}()
}

func (m *manager) startHeartbeat() {
	m.mu.Lock()
	m.cancelLocked(&m.hbCancel)
	ctx, cancel := context.WithCancel(context.Background())
	m.hbCancel = cancel
	m.mu.Unlock()

	m.workers.Add(1)
	go func() {
		defer m.workers.Done()
		ticker := time.NewTicker(m.heartbeat.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			if !m.driver.linkOpen() {
				continue
			}
			if err := m.driver.sendHeartbeat(m.heartbeat.Create()); err != nil {
				slog.Warn("heartbeat send failed", "protocol", m.name, "error", err)
			}
			m.lastPongMu.Lock()
			silent := time.Since(m.lastPong)
			m.lastPongMu.Unlock()
			if silent > m.heartbeat.Timeout {
				slog.Warn("heartbeat timeout, reconnecting", "protocol", m.name, "silent", silent)
				m.driver.close()
				m.connectionLost(false)
				return
			}
		}
	}()
}

// handleInbound consumes heartbeat responses and forwards everything else
// to the message callback.
func (m *manager) handleInbound(payload []byte) {
	if m.heartbeat.Enabled && m.heartbeat.Handle != nil && m.heartbeat.Handle(payload) {
		m.touchPong()
		return
	}
	m.cbMu.Lock()
	cb := m.msgCB
	m.cbMu.Unlock()
	if cb != nil {
		cb(payload)
	}
}

func (m *manager) touchPong() {
	m.lastPongMu.Lock()
	m.lastPong = time.Now()
	m.lastPongMu.Unlock()
}

func (m *manager) notifyStatus(connected bool) {
	m.cbMu.Lock()
	cb := m.statusCB
	m.cbMu.Unlock()
	if cb != nil {
		cb(connected)
	}
}

// setState transitions the declared state; used by drivers for the
// registration phase.
func (m *manager) setState(s biz.ConnectionState) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

func (m *manager) cancelLocked(c *context.CancelFunc) {
	if *c != nil {
		(*c)()
		*c = nil
	}
}
