// Package session composes one Transport with one Adapter per printer and
// exposes the typed request/event surface. It owns the pending-request map
// keyed by the adapter's request ids and guarantees every caller observes
// exactly one outcome per request: a response, OperationTimeout, or
// OperationCancelled on teardown.
package session

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/TheLab-ms/printerlink/adapter"
	"github.com/TheLab-ms/printerlink/biz"
	"github.com/TheLab-ms/printerlink/errcode"
	"github.com/TheLab-ms/printerlink/transport"
)

const (
	// DefaultTimeout bounds requests whose caller didn't specify one.
	DefaultTimeout = 15 * time.Second

	statusPollInterval = 2 * time.Second
	statusPollTimeout  = 3 * time.Second
)

// Session is safe for concurrent use. It never stores a pointer back to
// its owning service; events flow out through the callback only.
type Session struct {
	info    biz.PrinterInfo
	trans   transport.Transport
	adapter adapter.Adapter
	events  biz.EventCallback

	mu      sync.Mutex
	pending map[string]chan *adapter.Response
	closed  bool

	pollMu   sync.Mutex
	pollStop chan struct{}

	stopSweep chan struct{}
	workers   sync.WaitGroup
}

// New wires a session together. The event callback receives connection,
// status, and printer events for this printer; it is never invoked under a
// session lock.
func New(info biz.PrinterInfo, trans transport.Transport, ad adapter.Adapter, events biz.EventCallback) *Session {
	s := &Session{
		info:      info,
		trans:     trans,
		adapter:   ad,
		events:    events,
		pending:   map[string]chan *adapter.Response{},
		stopSweep: make(chan struct{}),
	}
	trans.SetMessageCallback(s.onMessage)
	trans.SetStatusCallback(s.onStatusChange)
	ad.SetSendFunc(s.fireAndForget)

	s.workers.Add(1)
	go s.sweepLoop()
	return s
}

func (s *Session) PrinterInfo() biz.PrinterInfo { return s.info }

// UpdatePrinterInfo refreshes mutable identity fields (name, serial
// resolved during connect).
func (s *Session) UpdatePrinterInfo(info biz.PrinterInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.info = info
}

func (s *Session) Connect(params biz.ConnectParams) error {
	return s.trans.Connect(params, params.AutoReconnect)
}

func (s *Session) IsConnected() bool { return s.trans.IsConnected() }

// Disconnect tears the session down: pending requests resolve with
// OperationCancelled, polling stops, and the transport disconnects. The
// connection-status event flow emits the offline status event.
func (s *Session) Disconnect() {
	s.cancelPending("session disconnected")
	s.stopPolling()
	s.trans.Disconnect()
}

// Close is Disconnect plus worker teardown; the session is unusable after.
func (s *Session) Close() {
	s.mu.Lock()
	alreadyClosed := s.closed
	s.closed = true
	s.mu.Unlock()
	if alreadyClosed {
		return
	}
	s.Disconnect()
	close(s.stopSweep)
	s.workers.Wait()
}

// Execute runs one canonical request through the adapter and transport and
// waits for the correlated response.
func (s *Session) Execute(method biz.Method, params json.RawMessage, timeout time.Duration) errcode.Result[json.RawMessage] {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	req, err := s.adapter.ConvertRequest(method, params, timeout)
	if err != nil {
		return errcode.FromError[json.RawMessage](err)
	}

	ch := make(chan *adapter.Response, 1)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errcode.Fail[json.RawMessage](errcode.OperationCancelled, "session is closed")
	}
	s.pending[req.RequestID] = ch
	s.mu.Unlock()

	if err := s.trans.Send(req.Payload); err != nil {
		s.dropPending(req.RequestID)
		return errcode.FromError[json.RawMessage](err)
	}

	select {
	case resp := <-ch:
		if resp.Code != errcode.Success {
			return errcode.Fail[json.RawMessage](resp.Code, resp.Message)
		}
		return errcode.Ok(resp.Data)
	case <-time.After(timeout):
		// The entry must be gone before returning so a late response is
		// treated as noise rather than a double resolution.
		s.dropPending(req.RequestID)
		return errcode.Fail[json.RawMessage](errcode.OperationTimeout, "request timed out")
	}
}

// ExecuteInto decodes a successful Execute payload into out.
func (s *Session) ExecuteInto(method biz.Method, params json.RawMessage, timeout time.Duration, out any) error {
	res := s.Execute(method, params, timeout)
	if err := res.Err(); err != nil {
		return err
	}
	if out == nil || res.Data == nil || len(*res.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(*res.Data, out); err != nil {
		return errcode.Newf(errcode.PrinterInvalidResponse, "decoding %s response: %v", method, err)
	}
	return nil
}

// fireAndForget sends an adapter-initiated request without waiting; used
// for unsolicited refreshes like the sequence-gap resync.
func (s *Session) fireAndForget(method biz.Method, params json.RawMessage) {
	req, err := s.adapter.ConvertRequest(method, params, DefaultTimeout)
	if err != nil {
		return
	}
	if err := s.trans.Send(req.Payload); err != nil {
		slog.Debug("fire-and-forget send failed", "printer", biz.Mask(s.info.PrinterID), "method", method, "error", err)
	}
}

// onMessage is the inbound pump: every wire message is classified and
// dispatched as response, event, or both in order.
func (s *Session) onMessage(payload []byte) {
	kinds := s.adapter.ParseMessageType(payload)
	if len(kinds) == 0 {
		slog.Debug("unclassifiable printer message", "printer", biz.Mask(s.info.PrinterID), "bytes", len(payload))
		return
	}
	for _, kind := range kinds {
		switch kind {
		case adapter.KindResponse:
			resp := s.adapter.ConvertToResponse(payload)
			if !resp.IsValid() {
				slog.Debug("response without a matching request", "printer", biz.Mask(s.info.PrinterID))
				continue
			}
			s.resolve(resp)
		case adapter.KindEvent:
			ev := s.adapter.ConvertToEvent(payload)
			if ev.IsValid() {
				s.emit(biz.Event{Method: ev.Method, Data: ev.Data})
			}
		}
	}
}

func (s *Session) resolve(resp *adapter.Response) {
	s.mu.Lock()
	ch, ok := s.pending[resp.RequestID]
	if ok {
		delete(s.pending, resp.RequestID)
	}
	s.mu.Unlock()
	if !ok {
		slog.Debug("response for unknown request id", "printer", biz.Mask(s.info.PrinterID), "request", resp.RequestID)
		return
	}
	ch <- resp // buffered; each entry is resolved at most once
}

func (s *Session) dropPending(requestID string) {
	s.mu.Lock()
	delete(s.pending, requestID)
	s.mu.Unlock()
}

func (s *Session) cancelPending(reason string) {
	s.mu.Lock()
	cancelled := s.pending
	s.pending = map[string]chan *adapter.Response{}
	s.mu.Unlock()

	if len(cancelled) > 0 {
		slog.Info("cancelling pending requests", "printer", biz.Mask(s.info.PrinterID), "count", len(cancelled), "reason", reason)
	}
	for id, ch := range cancelled {
		ch <- &adapter.Response{RequestID: id, Code: errcode.OperationCancelled, Message: reason}
	}
}

// onStatusChange reacts to declared connection transitions: it emits the
// connection event, synthesizes the offline status on disconnect, and
// drives post-connect status polling.
func (s *Session) onStatusChange(connected bool) {
	state := "DISCONNECTED"
	if connected {
		state = "CONNECTED"
	}
	s.emit(biz.NewEvent(biz.OnConnectionStatus, biz.ConnectionStatus{
		PrinterID: s.info.PrinterID,
		Connected: connected,
		State:     state,
	}))

	if connected {
		s.startPolling()
		return
	}
	s.stopPolling()
	s.cancelPending("connection lost")
	s.adapter.ClearStatusCache()
	s.emit(biz.NewEvent(biz.OnPrinterStatus, biz.OfflineStatus(s.info.PrinterID)))
}

// startPolling issues GetPrinterStatus on a short cadence until the first
// success, so a freshly connected session converges on real state without
// waiting for the printer's own push schedule.
func (s *Session) startPolling() {
	s.pollMu.Lock()
	if s.pollStop != nil {
		s.pollMu.Unlock()
		return
	}
	stop := make(chan struct{})
	s.pollStop = stop
	s.pollMu.Unlock()

	s.workers.Add(1)
	go func() {
		defer s.workers.Done()
		ticker := time.NewTicker(statusPollInterval)
		defer ticker.Stop()
		for {
			res := s.Execute(biz.GetPrinterStatus, nil, statusPollTimeout)
			if res.IsSuccess() {
				s.pollMu.Lock()
				if s.pollStop == stop {
					s.pollStop = nil
				}
				s.pollMu.Unlock()
				return
			}
			select {
			case <-stop:
				return
			case <-ticker.C:
			}
		}
	}()
}

func (s *Session) stopPolling() {
	s.pollMu.Lock()
	if s.pollStop != nil {
		close(s.pollStop)
		s.pollStop = nil
	}
	s.pollMu.Unlock()
}

func (s *Session) sweepLoop() {
	defer s.workers.Done()
	ticker := time.NewTicker(adapter.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopSweep:
			return
		case <-ticker.C:
			if n := s.adapter.SweepExpired(); n > 0 {
				slog.Debug("swept expired request records", "printer", biz.Mask(s.info.PrinterID), "count", n)
			}
		}
	}
}

func (s *Session) emit(ev biz.Event) {
	if s.events != nil {
		s.events(ev)
	}
}
