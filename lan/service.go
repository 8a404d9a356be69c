// Package lan is the LAN-side service facade: the registry of active
// printer sessions, discovery orchestration, and file transfer dispatch.
package lan

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/TheLab-ms/printerlink/adapter"
	"github.com/TheLab-ms/printerlink/biz"
	"github.com/TheLab-ms/printerlink/bus"
	"github.com/TheLab-ms/printerlink/discovery"
	"github.com/TheLab-ms/printerlink/errcode"
	"github.com/TheLab-ms/printerlink/session"
	"github.com/TheLab-ms/printerlink/transfer"
	"github.com/TheLab-ms/printerlink/transport"
	"golang.org/x/time/rate"
)

// Config configures the LAN service.
type Config struct {
	// DefaultRequestTimeout is stored with the service configuration but
	// not consulted: typed operations whose caller passes zero use
	// session.DefaultTimeout.
	DefaultRequestTimeout time.Duration
}

// ConnectResult is the payload of ConnectPrinter.
type ConnectResult struct {
	PrinterInfo biz.PrinterInfo `json:"printerInfo"`
	IsConnected bool            `json:"isConnected"`
}

type sessionEntry struct {
	sess     *session.Session
	params   biz.ConnectParams
	strategy transfer.Strategy
}

// Service is the LAN facade. All public operations are safe for
// concurrent use; locks are fine-grained and never held across transport
// calls or user callbacks.
type Service struct {
	initialized atomic.Bool
	cfg         Config

	events *bus.Bus
	disc   *discovery.Discovery

	sessionsMu sync.Mutex
	sessions   map[string]*sessionEntry

	tracker *transfer.Tracker

	// progressLimit throttles upload progress events so a fast link does
	// not flood subscribers.
	progressLimit rate.Limit
}

func NewService() *Service {
	return &Service{
		events:        bus.New(),
		disc:          discovery.New(),
		sessions:      map[string]*sessionEntry{},
		tracker:       transfer.NewTracker(),
		progressLimit: rate.Every(200 * time.Millisecond),
	}
}

// Initialize prepares the service. Calling it twice reports
// OperationInProgress for the second caller.
func (s *Service) Initialize(cfg Config) errcode.Result[errcode.Void] {
	if !s.initialized.CompareAndSwap(false, true) {
		return errcode.Fail[errcode.Void](errcode.OperationInProgress, "service already initialized")
	}
	s.cfg = cfg
	slog.Info("lan service initialized")
	return errcode.OkEmpty[errcode.Void]()
}

// Cleanup stops discovery, closes every session, and returns the service
// to its uninitialized state. Idempotent.
func (s *Service) Cleanup() {
	if !s.initialized.CompareAndSwap(true, false) {
		return
	}
	s.disc.Stop()

	s.sessionsMu.Lock()
	entries := s.sessions
	s.sessions = map[string]*sessionEntry{}
	s.sessionsMu.Unlock()
	for id, entry := range entries {
		entry.sess.Close()
		slog.Info("closed printer session", "printer", biz.Mask(id))
	}
	s.events.Close()
}

func (s *Service) IsInitialized() bool { return s.initialized.Load() }

// SetEventCallback installs the application event callback for all LAN
// events.
func (s *Service) SetEventCallback(cb biz.EventCallback) { s.events.SetCallback(cb) }

// Events exposes the underlying bus so integrators can merge LAN and
// cloud streams.
func (s *Service) Events() *bus.Bus { return s.events }

func (s *Service) notInitialized() error {
	if s.initialized.Load() {
		return nil
	}
	return errcode.New(errcode.NotInitialized, "lan service is not initialized")
}

// ---- Discovery ----

// StartPrinterDiscovery runs one discovery pass and returns everything
// found. Incremental results are published as OnPrinterDiscovery events
// while the run progresses.
func (s *Service) StartPrinterDiscovery(params biz.DiscoveryParams) errcode.Result[[]biz.PrinterInfo] {
	if err := s.notInitialized(); err != nil {
		return errcode.FromError[[]biz.PrinterInfo](err)
	}

	done := make(chan []biz.PrinterInfo, 1)
	err := s.disc.Start(params, discovery.Callbacks{
		OnPrinter: func(p biz.PrinterInfo) {
			s.events.Publish(biz.NewEvent(biz.OnPrinterDiscovery, p))
		},
		OnComplete: func(ps []biz.PrinterInfo) {
			done <- ps
		},
	})
	if err != nil {
		if errcode.CodeOf(err) == errcode.OperationInProgress {
			// A concurrent run is already under way; wait it out and hand
			// back whatever it found.
			time.Sleep(params.Timeout)
			return errcode.Ok(s.disc.DiscoveredPrinters())
		}
		return errcode.FromError[[]biz.PrinterInfo](err)
	}

	found := <-done
	return errcode.Ok(found)
}

func (s *Service) StopPrinterDiscovery() errcode.Result[errcode.Void] {
	if err := s.notInitialized(); err != nil {
		return errcode.FromError[errcode.Void](err)
	}
	s.disc.Stop()
	return errcode.OkEmpty[errcode.Void]()
}

func (s *Service) GetDiscoveredPrinters() []biz.PrinterInfo {
	return s.disc.DiscoveredPrinters()
}

// ---- Sessions ----

// ConnectPrinter dials a printer and, unless params.CheckConnection is
// set, retains the session in the registry.
func (s *Service) ConnectPrinter(params biz.ConnectParams) errcode.Result[ConnectResult] {
	if err := s.notInitialized(); err != nil {
		return errcode.FromError[ConnectResult](err)
	}
	if err := params.Validate(); err != nil {
		return errcode.FromError[ConnectResult](err)
	}

	info := printerInfoFromParams(params)

	s.sessionsMu.Lock()
	if existing, ok := s.sessions[info.PrinterID]; ok && existing.sess.IsConnected() {
		s.sessionsMu.Unlock()
		return errcode.Fail[ConnectResult](errcode.PrinterAlreadyConnected, "printer is already connected")
	}
	s.sessionsMu.Unlock()

	trans, err := transportFor(params.PrinterType)
	if err != nil {
		return errcode.FromError[ConnectResult](err)
	}
	ad, err := adapter.New(info)
	if err != nil {
		return errcode.FromError[ConnectResult](err)
	}

	sess := session.New(info, trans, ad, s.events.Publish)
	if err := sess.Connect(params); err != nil {
		sess.Close()
		return errcode.FromError[ConnectResult](err)
	}

	// A check-only probe reports the outcome and leaves nothing behind.
	if params.CheckConnection {
		sess.Close()
		return errcode.Ok(ConnectResult{PrinterInfo: info, IsConnected: true})
	}

	// The transport may have resolved the serial number during connect.
	if mq, ok := trans.(*transport.MQTT); ok {
		if serial := mq.Serial(); serial != "" && serial != info.SerialNumber {
			info.SerialNumber = serial
			info.PrinterID = biz.LanIDPrefix + serial
			sess.UpdatePrinterInfo(info)
		}
	}

	strategy, err := transfer.ForPrinterType(params.PrinterType)
	if err == nil {
		strategy.SetAuthCredentials(authCredentials(params))
	}

	s.sessionsMu.Lock()
	if old, ok := s.sessions[info.PrinterID]; ok {
		old.sess.Close()
	}
	s.sessions[info.PrinterID] = &sessionEntry{sess: sess, params: params, strategy: strategy}
	s.sessionsMu.Unlock()

	s.events.Publish(biz.NewEvent(biz.OnPrinterListChanged, s.GetPrinters()))
	return errcode.Ok(ConnectResult{PrinterInfo: info, IsConnected: true})
}

func (s *Service) DisconnectPrinter(printerID string) errcode.Result[errcode.Void] {
	if err := s.notInitialized(); err != nil {
		return errcode.FromError[errcode.Void](err)
	}

	s.sessionsMu.Lock()
	entry, ok := s.sessions[printerID]
	if ok {
		delete(s.sessions, printerID)
	}
	s.sessionsMu.Unlock()
	if !ok {
		return errcode.Fail[errcode.Void](errcode.PrinterNotFound, "no such printer")
	}

	entry.sess.Close()
	s.events.Publish(biz.NewEvent(biz.OnPrinterListChanged, s.GetPrinters()))
	return errcode.OkEmpty[errcode.Void]()
}

func (s *Service) GetPrinters() []biz.PrinterInfo {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	out := make([]biz.PrinterInfo, 0, len(s.sessions))
	for _, entry := range s.sessions {
		out = append(out, entry.sess.PrinterInfo())
	}
	return out
}

func (s *Service) IsPrinterConnected(printerID string) bool {
	entry := s.entry(printerID)
	return entry != nil && entry.sess.IsConnected()
}

func (s *Service) entry(printerID string) *sessionEntry {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	return s.sessions[printerID]
}

// Session exposes the typed per-printer surface for direct use.
func (s *Service) Session(printerID string) (*session.Session, error) {
	if err := s.notInitialized(); err != nil {
		return nil, err
	}
	entry := s.entry(printerID)
	if entry == nil {
		return nil, errcode.New(errcode.PrinterNotFound, "no such printer")
	}
	return entry.sess, nil
}

// ---- Control operations ----

func (s *Service) StartPrint(printerID string, params biz.StartPrintParams, timeout time.Duration) errcode.Result[errcode.Void] {
	return s.voidOp(printerID, func(sess *session.Session) errcode.Result[errcode.Void] {
		return sess.StartPrint(params, timeout)
	})
}

func (s *Service) PausePrint(printerID string, timeout time.Duration) errcode.Result[errcode.Void] {
	return s.voidOp(printerID, func(sess *session.Session) errcode.Result[errcode.Void] {
		return sess.PausePrint(timeout)
	})
}

func (s *Service) ResumePrint(printerID string, timeout time.Duration) errcode.Result[errcode.Void] {
	return s.voidOp(printerID, func(sess *session.Session) errcode.Result[errcode.Void] {
		return sess.ResumePrint(timeout)
	})
}

func (s *Service) StopPrint(printerID string, timeout time.Duration) errcode.Result[errcode.Void] {
	return s.voidOp(printerID, func(sess *session.Session) errcode.Result[errcode.Void] {
		return sess.StopPrint(timeout)
	})
}

func (s *Service) SetAutoRefill(printerID string, params biz.SetAutoRefillParams, timeout time.Duration) errcode.Result[errcode.Void] {
	return s.voidOp(printerID, func(sess *session.Session) errcode.Result[errcode.Void] {
		return sess.SetAutoRefill(params, timeout)
	})
}

func (s *Service) UpdatePrinterName(printerID string, params biz.UpdatePrinterNameParams, timeout time.Duration) errcode.Result[errcode.Void] {
	return s.voidOp(printerID, func(sess *session.Session) errcode.Result[errcode.Void] {
		return sess.UpdatePrinterName(params, timeout)
	})
}

func (s *Service) GetPrinterAttributes(printerID string, timeout time.Duration) errcode.Result[biz.PrinterAttributes] {
	sess, err := s.Session(printerID)
	if err != nil {
		return errcode.FromError[biz.PrinterAttributes](err)
	}
	return sess.GetPrinterAttributes(timeout)
}

func (s *Service) GetPrinterStatus(printerID string, timeout time.Duration) errcode.Result[biz.PrinterStatus] {
	sess, err := s.Session(printerID)
	if err != nil {
		return errcode.FromError[biz.PrinterStatus](err)
	}
	return sess.GetPrinterStatus(timeout)
}

func (s *Service) GetCanvasStatus(printerID string, timeout time.Duration) errcode.Result[biz.CanvasStatus] {
	sess, err := s.Session(printerID)
	if err != nil {
		return errcode.FromError[biz.CanvasStatus](err)
	}
	return sess.GetCanvasStatus(timeout)
}

// RefreshPrinterStatus requests a status push without waiting for it.
func (s *Service) RefreshPrinterStatus(printerID string) {
	if entry := s.entry(printerID); entry != nil {
		entry.sess.RefreshPrinterStatus()
	}
}

// RefreshPrinterAttributes is the attributes counterpart.
func (s *Service) RefreshPrinterAttributes(printerID string) {
	if entry := s.entry(printerID); entry != nil {
		entry.sess.RefreshPrinterAttributes()
	}
}

func (s *Service) voidOp(printerID string, fn func(*session.Session) errcode.Result[errcode.Void]) errcode.Result[errcode.Void] {
	sess, err := s.Session(printerID)
	if err != nil {
		return errcode.FromError[errcode.Void](err)
	}
	return fn(sess)
}

// ---- File transfer ----

// UploadFile pushes a local file to the printer using its family's
// strategy. At most one upload per printer is in flight; progress is
// reported through cb and as throttled OnFileTransferProgress events.
func (s *Service) UploadFile(params biz.FileUploadParams, cb transfer.ProgressCallback) errcode.Result[transfer.UploadResult] {
	if err := s.notInitialized(); err != nil {
		return errcode.FromError[transfer.UploadResult](err)
	}
	entry := s.entry(params.PrinterID)
	if entry == nil {
		return errcode.Fail[transfer.UploadResult](errcode.PrinterNotFound, "no such printer")
	}
	if entry.strategy == nil {
		return errcode.Fail[transfer.UploadResult](errcode.OperationNotImplemented, "printer family has no transfer strategy")
	}

	op, err := s.tracker.Begin(params.PrinterID)
	if err != nil {
		return errcode.FromError[transfer.UploadResult](err)
	}
	defer s.tracker.End(params.PrinterID)

	limiter := rate.NewLimiter(s.progressLimit, 1)
	info := entry.sess.PrinterInfo()

	res, err := entry.strategy.Upload(context.Background(), info, params, op, func(pct int) bool {
		s.tracker.Progress(params.PrinterID, pct)
		if limiter.Allow() || pct == 100 {
			s.events.Publish(biz.NewEvent(biz.OnFileTransferProgress, biz.FileTransferProgress{
				PrinterID: params.PrinterID,
				FileName:  params.FileName,
				Progress:  pct,
				Finished:  pct == 100,
			}))
		}
		if cb != nil {
			return cb(pct)
		}
		return true
	})
	if err != nil {
		code := errcode.CodeOf(err)
		s.events.Publish(biz.NewEvent(biz.OnFileTransferProgress, biz.FileTransferProgress{
			PrinterID: params.PrinterID,
			FileName:  params.FileName,
			Progress:  s.tracker.StateOf(params.PrinterID).Progress,
			Finished:  true,
			Code:      int(code),
		}))
		return errcode.FromError[transfer.UploadResult](err)
	}
	return errcode.Ok(*res)
}

// CancelFileUpload latches cancellation for the printer's active upload.
func (s *Service) CancelFileUpload(printerID string) errcode.Result[errcode.Void] {
	if err := s.notInitialized(); err != nil {
		return errcode.FromError[errcode.Void](err)
	}
	if !s.tracker.Cancel(printerID) {
		return errcode.Fail[errcode.Void](errcode.InvalidParameter, "no upload in flight for this printer")
	}
	return errcode.OkEmpty[errcode.Void]()
}

// DownloadFile pulls a printer-side file to a local path.
func (s *Service) DownloadFile(params biz.FileDownloadParams, cb transfer.ProgressCallback) errcode.Result[transfer.DownloadResult] {
	if err := s.notInitialized(); err != nil {
		return errcode.FromError[transfer.DownloadResult](err)
	}
	entry := s.entry(params.PrinterID)
	if entry == nil || entry.strategy == nil {
		return errcode.Fail[transfer.DownloadResult](errcode.PrinterNotFound, "no such printer")
	}
	op := &transfer.Operation{}
	res, err := entry.strategy.Download(context.Background(), entry.sess.PrinterInfo(), params, op, cb)
	if err != nil {
		return errcode.FromError[transfer.DownloadResult](err)
	}
	return errcode.Ok(*res)
}

// DownloadURL resolves the direct URL for a printer-side file.
func (s *Service) DownloadURL(printerID, remotePath string) (string, error) {
	entry := s.entry(printerID)
	if entry == nil || entry.strategy == nil {
		return "", errcode.New(errcode.PrinterNotFound, "no such printer")
	}
	return entry.strategy.DownloadURL(entry.sess.PrinterInfo(), remotePath), nil
}

// UploadState reports the per-printer upload state.
func (s *Service) UploadState(printerID string) transfer.State {
	return s.tracker.StateOf(printerID)
}

// ---- helpers ----

func transportFor(t biz.PrinterType) (transport.Transport, error) {
	switch t {
	case biz.ElegooFDMCC2:
		return transport.NewElegooCC2(), nil
	case biz.ElegooFDMCC:
		return transport.NewElegooCC(), nil
	case biz.ElegooFDMKlipper, biz.GenericFDMKlipper:
		return transport.NewMoonraker(), nil
	default:
		return nil, errcode.Newf(errcode.InvalidParameter, "no transport for printer type %q", t)
	}
}

func printerInfoFromParams(params biz.ConnectParams) biz.PrinterInfo {
	id := biz.LanIDPrefix + params.SerialNumber
	if params.SerialNumber == "" {
		id = biz.LanIDPrefix + transport.StripPort(params.Host)
	}
	brand := "Generic"
	switch params.PrinterType {
	case biz.ElegooFDMCC, biz.ElegooFDMCC2, biz.ElegooFDMKlipper:
		brand = "Elegoo"
	}
	return biz.PrinterInfo{
		PrinterID:    id,
		SerialNumber: params.SerialNumber,
		PrinterType:  params.PrinterType,
		Brand:        brand,
		Host:         params.Host,
		AuthMode:     params.AuthMode,
	}
}

func authCredentials(params biz.ConnectParams) map[string]string {
	creds := map[string]string{}
	if params.AccessCode != "" {
		creds["accessCode"] = params.AccessCode
	}
	if params.Token != "" {
		creds["token"] = params.Token
	}
	if params.Password != "" {
		creds["password"] = params.Password
	}
	if params.PinCode != "" {
		creds["pinCode"] = params.PinCode
	}
	return creds
}
