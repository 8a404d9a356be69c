package cloud

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/TheLab-ms/printerlink/adapter"
	"github.com/TheLab-ms/printerlink/biz"
	"github.com/TheLab-ms/printerlink/bus"
	"github.com/TheLab-ms/printerlink/engine"
	"github.com/TheLab-ms/printerlink/errcode"
	"github.com/TheLab-ms/printerlink/session"
	"github.com/TheLab-ms/printerlink/transfer"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

// Config configures the cloud service.
type Config struct {
	// Region selects the API cluster ("us", "eu", "cn"); ignored when
	// BaseAPIURL is set explicitly.
	Region     string
	BaseAPIURL string
	UserAgent  string
	CACertPath string

	// MonitorInterval is the connection-check cadence; RefreshInterval the
	// token-refresh check cadence. Zero values take the defaults.
	MonitorInterval time.Duration
	RefreshInterval time.Duration

	// insecureAPI disables the HTTPS rewrite so tests can point the
	// service at a plain-HTTP fixture.
	insecureAPI bool
}

const (
	defaultMonitorInterval = 10 * time.Second
	defaultRefreshInterval = 5 * time.Minute

	// Tokens are refreshed this far ahead of expiry.
	tokenRefreshThreshold = time.Hour
)

func (c *Config) apiBase() string {
	if c.BaseAPIURL != "" {
		return c.BaseAPIURL
	}
	switch c.Region {
	case "cn":
		return "https://api.cn.elegoo-cloud.com"
	case "eu":
		return "https://api.eu.elegoo-cloud.com"
	default:
		return "https://api.elegoo-cloud.com"
	}
}

// bindState tracks one serial's bind flow between the pre-bind HTTP call
// and the deviceBind completion event.
type bindState int

const (
	bindPending bindState = iota
	bindConfirmed
	bindCancelled
)

// Service is the cloud facade. Lock order: sessions → printers →
// credentials → callback; no lock is held across a transport call or a
// user callback.
type Service struct {
	initialized atomic.Bool
	cfg         Config

	creds  *credentialCache
	api    *api
	events *bus.Bus

	telemetry *telemetry
	rtm       *rtmClient

	printersMu sync.Mutex
	printers   []biz.PrinterInfo

	sessionsMu sync.Mutex
	sessions   map[string]*cloudSession // keyed by printer id

	bindMu     sync.Mutex
	bindStates map[string]bindState // keyed by serial number

	tracker       *transfer.Tracker
	progressLimit rate.Limit

	loggedElsewhere atomic.Bool
	refreshGroup    singleflight.Group

	stopMonitor context.CancelFunc
	workers     sync.WaitGroup
}

type cloudSession struct {
	sess  *session.Session
	trans *rtmTransport
	ad    adapter.Adapter
}

func NewService() *Service {
	s := &Service{
		creds:         &credentialCache{},
		events:        bus.New(),
		sessions:      map[string]*cloudSession{},
		bindStates:    map[string]bindState{},
		tracker:       transfer.NewTracker(),
		progressLimit: rate.Every(200 * time.Millisecond),
	}
	s.telemetry = &telemetry{
		printerBySerial: s.printerBySerial,
		uploadState: func(printerID string) (bool, int) {
			st := s.tracker.StateOf(printerID)
			return st.Uploading, st.Progress
		},
		mergeStatus: s.mergeStatus,
		publish:     s.events.Publish,
		onBindEvent: s.onBindEvent,
	}
	s.rtm = &rtmClient{
		route:     s.routeRTM,
		onSameUID: s.onSameUIDLogin,
		onDown:    func() { slog.Warn("rtm link down, monitor will retry") },
	}
	return s
}

func (s *Service) Initialize(cfg Config) errcode.Result[errcode.Void] {
	if !s.initialized.CompareAndSwap(false, true) {
		return errcode.Fail[errcode.Void](errcode.OperationInProgress, "service already initialized")
	}
	if cfg.MonitorInterval == 0 {
		cfg.MonitorInterval = defaultMonitorInterval
	}
	if cfg.RefreshInterval == 0 {
		cfg.RefreshInterval = defaultRefreshInterval
	}
	s.cfg = cfg

	api, err := newAPI(cfg, s.creds)
	if err != nil {
		s.initialized.Store(false)
		return errcode.FromError[errcode.Void](err)
	}
	s.api = api

	ctx, cancel := context.WithCancel(context.Background())
	s.stopMonitor = cancel
	s.workers.Add(1)
	go func() {
		defer s.workers.Done()
		mgr := &engine.ProcMgr{}
		mgr.Add(engine.Poll(cfg.MonitorInterval, s.checkConnections))
		mgr.Add(engine.Poll(cfg.RefreshInterval, s.checkTokenRefresh))
		mgr.Run(ctx)
	}()

	slog.Info("cloud service initialized", "api", cfg.apiBase())
	return errcode.OkEmpty[errcode.Void]()
}

func (s *Service) Cleanup() {
	if !s.initialized.CompareAndSwap(true, false) {
		return
	}
	s.stopMonitor()
	s.workers.Wait()

	s.sessionsMu.Lock()
	sessions := s.sessions
	s.sessions = map[string]*cloudSession{}
	s.sessionsMu.Unlock()
	for _, cs := range sessions {
		cs.sess.Close()
	}

	s.telemetry.disconnect()
	s.rtm.disconnect()
	s.creds.Clear()
	s.loggedElsewhere.Store(false)
	s.events.Close()
	slog.Info("cloud service cleaned up")
}

func (s *Service) IsInitialized() bool { return s.initialized.Load() }

func (s *Service) SetEventCallback(cb biz.EventCallback) { s.events.SetCallback(cb) }

// Events exposes the bus for stream merging with the LAN service.
func (s *Service) Events() *bus.Bus { return s.events }

func (s *Service) notInitialized() error {
	if s.initialized.Load() {
		return nil
	}
	return errcode.New(errcode.NotInitialized, "cloud service is not initialized")
}

// ---- Credentials ----

// SetHttpCredential installs a fresh user credential, clears the
// logged-in-elsewhere latch, and brings the subservices up.
func (s *Service) SetHttpCredential(cred HttpCredential) errcode.Result[errcode.Void] {
	if err := s.notInitialized(); err != nil {
		return errcode.FromError[errcode.Void](err)
	}
	if cred.AccessToken == "" {
		return errcode.Fail[errcode.Void](errcode.InvalidParameter, "access token is required")
	}

	s.creds.SetHTTP(&cred)
	s.loggedElsewhere.Store(false)

	if err := s.bringUp(context.Background()); err != nil {
		slog.Warn("cloud subservices not fully up yet", "error", err)
	}
	return errcode.OkEmpty[errcode.Void]()
}

func (s *Service) GetHttpCredential() errcode.Result[HttpCredential] {
	if err := s.notInitialized(); err != nil {
		return errcode.FromError[HttpCredential](err)
	}
	cred := s.creds.HTTP()
	if cred == nil {
		return errcode.Fail[HttpCredential](errcode.ServerUnauthorized, "no http credential is set")
	}
	return errcode.Ok(*cred)
}

// RefreshHttpCredential forces a refresh through the single-flight group
// so concurrent callers share one upstream call.
func (s *Service) RefreshHttpCredential() errcode.Result[HttpCredential] {
	if err := s.notInitialized(); err != nil {
		return errcode.FromError[HttpCredential](err)
	}
	v, err, _ := s.refreshGroup.Do("http", func() (any, error) {
		cred, err := s.api.refreshCredential(context.Background(), s.creds.HTTP())
		if err != nil {
			return nil, err
		}
		s.creds.SetHTTP(cred)
		return cred, nil
	})
	if err != nil {
		return errcode.FromError[HttpCredential](err)
	}
	return errcode.Ok(*v.(*HttpCredential))
}

func (s *Service) ClearHttpCredential() errcode.Result[errcode.Void] {
	if err := s.notInitialized(); err != nil {
		return errcode.FromError[errcode.Void](err)
	}
	s.creds.Clear()
	s.telemetry.disconnect()
	s.rtm.disconnect()
	return errcode.OkEmpty[errcode.Void]()
}

func (s *Service) Logout() errcode.Result[errcode.Void] {
	if err := s.notInitialized(); err != nil {
		return errcode.FromError[errcode.Void](err)
	}
	err := s.api.logout(context.Background())
	s.ClearHttpCredential()
	if err != nil {
		return errcode.FromError[errcode.Void](err)
	}
	return errcode.OkEmpty[errcode.Void]()
}

// TokenSource exposes the cached credential as an oauth2.TokenSource.
func (s *Service) TokenSource() oauth2.TokenSource { return s.creds.TokenSource() }

// SetRegion re-points the HTTP API at another region cluster.
func (s *Service) SetRegion(region string) errcode.Result[errcode.Void] {
	if err := s.notInitialized(); err != nil {
		return errcode.FromError[errcode.Void](err)
	}
	cfg := s.cfg
	cfg.Region = region
	cfg.BaseAPIURL = ""
	api, err := newAPI(cfg, s.creds)
	if err != nil {
		return errcode.FromError[errcode.Void](err)
	}
	s.cfg = cfg
	s.api = api
	slog.Info("cloud region switched", "region", region)
	return errcode.OkEmpty[errcode.Void]()
}

// ---- Account / misc API ----

func (s *Service) GetUserInfo() errcode.Result[UserInfo] {
	if err := s.notInitialized(); err != nil {
		return errcode.FromError[UserInfo](err)
	}
	info, err := s.api.getUserInfo(context.Background())
	if err != nil {
		return errcode.FromError[UserInfo](err)
	}
	return errcode.Ok(*info)
}

func (s *Service) GetRtcToken(channel string) errcode.Result[string] {
	if err := s.notInitialized(); err != nil {
		return errcode.FromError[string](err)
	}
	token, err := s.api.getRtcToken(context.Background(), channel)
	if err != nil {
		return errcode.FromError[string](err)
	}
	return errcode.Ok(token)
}

func (s *Service) GetLicenseExpiredDevices() errcode.Result[[]LicenseDevice] {
	if err := s.notInitialized(); err != nil {
		return errcode.FromError[[]LicenseDevice](err)
	}
	devices, err := s.api.getLicenseExpiredDevices(context.Background())
	if err != nil {
		return errcode.FromError[[]LicenseDevice](err)
	}
	return errcode.Ok(devices)
}

func (s *Service) RenewLicense(serialNumber string) errcode.Result[errcode.Void] {
	if err := s.notInitialized(); err != nil {
		return errcode.FromError[errcode.Void](err)
	}
	if err := s.api.renewLicense(context.Background(), serialNumber); err != nil {
		return errcode.FromError[errcode.Void](err)
	}
	return errcode.OkEmpty[errcode.Void]()
}

// SendRtmMessage publishes an arbitrary payload on a printer's channel.
func (s *Service) SendRtmMessage(printerID string, message json.RawMessage) errcode.Result[errcode.Void] {
	if err := s.notInitialized(); err != nil {
		return errcode.FromError[errcode.Void](err)
	}
	cs := s.session(printerID)
	if cs == nil {
		return errcode.Fail[errcode.Void](errcode.PrinterNotFound, "no such printer")
	}
	if err := cs.trans.Send(message); err != nil {
		return errcode.FromError[errcode.Void](err)
	}
	return errcode.OkEmpty[errcode.Void]()
}

// ---- Binding ----

// CheckPinCode resolves a pin to a bindable printer.
func (s *Service) CheckPinCode(model, pin string) errcode.Result[PinCodeDetails] {
	if err := s.notInitialized(); err != nil {
		return errcode.FromError[PinCodeDetails](err)
	}
	details, err := s.api.checkPincode(context.Background(), model, pin)
	if err != nil {
		return errcode.FromError[PinCodeDetails](err)
	}
	return errcode.Ok(*details)
}

// BindPrinter submits the pre-bind request and waits for the deviceBind
// completion event (or the timeout).
func (s *Service) BindPrinter(serialNumber string, manualConfirm bool, timeout time.Duration) errcode.Result[errcode.Void] {
	if err := s.notInitialized(); err != nil {
		return errcode.FromError[errcode.Void](err)
	}
	if serialNumber == "" {
		return errcode.Fail[errcode.Void](errcode.InvalidParameter, "serial number is required")
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	s.bindMu.Lock()
	s.bindStates[serialNumber] = bindPending
	s.bindMu.Unlock()

	if err := s.api.bindPrinter(context.Background(), serialNumber, manualConfirm); err != nil {
		s.clearBindState(serialNumber)
		return errcode.FromError[errcode.Void](err)
	}

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		s.bindMu.Lock()
		state := s.bindStates[serialNumber]
		s.bindMu.Unlock()
		switch state {
		case bindConfirmed:
			s.clearBindState(serialNumber)
			s.refreshPrinters(context.Background())
			return errcode.OkEmpty[errcode.Void]()
		case bindCancelled:
			s.clearBindState(serialNumber)
			return errcode.Fail[errcode.Void](errcode.OperationCancelled, "bind cancelled")
		}
		time.Sleep(200 * time.Millisecond)
	}
	s.clearBindState(serialNumber)
	return errcode.Fail[errcode.Void](errcode.OperationTimeout, "bind confirmation did not arrive")
}

func (s *Service) CancelBindPrinter(serialNumber string) errcode.Result[errcode.Void] {
	if err := s.notInitialized(); err != nil {
		return errcode.FromError[errcode.Void](err)
	}
	s.bindMu.Lock()
	if _, ok := s.bindStates[serialNumber]; ok {
		s.bindStates[serialNumber] = bindCancelled
	}
	s.bindMu.Unlock()
	return errcode.OkEmpty[errcode.Void]()
}

func (s *Service) UnbindPrinter(serialNumber string) errcode.Result[errcode.Void] {
	if err := s.notInitialized(); err != nil {
		return errcode.FromError[errcode.Void](err)
	}
	if err := s.api.unbindPrinter(context.Background(), serialNumber); err != nil {
		return errcode.FromError[errcode.Void](err)
	}
	s.dropSession(biz.CloudIDPrefix + serialNumber)
	s.refreshPrinters(context.Background())
	return errcode.OkEmpty[errcode.Void]()
}

func (s *Service) clearBindState(serialNumber string) {
	s.bindMu.Lock()
	delete(s.bindStates, serialNumber)
	s.bindMu.Unlock()
}

// onBindEvent handles lifecycle events from the telemetry event topic.
func (s *Service) onBindEvent(serial, eventType string) {
	switch eventType {
	case "deviceBind":
		s.bindMu.Lock()
		if _, ok := s.bindStates[serial]; ok {
			s.bindStates[serial] = bindConfirmed
		}
		s.bindMu.Unlock()
		s.events.Publish(biz.NewEvent(biz.OnPrinterListChanged, struct{}{}))
	case "deviceUnbind":
		s.dropSession(biz.CloudIDPrefix + serial)
		s.refreshPrinters(context.Background())
		s.events.Publish(biz.NewEvent(biz.OnPrinterListChanged, struct{}{}))
	}
}

// ---- Printers & sessions ----

func (s *Service) GetPrinters() []biz.PrinterInfo {
	s.printersMu.Lock()
	defer s.printersMu.Unlock()
	out := make([]biz.PrinterInfo, len(s.printers))
	copy(out, s.printers)
	return out
}

func (s *Service) printerBySerial(serial string) (biz.PrinterInfo, bool) {
	s.printersMu.Lock()
	defer s.printersMu.Unlock()
	for _, p := range s.printers {
		if p.SerialNumber == serial {
			return p, true
		}
	}
	return biz.PrinterInfo{}, false
}

func (s *Service) refreshPrinters(ctx context.Context) {
	printers, err := s.api.getPrinters(ctx)
	if err != nil {
		slog.Warn("refreshing cloud printer list failed", "error", err)
		return
	}
	s.printersMu.Lock()
	s.printers = printers
	s.printersMu.Unlock()
	s.ensureSessions(printers)
}

// ensureSessions creates a session per bound printer so control requests
// and telemetry merging have an adapter to run through.
func (s *Service) ensureSessions(printers []biz.PrinterInfo) {
	cred := s.creds.Agora()
	userID := ""
	if cred != nil {
		userID = cred.RtmUserID
	}

	for _, info := range printers {
		s.sessionsMu.Lock()
		_, exists := s.sessions[info.PrinterID]
		s.sessionsMu.Unlock()
		if exists {
			continue
		}

		ad, err := adapter.New(info)
		if err != nil {
			slog.Warn("no adapter for cloud printer", "printer", biz.Mask(info.PrinterID), "error", err)
			continue
		}
		trans := newRTMTransport(s.rtm, userID+info.SerialNumber)
		sess := session.New(info, trans, ad, s.events.Publish)
		if err := sess.Connect(biz.ConnectParams{Host: "cloud", PrinterType: info.PrinterType}); err != nil {
			slog.Debug("cloud session not connected yet", "printer", biz.Mask(info.PrinterID), "error", err)
		}

		s.sessionsMu.Lock()
		s.sessions[info.PrinterID] = &cloudSession{sess: sess, trans: trans, ad: ad}
		s.sessionsMu.Unlock()
	}
}

func (s *Service) session(printerID string) *cloudSession {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	return s.sessions[printerID]
}

func (s *Service) dropSession(printerID string) {
	s.sessionsMu.Lock()
	cs, ok := s.sessions[printerID]
	if ok {
		delete(s.sessions, printerID)
	}
	s.sessionsMu.Unlock()
	if ok {
		cs.sess.Close()
	}
}

func (s *Service) IsPrinterConnected(printerID string) bool {
	cs := s.session(printerID)
	return cs != nil && cs.sess.IsConnected()
}

// Session exposes the typed per-printer surface.
func (s *Service) Session(printerID string) (*session.Session, error) {
	if err := s.notInitialized(); err != nil {
		return nil, err
	}
	cs := s.session(printerID)
	if cs == nil {
		return nil, errcode.New(errcode.PrinterNotFound, "no such printer")
	}
	return cs.sess, nil
}

// routeRTM delivers a channel's inbound messages to the matching
// session's pump.
func (s *Service) routeRTM(channel string, payload []byte) {
	s.sessionsMu.Lock()
	var target *cloudSession
	for _, cs := range s.sessions {
		if cs.trans.channel == channel {
			target = cs
			break
		}
	}
	s.sessionsMu.Unlock()

	if target == nil {
		s.events.Publish(biz.NewEvent(biz.OnRtmMessage, biz.RtmMessage{Channel: channel, Message: payload}))
		return
	}
	target.trans.deliver(payload)
}

// mergeStatus folds a cloud status document into printerID's adapter
// cache and returns the merged view.
func (s *Service) mergeStatus(printerID string, doc map[string]any) json.RawMessage {
	cs := s.session(printerID)
	if cs == nil {
		js, _ := json.Marshal(doc)
		return js
	}
	delta, _ := json.Marshal(map[string]any{"delta": doc})
	if ev := cs.ad.ConvertToEvent(delta); ev.IsValid() {
		return ev.Data
	}
	js, _ := json.Marshal(doc)
	return js
}

// ---- Logged-in-elsewhere ----

// onSameUIDLogin latches the logged-in-elsewhere state: the event fires
// once and reconnection is suppressed until a fresh credential arrives.
func (s *Service) onSameUIDLogin() {
	if s.loggedElsewhere.CompareAndSwap(false, true) {
		slog.Warn("account logged in elsewhere, suspending cloud connections")
		s.events.Publish(biz.NewEvent(biz.OnLoggedInElsewhere, struct{}{}))
		s.telemetry.disconnect()
		s.rtm.disconnect()
	}
}

// LoggedInElsewhere reports the latch state.
func (s *Service) LoggedInElsewhere() bool { return s.loggedElsewhere.Load() }

// ---- Background monitor ----

// bringUp fetches subservice credentials and connects telemetry + RTM.
func (s *Service) bringUp(ctx context.Context) error {
	if s.loggedElsewhere.Load() {
		return errcode.New(errcode.ServerUnauthorized, "logged in elsewhere; waiting for new credentials")
	}

	s.refreshPrinters(ctx)

	mqttCred, err := s.api.getMqttCredential(ctx)
	if err != nil {
		return err
	}
	s.creds.SetMQTT(mqttCred)
	if err := s.telemetry.connect(mqttCred); err != nil {
		return err
	}

	agoraCred, err := s.api.getAgoraCredential(ctx)
	if err != nil {
		return err
	}
	prev := s.creds.Agora()
	s.creds.SetAgora(agoraCred)
	if prev == nil || prev.RtmToken != agoraCred.RtmToken || prev.RtmUserID != agoraCred.RtmUserID {
		s.events.Publish(biz.NewEvent(biz.OnRtcTokenChanged, map[string]string{"rtmUserId": agoraCred.RtmUserID}))
	}
	return s.rtm.connect(agoraCred)
}

// checkConnections keeps the telemetry and RTM subservices connected
// while a credential is present and the account isn't latched out.
func (s *Service) checkConnections(ctx context.Context) bool {
	if s.creds.HTTP() == nil || s.loggedElsewhere.Load() {
		return false
	}
	if !s.telemetry.connected() || !s.rtm.connected() {
		if err := s.bringUp(ctx); err != nil {
			slog.Debug("cloud subservice reconnect failed", "error", err)
		}
	}
	return false
}

// checkTokenRefresh refreshes the HTTP credential ahead of expiry.
// singleflight keeps a manual RefreshHttpCredential and the monitor from
// racing two upstream refreshes.
func (s *Service) checkTokenRefresh(ctx context.Context) bool {
	cred := s.creds.HTTP()
	if cred == nil || !cred.ShouldRefresh(tokenRefreshThreshold) {
		return false
	}
	s.refreshGroup.Do("http", func() (any, error) {
		fresh, err := s.api.refreshCredential(ctx, cred)
		if err != nil {
			slog.Warn("token refresh failed", "error", err)
			return nil, err
		}
		s.creds.SetHTTP(fresh)
		slog.Info("http credential refreshed ahead of expiry")
		return fresh, nil
	})
	return false
}
