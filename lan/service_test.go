package lan

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/TheLab-ms/printerlink/adapter"
	"github.com/TheLab-ms/printerlink/biz"
	"github.com/TheLab-ms/printerlink/errcode"
	"github.com/TheLab-ms/printerlink/session"
	"github.com/TheLab-ms/printerlink/transfer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubTransport satisfies transport.Transport without any real link.
type stubTransport struct {
	mu        sync.Mutex
	connected bool
	statusCB  func(bool)
	msgCB     func([]byte)
}

func (f *stubTransport) Connect(params biz.ConnectParams, autoReconnect bool) error {
	f.mu.Lock()
	f.connected = true
	cb := f.statusCB
	f.mu.Unlock()
	if cb != nil {
		cb(true)
	}
	return nil
}

func (f *stubTransport) Disconnect() {
	f.mu.Lock()
	was := f.connected
	f.connected = false
	cb := f.statusCB
	f.mu.Unlock()
	if was && cb != nil {
		cb(false)
	}
}

func (f *stubTransport) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *stubTransport) State() biz.ConnectionState          { return biz.StateConnected }
func (f *stubTransport) Send(p []byte) error                 { return nil }
func (f *stubTransport) SetMessageCallback(fn func([]byte))  { f.msgCB = fn }
func (f *stubTransport) SetStatusCallback(fn func(bool))     { f.statusCB = fn }
func (f *stubTransport) NotifyConnectionRecovered()          {}

// seedSession registers a stub-backed session directly in the registry.
func seedSession(t *testing.T, s *Service, info biz.PrinterInfo, strategy transfer.Strategy) *session.Session {
	t.Helper()
	ad, err := adapter.New(info)
	require.NoError(t, err)
	sess := session.New(info, &stubTransport{}, ad, s.events.Publish)
	require.NoError(t, sess.Connect(biz.ConnectParams{Host: info.Host, PrinterType: info.PrinterType}))

	s.sessionsMu.Lock()
	s.sessions[info.PrinterID] = &sessionEntry{sess: sess, strategy: strategy}
	s.sessionsMu.Unlock()
	t.Cleanup(sess.Close)
	return sess
}

func TestLifecycleAndGuards(t *testing.T) {
	s := NewService()
	assert.False(t, s.IsInitialized())

	// Operations before Initialize fail with NotInitialized.
	res := s.StartPrinterDiscovery(biz.DiscoveryParams{Timeout: time.Second})
	assert.Equal(t, errcode.NotInitialized, res.Code)
	up := s.UploadFile(biz.FileUploadParams{PrinterID: "x"}, nil)
	assert.Equal(t, errcode.NotInitialized, up.Code)

	require.True(t, s.Initialize(Config{}).IsSuccess())
	assert.True(t, s.IsInitialized())
	assert.Equal(t, errcode.OperationInProgress, s.Initialize(Config{}).Code)

	s.Cleanup()
	s.Cleanup() // idempotent
	assert.False(t, s.IsInitialized())
}

func TestConnectPrinterRejectsBadParams(t *testing.T) {
	s := NewService()
	require.True(t, s.Initialize(Config{}).IsSuccess())
	defer s.Cleanup()

	res := s.ConnectPrinter(biz.ConnectParams{})
	assert.Equal(t, errcode.InvalidParameter, res.Code)

	res = s.ConnectPrinter(biz.ConnectParams{Host: "h", PrinterType: "NOPE"})
	assert.Equal(t, errcode.InvalidParameter, res.Code)
}

func TestRegistryOperations(t *testing.T) {
	s := NewService()
	require.True(t, s.Initialize(Config{}).IsSuccess())
	defer s.Cleanup()

	info := biz.PrinterInfo{PrinterID: "lan_SN1", SerialNumber: "SN1", PrinterType: biz.ElegooFDMCC2, Host: "192.168.1.50"}
	seedSession(t, s, info, nil)

	assert.True(t, s.IsPrinterConnected("lan_SN1"))
	assert.False(t, s.IsPrinterConnected("lan_nope"))

	printers := s.GetPrinters()
	require.Len(t, printers, 1)
	assert.Equal(t, "lan_SN1", printers[0].PrinterID)

	res := s.DisconnectPrinter("lan_SN1")
	assert.True(t, res.IsSuccess())
	assert.Empty(t, s.GetPrinters())

	res = s.DisconnectPrinter("lan_SN1")
	assert.Equal(t, errcode.PrinterNotFound, res.Code)
}

func TestControlOpsRequireKnownPrinter(t *testing.T) {
	s := NewService()
	require.True(t, s.Initialize(Config{}).IsSuccess())
	defer s.Cleanup()

	res := s.StartPrint("lan_missing", biz.StartPrintParams{FileName: "x"}, time.Second)
	assert.Equal(t, errcode.PrinterNotFound, res.Code)
	st := s.GetPrinterStatus("lan_missing", time.Second)
	assert.Equal(t, errcode.PrinterNotFound, st.Code)
}

func TestUploadFlowWithEvents(t *testing.T) {
	received := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received++
	}))
	defer srv.Close()

	s := NewService()
	require.True(t, s.Initialize(Config{}).IsSuccess())
	defer s.Cleanup()

	info := biz.PrinterInfo{PrinterID: "lan_SN1", SerialNumber: "SN1", PrinterType: biz.ElegooFDMCC2, Host: srv.URL}
	strategy := transfer.NewElegooTransfer()
	seedSession(t, s, info, strategy)

	var events []biz.Event
	var mu sync.Mutex
	s.SetEventCallback(func(ev biz.Event) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, ev)
	})

	path := filepath.Join(t.TempDir(), "part.gcode")
	require.NoError(t, os.WriteFile(path, []byte("G28\nG1 X5\n"), 0644))

	res := s.UploadFile(biz.FileUploadParams{PrinterID: "lan_SN1", LocalFilePath: path}, nil)
	require.True(t, res.IsSuccess(), res.Message)
	assert.Equal(t, "part.gcode", res.Data.FileName)
	assert.Positive(t, received)

	mu.Lock()
	var final *biz.FileTransferProgress
	for _, ev := range events {
		if ev.Method == biz.OnFileTransferProgress {
			var p biz.FileTransferProgress
			require.NoError(t, json.Unmarshal(ev.Data, &p))
			final = &p
		}
	}
	mu.Unlock()
	require.NotNil(t, final, "a progress event must be published")
	assert.Equal(t, 100, final.Progress)
	assert.True(t, final.Finished)

	// The slot is free again.
	assert.False(t, s.UploadState("lan_SN1").Uploading)
}

func TestCancelWithoutUpload(t *testing.T) {
	s := NewService()
	require.True(t, s.Initialize(Config{}).IsSuccess())
	defer s.Cleanup()
	res := s.CancelFileUpload("lan_SN1")
	assert.Equal(t, errcode.InvalidParameter, res.Code)
}

func TestPrinterInfoFromParams(t *testing.T) {
	info := printerInfoFromParams(biz.ConnectParams{Host: "192.168.1.50:1883", PrinterType: biz.ElegooFDMCC2, SerialNumber: "SN9", AuthMode: biz.AuthAccessCode})
	assert.Equal(t, "lan_SN9", info.PrinterID)
	assert.Equal(t, "Elegoo", info.Brand)

	info = printerInfoFromParams(biz.ConnectParams{Host: "192.168.1.60:7125", PrinterType: biz.GenericFDMKlipper})
	assert.Equal(t, "lan_192.168.1.60", info.PrinterID)
	assert.Equal(t, "Generic", info.Brand)
}
