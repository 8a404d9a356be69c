package discovery

import (
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/TheLab-ms/printerlink/biz"
	"github.com/TheLab-ms/printerlink/errcode"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const cc2Response = `{"sn":"F01NZQQZJS2ASC8","name":"Centauri Carbon 2","model":"CC2","brand":"Elegoo","version":"1.2.0"}`

// sendResponse delivers a datagram to the discovery's bound socket the way
// a responding printer would.
func sendResponse(t *testing.T, port int, payload string) {
	t.Helper()
	conn, err := net.Dial("udp4", fmt.Sprintf("127.0.0.1:%d", port))
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write([]byte(payload))
	require.NoError(t, err)
}

func TestDiscoverySinglePrinter(t *testing.T) {
	d := New()

	var mu sync.Mutex
	var incremental []biz.PrinterInfo
	var complete [][]biz.PrinterInfo
	done := make(chan struct{})

	params := biz.DiscoveryParams{Timeout: 2 * time.Second, BroadcastInterval: 500 * time.Millisecond, EnableAutoRetry: true}
	err := d.Start(params, Callbacks{
		OnPrinter: func(p biz.PrinterInfo) {
			mu.Lock()
			incremental = append(incremental, p)
			mu.Unlock()
		},
		OnComplete: func(ps []biz.PrinterInfo) {
			mu.Lock()
			complete = append(complete, ps)
			mu.Unlock()
			close(done)
		},
	})
	require.NoError(t, err)
	assert.True(t, d.IsRunning())

	port := d.localPort()
	require.NotZero(t, port)

	// The printer answers twice (re-broadcast); dedup must keep one entry.
	sendResponse(t, port, cc2Response)
	time.Sleep(100 * time.Millisecond)
	sendResponse(t, port, cc2Response)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("discovery never completed")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, incremental, 1)
	assert.Equal(t, "lan_F01NZQQZJS2ASC8", incremental[0].PrinterID)
	assert.Equal(t, biz.ElegooFDMCC2, incremental[0].PrinterType)
	assert.Equal(t, biz.AuthAccessCode, incremental[0].AuthMode)
	require.Len(t, complete, 1, "completion callback must fire exactly once")
	require.Len(t, complete[0], 1)
	assert.Equal(t, incremental[0].PrinterID, complete[0][0].PrinterID)
	assert.False(t, d.IsRunning())
}

func TestDiscoveryRejectsBadConfig(t *testing.T) {
	d := New()
	err := d.Start(biz.DiscoveryParams{Timeout: 0}, Callbacks{})
	assert.Equal(t, errcode.InvalidParameter, errcode.CodeOf(err))

	err = d.Start(biz.DiscoveryParams{Timeout: time.Second, BroadcastInterval: 2 * time.Second, EnableAutoRetry: true}, Callbacks{})
	assert.Equal(t, errcode.InvalidParameter, errcode.CodeOf(err))
}

func TestDiscoveryAlreadyRunning(t *testing.T) {
	d := New()
	params := biz.DiscoveryParams{Timeout: 2 * time.Second}
	require.NoError(t, d.Start(params, Callbacks{}))
	defer d.Stop()

	err := d.Start(params, Callbacks{})
	assert.Equal(t, errcode.OperationInProgress, errcode.CodeOf(err))
}

func TestStopIdempotentAndIdle(t *testing.T) {
	d := New()
	d.Stop() // idle stop succeeds silently

	require.NoError(t, d.Start(biz.DiscoveryParams{Timeout: 10 * time.Second}, Callbacks{}))
	d.Stop()
	d.Stop()
	assert.False(t, d.IsRunning())
}

func TestGarbageDatagramSkipped(t *testing.T) {
	d := New()
	done := make(chan []biz.PrinterInfo, 1)
	require.NoError(t, d.Start(biz.DiscoveryParams{Timeout: time.Second}, Callbacks{
		OnComplete: func(ps []biz.PrinterInfo) { done <- ps },
	}))

	sendResponse(t, d.localPort(), "not json at all")
	sendResponse(t, d.localPort(), `{"unrelated":true}`)

	select {
	case found := <-done:
		assert.Empty(t, found)
	case <-time.After(5 * time.Second):
		t.Fatal("discovery never completed")
	}
}

func TestStrategyParsers(t *testing.T) {
	cc := &elegooCC{}
	info := cc.Parse([]byte(`{"Id":"abc","Data":{"Name":"CC","MachineName":"Centauri Carbon","BrandName":"Elegoo","MainboardIP":"192.168.1.9","MainboardID":"MB001","FirmwareVersion":"1.0"}}`), "192.168.1.9")
	require.NotNil(t, info)
	assert.Equal(t, "lan_MB001", info.PrinterID)
	assert.Equal(t, biz.ElegooFDMCC, info.PrinterType)
	assert.Nil(t, cc.Parse([]byte(`{}`), "x"))

	moon := &moonraker{}
	info = moon.Parse([]byte(`{"hostname":"voron24","machine":"Generic Klipper","klipper_version":"v0.12"}`), "192.168.1.10")
	require.NotNil(t, info)
	assert.Equal(t, "lan_voron24", info.PrinterID)
	assert.Equal(t, "192.168.1.10:7125", info.Host)
	assert.Nil(t, moon.Parse([]byte(cc2Response), "x"), "moonraker parser must not claim CC2 payloads")
}
