package bus

import (
	"sync/atomic"
	"testing"

	"github.com/TheLab-ms/printerlink/biz"
	"github.com/stretchr/testify/assert"
)

func TestPublishFanOut(t *testing.T) {
	b := New()
	defer b.Close()

	ch1 := b.Subscribe()
	ch2 := b.Subscribe()
	var cbCount atomic.Int32
	b.SetCallback(func(biz.Event) { cbCount.Add(1) })

	b.Publish(biz.NewEvent(biz.OnConnectionStatus, biz.ConnectionStatus{PrinterID: "lan_x", Connected: true}))

	ev := <-ch1
	assert.Equal(t, biz.OnConnectionStatus, ev.Method)
	ev = <-ch2
	assert.Equal(t, biz.OnConnectionStatus, ev.Method)
	assert.EqualValues(t, 1, cbCount.Load())
}

func TestPublishRejectsRequestMethods(t *testing.T) {
	b := New()
	defer b.Close()
	ch := b.Subscribe()

	b.Publish(biz.Event{Method: biz.GetPrinterStatus})
	select {
	case ev := <-ch:
		t.Fatalf("request method leaked onto the bus: %v", ev.Method)
	default:
	}
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	b := New()
	defer b.Close()
	_ = b.Subscribe() // never drained

	// Far more events than the channel buffers; Publish must not stall.
	for i := 0; i < 100; i++ {
		b.Publish(biz.NewEvent(biz.OnOnlineStatusChanged, biz.OnlineStatus{Online: true}))
	}
}

func TestUnsubscribeIdempotent(t *testing.T) {
	b := New()
	ch := b.Subscribe()
	b.Unsubscribe(ch)
	b.Unsubscribe(ch) // second call must not panic on the closed channel
}
