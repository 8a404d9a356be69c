// Package adapter translates between the canonical method/event vocabulary
// and printer-specific wire formats. Each family implements Adapter; the
// base type provides request-id bookkeeping and the status cache shared by
// dialects that report delta telemetry.
package adapter

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/TheLab-ms/printerlink/biz"
	"github.com/TheLab-ms/printerlink/errcode"
)

// MessageKind classifies what a wire message carries. A single message may
// carry both a response and an event (an ack with a state delta); the
// adapter enumerates kinds in delivery order.
type MessageKind string

const (
	KindResponse MessageKind = "response"
	KindEvent    MessageKind = "event"
)

// Request is a converted outbound request: the wire payload plus the id
// the response will be correlated by.
type Request struct {
	RequestID string
	Method    biz.Method
	Payload   []byte
}

// Response is a converted inbound response. A zero RequestID marks it
// invalid: no pending record matched and the caller should treat the
// message as noise.
type Response struct {
	RequestID string
	Code      errcode.Code
	Message   string
	Data      json.RawMessage
}

func (r *Response) IsValid() bool { return r.RequestID != "" }

// Event is a converted inbound event; MethodUnknown signals "not an event".
type Event struct {
	Method biz.Method
	Data   json.RawMessage
}

func (e *Event) IsValid() bool { return e.Method != biz.MethodUnknown }

// SendFunc lets an adapter emit unsolicited requests (e.g. a status
// refresh after a sequence gap) through its owning session.
type SendFunc func(method biz.Method, params json.RawMessage)

// Adapter is the per-printer translation contract.
type Adapter interface {
	ConvertRequest(method biz.Method, params json.RawMessage, timeout time.Duration) (*Request, error)
	ConvertToResponse(payload []byte) *Response
	ConvertToEvent(payload []byte) *Event
	ParseMessageType(payload []byte) []MessageKind

	SupportedPrinterTypes() []biz.PrinterType
	Info() string
	PrinterInfo() biz.PrinterInfo

	// CachedFullStatus returns the merged full-state document ("{}" when
	// the cache is empty); ClearStatusCache resets it.
	CachedFullStatus() json.RawMessage
	ClearStatusCache()

	SetSendFunc(fn SendFunc)

	// SweepExpired drops pending records whose timeout has elapsed and
	// reports how many were removed. The session wakes its own callers;
	// this only frees adapter memory.
	SweepExpired() int
}

// SweepInterval is how often sessions run SweepExpired.
const SweepInterval = time.Minute

// pendingRecord tracks one outbound request awaiting its response.
type pendingRecord struct {
	method   biz.Method
	issuedAt time.Time
	timeout  time.Duration
}

// base carries the bookkeeping every family adapter shares.
type base struct {
	info biz.PrinterInfo

	mu      sync.Mutex
	pending map[string]pendingRecord
	send    SendFunc
}

func newBase(info biz.PrinterInfo) base {
	return base{info: info, pending: map[string]pendingRecord{}}
}

func (b *base) PrinterInfo() biz.PrinterInfo { return b.info }

func (b *base) SetSendFunc(fn SendFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.send = fn
}

// sendToPrinter emits an unsolicited request through the owning session.
func (b *base) sendToPrinter(method biz.Method, params json.RawMessage) {
	b.mu.Lock()
	fn := b.send
	b.mu.Unlock()
	if fn != nil {
		fn(method, params)
	}
}

// newRequestID produces the 5-digit numeric ids the printer dialects use.
func (b *base) newRequestID() string {
	return fmt.Sprintf("%d", 10000+rand.Intn(90000))
}

func (b *base) record(requestID string, method biz.Method, timeout time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending[requestID] = pendingRecord{method: method, issuedAt: time.Now(), timeout: timeout}
}

// take resolves and removes the record for requestID. ok is false when no
// request with that id is outstanding.
func (b *base) take(requestID string) (pendingRecord, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec, ok := b.pending[requestID]
	if ok {
		delete(b.pending, requestID)
	}
	return rec, ok
}

// has reports whether requestID is outstanding without consuming it.
func (b *base) has(requestID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.pending[requestID]
	return ok
}

func (b *base) SweepExpired() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	removed := 0
	now := time.Now()
	for id, rec := range b.pending {
		if now.Sub(rec.issuedAt) > rec.timeout {
			delete(b.pending, id)
			removed++
		}
	}
	return removed
}

// New instantiates the adapter matching info's printer type.
func New(info biz.PrinterInfo) (Adapter, error) {
	switch info.PrinterType {
	case biz.ElegooFDMCC:
		return NewElegooCC(info), nil
	case biz.ElegooFDMCC2:
		return NewElegooCC2(info), nil
	case biz.ElegooFDMKlipper, biz.GenericFDMKlipper:
		return NewMoonraker(info), nil
	default:
		return nil, errcode.Newf(errcode.InvalidParameter, "no adapter for printer type %q", info.PrinterType)
	}
}
