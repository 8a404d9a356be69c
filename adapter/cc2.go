package adapter

import (
	"encoding/json"
	"time"

	"github.com/TheLab-ms/printerlink/biz"
	"github.com/TheLab-ms/printerlink/errcode"
)

// cc2Commands maps canonical methods onto the CC2 numeric command space.
var cc2Commands = map[biz.Method]int{
	biz.GetPrinterAttributes:      1010,
	biz.GetPrinterStatus:          1011,
	biz.UpdatePrinterName:         1012,
	biz.StartPrint:                1100,
	biz.PausePrint:                1101,
	biz.ResumePrint:               1102,
	biz.StopPrint:                 1103,
	biz.HomeAxes:                  1200,
	biz.MoveAxes:                  1201,
	biz.SetTemperature:            1202,
	biz.SetPrintSpeed:             1203,
	biz.SetFanSpeed:               1204,
	biz.SetPrinterDownloadFile:    1300,
	biz.CancelPrinterDownloadFile: 1301,
	biz.GetPrintTaskList:          1400,
	biz.DeletePrintTasks:          1401,
	biz.GetFileList:               1402,
	biz.GetFileDetail:             1403,
	biz.GetCanvasStatus:           1500,
	biz.SetAutoRefill:             1501,
}

const (
	cc2EventStatus     = 2000
	cc2EventAttributes = 2001
)

// ElegooCC2 speaks the CC2 MQTT dialect: flat JSON envelopes with 5-digit
// request ids, sequence-numbered status pushes, and delta telemetry merged
// into the status cache.
type ElegooCC2 struct {
	base
	cache statusCache
}

func NewElegooCC2(info biz.PrinterInfo) *ElegooCC2 {
	return &ElegooCC2{base: newBase(info)}
}

func (a *ElegooCC2) SupportedPrinterTypes() []biz.PrinterType {
	return []biz.PrinterType{biz.ElegooFDMCC2}
}

func (a *ElegooCC2) Info() string { return "ELEGOO_FDM_CC2_ADAPTER" }

type cc2Envelope struct {
	ID        string          `json:"id,omitempty"`
	Method    int             `json:"method,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
	Code      *int            `json:"code,omitempty"`
	Message   string          `json:"message,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Status    json.RawMessage `json:"status,omitempty"`
	Delta     json.RawMessage `json:"delta,omitempty"`
	Seq       *int64          `json:"seq,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
}

func (a *ElegooCC2) ConvertRequest(method biz.Method, params json.RawMessage, timeout time.Duration) (*Request, error) {
	cmd, ok := cc2Commands[method]
	if !ok {
		return nil, errcode.Newf(errcode.OperationNotImplemented, "method %s is not supported by the CC2 dialect", method)
	}
	id := a.newRequestID()
	payload, err := json.Marshal(cc2Envelope{
		ID:        id,
		Method:    cmd,
		Params:    params,
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		return nil, errcode.Newf(errcode.PrinterInvalidParameter, "encoding request: %v", err)
	}
	a.record(id, method, timeout)
	return &Request{RequestID: id, Method: method, Payload: payload}, nil
}

func (a *ElegooCC2) ConvertToResponse(payload []byte) *Response {
	var env cc2Envelope
	if err := json.Unmarshal(payload, &env); err != nil || env.ID == "" {
		return &Response{}
	}
	if _, ok := a.take(env.ID); !ok {
		return &Response{} // no request mapping: treat as noise
	}
	code := errcode.Success
	if env.Code != nil {
		code = cc2ErrorCode(*env.Code)
	}
	msg := env.Message
	if msg == "" {
		msg = "ok"
	}
	return &Response{RequestID: env.ID, Code: code, Message: msg, Data: env.Data}
}

func (a *ElegooCC2) ConvertToEvent(payload []byte) *Event {
	var env cc2Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return &Event{}
	}

	switch {
	case env.Status != nil:
		var full map[string]any
		if err := json.Unmarshal(env.Status, &full); err != nil {
			return &Event{}
		}
		a.cache.SetFull(full)
		a.observeSeq(env.Seq)
		return &Event{Method: biz.OnPrinterStatus, Data: a.cache.JSON()}
	case env.Delta != nil:
		var delta map[string]any
		if err := json.Unmarshal(env.Delta, &delta); err != nil {
			return &Event{}
		}
		a.cache.MergeDelta(delta)
		a.observeSeq(env.Seq)
		return &Event{Method: biz.OnPrinterStatus, Data: a.cache.JSON()}
	case env.Method == cc2EventAttributes && env.Data != nil:
		return &Event{Method: biz.OnPrinterAttributes, Data: env.Data}
	case env.Method == cc2EventStatus && env.Data != nil:
		var full map[string]any
		if err := json.Unmarshal(env.Data, &full); err != nil {
			return &Event{}
		}
		a.cache.SetFull(full)
		return &Event{Method: biz.OnPrinterStatus, Data: a.cache.JSON()}
	}
	return &Event{}
}

// observeSeq feeds the continuity counter and requests a resync through
// the send callback when too many gaps accumulate.
func (a *ElegooCC2) observeSeq(seq *int64) {
	if seq == nil {
		return
	}
	if a.cache.ObserveSeq(*seq) {
		a.sendToPrinter(biz.GetPrinterStatus, nil)
	}
}

func (a *ElegooCC2) ParseMessageType(payload []byte) []MessageKind {
	var env cc2Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil
	}
	var kinds []MessageKind
	if env.ID != "" && a.has(env.ID) {
		kinds = append(kinds, KindResponse)
	}
	if env.Status != nil || env.Delta != nil || env.Method >= cc2EventStatus {
		kinds = append(kinds, KindEvent)
	}
	return kinds
}

func (a *ElegooCC2) CachedFullStatus() json.RawMessage { return a.cache.JSON() }
func (a *ElegooCC2) ClearStatusCache()                 { a.cache.Clear() }

// cc2ErrorCode maps the printer's own error numbers onto the taxonomy.
func cc2ErrorCode(code int) errcode.Code {
	switch code {
	case 0:
		return errcode.Success
	case 1:
		return errcode.PrinterBusy
	case 2:
		return errcode.PrinterInvalidParameter
	case 3:
		return errcode.PrinterPrintFileNotFound
	case 4:
		return errcode.PrinterMissingBedLevelingData
	case 5:
		return errcode.PrinterFilamentRunout
	default:
		return errcode.PrinterCommandFailed
	}
}
