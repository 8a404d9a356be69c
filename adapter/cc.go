package adapter

import (
	"encoding/json"
	"time"

	"github.com/TheLab-ms/printerlink/biz"
	"github.com/TheLab-ms/printerlink/errcode"
	"github.com/google/uuid"
)

// ccCommands maps canonical methods onto the SDCP command numbers the CC
// firmware understands.
var ccCommands = map[biz.Method]int{
	biz.GetPrinterStatus:          0,
	biz.GetPrinterAttributes:      1,
	biz.StartPrint:                128,
	biz.PausePrint:                129,
	biz.StopPrint:                 130,
	biz.ResumePrint:               131,
	biz.UpdatePrinterName:         192,
	biz.HomeAxes:                  200,
	biz.MoveAxes:                  201,
	biz.SetTemperature:            202,
	biz.SetPrintSpeed:             203,
	biz.SetFanSpeed:               204,
	biz.SetPrinterDownloadFile:    255,
	biz.CancelPrinterDownloadFile: 256,
	biz.GetFileList:               258,
	biz.GetFileDetail:             259,
	biz.GetPrintTaskList:          320,
	biz.DeletePrintTasks:          321,
}

// ElegooCC speaks the first-generation SDCP WebSocket dialect: nested
// envelopes keyed by PascalCase fields. The firmware always pushes full
// status documents, so there is no delta cache; CachedFullStatus is
// permanently empty.
type ElegooCC struct {
	base
}

func NewElegooCC(info biz.PrinterInfo) *ElegooCC {
	return &ElegooCC{base: newBase(info)}
}

func (a *ElegooCC) SupportedPrinterTypes() []biz.PrinterType {
	return []biz.PrinterType{biz.ElegooFDMCC}
}

func (a *ElegooCC) Info() string { return "ELEGOO_FDM_CC_ADAPTER" }

type ccEnvelope struct {
	ID   string `json:"Id,omitempty"`
	Data *struct {
		Cmd         int             `json:"Cmd"`
		Data        json.RawMessage `json:"Data,omitempty"`
		RequestID   string          `json:"RequestID,omitempty"`
		MainboardID string          `json:"MainboardID,omitempty"`
		TimeStamp   int64           `json:"TimeStamp,omitempty"`
		From        int             `json:"From,omitempty"`
	} `json:"Data,omitempty"`
	Status     json.RawMessage `json:"Status,omitempty"`
	Attributes json.RawMessage `json:"Attributes,omitempty"`
}

func (a *ElegooCC) ConvertRequest(method biz.Method, params json.RawMessage, timeout time.Duration) (*Request, error) {
	cmd, ok := ccCommands[method]
	if !ok {
		return nil, errcode.Newf(errcode.OperationNotImplemented, "method %s is not supported by the CC dialect", method)
	}
	id := a.newRequestID()
	env := map[string]any{
		"Id": uuid.NewString(),
		"Data": map[string]any{
			"Cmd":         cmd,
			"Data":        params,
			"RequestID":   id,
			"MainboardID": a.info.MainboardID,
			"TimeStamp":   time.Now().Unix(),
			"From":        1,
		},
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return nil, errcode.Newf(errcode.PrinterInvalidParameter, "encoding request: %v", err)
	}
	a.record(id, method, timeout)
	return &Request{RequestID: id, Method: method, Payload: payload}, nil
}

func (a *ElegooCC) ConvertToResponse(payload []byte) *Response {
	var env ccEnvelope
	if err := json.Unmarshal(payload, &env); err != nil || env.Data == nil || env.Data.RequestID == "" {
		return &Response{}
	}
	if _, ok := a.take(env.Data.RequestID); !ok {
		return &Response{}
	}

	// SDCP acks embed an Ack integer inside Data; non-zero means failure.
	code := errcode.Success
	msg := "ok"
	var ack struct {
		Ack int `json:"Ack"`
	}
	if env.Data.Data != nil && json.Unmarshal(env.Data.Data, &ack) == nil && ack.Ack != 0 {
		code = errcode.PrinterCommandFailed
		msg = "printer rejected the command"
	}
	return &Response{RequestID: env.Data.RequestID, Code: code, Message: msg, Data: env.Data.Data}
}

func (a *ElegooCC) ConvertToEvent(payload []byte) *Event {
	var env ccEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return &Event{}
	}
	switch {
	case env.Status != nil:
		return &Event{Method: biz.OnPrinterStatus, Data: env.Status}
	case env.Attributes != nil:
		return &Event{Method: biz.OnPrinterAttributes, Data: env.Attributes}
	}
	return &Event{}
}

func (a *ElegooCC) ParseMessageType(payload []byte) []MessageKind {
	var env ccEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil
	}
	var kinds []MessageKind
	if env.Data != nil && env.Data.RequestID != "" && a.has(env.Data.RequestID) {
		kinds = append(kinds, KindResponse)
	}
	if env.Status != nil || env.Attributes != nil {
		kinds = append(kinds, KindEvent)
	}
	return kinds
}

func (a *ElegooCC) CachedFullStatus() json.RawMessage { return json.RawMessage("{}") }
func (a *ElegooCC) ClearStatusCache()                 {}
