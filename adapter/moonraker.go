package adapter

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/TheLab-ms/printerlink/biz"
	"github.com/TheLab-ms/printerlink/errcode"
)

// moonrakerMethods maps canonical methods onto Moonraker JSON-RPC method
// names. Methods without an entry are not expressible in this dialect.
var moonrakerMethods = map[biz.Method]string{
	biz.GetPrinterStatus:     "printer.objects.query",
	biz.GetPrinterAttributes: "printer.info",
	biz.StartPrint:           "printer.print.start",
	biz.PausePrint:           "printer.print.pause",
	biz.ResumePrint:          "printer.print.resume",
	biz.StopPrint:            "printer.print.cancel",
	biz.HomeAxes:             "printer.gcode.script",
	biz.MoveAxes:             "printer.gcode.script",
	biz.SetTemperature:       "printer.gcode.script",
	biz.SetPrintSpeed:        "printer.gcode.script",
	biz.SetFanSpeed:          "printer.gcode.script",
	biz.GetFileList:          "server.files.list",
	biz.GetFileDetail:        "server.files.metadata",
	biz.GetPrintTaskList:     "server.history.list",
	biz.DeletePrintTasks:     "server.history.delete_job",
}

// defaultStatusQuery asks for the objects the typed status view reads.
var defaultStatusQuery = json.RawMessage(`{"objects":{"print_stats":null,"extruder":null,"heater_bed":null,"display_status":null,"fan":null,"gcode_move":null}}`)

// Moonraker speaks JSON-RPC 2.0 over the Moonraker WebSocket.
// notify_status_update deltas merge into the status cache the same way the
// CC2 dialect's deltas do.
type Moonraker struct {
	base
	cache statusCache
	types []biz.PrinterType
}

func NewMoonraker(info biz.PrinterInfo) *Moonraker {
	return &Moonraker{
		base:  newBase(info),
		types: []biz.PrinterType{biz.GenericFDMKlipper, biz.ElegooFDMKlipper},
	}
}

func (a *Moonraker) SupportedPrinterTypes() []biz.PrinterType { return a.types }

func (a *Moonraker) Info() string { return "GENERIC_MOONRAKER_ADAPTER" }

type rpcEnvelope struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
	ID json.RawMessage `json:"id,omitempty"`
}

func (a *Moonraker) ConvertRequest(method biz.Method, params json.RawMessage, timeout time.Duration) (*Request, error) {
	rpcMethod, ok := moonrakerMethods[method]
	if !ok {
		return nil, errcode.Newf(errcode.OperationNotImplemented, "method %s is not supported by the moonraker dialect", method)
	}
	if method == biz.GetPrinterStatus && len(params) == 0 {
		params = defaultStatusQuery
	}

	id := a.newRequestID()
	env := map[string]any{"jsonrpc": "2.0", "method": rpcMethod, "id": json.Number(id)}
	if len(params) > 0 {
		env["params"] = params
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return nil, errcode.Newf(errcode.PrinterInvalidParameter, "encoding request: %v", err)
	}
	a.record(id, method, timeout)
	return &Request{RequestID: id, Method: method, Payload: payload}, nil
}

func (a *Moonraker) ConvertToResponse(payload []byte) *Response {
	var env rpcEnvelope
	if err := json.Unmarshal(payload, &env); err != nil || len(env.ID) == 0 {
		return &Response{}
	}
	id := rpcID(env.ID)
	rec, ok := a.take(id)
	if !ok {
		return &Response{}
	}

	if env.Error != nil {
		return &Response{
			RequestID: id,
			Code:      errcode.PrinterCommandFailed,
			Message:   env.Error.Message,
		}
	}

	data := env.Result
	// A status query result carries the full snapshot; seed the cache so
	// later deltas have a base.
	if rec.method == biz.GetPrinterStatus {
		var result struct {
			Status map[string]any `json:"status"`
		}
		if json.Unmarshal(env.Result, &result) == nil && result.Status != nil {
			a.cache.SetFull(result.Status)
			data = a.cache.JSON()
		}
	}
	return &Response{RequestID: id, Code: errcode.Success, Message: "ok", Data: data}
}

func (a *Moonraker) ConvertToEvent(payload []byte) *Event {
	var env rpcEnvelope
	if err := json.Unmarshal(payload, &env); err != nil || env.Method == "" {
		return &Event{}
	}
	switch env.Method {
	case "notify_status_update":
		// params is [ {delta}, timestamp ]
		var parts []json.RawMessage
		if err := json.Unmarshal(env.Params, &parts); err != nil || len(parts) == 0 {
			return &Event{}
		}
		var delta map[string]any
		if err := json.Unmarshal(parts[0], &delta); err != nil {
			return &Event{}
		}
		a.cache.MergeDelta(delta)
		return &Event{Method: biz.OnPrinterStatus, Data: a.cache.JSON()}
	case "notify_klippy_disconnected", "notify_klippy_shutdown":
		return &Event{Method: biz.OnPrinterStatus, Data: mustJSON(biz.OfflineStatus(a.info.PrinterID))}
	case "notify_history_changed", "notify_filelist_changed":
		return &Event{Method: biz.OnPrinterEventRaw, Data: env.Params}
	}
	return &Event{}
}

func (a *Moonraker) ParseMessageType(payload []byte) []MessageKind {
	var env rpcEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil
	}
	var kinds []MessageKind
	if len(env.ID) > 0 && a.has(rpcID(env.ID)) {
		kinds = append(kinds, KindResponse)
	}
	if env.Method != "" {
		kinds = append(kinds, KindEvent)
	}
	return kinds
}

func (a *Moonraker) CachedFullStatus() json.RawMessage { return a.cache.JSON() }
func (a *Moonraker) ClearStatusCache()                 { a.cache.Clear() }

// rpcID normalizes the JSON-RPC id field (number or string) to a string.
func rpcID(raw json.RawMessage) string {
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}

func mustJSON(v any) json.RawMessage {
	js, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(fmt.Sprintf("%q", err.Error()))
	}
	return js
}
