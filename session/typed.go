package session

import (
	"encoding/json"
	"time"

	"github.com/TheLab-ms/printerlink/biz"
	"github.com/TheLab-ms/printerlink/errcode"
)

// Typed wrappers over Execute, one per canonical method. Each marshals its
// params, runs the generic path, and decodes the response data.

func (s *Session) GetPrinterStatus(timeout time.Duration) errcode.Result[biz.PrinterStatus] {
	return typed[biz.PrinterStatus](s, biz.GetPrinterStatus, nil, timeout, func(st *biz.PrinterStatus, raw json.RawMessage) {
		st.PrinterID = s.info.PrinterID
		st.Raw = raw
	})
}

func (s *Session) GetPrinterAttributes(timeout time.Duration) errcode.Result[biz.PrinterAttributes] {
	return typed[biz.PrinterAttributes](s, biz.GetPrinterAttributes, nil, timeout, func(at *biz.PrinterAttributes, raw json.RawMessage) {
		at.PrinterID = s.info.PrinterID
		at.Raw = raw
	})
}

func (s *Session) GetCanvasStatus(timeout time.Duration) errcode.Result[biz.CanvasStatus] {
	return typed[biz.CanvasStatus](s, biz.GetCanvasStatus, nil, timeout, func(cs *biz.CanvasStatus, _ json.RawMessage) {
		cs.PrinterID = s.info.PrinterID
	})
}

func (s *Session) StartPrint(params biz.StartPrintParams, timeout time.Duration) errcode.Result[errcode.Void] {
	return void(s, biz.StartPrint, params, timeout)
}

func (s *Session) PausePrint(timeout time.Duration) errcode.Result[errcode.Void] {
	return void(s, biz.PausePrint, nil, timeout)
}

func (s *Session) ResumePrint(timeout time.Duration) errcode.Result[errcode.Void] {
	return void(s, biz.ResumePrint, nil, timeout)
}

func (s *Session) StopPrint(timeout time.Duration) errcode.Result[errcode.Void] {
	return void(s, biz.StopPrint, nil, timeout)
}

func (s *Session) UpdatePrinterName(params biz.UpdatePrinterNameParams, timeout time.Duration) errcode.Result[errcode.Void] {
	return void(s, biz.UpdatePrinterName, params, timeout)
}

func (s *Session) HomeAxes(params biz.HomeAxesParams, timeout time.Duration) errcode.Result[errcode.Void] {
	return void(s, biz.HomeAxes, params, timeout)
}

func (s *Session) MoveAxes(params biz.MoveAxesParams, timeout time.Duration) errcode.Result[errcode.Void] {
	return void(s, biz.MoveAxes, params, timeout)
}

func (s *Session) SetTemperature(params biz.SetTemperatureParams, timeout time.Duration) errcode.Result[errcode.Void] {
	return void(s, biz.SetTemperature, params, timeout)
}

func (s *Session) SetPrintSpeed(params biz.SetPrintSpeedParams, timeout time.Duration) errcode.Result[errcode.Void] {
	return void(s, biz.SetPrintSpeed, params, timeout)
}

func (s *Session) SetFanSpeed(params biz.SetFanSpeedParams, timeout time.Duration) errcode.Result[errcode.Void] {
	return void(s, biz.SetFanSpeed, params, timeout)
}

func (s *Session) SetAutoRefill(params biz.SetAutoRefillParams, timeout time.Duration) errcode.Result[errcode.Void] {
	return void(s, biz.SetAutoRefill, params, timeout)
}

func (s *Session) SetPrinterDownloadFile(params biz.PrinterDownloadFileParams, timeout time.Duration) errcode.Result[errcode.Void] {
	return void(s, biz.SetPrinterDownloadFile, params, timeout)
}

func (s *Session) CancelPrinterDownloadFile(timeout time.Duration) errcode.Result[errcode.Void] {
	return void(s, biz.CancelPrinterDownloadFile, nil, timeout)
}

func (s *Session) GetFileList(params biz.GetFileListParams, timeout time.Duration) errcode.Result[[]biz.FileInfo] {
	return typed[[]biz.FileInfo](s, biz.GetFileList, params, timeout, nil)
}

func (s *Session) GetFileDetail(params biz.GetFileDetailParams, timeout time.Duration) errcode.Result[biz.FileInfo] {
	return typed[biz.FileInfo](s, biz.GetFileDetail, params, timeout, nil)
}

func (s *Session) GetPrintTaskList(params biz.PrintTaskListParams, timeout time.Duration) errcode.Result[[]biz.PrintTask] {
	return typed[[]biz.PrintTask](s, biz.GetPrintTaskList, params, timeout, nil)
}

func (s *Session) DeletePrintTasks(params biz.DeletePrintTasksParams, timeout time.Duration) errcode.Result[errcode.Void] {
	return void(s, biz.DeletePrintTasks, params, timeout)
}

// RefreshPrinterStatus asks for a status push without waiting for the
// response; the result arrives as an OnPrinterStatus event.
func (s *Session) RefreshPrinterStatus() { s.fireAndForget(biz.GetPrinterStatus, nil) }

// RefreshPrinterAttributes is the fire-and-forget attributes counterpart.
func (s *Session) RefreshPrinterAttributes() { s.fireAndForget(biz.GetPrinterAttributes, nil) }

func typed[T any](s *Session, method biz.Method, params any, timeout time.Duration, fixup func(*T, json.RawMessage)) errcode.Result[T] {
	raw, err := marshalParams(params)
	if err != nil {
		return errcode.Fail[T](errcode.InvalidParameter, err.Error())
	}
	res := s.Execute(method, raw, timeout)
	if !res.IsSuccess() {
		return errcode.Fail[T](res.Code, res.Message)
	}
	var out T
	var data json.RawMessage
	if res.Data != nil {
		data = *res.Data
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &out); err != nil {
			return errcode.Fail[T](errcode.PrinterInvalidResponse, "decoding response: "+err.Error())
		}
	}
	if fixup != nil {
		fixup(&out, data)
	}
	return errcode.Ok(out)
}

func void(s *Session, method biz.Method, params any, timeout time.Duration) errcode.Result[errcode.Void] {
	raw, err := marshalParams(params)
	if err != nil {
		return errcode.Fail[errcode.Void](errcode.InvalidParameter, err.Error())
	}
	res := s.Execute(method, raw, timeout)
	if !res.IsSuccess() {
		return errcode.Fail[errcode.Void](res.Code, res.Message)
	}
	return errcode.OkEmpty[errcode.Void]()
}

func marshalParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	return json.Marshal(params)
}
