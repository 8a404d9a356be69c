package cloud

import (
	"context"
	"path/filepath"
	"time"

	"github.com/TheLab-ms/printerlink/biz"
	"github.com/TheLab-ms/printerlink/errcode"
	"github.com/TheLab-ms/printerlink/session"
	"github.com/TheLab-ms/printerlink/transfer"
	"golang.org/x/time/rate"
)

// UploadFile pushes a local file to cloud storage and then instructs the
// printer to pull it. While the transfer runs, telemetry for the printer
// reports the synthetic uploading status.
func (s *Service) UploadFile(params biz.FileUploadParams, cb transfer.ProgressCallback) errcode.Result[transfer.UploadResult] {
	if err := s.notInitialized(); err != nil {
		return errcode.FromError[transfer.UploadResult](err)
	}
	cs := s.session(params.PrinterID)
	if cs == nil {
		return errcode.Fail[transfer.UploadResult](errcode.PrinterNotFound, "no such printer")
	}

	op, err := s.tracker.Begin(params.PrinterID)
	if err != nil {
		return errcode.FromError[transfer.UploadResult](err)
	}
	defer s.tracker.End(params.PrinterID)

	fileName := params.FileName
	if fileName == "" {
		fileName = filepath.Base(params.LocalFilePath)
	}

	limiter := rate.NewLimiter(s.progressLimit, 1)
	emit := func(pct int, finished bool, code errcode.Code) {
		s.events.Publish(biz.NewEvent(biz.OnFileTransferProgress, biz.FileTransferProgress{
			PrinterID: params.PrinterID,
			FileName:  fileName,
			Progress:  pct,
			Finished:  finished,
			Code:      int(code),
		}))
	}

	key, err := s.api.uploadFile(context.Background(), fileName, params.LocalFilePath, func(current, total int64) bool {
		if op.Cancelled() {
			return false
		}
		pct := 0
		if total > 0 {
			pct = int(current * 100 / total)
		}
		s.tracker.Progress(params.PrinterID, pct)
		if limiter.Allow() || pct == 100 {
			emit(pct, false, errcode.Success)
		}
		if cb != nil {
			return cb(pct)
		}
		return true
	})
	if err != nil {
		code := errcode.CodeOf(err)
		emit(s.tracker.StateOf(params.PrinterID).Progress, true, code)
		return errcode.FromError[transfer.UploadResult](err)
	}

	// Hand the storage key to the printer for pull-down.
	res := cs.sess.SetPrinterDownloadFile(biz.PrinterDownloadFileParams{URL: key, FileName: fileName}, 30*time.Second)
	if !res.IsSuccess() {
		emit(100, true, res.Code)
		return errcode.Fail[transfer.UploadResult](res.Code, res.Message)
	}

	emit(100, true, errcode.Success)
	stat := transfer.UploadResult{FileName: fileName}
	return errcode.Ok(stat)
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

// ---- Control delegation ----

func (s *Service) withSession(printerID string, fn func(*session.Session) errcode.Result[errcode.Void]) errcode.Result[errcode.Void] {
	sess, err := s.Session(printerID)
	if err != nil {
		return errcode.FromError[errcode.Void](err)
	}
	return fn(sess)
}

func (s *Service) StartPrint(printerID string, params biz.StartPrintParams, timeout time.Duration) errcode.Result[errcode.Void] {
	return s.withSession(printerID, func(sess *session.Session) errcode.Result[errcode.Void] {
		return sess.StartPrint(params, timeout)
	})
}

func (s *Service) PausePrint(printerID string, timeout time.Duration) errcode.Result[errcode.Void] {
	return s.withSession(printerID, func(sess *session.Session) errcode.Result[errcode.Void] {
		return sess.PausePrint(timeout)
	})
}

func (s *Service) ResumePrint(printerID string, timeout time.Duration) errcode.Result[errcode.Void] {
	return s.withSession(printerID, func(sess *session.Session) errcode.Result[errcode.Void] {
		return sess.ResumePrint(timeout)
	})
}

func (s *Service) StopPrint(printerID string, timeout time.Duration) errcode.Result[errcode.Void] {
	return s.withSession(printerID, func(sess *session.Session) errcode.Result[errcode.Void] {
		return sess.StopPrint(timeout)
	})
}

func (s *Service) GetPrinterStatus(printerID string, timeout time.Duration) errcode.Result[biz.PrinterStatus] {
	sess, err := s.Session(printerID)
	if err != nil {
		return errcode.FromError[biz.PrinterStatus](err)
	}
	return sess.GetPrinterStatus(timeout)
}

func (s *Service) GetPrinterAttributes(printerID string, timeout time.Duration) errcode.Result[biz.PrinterAttributes] {
	sess, err := s.Session(printerID)
	if err != nil {
		return errcode.FromError[biz.PrinterAttributes](err)
	}
	return sess.GetPrinterAttributes(timeout)
}

// UpdatePrinterName renames through the HTTP API (the authoritative
// registry) rather than the printer link.
func (s *Service) UpdatePrinterName(printerID, name string) errcode.Result[errcode.Void] {
	if err := s.notInitialized(); err != nil {
		return errcode.FromError[errcode.Void](err)
	}
	cs := s.session(printerID)
	if cs == nil {
		return errcode.Fail[errcode.Void](errcode.PrinterNotFound, "no such printer")
	}
	if err := s.api.updatePrinterName(context.Background(), cs.sess.PrinterInfo().SerialNumber, name); err != nil {
		return errcode.FromError[errcode.Void](err)
	}
	s.refreshPrinters(context.Background())
	return errcode.OkEmpty[errcode.Void]()
}

// GetFileList and friends go through the HTTP API where the cloud keeps
// the authoritative store.
func (s *Service) GetFileList(params biz.GetFileListParams) errcode.Result[[]biz.FileInfo] {
	if err := s.notInitialized(); err != nil {
		return errcode.FromError[[]biz.FileInfo](err)
	}
	files, err := s.api.getFileList(context.Background(), params)
	if err != nil {
		return errcode.FromError[[]biz.FileInfo](err)
	}
	return errcode.Ok(files)
}

func (s *Service) GetFileDetail(path string) errcode.Result[biz.FileInfo] {
	if err := s.notInitialized(); err != nil {
		return errcode.FromError[biz.FileInfo](err)
	}
	detail, err := s.api.getFileDetail(context.Background(), path)
	if err != nil {
		return errcode.FromError[biz.FileInfo](err)
	}
	return errcode.Ok(*detail)
}

func (s *Service) GetPrintTaskList(params biz.PrintTaskListParams) errcode.Result[[]biz.PrintTask] {
	if err := s.notInitialized(); err != nil {
		return errcode.FromError[[]biz.PrintTask](err)
	}
	tasks, err := s.api.getPrintTaskList(context.Background(), params)
	if err != nil {
		return errcode.FromError[[]biz.PrintTask](err)
	}
	return errcode.Ok(tasks)
}

func (s *Service) DeletePrintTasks(params biz.DeletePrintTasksParams) errcode.Result[errcode.Void] {
	if err := s.notInitialized(); err != nil {
		return errcode.FromError[errcode.Void](err)
	}
	if err := s.api.deletePrintTasks(context.Background(), params.TaskIDs); err != nil {
		return errcode.FromError[errcode.Void](err)
	}
	return errcode.OkEmpty[errcode.Void]()
}
