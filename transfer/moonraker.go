package transfer

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/TheLab-ms/printerlink/biz"
	"github.com/TheLab-ms/printerlink/errcode"
	"github.com/TheLab-ms/printerlink/transport"
)

const (
	// Files above this threshold stream through a pipe instead of being
	// buffered whole.
	moonrakerLargeFileThreshold = 1024 * 1024

	moonrakerCopyChunk = 8 * 1024
)

// MoonrakerTransfer uploads through Moonraker's multipart file API: one
// buffered POST for small files, a streaming POST with a chunked reader
// for large ones.
type MoonrakerTransfer struct {
	mu    sync.Mutex
	creds map[string]string
	http  *http.Client
}

func NewMoonrakerTransfer() *MoonrakerTransfer {
	return &MoonrakerTransfer{
		creds: map[string]string{},
		http:  &http.Client{Timeout: 10 * time.Minute},
	}
}

func (m *MoonrakerTransfer) SupportedPrinterTypes() []biz.PrinterType {
	return []biz.PrinterType{biz.ElegooFDMKlipper, biz.GenericFDMKlipper}
}

func (m *MoonrakerTransfer) Info() string { return "GENERIC_MOONRAKER_HTTP_TRANSFER" }

func (m *MoonrakerTransfer) SetAuthCredentials(creds map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range creds {
		m.creds[k] = v
	}
}

func (m *MoonrakerTransfer) bearer() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.creds["token"]
}

// apiBase derives the Moonraker HTTP base from the printer host, which
// carries the API port for moonraker-family printers.
func apiBase(info biz.PrinterInfo) string {
	return "http://" + transport.HostOnly(info.Host)
}

func (m *MoonrakerTransfer) Upload(ctx context.Context, info biz.PrinterInfo, params biz.FileUploadParams, op *Operation, progress ProgressCallback) (*UploadResult, error) {
	file, err := os.Open(params.LocalFilePath)
	if err != nil {
		return nil, errcode.Newf(errcode.FileNotFound, "opening %s: %v", params.LocalFilePath, err)
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil {
		return nil, errcode.Newf(errcode.FileAccessDenied, "stat %s: %v", params.LocalFilePath, err)
	}
	fileName := params.FileName
	if fileName == "" {
		fileName = filepath.Base(params.LocalFilePath)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	op.bind(cancel)

	url := apiBase(info) + "/server/files/upload"
	var resp *http.Response
	if stat.Size() <= moonrakerLargeFileThreshold {
		resp, err = m.uploadBuffered(ctx, url, file, fileName)
	} else {
		resp, err = m.uploadStreaming(ctx, url, file, fileName, stat.Size(), op, progress)
	}
	if err != nil {
		if op.Cancelled() {
			return nil, errcode.New(errcode.OperationCancelled, "upload cancelled")
		}
		return nil, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, errcode.Newf(errcode.FileTransferFailed, "moonraker upload returned status %d", resp.StatusCode)
	}
	if progress != nil {
		progress(100)
	}
	return &UploadResult{FileName: fileName, Size: stat.Size()}, nil
}

func (m *MoonrakerTransfer) uploadBuffered(ctx context.Context, url string, file io.Reader, fileName string) (*http.Response, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	if err := writeUploadForm(writer, file, fileName); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &body)
	if err != nil {
		return nil, errcode.Newf(errcode.FileTransferFailed, "building upload request: %v", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	m.authorize(req)
	resp, err := m.http.Do(req)
	if err != nil {
		return nil, errcode.Newf(errcode.NetworkError, "moonraker upload: %v", err)
	}
	return resp, nil
}

// uploadStreaming pipes the multipart body so a multi-gigabyte file never
// lands in memory; the copy loop polls the cancel latch between chunks.
func (m *MoonrakerTransfer) uploadStreaming(ctx context.Context, url string, file io.Reader, fileName string, totalSize int64, op *Operation, progress ProgressCallback) (*http.Response, error) {
	pr, pw := io.Pipe()
	writer := multipart.NewWriter(pw)

	go func() {
		part, err := writer.CreateFormFile("file", fileName)
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		var written int64
		buf := make([]byte, moonrakerCopyChunk)
		for {
			if op.Cancelled() {
				pw.CloseWithError(errcode.New(errcode.OperationCancelled, "upload cancelled"))
				return
			}
			n, err := file.Read(buf)
			if n > 0 {
				if _, werr := part.Write(buf[:n]); werr != nil {
					pw.CloseWithError(werr)
					return
				}
				written += int64(n)
				if progress != nil && totalSize > 0 {
					// Hold one percent back; 100 is reported only after the
					// server acknowledges.
					pct := int(written * 100 / totalSize)
					if pct > 99 {
						pct = 99
					}
					if !progress(pct) {
						op.Cancel()
						pw.CloseWithError(errcode.New(errcode.OperationCancelled, "upload cancelled by progress callback"))
						return
					}
				}
			}
			if err == io.EOF {
				break
			}
			if err != nil {
				pw.CloseWithError(err)
				return
			}
		}
		if err := writer.WriteField("root", "gcodes"); err != nil {
			pw.CloseWithError(err)
			return
		}
		pw.CloseWithError(writer.Close())
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, pr)
	if err != nil {
		return nil, errcode.Newf(errcode.FileTransferFailed, "building upload request: %v", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	m.authorize(req)
	resp, err := m.http.Do(req)
	if err != nil {
		return nil, errcode.Newf(errcode.NetworkError, "moonraker upload: %v", err)
	}
	return resp, nil
}

func writeUploadForm(writer *multipart.Writer, file io.Reader, fileName string) error {
	part, err := writer.CreateFormFile("file", fileName)
	if err != nil {
		return errcode.Newf(errcode.FileTransferFailed, "building upload form: %v", err)
	}
	if _, err := io.Copy(part, file); err != nil {
		return errcode.Newf(errcode.FileTransferFailed, "building upload form: %v", err)
	}
	if err := writer.WriteField("root", "gcodes"); err != nil {
		return errcode.Newf(errcode.FileTransferFailed, "building upload form: %v", err)
	}
	return writer.Close()
}

func (m *MoonrakerTransfer) authorize(req *http.Request) {
	if tok := m.bearer(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
}

func (m *MoonrakerTransfer) Download(ctx context.Context, info biz.PrinterInfo, params biz.FileDownloadParams, op *Operation, progress ProgressCallback) (*DownloadResult, error) {
	url := m.DownloadURL(info, params.RemoteFilePath)
	return downloadToFile(ctx, m.http, url, params.LocalFilePath, op, progress, m.authorize)
}

func (m *MoonrakerTransfer) DownloadURL(info biz.PrinterInfo, remotePath string) string {
	if remotePath == "" || remotePath[0] != '/' {
		remotePath = "/" + remotePath
	}
	return fmt.Sprintf("%s/server/files/gcodes%s", apiBase(info), remotePath)
}
