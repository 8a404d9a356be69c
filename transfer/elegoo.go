package transfer

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/TheLab-ms/printerlink/biz"
	"github.com/TheLab-ms/printerlink/errcode"
	"github.com/TheLab-ms/printerlink/transport"
	"github.com/google/uuid"
)

const elegooChunkSize = 1024 * 1024

// ElegooTransfer implements the CCS chunked session protocol both Elegoo
// families share: the file is pushed in 1 MB chunks, each carrying the
// whole-file MD5 fingerprint, a per-chunk MD5, the byte offset, and a
// session UUID.
type ElegooTransfer struct {
	mu    sync.Mutex
	creds map[string]string
	http  *http.Client
}

func NewElegooTransfer() *ElegooTransfer {
	return &ElegooTransfer{
		creds: map[string]string{},
		http:  &http.Client{Timeout: 60 * time.Second},
	}
}

func (e *ElegooTransfer) SupportedPrinterTypes() []biz.PrinterType {
	return []biz.PrinterType{biz.ElegooFDMCC, biz.ElegooFDMCC2}
}

func (e *ElegooTransfer) Info() string { return "ELEGOO_CCS_HTTP_TRANSFER" }

func (e *ElegooTransfer) SetAuthCredentials(creds map[string]string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for k, v := range creds {
		e.creds[k] = v
	}
}

func (e *ElegooTransfer) token() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, key := range []string{"accessCode", "token", "password", "pinCode"} {
		if v := e.creds[key]; v != "" {
			return v
		}
	}
	return ""
}

func (e *ElegooTransfer) Upload(ctx context.Context, info biz.PrinterInfo, params biz.FileUploadParams, op *Operation, progress ProgressCallback) (*UploadResult, error) {
	file, err := os.Open(params.LocalFilePath)
	if err != nil {
		return nil, errcode.Newf(errcode.FileNotFound, "opening %s: %v", params.LocalFilePath, err)
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil {
		return nil, errcode.Newf(errcode.FileAccessDenied, "stat %s: %v", params.LocalFilePath, err)
	}
	totalSize := stat.Size()
	if totalSize == 0 {
		return nil, errcode.New(errcode.InvalidParameter, "refusing to upload an empty file")
	}

	fileName := params.FileName
	if fileName == "" {
		fileName = filepath.Base(params.LocalFilePath)
	}

	fileMD5, err := fileMD5Hex(file)
	if err != nil {
		return nil, errcode.Newf(errcode.FileTransferFailed, "fingerprinting %s: %v", params.LocalFilePath, err)
	}
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return nil, errcode.Newf(errcode.FileTransferFailed, "rewinding file: %v", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	op.bind(cancel)

	sessionID := uuid.NewString()
	endpoint := "http://" + transport.HostOnly(info.Host) + "/uploadFile/upload"

	buf := make([]byte, elegooChunkSize)
	var offset int64
	for offset < totalSize {
		if op.Cancelled() {
			return nil, errcode.New(errcode.OperationCancelled, "upload cancelled")
		}

		n, err := io.ReadFull(file, buf)
		if err == io.ErrUnexpectedEOF || err == io.EOF {
			// final (short) chunk
		} else if err != nil {
			return nil, errcode.Newf(errcode.FileTransferFailed, "reading chunk at offset %d: %v", offset, err)
		}
		if n == 0 {
			break
		}

		if err := e.uploadChunk(ctx, endpoint, buf[:n], offset, totalSize, fileMD5, sessionID, fileName); err != nil {
			if op.Cancelled() {
				return nil, errcode.New(errcode.OperationCancelled, "upload cancelled")
			}
			return nil, err
		}
		offset += int64(n)

		pct := int(offset * 100 / totalSize)
		if progress != nil && !progress(pct) {
			op.Cancel()
			return nil, errcode.New(errcode.OperationCancelled, "upload cancelled by progress callback")
		}
	}

	if progress != nil {
		progress(100)
	}
	return &UploadResult{FileName: fileName, Size: totalSize}, nil
}

// uploadChunk posts one chunk of the CCS session. The printer validates
// the per-chunk MD5 in the Check header before appending.
func (e *ElegooTransfer) uploadChunk(ctx context.Context, endpoint string, data []byte, offset, totalSize int64, fileMD5, sessionID, fileName string) error {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("File", fileName)
	if err != nil {
		return errcode.Newf(errcode.FileTransferFailed, "building chunk form: %v", err)
	}
	if _, err := part.Write(data); err != nil {
		return errcode.Newf(errcode.FileTransferFailed, "building chunk form: %v", err)
	}
	writer.Close()

	chunkSum := md5.Sum(data)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &body)
	if err != nil {
		return errcode.Newf(errcode.FileTransferFailed, "building chunk request: %v", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("S-File-MD5", fileMD5)
	req.Header.Set("Check", hex.EncodeToString(chunkSum[:]))
	req.Header.Set("Offset", strconv.FormatInt(offset, 10))
	req.Header.Set("Uuid", sessionID)
	req.Header.Set("TotalSize", strconv.FormatInt(totalSize, 10))
	if tok := e.token(); tok != "" {
		req.Header.Set("X-Token", tok)
	}

	resp, err := e.http.Do(req)
	if err != nil {
		if ctx.Err() == context.Canceled {
			return errcode.New(errcode.OperationCancelled, "upload cancelled")
		}
		return errcode.Newf(errcode.NetworkError, "uploading chunk at offset %d: %v", offset, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	switch resp.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusUnauthorized:
		return errcode.New(errcode.InvalidAccessCode, "printer rejected upload credentials")
	case http.StatusInsufficientStorage:
		return errcode.New(errcode.FileTransferFailed, "printer storage is full")
	default:
		return errcode.Newf(errcode.FileTransferFailed, "chunk upload returned status %d", resp.StatusCode)
	}
}

func (e *ElegooTransfer) Download(ctx context.Context, info biz.PrinterInfo, params biz.FileDownloadParams, op *Operation, progress ProgressCallback) (*DownloadResult, error) {
	url := e.DownloadURL(info, params.RemoteFilePath)
	return downloadToFile(ctx, e.http, url, params.LocalFilePath, op, progress, func(req *http.Request) {
		if tok := e.token(); tok != "" {
			req.Header.Set("X-Token", tok)
		}
	})
}

func (e *ElegooTransfer) DownloadURL(info biz.PrinterInfo, remotePath string) string {
	host := transport.HostOnly(info.Host)
	if remotePath == "" || remotePath[0] != '/' {
		remotePath = "/" + remotePath
	}
	return fmt.Sprintf("http://%s/downloads%s", host, remotePath)
}

func fileMD5Hex(r io.Reader) (string, error) {
	h := md5.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// downloadToFile streams url into localPath with HEAD-first sizing and
// progress reporting; a failed or cancelled download removes the partial
// file.
func downloadToFile(ctx context.Context, client *http.Client, url, localPath string, op *Operation, progress ProgressCallback, decorate func(*http.Request)) (*DownloadResult, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	op.bind(cancel)

	var total int64
	if req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil); err == nil {
		if decorate != nil {
			decorate(req)
		}
		if resp, err := client.Do(req); err == nil {
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				total = resp.ContentLength
			}
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errcode.Newf(errcode.FileTransferFailed, "building download request: %v", err)
	}
	if decorate != nil {
		decorate(req)
	}
	resp, err := client.Do(req)
	if err != nil {
		if op.Cancelled() {
			return nil, errcode.New(errcode.OperationCancelled, "download cancelled")
		}
		return nil, errcode.Newf(errcode.NetworkError, "downloading %s: %v", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, errcode.New(errcode.FileNotFound, "remote file not found")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errcode.Newf(errcode.FileTransferFailed, "download returned status %d", resp.StatusCode)
	}
	if total <= 0 {
		total = resp.ContentLength
	}

	out, err := os.Create(localPath)
	if err != nil {
		return nil, errcode.Newf(errcode.FileAccessDenied, "creating %s: %v", localPath, err)
	}

	var written int64
	buf := make([]byte, 32*1024)
	for {
		if op.Cancelled() {
			out.Close()
			os.Remove(localPath)
			return nil, errcode.New(errcode.OperationCancelled, "download cancelled")
		}
		n, err := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := out.Write(buf[:n]); werr != nil {
				out.Close()
				os.Remove(localPath)
				return nil, errcode.Newf(errcode.FileTransferFailed, "writing %s: %v", localPath, werr)
			}
			written += int64(n)
			if progress != nil && total > 0 {
				if !progress(int(written * 100 / total)) {
					op.Cancel()
					out.Close()
					os.Remove(localPath)
					return nil, errcode.New(errcode.OperationCancelled, "download cancelled by progress callback")
				}
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			out.Close()
			os.Remove(localPath)
			return nil, errcode.Newf(errcode.NetworkError, "reading download stream: %v", err)
		}
	}

	if err := out.Close(); err != nil {
		os.Remove(localPath)
		return nil, errcode.Newf(errcode.FileTransferFailed, "closing %s: %v", localPath, err)
	}
	if progress != nil {
		progress(100)
	}
	return &DownloadResult{LocalPath: localPath, Size: written}, nil
}
