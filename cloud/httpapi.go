package cloud

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/TheLab-ms/printerlink/biz"
	"github.com/TheLab-ms/printerlink/errcode"
	"github.com/TheLab-ms/printerlink/httpx"
)

var errNoCredential = errcode.New(errcode.ServerUnauthorized, "no http credential is set")

// apiEnvelope is the cloud REST response wrapper.
type apiEnvelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// api wraps the httpx client with the cloud envelope handling.
type api struct {
	client *httpx.Client
	creds  *credentialCache
}

func newAPI(cfg Config, creds *credentialCache) (*api, error) {
	client, err := httpx.NewClient(httpx.Config{
		BaseURL:      cfg.apiBase(),
		UserAgent:    cfg.UserAgent,
		EnforceHTTPS: !cfg.insecureAPI,
		CACertPath:   cfg.CACertPath,
		Timeout:      30 * time.Second,
	})
	if err != nil {
		return nil, err
	}
	client.SetBearerSource(func() string {
		if cred := creds.HTTP(); cred != nil {
			return cred.AccessToken
		}
		return ""
	})
	return &api{client: client, creds: creds}, nil
}

// call issues a request and unwraps the envelope into out.
func (a *api) call(ctx context.Context, method, path string, payload, out any) error {
	var resp *httpx.Response
	var err error
	switch method {
	case "GET":
		resp, err = a.client.Get(ctx, path)
	case "POST":
		resp, err = a.client.PostJSON(ctx, path, payload)
	case "PUT":
		resp, err = a.client.PutJSON(ctx, path, payload)
	case "DELETE":
		resp, err = a.client.Delete(ctx, path, payload)
	default:
		return errcode.Newf(errcode.InvalidParameter, "unsupported method %s", method)
	}
	if err != nil {
		return err
	}
	if code := errcode.MapHTTPStatus(resp.Status); code != errcode.Success {
		return errcode.Newf(code, "%s %s returned status %d", method, path, resp.Status)
	}

	var env apiEnvelope
	if err := resp.DecodeJSON(&env); err != nil {
		return err
	}
	if env.Code != 0 {
		return errcode.Newf(mapServerCode(env.Code), "server error %d: %s", env.Code, env.Message)
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return errcode.Newf(errcode.ServerInvalidResponse, "decoding %s data: %v", path, err)
		}
	}
	return nil
}

// mapServerCode folds the cloud's own error numbers into the taxonomy.
func mapServerCode(code int) errcode.Code {
	switch code {
	case 401:
		return errcode.ServerUnauthorized
	case 403:
		return errcode.ServerForbidden
	case 429:
		return errcode.ServerTooManyRequests
	default:
		return errcode.ServerUnknownError
	}
}

// UserInfo is the cloud account profile.
type UserInfo struct {
	UserID    string `json:"userId"`
	Nickname  string `json:"nickname"`
	Email     string `json:"email,omitempty"`
	AvatarURL string `json:"avatarUrl,omitempty"`
	Region    string `json:"region,omitempty"`
}

// PinCodeDetails resolves a six-digit pin to a bindable printer.
type PinCodeDetails struct {
	SerialNumber string `json:"serialNumber"`
	Model        string `json:"model"`
	PinCode      string `json:"pinCode"`
	ExpireTime   int64  `json:"expireTime"` // unix seconds, UTC
}

// LicenseDevice is one entry of the expired-license listing.
type LicenseDevice struct {
	SerialNumber string `json:"serialNumber"`
	Model        string `json:"model"`
	ExpiredAt    int64  `json:"expiredAt"`
}

func (a *api) refreshCredential(ctx context.Context, cred *HttpCredential) (*HttpCredential, error) {
	if cred == nil {
		return nil, errNoCredential
	}
	out := &HttpCredential{}
	err := a.call(ctx, "POST", "/api/v1/user/refreshToken", map[string]string{"refreshToken": cred.RefreshToken}, out)
	if err != nil {
		return nil, err
	}
	if out.UserID == "" {
		out.UserID = cred.UserID
	}
	return out, nil
}

func (a *api) getUserInfo(ctx context.Context) (*UserInfo, error) {
	out := &UserInfo{}
	if err := a.call(ctx, "GET", "/api/v1/user/info", nil, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (a *api) logout(ctx context.Context) error {
	return a.call(ctx, "POST", "/api/v1/user/logout", nil, nil)
}

func (a *api) getMqttCredential(ctx context.Context) (*MqttCredential, error) {
	out := &MqttCredential{}
	if err := a.call(ctx, "GET", "/api/v1/iot/mqttCredential", nil, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (a *api) getAgoraCredential(ctx context.Context) (*AgoraCredential, error) {
	out := &AgoraCredential{}
	if err := a.call(ctx, "GET", "/api/v1/rtm/credential", nil, out); err != nil {
		return nil, err
	}
	return out, nil
}

// getPrinters lists the account's bound printers, normalized with the
// cloud id prefix.
func (a *api) getPrinters(ctx context.Context) ([]biz.PrinterInfo, error) {
	var raw []struct {
		SerialNumber string `json:"deviceCode"`
		Name         string `json:"name"`
		Model        string `json:"model"`
		Brand        string `json:"brand"`
		PrinterType  string `json:"printerType"`
		MainboardID  string `json:"mainboardId"`
		Online       bool   `json:"online"`
	}
	if err := a.call(ctx, "GET", "/api/v1/device/list", nil, &raw); err != nil {
		return nil, err
	}
	out := make([]biz.PrinterInfo, 0, len(raw))
	for _, d := range raw {
		ptype := biz.PrinterType(d.PrinterType)
		if ptype == "" {
			ptype = biz.ElegooFDMCC2
		}
		out = append(out, biz.PrinterInfo{
			PrinterID:    biz.CloudIDPrefix + d.SerialNumber,
			SerialNumber: d.SerialNumber,
			PrinterType:  ptype,
			Brand:        d.Brand,
			Name:         d.Name,
			Model:        d.Model,
			MainboardID:  d.MainboardID,
			AuthMode:     biz.AuthToken,
		})
	}
	return out, nil
}

func (a *api) checkPincode(ctx context.Context, model, pin string) (*PinCodeDetails, error) {
	out := &PinCodeDetails{}
	path := fmt.Sprintf("/api/v1/device/pincode/check?model=%s&pinCode=%s", model, pin)
	if err := a.call(ctx, "GET", path, nil, out); err != nil {
		return nil, err
	}
	return out, nil
}

// bindPrinter submits the pre-bind request; completion arrives as a
// deviceBind event on the telemetry event topic.
func (a *api) bindPrinter(ctx context.Context, serialNumber string, manualConfirm bool) error {
	return a.call(ctx, "POST", "/api/v1/device/bind", map[string]any{
		"deviceCode":    serialNumber,
		"manualConfirm": manualConfirm,
	}, nil)
}

func (a *api) unbindPrinter(ctx context.Context, serialNumber string) error {
	return a.call(ctx, "DELETE", "/api/v1/device/unbind", map[string]string{"deviceCode": serialNumber}, nil)
}

func (a *api) updatePrinterName(ctx context.Context, serialNumber, name string) error {
	return a.call(ctx, "POST", "/api/v1/device/updateName", map[string]string{"deviceCode": serialNumber, "name": name}, nil)
}

func (a *api) getFileList(ctx context.Context, params biz.GetFileListParams) ([]biz.FileInfo, error) {
	var out []biz.FileInfo
	path := fmt.Sprintf("/api/v1/file/list?page=%d&pageSize=%d", params.Page, params.PageSize)
	if err := a.call(ctx, "GET", path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (a *api) getFileDetail(ctx context.Context, filePath string) (*biz.FileInfo, error) {
	out := &biz.FileInfo{}
	if err := a.call(ctx, "POST", "/api/v1/file/detail", map[string]string{"path": filePath}, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (a *api) getPrintTaskList(ctx context.Context, params biz.PrintTaskListParams) ([]biz.PrintTask, error) {
	var out []biz.PrintTask
	path := fmt.Sprintf("/api/v1/task/list?page=%d&pageSize=%d", params.Page, params.PageSize)
	if err := a.call(ctx, "GET", path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (a *api) deletePrintTasks(ctx context.Context, taskIDs []string) error {
	return a.call(ctx, "DELETE", "/api/v1/task/delete", map[string]any{"taskIds": taskIDs}, nil)
}

func (a *api) getRtcToken(ctx context.Context, channel string) (string, error) {
	var out struct {
		Token string `json:"token"`
	}
	if err := a.call(ctx, "GET", "/api/v1/rtc/token?channel="+channel, nil, &out); err != nil {
		return "", err
	}
	return out.Token, nil
}

func (a *api) getLicenseExpiredDevices(ctx context.Context) ([]LicenseDevice, error) {
	var out []LicenseDevice
	if err := a.call(ctx, "GET", "/api/v1/license/expiredDevices", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (a *api) renewLicense(ctx context.Context, serialNumber string) error {
	return a.call(ctx, "POST", "/api/v1/license/renew", map[string]string{"deviceCode": serialNumber}, nil)
}

// cloudUploadPartSize is the multipart split threshold and part size for
// cloud uploads; files at or below it go up in one request.
const cloudUploadPartSize = 20 * 1024 * 1024

// uploadFile pushes a local file to cloud storage and returns the storage
// key. Large files are split into a multipart session.
func (a *api) uploadFile(ctx context.Context, fileName, filePath string, progress httpx.ProgressFunc) (string, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return "", errcode.Newf(errcode.FileNotFound, "opening %s: %v", filePath, err)
	}
	defer file.Close()
	stat, err := file.Stat()
	if err != nil {
		return "", errcode.Newf(errcode.FileAccessDenied, "stat %s: %v", filePath, err)
	}
	if fileName == "" {
		fileName = filepath.Base(filePath)
	}

	if stat.Size() > cloudUploadPartSize {
		return a.uploadFileMultipart(ctx, fileName, file, stat.Size(), cloudUploadPartSize, progress)
	}

	resp, err := a.client.PutBinary(ctx, "/api/v1/file/upload?name="+fileName, file, stat.Size(), "application/octet-stream", progress)
	if err != nil {
		return "", err
	}
	if code := errcode.MapHTTPStatus(resp.Status); code != errcode.Success {
		return "", errcode.Newf(code, "file upload returned status %d", resp.Status)
	}
	var env apiEnvelope
	if err := resp.DecodeJSON(&env); err != nil {
		return "", err
	}
	var out struct {
		Key string `json:"key"`
	}
	if len(env.Data) > 0 {
		json.Unmarshal(env.Data, &out)
	}
	return out.Key, nil
}

// uploadFileMultipart runs the multipart session: init, one binary PUT
// per part, then complete. The progress callback observes cumulative
// bytes across all parts; returning false from it cancels mid-part.
func (a *api) uploadFileMultipart(ctx context.Context, fileName string, file io.Reader, totalSize, partSize int64, progress httpx.ProgressFunc) (string, error) {
	var session struct {
		UploadID string `json:"uploadId"`
	}
	err := a.call(ctx, "POST", "/api/v1/file/multipart/init", map[string]any{
		"name":     fileName,
		"size":     totalSize,
		"partSize": partSize,
	}, &session)
	if err != nil {
		return "", err
	}
	if session.UploadID == "" {
		return "", errcode.New(errcode.ServerInvalidResponse, "multipart init returned no upload id")
	}

	var sent int64
	for part := 1; sent < totalSize; part++ {
		n := totalSize - sent
		if n > partSize {
			n = partSize
		}
		base := sent
		path := fmt.Sprintf("/api/v1/file/multipart/part?uploadId=%s&partNumber=%d", session.UploadID, part)
		resp, err := a.client.PutBinary(ctx, path, io.LimitReader(file, n), n, "application/octet-stream", func(current, _ int64) bool {
			if progress != nil {
				return progress(base+current, totalSize)
			}
			return true
		})
		if err != nil {
			return "", err
		}
		if code := errcode.MapHTTPStatus(resp.Status); code != errcode.Success {
			return "", errcode.Newf(code, "multipart part %d returned status %d", part, resp.Status)
		}
		sent += n
	}

	var out struct {
		Key string `json:"key"`
	}
	if err := a.call(ctx, "POST", "/api/v1/file/multipart/complete", map[string]string{"uploadId": session.UploadID}, &out); err != nil {
		return "", err
	}
	return out.Key, nil
}
