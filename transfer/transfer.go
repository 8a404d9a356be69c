// Package transfer moves print files between the host and printers. Each
// printer family supplies a Strategy; the Tracker enforces the one-upload-
// per-printer rule and carries the per-operation cancellation latch.
package transfer

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/TheLab-ms/printerlink/biz"
	"github.com/TheLab-ms/printerlink/errcode"
)

// ProgressCallback observes transfer progress as a percentage. Returning
// false requests cancellation.
type ProgressCallback func(progress int) bool

// UploadResult describes a finished upload.
type UploadResult struct {
	FileName string `json:"fileName"`
	Size     int64  `json:"size"`
}

// DownloadResult describes a finished download.
type DownloadResult struct {
	LocalPath string `json:"localPath"`
	Size      int64  `json:"size"`
}

// Strategy is the per-family transfer contract.
type Strategy interface {
	// SetAuthCredentials installs opaque auth material ("accessCode",
	// "token", ...) the family's HTTP surface requires.
	SetAuthCredentials(creds map[string]string)

	Upload(ctx context.Context, info biz.PrinterInfo, params biz.FileUploadParams, op *Operation, progress ProgressCallback) (*UploadResult, error)

	Download(ctx context.Context, info biz.PrinterInfo, params biz.FileDownloadParams, op *Operation, progress ProgressCallback) (*DownloadResult, error)

	// DownloadURL resolves the direct URL for a printer-side file.
	DownloadURL(info biz.PrinterInfo, remotePath string) string

	SupportedPrinterTypes() []biz.PrinterType
	Info() string
}

// ForPrinterType returns the strategy for a family.
func ForPrinterType(t biz.PrinterType) (Strategy, error) {
	switch t {
	case biz.ElegooFDMCC, biz.ElegooFDMCC2:
		return NewElegooTransfer(), nil
	case biz.ElegooFDMKlipper, biz.GenericFDMKlipper:
		return NewMoonrakerTransfer(), nil
	default:
		return nil, errcode.Newf(errcode.InvalidParameter, "no transfer strategy for printer type %q", t)
	}
}

// Operation is one transfer's cancellation latch. The latch is
// per-operation rather than per-strategy so concurrent transfers to
// distinct printers cannot cross-cancel.
type Operation struct {
	cancelled atomic.Bool
	cancel    context.CancelFunc
}

func (o *Operation) Cancel() {
	o.cancelled.Store(true)
	if o.cancel != nil {
		o.cancel()
	}
}

func (o *Operation) Cancelled() bool { return o.cancelled.Load() }

// bind attaches the context cancel so a latched cancel also aborts any
// in-flight HTTP request.
func (o *Operation) bind(cancel context.CancelFunc) {
	o.cancel = cancel
	if o.cancelled.Load() {
		cancel()
	}
}

// State is the externally visible upload state for one printer.
type State struct {
	Uploading bool `json:"uploading"`
	Progress  int  `json:"progress"`
	Cancelled bool `json:"cancelled"`
}

// Tracker enforces at most one active upload per printer id and exposes
// each upload's state and latch.
type Tracker struct {
	mu  sync.Mutex
	ops map[string]*trackedOp
}

type trackedOp struct {
	op       *Operation
	progress int
}

func NewTracker() *Tracker {
	return &Tracker{ops: map[string]*trackedOp{}}
}

// Begin claims the upload slot for printerID. A second concurrent upload
// on the same printer is rejected with OperationInProgress.
func (t *Tracker) Begin(printerID string) (*Operation, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, busy := t.ops[printerID]; busy {
		return nil, errcode.Newf(errcode.OperationInProgress, "an upload is already in flight for %s", printerID)
	}
	op := &Operation{}
	t.ops[printerID] = &trackedOp{op: op}
	return op, nil
}

// Progress records the latest percentage for printerID.
func (t *Tracker) Progress(printerID string, pct int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if tracked, ok := t.ops[printerID]; ok {
		tracked.progress = pct
	}
}

// End releases the upload slot.
func (t *Tracker) End(printerID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.ops, printerID)
}

// Cancel latches cancellation for printerID's active upload; false when
// nothing is in flight.
func (t *Tracker) Cancel(printerID string) bool {
	t.mu.Lock()
	tracked, ok := t.ops[printerID]
	t.mu.Unlock()
	if !ok {
		return false
	}
	tracked.op.Cancel()
	return true
}

// StateOf reports the upload state for printerID.
func (t *Tracker) StateOf(printerID string) State {
	t.mu.Lock()
	defer t.mu.Unlock()
	tracked, ok := t.ops[printerID]
	if !ok {
		return State{}
	}
	return State{Uploading: true, Progress: tracked.progress, Cancelled: tracked.op.Cancelled()}
}

// Uploading reports whether printerID has an active upload.
func (t *Tracker) Uploading(printerID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.ops[printerID]
	return ok
}
