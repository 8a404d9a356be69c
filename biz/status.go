package biz

import "encoding/json"

// PrinterState is the coarse printer lifecycle state reported in status
// payloads.
type PrinterState string

const (
	StateIdle      PrinterState = "IDLE"
	StatePrinting  PrinterState = "PRINTING"
	StatePaused    PrinterState = "PAUSED"
	StateCompleted PrinterState = "COMPLETED"
	StateError     PrinterState = "ERROR"
	StateOffline   PrinterState = "OFFLINE"
	StateUploading PrinterState = "UPLOADING"
)

// Machine status codes used by the Elegoo cloud telemetry dialect.
const (
	MachineStatusTransferring    = 11   // file transfer in progress
	MachineSubStatusFileTransfer = 3000 // sub_status qualifier for transfers
)

// Temperature is one heater's actual/target pair.
type Temperature struct {
	Actual float64 `json:"actual"`
	Target float64 `json:"target"`
}

// PrinterStatus is the typed view of a printer's merged full-state
// document. Raw carries the merged JSON so integrators can reach fields the
// typed view doesn't surface.
type PrinterStatus struct {
	PrinterID     string          `json:"printerId"`
	State         PrinterState    `json:"state"`
	Progress      float64         `json:"progress,omitempty"`
	CurrentLayer  int             `json:"currentLayer,omitempty"`
	TotalLayers   int             `json:"totalLayers,omitempty"`
	RemainingTime int             `json:"remainingTimeSec,omitempty"`
	FileName      string          `json:"fileName,omitempty"`
	Nozzle        *Temperature    `json:"nozzle,omitempty"`
	Bed           *Temperature    `json:"bed,omitempty"`
	Enclosure     *Temperature    `json:"enclosure,omitempty"`
	PrintSpeedPct int             `json:"printSpeedPct,omitempty"`
	FanSpeedPct   int             `json:"fanSpeedPct,omitempty"`
	Raw           json.RawMessage `json:"raw,omitempty"`
}

// OfflineStatus is the synthetic status emitted when a session disconnects.
func OfflineStatus(printerID string) PrinterStatus {
	return PrinterStatus{PrinterID: printerID, State: StateOffline}
}

// PrinterAttributes describes mostly-static printer capabilities.
type PrinterAttributes struct {
	PrinterID       string          `json:"printerId"`
	Name            string          `json:"name"`
	Model           string          `json:"model"`
	FirmwareVersion string          `json:"firmwareVersion,omitempty"`
	SerialNumber    string          `json:"serialNumber,omitempty"`
	MainboardID     string          `json:"mainboardId,omitempty"`
	NozzleDiameter  float64         `json:"nozzleDiameter,omitempty"`
	BedSize         string          `json:"bedSize,omitempty"`
	SupportsCanvas  bool            `json:"supportsCanvas,omitempty"`
	Raw             json.RawMessage `json:"raw,omitempty"`
}

// CanvasStatus reports the multi-color canvas unit state.
type CanvasStatus struct {
	PrinterID  string          `json:"printerId"`
	Connected  bool            `json:"connected"`
	AutoRefill bool            `json:"autoRefill"`
	Slots      json.RawMessage `json:"slots,omitempty"`
}

// FileInfo is one entry of a printer or cloud file listing.
type FileInfo struct {
	Name         string `json:"name"`
	Path         string `json:"path"`
	Size         int64  `json:"size"`
	ModifiedAt   int64  `json:"modifiedAt,omitempty"`
	ThumbnailURL string `json:"thumbnailUrl,omitempty"`
	MD5          string `json:"md5,omitempty"`
}

// PrintTask is one historical print job entry.
type PrintTask struct {
	TaskID       string  `json:"taskId"`
	FileName     string  `json:"fileName"`
	BeginAt      int64   `json:"beginAt,omitempty"`
	EndAt        int64   `json:"endAt,omitempty"`
	DurationSec  int     `json:"durationSec,omitempty"`
	Progress     float64 `json:"progress,omitempty"`
	Result       string  `json:"result,omitempty"`
	ThumbnailURL string  `json:"thumbnailUrl,omitempty"`
}
