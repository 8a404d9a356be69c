package biz

import "encoding/json"

// Event is what the application-facing event callback receives. Data is the
// already-serialized payload so callers on any binding can decode it lazily.
type Event struct {
	Method Method          `json:"method"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// NewEvent marshals payload into an Event. Marshal failures collapse to an
// event with no data; payload types are all under our control so this only
// fires on programmer error.
func NewEvent(method Method, payload any) Event {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{Method: method}
	}
	return Event{Method: method, Data: data}
}

// EventCallback delivers events to the embedding application. Callbacks are
// invoked outside all internal locks.
type EventCallback func(Event)

// ConnectionStatus is the payload of OnConnectionStatus events.
type ConnectionStatus struct {
	PrinterID string `json:"printerId"`
	Connected bool   `json:"connected"`
	State     string `json:"state"`
}

// FileTransferProgress is the payload of OnFileTransferProgress events.
type FileTransferProgress struct {
	PrinterID string `json:"printerId"`
	FileName  string `json:"fileName"`
	Progress  int    `json:"progress"` // 0..100
	Finished  bool   `json:"finished"`
	Code      int    `json:"code"`
}

// OnlineStatus is the payload of OnOnlineStatusChanged events.
type OnlineStatus struct {
	PrinterID string `json:"printerId,omitempty"`
	Online    bool   `json:"online"`
}

// RtmMessage is the payload of OnRtmMessage events.
type RtmMessage struct {
	PrinterID string          `json:"printerId,omitempty"`
	Channel   string          `json:"channel"`
	Publisher string          `json:"publisher"`
	Message   json.RawMessage `json:"message"`
}

// RawPrinterEvent is the payload of OnPrinterEventRaw events: an unparsed
// printer message for integrators that want the native dialect.
type RawPrinterEvent struct {
	PrinterID string          `json:"printerId"`
	Payload   json.RawMessage `json:"payload"`
}
