package biz

// Method names the canonical request/event vocabulary. The set is closed:
// adapters translate between these and family-specific wire formats, and
// the event bus only carries event-kind methods.
type Method string

const (
	MethodUnknown Method = ""

	// Requests
	GetPrinterAttributes      Method = "GET_PRINTER_ATTRIBUTES"
	GetPrinterStatus          Method = "GET_PRINTER_STATUS"
	UpdatePrinterName         Method = "UPDATE_PRINTER_NAME"
	StartPrint                Method = "START_PRINT"
	PausePrint                Method = "PAUSE_PRINT"
	ResumePrint               Method = "RESUME_PRINT"
	StopPrint                 Method = "STOP_PRINT"
	HomeAxes                  Method = "HOME_AXES"
	MoveAxes                  Method = "MOVE_AXES"
	SetTemperature            Method = "SET_TEMPERATURE"
	SetPrintSpeed             Method = "SET_PRINT_SPEED"
	SetFanSpeed               Method = "SET_FAN_SPEED"
	SetPrinterDownloadFile    Method = "SET_PRINTER_DOWNLOAD_FILE"
	CancelPrinterDownloadFile Method = "CANCEL_PRINTER_DOWNLOAD_FILE"
	GetPrintTaskList          Method = "GET_PRINT_TASK_LIST"
	DeletePrintTasks          Method = "DELETE_PRINT_TASKS"
	GetFileList               Method = "GET_FILE_LIST"
	GetFileDetail             Method = "GET_FILE_DETAIL"
	GetCanvasStatus           Method = "GET_CANVAS_STATUS"
	SetAutoRefill             Method = "SET_AUTO_REFILL"

	// Events
	OnPrinterStatus        Method = "ON_PRINTER_STATUS"
	OnPrinterAttributes    Method = "ON_PRINTER_ATTRIBUTES"
	OnConnectionStatus     Method = "ON_CONNECTION_STATUS"
	OnFileTransferProgress Method = "ON_FILE_TRANSFER_PROGRESS"
	OnPrinterDiscovery     Method = "ON_PRINTER_DISCOVERY"
	OnRtmMessage           Method = "ON_RTM_MESSAGE"
	OnRtcTokenChanged      Method = "ON_RTC_TOKEN_CHANGED"
	OnPrinterEventRaw      Method = "ON_PRINTER_EVENT_RAW"
	OnLoggedInElsewhere    Method = "ON_LOGGED_IN_ELSEWHERE"
	OnPrinterListChanged   Method = "ON_PRINTER_LIST_CHANGED"
	OnOnlineStatusChanged  Method = "ON_ONLINE_STATUS_CHANGED"
)

// IsEvent reports whether m is an event-kind method (pushed by the SDK)
// rather than a request-kind method (issued by the application).
func (m Method) IsEvent() bool {
	switch m {
	case OnPrinterStatus, OnPrinterAttributes, OnConnectionStatus,
		OnFileTransferProgress, OnPrinterDiscovery, OnRtmMessage,
		OnRtcTokenChanged, OnPrinterEventRaw, OnLoggedInElsewhere,
		OnPrinterListChanged, OnOnlineStatusChanged:
		return true
	}
	return false
}
