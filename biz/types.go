// Package biz defines the canonical vocabulary shared by the LAN and cloud
// services: printer identity, connection parameters, the method/event name
// space, and the payload types carried by events and typed responses.
package biz

import (
	"strings"
	"time"

	"github.com/TheLab-ms/printerlink/errcode"
)

// PrinterType selects the adapter, transport, and transfer strategy for a
// printer family.
type PrinterType string

const (
	ElegooFDMCC       PrinterType = "ELEGOO_FDM_CC"
	ElegooFDMCC2      PrinterType = "ELEGOO_FDM_CC2"
	ElegooFDMKlipper  PrinterType = "ELEGOO_FDM_KLIPPER"
	GenericFDMKlipper PrinterType = "GENERIC_FDM_KLIPPER"
)

// Printer id prefixes encode where a printer was found.
const (
	LanIDPrefix   = "lan_"
	CloudIDPrefix = "cloud_"
)

// AuthMode names the credential kind a printer expects.
type AuthMode string

const (
	AuthNone       AuthMode = "none"
	AuthBasic      AuthMode = "basic"
	AuthToken      AuthMode = "token"
	AuthAccessCode AuthMode = "accessCode"
	AuthPinCode    AuthMode = "pinCode"
)

// PrinterInfo identifies one printer across the registry. PrinterID is
// unique across the active registry; PrinterType determines which adapter
// and transport strategies are instantiated.
type PrinterInfo struct {
	PrinterID    string      `json:"printerId"`
	SerialNumber string      `json:"serialNumber"`
	PrinterType  PrinterType `json:"printerType"`
	Brand        string      `json:"brand"`
	Name         string      `json:"name"`
	Model        string      `json:"model"`
	Host         string      `json:"host"`
	WebURL       string      `json:"webUrl,omitempty"`
	AuthMode     AuthMode    `json:"authMode"`
	MainboardID  string      `json:"mainboardId,omitempty"`
}

// ConnectParams is the input to a printer connection attempt.
// CheckConnection means "do not retain or auto-reconnect; return the
// outcome of a single attempt".
type ConnectParams struct {
	Host              string        `json:"host"`
	PrinterType       PrinterType   `json:"printerType"`
	AuthMode          AuthMode      `json:"authMode"`
	Username          string        `json:"username,omitempty"`
	Password          string        `json:"password,omitempty"`
	Token             string        `json:"token,omitempty"`
	AccessCode        string        `json:"accessCode,omitempty"`
	PinCode           string        `json:"pinCode,omitempty"`
	SerialNumber      string        `json:"serialNumber,omitempty"`
	ConnectionTimeout time.Duration `json:"-"`
	AutoReconnect     bool          `json:"autoReconnect"`
	CheckConnection   bool          `json:"checkConnection"`
}

func (p *ConnectParams) Validate() error {
	if p.Host == "" {
		return errcode.New(errcode.InvalidParameter, "host is required")
	}
	if p.PrinterType == "" {
		return errcode.New(errcode.InvalidParameter, "printer type is required")
	}
	return nil
}

// Secret returns the credential matching the configured auth mode, falling
// back to def when the caller left it empty.
func (p *ConnectParams) Secret(def string) string {
	var s string
	switch p.AuthMode {
	case AuthBasic:
		s = p.Password
	case AuthToken:
		s = p.Token
	case AuthAccessCode:
		s = p.AccessCode
	case AuthPinCode:
		s = p.PinCode
	}
	if s == "" {
		return def
	}
	return s
}

// ConnectionState is the declared state of a printer connection. The
// transport's own link status is queried only to corroborate.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateRegistering
	StateConnected
	StateConnectionLost
	StateReconnecting
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "Disconnected"
	case StateConnecting:
		return "Connecting"
	case StateRegistering:
		return "Registering"
	case StateConnected:
		return "Connected"
	case StateConnectionLost:
		return "ConnectionLost"
	case StateReconnecting:
		return "Reconnecting"
	default:
		return "Unknown"
	}
}

// DiscoveryParams configures one discovery run.
type DiscoveryParams struct {
	Timeout              time.Duration
	BroadcastInterval    time.Duration
	EnableAutoRetry      bool
	PreferredListenPorts []int
}

func (p *DiscoveryParams) Validate() error {
	if p.Timeout <= 0 || p.Timeout > 5*time.Minute {
		return errcode.New(errcode.InvalidParameter, "discovery timeout must be within (0, 5m]")
	}
	if p.EnableAutoRetry && p.BroadcastInterval >= p.Timeout {
		return errcode.New(errcode.InvalidParameter, "broadcast interval must be less than timeout")
	}
	return nil
}

// Mask redacts the middle of an identifier for logging. Serial numbers,
// tokens, and topics embedding them must never be logged verbatim.
func Mask(s string) string {
	if len(s) <= 4 {
		return strings.Repeat("*", len(s))
	}
	return s[:2] + strings.Repeat("*", len(s)-4) + s[len(s)-2:]
}
