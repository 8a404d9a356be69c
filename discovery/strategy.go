// Package discovery finds printers on the local network via UDP broadcast.
// Each printer family contributes a Strategy describing its probe string,
// port, and response format; one run drives all registered strategies over
// a single socket.
package discovery

import (
	"encoding/json"
	"fmt"

	"github.com/TheLab-ms/printerlink/biz"
)

// Strategy is the per-family half of discovery.
type Strategy interface {
	// Probe is the datagram broadcast to solicit responses.
	Probe() []byte

	// Port is the UDP port the family listens on for probes.
	Port() int

	Brand() string

	// Parse attempts to interpret a response datagram. A nil result means
	// the datagram belongs to some other family.
	Parse(payload []byte, senderIP string) *biz.PrinterInfo
}

// DefaultStrategies returns the built-in families in registration order;
// the first strategy to parse a datagram claims it.
func DefaultStrategies() []Strategy {
	return []Strategy{&elegooCC{}, &elegooCC2{}, &moonraker{}}
}

// elegooCC covers the first-generation Centauri firmware: SDCP-style
// discovery answering "M99999" on port 3000.
type elegooCC struct{}

func (*elegooCC) Probe() []byte { return []byte("M99999") }
func (*elegooCC) Port() int     { return 3000 }
func (*elegooCC) Brand() string { return "Elegoo" }

func (*elegooCC) Parse(payload []byte, senderIP string) *biz.PrinterInfo {
	var resp struct {
		ID   string `json:"Id"`
		Data struct {
			Name            string `json:"Name"`
			MachineName     string `json:"MachineName"`
			BrandName       string `json:"BrandName"`
			MainboardIP     string `json:"MainboardIP"`
			MainboardID     string `json:"MainboardID"`
			FirmwareVersion string `json:"FirmwareVersion"`
		} `json:"Data"`
	}
	if err := json.Unmarshal(payload, &resp); err != nil || resp.Data.MainboardID == "" {
		return nil
	}
	host := resp.Data.MainboardIP
	if host == "" {
		host = senderIP
	}
	return &biz.PrinterInfo{
		PrinterID:    biz.LanIDPrefix + resp.Data.MainboardID,
		SerialNumber: resp.Data.MainboardID,
		PrinterType:  biz.ElegooFDMCC,
		Brand:        "Elegoo",
		Name:         resp.Data.Name,
		Model:        resp.Data.MachineName,
		Host:         host,
		WebURL:       fmt.Sprintf("http://%s:3030", host),
		AuthMode:     biz.AuthNone,
		MainboardID:  resp.Data.MainboardID,
	}
}

// elegooCC2 covers the Centauri Carbon 2 firmware: JSON discovery on port
// 52700, access-code authenticated.
type elegooCC2 struct{}

func (*elegooCC2) Probe() []byte { return []byte(`{"cmd":"discover"}`) }
func (*elegooCC2) Port() int     { return 52700 }
func (*elegooCC2) Brand() string { return "Elegoo" }

func (*elegooCC2) Parse(payload []byte, senderIP string) *biz.PrinterInfo {
	var resp struct {
		SN      string `json:"sn"`
		Name    string `json:"name"`
		Model   string `json:"model"`
		Brand   string `json:"brand"`
		Version string `json:"version"`
	}
	if err := json.Unmarshal(payload, &resp); err != nil || resp.SN == "" {
		return nil
	}
	brand := resp.Brand
	if brand == "" {
		brand = "Elegoo"
	}
	return &biz.PrinterInfo{
		PrinterID:    biz.LanIDPrefix + resp.SN,
		SerialNumber: resp.SN,
		PrinterType:  biz.ElegooFDMCC2,
		Brand:        brand,
		Name:         resp.Name,
		Model:        resp.Model,
		Host:         senderIP,
		WebURL:       fmt.Sprintf("http://%s", senderIP),
		AuthMode:     biz.AuthAccessCode,
	}
}

// moonraker covers generic Klipper hosts fronted by Moonraker on port 3000.
type moonraker struct{}

func (*moonraker) Probe() []byte { return []byte("M99999") }
func (*moonraker) Port() int     { return 3000 }
func (*moonraker) Brand() string { return "Generic" }

func (*moonraker) Parse(payload []byte, senderIP string) *biz.PrinterInfo {
	var resp struct {
		Hostname string `json:"hostname"`
		Machine  string `json:"machine"`
		Klipper  string `json:"klipper_version"`
	}
	if err := json.Unmarshal(payload, &resp); err != nil || resp.Hostname == "" || resp.Klipper == "" {
		return nil
	}
	return &biz.PrinterInfo{
		PrinterID:    biz.LanIDPrefix + resp.Hostname,
		SerialNumber: resp.Hostname,
		PrinterType:  biz.GenericFDMKlipper,
		Brand:        "Generic",
		Name:         resp.Hostname,
		Model:        resp.Machine,
		Host:         senderIP + ":7125",
		WebURL:       fmt.Sprintf("http://%s", senderIP),
		AuthMode:     biz.AuthNone,
	}
}
