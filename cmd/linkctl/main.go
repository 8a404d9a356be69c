// Linkctl is a small operational CLI over the printerlink SDK: discover
// printers on the LAN, optionally connect to one, and dump its status.
package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/TheLab-ms/printerlink/biz"
	"github.com/TheLab-ms/printerlink/lan"
	"github.com/TheLab-ms/printerlink/webstatic"
	"github.com/caarlos0/env/v11"
)

type Config struct {
	DiscoveryTimeoutMS  int    `envDefault:"5000"`
	BroadcastIntervalMS int    `envDefault:"2000"`
	ConnectHost         string // when set, connect after discovery
	ConnectType         string `envDefault:"ELEGOO_FDM_CC2"`
	AccessCode          string
	SerialNumber        string
	StaticWebDir        string // when set, serve the printer UI
	StaticWebPort       int    `envDefault:"8080"`
}

func main() {
	conf := &Config{}
	if err := env.Parse(conf); err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	svc := lan.NewService()
	if res := svc.Initialize(lan.Config{}); !res.IsSuccess() {
		slog.Error("initializing lan service", "error", res.Message)
		os.Exit(1)
	}
	defer svc.Cleanup()

	svc.SetEventCallback(func(ev biz.Event) {
		slog.Info("event", "method", ev.Method, "data", string(ev.Data))
	})

	if conf.StaticWebDir != "" {
		web := &webstatic.Server{}
		if err := web.Start(webstatic.Config{Dir: conf.StaticWebDir, Port: conf.StaticWebPort}); err != nil {
			slog.Error("starting static web server", "error", err)
			os.Exit(1)
		}
		defer web.Stop()
	}

	res := svc.StartPrinterDiscovery(biz.DiscoveryParams{
		Timeout:           time.Duration(conf.DiscoveryTimeoutMS) * time.Millisecond,
		BroadcastInterval: time.Duration(conf.BroadcastIntervalMS) * time.Millisecond,
		EnableAutoRetry:   true,
	})
	if !res.IsSuccess() {
		slog.Error("discovery failed", "error", res.Message)
		os.Exit(1)
	}
	for _, p := range *res.Data {
		fmt.Printf("found %s  type=%s  host=%s\n", p.PrinterID, p.PrinterType, p.Host)
	}

	if conf.ConnectHost == "" {
		return
	}

	conn := svc.ConnectPrinter(biz.ConnectParams{
		Host:          conf.ConnectHost,
		PrinterType:   biz.PrinterType(conf.ConnectType),
		AuthMode:      biz.AuthAccessCode,
		AccessCode:    conf.AccessCode,
		SerialNumber:  conf.SerialNumber,
		AutoReconnect: true,
	})
	if !conn.IsSuccess() {
		slog.Error("connect failed", "code", conn.Code, "error", conn.Message)
		os.Exit(1)
	}
	printerID := conn.Data.PrinterInfo.PrinterID
	fmt.Printf("connected to %s\n", printerID)
	defer svc.DisconnectPrinter(printerID)

	status := svc.GetPrinterStatus(printerID, 5*time.Second)
	if !status.IsSuccess() {
		slog.Error("status query failed", "code", status.Code, "error", status.Message)
		os.Exit(1)
	}
	out, _ := json.MarshalIndent(status.Data, "", "  ")
	fmt.Println(string(out))
}
