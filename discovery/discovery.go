package discovery

import (
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/TheLab-ms/printerlink/biz"
	"github.com/TheLab-ms/printerlink/errcode"
)

const readSlice = 500 * time.Millisecond

// Callbacks observe a discovery run. OnPrinter fires once per unique
// printer id as responses arrive; OnComplete fires exactly once when the
// run ends, with everything found. Both are invoked outside locks.
type Callbacks struct {
	OnPrinter  func(biz.PrinterInfo)
	OnComplete func([]biz.PrinterInfo)
}

// Discovery runs UDP broadcast discovery. One instance supports one run at
// a time; Start during a running discovery reports OperationInProgress.
type Discovery struct {
	strategies []Strategy

	mu       sync.Mutex
	running  bool
	stopCh   chan struct{}
	doneCh   chan struct{}
	conn     net.PacketConn
	printers []biz.PrinterInfo
	seen     map[string]struct{}
}

func New(strategies ...Strategy) *Discovery {
	if len(strategies) == 0 {
		strategies = DefaultStrategies()
	}
	return &Discovery{strategies: strategies, seen: map[string]struct{}{}}
}

func (d *Discovery) IsRunning() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

// DiscoveredPrinters returns what the current (or last) run has found.
func (d *Discovery) DiscoveredPrinters() []biz.PrinterInfo {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]biz.PrinterInfo, len(d.printers))
	copy(out, d.printers)
	return out
}

// Start begins a discovery run. Socket setup happens synchronously so
// bind failures surface to the caller; the receive loop runs in a worker.
func (d *Discovery) Start(params biz.DiscoveryParams, cbs Callbacks) error {
	if err := params.Validate(); err != nil {
		return err
	}

	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return errcode.New(errcode.OperationInProgress, "discovery already running")
	}

	conn, err := bindSocket(params.PreferredListenPorts)
	if err != nil {
		d.mu.Unlock()
		return errcode.Newf(errcode.NetworkError, "binding discovery socket: %v", err)
	}

	d.running = true
	d.conn = conn
	d.stopCh = make(chan struct{})
	d.doneCh = make(chan struct{})
	d.printers = nil
	d.seen = map[string]struct{}{}
	stopCh, doneCh := d.stopCh, d.doneCh
	d.mu.Unlock()

	go d.run(conn, params, cbs, stopCh, doneCh)
	return nil
}

// Stop ends the run (if any) and joins the worker. Stopping an idle
// discovery succeeds silently.
func (d *Discovery) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	close(d.stopCh)
	done := d.doneCh
	d.mu.Unlock()
	<-done
}

func (d *Discovery) run(conn net.PacketConn, params biz.DiscoveryParams, cbs Callbacks, stopCh chan struct{}, doneCh chan struct{}) {
	defer func() {
		conn.Close()
		d.mu.Lock()
		d.running = false
		found := make([]biz.PrinterInfo, len(d.printers))
		copy(found, d.printers)
		d.mu.Unlock()
		if cbs.OnComplete != nil {
			cbs.OnComplete(found)
		}
		close(doneCh)
		slog.Info("printer discovery finished", "found", len(found))
	}()

	targets := broadcastTargets(d.strategies)
	d.sendProbes(conn, targets)

	deadline := time.Now().Add(params.Timeout)
	lastBroadcast := time.Now()
	buf := make([]byte, 64*1024)

	for time.Now().Before(deadline) {
		select {
		case <-stopCh:
			return
		default:
		}

		conn.SetReadDeadline(time.Now().Add(readSlice))
		n, from, err := conn.ReadFrom(buf)
		if err == nil && n > 0 {
			d.handleDatagram(buf[:n], from, cbs)
		} else if err != nil {
			if ne, ok := err.(net.Error); !ok || !ne.Timeout() {
				slog.Warn("discovery read error", "error", err)
				return
			}
		}

		if params.EnableAutoRetry && time.Since(lastBroadcast) >= params.BroadcastInterval {
			slog.Debug("re-sending discovery broadcast")
			d.sendProbes(conn, targets)
			lastBroadcast = time.Now()
		}
	}
}

func (d *Discovery) handleDatagram(payload []byte, from net.Addr, cbs Callbacks) {
	senderIP := ""
	if udp, ok := from.(*net.UDPAddr); ok {
		senderIP = udp.IP.String()
	}

	for _, s := range d.strategies {
		info := s.Parse(payload, senderIP)
		if info == nil {
			continue
		}

		d.mu.Lock()
		if _, dup := d.seen[info.PrinterID]; dup {
			d.mu.Unlock()
			return
		}
		d.seen[info.PrinterID] = struct{}{}
		d.printers = append(d.printers, *info)
		d.mu.Unlock()

		slog.Info("discovered printer", "printer", biz.Mask(info.PrinterID), "type", info.PrinterType, "host", info.Host)
		if cbs.OnPrinter != nil {
			cbs.OnPrinter(*info)
		}
		return // first strategy to parse claims the response
	}
	slog.Debug("discovery datagram did not match any strategy", "from", senderIP, "bytes", len(payload))
}

type probeTarget struct {
	payload []byte
	port    int
}

// broadcastTargets collects each strategy's probe/port pair, deduplicating
// identical probes on the same port.
func broadcastTargets(strategies []Strategy) []probeTarget {
	var out []probeTarget
	seen := map[string]struct{}{}
	for _, s := range strategies {
		key := fmt.Sprintf("%d:%s", s.Port(), s.Probe())
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, probeTarget{payload: s.Probe(), port: s.Port()})
	}
	return out
}

func (d *Discovery) sendProbes(conn net.PacketConn, targets []probeTarget) {
	addrs := broadcastAddrs()
	for _, t := range targets {
		for _, ip := range addrs {
			dst := &net.UDPAddr{IP: ip, Port: t.port}
			if _, err := conn.WriteTo(t.payload, dst); err != nil {
				slog.Debug("discovery probe send failed", "dst", dst.String(), "error", err)
			}
		}
	}
}

// bindSocket opens a broadcast-capable UDP socket, trying each preferred
// port in order before falling back to an ephemeral one.
func bindSocket(preferred []int) (net.PacketConn, error) {
	for _, port := range preferred {
		conn, err := net.ListenPacket("udp4", fmt.Sprintf(":%d", port))
		if err == nil {
			return conn, nil
		}
		slog.Debug("preferred discovery port unavailable", "port", port, "error", err)
	}
	return net.ListenPacket("udp4", ":0")
}

// broadcastAddrs computes per-interface directed broadcast addresses plus
// the limited broadcast address.
func broadcastAddrs() []net.IP {
	out := []net.IP{net.IPv4bcast}
	ifaces, err := net.Interfaces()
	if err != nil {
		slog.Warn("enumerating interfaces failed", "error", err)
		return out
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagBroadcast == 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipnet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			ip4 := ipnet.IP.To4()
			if ip4 == nil {
				continue
			}
			mask := ipnet.Mask
			if len(mask) == net.IPv6len {
				mask = mask[12:]
			}
			if len(mask) != net.IPv4len {
				continue
			}
			bcast := make(net.IP, 4)
			for i := range bcast {
				bcast[i] = ip4[i] | ^mask[i]
			}
			out = append(out, bcast)
		}
	}
	return out
}

// localPort exposes the bound port for tests.
func (d *Discovery) localPort() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn == nil {
		return 0
	}
	return d.conn.LocalAddr().(*net.UDPAddr).Port
}
