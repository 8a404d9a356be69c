package cloud

import (
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/TheLab-ms/printerlink/biz"
	paho "github.com/eclipse/paho.mqtt.golang"
)

const (
	topicDataSuffix  = "/device/data"
	topicOnOffSuffix = "/device/onoffline"
	topicEventSuffix = "/event"
)

// telemetry subscribes to the cloud MQTT fan-out and routes payloads by
// topic suffix: state/deltas into the matching adapter's merge pipeline,
// online transitions and lifecycle events onto the bus.
type telemetry struct {
	mu     sync.Mutex
	client paho.Client
	cred   *MqttCredential

	// lookups into service state, injected to avoid a back-pointer
	printerBySerial func(serial string) (biz.PrinterInfo, bool)
	uploadState     func(printerID string) (uploading bool, progress int)
	mergeStatus     func(printerID string, doc map[string]any) json.RawMessage
	publish         biz.EventCallback
	onBindEvent     func(serial, eventType string)
}

func (t *telemetry) connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.client != nil && t.client.IsConnectionOpen()
}

// connect (re)establishes the subscriber with cred. An open client whose
// client id and password both match cred is kept; otherwise any existing
// client is torn down and a new one dials with cred.
func (t *telemetry) connect(cred *MqttCredential) error {
	t.mu.Lock()
	old := t.client
	oldCred := t.cred
	t.mu.Unlock()

	if old != nil && old.IsConnectionOpen() && oldCred != nil && oldCred.ClientID == cred.ClientID && oldCred.Password == cred.Password {
		return nil // nothing changed
	}
	if old != nil {
		old.Disconnect(250)
	}

	opts := paho.NewClientOptions().
		AddBroker(cred.BrokerURL).
		SetClientID(cred.ClientID).
		SetUsername(cred.Username).
		SetPassword(cred.Password).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetKeepAlive(60 * time.Second).
		SetConnectTimeout(10 * time.Second).
		SetDefaultPublishHandler(func(_ paho.Client, msg paho.Message) {
			t.onMessage(msg.Topic(), msg.Payload())
		}).
		SetOnConnectHandler(func(client paho.Client) {
			base := "app/v1/" + cred.ClientID
			for _, suffix := range []string{topicDataSuffix, topicOnOffSuffix, topicEventSuffix} {
				topic := base + suffix
				if token := client.Subscribe(topic, 1, nil); token.Wait() && token.Error() != nil {
					slog.Error("cloud telemetry subscribe failed", "topic", biz.Mask(topic), "error", token.Error())
				}
			}
			slog.Info("cloud telemetry connected", "client", biz.Mask(cred.ClientID))
		})

	client := paho.NewClient(opts)
	token := client.Connect()
	if token.Wait() && token.Error() != nil {
		return token.Error()
	}

	t.mu.Lock()
	t.client = client
	t.cred = cred
	t.mu.Unlock()
	return nil
}

func (t *telemetry) disconnect() {
	t.mu.Lock()
	client := t.client
	t.client = nil
	t.cred = nil
	t.mu.Unlock()
	if client != nil {
		client.Disconnect(250)
	}
}

func (t *telemetry) onMessage(topic string, payload []byte) {
	var msg struct {
		DeviceCode string          `json:"deviceCode"`
		Data       json.RawMessage `json:"data,omitempty"`
		Online     *bool           `json:"online,omitempty"`
	}
	if err := json.Unmarshal(payload, &msg); err != nil || msg.DeviceCode == "" {
		slog.Debug("unparseable telemetry payload", "topic", biz.Mask(topic))
		return
	}
	info, ok := t.printerBySerial(msg.DeviceCode)
	if !ok {
		slog.Debug("telemetry for unknown device", "device", biz.Mask(msg.DeviceCode))
		return
	}

	switch {
	case strings.HasSuffix(topic, topicDataSuffix):
		t.handleStatus(info, msg.Data)
	case strings.HasSuffix(topic, topicOnOffSuffix):
		online := msg.Online != nil && *msg.Online
		t.publish(biz.NewEvent(biz.OnOnlineStatusChanged, biz.OnlineStatus{PrinterID: info.PrinterID, Online: online}))
		if !online {
			t.publish(biz.NewEvent(biz.OnPrinterStatus, biz.OfflineStatus(info.PrinterID)))
		}
	case strings.HasSuffix(topic, topicEventSuffix):
		var ev struct {
			EventType string `json:"eventType"`
		}
		if json.Unmarshal(msg.Data, &ev) == nil && ev.EventType != "" {
			t.onBindEvent(msg.DeviceCode, ev.EventType)
		}
		t.publish(biz.NewEvent(biz.OnPrinterEventRaw, biz.RawPrinterEvent{PrinterID: info.PrinterID, Payload: payload}))
	}
}

// handleStatus folds a cloud status document into the printer's cached
// state. While an upload is in flight for the printer, machine_status is
// overridden with a synthetic transfer state so clients see a uniform
// "uploading" view regardless of the upload path.
func (t *telemetry) handleStatus(info biz.PrinterInfo, data json.RawMessage) {
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil || doc == nil {
		return
	}

	if uploading, progress := t.uploadState(info.PrinterID); uploading {
		doc["machine_status"] = map[string]any{
			"status":     biz.MachineStatusTransferring,
			"sub_status": biz.MachineSubStatusFileTransfer,
			"progress":   progress,
		}
	}

	merged := t.mergeStatus(info.PrinterID, doc)
	t.publish(biz.Event{Method: biz.OnPrinterStatus, Data: merged})
}
