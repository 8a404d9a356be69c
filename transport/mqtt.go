package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/TheLab-ms/printerlink/biz"
	"github.com/TheLab-ms/printerlink/errcode"
	paho "github.com/eclipse/paho.mqtt.golang"
)

// MQTTHooks captures everything printer-family-specific about an MQTT
// connection. The generic driver consults the table; families never
// subclass anything.
type MQTTHooks struct {
	// BrokerURL normalizes the host into a broker URI ("tcp://host:1883").
	// An empty result aborts the attempt with InvalidParameter.
	BrokerURL func(params biz.ConnectParams) string

	// ClientID is a stable identifier for this session.
	ClientID func(params biz.ConnectParams) string

	// ValidateParams may perform an out-of-band probe (e.g. an HTTP
	// system-info call) to resolve the serial number when the caller
	// didn't supply one. It returns the serial to use.
	ValidateParams func(ctx context.Context, params biz.ConnectParams) (serial string, err error)

	// Credentials returns the username/password pair for the configured
	// auth mode, with family defaults applied.
	Credentials func(params biz.ConnectParams) (username, password string)

	// SubscriptionTopics lists topics to subscribe after CONNACK.
	SubscriptionTopics func(params biz.ConnectParams, serial string) []string

	// CommandTopic is the outbound publish topic.
	CommandTopic func(params biz.ConnectParams, serial string) string

	// Registration is nil for families without a post-CONNACK handshake.
	Registration *RegistrationHooks

	Heartbeat HeartbeatConfig
}

// RegistrationHooks implement the optional post-CONNACK handshake some
// families require before the session is considered open. While the
// manager is in StateRegistering, inbound messages matching IsResponse are
// consumed by the handshake and never forwarded.
type RegistrationHooks struct {
	// Perform publishes the registration request through send.
	Perform func(params biz.ConnectParams, clientID, serial string, send func(topic string, payload []byte) error) error

	// IsResponse reports whether an inbound message belongs to the
	// handshake.
	IsResponse func(topic string, payload []byte) bool

	// Validate inspects a handshake response; a non-nil error carries the
	// taxonomy code for the failure.
	Validate func(topic string, payload []byte, clientID string) error

	Timeout time.Duration
}

// MQTT is the Transport implementation for MQTT-family printers.
type MQTT struct {
	*manager
	hooks MQTTHooks

	clientMu sync.Mutex
	client   paho.Client
	serial   string
	topic    string // resolved command topic

	regMu   sync.Mutex
	regDone chan error
}

func NewMQTT(hooks MQTTHooks) *MQTT {
	t := &MQTT{hooks: hooks}
	t.manager = newManager("mqtt", t, hooks.Heartbeat)
	return t
}

// Serial reports the serial number resolved during connection, which may
// have been probed rather than supplied.
func (t *MQTT) Serial() string {
	t.clientMu.Lock()
	defer t.clientMu.Unlock()
	return t.serial
}

func (t *MQTT) open(ctx context.Context, params biz.ConnectParams) error {
	serial := params.SerialNumber
	if t.hooks.ValidateParams != nil {
		s, err := t.hooks.ValidateParams(ctx, params)
		if err != nil {
			return err
		}
		if s != "" {
			serial = s
		}
	}

	broker := t.hooks.BrokerURL(params)
	if broker == "" {
		return errcode.New(errcode.InvalidParameter, "could not derive broker URL from host")
	}
	clientID := t.hooks.ClientID(params)
	username, password := t.hooks.Credentials(params)

	deadline, ok := ctx.Deadline()
	timeout := defaultConnectTimeout
	if ok {
		timeout = time.Until(deadline)
	}

	opts := paho.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetUsername(username).
		SetPassword(password).
		SetCleanSession(true).
		SetAutoReconnect(false). // the manager owns reconnection
		SetKeepAlive(60 * time.Second).
		SetConnectTimeout(timeout).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			slog.Warn("mqtt connection lost", "host", params.Host, "error", err)
			t.connectionLost(true)
		}).
		SetDefaultPublishHandler(func(_ paho.Client, msg paho.Message) {
			t.onMessage(msg.Topic(), msg.Payload())
		})

	client := paho.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(timeout) {
		client.Disconnect(0)
		return errcode.New(errcode.PrinterConnectionError, "mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return errcode.Newf(mapPahoConnectError(err, params.AuthMode), "mqtt connect: %v", err)
	}

	t.clientMu.Lock()
	t.client = client
	t.serial = serial
	t.topic = t.hooks.CommandTopic(params, serial)
	t.clientMu.Unlock()

	for _, topic := range t.hooks.SubscriptionTopics(params, serial) {
		sub := client.Subscribe(topic, 1, nil)
		if sub.WaitTimeout(timeout) && sub.Error() != nil {
			slog.Warn("mqtt subscribe failed", "topic", biz.Mask(topic), "error", sub.Error())
		}
	}

	if t.hooks.Registration != nil {
		if err := t.register(ctx, params, clientID, serial); err != nil {
			t.close()
			return err
		}
	}
	return nil
}

func (t *MQTT) register(ctx context.Context, params biz.ConnectParams, clientID, serial string) error {
	reg := t.hooks.Registration
	t.setState(biz.StateRegistering)

	done := make(chan error, 1)
	t.regMu.Lock()
	t.regDone = done
	t.regMu.Unlock()
	defer func() {
		t.regMu.Lock()
		t.regDone = nil
		t.regMu.Unlock()
	}()

	err := reg.Perform(params, clientID, serial, func(topic string, payload []byte) error {
		return t.publish(topic, payload)
	})
	if err != nil {
		return errcode.Newf(errcode.PrinterConnectionError, "sending registration request: %v", err)
	}

	timeout := reg.Timeout
	if params.ConnectionTimeout > 0 {
		timeout = params.ConnectionTimeout
	}
	select {
	case err := <-done:
		return err
	case <-time.After(timeout):
		return errcode.New(errcode.OperationTimeout, "printer registration timed out")
	case <-ctx.Done():
		return errcode.New(errcode.OperationCancelled, "registration cancelled")
	}
}

func (t *MQTT) onMessage(topic string, payload []byte) {
	// While registering, handshake traffic is consumed by the handshake
	// state and never reaches the session.
	t.regMu.Lock()
	done := t.regDone
	t.regMu.Unlock()
	if done != nil && t.hooks.Registration.IsResponse(topic, payload) {
		clientID := t.hooks.ClientID(t.currentParams())
		select {
		case done <- t.hooks.Registration.Validate(topic, payload, clientID):
		default:
		}
		return
	}
	t.handleInbound(payload)
}

func (t *MQTT) currentParams() biz.ConnectParams {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.params
}

func (t *MQTT) close() {
	t.clientMu.Lock()
	client := t.client
	t.client = nil
	t.clientMu.Unlock()
	if client != nil && client.IsConnected() {
		client.Disconnect(250)
	}
}

func (t *MQTT) linkOpen() bool {
	t.clientMu.Lock()
	defer t.clientMu.Unlock()
	return t.client != nil && t.client.IsConnectionOpen()
}

func (t *MQTT) send(payload []byte) error {
	t.clientMu.Lock()
	topic := t.topic
	t.clientMu.Unlock()
	return t.publish(topic, payload)
}

func (t *MQTT) sendHeartbeat(payload []byte) error {
	return t.send(payload)
}

func (t *MQTT) publish(topic string, payload []byte) error {
	t.clientMu.Lock()
	client := t.client
	t.clientMu.Unlock()
	if client == nil || !client.IsConnectionOpen() {
		return errcode.New(errcode.PrinterOffline, "mqtt client is not connected")
	}
	token := client.Publish(topic, 1, false, payload)
	if !token.WaitTimeout(2 * time.Second) {
		return errcode.New(errcode.OperationTimeout, "mqtt publish timed out")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt publish: %w", err)
	}
	return nil
}

// mapPahoConnectError translates the paho CONNACK refusal errors onto the
// taxonomy. paho surfaces CONNACK codes as formatted errors rather than
// numerics, so the mapping goes through the known messages.
func mapPahoConnectError(err error, authMode biz.AuthMode) errcode.Code {
	if err == nil {
		return errcode.Success
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return errcode.OperationTimeout
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "bad user name or password"),
		strings.Contains(msg, "bad username or password"),
		strings.Contains(msg, "not authorized"), strings.Contains(msg, "not authorised"):
		return errcode.MapMQTTConnack(4, string(authMode))
	case strings.Contains(msg, "server unavailable"):
		return errcode.MapMQTTConnack(3, string(authMode))
	case strings.Contains(msg, "identifier rejected"), strings.Contains(msg, "protocol violation"):
		return errcode.PrinterConnectionError
	default:
		return errcode.PrinterConnectionError
	}
}

// registrationError decodes a CC2-style registration response into a
// taxonomy error; shared by families with the elegoo register handshake.
func registrationError(payload []byte, clientID string) error {
	var resp struct {
		ClientID string `json:"client_id"`
		Error    string `json:"error"`
	}
	if err := json.Unmarshal(payload, &resp); err != nil {
		return errcode.Newf(errcode.PrinterInvalidResponse, "registration response: %v", err)
	}
	if resp.ClientID != clientID {
		return errcode.New(errcode.PrinterConnectionError, "registration response client_id mismatch")
	}
	switch {
	case resp.Error == "ok":
		return nil
	case strings.Contains(resp.Error, "too many clients"):
		return errcode.New(errcode.PrinterConnectionLimitExceeded, "connection limit exceeded")
	default:
		return errcode.Newf(errcode.PrinterConnectionError, "registration failed: %s", resp.Error)
	}
}
