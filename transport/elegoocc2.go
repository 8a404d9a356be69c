package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/url"
	"strings"
	"time"

	"github.com/TheLab-ms/printerlink/biz"
	"github.com/TheLab-ms/printerlink/errcode"
	"github.com/TheLab-ms/printerlink/httpx"
)

// NewElegooCC2 builds the MQTT transport for the Elegoo CC2 family: broker
// on tcp/1883, access-code auth, a registration handshake, and a
// PING/PONG application heartbeat.
func NewElegooCC2() *MQTT {
	// The printer distinguishes concurrent clients by this id; the random
	// suffix keeps two SDK instances on one LAN apart.
	clientID := fmt.Sprintf("1_PC_%04d", 1000+rand.Intn(9000))
	requestID := clientID + "_req"

	return NewMQTT(MQTTHooks{
		BrokerURL: func(p biz.ConnectParams) string {
			host := HostOnly(p.Host)
			if host == "" {
				return ""
			}
			return "tcp://" + host + ":1883"
		},
		ClientID: func(biz.ConnectParams) string { return clientID },
		ValidateParams: func(ctx context.Context, p biz.ConnectParams) (string, error) {
			if p.PrinterType != biz.ElegooFDMCC2 {
				return "", errcode.New(errcode.InvalidParameter, "unsupported printer type for CC2 transport")
			}
			if p.SerialNumber != "" {
				return p.SerialNumber, nil
			}
			return probeSerialNumber(ctx, p)
		},
		Credentials: func(p biz.ConnectParams) (string, string) {
			username := "elegoo"
			if p.AuthMode == biz.AuthBasic && p.Username != "" {
				username = p.Username
			}
			return username, p.Secret("123456")
		},
		SubscriptionTopics: func(p biz.ConnectParams, serial string) []string {
			return []string{
				"elegoo/" + serial + "/" + clientID + "/api_response",
				"elegoo/" + serial + "/api_status",
				"elegoo/" + serial + "/" + requestID + "/register_response",
			}
		},
		CommandTopic: func(p biz.ConnectParams, serial string) string {
			return "elegoo/" + serial + "/" + clientID + "/api_request"
		},
		Registration: &RegistrationHooks{
			Perform: func(p biz.ConnectParams, clientID, serial string, send func(string, []byte) error) error {
				msg, _ := json.Marshal(map[string]string{
					"client_id":  clientID,
					"request_id": requestID,
				})
				return send("elegoo/"+serial+"/api_register", msg)
			},
			IsResponse: func(topic string, _ []byte) bool {
				return strings.HasSuffix(topic, "/"+requestID+"/register_response")
			},
			Validate: func(_ string, payload []byte, clientID string) error {
				return registrationError(payload, clientID)
			},
			Timeout: 3 * time.Second,
		},
		Heartbeat: HeartbeatConfig{
			Enabled:  true,
			Interval: 10 * time.Second,
			Timeout:  65 * time.Second,
			Create:   func() []byte { return []byte(`{"type":"PING"}`) },
			Handle: func(payload []byte) bool {
				var m struct {
					Type string `json:"type"`
				}
				return json.Unmarshal(payload, &m) == nil && m.Type == "PONG"
			},
		},
	})
}

// probeSerialNumber asks the printer's HTTP surface for its serial number
// when the caller didn't supply one.
func probeSerialNumber(ctx context.Context, p biz.ConnectParams) (string, error) {
	timeout := p.ConnectionTimeout
	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}
	client, err := httpx.NewClient(httpx.Config{
		BaseURL:     "http://" + HostOnly(p.Host),
		TokenHeader: "X-Token",
		Timeout:     timeout,
	})
	if err != nil {
		return "", err
	}
	token := p.Secret("123456")
	client.SetOpaqueTokenSource(func() string { return token })

	resp, err := client.Get(ctx, "/system/info?X-Token="+url.QueryEscape(token))
	if err != nil {
		return "", errcode.Newf(errcode.NetworkError, "probing printer serial number: %v", err)
	}
	if resp.Status == 401 {
		return "", errcode.New(errcode.InvalidAccessCode, "printer rejected access code during serial probe")
	}
	if resp.Status != 200 {
		return "", errcode.Newf(errcode.NetworkError, "serial probe returned status %d", resp.Status)
	}

	var body struct {
		ErrorCode  int `json:"error_code"`
		SystemInfo struct {
			SN string `json:"sn"`
		} `json:"system_info"`
	}
	if err := resp.DecodeJSON(&body); err != nil {
		return "", errcode.Newf(errcode.PrinterUnknownError, "decoding serial probe response: %v", err)
	}
	if body.ErrorCode != 0 {
		return "", errcode.Newf(errcode.PrinterUnknownError, "printer info error code %d", body.ErrorCode)
	}
	if body.SystemInfo.SN == "" {
		return "", errcode.New(errcode.PrinterUnknownError, "printer info response carried no serial number")
	}
	return body.SystemInfo.SN, nil
}

// HostOnly strips any scheme, path, and credentials from a host spec,
// keeping "host" or "host:port".
func HostOnly(raw string) string {
	s := raw
	if i := strings.Index(s, "://"); i >= 0 {
		s = s[i+3:]
	}
	if i := strings.IndexAny(s, "/?"); i >= 0 {
		s = s[:i]
	}
	return s
}

// StripPort returns the host without any :port suffix.
func StripPort(raw string) string {
	host := HostOnly(raw)
	if i := strings.LastIndex(host, ":"); i >= 0 && !strings.Contains(host[i:], "]") {
		return host[:i]
	}
	return host
}
