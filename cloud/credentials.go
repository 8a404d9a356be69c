// Package cloud is the cloud-side service facade: HTTP API access with a
// cached credential triple, MQTT telemetry fan-out, and the RTM
// request/response channel to remote printers.
package cloud

import (
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
)

// HttpCredential is the user's bearer + refresh token pair.
type HttpCredential struct {
	UserID       string `json:"userId"`
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresAt    int64  `json:"expiresAt"` // unix seconds; 0 means "derive from the token"
}

// Expiry resolves the token expiry, falling back to the JWT exp claim when
// the server didn't send an explicit timestamp.
func (c *HttpCredential) Expiry() time.Time {
	if c.ExpiresAt > 0 {
		return time.Unix(c.ExpiresAt, 0)
	}
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(c.AccessToken, &claims); err == nil && claims.ExpiresAt != nil {
		return claims.ExpiresAt.Time
	}
	return time.Time{}
}

// ShouldRefresh reports whether the token is within the refresh threshold
// of expiring. Tokens with no derivable expiry are never proactively
// refreshed.
func (c *HttpCredential) ShouldRefresh(threshold time.Duration) bool {
	expiry := c.Expiry()
	if expiry.IsZero() {
		return false
	}
	return time.Until(expiry) < threshold
}

// MqttCredential configures the telemetry subscriber.
type MqttCredential struct {
	BrokerURL  string `json:"brokerUrl"`
	ClientID   string `json:"clientId"`
	Username   string `json:"username"`
	Password   string `json:"password"`
	TopicScope string `json:"topicScope,omitempty"`
}

// AgoraCredential configures the RTM channel.
type AgoraCredential struct {
	RtmUserID  string `json:"rtmUserId"`
	RtmToken   string `json:"rtmToken"`
	AppUserID  string `json:"appUserId"`
	GatewayURL string `json:"gatewayUrl"`
}

// credentialCache is the shared-read/exclusive-write triple. Readers copy
// the pointer out under the lock; writers replace it wholesale, so a
// credential value is immutable once published.
type credentialCache struct {
	mu    sync.RWMutex
	http  *HttpCredential
	mqtt  *MqttCredential
	agora *AgoraCredential
}

func (c *credentialCache) HTTP() *HttpCredential {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.http
}

func (c *credentialCache) SetHTTP(cred *HttpCredential) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.http = cred
}

func (c *credentialCache) MQTT() *MqttCredential {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mqtt
}

func (c *credentialCache) SetMQTT(cred *MqttCredential) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mqtt = cred
}

func (c *credentialCache) Agora() *AgoraCredential {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.agora
}

func (c *credentialCache) SetAgora(cred *AgoraCredential) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.agora = cred
}

func (c *credentialCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.http, c.mqtt, c.agora = nil, nil, nil
}

// TokenSource adapts the cache to oauth2.TokenSource so integrators can
// hand the cloud credential to any oauth2-aware HTTP stack.
func (c *credentialCache) TokenSource() oauth2.TokenSource {
	return tokenSourceFunc{cache: c}
}

type tokenSourceFunc struct{ cache *credentialCache }

func (t tokenSourceFunc) Token() (*oauth2.Token, error) {
	cred := t.cache.HTTP()
	if cred == nil {
		return nil, errNoCredential
	}
	return &oauth2.Token{AccessToken: cred.AccessToken, Expiry: cred.Expiry()}, nil
}
