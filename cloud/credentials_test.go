package cloud

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signedToken(t *testing.T, expiry time.Time) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "user-1",
		ExpiresAt: jwt.NewNumericDate(expiry),
	})
	signed, err := tok.SignedString([]byte("test-key"))
	require.NoError(t, err)
	return signed
}

func TestCredentialExpiryFromJWT(t *testing.T) {
	expiry := time.Now().Add(30 * time.Minute).Truncate(time.Second)
	cred := &HttpCredential{AccessToken: signedToken(t, expiry)}
	assert.Equal(t, expiry.Unix(), cred.Expiry().Unix())

	// An explicit timestamp wins over the claim.
	cred.ExpiresAt = expiry.Add(time.Hour).Unix()
	assert.Equal(t, expiry.Add(time.Hour).Unix(), cred.Expiry().Unix())

	// Opaque tokens have no derivable expiry and are never proactively
	// refreshed.
	opaque := &HttpCredential{AccessToken: "not-a-jwt"}
	assert.True(t, opaque.Expiry().IsZero())
	assert.False(t, opaque.ShouldRefresh(time.Hour))
}

func TestShouldRefreshThreshold(t *testing.T) {
	soon := &HttpCredential{AccessToken: "x", ExpiresAt: time.Now().Add(30 * time.Minute).Unix()}
	assert.True(t, soon.ShouldRefresh(time.Hour))

	later := &HttpCredential{AccessToken: "x", ExpiresAt: time.Now().Add(3 * time.Hour).Unix()}
	assert.False(t, later.ShouldRefresh(time.Hour))
}

func TestCredentialCacheSwap(t *testing.T) {
	cache := &credentialCache{}
	assert.Nil(t, cache.HTTP())

	first := &HttpCredential{AccessToken: "a"}
	cache.SetHTTP(first)
	got := cache.HTTP()
	require.NotNil(t, got)
	assert.Equal(t, "a", got.AccessToken)

	// Writers publish a new value; the old pointer stays valid for
	// readers that already hold it.
	cache.SetHTTP(&HttpCredential{AccessToken: "b"})
	assert.Equal(t, "a", got.AccessToken)
	assert.Equal(t, "b", cache.HTTP().AccessToken)

	cache.SetMQTT(&MqttCredential{ClientID: "c1"})
	cache.SetAgora(&AgoraCredential{RtmUserID: "u1"})
	cache.Clear()
	assert.Nil(t, cache.HTTP())
	assert.Nil(t, cache.MQTT())
	assert.Nil(t, cache.Agora())
}

func TestTokenSource(t *testing.T) {
	cache := &credentialCache{}
	src := cache.TokenSource()

	_, err := src.Token()
	assert.Error(t, err)

	expiry := time.Now().Add(time.Hour)
	cache.SetHTTP(&HttpCredential{AccessToken: "tok", ExpiresAt: expiry.Unix()})
	tok, err := src.Token()
	require.NoError(t, err)
	assert.Equal(t, "tok", tok.AccessToken)
	assert.Equal(t, expiry.Unix(), tok.Expiry.Unix())
}
