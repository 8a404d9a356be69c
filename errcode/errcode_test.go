package errcode

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCodeOf(t *testing.T) {
	assert.Equal(t, Success, CodeOf(nil))
	assert.Equal(t, UnknownError, CodeOf(errors.New("plain")))
	assert.Equal(t, PrinterOffline, CodeOf(New(PrinterOffline, "offline")))

	wrapped := fmt.Errorf("while polling: %w", New(OperationTimeout, "timed out"))
	assert.Equal(t, OperationTimeout, CodeOf(wrapped))
}

func TestResultRoundtrip(t *testing.T) {
	ok := Ok(42)
	assert.True(t, ok.IsSuccess())
	assert.NoError(t, ok.Err())
	assert.Equal(t, 42, *ok.Data)

	fail := Fail[int](PrinterNotFound, "no such printer")
	assert.False(t, fail.IsSuccess())
	assert.Equal(t, PrinterNotFound, CodeOf(fail.Err()))

	// FromError preserves the taxonomy code through wrapping.
	res := FromError[Void](fmt.Errorf("connect: %w", New(InvalidAccessCode, "rejected")))
	assert.Equal(t, InvalidAccessCode, res.Code)
}

// The numeric values are ABI; a renumbering must fail loudly here.
func TestTaxonomyValues(t *testing.T) {
	assert.EqualValues(t, 0, Success)
	assert.EqualValues(t, 4, OperationTimeout)
	assert.EqualValues(t, 5, OperationCancelled)
	assert.EqualValues(t, 10, NotConnectedToSubservice)
	assert.EqualValues(t, 201, InvalidUsernameOrPassword)
	assert.EqualValues(t, 204, InvalidPinCode)
	assert.EqualValues(t, 300, FileTransferFailed)
	assert.EqualValues(t, 1000, PrinterNotFound)
	assert.EqualValues(t, 1002, PrinterConnectionLimitExceeded)
	assert.EqualValues(t, 1013, PrinterFilamentRunout)
	assert.EqualValues(t, 2049, ServerRtmNotConnected)
	assert.EqualValues(t, 2051, ServerForbidden)
}

func TestMapMQTTConnack(t *testing.T) {
	assert.Equal(t, Success, MapMQTTConnack(0, "basic"))
	assert.Equal(t, PrinterUnknownError, MapMQTTConnack(3, ""))
	assert.Equal(t, InvalidUsernameOrPassword, MapMQTTConnack(4, "basic"))
	assert.Equal(t, InvalidToken, MapMQTTConnack(5, "token"))
	assert.Equal(t, InvalidAccessCode, MapMQTTConnack(4, "accessCode"))
	assert.Equal(t, InvalidPinCode, MapMQTTConnack(5, "pinCode"))
	assert.Equal(t, InvalidAccessCode, MapMQTTConnack(4, ""))
	assert.Equal(t, PrinterConnectionError, MapMQTTConnack(99, "basic"))
}

func TestMapWebSocketHandshake(t *testing.T) {
	assert.Equal(t, PrinterConnectionError, MapWebSocketHandshake(errors.New("bad handshake: 401 Unauthorized")))
	assert.Equal(t, PrinterNotFound, MapWebSocketHandshake(errors.New("bad handshake: 404 Not Found")))
	assert.Equal(t, OperationTimeout, MapWebSocketHandshake(errors.New("i/o timeout")))
	assert.Equal(t, NetworkError, MapWebSocketHandshake(errors.New("cannot resolve host")))
	assert.Equal(t, PrinterConnectionError, MapWebSocketHandshake(errors.New("connection refused")))
}
