package mqttloop

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusClass(t *testing.T) {
	tests := []struct {
		status Status
		class  StatusClass
	}{
		{StatusOK, ClassControlFlow},
		{StatusWantRead, ClassControlFlow},
		{StatusFailedWriting, ClassControlFlow},
		{StatusOutOfMemory, ClassResource},
		{StatusBufferOverflow, ClassResource},
		{StatusSocketError, ClassTransport},
		{StatusConnectionResetByPeer, ClassTransport},
		{StatusTimeout, ClassTransport},
		{StatusResourceError, ClassTransport},
		{StatusMQTTParserError, ClassProtocol},
		{StatusUnexpectedMessage, ClassProtocol},
		{StatusInvalidParameter, ClassProgrammer},
		{StatusInternalError, ClassProgrammer},
		{StatusConnectionClosed, ClassLifecycle},
		{StatusBackoffTerminal, ClassLifecycle},
	}

	for _, tt := range tests {
		t.Run(tt.status.String(), func(t *testing.T) {
			assert.Equal(t, tt.class, tt.status.Class())
		})
	}
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "OK", StatusOK.String())
	assert.Equal(t, "CONNECTION_RESET_BY_PEER", StatusConnectionResetByPeer.String())
	assert.Equal(t, "UNKNOWN", Status(255).String())

	for s := range statusNames {
		assert.NotEqual(t, "UNKNOWN", s.String())
	}

	assert.Equal(t, "transport", ClassTransport.String())
	assert.Equal(t, "unknown", StatusClass(99).String())
}

func TestStatusContinues(t *testing.T) {
	for _, s := range []Status{StatusOK, StatusWantRead, StatusWantWrite, StatusWritten, StatusFailedWriting} {
		assert.True(t, s.Continues(), s.String())
	}
	for _, s := range []Status{StatusTimeout, StatusMQTTParserError, StatusConnectionClosed, StatusInvalidParameter} {
		assert.False(t, s.Continues(), s.String())
	}
}

func TestStatusFatal(t *testing.T) {
	for _, s := range []Status{StatusOutOfMemory, StatusInternalError, StatusUnknownMessageID} {
		assert.True(t, s.Fatal(), s.String())
	}
	for _, s := range []Status{StatusOK, StatusWantRead, StatusTimeout, StatusBufferOverflow, StatusConnectionClosed} {
		assert.False(t, s.Fatal(), s.String())
	}
}

func TestStatusErr(t *testing.T) {
	assert.NoError(t, StatusOK.Err())
	assert.NoError(t, StatusWantWrite.Err())

	tests := []struct {
		status   Status
		sentinel error
	}{
		{StatusOutOfMemory, ErrResource},
		{StatusSocketReadError, ErrTransport},
		{StatusNotAuthorized, ErrProtocol},
		{StatusInvalidParameter, ErrInvalidParameter},
		{StatusElementNotFound, ErrElementNotFound},
		{StatusConnectionClosed, ErrClosed},
	}

	for _, tt := range tests {
		t.Run(tt.status.String(), func(t *testing.T) {
			err := tt.status.Err()
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.sentinel)

			var se *StatusError
			require.True(t, errors.As(err, &se))
			assert.Equal(t, tt.status, se.Status)
			assert.Equal(t, tt.status, StatusOf(err))
		})
	}
}

func TestStatusOf(t *testing.T) {
	assert.Equal(t, StatusOK, StatusOf(nil))
	assert.Equal(t, StatusInternalError, StatusOf(errors.New("foreign")))
	assert.Equal(t, StatusTimeout, StatusOf(NewConnectError("h", 1, StatusTimeout)))
}

func TestConnackStatus(t *testing.T) {
	tests := []struct {
		code   byte
		status Status
	}{
		{0, StatusOK},
		{1, StatusUnacceptableProtocolVersion},
		{2, StatusIdentifierRejected},
		{3, StatusServerUnavailable},
		{4, StatusBadUsernameOrPassword},
		{5, StatusNotAuthorized},
		{6, StatusUnknownConnackCode},
		{0xFF, StatusUnknownConnackCode},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.status, connackStatus(tt.code), "code %d", tt.code)
	}
}
