package mqttloop

import (
	"crypto/tls"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDefaultOptions(t *testing.T) {
	opts := defaultOptions()

	assert.NotNil(t, opts.logger)
	assert.Nil(t, opts.metrics)
	assert.Nil(t, opts.net)
	assert.Nil(t, opts.dialer)
	assert.Equal(t, DefaultReadSize, opts.readSize)
	assert.Equal(t, uint32(0), opts.maxPacketSize)
	assert.Equal(t, DefaultResponseTimeout, opts.responseTimeout)
	assert.True(t, opts.autoReconnect)
	assert.Equal(t, 0, opts.maxReconnects)
	assert.Equal(t, uint16(0), opts.maxInflight)
	assert.NotNil(t, opts.clock)
}

func TestWithLogger(t *testing.T) {
	logger := NewNoOpLogger()
	opts := applyOptions(WithLogger(logger))
	assert.Equal(t, logger, opts.logger)

	opts = applyOptions(WithLogger(nil))
	assert.NotNil(t, opts.logger)
}

func TestWithMetrics(t *testing.T) {
	m := NewMemoryMetrics()
	opts := applyOptions(WithMetrics(m))
	assert.Same(t, m, opts.metrics)
}

func TestWithTransportOptions(t *testing.T) {
	bsp := &fakeNet{}
	dialer := NewUnixDialer()

	opts := applyOptions(WithNetBSP(bsp), WithDialer(dialer))
	assert.Same(t, bsp, opts.net)
	assert.Same(t, dialer, opts.dialer)
}

func TestWithReadSize(t *testing.T) {
	assert.Equal(t, 128, applyOptions(WithReadSize(128)).readSize)
	assert.Equal(t, DefaultReadSize, applyOptions(WithReadSize(0)).readSize)
	assert.Equal(t, DefaultReadSize, applyOptions(WithReadSize(-5)).readSize)
}

func TestWithMaxPacketSize(t *testing.T) {
	assert.Equal(t, uint32(4096), applyOptions(WithMaxPacketSize(4096)).maxPacketSize)
	assert.Equal(t, uint32(0), applyOptions(WithMaxPacketSize(0)).maxPacketSize)
}

func TestWithTLS(t *testing.T) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
	opts := applyOptions(WithTLS(tlsConfig), WithCAFile("ca.pem"))
	assert.Same(t, tlsConfig, opts.tlsConfig)
	assert.Equal(t, "ca.pem", opts.caFile)

	res := NewFSResources(nil)
	opts = applyOptions(WithResources(res))
	assert.Same(t, res, opts.resources)
}

func TestWithTLSEngine(t *testing.T) {
	var called bool
	factory := TLSEngineFactory(func(*tls.Config) TLSEngine {
		called = true
		return nil
	})

	opts := applyOptions(WithTLSEngine(factory))
	opts.tlsEngine(nil)
	assert.True(t, called)
}

func TestWithResponseTimeout(t *testing.T) {
	assert.Equal(t, 3*time.Second, applyOptions(WithResponseTimeout(3*time.Second)).responseTimeout)
	assert.Equal(t, DefaultResponseTimeout, applyOptions(WithResponseTimeout(0)).responseTimeout)
}

func TestWithReconnectOptions(t *testing.T) {
	penalties := []time.Duration{0, time.Second}
	decays := []time.Duration{time.Second, time.Second}

	opts := applyOptions(
		WithAutoReconnect(false),
		WithMaxReconnects(4),
		WithBackoffTables(penalties, decays),
		WithReconnectRate(0.5, 2),
	)

	assert.False(t, opts.autoReconnect)
	assert.Equal(t, 4, opts.maxReconnects)
	assert.Equal(t, penalties, opts.penalties)
	assert.Equal(t, decays, opts.decays)
	assert.Equal(t, 0.5, opts.reconnectRate)
	assert.Equal(t, 2, opts.reconnectBurst)
}

func TestWithLimits(t *testing.T) {
	opts := applyOptions(WithPublishRate(10, 5), WithMaxInflight(32))
	assert.Equal(t, 10.0, opts.publishRate)
	assert.Equal(t, 5, opts.publishBurst)
	assert.Equal(t, uint16(32), opts.maxInflight)
}

func TestWithClock(t *testing.T) {
	at := time.UnixMilli(1234)
	opts := applyOptions(WithClock(func() time.Time { return at }))
	assert.Equal(t, at, opts.clock())

	opts = applyOptions(WithClock(nil))
	assert.NotNil(t, opts.clock)
}

func TestDefaultConnectOptions(t *testing.T) {
	opts := applyConnectOptions()

	assert.Empty(t, opts.connect.ClientID)
	assert.Equal(t, uint16(60), opts.connect.KeepAlive)
	assert.Equal(t, SessionClean, opts.sessionType)
	assert.Equal(t, DefaultConnectTimeout, opts.connectTimeout)
	assert.NoError(t, opts.validate())
}

func TestConnectOptions(t *testing.T) {
	opts := applyConnectOptions(
		WithClientID("test-client"),
		WithCredentials("user", "pass"),
		WithKeepAlive(30),
		WithConnectTimeout(time.Second),
		WithConnectTimeout(0),
		WithSessionType(SessionContinue),
		WithWill("will/topic", []byte("bye"), true, QoS1),
	)

	assert.Equal(t, "test-client", opts.connect.ClientID)
	assert.Equal(t, "user", opts.connect.Username)
	assert.Equal(t, []byte("pass"), opts.connect.Password)
	assert.Equal(t, uint16(30), opts.connect.KeepAlive)
	assert.Equal(t, time.Second, opts.connectTimeout)
	assert.Equal(t, SessionContinue, opts.sessionType)
	assert.Equal(t, "will/topic", opts.connect.WillTopic)
	assert.Equal(t, []byte("bye"), opts.connect.WillMessage)
	assert.True(t, opts.connect.WillRetain)
	assert.Equal(t, QoS1, opts.connect.WillQoS)
	assert.NoError(t, opts.validate())
}

func TestConnectOptionsValidate(t *testing.T) {
	tests := []struct {
		name string
		opts []ConnectOption
		err  error
	}{
		{
			name: "continue without client id",
			opts: []ConnectOption{WithSessionType(SessionContinue)},
			err:  ErrInvalidParameter,
		},
		{
			name: "will topic with wildcard",
			opts: []ConnectOption{WithWill("a/#", nil, false, QoS0)},
			err:  ErrInvalidTopicName,
		},
		{
			name: "will qos",
			opts: []ConnectOption{WithWill("a", nil, false, QoS(3))},
			err:  ErrInvalidQoS,
		},
		{
			name: "password without username",
			opts: []ConnectOption{WithCredentials("", "secret")},
			err:  ErrInvalidParameter,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, applyConnectOptions(tt.opts...).validate(), tt.err)
		})
	}
}
