package mqttloop

import (
	"crypto/tls"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseConfigDefaults(t *testing.T) {
	cfg, err := ParseConfig(nil)
	require.NoError(t, err)

	assert.Equal(t, DefaultConfig(), cfg)
	assert.Equal(t, "localhost", cfg.Broker.Host)
	assert.Equal(t, 1883, cfg.Broker.Port)
	assert.Equal(t, TransportTCP, cfg.Broker.Transport)
	assert.Equal(t, 60, cfg.Session.KeepAlive)
	assert.Equal(t, "clean", cfg.Session.Type)
	assert.True(t, cfg.Reconnect.Enabled)
	assert.Equal(t, DefaultReadSize, cfg.Limits.ReadSize)
}

func TestParseConfig(t *testing.T) {
	data := []byte(`
broker:
  host: broker.example.com
  port: 8883
  transport: tls
session:
  client_id: sensor-7
  username: user
  password: secret
  keep_alive: 30
  type: continue
  connect_timeout: 5s
  response_timeout: 2s
  will:
    topic: sensors/7/status
    payload: offline
    qos: 1
    retain: true
tls:
  ca_file: ca.pem
  server_name: broker
reconnect:
  enabled: false
  max_attempts: 5
  rate: 0.5
  burst: 2
limits:
  read_size: 512
  publish_rate: 10
  publish_burst: 20
  max_inflight: 16
logging:
  level: debug
`)

	cfg, err := ParseConfig(data)
	require.NoError(t, err)

	assert.Equal(t, BrokerConfig{Host: "broker.example.com", Port: 8883, Transport: TransportTLS}, cfg.Broker)
	assert.Equal(t, "sensor-7", cfg.Session.ClientID)
	assert.Equal(t, 5*time.Second, cfg.Session.ConnectTimeout)
	assert.Equal(t, 2*time.Second, cfg.Session.ResponseTimeout)
	require.NotNil(t, cfg.Session.Will)
	assert.Equal(t, WillConfig{Topic: "sensors/7/status", Payload: "offline", QoS: 1, Retain: true}, *cfg.Session.Will)
	assert.Equal(t, "ca.pem", cfg.TLS.CAFile)
	assert.Equal(t, ReconnectConfig{MaxAttempts: 5, Rate: 0.5, Burst: 2}, cfg.Reconnect)
	assert.Equal(t, LimitsConfig{ReadSize: 512, PublishRate: 10, PublishBurst: 20, MaxInflight: 16}, cfg.Limits)
	assert.Equal(t, "debug", cfg.Logging.Level)

	host, port := cfg.Address()
	assert.Equal(t, "broker.example.com", host)
	assert.Equal(t, uint16(8883), port)
}

func TestParseConfigInvalidYAML(t *testing.T) {
	_, err := ParseConfig([]byte("broker: [unclosed"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parsing config file")
}

func TestConfigEnvOverrides(t *testing.T) {
	t.Setenv("MQTTLOOP_BROKER_HOST", "env-host")
	t.Setenv("MQTTLOOP_BROKER_PORT", "1884")
	t.Setenv("MQTTLOOP_CLIENT_ID", "env-client")
	t.Setenv("MQTTLOOP_USERNAME", "env-user")
	t.Setenv("MQTTLOOP_PASSWORD", "env-pass")
	t.Setenv("MQTTLOOP_TLS_CA_FILE", "/etc/ca.pem")
	t.Setenv("MQTTLOOP_LOG_LEVEL", "warn")

	cfg, err := ParseConfig([]byte("broker:\n  host: file-host\n"))
	require.NoError(t, err)

	assert.Equal(t, "env-host", cfg.Broker.Host)
	assert.Equal(t, 1884, cfg.Broker.Port)
	assert.Equal(t, "env-client", cfg.Session.ClientID)
	assert.Equal(t, "env-user", cfg.Session.Username)
	assert.Equal(t, "env-pass", cfg.Session.Password)
	assert.Equal(t, "/etc/ca.pem", cfg.TLS.CAFile)
	assert.Equal(t, "warn", cfg.Logging.Level)
}

func TestConfigEnvOverridesInvalidPort(t *testing.T) {
	t.Setenv("MQTTLOOP_BROKER_PORT", "not-a-port")

	_, err := ParseConfig(nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MQTTLOOP_BROKER_PORT")
}

func TestConfigEnvOverridesTransport(t *testing.T) {
	t.Setenv("MQTTLOOP_BROKER_TRANSPORT", TransportTCP)
	t.Setenv("MQTTLOOP_BROKER_PROXY", "socks5://proxy:1080")

	cfg, err := ParseConfig([]byte("broker:\n  transport: tls\n"))
	require.NoError(t, err)
	assert.Equal(t, TransportTCP, cfg.Broker.Transport)
	assert.Equal(t, "socks5://proxy:1080", cfg.Broker.Proxy)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		errMsg string
	}{
		{name: "defaults"},
		{
			name:   "missing host",
			modify: func(c *Config) { c.Broker.Host = "" },
			errMsg: "broker.host is required",
		},
		{
			name:   "port out of range",
			modify: func(c *Config) { c.Broker.Port = 70000 },
			errMsg: "broker.port must be between 1 and 65535",
		},
		{
			name:   "unknown transport",
			modify: func(c *Config) { c.Broker.Transport = "carrier-pigeon" },
			errMsg: `broker.transport "carrier-pigeon" is not supported`,
		},
		{
			name: "unix without path",
			modify: func(c *Config) {
				c.Broker.Transport = TransportUnix
			},
			errMsg: "broker.path is required",
		},
		{
			name: "proxy with tls",
			modify: func(c *Config) {
				c.Broker.Transport = TransportTLS
				c.Broker.Proxy = "http://proxy:3128"
			},
			errMsg: "broker.proxy is only supported",
		},
		{
			name:   "keep alive too large",
			modify: func(c *Config) { c.Session.KeepAlive = 70000 },
			errMsg: "session.keep_alive",
		},
		{
			name:   "unknown session type",
			modify: func(c *Config) { c.Session.Type = "sticky" },
			errMsg: `session.type "sticky" is not supported`,
		},
		{
			name:   "continue without client id",
			modify: func(c *Config) { c.Session.Type = "continue" },
			errMsg: "session.client_id is required",
		},
		{
			name:   "password without username",
			modify: func(c *Config) { c.Session.Password = "secret" },
			errMsg: "session.password requires session.username",
		},
		{
			name:   "will with wildcard topic",
			modify: func(c *Config) { c.Session.Will = &WillConfig{Topic: "a/+"} },
			errMsg: "session.will.topic",
		},
		{
			name:   "will qos",
			modify: func(c *Config) { c.Session.Will = &WillConfig{Topic: "a", QoS: 3} },
			errMsg: "session.will.qos",
		},
		{
			name:   "cert without key",
			modify: func(c *Config) { c.TLS.CertFile = "client.pem" },
			errMsg: "tls.cert_file and tls.key_file",
		},
		{
			name:   "negative max attempts",
			modify: func(c *Config) { c.Reconnect.MaxAttempts = -1 },
			errMsg: "reconnect.max_attempts",
		},
		{
			name:   "negative publish rate",
			modify: func(c *Config) { c.Limits.PublishRate = -1 },
			errMsg: "limits.publish_rate",
		},
		{
			name:   "max inflight too large",
			modify: func(c *Config) { c.Limits.MaxInflight = 70000 },
			errMsg: "limits.max_inflight",
		},
		{
			name:   "negative max packet size",
			modify: func(c *Config) { c.Limits.MaxPacketSize = -1 },
			errMsg: "limits.max_packet_size",
		},
		{
			name:   "max packet size too large",
			modify: func(c *Config) { c.Limits.MaxPacketSize = 268435456 },
			errMsg: "limits.max_packet_size",
		},
		{
			name:   "unknown log level",
			modify: func(c *Config) { c.Logging.Level = "loud" },
			errMsg: "logging.level",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			if tt.modify != nil {
				tt.modify(cfg)
			}

			err := cfg.Validate()
			if tt.errMsg == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidParameter)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "client.yaml")
	require.NoError(t, os.WriteFile(path, []byte("broker:\n  port: 1999\n"), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 1999, cfg.Broker.Port)

	_, err = LoadConfig(filepath.Join(dir, "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reading config file")

	require.NoError(t, os.WriteFile(path, []byte("broker:\n  port: 0\n"), 0o600))
	_, err = LoadConfig(path)
	assert.ErrorIs(t, err, ErrInvalidParameter)
}

func TestConfigAddressUnix(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Broker.Transport = TransportUnix
	cfg.Broker.Path = "/run/mqtt.sock"

	host, port := cfg.Address()
	assert.Equal(t, "/run/mqtt.sock", host)
	assert.Equal(t, uint16(0), port)
}

func TestConfigOptions(t *testing.T) {
	t.Run("tcp", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Reconnect = ReconnectConfig{Enabled: false, MaxAttempts: 3, Rate: 2, Burst: 4}
		cfg.Limits = LimitsConfig{ReadSize: 256, MaxPacketSize: 1024, PublishRate: 5, PublishBurst: 6, MaxInflight: 8}
		cfg.Session.ResponseTimeout = 3 * time.Second

		opts, err := cfg.Options()
		require.NoError(t, err)
		o := applyOptions(opts...)

		assert.Nil(t, o.dialer)
		assert.Nil(t, o.tlsConfig)
		assert.Equal(t, 256, o.readSize)
		assert.Equal(t, uint32(1024), o.maxPacketSize)
		assert.Equal(t, 3*time.Second, o.responseTimeout)
		assert.False(t, o.autoReconnect)
		assert.Equal(t, 3, o.maxReconnects)
		assert.Equal(t, 2.0, o.reconnectRate)
		assert.Equal(t, 4, o.reconnectBurst)
		assert.Equal(t, 5.0, o.publishRate)
		assert.Equal(t, 6, o.publishBurst)
		assert.Equal(t, uint16(8), o.maxInflight)
	})

	t.Run("proxy", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Broker.Proxy = "socks5://proxy:1080"

		opts, err := cfg.Options()
		require.NoError(t, err)
		assert.IsType(t, &ProxyDialer{}, applyOptions(opts...).dialer)

		cfg.Broker.Proxy = "ftp://proxy"
		_, err = cfg.Options()
		assert.Error(t, err)
	})

	t.Run("tls", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Broker.Transport = TransportTLS
		cfg.TLS.CAFile = "ca.pem"
		cfg.TLS.ServerName = "broker"

		opts, err := cfg.Options()
		require.NoError(t, err)
		o := applyOptions(opts...)

		require.NotNil(t, o.tlsConfig)
		assert.Equal(t, "broker", o.tlsConfig.ServerName)
		assert.Equal(t, "ca.pem", o.caFile)
	})

	t.Run("tls missing client certificate", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Broker.Transport = TransportTLS
		cfg.TLS.CertFile = filepath.Join(t.TempDir(), "client.pem")
		cfg.TLS.KeyFile = filepath.Join(t.TempDir(), "client.key")

		_, err := cfg.Options()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "loading client certificate")
	})

	t.Run("websocket", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Broker.Transport = TransportWebSocket
		cfg.Broker.Path = "/ws"

		opts, err := cfg.Options()
		require.NoError(t, err)
		d, ok := applyOptions(opts...).dialer.(*WSDialer)
		require.True(t, ok)
		assert.Equal(t, "ws://localhost:1883/ws", d.URL("localhost", 1883))
		assert.Nil(t, d.Dialer.TLSClientConfig)
	})

	t.Run("secure websocket", func(t *testing.T) {
		_, pem := newTestCertificate(t)
		ca := filepath.Join(t.TempDir(), "ca.pem")
		require.NoError(t, os.WriteFile(ca, pem, 0o600))

		cfg := DefaultConfig()
		cfg.Broker.Transport = TransportWSS
		cfg.TLS.CAFile = ca

		opts, err := cfg.Options()
		require.NoError(t, err)
		d, ok := applyOptions(opts...).dialer.(*WSDialer)
		require.True(t, ok)
		assert.Equal(t, "wss", d.Scheme)
		require.NotNil(t, d.Dialer.TLSClientConfig)
		assert.NotNil(t, d.Dialer.TLSClientConfig.RootCAs)
	})

	t.Run("quic invalid bundle", func(t *testing.T) {
		ca := filepath.Join(t.TempDir(), "ca.pem")
		require.NoError(t, os.WriteFile(ca, []byte("not a certificate"), 0o600))

		cfg := DefaultConfig()
		cfg.Broker.Transport = TransportQUIC
		cfg.TLS.CAFile = ca

		_, err := cfg.Options()
		assert.ErrorIs(t, err, ErrInvalidParameter)
	})

	t.Run("quic", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Broker.Transport = TransportQUIC

		opts, err := cfg.Options()
		require.NoError(t, err)
		d, ok := applyOptions(opts...).dialer.(*QUICDialer)
		require.True(t, ok)
		assert.Equal(t, uint16(tls.VersionTLS12), d.TLSConfig.MinVersion)
	})

	t.Run("unix", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Broker.Transport = TransportUnix
		cfg.Broker.Path = "/run/mqtt.sock"

		opts, err := cfg.Options()
		require.NoError(t, err)
		assert.IsType(t, &UnixDialer{}, applyOptions(opts...).dialer)
	})

	t.Run("extra options win", func(t *testing.T) {
		opts, err := DefaultConfig().Options(WithReadSize(99))
		require.NoError(t, err)
		assert.Equal(t, 99, applyOptions(opts...).readSize)
	})

	t.Run("invalid log level", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Logging.Level = "loud"
		_, err := cfg.Options()
		assert.Error(t, err)
	})
}

func TestConfigConnectOptions(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Session = SessionConfig{
		ClientID:       "sensor-7",
		Username:       "user",
		Password:       "secret",
		KeepAlive:      15,
		Type:           "continue",
		ConnectTimeout: 4 * time.Second,
		Will:           &WillConfig{Topic: "s/7", Payload: "gone", QoS: 1, Retain: true},
	}

	o := applyConnectOptions(cfg.ConnectOptions(WithKeepAlive(20))...)
	assert.Equal(t, "sensor-7", o.connect.ClientID)
	assert.Equal(t, "user", o.connect.Username)
	assert.Equal(t, []byte("secret"), o.connect.Password)
	assert.Equal(t, uint16(20), o.connect.KeepAlive)
	assert.Equal(t, SessionContinue, o.sessionType)
	assert.Equal(t, 4*time.Second, o.connectTimeout)
	assert.Equal(t, "s/7", o.connect.WillTopic)
	assert.Equal(t, []byte("gone"), o.connect.WillMessage)
	assert.Equal(t, QoS1, o.connect.WillQoS)
	assert.True(t, o.connect.WillRetain)
	assert.NoError(t, o.validate())

	o = applyConnectOptions(DefaultConfig().ConnectOptions()...)
	assert.Empty(t, o.connect.ClientID)
	assert.Nil(t, o.connect.Password)
	assert.Equal(t, SessionClean, o.sessionType)
}
