package mqttloop

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Transport names accepted in configuration files.
const (
	TransportTCP       = "tcp"
	TransportTLS       = "tls"
	TransportWebSocket = "ws"
	TransportWSS       = "wss"
	TransportQUIC      = "quic"
	TransportUnix      = "unix"
)

// Config is the file form of client and connection settings. It is loaded
// from YAML and can be overridden by MQTTLOOP_* environment variables.
type Config struct {
	Broker    BrokerConfig    `yaml:"broker"`
	Session   SessionConfig   `yaml:"session"`
	TLS       TLSFileConfig   `yaml:"tls"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
	Limits    LimitsConfig    `yaml:"limits"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// BrokerConfig names the broker and how to reach it.
type BrokerConfig struct {
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`
	Transport string `yaml:"transport"`

	// Path is the WebSocket endpoint or, for unix, the socket path.
	Path  string `yaml:"path"`
	Proxy string `yaml:"proxy"`
}

// SessionConfig holds CONNECT settings.
type SessionConfig struct {
	ClientID        string        `yaml:"client_id"`
	Username        string        `yaml:"username"`
	Password        string        `yaml:"password"`
	KeepAlive       int           `yaml:"keep_alive"`
	Type            string        `yaml:"type"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
	ResponseTimeout time.Duration `yaml:"response_timeout"`
	Will            *WillConfig   `yaml:"will"`
}

// WillConfig is the will message published by the broker when the
// connection is lost.
type WillConfig struct {
	Topic   string `yaml:"topic"`
	Payload string `yaml:"payload"`
	QoS     int    `yaml:"qos"`
	Retain  bool   `yaml:"retain"`
}

// TLSFileConfig holds TLS settings.
type TLSFileConfig struct {
	CAFile             string `yaml:"ca_file"`
	CertFile           string `yaml:"cert_file"`
	KeyFile            string `yaml:"key_file"`
	ServerName         string `yaml:"server_name"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
}

// ReconnectConfig holds reconnect settings.
type ReconnectConfig struct {
	Enabled     bool    `yaml:"enabled"`
	MaxAttempts int     `yaml:"max_attempts"`
	Rate        float64 `yaml:"rate"`
	Burst       int     `yaml:"burst"`
}

// LimitsConfig holds throughput limits.
type LimitsConfig struct {
	ReadSize      int     `yaml:"read_size"`
	MaxPacketSize int     `yaml:"max_packet_size"`
	PublishRate   float64 `yaml:"publish_rate"`
	PublishBurst  int     `yaml:"publish_burst"`
	MaxInflight   int     `yaml:"max_inflight"`
}

// LoggingConfig selects the log level.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// LoadConfig reads, overrides and validates the configuration at path.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig parses YAML over the defaults, applies environment
// overrides and validates the result.
func ParseConfig(data []byte) (*Config, error) {
	cfg := DefaultConfig()

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, fmt.Errorf("environment overrides: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Broker: BrokerConfig{
			Host:      "localhost",
			Port:      1883,
			Transport: TransportTCP,
		},
		Session: SessionConfig{
			KeepAlive:       60,
			Type:            SessionClean.String(),
			ConnectTimeout:  DefaultConnectTimeout,
			ResponseTimeout: DefaultResponseTimeout,
		},
		Reconnect: ReconnectConfig{
			Enabled: true,
		},
		Limits: LimitsConfig{
			ReadSize: DefaultReadSize,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("MQTTLOOP_BROKER_HOST"); v != "" {
		cfg.Broker.Host = v
	}
	if v := os.Getenv("MQTTLOOP_BROKER_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("MQTTLOOP_BROKER_PORT: %w", err)
		}
		cfg.Broker.Port = port
	}
	if v := os.Getenv("MQTTLOOP_BROKER_TRANSPORT"); v != "" {
		cfg.Broker.Transport = v
	}
	if v := os.Getenv("MQTTLOOP_BROKER_PROXY"); v != "" {
		cfg.Broker.Proxy = v
	}

	if v := os.Getenv("MQTTLOOP_CLIENT_ID"); v != "" {
		cfg.Session.ClientID = v
	}
	if v := os.Getenv("MQTTLOOP_USERNAME"); v != "" {
		cfg.Session.Username = v
	}
	if v := os.Getenv("MQTTLOOP_PASSWORD"); v != "" {
		cfg.Session.Password = v
	}

	if v := os.Getenv("MQTTLOOP_TLS_CA_FILE"); v != "" {
		cfg.TLS.CAFile = v
	}

	if v := os.Getenv("MQTTLOOP_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	return nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	switch c.Broker.Transport {
	case TransportTCP, TransportTLS, TransportWebSocket, TransportWSS, TransportQUIC:
		if c.Broker.Host == "" {
			errs = append(errs, "broker.host is required")
		}
		if c.Broker.Port < 1 || c.Broker.Port > 65535 {
			errs = append(errs, "broker.port must be between 1 and 65535")
		}
	case TransportUnix:
		if c.Broker.Path == "" {
			errs = append(errs, "broker.path is required for the unix transport")
		}
	default:
		errs = append(errs, fmt.Sprintf("broker.transport %q is not supported", c.Broker.Transport))
	}
	if c.Broker.Proxy != "" && c.Broker.Transport != TransportTCP {
		errs = append(errs, "broker.proxy is only supported with the tcp transport")
	}

	if c.Session.KeepAlive < 0 || c.Session.KeepAlive > maxUint16 {
		errs = append(errs, "session.keep_alive must be between 0 and 65535")
	}
	sessionType, err := parseSessionType(c.Session.Type)
	if err != nil {
		errs = append(errs, err.Error())
	}
	if sessionType == SessionContinue && c.Session.ClientID == "" {
		errs = append(errs, "session.client_id is required for a continued session")
	}
	if c.Session.Password != "" && c.Session.Username == "" {
		errs = append(errs, "session.password requires session.username")
	}
	if w := c.Session.Will; w != nil {
		if err := ValidateTopicName(w.Topic); err != nil {
			errs = append(errs, "session.will.topic: "+err.Error())
		}
		if !QoS(w.QoS).Valid() {
			errs = append(errs, "session.will.qos must be 0, 1, or 2")
		}
	}

	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		errs = append(errs, "tls.cert_file and tls.key_file must be set together")
	}

	if c.Reconnect.MaxAttempts < 0 {
		errs = append(errs, "reconnect.max_attempts must not be negative")
	}
	if c.Limits.PublishRate < 0 {
		errs = append(errs, "limits.publish_rate must not be negative")
	}
	if c.Limits.MaxPacketSize < 0 || c.Limits.MaxPacketSize > maxVarint {
		errs = append(errs, "limits.max_packet_size must be between 0 and 268435455")
	}
	if c.Limits.MaxInflight < 0 || c.Limits.MaxInflight > maxUint16 {
		errs = append(errs, "limits.max_inflight must be between 0 and 65535")
	}

	if _, err := ParseLogLevel(c.Logging.Level); err != nil {
		errs = append(errs, "logging.level: "+err.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidParameter, strings.Join(errs, "; "))
	}
	return nil
}

func parseSessionType(s string) (SessionType, error) {
	switch strings.ToLower(s) {
	case "", SessionClean.String():
		return SessionClean, nil
	case SessionContinue.String():
		return SessionContinue, nil
	default:
		return SessionClean, fmt.Errorf("session.type %q is not supported", s)
	}
}

// Address returns the host and port to pass to Client.Connect.
func (c *Config) Address() (string, uint16) {
	if c.Broker.Transport == TransportUnix {
		return c.Broker.Path, 0
	}
	return c.Broker.Host, uint16(c.Broker.Port)
}

func (c *Config) tlsConfig() (*tls.Config, error) {
	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		ServerName:         c.TLS.ServerName,
		InsecureSkipVerify: c.TLS.InsecureSkipVerify, //nolint:gosec // opt-in for test brokers
	}
	if c.TLS.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(c.TLS.CertFile, c.TLS.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("loading client certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}

func loadRootCAs(cfg *tls.Config, file string) error {
	if file == "" {
		return nil
	}
	pem, err := os.ReadFile(file)
	if err != nil {
		return fmt.Errorf("reading CA file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return fmt.Errorf("%w: no certificates in %s", ErrInvalidParameter, file)
	}
	cfg.RootCAs = pool
	return nil
}

// Options converts the configuration into client options. Extra options
// are applied last, so they win over the file.
func (c *Config) Options(extra ...Option) ([]Option, error) {
	level, err := ParseLogLevel(c.Logging.Level)
	if err != nil {
		return nil, err
	}

	opts := []Option{
		WithLogger(NewStdLogger(os.Stderr, level)),
		WithReadSize(c.Limits.ReadSize),
		WithMaxPacketSize(uint32(c.Limits.MaxPacketSize)),
		WithResponseTimeout(c.Session.ResponseTimeout),
		WithAutoReconnect(c.Reconnect.Enabled),
		WithMaxReconnects(c.Reconnect.MaxAttempts),
	}
	if c.Reconnect.Rate > 0 {
		opts = append(opts, WithReconnectRate(c.Reconnect.Rate, c.Reconnect.Burst))
	}
	if c.Limits.PublishRate > 0 {
		opts = append(opts, WithPublishRate(c.Limits.PublishRate, c.Limits.PublishBurst))
	}
	if c.Limits.MaxInflight > 0 {
		opts = append(opts, WithMaxInflight(uint16(c.Limits.MaxInflight)))
	}

	switch c.Broker.Transport {
	case TransportTCP:
		if c.Broker.Proxy != "" {
			d, err := NewProxyDialer(c.Broker.Proxy, "", "")
			if err != nil {
				return nil, err
			}
			opts = append(opts, WithDialer(d))
		}

	case TransportTLS:
		tc, err := c.tlsConfig()
		if err != nil {
			return nil, err
		}
		opts = append(opts, WithTLS(tc))
		if c.TLS.CAFile != "" {
			opts = append(opts, WithCAFile(c.TLS.CAFile))
		}

	case TransportWebSocket, TransportWSS:
		d := NewWSDialer()
		d.Scheme = c.Broker.Transport
		if c.Broker.Path != "" {
			d.Path = c.Broker.Path
		}
		if c.Broker.Transport == TransportWSS {
			tc, err := c.tlsConfig()
			if err != nil {
				return nil, err
			}
			if err := loadRootCAs(tc, c.TLS.CAFile); err != nil {
				return nil, err
			}
			d.Dialer.TLSClientConfig = tc
		}
		opts = append(opts, WithDialer(d))

	case TransportQUIC:
		tc, err := c.tlsConfig()
		if err != nil {
			return nil, err
		}
		if err := loadRootCAs(tc, c.TLS.CAFile); err != nil {
			return nil, err
		}
		opts = append(opts, WithDialer(NewQUICDialer(tc)))

	case TransportUnix:
		opts = append(opts, WithDialer(NewUnixDialer()))

	default:
		return nil, fmt.Errorf("%w: transport %q", ErrInvalidParameter, c.Broker.Transport)
	}

	return append(opts, extra...), nil
}

// ConnectOptions converts the session settings into connect options.
func (c *Config) ConnectOptions(extra ...ConnectOption) []ConnectOption {
	sessionType, _ := parseSessionType(c.Session.Type)

	opts := []ConnectOption{
		WithKeepAlive(uint16(c.Session.KeepAlive)),
		WithSessionType(sessionType),
		WithConnectTimeout(c.Session.ConnectTimeout),
	}
	if c.Session.ClientID != "" {
		opts = append(opts, WithClientID(c.Session.ClientID))
	}
	if c.Session.Username != "" {
		opts = append(opts, WithCredentials(c.Session.Username, c.Session.Password))
	}
	if w := c.Session.Will; w != nil {
		opts = append(opts, WithWill(w.Topic, []byte(w.Payload), w.Retain, QoS(w.QoS)))
	}
	return append(opts, extra...)
}
