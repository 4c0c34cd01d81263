package mqttloop

import (
	"crypto/tls"
	"time"
)

// clientOptions holds configuration for a Client.
type clientOptions struct {
	logger  Logger
	metrics Metrics

	// Transport
	net      NetBSP
	dialer        Dialer
	readSize      int
	maxPacketSize uint32

	// TLS configuration
	tlsConfig *tls.Config
	tlsEngine TLSEngineFactory
	resources ResourceBSP
	caFile    string

	// Timeouts
	responseTimeout time.Duration

	// Auto reconnect settings
	autoReconnect  bool
	maxReconnects  int
	penalties      []time.Duration
	decays         []time.Duration
	reconnectRate  float64
	reconnectBurst int

	// Limits
	publishRate  float64
	publishBurst int
	maxInflight  uint16

	clock func() time.Time
}

// defaultOptions returns options with sensible defaults.
func defaultOptions() *clientOptions {
	return &clientOptions{
		logger:          NewNoOpLogger(),
		readSize:        DefaultReadSize,
		responseTimeout: DefaultResponseTimeout,
		autoReconnect:   true,
		clock:           time.Now,
	}
}

// Option configures a Client.
type Option func(*clientOptions)

// WithLogger sets the logger.
func WithLogger(logger Logger) Option {
	return func(o *clientOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics sets the metrics backend.
func WithMetrics(m Metrics) Option {
	return func(o *clientOptions) {
		o.metrics = m
	}
}

// WithNetBSP sets the socket layer. It takes precedence over WithDialer.
func WithNetBSP(bsp NetBSP) Option {
	return func(o *clientOptions) {
		o.net = bsp
	}
}

// WithDialer runs connections over dialer through a ConnNet bridge.
func WithDialer(d Dialer) Option {
	return func(o *clientOptions) {
		o.dialer = d
	}
}

// WithReadSize sets the size of each socket read.
func WithReadSize(n int) Option {
	return func(o *clientOptions) {
		if n > 0 {
			o.readSize = n
		}
	}
}

// WithMaxPacketSize rejects incoming packets whose remaining length exceeds
// n bytes; the connection is closed with StatusBufferOverflow. Zero accepts
// the protocol maximum of 268,435,455 bytes.
func WithMaxPacketSize(n uint32) Option {
	return func(o *clientOptions) {
		o.maxPacketSize = n
	}
}

// WithTLS enables the TLS stage with the given configuration.
func WithTLS(config *tls.Config) Option {
	return func(o *clientOptions) {
		o.tlsConfig = config
	}
}

// WithTLSEngine replaces the crypto/tls engine used by the TLS stage.
func WithTLSEngine(factory TLSEngineFactory) Option {
	return func(o *clientOptions) {
		o.tlsEngine = factory
	}
}

// WithResources sets the resource BSP used to load the CA bundle.
func WithResources(r ResourceBSP) Option {
	return func(o *clientOptions) {
		o.resources = r
	}
}

// WithCAFile enables the TLS stage and trusts the PEM bundle named file,
// loaded through the resource BSP on every connection attempt. Without
// WithResources the file is read from the local filesystem.
func WithCAFile(file string) Option {
	return func(o *clientOptions) {
		o.caFile = file
	}
}

// WithResponseTimeout sets how long the client waits for acknowledgements
// and ping responses before resending or closing.
func WithResponseTimeout(d time.Duration) Option {
	return func(o *clientOptions) {
		if d > 0 {
			o.responseTimeout = d
		}
	}
}

// WithAutoReconnect enables or disables reconnecting after a lost
// connection.
func WithAutoReconnect(enabled bool) Option {
	return func(o *clientOptions) {
		o.autoReconnect = enabled
	}
}

// WithMaxReconnects gives up after n consecutive failed attempts.
// Zero means no limit.
func WithMaxReconnects(n int) Option {
	return func(o *clientOptions) {
		o.maxReconnects = n
	}
}

// WithBackoffTables replaces the reconnect penalty and decay tables.
func WithBackoffTables(penalties, decays []time.Duration) Option {
	return func(o *clientOptions) {
		o.penalties = penalties
		o.decays = decays
	}
}

// WithReconnectRate caps reconnect attempts to perSecond with burst.
func WithReconnectRate(perSecond float64, burst int) Option {
	return func(o *clientOptions) {
		o.reconnectRate = perSecond
		o.reconnectBurst = burst
	}
}

// WithPublishRate limits Publish to perSecond with burst. Publishes over
// the limit fail with ErrRateLimited.
func WithPublishRate(perSecond float64, burst int) Option {
	return func(o *clientOptions) {
		o.publishRate = perSecond
		o.publishBurst = burst
	}
}

// WithMaxInflight limits QoS 1 publishes awaiting PUBACK to n. Publishes
// over the limit fail with ErrInflightExceeded. Zero means no limit.
func WithMaxInflight(n uint16) Option {
	return func(o *clientOptions) {
		o.maxInflight = n
	}
}

// WithClock sets the time source driving the dispatcher.
func WithClock(clock func() time.Time) Option {
	return func(o *clientOptions) {
		if clock != nil {
			o.clock = clock
		}
	}
}

func applyOptions(opts ...Option) *clientOptions {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// connectOptions holds the settings of one Connect call.
type connectOptions struct {
	connect        ConnectOptions
	sessionType    SessionType
	connectTimeout time.Duration
}

func defaultConnectOptions() *connectOptions {
	return &connectOptions{
		connect:        ConnectOptions{KeepAlive: 60},
		sessionType:    SessionClean,
		connectTimeout: DefaultConnectTimeout,
	}
}

// ConnectOption configures a connection.
type ConnectOption func(*connectOptions)

// WithClientID sets the client identifier.
func WithClientID(id string) ConnectOption {
	return func(o *connectOptions) {
		o.connect.ClientID = id
	}
}

// WithCredentials sets the username and password.
func WithCredentials(username, password string) ConnectOption {
	return func(o *connectOptions) {
		o.connect.Username = username
		o.connect.Password = []byte(password)
	}
}

// WithKeepAlive sets the keep-alive interval in seconds. Zero disables
// pings.
func WithKeepAlive(seconds uint16) ConnectOption {
	return func(o *connectOptions) {
		o.connect.KeepAlive = seconds
	}
}

// WithConnectTimeout bounds the time from socket creation to CONNACK.
func WithConnectTimeout(d time.Duration) ConnectOption {
	return func(o *connectOptions) {
		if d > 0 {
			o.connectTimeout = d
		}
	}
}

// WithSessionType selects whether the broker session and unacknowledged
// requests survive reconnects.
func WithSessionType(t SessionType) ConnectOption {
	return func(o *connectOptions) {
		o.sessionType = t
	}
}

// WithWill sets the will message.
func WithWill(topic string, payload []byte, retain bool, qos QoS) ConnectOption {
	return func(o *connectOptions) {
		o.connect.WillTopic = topic
		o.connect.WillMessage = payload
		o.connect.WillRetain = retain
		o.connect.WillQoS = qos
	}
}

func applyConnectOptions(opts ...ConnectOption) *connectOptions {
	o := defaultConnectOptions()
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// validate checks settings the broker would reject.
func (o *connectOptions) validate() error {
	if o.connect.ClientID == "" && o.sessionType == SessionContinue {
		return ErrInvalidParameter
	}
	if o.connect.WillTopic != "" {
		if err := ValidateTopicName(o.connect.WillTopic); err != nil {
			return err
		}
		if !o.connect.WillQoS.Valid() {
			return ErrInvalidQoS
		}
	}
	if o.connect.Password != nil && o.connect.Username == "" {
		return ErrInvalidParameter
	}
	return nil
}
