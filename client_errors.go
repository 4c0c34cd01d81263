package mqttloop

import (
	"errors"
	"time"
)

// EventHandler receives client lifecycle events.
type EventHandler func(client *Client, event error)

// Sentinel events for client lifecycle - check with errors.Is().
var (
	// ErrConnected is emitted when the client successfully connects.
	ErrConnected = errors.New("connected")

	// ErrDisconnected is emitted when the client disconnects gracefully.
	ErrDisconnected = errors.New("disconnected")

	// ErrConnectionLost is emitted when the connection is lost unexpectedly.
	ErrConnectionLost = errors.New("connection lost")

	// ErrReconnecting is emitted when the client schedules a reconnect.
	ErrReconnecting = errors.New("reconnecting")

	// ErrConnectFailed is emitted when a connection attempt ends before the
	// broker accepted it.
	ErrConnectFailed = errors.New("connect failed")
)

// Sentinel errors per status class - check with errors.Is().
var (
	// ErrResource wraps out-of-memory and buffer overflow statuses.
	ErrResource = errors.New("resource error")

	// ErrTransport wraps socket, TLS and timeout statuses.
	ErrTransport = errors.New("transport error")

	// ErrProtocol wraps parser, serializer and CONNACK refusal statuses.
	ErrProtocol = errors.New("protocol error")

	// ErrInvalidParameter is returned when the API is misused.
	ErrInvalidParameter = errors.New("invalid parameter")

	// ErrElementNotFound is returned for stale timer handles and unknown ids.
	ErrElementNotFound = errors.New("element not found")

	// ErrClosed wraps lifecycle statuses.
	ErrClosed = errors.New("connection closed")
)

// Sentinel errors for operations - check with errors.Is().
var (
	// ErrPublishFailed is returned when a publish operation fails.
	ErrPublishFailed = errors.New("publish failed")

	// ErrSubscribeFailed is returned when a subscribe operation fails.
	ErrSubscribeFailed = errors.New("subscribe failed")

	// ErrClientClosed is returned when an operation is attempted on a closed client.
	ErrClientClosed = errors.New("client closed")

	// ErrNotConnected is returned when an operation requires an active connection.
	ErrNotConnected = errors.New("not connected")

	// ErrAlreadyConnected is returned by Connect while a connection exists.
	ErrAlreadyConnected = errors.New("already connected")

	// ErrRateLimited is returned when the publish rate limit is exhausted.
	ErrRateLimited = errors.New("rate limited")

	// ErrInflightExceeded is returned when too many QoS 1 publishes wait
	// for acknowledgement.
	ErrInflightExceeded = errors.New("inflight window exceeded")

	// ErrInvalidQoS is returned for QoS values the client cannot send.
	ErrInvalidQoS = errors.New("invalid qos")
)

// StatusError carries a non control-flow Status as an error.
// Extract with errors.As().
type StatusError struct {
	Status Status
}

func (e *StatusError) Error() string {
	return e.Status.Class().String() + ": " + e.Status.String()
}

// Unwrap returns the sentinel for the status class.
func (e *StatusError) Unwrap() error {
	switch e.Status.Class() {
	case ClassResource:
		return ErrResource
	case ClassTransport:
		return ErrTransport
	case ClassProtocol:
		return ErrProtocol
	case ClassLifecycle:
		return ErrClosed
	default:
		if e.Status == StatusElementNotFound {
			return ErrElementNotFound
		}
		return ErrInvalidParameter
	}
}

// StatusOf extracts the Status from an error chain.
// Returns StatusOK for nil and StatusInternalError for foreign errors.
func StatusOf(err error) Status {
	if err == nil {
		return StatusOK
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Status
	}
	return StatusInternalError
}

// ConnectedEvent contains details about a successful connection.
// Extract with errors.As().
type ConnectedEvent struct {
	err            error
	SessionPresent bool
	Host           string
	Port           uint16
}

func (e *ConnectedEvent) Error() string { return e.err.Error() }
func (e *ConnectedEvent) Unwrap() error { return e.err }

// NewConnectedEvent creates a new ConnectedEvent.
func NewConnectedEvent(host string, port uint16, sessionPresent bool) *ConnectedEvent {
	return &ConnectedEvent{
		err:            ErrConnected,
		SessionPresent: sessionPresent,
		Host:           host,
		Port:           port,
	}
}

// ConnectError contains details about a failed connection attempt.
// Extract with errors.As().
type ConnectError struct {
	Host   string
	Port   uint16
	Status Status
}

func (e *ConnectError) Error() string {
	return "connect to " + joinHostPort(e.Host, e.Port) + " failed: " + e.Status.String()
}

func (e *ConnectError) Unwrap() []error {
	return []error{ErrConnectFailed, &StatusError{Status: e.Status}}
}

// NewConnectError creates a new ConnectError.
func NewConnectError(host string, port uint16, status Status) *ConnectError {
	return &ConnectError{Host: host, Port: port, Status: status}
}

// DisconnectError contains details about a disconnection.
// Extract with errors.As().
type DisconnectError struct {
	err    error
	Status Status
}

func (e *DisconnectError) Error() string {
	if errors.Is(e.err, ErrConnectionLost) {
		return "connection lost: " + e.Status.String()
	}
	return "disconnected: " + e.Status.String()
}

func (e *DisconnectError) Unwrap() []error {
	return []error{e.err, &StatusError{Status: e.Status}}
}

// NewDisconnectError creates a new DisconnectError. Statuses other than
// StatusOK and StatusConnectionClosed count as a lost connection.
func NewDisconnectError(status Status) *DisconnectError {
	baseErr := ErrConnectionLost
	if status == StatusOK || status == StatusConnectionClosed {
		baseErr = ErrDisconnected
	}
	return &DisconnectError{
		err:    baseErr,
		Status: status,
	}
}

// ReconnectEvent contains details about a scheduled reconnection.
// Extract with errors.As().
type ReconnectEvent struct {
	err     error
	Attempt int
	Delay   time.Duration
	Cause   Status
}

func (e *ReconnectEvent) Error() string { return e.err.Error() }
func (e *ReconnectEvent) Unwrap() error { return e.err }

// NewReconnectEvent creates a new ReconnectEvent.
func NewReconnectEvent(attempt int, delay time.Duration, cause Status) *ReconnectEvent {
	return &ReconnectEvent{
		err:     ErrReconnecting,
		Attempt: attempt,
		Delay:   delay,
		Cause:   cause,
	}
}

// PublishError contains details about a failed publish operation.
// Extract with errors.As().
type PublishError struct {
	err      error
	Topic    string
	PacketID uint16
	Status   Status
}

func (e *PublishError) Error() string {
	return "publish failed: " + e.Status.String()
}

func (e *PublishError) Unwrap() error { return e.err }

// NewPublishError creates a new PublishError.
func NewPublishError(topic string, packetID uint16, status Status) *PublishError {
	return &PublishError{
		err:      ErrPublishFailed,
		Topic:    topic,
		PacketID: packetID,
		Status:   status,
	}
}

// SubscribeError contains details about a failed subscribe operation.
// Extract with errors.As().
type SubscribeError struct {
	err        error
	Topic      string
	ReturnCode byte
	Status     Status
}

func (e *SubscribeError) Error() string {
	return "subscribe failed: " + e.Status.String()
}

func (e *SubscribeError) Unwrap() error { return e.err }

// NewSubscribeError creates a new SubscribeError.
func NewSubscribeError(topic string, returnCode byte, status Status) *SubscribeError {
	return &SubscribeError{
		err:        ErrSubscribeFailed,
		Topic:      topic,
		ReturnCode: returnCode,
		Status:     status,
	}
}
