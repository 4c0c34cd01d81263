package mqttloop

// Status is the result code shared by every stage operation, callback and
// board support call.
type Status uint8

// Control flow codes. These are consumed inside the engine and never reach
// the application as errors.
const (
	StatusOK Status = iota
	StatusWantRead
	StatusWantWrite
	StatusWritten
	StatusFailedWriting
)

// Resource errors.
const (
	StatusOutOfMemory Status = iota + 16
	StatusBufferOverflow
)

// Transport errors.
const (
	StatusSocketError Status = iota + 32
	StatusSocketConnectionError
	StatusConnectionResetByPeer
	StatusSocketWriteError
	StatusSocketReadError
	StatusTimeout
	StatusTLSError
	StatusResourceError
)

// Protocol errors.
const (
	StatusMQTTParserError Status = iota + 64
	StatusInvalidRemainingLength
	StatusSerializerError
	StatusUnacceptableProtocolVersion
	StatusIdentifierRejected
	StatusServerUnavailable
	StatusBadUsernameOrPassword
	StatusNotAuthorized
	StatusUnknownMessageID
	StatusUnknownConnackCode
	StatusUnexpectedMessage
)

// Programmer errors and lookups.
const (
	StatusInvalidParameter Status = iota + 96
	StatusElementNotFound
	StatusInternalError
)

// Lifecycle codes reported to the application.
const (
	StatusConnectionClosed Status = iota + 112
	StatusBackoffTerminal
)

// StatusClass groups statuses for propagation and backoff decisions.
type StatusClass uint8

const (
	ClassControlFlow StatusClass = iota
	ClassResource
	ClassTransport
	ClassProtocol
	ClassProgrammer
	ClassLifecycle
)

// String returns the string representation of the status class.
func (c StatusClass) String() string {
	switch c {
	case ClassControlFlow:
		return "control-flow"
	case ClassResource:
		return "resource"
	case ClassTransport:
		return "transport"
	case ClassProtocol:
		return "protocol"
	case ClassProgrammer:
		return "programmer"
	case ClassLifecycle:
		return "lifecycle"
	default:
		return "unknown"
	}
}

var statusNames = map[Status]string{
	StatusOK:                          "OK",
	StatusWantRead:                    "WANT_READ",
	StatusWantWrite:                   "WANT_WRITE",
	StatusWritten:                     "WRITTEN",
	StatusFailedWriting:               "FAILED_WRITING",
	StatusOutOfMemory:                 "OUT_OF_MEMORY",
	StatusBufferOverflow:              "BUFFER_OVERFLOW",
	StatusSocketError:                 "SOCKET_ERROR",
	StatusSocketConnectionError:       "SOCKET_CONNECTION_ERROR",
	StatusConnectionResetByPeer:       "CONNECTION_RESET_BY_PEER",
	StatusSocketWriteError:            "SOCKET_WRITE_ERROR",
	StatusSocketReadError:             "SOCKET_READ_ERROR",
	StatusTimeout:                     "TIMEOUT",
	StatusTLSError:                    "TLS_ERROR",
	StatusResourceError:               "RESOURCE_ERROR",
	StatusMQTTParserError:             "MQTT_PARSER_ERROR",
	StatusInvalidRemainingLength:      "INVALID_REMAINING_LENGTH",
	StatusSerializerError:             "MQTT_SERIALIZER_ERROR",
	StatusUnacceptableProtocolVersion: "UNACCEPTABLE_PROTOCOL_VERSION",
	StatusIdentifierRejected:          "IDENTIFIER_REJECTED",
	StatusServerUnavailable:           "SERVER_UNAVAILABLE",
	StatusBadUsernameOrPassword:       "BAD_USERNAME_OR_PASSWORD",
	StatusNotAuthorized:               "NOT_AUTHORIZED",
	StatusUnknownMessageID:            "UNKNOWN_MESSAGE_ID",
	StatusUnknownConnackCode:          "UNKNOWN_CONNACK_CODE",
	StatusUnexpectedMessage:           "UNEXPECTED_MESSAGE",
	StatusInvalidParameter:            "INVALID_PARAMETER",
	StatusElementNotFound:             "ELEMENT_NOT_FOUND",
	StatusInternalError:               "INTERNAL_ERROR",
	StatusConnectionClosed:            "CONNECTION_CLOSED",
	StatusBackoffTerminal:             "BACKOFF_TERMINAL",
}

// String returns the string representation of the status.
func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return "UNKNOWN"
}

// Class returns the category of the status.
func (s Status) Class() StatusClass {
	switch {
	case s < StatusOutOfMemory:
		return ClassControlFlow
	case s < StatusSocketError:
		return ClassResource
	case s < StatusMQTTParserError:
		return ClassTransport
	case s < StatusInvalidParameter:
		return ClassProtocol
	case s < StatusConnectionClosed:
		return ClassProgrammer
	default:
		return ClassLifecycle
	}
}

// Fatal reports whether the status leaves the engine unable to go on. A
// timer callback returning one stops the dispatcher.
func (s Status) Fatal() bool {
	switch s {
	case StatusOutOfMemory, StatusInternalError, StatusUnknownMessageID:
		return true
	default:
		return false
	}
}

// Continues reports whether the status lets a layer keep operating.
// Anything else closes the layer.
func (s Status) Continues() bool {
	switch s {
	case StatusOK, StatusWantRead, StatusWantWrite, StatusWritten, StatusFailedWriting:
		return true
	default:
		return false
	}
}

// Err converts the status into an error. Control flow statuses map to nil.
func (s Status) Err() error {
	if s.Class() == ClassControlFlow {
		return nil
	}
	return &StatusError{Status: s}
}

// connackStatus maps an MQTT 3.1.1 CONNACK return code to a status.
func connackStatus(code byte) Status {
	switch code {
	case 0:
		return StatusOK
	case 1:
		return StatusUnacceptableProtocolVersion
	case 2:
		return StatusIdentifierRejected
	case 3:
		return StatusServerUnavailable
	case 4:
		return StatusBadUsernameOrPassword
	case 5:
		return StatusNotAuthorized
	default:
		return StatusUnknownConnackCode
	}
}
