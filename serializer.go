package mqttloop

import (
	"errors"
	"io"
)

// Serialize encodes m into a new owned buffer sized for the whole packet.
func Serialize(m *Message) (*ByteBuffer, Status) {
	size, st := bodySize(m)
	if st != StatusOK {
		return nil, st
	}

	buf := NewByteBuffer(1 + varintSize(size) + int(size))
	if st := writeMessage(buf, m, size); st != StatusOK {
		buf.Release()
		return nil, st
	}
	return buf, StatusOK
}

// SerializeTo appends the encoding of m to buf. Owned buffers double their
// capacity as needed; a borrowed buffer that is too small yields
// StatusBufferOverflow.
func SerializeTo(buf *ByteBuffer, m *Message) Status {
	if buf == nil {
		return StatusInvalidParameter
	}
	size, st := bodySize(m)
	if st != StatusOK {
		return st
	}
	return writeMessage(buf, m, size)
}

// headerByte returns the first byte with the flags MQTT 3.1.1 mandates for
// every type except PUBLISH.
func headerByte(m *Message) byte {
	h := FixedHeader{PacketType: m.Header.PacketType}
	switch h.PacketType {
	case PacketPUBLISH:
		h.Flags = m.Header.Flags
	case PacketPUBREL, PacketSUBSCRIBE, PacketUNSUBSCRIBE:
		h.Flags = 0x02
	}
	return h.Byte()
}

func bodySize(m *Message) (uint32, Status) {
	if m == nil {
		return 0, StatusInvalidParameter
	}

	var size int
	switch m.Type() {
	case PacketCONNECT:
		p := m.Connect()
		if p == nil {
			return 0, StatusSerializerError
		}
		if validateString(p.ProtocolName) != nil || validateString(p.ClientID) != nil {
			return 0, StatusSerializerError
		}
		size = 2 + len(p.ProtocolName) + 1 + 1 + 2 + 2 + len(p.ClientID)
		if p.WillFlag {
			if !p.WillQoS.Valid() || validateString(p.WillTopic) != nil || len(p.WillMessage) > maxUint16 {
				return 0, StatusSerializerError
			}
			size += 2 + len(p.WillTopic) + 2 + len(p.WillMessage)
		}
		if p.UsernameFlag {
			if validateString(p.Username) != nil {
				return 0, StatusSerializerError
			}
			size += 2 + len(p.Username)
		}
		if p.PasswordFlag {
			if len(p.Password) > maxUint16 {
				return 0, StatusSerializerError
			}
			size += 2 + len(p.Password)
		}

	case PacketCONNACK:
		if m.Connack() == nil {
			return 0, StatusSerializerError
		}
		size = 2

	case PacketPUBLISH:
		p := m.Publish()
		q := m.Header.QoS()
		if p == nil || !q.Valid() || p.Topic == "" || validateString(p.Topic) != nil {
			return 0, StatusSerializerError
		}
		size = 2 + len(p.Topic)
		if q > QoS0 {
			if p.MessageID == 0 {
				return 0, StatusSerializerError
			}
			size += 2
		}
		size += len(p.PayloadBytes())

	case PacketPUBACK, PacketPUBREC, PacketPUBREL, PacketPUBCOMP, PacketUNSUBACK:
		if m.Ack() == nil {
			return 0, StatusSerializerError
		}
		size = 2

	case PacketSUBSCRIBE:
		p := m.Subscribe()
		if p == nil || p.MessageID == 0 || !p.QoS.Valid() || p.Topic == "" || validateString(p.Topic) != nil {
			return 0, StatusSerializerError
		}
		size = 2 + 2 + len(p.Topic) + 1

	case PacketSUBACK:
		if m.Suback() == nil {
			return 0, StatusSerializerError
		}
		size = 2 + 1

	case PacketUNSUBSCRIBE:
		p := m.Unsubscribe()
		if p == nil || p.MessageID == 0 || p.Topic == "" || validateString(p.Topic) != nil {
			return 0, StatusSerializerError
		}
		size = 2 + 2 + len(p.Topic)

	case PacketPINGREQ, PacketPINGRESP, PacketDISCONNECT:
		if m.Body != nil {
			return 0, StatusSerializerError
		}

	default:
		return 0, StatusSerializerError
	}

	if size > maxVarint {
		return 0, StatusSerializerError
	}
	return uint32(size), StatusOK
}

func writeMessage(buf *ByteBuffer, m *Message, size uint32) Status {
	if err := writeFields(buf, m, size); err != nil {
		if errors.Is(err, io.ErrShortBuffer) {
			return StatusBufferOverflow
		}
		return StatusSerializerError
	}
	return StatusOK
}

func writeFields(w *ByteBuffer, m *Message, size uint32) error {
	if err := w.WriteByte(headerByte(m)); err != nil {
		return err
	}
	if _, err := writeVarint(w, size); err != nil {
		return err
	}

	switch m.Type() {
	case PacketCONNECT:
		p := m.Connect()
		if _, err := appendString(w, p.ProtocolName); err != nil {
			return err
		}
		if err := w.WriteByte(p.ProtocolLevel); err != nil {
			return err
		}
		if err := w.WriteByte(p.Flags()); err != nil {
			return err
		}
		if _, err := appendUint16(w, p.KeepAlive); err != nil {
			return err
		}
		if _, err := appendString(w, p.ClientID); err != nil {
			return err
		}
		if p.WillFlag {
			if _, err := appendString(w, p.WillTopic); err != nil {
				return err
			}
			if _, err := appendBinary(w, p.WillMessage); err != nil {
				return err
			}
		}
		if p.UsernameFlag {
			if _, err := appendString(w, p.Username); err != nil {
				return err
			}
		}
		if p.PasswordFlag {
			if _, err := appendBinary(w, p.Password); err != nil {
				return err
			}
		}

	case PacketCONNACK:
		p := m.Connack()
		var flags byte
		if p.SessionPresent {
			flags = 0x01
		}
		if err := w.WriteByte(flags); err != nil {
			return err
		}
		return w.WriteByte(p.ReturnCode)

	case PacketPUBLISH:
		p := m.Publish()
		if _, err := appendString(w, p.Topic); err != nil {
			return err
		}
		if m.Header.QoS() > QoS0 {
			if _, err := appendUint16(w, p.MessageID); err != nil {
				return err
			}
		}
		if _, err := w.Write(p.PayloadBytes()); err != nil {
			return err
		}

	case PacketPUBACK, PacketPUBREC, PacketPUBREL, PacketPUBCOMP, PacketUNSUBACK:
		_, err := appendUint16(w, m.Ack().MessageID)
		return err

	case PacketSUBSCRIBE:
		p := m.Subscribe()
		if _, err := appendUint16(w, p.MessageID); err != nil {
			return err
		}
		if _, err := appendString(w, p.Topic); err != nil {
			return err
		}
		return w.WriteByte(byte(p.QoS))

	case PacketSUBACK:
		p := m.Suback()
		if _, err := appendUint16(w, p.MessageID); err != nil {
			return err
		}
		return w.WriteByte(p.ReturnCode)

	case PacketUNSUBSCRIBE:
		p := m.Unsubscribe()
		if _, err := appendUint16(w, p.MessageID); err != nil {
			return err
		}
		_, err := appendString(w, p.Topic)
		return err
	}

	return nil
}
