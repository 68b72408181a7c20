package chirp

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

// Port is the fixed, well-known UDP port CHIRP beacons bind to (spec.md §6).
const Port = 7123

// header is the fixed 6-byte magic prefixing every CHIRP packet.
const header = "CHIRP\x01"

// wireLen is the exact length in bytes of a CHIRP packet on the wire.
const wireLen = 42

// MessageType identifies the kind of CHIRP datagram.
type MessageType byte

const (
	MessageNone    MessageType = 0x0
	MessageRequest MessageType = 0x1
	MessageOffer   MessageType = 0x2
	MessageDepart  MessageType = 0x3
)

// ServiceKind identifies the service a CHIRP OFFER/DEPART/REQUEST concerns.
type ServiceKind byte

const (
	ServiceNone       ServiceKind = 0x0
	ServiceControl    ServiceKind = 0x1
	ServiceHeartbeat  ServiceKind = 0x2
	ServiceMonitoring ServiceKind = 0x3
	ServiceData       ServiceKind = 0x4
)

func (k ServiceKind) String() string {
	switch k {
	case ServiceControl:
		return "CONTROL"
	case ServiceHeartbeat:
		return "HEARTBEAT"
	case ServiceMonitoring:
		return "MONITORING"
	case ServiceData:
		return "DATA"
	default:
		return "NONE"
	}
}

// Message is a single CHIRP datagram: magic, message type, group/host UUID,
// service kind, and port. Pack/Unpack implement the bit-exact 42-byte wire
// format of spec.md §4.2 (scenario S6).
type Message struct {
	Type      MessageType
	GroupUUID uuid.UUID
	HostUUID  uuid.UUID
	Service   ServiceKind
	Port      uint16

	// FromAddress is populated on receipt only; it plays no part in Pack.
	FromAddress string
}

// Pack serialises the message to its 42-byte wire form.
func (m Message) Pack() []byte {
	buf := make([]byte, wireLen)
	copy(buf[0:6], header)
	buf[6] = byte(m.Type)
	copy(buf[7:23], m.GroupUUID[:])
	copy(buf[23:39], m.HostUUID[:])
	buf[39] = byte(m.Service)
	binary.BigEndian.PutUint16(buf[40:42], m.Port)
	return buf
}

// Unpack decodes a 42-byte wire frame into a Message. It validates length
// and magic and returns an error wrapping ErrMalformed on any mismatch.
func Unpack(buf []byte) (Message, error) {
	if len(buf) != wireLen {
		return Message{}, fmt.Errorf("%w: length is %d instead of %d bytes", ErrMalformed, len(buf), wireLen)
	}
	if string(buf[0:6]) != header {
		return Message{}, fmt.Errorf("%w: header %q is malformed", ErrMalformed, buf[0:6])
	}
	m := Message{
		Type:    MessageType(buf[6]),
		Service: ServiceKind(buf[39]),
		Port:    binary.BigEndian.Uint16(buf[40:42]),
	}
	copy(m.GroupUUID[:], buf[7:23])
	copy(m.HostUUID[:], buf[23:39])
	return m, nil
}
