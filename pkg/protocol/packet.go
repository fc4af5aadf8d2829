// Package protocol defines the packet frame shared by every node on
// the mesh and the fragment payload layout used to carry oversized
// packets. All multi-byte integers are big-endian.
package protocol

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
)

// ProtocolVersion is the only frame version this node speaks
const ProtocolVersion = 1

// DefaultTTL is the starting hop budget for locally originated packets
const DefaultTTL = 7

// HeaderSize is the fixed encoded size of a packet header:
// version(1) + type(1) + ttl(1) + sender(8) + payload length(4)
const HeaderSize = 1 + 1 + 1 + PeerIDSize + 4

// MaxPayloadSize bounds decoded payloads so a hostile length prefix
// cannot force a huge allocation
const MaxPayloadSize = 1 << 20

// PeerIDSize is the byte length of a peer identifier
const PeerIDSize = 8

// Packet codec errors
var (
	ErrPacketTooShort     = errors.New("packet too short")
	ErrVersionUnsupported = errors.New("packet version unsupported")
	ErrPayloadTooLarge    = errors.New("packet payload too large")
	ErrPayloadSizeBad     = errors.New("packet payload length mismatch")
	ErrPeerIDInvalid      = errors.New("peer id invalid")
)

// MessageType identifies what a packet's payload carries
type MessageType byte

const (
	TypeAnnounce           MessageType = 0x01
	TypeLeave              MessageType = 0x03
	TypeMessage            MessageType = 0x04
	TypeFragment           MessageType = 0x08
	TypeNoiseHandshakeInit MessageType = 0x10
	TypeNoiseHandshakeResp MessageType = 0x11
	TypeNoiseEncrypted     MessageType = 0x12
)

func (t MessageType) String() string {
	switch t {
	case TypeAnnounce:
		return "announce"
	case TypeLeave:
		return "leave"
	case TypeMessage:
		return "message"
	case TypeFragment:
		return "fragment"
	case TypeNoiseHandshakeInit:
		return "noise_handshake_init"
	case TypeNoiseHandshakeResp:
		return "noise_handshake_resp"
	case TypeNoiseEncrypted:
		return "noise_encrypted"
	default:
		return fmt.Sprintf("unknown(0x%02x)", byte(t))
	}
}

// PeerID is the fixed-size identifier a node presents on the mesh
type PeerID [PeerIDSize]byte

// String returns the lowercase hex form used in logs and peer queries
func (id PeerID) String() string {
	return hex.EncodeToString(id[:])
}

// IsZero reports whether the id is the all-zero placeholder
func (id PeerID) IsZero() bool {
	return id == PeerID{}
}

// ParsePeerID parses the 16-char hex form back into a PeerID
func ParsePeerID(s string) (PeerID, error) {
	var id PeerID
	raw, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("%w: %v", ErrPeerIDInvalid, err)
	}
	if len(raw) != PeerIDSize {
		return id, fmt.Errorf("%w: want %d bytes, got %d", ErrPeerIDInvalid, PeerIDSize, len(raw))
	}
	copy(id[:], raw)
	return id, nil
}

// PeerIDFromBytes copies the first PeerIDSize bytes of b into a PeerID
func PeerIDFromBytes(b []byte) (PeerID, error) {
	var id PeerID
	if len(b) != PeerIDSize {
		return id, fmt.Errorf("%w: want %d bytes, got %d", ErrPeerIDInvalid, PeerIDSize, len(b))
	}
	copy(id[:], b)
	return id, nil
}

// Packet is one mesh frame. Payload semantics depend on Type; this
// layer treats all payloads except fragments as opaque bytes.
type Packet struct {
	Version  byte
	Type     MessageType
	TTL      byte
	SenderID PeerID
	Payload  []byte
}

// NewPacket builds a locally originated packet with the current
// version and default TTL
func NewPacket(msgType MessageType, sender PeerID, payload []byte) *Packet {
	return &Packet{
		Version:  ProtocolVersion,
		Type:     msgType,
		TTL:      DefaultTTL,
		SenderID: sender,
		Payload:  payload,
	}
}

// EncodedSize returns the exact length Encode will produce. The
// fragmentation threshold compares against this value.
func (p *Packet) EncodedSize() int {
	return HeaderSize + len(p.Payload)
}

// Encode serializes the packet into a fresh buffer
func (p *Packet) Encode() ([]byte, error) {
	if len(p.Payload) > MaxPayloadSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(p.Payload))
	}
	buf := make([]byte, HeaderSize+len(p.Payload))
	buf[0] = p.Version
	buf[1] = byte(p.Type)
	buf[2] = p.TTL
	copy(buf[3:3+PeerIDSize], p.SenderID[:])
	binary.BigEndian.PutUint32(buf[3+PeerIDSize:HeaderSize], uint32(len(p.Payload)))
	copy(buf[HeaderSize:], p.Payload)
	return buf, nil
}

// DecodePacket parses one full frame. The input must contain exactly
// one packet; the payload is copied out of the input buffer.
func DecodePacket(data []byte) (*Packet, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrPacketTooShort, len(data))
	}
	if data[0] != ProtocolVersion {
		return nil, fmt.Errorf("%w: version %d", ErrVersionUnsupported, data[0])
	}
	payloadLen := binary.BigEndian.Uint32(data[3+PeerIDSize : HeaderSize])
	if payloadLen > MaxPayloadSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, payloadLen)
	}
	if len(data) != HeaderSize+int(payloadLen) {
		return nil, fmt.Errorf("%w: header says %d, frame carries %d",
			ErrPayloadSizeBad, payloadLen, len(data)-HeaderSize)
	}

	pkt := &Packet{
		Version: data[0],
		Type:    MessageType(data[1]),
		TTL:     data[2],
	}
	copy(pkt.SenderID[:], data[3:3+PeerIDSize])
	pkt.Payload = make([]byte, payloadLen)
	copy(pkt.Payload, data[HeaderSize:])
	return pkt, nil
}

// Clone returns a deep copy of the packet
func (p *Packet) Clone() *Packet {
	payload := make([]byte, len(p.Payload))
	copy(payload, p.Payload)
	return &Packet{
		Version:  p.Version,
		Type:     p.Type,
		TTL:      p.TTL,
		SenderID: p.SenderID,
		Payload:  payload,
	}
}
