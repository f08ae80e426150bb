// Package hci parses H4-framed Host Controller Interface packets.
//
// The snoop stream produced by the Android Bluetooth stack carries HCI
// packets in UART (H4) framing: one packet-type octet followed by the
// type-specific header and payload. Parse never panics; a malformed buffer
// yields a nil packet and a sentinel error, and the caller keeps the raw
// bytes.
package hci

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// PacketType is the H4 packet indicator octet.
type PacketType byte

const (
	TypeCommand PacketType = 0x01
	TypeACLData PacketType = 0x02
	TypeSCOData PacketType = 0x03
	TypeEvent   PacketType = 0x04
	// TypeDiag is the Broadcom vendor diagnostic channel.
	TypeDiag PacketType = 0x07
)

func (t PacketType) String() string {
	switch t {
	case TypeCommand:
		return "CMD"
	case TypeACLData:
		return "ACL"
	case TypeSCOData:
		return "SCO"
	case TypeEvent:
		return "EVT"
	case TypeDiag:
		return "DIAG"
	default:
		return fmt.Sprintf("UNK(0x%02x)", byte(t))
	}
}

// Sentinel parse errors.
var (
	ErrEmptyPacket = errors.New("bluetap: empty hci packet")
	ErrTruncated   = errors.New("bluetap: truncated hci packet")
	ErrUnknownType = errors.New("bluetap: unknown hci packet type")
)

// Packet is any parsed HCI packet.
type Packet interface {
	Type() PacketType
	String() string
}

// Command is an HCI command (host → controller).
type Command struct {
	Opcode uint16
	Params []byte
}

func (c *Command) Type() PacketType { return TypeCommand }

// OGF returns the opcode group field (upper 6 bits).
func (c *Command) OGF() uint8 { return uint8(c.Opcode >> 10) }

// OCF returns the opcode command field (lower 10 bits).
func (c *Command) OCF() uint16 { return c.Opcode & 0x03ff }

func (c *Command) String() string {
	return fmt.Sprintf("CMD opcode=0x%04x (ogf=0x%02x ocf=0x%03x) plen=%d", c.Opcode, c.OGF(), c.OCF(), len(c.Params))
}

// Event is an HCI event (controller → host).
type Event struct {
	Code   byte
	Params []byte
}

func (e *Event) Type() PacketType { return TypeEvent }

func (e *Event) String() string {
	return fmt.Sprintf("EVT code=0x%02x plen=%d", e.Code, len(e.Params))
}

// ACLData is an asynchronous data packet.
type ACLData struct {
	Handle  uint16 // 12-bit connection handle
	PB      byte   // packet boundary flag
	BC      byte   // broadcast flag
	Payload []byte
}

func (a *ACLData) Type() PacketType { return TypeACLData }

func (a *ACLData) String() string {
	return fmt.Sprintf("ACL handle=0x%03x pb=%d bc=%d len=%d", a.Handle, a.PB, a.BC, len(a.Payload))
}

// SCOData is a synchronous (voice) data packet.
type SCOData struct {
	Handle  uint16
	Payload []byte
}

func (s *SCOData) Type() PacketType { return TypeSCOData }

func (s *SCOData) String() string {
	return fmt.Sprintf("SCO handle=0x%03x len=%d", s.Handle, len(s.Payload))
}

// Diag is a Broadcom diagnostic packet; its payload is opaque here.
type Diag struct {
	Payload []byte
}

func (d *Diag) Type() PacketType { return TypeDiag }

func (d *Diag) String() string {
	return fmt.Sprintf("DIAG len=%d", len(d.Payload))
}

// Parse decodes an H4-framed packet. HCI multi-byte fields are little-endian.
func Parse(data []byte) (Packet, error) {
	if len(data) == 0 {
		return nil, ErrEmptyPacket
	}

	body := data[1:]
	switch PacketType(data[0]) {
	case TypeCommand:
		// opcode(2) + plen(1)
		if len(body) < 3 {
			return nil, fmt.Errorf("%w: command header needs 3 bytes, have %d", ErrTruncated, len(body))
		}
		plen := int(body[2])
		if len(body) < 3+plen {
			return nil, fmt.Errorf("%w: command params need %d bytes, have %d", ErrTruncated, plen, len(body)-3)
		}
		return &Command{
			Opcode: binary.LittleEndian.Uint16(body[0:2]),
			Params: body[3 : 3+plen],
		}, nil

	case TypeEvent:
		// code(1) + plen(1)
		if len(body) < 2 {
			return nil, fmt.Errorf("%w: event header needs 2 bytes, have %d", ErrTruncated, len(body))
		}
		plen := int(body[1])
		if len(body) < 2+plen {
			return nil, fmt.Errorf("%w: event params need %d bytes, have %d", ErrTruncated, plen, len(body)-2)
		}
		return &Event{
			Code:   body[0],
			Params: body[2 : 2+plen],
		}, nil

	case TypeACLData:
		// handle+flags(2) + dlen(2)
		if len(body) < 4 {
			return nil, fmt.Errorf("%w: acl header needs 4 bytes, have %d", ErrTruncated, len(body))
		}
		hf := binary.LittleEndian.Uint16(body[0:2])
		dlen := int(binary.LittleEndian.Uint16(body[2:4]))
		if len(body) < 4+dlen {
			return nil, fmt.Errorf("%w: acl payload needs %d bytes, have %d", ErrTruncated, dlen, len(body)-4)
		}
		return &ACLData{
			Handle:  hf & 0x0fff,
			PB:      byte(hf >> 12 & 0x3),
			BC:      byte(hf >> 14 & 0x3),
			Payload: body[4 : 4+dlen],
		}, nil

	case TypeSCOData:
		// handle(2) + dlen(1)
		if len(body) < 3 {
			return nil, fmt.Errorf("%w: sco header needs 3 bytes, have %d", ErrTruncated, len(body))
		}
		dlen := int(body[2])
		if len(body) < 3+dlen {
			return nil, fmt.Errorf("%w: sco payload needs %d bytes, have %d", ErrTruncated, dlen, len(body)-3)
		}
		return &SCOData{
			Handle:  binary.LittleEndian.Uint16(body[0:2]) & 0x0fff,
			Payload: body[3 : 3+dlen],
		}, nil

	case TypeDiag:
		return &Diag{Payload: body}, nil

	default:
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnknownType, data[0])
	}
}

// EncodeH4 frames a packet body for the injection socket.
func EncodeH4(t PacketType, body []byte) []byte {
	out := make([]byte, 0, len(body)+1)
	out = append(out, byte(t))
	return append(out, body...)
}
