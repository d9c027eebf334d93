// Package genetlink encodes and decodes the Generic Netlink framing used
// by control-plane messages crossing the shared-memory transport: a
// standard nlmsghdr, a genlmsghdr, and exactly one
// NL_ATTR_VR_MESSAGE_PROTOCOL attribute carrying the opaque payload.
//
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
package genetlink

import (
	"encoding/binary"
	"fmt"
)

const (
	nlmsghdrLen  = 16
	genlmsghdrLen = 4
	nlattrLen    = 4

	// NLAttrVRMessageProtocol is the single attribute type this codec
	// ever emits or expects: an opaque vrouter message protocol payload.
	NLAttrVRMessageProtocol = 1

	nlaAlignTo = 4
)

// Message is a decoded Generic Netlink frame.
type Message struct {
	// Type is the nlmsghdr message type (family id for genl messages).
	Type uint16
	// Flags carries the nlmsghdr flags field (e.g. multi-part NLM_F_MULTI).
	Flags uint16
	// Seq is the request/response correlation sequence number.
	Seq uint32
	// PortID identifies the sending port (0 for kernel/vrouter-originated).
	PortID uint32
	// Cmd is the genlmsghdr command byte.
	Cmd uint8
	// Version is the genlmsghdr version byte.
	Version uint8
	// Payload is the NL_ATTR_VR_MESSAGE_PROTOCOL attribute's contents.
	Payload []byte
}

func nlaAlign(n int) int {
	return (n + nlaAlignTo - 1) &^ (nlaAlignTo - 1)
}

// Encode serializes m into a single length-framed Generic Netlink message.
func Encode(m Message) []byte {
	attrLen := nlattrLen + len(m.Payload)
	totalLen := nlmsghdrLen + genlmsghdrLen + nlaAlign(attrLen)

	buf := make([]byte, totalLen)
	le := binary.LittleEndian

	// nlmsghdr
	le.PutUint32(buf[0:4], uint32(totalLen))
	le.PutUint16(buf[4:6], m.Type)
	le.PutUint16(buf[6:8], m.Flags)
	le.PutUint32(buf[8:12], m.Seq)
	le.PutUint32(buf[12:16], m.PortID)

	// genlmsghdr
	buf[16] = m.Cmd
	buf[17] = m.Version
	// bytes 18:20 are reserved, left zero.

	// nlattr: len, type, payload (payload copied; padding already zeroed
	// by make([]byte, ...)).
	attrOff := nlmsghdrLen + genlmsghdrLen
	le.PutUint16(buf[attrOff:attrOff+2], uint16(attrLen))
	le.PutUint16(buf[attrOff+2:attrOff+4], NLAttrVRMessageProtocol)
	copy(buf[attrOff+nlattrLen:], m.Payload)

	return buf
}

// Decode parses a single Generic Netlink message produced by Encode (or by
// a correctly behaving peer). It rejects frames that do not carry exactly
// one NL_ATTR_VR_MESSAGE_PROTOCOL attribute.
func Decode(raw []byte) (Message, error) {
	if len(raw) < nlmsghdrLen+genlmsghdrLen {
		return Message{}, fmt.Errorf("genetlink: frame too short: %d bytes", len(raw))
	}
	le := binary.LittleEndian

	totalLen := le.Uint32(raw[0:4])
	if int(totalLen) > len(raw) {
		return Message{}, fmt.Errorf("genetlink: declared length %d exceeds frame %d", totalLen, len(raw))
	}

	m := Message{
		Type:   le.Uint16(raw[4:6]),
		Flags:  le.Uint16(raw[6:8]),
		Seq:    le.Uint32(raw[8:12]),
		PortID: le.Uint32(raw[12:16]),
		Cmd:    raw[16],
		Version: raw[17],
	}

	attrOff := nlmsghdrLen + genlmsghdrLen
	if int(totalLen) < attrOff+nlattrLen {
		return Message{}, fmt.Errorf("genetlink: frame missing attribute header")
	}

	attrLen := int(le.Uint16(raw[attrOff : attrOff+2]))
	attrType := le.Uint16(raw[attrOff+2 : attrOff+4])
	if attrType != NLAttrVRMessageProtocol {
		return Message{}, fmt.Errorf("genetlink: unexpected attribute type %d", attrType)
	}
	if attrLen < nlattrLen || attrOff+attrLen > int(totalLen) {
		return Message{}, fmt.Errorf("genetlink: invalid attribute length %d", attrLen)
	}
	if attrOff+nlaAlign(attrLen) < int(totalLen) {
		return Message{}, fmt.Errorf("genetlink: unexpected data after attribute")
	}

	payload := make([]byte, attrLen-nlattrLen)
	copy(payload, raw[attrOff+nlattrLen:attrOff+attrLen])
	m.Payload = payload

	return m, nil
}
