package packet

import "github.com/proxycore-io/secureproxy/internal/xerrors"

const udpHeaderLen = 8

// UDPHeader holds the fields of a parsed UDP datagram header. Checksum is
// not verified on input.
type UDPHeader struct {
	SrcPort uint16
	DstPort uint16
	Length  uint16
}

// ParseUDP parses a UDP header from segment (the IPv4 payload).
func ParseUDP(segment []byte) (UDPHeader, []byte, error) {
	var h UDPHeader

	if len(segment) < udpHeaderLen {
		return h, nil, xerrors.Tracef("udp segment too short: %d bytes", len(segment))
	}

	h.SrcPort = uint16(segment[0])<<8 | uint16(segment[1])
	h.DstPort = uint16(segment[2])<<8 | uint16(segment[3])
	h.Length = uint16(segment[4])<<8 | uint16(segment[5])

	// h.Length is advisory; the payload is whatever bytes actually
	// follow the header in the buffer the TUN device delivered.
	return h, segment[udpHeaderLen:], nil
}

// UDPDatagramParams describes a UDP reply datagram to emit toward the
// device.
type UDPDatagramParams struct {
	SrcAddr, DstAddr [4]byte
	SrcPort, DstPort uint16
	Payload          []byte
}

// BuildUDPPacket constructs a full IPv4+UDP reply packet. Per spec.md
// §4.4, the UDP checksum on emitted DNS replies may be zero; this
// implementation always emits zero, matching that allowance.
func BuildUDPPacket(p UDPDatagramParams) []byte {
	length := udpHeaderLen + len(p.Payload)
	segment := make([]byte, length)

	segment[0] = byte(p.SrcPort >> 8)
	segment[1] = byte(p.SrcPort)
	segment[2] = byte(p.DstPort >> 8)
	segment[3] = byte(p.DstPort)
	segment[4] = byte(length >> 8)
	segment[5] = byte(length)
	segment[6] = 0x00 // checksum: not computed (RFC 768 permits zero over IPv4)
	segment[7] = 0x00
	copy(segment[udpHeaderLen:], p.Payload)

	ipHeader := BuildIPv4Header(p.SrcAddr, p.DstAddr, ProtocolUDP, len(segment))
	return append(ipHeader, segment...)
}
