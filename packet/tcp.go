package packet

import "github.com/proxycore-io/secureproxy/internal/xerrors"

// TCP flags (the 6 low bits of the flags byte).
const (
	FlagFIN byte = 0x01
	FlagSYN byte = 0x02
	FlagRST byte = 0x04
	FlagPSH byte = 0x08
	FlagACK byte = 0x10
)

const tcpHeaderLen = 20

// TCPHeader holds the fields of a parsed TCP segment header.
type TCPHeader struct {
	SrcPort    uint16
	DstPort    uint16
	Seq        uint32
	Ack        uint32
	DataOffset int // header length in bytes
	Flags      byte
}

// HasFlag reports whether all bits of flag are set.
func (h TCPHeader) HasFlag(flag byte) bool {
	return h.Flags&flag == flag
}

// ParseTCP parses a TCP header from segment (the IPv4 payload). The
// returned payload is the remainder after DataOffset bytes, i.e. TCP
// options are skipped but not otherwise interpreted (Non-goal: TCP options
// handling beyond standard header parsing).
func ParseTCP(segment []byte) (TCPHeader, []byte, error) {
	var h TCPHeader

	if len(segment) < tcpHeaderLen {
		return h, nil, xerrors.Tracef("tcp segment too short: %d bytes", len(segment))
	}

	h.SrcPort = uint16(segment[0])<<8 | uint16(segment[1])
	h.DstPort = uint16(segment[2])<<8 | uint16(segment[3])
	h.Seq = uint32(segment[4])<<24 | uint32(segment[5])<<16 | uint32(segment[6])<<8 | uint32(segment[7])
	h.Ack = uint32(segment[8])<<24 | uint32(segment[9])<<16 | uint32(segment[10])<<8 | uint32(segment[11])
	h.DataOffset = int(segment[12]>>4) * 4
	h.Flags = segment[13] & 0x3F

	if h.DataOffset < tcpHeaderLen || h.DataOffset > len(segment) {
		return h, nil, xerrors.Tracef("invalid tcp data offset: %d bytes", h.DataOffset)
	}

	return h, segment[h.DataOffset:], nil
}

// TCPSegmentParams describes a TCP reply segment to emit toward the
// device.
type TCPSegmentParams struct {
	SrcAddr, DstAddr [4]byte
	SrcPort, DstPort uint16
	Seq, Ack         uint32
	Flags            byte
	Payload          []byte
}

// BuildTCPPacket constructs a full IPv4+TCP reply packet: data offset=5
// (no options), window=65535, urgent=0, and a checksum computed over the
// pseudo-header plus TCP header and payload. The input buffer is never
// mutated; a fresh packet is always allocated.
func BuildTCPPacket(p TCPSegmentParams) []byte {
	segment := make([]byte, tcpHeaderLen+len(p.Payload))

	segment[0] = byte(p.SrcPort >> 8)
	segment[1] = byte(p.SrcPort)
	segment[2] = byte(p.DstPort >> 8)
	segment[3] = byte(p.DstPort)
	segment[4] = byte(p.Seq >> 24)
	segment[5] = byte(p.Seq >> 16)
	segment[6] = byte(p.Seq >> 8)
	segment[7] = byte(p.Seq)
	segment[8] = byte(p.Ack >> 24)
	segment[9] = byte(p.Ack >> 16)
	segment[10] = byte(p.Ack >> 8)
	segment[11] = byte(p.Ack)
	segment[12] = 0x50 // data offset 5, reserved 0
	segment[13] = p.Flags & 0x3F
	segment[14] = 0xFF // window high
	segment[15] = 0xFF // window low
	segment[16] = 0x00 // checksum placeholder
	segment[17] = 0x00
	segment[18] = 0x00 // urgent pointer
	segment[19] = 0x00
	copy(segment[tcpHeaderLen:], p.Payload)

	checksum := checksumWithPseudoHeader(p.SrcAddr, p.DstAddr, ProtocolTCP, segment)
	segment[16] = byte(checksum >> 8)
	segment[17] = byte(checksum)

	ipHeader := BuildIPv4Header(p.SrcAddr, p.DstAddr, ProtocolTCP, len(segment))
	return append(ipHeader, segment...)
}
