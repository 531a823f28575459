// Package packet parses IPv4+TCP and IPv4+UDP packets read from the TUN
// device and builds reply packets with correct header and checksum
// arithmetic. Checksums on parsed (inbound) packets are not verified: the
// OS has already accepted them onto the TUN.
//
//	IPv4 header (RFC 791):
//	 0                   1                   2                   3
//	 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|Version|  IHL  |Type of Service|          Total Length         |
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|         Identification        |Flags|      Fragment Offset    |
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|  Time to Live |    Protocol   |         Header Checksum       |
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|                       Source Address                          |
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|                    Destination Address                        |
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
package packet

import "github.com/proxycore-io/secureproxy/internal/xerrors"

// Protocol numbers relevant to this codec (Non-goals exclude ICMP and any
// other IP protocol).
const (
	ProtocolTCP = 6
	ProtocolUDP = 17
)

const ipv4HeaderLen = 20

// IPv4Header holds the fields of a parsed IPv4 header. Src/Dst are 4-byte
// arrays copied out of the packet buffer.
type IPv4Header struct {
	IHL         int // header length in bytes
	TotalLength int
	Protocol    byte
	Src         [4]byte
	Dst         [4]byte
}

// ParseIPv4 parses an IPv4 header from packet. It rejects packets shorter
// than 20 bytes or whose version nibble is not 4. Options are skipped by
// honouring IHL; the returned payload begins after the full header
// (including options). Input checksums are not verified.
func ParseIPv4(pkt []byte) (IPv4Header, []byte, error) {
	var h IPv4Header

	if len(pkt) < ipv4HeaderLen {
		return h, nil, xerrors.Tracef("ipv4 packet too short: %d bytes", len(pkt))
	}
	if version := pkt[0] >> 4; version != 4 {
		return h, nil, xerrors.Tracef("not an ipv4 packet: version=%d", version)
	}

	ihl := int(pkt[0]&0x0F) * 4
	if ihl < ipv4HeaderLen || ihl > len(pkt) {
		return h, nil, xerrors.Tracef("invalid ipv4 IHL: %d bytes", ihl)
	}

	h.IHL = ihl
	h.TotalLength = int(pkt[2])<<8 | int(pkt[3])
	h.Protocol = pkt[9]
	copy(h.Src[:], pkt[12:16])
	copy(h.Dst[:], pkt[16:20])

	return h, pkt[ihl:], nil
}

// BuildIPv4Header emits a 20-byte IPv4 header (no options) with a correct
// header checksum: version=4, IHL=5, DSCP/ECN=0, identification=0,
// flags=DF, TTL=64.
func BuildIPv4Header(src, dst [4]byte, protocol byte, payloadLen int) []byte {
	h := make([]byte, ipv4HeaderLen)

	totalLength := ipv4HeaderLen + payloadLen

	h[0] = 0x45 // version 4, IHL 5
	h[1] = 0x00 // DSCP/ECN
	h[2] = byte(totalLength >> 8)
	h[3] = byte(totalLength)
	h[4] = 0x00 // identification (high)
	h[5] = 0x00 // identification (low)
	h[6] = 0x40 // flags: DF, fragment offset high bits
	h[7] = 0x00 // fragment offset low
	h[8] = 64   // TTL
	h[9] = protocol
	h[10] = 0x00 // checksum placeholder
	h[11] = 0x00
	copy(h[12:16], src[:])
	copy(h[16:20], dst[:])

	checksum := internetChecksum(h)
	h[10] = byte(checksum >> 8)
	h[11] = byte(checksum)

	return h
}
