package packet

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildIPv4HeaderChecksumRecomputesToZero(t *testing.T) {
	h := BuildIPv4Header([4]byte{10, 0, 0, 2}, [4]byte{1, 2, 3, 4}, ProtocolTCP, 20)
	assert.Equal(t, uint16(0), internetChecksum(h))
}

func TestBuildTCPPacketChecksumInvariant(t *testing.T) {
	pkt := BuildTCPPacket(TCPSegmentParams{
		SrcAddr: [4]byte{1, 2, 3, 4},
		DstAddr: [4]byte{10, 0, 0, 2},
		SrcPort: 80,
		DstPort: 51000,
		Seq:     1000,
		Ack:     2000,
		Flags:   FlagSYN | FlagACK,
		Payload: []byte("hello world"),
	})

	ipHeader, segment, err := ParseIPv4(pkt)
	require.NoError(t, err)
	assert.Equal(t, uint16(0), internetChecksum(pkt[:ipHeader.IHL]))

	got := checksumWithPseudoHeader(ipHeader.Src, ipHeader.Dst, ProtocolTCP, segment)
	assert.Equal(t, uint16(0), got)
}

func TestBuildTCPPacketRoundTrip(t *testing.T) {
	payload := []byte("payload-bytes")
	pkt := BuildTCPPacket(TCPSegmentParams{
		SrcAddr: [4]byte{1, 2, 3, 4},
		DstAddr: [4]byte{10, 0, 0, 2},
		SrcPort: 443,
		DstPort: 55000,
		Seq:     42,
		Ack:     7,
		Flags:   FlagPSH | FlagACK,
		Payload: payload,
	})

	_, segment, err := ParseIPv4(pkt)
	require.NoError(t, err)

	tcpHeader, tcpPayload, err := ParseTCP(segment)
	require.NoError(t, err)
	assert.Equal(t, uint16(443), tcpHeader.SrcPort)
	assert.Equal(t, uint16(55000), tcpHeader.DstPort)
	assert.Equal(t, uint32(42), tcpHeader.Seq)
	assert.Equal(t, uint32(7), tcpHeader.Ack)
	assert.True(t, tcpHeader.HasFlag(FlagPSH))
	assert.True(t, tcpHeader.HasFlag(FlagACK))
	assert.False(t, tcpHeader.HasFlag(FlagSYN))
	assert.Equal(t, payload, tcpPayload)
}

func TestBuildUDPPacketRoundTrip(t *testing.T) {
	payload := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	pkt := BuildUDPPacket(UDPDatagramParams{
		SrcAddr: [4]byte{8, 8, 8, 8},
		DstAddr: [4]byte{10, 0, 0, 2},
		SrcPort: 53,
		DstPort: 33000,
		Payload: payload,
	})

	ipHeader, segment, err := ParseIPv4(pkt)
	require.NoError(t, err)
	assert.Equal(t, uint16(0), internetChecksum(pkt[:ipHeader.IHL]))
	assert.Equal(t, byte(ProtocolUDP), ipHeader.Protocol)

	udpHeader, udpPayload, err := ParseUDP(segment)
	require.NoError(t, err)
	assert.Equal(t, uint16(53), udpHeader.SrcPort)
	assert.Equal(t, uint16(33000), udpHeader.DstPort)
	assert.Equal(t, payload, udpPayload)
}

func TestParseIPv4RejectsShortAndWrongVersion(t *testing.T) {
	_, _, err := ParseIPv4(make([]byte, 10))
	assert.Error(t, err)

	buf := make([]byte, 20)
	buf[0] = 0x60 // version 6
	_, _, err = ParseIPv4(buf)
	assert.Error(t, err)
}

func TestParseTCPRejectsShortSegment(t *testing.T) {
	_, _, err := ParseTCP(make([]byte, 10))
	assert.Error(t, err)
}
