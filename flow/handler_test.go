package flow

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/proxycore-io/secureproxy/crypto"
	"github.com/proxycore-io/secureproxy/internal/logging"
	"github.com/proxycore-io/secureproxy/packet"
	"github.com/proxycore-io/secureproxy/pool"
	"github.com/proxycore-io/secureproxy/session"
)

var testPSK = bytes.Repeat([]byte{0x03}, crypto.KeySize)

type fakeWriter struct {
	mu      sync.Mutex
	packets [][]byte
}

func (w *fakeWriter) Write(pkt []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	cp := append([]byte(nil), pkt...)
	w.packets = append(w.packets, cp)
	return nil
}

func (w *fakeWriter) last() []byte {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.packets) == 0 {
		return nil
	}
	return w.packets[len(w.packets)-1]
}

func (w *fakeWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.packets)
}

// relayScript is the fixed CONNECT status returned after handshake, and
// an optional single pushed frame simulating an unsolicited peer message.
type relayScript struct {
	connectStatus byte
	pushAfterAuth []byte
}

func startFakeRelay(t *testing.T, script relayScript) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		_, clientPublic, err := conn.ReadMessage()
		if err != nil {
			return
		}
		serverPublic := bytes.Repeat([]byte{0x04}, 32)
		if conn.WriteMessage(websocket.BinaryMessage, serverPublic) != nil {
			return
		}

		salt := append(append([]byte{}, clientPublic...), serverPublic...)
		clientSend, clientRecv, err := crypto.DeriveKeys(testPSK, salt)
		if err != nil {
			return
		}
		serverSendKey := clientRecv
		serverRecvKey := clientSend

		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		if conn.WriteMessage(websocket.BinaryMessage, crypto.HMAC(serverSendKey, []byte("ok"))) != nil {
			return
		}

		if _, connectFrame, err := conn.ReadMessage(); err == nil {
			_, _ = crypto.Open(serverRecvKey, connectFrame)
			status, _ := crypto.Seal(serverSendKey, []byte{script.connectStatus})
			if conn.WriteMessage(websocket.BinaryMessage, status) != nil {
				return
			}
		}

		if script.pushAfterAuth != nil {
			out, _ := crypto.Seal(serverSendKey, script.pushAfterAuth)
			conn.WriteMessage(websocket.BinaryMessage, out)
		}

		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	return httptest.NewTLSServer(handler)
}

func testPoolConfig(serverURL string) session.Config {
	hostPort := serverURL[len("https://"):]
	host, port := splitHostPort(hostPort)
	return session.Config{
		SNIHost:      "relay.example.com",
		RelayAddress: host,
		RelayPort:    port,
		WSPath:       "/",
		PSK:          testPSK,
	}
}

func splitHostPort(hostPort string) (string, int) {
	for i := len(hostPort) - 1; i >= 0; i-- {
		if hostPort[i] == ':' {
			port := 0
			for _, c := range hostPort[i+1:] {
				port = port*10 + int(c-'0')
			}
			return hostPort[:i], port
		}
	}
	return hostPort, 0
}

func synSegment(srcPort, dstPort uint16, seq uint32) (packet.IPv4Header, packet.TCPHeader) {
	ip := packet.IPv4Header{Protocol: packet.ProtocolTCP, Src: [4]byte{10, 0, 0, 2}, Dst: [4]byte{93, 184, 216, 34}}
	tcp := packet.TCPHeader{SrcPort: srcPort, DstPort: dstPort, Seq: seq, Flags: packet.FlagSYN}
	return ip, tcp
}

func newTestHandler(t *testing.T, relayURL string, capacity int) (*Handler, *fakeWriter) {
	t.Helper()
	p := pool.New(testPoolConfig(relayURL), logging.NewDefaultLogger(), capacity)
	w := &fakeWriter{}
	h := NewHandler(NewTable(), p, w, logging.NewDefaultLogger())
	return h, w
}

func TestHandleSynSuccessEmitsSynAckAndTracksFlow(t *testing.T) {
	relay := startFakeRelay(t, relayScript{connectStatus: 0x00})
	defer relay.Close()

	h, w := newTestHandler(t, relay.URL, 1)

	ip, tcp := synSegment(51000, 443, 1000)
	h.HandleSegment(context.Background(), ip, tcp, nil)

	require.Equal(t, 1, h.Table.Len())
	f, ok := h.Table.Lookup(Key{SrcPort: 51000, DstIP: ip.Dst, DstPort: 443})
	require.True(t, ok)
	require.Equal(t, StateSynReceived, f.State())
	require.Equal(t, uint32(1001), f.ClientSeq())

	synAck := w.last()
	require.NotNil(t, synAck)
	hdr, payload, err := packet.ParseIPv4(synAck)
	require.NoError(t, err)
	tcpHdr, _, err := packet.ParseTCP(payload)
	require.NoError(t, err)
	require.True(t, tcpHdr.HasFlag(packet.FlagSYN))
	require.True(t, tcpHdr.HasFlag(packet.FlagACK))
	require.Equal(t, uint32(1001), tcpHdr.Ack)
	require.Equal(t, ip.Src, hdr.Dst)
	require.Equal(t, ip.Dst, hdr.Src)

	f.Stop()
}

func TestHandleSynConnectFailureEmitsRst(t *testing.T) {
	relay := startFakeRelay(t, relayScript{connectStatus: 0x02})
	defer relay.Close()

	h, w := newTestHandler(t, relay.URL, 1)

	ip, tcp := synSegment(51001, 443, 2000)
	h.HandleSegment(context.Background(), ip, tcp, nil)

	require.Equal(t, 0, h.Table.Len())
	rst := w.last()
	require.NotNil(t, rst)
	_, payload, err := packet.ParseIPv4(rst)
	require.NoError(t, err)
	tcpHdr, _, err := packet.ParseTCP(payload)
	require.NoError(t, err)
	require.True(t, tcpHdr.HasFlag(packet.FlagRST))
}

func TestBareAckTransitionsToEstablished(t *testing.T) {
	relay := startFakeRelay(t, relayScript{connectStatus: 0x00})
	defer relay.Close()

	h, _ := newTestHandler(t, relay.URL, 1)

	ip, tcp := synSegment(51002, 443, 3000)
	h.HandleSegment(context.Background(), ip, tcp, nil)
	f, _ := h.Table.Lookup(Key{SrcPort: 51002, DstIP: ip.Dst, DstPort: 443})

	ackTCP := packet.TCPHeader{SrcPort: 51002, DstPort: 443, Seq: 3001, Ack: f.ServerSeq(), Flags: packet.FlagACK}
	h.HandleSegment(context.Background(), ip, ackTCP, nil)

	require.Equal(t, StateEstablished, f.State())
	f.Stop()
}

func TestPayloadForwardsThroughSessionAndAcks(t *testing.T) {
	relay := startFakeRelay(t, relayScript{connectStatus: 0x00})
	defer relay.Close()

	h, w := newTestHandler(t, relay.URL, 1)

	ip, tcp := synSegment(51003, 443, 4000)
	h.HandleSegment(context.Background(), ip, tcp, nil)
	f, _ := h.Table.Lookup(Key{SrcPort: 51003, DstIP: ip.Dst, DstPort: 443})
	f.setState(StateEstablished)

	before := w.count()
	dataTCP := packet.TCPHeader{SrcPort: 51003, DstPort: 443, Seq: 4001, Ack: f.ServerSeq(), Flags: packet.FlagPSH | packet.FlagACK}
	h.HandleSegment(context.Background(), ip, dataTCP, []byte("GET / HTTP/1.0\r\n\r\n"))

	require.Greater(t, w.count(), before)
	require.Equal(t, uint32(4001+len("GET / HTTP/1.0\r\n\r\n")), f.ClientSeq())

	ack := w.last()
	_, payload, err := packet.ParseIPv4(ack)
	require.NoError(t, err)
	tcpHdr, _, err := packet.ParseTCP(payload)
	require.NoError(t, err)
	require.True(t, tcpHdr.HasFlag(packet.FlagACK))
	require.Equal(t, f.ClientSeq(), tcpHdr.Ack)

	f.Stop()
}

func TestFinTearsDownFlow(t *testing.T) {
	relay := startFakeRelay(t, relayScript{connectStatus: 0x00})
	defer relay.Close()

	h, w := newTestHandler(t, relay.URL, 1)

	ip, tcp := synSegment(51004, 443, 5000)
	h.HandleSegment(context.Background(), ip, tcp, nil)
	f, _ := h.Table.Lookup(Key{SrcPort: 51004, DstIP: ip.Dst, DstPort: 443})
	f.setState(StateEstablished)

	finTCP := packet.TCPHeader{SrcPort: 51004, DstPort: 443, Seq: 5001, Ack: f.ServerSeq(), Flags: packet.FlagFIN | packet.FlagACK}
	h.HandleSegment(context.Background(), ip, finTCP, nil)

	require.Eventually(t, func() bool {
		_, ok := h.Table.Lookup(Key{SrcPort: 51004, DstIP: ip.Dst, DstPort: 443})
		return !ok
	}, time.Second, 10*time.Millisecond)

	last := w.last()
	_, payload, err := packet.ParseIPv4(last)
	require.NoError(t, err)
	tcpHdr, _, err := packet.ParseTCP(payload)
	require.NoError(t, err)
	require.True(t, tcpHdr.HasFlag(packet.FlagFIN))
}

func TestDeviceFinWaitsForForwarderBeforeReleasingSession(t *testing.T) {
	relay := startFakeRelay(t, relayScript{connectStatus: 0x00, pushAfterAuth: []byte("hi")})
	defer relay.Close()

	h, _ := newTestHandler(t, relay.URL, 1)

	ip, tcp := synSegment(51006, 443, 7000)
	h.HandleSegment(context.Background(), ip, tcp, nil)
	f, _ := h.Table.Lookup(Key{SrcPort: 51006, DstIP: ip.Dst, DstPort: 443})
	f.setState(StateEstablished)

	// Wait for the forwarder to have delivered the one pushed frame and
	// looped back into a blocking Recv, so tearing down the flow below
	// exercises the case where the forwarder is still parked mid-call.
	require.Eventually(t, func() bool {
		return f.Metrics().BytesToDevice == uint64(len("hi"))
	}, time.Second, 10*time.Millisecond)

	finTCP := packet.TCPHeader{SrcPort: 51006, DstPort: 443, Seq: 7001, Ack: f.ServerSeq(), Flags: packet.FlagFIN | packet.FlagACK}
	h.HandleSegment(context.Background(), ip, finTCP, nil)

	// HandleSegment must not return until the forwarder has exited: it is
	// the flow's sole owner of Session.Recv, so releasing the session to
	// the pool any earlier would let a fresh Acquire hand the same session
	// to another flow while this forwarder is still draining it.
	select {
	case <-f.Done():
	default:
		t.Fatal("forwarder still running after HandleSegment(FIN) returned")
	}

	_, ok := h.Table.Lookup(Key{SrcPort: 51006, DstIP: ip.Dst, DstPort: 443})
	require.False(t, ok)
}

func TestUnknownFlowSegmentEmitsRst(t *testing.T) {
	h, w := newTestHandler(t, "https://127.0.0.1:1", 1)

	ip := packet.IPv4Header{Protocol: packet.ProtocolTCP, Src: [4]byte{10, 0, 0, 2}, Dst: [4]byte{1, 2, 3, 4}}
	tcp := packet.TCPHeader{SrcPort: 60000, DstPort: 80, Seq: 9000, Ack: 1, Flags: packet.FlagACK}
	h.HandleSegment(context.Background(), ip, tcp, []byte("x"))

	require.Equal(t, 1, w.count())
	_, payload, err := packet.ParseIPv4(w.last())
	require.NoError(t, err)
	tcpHdr, _, err := packet.ParseTCP(payload)
	require.NoError(t, err)
	require.True(t, tcpHdr.HasFlag(packet.FlagRST))
}

func TestPeerPushedDataIsForwardedToDevice(t *testing.T) {
	relay := startFakeRelay(t, relayScript{connectStatus: 0x00, pushAfterAuth: []byte("hello device")})
	defer relay.Close()

	h, w := newTestHandler(t, relay.URL, 1)

	ip, tcp := synSegment(51005, 443, 6000)
	h.HandleSegment(context.Background(), ip, tcp, nil)
	f, _ := h.Table.Lookup(Key{SrcPort: 51005, DstIP: ip.Dst, DstPort: 443})

	require.Eventually(t, func() bool {
		return f.Metrics().BytesToDevice == uint64(len("hello device"))
	}, time.Second, 10*time.Millisecond)

	found := false
	w.mu.Lock()
	for _, pkt := range w.packets {
		_, payload, err := packet.ParseIPv4(pkt)
		if err != nil {
			continue
		}
		tcpHdr, body, err := packet.ParseTCP(payload)
		if err != nil {
			continue
		}
		if tcpHdr.HasFlag(packet.FlagPSH) && bytes.Equal(body, []byte("hello device")) {
			found = true
		}
	}
	w.mu.Unlock()
	require.True(t, found)

	f.Stop()
}
