package flow

import (
	"context"
	"net"
	"time"

	"github.com/proxycore-io/secureproxy/crypto"
	"github.com/proxycore-io/secureproxy/internal/logging"
	"github.com/proxycore-io/secureproxy/internal/xerrors"
	"github.com/proxycore-io/secureproxy/packet"
	"github.com/proxycore-io/secureproxy/session"
)

// connectDeadline bounds the pool acquisition for a flow's SYN, which may
// dial and handshake a fresh session. The CONNECT exchange that follows is
// not covered by it: SendConnect applies its own 30s reply deadline.
const connectDeadline = 10 * time.Second

// SessionPool is the subset of pool.Pool the TCP handler needs. Declared
// here (rather than importing pool directly) so flow has no dependency on
// pool's own dependency on session beyond the type it already needs.
type SessionPool interface {
	Acquire(ctx context.Context) (*session.Session, error)
	Release(s *session.Session)
}

// Writer serialises packet writes back to the TUN device.
type Writer interface {
	Write(pkt []byte) error
}

// Handler drives the TCP state machine described in spec.md §4.5 for
// segments read off the TUN.
type Handler struct {
	Table  *Table
	Pool   SessionPool
	Writer Writer
	Logger logging.Logger
}

// NewHandler constructs a Handler.
func NewHandler(table *Table, pool SessionPool, writer Writer, logger logging.Logger) *Handler {
	return &Handler{Table: table, Pool: pool, Writer: writer, Logger: logger}
}

// HandleSegment dispatches one parsed TCP segment observed on the TUN.
// ipHdr.Src/Dst are the device's own address and the flow's destination,
// respectively.
func (h *Handler) HandleSegment(ctx context.Context, ipHdr packet.IPv4Header, tcpHdr packet.TCPHeader, payload []byte) {
	key := Key{SrcPort: tcpHdr.SrcPort, DstIP: ipHdr.Dst, DstPort: tcpHdr.DstPort}

	f, ok := h.Table.Lookup(key)

	switch {
	case !ok && tcpHdr.HasFlag(packet.FlagSYN) && !tcpHdr.HasFlag(packet.FlagACK):
		h.handleSyn(ctx, ipHdr, tcpHdr, key)
		return
	case !ok:
		h.emitRST(ipHdr.Dst, ipHdr.Src, tcpHdr.DstPort, tcpHdr.SrcPort, tcpHdr.Ack)
		return
	}

	if tcpHdr.HasFlag(packet.FlagRST) {
		h.teardownExternal(f)
		return
	}

	if tcpHdr.HasFlag(packet.FlagFIN) {
		h.handleFin(f, tcpHdr)
		return
	}

	if f.State() == StateSynReceived && tcpHdr.HasFlag(packet.FlagACK) && len(payload) == 0 {
		f.setState(StateEstablished)
		return
	}

	if f.State() == StateEstablished && len(payload) > 0 {
		h.handlePayload(f, tcpHdr, payload)
		return
	}
}

func (h *Handler) handleSyn(ctx context.Context, ipHdr packet.IPv4Header, tcpHdr packet.TCPHeader, key Key) {
	cctx, cancel := context.WithTimeout(ctx, connectDeadline)
	defer cancel()

	s, err := h.Pool.Acquire(cctx)
	if err != nil {
		h.Logger.WithContextFields(logging.Fields{"error": err}).Warn("secureproxy: flow session acquire failed")
		h.emitRST(ipHdr.Dst, ipHdr.Src, tcpHdr.DstPort, tcpHdr.SrcPort, tcpHdr.Seq+1)
		return
	}

	targetHost := ipHdr.Dst
	if err := s.SendConnect(ipString(targetHost), int(tcpHdr.DstPort)); err != nil {
		h.Logger.WithContextFields(logging.Fields{"error": err}).Info("secureproxy: relay CONNECT failed")
		h.Pool.Release(s)
		h.emitRST(ipHdr.Dst, ipHdr.Src, tcpHdr.DstPort, tcpHdr.SrcPort, tcpHdr.Seq+1)
		return
	}

	isnBytes, err := crypto.RandomBytes(4)
	if err != nil {
		h.Pool.Release(s)
		h.emitRST(ipHdr.Dst, ipHdr.Src, tcpHdr.DstPort, tcpHdr.SrcPort, tcpHdr.Seq+1)
		return
	}
	isn := uint32(isnBytes[0])<<24 | uint32(isnBytes[1])<<16 | uint32(isnBytes[2])<<8 | uint32(isnBytes[3])

	clientSeq := tcpHdr.Seq + 1
	f := newFlow(ctx, key, ipHdr.Src, ipHdr.Dst, s, isn+1, clientSeq)
	h.Table.Insert(f)

	h.write(packet.BuildTCPPacket(packet.TCPSegmentParams{
		SrcAddr: ipHdr.Dst, DstAddr: ipHdr.Src,
		SrcPort: tcpHdr.DstPort, DstPort: tcpHdr.SrcPort,
		Seq: isn, Ack: clientSeq,
		Flags: packet.FlagSYN | packet.FlagACK,
	}))

	go h.forwardPeerToDevice(f)
}

func (h *Handler) handlePayload(f *TcpFlow, tcpHdr packet.TCPHeader, payload []byte) {
	if err := f.Session.Send(payload); err != nil {
		flowErr := xerrors.NewFlowError(err)
		h.Logger.WithContextFields(logging.Fields{"flow_id": f.ID.String(), "error": flowErr}).Warn("secureproxy: flow send failed")
		h.emitRST(f.DstIP, f.SrcIP, f.Key.DstPort, f.Key.SrcPort, f.ClientSeq())
		h.teardownExternal(f)
		return
	}

	f.advanceClientSeq(uint32(len(payload)))
	f.bytesToPeer.Add(uint64(len(payload)))

	h.write(packet.BuildTCPPacket(packet.TCPSegmentParams{
		SrcAddr: f.DstIP, DstAddr: f.SrcIP,
		SrcPort: f.Key.DstPort, DstPort: f.Key.SrcPort,
		Seq: f.ServerSeq(), Ack: f.ClientSeq(),
		Flags: packet.FlagACK,
	}))
}

func (h *Handler) handleFin(f *TcpFlow, tcpHdr packet.TCPHeader) {
	f.setState(StateCloseWait)

	h.write(packet.BuildTCPPacket(packet.TCPSegmentParams{
		SrcAddr: f.DstIP, DstAddr: f.SrcIP,
		SrcPort: f.Key.DstPort, DstPort: f.Key.SrcPort,
		Seq: f.ServerSeq(), Ack: tcpHdr.Seq + 1,
		Flags: packet.FlagACK,
	}))

	f.setState(StateLastAck)
	h.write(packet.BuildTCPPacket(packet.TCPSegmentParams{
		SrcAddr: f.DstIP, DstAddr: f.SrcIP,
		SrcPort: f.Key.DstPort, DstPort: f.Key.SrcPort,
		Seq: f.ServerSeq(), Ack: tcpHdr.Seq + 1,
		Flags: packet.FlagFIN | packet.FlagACK,
	}))
	f.advanceServerSeq(1)

	h.teardownExternal(f)
}

// teardownSelf releases the flow's session and removes it from the table
// (spec.md §4.3's release policy). Called by forwardPeerToDevice on its
// own exit path: the forwarder is already returning, so this only cancels
// the context for cleanliness and never waits on Done (that would
// deadlock against the close(f.done) still pending in its own defer).
func (h *Handler) teardownSelf(f *TcpFlow) {
	f.setState(StateClosed)
	f.markDead()
	f.Stop()
	h.Table.Delete(f.Key)
	h.Pool.Release(f.Session)
}

// teardownExternal tears down a flow from outside its forwarder goroutine
// (a device FIN, RST, or a mid-flow send failure). It cancels the
// forwarder and waits for it to exit before releasing the session, since
// the forwarder is the flow's sole owner of Session.Recv() for its
// lifetime (spec.md §3, §8.5) — releasing the session first would let a
// still-running forwarder and a new flow's Acquire both drain the same
// session concurrently.
func (h *Handler) teardownExternal(f *TcpFlow) {
	f.setState(StateClosed)
	f.markDead()
	f.Stop()
	<-f.Done()
	h.Table.Delete(f.Key)
	h.Pool.Release(f.Session)
}

// forwardPeerToDevice is the flow's peer->device forwarder task: it owns
// the session's recv() loop for the flow's lifetime (spec.md §4.6).
func (h *Handler) forwardPeerToDevice(f *TcpFlow) {
	defer close(f.done)

	for {
		payload, err := f.Session.Recv(f.ctx)
		if err != nil {
			if f.Alive() {
				h.teardownSelf(f)
			}
			return
		}

		if len(payload) == 0 {
			// Peer EOF: close gracefully from our side.
			h.emitFin(f)
			h.teardownSelf(f)
			return
		}

		h.write(packet.BuildTCPPacket(packet.TCPSegmentParams{
			SrcAddr: f.DstIP, DstAddr: f.SrcIP,
			SrcPort: f.Key.DstPort, DstPort: f.Key.SrcPort,
			Seq: f.ServerSeq(), Ack: f.ClientSeq(),
			Flags:   packet.FlagPSH | packet.FlagACK,
			Payload: payload,
		}))
		f.advanceServerSeq(uint32(len(payload)))
		f.bytesToDevice.Add(uint64(len(payload)))
	}
}

func (h *Handler) emitFin(f *TcpFlow) {
	h.write(packet.BuildTCPPacket(packet.TCPSegmentParams{
		SrcAddr: f.DstIP, DstAddr: f.SrcIP,
		SrcPort: f.Key.DstPort, DstPort: f.Key.SrcPort,
		Seq: f.ServerSeq(), Ack: f.ClientSeq(),
		Flags: packet.FlagFIN | packet.FlagACK,
	}))
	f.advanceServerSeq(1)
}

func (h *Handler) emitRST(srcIP, dstIP [4]byte, srcPort, dstPort uint16, seq uint32) {
	h.write(packet.BuildTCPPacket(packet.TCPSegmentParams{
		SrcAddr: srcIP, DstAddr: dstIP,
		SrcPort: srcPort, DstPort: dstPort,
		Seq: seq, Ack: 0,
		Flags: packet.FlagRST,
	}))
}

// write writes pkt via h.Writer. A failure is logged here for diagnostics;
// engine's shared writer is responsible for escalating it to a fatal
// engine abort (spec.md §4.6: "TUN write error: abort engine").
func (h *Handler) write(pkt []byte) {
	if err := h.Writer.Write(pkt); err != nil {
		h.Logger.WithContextFields(logging.Fields{"error": err}).Error("secureproxy: tun write failed")
	}
}

func ipString(ip [4]byte) string {
	return net.IP(ip[:]).String()
}
