package engine

import (
	"net"
	"time"

	"github.com/miekg/dns"

	"github.com/proxycore-io/secureproxy/internal/logging"
	"github.com/proxycore-io/secureproxy/internal/xerrors"
	"github.com/proxycore-io/secureproxy/packet"
)

const (
	dnsPort           = 53
	dnsOverallTimeout = 5 * time.Second
	dnsPerResolver    = dnsOverallTimeout / 2
)

// handleDNS forwards a UDP/53 query to the configured upstream resolvers
// and injects the response back into the TUN (spec.md §4.6). The query ID
// inside the payload passes through untouched; only the wire bytes needed
// to log question name/type/id are parsed (spec supplement: DOMAIN STACK,
// github.com/miekg/dns entry).
func (e *Engine) handleDNS(ipHdr packet.IPv4Header, udpHdr packet.UDPHeader, query []byte) {
	if !e.dnsLimiter.Allow() {
		e.logger.WithContext().Debug("secureproxy: dns query dropped by rate limiter")
		return
	}

	e.logQuery(query)

	response, err := e.forwardDNSQuery(query, e.cfg.DNSPrimary)
	if err != nil {
		e.logger.WithContextFields(logging.Fields{
			"resolver": e.cfg.DNSPrimary,
			"error":    err,
		}).Warn("secureproxy: primary dns resolver failed, trying fallback")

		response, err = e.forwardDNSQuery(query, e.cfg.DNSFallback)
		if err != nil {
			timeoutErr := xerrors.NewDnsTimeout(queryID(query))
			e.logger.WithContextFields(logging.Fields{
				"resolver": e.cfg.DNSFallback,
				"error":    timeoutErr,
			}).Warn("secureproxy: dns query timed out on both resolvers")
			return
		}
	}

	reply := packet.BuildUDPPacket(packet.UDPDatagramParams{
		SrcAddr: ipHdr.Dst, DstAddr: ipHdr.Src,
		SrcPort: udpHdr.DstPort, DstPort: udpHdr.SrcPort,
		Payload: response,
	})
	e.writePacket(reply)
}

func (e *Engine) forwardDNSQuery(query []byte, resolver string) ([]byte, error) {
	conn, err := net.DialTimeout("udp", resolver, dnsPerResolver)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if err := conn.SetDeadline(time.Now().Add(dnsPerResolver)); err != nil {
		return nil, err
	}
	if _, err := conn.Write(query); err != nil {
		return nil, err
	}

	buf := make([]byte, e.readBufferSize())
	n, err := conn.Read(buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

// readBufferSize sizes the upstream read buffer to the engine's MTU (or
// 1500, whichever is larger) so EDNS0/AAAA/TXT replies that fit on the
// wire are never truncated before being written back to the TUN.
func (e *Engine) readBufferSize() int {
	if e.cfg.MTU > 1500 {
		return e.cfg.MTU
	}
	return 1500
}

func (e *Engine) logQuery(query []byte) {
	msg := new(dns.Msg)
	if err := msg.Unpack(query); err != nil || len(msg.Question) == 0 {
		return
	}
	q := msg.Question[0]
	e.logger.WithContextFields(logging.Fields{
		"query_id": msg.Id,
		"name":     q.Name,
		"qtype":    dns.TypeToString[q.Qtype],
	}).Debug("secureproxy: forwarding dns query")
}

// queryID extracts the DNS transaction ID from query, or 0 if it does not
// parse as a DNS message.
func queryID(query []byte) uint16 {
	msg := new(dns.Msg)
	if err := msg.Unpack(query); err != nil {
		return 0
	}
	return msg.Id
}
