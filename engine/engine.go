// Package engine owns the TUN read loop, dispatches parsed packets by
// protocol, and drives the TCP flow table and DNS responder that carry
// device traffic to and from the secure session pool.
package engine

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/proxycore-io/secureproxy/flow"
	"github.com/proxycore-io/secureproxy/internal/logging"
	"github.com/proxycore-io/secureproxy/packet"
)

// Config carries the engine's tunable parameters (spec.md §6 TUN
// contract plus the DNS fallback supplement).
type Config struct {
	MTU          int
	DNSPrimary   string
	DNSFallback  string
	DNSRateLimit rate.Limit
	DNSBurst     int
}

// DefaultConfig returns the spec.md defaults: MTU 1500, resolvers
// 8.8.8.8:53 / 8.8.4.4:53.
func DefaultConfig() Config {
	return Config{
		MTU:          1500,
		DNSPrimary:   "8.8.8.8:53",
		DNSFallback:  "8.8.4.4:53",
		DNSRateLimit: 50,
		DNSBurst:     10,
	}
}

// Engine is the packet engine (component C6): it owns the TUN endpoint
// and the flow table.
type Engine struct {
	tun     TunDevice
	writer  *tunWriter
	table   *flow.Table
	handler *flow.Handler

	dnsLimiter *rate.Limiter
	cfg        Config
	logger     logging.Logger

	// fatal carries the first TUN write failure, aborting Run (spec.md
	// §4.6: "TUN write error: abort engine").
	fatal chan error
}

// New constructs an Engine over tun, dispatching TCP flows through pool.
func New(tun TunDevice, pool flow.SessionPool, cfg Config, logger logging.Logger) *Engine {
	e := &Engine{
		tun:        tun,
		dnsLimiter: rate.NewLimiter(cfg.DNSRateLimit, cfg.DNSBurst),
		cfg:        cfg,
		logger:     logger,
		fatal:      make(chan error, 1),
	}

	table := flow.NewTable()
	writer := newTunWriter(tun, e.reportFatal)
	handler := flow.NewHandler(table, pool, writer, logger)

	e.writer = writer
	e.table = table
	e.handler = handler
	return e
}

// reportFatal records err as the engine's abort cause. Only the first
// call has any effect; later ones are dropped since Run has already begun
// unwinding.
func (e *Engine) reportFatal(err error) {
	select {
	case e.fatal <- err:
	default:
	}
}

// Table returns the engine's flow table, so the supervisor can drain it
// on shutdown.
func (e *Engine) Table() *flow.Table {
	return e.table
}

// Run drives the TUN read loop until ctx is cancelled or a fatal TUN
// write error occurs. It returns nil on clean cancellation, or the write
// error that aborted the engine otherwise.
func (e *Engine) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return e.readLoop(gctx)
	})
	g.Go(func() error {
		select {
		case err := <-e.fatal:
			return err
		case <-gctx.Done():
			return nil
		}
	})
	return g.Wait()
}

// readLoop reads up to MTU bytes per packet, non-blocking; on an empty
// read it sleeps 10ms to avoid spinning (spec.md §4.6).
func (e *Engine) readLoop(ctx context.Context) error {
	buf := make([]byte, e.cfg.MTU)

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		n, err := e.tun.Read(buf)
		if err != nil {
			e.logger.WithContextFields(logging.Fields{"error": err}).Error("secureproxy: tun read failed")
			continue
		}
		if n == 0 {
			time.Sleep(10 * time.Millisecond)
			continue
		}

		pkt := make([]byte, n)
		copy(pkt, buf[:n])
		e.dispatch(ctx, pkt)
	}
}

// dispatch parses one raw packet as IPv4 and routes it by protocol.
// Non-IPv4 packets, and any that fail to parse, are dropped silently.
func (e *Engine) dispatch(ctx context.Context, pkt []byte) {
	ipHdr, payload, err := packet.ParseIPv4(pkt)
	if err != nil {
		return
	}

	switch ipHdr.Protocol {
	case packet.ProtocolTCP:
		tcpHdr, tcpPayload, err := packet.ParseTCP(payload)
		if err != nil {
			return
		}
		e.handler.HandleSegment(ctx, ipHdr, tcpHdr, tcpPayload)

	case packet.ProtocolUDP:
		udpHdr, udpPayload, err := packet.ParseUDP(payload)
		if err != nil {
			return
		}
		if udpHdr.DstPort == dnsPort {
			go e.handleDNS(ipHdr, udpHdr, udpPayload)
		}
		// Non-DNS UDP is a non-goal; silently dropped.

	default:
		e.logger.WithContextFields(logging.Fields{"protocol": ipHdr.Protocol}).Debug("secureproxy: dropping unsupported ip protocol")
	}
}

// writePacket writes pkt to the TUN. A failure is logged here for
// diagnostics and separately escalated to Run's fatal path by the shared
// tunWriter (see reportFatal).
func (e *Engine) writePacket(pkt []byte) {
	if err := e.writer.Write(pkt); err != nil {
		e.logger.WithContextFields(logging.Fields{"error": err}).Error("secureproxy: tun write failed")
	}
}
