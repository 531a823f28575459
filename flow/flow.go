// Package flow tracks TCP flows observed on the TUN device: one state
// machine per (client_src_port, dst_ip, dst_port) tuple, each owning a
// secure session borrowed from the pool for the flow's lifetime. A flow's
// client_seq advances by the length of every payload segment as it
// arrives; out-of-order or repeated segments are neither reordered nor
// deduplicated.
package flow

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/proxycore-io/secureproxy/session"
)

// State is one of the TcpFlow lifecycle states from spec.md §4.5.
type State int

const (
	StateSynReceived State = iota
	StateEstablished
	StateCloseWait
	StateLastAck
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateSynReceived:
		return "syn_received"
	case StateEstablished:
		return "established"
	case StateCloseWait:
		return "close_wait"
	case StateLastAck:
		return "last_ack"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Key identifies a flow by the tuple observed on the TUN side.
type Key struct {
	SrcPort uint16
	DstIP   [4]byte
	DstPort uint16
}

// Metrics reports simple byte counters for one flow (spec.md's non-goal
// covers only accounting beyond raw byte counts).
type Metrics struct {
	BytesToPeer   uint64
	BytesToDevice uint64
}

// TcpFlow is one TCP connection as observed on the TUN, from SYN to
// teardown. The zero value is not usable; construct with newFlow.
type TcpFlow struct {
	ID  uuid.UUID
	Key Key

	// SrcIP/DstIP are the original IPv4 addresses observed on the device's
	// SYN, kept so reply packets can be constructed with the correct
	// endpoints (the device is always the destination of our replies).
	SrcIP, DstIP [4]byte

	Session *session.Session

	// ctx/cancel govern the flow's peer->device forwarder task. done
	// closes when that task has returned, letting the supervisor's drain
	// logic wait a bounded time for the task to exit (SUPPLEMENTED
	// FEATURES, "Graceful drain on Stopping").
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	state     State
	clientSeq uint32 // next expected byte from the device
	serverSeq uint32 // next byte we emit toward the device

	alive         atomic.Bool
	bytesToPeer   atomic.Uint64
	bytesToDevice atomic.Uint64
}

// newFlow constructs a flow already positioned past the SYN: serverSeqInit
// is the caller's isn+1 and clientSeq is the caller's syn_seq+1.
func newFlow(parent context.Context, key Key, srcIP, dstIP [4]byte, s *session.Session, serverSeqInit, clientSeq uint32) *TcpFlow {
	ctx, cancel := context.WithCancel(parent)
	f := &TcpFlow{
		ID:      uuid.New(),
		Key:     key,
		SrcIP:   srcIP,
		DstIP:   dstIP,
		Session: s,
		state:   StateSynReceived,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	f.serverSeq = serverSeqInit
	f.clientSeq = clientSeq
	f.alive.Store(true)
	return f
}

// State returns the flow's current TCP state.
func (f *TcpFlow) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *TcpFlow) setState(s State) {
	f.mu.Lock()
	f.state = s
	f.mu.Unlock()
}

// Alive reports whether the flow is still eligible to carry traffic.
func (f *TcpFlow) Alive() bool {
	return f.alive.Load()
}

func (f *TcpFlow) markDead() {
	f.alive.Store(false)
}

// Done returns a channel that closes once the flow's peer->device
// forwarder task has exited.
func (f *TcpFlow) Done() <-chan struct{} {
	return f.done
}

// Stop cancels the flow's forwarder task without waiting for it to
// exit; callers needing that use Done().
func (f *TcpFlow) Stop() {
	f.cancel()
}

// ClientSeq/ServerSeq/advance* give the engine's TCP handler controlled
// access to the flow's sequence cursors without exposing the mutex.
func (f *TcpFlow) ClientSeq() uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.clientSeq
}

func (f *TcpFlow) ServerSeq() uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.serverSeq
}

func (f *TcpFlow) advanceClientSeq(n uint32) {
	f.mu.Lock()
	f.clientSeq += n
	f.mu.Unlock()
}

func (f *TcpFlow) advanceServerSeq(n uint32) {
	f.mu.Lock()
	f.serverSeq += n
	f.mu.Unlock()
}

// Metrics returns the flow's current byte counters.
func (f *TcpFlow) Metrics() Metrics {
	return Metrics{
		BytesToPeer:   f.bytesToPeer.Load(),
		BytesToDevice: f.bytesToDevice.Load(),
	}
}
