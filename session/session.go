// Package session implements the secure WebSocket session: a TLS
// transport plus an application-layer handshake that derives per-direction
// AEAD keys from a pre-shared secret, mutually authenticates, and
// thereafter carries opaque encrypted frames to the relay.
package session

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/proxycore-io/secureproxy/internal/logging"
)

// State is one of the SessionState lifecycle states from spec.md §3.
type State int

const (
	StateFresh State = iota
	StateHandshaking
	StateReady
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateFresh:
		return "fresh"
	case StateHandshaking:
		return "handshaking"
	case StateReady:
		return "ready"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

const (
	pingInterval  = 20 * time.Second
	idleTimeout   = 120 * time.Second
	recvQueueSize = 16
)

// Config is the subset of ProxyConfig a Session needs to dial and
// authenticate to the relay.
type Config struct {
	SNIHost      string
	RelayAddress string
	RelayPort    int
	WSPath       string
	PSK          []byte // 32 raw bytes

	// StrictTLS enables standard certificate chain and hostname
	// verification. When false (the default, matching the source
	// behaviour documented in spec.md §4.2 and DESIGN.md), any
	// certificate is accepted; the handshake's HMAC exchange provides
	// endpoint authentication instead.
	StrictTLS bool
}

// Session is one TLS+WebSocket connection to the relay. A Session is
// created Fresh by the pool, moves Handshaking->Ready during Connect, and
// transitions to Closing/Closed on error, idle expiry, explicit Close, or
// transport EOF. All exported methods are safe for concurrent use, though
// spec.md's ownership model has at most one flow driving Send/Recv on a
// given session at a time.
type Session struct {
	ID     uuid.UUID
	cfg    Config
	logger logging.Logger

	stateMu sync.Mutex
	state   State
	statusC chan State

	connectMu sync.Mutex // guards Connect re-entry

	conn    *websocket.Conn
	writeMu sync.Mutex // serializes WriteMessage/WriteControl on conn

	sendKey []byte
	recvKey []byte

	lastActivity atomic.Int64 // unix nano

	inbound  chan []byte
	closed   chan struct{}
	closeErr error
	closeOne sync.Once

	bytesSent atomic.Uint64
	bytesRecv atomic.Uint64

	backgroundWG sync.WaitGroup

	pingEvery time.Duration
	idleAfter time.Duration
}

// Option configures optional Session parameters, primarily so tests can
// shrink the keepalive/idle intervals below their spec.md defaults.
type Option func(*Session)

// WithIntervals overrides the keepalive ping interval and idle-close
// threshold. Intended for tests; production callers should use the
// zero-value default, which applies spec.md's 20s/120s values.
func WithIntervals(ping, idle time.Duration) Option {
	return func(s *Session) {
		s.pingEvery = ping
		s.idleAfter = idle
	}
}

// New constructs a Fresh Session. Call Connect before Send/Recv/SendConnect.
func New(cfg Config, logger logging.Logger, opts ...Option) *Session {
	s := &Session{
		ID:        uuid.New(),
		cfg:       cfg,
		logger:    logger,
		state:     StateFresh,
		statusC:   make(chan State, 1),
		inbound:   make(chan []byte, recvQueueSize),
		closed:    make(chan struct{}),
		pingEvery: pingInterval,
		idleAfter: idleTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.publishState(StateFresh)
	s.lastActivity.Store(time.Now().UnixNano())
	return s
}

// Status returns a channel that always holds the most recently observed
// State. Reading it never blocks the session's own goroutines: publishing
// a new state drains any stale value first.
func (s *Session) Status() <-chan State {
	return s.statusC
}

// State returns the session's current lifecycle state.
func (s *Session) State() State {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.state
}

// IsConnected reports true iff the session's state is Ready.
func (s *Session) IsConnected() bool {
	return s.State() == StateReady
}

// Metrics reports simple byte counters (spec.md non-goal permits basic
// accounting).
type Metrics struct {
	BytesSent     uint64
	BytesReceived uint64
}

// Metrics returns the session's current byte counters.
func (s *Session) Metrics() Metrics {
	return Metrics{
		BytesSent:     s.bytesSent.Load(),
		BytesReceived: s.bytesRecv.Load(),
	}
}

func (s *Session) setState(state State) {
	s.stateMu.Lock()
	s.state = state
	s.stateMu.Unlock()
	s.publishState(state)
}

func (s *Session) publishState(state State) {
	select {
	case <-s.statusC:
	default:
	}
	select {
	case s.statusC <- state:
	default:
	}
}

func (s *Session) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

func (s *Session) idleFor() time.Duration {
	last := s.lastActivity.Load()
	return time.Since(time.Unix(0, last))
}
