// Package pool implements the fixed-capacity cache of idle secure
// sessions that amortises handshake cost across proxied flows.
package pool

import (
	"context"
	"sync"

	"github.com/proxycore-io/secureproxy/internal/logging"
	"github.com/proxycore-io/secureproxy/session"
)

// DefaultCapacity is the number of idle sessions the pool holds when a
// caller does not override it.
const DefaultCapacity = 5

// Pool is a bounded set of Ready sessions plus a count of sessions
// currently on loan to flows. No session is ever simultaneously idle and
// in-use. A single mutex serialises acquire/release/cleanup bookkeeping;
// the handshake performed by newSession runs outside the lock.
type Pool struct {
	cfg      session.Config
	logger   logging.Logger
	capacity int

	mutex sync.Mutex
	idle  []*session.Session
	inUse map[*session.Session]struct{}
}

// New constructs a Pool. capacity <= 0 selects DefaultCapacity.
func New(cfg session.Config, logger logging.Logger, capacity int) *Pool {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Pool{
		cfg:      cfg,
		logger:   logger,
		capacity: capacity,
		inUse:    make(map[*session.Session]struct{}),
	}
}

// Init eagerly connects up to capacity sessions, tolerating individual
// handshake failures; the pool may come up with fewer than capacity idle
// sessions if the relay is unreachable for some of them.
func (p *Pool) Init(ctx context.Context) error {
	for i := 0; i < p.capacity; i++ {
		s, err := p.newSession(ctx)
		if err != nil {
			p.logger.WithContextFields(logging.Fields{
				"error": err,
			}).Warn("secureproxy: pool priming attempt failed")
			continue
		}
		p.mutex.Lock()
		p.idle = append(p.idle, s)
		p.mutex.Unlock()
	}
	return nil
}

// Acquire pops idle sessions, closing and discarding any that has gone
// unhealthy, and returns the first Ready one; if no idle session remains
// it creates a fresh one. There is no cap on outstanding sessions
// beyond what callers create; the pool bounds idle slots only.
func (p *Pool) Acquire(ctx context.Context) (*session.Session, error) {
	for {
		p.mutex.Lock()
		if len(p.idle) == 0 {
			p.mutex.Unlock()
			break
		}
		s := p.idle[len(p.idle)-1]
		p.idle = p.idle[:len(p.idle)-1]
		p.mutex.Unlock()

		if !s.IsConnected() {
			s.Close()
			continue
		}
		p.markInUse(s)
		return s, nil
	}

	s, err := p.newSession(ctx)
	if err != nil {
		return nil, err
	}
	p.markInUse(s)
	return s, nil
}

// Release returns s to the idle set if it is still Ready and the idle set
// has room, otherwise closes it. Either way s is no longer tracked as
// in-use.
func (p *Pool) Release(s *session.Session) {
	p.mutex.Lock()
	delete(p.inUse, s)
	room := len(p.idle) < p.capacity
	p.mutex.Unlock()

	if room && s.IsConnected() {
		p.mutex.Lock()
		p.idle = append(p.idle, s)
		p.mutex.Unlock()
		return
	}
	s.Close()
}

// Cleanup closes every idle and in-use session and resets the pool to its
// zero-session state. Called by the supervisor while stopping.
func (p *Pool) Cleanup() {
	p.mutex.Lock()
	idle := p.idle
	p.idle = nil
	inUse := make([]*session.Session, 0, len(p.inUse))
	for s := range p.inUse {
		inUse = append(inUse, s)
	}
	p.inUse = make(map[*session.Session]struct{})
	p.mutex.Unlock()

	for _, s := range idle {
		s.Close()
	}
	for _, s := range inUse {
		s.Close()
	}
}

// IdleCount reports the number of idle sessions currently held.
func (p *Pool) IdleCount() int {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return len(p.idle)
}

// InUseCount reports the number of sessions currently on loan.
func (p *Pool) InUseCount() int {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return len(p.inUse)
}

func (p *Pool) markInUse(s *session.Session) {
	p.mutex.Lock()
	p.inUse[s] = struct{}{}
	p.mutex.Unlock()
}

func (p *Pool) newSession(ctx context.Context) (*session.Session, error) {
	s := session.New(p.cfg, p.logger)
	if err := s.Connect(ctx); err != nil {
		return nil, err
	}
	return s, nil
}
