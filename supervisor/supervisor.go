// Package supervisor implements the top-level lifecycle for the proxy
// core: bring up the pool and packet engine on Start, tear both down in
// reverse on Stop or on a host-issued permission revocation.
package supervisor

import (
	"context"
	"sync"
	"time"

	"github.com/proxycore-io/secureproxy/engine"
	"github.com/proxycore-io/secureproxy/flow"
	"github.com/proxycore-io/secureproxy/internal/logging"
	"github.com/proxycore-io/secureproxy/pool"
	"github.com/proxycore-io/secureproxy/session"
)

// State is one of the supervisor lifecycle states from spec.md §4.7.
type State int

const (
	StateIdle State = iota
	StateStarting
	StateRunning
	StateStopping
	StateStopped
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// drainGrace is how long Stop waits for in-flight flows' forwarders to
// exit after it has cancelled the engine's run context (SUPPLEMENTED
// FEATURES, "Graceful drain on Stopping").
const drainGrace = 2 * time.Second

// Config bundles everything the supervisor needs to build the pool and
// engine on Start.
type Config struct {
	Session  session.Config
	Engine   engine.Config
	PoolSize int
}

// Supervisor is the sole top-level holder of the pool and engine
// (DESIGN NOTES §9, "model as explicitly constructed objects passed to
// the supervisor; do not use process-wide statics").
type Supervisor struct {
	cfg    Config
	logger logging.Logger

	mu    sync.Mutex
	state State

	statusC chan State

	pool   *pool.Pool
	engine *engine.Engine
	tun    engine.TunDevice
	cancel context.CancelFunc
	runErr chan error
}

// New constructs an idle Supervisor.
func New(cfg Config, logger logging.Logger) *Supervisor {
	return &Supervisor{
		cfg:     cfg,
		logger:  logger,
		state:   StateIdle,
		statusC: make(chan State, 1),
	}
}

// Status returns a channel always holding the most recently observed
// State, mirroring session.Session's status channel.
func (sv *Supervisor) Status() <-chan State {
	return sv.statusC
}

// State returns the supervisor's current lifecycle state.
func (sv *Supervisor) State() State {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	return sv.state
}

func (sv *Supervisor) setState(s State) {
	sv.mu.Lock()
	sv.state = s
	sv.mu.Unlock()

	select {
	case <-sv.statusC:
	default:
	}
	select {
	case sv.statusC <- s:
	default:
	}
}

// Start builds the pool, then spawns the engine over tun (a descriptor
// the host has already provisioned; obtaining it is out of scope here).
// Individual pool priming failures are tolerated; a completely unusable
// relay surfaces once the engine starts producing CONNECT failures.
func (sv *Supervisor) Start(ctx context.Context, tun engine.TunDevice) error {
	sv.setState(StateStarting)

	p := pool.New(sv.cfg.Session, sv.logger, sv.cfg.PoolSize)
	if err := p.Init(ctx); err != nil {
		sv.setState(StateError)
		return err
	}

	eng := engine.New(tun, p, sv.cfg.Engine, sv.logger)

	runCtx, cancel := context.WithCancel(context.Background())

	sv.mu.Lock()
	sv.pool = p
	sv.engine = eng
	sv.tun = tun
	sv.cancel = cancel
	sv.runErr = make(chan error, 1)
	sv.mu.Unlock()

	go func() {
		sv.runErr <- eng.Run(runCtx)
	}()

	sv.setState(StateRunning)
	go sv.watchEngine()

	return nil
}

// watchEngine observes the engine's terminal error, if any, and collapses
// the supervisor to Error (spec.md §7 propagation policy: "engine-level
// errors collapse the engine (supervisor moves to Error)").
func (sv *Supervisor) watchEngine() {
	err := <-sv.runErr
	if err != nil && sv.State() == StateRunning {
		sv.logger.WithContextFields(logging.Fields{"error": err}).Error("secureproxy: engine terminated")
		sv.setState(StateError)
	}
}

// Stop cancels the engine, waits up to drainGrace for in-flight flows'
// forwarders to exit, cleans up the pool, and closes the TUN. It acts from
// the Running or Error state; in any other state it is a no-op.
func (sv *Supervisor) Stop() {
	if st := sv.State(); st != StateRunning && st != StateError {
		return
	}
	sv.setState(StateStopping)

	sv.mu.Lock()
	cancel := sv.cancel
	eng := sv.engine
	p := sv.pool
	tun := sv.tun
	sv.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	if eng != nil {
		sv.drainFlows(eng)
	}
	if p != nil {
		p.Cleanup()
	}
	if tun != nil {
		tun.Close()
	}

	sv.setState(StateStopped)
}

// Revoke models an external permission-revocation signal from the host,
// which causes an immediate Stopping transition (spec.md §4.7).
func (sv *Supervisor) Revoke() {
	sv.Stop()
}

// drainFlows waits up to drainGrace for every in-flight flow's forwarder
// to exit, calling Stop on a flow still running when the grace period
// ends (SUPPLEMENTED FEATURES, "Graceful drain on Stopping"). Every flow's
// context derives from the run context Stop has already cancelled, so the
// forwarders are already stopping; no further peer->device frame is
// awaited during the drain.
func (sv *Supervisor) drainFlows(eng *engine.Engine) {
	deadline := time.After(drainGrace)
	table := eng.Table()

	var flows []*flow.TcpFlow
	table.Range(func(f *flow.TcpFlow) {
		flows = append(flows, f)
	})

	for _, f := range flows {
		select {
		case <-f.Done():
		case <-deadline:
			f.Stop()
		}
	}
}
