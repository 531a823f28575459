package engine

import "sync"

// tunWriter serialises writes to the TUN device so concurrent per-flow
// forwarder tasks never interleave packets at the byte level (spec.md
// §4.6: "the TUN write must be serialised"). A failed write is fatal to
// the engine (spec.md §4.6: "TUN write error: abort engine"), reported
// exactly once via onFailure regardless of which caller hit it.
type tunWriter struct {
	mu        sync.Mutex
	tun       TunDevice
	onFailure func(error)
	failOnce  sync.Once
}

func newTunWriter(tun TunDevice, onFailure func(error)) *tunWriter {
	return &tunWriter{tun: tun, onFailure: onFailure}
}

// Write implements flow.Writer.
func (w *tunWriter) Write(pkt []byte) error {
	w.mu.Lock()
	_, err := w.tun.Write(pkt)
	w.mu.Unlock()

	if err != nil {
		w.failOnce.Do(func() { w.onFailure(err) })
	}
	return err
}
