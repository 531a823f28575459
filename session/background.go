package session

import (
	"time"

	"github.com/gorilla/websocket"

	"github.com/proxycore-io/secureproxy/crypto"
	"github.com/proxycore-io/secureproxy/internal/logging"
	"github.com/proxycore-io/secureproxy/internal/xerrors"
)

// startBackground launches the read pump, keepalive ping timer, and idle
// watchdog. Called once, after the handshake completes and state is
// Ready.
func (s *Session) startBackground() {
	s.backgroundWG.Add(3)
	go s.readPump()
	go s.pingLoop()
	go s.watchdog()
}

// readPump is the session's sole reader of the physical WebSocket
// connection. It decrypts each inbound binary frame and places the
// plaintext on the bounded inbound queue (spec.md §3, "bounded inbound
// frame queue"). A full queue applies backpressure to the relay via
// TCP/WebSocket flow control, since readPump blocks on the channel send.
func (s *Session) readPump() {
	defer s.backgroundWG.Done()
	for {
		msgType, frame, err := s.conn.ReadMessage()
		if err != nil {
			s.fail(xerrors.NewTransportError("recv", err))
			return
		}
		if msgType != websocket.BinaryMessage {
			continue
		}

		plaintext, err := crypto.Open(s.recvKey, frame)
		if err != nil {
			s.fail(err) // AuthError: fatal to the session
			return
		}

		s.touch()

		select {
		case s.inbound <- plaintext:
		case <-s.closed:
			return
		}
	}
}

// pingLoop sends a WebSocket ping every 20s to keep the connection alive
// through idle middleboxes.
func (s *Session) pingLoop() {
	defer s.backgroundWG.Done()
	ticker := time.NewTicker(s.pingEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.writeMu.Lock()
			err := s.conn.WriteControl(
				websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			s.writeMu.Unlock()
			if err != nil {
				s.fail(xerrors.NewTransportError("ping", err))
				return
			}
		case <-s.closed:
			return
		}
	}
}

// watchdog closes the session if it has seen no inbound or outbound
// plaintext traffic for idleTimeout (spec.md §4.2, §8 invariant 7).
func (s *Session) watchdog() {
	defer s.backgroundWG.Done()
	ticker := time.NewTicker(s.pingEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if s.idleFor() >= s.idleAfter {
				s.logger.WithContextFields(logging.Fields{
					"session_id": s.ID.String(),
				}).Info("secureproxy: session idle timeout")
				s.fail(xerrors.NewTransportError("idle", errIdleTimeout))
				return
			}
		case <-s.closed:
			return
		}
	}
}

var errIdleTimeout = idleTimeoutError{}

type idleTimeoutError struct{}

func (idleTimeoutError) Error() string { return "session idle timeout exceeded" }

// fail transitions the session to Closing then Closed, recording err as
// the reason surfaced to Recv callers, and tears down the transport. Safe
// to call from any goroutine, any number of times.
func (s *Session) fail(err error) {
	s.setState(StateClosing)

	s.closeOne.Do(func() {
		s.closeErr = err
		close(s.closed)
	})

	s.setState(StateClosed)

	if s.conn != nil {
		s.conn.Close()
	}
}

// Close gracefully shuts down the session: stops the background
// goroutines, closes the WebSocket transport, and transitions to Closed.
func (s *Session) Close() error {
	if s.State() == StateClosed {
		return nil
	}

	s.setState(StateClosing)

	s.closeOne.Do(func() {
		close(s.closed)
	})

	// readPump blocks in conn.ReadMessage() and does not select on
	// s.closed, so the transport must be closed to unblock it before
	// waiting on backgroundWG below (matches fail(), which closes s.conn
	// without waiting).
	var closeErr error
	if s.conn != nil {
		closeErr = s.conn.Close()
	}

	s.backgroundWG.Wait()

	s.setState(StateClosed)

	return closeErr
}
