package session

import (
	"context"
	"time"

	"github.com/gorilla/websocket"

	"github.com/proxycore-io/secureproxy/crypto"
	"github.com/proxycore-io/secureproxy/internal/logging"
	"github.com/proxycore-io/secureproxy/internal/xerrors"
)

// Connect dials the relay and runs the application handshake. It retries
// the full dial+handshake sequence up to 3 times with 1s/2s backoff
// between attempts (spec.md §4.2 "Connect retries"), but does not retry
// AuthError, which is fatal and non-retriable.
func (s *Session) Connect(ctx context.Context) error {
	s.connectMu.Lock()
	defer s.connectMu.Unlock()

	if s.State() == StateReady {
		return nil
	}

	var lastErr error
	for attempt := 1; attempt <= connectAttempts; attempt++ {
		s.setState(StateHandshaking)

		err := s.connectOnce(ctx)
		if err == nil {
			s.setState(StateReady)
			s.startBackground()
			return nil
		}

		lastErr = err

		if _, fatal := err.(*xerrors.AuthError); fatal {
			break
		}

		if attempt < connectAttempts {
			s.logger.WithContextFields(logging.Fields{
				"attempt": attempt,
				"error":   err,
			}).Warn("secureproxy: session connect attempt failed, retrying")

			select {
			case <-time.After(backoffFor(attempt + 1)):
			case <-ctx.Done():
				lastErr = ctx.Err()
				attempt = connectAttempts // stop looping
			}
		}
	}

	s.setState(StateClosed)
	return xerrors.Trace(lastErr)
}

func (s *Session) connectOnce(ctx context.Context) error {
	hctx, cancel := context.WithTimeout(ctx, handshakeDeadline)
	defer cancel()

	conn, err := dial(s.cfg)
	if err != nil {
		return err
	}

	sendKey, recvKey, err := s.runHandshake(hctx, conn)
	if err != nil {
		conn.Close()
		return err
	}

	// runHandshake left an absolute read deadline set on conn (via
	// readBinary). Clear it before the steady-state readPump takes over,
	// otherwise ReadMessage hard-fails once that deadline passes
	// regardless of traffic; the idle watchdog owns liveness from here.
	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		conn.Close()
		return xerrors.NewTransportError("clear read deadline", err)
	}

	s.conn = conn
	s.sendKey = sendKey
	s.recvKey = recvKey
	return nil
}

// runHandshake executes the four-message application handshake described
// in spec.md §4.2 and §6 over conn, returning the derived send/recv keys.
func (s *Session) runHandshake(ctx context.Context, conn *websocket.Conn) (sendKey, recvKey []byte, err error) {
	clientPublic, err := crypto.RandomBytes(publicValueSize)
	if err != nil {
		return nil, nil, xerrors.Trace(err)
	}

	if err := retryStep(func() error {
		return writeBinary(conn, clientPublic)
	}); err != nil {
		return nil, nil, xerrors.NewTransportError("send client_public", err)
	}

	var serverPublic []byte
	if err := retryStep(func() error {
		msg, rerr := readBinary(ctx, conn)
		if rerr != nil {
			return rerr
		}
		serverPublic = msg
		return nil
	}); err != nil {
		return nil, nil, xerrors.NewTransportError("recv server_public", err)
	}
	if len(serverPublic) != publicValueSize {
		return nil, nil, xerrors.NewProtocolError("server_public has wrong length")
	}

	salt := append(append([]byte{}, clientPublic...), serverPublic...)
	sendKey, recvKey, err = crypto.DeriveKeys(s.cfg.PSK, salt)
	if err != nil {
		return nil, nil, xerrors.Trace(err)
	}

	authTag := crypto.HMAC(sendKey, []byte(handshakeAuthMessage))
	if err := retryStep(func() error {
		return writeBinary(conn, authTag)
	}); err != nil {
		return nil, nil, xerrors.NewTransportError("send auth tag", err)
	}

	var serverTag []byte
	if err := retryStep(func() error {
		msg, rerr := readBinary(ctx, conn)
		if rerr != nil {
			return rerr
		}
		serverTag = msg
		return nil
	}); err != nil {
		return nil, nil, xerrors.NewTransportError("recv auth response", err)
	}
	if len(serverTag) != authTagSize {
		return nil, nil, xerrors.NewProtocolError("auth response has wrong length")
	}

	expected := crypto.HMAC(recvKey, []byte(handshakeOkMessage))
	if !crypto.ConstantTimeEqual(serverTag, expected) {
		return nil, nil, xerrors.NewAuthError("relay auth response mismatch")
	}

	return sendKey, recvKey, nil
}

// retryStep runs fn, retrying up to handshakeStepTries-1 additional times
// on failure (spec.md §4.2: "retries up to 2 times on step-level failure").
func retryStep(fn func() error) error {
	var err error
	for i := 0; i < handshakeStepTries; i++ {
		if err = fn(); err == nil {
			return nil
		}
	}
	return err
}

func writeBinary(conn *websocket.Conn, data []byte) error {
	return conn.WriteMessage(websocket.BinaryMessage, data)
}

func readBinary(ctx context.Context, conn *websocket.Conn) ([]byte, error) {
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetReadDeadline(deadline)
	}
	msgType, data, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	if msgType != websocket.BinaryMessage {
		return nil, xerrors.NewProtocolError("expected binary frame")
	}
	return data, nil
}
