package session

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/gorilla/websocket"

	"github.com/proxycore-io/secureproxy/crypto"
	"github.com/proxycore-io/secureproxy/internal/xerrors"
)

// Send seals plaintext with the session's send key and transmits it as a
// single WebSocket binary frame.
func (s *Session) Send(plaintext []byte) error {
	if !s.IsConnected() {
		return xerrors.NewTransportError("send", fmt.Errorf("session not ready"))
	}

	frame, err := crypto.Seal(s.sendKey, plaintext)
	if err != nil {
		return xerrors.Trace(err)
	}

	s.writeMu.Lock()
	err = s.conn.WriteMessage(websocket.BinaryMessage, frame)
	s.writeMu.Unlock()
	if err != nil {
		s.fail(xerrors.NewTransportError("send", err))
		return xerrors.NewTransportError("send", err)
	}

	s.touch()
	s.bytesSent.Add(uint64(len(plaintext)))
	return nil
}

// Recv waits for the next inbound plaintext frame. Callers driving an
// unbounded idle wait (the peer->device forwarder loop) should pass a
// context with no deadline; callers exchanging a single request/response
// (e.g. SendConnect) should bound ctx to spec.md's 30s first-frame
// deadline.
func (s *Session) Recv(ctx context.Context) ([]byte, error) {
	select {
	case plaintext := <-s.inbound:
		s.touch()
		s.bytesRecv.Add(uint64(len(plaintext)))
		return plaintext, nil
	case <-s.closed:
		return nil, s.closeReason()
	case <-ctx.Done():
		return nil, xerrors.Trace(ctx.Err())
	}
}

// SendConnect sends the CONNECT composite payload (2-byte length prefix
// then ASCII "host:port") and waits, with a 30s deadline, for the single
// status byte reply. A non-zero status is reported as a ConnectError.
func (s *Session) SendConnect(host string, port int) error {
	target := fmt.Sprintf("%s:%d", host, port)
	payload := make([]byte, 2+len(target))
	binary.BigEndian.PutUint16(payload[:2], uint16(len(target)))
	copy(payload[2:], target)

	if err := s.Send(payload); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), recvFirstFrameDeadline)
	defer cancel()

	reply, err := s.Recv(ctx)
	if err != nil {
		return err
	}
	if len(reply) != 1 {
		return xerrors.NewProtocolError("CONNECT reply must be one byte")
	}
	if reply[0] != 0x00 {
		return xerrors.NewConnectError(reply[0])
	}
	return nil
}

// closeReason returns the error that caused the session to close, or a
// generic closed error if it closed cleanly.
func (s *Session) closeReason() error {
	if s.closeErr != nil {
		return s.closeErr
	}
	return xerrors.NewTransportError("recv", fmt.Errorf("session closed"))
}
