package pool

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/proxycore-io/secureproxy/crypto"
	"github.com/proxycore-io/secureproxy/internal/logging"
	"github.com/proxycore-io/secureproxy/session"
)

var testPSK = bytes.Repeat([]byte{0x01}, crypto.KeySize)

// startFakeRelay runs a minimal relay that completes the handshake for
// every incoming WebSocket connection and then idles, letting the pool
// exercise real Session.Connect calls end to end.
func startFakeRelay(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		_, clientPublic, err := conn.ReadMessage()
		if err != nil {
			return
		}
		serverPublic := bytes.Repeat([]byte{0x02}, 32)
		if conn.WriteMessage(websocket.BinaryMessage, serverPublic) != nil {
			return
		}

		salt := append(append([]byte{}, clientPublic...), serverPublic...)
		clientSend, clientRecv, err := crypto.DeriveKeys(testPSK, salt)
		if err != nil {
			return
		}
		serverSendKey := clientRecv

		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		reply := crypto.HMAC(serverSendKey, []byte("ok"))
		if conn.WriteMessage(websocket.BinaryMessage, reply) != nil {
			return
		}

		_ = clientSend
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	return httptest.NewTLSServer(handler)
}

func testConfig(serverURL string) session.Config {
	hostPort := serverURL[len("https://"):]
	host, port := splitHostPort(hostPort)
	return session.Config{
		SNIHost:      "relay.example.com",
		RelayAddress: host,
		RelayPort:    port,
		WSPath:       "/",
		PSK:          testPSK,
	}
}

func splitHostPort(hostPort string) (string, int) {
	for i := len(hostPort) - 1; i >= 0; i-- {
		if hostPort[i] == ':' {
			port := 0
			for _, c := range hostPort[i+1:] {
				port = port*10 + int(c-'0')
			}
			return hostPort[:i], port
		}
	}
	return hostPort, 0
}

func TestInitPrimesUpToCapacity(t *testing.T) {
	relay := startFakeRelay(t)
	defer relay.Close()

	p := New(testConfig(relay.URL), logging.NewDefaultLogger(), 3)
	require.NoError(t, p.Init(context.Background()))
	require.Equal(t, 3, p.IdleCount())
	require.Equal(t, 0, p.InUseCount())

	p.Cleanup()
}

func TestAcquireReleaseRoundTrip(t *testing.T) {
	relay := startFakeRelay(t)
	defer relay.Close()

	p := New(testConfig(relay.URL), logging.NewDefaultLogger(), 2)
	require.NoError(t, p.Init(context.Background()))
	require.Equal(t, 2, p.IdleCount())

	s, err := p.Acquire(context.Background())
	require.NoError(t, err)
	require.NotNil(t, s)
	require.Equal(t, 1, p.IdleCount())
	require.Equal(t, 1, p.InUseCount())

	p.Release(s)
	require.Equal(t, 2, p.IdleCount())
	require.Equal(t, 0, p.InUseCount())

	p.Cleanup()
}

func TestAcquireCreatesFreshSessionWhenIdleEmpty(t *testing.T) {
	relay := startFakeRelay(t)
	defer relay.Close()

	p := New(testConfig(relay.URL), logging.NewDefaultLogger(), 1)

	s, err := p.Acquire(context.Background())
	require.NoError(t, err)
	require.True(t, s.IsConnected())
	require.Equal(t, 1, p.InUseCount())

	p.Cleanup()
}

func TestReleaseDropsSessionWhenIdleFull(t *testing.T) {
	relay := startFakeRelay(t)
	defer relay.Close()

	p := New(testConfig(relay.URL), logging.NewDefaultLogger(), 1)
	require.NoError(t, p.Init(context.Background()))
	require.Equal(t, 1, p.IdleCount())

	held, err := p.Acquire(context.Background())
	require.NoError(t, err)
	extra, err := p.Acquire(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, p.IdleCount())

	p.Release(held)
	p.Release(extra)
	require.Equal(t, 1, p.IdleCount())
	require.False(t, extra.IsConnected())

	p.Cleanup()
}

func TestCleanupClosesEverySession(t *testing.T) {
	relay := startFakeRelay(t)
	defer relay.Close()

	p := New(testConfig(relay.URL), logging.NewDefaultLogger(), 2)
	require.NoError(t, p.Init(context.Background()))

	inUse, err := p.Acquire(context.Background())
	require.NoError(t, err)

	p.Cleanup()

	require.Equal(t, 0, p.IdleCount())
	require.Equal(t, 0, p.InUseCount())
	require.False(t, inUse.IsConnected())
}
