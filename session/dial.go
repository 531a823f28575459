package session

import (
	"crypto/tls"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"github.com/proxycore-io/secureproxy/internal/xerrors"
)

// relayURL returns the wss://<relay_address>:<relay_port><path> dial
// target for cfg.
func relayURL(cfg Config) string {
	u := url.URL{
		Scheme: "wss",
		Host:   fmt.Sprintf("%s:%d", cfg.RelayAddress, cfg.RelayPort),
		Path:   cfg.WSPath,
	}
	return u.String()
}

// dial performs the TCP+TLS connect and WebSocket upgrade. Certificate
// validation follows cfg.StrictTLS (see DESIGN.md, "certificate
// validation policy").
func dial(cfg Config) (*websocket.Conn, error) {
	tlsConfig := &tls.Config{
		ServerName: cfg.SNIHost,
	}
	if !cfg.StrictTLS {
		tlsConfig.InsecureSkipVerify = true
	}

	dialer := &websocket.Dialer{
		TLSClientConfig:  tlsConfig,
		HandshakeTimeout: handshakeDeadline,
	}

	header := http.Header{}
	header.Set("Host", cfg.SNIHost)
	header.Set("User-Agent", userAgent)
	header.Set("X-Protocol-Version", protocolVersionHeader)

	conn, resp, err := dialer.Dial(relayURL(cfg), header)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		return nil, xerrors.NewTransportError(
			"websocket dial", fmt.Errorf("status=%d: %w", status, err))
	}

	return conn, nil
}

// backoffFor returns the delay before dial attempt n (1-indexed): 1s
// before attempt 2, 2s before attempt 3, per spec.md's "backoff 1 s, 2 s
// between attempts".
func backoffFor(attempt int) time.Duration {
	switch attempt {
	case 2:
		return connectBackoffMin
	default:
		return connectBackoffMax
	}
}
