package session

import "time"

// Wire protocol constants from spec.md §6.
const (
	publicValueSize = 32
	authTagSize     = 32

	handshakeAuthMessage = "auth"
	handshakeOkMessage   = "ok"

	protocolVersionHeader = "1"
	userAgent             = "SecureProxy-Android/1.0"
)

// Timeouts and retry policy from spec.md §4.2 and §5.
const (
	handshakeDeadline  = 60 * time.Second
	handshakeStepTries = 3 // 1 attempt + 2 retries

	connectAttempts   = 3
	connectBackoffMin = 1 * time.Second
	connectBackoffMax = 2 * time.Second

	recvFirstFrameDeadline = 30 * time.Second
	connectDeadline        = 10 * time.Second
)
