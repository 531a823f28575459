package xerrors

import "fmt"

// ConfigError indicates an invalid ProxyConfig field: bad PSK length or
// encoding, an out-of-range port, or a malformed WebSocket path.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// NewConfigError constructs a ConfigError for the named field.
func NewConfigError(field, message string) error {
	return &ConfigError{Field: field, Message: message}
}

// TransportError indicates a TLS or WebSocket failure. It is recoverable at
// the connect layer via retry; otherwise it is fatal to the session.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// NewTransportError wraps err as a TransportError for operation op.
func NewTransportError(op string, err error) error {
	return &TransportError{Op: op, Err: err}
}

// ProtocolError indicates an unexpected handshake message size or order.
// It is always fatal to the session.
type ProtocolError struct {
	Message string
}

func (e *ProtocolError) Error() string { return "protocol: " + e.Message }

// NewProtocolError constructs a ProtocolError.
func NewProtocolError(message string) error {
	return &ProtocolError{Message: message}
}

// AuthError indicates an HMAC mismatch during the handshake. It is fatal
// and non-retriable.
type AuthError struct {
	Message string
}

func (e *AuthError) Error() string { return "auth: " + e.Message }

// NewAuthError constructs an AuthError.
func NewAuthError(message string) error {
	return &AuthError{Message: message}
}

// ConnectError indicates the relay refused a CONNECT request. Code is the
// single-byte status the relay returned (anything other than 0x00).
type ConnectError struct {
	Code byte
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect: relay refused, code=0x%02x", e.Code)
}

// NewConnectError constructs a ConnectError for the given relay status
// byte.
func NewConnectError(code byte) error {
	return &ConnectError{Code: code}
}

// FlowError indicates a session failure mid-flow. The originating flow is
// reported to the device as RST.
type FlowError struct {
	Err error
}

func (e *FlowError) Error() string { return fmt.Sprintf("flow: %v", e.Err) }

func (e *FlowError) Unwrap() error { return e.Err }

// NewFlowError wraps err as a FlowError.
func NewFlowError(err error) error {
	return &FlowError{Err: err}
}

// DnsTimeout indicates the upstream resolver did not answer within the
// query deadline. The query is dropped; the device is expected to retry.
type DnsTimeout struct {
	QueryID uint16
}

func (e *DnsTimeout) Error() string {
	return fmt.Sprintf("dns: timeout, query_id=%d", e.QueryID)
}

// NewDnsTimeout constructs a DnsTimeout for the given DNS query id.
func NewDnsTimeout(queryID uint16) error {
	return &DnsTimeout{QueryID: queryID}
}
