package engine

import "io"

// TunDevice is the bidirectional byte stream the host provides once it has
// provisioned a TUN interface (out of scope here per spec.md §1: the host
// owns address/route/MTU/DNS setup, and hands the engine a descriptor
// satisfying this interface). Read is expected to be non-blocking: an
// empty read returns (0, nil) rather than blocking, matching a TUN file
// descriptor opened O_NONBLOCK.
type TunDevice interface {
	io.Reader
	io.Writer
	io.Closer
}
