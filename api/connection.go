// File: api/connection.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Connection is the common handle to a registered callback, regardless of
// which dispatcher (signal, ioready, timer, async work) created it.

package api

// Connection represents the link between an event source and a receiver
// callback. Every registration operation in this library returns a value
// satisfying this interface.
//
// Disconnect breaks the link. It is idempotent and infallible. The exact
// guarantee is deliberately weak to allow concurrent dispatching:
//
//   - no invocation of the callback happens in the calling goroutine
//     after Disconnect returns;
//   - other goroutines may still deliver the callback after Disconnect
//     has returned, but only for events that were observed before the
//     disconnect became visible to them, and at most once more per
//     dispatching goroutine.
//
// Disconnect may be called from any goroutine, including from within the
// callback being disconnected; it never deadlocks.
type Connection interface {
	Disconnect()

	// IsConnected reports whether the link is still registered. It is
	// observational only: a true result may be stale by the time the
	// caller acts on it.
	IsConnected() bool
}

// ScopedConnection breaks its connection when closed. It can be used to
// tie a registration to the lifetime of an owning object. Only safe when
// all callback invocations and Close run on the same goroutine.
type ScopedConnection struct {
	Connection
}

// Close disconnects the held connection, if any.
func (s *ScopedConnection) Close() error {
	if s.Connection != nil {
		s.Connection.Disconnect()
		s.Connection = nil
	}
	return nil
}
