// Package transport defines the non-blocking I/O contract shared by every
// client transport, and the process-wide connection identifiers they issue.
package transport

import (
	"errors"
	"sync/atomic"
)

// ErrWouldBlock reports that an operation could not make progress without
// blocking. It is a transient condition, never a connection failure.
var ErrWouldBlock = errors.New("operation would block")

// ConnID identifies one client connection for the lifetime of the process.
// Identifiers are unique across all transports and are never reused.
type ConnID uint32

// idGen is the single counter behind NextConnID. It starts at zero when the
// process starts and only ever increases.
var idGen atomic.Uint32

// NextConnID allocates a fresh connection identifier.
//
// Postcondition: Returns an identifier never returned before in this process.
func NextConnID() ConnID {
	return ConnID(idGen.Add(1) - 1)
}

// Message is an immutable (connection, payload) pair. Transports produce
// Messages on Read; applications return Messages addressed to connections.
type Message struct {
	id   ConnID
	data []byte
}

// NewMessage pairs a payload with the connection it came from or goes to.
// The Message takes ownership of data.
func NewMessage(id ConnID, data []byte) Message {
	return Message{id: id, data: data}
}

// ID returns the connection identifier.
func (m Message) ID() ConnID { return m.id }

// Data returns the opaque payload. Callers must not modify it.
func (m Message) Data() []byte { return m.data }

// Transport is a non-blocking client transport driven from a single tick loop.
// No method may block the caller; all of them are called from one goroutine.
type Transport interface {
	// Read appends every inbound message available right now to dst and
	// returns the extended slice.
	Read(dst []Message) []Message

	// Write sends payload to id without blocking.
	//
	// Postcondition: Returns false if id is unknown or the connection failed;
	// a failed connection is evicted at the next Flush.
	Write(id ConnID, payload []byte) bool

	// Flush drains staged output with a bounded number of non-blocking
	// attempts and evicts connections marked bad during the tick.
	Flush()

	// Connected reports whether id is a live connection of this transport.
	Connected(id ConnID) bool

	// Len returns the number of live connections.
	Len() int

	// Close releases the listening socket and every connection.
	Close() error
}
