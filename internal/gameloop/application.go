package gameloop

import "github.com/cory-johannsen/gamecore/internal/transport"

// Application consumes the messages collected during one tick and returns the
// messages to send before the tick's flush. The in slice is reused by the
// driver after Tick returns; implementations must copy anything they keep.
type Application interface {
	Tick(in []transport.Message) []transport.Message
}

// ApplicationFunc adapts a function to the Application interface.
type ApplicationFunc func(in []transport.Message) []transport.Message

// Tick calls f.
func (f ApplicationFunc) Tick(in []transport.Message) []transport.Message { return f(in) }

// Echo sends every message back to the connection it came from.
type Echo struct{}

// Tick returns in unchanged.
func (Echo) Tick(in []transport.Message) []transport.Message { return in }
