package ws

import (
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// handshake is an upgrade in flight. The HTTP handler that owns the request
// publishes the outcome exactly once; the tick loop polls for it.
type handshake struct {
	remote  string
	started time.Time
	result  chan handshakeResult
}

type handshakeResult struct {
	conn *websocket.Conn
	err  error
}

func newHandshake(remote string) *handshake {
	return &handshake{
		remote:  remote,
		started: time.Now(),
		result:  make(chan handshakeResult, 1),
	}
}

// finish publishes the upgrade outcome. It never blocks.
func (h *handshake) finish(conn *websocket.Conn, err error) {
	h.result <- handshakeResult{conn: conn, err: err}
}

// poll returns the outcome if the upgrade has finished.
func (h *handshake) poll() (handshakeResult, bool) {
	select {
	case res := <-h.result:
		return res, true
	default:
		return handshakeResult{}, false
	}
}

// wait blocks up to timeout for the outcome. Only used while closing.
func (h *handshake) wait(timeout time.Duration) (handshakeResult, bool) {
	select {
	case res := <-h.result:
		return res, true
	case <-time.After(timeout):
		return handshakeResult{}, false
	}
}

// resolveHandshakes polls every handshake exactly once and partitions them
// into completed connections and handshakes still in flight. Failed
// handshakes are logged and dropped.
func (t *Transport) resolveHandshakes(handshakes []*handshake) (live []*websocket.Conn, pending []*handshake) {
	for _, hs := range handshakes {
		res, done := hs.poll()
		switch {
		case !done:
			pending = append(pending, hs)
		case res.err != nil:
			t.logger.Warn("websocket handshake failed",
				zap.String("remote_addr", hs.remote),
				zap.Duration("elapsed", time.Since(hs.started)),
				zap.Error(res.err),
			)
		default:
			live = append(live, res.conn)
		}
	}
	return live, pending
}
