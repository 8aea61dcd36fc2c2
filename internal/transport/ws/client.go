package ws

import (
	"errors"
	"sync"
	"time"

	"github.com/eapache/queue"
	"github.com/gorilla/websocket"

	"github.com/cory-johannsen/gamecore/internal/transport"
)

var (
	errEvicted     = errors.New("connection evicted")
	errClosed      = errors.New("transport closed")
	errBacklogFull = errors.New("outbound backlog full")
)

// client is one upgraded peer. The tick loop owns the struct; the reader and
// writer pumps only touch the socket and the channels.
type client struct {
	id     transport.ConnID
	conn   *websocket.Conn
	remote string

	inbound  chan []byte
	outbound chan []byte
	// staged holds frames the outbound queue could not take yet. Tick loop only.
	staged *queue.Queue

	writeTimeout time.Duration

	done chan struct{}
	once sync.Once
	err  error
}

func newClient(id transport.ConnID, conn *websocket.Conn, cfg Config) *client {
	c := &client{
		id:           id,
		conn:         conn,
		inbound:      make(chan []byte, cfg.InboundQueue),
		outbound:     make(chan []byte, cfg.SendQueue),
		staged:       queue.New(),
		writeTimeout: cfg.WriteTimeout,
		done:         make(chan struct{}),
	}
	if conn != nil {
		c.remote = conn.RemoteAddr().String()
	}
	return c
}

func (c *client) start() {
	go c.readPump()
	go c.writePump()
}

// readPump moves text and binary frames into the inbound queue. Control
// frames are answered by the protocol layer inside ReadMessage.
func (c *client) readPump() {
	for {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			c.fail(err)
			return
		}
		if kind != websocket.TextMessage && kind != websocket.BinaryMessage {
			continue
		}
		select {
		case c.inbound <- data:
		case <-c.done:
			return
		}
	}
}

func (c *client) writePump() {
	for {
		select {
		case payload := <-c.outbound:
			if c.writeTimeout > 0 {
				_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			}
			if err := c.conn.WriteMessage(websocket.BinaryMessage, payload); err != nil {
				c.fail(err)
				return
			}
		case <-c.done:
			return
		}
	}
}

// fail records the first terminal error and closes the socket, which stops
// both pumps.
func (c *client) fail(err error) {
	c.once.Do(func() {
		c.err = err
		close(c.done)
		if c.conn != nil {
			_ = c.conn.Close()
		}
	})
}

// failure returns the terminal error, or nil while the connection is healthy.
func (c *client) failure() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// next returns one queued inbound frame. Frames that arrived before a
// failure are still delivered before the failure is reported.
func (c *client) next() ([]byte, error) {
	select {
	case data := <-c.inbound:
		return data, nil
	default:
	}
	if err := c.failure(); err != nil {
		return nil, err
	}
	return nil, transport.ErrWouldBlock
}

// send queues one frame. ErrWouldBlock means the frame was staged and needs
// a later drain; errBacklogFull means it was refused.
func (c *client) send(payload []byte, maxStaged int) error {
	if err := c.failure(); err != nil {
		return err
	}
	if c.staged.Length() == 0 {
		select {
		case c.outbound <- payload:
			return nil
		default:
		}
	}
	if c.staged.Length() >= maxStaged {
		return errBacklogFull
	}
	c.staged.Add(payload)
	return transport.ErrWouldBlock
}

// drain moves staged frames into the outbound queue until it is full.
//
// Postcondition: more is true if staged frames remain.
func (c *client) drain() (more bool, err error) {
	for c.staged.Length() > 0 {
		if err := c.failure(); err != nil {
			return false, err
		}
		select {
		case c.outbound <- c.staged.Peek().([]byte):
			c.staged.Remove()
		default:
			return true, nil
		}
	}
	return false, nil
}
