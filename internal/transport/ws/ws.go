// Package ws implements the WebSocket stream transport.
//
// HTTP upgrades and socket I/O run on goroutines owned by net/http and by a
// reader and a writer pump per connection. The tick loop never waits on any
// of them: handshakes, inbound frames, and outbound frames cross over through
// buffered channels that the loop polls without blocking. All connection
// state (live map, pending handshakes, staged frames, bad set) belongs to the
// tick loop goroutine.
package ws

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/cory-johannsen/gamecore/internal/transport"
)

// Config holds WebSocket transport settings.
type Config struct {
	// Path is the HTTP path that accepts upgrades.
	Path string
	// SendQueue is the depth of each connection's outbound frame queue.
	SendQueue int
	// InboundQueue is the number of received frames buffered per connection.
	InboundQueue int
	// MaxPending caps frames staged behind a full outbound queue.
	MaxPending int
	// MaxMessageSize is the largest inbound message accepted, in bytes. It is
	// also the only bound on a single frame.
	MaxMessageSize int64
	// FlushAttempts bounds the drain rounds of one Flush.
	FlushAttempts int
	// WriteTimeout bounds one frame write on the socket.
	WriteTimeout time.Duration
	// HandshakeTimeout bounds reading the upgrade request.
	HandshakeTimeout time.Duration
	// AcceptBacklog is the number of upgrades that may wait for the tick loop.
	AcceptBacklog int
}

// DefaultConfig returns conservative limits: a one-frame outbound queue,
// 8 MiB messages. There is no per-frame limit: gorilla/websocket bounds only
// whole messages, so a single inbound frame may be as large as MaxMessageSize.
func DefaultConfig() Config {
	return Config{
		Path:             "/",
		SendQueue:        1,
		InboundQueue:     64,
		MaxPending:       64,
		MaxMessageSize:   8 << 20,
		FlushAttempts:    16,
		WriteTimeout:     5 * time.Second,
		HandshakeTimeout: 5 * time.Second,
		AcceptBacklog:    128,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Path == "" {
		c.Path = d.Path
	}
	if c.SendQueue <= 0 {
		c.SendQueue = d.SendQueue
	}
	if c.InboundQueue <= 0 {
		c.InboundQueue = d.InboundQueue
	}
	if c.MaxPending <= 0 {
		c.MaxPending = d.MaxPending
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = d.MaxMessageSize
	}
	if c.FlushAttempts <= 0 {
		c.FlushAttempts = d.FlushAttempts
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = d.HandshakeTimeout
	}
	if c.AcceptBacklog <= 0 {
		c.AcceptBacklog = d.AcceptBacklog
	}
	return c
}

// Transport is the WebSocket implementation of transport.Transport.
type Transport struct {
	cfg      Config
	logger   *zap.Logger
	upgrader websocket.Upgrader

	listener net.Listener
	srv      *http.Server

	// mu guards closed against upgrade handlers still arriving.
	mu       sync.Mutex
	closed   bool
	incoming chan *handshake

	pending []*handshake
	clients map[transport.ConnID]*client
	bad     transport.BadSet
}

var _ transport.Transport = (*Transport)(nil)

// Listen binds a TCP listener on addr and starts serving upgrades on cfg.Path.
//
// Precondition: logger must be non-nil.
// Postcondition: Returns a listening Transport or a non-nil error.
func Listen(addr string, cfg Config, logger *zap.Logger) (*Transport, error) {
	start := time.Now()
	cfg = cfg.withDefaults()

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listening on tcp %s: %w", addr, err)
	}

	t := &Transport{
		cfg:    cfg,
		logger: logger,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: cfg.HandshakeTimeout,
			ReadBufferSize:   4096,
			WriteBufferSize:  4096,
			CheckOrigin: func(*http.Request) bool {
				return true
			},
		},
		listener: ln,
		incoming: make(chan *handshake, cfg.AcceptBacklog),
		clients:  make(map[transport.ConnID]*client),
		bad:      transport.NewBadSet(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc(cfg.Path, t.serveUpgrade)
	t.srv = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: cfg.HandshakeTimeout,
	}

	go func() {
		if err := t.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("websocket listener stopped", zap.Error(err))
		}
	}()

	logger.Info("websocket transport listening",
		zap.String("addr", ln.Addr().String()),
		zap.String("path", cfg.Path),
		zap.Duration("startup", time.Since(start)),
	)
	return t, nil
}

// Addr returns the bound local address.
func (t *Transport) Addr() string {
	return t.listener.Addr().String()
}

// serveUpgrade runs on a net/http goroutine. It registers the handshake with
// the tick loop before upgrading, then publishes the outcome.
func (t *Transport) serveUpgrade(w http.ResponseWriter, r *http.Request) {
	hs := newHandshake(r.RemoteAddr)

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		http.Error(w, "server closing", http.StatusServiceUnavailable)
		return
	}
	select {
	case t.incoming <- hs:
	default:
		t.mu.Unlock()
		t.logger.Warn("websocket accept backlog full",
			zap.String("remote_addr", r.RemoteAddr),
		)
		http.Error(w, "server busy", http.StatusServiceUnavailable)
		return
	}
	t.mu.Unlock()

	conn, err := t.upgrader.Upgrade(w, r, nil)
	hs.finish(conn, err)
}

// accept resolves pending handshakes, then takes every newly arrived one.
func (t *Transport) accept() {
	live, pending := t.resolveHandshakes(t.pending)

	fresh, waiting := t.resolveHandshakes(t.arrived())
	t.pending = append(pending, waiting...)

	for _, conn := range live {
		t.register(conn)
	}
	for _, conn := range fresh {
		t.register(conn)
	}
}

// arrived drains the handshakes queued by upgrade handlers.
func (t *Transport) arrived() []*handshake {
	var out []*handshake
	for {
		select {
		case hs := <-t.incoming:
			out = append(out, hs)
		default:
			return out
		}
	}
}

func (t *Transport) register(conn *websocket.Conn) {
	conn.SetReadLimit(t.cfg.MaxMessageSize)
	c := newClient(transport.NextConnID(), conn, t.cfg)
	t.clients[c.id] = c
	c.start()

	t.logger.Info("websocket connection established",
		zap.Uint32("conn_id", uint32(c.id)),
		zap.String("remote_addr", c.remote),
	)
}

// Read accepts pending and new connections, then drains the frames each live
// connection has queued.
//
// Postcondition: Connections that failed are evicted.
func (t *Transport) Read(dst []transport.Message) []transport.Message {
	t.accept()

	for id, c := range t.clients {
		for i := 0; i < t.cfg.InboundQueue; i++ {
			data, err := c.next()
			if errors.Is(err, transport.ErrWouldBlock) {
				break
			}
			if err != nil {
				t.logDisconnect(c, err)
				t.bad.Mark(id)
				break
			}
			dst = append(dst, transport.NewMessage(id, data))
		}
	}

	t.sweep()
	return dst
}

// Write queues payload as one frame. Every outbound frame is binary,
// whatever the type of the frames the peer sent. A frame staged behind a full
// outbound queue counts as written; Flush pushes it on.
func (t *Transport) Write(id transport.ConnID, payload []byte) bool {
	c, ok := t.clients[id]
	if !ok || t.bad.Has(id) {
		return false
	}

	err := c.send(bytes.Clone(payload), t.cfg.MaxPending)
	switch {
	case err == nil, errors.Is(err, transport.ErrWouldBlock):
		return true
	case errors.Is(err, errBacklogFull):
		t.logger.Warn("websocket outbound backlog full, frame dropped",
			zap.Uint32("conn_id", uint32(id)),
			zap.Int("staged", c.staged.Length()),
		)
		return false
	default:
		t.logDisconnect(c, err)
		t.bad.Mark(id)
		return false
	}
}

// Flush evicts bad connections, then makes up to FlushAttempts passes moving
// staged frames into outbound queues. Connections leave the retry set once
// drained or failed; anything still staged waits for the next tick.
func (t *Transport) Flush() {
	t.sweep()

	var retry []*client
	for id, c := range t.clients {
		if err := c.failure(); err != nil {
			t.logDisconnect(c, err)
			t.bad.Mark(id)
			continue
		}
		if c.staged.Length() > 0 {
			retry = append(retry, c)
		}
	}

	for attempt := 0; attempt < t.cfg.FlushAttempts && len(retry) > 0; attempt++ {
		if attempt > 0 {
			// Give writer pumps a chance to empty their queues.
			runtime.Gosched()
		}
		retry = t.drainStaged(retry)
	}
	if len(retry) > 0 {
		t.logger.Debug("websocket frames still staged after flush",
			zap.Int("connections", len(retry)),
		)
	}

	t.sweep()
}

// drainStaged runs one drain pass and returns the connections that still
// have staged frames.
func (t *Transport) drainStaged(clients []*client) []*client {
	var still []*client
	for _, c := range clients {
		more, err := c.drain()
		if err != nil {
			t.logDisconnect(c, err)
			t.bad.Mark(c.id)
			continue
		}
		if more {
			still = append(still, c)
		}
	}
	return still
}

// Connected reports whether id is a live connection.
func (t *Transport) Connected(id transport.ConnID) bool {
	_, ok := t.clients[id]
	return ok
}

// Len returns the number of live connections.
func (t *Transport) Len() int {
	return len(t.clients)
}

// Close stops accepting upgrades and closes every connection, including
// handshakes still in flight.
func (t *Transport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()

	err := t.srv.Close()

	for _, hs := range append(t.pending, t.arrived()...) {
		if res, ok := hs.wait(t.cfg.HandshakeTimeout); ok && res.conn != nil {
			_ = res.conn.Close()
		}
	}
	t.pending = nil

	for id, c := range t.clients {
		c.fail(errClosed)
		delete(t.clients, id)
	}

	t.logger.Info("websocket transport stopped")
	return err
}

func (t *Transport) sweep() {
	t.bad.Sweep(t.evict)
}

func (t *Transport) evict(id transport.ConnID) {
	c, ok := t.clients[id]
	if !ok {
		return
	}
	delete(t.clients, id)
	c.fail(errEvicted)
	t.logger.Info("websocket connection evicted",
		zap.Uint32("conn_id", uint32(id)),
		zap.String("remote_addr", c.remote),
	)
}

// logDisconnect logs a connection failure. Orderly closes are routine.
func (t *Transport) logDisconnect(c *client, err error) {
	fields := []zap.Field{
		zap.Uint32("conn_id", uint32(c.id)),
		zap.String("remote_addr", c.remote),
		zap.Error(err),
	}
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) &&
		(closeErr.Code == websocket.CloseNormalClosure || closeErr.Code == websocket.CloseGoingAway) {
		t.logger.Debug("websocket peer closed", fields...)
		return
	}
	t.logger.Warn("websocket connection failed", fields...)
}
