// Package udp implements the datagram transport. One datagram carries one
// message; connections are keyed by remote address, created on the first
// datagram from that address, and end only when a write to them fails.
//
// Socket I/O goes through the socket's RawConn with MSG_DONTWAIT, so an empty
// receive queue or a full send buffer surfaces as EAGAIN instead of parking
// the tick loop. The package is therefore unix-only.
package udp

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/cory-johannsen/gamecore/internal/transport"
)

// Config holds datagram transport settings.
type Config struct {
	// MaxDatagramSize is the receive buffer size; longer datagrams are truncated.
	MaxDatagramSize int
	// SendRetries bounds the immediate retries of a send that would block.
	SendRetries int
}

// DefaultConfig returns the settings used when none are configured.
func DefaultConfig() Config {
	return Config{
		MaxDatagramSize: 4096,
		SendRetries:     64,
	}
}

// Transport is the UDP implementation of transport.Transport.
// It must be driven from a single goroutine.
type Transport struct {
	cfg    Config
	logger *zap.Logger

	conn  *net.UDPConn
	raw   syscall.RawConn
	inet4 bool
	buf   []byte

	clients map[transport.ConnID]netip.AddrPort
	addrs   map[netip.AddrPort]transport.ConnID
	bad     transport.BadSet
}

var _ transport.Transport = (*Transport)(nil)

// Listen binds a UDP socket on addr.
//
// Precondition: addr is a "host:port" string; logger must be non-nil.
// Postcondition: Returns a bound Transport or a non-nil error.
func Listen(addr string, cfg Config, logger *zap.Logger) (*Transport, error) {
	start := time.Now()

	if cfg.MaxDatagramSize <= 0 {
		cfg.MaxDatagramSize = DefaultConfig().MaxDatagramSize
	}
	if cfg.SendRetries <= 0 {
		cfg.SendRetries = DefaultConfig().SendRetries
	}

	laddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolving udp address %s: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("listening on udp %s: %w", addr, err)
	}
	raw, err := conn.SyscallConn()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("accessing udp socket: %w", err)
	}

	// The kernel picks the socket family (dual-stack for wildcard binds);
	// destination addresses must be encoded in that family.
	var local unix.Sockaddr
	var nameErr error
	if err := raw.Control(func(fd uintptr) {
		local, nameErr = unix.Getsockname(int(fd))
	}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("inspecting udp socket: %w", err)
	}
	if nameErr != nil {
		conn.Close()
		return nil, fmt.Errorf("inspecting udp socket: %w", nameErr)
	}
	_, inet4 := local.(*unix.SockaddrInet4)

	t := &Transport{
		cfg:     cfg,
		logger:  logger,
		conn:    conn,
		raw:     raw,
		inet4:   inet4,
		buf:     make([]byte, cfg.MaxDatagramSize),
		clients: make(map[transport.ConnID]netip.AddrPort),
		addrs:   make(map[netip.AddrPort]transport.ConnID),
		bad:     transport.NewBadSet(),
	}

	logger.Info("udp transport listening",
		zap.String("addr", conn.LocalAddr().String()),
		zap.Duration("startup", time.Since(start)),
	)
	return t, nil
}

// Addr returns the bound local address.
func (t *Transport) Addr() string {
	return t.conn.LocalAddr().String()
}

// Read drains every datagram queued on the socket.
//
// Postcondition: Connections marked bad before the call are evicted.
func (t *Transport) Read(dst []transport.Message) []transport.Message {
	for {
		n, from, err := t.recv()
		if errors.Is(err, transport.ErrWouldBlock) {
			break
		}
		if err != nil {
			t.logger.Error("udp read failed", zap.Error(err))
			break
		}
		if n == 0 {
			t.logger.Panic("udp read returned zero bytes",
				zap.Stringer("remote_addr", from),
			)
		}

		dst = append(dst, transport.NewMessage(t.connID(from), bytes.Clone(t.buf[:n])))
	}

	t.sweep()
	return dst
}

// Write sends payload to id as a single datagram.
func (t *Transport) Write(id transport.ConnID, payload []byte) bool {
	addr, ok := t.clients[id]
	if !ok || t.bad.Has(id) {
		return false
	}

	to := t.sockaddr(addr)
	for attempt := 0; attempt < t.cfg.SendRetries; attempt++ {
		err := t.send(payload, to)
		if err == nil {
			return true
		}
		if errors.Is(err, transport.ErrWouldBlock) {
			continue
		}

		t.logger.Warn("udp write failed",
			zap.Uint32("conn_id", uint32(id)),
			zap.Stringer("remote_addr", addr),
			zap.Error(err),
		)
		t.bad.Mark(id)
		return false
	}

	t.logger.Warn("udp write would block, datagram dropped",
		zap.Uint32("conn_id", uint32(id)),
		zap.Int("attempts", t.cfg.SendRetries),
	)
	return false
}

// Flush evicts connections whose writes failed. Datagrams are never staged,
// so there is nothing else to drain.
func (t *Transport) Flush() {
	t.sweep()
}

// Connected reports whether id maps to a known remote address.
func (t *Transport) Connected(id transport.ConnID) bool {
	_, ok := t.clients[id]
	return ok
}

// Len returns the number of known remote addresses.
func (t *Transport) Len() int {
	return len(t.clients)
}

// Close closes the socket.
func (t *Transport) Close() error {
	return t.conn.Close()
}

// connID returns the identifier for addr, allocating one on first sight.
func (t *Transport) connID(addr netip.AddrPort) transport.ConnID {
	if id, ok := t.addrs[addr]; ok {
		return id
	}
	id := transport.NextConnID()
	t.addrs[addr] = id
	t.clients[id] = addr
	t.logger.Debug("udp connection registered",
		zap.Uint32("conn_id", uint32(id)),
		zap.Stringer("remote_addr", addr),
	)
	return id
}

// sweep removes every bad connection from both mappings.
func (t *Transport) sweep() {
	t.bad.Sweep(t.evict)
}

func (t *Transport) evict(id transport.ConnID) {
	addr, ok := t.clients[id]
	if !ok {
		return
	}
	delete(t.clients, id)
	if t.addrs[addr] == id {
		delete(t.addrs, addr)
	}
	t.logger.Debug("udp connection evicted",
		zap.Uint32("conn_id", uint32(id)),
		zap.Stringer("remote_addr", addr),
	)
}

func (t *Transport) recv() (int, netip.AddrPort, error) {
	var (
		n    int
		from unix.Sockaddr
		rerr error
	)
	if err := t.raw.Read(func(fd uintptr) bool {
		for {
			n, from, rerr = unix.Recvfrom(int(fd), t.buf, unix.MSG_DONTWAIT)
			if rerr != unix.EINTR {
				return true
			}
		}
	}); err != nil {
		return 0, netip.AddrPort{}, err
	}
	if rerr != nil {
		if rerr == unix.EAGAIN || rerr == unix.EWOULDBLOCK {
			return 0, netip.AddrPort{}, transport.ErrWouldBlock
		}
		return 0, netip.AddrPort{}, rerr
	}

	addr, ok := addrPortOf(from)
	if !ok {
		return 0, netip.AddrPort{}, fmt.Errorf("unsupported source address %T", from)
	}
	return n, addr, nil
}

func (t *Transport) send(p []byte, to unix.Sockaddr) error {
	var serr error
	if err := t.raw.Write(func(fd uintptr) bool {
		for {
			serr = unix.Sendto(int(fd), p, unix.MSG_DONTWAIT, to)
			if serr != unix.EINTR {
				return true
			}
		}
	}); err != nil {
		return err
	}
	if serr == unix.EAGAIN || serr == unix.EWOULDBLOCK {
		return transport.ErrWouldBlock
	}
	return serr
}

// sockaddr encodes addr in the socket's family.
func (t *Transport) sockaddr(addr netip.AddrPort) unix.Sockaddr {
	port := int(addr.Port())
	if t.inet4 {
		return &unix.SockaddrInet4{Port: port, Addr: addr.Addr().Unmap().As4()}
	}
	return &unix.SockaddrInet6{Port: port, Addr: addr.Addr().As16()}
}

// addrPortOf converts a kernel source address into a canonical map key.
// IPv4-mapped IPv6 addresses are unmapped so a client has one key regardless
// of the socket family.
func addrPortOf(sa unix.Sockaddr) (netip.AddrPort, bool) {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(sa.Addr), uint16(sa.Port)), true
	case *unix.SockaddrInet6:
		return netip.AddrPortFrom(netip.AddrFrom16(sa.Addr).Unmap(), uint16(sa.Port)), true
	default:
		return netip.AddrPort{}, false
	}
}
