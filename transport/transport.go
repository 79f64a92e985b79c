// Package transport owns the single UDP socket every engine multiplexes
// over (spec.md §5): one read loop demultiplexing by message Type into
// per-engine handlers, and a Send path any engine can call to frame and
// write a message. Messages whose destination ID doesn't match the local
// node are handed to the proxy engine for forwarding (spec.md §4.7).
//
// Grounded on p2p/discover/udp.go's conn interface, readLoop/handlePacket
// split, and netutil.IsTemporaryError/Netlist usage, generalized from a
// single-protocol dispatcher to a Type-keyed handler table (the source
// protocol dispatches on a signature-verified packet type byte; ours has no
// signature — spec.md §1 non-goal — and dispatches on wire.Header.Type
// instead).
package transport

import (
	"net"

	"github.com/MOACChain/MoacLib/log"

	"github.com/cagemesh/overlay/addr"
	"github.com/cagemesh/overlay/eventloop"
	"github.com/cagemesh/overlay/id"
	"github.com/cagemesh/overlay/nat"
	"github.com/cagemesh/overlay/netutil"
	"github.com/cagemesh/overlay/wire"
)

// Conn is the subset of *net.UDPConn the transport needs, mirroring the
// teacher's own conn interface so tests can substitute a fake socket.
type Conn interface {
	ReadFromUDP(b []byte) (n int, addr *net.UDPAddr, err error)
	WriteToUDP(b []byte, addr *net.UDPAddr) (n int, err error)
	Close() error
	LocalAddr() net.Addr
}

// Handler processes one decoded message of a particular type.
type Handler func(from addr.Endpoint, h wire.Header, body []byte)

// Forwarder is implemented by the proxy engine: it decides what to do with a
// message whose Dst doesn't match the local node (spec.md §4.7).
type Forwarder interface {
	Forward(from addr.Endpoint, h wire.Header, body []byte)
}

// Transport owns the socket, the event loop it's driven from, and the
// Type -> Handler dispatch table.
type Transport struct {
	conn        Conn
	loop        *eventloop.Loop
	self        id.ID
	netrestrict *netutil.Netlist
	natm        nat.Interface

	handlers  map[wire.Type]Handler
	forwarder Forwarder

	closing chan struct{}
}

// Option configures a Transport at construction time.
type Option func(*Transport)

// WithNetlist restricts accepted traffic to the given network list.
func WithNetlist(nl *netutil.Netlist) Option {
	return func(t *Transport) { t.netrestrict = nl }
}

// WithNAT attaches a port-mapping Interface, mapped for the lifetime of the
// transport.
func WithNAT(natm nat.Interface) Option {
	return func(t *Transport) { t.natm = natm }
}

// WithForwarder installs the proxy engine as the fallback for
// foreign-destination messages.
func WithForwarder(f Forwarder) Option {
	return func(t *Transport) { t.forwarder = f }
}

// New wraps an already-bound UDP connection.
func New(conn Conn, loop *eventloop.Loop, self id.ID, opts ...Option) *Transport {
	t := &Transport{
		conn:     conn,
		loop:     loop,
		self:     self,
		handlers: make(map[wire.Type]Handler),
		closing:  make(chan struct{}),
	}
	for _, o := range opts {
		o(t)
	}
	if t.natm != nil {
		if udpAddr, ok := conn.LocalAddr().(*net.UDPAddr); ok {
			go nat.Map(t.natm, t.closing, "udp", udpAddr.Port, udpAddr.Port, "overlay")
		}
	}
	go t.readLoop()
	return t
}

// Handle registers the callback invoked for messages of type t, addressed
// to the local node. Handlers run on the event loop.
func (t *Transport) Handle(typ wire.Type, h Handler) {
	t.handlers[typ] = h
}

// SetForwarder installs (or replaces) the proxy engine late, for callers
// whose Forwarder implementation itself depends on a Transport to send
// through (the proxy engine's Sender is this same Transport) and so can't be
// supplied via WithForwarder at construction time.
func (t *Transport) SetForwarder(f Forwarder) {
	t.forwarder = f
}

// Close shuts the socket down; the read loop exits on its own.
func (t *Transport) Close() {
	close(t.closing)
	t.conn.Close()
}

// SendTo frames and writes one message. Errors are logged, not returned:
// callers treat the overlay as best-effort at this layer (reliability, when
// wanted, is RDP's job).
func (t *Transport) SendTo(ep addr.Endpoint, typ wire.Type, body []byte) {
	t.SendToID(ep, id.Zero, typ, body)
}

// SendToID is SendTo but with an explicit destination ID in the header,
// used when the recipient may not be directly reachable and the message
// needs to carry its true destination through a proxy hop.
func (t *Transport) SendToID(ep addr.Endpoint, dst id.ID, typ wire.Type, body []byte) {
	h := wire.NewHeader(typ, t.self, dst, len(body))
	pkt := wire.Encode(h, body)
	if _, err := t.conn.WriteToUDP(pkt, ep.UDPAddr()); err != nil {
		log.Debug("transport: write failed", "addr", ep.String(), "err", err)
	}
}

// Relay re-sends an already-decoded message verbatim (same Src/Dst/Type) to
// ep, used by the proxy engine to forward traffic to a registered client
// without masquerading as the original sender.
func (t *Transport) Relay(ep addr.Endpoint, h wire.Header, body []byte) {
	pkt := wire.Encode(h, body)
	if _, err := t.conn.WriteToUDP(pkt, ep.UDPAddr()); err != nil {
		log.Debug("transport: relay failed", "addr", ep.String(), "err", err)
	}
}

// readLoop runs in its own goroutine; it only ever posts decoded work onto
// the event loop, never touches engine state directly.
func (t *Transport) readLoop() {
	buf := make([]byte, 2048)
	for {
		n, from, err := t.conn.ReadFromUDP(buf)
		if netutil.IsTemporaryError(err) {
			log.Debug("transport: temporary read error", "err", err)
			continue
		} else if err != nil {
			log.Debug("transport: read loop exiting", "err", err)
			return
		}
		if t.netrestrict != nil && !t.netrestrict.Contains(from.IP) {
			continue
		}
		pkt := make([]byte, n)
		copy(pkt, buf[:n])
		t.loop.Post(func() {
			t.handlePacket(from, pkt)
		})
	}
}

func (t *Transport) handlePacket(from *net.UDPAddr, buf []byte) {
	h, err := wire.DecodeHeader(buf)
	if err != nil {
		log.Debug("transport: bad header", "addr", from, "err", err)
		return
	}
	body := buf[wire.HeaderLen:]
	ep := addr.FromUDPAddr(from)

	if !h.Dst.IsZero() && !h.Dst.Equal(t.self) {
		if t.forwarder != nil {
			t.forwarder.Forward(ep, h, body)
		}
		return
	}

	handler, ok := t.handlers[h.Type]
	if !ok {
		log.Trace("transport: no handler", "type", h.Type.String(), "addr", from)
		return
	}
	handler(ep, h, body)
}
