// Package rdp implements the Reliable Datagram Protocol engine (spec.md
// §4.9): a per-peer, connection-oriented, ordered byte-stream transport
// built on top of identifier-addressed datagrams, with sliding-window
// retransmission, extended acknowledgements, and the connection state
// machine of RFC 908/1151.
//
// Grounded on original_source/src/rdp.{hpp,cpp} (the reference libcage
// implementation this engine follows state-for-state) and on
// p2p/discover/udp.go's nonce-keyed pending/reply idiom, generalized to a
// long-lived per-connection state machine instead of one-shot RPCs. Packet
// buffers are pooled github.com/cagemesh/overlay/pktbuf values, matching
// the reference's packetbuf pool and the Ownership rules of spec.md §3.
package rdp

import (
	"crypto/rand"
	"encoding/binary"
	"errors"

	"github.com/MOACChain/MoacLib/log"

	"github.com/cagemesh/overlay/addr"
	"github.com/cagemesh/overlay/config"
	"github.com/cagemesh/overlay/eventloop"
	"github.com/cagemesh/overlay/id"
	"github.com/cagemesh/overlay/pktbuf"
	"github.com/cagemesh/overlay/wire"
)

// State is one node of the RDP connection state machine (spec.md §4.9).
type State int

const (
	StateClosed State = iota
	StateListen
	StateSynSent
	StateSynRcvd
	StateOpen
	StateCloseWaitPasv
	StateCloseWaitActive
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateListen:
		return "LISTEN"
	case StateSynSent:
		return "SYN_SENT"
	case StateSynRcvd:
		return "SYN_RCVD"
	case StateOpen:
		return "OPEN"
	case StateCloseWaitPasv:
		return "CLOSE_WAIT_PASV"
	case StateCloseWaitActive:
		return "CLOSE_WAIT_ACTIVE"
	default:
		return "?"
	}
}

// Event is one of the seven user-visible notifications spec.md §4.9
// guarantees exactly one of per significant transition.
type Event int

const (
	EventAccepted Event = iota
	EventConnected
	EventRefused
	EventReset
	EventFailed
	EventBroken
	EventReady2Read
)

func (e Event) String() string {
	switch e {
	case EventAccepted:
		return "ACCEPTED"
	case EventConnected:
		return "CONNECTED"
	case EventRefused:
		return "REFUSED"
	case EventReset:
		return "RESET"
	case EventFailed:
		return "FAILED"
	case EventBroken:
		return "BROKEN"
	case EventReady2Read:
		return "READY2READ"
	default:
		return "?"
	}
}

// Addr identifies an RDP connection's 4-tuple: the remote node's identifier
// and the two ports (spec.md §3's "endpoints are identifiers, not IP
// addresses").
type Addr struct {
	RemoteID   id.ID
	RemotePort uint16
	LocalPort  uint16
}

type connKey Addr

// Callback receives every significant event for one connection.
type Callback func(desc int, remote Addr, ev Event)

// Sender is the transport hook the RDP engine needs to reach a peer once
// its endpoint is known.
type Sender interface {
	SendToID(ep addr.Endpoint, dst id.ID, t wire.Type, body []byte)
}

// Resolver looks an identifier up to a currently reachable endpoint,
// matching the "resolve then transmit" semantics dgram uses (spec.md §4.8)
// — RDP shares the same resolution path since its addressing is also
// identifier-based, not IP-based.
type Resolver interface {
	Resolve(target id.ID, cb func(ep addr.Endpoint, ok bool))
}

var (
	ErrPortReserved  = errors.New("rdp: port is reserved for listen sockets")
	ErrPortInUse     = errors.New("rdp: local port already listening")
	ErrNoSuchConn    = errors.New("rdp: no such connection")
	ErrNotOpen       = errors.New("rdp: connection is not OPEN")
)

// Engine is the RDP transport; one instance per node, reached from the
// dispatcher for wire.TypeRDP messages.
type Engine struct {
	self    id.ID
	loop    *eventloop.Loop
	cfg     *config.Config
	send    Sender
	resolve Resolver

	listens map[uint16]Callback
	conns   map[connKey]*conn
	descs   map[int]*conn
}

// New constructs an RDP engine.
func New(self id.ID, loop *eventloop.Loop, cfg *config.Config, send Sender, resolve Resolver) *Engine {
	return &Engine{
		self:    self,
		loop:    loop,
		cfg:     cfg,
		send:    send,
		resolve: resolve,
		listens: make(map[uint16]Callback),
		conns:   make(map[connKey]*conn),
		descs:   make(map[int]*conn),
	}
}

func randUint32() uint32 {
	var b [4]byte
	_, _ = rand.Read(b[:])
	return binary.BigEndian.Uint32(b[:])
}

func randPort() uint16 {
	for {
		p := uint16(randUint32())
		if p > 1024 {
			return p
		}
	}
}

func (e *Engine) newDescriptor(c *conn) int {
	for {
		d := int(randUint32() & 0x7fffffff)
		if d == 0 {
			continue
		}
		if _, exists := e.descs[d]; exists {
			continue
		}
		e.descs[d] = c
		return d
	}
}

// Listen registers port as a passive-open listen socket: inbound SYNs on it
// allocate a new connection and deliver EventAccepted through cb.
func (e *Engine) Listen(port uint16, cb Callback) error {
	if _, exists := e.listens[port]; exists {
		return ErrPortInUse
	}
	e.listens[port] = cb
	return nil
}

// Connect actively opens a connection to (did, dport). sport of 0 picks a
// random local port above the reserved range, matching spec.md §4.9's
// "Reserved port selection for the active-open side: random above 1024,
// retried on collision".
func (e *Engine) Connect(sport uint16, did id.ID, dport uint16, cb Callback) (int, error) {
	key := connKey{RemoteID: did, RemotePort: dport}
	for {
		if sport == 0 {
			sport = randPort()
		}
		key.LocalPort = sport
		if _, exists := e.conns[key]; !exists {
			break
		}
		sport = 0
	}
	c := newConn(e, key, true)
	c.cb = cb
	c.state = StateSynSent
	c.sndIss = randUint32()
	c.sndUna = c.sndIss
	c.sndNxt = c.sndIss + 1
	desc := e.newDescriptor(c)
	c.desc = desc
	e.conns[key] = c

	e.resolve.Resolve(did, func(ep addr.Endpoint, ok bool) {
		if !ok {
			e.teardown(c)
			e.deliver(c, EventRefused)
			return
		}
		c.remoteEP = ep
		c.sendSYN()
	})
	return desc, nil
}

// Send slices buf into MAX_DATA segments and enqueues as many as the send
// window currently has room for, stamping and transmitting each
// immediately (spec.md §4.9 "Send path"). It returns the number of bytes
// actually accepted; a short count means the window is full and the caller
// should retry once READY2READ-adjacent drain frees room (the reference
// implementation has no explicit "send window drained" event, so callers
// poll via retry, matching rdp.cpp's send()).
func (e *Engine) Send(desc int, buf []byte) (int, error) {
	c, ok := e.descs[desc]
	if !ok {
		return 0, ErrNoSuchConn
	}
	if c.state != StateOpen {
		return 0, ErrNotOpen
	}
	maxData := e.cfg.RDPMaxData
	sent := 0
	for sent < len(buf) {
		if c.sndNxt-c.sndUna >= c.sndMax {
			break
		}
		n := len(buf) - sent
		if n > maxData {
			n = maxData
		}
		c.enqueueData(buf[sent : sent+n])
		sent += n
	}
	return sent, nil
}

// Receive pops buffered in-order bytes into out, returning how many bytes
// were copied; a full read queue entry that doesn't fit is left for the
// next call (spec.md §4.9's receive()).
func (e *Engine) Receive(desc int, out []byte) (int, error) {
	c, ok := e.descs[desc]
	if !ok {
		return 0, ErrNoSuchConn
	}
	return c.drainRead(out), nil
}

// Close initiates (or completes) a user-driven close of desc.
func (e *Engine) Close(desc int) {
	c, ok := e.descs[desc]
	if !ok {
		return
	}
	c.userClose()
}

// HandleRDP dispatches one inbound RDP segment to its connection, or to the
// listen/connect machinery that creates one.
func (e *Engine) HandleRDP(from addr.Endpoint, hdr wire.Header, body []byte) {
	rh, eaks, data, ok := wire.DecodeRDP(body)
	if !ok {
		log.Debug("rdp: malformed segment", "from", from.String())
		return
	}
	key := connKey{RemoteID: hdr.Src, RemotePort: rh.SPort, LocalPort: rh.DPort}
	c, exists := e.conns[key]
	if !exists {
		e.handleNewConn(from, hdr.Src, key, rh, data)
		return
	}
	c.remoteEP = from
	c.onSegment(rh, eaks, data)
}

func (e *Engine) handleNewConn(from addr.Endpoint, remote id.ID, key connKey, rh wire.RDPHeader, data []byte) {
	if rh.IsSYN() {
		cb, listening := e.listens[key.LocalPort]
		if !listening {
			return
		}
		c := newConn(e, key, false)
		c.cb = cb
		c.remoteEP = from
		c.state = StateSynRcvd
		c.rcvIrs = rh.SeqNum
		c.rcvCur = rh.SeqNum
		c.sndIss = randUint32()
		c.sndUna = c.sndIss
		c.sndNxt = c.sndIss + 1
		c.sbufMax = rh.SegSizeMax
		desc := e.newDescriptor(c)
		c.desc = desc
		e.conns[key] = c
		c.sendSYNACK()
		return
	}
	if rh.IsACK() || rh.IsNUL() {
		// LISTEN receiving a bare ACK/NUL: no such connection, tell the
		// sender to go away (spec.md §4.9's LISTEN row).
		e.send.SendToID(from, remote, wire.TypeRDP, wire.EncodeRDP(wire.RDPHeader{
			Flags:  wire.RDPFlagRST,
			SPort:  rh.DPort,
			DPort:  rh.SPort,
			SeqNum: rh.AckNum + 1,
		}, nil, nil))
	}
}

func (e *Engine) teardown(c *conn) {
	c.cancelAll()
	delete(e.conns, c.key)
	delete(e.descs, c.desc)
}

func (e *Engine) deliver(c *conn, ev Event) {
	if c.cb != nil {
		c.cb(c.desc, Addr(c.key), ev)
	}
}
