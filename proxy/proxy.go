// Package proxy lets a symmetric-NAT node (spec.md §4.4/§4.7) stay
// reachable by registering with a relay server and having that server
// forward traffic addressed to it; the same engine, running on a node that
// happens to be directly reachable, plays the server role for whichever
// peers have registered with it.
//
// Grounded on original_source/src/proxy.{hpp,cpp}: register_node's
// find-a-server-via-dtun-then-register flow with periodic re-registration
// (timer_register), and recv_register/m_registered's session-keyed relay
// table on the server side. Wired into transport.Transport as a
// transport.Forwarder: any message whose header Dst isn't the local node
// is routed here instead of being dropped.
package proxy

import (
	"crypto/rand"
	"encoding/binary"
	"time"

	"github.com/cagemesh/overlay/addr"
	"github.com/cagemesh/overlay/eventloop"
	"github.com/cagemesh/overlay/id"
	"github.com/cagemesh/overlay/wire"
)

// Sender is the transport hook the proxy engine needs.
type Sender interface {
	SendTo(ep addr.Endpoint, t wire.Type, body []byte)
	SendToID(ep addr.Endpoint, dst id.ID, t wire.Type, body []byte)
}

// Locator resolves a relay server candidate via the DTUN rendezvous layer
// (proxy.cpp's register_func, fed by a dtun find_node lookup).
type Locator interface {
	FindServer(done func(server addr.Descriptor, ok bool))
}

type registeredClient struct {
	session  uint32
	endpoint addr.Endpoint
	lastSeen       time.Time // most recent traffic relayed to this client (recv_time)
	lastRegistered time.Time // most recent register/re-register (last_registered)
}

// isLive reports whether client registered recently enough to still be
// relayed to (spec.md §4.7: "when the proxy no longer holds a live
// registration it drops the message"). A client is live until graceFactor
// re-registration intervals have elapsed since its last register, giving it
// room for one or two missed refreshes before it's dropped.
func (c *registeredClient) isLive(now time.Time, registerInterval time.Duration) bool {
	return now.Sub(c.lastRegistered) <= registerInterval*registerLivenessGraceFactor
}

const registerLivenessGraceFactor = 3

// Proxy is the relay engine; every node runs one, whether or not it ever
// needs to register as a client.
type Proxy struct {
	self id.ID
	loop *eventloop.Loop
	send Sender
	loc  Locator

	registerTimeout time.Duration
	registerInterval time.Duration

	// client-role state: are we registered with a server, and which one.
	server          addr.Descriptor
	registerSession uint32
	isRegistering   bool
	pendingNonce    uint32
	cancelRetry     eventloop.CancelFunc
	cancelRefresh   eventloop.CancelFunc

	// server-role state: clients that have registered with us.
	registered map[id.ID]*registeredClient
}

// New constructs a Proxy engine.
func New(self id.ID, loop *eventloop.Loop, send Sender, loc Locator, registerTimeout, registerInterval time.Duration) *Proxy {
	return &Proxy{
		self:             self,
		loop:             loop,
		send:             send,
		loc:              loc,
		registerTimeout:  registerTimeout,
		registerInterval: registerInterval,
		registered:       make(map[id.ID]*registeredClient),
	}
}

func randU32() uint32 {
	var b [4]byte
	_, _ = rand.Read(b[:])
	return binary.BigEndian.Uint32(b[:])
}

// RegisterNode starts (or restarts) client-role registration: locate a
// server via the DTUN layer, then register and keep re-registering on
// registerInterval.
func (p *Proxy) RegisterNode() {
	if p.isRegistering {
		return
	}
	p.isRegistering = true
	p.registerSession = randU32()
	p.loc.FindServer(func(server addr.Descriptor, ok bool) {
		if !ok {
			p.isRegistering = false
			p.loop.Schedule(p.registerInterval, p.RegisterNode)
			return
		}
		p.server = server
		p.sendRegister()
	})
}

func (p *Proxy) sendRegister() {
	p.pendingNonce = randU32()
	p.send.SendTo(p.server.Endpoint, wire.TypeProxyRegister, wire.EncodeRegister(p.registerSession))
	p.cancelRetry = p.loop.Schedule(p.registerTimeout, func() {
		p.sendRegister()
	})
}

// HandleRegisterReply acknowledges our own registration and arms the
// periodic refresh.
func (p *Proxy) HandleRegisterReply() {
	if p.cancelRetry != nil {
		p.cancelRetry()
		p.cancelRetry = nil
	}
	p.cancelRefresh = p.loop.Schedule(p.registerInterval, func() {
		p.sendRegister()
	})
}

// HandleRegisterOrReply disambiguates an inbound wire.TypeProxyRegister
// message: the server acknowledges a client's registration by echoing the
// same message type back (sendRegister/HandleRegister both use
// TypeProxyRegister), so a node running both roles must tell "this is the
// ack for my own pending registration" apart from "this is someone
// registering with me".
func (p *Proxy) HandleRegisterOrReply(from addr.Endpoint, client id.ID, body []byte) {
	if p.isRegistering && p.cancelRetry != nil && sameEndpoint(from, p.server.Endpoint) {
		if session, ok := wire.DecodeRegister(body); ok && session == p.registerSession {
			p.HandleRegisterReply()
			return
		}
	}
	p.HandleRegister(from, client, body)
}

func sameEndpoint(a, b addr.Endpoint) bool {
	return a.Family == b.Family && a.Port == b.Port && a.IP.Equal(b.IP)
}

// HandleRegister serves an incoming registration from a client choosing us
// as its relay.
func (p *Proxy) HandleRegister(from addr.Endpoint, client id.ID, body []byte) {
	session, ok := wire.DecodeRegister(body)
	if !ok {
		return
	}
	now := time.Now()
	p.registered[client] = &registeredClient{session: session, endpoint: from, lastSeen: now, lastRegistered: now}
	p.send.SendTo(from, wire.TypeProxyRegister, wire.EncodeRegister(session))
}

// Forward implements transport.Forwarder: relay a message whose Dst is a
// registered client to that client's real endpoint, preserving the
// original Src/Dst so the client still sees the true sender. A client that
// stopped re-registering is no longer a live registration, so the message
// is dropped instead of relayed (spec.md §4.7).
func (p *Proxy) Forward(from addr.Endpoint, h wire.Header, body []byte) {
	client, ok := p.registered[h.Dst]
	if !ok {
		return
	}
	now := time.Now()
	if !client.isLive(now, p.registerInterval) {
		delete(p.registered, h.Dst)
		return
	}
	client.lastSeen = now
	p.send.SendToID(client.endpoint, h.Dst, h.Type, body)
}

// Close stops any outstanding client-role timers.
func (p *Proxy) Close() {
	if p.cancelRetry != nil {
		p.cancelRetry()
	}
	if p.cancelRefresh != nil {
		p.cancelRefresh()
	}
}
