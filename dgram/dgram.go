// Package dgram implements best-effort application datagram delivery
// addressed by identifier rather than IP (spec.md §4.8): a send splits buf
// into MAX_DATA-sized chunks, queues them per destination ID, and resolves
// the destination's current endpoint before draining the queue. A single
// in-flight resolution per ID is enforced so repeated sends to an unresolved
// peer don't each kick off their own lookup.
//
// Grounded on original_source/src/dgram.{hpp,cpp}'s push2queue/send_queue/
// request split. The original's dgram class also carries type_rdp payloads
// through the same queue so rdp can reuse its resolution path; here that
// role is played by wire.TypeRDP being dispatched straight to the rdp
// engine by transport.Transport, so this engine only ever queues
// wire.TypeDgram payloads (see DESIGN.md).
package dgram

import (
	"github.com/MOACChain/MoacLib/log"

	"github.com/cagemesh/overlay/addr"
	"github.com/cagemesh/overlay/eventloop"
	"github.com/cagemesh/overlay/id"
	"github.com/cagemesh/overlay/peers"
	"github.com/cagemesh/overlay/wire"
)

// Sender is the transport hook the dgram engine needs.
type Sender interface {
	SendToID(ep addr.Endpoint, dst id.ID, t wire.Type, body []byte)
}

// Resolver looks an identifier up to a currently reachable endpoint. The
// node package's concrete Resolver tries a DTUN request first (if DTUN is
// enabled) and falls back to a DHT find_node lookup, matching spec.md
// §4.8's resolution order; the rdp engine shares the same interface for its
// own one-shot connect-time resolution.
type Resolver interface {
	Resolve(target id.ID, done func(ep addr.Endpoint, ok bool))
}

// Callback delivers one reassembled application datagram chunk to the
// registered receiver, along with the identifier it arrived from.
type Callback func(buf []byte, from id.ID)

// Engine is the best-effort datagram transport; one instance per node.
type Engine struct {
	self    id.ID
	loop    *eventloop.Loop
	dir     *peers.Directory
	send    Sender
	resolve Resolver
	maxData int

	queues     map[id.ID][][]byte
	requesting map[id.ID]bool
	cb         Callback
}

// New constructs a dgram engine. maxData caps the size of each wire chunk
// (spec.md §4.8's MAX_DATA, typically config.Config.MaxData).
func New(self id.ID, loop *eventloop.Loop, dir *peers.Directory, send Sender, resolve Resolver, maxData int) *Engine {
	return &Engine{
		self:       self,
		loop:       loop,
		dir:        dir,
		send:       send,
		resolve:    resolve,
		maxData:    maxData,
		queues:     make(map[id.ID][][]byte),
		requesting: make(map[id.ID]bool),
	}
}

// SetCallback registers the handler invoked for every inbound application
// datagram chunk. There is no reassembly across chunks at this layer — a
// sender's single send(buf) may arrive to the callback as several calls,
// matching the original's per-chunk delivery.
func (e *Engine) SetCallback(cb Callback) { e.cb = cb }

// Send splits buf into ≤maxData chunks and enqueues them to the node
// identified by to, resolving its endpoint first if it isn't already known.
func (e *Engine) Send(buf []byte, to id.ID) {
	if len(buf) == 0 {
		e.queues[to] = append(e.queues[to], nil)
	}
	for len(buf) > 0 {
		n := len(buf)
		if n > e.maxData {
			n = e.maxData
		}
		e.queues[to] = append(e.queues[to], append([]byte(nil), buf[:n]...))
		buf = buf[n:]
	}
	e.drainOrRequest(to)
}

func (e *Engine) drainOrRequest(to id.ID) {
	if desc, ok := e.dir.Lookup(to); ok {
		e.flush(to, desc.Endpoint)
		return
	}
	if e.requesting[to] {
		return
	}
	e.requesting[to] = true
	e.resolve.Resolve(to, func(ep addr.Endpoint, ok bool) {
		delete(e.requesting, to)
		if !ok {
			log.Debugf("dgram: resolution failed for %s, dropping %d queued chunk(s)", to.Hex(), len(e.queues[to]))
			delete(e.queues, to)
			return
		}
		e.dir.AddNode(addr.Descriptor{ID: to, Endpoint: ep})
		e.flush(to, ep)
	})
}

func (e *Engine) flush(to id.ID, ep addr.Endpoint) {
	chunks := e.queues[to]
	delete(e.queues, to)
	for _, c := range chunks {
		e.send.SendToID(ep, to, wire.TypeDgram, c)
	}
}

// HandleDgram delivers an inbound application datagram chunk to the
// registered callback.
func (e *Engine) HandleDgram(from addr.Endpoint, h wire.Header, body []byte) {
	if e.cb == nil {
		return
	}
	e.cb(body, h.Src)
}
