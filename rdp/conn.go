package rdp

import (
	"time"

	"github.com/cagemesh/overlay/addr"
	"github.com/cagemesh/overlay/eventloop"
	"github.com/cagemesh/overlay/metrics"
	"github.com/cagemesh/overlay/pktbuf"
	"github.com/cagemesh/overlay/wire"
)

// handshakeKind distinguishes which retained segment a conn is currently
// retransmitting with the shared back-off curve (spec.md §9 supplement:
// SYN/SYN+ACK and the close-path RST share the same back-off as data).
type handshakeKind int

const (
	hsNone handshakeKind = iota
	hsSYN
	hsSYNACK
	hsRST
	hsRSTFIN
)

// conn is one RDP connection: state plus the two sliding windows of
// spec.md §3.
type conn struct {
	engine *Engine
	key    connKey
	desc   int
	cb     Callback
	active bool // true if this side called Connect (vs. accepted via Listen)

	state    State
	remoteEP addr.Endpoint

	sndWindow *sendWindow
	sndIss    uint32
	sndUna    uint32
	sndNxt    uint32
	sndMax    uint32
	sbufMax   uint16

	rcvWindow *recvWindow
	rcvIrs    uint32
	rcvCur    uint32
	rcvAck    uint32
	rcvMax    uint32
	rbufMax   uint16
	ackedTime time.Time

	readQueue [][]byte

	hsKind      handshakeKind
	hsBuf       []byte
	hsStartedAt time.Time
	hsRTO       time.Duration

	cancelHandshake eventloop.CancelFunc
	cancelTick      eventloop.CancelFunc
	cancelTeardown  eventloop.CancelFunc
}

func newConn(e *Engine, key connKey, active bool) *conn {
	return &conn{
		engine:    e,
		key:       key,
		active:    active,
		state:     StateClosed,
		sndWindow: newSendWindow(int(e.cfg.RDPSndMax)),
		sndMax:    e.cfg.RDPSndMax,
		rcvWindow: newRecvWindow(e.cfg.RDPRcvMax),
		rcvMax:    e.cfg.RDPRcvMax,
		ackedTime: e.loop.Now(),
	}
}

func (c *conn) cancelAll() {
	if c.cancelHandshake != nil {
		c.cancelHandshake()
		c.cancelHandshake = nil
	}
	if c.cancelTick != nil {
		c.cancelTick()
		c.cancelTick = nil
	}
	if c.cancelTeardown != nil {
		c.cancelTeardown()
		c.cancelTeardown = nil
	}
}

// --- handshake send paths ---

func (c *conn) sendSYN() {
	h := wire.RDPHeader{
		Flags:      wire.RDPFlagSYN,
		SPort:      c.key.LocalPort,
		DPort:      c.key.RemotePort,
		SeqNum:     c.sndIss,
		OutSegsMax: uint16(c.sndMax),
		SegSizeMax: uint16(c.engine.cfg.RDPMaxData),
	}
	seg := wire.EncodeRDP(h, nil, nil)
	c.armHandshake(hsSYN, seg)
	c.engine.send.SendToID(c.remoteEP, c.key.RemoteID, wire.TypeRDP, seg)
}

func (c *conn) sendSYNACK() {
	h := wire.RDPHeader{
		Flags:      wire.RDPFlagSYN | wire.RDPFlagACK,
		SPort:      c.key.LocalPort,
		DPort:      c.key.RemotePort,
		SeqNum:     c.sndIss,
		AckNum:     c.rcvCur,
		OutSegsMax: uint16(c.sndMax),
		SegSizeMax: uint16(c.engine.cfg.RDPMaxData),
	}
	seg := wire.EncodeRDP(h, nil, nil)
	c.armHandshake(hsSYNACK, seg)
	c.engine.send.SendToID(c.remoteEP, c.key.RemoteID, wire.TypeRDP, seg)
}

func (c *conn) sendPlainACK() {
	h := wire.RDPHeader{Flags: wire.RDPFlagACK, SPort: c.key.LocalPort, DPort: c.key.RemotePort, SeqNum: c.sndNxt, AckNum: c.rcvCur}
	c.engine.send.SendToID(c.remoteEP, c.key.RemoteID, wire.TypeRDP, wire.EncodeRDP(h, nil, nil))
	c.rcvAck = c.rcvCur
	c.ackedTime = c.engine.loop.Now()
}

func (c *conn) sendRSTPlain() {
	h := wire.RDPHeader{Flags: wire.RDPFlagRST, SPort: c.key.LocalPort, DPort: c.key.RemotePort, SeqNum: c.sndNxt, AckNum: c.rcvCur}
	c.engine.send.SendToID(c.remoteEP, c.key.RemoteID, wire.TypeRDP, wire.EncodeRDP(h, nil, nil))
}

// armHandshake retains seg for retransmission with the shared exponential
// back-off curve (starting at RDPInitialRTO, doubling, ceiling
// RDPMaxRetrans), matching data-segment retransmission (spec.md §9
// supplement grounded on original_source/src/rdp.cpp's retransmit()).
func (c *conn) armHandshake(kind handshakeKind, seg []byte) {
	c.hsKind = kind
	c.hsBuf = seg
	c.hsStartedAt = c.engine.loop.Now()
	c.hsRTO = c.engine.cfg.RDPInitialRTO
	c.scheduleHandshakeRetransmit()
}

func (c *conn) scheduleHandshakeRetransmit() {
	c.cancelHandshake = c.engine.loop.Schedule(c.hsRTO, c.retransmitHandshake)
}

func (c *conn) cancelHandshakeRetransmit() {
	if c.cancelHandshake != nil {
		c.cancelHandshake()
		c.cancelHandshake = nil
	}
}

func (c *conn) retransmitHandshake() {
	now := c.engine.loop.Now()
	if now.Sub(c.hsStartedAt) > c.engine.cfg.RDPMaxRetrans {
		kind := c.hsKind
		c.engine.teardown(c)
		c.state = StateClosed
		if kind == hsSYN && c.active {
			c.engine.deliver(c, EventFailed)
		}
		// hsSYNACK (passive SYN ceiling) and hsRST/hsRSTFIN (close-path
		// ceiling) are silently discarded: spec.md §4.9's retry-ceiling row.
		return
	}
	c.engine.send.SendToID(c.remoteEP, c.key.RemoteID, wire.TypeRDP, c.hsBuf)
	metrics.RDPHandshakeRexmit.Inc(1)
	c.hsRTO *= 2
	if c.hsRTO > c.engine.cfg.RDPMaxRetrans {
		c.hsRTO = c.engine.cfg.RDPMaxRetrans
	}
	c.scheduleHandshakeRetransmit()
}

// --- data path ---

func (c *conn) startDataTick() {
	c.cancelTick = c.engine.loop.Schedule(c.engine.cfg.RDPTick, c.onTick)
}

func (c *conn) cancelDataTick() {
	if c.cancelTick != nil {
		c.cancelTick()
		c.cancelTick = nil
	}
}

func (c *conn) enqueueData(data []byte) *sendSegment {
	seq := c.sndNxt
	c.sndNxt++
	buf := pktbuf.FromBytes(data)
	seg := c.sndWindow.at(seq)
	*seg = sendSegment{buf: buf, seqnum: seq, rtTimeout: c.engine.cfg.RDPInitialRTO, isSent: true}
	c.transmitSegment(seg)
	return seg
}

func (c *conn) transmitSegment(seg *sendSegment) {
	seg.sentAt = c.engine.loop.Now()
	h := wire.RDPHeader{Flags: wire.RDPFlagACK, SPort: c.key.LocalPort, DPort: c.key.RemotePort, SeqNum: seg.seqnum, AckNum: c.rcvCur}
	c.engine.send.SendToID(c.remoteEP, c.key.RemoteID, wire.TypeRDP, wire.EncodeRDP(h, nil, seg.buf.Data()))
}

// onTick is the periodic retransmit + delayed-ACK driver (spec.md §4.9
// "Retransmission" / "Delayed ACK").
func (c *conn) onTick() {
	now := c.engine.loop.Now()
	broken := false
	for seq := c.sndUna; seqGT(c.sndNxt, seq); seq++ {
		seg := c.sndWindow.at(seq)
		if !seg.isSent || seg.isAcked || seg.seqnum != seq {
			continue
		}
		if now.Sub(seg.sentAt) > c.engine.cfg.RDPMaxRetrans {
			broken = true
			break
		}
		if now.Sub(seg.sentAt) > seg.rtTimeout {
			c.transmitSegment(seg)
			metrics.RDPRetransmits.Inc(1)
			seg.rtTimeout *= 2
		}
	}
	if broken {
		c.engine.teardown(c)
		c.state = StateClosed
		c.engine.deliver(c, EventBroken)
		return
	}
	if now.Sub(c.ackedTime) > c.engine.cfg.RDPAckInterval && c.rcvAck != c.rcvCur {
		c.sendDelayedAck()
	}
	c.startDataTick()
}

// handleCumulativeAck slides snd_una forward per spec.md §4.9's cumulative
// ACK rule, rejecting acks outside [snd_una, snd_nxt) per spec.md §9's
// wraparound-bug resolution. ack is the last in-order seqnum the peer has
// received (its rcv_cur), so segments up to and including ack are released.
func (c *conn) handleCumulativeAck(ack uint32) {
	next := ack + 1
	if !ackAccepted(next, c.sndUna, c.sndNxt) {
		return
	}
	for seq := c.sndUna; seqGT(next, seq); seq++ {
		seg := c.sndWindow.at(seq)
		if seg.buf != nil {
			seg.buf.Release()
		}
		*seg = sendSegment{}
	}
	c.sndUna = next
}

// handleEAK marks specifically-acked out-of-order send-window slots without
// moving snd_una (spec.md §4.9's EAK handling).
func (c *conn) handleEAK(eaks []uint32) {
	for _, seq := range eaks {
		if !seqInRange(seq, c.sndUna, c.sndNxt) {
			continue
		}
		seg := c.sndWindow.at(seq)
		if seg.seqnum == seq {
			seg.isAcked = true
		}
	}
}

// handleData implements sequence acceptance, in-order drain, and the
// out-of-order EAK-buffering path of spec.md §4.9's receive window.
func (c *conn) handleData(rh wire.RDPHeader, data []byte) {
	seq := rh.SeqNum
	if !seqInRange(seq, c.rcvCur, c.rcvCur+2*c.rcvMax) {
		c.sendPlainACK()
		return
	}
	if seq == c.rcvCur+1 {
		wasEmpty := len(c.readQueue) == 0
		if len(data) > 0 {
			c.readQueue = append(c.readQueue, append([]byte(nil), data...))
		}
		c.rcvCur = seq
		for {
			next := c.rcvCur + 1
			slot, ok := c.rcvWindow.get(next)
			if !ok {
				break
			}
			c.rcvWindow.clear(next)
			c.rcvCur = next
			if slot.buf != nil && slot.buf.Len() > 0 {
				c.readQueue = append(c.readQueue, append([]byte(nil), slot.buf.Data()...))
			}
			if slot.buf != nil {
				slot.buf.Release()
			}
		}
		if wasEmpty && len(c.readQueue) > 0 {
			c.engine.deliver(c, EventReady2Read)
		}
	} else if seqGT(seq, c.rcvCur+1) {
		if _, exists := c.rcvWindow.get(seq); !exists {
			c.rcvWindow.put(seq, pktbuf.FromBytes(data))
		}
	}
	c.maybeAck(rh.IsNUL())
}

// maybeAck implements spec.md §4.9's "emit an ACK immediately when
// rcv_cur - rcv_ack > rcv_max/4 or a zero-length (NUL) arrives; otherwise
// the periodic tick emits one" rule.
func (c *conn) maybeAck(isNUL bool) {
	if isNUL || c.rcvCur-c.rcvAck > c.rcvMax/4 {
		c.sendDelayedAck()
	}
}

// sendDelayedAck emits a cumulative ACK, attaching up to RDPMaxEAK
// out-of-order sequence numbers still buffered and not yet eacked.
func (c *conn) sendDelayedAck() {
	var eaks []uint32
	for _, s := range c.rcvWindow.slots {
		if s.isUsed && !s.isEacked && seqGT(s.seqnum, c.rcvCur) {
			eaks = append(eaks, s.seqnum)
			if len(eaks) >= c.engine.cfg.RDPMaxEAK {
				break
			}
		}
	}
	flags := wire.RDPFlagACK
	if len(eaks) > 0 {
		flags |= wire.RDPFlagEAK
		metrics.RDPEAKsSent.Inc(1)
	}
	h := wire.RDPHeader{Flags: flags, SPort: c.key.LocalPort, DPort: c.key.RemotePort, SeqNum: c.sndNxt, AckNum: c.rcvCur}
	c.engine.send.SendToID(c.remoteEP, c.key.RemoteID, wire.TypeRDP, wire.EncodeRDP(h, eaks, nil))
	for _, seq := range eaks {
		if slot, ok := c.rcvWindow.get(seq); ok {
			slot.isEacked = true
			c.rcvWindow.slots[c.rcvWindow.offset(seq)] = slot
		}
	}
	c.rcvAck = c.rcvCur
	c.ackedTime = c.engine.loop.Now()
}

func (c *conn) drainRead(out []byte) int {
	n := 0
	for len(c.readQueue) > 0 {
		head := c.readQueue[0]
		if n+len(head) > len(out) {
			copy(out[n:], head[:len(out)-n])
			c.readQueue[0] = head[len(out)-n:]
			n = len(out)
			break
		}
		copy(out[n:], head)
		n += len(head)
		c.readQueue = c.readQueue[1:]
	}
	return n
}

// --- state machine ---

func (c *conn) onSegment(rh wire.RDPHeader, eaks []uint32, data []byte) {
	switch c.state {
	case StateSynSent:
		c.onSynSent(rh)
	case StateSynRcvd:
		c.onSynRcvd(rh)
	case StateOpen:
		c.onOpen(rh, eaks, data)
	case StateCloseWaitActive:
		c.onCloseWaitActive(rh)
	case StateCloseWaitPasv:
		c.onCloseWaitPasv(rh)
	}
}

func (c *conn) onSynSent(rh wire.RDPHeader) {
	if rh.IsRST() && rh.IsACK() {
		c.cancelHandshakeRetransmit()
		c.engine.teardown(c)
		c.state = StateClosed
		c.engine.deliver(c, EventRefused)
		return
	}
	if rh.IsSYN() && rh.IsACK() && rh.AckNum == c.sndIss {
		c.cancelHandshakeRetransmit()
		c.rcvIrs = rh.SeqNum
		c.rcvCur = rh.SeqNum
		c.rcvAck = rh.SeqNum
		c.sbufMax = rh.SegSizeMax
		c.sndUna = c.sndIss + 1
		c.state = StateOpen
		c.sendPlainACK()
		c.startDataTick()
		c.engine.deliver(c, EventConnected)
		return
	}
	if rh.IsSYN() && !rh.IsACK() {
		c.cancelHandshakeRetransmit()
		c.rcvIrs = rh.SeqNum
		c.rcvCur = rh.SeqNum
		c.rcvAck = rh.SeqNum
		c.state = StateSynRcvd
		c.sendSYNACK()
	}
}

func (c *conn) onSynRcvd(rh wire.RDPHeader) {
	if rh.IsSYN() && !rh.IsACK() {
		c.cancelHandshakeRetransmit()
		c.sendRSTPlain()
		c.engine.teardown(c)
		c.state = StateClosed
		c.engine.deliver(c, EventReset)
		return
	}
	if rh.IsACK() && rh.AckNum == c.sndIss {
		c.cancelHandshakeRetransmit()
		c.sndUna = c.sndIss + 1
		c.state = StateOpen
		c.startDataTick()
		if c.active {
			c.engine.deliver(c, EventConnected)
		} else {
			c.engine.deliver(c, EventAccepted)
		}
	}
}

func (c *conn) onOpen(rh wire.RDPHeader, eaks []uint32, data []byte) {
	if rh.IsRST() {
		c.cancelDataTick()
		c.state = StateCloseWaitPasv
		h := wire.RDPHeader{Flags: wire.RDPFlagRST | wire.RDPFlagFIN, SPort: c.key.LocalPort, DPort: c.key.RemotePort, SeqNum: c.sndNxt, AckNum: c.rcvCur}
		seg := wire.EncodeRDP(h, nil, nil)
		c.armHandshake(hsRSTFIN, seg)
		c.engine.send.SendToID(c.remoteEP, c.key.RemoteID, wire.TypeRDP, seg)
		c.engine.deliver(c, EventReset)
		return
	}
	if rh.IsACK() {
		c.handleCumulativeAck(rh.AckNum)
	}
	if rh.IsEAK() {
		c.handleEAK(eaks)
	}
	if len(data) > 0 || rh.IsNUL() {
		c.handleData(rh, data)
	}
}

func (c *conn) onCloseWaitActive(rh wire.RDPHeader) {
	if rh.IsRST() && rh.IsFIN() {
		c.cancelHandshakeRetransmit()
		h := wire.RDPHeader{Flags: wire.RDPFlagFIN, SPort: c.key.LocalPort, DPort: c.key.RemotePort, SeqNum: c.sndNxt, AckNum: c.rcvCur}
		c.engine.send.SendToID(c.remoteEP, c.key.RemoteID, wire.TypeRDP, wire.EncodeRDP(h, nil, nil))
		c.state = StateClosed
		// deallocate after a short grace period so a retransmitted
		// RST+FIN arriving just after ours crosses in flight doesn't
		// resurrect a half-closed connection (original_source/rdp.cpp's
		// close_wait_active grace tick).
		c.cancelTeardown = c.engine.loop.Schedule(c.engine.cfg.RDPTick*2, func() {
			c.engine.teardown(c)
		})
	}
}

func (c *conn) onCloseWaitPasv(rh wire.RDPHeader) {
	if rh.IsFIN() && !rh.IsRST() {
		c.cancelHandshakeRetransmit()
		c.engine.teardown(c)
		c.state = StateClosed
	}
}

func (c *conn) userClose() {
	switch c.state {
	case StateOpen:
		c.cancelDataTick()
		c.state = StateCloseWaitActive
		h := wire.RDPHeader{Flags: wire.RDPFlagRST, SPort: c.key.LocalPort, DPort: c.key.RemotePort, SeqNum: c.sndNxt, AckNum: c.rcvCur}
		seg := wire.EncodeRDP(h, nil, nil)
		c.armHandshake(hsRST, seg)
		c.engine.send.SendToID(c.remoteEP, c.key.RemoteID, wire.TypeRDP, seg)
	default:
		c.engine.teardown(c)
	}
}
