package wire

import "encoding/binary"

// RDP packet flags (spec.md §4.9), grounded on original_source/src/rdp.hpp's
// flag bits and on RFC 908/1151's segment header this engine follows. The
// low 2 bits of Flags carry the version, just below FIN (0x04); only
// RDPVersion is valid.
const (
	RDPFlagSYN uint8 = 0x80
	RDPFlagACK uint8 = 0x40
	RDPFlagEAK uint8 = 0x20
	RDPFlagRST uint8 = 0x10
	RDPFlagNUL uint8 = 0x08
	RDPFlagFIN uint8 = 0x04

	// RDPVersion is carried in the low 2 bits of Flags.
	RDPVersion uint8 = 2
)

// RDPHeaderLen is the fixed portion every RDP packet carries: flags(1) |
// hlen(1) | sport(2) | dport(2) | dlen(2) | seqnum(4) | acknum(4) |
// reserved(4).
const RDPHeaderLen = 1 + 1 + 2 + 2 + 2 + 4 + 4 + 4

// RDPSynExtLen is the SYN-only extension appended after the fixed header:
// out_segs_max(2) | seg_size_max(2) | options(2).
const RDPSynExtLen = 2 + 2 + 2

// RDPHeader is one RDP segment's header, addressed by identifier+port
// rather than by IP (the remote identifier travels in the enclosing
// wire.Header's Src field, not here).
type RDPHeader struct {
	Flags    uint8
	HLen     uint8 // total header length in 2-byte words
	SPort    uint16
	DPort    uint16
	DLen     uint16
	SeqNum   uint32
	AckNum   uint32
	Reserved uint32

	// Valid only when Flags&RDPFlagSYN != 0.
	OutSegsMax uint16
	SegSizeMax uint16
	Options    uint16
}

func (h RDPHeader) IsSYN() bool { return h.Flags&RDPFlagSYN != 0 }
func (h RDPHeader) IsACK() bool { return h.Flags&RDPFlagACK != 0 }
func (h RDPHeader) IsEAK() bool { return h.Flags&RDPFlagEAK != 0 }
func (h RDPHeader) IsRST() bool { return h.Flags&RDPFlagRST != 0 }
func (h RDPHeader) IsNUL() bool { return h.Flags&RDPFlagNUL != 0 }
func (h RDPHeader) IsFIN() bool { return h.Flags&RDPFlagFIN != 0 }

// EncodeRDP assembles a complete RDP packet: header (plus SYN extension if
// SYN is set), an optional list of EAK sequence numbers, and data.
func EncodeRDP(h RDPHeader, eaks []uint32, data []byte) []byte {
	hlenBytes := RDPHeaderLen
	if h.IsSYN() {
		hlenBytes += RDPSynExtLen
	}
	eakBytes := len(eaks) * 4
	h.HLen = uint8((hlenBytes + eakBytes) / 2)
	h.DLen = uint16(len(data))

	out := make([]byte, hlenBytes+eakBytes+len(data))
	out[0] = h.Flags | (RDPVersion & 0x07)
	out[1] = h.HLen
	binary.BigEndian.PutUint16(out[2:4], h.SPort)
	binary.BigEndian.PutUint16(out[4:6], h.DPort)
	binary.BigEndian.PutUint16(out[6:8], h.DLen)
	binary.BigEndian.PutUint32(out[8:12], h.SeqNum)
	binary.BigEndian.PutUint32(out[12:16], h.AckNum)
	binary.BigEndian.PutUint32(out[16:20], h.Reserved)
	off := RDPHeaderLen
	if h.IsSYN() {
		binary.BigEndian.PutUint16(out[off:off+2], h.OutSegsMax)
		binary.BigEndian.PutUint16(out[off+2:off+4], h.SegSizeMax)
		binary.BigEndian.PutUint16(out[off+4:off+6], h.Options)
		off += RDPSynExtLen
	}
	for _, s := range eaks {
		binary.BigEndian.PutUint32(out[off:off+4], s)
		off += 4
	}
	copy(out[off:], data)
	return out
}

// DecodeRDP parses an RDP packet into its header, EAK list (if the EAK flag
// is set) and data payload.
func DecodeRDP(buf []byte) (h RDPHeader, eaks []uint32, data []byte, ok bool) {
	if len(buf) < RDPHeaderLen {
		return RDPHeader{}, nil, nil, false
	}
	h.Flags = buf[0] &^ 0x03
	h.HLen = buf[1]
	h.SPort = binary.BigEndian.Uint16(buf[2:4])
	h.DPort = binary.BigEndian.Uint16(buf[4:6])
	h.DLen = binary.BigEndian.Uint16(buf[6:8])
	h.SeqNum = binary.BigEndian.Uint32(buf[8:12])
	h.AckNum = binary.BigEndian.Uint32(buf[12:16])
	h.Reserved = binary.BigEndian.Uint32(buf[16:20])

	hlenBytes := int(h.HLen) * 2
	if hlenBytes < RDPHeaderLen || hlenBytes > len(buf) {
		return RDPHeader{}, nil, nil, false
	}
	off := RDPHeaderLen
	if h.IsSYN() {
		if off+RDPSynExtLen > hlenBytes {
			return RDPHeader{}, nil, nil, false
		}
		h.OutSegsMax = binary.BigEndian.Uint16(buf[off : off+2])
		h.SegSizeMax = binary.BigEndian.Uint16(buf[off+2 : off+4])
		h.Options = binary.BigEndian.Uint16(buf[off+4 : off+6])
		off += RDPSynExtLen
	}
	if h.IsEAK() {
		n := (hlenBytes - off) / 4
		eaks = make([]uint32, n)
		for i := 0; i < n; i++ {
			eaks[i] = binary.BigEndian.Uint32(buf[off : off+4])
			off += 4
		}
	}
	if hlenBytes+int(h.DLen) > len(buf) {
		return RDPHeader{}, nil, nil, false
	}
	data = buf[hlenBytes : hlenBytes+int(h.DLen)]
	return h, eaks, data, true
}
