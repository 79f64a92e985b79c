package wire

import (
	"encoding/binary"
	"net"

	"github.com/cagemesh/overlay/addr"
	"github.com/cagemesh/overlay/id"
)

// DTUN payloads, grounded on original_source/src/cagetypes.hpp's
// msg_dtun_{ping,ping_reply,find_node,find_node_reply,find_value,
// find_value_reply,register,request,request_reply,request_by}.

// PingBody is shared by DTUN and DHT ping/pong: just a correlating nonce.
type PingBody struct {
	Nonce uint32
}

func EncodePing(nonce uint32) []byte {
	out := make([]byte, 4)
	binary.BigEndian.PutUint32(out, nonce)
	return out
}

func DecodePing(body []byte) (nonce uint32, ok bool) {
	if len(body) < 4 {
		return 0, false
	}
	return binary.BigEndian.Uint32(body), true
}

// FindNodeBody requests the nodes closest to Target (msg_dtun_find_node /
// msg_dht_find_node: nonce + id[5]).
type FindNodeBody struct {
	Nonce  uint32
	Target id.ID
}

func EncodeFindNode(nonce uint32, target id.ID) []byte {
	out := make([]byte, 4+id.Len)
	binary.BigEndian.PutUint32(out[0:4], nonce)
	copy(out[4:], target[:])
	return out
}

func DecodeFindNode(body []byte) (FindNodeBody, bool) {
	if len(body) < 4+id.Len {
		return FindNodeBody{}, false
	}
	return FindNodeBody{
		Nonce:  binary.BigEndian.Uint32(body[0:4]),
		Target: id.FromBytes(body[4 : 4+id.Len]),
	}, true
}

// FindNodeReplyHeader is the fixed prefix of a find-node/find-value reply;
// the node list (encoded via EncodeNodesInet/6) follows immediately,
// matching msg_dtun_find_node_reply's trailing addrs[1] flexible array.
type FindNodeReplyHeader struct {
	Nonce  uint32
	Target id.ID
	Num    uint8
}

func EncodeFindNodeReplyHeader(h FindNodeReplyHeader) []byte {
	out := make([]byte, 4+id.Len+1+1)
	binary.BigEndian.PutUint32(out[0:4], h.Nonce)
	copy(out[4:4+id.Len], h.Target[:])
	out[4+id.Len] = h.Num
	return out
}

func DecodeFindNodeReplyHeader(body []byte) (FindNodeReplyHeader, []byte, bool) {
	const fixed = 4 + id.Len + 1 + 1
	if len(body) < fixed {
		return FindNodeReplyHeader{}, nil, false
	}
	h := FindNodeReplyHeader{
		Nonce:  binary.BigEndian.Uint32(body[0:4]),
		Target: id.FromBytes(body[4 : 4+id.Len]),
		Num:    body[4+id.Len],
	}
	return h, body[fixed:], true
}

// RegisterBody carries the session nonce a node presents when registering
// itself with a DTUN rendezvous node (msg_dtun_register).
func EncodeRegister(session uint32) []byte {
	out := make([]byte, 4)
	binary.BigEndian.PutUint32(out, session)
	return out
}

func DecodeRegister(body []byte) (session uint32, ok bool) {
	if len(body) < 4 {
		return 0, false
	}
	return binary.BigEndian.Uint32(body), true
}

// RequestBody asks a DTUN node to help locate Target (msg_dtun_request).
type RequestBody struct {
	Nonce  uint32
	Target id.ID
}

func EncodeRequest(nonce uint32, target id.ID) []byte {
	return EncodeFindNode(nonce, target) // identical layout
}

func DecodeRequest(body []byte) (RequestBody, bool) {
	fn, ok := DecodeFindNode(body)
	return RequestBody(fn), ok
}

func EncodeRequestReply(nonce uint32) []byte {
	return EncodePing(nonce)
}

func DecodeRequestReply(body []byte) (nonce uint32, ok bool) {
	return DecodePing(body)
}

// RequestByBody tells a node that someone is trying to reach it, carrying
// the requester's address so it can attempt a direct hole-punch
// (msg_dtun_request_by: nonce + domain + reserved + addr[1]).
type RequestByBody struct {
	Nonce    uint32
	Endpoint addr.Endpoint
}

func EncodeRequestBy(nonce uint32, ep addr.Endpoint) []byte {
	out := make([]byte, 4+InetRecordLen-id.Len) // nonce + port/reserved/addr, no id field
	binary.BigEndian.PutUint32(out[0:4], nonce)
	binary.BigEndian.PutUint16(out[4:6], ep.Port)
	ip4 := ep.IP.To4()
	if ip4 != nil {
		binary.BigEndian.PutUint32(out[8:12], binary.BigEndian.Uint32(ip4))
	}
	return out
}

func DecodeRequestBy(body []byte, from *net.UDPAddr) (RequestByBody, bool) {
	const fixed = 4 + InetRecordLen - id.Len
	if len(body) < fixed {
		return RequestByBody{}, false
	}
	nonce := binary.BigEndian.Uint32(body[0:4])
	port := binary.BigEndian.Uint16(body[4:6])
	ipWord := binary.BigEndian.Uint32(body[8:12])
	var ep addr.Endpoint
	if port == 0 && ipWord == 0 {
		ep = addr.FromUDPAddr(from)
	} else {
		ip := make(net.IP, 4)
		binary.BigEndian.PutUint32(ip, ipWord)
		ep = addr.Endpoint{Family: addr.Inet, IP: ip, Port: port}
	}
	return RequestByBody{Nonce: nonce, Endpoint: ep}, true
}
