package wire

import (
	"encoding/binary"

	"github.com/cagemesh/overlay/addr"
)

// NAT echo/redirect payloads, grounded on original_source/src/cagetypes.hpp's
// msg_nat_echo / msg_nat_echo_reply / msg_nat_echo_redirect /
// msg_nat_echo_redirect_reply. All follow the common Header.

// EchoPayloadLen is nonce(4).
const EchoPayloadLen = 4

// EchoReplyPayloadLen is nonce(4) + domain(2) + port(2) + addr(16).
const EchoReplyPayloadLen = 4 + 2 + 2 + 16

// EchoRedirectPayloadLen is nonce(4) + port(2) + padding(2).
const EchoRedirectPayloadLen = 4 + 2 + 2

// EchoRedirectReplyPayloadLen mirrors EchoReplyPayloadLen.
const EchoRedirectReplyPayloadLen = EchoReplyPayloadLen

// EncodeEcho packs a NAT echo probe body: just the nonce used to match the
// reply.
func EncodeEcho(nonce uint32) []byte {
	out := make([]byte, EchoPayloadLen)
	binary.BigEndian.PutUint32(out, nonce)
	return out
}

// DecodeEcho reads the nonce back out of an echo body.
func DecodeEcho(body []byte) (nonce uint32, ok bool) {
	if len(body) < EchoPayloadLen {
		return 0, false
	}
	return binary.BigEndian.Uint32(body), true
}

// EncodeEchoReply packs the nonce plus the endpoint the echo appeared to
// originate from (what the replying node observed as our source address).
func EncodeEchoReply(nonce uint32, observed addr.Endpoint) []byte {
	out := make([]byte, EchoReplyPayloadLen)
	binary.BigEndian.PutUint32(out[0:4], nonce)
	binary.BigEndian.PutUint16(out[4:6], uint16(observed.Family))
	binary.BigEndian.PutUint16(out[6:8], observed.Port)
	ip16 := observed.IP.To16()
	copy(out[8:24], ip16)
	return out
}

// DecodeEchoReply unpacks an echo-reply body.
func DecodeEchoReply(body []byte) (nonce uint32, observed addr.Endpoint, ok bool) {
	if len(body) < EchoReplyPayloadLen {
		return 0, addr.Endpoint{}, false
	}
	nonce = binary.BigEndian.Uint32(body[0:4])
	fam := addr.Family(binary.BigEndian.Uint16(body[4:6]))
	port := binary.BigEndian.Uint16(body[6:8])
	ip := make([]byte, 16)
	copy(ip, body[8:24])
	if fam == addr.Inet {
		observed = addr.Endpoint{Family: addr.Inet, IP: ipToV4(ip), Port: port}
	} else {
		observed = addr.Endpoint{Family: addr.Inet6, IP: ip, Port: port}
	}
	return nonce, observed, true
}

func ipToV4(ip16 []byte) []byte {
	// The low 4 bytes carry the IPv4 address when Family==Inet.
	return append([]byte(nil), ip16[12:16]...)
}

// EncodeEchoRedirect packs a request asking a second node to echo us back,
// reporting the port we should expect a reply from (nonce correlates the
// eventual redirect-reply).
func EncodeEchoRedirect(nonce uint32, port uint16) []byte {
	out := make([]byte, EchoRedirectPayloadLen)
	binary.BigEndian.PutUint32(out[0:4], nonce)
	binary.BigEndian.PutUint16(out[4:6], port)
	return out
}

// DecodeEchoRedirect unpacks an echo-redirect body.
func DecodeEchoRedirect(body []byte) (nonce uint32, port uint16, ok bool) {
	if len(body) < EchoRedirectPayloadLen {
		return 0, 0, false
	}
	return binary.BigEndian.Uint32(body[0:4]), binary.BigEndian.Uint16(body[4:6]), true
}

// EncodeEchoRedirectReply and DecodeEchoRedirectReply reuse the echo-reply
// layout; the original defines an identical struct for it.
func EncodeEchoRedirectReply(nonce uint32, observed addr.Endpoint) []byte {
	return EncodeEchoReply(nonce, observed)
}

func DecodeEchoRedirectReply(body []byte) (uint32, addr.Endpoint, bool) {
	return DecodeEchoReply(body)
}
