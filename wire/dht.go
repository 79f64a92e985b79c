package wire

import (
	"encoding/binary"

	"github.com/cagemesh/overlay/id"
)

// DHT payloads, grounded on original_source/src/cagetypes.hpp's
// msg_dht_{ping,ping_reply,find_node,find_node_reply,store}. find_value and
// find_value_reply reuse the find_node/find_node_reply layouts: the
// original distinguishes them purely by message Type (the payload shapes
// are identical up to the trailing flag byte, which we fold into Num's
// sibling field below).

// StoreHeader is the fixed prefix of a dht-store message (msg_dht_store);
// the key bytes followed by the value bytes follow immediately.
type StoreHeader struct {
	Key      id.ID
	KeyLen   uint16
	ValueLen uint16
	TTL      uint16
}

const storeHeaderFixedLen = id.Len + 2 + 2 + 2 + 2 // id + keylen + valuelen + ttl + reserved

func EncodeStore(h StoreHeader, key, value []byte) []byte {
	out := make([]byte, storeHeaderFixedLen+len(key)+len(value))
	copy(out[0:id.Len], h.Key[:])
	off := id.Len
	binary.BigEndian.PutUint16(out[off:off+2], h.KeyLen)
	off += 2
	binary.BigEndian.PutUint16(out[off:off+2], h.ValueLen)
	off += 2
	binary.BigEndian.PutUint16(out[off:off+2], h.TTL)
	off += 2 + 2 // skip reserved
	copy(out[off:], key)
	copy(out[off+len(key):], value)
	return out
}

func DecodeStore(body []byte) (h StoreHeader, key, value []byte, ok bool) {
	if len(body) < storeHeaderFixedLen {
		return StoreHeader{}, nil, nil, false
	}
	h.Key = id.FromBytes(body[0:id.Len])
	off := id.Len
	h.KeyLen = binary.BigEndian.Uint16(body[off : off+2])
	off += 2
	h.ValueLen = binary.BigEndian.Uint16(body[off : off+2])
	off += 2
	h.TTL = binary.BigEndian.Uint16(body[off : off+2])
	off += 2 + 2
	need := int(h.KeyLen) + int(h.ValueLen)
	if len(body) < off+need {
		return StoreHeader{}, nil, nil, false
	}
	key = body[off : off+int(h.KeyLen)]
	value = body[off+int(h.KeyLen) : off+need]
	return h, key, value, true
}
