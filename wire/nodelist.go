package wire

import (
	"encoding/binary"
	"net"

	"github.com/cagemesh/overlay/addr"
	"github.com/cagemesh/overlay/id"
)

// InetRecordLen is the wire size of one IPv4 node-list record (msg_inet):
// port(2) + reserved(2) + addr(4) + id(20).
const InetRecordLen = 2 + 2 + 4 + id.Len

// Inet6RecordLen is the wire size of one IPv6 node-list record (msg_inet6):
// port(2) + reserved(2) + addr(16) + id(20).
const Inet6RecordLen = 2 + 2 + 16 + id.Len

// EncodeNodesInet packs nodes as IPv4 msg_inet records. A loopback entry
// (referring to the sender itself) is written with port=0, addr=0, matching
// cagetypes.cpp's write_nodes_inet.
func EncodeNodesInet(nodes []addr.Descriptor) []byte {
	out := make([]byte, InetRecordLen*len(nodes))
	for i, n := range nodes {
		rec := out[i*InetRecordLen : (i+1)*InetRecordLen]
		if n.Endpoint.Family == addr.Loopback {
			binary.BigEndian.PutUint16(rec[0:2], 0)
			binary.BigEndian.PutUint32(rec[4:8], 0)
		} else {
			binary.BigEndian.PutUint16(rec[0:2], n.Endpoint.Port)
			ip4 := n.Endpoint.IP.To4()
			binary.BigEndian.PutUint32(rec[4:8], binary.BigEndian.Uint32(ip4))
		}
		copy(rec[8:8+id.Len], n.ID[:])
	}
	return out
}

// DecodeNodesInet parses num IPv4 msg_inet records out of buf. Port=0/addr=0
// denotes "the sender itself", substituted with the packet's source address
// (cagetypes.cpp's read_nodes_inet). Entries whose ID is in the timed-out
// set are skipped (spec.md §4.6).
func DecodeNodesInet(buf []byte, num int, from *net.UDPAddr, isTimedOut func(id.ID) bool) []addr.Descriptor {
	out := make([]addr.Descriptor, 0, num)
	for i := 0; i < num; i++ {
		off := i * InetRecordLen
		if off+InetRecordLen > len(buf) {
			break
		}
		rec := buf[off : off+InetRecordLen]
		nodeID := id.FromBytes(rec[8 : 8+id.Len])
		if isTimedOut != nil && isTimedOut(nodeID) {
			continue
		}
		port := binary.BigEndian.Uint16(rec[0:2])
		ipWord := binary.BigEndian.Uint32(rec[4:8])
		var ep addr.Endpoint
		if port == 0 && ipWord == 0 {
			ep = addr.FromUDPAddr(from)
		} else {
			ip := make(net.IP, 4)
			binary.BigEndian.PutUint32(ip, ipWord)
			ep = addr.Endpoint{Family: addr.Inet, IP: ip, Port: port}
		}
		out = append(out, addr.Descriptor{ID: nodeID, Endpoint: ep})
	}
	return out
}

// EncodeNodesInet6 packs nodes as IPv6 msg_inet6 records.
func EncodeNodesInet6(nodes []addr.Descriptor) []byte {
	out := make([]byte, Inet6RecordLen*len(nodes))
	for i, n := range nodes {
		rec := out[i*Inet6RecordLen : (i+1)*Inet6RecordLen]
		if n.Endpoint.Family == addr.Loopback {
			binary.BigEndian.PutUint16(rec[0:2], 0)
		} else {
			binary.BigEndian.PutUint16(rec[0:2], n.Endpoint.Port)
			copy(rec[4:20], n.Endpoint.IP.To16())
		}
		copy(rec[20:20+id.Len], n.ID[:])
	}
	return out
}

// DecodeNodesInet6 parses num IPv6 msg_inet6 records out of buf.
func DecodeNodesInet6(buf []byte, num int, from *net.UDPAddr, isTimedOut func(id.ID) bool) []addr.Descriptor {
	out := make([]addr.Descriptor, 0, num)
	zero := make([]byte, 16)
	for i := 0; i < num; i++ {
		off := i * Inet6RecordLen
		if off+Inet6RecordLen > len(buf) {
			break
		}
		rec := buf[off : off+Inet6RecordLen]
		nodeID := id.FromBytes(rec[20 : 20+id.Len])
		if isTimedOut != nil && isTimedOut(nodeID) {
			continue
		}
		port := binary.BigEndian.Uint16(rec[0:2])
		ipBytes := rec[4:20]
		var ep addr.Endpoint
		if port == 0 && equalBytes(ipBytes, zero) {
			ep = addr.FromUDPAddr(from)
		} else {
			ip := make(net.IP, 16)
			copy(ip, ipBytes)
			ep = addr.Endpoint{Family: addr.Inet6, IP: ip, Port: port}
		}
		out = append(out, addr.Descriptor{ID: nodeID, Endpoint: ep})
	}
	return out
}

func equalBytes(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
