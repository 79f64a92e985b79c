// Package addr defines the overlay's endpoint and node-descriptor types
// (spec.md §3), shared by the wire codec, the peer directory, and every
// engine that needs to talk about "an ID reachable at a network address".
// Grounded on original_source/src/cagetypes.hpp's cageaddr.
package addr

import (
	"net"

	"github.com/cagemesh/overlay/id"
)

// Family identifies the address family of an Endpoint.
type Family uint16

// Family values, matching cagetypes.hpp's domain_* constants.
const (
	Loopback Family = 0
	Inet     Family = 1
	Inet6    Family = 2
)

// Endpoint is a network location: either a loopback sentinel (used when a
// node refers to itself in a node list) or a concrete UDP address.
type Endpoint struct {
	Family Family
	IP     net.IP
	Port   uint16
}

// UDPAddr returns the net.UDPAddr equivalent of a concrete (non-loopback)
// endpoint.
func (e Endpoint) UDPAddr() *net.UDPAddr {
	return &net.UDPAddr{IP: e.IP, Port: int(e.Port)}
}

// Network reports the Go network name ("udp4"/"udp6") for the endpoint's
// family.
func (e Endpoint) Network() string {
	if e.Family == Inet6 {
		return "udp6"
	}
	return "udp4"
}

func (e Endpoint) String() string {
	if e.Family == Loopback {
		return "loopback"
	}
	return e.UDPAddr().String()
}

// FromUDPAddr classifies a net.UDPAddr into an Endpoint.
func FromUDPAddr(a *net.UDPAddr) Endpoint {
	if ip4 := a.IP.To4(); ip4 != nil {
		return Endpoint{Family: Inet, IP: ip4, Port: uint16(a.Port)}
	}
	return Endpoint{Family: Inet6, IP: a.IP.To16(), Port: uint16(a.Port)}
}

// Descriptor is a node descriptor: an ID, the endpoint it is currently
// reachable at, and the optional session nonce that lets peers detect
// restarts (spec.md §3).
type Descriptor struct {
	ID       id.ID
	Endpoint Endpoint
	Session  uint32 // 0 means "unknown / not carried"
	HasSession bool
}
