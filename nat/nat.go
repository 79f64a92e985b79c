// Package nat implements external port mapping, used so a node behind a
// home router can still accept inbound UDP for the overlay socket. This is
// plain port-mapping plumbing, separate from the NAT *classification* state
// machine in package natclass (spec.md §4.4), which figures out whether
// mapping is even possible.
//
// Grounded on p2p/discover/udp.go's nat.Interface/nat.Map usage (the
// concrete p2p/nat package itself was not part of the retrieved teacher
// subset, so it is authored here against the same Interface shape, backed
// by real third-party UPnP/NAT-PMP client libraries rather than stubbed).
package nat

import (
	"fmt"
	"net"
	"time"

	"github.com/huin/goupnp/dcps/internetgateway1"
	natpmp "github.com/jackpal/go-nat-pmp"
)

// Interface is implemented by all supported port-mapping mechanisms.
type Interface interface {
	// ExternalIP returns the router's external IP address.
	ExternalIP() (net.IP, error)
	// AddMapping maps an external port to the given internal port for the
	// given protocol ("udp" or "tcp"), valid for lifetime.
	AddMapping(protocol string, extport, intport int, desc string, lifetime time.Duration) error
	// DeleteMapping removes a previously added mapping.
	DeleteMapping(protocol string, extport, intport int) error
	String() string
}

// Parse parses a --nat flag value ("" or "none", "upnp", "pmp:<gateway-ip>",
// "extip:<ip>") into an Interface, in the style of geth's nat.Parse. "natpmp"
// and "nat-pmp" are aliases for "pmp", which always needs a gateway IP.
func Parse(spec string) (Interface, error) {
	var (
		parts = splitOnce(spec, ':')
		mech  = parts[0]
		rest  = parts[1]
	)
	switch mech {
	case "", "none":
		return nil, nil
	case "upnp":
		return UPnP(), nil
	case "pmp", "natpmp", "nat-pmp":
		gw := net.ParseIP(rest)
		if gw == nil {
			return nil, fmt.Errorf("nat: bad gateway IP %q in %q", rest, spec)
		}
		return PMP(gw), nil
	case "extip":
		ip := net.ParseIP(rest)
		if ip == nil {
			return nil, fmt.Errorf("nat: bad IP %q in %q", rest, spec)
		}
		return ExtIP(ip), nil
	default:
		return nil, fmt.Errorf("nat: unknown mechanism %q", spec)
	}
}

func splitOnce(s string, sep byte) [2]string {
	for i := 0; i < len(s); i++ {
		if s[i] == sep {
			return [2]string{s[:i], s[i+1:]}
		}
	}
	return [2]string{s, ""}
}

// Map adds a port mapping on m and keeps it refreshed until closing is
// closed, logging nothing itself — callers log via their own engine's
// logger, matching the teacher's go nat.Map(...) fire-and-forget usage.
func Map(m Interface, closing <-chan struct{}, protocol string, extport, intport int, desc string) {
	if m == nil {
		return
	}
	const renewalPeriod = 15 * time.Minute
	refresh := time.NewTimer(renewalPeriod)
	defer refresh.Stop()
	if err := m.AddMapping(protocol, extport, intport, desc, renewalPeriod+10*time.Second); err != nil {
		// best-effort; next tick retries.
	}
	for {
		select {
		case <-refresh.C:
			_ = m.AddMapping(protocol, extport, intport, desc, renewalPeriod+10*time.Second)
			refresh.Reset(renewalPeriod)
		case <-closing:
			_ = m.DeleteMapping(protocol, extport, intport)
			return
		}
	}
}

// extIP is a static, user-supplied external address: no mapping is
// performed, used when the operator already knows their public IP (e.g.
// cloud instances with 1:1 NAT).
type extIP net.IP

// ExtIP returns an Interface that reports ip as the external address and
// performs no actual mapping.
func ExtIP(ip net.IP) Interface {
	return extIP(ip)
}

func (n extIP) ExternalIP() (net.IP, error) { return net.IP(n), nil }
func (n extIP) String() string              { return fmt.Sprintf("extip(%v)", net.IP(n)) }
func (extIP) AddMapping(string, int, int, string, time.Duration) error { return nil }
func (extIP) DeleteMapping(string, int, int) error                     { return nil }

// upnp wraps a discovered Internet Gateway Device.
type upnpInterface struct {
	client *internetgateway1.WANIPConnection1
}

// UPnP returns an Interface that discovers a UPnP IGD on the local network
// on first use.
func UPnP() Interface {
	return &upnpDiscoverer{}
}

// upnpDiscoverer lazily discovers the gateway the first time it's needed,
// so constructing one is cheap and side-effect free.
type upnpDiscoverer struct {
	resolved *upnpInterface
}

func (d *upnpDiscoverer) discover() (*upnpInterface, error) {
	if d.resolved != nil {
		return d.resolved, nil
	}
	clients, _, err := internetgateway1.NewWANIPConnection1Clients()
	if err != nil {
		return nil, err
	}
	if len(clients) == 0 {
		return nil, fmt.Errorf("nat: no UPnP IGD found")
	}
	d.resolved = &upnpInterface{client: clients[0]}
	return d.resolved, nil
}

func (d *upnpDiscoverer) String() string { return "UPnP" }

func (d *upnpDiscoverer) ExternalIP() (net.IP, error) {
	u, err := d.discover()
	if err != nil {
		return nil, err
	}
	s, err := u.client.GetExternalIPAddress()
	if err != nil {
		return nil, err
	}
	ip := net.ParseIP(s)
	if ip == nil {
		return nil, fmt.Errorf("nat: bad IP from IGD: %q", s)
	}
	return ip, nil
}

func (d *upnpDiscoverer) AddMapping(protocol string, extport, intport int, desc string, lifetime time.Duration) error {
	u, err := d.discover()
	if err != nil {
		return err
	}
	ip, err := internalAddress()
	if err != nil {
		return err
	}
	return u.client.AddPortMapping("", uint16(extport), protocol, uint16(intport), ip.String(), true, desc, uint32(lifetime/time.Second))
}

func (d *upnpDiscoverer) DeleteMapping(protocol string, extport, intport int) error {
	u, err := d.discover()
	if err != nil {
		return err
	}
	return u.client.DeletePortMapping("", uint16(extport), protocol)
}

func internalAddress() (net.IP, error) {
	ifaces, err := net.InterfaceAddrs()
	if err != nil {
		return nil, err
	}
	for _, a := range ifaces {
		if ipnet, ok := a.(*net.IPNet); ok && !ipnet.IP.IsLoopback() {
			if ip4 := ipnet.IP.To4(); ip4 != nil {
				return ip4, nil
			}
		}
	}
	return nil, fmt.Errorf("nat: no routable local IPv4 address found")
}

// pmp wraps a NAT-PMP client pointed at a known gateway.
type pmp struct {
	gw     net.IP
	client *natpmp.Client
}

// PMP returns an Interface using NAT-PMP against the given gateway address.
func PMP(gw net.IP) Interface {
	return &pmp{gw: gw, client: natpmp.NewClient(gw)}
}

func (n *pmp) String() string { return fmt.Sprintf("NAT-PMP(%v)", n.gw) }

func (n *pmp) ExternalIP() (net.IP, error) {
	res, err := n.client.GetExternalAddress()
	if err != nil {
		return nil, err
	}
	ip := net.IPv4(res.ExternalIPAddress[0], res.ExternalIPAddress[1], res.ExternalIPAddress[2], res.ExternalIPAddress[3])
	return ip, nil
}

func (n *pmp) AddMapping(protocol string, extport, intport int, desc string, lifetime time.Duration) error {
	_, err := n.client.AddPortMapping(protocol, intport, extport, int(lifetime/time.Second))
	return err
}

func (n *pmp) DeleteMapping(protocol string, extport, intport int) error {
	_, err := n.client.AddPortMapping(protocol, intport, 0, 0)
	return err
}
