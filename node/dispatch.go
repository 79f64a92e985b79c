package node

import (
	"github.com/cagemesh/overlay/addr"
	"github.com/cagemesh/overlay/wire"
)

// registerHandlers wires every wire.Type this node answers to its owning
// engine. Three groups of codes are deliberately left unbound:
//
//   - TypeNATEchoRedirectReply: a redirect-reply never lands on the main
//     socket's dispatch table at all. natclass.Classifier opens its own
//     ephemeral socket for the echo-redirect confirmation round trip (spec.md
//     §4.4 step 2) and decodes that socket's single incoming packet itself;
//     the main transport has no handler for this type because it is never
//     the one receiving it.
//   - TypeDTUNFindValue/TypeDTUNFindValueReply: the DTUN rendezvous table has
//     no find-value semantics in this port (it only ever answers find_node),
//     so no handler is registered for either.
//   - TypeProxyStore/TypeProxyGet/TypeProxyDgram/TypeProxyRDP: these are
//     leftover envelope-style codes from the original's generic proxy
//     relay. transport.Transport already forwards any message whose Dst
//     doesn't match the local node to the proxy engine regardless of Type
//     (preserving the original h.Type), so a client's real dht-store,
//     dht-find-node, dgram or rdp traffic reaches the server under its own
//     native type and these four have no work left to do here.
func (n *Node) registerHandlers() {
	n.tr.Handle(wire.TypeNATEcho, func(from addr.Endpoint, h wire.Header, body []byte) {
		n.natClass.HandleEcho(from, body)
	})
	n.tr.Handle(wire.TypeNATEchoReply, func(from addr.Endpoint, h wire.Header, body []byte) {
		n.natClass.HandleEchoReply(body)
	})
	n.tr.Handle(wire.TypeNATEchoRedirect, func(from addr.Endpoint, h wire.Header, body []byte) {
		n.natClass.HandleEchoRedirect(from, body)
	})

	n.tr.Handle(wire.TypeDTUNPing, func(from addr.Endpoint, h wire.Header, body []byte) {
		n.dtunEngine.HandlePing(from, body)
	})
	n.tr.Handle(wire.TypeDTUNPingReply, func(from addr.Endpoint, h wire.Header, body []byte) {
		n.dtunPinger.OnPingReply(body)
	})
	n.tr.Handle(wire.TypeDTUNFindNode, func(from addr.Endpoint, h wire.Header, body []byte) {
		n.dtunEngine.HandleFindNode(from, h.Src, body)
	})
	n.tr.Handle(wire.TypeDTUNFindNodeReply, func(from addr.Endpoint, h wire.Header, body []byte) {
		n.dtunEngine.HandleFindNodeReply(from, h.Src, body)
	})
	n.tr.Handle(wire.TypeDTUNRegister, func(from addr.Endpoint, h wire.Header, body []byte) {
		n.dtunEngine.HandleRegister(from, h.Src, body)
	})
	n.tr.Handle(wire.TypeDTUNRequest, func(from addr.Endpoint, h wire.Header, body []byte) {
		n.dtunEngine.HandleRequest(from, body)
	})
	n.tr.Handle(wire.TypeDTUNRequestBy, func(from addr.Endpoint, h wire.Header, body []byte) {
		n.dtunEngine.HandleRequestBy(from, body)
	})
	n.tr.Handle(wire.TypeDTUNRequestReply, func(from addr.Endpoint, h wire.Header, body []byte) {
		n.dtunEngine.HandleRequestReply(body)
	})

	n.tr.Handle(wire.TypeDHTPing, func(from addr.Endpoint, h wire.Header, body []byte) {
		n.dhtEngine.HandlePing(from, body)
	})
	n.tr.Handle(wire.TypeDHTPingReply, func(from addr.Endpoint, h wire.Header, body []byte) {
		n.dhtPinger.OnPingReply(body)
	})
	n.tr.Handle(wire.TypeDHTFindNode, func(from addr.Endpoint, h wire.Header, body []byte) {
		n.dhtEngine.HandleFindNode(from, h.Src, body, false)
	})
	n.tr.Handle(wire.TypeDHTFindNodeReply, func(from addr.Endpoint, h wire.Header, body []byte) {
		n.dhtEngine.HandleFindNodeReply(from, h.Src, body)
	})
	n.tr.Handle(wire.TypeDHTFindValue, func(from addr.Endpoint, h wire.Header, body []byte) {
		n.dhtEngine.HandleFindNode(from, h.Src, body, true)
	})
	n.tr.Handle(wire.TypeDHTFindValueReply, func(from addr.Endpoint, h wire.Header, body []byte) {
		n.dhtEngine.HandleFindNodeReply(from, h.Src, body)
	})
	n.tr.Handle(wire.TypeDHTStore, func(from addr.Endpoint, h wire.Header, body []byte) {
		n.dhtEngine.HandleStore(body)
	})

	n.tr.Handle(wire.TypeAdvertise, func(from addr.Endpoint, h wire.Header, body []byte) {
		n.advertiseEngine.HandleAdvertise(from, body)
	})
	n.tr.Handle(wire.TypeAdvertiseReply, func(from addr.Endpoint, h wire.Header, body []byte) {
		n.advertiseEngine.HandleAdvertiseReply(body)
	})

	n.tr.Handle(wire.TypeProxyRegister, func(from addr.Endpoint, h wire.Header, body []byte) {
		n.proxyEngine.HandleRegisterOrReply(from, h.Src, body)
	})

	n.tr.Handle(wire.TypeDgram, func(from addr.Endpoint, h wire.Header, body []byte) {
		n.dgramEngine.HandleDgram(from, h, body)
	})

	n.tr.Handle(wire.TypeRDP, func(from addr.Endpoint, h wire.Header, body []byte) {
		n.rdpEngine.HandleRDP(from, h, body)
	})
}
