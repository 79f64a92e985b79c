package wire_test

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cagemesh/overlay/addr"
	"github.com/cagemesh/overlay/id"
	"github.com/cagemesh/overlay/wire"
)

func TestHeaderEncodeDecodeRoundTrip(t *testing.T) {
	src, err := id.New()
	require.NoError(t, err)
	dst, err := id.New()
	require.NoError(t, err)

	body := []byte("payload")
	h := wire.NewHeader(wire.TypeDgram, src, dst, len(body))
	packet := wire.Encode(h, body)
	require.Len(t, packet, wire.HeaderLen+len(body))

	got, err := wire.DecodeHeader(packet)
	require.NoError(t, err)
	require.Equal(t, h.Magic, got.Magic)
	require.Equal(t, h.Type, got.Type)
	require.Equal(t, src, got.Src)
	require.Equal(t, dst, got.Dst)
	require.Equal(t, body, packet[wire.HeaderLen:])
}

func TestDecodeHeaderRejectsShortBuffer(t *testing.T) {
	_, err := wire.DecodeHeader(make([]byte, wire.HeaderLen-1))
	require.Equal(t, wire.ErrTooSmall, err)
}

func TestDecodeHeaderRejectsBadMagic(t *testing.T) {
	buf := make([]byte, wire.HeaderLen)
	_, err := wire.DecodeHeader(buf)
	require.Equal(t, wire.ErrBadMagic, err)
}

func TestDecodeHeaderRejectsLengthMismatch(t *testing.T) {
	src, dst := id.Zero, id.Zero
	h := wire.NewHeader(wire.TypeDgram, src, dst, 10)
	packet := wire.Encode(h, make([]byte, 3))
	_, err := wire.DecodeHeader(packet)
	require.Equal(t, wire.ErrBadLength, err)
}

func TestTypeStringKnownAndUnknown(t *testing.T) {
	require.Equal(t, "dht-find-node", wire.TypeDHTFindNode.String())
	require.Equal(t, "unknown", wire.Type(0).String())
}

func TestPingRoundTrip(t *testing.T) {
	body := wire.EncodePing(42)
	nonce, ok := wire.DecodePing(body)
	require.True(t, ok)
	require.Equal(t, uint32(42), nonce)

	_, ok = wire.DecodePing(nil)
	require.False(t, ok)
}

func TestFindNodeRoundTrip(t *testing.T) {
	target, err := id.New()
	require.NoError(t, err)
	body := wire.EncodeFindNode(7, target)
	got, ok := wire.DecodeFindNode(body)
	require.True(t, ok)
	require.Equal(t, uint32(7), got.Nonce)
	require.Equal(t, target, got.Target)
}

func TestFindNodeReplyHeaderRoundTrip(t *testing.T) {
	target, err := id.New()
	require.NoError(t, err)
	h := wire.FindNodeReplyHeader{Nonce: 3, Target: target, Num: 2}
	buf := wire.EncodeFindNodeReplyHeader(h)
	got, rest, ok := wire.DecodeFindNodeReplyHeader(buf)
	require.True(t, ok)
	require.Empty(t, rest)
	require.Equal(t, h, got)
}

func TestStoreRoundTrip(t *testing.T) {
	key, err := id.New()
	require.NoError(t, err)
	value := []byte("hello world")
	h := wire.StoreHeader{Key: key, KeyLen: uint16(id.Len), ValueLen: uint16(len(value)), TTL: 300}
	body := wire.EncodeStore(h, key[:], value)
	gotH, gotKey, gotValue, ok := wire.DecodeStore(body)
	require.True(t, ok)
	require.Equal(t, key, gotH.Key)
	require.Equal(t, key[:], gotKey)
	require.Equal(t, value, gotValue)
}

func TestEchoRoundTrip(t *testing.T) {
	body := wire.EncodeEcho(99)
	nonce, ok := wire.DecodeEcho(body)
	require.True(t, ok)
	require.Equal(t, uint32(99), nonce)
}

func TestEchoReplyRoundTripV4(t *testing.T) {
	ep := addr.Endpoint{Family: addr.Inet, IP: net.IPv4(1, 2, 3, 4).To4(), Port: 5555}
	body := wire.EncodeEchoReply(12, ep)
	nonce, observed, ok := wire.DecodeEchoReply(body)
	require.True(t, ok)
	require.Equal(t, uint32(12), nonce)
	require.Equal(t, ep.Port, observed.Port)
	require.True(t, ep.IP.Equal(observed.IP))
}

func TestEchoRedirectRoundTrip(t *testing.T) {
	body := wire.EncodeEchoRedirect(5, 4321)
	nonce, port, ok := wire.DecodeEchoRedirect(body)
	require.True(t, ok)
	require.Equal(t, uint32(5), nonce)
	require.Equal(t, uint16(4321), port)
}

func TestRegisterRoundTrip(t *testing.T) {
	body := wire.EncodeRegister(0xdeadbeef)
	session, ok := wire.DecodeRegister(body)
	require.True(t, ok)
	require.Equal(t, uint32(0xdeadbeef), session)
}

func TestRequestByUsesPacketSourceWhenZero(t *testing.T) {
	body := wire.EncodeRequestBy(1, addr.Endpoint{})
	from := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 1).To4(), Port: 4000}
	got, ok := wire.DecodeRequestBy(body, from)
	require.True(t, ok)
	require.Equal(t, uint32(1), got.Nonce)
	require.True(t, got.Endpoint.IP.Equal(from.IP))
	require.Equal(t, uint16(from.Port), got.Endpoint.Port)
}

func TestRequestByUsesExplicitEndpoint(t *testing.T) {
	ep := addr.Endpoint{Family: addr.Inet, IP: net.IPv4(8, 8, 8, 8).To4(), Port: 53}
	body := wire.EncodeRequestBy(2, ep)
	got, ok := wire.DecodeRequestBy(body, &net.UDPAddr{})
	require.True(t, ok)
	require.Equal(t, ep.Port, got.Endpoint.Port)
	require.True(t, ep.IP.Equal(got.Endpoint.IP))
}

func TestNodesInetRoundTrip(t *testing.T) {
	a, err := id.New()
	require.NoError(t, err)
	b, err := id.New()
	require.NoError(t, err)
	nodes := []addr.Descriptor{
		{ID: a, Endpoint: addr.Endpoint{Family: addr.Inet, IP: net.IPv4(1, 1, 1, 1).To4(), Port: 100}},
		{ID: b, Endpoint: addr.Endpoint{Family: addr.Loopback}},
	}
	buf := wire.EncodeNodesInet(nodes)
	from := &net.UDPAddr{IP: net.IPv4(9, 9, 9, 9).To4(), Port: 200}
	got := wire.DecodeNodesInet(buf, len(nodes), from, nil)
	require.Len(t, got, 2)
	require.Equal(t, a, got[0].ID)
	require.Equal(t, uint16(100), got[0].Endpoint.Port)
	require.Equal(t, b, got[1].ID)
	require.True(t, got[1].Endpoint.IP.Equal(from.IP))
}

func TestNodesInetSkipsTimedOut(t *testing.T) {
	a, err := id.New()
	require.NoError(t, err)
	nodes := []addr.Descriptor{{ID: a, Endpoint: addr.Endpoint{Family: addr.Inet, IP: net.IPv4(1, 1, 1, 1).To4(), Port: 1}}}
	buf := wire.EncodeNodesInet(nodes)
	got := wire.DecodeNodesInet(buf, 1, &net.UDPAddr{}, func(x id.ID) bool { return x.Equal(a) })
	require.Empty(t, got)
}

func TestNodesInet6RoundTrip(t *testing.T) {
	a, err := id.New()
	require.NoError(t, err)
	ip := net.ParseIP("2001:db8::1")
	nodes := []addr.Descriptor{{ID: a, Endpoint: addr.Endpoint{Family: addr.Inet6, IP: ip, Port: 7000}}}
	buf := wire.EncodeNodesInet6(nodes)
	got := wire.DecodeNodesInet6(buf, 1, &net.UDPAddr{}, nil)
	require.Len(t, got, 1)
	require.Equal(t, a, got[0].ID)
	require.Equal(t, uint16(7000), got[0].Endpoint.Port)
	require.True(t, ip.Equal(got[0].Endpoint.IP))
}
