package netaddr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveLiteral(t *testing.T) {
	a, err := Resolve("192.168.1.10:8080")
	require.NoError(t, err)
	assert.Equal(t, [4]byte{192, 168, 1, 10}, a.IP())
	assert.Equal(t, uint16(8080), a.Port())
	assert.Equal(t, "192.168.1.10:8080", a.String())
}

func TestResolveWildcard(t *testing.T) {
	a, err := Resolve(":9000")
	require.NoError(t, err)
	assert.Equal(t, [4]byte{}, a.IP())
	assert.Equal(t, uint16(9000), a.Port())
}

func TestResolveBadInput(t *testing.T) {
	_, err := Resolve("no-port-here")
	assert.Error(t, err)

	_, err = Resolve("127.0.0.1:notaport")
	assert.Error(t, err)

	_, err = Resolve("[::1]:80")
	assert.Error(t, err, "IPv6 literals are rejected")
}

func TestSockaddrRoundTrip(t *testing.T) {
	a := Loopback(4242)
	sa := a.Sockaddr()
	b := FromSockaddr(sa)
	require.NotNil(t, b)
	assert.Equal(t, a.String(), b.String())
}

func TestWithPort(t *testing.T) {
	a := Loopback(80)
	b := a.WithPort(443)
	assert.Equal(t, uint16(80), a.Port())
	assert.Equal(t, uint16(443), b.Port())
	assert.Equal(t, a.IP(), b.IP())
}
