package authority

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dnsscience/iterdns/internal/wire"
)

func testRootServers() map[string]netip.Addr {
	return map[string]netip.Addr{
		"a.root-servers.net.": netip.MustParseAddr("198.41.0.4"),
		"f.root-servers.net.": netip.MustParseAddr("192.5.5.241"),
	}
}

func TestNewCacheSeedsRoot(t *testing.T) {
	c := New(testRootServers())
	zone := c.LongestKnownZone(mustName(t, "example.com"))
	assert.True(t, zone.IsRoot(), "with no other zones known, longest known zone must be root")

	auths := c.AuthoritiesUnder(wire.Root())
	require.Len(t, auths, 2)
	for _, a := range auths {
		assert.True(t, a.HasAddress(), "root servers must be known with an address")
	}
}

func mustName(t *testing.T, s string) wire.Name {
	t.Helper()
	n, err := wire.NameFromString(s)
	require.NoError(t, err)
	return n
}

func nsRR(t *testing.T, zone, nsdname string, ttl uint32) wire.RR {
	t.Helper()
	return wire.RR{Name: mustName(t, zone), Class: wire.ClassIN, TTL: ttl, Data: wire.NSData{NSDName: mustName(t, nsdname)}}
}

func aRR(t *testing.T, owner string, ip string, ttl uint32) wire.RR {
	t.Helper()
	return wire.RR{Name: mustName(t, owner), Class: wire.ClassIN, TTL: ttl, Data: wire.AData{Addr: netip.MustParseAddr(ip).AsSlice()}}
}

func TestUpdateWithGlueGoesToKnown(t *testing.T) {
	c := New(testRootServers())
	authSection := []wire.RR{nsRR(t, "example.com", "ns1.example.com", 3600)}
	addlSection := []wire.RR{aRR(t, "ns1.example.com", "93.184.216.34", 3600)}

	learned := c.Update(authSection, addlSection)
	require.Len(t, learned, 1)
	assert.True(t, learned[0].HasAddress())

	auths := c.AuthoritiesUnder(mustName(t, "example.com"))
	require.Len(t, auths, 1)
	assert.Equal(t, "93.184.216.34", auths[0].Address.String())
}

func TestUpdateWithoutGlueGoesToUnknown(t *testing.T) {
	c := New(testRootServers())
	authSection := []wire.RR{nsRR(t, "example.com", "ns1.example.com", 3600)}

	learned := c.Update(authSection, nil)
	require.Len(t, learned, 1)
	assert.False(t, learned[0].HasAddress())

	auths := c.AuthoritiesUnder(mustName(t, "example.com"))
	require.Len(t, auths, 1)
	assert.False(t, auths[0].HasAddress())
}

func TestUpdateTransitionsUnknownToKnown(t *testing.T) {
	c := New(testRootServers())
	authSection := []wire.RR{nsRR(t, "example.com", "ns1.example.com", 3600)}
	c.Update(authSection, nil)

	learned := c.Update(authSection, []wire.RR{aRR(t, "ns1.example.com", "93.184.216.34", 3600)})
	require.Len(t, learned, 1)
	assert.True(t, learned[0].HasAddress())

	auths := c.AuthoritiesUnder(mustName(t, "example.com"))
	require.Len(t, auths, 1)
	assert.True(t, auths[0].HasAddress())
}

func TestUpdateFirstWriterWinsOnceKnown(t *testing.T) {
	c := New(testRootServers())
	authSection := []wire.RR{nsRR(t, "example.com", "ns1.example.com", 3600)}
	c.Update(authSection, []wire.RR{aRR(t, "ns1.example.com", "93.184.216.34", 3600)})

	// A second update claiming a different address for the same
	// nsdname must not overwrite the already-known entry.
	learned := c.Update(authSection, []wire.RR{aRR(t, "ns1.example.com", "1.2.3.4", 3600)})
	assert.Empty(t, learned, "already-known authority must not be relearned")

	auths := c.AuthoritiesUnder(mustName(t, "example.com"))
	require.Len(t, auths, 1)
	assert.Equal(t, "93.184.216.34", auths[0].Address.String())
}

func TestLongestKnownZoneWalksUpward(t *testing.T) {
	c := New(testRootServers())
	c.Update([]wire.RR{nsRR(t, "com", "a.gtld-servers.net", 3600)}, []wire.RR{aRR(t, "a.gtld-servers.net", "192.5.6.30", 3600)})

	zone := c.LongestKnownZone(mustName(t, "example.com"))
	assert.Equal(t, "com.", zone.String())

	zone = c.LongestKnownZone(mustName(t, "com"))
	assert.Equal(t, "com.", zone.String())

	zone = c.LongestKnownZone(wire.Root())
	assert.True(t, zone.IsRoot())
}

func TestRemoveUnknownEvicts(t *testing.T) {
	c := New(testRootServers())
	c.Update([]wire.RR{nsRR(t, "example.com", "ns1.example.com", 3600)}, nil)
	auths := c.AuthoritiesUnder(mustName(t, "example.com"))
	require.Len(t, auths, 1)

	c.RemoveUnknown(auths[0])
	assert.Empty(t, c.AuthoritiesUnder(mustName(t, "example.com")))
}

func TestResolveAddressMovesToKnown(t *testing.T) {
	c := New(testRootServers())
	c.Update([]wire.RR{nsRR(t, "example.com", "ns1.example.com", 3600)}, nil)
	auths := c.AuthoritiesUnder(mustName(t, "example.com"))
	require.Len(t, auths, 1)

	c.ResolveAddress(auths[0], netip.MustParseAddr("93.184.216.34"))

	auths = c.AuthoritiesUnder(mustName(t, "example.com"))
	require.Len(t, auths, 1)
	assert.True(t, auths[0].HasAddress())
}

func TestAuthoritiesUnderOrdersKnownBeforeUnknown(t *testing.T) {
	c := New(testRootServers())
	c.Update(
		[]wire.RR{
			nsRR(t, "example.com", "ns1.example.com", 3600),
			nsRR(t, "example.com", "ns2.example.com", 3600),
		},
		[]wire.RR{aRR(t, "ns2.example.com", "93.184.216.34", 3600)},
	)
	auths := c.AuthoritiesUnder(mustName(t, "example.com"))
	require.Len(t, auths, 2)
	assert.True(t, auths[0].HasAddress(), "known authorities must sort before unknown")
	assert.False(t, auths[1].HasAddress())
}
