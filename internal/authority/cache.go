// Package authority implements the resolver's delegation-graph cache:
// zone name to the set of nameservers known (with address) or still
// unknown (needing glue resolution) to serve it.
package authority

import (
	"crypto/rand"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/dchest/siphash"

	"github.com/dnsscience/iterdns/internal/wire"
)

// numStripes bounds the cache to a handful of independently-locked
// buckets. The authority graph in flight during a single resolution
// is at most a few hundred zones, so wide sharding (as a query-cache
// would use) would be pure overhead here; a dozen-odd stripes is
// enough to keep nested sub-resolutions (which reenter the cache)
// from serializing on one lock end to end.
const numStripes = 16

// Authority is one nameserver known (or not yet known) to serve zone.
// Identity within a zone's submaps is by NSDName: two records under
// the same zone with the same nsdname are the same authority
// regardless of which submap they started in.
type Authority struct {
	Zone       wire.Name
	NSDName    wire.Name
	Address    netip.Addr // IsValid() == false means address unknown
	Expiration time.Time  // informational; entries are not yet evicted on TTL
}

func (a *Authority) HasAddress() bool { return a.Address.IsValid() }

type zoneEntry struct {
	known   map[string]*Authority // keyed by lowercased nsdname
	unknown map[string]*Authority
}

func newZoneEntry() *zoneEntry {
	return &zoneEntry{known: make(map[string]*Authority), unknown: make(map[string]*Authority)}
}

type stripe struct {
	mu    sync.Mutex
	zones map[string]*zoneEntry // keyed by lowercased zone name
}

// Cache is the resolver-owned authority cache. It is safe for the
// nested glue sub-resolutions the resolver's single resolution thread
// performs: each reentry locks only the stripe its zone hashes to.
type Cache struct {
	stripes [numStripes]*stripe
	k0, k1  uint64
}

func nameKey(n wire.Name) string { return strings.ToLower(n.String()) }

// New builds a Cache pre-seeded with the root zone and the given root
// server addresses. The root entry always exists and is non-empty, so
// walking up the name tree always terminates.
func New(rootServers map[string]netip.Addr) *Cache {
	c := &Cache{}
	var keyBuf [16]byte
	// A process-random key is enough here: the goal is resistance to
	// an off-path attacker choosing zone/nsdname strings to collide a
	// predictable hash, not cryptographic authentication.
	if _, err := rand.Read(keyBuf[:]); err != nil {
		// crypto/rand failing means the platform's entropy source is
		// broken; there is nothing safe to fall back to.
		panic("authority: crypto/rand unavailable: " + err.Error())
	}
	c.k0 = le64(keyBuf[0:8])
	c.k1 = le64(keyBuf[8:16])
	for i := range c.stripes {
		c.stripes[i] = &stripe{zones: make(map[string]*zoneEntry)}
	}

	root := wire.Root()
	entry := newZoneEntry()
	for name, addr := range rootServers {
		n, err := wire.NameFromString(name)
		if err != nil {
			continue
		}
		entry.known[nameKey(n)] = &Authority{Zone: root, NSDName: n, Address: addr}
	}
	c.stripeFor(nameKey(root)).zones[nameKey(root)] = entry
	return c
}

func le64(b []byte) uint64 {
	return uint64(b[0]) | uint64(b[1])<<8 | uint64(b[2])<<16 | uint64(b[3])<<24 |
		uint64(b[4])<<32 | uint64(b[5])<<40 | uint64(b[6])<<48 | uint64(b[7])<<56
}

func (c *Cache) stripeFor(zoneKey string) *stripe {
	h := siphash.Hash(c.k0, c.k1, []byte(zoneKey))
	return c.stripes[h%uint64(numStripes)]
}

func (c *Cache) entry(zoneKey string) *zoneEntry {
	s := c.stripeFor(zoneKey)
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.zones[zoneKey]
	if !ok {
		e = newZoneEntry()
		s.zones[zoneKey] = e
	}
	return e
}

func (c *Cache) lookupEntry(zoneKey string) (*zoneEntry, bool) {
	s := c.stripeFor(zoneKey)
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.zones[zoneKey]
	return e, ok
}

// LongestKnownZone returns the deepest ancestor of name (including
// name itself) whose known submap is non-empty. The root zone is
// always pre-seeded and non-empty, so this always terminates.
func (c *Cache) LongestKnownZone(name wire.Name) wire.Name {
	zone := name
	for {
		key := nameKey(zone)
		s := c.stripeFor(key)
		s.mu.Lock()
		e, ok := s.zones[key]
		nonEmpty := ok && len(e.known) > 0
		s.mu.Unlock()
		if nonEmpty {
			return zone
		}
		if zone.IsRoot() {
			// Unreachable in practice since root is always seeded
			// non-empty, but guards against a caller clearing it.
			return zone
		}
		zone = zone.Parent()
	}
}

// AuthoritiesUnder returns the authorities filed under zone, known
// entries first (ready to query) then unknown (need glue resolution).
func (c *Cache) AuthoritiesUnder(zone wire.Name) []*Authority {
	e, ok := c.lookupEntry(nameKey(zone))
	if !ok {
		return nil
	}
	s := c.stripeFor(nameKey(zone))
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Authority, 0, len(e.known)+len(e.unknown))
	for _, a := range e.known {
		out = append(out, a)
	}
	for _, a := range e.unknown {
		out = append(out, a)
	}
	return out
}

// RemoveUnknown evicts a from its zone's unknown submap, used when a
// glue sub-resolution conclusively fails.
func (c *Cache) RemoveUnknown(a *Authority) {
	key := nameKey(a.Zone)
	s := c.stripeFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.zones[key]; ok {
		delete(e.unknown, nameKey(a.NSDName))
	}
}

// ResolveAddress fills in a's address once glue resolution succeeds
// and moves it from unknown to known within its zone.
func (c *Cache) ResolveAddress(a *Authority, addr netip.Addr) {
	key := nameKey(a.Zone)
	s := c.stripeFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.zones[key]
	if !ok {
		return
	}
	nk := nameKey(a.NSDName)
	delete(e.unknown, nk)
	a.Address = addr
	e.known[nk] = a
}

// Update derives candidate authorities from the AUTHORITY section's
// NS/SOA records and fills addresses from matching A records in the
// ADDITIONAL section, merging each into the cache row for the zone it
// serves. It returns the authorities that were newly learned or
// transitioned to known this call, known-address ones first, for the
// resolver to prepend to its iteration.
func (c *Cache) Update(authoritySection, additionalSection []wire.RR) []*Authority {
	type candidate struct {
		zone, nsdname wire.Name
		ttl           uint32
	}
	var candidates []candidate
	for _, rr := range authoritySection {
		switch d := rr.Data.(type) {
		case wire.NSData:
			candidates = append(candidates, candidate{zone: rr.Name, nsdname: d.NSDName, ttl: rr.TTL})
		case wire.SOAData:
			candidates = append(candidates, candidate{zone: rr.Name, nsdname: d.MName, ttl: rr.TTL})
		}
	}
	if len(candidates) == 0 {
		return nil
	}

	glue := make(map[string]netip.Addr)
	for _, rr := range additionalSection {
		a, ok := rr.Data.(wire.AData)
		if !ok {
			continue
		}
		ip4 := a.Addr.To4()
		if ip4 == nil {
			continue
		}
		addr := netip.AddrFrom4([4]byte{ip4[0], ip4[1], ip4[2], ip4[3]})
		glue[nameKey(rr.Name)] = addr
	}

	var learnedKnown, learnedUnknown []*Authority
	for _, cand := range candidates {
		zoneKey := nameKey(cand.zone)
		nsKey := nameKey(cand.nsdname)
		addr, hasAddr := glue[nsKey]

		s := c.stripeFor(zoneKey)
		s.mu.Lock()
		e, ok := s.zones[zoneKey]
		if !ok {
			e = newZoneEntry()
			s.zones[zoneKey] = e
		}

		var result *Authority
		switch {
		case e.known[nsKey] != nil:
			// First-writer-wins: an already-known authority is left
			// unchanged.
		case e.unknown[nsKey] != nil:
			existing := e.unknown[nsKey]
			if hasAddr {
				delete(e.unknown, nsKey)
				existing.Address = addr
				e.known[nsKey] = existing
				result = existing
			}
		default:
			exp := time.Time{}
			if cand.ttl > 0 {
				exp = time.Now().Add(time.Duration(cand.ttl) * time.Second)
			}
			a := &Authority{Zone: cand.zone, NSDName: cand.nsdname, Expiration: exp}
			if hasAddr {
				a.Address = addr
				e.known[nsKey] = a
			} else {
				e.unknown[nsKey] = a
			}
			result = a
		}
		s.mu.Unlock()

		if result != nil {
			if result.HasAddress() {
				learnedKnown = append(learnedKnown, result)
			} else {
				learnedUnknown = append(learnedUnknown, result)
			}
		}
	}

	return append(learnedKnown, learnedUnknown...)
}
