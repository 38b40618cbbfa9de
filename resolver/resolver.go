// Package resolver implements iterative DNS resolution: given a name,
// a record type, and a class, it walks the delegation graph from the
// longest already-known zone down to an answer, chasing CNAME/DNAME
// aliases and sub-resolving glue-less nameservers along the way.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/dnsscience/iterdns/internal/authority"
	"github.com/dnsscience/iterdns/internal/config"
	"github.com/dnsscience/iterdns/internal/metrics"
	"github.com/dnsscience/iterdns/internal/randomid"
	"github.com/dnsscience/iterdns/internal/transport"
	"github.com/dnsscience/iterdns/internal/wire"
)

// maxDepth bounds the combined nesting of glue sub-resolutions and
// alias chases. Without it a pathological delegation chain (each
// nameserver's address living in a zone served by another glue-less
// nameserver) or a long CNAME chain could recurse unboundedly.
const maxDepth = 16

var (
	// ErrNoRespondingServers is returned when the resolver has walked
	// up to the root and exhausted every known authority without a
	// usable reply.
	ErrNoRespondingServers = errors.New("resolver: no responding servers")
	// ErrDepthExceeded is returned when glue or alias nesting passes
	// maxDepth.
	ErrDepthExceeded = errors.New("resolver: alias or delegation depth exceeded")
)

// DnsNameError is returned when an authoritative server answers
// NAME_ERROR for name; it is fatal to the whole resolution.
type DnsNameError struct {
	Name wire.Name
}

func (e *DnsNameError) Error() string {
	return fmt.Sprintf("resolver: %s: no such name", e.Name)
}

// DnsError is a server-reported failure other than NAME_ERROR
// (SERVER_FAILURE, REFUSED, ...). A single such reply only rotates the
// resolver to the next authority; DnsError surfaces to the caller when
// every authority has been exhausted and at least one of them failed
// this way.
type DnsError struct {
	RCode wire.RCode
	AA    bool
}

func (e *DnsError) Error() string {
	return fmt.Sprintf("resolver: server error rcode=%d aa=%v", e.RCode, e.AA)
}

// Response is the result of a successful Resolve call: the final
// message's sections, with Answer holding the full alias trail
// (earlier CNAME/DNAME hops prepended ahead of the terminal answer).
type Response struct {
	Header     wire.Header
	Questions  []wire.Question
	Answer     []wire.RR
	Authority  []wire.RR
	Additional []wire.RR
}

func newResponse(msg wire.Message, prior []wire.RR) Response {
	answer := make([]wire.RR, 0, len(prior)+len(msg.Answer))
	answer = append(answer, prior...)
	answer = append(answer, msg.Answer...)
	return Response{
		Header:     msg.Header,
		Questions:  msg.Questions,
		Answer:     answer,
		Authority:  msg.Authority,
		Additional: msg.Additional,
	}
}

// exchanger is the transport dependency Resolver needs; satisfied by
// *transport.Transport in production and by a fake in tests.
type exchanger interface {
	Exchange(ctx context.Context, addr netip.Addr, id uint16, questions []wire.Question, queryBuf []byte, budget *transport.Budget) (wire.Message, error)
}

// Resolver is the top-level resolution client. It runs one resolution
// at a time: the cache and UDP socket it owns are reentered by nested
// glue sub-resolutions on the same call stack, never by a second
// concurrent Resolve.
type Resolver struct {
	cfg       config.Config
	cache     *authority.Cache
	transport exchanger
	seq       *randomid.Sequence
	metrics   *metrics.Metrics
}

// New builds a Resolver with its own UDP socket and a cache pre-seeded
// from cfg.RootServers. m may be nil to disable instrumentation.
func New(cfg config.Config, m *metrics.Metrics) (*Resolver, error) {
	t, err := transport.New(transport.Config{
		SendTimeout: cfg.SendTimeout,
		RecvTimeout: cfg.RecvTimeout,
	})
	if err != nil {
		return nil, err
	}
	t.OnTCPPromotion(m.TCPPromotion)
	return &Resolver{
		cfg:       cfg,
		cache:     authority.New(cfg.RootServers),
		transport: t,
		seq:       randomid.NewSequence(),
		metrics:   m,
	}, nil
}

// Close releases the resolver's UDP socket.
func (r *Resolver) Close() error {
	if t, ok := r.transport.(*transport.Transport); ok {
		return t.Close()
	}
	return nil
}

// Resolve resolves name for qtype and qclass, returning the matched
// resource records or one of DnsNameError, ErrNoRespondingServers,
// transport.ErrRetryExceeded, wire.ErrMalformedMessage, or DnsError.
func (r *Resolver) Resolve(ctx context.Context, name string, qtype wire.QType, qclass wire.QClass) (Response, error) {
	n, err := wire.NameFromString(name)
	if err != nil {
		return Response{}, err
	}
	start := time.Now()
	budget := &transport.Budget{MaxRetries: r.cfg.MaxRetries, MaxRetriesPerHost: r.cfg.MaxRetriesPerHost}
	resp, err := r.resolve(ctx, n, qtype, qclass, nil, 0, budget)
	r.metrics.ObserveResolveSeconds(time.Since(start).Seconds())
	if err != nil {
		if errors.Is(err, transport.ErrRetryExceeded) || errors.Is(err, ErrNoRespondingServers) {
			r.metrics.RetriesExhausted()
		}
	}
	return resp, err
}

// authoritiesFrom returns zone's authorities, known-address entries
// first, with the configured preferred root server moved to the front
// when zone is the root.
func (r *Resolver) authoritiesFrom(zone wire.Name) []*authority.Authority {
	auths := r.cache.AuthoritiesUnder(zone)
	if !zone.IsRoot() || r.cfg.PreferredRoot == "" {
		return auths
	}
	for i, a := range auths {
		if a.NSDName.String() == r.cfg.PreferredRoot && i != 0 {
			preferred := a
			rest := append(append([]*authority.Authority{}, auths[:i]...), auths[i+1:]...)
			return append([]*authority.Authority{preferred}, rest...)
		}
	}
	return auths
}

// zoneAndIter derives the longest known zone for name and its
// authority iterator, recording whether the cache held anything
// deeper than the pre-seeded root.
func (r *Resolver) zoneAndIter(name wire.Name) (wire.Name, []*authority.Authority) {
	zone := r.cache.LongestKnownZone(name)
	if zone.IsRoot() {
		r.metrics.CacheMiss()
	} else {
		r.metrics.CacheHit()
	}
	return zone, r.authoritiesFrom(zone)
}

func (r *Resolver) resolve(ctx context.Context, name wire.Name, qtype wire.QType, qclass wire.QClass, prior []wire.RR, depth int, budget *transport.Budget) (Response, error) {
	if depth > maxDepth {
		return Response{}, ErrDepthExceeded
	}

	zone, iter := r.zoneAndIter(name)
	var lastServerErr *DnsError

	for {
		if len(iter) == 0 {
			if zone.IsRoot() {
				if lastServerErr != nil {
					return Response{}, lastServerErr
				}
				return Response{}, ErrNoRespondingServers
			}
			zone = r.cache.LongestKnownZone(zone.Parent())
			iter = r.authoritiesFrom(zone)
			continue
		}

		auth := iter[0]
		iter = iter[1:]

		if !auth.HasAddress() {
			addr, ok, err := r.resolveGlue(ctx, auth.NSDName, depth)
			if err != nil {
				return Response{}, err
			}
			if !ok {
				r.cache.RemoveUnknown(auth)
				continue
			}
			r.cache.ResolveAddress(auth, addr)
		}

		budget.ResetHost()
		id := r.seq.Next()
		questions := []wire.Question{{Name: name, QType: qtype, QClass: qclass}}
		queryBuf, err := wire.EncodeQuery(id, r.cfg.RD, questions, nil)
		if err != nil {
			return Response{}, err
		}

		resp, err := r.transport.Exchange(ctx, auth.Address, id, questions, queryBuf, budget)
		if err != nil {
			if errors.Is(err, transport.ErrHostRetryExceeded) {
				r.metrics.QueryHostExhausted()
				continue
			}
			return Response{}, err
		}
		r.metrics.QuerySucceeded()

		if resp.Header.RCode != wire.RCodeNoError {
			if resp.Header.RCode == wire.RCodeNameError {
				return Response{}, &DnsNameError{Name: name}
			}
			r.metrics.QueryDNSError()
			lastServerErr = &DnsError{RCode: resp.Header.RCode, AA: resp.Header.AA}
			continue
		}

		// Every referral teaches the cache something; the freshly
		// learned authorities jump the queue, address-bearing ones
		// first, so the walk descends instead of retrying the zone we
		// just asked.
		learned := r.cache.Update(resp.Authority, resp.Additional)
		if len(learned) > 0 {
			iter = append(learned, iter...)
		}

		if len(resp.Answer) > 0 && (resp.Header.AA || !r.cfg.RequiredAA) {
			if qtype == wire.QTypeANY {
				return newResponse(resp, prior), nil
			}
			for _, rr := range resp.Answer {
				if rr.Name.Equal(name) && rr.Type().ToQType() == qtype && rr.Class.ToQClass() == qclass {
					return newResponse(resp, prior), nil
				}
			}
			if next, chased := chaseAlias(resp, name); chased {
				return r.resolve(ctx, next, qtype, qclass, append(prior, resp.Answer...), depth+1, budget)
			}
		}

		// Authoritative with no matching answer and no alias: a
		// definitive negative, returned with whatever trail led here.
		if resp.Header.AA {
			return newResponse(resp, prior), nil
		}
	}
}

// resolveGlue obtains the address of a nameserver learned without
// glue: a fresh A/IN resolution of nsdname with its own retry budget.
// It reports the first A address found, or ok=false when the
// sub-resolution failed with NAME_ERROR, ErrNoRespondingServers or
// ErrDepthExceeded, or returned no A record; the caller then drops the
// authority from the cache. Any other error is returned as is.
func (r *Resolver) resolveGlue(ctx context.Context, nsdname wire.Name, depth int) (netip.Addr, bool, error) {
	subBudget := &transport.Budget{MaxRetries: r.cfg.MaxRetries, MaxRetriesPerHost: r.cfg.MaxRetriesPerHost}
	sub, err := r.resolve(ctx, nsdname, wire.TypeA.ToQType(), wire.ClassIN.ToQClass(), nil, depth+1, subBudget)
	if err != nil {
		var nameErr *DnsNameError
		if errors.As(err, &nameErr) {
			return netip.Addr{}, false, nil
		}
		if errors.Is(err, ErrNoRespondingServers) || errors.Is(err, ErrDepthExceeded) {
			return netip.Addr{}, false, nil
		}
		return netip.Addr{}, false, err
	}
	for _, rr := range sub.Answer {
		a, ok := rr.Data.(wire.AData)
		if !ok {
			continue
		}
		ip4 := a.Addr.To4()
		if ip4 == nil {
			continue
		}
		return netip.AddrFrom4([4]byte{ip4[0], ip4[1], ip4[2], ip4[3]}), true, nil
	}
	return netip.Addr{}, false, nil
}

// chaseAlias finds where an answer section redirects name: the first
// answer RR owning name that is a CNAME redirects resolution to its
// target; failing that, a DNAME whose owner is a suffix of name
// rewrites that suffix with its target.
func chaseAlias(resp wire.Message, name wire.Name) (wire.Name, bool) {
	for _, rr := range resp.Answer {
		if !rr.Name.Equal(name) {
			continue
		}
		if c, ok := rr.Data.(wire.CNAMEData); ok {
			return c.Target, true
		}
	}
	for _, rr := range resp.Answer {
		d, ok := rr.Data.(wire.DNAMEData)
		if !ok || !isUnderSuffix(name, rr.Name) {
			continue
		}
		return substituteSuffix(name, rr.Name, d.Target), true
	}
	return wire.Name{}, false
}

// isUnderSuffix reports whether owner's labels are a (possibly
// improper) suffix of name's labels.
func isUnderSuffix(name, owner wire.Name) bool {
	if len(owner.Labels) > len(name.Labels) {
		return false
	}
	suffix := wire.Name{Labels: name.Labels[len(name.Labels)-len(owner.Labels):]}
	return suffix.Equal(owner)
}

// substituteSuffix replaces name's owner-length trailing labels with
// target's labels, keeping whatever prefix distinguished name from
// owner (RFC 6672 DNAME substitution).
func substituteSuffix(name, owner, target wire.Name) wire.Name {
	prefixLen := len(name.Labels) - len(owner.Labels)
	labels := make([][]byte, 0, prefixLen+len(target.Labels))
	labels = append(labels, name.Labels[:prefixLen]...)
	labels = append(labels, target.Labels...)
	return wire.Name{Labels: labels}
}
