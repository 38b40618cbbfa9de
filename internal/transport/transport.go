// Package transport implements the UDP/TCP exchange the resolver uses
// to talk to a single authority: a 512-byte UDP attempt with explicit
// send/receive timeouts, promotion to TCP on truncation or oversize
// queries, and the shared retry-budget accounting the resolver's
// state machine depends on.
package transport

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/dnsscience/iterdns/internal/wire"
)

const (
	maxUDPPayload = 512
	udpReadBuffer = 2048
	dnsPort       = 53
)

var (
	// ErrTimeout is returned when a send- or receive-readiness wait
	// exceeds its configured budget.
	ErrTimeout = errors.New("transport: timed out")
	// ErrConnection wraps a lower-level network error (refused,
	// unreachable, reset).
	ErrConnection = errors.New("transport: connection error")
	// ErrRetryExceeded is fatal: the resolution's total retry budget
	// is exhausted.
	ErrRetryExceeded = errors.New("transport: max retries exceeded")
	// ErrHostRetryExceeded means the current authority's retry budget
	// is exhausted; the resolver should rotate to the next authority.
	ErrHostRetryExceeded = errors.New("transport: max retries for host exceeded")
)

// Config holds the network-facing tunables.
type Config struct {
	SendTimeout time.Duration
	RecvTimeout time.Duration
	// RateLimit, if positive, paces outbound sends per destination
	// address to at most RateLimit queries/sec with RateBurst burst.
	// Zero disables pacing.
	RateLimit rate.Limit
	RateBurst int
}

// DefaultConfig returns the stock timeouts: 6s to get a query out,
// 20s to wait for the reply.
func DefaultConfig() Config {
	return Config{SendTimeout: 6 * time.Second, RecvTimeout: 20 * time.Second}
}

// Budget tracks a resolution's retry accounting: Tries bounds the
// whole resolution, HostTries the current authority. ResetHost must
// be called by the caller when rotating to a new authority.
type Budget struct {
	MaxRetries        int
	MaxRetriesPerHost int
	Tries             int
	HostTries         int
}

// NewBudget builds a Budget with the default caps: 20 attempts total,
// 3 per authority.
func NewBudget() *Budget {
	return &Budget{MaxRetries: 20, MaxRetriesPerHost: 3}
}

// ResetHost zeroes the per-authority counter when the resolver rotates
// to a new authority.
func (b *Budget) ResetHost() { b.HostTries = 0 }

func (b *Budget) nextAttempt() error {
	if b.Tries >= b.MaxRetries {
		return ErrRetryExceeded
	}
	if b.HostTries >= b.MaxRetriesPerHost {
		return ErrHostRetryExceeded
	}
	b.Tries++
	b.HostTries++
	return nil
}

// Transport owns the resolver's long-lived UDP socket and the
// per-destination rate limiters; TCP connections are opened fresh per
// attempt and closed on every exit path.
type Transport struct {
	cfg  Config
	conn *net.UDPConn

	mu       sync.Mutex
	limiters map[netip.Addr]*rate.Limiter

	// onTCPPromotion, if set, is called whenever a UDP exchange is
	// retried over TCP due to truncation or an oversize query.
	onTCPPromotion func()
}

// New opens the resolver's UDP socket and returns a ready Transport.
func New(cfg Config) (*Transport, error) {
	conn, err := net.ListenUDP("udp4", nil)
	if err != nil {
		return nil, fmt.Errorf("transport: open udp socket: %w", err)
	}
	return &Transport{cfg: cfg, conn: conn, limiters: make(map[netip.Addr]*rate.Limiter)}, nil
}

// OnTCPPromotion registers fn to be called each time Exchange promotes
// from UDP to TCP. Used by the resolver to record a metric; callers
// that don't care may leave this unset.
func (t *Transport) OnTCPPromotion(fn func()) { t.onTCPPromotion = fn }

// Close releases the resolver's UDP socket.
func (t *Transport) Close() error { return t.conn.Close() }

func (t *Transport) limiterFor(addr netip.Addr) *rate.Limiter {
	if t.cfg.RateLimit <= 0 {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.limiters[addr]
	if !ok {
		l = rate.NewLimiter(t.cfg.RateLimit, t.cfg.RateBurst)
		t.limiters[addr] = l
	}
	return l
}

func (t *Transport) pace(ctx context.Context, addr netip.Addr) error {
	l := t.limiterFor(addr)
	if l == nil {
		return nil
	}
	return l.Wait(ctx)
}

// Exchange sends query (its pre-encoded wire bytes) to addr and
// returns the decoded, transaction-matched response, retrying within
// budget on timeout, connection error, or malformed/transaction
// mismatched replies. Queries over 512 bytes go straight to TCP;
// truncated UDP replies are retried over TCP.
func (t *Transport) Exchange(ctx context.Context, addr netip.Addr, id uint16, questions []wire.Question, queryBuf []byte, budget *Budget) (wire.Message, error) {
	for {
		if err := budget.nextAttempt(); err != nil {
			return wire.Message{}, err
		}
		if err := t.pace(ctx, addr); err != nil {
			return wire.Message{}, fmt.Errorf("transport: rate limiter: %w", err)
		}

		useTCP := len(queryBuf) > maxUDPPayload
		var (
			resp wire.Message
			err  error
		)
		if useTCP {
			if t.onTCPPromotion != nil {
				t.onTCPPromotion()
			}
			resp, err = t.exchangeTCP(ctx, addr, queryBuf)
		} else {
			resp, err = t.exchangeUDP(ctx, addr, queryBuf)
		}
		if err != nil {
			if isRetryable(err) {
				continue
			}
			return wire.Message{}, err
		}
		if !resp.MatchesQuery(id, questions) {
			continue
		}

		if !useTCP && resp.Header.TC {
			if err := budget.nextAttempt(); err != nil {
				return wire.Message{}, err
			}
			if err := t.pace(ctx, addr); err != nil {
				return wire.Message{}, fmt.Errorf("transport: rate limiter: %w", err)
			}
			if t.onTCPPromotion != nil {
				t.onTCPPromotion()
			}
			tresp, err := t.exchangeTCP(ctx, addr, queryBuf)
			if err != nil {
				if isRetryable(err) {
					continue
				}
				return wire.Message{}, err
			}
			if !tresp.MatchesQuery(id, questions) {
				continue
			}
			return tresp, nil
		}

		return resp, nil
	}
}

func isRetryable(err error) bool {
	return errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrConnection) ||
		errors.Is(err, wire.ErrMalformedMessage) ||
		errors.Is(err, wire.ErrMalformedRData) ||
		errors.Is(err, wire.ErrMalformedName) ||
		errors.Is(err, wire.ErrInvalidHeader)
}

func (t *Transport) exchangeUDP(ctx context.Context, addr netip.Addr, queryBuf []byte) (wire.Message, error) {
	dst := net.UDPAddrFromAddrPort(netip.AddrPortFrom(addr, dnsPort))

	if err := t.conn.SetWriteDeadline(time.Now().Add(t.cfg.SendTimeout)); err != nil {
		return wire.Message{}, fmt.Errorf("transport: set write deadline: %w", err)
	}
	if _, err := t.conn.WriteToUDP(queryBuf, dst); err != nil {
		return wire.Message{}, classifyNetError(err)
	}

	if err := t.conn.SetReadDeadline(time.Now().Add(t.cfg.RecvTimeout)); err != nil {
		return wire.Message{}, fmt.Errorf("transport: set read deadline: %w", err)
	}
	buf := make([]byte, udpReadBuffer)
	n, from, err := t.conn.ReadFromUDP(buf)
	if err != nil {
		return wire.Message{}, classifyNetError(err)
	}
	if !from.IP.Equal(dst.IP) {
		// A reply from an address we didn't query is never a valid
		// answer to this exchange; treat it like any other mismatch.
		return wire.Message{}, fmt.Errorf("transport: reply from unexpected address %s: %w", from.IP, wire.ErrMalformedMessage)
	}

	msg, err := wire.DecodeMessage(buf[:n])
	if err != nil {
		return wire.Message{}, err
	}
	if err := msg.Validate(); err != nil {
		return wire.Message{}, err
	}
	return msg, nil
}

func (t *Transport) exchangeTCP(ctx context.Context, addr netip.Addr, queryBuf []byte) (wire.Message, error) {
	dialer := net.Dialer{Timeout: t.cfg.SendTimeout}
	raddr := net.JoinHostPort(addr.String(), fmt.Sprint(dnsPort))
	conn, err := dialer.DialContext(ctx, "tcp4", raddr)
	if err != nil {
		return wire.Message{}, classifyNetError(err)
	}
	defer conn.Close()
	tcpConn, _ := conn.(*net.TCPConn)

	if err := conn.SetWriteDeadline(time.Now().Add(t.cfg.SendTimeout)); err != nil {
		return wire.Message{}, fmt.Errorf("transport: set write deadline: %w", err)
	}
	framed := make([]byte, 2, 2+len(queryBuf))
	binary.BigEndian.PutUint16(framed, uint16(len(queryBuf)))
	framed = append(framed, queryBuf...)
	if _, err := conn.Write(framed); err != nil {
		return wire.Message{}, classifyNetError(err)
	}
	if tcpConn != nil {
		// Nothing more to send; half-close so the peer sees EOF on its
		// read side while we keep reading the response.
		_ = tcpConn.CloseWrite()
	}

	if err := conn.SetReadDeadline(time.Now().Add(t.cfg.RecvTimeout)); err != nil {
		return wire.Message{}, fmt.Errorf("transport: set read deadline: %w", err)
	}
	var lenBuf [2]byte
	if _, err := io.ReadFull(conn, lenBuf[:]); err != nil {
		return wire.Message{}, classifyNetError(err)
	}
	payloadLen := binary.BigEndian.Uint16(lenBuf[:])
	payload := make([]byte, payloadLen)
	if _, err := io.ReadFull(conn, payload); err != nil {
		return wire.Message{}, classifyNetError(err)
	}

	msg, err := wire.DecodeMessage(payload)
	if err != nil {
		return wire.Message{}, err
	}
	if err := msg.Validate(); err != nil {
		return wire.Message{}, err
	}
	return msg, nil
}

func classifyNetError(err error) error {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrConnection, err)
}
