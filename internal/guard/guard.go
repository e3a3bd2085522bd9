// Package guard tracks request rates and abuse scores per client identity
// and decides whether inbound traffic is admitted.
package guard

import (
	"crypto/md5"
	"encoding/hex"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/puzpuzpuz/xsync/v4"
)

// Block durations escalate with the abuse score.
const (
	rateLimitBlock  = 600 * time.Second
	highRiskBlock   = 3600 * time.Second
	rateLimitScore  = 5
	suspiciousScore = 10
)

// clientState is the per-identity record. Each identity carries its own
// mutex so one client's check never blocks another's.
type clientState struct {
	mu           sync.Mutex
	requests     []time.Time
	abuseScore   float64
	blockedUntil time.Time
}

type Guard struct {
	states *xsync.Map[string, *clientState]
	clock  clock.Clock
	logger *slog.Logger
}

func New(logger *slog.Logger) *Guard {
	return NewWithClock(logger, clock.New())
}

func NewWithClock(logger *slog.Logger, clk clock.Clock) *Guard {
	return &Guard{
		states: xsync.NewMap[string, *clientState](),
		clock:  clk,
		logger: logger.With(slog.String("component", "rate_guard")),
	}
}

// Identify derives a stable client identity from the request origin: the
// first forwarded address when a proxy chain header is present, else the
// direct peer, combined with a short hash of the User-Agent.
func (g *Guard) Identify(r *http.Request) string {
	ip := r.RemoteAddr
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		ip = host
	}
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		ip = strings.TrimSpace(strings.Split(forwarded, ",")[0])
	}
	userAgent := r.Header.Get("User-Agent")
	sum := md5.Sum([]byte(ip + ":" + userAgent))
	fingerprint := hex.EncodeToString(sum[:])[:16]
	return ip + ":" + fingerprint
}

func (g *Guard) state(id string) *clientState {
	s, _ := g.states.LoadOrStore(id, &clientState{})
	return s
}

// IsBlocked reports whether a non-expired block exists for the identity.
// A found-but-expired block is cleared as a side effect.
func (g *Guard) IsBlocked(id string) bool {
	s := g.state(id)
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.blockedUntil.IsZero() {
		return false
	}
	if g.clock.Now().Before(s.blockedUntil) {
		return true
	}
	s.blockedUntil = time.Time{}
	return false
}

// block must be called with the state's mutex held.
func (g *Guard) block(id string, s *clientState, duration time.Duration) {
	s.blockedUntil = g.clock.Now().Add(duration)
	g.logger.Warn("Blocked client",
		slog.String("clientID", id),
		slog.Duration("duration", duration),
	)
}

// Allow applies the sliding-window check: timestamps older than the window
// are pruned; a request over the limit is denied and raises the abuse score,
// escalating to a block on repeat offenses.
func (g *Guard) Allow(id string, limit int, window time.Duration) bool {
	s := g.state(id)
	s.mu.Lock()
	defer s.mu.Unlock()

	now := g.clock.Now()
	windowStart := now.Add(-window)

	kept := s.requests[:0]
	for _, t := range s.requests {
		if t.After(windowStart) {
			kept = append(kept, t)
		}
	}
	s.requests = kept

	if len(s.requests) >= limit {
		s.abuseScore++
		if s.abuseScore >= rateLimitScore {
			g.block(id, s, rateLimitBlock)
		}
		return false
	}

	s.requests = append(s.requests, now)
	return true
}

// RecordSuspicious raises the abuse score by severity. Crossing the
// high-severity threshold triggers a long block and resets the score.
func (g *Guard) RecordSuspicious(id string, severity float64) {
	s := g.state(id)
	s.mu.Lock()
	defer s.mu.Unlock()

	s.abuseScore += severity
	if s.abuseScore >= suspiciousScore {
		g.block(id, s, highRiskBlock)
		s.abuseScore = 0
	}
}
