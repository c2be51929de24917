package middleware

import (
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"
)

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerSecond float64
	BurstSize         int
	// IdleTTL is how long a quiet peer's limiter is kept.
	IdleTTL time.Duration
}

// DefaultRateLimitConfig returns default rate limiting settings.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerSecond: 50,
		BurstSize:         100,
		IdleTTL:           10 * time.Minute,
	}
}

// peerLimiters holds one token bucket per peer. Idle peers expire.
type peerLimiters struct {
	peers *cache.Cache
	cfg   RateLimitConfig
}

func newPeerLimiters(cfg RateLimitConfig) *peerLimiters {
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = DefaultRateLimitConfig().IdleTTL
	}
	return &peerLimiters{peers: cache.New(cfg.IdleTTL, cfg.IdleTTL), cfg: cfg}
}

func (p *peerLimiters) get(key string) *rate.Limiter {
	if v, ok := p.peers.Get(key); ok {
		l := v.(*rate.Limiter)
		p.peers.SetDefault(key, l)
		return l
	}
	l := rate.NewLimiter(rate.Limit(p.cfg.RequestsPerSecond), p.cfg.BurstSize)
	if err := p.peers.Add(key, l, cache.DefaultExpiration); err != nil {
		// Lost the race to another request from the same peer.
		if v, ok := p.peers.Get(key); ok {
			return v.(*rate.Limiter)
		}
	}
	return l
}

// retryAfter is the whole number of seconds until one token is available.
func retryAfter(l *rate.Limiter) int {
	r := l.Reserve()
	defer r.Cancel()
	if !r.OK() {
		return 1
	}
	secs := int(math.Ceil(r.Delay().Seconds()))
	if secs < 1 {
		secs = 1
	}
	return secs
}

// peerKey identifies the calling gateway: the mutual TLS client
// certificate when present, otherwise the remote address.
func peerKey(c echo.Context) string {
	if st := c.Request().TLS; st != nil && len(st.PeerCertificates) > 0 {
		return "cert:" + st.PeerCertificates[0].Subject.CommonName
	}
	return "ip:" + c.RealIP()
}

// RateLimit returns a per-peer rate limiting middleware.
func RateLimit(cfg RateLimitConfig) echo.MiddlewareFunc {
	limiters := newPeerLimiters(cfg)
	limit := strconv.FormatFloat(cfg.RequestsPerSecond, 'f', -1, 64)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			l := limiters.get(peerKey(c))
			h := c.Response().Header()
			h.Set("X-RateLimit-Limit", limit)
			if !l.Allow() {
				h.Set("Retry-After", strconv.Itoa(retryAfter(l)))
				h.Set("X-RateLimit-Remaining", "0")
				return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
			}
			return next(c)
		}
	}
}
