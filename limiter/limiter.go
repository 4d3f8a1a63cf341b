package limiter

import (
	"fmt"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/time/rate"
)

// Idle limiters are dropped after this long so the cache stays bounded
// by the number of recently active clients.
const limiterTTL = time.Minute

type Rule struct {
	Limit float64 // requests per second, 0 disables limiting
	Burst int
}

/*
PerIP hands out one token bucket per remote address for each named
category. Buckets live in a ttl cache that does not refresh on hit, so a
client's bucket is rebuilt at most once per limiterTTL.
*/
type PerIP struct {
	logger         *slog.Logger
	trustedProxies map[string]struct{}
	rules          map[string]Rule
	buckets        map[string]*ttlcache.Cache[string, *rate.Limiter]
	stopOnce       sync.Once
}

func New(logger *slog.Logger, rules map[string]Rule, trustedProxies []string) *PerIP {
	p := &PerIP{
		logger:         logger.With("component", "rate-limiter"),
		trustedProxies: make(map[string]struct{}, len(trustedProxies)),
		rules:          make(map[string]Rule, len(rules)),
		buckets:        make(map[string]*ttlcache.Cache[string, *rate.Limiter], len(rules)),
	}
	for _, proxy := range trustedProxies {
		p.trustedProxies[proxy] = struct{}{}
	}
	for category, rule := range rules {
		p.Add(category, rule)
	}
	return p
}

// Add registers a rule for category. Rules must be added before the
// middleware for that category is built. A zero limit leaves the
// category unlimited.
func (p *PerIP) Add(category string, rule Rule) {
	if rule.Limit <= 0 {
		return
	}
	if old, ok := p.buckets[category]; ok {
		old.Stop()
	}
	cache := ttlcache.New[string, *rate.Limiter](
		ttlcache.WithTTL[string, *rate.Limiter](limiterTTL),
		ttlcache.WithDisableTouchOnHit[string, *rate.Limiter](),
	)
	go cache.Start()
	p.rules[category] = rule
	p.buckets[category] = cache
	p.logger.Info("Initialized rate limiter", "category", category, "limit", rule.Limit, "burst", rule.Burst)
}

// Stop releases the expiry goroutines of every bucket cache.
func (p *PerIP) Stop() {
	p.stopOnce.Do(func() {
		for _, cache := range p.buckets {
			cache.Stop()
		}
	})
}

// RemoteAddress resolves the client address, honouring X-Forwarded-For
// only when the direct peer is a trusted proxy.
func (p *PerIP) RemoteAddress(r *http.Request) string {
	remoteIP, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		remoteIP = r.RemoteAddr
	}
	if _, ok := p.trustedProxies[remoteIP]; ok {
		if forwardedFor := r.Header.Get("X-Forwarded-For"); forwardedFor != "" {
			ips := strings.Split(forwardedFor, ",")
			return strings.TrimSpace(ips[0])
		}
	}
	return remoteIP
}

func (p *PerIP) limiterFor(category string, r *http.Request) *rate.Limiter {
	cache, ok := p.buckets[category]
	if !ok {
		return nil
	}
	ip := p.RemoteAddress(r)
	if item := cache.Get(ip); item != nil {
		return item.Value()
	}
	rule := p.rules[category]
	item := cache.Set(ip, rate.NewLimiter(rate.Limit(rule.Limit), rule.Burst), ttlcache.DefaultTTL)
	return item.Value()
}

// Middleware rejects requests that exceed the category's budget with 429.
// Categories without a rule pass through untouched.
func (p *PerIP) Middleware(next http.Handler, category string) http.Handler {
	if _, ok := p.buckets[category]; !ok {
		p.logger.Debug("No rate limit configured for category", "category", category)
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		limiter := p.limiterFor(category, r)
		res := limiter.Reserve()
		if delay := res.Delay(); delay > 0 {
			// Not proceeding, hand the token back.
			res.Cancel()
			p.logger.Warn("Rate limit exceeded", "category", category, "path", r.URL.Path, "remote_addr", r.RemoteAddr)

			w.Header().Set("Retry-After", fmt.Sprintf("%.0f", math.Ceil(delay.Seconds())))
			w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%v", limiter.Limit()))
			w.Header().Set("X-RateLimit-Burst", fmt.Sprintf("%d", limiter.Burst()))
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}
