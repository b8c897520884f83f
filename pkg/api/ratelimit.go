package api

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Route groups with their own rate budget.
const (
	routeGroupQuery  = "query"
	routeGroupEvents = "events"
)

// A client's limiter is forgotten after this long without requests.
const clientIdleTTL = 10 * time.Minute

var rateLimitedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "respondoor_api_rate_limited_total",
	Help: "Requests rejected by the per-client rate limit, by route group.",
}, []string{"group"})

// clientLimiters holds one token bucket per client address for a route
// group. Buckets refill at perMinute/60 tokens a second and hold a full
// minute's budget.
type clientLimiters struct {
	perMinute int
	limit     rate.Limit

	mu      sync.Mutex
	clients *cache.Cache
}

func newClientLimiters(perMinute int) *clientLimiters {
	return &clientLimiters{
		perMinute: perMinute,
		limit:     rate.Limit(float64(perMinute) / 60.0),
		clients:   cache.New(clientIdleTTL, clientIdleTTL/2),
	}
}

// allow takes a token for client. Every call renews the client's idle TTL.
func (l *clientLimiters) allow(client string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	var limiter *rate.Limiter

	if v, ok := l.clients.Get(client); ok {
		limiter = v.(*rate.Limiter)
	} else {
		limiter = rate.NewLimiter(l.limit, l.perMinute)
	}

	l.clients.SetDefault(client, limiter)

	return limiter.Allow()
}

// retryAfter is the whole number of seconds until one token refills.
func (l *clientLimiters) retryAfter() string {
	return strconv.Itoa((60 + l.perMinute - 1) / l.perMinute)
}

// rateLimit returns middleware applying the group's per-client budget.
// A perMinute of zero or less disables limiting for the group.
func (s *server) rateLimit(group string, perMinute int) func(http.Handler) http.Handler {
	if !s.cfg.RateLimit.Enabled || perMinute <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}

	limiters := newClientLimiters(perMinute)
	log := s.log.WithFields(logrus.Fields{
		"group":      group,
		"per_minute": perMinute,
	})

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			client := extractIP(r)

			if !limiters.allow(client) {
				rateLimitedTotal.WithLabelValues(group).Inc()
				log.WithField("client", client).Debug("Rate limited")

				w.Header().Set("Retry-After", limiters.retryAfter())
				writeJSON(w, http.StatusTooManyRequests,
					errorResponse{"rate limit exceeded for " + group + " routes"})

				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// extractIP returns the client address, preferring the first hop of
// X-Forwarded-For when the API sits behind a proxy.
func extractIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")

		return strings.TrimSpace(first)
	}

	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}

	return ip
}
