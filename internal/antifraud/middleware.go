package antifraud

import (
	"net"
	"net/http"
	"strings"

	"subgate/internal/metrics"

	"go.uber.org/zap"
)

// peerIP strips the port from the socket address.
func peerIP(r *http.Request) string {
	addr := strings.TrimSpace(r.RemoteAddr)
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}

// ClientIP resolves the source address used for allow-listing and rate
// limiting. Forwarding headers are honoured only when the socket peer is a
// trusted proxy; X-Forwarded-For is walked right to left and the first hop
// that is not itself a trusted proxy wins.
func ClientIP(r *http.Request, proxies *AllowList) string {
	peer := peerIP(r)
	if proxies.Empty() || !proxies.Allowed(peer) {
		return peer
	}
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		hops := strings.Split(fwd, ",")
		for i := len(hops) - 1; i >= 0; i-- {
			hop := strings.TrimSpace(hops[i])
			if net.ParseIP(hop) == nil {
				break
			}
			if !proxies.Allowed(hop) {
				return hop
			}
		}
	}
	if realIP := strings.TrimSpace(r.Header.Get("X-Real-IP")); net.ParseIP(realIP) != nil {
		return realIP
	}
	return peer
}

// Middleware rejects requests from sources outside the allow-list with 403 and
// sources over the rate limit with 429, before the wrapped handler runs.
func Middleware(limiter *SlidingWindow, allow, proxies *AllowList, m *metrics.Metrics, logger *zap.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := ClientIP(r, proxies)
			if !allow.Allowed(ip) {
				m.Rejected("forbidden")
				logger.Warn("webhook source not allowed", zap.String("ip", ip))
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}
			if !limiter.Allow(ip) {
				m.Rejected("rate_limited")
				logger.Warn("webhook rate limited", zap.String("ip", ip))
				http.Error(w, "too many requests", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
