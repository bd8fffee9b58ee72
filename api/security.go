package api

import (
	"fmt"
	"net"
	"net/http"
	"runtime"
	"strings"
)

// clientIP returns the caller's address, honouring forwarding headers only from trusted proxies
func (a *API) clientIP(r *http.Request) string {
	return getRealIP(r, a.config.API.TrustProxy, a.config.API.TrustedProxyNetworks)
}

// getRealIP extracts the client address. Forwarding headers are trusted only when
// trustProxy is set and the direct peer is inside trustedNetworks.
func getRealIP(r *http.Request, trustProxy bool, trustedNetworks []string) string {
	directIP, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		directIP = r.RemoteAddr
	}
	if !trustProxy || !isTrustedProxy(directIP, trustedNetworks) {
		return directIP
	}

	// X-Forwarded-For can carry a chain; the first entry is the original client
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first := strings.TrimSpace(strings.Split(xff, ",")[0])
		if net.ParseIP(first) != nil {
			return first
		}
	}
	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" && net.ParseIP(xri) != nil {
		return xri
	}
	return directIP
}

// isTrustedProxy checks if an IP address is in the list of trusted proxy networks
func isTrustedProxy(ip string, trustedNetworks []string) bool {
	parsedIP := net.ParseIP(ip)
	if parsedIP == nil {
		return false
	}

	for _, network := range trustedNetworks {
		if strings.Contains(network, "/") {
			_, ipNet, err := net.ParseCIDR(network)
			if err == nil && ipNet.Contains(parsedIP) {
				return true
			}
		} else if network == ip {
			return true
		}
	}
	return false
}

// securityHeadersMiddleware adds headers that keep JSON responses from being framed or sniffed
func (a *API) securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		if a.config.API.TLS {
			w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}
		next.ServeHTTP(w, r)
	})
}

// errorRecoveryMiddleware turns handler panics into a 500 and logs the stack server-side
func (a *API) errorRecoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				stack := make([]byte, 4096)
				stack = stack[:runtime.Stack(stack, false)]

				a.logger.Errorw("PANIC RECOVERED",
					"error", sanitizeLogMessage(fmt.Sprintf("%v", rec)),
					"request_id", GetRequestIDOrDefault(r.Context()),
					"method", r.Method,
					"path", sanitizeLogMessage(r.URL.Path),
					"client_ip", a.clientIP(r),
					"stack_trace", string(stack),
				)
				writeError(w, http.StatusInternalServerError, "Internal server error", fmt.Errorf("panic: %v", rec), nil)
			}
		}()
		next.ServeHTTP(w, r)
	})
}
