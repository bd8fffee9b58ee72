package api

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"attackmatrix/config"
	"attackmatrix/core"
	"attackmatrix/metrics"
)

// RateLimiterTier represents the different rate limiting tiers
type RateLimiterTier string

const (
	RateLimitTierLogin  RateLimiterTier = "login"  // per client IP on POST /api/users/login
	RateLimitTierAPI    RateLimiterTier = "api"    // per user (or IP) on authenticated routes
	RateLimitTierGlobal RateLimiterTier = "global" // one bucket for the whole process
)

// idleLimiterTTL is how long an unused in-memory limiter is kept
const idleLimiterTTL = time.Hour

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter limits one tier. With Redis it counts fixed windows shared by every
// replica; otherwise it keeps a token bucket per key in memory.
type RateLimiter struct {
	config   config.RateTier
	tier     RateLimiterTier
	limiters map[string]*limiterEntry
	mu       sync.Mutex
	redis    *core.RedisCache
	logger   *zap.SugaredLogger
}

// NewRateLimiter creates a limiter for tier. redis may be nil.
func NewRateLimiter(tier RateLimiterTier, cfg config.RateTier, redis *core.RedisCache, logger *zap.SugaredLogger) *RateLimiter {
	if cfg.Burst <= 0 {
		cfg.Burst = cfg.Limit
	}
	return &RateLimiter{
		config:   cfg,
		tier:     tier,
		limiters: make(map[string]*limiterEntry),
		redis:    redis,
		logger:   logger,
	}
}

// Allow checks if a request from the given key is allowed
func (rl *RateLimiter) Allow(ctx context.Context, key string) bool {
	if rl.redis != nil {
		return rl.allowRedis(ctx, key)
	}
	return rl.allowMemory(key)
}

func (rl *RateLimiter) allowMemory(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	entry, exists := rl.limiters[key]
	if !exists {
		entry = &limiterEntry{
			limiter: rate.NewLimiter(rate.Limit(float64(rl.config.Limit)/rl.config.Window.Seconds()), rl.config.Burst),
		}
		rl.limiters[key] = entry
	}
	entry.lastSeen = time.Now()
	return entry.limiter.Allow()
}

func (rl *RateLimiter) allowRedis(ctx context.Context, key string) bool {
	count, err := rl.redis.IncrWindow(ctx, core.RateLimitKey(string(rl.tier), key), rl.config.Window)
	if err != nil {
		rl.logger.Warnw("Redis rate limit check failed, falling back to memory",
			"tier", rl.tier, "error", err)
		return rl.allowMemory(key)
	}
	return count <= int64(rl.config.Limit)
}

// Cleanup drops in-memory limiters idle for longer than idleLimiterTTL
func (rl *RateLimiter) Cleanup(now time.Time) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	removed := 0
	for key, entry := range rl.limiters {
		if now.Sub(entry.lastSeen) > idleLimiterTTL {
			delete(rl.limiters, key)
			removed++
		}
	}
	return removed
}

// MultiTierRateLimiter manages the login, api and global tiers
type MultiTierRateLimiter struct {
	login      *RateLimiter
	api        *RateLimiter
	global     *RateLimiter
	exemptIPs  map[string]bool
	exemptNets []*net.IPNet
	logger     *zap.SugaredLogger
}

// NewMultiTierRateLimiter builds all three tiers. Exempt entries may be IPs or CIDRs.
func NewMultiTierRateLimiter(cfg config.RateLimitConfig, redis *core.RedisCache, logger *zap.SugaredLogger) *MultiTierRateLimiter {
	mtrl := &MultiTierRateLimiter{
		login:     NewRateLimiter(RateLimitTierLogin, cfg.Login, redis, logger),
		api:       NewRateLimiter(RateLimitTierAPI, cfg.API, redis, logger),
		global:    NewRateLimiter(RateLimitTierGlobal, cfg.Global, redis, logger),
		exemptIPs: make(map[string]bool),
		logger:    logger,
	}
	for _, entry := range cfg.ExemptIPs {
		entry = strings.TrimSpace(entry)
		if _, ipNet, err := net.ParseCIDR(entry); err == nil {
			mtrl.exemptNets = append(mtrl.exemptNets, ipNet)
			continue
		}
		mtrl.exemptIPs[entry] = true
	}
	return mtrl
}

// IsExempt checks if an IP is exempt from rate limiting
func (mtrl *MultiTierRateLimiter) IsExempt(ip string) bool {
	if mtrl.exemptIPs[ip] {
		return true
	}
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	for _, ipNet := range mtrl.exemptNets {
		if ipNet.Contains(parsed) {
			return true
		}
	}
	return false
}

// AllowLogin checks the login tier for a client IP
func (mtrl *MultiTierRateLimiter) AllowLogin(ctx context.Context, ip string) bool {
	if mtrl.IsExempt(ip) {
		return true
	}
	return mtrl.login.Allow(ctx, ip)
}

// AllowAPI checks the api tier for a user, or the client IP when anonymous
func (mtrl *MultiTierRateLimiter) AllowAPI(ctx context.Context, username, ip string) bool {
	if mtrl.IsExempt(ip) {
		return true
	}
	key := "ip:" + ip
	if username != "" {
		key = "user:" + username
	}
	return mtrl.api.Allow(ctx, key)
}

// AllowGlobal checks the system-wide tier
func (mtrl *MultiTierRateLimiter) AllowGlobal(ctx context.Context, ip string) bool {
	if mtrl.IsExempt(ip) {
		return true
	}
	return mtrl.global.Allow(ctx, "global")
}

// Cleanup drops idle in-memory limiters of every tier
func (mtrl *MultiTierRateLimiter) Cleanup(now time.Time) {
	removed := mtrl.login.Cleanup(now) + mtrl.api.Cleanup(now) + mtrl.global.Cleanup(now)
	if removed > 0 {
		mtrl.logger.Debugw("Removed idle rate limiters", "count", removed)
	}
}

func (mtrl *MultiTierRateLimiter) tierConfig(tier RateLimiterTier) config.RateTier {
	switch tier {
	case RateLimitTierLogin:
		return mtrl.login.config
	case RateLimitTierAPI:
		return mtrl.api.config
	default:
		return mtrl.global.config
	}
}

// globalRateLimitMiddleware applies the global tier to every request
func (a *API) globalRateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := a.clientIP(r)
		if !a.rateLimiter.AllowGlobal(r.Context(), ip) {
			a.writeRateLimitResponse(w, RateLimitTierGlobal)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// loginRateLimitMiddleware applies the login tier per client IP
func (a *API) loginRateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := a.clientIP(r)
		if !a.rateLimiter.AllowLogin(r.Context(), ip) {
			a.logger.Warnw("Login rate limit exceeded", "ip", ip)
			a.writeRateLimitResponse(w, RateLimitTierLogin)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// apiRateLimitMiddleware applies the api tier per user; it runs after authentication
func (a *API) apiRateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.rateLimiter.AllowAPI(r.Context(), usernameFromContext(r.Context()), a.clientIP(r)) {
			a.writeRateLimitResponse(w, RateLimitTierAPI)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// writeRateLimitResponse writes a 429 with the tier's limit headers
func (a *API) writeRateLimitResponse(w http.ResponseWriter, tier RateLimiterTier) {
	metrics.RateLimitRejections.WithLabelValues(string(tier)).Inc()
	cfg := a.rateLimiter.tierConfig(tier)

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(cfg.Limit))
	w.Header().Set("X-RateLimit-Remaining", "0")
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(time.Now().Add(cfg.Window).Unix(), 10))
	w.Header().Set("Retry-After", strconv.Itoa(int(cfg.Window.Seconds()+0.5)))
	w.WriteHeader(http.StatusTooManyRequests)

	_ = json.NewEncoder(w).Encode(errorBody{
		Success: false,
		Error: errorDetail{
			Message:   "Too many requests",
			Code:      http.StatusTooManyRequests,
			Timestamp: timestamp(),
			Details:   map[string]string{"tier": string(tier)},
		},
	})
}
