package server

import (
	"net/http"
	"strings"
	"sync"
	"time"

	sentryecho "github.com/getsentry/sentry-go/echo"
	"github.com/jonboulle/clockwork"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"assistant-gate/internal/logger"
)

const (
	slowRequest = time.Second
	claimsKey   = "admin_claims"
)

func (s *Server) middleware() {
	e := s.echo
	e.Use(s.requestLogger())
	e.Use(middleware.Recover())
	if s.opts.Sentry {
		e.Use(sentryecho.New(sentryecho.Options{Repanic: true}))
	}
	e.Use(s.deps.Metrics.Middleware())
	e.Use(middleware.SecureWithConfig(middleware.SecureConfig{
		XSSProtection:         "1; mode=block",
		ContentTypeNosniff:    "nosniff",
		XFrameOptions:         "SAMEORIGIN",
		HSTSMaxAge:            31536000,
		HSTSPreloadEnabled:    true,
		ContentSecurityPolicy: "default-src 'self'; style-src 'self' 'unsafe-inline'; script-src 'self'; img-src 'self' data: https:",
		ReferrerPolicy:        "no-referrer",
	}))
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOriginFunc:  func(string) (bool, error) { return true, nil },
		AllowCredentials: true,
		AllowMethods: []string{
			http.MethodGet,
			http.MethodPost,
			http.MethodPut,
			http.MethodPatch,
		},
		AllowHeaders: []string{
			echo.HeaderOrigin,
			echo.HeaderContentType,
			echo.HeaderAccept,
			echo.HeaderAuthorization,
		},
	}))
	e.Use(newRateLimiter(1000, 15*time.Minute, s.opts.Clock).middleware())
}

func (s *Server) requestLogger() echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:   true,
		LogURI:      true,
		LogStatus:   true,
		LogLatency:  true,
		LogRemoteIP: true,
		LogError:    true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			fields := []zap.Field{
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status),
				zap.Duration("latency", v.Latency),
				zap.String("ip", v.RemoteIP),
			}
			switch {
			case v.Error != nil && v.Status >= http.StatusInternalServerError:
				s.log.Error("request", append(fields, zap.Error(v.Error))...)
			case v.Latency > slowRequest:
				s.log.Warn("slow request", fields...)
			default:
				s.log.Debug("request", fields...)
			}
			return nil
		},
	})
}

// allowIPs rejects clients outside the configured allowlist. An empty list
// or "*" admits everyone.
func (s *Server) allowIPs() echo.MiddlewareFunc {
	allowed := make(map[string]struct{}, len(s.opts.AllowedIPs))
	for _, ip := range s.opts.AllowedIPs {
		allowed[ip] = struct{}{}
	}
	_, wildcard := allowed["*"]
	open := len(allowed) == 0 || wildcard

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if open {
				return next(c)
			}
			if _, ok := allowed[c.RealIP()]; !ok {
				s.log.Warn("ip not allowed", zap.String("ip", c.RealIP()), zap.String("path", c.Path()), logger.Security("ip_blocked"))
				return s.forbidden(c)
			}
			return next(c)
		}
	}
}

// requireAdmin admits requests bearing a valid admin token.
func (s *Server) requireAdmin() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			token, ok := bearerToken(c)
			if !ok {
				s.log.Warn("admin access without token", zap.String("ip", c.RealIP()), logger.Security("missing_token"))
				return s.unauthorized(c, "Access token required")
			}
			claims, err := s.deps.Auth.Authenticate(c.Request().Context(), token)
			if err != nil {
				s.log.Warn("invalid admin token", zap.String("ip", c.RealIP()), zap.Error(err), logger.Security("invalid_token"))
				return s.unauthorized(c, "Invalid access token")
			}
			c.Set(claimsKey, claims)
			return next(c)
		}
	}
}

func bearerToken(c echo.Context) (string, bool) {
	scheme, token, found := strings.Cut(c.Request().Header.Get(echo.HeaderAuthorization), " ")
	if !found || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return "", false
	}
	return strings.TrimSpace(token), true
}

// rateLimiter keeps one token bucket per client IP. limit requests refill
// evenly over window, and a fresh client may burst the whole limit.
type rateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	every    rate.Limit
	burst    int
	clock    clockwork.Clock
	swept    time.Time
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

const visitorIdle = 30 * time.Minute

func newRateLimiter(limit int, window time.Duration, clock clockwork.Clock) *rateLimiter {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &rateLimiter{
		visitors: make(map[string]*visitor),
		every:    rate.Every(window / time.Duration(limit)),
		burst:    limit,
		clock:    clock,
		swept:    clock.Now(),
	}
}

func (rl *rateLimiter) allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.clock.Now()
	if now.Sub(rl.swept) > visitorIdle {
		for key, v := range rl.visitors {
			if now.Sub(v.lastSeen) > visitorIdle {
				delete(rl.visitors, key)
			}
		}
		rl.swept = now
	}

	v, ok := rl.visitors[ip]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rl.every, rl.burst)}
		rl.visitors[ip] = v
	}
	v.lastSeen = now
	return v.limiter.AllowN(now, 1)
}

func (rl *rateLimiter) middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !rl.allow(c.RealIP()) {
				return c.JSON(http.StatusTooManyRequests, errorResponse{
					Error:   "rate_limit_exceeded",
					Message: "Too many requests from this IP, please try again later.",
				})
			}
			return next(c)
		}
	}
}
