// Package server exposes the Telegram webhook, the admin API, health and
// metrics endpoints and the admin SPA over echo.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/jonboulle/clockwork"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"assistant-gate/internal/adminauth"
	"assistant-gate/internal/metrics"
	"assistant-gate/internal/model"
	"assistant-gate/internal/service"
)

// UserStore is the part of the user service the admin API needs.
type UserStore interface {
	GetUserByID(ctx context.Context, id uint) *model.User
	ListUsers(ctx context.Context, p service.ListParams) service.Page
	Stats(ctx context.Context) service.Stats
	DailyActive(ctx context.Context) int64
	SetBanByID(ctx context.Context, id uint, banned bool) *model.User
	ToggleBanByID(ctx context.Context, id uint) *model.User
	ResetUsageByID(ctx context.Context, id uint) *model.User
}

type Authenticator interface {
	Login(username, password string) (adminauth.Token, error)
	Authenticate(ctx context.Context, token string) (*adminauth.Claims, error)
	Logout(ctx context.Context, token string) error
}

// Telegram accepts webhook updates and manages the webhook registration.
type Telegram interface {
	Dispatch(update tgbotapi.Update)
	SetWebhook(url, secret string) error
	WebhookInfo() (tgbotapi.WebhookInfo, error)
}

// Check reports whether a dependency is reachable.
type Check func(ctx context.Context) error

type Options struct {
	Environment   string
	Production    bool
	WebhookSecret string
	AllowedIPs    []string
	StaticDir     string
	Sentry        bool
	Gatherer      prometheus.Gatherer
	Clock         clockwork.Clock
}

type Deps struct {
	Users    UserStore
	Auth     Authenticator
	Telegram Telegram
	DBPing   func(ctx context.Context) (time.Duration, error)
	// Checks are reported by /health but do not fail it.
	Checks  map[string]Check
	Metrics *metrics.Metrics
	Log     *zap.Logger
}

type Server struct {
	echo    *echo.Echo
	opts    Options
	deps    Deps
	log     *zap.Logger
	started time.Time
}

func New(opts Options, deps Deps) *Server {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.IPExtractor = echo.ExtractIPFromXFFHeader()
	e.Validator = &requestValidator{validate: validator.New()}

	s := &Server{
		echo:    e,
		opts:    opts,
		deps:    deps,
		log:     deps.Log.Named("http"),
		started: opts.Clock.Now(),
	}
	e.HTTPErrorHandler = s.handleError

	s.middleware()
	s.routes()
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start serves on addr until Shutdown is called.
func (s *Server) Start(addr string) error {
	s.log.Info("http server listening", zap.String("addr", addr))
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

func (s *Server) routes() {
	e := s.echo
	protected := []echo.MiddlewareFunc{s.allowIPs(), s.requireAdmin()}

	e.GET("/health", s.health)
	e.GET("/metrics", s.metricsHandler())

	if s.deps.Telegram != nil {
		tg := e.Group("/telegram", newRateLimiter(60, time.Minute, s.opts.Clock).middleware())
		tg.POST("/webhook", s.webhook)
		tg.GET("/webhook-info", s.webhookInfo, protected...)
		tg.POST("/set-webhook", s.setWebhook, protected...)
	}

	admin := e.Group("/admin", newRateLimiter(100, 15*time.Minute, s.opts.Clock).middleware())
	admin.GET("/health", s.adminHealth)
	admin.POST("/login", s.login, s.allowIPs())
	admin.POST("/logout", s.logout, protected...)
	admin.GET("/stats", s.stats, protected...)
	admin.GET("/users", s.listUsers, protected...)
	admin.GET("/users/:id", s.getUser, protected...)
	admin.PATCH("/users/:id/ban", s.banUser, protected...)
	admin.PATCH("/users/:id/unban", s.unbanUser, protected...)
	admin.PATCH("/users/:id/reset-requests", s.resetRequests, protected...)
	admin.PUT("/users/:id/ban", s.toggleBan, protected...)

	spa := s.spa()
	admin.GET("", spa)
	admin.GET("/", spa)
	admin.GET("/*", spa)
}

type requestValidator struct {
	validate *validator.Validate
}

func (v *requestValidator) Validate(i interface{}) error {
	return v.validate.Struct(i)
}
