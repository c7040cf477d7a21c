package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

const healthTimeout = 5 * time.Second

type serviceHealth struct {
	Status       string `json:"status"`
	ResponseTime string `json:"responseTime,omitempty"`
	Error        string `json:"error,omitempty"`
}

type healthResponse struct {
	Status      string                   `json:"status"`
	Timestamp   string                   `json:"timestamp"`
	Uptime      float64                  `json:"uptime"`
	Environment string                   `json:"environment"`
	Services    map[string]serviceHealth `json:"services"`
}

// health answers 503 when the database is unreachable. Other dependencies
// are reported but never fail the probe.
func (s *Server) health(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), healthTimeout)
	defer cancel()

	resp := healthResponse{
		Status:      "ok",
		Timestamp:   s.opts.Clock.Now().UTC().Format(time.RFC3339),
		Uptime:      s.opts.Clock.Since(s.started).Seconds(),
		Environment: s.opts.Environment,
		Services:    make(map[string]serviceHealth, len(s.deps.Checks)+1),
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	for name, check := range s.deps.Checks {
		g.Go(func() error {
			h := serviceHealth{Status: "healthy"}
			if err := check(ctx); err != nil {
				h = serviceHealth{Status: "unhealthy", Error: s.exposeError(err)}
			}
			mu.Lock()
			resp.Services[name] = h
			mu.Unlock()
			return nil
		})
	}

	code := http.StatusOK
	took, err := s.deps.DBPing(ctx)
	db := serviceHealth{Status: "healthy", ResponseTime: took.Round(time.Millisecond).String()}
	if err != nil {
		db = serviceHealth{Status: "unhealthy", Error: s.exposeError(err)}
		resp.Status = "error"
		code = http.StatusServiceUnavailable
	}
	_ = g.Wait()
	resp.Services["database"] = db

	return c.JSON(code, resp)
}

func (s *Server) exposeError(err error) string {
	if s.opts.Production {
		return "unavailable"
	}
	return err.Error()
}

func (s *Server) metricsHandler() echo.HandlerFunc {
	return echo.WrapHandler(promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{}))
}
