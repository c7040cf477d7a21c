package server

import (
	"errors"
	"io/fs"
	"path"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// spa serves the prebuilt admin bundle. Paths that are not files fall back
// to index.html so client-side routes survive a reload.
func (s *Server) spa() echo.HandlerFunc {
	if s.opts.StaticDir == "" {
		return func(c echo.Context) error {
			return s.notFound(c, "Admin panel is not available")
		}
	}

	serve := middleware.StaticWithConfig(middleware.StaticConfig{
		Root:  s.opts.StaticDir,
		Index: "index.html",
		HTML5: true,
	})(func(echo.Context) error { return echo.ErrNotFound })

	return func(c echo.Context) error {
		// Only the index shell is revalidated on every load.
		if path.Ext(c.Param("*")) == "" {
			c.Response().Header().Set(echo.HeaderCacheControl, "no-cache")
		}
		err := serve(c)
		if errors.Is(err, fs.ErrNotExist) {
			c.Response().Header().Del(echo.HeaderCacheControl)
			return s.notFound(c, "Admin panel is not available")
		}
		return err
	}
}
