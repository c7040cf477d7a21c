package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

type errorResponse struct {
	Error   string            `json:"error"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
}

// validationError hides field details in production.
func (s *Server) validationError(c echo.Context, err error) error {
	s.log.Debug("validation failed", zap.String("path", c.Request().URL.Path), zap.Error(err))
	resp := errorResponse{
		Error:   "validation_error",
		Message: "Invalid request data. Please check your input and try again.",
	}
	if !s.opts.Production {
		resp.Details = fieldErrors(err)
	}
	return c.JSON(http.StatusBadRequest, resp)
}

func (s *Server) internalError(c echo.Context, err error) error {
	s.log.Error("internal error", zap.String("path", c.Request().URL.Path), zap.Error(err))
	return c.JSON(http.StatusInternalServerError, errorResponse{
		Error:   "internal_error",
		Message: "An internal error occurred. Please try again later.",
	})
}

func (s *Server) unauthorized(c echo.Context, message string) error {
	return c.JSON(http.StatusUnauthorized, errorResponse{Error: "unauthorized", Message: message})
}

func (s *Server) forbidden(c echo.Context) error {
	return c.JSON(http.StatusForbidden, errorResponse{
		Error:   "forbidden",
		Message: "You do not have permission to access this resource.",
	})
}

func (s *Server) notFound(c echo.Context, message string) error {
	return c.JSON(http.StatusNotFound, errorResponse{Error: "not_found", Message: message})
}

// handleError renders errors returned past the handlers in the same shape.
func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	code := http.StatusInternalServerError
	message := "An internal error occurred. Please try again later."
	var he *echo.HTTPError
	if errors.As(err, &he) {
		code = he.Code
		if m, ok := he.Message.(string); ok {
			message = m
		}
	} else {
		s.log.Error("unhandled error", zap.String("path", c.Request().URL.Path), zap.Error(err))
	}

	resp := errorResponse{
		Error:   strings.ToLower(strings.ReplaceAll(http.StatusText(code), " ", "_")),
		Message: message,
	}
	if c.Request().Method == http.MethodHead {
		err = c.NoContent(code)
	} else {
		err = c.JSON(code, resp)
	}
	if err != nil {
		s.log.Error("write error response", zap.Error(err))
	}
}

func fieldErrors(err error) map[string]string {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		out := make(map[string]string, len(verrs))
		for _, fe := range verrs {
			out[fe.Field()] = fe.Tag()
		}
		return out
	}
	var he *echo.HTTPError
	if errors.As(err, &he) {
		if m, ok := he.Message.(string); ok {
			return map[string]string{"request": m}
		}
	}
	return map[string]string{"request": err.Error()}
}
