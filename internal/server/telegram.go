package server

import (
	"crypto/subtle"
	"net/http"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"assistant-gate/internal/logger"
)

const secretHeader = "X-Telegram-Bot-Api-Secret-Token"

type webhookStatus struct {
	Status string `json:"status"`
}

type setWebhookRequest struct {
	URL string `json:"url" validate:"required,url,startswith=https://"`
}

// webhook accepts an update and hands it to the bot in the background.
// Malformed bodies are acknowledged with status "error" so Telegram does
// not redeliver them.
func (s *Server) webhook(c echo.Context) error {
	if !s.validSecret(c.Request().Header.Get(secretHeader)) {
		s.log.Warn("invalid webhook secret", zap.String("ip", c.RealIP()), logger.Security("invalid_webhook_secret"))
		return s.unauthorized(c, "Invalid webhook signature")
	}

	var update tgbotapi.Update
	if err := c.Bind(&update); err != nil {
		s.log.Warn("malformed webhook update", zap.Error(err))
		return c.JSON(http.StatusOK, webhookStatus{Status: "error"})
	}

	s.deps.Telegram.Dispatch(update)
	return c.JSON(http.StatusOK, webhookStatus{Status: "ok"})
}

func (s *Server) validSecret(got string) bool {
	if s.opts.WebhookSecret == "" {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(s.opts.WebhookSecret)) == 1
}

func (s *Server) webhookInfo(c echo.Context) error {
	info, err := s.deps.Telegram.WebhookInfo()
	if err != nil {
		return s.internalError(c, err)
	}
	return c.JSON(http.StatusOK, info)
}

func (s *Server) setWebhook(c echo.Context) error {
	var req setWebhookRequest
	if err := c.Bind(&req); err != nil {
		return s.validationError(c, err)
	}
	if err := c.Validate(&req); err != nil {
		return s.validationError(c, err)
	}

	if err := s.deps.Telegram.SetWebhook(req.URL, s.opts.WebhookSecret); err != nil {
		s.log.Error("set webhook", zap.String("url", req.URL), zap.Error(err))
		return c.JSON(http.StatusOK, map[string]bool{"success": false})
	}
	return c.JSON(http.StatusOK, map[string]bool{"success": true})
}
