package server

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"assistant-gate/internal/adminauth"
	"assistant-gate/internal/model"
	"assistant-gate/internal/service"
)

type loginRequest struct {
	Username string `json:"username" validate:"required,max=128"`
	Password string `json:"password" validate:"required,max=256"`
}

type listQuery struct {
	Page   int    `query:"page" validate:"omitempty,min=1"`
	Limit  int    `query:"limit" validate:"omitempty,min=1,max=100"`
	Search string `query:"search" validate:"max=100"`
}

type banRequest struct {
	Reason string `json:"reason" validate:"max=500"`
}

// userDTO is the admin view of a user. The Telegram id is a string so
// JavaScript clients keep all 64 bits.
type userDTO struct {
	ID              uint       `json:"id"`
	TelegramID      string     `json:"telegramId"`
	Username        string     `json:"username"`
	FirstName       string     `json:"firstName"`
	LastName        string     `json:"lastName"`
	LanguageCode    string     `json:"languageCode"`
	IsBanned        bool       `json:"isBanned"`
	DailyRequests   int        `json:"dailyRequests"`
	LastRequestDate *time.Time `json:"lastRequestDate"`
	ThreadID        string     `json:"threadId,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
}

func toUserDTO(u *model.User) userDTO {
	return userDTO{
		ID:              u.ID,
		TelegramID:      strconv.FormatInt(u.TelegramID, 10),
		Username:        u.Username,
		FirstName:       u.FirstName,
		LastName:        u.LastName,
		LanguageCode:    u.LanguageCode,
		IsBanned:        u.IsBanned,
		DailyRequests:   u.DailyRequests,
		LastRequestDate: u.LastRequestAt,
		ThreadID:        u.ThreadID,
		CreatedAt:       u.CreatedAt,
		UpdatedAt:       u.UpdatedAt,
	}
}

type usersResponse struct {
	Users      []userDTO `json:"users"`
	Total      int64     `json:"total"`
	Page       int       `json:"page"`
	Limit      int       `json:"limit"`
	TotalPages int       `json:"totalPages"`
}

type statsResponse struct {
	Total       int64 `json:"total"`
	Active      int64 `json:"active"`
	Banned      int64 `json:"banned"`
	DailyActive int64 `json:"dailyActive"`
}

type mutationResponse struct {
	Success  bool    `json:"success"`
	Message  string  `json:"message"`
	IsBanned *bool   `json:"isBanned,omitempty"`
	User     userDTO `json:"user"`
}

func (s *Server) login(c echo.Context) error {
	var req loginRequest
	if err := c.Bind(&req); err != nil {
		return s.validationError(c, err)
	}
	if err := c.Validate(&req); err != nil {
		return s.validationError(c, err)
	}

	token, err := s.deps.Auth.Login(req.Username, req.Password)
	if errors.Is(err, adminauth.ErrInvalidCredentials) {
		return s.unauthorized(c, "Invalid credentials")
	}
	if err != nil {
		return s.internalError(c, err)
	}
	return c.JSON(http.StatusOK, token)
}

func (s *Server) logout(c echo.Context) error {
	token, _ := bearerToken(c)
	if err := s.deps.Auth.Logout(c.Request().Context(), token); err != nil {
		if errors.Is(err, adminauth.ErrUnauthorized) {
			return s.unauthorized(c, "Invalid access token")
		}
		return s.internalError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"success": true, "message": "Logged out"})
}

func (s *Server) stats(c echo.Context) error {
	ctx := c.Request().Context()
	st := s.deps.Users.Stats(ctx)
	return c.JSON(http.StatusOK, statsResponse{
		Total:       st.Total,
		Active:      st.Active,
		Banned:      st.Banned,
		DailyActive: s.deps.Users.DailyActive(ctx),
	})
}

func (s *Server) listUsers(c echo.Context) error {
	var q listQuery
	if err := c.Bind(&q); err != nil {
		return s.validationError(c, err)
	}
	if err := c.Validate(&q); err != nil {
		return s.validationError(c, err)
	}

	page := s.deps.Users.ListUsers(c.Request().Context(), service.ListParams{
		Page:     q.Page,
		PageSize: q.Limit,
		Search:   q.Search,
	})
	resp := usersResponse{
		Users:      make([]userDTO, 0, len(page.Items)),
		Total:      page.Total,
		Page:       page.Page,
		Limit:      page.PageSize,
		TotalPages: page.TotalPages,
	}
	for i := range page.Items {
		resp.Users = append(resp.Users, toUserDTO(&page.Items[i]))
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) getUser(c echo.Context) error {
	id, err := userID(c)
	if err != nil {
		return s.validationError(c, err)
	}
	user := s.deps.Users.GetUserByID(c.Request().Context(), id)
	if user == nil {
		return s.notFound(c, "User not found")
	}
	return c.JSON(http.StatusOK, toUserDTO(user))
}

func (s *Server) banUser(c echo.Context) error {
	return s.mutateUser(c, "User banned successfully", func(id uint) *model.User {
		return s.deps.Users.SetBanByID(c.Request().Context(), id, true)
	})
}

func (s *Server) unbanUser(c echo.Context) error {
	return s.mutateUser(c, "User unbanned successfully", func(id uint) *model.User {
		return s.deps.Users.SetBanByID(c.Request().Context(), id, false)
	})
}

func (s *Server) resetRequests(c echo.Context) error {
	return s.mutateUser(c, "Daily requests reset successfully", func(id uint) *model.User {
		return s.deps.Users.ResetUsageByID(c.Request().Context(), id)
	})
}

func (s *Server) mutateUser(c echo.Context, message string, fn func(id uint) *model.User) error {
	id, err := userID(c)
	if err != nil {
		return s.validationError(c, err)
	}
	user := fn(id)
	if user == nil {
		return s.notFound(c, "User not found")
	}
	s.log.Info("admin user update", zap.Uint("user_id", id), zap.String("action", c.Request().Method+" "+c.Path()), zap.String("admin", adminName(c)))
	return c.JSON(http.StatusOK, mutationResponse{Success: true, Message: message, User: toUserDTO(user)})
}

// toggleBan flips the ban flag; the body may carry an optional reason.
func (s *Server) toggleBan(c echo.Context) error {
	id, err := userID(c)
	if err != nil {
		return s.validationError(c, err)
	}
	var req banRequest
	if err := c.Bind(&req); err != nil {
		return s.validationError(c, err)
	}
	if err := c.Validate(&req); err != nil {
		return s.validationError(c, err)
	}

	user := s.deps.Users.ToggleBanByID(c.Request().Context(), id)
	if user == nil {
		return s.notFound(c, "User not found")
	}

	verb := "unbanned"
	if user.IsBanned {
		verb = "banned"
	}
	s.log.Info("admin toggled ban", zap.Uint("user_id", id), zap.Bool("banned", user.IsBanned),
		zap.String("reason", req.Reason), zap.String("admin", adminName(c)))
	banned := user.IsBanned
	return c.JSON(http.StatusOK, mutationResponse{
		Success:  true,
		Message:  fmt.Sprintf("User %s successfully", verb),
		IsBanned: &banned,
		User:     toUserDTO(user),
	})
}

func (s *Server) adminHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"timestamp": s.opts.Clock.Now().UTC().Format(time.RFC3339),
		"service":   "admin-api",
	})
}

func userID(c echo.Context) (uint, error) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "user id must be a positive integer")
	}
	return uint(id), nil
}

func adminName(c echo.Context) string {
	if claims, ok := c.Get(claimsKey).(*adminauth.Claims); ok {
		return claims.Username
	}
	return ""
}
