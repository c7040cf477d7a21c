package service

import (
	"context"
	"errors"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"assistant-gate/internal/model"
	"assistant-gate/internal/quota"
	"assistant-gate/internal/repository"
)

// QuotaStatus is the outcome of a quota check.
type QuotaStatus struct {
	Allowed bool
	Used    int
	Limit   int
}

// ListParams selects one page of users. Page is 1-based.
type ListParams struct {
	Page     int
	PageSize int
	Search   string
}

// Page is a slice of users plus pagination metadata.
type Page struct {
	Items      []model.User
	Total      int64
	Page       int
	PageSize   int
	TotalPages int
}

type Stats struct {
	Total  int64
	Active int64
	Banned int64
}

// UserService exposes the user store with soft failure semantics: storage
// errors are logged and turned into nil, false or an empty page, so callers
// treat "missing" and "failed" alike.
type UserService struct {
	repo   *repository.UserRepository
	policy quota.Policy
	clock  clockwork.Clock
	log    *zap.Logger
}

func NewUserService(repo *repository.UserRepository, policy quota.Policy, clock clockwork.Clock, log *zap.Logger) *UserService {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &UserService{
		repo:   repo,
		policy: policy,
		clock:  clock,
		log:    log.Named("users"),
	}
}

func (s *UserService) Policy() quota.Policy {
	return s.policy
}

func (s *UserService) UpsertUser(ctx context.Context, p model.Profile) *model.User {
	user, err := s.repo.Upsert(ctx, p)
	if err != nil {
		s.log.Error("upsert user", zap.Int64("telegram_id", p.TelegramID), zap.Error(err))
		return nil
	}
	return user
}

func (s *UserService) GetUser(ctx context.Context, telegramID int64) *model.User {
	return s.find(ctx, repository.ByTelegramID(telegramID), zap.Int64("telegram_id", telegramID))
}

func (s *UserService) GetUserByID(ctx context.Context, id uint) *model.User {
	return s.find(ctx, repository.ByID(id), zap.Uint("id", id))
}

// IsBanned fails open: a missing user or a storage error reads as not banned.
func (s *UserService) IsBanned(ctx context.Context, telegramID int64) bool {
	user := s.GetUser(ctx, telegramID)
	return user != nil && user.IsBanned
}

// IncrementUsage records one request. False means the ceiling was already
// reached or the store failed.
func (s *UserService) IncrementUsage(ctx context.Context, telegramID int64) bool {
	ok, err := s.repo.IncrementIfBelow(ctx, telegramID, s.policy.Limit, s.now())
	if err != nil {
		s.log.Error("increment usage", zap.Int64("telegram_id", telegramID), zap.Error(err))
		return false
	}
	if !ok {
		s.log.Info("usage increment refused at ceiling", zap.Int64("telegram_id", telegramID))
	}
	return ok
}

// CheckAndRolloverQuota resets a counter left over from a previous day and
// reports whether one more request fits under the ceiling.
func (s *UserService) CheckAndRolloverQuota(ctx context.Context, telegramID int64) QuotaStatus {
	denied := QuotaStatus{Limit: s.policy.Limit}

	user := s.GetUser(ctx, telegramID)
	if user == nil {
		return denied
	}

	now := s.now()
	if s.policy.IsNewDay(user.LastRequestAt, now) {
		reset, err := s.repo.RolloverIfStale(ctx, telegramID, s.policy.StartOfDay(now).UTC())
		if err != nil {
			s.log.Error("rollover quota", zap.Int64("telegram_id", telegramID), zap.Error(err))
			return denied
		}
		if reset {
			return QuotaStatus{Allowed: true, Used: 0, Limit: s.policy.Limit}
		}
		// A request from today landed between the read and the reset.
		if user = s.GetUser(ctx, telegramID); user == nil {
			return denied
		}
	}

	return QuotaStatus{
		Allowed: user.DailyRequests < s.policy.Limit,
		Used:    user.DailyRequests,
		Limit:   s.policy.Limit,
	}
}

func (s *UserService) SetBan(ctx context.Context, telegramID int64, banned bool) *model.User {
	return s.mutate("set ban", zap.Int64("telegram_id", telegramID), func() (*model.User, error) {
		return s.repo.SetBanned(ctx, repository.ByTelegramID(telegramID), banned)
	})
}

func (s *UserService) SetBanByID(ctx context.Context, id uint, banned bool) *model.User {
	return s.mutate("set ban", zap.Uint("id", id), func() (*model.User, error) {
		return s.repo.SetBanned(ctx, repository.ByID(id), banned)
	})
}

func (s *UserService) ToggleBan(ctx context.Context, telegramID int64) *model.User {
	return s.mutate("toggle ban", zap.Int64("telegram_id", telegramID), func() (*model.User, error) {
		return s.repo.ToggleBanned(ctx, repository.ByTelegramID(telegramID))
	})
}

func (s *UserService) ToggleBanByID(ctx context.Context, id uint) *model.User {
	return s.mutate("toggle ban", zap.Uint("id", id), func() (*model.User, error) {
		return s.repo.ToggleBanned(ctx, repository.ByID(id))
	})
}

func (s *UserService) ResetUsage(ctx context.Context, telegramID int64) *model.User {
	return s.mutate("reset usage", zap.Int64("telegram_id", telegramID), func() (*model.User, error) {
		return s.repo.ResetUsage(ctx, repository.ByTelegramID(telegramID))
	})
}

func (s *UserService) ResetUsageByID(ctx context.Context, id uint) *model.User {
	return s.mutate("reset usage", zap.Uint("id", id), func() (*model.User, error) {
		return s.repo.ResetUsage(ctx, repository.ByID(id))
	})
}

// SaveThreadHandle records handle unless the user already has one. False
// means the write lost to an earlier one or failed.
func (s *UserService) SaveThreadHandle(ctx context.Context, telegramID int64, handle string) bool {
	ok, err := s.repo.SetThreadIfAbsent(ctx, telegramID, handle)
	if err != nil {
		s.log.Error("save thread handle", zap.Int64("telegram_id", telegramID), zap.Error(err))
		return false
	}
	return ok
}

func (s *UserService) ListUsers(ctx context.Context, p ListParams) Page {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.PageSize < 1 {
		p.PageSize = 10
	}
	page := Page{Items: []model.User{}, Page: p.Page, PageSize: p.PageSize}

	users, total, err := s.repo.List(ctx, repository.ListFilter{
		Search: p.Search,
		Offset: (p.Page - 1) * p.PageSize,
		Limit:  p.PageSize,
	})
	if err != nil {
		s.log.Error("list users", zap.Int("page", p.Page), zap.String("search", p.Search), zap.Error(err))
		return page
	}

	page.Items = users
	page.Total = total
	page.TotalPages = int((total + int64(p.PageSize) - 1) / int64(p.PageSize))
	return page
}

func (s *UserService) Stats(ctx context.Context) Stats {
	total, err := s.repo.Count(ctx)
	if err != nil {
		s.log.Error("count users", zap.Error(err))
		return Stats{}
	}
	banned, err := s.repo.CountBanned(ctx)
	if err != nil {
		s.log.Error("count banned users", zap.Error(err))
		return Stats{}
	}
	return Stats{Total: total, Active: total - banned, Banned: banned}
}

// DailyActive counts users whose last request falls on the current day.
func (s *UserService) DailyActive(ctx context.Context) int64 {
	n, err := s.repo.CountActiveSince(ctx, s.policy.StartOfDay(s.now()).UTC())
	if err != nil {
		s.log.Error("count daily active users", zap.Error(err))
		return 0
	}
	return n
}

// ResetAllUsage is the scheduled sweep that zeroes every counter.
func (s *UserService) ResetAllUsage(ctx context.Context) int64 {
	n, err := s.repo.ResetAllUsage(ctx)
	if err != nil {
		s.log.Error("reset all usage", zap.Error(err))
		return 0
	}
	s.log.Info("daily usage reset", zap.Int64("users", n))
	return n
}

func (s *UserService) now() time.Time {
	return s.clock.Now().UTC()
}

func (s *UserService) find(ctx context.Context, scope repository.Scope, key zap.Field) *model.User {
	user, err := s.repo.Find(ctx, scope)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			s.log.Error("get user", key, zap.Error(err))
		}
		return nil
	}
	return user
}

func (s *UserService) mutate(op string, key zap.Field, fn func() (*model.User, error)) *model.User {
	user, err := fn()
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			s.log.Warn(op+": user not found", key)
		} else {
			s.log.Error(op, key, zap.Error(err))
		}
		return nil
	}
	s.log.Info(op, key, zap.Bool("banned", user.IsBanned), zap.Int("daily_requests", user.DailyRequests))
	return user
}
