package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"assistant-gate/internal/model"
)

// ErrNotFound is returned when no user matches the lookup.
var ErrNotFound = errors.New("user not found")

// Scope selects users; ByID and ByTelegramID let every mutation serve both
// the admin surface (internal ids) and the bot (Telegram ids).
type Scope func(*gorm.DB) *gorm.DB

func ByID(id uint) Scope {
	return func(db *gorm.DB) *gorm.DB {
		return db.Where("id = ?", id)
	}
}

func ByTelegramID(telegramID int64) Scope {
	return func(db *gorm.DB) *gorm.DB {
		return db.Where("telegram_id = ?", telegramID)
	}
}

// ListFilter narrows and pages a user listing.
type ListFilter struct {
	Search string
	Offset int
	Limit  int
}

// UserRepository handles persistence for users.
type UserRepository struct {
	db *gorm.DB
}

func NewUserRepository(db *gorm.DB) *UserRepository {
	return &UserRepository{db: db}
}

// Upsert finds or creates a user by TelegramID and refreshes the profile
// fields only. Ban, quota and thread state are never touched.
func (r *UserRepository) Upsert(ctx context.Context, p model.Profile) (*model.User, error) {
	var user model.User
	db := r.db.WithContext(ctx)
	err := db.Where("telegram_id = ?", p.TelegramID).First(&user).Error
	switch {
	case err == nil:
		updates := map[string]interface{}{
			"username":      p.Username,
			"first_name":    p.FirstName,
			"last_name":     p.LastName,
			"language_code": p.LanguageCode,
			"is_bot":        p.IsBot,
		}
		if err := db.Model(&user).Updates(updates).Error; err != nil {
			return nil, fmt.Errorf("update user: %w", err)
		}
		return &user, nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		user = model.User{
			TelegramID:   p.TelegramID,
			Username:     p.Username,
			FirstName:    p.FirstName,
			LastName:     p.LastName,
			LanguageCode: p.LanguageCode,
			IsBot:        p.IsBot,
		}
		if err := db.Create(&user).Error; err != nil {
			// A concurrent first message may have inserted the row already.
			if existing, findErr := r.Find(ctx, ByTelegramID(p.TelegramID)); findErr == nil {
				return existing, nil
			}
			return nil, fmt.Errorf("create user: %w", err)
		}
		return &user, nil
	default:
		return nil, fmt.Errorf("find user: %w", err)
	}
}

func (r *UserRepository) Find(ctx context.Context, scope Scope) (*model.User, error) {
	var user model.User
	err := r.db.WithContext(ctx).Scopes(scope).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find user: %w", err)
	}
	return &user, nil
}

// IncrementIfBelow adds one request to the counter only while it is below
// ceiling. The check and the write are one statement, so concurrent callers
// can never push the counter past ceiling.
func (r *UserRepository) IncrementIfBelow(ctx context.Context, telegramID int64, ceiling int, now time.Time) (bool, error) {
	res := r.db.WithContext(ctx).Model(&model.User{}).
		Where("telegram_id = ? AND daily_requests < ?", telegramID, ceiling).
		Updates(map[string]interface{}{
			"daily_requests":  gorm.Expr("daily_requests + 1"),
			"last_request_at": now,
		})
	if res.Error != nil {
		return false, fmt.Errorf("increment requests: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// RolloverIfStale zeroes the counter when the last request happened before
// dayStart. Returns whether a reset took place.
func (r *UserRepository) RolloverIfStale(ctx context.Context, telegramID int64, dayStart time.Time) (bool, error) {
	res := r.db.WithContext(ctx).Model(&model.User{}).
		Where("telegram_id = ? AND (last_request_at IS NULL OR last_request_at < ?)", telegramID, dayStart).
		Update("daily_requests", 0)
	if res.Error != nil {
		return false, fmt.Errorf("rollover requests: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// SetThreadIfAbsent stores the conversation handle unless one is already
// recorded. False means another writer got there first.
func (r *UserRepository) SetThreadIfAbsent(ctx context.Context, telegramID int64, threadID string) (bool, error) {
	res := r.db.WithContext(ctx).Model(&model.User{}).
		Where("telegram_id = ? AND thread_id = ?", telegramID, "").
		Update("thread_id", threadID)
	if res.Error != nil {
		return false, fmt.Errorf("save thread: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (r *UserRepository) SetBanned(ctx context.Context, scope Scope, banned bool) (*model.User, error) {
	return r.mutate(ctx, scope, "set ban", map[string]interface{}{"is_banned": banned})
}

func (r *UserRepository) ToggleBanned(ctx context.Context, scope Scope) (*model.User, error) {
	return r.mutate(ctx, scope, "toggle ban", map[string]interface{}{"is_banned": gorm.Expr("NOT is_banned")})
}

// ResetUsage zeroes the counter and forgets the last request instant.
func (r *UserRepository) ResetUsage(ctx context.Context, scope Scope) (*model.User, error) {
	return r.mutate(ctx, scope, "reset usage", map[string]interface{}{
		"daily_requests":  0,
		"last_request_at": nil,
	})
}

// ResetAllUsage zeroes every non-zero counter and returns how many rows changed.
func (r *UserRepository) ResetAllUsage(ctx context.Context) (int64, error) {
	res := r.db.WithContext(ctx).Model(&model.User{}).
		Where("daily_requests > ?", 0).
		Update("daily_requests", 0)
	if res.Error != nil {
		return 0, fmt.Errorf("reset all usage: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// List returns one page of users, newest first, plus the total match count.
func (r *UserRepository) List(ctx context.Context, f ListFilter) ([]model.User, int64, error) {
	var total int64
	if err := r.db.WithContext(ctx).Model(&model.User{}).Scopes(matching(f.Search)).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("count users: %w", err)
	}

	var users []model.User
	err := r.db.WithContext(ctx).Scopes(matching(f.Search)).
		Order("created_at DESC").Order("id DESC").
		Offset(f.Offset).Limit(f.Limit).
		Find(&users).Error
	if err != nil {
		return nil, 0, fmt.Errorf("list users: %w", err)
	}
	return users, total, nil
}

func (r *UserRepository) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := r.db.WithContext(ctx).Model(&model.User{}).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("count users: %w", err)
	}
	return n, nil
}

func (r *UserRepository) CountBanned(ctx context.Context) (int64, error) {
	var n int64
	if err := r.db.WithContext(ctx).Model(&model.User{}).Where("is_banned = ?", true).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("count banned users: %w", err)
	}
	return n, nil
}

// CountActiveSince counts users whose last request is at or after since.
func (r *UserRepository) CountActiveSince(ctx context.Context, since time.Time) (int64, error) {
	var n int64
	if err := r.db.WithContext(ctx).Model(&model.User{}).Where("last_request_at >= ?", since).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("count active users: %w", err)
	}
	return n, nil
}

func (r *UserRepository) mutate(ctx context.Context, scope Scope, op string, updates map[string]interface{}) (*model.User, error) {
	res := r.db.WithContext(ctx).Model(&model.User{}).Scopes(scope).Updates(updates)
	if res.Error != nil {
		return nil, fmt.Errorf("%s: %w", op, res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, ErrNotFound
	}
	return r.Find(ctx, scope)
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// matching filters by a case-insensitive substring of the username or
// names. Wildcards in the search term match literally.
func matching(search string) Scope {
	term := strings.ToLower(strings.TrimSpace(search))
	return func(db *gorm.DB) *gorm.DB {
		if term == "" {
			return db
		}
		like := "%" + likeEscaper.Replace(term) + "%"
		return db.Where(`LOWER(username) LIKE ? ESCAPE '\' OR LOWER(first_name) LIKE ? ESCAPE '\' OR LOWER(last_name) LIKE ? ESCAPE '\'`, like, like, like)
	}
}
