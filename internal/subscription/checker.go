// Package subscription checks channel membership against the Telegram API.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"assistant-gate/internal/poll"
)

// MemberAPI is the slice of the Telegram client the checker needs.
// *tgbotapi.BotAPI satisfies it.
type MemberAPI interface {
	GetChatMember(config tgbotapi.GetChatMemberConfig) (tgbotapi.ChatMember, error)
	GetMe() (tgbotapi.User, error)
}

// Result of a check over the required channel set.
type Result struct {
	Subscribed bool
	Missing    []string
}

type Options struct {
	RequiredChannels []string
	PrimaryChannel   string
	Attempts         int
	BaseDelay        time.Duration
	Clock            clockwork.Clock
}

// Checker evaluates channel membership live on every call, without caching.
type Checker struct {
	api  MemberAPI
	opts Options
	log  *zap.Logger
}

func NewChecker(api MemberAPI, opts Options, log *zap.Logger) *Checker {
	if opts.Attempts <= 0 {
		opts.Attempts = 3
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = time.Second
	}
	return &Checker{api: api, opts: opts, log: log.Named("subscription")}
}

func (c *Checker) RequiredChannels() []string {
	return c.opts.RequiredChannels
}

// CheckMembership reports whether userID is a member, administrator or
// creator of channelID. Transient failures are retried with linear backoff;
// a bad request or forbidden answer means "not a member" right away.
func (c *Checker) CheckMembership(ctx context.Context, userID int64, channelID string) (bool, error) {
	chat, err := chatConfig(channelID, userID)
	if err != nil {
		return false, err
	}

	var member tgbotapi.ChatMember
	err = poll.Retry(ctx, poll.RetryConfig{
		Attempts:  c.opts.Attempts,
		BaseDelay: c.opts.BaseDelay,
		Clock:     c.opts.Clock,
		Permanent: isDefinitelyNotMember,
	}, func(context.Context) error {
		var err error
		member, err = c.api.GetChatMember(tgbotapi.GetChatMemberConfig{ChatConfigWithUser: chat})
		if err != nil {
			c.log.Debug("get chat member failed", zap.Int64("user_id", userID), zap.String("channel", channelID), zap.Error(err))
		}
		return err
	})
	if err != nil {
		if isDefinitelyNotMember(err) {
			return false, nil
		}
		return false, fmt.Errorf("get chat member %s: %w", channelID, err)
	}

	return isSubscribedStatus(member.Status), nil
}

// CheckAllRequired evaluates every required channel. A channel whose check
// fails counts as missing; the remaining channels are still checked.
func (c *Checker) CheckAllRequired(ctx context.Context, userID int64) Result {
	res := Result{Subscribed: true}
	for _, channelID := range c.opts.RequiredChannels {
		ok, err := c.CheckMembership(ctx, userID, channelID)
		if err != nil {
			c.log.Warn("membership check failed, treating as missing",
				zap.Int64("user_id", userID), zap.String("channel", channelID), zap.Error(err))
		}
		if !ok {
			res.Subscribed = false
			res.Missing = append(res.Missing, channelID)
		}
	}
	return res
}

// CheckPrimary checks the primary channel; with none configured there is no gate.
func (c *Checker) CheckPrimary(ctx context.Context, userID int64) bool {
	if c.opts.PrimaryChannel == "" {
		return true
	}
	ok, err := c.CheckMembership(ctx, userID, c.opts.PrimaryChannel)
	if err != nil {
		c.log.Warn("primary membership check failed",
			zap.Int64("user_id", userID), zap.String("channel", c.opts.PrimaryChannel), zap.Error(err))
		return false
	}
	return ok
}

// Health verifies the bot credential by asking Telegram who we are.
func (c *Checker) Health(context.Context) error {
	if _, err := c.api.GetMe(); err != nil {
		return fmt.Errorf("get me: %w", err)
	}
	return nil
}

func chatConfig(channelID string, userID int64) (tgbotapi.ChatConfigWithUser, error) {
	channelID = strings.TrimSpace(channelID)
	if channelID == "" {
		return tgbotapi.ChatConfigWithUser{}, errors.New("empty channel id")
	}
	if id, err := strconv.ParseInt(channelID, 10, 64); err == nil {
		return tgbotapi.ChatConfigWithUser{ChatID: id, UserID: userID}, nil
	}
	if !strings.HasPrefix(channelID, "@") {
		channelID = "@" + channelID
	}
	return tgbotapi.ChatConfigWithUser{SuperGroupUsername: channelID, UserID: userID}, nil
}

func isSubscribedStatus(status string) bool {
	switch status {
	case "member", "administrator", "creator":
		return true
	default:
		return false
	}
}

func isDefinitelyNotMember(err error) bool {
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code == 400 || apiErr.Code == 403
	}
	return false
}
