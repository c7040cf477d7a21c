package bot

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"assistant-gate/internal/config"
	"assistant-gate/internal/metrics"
	"assistant-gate/internal/model"
	"assistant-gate/internal/poll"
	"assistant-gate/internal/quota"
	"assistant-gate/internal/service"
	"assistant-gate/internal/subscription"
)

// API is the Telegram client surface the bot uses. *tgbotapi.BotAPI
// satisfies it.
type API interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	MakeRequest(endpoint string, params tgbotapi.Params) (*tgbotapi.APIResponse, error)
	GetFileDirectURL(fileID string) (string, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
	GetWebhookInfo() (tgbotapi.WebhookInfo, error)
}

// Users is the user store as seen by the bot.
type Users interface {
	UpsertUser(ctx context.Context, p model.Profile) *model.User
	GetUser(ctx context.Context, telegramID int64) *model.User
	IsBanned(ctx context.Context, telegramID int64) bool
	CheckAndRolloverQuota(ctx context.Context, telegramID int64) service.QuotaStatus
	IncrementUsage(ctx context.Context, telegramID int64) bool
	SaveThreadHandle(ctx context.Context, telegramID int64, handle string) bool
	Policy() quota.Policy
}

type Subscriptions interface {
	CheckAllRequired(ctx context.Context, userID int64) subscription.Result
	CheckPrimary(ctx context.Context, userID int64) bool
}

type Assistant interface {
	OpenThread(ctx context.Context) (string, error)
	SendAndAwaitReply(ctx context.Context, threadID, text string) (string, error)
	Transcribe(ctx context.Context, audio []byte, filename string) (string, error)
}

type Options struct {
	MainChannel   config.Channel
	SecondChannel config.Channel
	// Pause separates the greeting from the status message; negative disables it.
	Pause                time.Duration
	HandlerTimeout       time.Duration
	MaxConcurrentUpdates int
	Clock                clockwork.Clock
	HTTPClient           *http.Client
	Metrics              *metrics.Metrics
}

// Bot routes Telegram updates through the ban, subscription and quota gates
// to the assistant.
type Bot struct {
	api   API
	users Users
	subs  Subscriptions
	ai    Assistant
	opts  Options
	log   *zap.Logger
	group errgroup.Group
}

func New(api API, users Users, subs Subscriptions, ai Assistant, opts Options, log *zap.Logger) *Bot {
	if opts.Pause == 0 {
		opts.Pause = time.Second
	}
	if opts.HandlerTimeout <= 0 {
		opts.HandlerTimeout = 2 * time.Minute
	}
	if opts.MaxConcurrentUpdates <= 0 {
		opts.MaxConcurrentUpdates = 16
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	b := &Bot{api: api, users: users, subs: subs, ai: ai, opts: opts, log: log.Named("bot")}
	b.group.SetLimit(opts.MaxConcurrentUpdates)
	return b
}

// Dispatch handles update in the background. It blocks while the maximum
// number of updates is already in flight.
func (b *Bot) Dispatch(update tgbotapi.Update) {
	b.group.Go(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), b.opts.HandlerTimeout)
		defer cancel()
		b.HandleUpdate(ctx, update)
		return nil
	})
}

// Wait blocks until every dispatched update has been handled.
func (b *Bot) Wait() {
	_ = b.group.Wait()
}

// HandleUpdate processes one update to completion. Errors and panics are
// logged, reported and answered with a generic apology.
func (b *Bot) HandleUpdate(ctx context.Context, update tgbotapi.Update) {
	chatID := chatOf(update)
	defer func() {
		if r := recover(); r != nil {
			sentry.CurrentHub().Recover(r)
			b.fail(chatID, fmt.Errorf("panic: %v", r))
		}
	}()

	var err error
	switch {
	case update.CallbackQuery != nil:
		b.opts.Metrics.Update("callback")
		err = b.handleCallback(ctx, update.CallbackQuery)
	case update.Message != nil:
		if update.Message.Chat == nil || !update.Message.Chat.IsPrivate() {
			return
		}
		b.opts.Metrics.Update(messageKind(update.Message))
		err = b.handleMessage(ctx, update.Message)
	default:
		b.opts.Metrics.Update("other")
		return
	}
	if err != nil {
		sentry.CaptureException(err)
		b.fail(chatID, err)
	}
}

func (b *Bot) handleMessage(ctx context.Context, msg *tgbotapi.Message) error {
	if msg.From == nil {
		return nil
	}
	from, chatID := msg.From, msg.Chat.ID
	b.log.Info("message",
		zap.Int64("user_id", from.ID), zap.String("username", from.UserName), zap.String("kind", messageKind(msg)))

	user := b.users.UpsertUser(ctx, profileOf(from))
	if user == nil {
		return errors.New("upsert user failed")
	}

	if b.users.IsBanned(ctx, from.ID) {
		b.opts.Metrics.Outcome("banned")
		return b.sendText(chatID, msgBanned)
	}

	if res := b.subs.CheckAllRequired(ctx, from.ID); !res.Subscribed {
		b.opts.Metrics.Membership(false)
		b.opts.Metrics.Outcome("unsubscribed")
		b.log.Info("required channels missing", zap.Int64("user_id", from.ID), zap.Strings("missing", res.Missing))
		return b.sendWithReplyMarkup(chatID, msgOnboarding, onboardingKeyboard(b.opts.MainChannel, b.opts.SecondChannel))
	}
	b.opts.Metrics.Membership(true)

	text := msg.Text
	if msg.Voice != nil {
		b.sendTyping(chatID)
		transcript, err := b.transcribeVoice(ctx, msg.Voice.FileID)
		if err != nil {
			b.log.Warn("voice transcription failed", zap.Int64("user_id", from.ID), zap.Error(err))
			b.opts.Metrics.Outcome("transcription_failed")
			return b.sendText(chatID, msgVoiceFailed)
		}
		b.log.Info("voice transcribed", zap.Int64("user_id", from.ID), zap.Int("chars", len(transcript)))
		text = transcript
	}

	if isStart(msg, text) {
		b.opts.Metrics.Outcome("start")
		return b.sendStatus(ctx, chatID, from.ID, !user.HasThread())
	}

	if strings.TrimSpace(text) == "" {
		b.log.Debug("ignoring message without text", zap.Int64("user_id", from.ID))
		return nil
	}

	if !b.subs.CheckPrimary(ctx, from.ID) {
		b.opts.Metrics.Outcome("unsubscribed_primary")
		return b.sendWithReplyMarkup(chatID, msgUnsubscribed, resubscribeKeyboard(b.opts.MainChannel))
	}

	status := b.users.CheckAndRolloverQuota(ctx, from.ID)
	if !status.Allowed || !b.users.IncrementUsage(ctx, from.ID) {
		b.opts.Metrics.Outcome("quota_exceeded")
		return b.sendText(chatID, msgQuotaExceeded)
	}
	used := status.Used + 1

	b.sendTyping(chatID)

	answer, err := b.ask(ctx, user, text)
	if err != nil {
		b.log.Error("assistant failed", zap.Int64("user_id", from.ID), zap.Error(err))
		sentry.CaptureException(err)
		b.opts.Metrics.Outcome("degraded")
		return b.sendText(chatID, degradedReply(used, status.Limit, text))
	}

	b.opts.Metrics.Outcome("answered")
	return b.sendText(chatID, assistantReply(used, status.Limit, answer))
}

// ask sends text on the user's conversation thread, opening one on first use.
func (b *Bot) ask(ctx context.Context, user *model.User, text string) (string, error) {
	threadID := user.ThreadID
	if threadID == "" {
		opened, err := b.ai.OpenThread(ctx)
		if err != nil {
			return "", err
		}
		threadID = opened
		if b.users.SaveThreadHandle(ctx, user.TelegramID, opened) {
			b.log.Info("thread saved", zap.Int64("user_id", user.TelegramID), zap.String("thread_id", opened))
		} else {
			// Another update stored a handle first; continue on that one.
			current := b.users.GetUser(ctx, user.TelegramID)
			if current == nil || current.ThreadID == "" {
				return "", errors.New("save thread handle failed")
			}
			threadID = current.ThreadID
		}
	}
	return b.ai.SendAndAwaitReply(ctx, threadID, text)
}

func (b *Bot) handleCallback(ctx context.Context, cb *tgbotapi.CallbackQuery) error {
	if cb == nil || cb.From == nil {
		return nil
	}
	b.log.Info("callback", zap.Int64("user_id", cb.From.ID), zap.String("data", cb.Data))

	chatID := cb.From.ID
	if cb.Message != nil && cb.Message.Chat != nil {
		chatID = cb.Message.Chat.ID
	}

	var err error
	switch cb.Data {
	case cbCheckSubscription:
		err = b.checkSubscription(ctx, cb.From, chatID)
	}

	// A callback is answered once: silently on success, with an alert on failure.
	answer := tgbotapi.NewCallback(cb.ID, "")
	if err != nil {
		answer = tgbotapi.NewCallbackWithAlert(cb.ID, msgCallbackFailed)
	}
	if _, ackErr := b.api.Request(answer); ackErr != nil {
		b.log.Warn("callback ack", zap.Error(ackErr))
	}

	if err != nil {
		b.log.Error("callback failed", zap.Int64("user_id", cb.From.ID), zap.String("data", cb.Data), zap.Error(err))
		sentry.CaptureException(err)
		return b.sendText(chatID, msgCheckFailed)
	}
	return nil
}

func (b *Bot) checkSubscription(ctx context.Context, from *tgbotapi.User, chatID int64) error {
	if b.users.UpsertUser(ctx, profileOf(from)) == nil {
		return errors.New("upsert user failed")
	}

	if b.users.IsBanned(ctx, from.ID) {
		b.opts.Metrics.Outcome("banned")
		return b.sendText(chatID, msgBanned)
	}

	if res := b.subs.CheckAllRequired(ctx, from.ID); !res.Subscribed {
		b.opts.Metrics.Membership(false)
		return b.sendWithReplyMarkup(chatID, msgNotSubscribedYet, onboardingKeyboard(b.opts.MainChannel, b.opts.SecondChannel))
	}
	b.opts.Metrics.Membership(true)

	if err := b.sendText(chatID, msgSubscribedOK); err != nil {
		return err
	}
	if err := b.pause(ctx); err != nil {
		return err
	}
	return b.sendStatus(ctx, chatID, from.ID, false)
}

// sendStatus sends the main usage message. First-time users get the
// greeting before it.
func (b *Bot) sendStatus(ctx context.Context, chatID, telegramID int64, firstTime bool) error {
	if firstTime {
		if err := b.sendText(chatID, msgGreeting); err != nil {
			return err
		}
		if err := b.pause(ctx); err != nil {
			return err
		}
		return b.sendText(chatID, firstTimeStatus(b.users.Policy().Limit))
	}

	status := b.users.CheckAndRolloverQuota(ctx, telegramID)
	return b.sendText(chatID, returningStatus(b.users.Policy().Remaining(status.Used)))
}

func (b *Bot) pause(ctx context.Context) error {
	return poll.Sleep(ctx, b.opts.Clock, b.opts.Pause)
}

func (b *Bot) fail(chatID int64, err error) {
	b.log.Error("handle update", zap.Int64("chat_id", chatID), zap.Error(err))
	b.opts.Metrics.Outcome("error")
	if chatID == 0 {
		return
	}
	if sendErr := b.sendText(chatID, msgApology); sendErr != nil {
		b.log.Error("send apology", zap.Int64("chat_id", chatID), zap.Error(sendErr))
	}
}

// sendText sends text as HTML, split into as many messages as the Bot API
// length limit requires.
func (b *Bot) sendText(chatID int64, text string) error {
	for _, chunk := range splitMessage(text, maxMessageLen) {
		msg := tgbotapi.NewMessage(chatID, chunk)
		msg.ParseMode = tgbotapi.ModeHTML
		if _, err := b.api.Send(msg); err != nil {
			return err
		}
	}
	return nil
}

func (b *Bot) sendWithReplyMarkup(chatID int64, text string, markup interface{}) error {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeHTML
	msg.ReplyMarkup = markup
	_, err := b.api.Send(msg)
	return err
}

func (b *Bot) sendTyping(chatID int64) {
	if _, err := b.api.Request(tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping)); err != nil {
		b.log.Debug("chat action", zap.Int64("chat_id", chatID), zap.Error(err))
	}
}

func profileOf(u *tgbotapi.User) model.Profile {
	return model.Profile{
		TelegramID:   u.ID,
		Username:     u.UserName,
		FirstName:    u.FirstName,
		LastName:     u.LastName,
		LanguageCode: u.LanguageCode,
		IsBot:        u.IsBot,
	}
}

func isStart(msg *tgbotapi.Message, text string) bool {
	if msg.IsCommand() && msg.Command() == "start" {
		return true
	}
	return strings.TrimSpace(text) == "/start"
}

func messageKind(msg *tgbotapi.Message) string {
	switch {
	case msg.Voice != nil:
		return "voice"
	case msg.IsCommand():
		return "command"
	case msg.Text != "":
		return "text"
	default:
		return "other"
	}
}

func chatOf(update tgbotapi.Update) int64 {
	switch {
	case update.Message != nil && update.Message.Chat != nil:
		return update.Message.Chat.ID
	case update.CallbackQuery != nil && update.CallbackQuery.Message != nil && update.CallbackQuery.Message.Chat != nil:
		return update.CallbackQuery.Message.Chat.ID
	case update.CallbackQuery != nil && update.CallbackQuery.From != nil:
		return update.CallbackQuery.From.ID
	default:
		return 0
	}
}
