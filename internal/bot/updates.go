package bot

import (
	"context"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
)

var allowedUpdates = []string{"message", "callback_query"}

// Connect authorizes the bot token and routes the client's own logging
// through log.
func Connect(token string, log *zap.Logger) (*tgbotapi.BotAPI, error) {
	if err := tgbotapi.SetLogger(zap.NewStdLog(log.Named("tgbotapi"))); err != nil {
		return nil, fmt.Errorf("set bot logger: %w", err)
	}
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create bot api: %w", err)
	}
	log.Info("bot authorized", zap.String("account", api.Self.UserName))
	return api, nil
}

// Run long-polls for updates until ctx is cancelled, then waits for the
// updates already in flight.
func (b *Bot) Run(ctx context.Context) error {
	// Telegram refuses getUpdates while a webhook is registered.
	if _, err := b.api.Request(tgbotapi.DeleteWebhookConfig{}); err != nil {
		return fmt.Errorf("delete webhook: %w", err)
	}

	updateConfig := tgbotapi.NewUpdate(0)
	updateConfig.Timeout = 60
	updateConfig.AllowedUpdates = allowedUpdates
	updates := b.api.GetUpdatesChan(updateConfig)

	b.log.Info("start polling updates", zap.Int("max_concurrent", b.opts.MaxConcurrentUpdates))

	go func() {
		<-ctx.Done()
		b.api.StopReceivingUpdates()
	}()

	for update := range updates {
		b.Dispatch(update)
	}

	b.Wait()
	b.log.Info("polling stopped")
	return ctx.Err()
}

// SetWebhook registers url with Telegram. When secret is set Telegram
// echoes it in the X-Telegram-Bot-Api-Secret-Token header of every call.
func (b *Bot) SetWebhook(url, secret string) error {
	params := tgbotapi.Params{}
	params["url"] = url
	params.AddNonEmpty("secret_token", secret)
	if err := params.AddInterface("allowed_updates", allowedUpdates); err != nil {
		return fmt.Errorf("encode allowed updates: %w", err)
	}

	if _, err := b.api.MakeRequest("setWebhook", params); err != nil {
		return fmt.Errorf("set webhook: %w", err)
	}
	b.log.Info("webhook registered", zap.String("url", url), zap.Bool("secret", secret != ""))
	return nil
}

func (b *Bot) WebhookInfo() (tgbotapi.WebhookInfo, error) {
	info, err := b.api.GetWebhookInfo()
	if err != nil {
		return tgbotapi.WebhookInfo{}, fmt.Errorf("get webhook info: %w", err)
	}
	return info, nil
}
