package bot

import (
	"fmt"
	"strings"
	"unicode/utf16"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"assistant-gate/internal/config"
)

const cbCheckSubscription = "check_subscription"

const (
	btnSubscribed = "Я подписался ✅"

	msgBanned         = "🚫 You have been banned by the administrator."
	msgApology        = "❌ Sorry, something went wrong. Please try again later."
	msgVoiceFailed    = "❌ Не удалось расшифровать голосовое сообщение. Попробуйте отправить текст."
	msgQuotaExceeded  = "Ты отлично поработала(а), приходи завтра продолжить 😉"
	msgCheckFailed    = "❌ Произошла ошибка при проверке подписки. Попробуйте еще раз."
	msgCallbackFailed = "❌ Произошла ошибка. Попробуйте еще раз."
	msgSubscribedOK   = "Отлично! ✅"

	msgOnboarding = "Привет 👋🏻\n\n" +
		"Я помогу тебе создать промпт для Veo3 по методике виральных видео PJ Ace\n\n" +
		"Сперва подпишись на каналы ниже, чтобы начать. Я бесплатный, потому это наш с тобой справедливый обмен 🤝"
	msgNotSubscribedYet = "Извини, но похоже ты ещё не подписался\n" +
		"Тебе нужно подписаться на оба канала ниже, чтобы начать."
	msgUnsubscribed = "Похоже, ты отписался от канала. " +
		"Пожалуйста, подпишись обратно, чтобы снова начать использовать этого бота 🙏🏻"

	msgGreeting = "Привет 👋🏻\n\n" +
		"Я помогу тебе создать промпт для Veo3 по методике виральных видео PJ Ace"
	msgMainIntro = "✨ Напиши или расскажи голосом свою идею, и я задам тебе до 6 вопросов для уточнения, " +
		"а затем выдам промпт по методике PJ Ace."

	msgAssistantDown = "⚠️ AI assistant temporarily unavailable"
)

func firstTimeStatus(limit int) string {
	return fmt.Sprintf("%s\n\n💡 У тебя есть %d запросов в день.", msgMainIntro, limit)
}

func returningStatus(remaining int) string {
	return fmt.Sprintf("%s\n\n💡 У тебя есть %d запросов на сегодня.", msgMainIntro, remaining)
}

// assistantReply embeds the usage counter above the assistant's answer.
func assistantReply(used, limit int, answer string) string {
	return fmt.Sprintf("<b>Твой лимит</b>: %d/%d\n\n<b>Ответ бота</b>: %s", used, limit, escape(answer))
}

// degradedReply echoes the user's own text when the assistant failed.
func degradedReply(used, limit int, userText string) string {
	return fmt.Sprintf("<b>Твой лимит</b>: %d/%d\n<b>Ответ бота</b>: %s\n\n%s", used, limit, escape(userText), msgAssistantDown)
}

func channelLabel(ch config.Channel) string {
	return fmt.Sprintf("%s %s", ch.Emoji, ch.Username)
}

func onboardingKeyboard(main, second config.Channel) tgbotapi.InlineKeyboardMarkup {
	return tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonURL(channelLabel(main), main.URL),
			tgbotapi.NewInlineKeyboardButtonURL(channelLabel(second), second.URL),
		),
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData(btnSubscribed, cbCheckSubscription),
		),
	)
}

func resubscribeKeyboard(main config.Channel) tgbotapi.InlineKeyboardMarkup {
	return tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonURL(fmt.Sprintf("%s Подписаться на %s", main.Emoji, main.Username), main.URL),
		),
	)
}

func escape(s string) string {
	return tgbotapi.EscapeText(tgbotapi.ModeHTML, s)
}

// maxMessageLen is the Bot API limit on message text, in UTF-16 code units.
const maxMessageLen = 4096

// splitMessage cuts text into chunks of at most limit UTF-16 units. Cuts
// prefer a line break in the second half of a chunk and never land inside
// an HTML entity.
func splitMessage(text string, limit int) []string {
	var chunks []string
	for utf16Len(text) > limit {
		cut := cutPoint(text, limit)
		chunks = append(chunks, text[:cut])
		text = text[cut:]
	}
	return append(chunks, text)
}

func cutPoint(text string, limit int) int {
	end, units := len(text), 0
	for i, r := range text {
		n := utf16.RuneLen(r)
		if n < 1 {
			n = 1
		}
		if units+n > limit {
			end = i
			break
		}
		units += n
	}

	if nl := strings.LastIndexByte(text[:end], '\n'); nl >= end/2 {
		return nl + 1
	}
	if amp := strings.LastIndexByte(text[:end], '&'); amp > 0 && !strings.Contains(text[amp:end], ";") {
		return amp
	}
	return end
}

func utf16Len(s string) int {
	n := 0
	for _, r := range s {
		if l := utf16.RuneLen(r); l > 0 {
			n += l
		} else {
			n++
		}
	}
	return n
}
