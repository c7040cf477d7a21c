package bot

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"assistant-gate/internal/assistant"
	"assistant-gate/internal/config"
	"assistant-gate/internal/model"
	"assistant-gate/internal/quota"
	"assistant-gate/internal/repository"
	"assistant-gate/internal/service"
	"assistant-gate/internal/subscription"
)

var today = time.Date(2024, 3, 10, 15, 0, 0, 0, time.UTC)

type fakeAPI struct {
	mu       sync.Mutex
	sent     []tgbotapi.MessageConfig
	requests []tgbotapi.Chattable
	params   map[string]tgbotapi.Params
	fileURL  string
	fileErr  error
	updates  chan tgbotapi.Update
	stopOnce sync.Once
}

func (f *fakeAPI) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if msg, ok := c.(tgbotapi.MessageConfig); ok {
		f.sent = append(f.sent, msg)
	}
	return tgbotapi.Message{}, nil
}

func (f *fakeAPI) Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, c)
	return &tgbotapi.APIResponse{Ok: true}, nil
}

func (f *fakeAPI) callbackAnswers() []tgbotapi.CallbackConfig {
	f.mu.Lock()
	defer f.mu.Unlock()
	var answers []tgbotapi.CallbackConfig
	for _, req := range f.requests {
		if cb, ok := req.(tgbotapi.CallbackConfig); ok {
			answers = append(answers, cb)
		}
	}
	return answers
}

func (f *fakeAPI) MakeRequest(endpoint string, params tgbotapi.Params) (*tgbotapi.APIResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.params == nil {
		f.params = map[string]tgbotapi.Params{}
	}
	f.params[endpoint] = params
	return &tgbotapi.APIResponse{Ok: true}, nil
}

func (f *fakeAPI) GetFileDirectURL(string) (string, error) {
	if f.fileErr != nil {
		return "", f.fileErr
	}
	if f.fileURL == "" {
		return "", errors.New("no file")
	}
	return f.fileURL, nil
}

func (f *fakeAPI) GetUpdatesChan(tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	return f.updates
}

func (f *fakeAPI) StopReceivingUpdates() {
	f.stopOnce.Do(func() { close(f.updates) })
}

func (f *fakeAPI) GetWebhookInfo() (tgbotapi.WebhookInfo, error) {
	return tgbotapi.WebhookInfo{URL: "https://example.com/telegram/webhook", PendingUpdateCount: 2}, nil
}

func (f *fakeAPI) texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.sent))
	for _, msg := range f.sent {
		out = append(out, msg.Text)
	}
	return out
}

func (f *fakeAPI) last() tgbotapi.MessageConfig {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sent[len(f.sent)-1]
}

type fakeSubs struct {
	mu         sync.Mutex
	subscribed bool
	primary    bool
	allCalls   int
	primCalls  int
}

func (f *fakeSubs) CheckAllRequired(context.Context, int64) subscription.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.allCalls++
	if !f.subscribed {
		return subscription.Result{Missing: []string{"@second"}}
	}
	return subscription.Result{Subscribed: true}
}

func (f *fakeSubs) CheckPrimary(context.Context, int64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.primCalls++
	return f.primary
}

type fakeAssistant struct {
	mu            sync.Mutex
	reply         string
	err           error
	transcript    string
	transcribeErr error

	opened     int
	asked      []string
	threads    []string
	audioNames []string
}

func (f *fakeAssistant) OpenThread(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opened++
	return fmt.Sprintf("thread_%d", f.opened), nil
}

func (f *fakeAssistant) SendAndAwaitReply(_ context.Context, threadID, text string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.asked = append(f.asked, text)
	f.threads = append(f.threads, threadID)
	return f.reply, f.err
}

func (f *fakeAssistant) Transcribe(_ context.Context, _ []byte, filename string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audioNames = append(f.audioNames, filename)
	return f.transcript, f.transcribeErr
}

type fixture struct {
	db    *gorm.DB
	users *service.UserService
	api   *fakeAPI
	subs  *fakeSubs
	ai    *fakeAssistant
	bot   *Bot
}

var (
	mainChannel   = config.Channel{Username: "@main", URL: "https://t.me/main", Emoji: "📢"}
	secondChannel = config.Channel{Username: "@second", URL: "https://t.me/second", Emoji: "🎬"}
)

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := repository.NewDB(fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = repository.Close(db) })

	f := &fixture{
		db:    db,
		users: service.NewUserService(repository.NewUserRepository(db), quota.DefaultPolicy(), clockwork.NewFakeClockAt(today), zap.NewNop()),
		api:   &fakeAPI{updates: make(chan tgbotapi.Update, 8)},
		subs:  &fakeSubs{subscribed: true, primary: true},
		ai:    &fakeAssistant{reply: "Готово"},
	}
	f.bot = f.newBot(f.users)
	return f
}

func (f *fixture) newBot(users Users) *Bot {
	return New(f.api, users, f.subs, f.ai, Options{
		MainChannel:   mainChannel,
		SecondChannel: secondChannel,
		Pause:         -1,
	}, zap.NewNop())
}

func (f *fixture) seed(t *testing.T, telegramID int64, used int, last *time.Time, thread string) {
	t.Helper()
	user := f.users.UpsertUser(context.Background(), model.Profile{TelegramID: telegramID, Username: "tester"})
	require.NotNil(t, user)
	require.NoError(t, f.db.Model(&model.User{}).Where("id = ?", user.ID).Updates(map[string]interface{}{
		"daily_requests":  used,
		"last_request_at": last,
		"thread_id":       thread,
	}).Error)
}

func (f *fixture) used(t *testing.T, telegramID int64) int {
	t.Helper()
	user := f.users.GetUser(context.Background(), telegramID)
	require.NotNil(t, user)
	return user.DailyRequests
}

func textUpdate(userID int64, text string) tgbotapi.Update {
	return tgbotapi.Update{Message: &tgbotapi.Message{
		From: &tgbotapi.User{ID: userID, UserName: "tester", FirstName: "Test"},
		Chat: &tgbotapi.Chat{ID: userID, Type: "private"},
		Text: text,
	}}
}

func voiceUpdate(userID int64) tgbotapi.Update {
	update := textUpdate(userID, "")
	update.Message.Voice = &tgbotapi.Voice{FileID: "voice_1", Duration: 3}
	return update
}

func callbackUpdate(userID int64, data string) tgbotapi.Update {
	return tgbotapi.Update{CallbackQuery: &tgbotapi.CallbackQuery{
		ID:      "cb_1",
		From:    &tgbotapi.User{ID: userID, UserName: "tester"},
		Message: &tgbotapi.Message{Chat: &tgbotapi.Chat{ID: userID, Type: "private"}},
		Data:    data,
	}}
}

func ago(d time.Duration) *time.Time {
	t := today.Add(-d)
	return &t
}

func TestBannedUserShortCircuits(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seed(t, 1, 3, ago(time.Hour), "")
	require.NotNil(t, f.users.SetBan(ctx, 1, true))

	for _, text := range []string{"/start", "сделай промпт"} {
		f.bot.HandleUpdate(ctx, textUpdate(1, text))
	}

	assert.Equal(t, []string{msgBanned, msgBanned}, f.api.texts())
	assert.Zero(t, f.subs.allCalls)
	assert.Zero(t, f.subs.primCalls)
	assert.Empty(t, f.ai.asked)
	assert.Zero(t, f.ai.opened)
	assert.Equal(t, 3, f.used(t, 1))
	user := f.users.GetUser(ctx, 1)
	require.NotNil(t, user)
	require.NotNil(t, user.LastRequestAt)
	assert.True(t, user.LastRequestAt.Equal(*ago(time.Hour)))
}

func TestOnboardingThenSubscribedCallback(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.subs.subscribed = false

	f.bot.HandleUpdate(ctx, textUpdate(1, "/start"))

	require.Equal(t, []string{msgOnboarding}, f.api.texts())
	markup, ok := f.api.last().ReplyMarkup.(tgbotapi.InlineKeyboardMarkup)
	require.True(t, ok)
	require.Len(t, markup.InlineKeyboard, 2)
	require.Len(t, markup.InlineKeyboard[0], 2)
	assert.Equal(t, mainChannel.URL, *markup.InlineKeyboard[0][0].URL)
	assert.Equal(t, secondChannel.URL, *markup.InlineKeyboard[0][1].URL)
	assert.Equal(t, cbCheckSubscription, *markup.InlineKeyboard[1][0].CallbackData)

	f.subs.subscribed = true
	f.bot.HandleUpdate(ctx, callbackUpdate(1, cbCheckSubscription))

	texts := f.api.texts()
	require.Len(t, texts, 3)
	assert.Equal(t, msgSubscribedOK, texts[1])
	assert.Equal(t, returningStatus(50), texts[2])
	assert.NotContains(t, texts[2], msgOnboarding)

	answers := f.api.callbackAnswers()
	require.Len(t, answers, 1)
	assert.Equal(t, "cb_1", answers[0].CallbackQueryID)
	assert.False(t, answers[0].ShowAlert)
}

func TestCallbackFailureAlerts(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, repository.Close(f.db))

	f.bot.HandleUpdate(context.Background(), callbackUpdate(1, cbCheckSubscription))

	answers := f.api.callbackAnswers()
	require.Len(t, answers, 1)
	assert.Equal(t, "cb_1", answers[0].CallbackQueryID)
	assert.True(t, answers[0].ShowAlert)
	assert.Equal(t, msgCallbackFailed, answers[0].Text)
	assert.Equal(t, []string{msgCheckFailed}, f.api.texts())
	assert.Zero(t, f.subs.allCalls)
}

func TestCallbackStillUnsubscribed(t *testing.T) {
	f := newFixture(t)
	f.subs.subscribed = false

	f.bot.HandleUpdate(context.Background(), callbackUpdate(1, cbCheckSubscription))

	assert.Equal(t, []string{msgNotSubscribedYet}, f.api.texts())
}

func TestLastRequestOfTheDay(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seed(t, 1, 49, ago(time.Hour), "thread_existing")
	f.ai.reply = "Вот промпт <scene>"

	f.bot.HandleUpdate(ctx, textUpdate(1, "идея"))

	require.Len(t, f.ai.asked, 1)
	assert.Equal(t, []string{"thread_existing"}, f.ai.threads)
	reply := f.api.last().Text
	assert.Contains(t, reply, "50/50")
	assert.Contains(t, reply, "Вот промпт &lt;scene&gt;")
	assert.Equal(t, tgbotapi.ModeHTML, f.api.last().ParseMode)
	assert.Equal(t, 50, f.used(t, 1))

	f.bot.HandleUpdate(ctx, textUpdate(1, "ещё идея"))

	assert.Equal(t, msgQuotaExceeded, f.api.last().Text)
	assert.Len(t, f.ai.asked, 1)
	assert.Equal(t, 50, f.used(t, 1))
}

func TestLongReplyIsSplit(t *testing.T) {
	f := newFixture(t)
	f.ai.reply = strings.Repeat("кадр ", 1500)

	f.bot.HandleUpdate(context.Background(), textUpdate(1, "идея"))

	texts := f.api.texts()
	require.Len(t, texts, 2)
	assert.Contains(t, texts[0], "1/50")
	for _, text := range texts {
		assert.LessOrEqual(t, utf16Len(text), maxMessageLen)
	}
	assert.Equal(t, 1, f.used(t, 1))
}

func TestYesterdaysUsageRollsOver(t *testing.T) {
	f := newFixture(t)
	f.seed(t, 1, 50, ago(24*time.Hour), "thread_existing")

	f.bot.HandleUpdate(context.Background(), textUpdate(1, "идея"))

	assert.Contains(t, f.api.last().Text, "1/50")
	assert.Equal(t, 1, f.used(t, 1))
}

func TestEmptyTranscriptionIsNotCounted(t *testing.T) {
	f := newFixture(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("OggS"))
	}))
	t.Cleanup(srv.Close)
	f.api.fileURL = srv.URL + "/file/bot123/voice/file_1.oga"
	f.ai.transcribeErr = assistant.ErrEmptyTranscription
	f.seed(t, 1, 5, ago(time.Hour), "")

	f.bot.HandleUpdate(context.Background(), voiceUpdate(1))

	assert.Equal(t, msgVoiceFailed, f.api.last().Text)
	assert.Equal(t, []string{"file_1.oga"}, f.ai.audioNames)
	assert.Empty(t, f.ai.asked)
	assert.Equal(t, 5, f.used(t, 1))
}

func TestVoiceTranscriptIsAsked(t *testing.T) {
	f := newFixture(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("OggS"))
	}))
	t.Cleanup(srv.Close)
	f.api.fileURL = srv.URL + "/file/bot123/voice/file_1.oga"
	f.ai.transcript = "видео про кота"

	f.bot.HandleUpdate(context.Background(), voiceUpdate(1))

	assert.Equal(t, []string{"видео про кота"}, f.ai.asked)
	assert.Contains(t, f.api.last().Text, "1/50")
}

func TestVoiceDownloadFailure(t *testing.T) {
	f := newFixture(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(srv.Close)
	f.api.fileURL = srv.URL + "/file/bot123/voice/file_1.oga"

	f.bot.HandleUpdate(context.Background(), voiceUpdate(1))

	assert.Equal(t, msgVoiceFailed, f.api.last().Text)
	assert.Empty(t, f.ai.audioNames)
}

func TestDownloadErrorsHideBotToken(t *testing.T) {
	const token = "123456:SECRET-BOT-TOKEN"

	t.Run("timeout", func(t *testing.T) {
		f := newFixture(t)
		srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
			<-r.Context().Done()
		}))
		t.Cleanup(srv.Close)
		f.api.fileURL = srv.URL + "/file/bot" + token + "/voice/file_1.oga"
		f.bot.opts.HTTPClient = &http.Client{Timeout: 50 * time.Millisecond}

		_, _, err := f.bot.downloadFile(context.Background(), "voice-1")

		require.Error(t, err)
		assert.NotContains(t, err.Error(), token)
		assert.Contains(t, err.Error(), "voice-1")
	})

	t.Run("connection refused", func(t *testing.T) {
		f := newFixture(t)
		srv := httptest.NewServer(http.NotFoundHandler())
		srv.Close()
		f.api.fileURL = srv.URL + "/file/bot" + token + "/voice/file_1.oga"

		_, _, err := f.bot.downloadFile(context.Background(), "voice-1")

		require.Error(t, err)
		assert.NotContains(t, err.Error(), token)
	})

	t.Run("file lookup", func(t *testing.T) {
		f := newFixture(t)
		f.api.fileErr = &url.Error{Op: "Post", URL: "https://api.telegram.org/bot" + token + "/getFile", Err: errors.New("connection reset")}

		_, _, err := f.bot.downloadFile(context.Background(), "voice-1")

		require.Error(t, err)
		assert.NotContains(t, err.Error(), token)
		assert.Contains(t, err.Error(), "connection reset")
	})
}

func TestAssistantFailureDegrades(t *testing.T) {
	f := newFixture(t)
	f.ai.err = assistant.ErrRunTimeout

	f.bot.HandleUpdate(context.Background(), textUpdate(1, "a < b"))

	reply := f.api.last().Text
	assert.Contains(t, reply, "1/50")
	assert.Contains(t, reply, "a &lt; b")
	assert.Contains(t, reply, msgAssistantDown)
	assert.Equal(t, 1, f.used(t, 1))
}

func TestUnsubscribedFromPrimary(t *testing.T) {
	f := newFixture(t)
	f.subs.primary = false

	f.bot.HandleUpdate(context.Background(), textUpdate(1, "идея"))

	assert.Equal(t, msgUnsubscribed, f.api.last().Text)
	markup, ok := f.api.last().ReplyMarkup.(tgbotapi.InlineKeyboardMarkup)
	require.True(t, ok)
	assert.Equal(t, mainChannel.URL, *markup.InlineKeyboard[0][0].URL)
	assert.Empty(t, f.ai.asked)
	assert.Equal(t, 0, f.used(t, 1))
}

func TestStartFirstTimeAndReturning(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.bot.HandleUpdate(ctx, textUpdate(1, "/start"))
	assert.Equal(t, []string{msgGreeting, firstTimeStatus(50)}, f.api.texts())

	f.seed(t, 2, 10, ago(time.Hour), "thread_2")
	f.bot.HandleUpdate(ctx, textUpdate(2, "/start"))
	assert.Equal(t, returningStatus(40), f.api.last().Text)
	assert.Empty(t, f.ai.asked)
}

func TestStorageFailureApologises(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, repository.Close(f.db))

	f.bot.HandleUpdate(context.Background(), textUpdate(1, "идея"))

	assert.Equal(t, []string{msgApology}, f.api.texts())
	assert.Zero(t, f.subs.allCalls)
}

func TestGroupChatsAndEmptyMessagesIgnored(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	group := textUpdate(1, "идея")
	group.Message.Chat.Type = "supergroup"
	f.bot.HandleUpdate(ctx, group)
	assert.Nil(t, f.users.GetUser(ctx, 1))

	f.bot.HandleUpdate(ctx, textUpdate(2, ""))
	assert.Empty(t, f.api.texts())
	assert.Equal(t, 0, f.used(t, 2))
}

// racingUsers stores a competing thread handle right before the bot's own
// save, as a concurrent update would.
type racingUsers struct {
	*service.UserService
}

func (r racingUsers) SaveThreadHandle(ctx context.Context, telegramID int64, handle string) bool {
	r.UserService.SaveThreadHandle(ctx, telegramID, "thread_winner")
	return r.UserService.SaveThreadHandle(ctx, telegramID, handle)
}

func TestThreadRaceAdoptsStoredHandle(t *testing.T) {
	f := newFixture(t)
	b := f.newBot(racingUsers{f.users})

	b.HandleUpdate(context.Background(), textUpdate(1, "идея"))

	assert.Equal(t, []string{"thread_winner"}, f.ai.threads)
	assert.Equal(t, "thread_winner", f.users.GetUser(context.Background(), 1).ThreadID)
}

func TestFirstQuestionOpensThread(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.bot.HandleUpdate(ctx, textUpdate(1, "первая"))
	f.bot.HandleUpdate(ctx, textUpdate(1, "вторая"))

	assert.Equal(t, 1, f.ai.opened)
	assert.Equal(t, []string{"thread_1", "thread_1"}, f.ai.threads)
}

func TestDispatchAndWait(t *testing.T) {
	f := newFixture(t)

	for id := int64(1); id <= 5; id++ {
		f.bot.Dispatch(textUpdate(id, "идея"))
	}
	f.bot.Wait()

	assert.Len(t, f.api.texts(), 5)
	assert.Len(t, f.ai.asked, 5)
}

func TestRunDrainsUntilStopped(t *testing.T) {
	f := newFixture(t)
	f.api.updates <- textUpdate(1, "идея")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := f.bot.Run(ctx)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []string{"идея"}, f.ai.asked)
	_, ok := f.api.requests[0].(tgbotapi.DeleteWebhookConfig)
	assert.True(t, ok)
}

func TestSetWebhook(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.bot.SetWebhook("https://example.com/telegram/webhook", "s3cret"))

	params := f.api.params["setWebhook"]
	assert.Equal(t, "https://example.com/telegram/webhook", params["url"])
	assert.Equal(t, "s3cret", params["secret_token"])
	assert.Equal(t, `["message","callback_query"]`, params["allowed_updates"])

	require.NoError(t, f.bot.SetWebhook("https://example.com/hook", ""))
	_, hasSecret := f.api.params["setWebhook"]["secret_token"]
	assert.False(t, hasSecret)

	info, err := f.bot.WebhookInfo()
	require.NoError(t, err)
	assert.Equal(t, 2, info.PendingUpdateCount)
}
