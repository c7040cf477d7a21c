// Package assistant relays user turns to a hosted OpenAI assistant and
// transcribes voice notes.
package assistant

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"assistant-gate/internal/metrics"
	"assistant-gate/internal/poll"
)

var (
	// ErrNotConfigured is returned by every call when credentials are missing.
	ErrNotConfigured = errors.New("assistant: not configured")
	// ErrRunTimeout means the run did not reach a terminal status in time.
	ErrRunTimeout = errors.New("assistant: run timed out")
	// ErrNoReply means the run completed without an assistant text message.
	ErrNoReply = errors.New("assistant: no reply in thread")
)

// FallbackReply is returned to the user when a run ends in failure.
const FallbackReply = "Sorry, I encountered an issue processing your request. Please try again."

// Client is the subset of the OpenAI API the bridge uses. *openai.Client
// satisfies it.
type Client interface {
	CreateThread(ctx context.Context, request openai.ThreadRequest) (openai.Thread, error)
	CreateMessage(ctx context.Context, threadID string, request openai.MessageRequest) (openai.Message, error)
	ListMessage(ctx context.Context, threadID string, limit *int, order *string, after *string, before *string, runID *string) (openai.MessagesList, error)
	CreateRun(ctx context.Context, threadID string, request openai.RunRequest) (openai.Run, error)
	RetrieveRun(ctx context.Context, threadID string, runID string) (openai.Run, error)
	RetrieveAssistant(ctx context.Context, assistantID string) (openai.Assistant, error)
	CreateTranscription(ctx context.Context, request openai.AudioRequest) (openai.AudioResponse, error)
}

type Config struct {
	APIKey      string
	AssistantID string
	// Language is the ISO-639-1 hint passed to speech-to-text.
	Language        string
	PollInterval    time.Duration
	MaxPollAttempts int
	Clock           clockwork.Clock
}

// Bridge owns the OpenAI client. It is inert, failing every call with
// ErrNotConfigured, when the API key is missing; assistant calls also
// require an assistant id.
type Bridge struct {
	client  Client
	cfg     Config
	metrics *metrics.Metrics
	log     *zap.Logger
}

func New(cfg Config, m *metrics.Metrics, log *zap.Logger) *Bridge {
	var client Client
	if cfg.APIKey != "" {
		client = openai.NewClient(cfg.APIKey)
	}
	b := NewWithClient(client, cfg, m, log)
	if client == nil {
		b.log.Warn("OPENAI_API_KEY is not set, assistant is disabled")
	} else if cfg.AssistantID == "" {
		b.log.Warn("OPENAI_ASSISTANT_ID is not set, only transcription is available")
	}
	return b
}

func NewWithClient(client Client, cfg Config, m *metrics.Metrics, log *zap.Logger) *Bridge {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.MaxPollAttempts <= 0 {
		cfg.MaxPollAttempts = 30
	}
	if cfg.Language == "" {
		cfg.Language = "ru"
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return &Bridge{client: client, cfg: cfg, metrics: m, log: log.Named("assistant")}
}

func (b *Bridge) assistantReady() error {
	if b.client == nil || b.cfg.AssistantID == "" {
		return ErrNotConfigured
	}
	return nil
}

// OpenThread creates a new conversation. Failures are not retried.
func (b *Bridge) OpenThread(ctx context.Context) (string, error) {
	if err := b.assistantReady(); err != nil {
		return "", err
	}
	thread, err := b.client.CreateThread(ctx, openai.ThreadRequest{})
	if err != nil {
		return "", fmt.Errorf("create thread: %w", err)
	}
	b.log.Info("thread created", zap.String("thread_id", thread.ID))
	return thread.ID, nil
}

// SendAndAwaitReply appends text as a user turn, starts a run and polls it
// until it reaches a terminal status. A failed, cancelled or expired run
// yields FallbackReply without an error.
func (b *Bridge) SendAndAwaitReply(ctx context.Context, threadID, text string) (string, error) {
	if err := b.assistantReady(); err != nil {
		return "", err
	}

	if _, err := b.client.CreateMessage(ctx, threadID, openai.MessageRequest{
		Role:    "user",
		Content: text,
	}); err != nil {
		return "", fmt.Errorf("create message: %w", err)
	}

	run, err := b.client.CreateRun(ctx, threadID, openai.RunRequest{AssistantID: b.cfg.AssistantID})
	if err != nil {
		return "", fmt.Errorf("create run: %w", err)
	}

	started := b.cfg.Clock.Now()
	status := run.Status
	err = poll.Until(ctx, poll.Config{
		Interval:    b.cfg.PollInterval,
		MaxAttempts: b.cfg.MaxPollAttempts,
		Clock:       b.cfg.Clock,
	}, func(ctx context.Context, attempt int) (bool, error) {
		current, err := b.client.RetrieveRun(ctx, threadID, run.ID)
		if err != nil {
			return false, fmt.Errorf("retrieve run: %w", err)
		}
		status = current.Status
		return isTerminal(status), nil
	})
	if errors.Is(err, poll.ErrExhausted) {
		b.metrics.AssistantRun("timeout", b.cfg.Clock.Since(started))
		b.log.Warn("run timed out", zap.String("thread_id", threadID), zap.String("run_id", run.ID), zap.String("status", string(status)))
		return "", ErrRunTimeout
	}
	if err != nil {
		return "", err
	}
	b.metrics.AssistantRun(string(status), b.cfg.Clock.Since(started))

	if status != openai.RunStatusCompleted {
		b.log.Warn("run finished unsuccessfully", zap.String("thread_id", threadID), zap.String("run_id", run.ID), zap.String("status", string(status)))
		return FallbackReply, nil
	}

	return b.latestReply(ctx, threadID, run.ID)
}

// latestReply returns the newest assistant text produced by the given run.
func (b *Bridge) latestReply(ctx context.Context, threadID, runID string) (string, error) {
	limit := 20
	order := "desc"
	list, err := b.client.ListMessage(ctx, threadID, &limit, &order, nil, nil, &runID)
	if err != nil {
		return "", fmt.Errorf("list messages: %w", err)
	}
	for _, msg := range list.Messages {
		if msg.Role != "assistant" {
			continue
		}
		for _, content := range msg.Content {
			if content.Text != nil && strings.TrimSpace(content.Text.Value) != "" {
				return content.Text.Value, nil
			}
		}
	}
	return "", ErrNoReply
}

// Health checks that the configured assistant exists.
func (b *Bridge) Health(ctx context.Context) error {
	if err := b.assistantReady(); err != nil {
		return err
	}
	if _, err := b.client.RetrieveAssistant(ctx, b.cfg.AssistantID); err != nil {
		return fmt.Errorf("retrieve assistant: %w", err)
	}
	return nil
}

func isTerminal(status openai.RunStatus) bool {
	switch status {
	case openai.RunStatusCompleted, openai.RunStatusFailed, openai.RunStatusCancelled, openai.RunStatusExpired:
		return true
	default:
		return false
	}
}
