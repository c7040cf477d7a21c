package bot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
)

// Speech-to-text rejects uploads above 25 MB.
const maxVoiceBytes = 25 << 20

func (b *Bot) transcribeVoice(ctx context.Context, fileID string) (string, error) {
	data, name, err := b.downloadFile(ctx, fileID)
	if err != nil {
		return "", err
	}
	return b.ai.Transcribe(ctx, data, name)
}

// downloadFile fetches a Telegram file and returns its bytes and base name.
func (b *Bot) downloadFile(ctx context.Context, fileID string) ([]byte, string, error) {
	direct, err := b.api.GetFileDirectURL(fileID)
	if err != nil {
		return nil, "", fmt.Errorf("get file url %s: %w", fileID, redactURL(err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, direct, nil)
	if err != nil {
		return nil, "", fmt.Errorf("build download request %s: %w", fileID, redactURL(err))
	}
	resp, err := b.opts.HTTPClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("download file %s: %w", fileID, redactURL(err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("download file %s: unexpected status %d", fileID, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxVoiceBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("read file: %w", err)
	}
	if len(data) > maxVoiceBytes {
		return nil, "", fmt.Errorf("file too large: over %d bytes", maxVoiceBytes)
	}

	name := "voice.ogg"
	if u, err := url.Parse(direct); err == nil && path.Ext(u.Path) != "" {
		name = path.Base(u.Path)
	}
	return data, name, nil
}

// redactURL drops the request URL from transport errors. Bot API and file
// URLs carry the bot token.
func redactURL(err error) error {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return fmt.Errorf("%s: %w", urlErr.Op, urlErr.Err)
	}
	return err
}
