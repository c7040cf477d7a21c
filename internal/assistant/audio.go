package assistant

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

// ErrEmptyTranscription is returned when speech-to-text yields no text.
var ErrEmptyTranscription = errors.New("assistant: empty transcription")

const defaultAudioMIME = "audio/mpeg"

var audioMIME = map[string]string{
	".mp3":  "audio/mpeg",
	".wav":  "audio/wav",
	".ogg":  "audio/ogg",
	".oga":  "audio/ogg",
	".m4a":  "audio/mp4",
	".aac":  "audio/aac",
	".flac": "audio/flac",
}

// MIMEType infers the audio content type from the file extension.
func MIMEType(filename string) string {
	if mime, ok := audioMIME[strings.ToLower(path.Ext(filename))]; ok {
		return mime
	}
	return defaultAudioMIME
}

// audioReader carries the inferred type into the multipart upload.
type audioReader struct {
	*bytes.Reader
	mime string
}

func (r audioReader) ContentType() string { return r.mime }

// uploadName returns the base name sent with the upload. Speech-to-text
// detects the format from the extension, so unrecognised extensions are
// replaced with the one matching the default type.
func uploadName(filename string) string {
	base := path.Base(strings.ReplaceAll(filename, "\\", "/"))
	if base == "." || base == "/" || base == "" {
		base = "audio"
	}
	ext := path.Ext(base)
	if _, ok := audioMIME[strings.ToLower(ext)]; ok {
		return base
	}
	return strings.TrimSuffix(base, ext) + ".mp3"
}

// Transcribe converts audio to text. Blank results are an error.
func (b *Bridge) Transcribe(ctx context.Context, audio []byte, filename string) (string, error) {
	if b.client == nil {
		return "", ErrNotConfigured
	}

	name := uploadName(filename)
	mime := MIMEType(name)
	b.log.Debug("transcribing audio",
		zap.String("file", name), zap.String("mime", mime), zap.Int("bytes", len(audio)))

	resp, err := b.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    openai.Whisper1,
		FilePath: name,
		Reader:   audioReader{Reader: bytes.NewReader(audio), mime: mime},
		Language: b.cfg.Language,
		Format:   openai.AudioResponseFormatText,
	})
	if err != nil {
		return "", fmt.Errorf("create transcription: %w", err)
	}

	text := strings.TrimSpace(resp.Text)
	if text == "" {
		return "", ErrEmptyTranscription
	}
	return text, nil
}
