package provider

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"docrelay/internal/domain"
)

type WhisperConfig struct {
	APIBase  string // OpenAI-compatible, e.g. Groq's /openai/v1
	APIKey   string
	Model    string
	Language string // ISO-639-1 hint
	Logger   *slog.Logger
	Client   *http.Client
}

// Whisper transcribes voice notes through /audio/transcriptions.
type Whisper struct {
	client   *openai.Client
	model    string
	language string
	logger   *slog.Logger
}

func NewWhisper(cfg WhisperConfig) *Whisper {
	if cfg.Model == "" {
		cfg.Model = openai.Whisper1
	}
	return &Whisper{
		client:   newOpenAIClient(cfg.APIBase, cfg.APIKey, cfg.Client),
		model:    cfg.Model,
		language: cfg.Language,
		logger:   cfg.Logger,
	}
}

// Transcribe uploads audio under filename, whose extension tells the
// backend the container format.
func (w *Whisper) Transcribe(ctx context.Context, audio io.Reader, filename string) (*domain.Transcription, error) {
	resp, err := w.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    w.model,
		Reader:   audio,
		FilePath: filename,
		Language: w.language,
		Format:   openai.AudioResponseFormatJSON,
	})
	if err != nil {
		return nil, wrapAPIError("transcription", err)
	}

	out := &domain.Transcription{
		Text:     strings.TrimSpace(resp.Text),
		Language: resp.Language,
		Duration: resp.Duration,
	}
	w.logger.Debug("transcription complete", "model", w.model, "text_len", len(out.Text), "language", out.Language)
	return out, nil
}
