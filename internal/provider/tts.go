package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"docrelay/internal/domain"
)

const defaultElevenLabsVoice = "21m00Tcm4TlvDq8ikWAM"

// TTSConfig configures the text-to-speech backend.
type TTSConfig struct {
	Provider string // "openai" | "elevenlabs"
	APIBase  string
	APIKey   string
	Model    string // "tts-1" (OpenAI) or model_id (ElevenLabs)
	Voice    string // default voice when a call passes none
	Logger   *slog.Logger
	Client   *http.Client
}

// TTS implements domain.Synthesizer.
type TTS struct {
	provider string
	model    string
	voice    string
	logger   *slog.Logger

	oai *openai.Client

	// ElevenLabs has no OpenAI-compatible surface.
	elBase string
	elKey  string
	http   *http.Client
}

func NewTTS(cfg TTSConfig) (*TTS, error) {
	t := &TTS{logger: cfg.Logger}
	switch cfg.Provider {
	case "", "openai":
		t.provider = "openai"
		t.model = orDefault(cfg.Model, string(openai.TTSModel1))
		t.voice = orDefault(cfg.Voice, string(openai.VoiceAlloy))
		t.oai = newOpenAIClient(cfg.APIBase, cfg.APIKey, cfg.Client)
	case "elevenlabs":
		t.provider = "elevenlabs"
		t.model = orDefault(cfg.Model, "eleven_monolingual_v1")
		t.voice = orDefault(cfg.Voice, defaultElevenLabsVoice)
		t.elBase = strings.TrimRight(orDefault(cfg.APIBase, "https://api.elevenlabs.io/v1"), "/")
		t.elKey = cfg.APIKey
		t.http = cfg.Client
		if t.http == nil {
			t.http = newHTTPClient(defaultHTTPTimeout)
		}
	default:
		return nil, fmt.Errorf("unsupported TTS provider: %s", cfg.Provider)
	}
	return t, nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// Synthesize renders text as MP3 audio. An empty voice selects the default.
func (t *TTS) Synthesize(ctx context.Context, text, voice string) (io.ReadCloser, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("nothing to synthesize")
	}
	if voice == "" {
		voice = t.voice
	}

	var (
		audio io.ReadCloser
		err   error
	)
	if t.provider == "elevenlabs" {
		audio, err = t.elevenLabs(ctx, text, voice)
	} else {
		audio, err = t.oai.CreateSpeech(ctx, openai.CreateSpeechRequest{
			Model:          openai.SpeechModel(t.model),
			Input:          text,
			Voice:          openai.SpeechVoice(voice),
			ResponseFormat: openai.SpeechResponseFormatMp3,
		})
		if err != nil {
			err = wrapAPIError("openai TTS", err)
		}
	}
	if err != nil {
		return nil, err
	}
	t.logger.Debug("speech synthesized", "provider", t.provider, "voice", voice, "text_len", len(text))
	return audio, nil
}

func (t *TTS) elevenLabs(ctx context.Context, text, voice string) (io.ReadCloser, error) {
	body, err := json.Marshal(map[string]string{"text": text, "model_id": t.model})
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		t.elBase+"/text-to-speech/"+url.PathEscape(voice), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "audio/mpeg")
	req.Header.Set("xi-api-key", t.elKey)

	resp, err := t.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs TTS request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, fmt.Errorf("elevenlabs TTS (status %d): %s", resp.StatusCode, msg)
	}
	return resp.Body, nil
}

var (
	_ domain.Completer   = (*OpenAI)(nil)
	_ domain.Completer   = (*Gemini)(nil)
	_ domain.Completer   = (*Failover)(nil)
	_ domain.Completer   = (*RateLimited)(nil)
	_ domain.Transcriber = (*Whisper)(nil)
	_ domain.Synthesizer = (*TTS)(nil)
)
