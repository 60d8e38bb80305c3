package media

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"
	"time"

	"docrelay/internal/domain"
)

const maxRedirects = 10

// Pipeline converts between audio and text on behalf of the orchestrator.
type Pipeline struct {
	assets       *AssetStore
	transcriber  domain.Transcriber
	synthesizer  domain.Synthesizer
	client       *http.Client
	maxBytes     int64
	fetchTO      time.Duration
	transcribeTO time.Duration
	logger       *slog.Logger
}

type PipelineConfig struct {
	Assets      *AssetStore
	Transcriber domain.Transcriber
	Synthesizer domain.Synthesizer
	// MaxDownloadBytes caps inbound media; 0 means unlimited.
	MaxDownloadBytes int64
	// FetchTimeout and TranscribeTimeout bound the two halves of
	// SpeechToText; zero leaves only the caller's deadline.
	FetchTimeout      time.Duration
	TranscribeTimeout time.Duration
	Logger            *slog.Logger
	// Transport overrides the download transport (tests).
	Transport http.RoundTripper
}

func NewPipeline(cfg PipelineConfig) *Pipeline {
	return &Pipeline{
		assets:      cfg.Assets,
		transcriber: cfg.Transcriber,
		synthesizer: cfg.Synthesizer,
		client: &http.Client{
			Timeout:       2 * time.Minute,
			Transport:     cfg.Transport,
			CheckRedirect: sameHostAuth,
		},
		maxBytes:     cfg.MaxDownloadBytes,
		fetchTO:      cfg.FetchTimeout,
		transcribeTO: cfg.TranscribeTimeout,
		logger:       cfg.Logger,
	}
}

// sameHostAuth follows redirects, re-sending credentials only while the
// redirect stays on the host that was originally asked.
func sameHostAuth(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return fmt.Errorf("stopped after %d redirects", maxRedirects)
	}
	first := via[0]
	if req.URL.Host != first.URL.Host {
		req.Header.Del("Authorization")
		return nil
	}
	if auth := first.Header.Get("Authorization"); auth != "" {
		req.Header.Set("Authorization", auth)
	}
	return nil
}

// SpeechToText downloads a platform-hosted voice note and transcribes it.
func (p *Pipeline) SpeechToText(ctx context.Context, mediaRef, mediaType string, creds domain.MediaCredentials) (string, error) {
	fetchCtx, cancel := withTimeout(ctx, p.fetchTO)
	asset, err := p.fetch(fetchCtx, mediaRef, mediaType, creds)
	cancel()
	if err != nil {
		return "", domain.NewError(domain.KindMediaFetch, "fetch", err)
	}
	defer p.assets.Remove(asset.Name)

	f, err := os.Open(asset.Path)
	if err != nil {
		return "", domain.NewError(domain.KindMediaFetch, "fetch", err)
	}
	defer f.Close()

	sttCtx, cancel := withTimeout(ctx, p.transcribeTO)
	defer cancel()
	res, err := p.transcriber.Transcribe(sttCtx, f, "voice"+path.Ext(asset.Name))
	if err != nil {
		return "", domain.NewError(domain.KindTranscription, "transcribe", err)
	}
	text := strings.TrimSpace(res.Text)
	if text == "" {
		return "", domain.Errorf(domain.KindTranscription, "transcribe", "empty transcript")
	}

	p.logger.Debug("voice note transcribed", "bytes", asset.Size, "text_len", len(text))
	return text, nil
}

func (p *Pipeline) fetch(ctx context.Context, mediaRef, mediaType string, creds domain.MediaCredentials) (*domain.MediaAsset, error) {
	u, err := url.Parse(mediaRef)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid media reference %q", mediaRef)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, mediaRef, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	creds.Apply(req)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download: status %d", resp.StatusCode)
	}
	if p.maxBytes > 0 && resp.ContentLength > p.maxBytes {
		return nil, fmt.Errorf("download: %d bytes exceeds limit %d", resp.ContentLength, p.maxBytes)
	}

	ctype := resp.Header.Get("Content-Type")
	if ctype == "" || ctype == "application/octet-stream" {
		ctype = mediaType
	}
	return p.assets.Save(resp.Body, audioExt(ctype, u.Path), ctype, p.maxBytes)
}

// TextToSpeech renders text as an .mp3 asset reachable at its public URL.
func (p *Pipeline) TextToSpeech(ctx context.Context, text, voice string) (*domain.MediaAsset, error) {
	if p.synthesizer == nil {
		return nil, domain.Errorf(domain.KindSynthesis, "synthesize", "no synthesizer configured")
	}
	audio, err := p.synthesizer.Synthesize(ctx, text, voice)
	if err != nil {
		return nil, domain.NewError(domain.KindSynthesis, "synthesize", err)
	}
	defer audio.Close()

	asset, err := p.assets.Save(audio, ".mp3", "audio/mpeg", 0)
	if err != nil {
		return nil, domain.NewError(domain.KindSynthesis, "synthesize", err)
	}
	if asset.Size == 0 {
		p.assets.Remove(asset.Name)
		return nil, domain.NewError(domain.KindSynthesis, "synthesize", errors.New("synthesizer returned no audio"))
	}
	return asset, nil
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

var audioExtensions = map[string]string{
	"audio/ogg":     ".ogg",
	"audio/opus":    ".ogg",
	"audio/mpeg":    ".mp3",
	"audio/mp3":     ".mp3",
	"audio/mp4":     ".m4a",
	"audio/x-m4a":   ".m4a",
	"audio/aac":     ".aac",
	"audio/amr":     ".amr",
	"audio/wav":     ".wav",
	"audio/x-wav":   ".wav",
	"audio/vnd.wav": ".wav",
	"audio/webm":    ".webm",
	"audio/3gpp":    ".3gp",
	"video/mp4":     ".mp4",
}

// audioExt picks a file extension the transcriber will recognize, from the
// content type first and the URL path second.
func audioExt(contentType, urlPath string) string {
	if mt, _, err := mime.ParseMediaType(contentType); err == nil {
		if ext, ok := audioExtensions[mt]; ok {
			return ext
		}
	}
	if ext := strings.ToLower(path.Ext(urlPath)); ext != "" && len(ext) <= 5 {
		return ext
	}
	return ".ogg"
}
