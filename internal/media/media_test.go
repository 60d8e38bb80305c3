package media

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docrelay/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func testAssets(t *testing.T) *AssetStore {
	t.Helper()
	s, err := NewAssetStore(AssetStoreConfig{
		Dir:           t.TempDir(),
		PublicBaseURL: "https://relay.example.com/",
		RoutePrefix:   "/media",
		Logger:        testLogger(),
	})
	require.NoError(t, err)
	return s
}

type fakeTranscriber struct {
	text     string
	err      error
	filename string
	data     string
}

func (f *fakeTranscriber) Transcribe(ctx context.Context, audio io.Reader, filename string) (*domain.Transcription, error) {
	b, _ := io.ReadAll(audio)
	f.data = string(b)
	f.filename = filename
	if f.err != nil {
		return nil, f.err
	}
	return &domain.Transcription{Text: f.text}, nil
}

type fakeSynthesizer struct {
	audio string
	err   error
	voice string
}

func (f *fakeSynthesizer) Synthesize(ctx context.Context, text, voice string) (io.ReadCloser, error) {
	f.voice = voice
	if f.err != nil {
		return nil, f.err
	}
	return io.NopCloser(strings.NewReader(f.audio)), nil
}

func TestAssetStore_SaveAndOpen(t *testing.T) {
	s := testAssets(t)
	asset, err := s.Save(strings.NewReader("audio-bytes"), "mp3", "audio/mpeg", 0)
	require.NoError(t, err)

	assert.True(t, strings.HasSuffix(asset.Name, ".mp3"))
	assert.Equal(t, "https://relay.example.com/media/"+asset.Name, asset.URL)
	assert.Equal(t, int64(len("audio-bytes")), asset.Size)

	f, err := s.Open(asset.Name)
	require.NoError(t, err)
	defer f.Close()
	data, _ := io.ReadAll(f)
	assert.Equal(t, "audio-bytes", string(data))

	other, err := s.Save(strings.NewReader("x"), ".mp3", "audio/mpeg", 0)
	require.NoError(t, err)
	assert.NotEqual(t, asset.Name, other.Name)
}

func TestAssetStore_SaveRespectsLimit(t *testing.T) {
	s := testAssets(t)
	_, err := s.Save(strings.NewReader("0123456789"), ".ogg", "audio/ogg", 4)
	require.Error(t, err)

	entries, _ := os.ReadDir(s.Dir())
	assert.Empty(t, entries, "partial file must be removed")
}

func TestAssetStore_OpenRejectsTraversal(t *testing.T) {
	s := testAssets(t)
	for _, name := range []string{"", "..", "../etc/passwd", "a/b.mp3", `..\x`, "x..mp3"} {
		_, err := s.Open(name)
		assert.ErrorIs(t, err, ErrInvalidName, name)
	}
}

func TestAssetStore_Sweep(t *testing.T) {
	s := testAssets(t)
	oldAsset, _ := s.Save(strings.NewReader("old"), ".mp3", "audio/mpeg", 0)
	newAsset, _ := s.Save(strings.NewReader("new"), ".mp3", "audio/mpeg", 0)

	past := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(oldAsset.Path, past, past))

	removed, err := s.Sweep(24 * time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = os.Stat(oldAsset.Path)
	assert.True(t, errors.Is(err, os.ErrNotExist))
	_, err = os.Stat(newAsset.Path)
	assert.NoError(t, err)
}

func TestPipeline_SpeechToText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "AC1" || pass != "tok" {
			rw.WriteHeader(http.StatusUnauthorized)
			return
		}
		rw.Header().Set("Content-Type", "audio/ogg")
		rw.Write([]byte("OggS"))
	}))
	defer srv.Close()

	assets := testAssets(t)
	stt := &fakeTranscriber{text: "  reply in voice I have a headache "}
	p := NewPipeline(PipelineConfig{Assets: assets, Transcriber: stt, Logger: testLogger()})

	text, err := p.SpeechToText(context.Background(), srv.URL+"/media/ME1", "audio/ogg",
		domain.MediaCredentials{Username: "AC1", Password: "tok"})
	require.NoError(t, err)
	assert.Equal(t, "reply in voice I have a headache", text)
	assert.Equal(t, "voice.ogg", stt.filename)
	assert.Equal(t, "OggS", stt.data)

	entries, _ := os.ReadDir(assets.Dir())
	assert.Empty(t, entries, "inbound audio is removed after transcription")
}

func TestPipeline_SpeechToTextRedirectAuth(t *testing.T) {
	var cdnAuth string
	cdn := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		cdnAuth = r.Header.Get("Authorization")
		rw.Header().Set("Content-Type", "audio/mpeg")
		rw.Write([]byte("ID3"))
	}))
	defer cdn.Close()

	var sameHostAuth string
	api := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/first":
			http.Redirect(rw, r, "/second", http.StatusFound)
		case "/second":
			sameHostAuth = r.Header.Get("Authorization")
			// cdn listens on 127.0.0.1 too; use "localhost" so the host differs.
			http.Redirect(rw, r, strings.Replace(cdn.URL, "127.0.0.1", "localhost", 1)+"/blob", http.StatusFound)
		}
	}))
	defer api.Close()

	p := NewPipeline(PipelineConfig{Assets: testAssets(t), Transcriber: &fakeTranscriber{text: "ok"}, Logger: testLogger()})
	_, err := p.SpeechToText(context.Background(), api.URL+"/first", "", domain.MediaCredentials{BearerToken: "secret"})
	require.NoError(t, err)
	assert.Equal(t, "Bearer secret", sameHostAuth)
	assert.Empty(t, cdnAuth, "credentials must not leak to another host")
}

func TestPipeline_SpeechToTextErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/missing":
			rw.WriteHeader(http.StatusNotFound)
		case "/big":
			rw.Write([]byte(strings.Repeat("x", 4096)))
		default:
			rw.Write([]byte("audio"))
		}
	}))
	defer srv.Close()

	tests := []struct {
		name string
		ref  string
		stt  *fakeTranscriber
		want domain.ErrorKind
	}{
		{"bad reference", "ftp://x/y", &fakeTranscriber{text: "x"}, domain.KindMediaFetch},
		{"not found", srv.URL + "/missing", &fakeTranscriber{text: "x"}, domain.KindMediaFetch},
		{"too large", srv.URL + "/big", &fakeTranscriber{text: "x"}, domain.KindMediaFetch},
		{"stt failure", srv.URL + "/ok", &fakeTranscriber{err: errors.New("503")}, domain.KindTranscription},
		{"empty transcript", srv.URL + "/ok", &fakeTranscriber{text: "   "}, domain.KindTranscription},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewPipeline(PipelineConfig{
				Assets:           testAssets(t),
				Transcriber:      tt.stt,
				MaxDownloadBytes: 1024,
				Logger:           testLogger(),
			})
			_, err := p.SpeechToText(context.Background(), tt.ref, "audio/ogg", domain.MediaCredentials{})
			require.Error(t, err)
			kind, _ := domain.KindOf(err)
			assert.Equal(t, tt.want, kind)
		})
	}
}

func TestPipeline_TextToSpeech(t *testing.T) {
	assets := testAssets(t)
	tts := &fakeSynthesizer{audio: "ID3-reply"}
	p := NewPipeline(PipelineConfig{Assets: assets, Synthesizer: tts, Logger: testLogger()})

	asset, err := p.TextToSpeech(context.Background(), "Drink water.", "nova")
	require.NoError(t, err)
	assert.Equal(t, "nova", tts.voice)
	assert.Equal(t, ".mp3", filepath.Ext(asset.Name))
	assert.Equal(t, "audio/mpeg", asset.ContentType)
	assert.True(t, strings.HasPrefix(asset.URL, "https://relay.example.com/media/"))

	data, err := os.ReadFile(asset.Path)
	require.NoError(t, err)
	assert.Equal(t, "ID3-reply", string(data))
}

func TestPipeline_TextToSpeechErrors(t *testing.T) {
	for name, synth := range map[string]*fakeSynthesizer{
		"backend error": {err: errors.New("quota")},
		"empty audio":   {audio: ""},
	} {
		t.Run(name, func(t *testing.T) {
			p := NewPipeline(PipelineConfig{Assets: testAssets(t), Synthesizer: synth, Logger: testLogger()})
			_, err := p.TextToSpeech(context.Background(), "hello", "")
			kind, _ := domain.KindOf(err)
			assert.Equal(t, domain.KindSynthesis, kind)
		})
	}
}

func TestAudioExt(t *testing.T) {
	assert.Equal(t, ".ogg", audioExt("audio/ogg; codecs=opus", "/x"))
	assert.Equal(t, ".mp3", audioExt("audio/mpeg", "/x"))
	assert.Equal(t, ".m4a", audioExt("application/octet-stream", "/voice.M4A"))
	assert.Equal(t, ".ogg", audioExt("", "/Media/ME123"))
}

func TestJanitor(t *testing.T) {
	s := testAssets(t)
	old, _ := s.Save(strings.NewReader("old"), ".mp3", "audio/mpeg", 0)
	past := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(old.Path, past, past))

	_, err := NewJanitor(s, "not a schedule", time.Hour, testLogger())
	require.Error(t, err)

	j, err := NewJanitor(s, "@every 1h", time.Hour, testLogger())
	require.NoError(t, err)
	j.RunOnce()
	_, err = os.Stat(old.Path)
	assert.True(t, errors.Is(err, os.ErrNotExist))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- j.Start(ctx) }()
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("janitor did not stop")
	}
}
