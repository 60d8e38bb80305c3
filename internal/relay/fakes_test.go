package relay

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"docrelay/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// memStore is an in-memory ConversationStore.
type memStore struct {
	mu        sync.Mutex
	turns     []domain.ConversationTurn
	appendErr error
	fetchErr  error
}

func (s *memStore) Append(ctx context.Context, userKey, in, out string) (domain.ConversationTurn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.appendErr != nil {
		return domain.ConversationTurn{}, s.appendErr
	}
	t := domain.ConversationTurn{
		ID:           int64(len(s.turns) + 1),
		UserKey:      userKey,
		InboundText:  in,
		OutboundText: out,
		CreatedAt:    time.Now(),
	}
	s.turns = append(s.turns, t)
	return t, nil
}

func (s *memStore) FetchRecent(ctx context.Context, userKey string, limit int) ([]domain.ConversationTurn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fetchErr != nil {
		return nil, s.fetchErr
	}
	var out []domain.ConversationTurn
	for i := len(s.turns) - 1; i >= 0 && len(out) < limit; i-- {
		if s.turns[i].UserKey == userKey {
			out = append(out, s.turns[i])
		}
	}
	return out, nil
}

func (s *memStore) Close() error { return nil }

func (s *memStore) all() []domain.ConversationTurn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.ConversationTurn(nil), s.turns...)
}

// fakeCompleter records the last request.
type fakeCompleter struct {
	mu    sync.Mutex
	text  string
	err   error
	reqs  []domain.CompletionRequest
	delay time.Duration
}

func (f *fakeCompleter) Name() string                      { return "fake" }
func (f *fakeCompleter) Healthy(ctx context.Context) error { return nil }

func (f *fakeCompleter) Complete(ctx context.Context, req domain.CompletionRequest) (*domain.Completion, error) {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return &domain.Completion{Text: f.text, FinishReason: "stop"}, nil
}

func (f *fakeCompleter) last() domain.CompletionRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reqs[len(f.reqs)-1]
}

// fakeChannel records dispatched replies.
type fakeChannel struct {
	kind  domain.ChannelKind
	mu    sync.Mutex
	sent  []domain.OutboundReply
	err   error
	creds domain.MediaCredentials
}

func (c *fakeChannel) Kind() domain.ChannelKind                  { return c.kind }
func (c *fakeChannel) MediaCredentials() domain.MediaCredentials { return c.creds }

func (c *fakeChannel) Dispatch(ctx context.Context, reply domain.OutboundReply) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, reply)
	return c.err
}

func (c *fakeChannel) replies() []domain.OutboundReply {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]domain.OutboundReply(nil), c.sent...)
}

// fakeMedia stands in for the media pipeline.
type fakeMedia struct {
	transcript string
	sttErr     error
	ttsErr     error
	gotCreds   domain.MediaCredentials
	gotVoice   string
	ttsCalls   int
}

func (m *fakeMedia) SpeechToText(ctx context.Context, mediaRef, mediaType string, creds domain.MediaCredentials) (string, error) {
	m.gotCreds = creds
	if m.sttErr != nil {
		return "", m.sttErr
	}
	return m.transcript, nil
}

func (m *fakeMedia) TextToSpeech(ctx context.Context, text, voice string) (*domain.MediaAsset, error) {
	m.ttsCalls++
	m.gotVoice = voice
	if m.ttsErr != nil {
		return nil, m.ttsErr
	}
	return &domain.MediaAsset{
		Name: "a1b2.mp3",
		URL:  "https://relay.example.com/media/a1b2.mp3",
	}, nil
}

var errBackend = errors.New("backend unavailable")
