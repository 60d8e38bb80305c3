package relay

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docrelay/internal/domain"
	"docrelay/internal/metrics"
)

const (
	testPreamble = "You are Dr. Emily."
	testApology  = "Sorry, something went wrong. Please try again later."
	headacheText = "Try resting and drink water. See a doctor if it persists."
)

type harness struct {
	store     *memStore
	completer *fakeCompleter
	whatsapp  *fakeChannel
	messenger *fakeChannel
	media     *fakeMedia
	collector *metrics.Collector
	orch      *Orchestrator
}

func newHarness(t *testing.T, opts ...func(*Config)) *harness {
	t.Helper()
	h := &harness{
		store:     &memStore{},
		completer: &fakeCompleter{text: headacheText},
		whatsapp:  &fakeChannel{kind: domain.ChannelWhatsApp, creds: domain.MediaCredentials{Username: "AC1", Password: "tok"}},
		messenger: &fakeChannel{kind: domain.ChannelMessenger},
		media:     &fakeMedia{transcript: "I have a headache"},
		collector: metrics.NewCollector("docrelay"),
	}
	cfg := Config{
		Channels:  []domain.Channel{h.whatsapp, h.messenger},
		Completer: h.completer,
		Store:     h.store,
		Builder: NewContextBuilder(ContextBuilderConfig{
			Store:    h.store,
			Preamble: testPreamble,
			Limit:    50,
			Logger:   testLogger(),
		}),
		Media:        h.media,
		Metrics:      metrics.NewRelay(h.collector),
		Logger:       testLogger(),
		VoiceTrigger: "reply in voice",
		Voice:        "nova",
		ApologyText:  testApology,
		MaxTokens:    250,
		Temperature:  0.5,
		Timeouts: Timeouts{
			Model:      time.Second,
			Store:      time.Second,
			Synthesize: time.Second,
			Dispatch:   time.Second,
		},
		MaxConcurrent: 4,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	h.orch = New(cfg)
	return h
}

func textMessage(userKey, native, text string) domain.InboundMessage {
	return domain.InboundMessage{
		UserKey:    userKey,
		Channel:    domain.ChannelWhatsApp,
		NativeID:   native,
		RawText:    text,
		ReceivedAt: time.Now(),
	}
}

func TestHandle_TextRoundTrip(t *testing.T) {
	h := newHarness(t)

	out := h.orch.Handle(context.Background(), textMessage("wa_5551234567", "5551234567", "I have a headache"))

	require.Equal(t, StateDone, out.State, out.Err)
	assert.Equal(t, []State{
		StateReceived, StateNormalized, StateContextBuilt, StateModelInvoked,
		StatePersisted, StateDispatched, StateDone,
	}, out.Path)
	assert.Empty(t, out.Recovered)

	req := h.completer.last()
	require.Len(t, req.Messages, 2)
	assert.Equal(t, domain.ChatMessage{Role: domain.RoleSystem, Content: testPreamble}, req.Messages[0])
	assert.Equal(t, domain.ChatMessage{Role: domain.RoleUser, Content: "I have a headache"}, req.Messages[1])
	assert.Equal(t, 250, req.MaxTokens)
	assert.Equal(t, 0.5, req.Temperature)

	turns := h.store.all()
	require.Len(t, turns, 1)
	assert.Equal(t, "wa_5551234567", turns[0].UserKey)
	assert.Equal(t, "I have a headache", turns[0].InboundText)
	assert.Equal(t, headacheText, turns[0].OutboundText)

	sent := h.whatsapp.replies()
	require.Len(t, sent, 1)
	assert.Equal(t, domain.ModeText, sent[0].Mode)
	assert.Equal(t, headacheText, sent[0].Text)
	assert.Equal(t, "5551234567", sent[0].Recipient)
	assert.Empty(t, h.messenger.replies())
	assert.Zero(t, h.media.ttsCalls)
}

func TestHandle_VoiceRequestWithHistory(t *testing.T) {
	h := newHarness(t)
	_, err := h.store.Append(context.Background(), "fb_42", "hello", "Hi, how can I help?")
	require.NoError(t, err)

	msg := domain.InboundMessage{
		UserKey:  "fb_42",
		Channel:  domain.ChannelMessenger,
		NativeID: "42",
		RawText:  "Reply in voice what helps a sore throat?",
	}
	out := h.orch.Handle(context.Background(), msg)
	require.Equal(t, StateDone, out.State, out.Err)
	assert.Contains(t, out.Path, StateSynthesized)

	req := h.completer.last()
	// 2 entries per past turn plus the new message, after the system entry.
	require.Len(t, req.Messages, 1+3)
	assert.Equal(t, "hello", req.Messages[1].Content)
	assert.Equal(t, domain.RoleAssistant, req.Messages[2].Role)
	assert.Equal(t, "what helps a sore throat?", req.Messages[3].Content)

	sent := h.messenger.replies()
	require.Len(t, sent, 1)
	assert.Equal(t, domain.ModeVoice, sent[0].Mode)
	require.NotNil(t, sent[0].MediaAsset)
	assert.Contains(t, sent[0].MediaAsset.URL, "https://relay.example.com/media/")
	assert.Equal(t, "nova", h.media.gotVoice)
}

func TestHandle_TriggerStrippingIsCaseInsensitive(t *testing.T) {
	for _, text := range []string{"reply in voice please help me", "REPLY IN VOICE please help me"} {
		h := newHarness(t)
		out := h.orch.Handle(context.Background(), textMessage("wa_1", "1", text))
		require.Equal(t, StateDone, out.State)
		assert.Equal(t, "please help me", out.EffectiveText)
		assert.Equal(t, "please help me", h.completer.last().Messages[1].Content)
		assert.Equal(t, domain.ModeVoice, out.Reply.Mode)
		assert.Equal(t, "please help me", h.store.all()[0].InboundText)
	}
}

func TestHandle_ModelFailureSendsApology(t *testing.T) {
	h := newHarness(t)
	h.completer.err = errBackend

	out := h.orch.Handle(context.Background(), textMessage("wa_1", "1", "I have a headache"))
	require.Equal(t, StateDone, out.State)
	assert.Equal(t, []domain.ErrorKind{domain.KindModel}, out.Recovered)

	sent := h.whatsapp.replies()
	require.Len(t, sent, 1)
	assert.Equal(t, testApology, sent[0].Text)
	assert.Equal(t, testApology, h.store.all()[0].OutboundText)
}

func TestHandle_EmptyCompletionSendsApology(t *testing.T) {
	h := newHarness(t)
	h.completer.text = "   "
	out := h.orch.Handle(context.Background(), textMessage("wa_1", "1", "hi"))
	assert.Equal(t, testApology, out.Reply.Text)
}

func TestHandle_ModelTimeoutSendsApology(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.Timeouts.Model = 20 * time.Millisecond })
	h.completer.delay = time.Second

	out := h.orch.Handle(context.Background(), textMessage("wa_1", "1", "hi"))
	require.Equal(t, StateDone, out.State)
	assert.Equal(t, testApology, out.Reply.Text)
}

func TestHandle_PersistenceFailureStillReplies(t *testing.T) {
	h := newHarness(t)
	h.store.appendErr = errBackend

	out := h.orch.Handle(context.Background(), textMessage("wa_1", "1", "I have a headache"))
	require.Equal(t, StateDone, out.State)
	assert.Equal(t, []domain.ErrorKind{domain.KindPersistence}, out.Recovered)
	assert.Len(t, h.whatsapp.replies(), 1)
}

func TestHandle_HistoryFailureDegrades(t *testing.T) {
	h := newHarness(t)
	h.store.fetchErr = errBackend

	out := h.orch.Handle(context.Background(), textMessage("wa_1", "1", "I have a headache"))
	require.Equal(t, StateDone, out.State)
	assert.Contains(t, out.Recovered, domain.KindPersistence)
	assert.Len(t, h.completer.last().Messages, 2)
}

func TestHandle_SynthesisFailureFallsBackToText(t *testing.T) {
	h := newHarness(t)
	h.media.ttsErr = domain.Errorf(domain.KindSynthesis, "synthesize", "quota")

	out := h.orch.Handle(context.Background(), textMessage("wa_1", "1", "reply in voice I have a headache"))
	require.Equal(t, StateDone, out.State)
	assert.NotContains(t, out.Path, StateSynthesized)
	assert.Equal(t, 1, h.media.ttsCalls)
	assert.Equal(t, []domain.ErrorKind{domain.KindSynthesis}, out.Recovered)

	sent := h.whatsapp.replies()
	require.Len(t, sent, 1)
	assert.Equal(t, domain.ModeText, sent[0].Mode)
	assert.Equal(t, headacheText, sent[0].Text)
	assert.Nil(t, sent[0].MediaAsset)
}

func TestHandle_AudioInputAlwaysVoice(t *testing.T) {
	h := newHarness(t)
	msg := domain.InboundMessage{
		UserKey:   "wa_+1555",
		Channel:   domain.ChannelWhatsApp,
		NativeID:  "+1555",
		MediaRef:  "https://api.twilio.com/media/ME1",
		MediaType: "audio/ogg",
	}
	out := h.orch.Handle(context.Background(), msg)
	require.Equal(t, StateDone, out.State, out.Err)
	assert.Equal(t, []State{
		StateReceived, StateNormalized, StateTranscribed, StateContextBuilt, StateModelInvoked,
		StatePersisted, StateSynthesized, StateDispatched, StateDone,
	}, out.Path)
	assert.Equal(t, "AC1", h.media.gotCreds.Username)
	assert.Equal(t, "I have a headache", h.store.all()[0].InboundText)
	assert.Equal(t, domain.ModeVoice, h.whatsapp.replies()[0].Mode)
}

func TestHandle_TranscriptionFailureIsTerminal(t *testing.T) {
	for _, kind := range []domain.ErrorKind{domain.KindMediaFetch, domain.KindTranscription} {
		h := newHarness(t)
		h.media.sttErr = domain.Errorf(kind, "stt", "boom")

		out := h.orch.Handle(context.Background(), domain.InboundMessage{
			UserKey: "wa_1", Channel: domain.ChannelWhatsApp, NativeID: "1", MediaRef: "https://x/y",
		})
		assert.Equal(t, StateFailed, out.State)
		assert.Equal(t, kind, out.FailedKind)
		assert.Empty(t, h.whatsapp.replies(), "no reply on %s", kind)
		assert.Empty(t, h.store.all(), "no turn persisted on %s", kind)
		assert.Empty(t, h.completer.reqs)
	}
}

func TestHandle_MalformedMessage(t *testing.T) {
	h := newHarness(t)
	out := h.orch.Handle(context.Background(), domain.InboundMessage{UserKey: "wa_1", Channel: domain.ChannelWhatsApp, NativeID: "1"})
	assert.Equal(t, StateFailed, out.State)
	assert.Equal(t, domain.KindMalformedPayload, out.FailedKind)
	assert.Empty(t, h.whatsapp.replies())
}

func TestHandle_UnroutableChannel(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.Channels = []domain.Channel{c.Channels[0]} })
	out := h.orch.Handle(context.Background(), domain.InboundMessage{
		UserKey: "fb_1", Channel: domain.ChannelMessenger, NativeID: "1", RawText: "hi",
	})
	assert.Equal(t, StateFailed, out.State)
	assert.Empty(t, h.completer.reqs)
}

func TestHandle_DispatchFailureIsTerminal(t *testing.T) {
	h := newHarness(t)
	h.whatsapp.err = errBackend

	out := h.orch.Handle(context.Background(), textMessage("wa_1", "1", "hi"))
	assert.Equal(t, StateFailed, out.State)
	assert.Equal(t, domain.KindDispatch, out.FailedKind)
	assert.Len(t, h.whatsapp.replies(), 1, "exactly one dispatch attempt")
	assert.Len(t, h.store.all(), 1, "turn is persisted before dispatch")
}

func TestHandle_OnlyTriggerKeepsText(t *testing.T) {
	h := newHarness(t)
	out := h.orch.Handle(context.Background(), textMessage("wa_1", "1", "Reply in voice"))
	require.Equal(t, StateDone, out.State)
	assert.Equal(t, "Reply in voice", out.EffectiveText)
	assert.Equal(t, domain.ModeVoice, out.Reply.Mode)
}

func TestHandle_RecordsMetrics(t *testing.T) {
	h := newHarness(t)
	h.completer.err = errBackend
	h.orch.Handle(context.Background(), textMessage("wa_1", "1", "hi"))

	out := h.collector.Render()
	assert.Contains(t, out, `docrelay_messages_received_total{channel="whatsapp",kind="text"} 1`)
	assert.Contains(t, out, `docrelay_stage_recoveries_total{error="model"} 1`)
	assert.Contains(t, out, `docrelay_replies_dispatched_total{channel="whatsapp",mode="text"} 1`)
	assert.Contains(t, out, "docrelay_messages_in_flight 0")
}

func TestSubmit_ProcessesInBackground(t *testing.T) {
	h := newHarness(t)
	for i := 0; i < 10; i++ {
		require.NoError(t, h.orch.Submit(textMessage(fmt.Sprintf("wa_%d", i), fmt.Sprint(i), "hi")))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.orch.Shutdown(ctx))
	assert.Len(t, h.whatsapp.replies(), 10)

	assert.ErrorIs(t, h.orch.Submit(textMessage("wa_x", "x", "late")), ErrClosed)
}

func TestSubmit_BoundsConcurrency(t *testing.T) {
	var running, peak atomic.Int32
	h := newHarness(t, func(c *Config) { c.MaxConcurrent = 2 })
	h.completer.delay = 20 * time.Millisecond
	h.orch.completer = &countingCompleter{inner: h.completer, running: &running, peak: &peak}

	for i := 0; i < 8; i++ {
		require.NoError(t, h.orch.Submit(textMessage(fmt.Sprintf("wa_%d", i), fmt.Sprint(i), "hi")))
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.orch.Shutdown(ctx))

	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.Len(t, h.whatsapp.replies(), 8)
}

func TestSubmit_SerializePerUser(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.SerializePerUser = true })

	var mu sync.Mutex
	active := map[string]int{}
	overlap := false
	h.completer.delay = 10 * time.Millisecond
	h.orch.completer = &hookCompleter{
		inner: h.completer,
		before: func(userKey string) {
			mu.Lock()
			active[userKey]++
			if active[userKey] > 1 {
				overlap = true
			}
			mu.Unlock()
		},
		after: func(userKey string) {
			mu.Lock()
			active[userKey]--
			mu.Unlock()
		},
	}

	for i := 0; i < 6; i++ {
		require.NoError(t, h.orch.Submit(textMessage("wa_same", "same", fmt.Sprintf("msg %d", i))))
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.orch.Shutdown(ctx))

	assert.False(t, overlap, "messages from one user must not overlap")
	assert.Len(t, h.store.all(), 6)
	assert.Equal(t, 0, h.orch.locks.size())

	// Every later message sees all earlier turns once serialized.
	last := h.completer.last()
	assert.Len(t, last.Messages, 1+2*5+1)
}

func TestSubmit_RejectsWhenQueueFull(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		c.MaxConcurrent = 1
		c.MaxQueued = 2
	})
	gate := make(chan struct{})
	h.orch.completer = &gateCompleter{inner: h.completer, gate: gate}

	msg := func(i int) domain.InboundMessage {
		return textMessage(fmt.Sprintf("wa_%d", i), fmt.Sprint(i), "hi")
	}

	require.NoError(t, h.orch.Submit(msg(1)))
	assert.ErrorIs(t, h.orch.Submit(msg(2), msg(3), msg(4)), ErrBusy)
	assert.Len(t, h.orch.pending, 1, "a rejected batch releases what it reserved")

	require.NoError(t, h.orch.Submit(msg(2), msg(3)))
	assert.ErrorIs(t, h.orch.Submit(msg(5)), ErrBusy)

	close(gate)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.orch.Shutdown(ctx))

	assert.Len(t, h.whatsapp.replies(), 3)
	assert.Empty(t, h.orch.pending)
}

// gateCompleter holds every call until gate is closed.
type gateCompleter struct {
	inner domain.Completer
	gate  chan struct{}
}

func (c *gateCompleter) Name() string                      { return c.inner.Name() }
func (c *gateCompleter) Healthy(ctx context.Context) error { return nil }

func (c *gateCompleter) Complete(ctx context.Context, req domain.CompletionRequest) (*domain.Completion, error) {
	select {
	case <-c.gate:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return c.inner.Complete(ctx, req)
}

type countingCompleter struct {
	inner         domain.Completer
	running, peak *atomic.Int32
}

func (c *countingCompleter) Name() string                      { return c.inner.Name() }
func (c *countingCompleter) Healthy(ctx context.Context) error { return nil }

func (c *countingCompleter) Complete(ctx context.Context, req domain.CompletionRequest) (*domain.Completion, error) {
	n := c.running.Add(1)
	for {
		p := c.peak.Load()
		if n <= p || c.peak.CompareAndSwap(p, n) {
			break
		}
	}
	defer c.running.Add(-1)
	return c.inner.Complete(ctx, req)
}

// hookCompleter brackets each call for the single user "wa_same".
type hookCompleter struct {
	inner         domain.Completer
	before, after func(userKey string)
}

func (c *hookCompleter) Name() string                      { return c.inner.Name() }
func (c *hookCompleter) Healthy(ctx context.Context) error { return nil }

func (c *hookCompleter) Complete(ctx context.Context, req domain.CompletionRequest) (*domain.Completion, error) {
	c.before("wa_same")
	defer c.after("wa_same")
	return c.inner.Complete(ctx, req)
}
