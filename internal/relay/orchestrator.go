// Package relay turns one normalized inbound message into exactly one
// outbound reply attempt.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"docrelay/internal/domain"
	"docrelay/internal/metrics"
)

// State is a step of the per-message pipeline.
type State string

const (
	StateReceived     State = "received"
	StateNormalized   State = "normalized"
	StateTranscribed  State = "transcribed"
	StateContextBuilt State = "context_built"
	StateModelInvoked State = "model_invoked"
	StatePersisted    State = "persisted"
	StateSynthesized  State = "synthesized"
	StateDispatched   State = "dispatched"
	StateDone         State = "done"
	StateFailed       State = "failed"
)

// ErrClosed is returned by Submit after Shutdown.
var (
	ErrClosed = errors.New("orchestrator is shut down")
	// ErrBusy means the pending budget cannot hold the submitted batch.
	ErrBusy = errors.New("orchestrator queue is full")
)

// MediaPipeline converts voice notes to text and replies to audio.
type MediaPipeline interface {
	SpeechToText(ctx context.Context, mediaRef, mediaType string, creds domain.MediaCredentials) (string, error)
	TextToSpeech(ctx context.Context, text, voice string) (*domain.MediaAsset, error)
}

// Outcome records how one message went through the pipeline.
type Outcome struct {
	UserKey       string
	Channel       domain.ChannelKind
	Path          []State
	State         State
	FailedKind    domain.ErrorKind
	Err           error
	EffectiveText string
	Reply         domain.OutboundReply
	// Recovered lists failures that were absorbed by degrading.
	Recovered []domain.ErrorKind
}

func (o *Outcome) advance(s State) {
	o.State = s
	o.Path = append(o.Path, s)
}

func (o *Outcome) fail(err error, fallback domain.ErrorKind) Outcome {
	kind, ok := domain.KindOf(err)
	if !ok {
		kind = fallback
	}
	o.FailedKind = kind
	o.Err = err
	o.advance(StateFailed)
	return *o
}

// Timeouts bound the stages the orchestrator calls directly.
type Timeouts struct {
	Model      time.Duration
	Store      time.Duration
	Synthesize time.Duration
	Dispatch   time.Duration
}

type Config struct {
	Channels  []domain.Channel
	Completer domain.Completer
	Store     domain.ConversationStore
	Builder   *ContextBuilder
	Media     MediaPipeline
	Metrics   *metrics.Relay
	Logger    *slog.Logger

	VoiceTrigger string
	Voice        string
	ApologyText  string
	Model        string
	MaxTokens    int
	Temperature  float64
	Timeouts     Timeouts

	MaxConcurrent int
	// MaxQueued bounds messages accepted but not yet on a worker slot.
	MaxQueued        int
	SerializePerUser bool
}

// Orchestrator runs the reply pipeline.
type Orchestrator struct {
	channels  map[domain.ChannelKind]domain.Channel
	completer domain.Completer
	store     domain.ConversationStore
	builder   *ContextBuilder
	media     MediaPipeline
	metrics   *metrics.Relay
	logger    *slog.Logger

	trigger     string
	voice       string
	apology     string
	model       string
	maxTokens   int
	temperature float64
	timeouts    Timeouts

	sem     chan struct{}
	pending chan struct{}
	locks   *keyLock
	wg      sync.WaitGroup
	mu      sync.RWMutex
	closed  bool
}

func New(cfg Config) *Orchestrator {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 16
	}
	if cfg.MaxQueued <= 0 {
		cfg.MaxQueued = 4 * cfg.MaxConcurrent
	}
	if cfg.ApologyText == "" {
		cfg.ApologyText = "Sorry, something went wrong. Please try again later."
	}
	o := &Orchestrator{
		channels:    make(map[domain.ChannelKind]domain.Channel, len(cfg.Channels)),
		completer:   cfg.Completer,
		store:       cfg.Store,
		builder:     cfg.Builder,
		media:       cfg.Media,
		metrics:     cfg.Metrics,
		logger:      cfg.Logger,
		trigger:     cfg.VoiceTrigger,
		voice:       cfg.Voice,
		apology:     cfg.ApologyText,
		model:       cfg.Model,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
		timeouts:    cfg.Timeouts,
		sem:         make(chan struct{}, cfg.MaxConcurrent),
		pending:     make(chan struct{}, cfg.MaxConcurrent+cfg.MaxQueued),
	}
	for _, ch := range cfg.Channels {
		o.channels[ch.Kind()] = ch
	}
	if cfg.SerializePerUser {
		o.locks = newKeyLock()
	}
	return o
}

// Submit queues msgs for background processing on bounded worker slots.
// The work does not inherit any request context, so the webhook can be
// acknowledged independently of the reply. A batch is accepted whole or
// not at all: ErrBusy when the pending budget cannot hold every message,
// ErrClosed after Shutdown.
func (o *Orchestrator) Submit(msgs ...domain.InboundMessage) error {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.closed {
		return ErrClosed
	}

	for i := range msgs {
		select {
		case o.pending <- struct{}{}:
		default:
			for ; i > 0; i-- {
				<-o.pending
			}
			return ErrBusy
		}
	}

	o.wg.Add(len(msgs))
	for _, msg := range msgs {
		go o.work(msg)
	}
	return nil
}

func (o *Orchestrator) work(msg domain.InboundMessage) {
	defer o.wg.Done()
	defer func() { <-o.pending }()
	if o.locks != nil {
		defer o.locks.Lock(msg.UserKey)()
	}
	o.sem <- struct{}{}
	defer func() { <-o.sem }()
	o.handle(context.Background(), msg)
}

// Shutdown stops accepting work and waits for in-flight messages.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for in-flight messages: %w", ctx.Err())
	}
}

// Handle processes msg synchronously.
func (o *Orchestrator) Handle(ctx context.Context, msg domain.InboundMessage) Outcome {
	if o.locks != nil {
		defer o.locks.Lock(msg.UserKey)()
	}
	return o.handle(ctx, msg)
}

func (o *Orchestrator) handle(ctx context.Context, msg domain.InboundMessage) Outcome {
	o.metrics.Begin()
	defer o.metrics.End()

	out := o.run(ctx, msg)
	o.report(out)
	return out
}

func (o *Orchestrator) run(ctx context.Context, msg domain.InboundMessage) Outcome {
	out := Outcome{UserKey: msg.UserKey, Channel: msg.Channel}
	out.advance(StateReceived)

	if err := msg.Validate(); err != nil {
		return out.fail(err, domain.KindMalformedPayload)
	}
	ch, ok := o.channels[msg.Channel]
	if !ok {
		return out.fail(domain.Errorf(domain.KindMalformedPayload, "route", "no adapter for channel %s", msg.Channel), domain.KindMalformedPayload)
	}
	out.advance(StateNormalized)

	kind := "text"
	if msg.IsAudio() {
		kind = "audio"
	}
	o.metrics.Received(msg.Channel.String(), kind)

	// Audio input always gets a spoken reply.
	text := msg.RawText
	voice := false
	if msg.IsAudio() {
		voice = true
		start := time.Now()
		transcript, err := o.media.SpeechToText(ctx, msg.MediaRef, msg.MediaType, ch.MediaCredentials())
		o.metrics.StageDone("transcribe", start)
		if err != nil {
			return out.fail(err, domain.KindTranscription)
		}
		text = transcript
		out.advance(StateTranscribed)
	}

	effective, requested := DetectVoiceIntent(text, o.trigger)
	voice = voice || requested
	if effective == "" {
		effective = strings.TrimSpace(text)
	}
	out.EffectiveText = effective

	start := time.Now()
	window, err := o.builder.Build(ctx, msg.UserKey, effective)
	o.metrics.StageDone("context", start)
	if err != nil {
		o.logger.Warn("history unavailable, continuing without it", "user", msg.UserKey, "err", err)
		out.Recovered = append(out.Recovered, domain.KindPersistence)
	}
	out.advance(StateContextBuilt)

	replyText := o.complete(ctx, &out, window)
	out.advance(StateModelInvoked)

	o.persist(ctx, &out, effective, replyText)
	out.advance(StatePersisted)

	reply := domain.OutboundReply{
		UserKey:   msg.UserKey,
		Channel:   msg.Channel,
		Recipient: msg.NativeID,
		Text:      replyText,
		Mode:      domain.ModeText,
	}
	if voice {
		start := time.Now()
		sctx, cancel := withTimeout(ctx, o.timeouts.Synthesize)
		asset, err := o.media.TextToSpeech(sctx, replyText, o.voice)
		cancel()
		o.metrics.StageDone("synthesize", start)
		if err != nil {
			o.logger.Warn("synthesis failed, replying with text", "user", msg.UserKey, "err", err)
			out.Recovered = append(out.Recovered, domain.KindSynthesis)
		} else {
			reply.Mode = domain.ModeVoice
			reply.MediaAsset = asset
			out.advance(StateSynthesized)
		}
	}
	out.Reply = reply

	start = time.Now()
	dctx, cancel := withTimeout(ctx, o.timeouts.Dispatch)
	err = ch.Dispatch(dctx, reply)
	cancel()
	o.metrics.StageDone("dispatch", start)
	if err != nil {
		return out.fail(domain.NewError(domain.KindDispatch, "dispatch", err), domain.KindDispatch)
	}
	out.advance(StateDispatched)
	out.advance(StateDone)
	return out
}

// complete returns the model's reply, or the apology when the backend fails
// or answers with nothing.
func (o *Orchestrator) complete(ctx context.Context, out *Outcome, window domain.ContextWindow) string {
	start := time.Now()
	mctx, cancel := withTimeout(ctx, o.timeouts.Model)
	resp, err := o.completer.Complete(mctx, domain.CompletionRequest{
		Messages:    window.Messages(),
		Model:       o.model,
		MaxTokens:   o.maxTokens,
		Temperature: o.temperature,
	})
	cancel()
	o.metrics.StageDone("model", start)

	if err == nil && strings.TrimSpace(resp.Text) == "" {
		err = errors.New("empty completion")
	}
	if err != nil {
		err = domain.NewError(domain.KindModel, "complete", err)
		o.logger.Error("model call failed, sending apology", "user", out.UserKey, "completer", o.completer.Name(), "err", err)
		out.Recovered = append(out.Recovered, domain.KindModel)
		return o.apology
	}
	return strings.TrimSpace(resp.Text)
}

func (o *Orchestrator) persist(ctx context.Context, out *Outcome, inbound, outbound string) {
	start := time.Now()
	sctx, cancel := withTimeout(ctx, o.timeouts.Store)
	_, err := o.store.Append(sctx, out.UserKey, inbound, outbound)
	cancel()
	o.metrics.StageDone("persist", start)
	if err != nil {
		err = domain.NewError(domain.KindPersistence, "append", err)
		o.logger.Error("turn not persisted", "user", out.UserKey, "err", err)
		out.Recovered = append(out.Recovered, domain.KindPersistence)
	}
}

func (o *Orchestrator) report(out Outcome) {
	channel := out.Channel.String()
	for _, k := range out.Recovered {
		o.metrics.Recovered(string(k))
	}
	if out.State == StateFailed {
		o.metrics.Failed(channel, string(out.FailedKind))
		o.logger.Warn("message dropped without reply",
			"user", out.UserKey,
			"channel", channel,
			"error_kind", out.FailedKind,
			"err", out.Err,
		)
		return
	}
	o.metrics.Dispatched(channel, string(out.Reply.Mode))
	o.logger.Info("reply dispatched",
		"user", out.UserKey,
		"channel", channel,
		"mode", out.Reply.Mode,
		"recovered", out.Recovered,
		"reply_len", len(out.Reply.Text),
	)
}
