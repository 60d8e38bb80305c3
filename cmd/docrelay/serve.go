package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"docrelay/internal/channel"
	"docrelay/internal/config"
	"docrelay/internal/domain"
	"docrelay/internal/gateway"
	"docrelay/internal/media"
	"docrelay/internal/memory"
	"docrelay/internal/metrics"
	"docrelay/internal/provider"
	"docrelay/internal/relay"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the webhook gateway and reply pipeline",
		Long:  "Starts the HTTP gateway for every enabled channel, the reply orchestrator and the media janitor. Press Ctrl+C to stop.",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	closeLog, err := setupLogger(cfg.General)
	if err != nil {
		return err
	}
	defer closeLog()

	if cfg.Server.PublicBaseURL == "" {
		logger.Warn("server.publicBaseUrl is not set; voice replies will carry unreachable URLs")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	persona, err := config.LoadPersona(cfg.Relay.PersonaFile)
	if err != nil {
		return err
	}

	store, err := memory.Open(ctx, cfg.Memory, logger)
	if err != nil {
		return fmt.Errorf("memory store: %w", err)
	}
	defer store.Close()

	completer, err := provider.NewFactory(cfg, logger).Completer(ctx)
	if err != nil {
		return fmt.Errorf("language model: %w", err)
	}
	if err := completer.Healthy(ctx); err != nil {
		logger.Warn("language model unhealthy at startup", "completer", completer.Name(), "err", err)
	} else {
		logger.Info("language model healthy", "completer", completer.Name())
	}

	pipeline, assets, err := buildMediaPipeline(cfg)
	if err != nil {
		return err
	}
	janitor, err := media.NewJanitor(assets, cfg.Media.SweepSchedule, retention(cfg.Media), logger)
	if err != nil {
		return err
	}

	collector := metrics.NewCollector("docrelay")
	relayMetrics := metrics.NewRelay(collector)

	wa, fb, channels := buildChannels(cfg)
	if len(channels) == 0 {
		return errors.New("no channels enabled: set channels.whatsapp.enabled or channels.messenger.enabled")
	}

	t := cfg.Relay.Timeouts
	orch := relay.New(relay.Config{
		Channels:  channels,
		Completer: completer,
		Store:     store,
		Builder: relay.NewContextBuilder(relay.ContextBuilderConfig{
			Store:    store,
			Preamble: persona.Prompt,
			Limit:    cfg.Memory.HistoryLimit,
			Timeout:  t.StoreTimeout(),
			Logger:   logger,
		}),
		Media:        pipeline,
		Metrics:      relayMetrics,
		Logger:       logger,
		VoiceTrigger: cfg.Relay.VoiceTrigger,
		Voice:        cfg.Relay.Voice,
		ApologyText:  cfg.Relay.ApologyText,
		MaxTokens:    cfg.LLM.MaxTokens,
		Temperature:  cfg.LLM.Temperature,
		Timeouts: relay.Timeouts{
			Model:      t.ModelTimeout(),
			Store:      t.StoreTimeout(),
			Synthesize: t.SynthesizeTimeout(),
			Dispatch:   t.DispatchTimeout(),
		},
		MaxConcurrent:    cfg.Relay.MaxConcurrent,
		MaxQueued:        cfg.Relay.MaxQueued,
		SerializePerUser: cfg.Relay.SerializePerUser,
	})

	shutdownTimeout := time.Duration(cfg.Server.ShutdownTimeoutSeconds) * time.Second
	srvCfg := gateway.Config{
		Addr:            net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port)),
		WhatsApp:        wa,
		Messenger:       fb,
		Relay:           orch,
		Assets:          assets,
		Store:           store,
		Metrics:         relayMetrics,
		ShutdownTimeout: shutdownTimeout,
		Logger:          logger,
	}
	if cfg.Metrics.Enabled {
		srvCfg.Collector = collector
		srvCfg.MetricsPath = cfg.Metrics.Endpoint
	}
	srv := gateway.NewServer(srvCfg)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Start(gctx) })
	g.Go(func() error { return janitor.Start(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		drainCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := orch.Shutdown(drainCtx); err != nil {
			logger.Warn("in-flight messages abandoned", "err", err)
		}
		return nil
	})

	logger.Info("docrelay started. Press Ctrl+C to stop.",
		"version", version,
		"channels", len(channels),
		"store", cfg.Memory.Driver,
	)
	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("shutdown complete")
	return nil
}

func buildChannels(cfg *config.Config) (*channel.WhatsApp, *channel.Messenger, []domain.Channel) {
	var (
		wa       *channel.WhatsApp
		fb       *channel.Messenger
		channels []domain.Channel
	)
	if cfg.Channels.WhatsApp.Enabled {
		wa = channel.NewWhatsApp(channel.WhatsAppChannelConfig{
			Config:        cfg.Channels.WhatsApp,
			PublicBaseURL: cfg.Server.PublicBaseURL,
			Logger:        logger,
		})
		channels = append(channels, wa)
		logger.Info("whatsapp channel enabled", "webhook", wa.WebhookPath())
	}
	if cfg.Channels.Messenger.Enabled {
		fb = channel.NewMessenger(channel.MessengerChannelConfig{
			Config: cfg.Channels.Messenger,
			Logger: logger,
		})
		channels = append(channels, fb)
		logger.Info("messenger channel enabled", "webhook", fb.WebhookPath())
	}
	return wa, fb, channels
}

func buildMediaPipeline(cfg *config.Config) (*media.Pipeline, *media.AssetStore, error) {
	assets, err := newAssetStore(cfg)
	if err != nil {
		return nil, nil, err
	}
	synth, err := provider.NewTTS(provider.TTSConfig{
		Provider: cfg.Speech.Provider,
		APIBase:  cfg.Speech.APIBase,
		APIKey:   cfg.Speech.APIKey,
		Model:    cfg.Speech.Model,
		Voice:    cfg.Speech.Voice,
		Logger:   logger,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("speech synthesis: %w", err)
	}
	stt := provider.NewWhisper(provider.WhisperConfig{
		APIBase:  cfg.Transcription.APIBase,
		APIKey:   cfg.Transcription.APIKey,
		Model:    cfg.Transcription.Model,
		Language: cfg.Transcription.Language,
		Logger:   logger,
	})

	t := cfg.Relay.Timeouts
	return media.NewPipeline(media.PipelineConfig{
		Assets:            assets,
		Transcriber:       stt,
		Synthesizer:       synth,
		MaxDownloadBytes:  cfg.Media.MaxDownloadBytes,
		FetchTimeout:      t.FetchTimeout(),
		TranscribeTimeout: t.TranscribeTimeout(),
		Logger:            logger,
	}), assets, nil
}

func newAssetStore(cfg *config.Config) (*media.AssetStore, error) {
	return media.NewAssetStore(media.AssetStoreConfig{
		Dir:           cfg.Media.Dir,
		PublicBaseURL: cfg.Server.PublicBaseURL,
		RoutePrefix:   cfg.Media.RoutePrefix,
		Logger:        logger,
	})
}

func retention(mc config.MediaConfig) time.Duration {
	return time.Duration(mc.RetentionHours) * time.Hour
}
