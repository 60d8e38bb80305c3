// Package gateway is the public HTTP surface: platform webhooks, the
// read-only media route, health and metrics.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"docrelay/internal/channel"
	"docrelay/internal/domain"
	"docrelay/internal/media"
	"docrelay/internal/metrics"
)

const maxWebhookBody = "1M"

// Submitter accepts normalized messages for background processing.
type Submitter interface {
	// Submit accepts the whole batch or none of it.
	Submit(msgs ...domain.InboundMessage) error
}

// Pinger reports whether the conversation store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Config struct {
	Addr string
	// WhatsApp and Messenger are optional; a nil adapter registers no routes.
	WhatsApp  *channel.WhatsApp
	Messenger *channel.Messenger
	Relay     Submitter
	Assets    *media.AssetStore
	Store     Pinger
	// Collector is served at MetricsPath when both are set.
	Collector       *metrics.Collector
	MetricsPath     string
	Metrics         *metrics.Relay
	ShutdownTimeout time.Duration
	Logger          *slog.Logger
}

type Server struct {
	echo            *echo.Echo
	addr            string
	whatsapp        *channel.WhatsApp
	messenger       *channel.Messenger
	relay           Submitter
	assets          *media.AssetStore
	store           Pinger
	metrics         *metrics.Relay
	shutdownTimeout time.Duration
	logger          *slog.Logger
}

func NewServer(cfg Config) *Server {
	if cfg.Addr == "" {
		cfg.Addr = ":8000"
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())

	s := &Server{
		echo:            e,
		addr:            cfg.Addr,
		whatsapp:        cfg.WhatsApp,
		messenger:       cfg.Messenger,
		relay:           cfg.Relay,
		assets:          cfg.Assets,
		store:           cfg.Store,
		metrics:         cfg.Metrics,
		shutdownTimeout: cfg.ShutdownTimeout,
		logger:          cfg.Logger,
	}

	e.GET("/healthz", s.handleHealth)
	if s.whatsapp != nil {
		e.POST(s.whatsapp.WebhookPath(), s.handleWhatsApp, middleware.BodyLimit(maxWebhookBody))
	}
	if s.messenger != nil {
		e.GET(s.messenger.WebhookPath(), s.handleMessengerVerify)
		e.POST(s.messenger.WebhookPath(), s.handleMessenger, middleware.BodyLimit(maxWebhookBody))
	}
	if s.assets != nil {
		e.GET(s.assets.RoutePrefix()+":name", s.handleMedia)
	}
	if cfg.Collector != nil && cfg.MetricsPath != "" {
		e.GET(cfg.MetricsPath, echo.WrapHandler(cfg.Collector.Handler()))
	}
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.echo }

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.echo.Start(s.addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.logger.Info("gateway listening", "addr", s.addr)

	select {
	case <-ctx.Done():
		s.logger.Info("gateway shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		if err := s.echo.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("gateway shutdown: %w", err)
		}
		return nil
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return fmt.Errorf("gateway: %w", err)
	}
}

func (s *Server) handleHealth(c echo.Context) error {
	if s.store != nil {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
		defer cancel()
		if err := s.store.Ping(ctx); err != nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]string{
				"status": "degraded",
				"store":  err.Error(),
			})
		}
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleMedia(c echo.Context) error {
	f, err := s.assets.Open(c.Param("name"))
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound)
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound)
	}
	if ct, ok := mediaTypes[path.Ext(st.Name())]; ok {
		c.Response().Header().Set(echo.HeaderContentType, ct)
	}
	http.ServeContent(c.Response(), c.Request(), st.Name(), st.ModTime(), f)
	return nil
}

// mediaTypes covers what the pipeline writes; anything else is sniffed.
var mediaTypes = map[string]string{
	".mp3": "audio/mpeg",
	".ogg": "audio/ogg",
	".m4a": "audio/mp4",
	".wav": "audio/wav",
}
