package gateway

import (
	"errors"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"

	"docrelay/internal/domain"
	"docrelay/internal/relay"
)

const emptyTwiML = `<?xml version="1.0" encoding="UTF-8"?><Response></Response>`

// handleWhatsApp acknowledges a Twilio webhook. The reply is sent later
// through the REST API, so the TwiML response is always empty.
func (s *Server) handleWhatsApp(c echo.Context) error {
	req := c.Request()
	if err := req.ParseForm(); err != nil {
		s.drop(domain.ChannelWhatsApp, "unreadable", err)
		return s.ackTwilio(c)
	}
	if err := s.whatsapp.VerifyRequest(req, req.PostForm); err != nil {
		s.logger.Warn("whatsapp webhook rejected", "err", err, "remote", c.RealIP())
		return echo.NewHTTPError(http.StatusForbidden, "invalid signature")
	}

	msg, err := s.whatsapp.Normalize(req.PostForm)
	if err != nil {
		s.drop(domain.ChannelWhatsApp, "malformed", err)
		return s.ackTwilio(c)
	}
	if err := s.submit(domain.ChannelWhatsApp, msg); err != nil {
		return err
	}
	return s.ackTwilio(c)
}

func (s *Server) ackTwilio(c echo.Context) error {
	return c.Blob(http.StatusOK, "text/xml; charset=utf-8", []byte(emptyTwiML))
}

// handleMessengerVerify answers the Graph API subscription handshake.
func (s *Server) handleMessengerVerify(c echo.Context) error {
	challenge, ok := s.messenger.Verify(
		c.QueryParam("hub.mode"),
		c.QueryParam("hub.verify_token"),
		c.QueryParam("hub.challenge"),
	)
	if !ok {
		return echo.NewHTTPError(http.StatusForbidden, "verification failed")
	}
	return c.String(http.StatusOK, challenge)
}

func (s *Server) handleMessenger(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		s.drop(domain.ChannelMessenger, "unreadable", err)
		return c.String(http.StatusOK, "EVENT_RECEIVED")
	}
	if err := s.messenger.VerifyRequest(body, c.Request().Header.Get("X-Hub-Signature-256")); err != nil {
		s.logger.Warn("messenger webhook rejected", "err", err, "remote", c.RealIP())
		return echo.NewHTTPError(http.StatusForbidden, "invalid signature")
	}

	msgs, skipped, err := s.messenger.Normalize(body)
	if err != nil {
		s.drop(domain.ChannelMessenger, "malformed", err)
		return c.String(http.StatusOK, "EVENT_RECEIVED")
	}
	for range skipped {
		s.metrics.Dropped(domain.ChannelMessenger.String(), "malformed")
	}
	if len(msgs) > 0 {
		// One batch: a re-delivered body must not reply twice to events
		// that were already accepted.
		if err := s.submit(domain.ChannelMessenger, msgs...); err != nil {
			return err
		}
	}
	return c.String(http.StatusOK, "EVENT_RECEIVED")
}

// submit hands msgs to the relay as one batch. When the relay is shutting
// down or full the platform is told to retry later.
func (s *Server) submit(ch domain.ChannelKind, msgs ...domain.InboundMessage) error {
	err := s.relay.Submit(msgs...)
	if err == nil {
		return nil
	}
	reason := "unavailable"
	if errors.Is(err, relay.ErrBusy) {
		reason = "busy"
	}
	for range msgs {
		s.metrics.Dropped(ch.String(), reason)
	}
	s.logger.Warn("messages not accepted", "channel", ch.String(), "count", len(msgs), "err", err)
	return echo.NewHTTPError(http.StatusServiceUnavailable, "relay unavailable")
}

func (s *Server) drop(ch domain.ChannelKind, reason string, err error) {
	s.metrics.Dropped(ch.String(), reason)
	s.logger.Warn("webhook payload dropped", "channel", ch.String(), "reason", reason, "err", err)
}
