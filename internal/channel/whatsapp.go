package channel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"docrelay/internal/config"
	"docrelay/internal/domain"
)

const defaultTwilioBase = "https://api.twilio.com"

// ErrBadSignature is returned when a webhook request fails authentication.
var ErrBadSignature = errors.New("invalid webhook signature")

// WhatsApp adapts the Twilio WhatsApp messaging API.
type WhatsApp struct {
	cfg           config.WhatsAppConfig
	publicBaseURL string
	logger        *slog.Logger
	client        *http.Client
	now           func() time.Time
}

type WhatsAppChannelConfig struct {
	Config config.WhatsAppConfig
	// PublicBaseURL is the externally visible origin Twilio signs against.
	PublicBaseURL string
	Logger        *slog.Logger
	Client        *http.Client
}

func NewWhatsApp(cfg WhatsAppChannelConfig) *WhatsApp {
	if cfg.Config.APIBase == "" {
		cfg.Config.APIBase = defaultTwilioBase
	}
	if cfg.Config.WebhookPath == "" {
		cfg.Config.WebhookPath = "/message"
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &WhatsApp{
		cfg:           cfg.Config,
		publicBaseURL: strings.TrimRight(cfg.PublicBaseURL, "/"),
		logger:        cfg.Logger,
		client:        client,
		now:           time.Now,
	}
}

func (w *WhatsApp) Kind() domain.ChannelKind { return domain.ChannelWhatsApp }

func (w *WhatsApp) WebhookPath() string { return w.cfg.WebhookPath }

func (w *WhatsApp) MediaCredentials() domain.MediaCredentials {
	return domain.MediaCredentials{Username: w.cfg.AccountSID, Password: w.cfg.AuthToken}
}

// VerifyRequest checks X-Twilio-Signature when validation is enabled.
// form must be the parsed POST body of r.
func (w *WhatsApp) VerifyRequest(r *http.Request, form url.Values) error {
	if !w.cfg.ValidateSignature || w.cfg.AuthToken == "" {
		return nil
	}
	fullURL := w.publicBaseURL + r.URL.RequestURI()
	if !verifyTwilio(w.cfg.AuthToken, fullURL, form, r.Header.Get("X-Twilio-Signature")) {
		w.logger.Warn("whatsapp invalid signature", "url", fullURL)
		return ErrBadSignature
	}
	return nil
}

// Normalize turns a Twilio webhook form into the canonical message. An audio
// attachment wins over the text body.
func (w *WhatsApp) Normalize(form url.Values) (domain.InboundMessage, error) {
	from := normalizeWhatsAppID(form.Get("From"))
	key, err := UserKeyFor(domain.ChannelWhatsApp, from)
	if err != nil {
		return domain.InboundMessage{}, err
	}

	msg := domain.InboundMessage{
		UserKey:    key,
		Channel:    domain.ChannelWhatsApp,
		NativeID:   from,
		ReceivedAt: w.now(),
	}

	numMedia, _ := strconv.Atoi(form.Get("NumMedia"))
	for i := 0; i < numMedia; i++ {
		ctype := form.Get(fmt.Sprintf("MediaContentType%d", i))
		ref := form.Get(fmt.Sprintf("MediaUrl%d", i))
		if ref != "" && strings.HasPrefix(ctype, "audio/") {
			msg.MediaRef = ref
			msg.MediaType = ctype
			break
		}
	}
	if msg.MediaRef == "" {
		msg.RawText = strings.TrimSpace(form.Get("Body"))
	}

	if err := msg.Validate(); err != nil {
		return domain.InboundMessage{}, err
	}
	return msg, nil
}

// Dispatch sends one message through the Twilio Messages resource.
func (w *WhatsApp) Dispatch(ctx context.Context, reply domain.OutboundReply) error {
	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json",
		strings.TrimRight(w.cfg.APIBase, "/"), url.PathEscape(w.cfg.AccountSID))

	form := url.Values{}
	form.Set("From", "whatsapp:"+normalizeWhatsAppID(w.cfg.FromNumber))
	form.Set("To", "whatsapp:"+reply.Recipient)
	if reply.Mode == domain.ModeVoice && reply.MediaAsset != nil {
		form.Set("MediaUrl", reply.MediaAsset.URL)
	} else {
		form.Set("Body", reply.Text)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return domain.NewError(domain.KindDispatch, "whatsapp", fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(w.cfg.AccountSID, w.cfg.AuthToken)

	resp, err := w.client.Do(req)
	if err != nil {
		return domain.NewError(domain.KindDispatch, "whatsapp", fmt.Errorf("send: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return domain.Errorf(domain.KindDispatch, "whatsapp", "twilio API %d: %s", resp.StatusCode, string(respBody))
	}

	w.logger.Debug("whatsapp reply sent", "to", reply.Recipient, "mode", reply.Mode)
	return nil
}
