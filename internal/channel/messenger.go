package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"docrelay/internal/config"
	"docrelay/internal/domain"
)

const defaultGraphBase = "https://graph.facebook.com/v18.0"

// Messenger adapts the Facebook Messenger Send API.
type Messenger struct {
	cfg    config.MessengerConfig
	logger *slog.Logger
	client *http.Client
	now    func() time.Time
}

type MessengerChannelConfig struct {
	Config config.MessengerConfig
	Logger *slog.Logger
	Client *http.Client
}

func NewMessenger(cfg MessengerChannelConfig) *Messenger {
	if cfg.Config.GraphBase == "" {
		cfg.Config.GraphBase = defaultGraphBase
	}
	if cfg.Config.WebhookPath == "" {
		cfg.Config.WebhookPath = "/facebook/webhook"
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Messenger{
		cfg:    cfg.Config,
		logger: cfg.Logger,
		client: client,
		now:    time.Now,
	}
}

func (m *Messenger) Kind() domain.ChannelKind { return domain.ChannelMessenger }

func (m *Messenger) WebhookPath() string { return m.cfg.WebhookPath }

// MediaCredentials is empty: Messenger attachment URLs are pre-signed.
func (m *Messenger) MediaCredentials() domain.MediaCredentials {
	return domain.MediaCredentials{}
}

// VerifyChallenge answers the subscription handshake. It returns the
// challenge to echo back and whether the request is accepted.
func VerifyChallenge(mode, token, challenge, expected string) (string, bool) {
	if mode != "subscribe" || expected == "" || token != expected {
		return "", false
	}
	return challenge, true
}

// Verify applies VerifyChallenge with the configured verify token.
func (m *Messenger) Verify(mode, token, challenge string) (string, bool) {
	out, ok := VerifyChallenge(mode, token, challenge, m.cfg.VerifyToken)
	if !ok {
		m.logger.Warn("messenger webhook verification failed", "mode", mode)
	} else {
		m.logger.Info("messenger webhook verified")
	}
	return out, ok
}

// VerifyRequest checks X-Hub-Signature-256 when an app secret is configured.
func (m *Messenger) VerifyRequest(body []byte, signature string) error {
	if m.cfg.AppSecret == "" {
		return nil
	}
	if !verifyHMAC(body, m.cfg.AppSecret, signature) {
		m.logger.Warn("messenger invalid signature")
		return ErrBadSignature
	}
	return nil
}

// Normalize decodes a webhook body into one message per messaging event.
// Echoes are ignored; events carrying nothing usable are skipped and
// counted in skipped. A body that is not a page subscription is malformed
// as a whole.
func (m *Messenger) Normalize(body []byte) (msgs []domain.InboundMessage, skipped int, err error) {
	var payload fbPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, 0, domain.NewError(domain.KindMalformedPayload, "messenger", fmt.Errorf("decode: %w", err))
	}
	if payload.Object != "page" {
		return nil, 0, domain.Errorf(domain.KindMalformedPayload, "messenger", "unexpected object %q", payload.Object)
	}

	for _, entry := range payload.Entry {
		for _, ev := range entry.Messaging {
			if ev.Message != nil && ev.Message.IsEcho {
				continue
			}
			msg, err := m.normalizeEvent(ev)
			if err != nil {
				skipped++
				m.logger.Warn("messenger event skipped", "err", err)
				continue
			}
			msgs = append(msgs, msg)
		}
	}
	return msgs, skipped, nil
}

func (m *Messenger) normalizeEvent(ev fbMessaging) (domain.InboundMessage, error) {
	key, err := UserKeyFor(domain.ChannelMessenger, ev.Sender.ID)
	if err != nil {
		return domain.InboundMessage{}, err
	}
	msg := domain.InboundMessage{
		UserKey:    key,
		Channel:    domain.ChannelMessenger,
		NativeID:   strings.TrimSpace(ev.Sender.ID),
		ReceivedAt: m.now(),
	}

	switch {
	case ev.Message != nil:
		for _, att := range ev.Message.Attachments {
			if att.Type == "audio" && att.Payload.URL != "" {
				msg.MediaRef = att.Payload.URL
				msg.MediaType = "audio"
				break
			}
		}
		if msg.MediaRef == "" {
			msg.RawText = strings.TrimSpace(ev.Message.Text)
		}
	case ev.Postback != nil:
		msg.RawText = strings.TrimSpace(ev.Postback.Title)
		if msg.RawText == "" {
			msg.RawText = ev.Postback.Payload
		}
	}

	if err := msg.Validate(); err != nil {
		return domain.InboundMessage{}, err
	}
	return msg, nil
}

// Dispatch sends one message through the Send API.
func (m *Messenger) Dispatch(ctx context.Context, reply domain.OutboundReply) error {
	payload := fbSendRequest{Recipient: fbID{ID: reply.Recipient}}
	if reply.Mode == domain.ModeVoice && reply.MediaAsset != nil {
		payload.Message.Attachment = &fbAttachment{
			Type:    "audio",
			Payload: fbAttachmentPayload{URL: reply.MediaAsset.URL, IsReusable: new(bool)},
		}
	} else {
		payload.Message.Text = reply.Text
	}

	if err := m.post(ctx, "/me/messages", payload, nil); err != nil {
		return domain.NewError(domain.KindDispatch, "messenger", err)
	}
	m.logger.Debug("messenger reply sent", "to", reply.Recipient, "mode", reply.Mode)
	return nil
}

// ProfileSettings describes the page's Messenger profile.
type ProfileSettings struct {
	Greeting string
	MenuURL  string
}

// SetupProfile installs the greeting, the Get Started button and the
// persistent menu. Each is a separate call so a failure names its part.
func (m *Messenger) SetupProfile(ctx context.Context, s ProfileSettings) error {
	if s.MenuURL == "" {
		s.MenuURL = "https://www.who.int/health-topics"
	}
	parts := []struct {
		name string
		body any
	}{
		{"greeting", map[string]any{
			"greeting": []map[string]string{{"locale": "default", "text": s.Greeting}},
		}},
		{"get_started", map[string]any{
			"get_started": map[string]string{"payload": "GET_STARTED"},
		}},
		{"persistent_menu", map[string]any{
			"persistent_menu": []map[string]any{{
				"locale":                  "default",
				"composer_input_disabled": false,
				"call_to_actions": []map[string]string{
					{"type": "postback", "title": "New Consultation", "payload": "NEW_CONSULTATION"},
					{"type": "postback", "title": "Emergency Info", "payload": "EMERGENCY_INFO"},
					{"type": "web_url", "title": "Health Tips", "url": s.MenuURL},
				},
			}},
		}},
	}
	for _, p := range parts {
		if err := m.post(ctx, "/me/messenger_profile", p.body, nil); err != nil {
			return fmt.Errorf("set %s: %w", p.name, err)
		}
		m.logger.Info("messenger profile updated", "part", p.name)
	}
	return nil
}

// PageInfo identifies the page the access token belongs to.
type PageInfo struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Category string `json:"category"`
}

func (m *Messenger) PageInfo(ctx context.Context) (*PageInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		strings.TrimRight(m.cfg.GraphBase, "/")+"/me?fields=id,name,category", nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+m.cfg.PageAccessToken)

	var info PageInfo
	if err := m.do(req, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func (m *Messenger) post(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(m.cfg.GraphBase, "/")+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+m.cfg.PageAccessToken)
	return m.do(req, out)
}

func (m *Messenger) do(req *http.Request, out any) error {
	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("graph API %d: %s", resp.StatusCode, string(respBody))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// --- Messenger webhook payload types ---

type fbPayload struct {
	Object string    `json:"object"`
	Entry  []fbEntry `json:"entry"`
}

type fbEntry struct {
	ID        string        `json:"id"`
	Messaging []fbMessaging `json:"messaging"`
}

type fbMessaging struct {
	Sender    fbID        `json:"sender"`
	Recipient fbID        `json:"recipient"`
	Message   *fbMessage  `json:"message,omitempty"`
	Postback  *fbPostback `json:"postback,omitempty"`
}

type fbID struct {
	ID string `json:"id"`
}

type fbMessage struct {
	MID         string         `json:"mid,omitempty"`
	Text        string         `json:"text,omitempty"`
	IsEcho      bool           `json:"is_echo,omitempty"`
	Attachments []fbAttachment `json:"attachments,omitempty"`
	Attachment  *fbAttachment  `json:"attachment,omitempty"`
}

type fbAttachment struct {
	Type    string              `json:"type"`
	Payload fbAttachmentPayload `json:"payload"`
}

type fbAttachmentPayload struct {
	URL        string `json:"url,omitempty"`
	IsReusable *bool  `json:"is_reusable,omitempty"`
}

type fbPostback struct {
	Title   string `json:"title"`
	Payload string `json:"payload"`
}

type fbSendRequest struct {
	Recipient fbID      `json:"recipient"`
	Message   fbMessage `json:"message"`
}
