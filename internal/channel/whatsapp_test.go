package channel

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docrelay/internal/config"
	"docrelay/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func testWhatsApp(apiBase string) *WhatsApp {
	return NewWhatsApp(WhatsAppChannelConfig{
		Config: config.WhatsAppConfig{
			Enabled:    true,
			APIBase:    apiBase,
			AccountSID: "AC123",
			AuthToken:  "twilio-token",
			FromNumber: "+15550000000",
		},
		PublicBaseURL: "https://relay.example.com",
		Logger:        testLogger(),
	})
}

func TestWhatsApp_NormalizeText(t *testing.T) {
	w := testWhatsApp("")
	msg, err := w.Normalize(url.Values{
		"From": {"whatsapp:+15551234567"},
		"Body": {"  I have a headache  "},
	})
	require.NoError(t, err)
	assert.Equal(t, "wa_+15551234567", msg.UserKey)
	assert.Equal(t, "+15551234567", msg.NativeID)
	assert.Equal(t, domain.ChannelWhatsApp, msg.Channel)
	assert.Equal(t, "I have a headache", msg.RawText)
	assert.False(t, msg.IsAudio())
}

func TestWhatsApp_NormalizeAudio(t *testing.T) {
	w := testWhatsApp("")
	msg, err := w.Normalize(url.Values{
		"From":              {"whatsapp:+15551234567"},
		"Body":              {""},
		"NumMedia":          {"2"},
		"MediaUrl0":         {"https://api.twilio.com/media/img"},
		"MediaContentType0": {"image/jpeg"},
		"MediaUrl1":         {"https://api.twilio.com/media/voice"},
		"MediaContentType1": {"audio/ogg"},
	})
	require.NoError(t, err)
	assert.Equal(t, "https://api.twilio.com/media/voice", msg.MediaRef)
	assert.Equal(t, "audio/ogg", msg.MediaType)
	assert.Empty(t, msg.RawText)
}

func TestWhatsApp_NormalizeMalformed(t *testing.T) {
	w := testWhatsApp("")
	cases := []url.Values{
		{"Body": {"hello"}},
		{"From": {"whatsapp:+1555"}},
		{"From": {"whatsapp:+1555"}, "NumMedia": {"1"}, "MediaUrl0": {"https://x/img"}, "MediaContentType0": {"image/png"}},
	}
	for _, form := range cases {
		_, err := w.Normalize(form)
		require.Error(t, err)
		kind, _ := domain.KindOf(err)
		assert.Equal(t, domain.KindMalformedPayload, kind)
	}
}

func TestWhatsApp_VerifyRequest(t *testing.T) {
	w := testWhatsApp("")
	w.cfg.ValidateSignature = true
	form := url.Values{"From": {"whatsapp:+1555"}, "Body": {"hi"}}

	req := httptest.NewRequest(http.MethodPost, "/message", strings.NewReader(form.Encode()))
	req.Header.Set("X-Twilio-Signature", twilioSignature("twilio-token", "https://relay.example.com/message", form))
	assert.NoError(t, w.VerifyRequest(req, form))

	req.Header.Set("X-Twilio-Signature", "bogus")
	assert.ErrorIs(t, w.VerifyRequest(req, form), ErrBadSignature)

	w.cfg.ValidateSignature = false
	req.Header.Del("X-Twilio-Signature")
	assert.NoError(t, w.VerifyRequest(req, form))
}

func TestTwilioSignature_KnownVector(t *testing.T) {
	// Example from Twilio's request validation documentation.
	form := url.Values{
		"CallSid": {"CA1234567890ABCDE"},
		"Caller":  {"+12349013030"},
		"Digits":  {"1234"},
		"From":    {"+12349013030"},
		"To":      {"+18005551212"},
	}
	got := twilioSignature("12345", "https://mycompany.com/myapp.php?foo=1&bar=2", form)
	assert.Equal(t, "0/KCTR6DLpKmkAf8muzZqo1nDgQ=", got)
}

func TestWhatsApp_DispatchText(t *testing.T) {
	var gotPath string
	var gotForm url.Values
	var gotUser, gotPass string
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotUser, gotPass, _ = r.BasicAuth()
		r.ParseForm()
		gotForm = r.PostForm
		rw.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	w := testWhatsApp(srv.URL)
	err := w.Dispatch(context.Background(), domain.OutboundReply{
		Channel:   domain.ChannelWhatsApp,
		Recipient: "+15551234567",
		Text:      "Try resting and drink water.",
		Mode:      domain.ModeText,
	})
	require.NoError(t, err)
	assert.Equal(t, "/2010-04-01/Accounts/AC123/Messages.json", gotPath)
	assert.Equal(t, "AC123", gotUser)
	assert.Equal(t, "twilio-token", gotPass)
	assert.Equal(t, "whatsapp:+15550000000", gotForm.Get("From"))
	assert.Equal(t, "whatsapp:+15551234567", gotForm.Get("To"))
	assert.Equal(t, "Try resting and drink water.", gotForm.Get("Body"))
	assert.Empty(t, gotForm.Get("MediaUrl"))
}

func TestWhatsApp_DispatchVoice(t *testing.T) {
	var gotForm url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		gotForm = r.PostForm
		rw.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	w := testWhatsApp(srv.URL)
	err := w.Dispatch(context.Background(), domain.OutboundReply{
		Recipient:  "+15551234567",
		Text:       "spoken",
		Mode:       domain.ModeVoice,
		MediaAsset: &domain.MediaAsset{URL: "https://relay.example.com/media/a.mp3"},
	})
	require.NoError(t, err)
	assert.Equal(t, "https://relay.example.com/media/a.mp3", gotForm.Get("MediaUrl"))
	assert.Empty(t, gotForm.Get("Body"))
}

func TestWhatsApp_DispatchFailureIsDispatchError(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		calls++
		io.Copy(io.Discard, r.Body)
		http.Error(rw, `{"message":"bad number"}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	w := testWhatsApp(srv.URL)
	err := w.Dispatch(context.Background(), domain.OutboundReply{Recipient: "+1", Text: "x", Mode: domain.ModeText})
	require.Error(t, err)
	kind, _ := domain.KindOf(err)
	assert.Equal(t, domain.KindDispatch, kind)
	assert.Equal(t, 1, calls, "dispatch must not retry")
}

func TestWhatsApp_MediaCredentials(t *testing.T) {
	creds := testWhatsApp("").MediaCredentials()
	assert.Equal(t, "AC123", creds.Username)
	assert.Equal(t, "twilio-token", creds.Password)
}
