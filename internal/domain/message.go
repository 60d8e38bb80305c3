package domain

import (
	"fmt"
	"time"
)

// ChannelKind identifies the messaging platform a message arrived on.
// The set is closed: it is decided once during normalization and carried
// through the pipeline, never re-derived from a userKey prefix.
type ChannelKind int

const (
	ChannelWhatsApp ChannelKind = iota + 1
	ChannelMessenger
)

func (k ChannelKind) String() string {
	switch k {
	case ChannelWhatsApp:
		return "whatsapp"
	case ChannelMessenger:
		return "messenger"
	default:
		return "unknown"
	}
}

func (k ChannelKind) Valid() bool {
	return k == ChannelWhatsApp || k == ChannelMessenger
}

// ReplyMode selects how an outbound reply is rendered on the platform.
type ReplyMode string

const (
	ModeText  ReplyMode = "text"
	ModeVoice ReplyMode = "voice"
)

// InboundMessage is the canonical shape every channel adapter produces.
// Exactly one of RawText / MediaRef is set.
type InboundMessage struct {
	UserKey    string
	Channel    ChannelKind
	NativeID   string // platform address of the sender, used for the reply
	RawText    string
	MediaRef   string
	MediaType  string
	ReceivedAt time.Time
}

// IsAudio reports whether the message carries a voice note instead of text.
func (m InboundMessage) IsAudio() bool { return m.MediaRef != "" }

// Validate checks the canonical invariants. Adapters call it before
// handing a message to the orchestrator.
func (m InboundMessage) Validate() error {
	if m.UserKey == "" || m.NativeID == "" {
		return Errorf(KindMalformedPayload, "normalize", "missing sender identity")
	}
	if !m.Channel.Valid() {
		return Errorf(KindMalformedPayload, "normalize", "unknown channel %d", int(m.Channel))
	}
	hasText := m.RawText != ""
	hasMedia := m.MediaRef != ""
	if hasText == hasMedia {
		return Errorf(KindMalformedPayload, "normalize", "exactly one of text or media is required")
	}
	return nil
}

// OutboundReply is what the orchestrator hands back to the originating adapter.
type OutboundReply struct {
	UserKey    string
	Channel    ChannelKind
	Recipient  string
	Text       string
	Mode       ReplyMode
	MediaAsset *MediaAsset // set only when Mode == ModeVoice
}

func (r OutboundReply) String() string {
	return fmt.Sprintf("reply{user=%s channel=%s mode=%s text_len=%d}", r.UserKey, r.Channel, r.Mode, len(r.Text))
}
