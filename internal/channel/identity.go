package channel

import (
	"fmt"
	"strings"

	"docrelay/internal/domain"
)

const (
	prefixWhatsApp  = "wa_"
	prefixMessenger = "fb_"
)

// UserKeyFor derives the stable conversation key for a sender. The
// per-platform prefixes are disjoint, so the same native id seen on two
// platforms never shares history.
func UserKeyFor(kind domain.ChannelKind, nativeID string) (string, error) {
	switch kind {
	case domain.ChannelWhatsApp:
		id := normalizeWhatsAppID(nativeID)
		if id == "" {
			return "", domain.Errorf(domain.KindMalformedPayload, "identity", "empty whatsapp sender")
		}
		return prefixWhatsApp + id, nil
	case domain.ChannelMessenger:
		id := strings.TrimSpace(nativeID)
		if id == "" {
			return "", domain.Errorf(domain.KindMalformedPayload, "identity", "empty messenger sender")
		}
		return prefixMessenger + id, nil
	default:
		return "", domain.Errorf(domain.KindMalformedPayload, "identity", "unknown channel %d", int(kind))
	}
}

// ParseUserKey splits a userKey back into its channel and native id.
func ParseUserKey(key string) (domain.ChannelKind, string, error) {
	switch {
	case strings.HasPrefix(key, prefixWhatsApp) && len(key) > len(prefixWhatsApp):
		return domain.ChannelWhatsApp, key[len(prefixWhatsApp):], nil
	case strings.HasPrefix(key, prefixMessenger) && len(key) > len(prefixMessenger):
		return domain.ChannelMessenger, key[len(prefixMessenger):], nil
	default:
		return 0, "", fmt.Errorf("unrecognized user key %q", key)
	}
}

// PlatformName maps a stored userKey prefix to a display name.
func PlatformName(prefix string) string {
	switch prefix {
	case prefixWhatsApp:
		return domain.ChannelWhatsApp.String()
	case prefixMessenger:
		return domain.ChannelMessenger.String()
	default:
		return "other"
	}
}

// normalizeWhatsAppID strips the "whatsapp:" address scheme. A leading "+"
// is part of the id and kept.
func normalizeWhatsAppID(addr string) string {
	addr = strings.TrimSpace(addr)
	if len(addr) >= len("whatsapp:") && strings.EqualFold(addr[:len("whatsapp:")], "whatsapp:") {
		addr = addr[len("whatsapp:"):]
	}
	return strings.TrimSpace(addr)
}
