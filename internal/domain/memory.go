package domain

import (
	"context"
	"time"
)

// ConversationTurn is one persisted inbound/outbound pair. Turns are
// append-only; nothing in the relay updates or deletes them.
type ConversationTurn struct {
	ID           int64     `json:"id"`
	UserKey      string    `json:"user_key"`
	InboundText  string    `json:"inbound_text"`
	OutboundText string    `json:"outbound_text"`
	CreatedAt    time.Time `json:"created_at"`
}

// ConversationStore persists conversation turns keyed by userKey.
type ConversationStore interface {
	Append(ctx context.Context, userKey, inboundText, outboundText string) (ConversationTurn, error)
	// FetchRecent returns up to limit turns for userKey, newest first.
	FetchRecent(ctx context.Context, userKey string, limit int) ([]ConversationTurn, error)
	Close() error
}

// PlatformUsage summarizes stored traffic for one userKey prefix.
type PlatformUsage struct {
	Platform     string `json:"platform"`
	MessageCount int64  `json:"message_count"`
	UniqueUsers  int64  `json:"unique_users"`
}

// UsageReporter is implemented by stores that can aggregate usage per platform.
type UsageReporter interface {
	Stats(ctx context.Context) ([]PlatformUsage, error)
}
