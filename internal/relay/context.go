package relay

import (
	"context"
	"log/slog"
	"time"

	"docrelay/internal/domain"
)

// ContextBuilder assembles the prompt for one message from the persona
// preamble and the user's recent turns.
type ContextBuilder struct {
	store    domain.ConversationStore
	preamble string
	limit    int
	timeout  time.Duration
	logger   *slog.Logger
}

type ContextBuilderConfig struct {
	Store    domain.ConversationStore
	Preamble string
	// Limit is the number of past turns to include.
	Limit int
	// Timeout bounds the history read; zero means the caller's deadline.
	Timeout time.Duration
	Logger  *slog.Logger
}

func NewContextBuilder(cfg ContextBuilderConfig) *ContextBuilder {
	if cfg.Limit <= 0 {
		cfg.Limit = 50
	}
	return &ContextBuilder{
		store:    cfg.Store,
		preamble: cfg.Preamble,
		limit:    cfg.Limit,
		timeout:  cfg.Timeout,
		logger:   cfg.Logger,
	}
}

// Build returns the system preamble, past turns oldest first, then text as
// the trailing user entry. When history cannot be read the window holds
// only the preamble and text, and the read error is returned alongside it.
func (b *ContextBuilder) Build(ctx context.Context, userKey, text string) (domain.ContextWindow, error) {
	window := domain.ContextWindow{
		System: domain.ChatMessage{Role: domain.RoleSystem, Content: b.preamble},
	}
	current := domain.ChatMessage{Role: domain.RoleUser, Content: text}

	readCtx, cancel := withTimeout(ctx, b.timeout)
	turns, err := b.store.FetchRecent(readCtx, userKey, b.limit)
	cancel()
	if err != nil {
		window.Entries = []domain.ChatMessage{current}
		return window, domain.NewError(domain.KindPersistence, "history", err)
	}

	window.Entries = make([]domain.ChatMessage, 0, 2*len(turns)+1)
	for i := len(turns) - 1; i >= 0; i-- {
		window.Entries = append(window.Entries,
			domain.ChatMessage{Role: domain.RoleUser, Content: turns[i].InboundText},
			domain.ChatMessage{Role: domain.RoleAssistant, Content: turns[i].OutboundText},
		)
	}
	window.Entries = append(window.Entries, current)
	return window, nil
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
