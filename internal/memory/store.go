// Package memory holds the conversation store engines.
package memory

import (
	"context"
	"fmt"
	"log/slog"

	"docrelay/internal/config"
	"docrelay/internal/domain"
)

const defaultFetchLimit = 20

// statsQuery groups turns by the three-character userKey prefix ("wa_", "fb_").
const statsQuery = `
	SELECT substr(sender, 1, 3) AS platform,
	       COUNT(*) AS message_count,
	       COUNT(DISTINCT sender) AS unique_users
	FROM conversations
	GROUP BY substr(sender, 1, 3)
	ORDER BY platform`

// Store is a conversation store that can also report usage and liveness.
type Store interface {
	domain.ConversationStore
	domain.UsageReporter
	Ping(ctx context.Context) error
}

var (
	_ Store = (*SQLiteStore)(nil)
	_ Store = (*PostgresStore)(nil)
)

// Open builds the engine selected by cfg.Driver.
func Open(ctx context.Context, cfg config.MemoryConfig, logger *slog.Logger) (Store, error) {
	switch cfg.Driver {
	case "", "sqlite":
		return NewSQLiteStore(ctx, cfg.DBPath, logger)
	case "postgres":
		return NewPostgresStore(ctx, cfg.DSN, cfg.MaxConns, logger)
	default:
		return nil, fmt.Errorf("unknown memory driver: %s", cfg.Driver)
	}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
