package memory

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"docrelay/internal/domain"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements the conversation store on PostgreSQL.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewPostgresStore(ctx context.Context, dsn string, maxConns int, logger *slog.Logger) (*PostgresStore, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	if maxConns > 0 {
		poolCfg.MaxConns = int32(maxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("db connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("db ping: %w", err)
	}

	store := &PostgresStore{pool: pool, logger: logger}
	if err := runMigrations(ctx, store, dialectPostgres, logger); err != nil {
		pool.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}
	return store, nil
}

func (s *PostgresStore) Append(ctx context.Context, userKey, inboundText, outboundText string) (domain.ConversationTurn, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return domain.ConversationTurn{}, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	turn := domain.ConversationTurn{UserKey: userKey, InboundText: inboundText, OutboundText: outboundText}
	err = conn.QueryRow(ctx,
		`INSERT INTO conversations (sender, message, response) VALUES ($1, $2, $3)
		 RETURNING id, created_at`,
		userKey, inboundText, outboundText,
	).Scan(&turn.ID, &turn.CreatedAt)
	if err != nil {
		return domain.ConversationTurn{}, fmt.Errorf("insert turn: %w", err)
	}
	turn.CreatedAt = turn.CreatedAt.UTC()
	return turn, nil
}

func (s *PostgresStore) FetchRecent(ctx context.Context, userKey string, limit int) ([]domain.ConversationTurn, error) {
	if userKey == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = defaultFetchLimit
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, sender, message, response, created_at
		 FROM conversations WHERE sender = $1
		 ORDER BY created_at DESC, id DESC LIMIT $2`, userKey, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query turns: %w", err)
	}
	defer rows.Close()

	var turns []domain.ConversationTurn
	for rows.Next() {
		var t domain.ConversationTurn
		var created time.Time
		if err := rows.Scan(&t.ID, &t.UserKey, &t.InboundText, &t.OutboundText, &created); err != nil {
			return nil, err
		}
		t.CreatedAt = created.UTC()
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

func (s *PostgresStore) Stats(ctx context.Context) ([]domain.PlatformUsage, error) {
	rows, err := s.pool.Query(ctx, statsQuery)
	if err != nil {
		return nil, fmt.Errorf("query stats: %w", err)
	}
	defer rows.Close()

	var out []domain.PlatformUsage
	for rows.Next() {
		var u domain.PlatformUsage
		if err := rows.Scan(&u.Platform, &u.MessageCount, &u.UniqueUsers); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// --- schemaTarget ---

func (s *PostgresStore) ensureVersionTable(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_version (
			version     INTEGER PRIMARY KEY,
			description TEXT,
			applied_at  TIMESTAMPTZ DEFAULT now()
		)`)
	return err
}

func (s *PostgresStore) currentVersion(ctx context.Context) (int, error) {
	var v int
	err := s.pool.QueryRow(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&v)
	return v, err
}

func (s *PostgresStore) applyMigration(ctx context.Context, m migration, stmts []string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for _, stmt := range stmts {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("%w\nSQL: %s", err, truncate(stmt, 200))
		}
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO schema_version (version, description) VALUES ($1, $2)
		 ON CONFLICT (version) DO UPDATE SET description = EXCLUDED.description`,
		m.Version, m.Description,
	); err != nil {
		return fmt.Errorf("record version: %w", err)
	}
	return tx.Commit(ctx)
}
