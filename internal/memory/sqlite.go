package memory

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"docrelay/internal/domain"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the conversation store on SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

func NewSQLiteStore(ctx context.Context, dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}

	// SQLite serializes writers; one connection avoids SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db, logger: logger, now: time.Now}
	if err := runMigrations(ctx, store, dialectSQLite, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}
	return store, nil
}

// Append records one turn. The write goes through a dedicated connection
// that is released before returning.
func (s *SQLiteStore) Append(ctx context.Context, userKey, inboundText, outboundText string) (domain.ConversationTurn, error) {
	turn := domain.ConversationTurn{
		UserKey:      userKey,
		InboundText:  inboundText,
		OutboundText: outboundText,
		CreatedAt:    s.now().UTC(),
	}

	conn, err := s.db.Conn(ctx)
	if err != nil {
		return domain.ConversationTurn{}, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Close()

	res, err := conn.ExecContext(ctx,
		`INSERT INTO conversations (sender, message, response, created_at) VALUES (?, ?, ?, ?)`,
		userKey, inboundText, outboundText, turn.CreatedAt.UnixNano(),
	)
	if err != nil {
		return domain.ConversationTurn{}, fmt.Errorf("insert turn: %w", err)
	}
	if turn.ID, err = res.LastInsertId(); err != nil {
		return domain.ConversationTurn{}, fmt.Errorf("insert turn id: %w", err)
	}
	return turn, nil
}

// FetchRecent returns the newest turns first; id breaks timestamp ties so
// insertion order is preserved.
func (s *SQLiteStore) FetchRecent(ctx context.Context, userKey string, limit int) ([]domain.ConversationTurn, error) {
	if userKey == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = defaultFetchLimit
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, sender, message, response, created_at
		 FROM conversations WHERE sender = ?
		 ORDER BY created_at DESC, id DESC LIMIT ?`, userKey, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query turns: %w", err)
	}
	defer rows.Close()

	var turns []domain.ConversationTurn
	for rows.Next() {
		var t domain.ConversationTurn
		var created int64
		if err := rows.Scan(&t.ID, &t.UserKey, &t.InboundText, &t.OutboundText, &created); err != nil {
			return nil, err
		}
		t.CreatedAt = time.Unix(0, created).UTC()
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

func (s *SQLiteStore) Stats(ctx context.Context) ([]domain.PlatformUsage, error) {
	rows, err := s.db.QueryContext(ctx, statsQuery)
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

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- schemaTarget ---

func (s *SQLiteStore) ensureVersionTable(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_version (
			version     INTEGER PRIMARY KEY,
			description TEXT,
			applied_at  DATETIME DEFAULT CURRENT_TIMESTAMP
		)`)
	return err
}

func (s *SQLiteStore) currentVersion(ctx context.Context) (int, error) {
	var v int
	err := s.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&v)
	return v, err
}

func (s *SQLiteStore) applyMigration(ctx context.Context, m migration, stmts []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%w\nSQL: %s", err, truncate(stmt, 200))
		}
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT OR REPLACE INTO schema_version (version, description) VALUES (?, ?)",
		m.Version, m.Description,
	); err != nil {
		return fmt.Errorf("record version: %w", err)
	}
	return tx.Commit()
}

// SchemaVersion returns the applied schema version.
func (s *SQLiteStore) SchemaVersion(ctx context.Context) (int, error) {
	return s.currentVersion(ctx)
}
